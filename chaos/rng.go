package chaos

import (
	"hash/fnv"
	"math/rand"
)

// === CampaignKey ===

// CampaignKey uniquely identifies a reproducible campaign.
// Two campaigns with the same CampaignKey, registry and target behaviour
// draw identical plans and identical per-call trigger sequences.
type CampaignKey int64

// NewCampaignKey creates a CampaignKey from a seed value.
func NewCampaignKey(seed int64) CampaignKey {
	return CampaignKey(seed)
}

// === Subsystem Constants ===

const (
	// SubsystemActivation seeds the Engine's per-call trigger streams.
	SubsystemActivation = "activation"

	// SubsystemPlanner drives plan budgets and delay parameters.
	SubsystemPlanner = "planner"

	// SubsystemTarget drives simulated target workloads.
	SubsystemTarget = "target"
)

// === PartitionedRNG ===

// PartitionedRNG provides deterministic, isolated RNG instances per subsystem.
//
// Derivation formula: masterSeed XOR fnv1a64(subsystemName), so drawing from
// one subsystem never shifts the sequence of another.
//
// Thread-safety: NOT thread-safe. Must be called from the control goroutine.
// The Engine takes a derived seed (SeedFor) instead of a *rand.Rand because
// its draws happen concurrently.
type PartitionedRNG struct {
	key        CampaignKey
	subsystems map[string]*rand.Rand
}

// NewPartitionedRNG creates a PartitionedRNG from a CampaignKey.
func NewPartitionedRNG(key CampaignKey) *PartitionedRNG {
	return &PartitionedRNG{
		key:        key,
		subsystems: make(map[string]*rand.Rand),
	}
}

// ForSubsystem returns a deterministically-seeded RNG for the named subsystem.
// The same subsystem name always returns the same *rand.Rand instance (cached).
// Never returns nil.
func (p *PartitionedRNG) ForSubsystem(name string) *rand.Rand {
	if rng, ok := p.subsystems[name]; ok {
		return rng
	}
	rng := rand.New(rand.NewSource(p.SeedFor(name)))
	p.subsystems[name] = rng
	return rng
}

// SeedFor returns the derived seed of a subsystem without creating an RNG.
func (p *PartitionedRNG) SeedFor(name string) int64 {
	return int64(p.key) ^ fnv1a64(name)
}

// Key returns the CampaignKey used to create this PartitionedRNG.
func (p *PartitionedRNG) Key() CampaignKey {
	return p.key
}

// fnv1a64 computes a 64-bit FNV-1a hash of the input string.
func fnv1a64(s string) int64 {
	h := fnv.New64a()
	h.Write([]byte(s))
	return int64(h.Sum64())
}

// goldenGamma is the SplitMix64 stream increment.
const goldenGamma = 0x9e3779b97f4a7c15

// mix64 is the SplitMix64 finalizer.
func mix64(z uint64) uint64 {
	z = (z ^ (z >> 30)) * 0xbf58476d1ce4e5b9
	z = (z ^ (z >> 27)) * 0x94d049bb133111eb
	return z ^ (z >> 31)
}
