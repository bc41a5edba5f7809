package chaos

import (
	"fmt"
	"strings"
	"time"
)

// ActionKind names the fault a fail point injects when it fires.
type ActionKind uint8

const (
	NoAction ActionKind = iota
	ActionCrash
	ActionDelay
	ActionErrorReturn
	ActionPanic
)

// actionNames maps every firing kind to its config/wire name.
var actionNames = map[ActionKind]string{
	ActionCrash:       "crash",
	ActionDelay:       "delay",
	ActionErrorReturn: "error",
	ActionPanic:       "panic",
}

// AllActions lists the firing kinds in canonical order.
var AllActions = []ActionKind{ActionCrash, ActionDelay, ActionErrorReturn, ActionPanic}

func (k ActionKind) String() string {
	if name, ok := actionNames[k]; ok {
		return name
	}
	if k == NoAction {
		return "none"
	}
	return fmt.Sprintf("action(%d)", uint8(k))
}

// Valid reports whether k is one of the firing kinds.
func (k ActionKind) Valid() bool {
	_, ok := actionNames[k]
	return ok
}

// ParseActionKind converts a config name ("crash", "delay", "error", "panic")
// into an ActionKind. Matching is case-insensitive.
func ParseActionKind(s string) (ActionKind, error) {
	name := strings.ToLower(strings.TrimSpace(s))
	for k, n := range actionNames {
		if n == name {
			return k, nil
		}
	}
	return NoAction, fmt.Errorf("unknown action kind %q; valid: crash, delay, error, panic", s)
}

func (k ActionKind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

func (k *ActionKind) UnmarshalText(text []byte) error {
	if string(text) == "none" {
		*k = NoAction
		return nil
	}
	parsed, err := ParseActionKind(string(text))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

// Action is the decision returned by a checkpoint. The zero value means
// "do nothing". Generation identifies the plan the decision was made under.
type Action struct {
	Kind       ActionKind
	Generation Generation
	Delay      time.Duration // set for ActionDelay
	Err        error         // set for ActionErrorReturn; pre-built at install time
}

// Fired reports whether the checkpoint decided to inject a fault.
func (a Action) Fired() bool {
	return a.Kind != NoAction
}
