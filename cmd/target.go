package cmd

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/kaos-harness/kaos/chaos"
	"github.com/kaos-harness/kaos/chaos/agent"
	"github.com/kaos-harness/kaos/chaos/simtarget"
)

var (
	listenAddr   string        // Agent listen address
	restartDelay time.Duration // Downtime of the simulated service after a crash
)

// targetCmd serves the agent API in front of a simulated service, so that
// `kaos run` can be exercised end to end across processes.
var targetCmd = &cobra.Command{
	Use:   "target",
	Short: "Serve a simulated target behind the kaos agent API",
	Run: func(cmd *cobra.Command, args []string) {
		if configPath == "" {
			logrus.Fatalf("target needs a campaign file with target.points (--config)")
		}
		cfg, err := chaos.LoadCampaignConfig(configPath)
		if err != nil {
			logrus.Fatalf("%v", err)
		}
		if cmd.Flags().Changed("seed") {
			cfg.Seed = seed
		}
		svc, err := simtarget.New(cfg.Target, chaos.NewPartitionedRNG(chaos.NewCampaignKey(cfg.Seed)))
		if err != nil {
			logrus.Fatalf("Building simulated target: %v", err)
		}
		if err := serveTarget(svc, listenAddr, restartDelay); err != nil {
			logrus.Fatalf("%v", err)
		}
	},
}

// serveTarget runs the agent server and a supervisor restarting the
// service restartDelay after each crash, until SIGINT/SIGTERM.
func serveTarget(svc *simtarget.Target, addr string, delay time.Duration) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	gin.SetMode(gin.ReleaseMode)
	srv := &http.Server{
		Addr:              addr,
		Handler:           agent.NewServer(svc.Engine(), agent.WithHealth(svc.Alive)).Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	if err := svc.Start(ctx); err != nil {
		return err
	}
	defer func() { _ = svc.Stop(context.Background()) }()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logrus.Infof("Agent listening on %s with %d fail points", addr, svc.Registry().Len())
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	g.Go(func() error {
		ticker := time.NewTicker(10 * time.Millisecond)
		defer ticker.Stop()
		var downSince time.Time
		for {
			select {
			case <-gctx.Done():
				return nil
			case now := <-ticker.C:
				if svc.Alive() {
					downSince = time.Time{}
					continue
				}
				if downSince.IsZero() {
					downSince = now
					continue
				}
				if now.Sub(downSince) >= delay {
					logrus.Infof("Restarting simulated service after %v down", now.Sub(downSince).Round(time.Millisecond))
					if err := svc.Start(gctx); err != nil {
						return err
					}
					downSince = time.Time{}
				}
			}
		}
	})
	return g.Wait()
}

func init() {
	targetCmd.Flags().StringVar(&configPath, "config", "", "Campaign YAML file declaring target.points")
	targetCmd.Flags().Int64Var(&seed, "seed", chaos.DefaultCampaignConfig().Seed, "Seed of the simulated workload")
	targetCmd.Flags().StringVar(&listenAddr, "listen", ":7070", "Agent listen address")
	targetCmd.Flags().DurationVar(&restartDelay, "restart-delay", time.Second, "Downtime after a crash before the service restarts")
	rootCmd.AddCommand(targetCmd)
}
