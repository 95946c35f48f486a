package main

import (
	"context"
	"os"
	ossignal "os/signal"
	"syscall"
	"time"

	"duet/internal/assets"
	"duet/internal/clock"
	"duet/internal/control"
	"duet/internal/core/domain"
	"duet/internal/peer"
	"duet/internal/playback"

	"github.com/spf13/cobra"
)

var flagTelemetryInterval time.Duration

var explorerCmd = &cobra.Command{
	Use:     "explorer",
	Aliases: []string{"e"},
	Short:   "Join as the explorer and follow the facilitator",
	Long: `Join a room as the explorer. The explorer answers the facilitator's offer,
keeps its clock in sync, loads the assets the facilitator asks for and
plays them on a simulated engine.

Examples:
  duet-peer explorer -u bob -p secret1 -r studio
  duet-peer explorer -u bob -p secret1 -r studio --assets ./samples`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runExplorer()
	},
}

func init() {
	explorerCmd.Flags().DurationVar(&flagTelemetryInterval, "telemetry-interval", time.Second, "level report interval")
}

func runExplorer() error {
	ctx, stop := ossignal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rt, err := newPeerRuntime(ctx, domain.RoleExplorer)
	if err != nil {
		return err
	}

	cache := assets.NewCache()
	if flagAssets != "" {
		m, err := cache.LoadDir(flagAssets)
		if err != nil {
			return err
		}
		rt.log.Infow("preloaded assets", "dir", flagAssets, "count", len(m))
	}

	mixer := playback.NewMixer(playback.NewSimEngine(), rt.log)
	defer mixer.Close()

	explorer := peer.NewExplorer(rt.ch, cache, mixer, rt.clock, rt.log)
	explorer.SetMetrics(rt.metrics)
	explorer.Tracker().OnChange(func(st assets.Status) {
		rt.log.Infow("asset state",
			"asset_id", st.ID,
			"local", st.Local,
			"loaded", st.Progress.Loaded,
			"total", st.Progress.Total,
		)
	})
	rt.clock.OnUpdate(func(est clock.Estimate) {
		rt.log.Debugw("clock estimate", "offset_ms", est.Offset, "rtt_ms", est.RTT, "samples", est.Samples)
	})
	rt.ch.OnHello(func() {
		rt.log.Infow("facilitator connected", "remote", rt.link.Remote())
	})

	go explorer.RunTelemetry(ctx, flagTelemetryInterval, func() control.TelemetryPayload {
		return control.TelemetryPayload{}
	})

	return rt.run(ctx)
}
