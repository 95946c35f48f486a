package main

import (
	"context"
	"os"
	ossignal "os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"duet/internal/assets"
	"duet/internal/core/domain"
	"duet/internal/peer"

	"github.com/spf13/cobra"
)

var (
	flagCreateRoom  bool
	flagInline      bool
	flagPlay        string
	flagPlayDelay   time.Duration
	flagDiscovery   time.Duration
	flagCallTimeout time.Duration
)

var facilitatorCmd = &cobra.Command{
	Use:     "facilitator",
	Aliases: []string{"f"},
	Short:   "Join as the facilitator and drive the explorer",
	Long: `Join a room as the facilitator. The facilitator offers a session to the
first connected explorer, publishes the manifest of --assets, asks the
explorer to load every entry and optionally starts one of them.

Examples:
  duet-peer facilitator -u alice -p secret1 -r studio --create --assets ./samples
  duet-peer facilitator -u alice -p secret1 -r studio --assets ./samples --inline --play intro`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runFacilitator()
	},
}

func init() {
	flags := facilitatorCmd.Flags()
	flags.BoolVar(&flagCreateRoom, "create", false, "create the room first")
	flags.BoolVar(&flagInline, "inline", false, "send asset bytes with each load command")
	flags.StringVar(&flagPlay, "play", "", "asset id to start once everything is loaded")
	flags.DurationVar(&flagPlayDelay, "play-delay", 2*time.Second, "lead time for the scheduled start")
	flags.DurationVar(&flagDiscovery, "discovery-interval", 2*time.Second, "how often to look for an explorer")
	flags.DurationVar(&flagCallTimeout, "call-timeout", 30*time.Second, "bound on each acknowledged command")
}

func runFacilitator() error {
	ctx, stop := ossignal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rt, err := newPeerRuntime(ctx, domain.RoleFacilitator)
	if err != nil {
		return err
	}
	if flagCreateRoom {
		if err := rt.api.createRoom(ctx, flagRoom); err != nil {
			return err
		}
		rt.log.Infow("room created", "room_id", flagRoom)
	}

	cache := assets.NewCache()
	var manifest assets.Manifest
	if flagAssets != "" {
		if manifest, err = cache.LoadDir(flagAssets); err != nil {
			return err
		}
	}

	fac := peer.NewFacilitator(rt.ch, rt.clock, rt.log)
	var preparing int32
	rt.ch.OnHello(func() {
		if !atomic.CompareAndSwapInt32(&preparing, 0, 1) {
			return
		}
		go func() {
			defer atomic.StoreInt32(&preparing, 0)
			prepare(ctx, rt, fac, cache, manifest)
		}()
	})

	go discover(ctx, rt, flagDiscovery)
	return rt.run(ctx)
}

// prepare publishes the manifest once and (re)issues the loads. After a
// reconnect the channel has already replayed the manifest.
func prepare(ctx context.Context, rt *peerRuntime, fac *peer.Facilitator, cache *assets.Cache, manifest assets.Manifest) {
	if len(manifest) == 0 {
		return
	}

	callCtx, cancel := context.WithTimeout(ctx, flagCallTimeout)
	defer cancel()

	if rt.ch.LastManifest() == nil {
		if err := fac.SetManifest(callCtx, manifest); err != nil {
			rt.log.Warnw("manifest rejected", "error", err)
			return
		}
	}

	for _, entry := range manifest {
		var source []byte
		if flagInline {
			source, _ = cache.Get(entry.ID)
		}
		if err := fac.Load(callCtx, entry, source); err != nil {
			rt.log.Warnw("explorer failed to load asset", "asset_id", entry.ID, "error", err)
			continue
		}
		rt.log.Infow("explorer loaded asset", "asset_id", entry.ID, "remote", fac.Remote(entry.ID))
	}

	if flagPlay == "" {
		return
	}
	if fac.RemoteIssue(flagPlay) {
		rt.log.Warnw("explorer cannot play asset", "asset_id", flagPlay)
		return
	}
	if err := fac.Play(callCtx, flagPlay, flagPlayDelay, 0, nil); err != nil {
		rt.log.Warnw("play failed", "asset_id", flagPlay, "error", err)
		return
	}
	rt.log.Infow("playback scheduled", "asset_id", flagPlay, "delay", flagPlayDelay)
}

const negotiationTimeout = 20 * time.Second

// discover offers a session to a connected explorer whenever there is no
// live one.
func discover(ctx context.Context, rt *peerRuntime, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return
		}

		if rt.link.Connected() {
			continue
		}
		self := rt.signaling.ParticipantID()
		if self == "" {
			continue
		}
		participants, err := rt.api.participants(ctx, flagRoom)
		if err != nil {
			rt.log.Debugw("participant listing failed", "error", err)
			continue
		}

		var target string
		pending := false
		for _, p := range participants {
			if p.Role != domain.RoleExplorer || !p.Connected || string(p.ID) == self {
				continue
			}
			if string(p.ID) == rt.link.Remote() && rt.link.Negotiating(negotiationTimeout) {
				pending = true
				break
			}
			if target == "" {
				target = string(p.ID)
			}
		}
		if pending || target == "" {
			continue
		}

		rt.log.Infow("offering session", "explorer", target)
		if err := rt.link.Offer(target); err != nil {
			rt.log.Warnw("offer failed", "explorer", target, "error", err)
		}
	}
}
