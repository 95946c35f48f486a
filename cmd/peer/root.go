package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"duet/internal/clock"
	"duet/internal/control"
	"duet/internal/core/domain"
	"duet/internal/infrastructure/monitoring"
	webrtcinfra "duet/internal/infrastructure/webrtc"
	apperrors "duet/pkg/errors"
	"duet/pkg/logger"
	"duet/pkg/retry"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	flagServer        string
	flagRelayPath     string
	flagUser          string
	flagPassword      string
	flagRegister      bool
	flagRoom          string
	flagRoomPassword  string
	flagCodec         string
	flagAssets        string
	flagClockInterval time.Duration
	flagLogLevel      string
	flagLogFormat     string
	flagMetricsAddr   string
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "duet-peer",
	Short: "Headless duet peer",
	Long: `duet-peer joins a duet room as a facilitator or an explorer, negotiates a
WebRTC data channel through the signaling relay and runs the control
protocol over it: clock sync, asset manifest and load state, and the
playback commands.`,
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVarP(&flagServer, "server", "s", "http://localhost:8080", "signaling server base URL")
	flags.StringVar(&flagRelayPath, "relay-path", "/ws", "websocket relay path")
	flags.StringVarP(&flagUser, "user", "u", "", "username")
	flags.StringVarP(&flagPassword, "password", "p", "", "password")
	flags.BoolVar(&flagRegister, "register", false, "register the account before logging in")
	flags.StringVarP(&flagRoom, "room", "r", "", "room id")
	flags.StringVar(&flagRoomPassword, "room-password", "", "room password, if the room has one")
	flags.StringVar(&flagCodec, "codec", "json", "control channel codec (json or msgpack)")
	flags.StringVar(&flagAssets, "assets", "", "directory of audio assets to preload")
	flags.DurationVar(&flagClockInterval, "clock-interval", 2*time.Second, "clock sync probe interval")
	flags.StringVar(&flagLogLevel, "log-level", "info", "log level")
	flags.StringVar(&flagLogFormat, "log-format", "console", "log format (json or console)")
	flags.StringVar(&flagMetricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address")

	rootCmd.MarkPersistentFlagRequired("user")
	rootCmd.MarkPersistentFlagRequired("password")
	rootCmd.MarkPersistentFlagRequired("room")

	rootCmd.AddCommand(explorerCmd, facilitatorCmd)
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() {
	rootCmd.SilenceErrors = true
	rootCmd.SilenceUsage = true

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

// peerRuntime is what both roles share: an authenticated API client, the
// control channel with clock sync, and the relay link.
type peerRuntime struct {
	role       domain.Role
	log        *zap.SugaredLogger
	api        *apiClient
	ch         *control.Channel
	clock      *clock.PeerClock
	syncer     *clock.Syncer
	signaling  *webrtcinfra.SignalingClient
	link       *link
	metrics    *monitoring.PrometheusCollector
	metricsSrv *http.Server
}

func newPeerRuntime(ctx context.Context, role domain.Role) (*peerRuntime, error) {
	zapLogger, err := logger.New(flagLogLevel, flagLogFormat)
	if err != nil {
		return nil, err
	}
	log := zapLogger.Sugar().With("role", role)

	api := newAPIClient(flagServer)
	if flagRegister {
		if err := api.register(ctx, flagUser, flagPassword, role); err != nil && apperrors.CodeOf(err) != apperrors.ErrCodeConflict {
			return nil, fmt.Errorf("register: %w", err)
		}
	}
	if err := api.login(ctx, flagUser, flagPassword); err != nil {
		return nil, fmt.Errorf("login: %w", err)
	}

	codec, err := control.CodecByName(flagCodec)
	if err != nil {
		return nil, err
	}
	ch := control.NewChannel(codec, string(role), log)
	pc := clock.New(clock.DefaultConfig())
	syncer := clock.NewSyncer(pc, ch, flagClockInterval, log)

	var (
		metrics    *monitoring.PrometheusCollector
		metricsSrv *http.Server
	)
	if flagMetricsAddr != "" {
		reg := prometheus.NewRegistry()
		metrics = monitoring.NewPrometheusCollector(reg)
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		metricsSrv = &http.Server{Addr: flagMetricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	}
	ch.SetMetrics(metrics)
	syncer.SetMetrics(metrics)

	wsURL, err := relayURL(flagServer, flagRelayPath)
	if err != nil {
		return nil, err
	}
	signaling := webrtcinfra.NewSignalingClient(webrtcinfra.ClientConfig{
		URL:    wsURL,
		Token:  api.token,
		RoomID: flagRoom,
		Join: func(ctx context.Context) (string, error) {
			resp, err := api.join(ctx, flagRoom, role, flagRoomPassword)
			if err != nil {
				if appErr := apperrors.GetAppError(err); appErr != nil && appErr.HTTPStatus < http.StatusInternalServerError {
					return "", retry.Permanent(err)
				}
				return "", err
			}
			log.Infow("joined room", "room_id", flagRoom, "participant_id", resp.ParticipantID, "participants", len(resp.Participants))
			return string(resp.ParticipantID), nil
		},
	}, log)

	return &peerRuntime{
		role:       role,
		log:        log,
		api:        api,
		ch:         ch,
		clock:      pc,
		syncer:     syncer,
		signaling:  signaling,
		link:       newLink(ctx, flagRoom, signaling, ch, log),
		metrics:    metrics,
		metricsSrv: metricsSrv,
	}, nil
}

// run blocks on the relay connection until ctx is done or the relay gives
// up on this peer.
func (r *peerRuntime) run(ctx context.Context) error {
	go r.syncer.Start(ctx)
	go r.sweep(ctx, 10*time.Second, 30*time.Second)
	if r.metricsSrv != nil {
		go func() {
			r.log.Infow("serving metrics", "address", r.metricsSrv.Addr)
			if err := r.metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				r.log.Errorw("metrics server failed", "error", err)
			}
		}()
	}

	err := r.signaling.RunWithReconnect(ctx)

	r.link.Close()
	leaveCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if id := r.signaling.ParticipantID(); id != "" {
		if err := r.api.leave(leaveCtx, flagRoom, id); err != nil {
			r.log.Debugw("leave failed", "error", err)
		}
	}
	r.signaling.Close()
	if r.metricsSrv != nil {
		r.metricsSrv.Shutdown(leaveCtx)
	}

	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// sweep expires calls that were never acknowledged.
func (r *peerRuntime) sweep(ctx context.Context, every, olderThan time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			r.ch.SweepPending(olderThan)
		case <-ctx.Done():
			return
		}
	}
}
