package peer

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/http"
	"sync"
	"time"

	"duet/internal/assets"
	"duet/internal/clock"
	"duet/internal/control"
	"duet/internal/infrastructure/monitoring"
	"duet/internal/playback"
	apperrors "duet/pkg/errors"
	"duet/pkg/tracing"
	"duet/pkg/validation"

	"go.uber.org/zap"
)

// Explorer executes facilitator commands against the local mixer and
// reports asset state back.
type Explorer struct {
	ch        *control.Channel
	cache     *assets.Cache
	tracker   *assets.Tracker
	mixer     *playback.Mixer
	clock     *clock.PeerClock
	telemetry *Telemetry
	metrics   *monitoring.PrometheusCollector
	logger    *zap.SugaredLogger
	now       func() time.Time

	mu       sync.RWMutex
	manifest assets.Manifest
}

func NewExplorer(
	ch *control.Channel,
	cache *assets.Cache,
	mixer *playback.Mixer,
	pc *clock.PeerClock,
	logger *zap.SugaredLogger,
) *Explorer {
	e := &Explorer{
		ch:        ch,
		cache:     cache,
		tracker:   assets.NewTracker(),
		mixer:     mixer,
		clock:     pc,
		telemetry: NewTelemetry(),
		logger:    logger,
		now:       time.Now,
	}

	ch.Handle(control.TypeLoad, e.handleLoad)
	ch.Handle(control.TypeUnload, e.handleUnload)
	ch.Handle(control.TypePlay, e.handlePlay)
	ch.Handle(control.TypeStop, e.handleStop)
	ch.Handle(control.TypeSeek, e.handleSeek)
	ch.Handle(control.TypeCrossfade, e.handleCrossfade)
	ch.Handle(control.TypeSetGain, e.handleSetGain)
	ch.Handle(control.TypeDucking, e.handleDucking)
	ch.Handle(control.TypeManifest, e.handleManifest)
	ch.Handle(control.TypeTelemetry, e.telemetry.handle)

	e.tracker.OnChange(e.broadcast)
	if pc != nil {
		mixer.AttachClock(pc)
	}
	return e
}

func (e *Explorer) SetMetrics(m *monitoring.PrometheusCollector) {
	e.metrics = m
}

func (e *Explorer) Tracker() *assets.Tracker  { return e.tracker }
func (e *Explorer) Mixer() *playback.Mixer    { return e.mixer }
func (e *Explorer) Telemetry() *Telemetry     { return e.telemetry }
func (e *Explorer) Channel() *control.Channel { return e.ch }

// Manifest returns the manifest last received from the facilitator.
func (e *Explorer) Manifest() assets.Manifest {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return append(assets.Manifest(nil), e.manifest...)
}

// ReportLevels sends the local levels. The ack doubles as a liveness probe.
func (e *Explorer) ReportLevels(levels control.TelemetryPayload) (*control.Call, error) {
	return e.ch.Go(control.TypeTelemetry, levels)
}

// RunTelemetry reports levels every interval until ctx is done.
func (e *Explorer) RunTelemetry(ctx context.Context, interval time.Duration, levels func() control.TelemetryPayload) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if e.ch.State() != control.StateOpen {
				continue
			}
			if _, err := e.ReportLevels(levels()); err != nil {
				e.logger.Debugw("telemetry send failed", "error", err)
			}
		case <-ctx.Done():
			return
		}
	}
}

func (e *Explorer) broadcast(st assets.Status) {
	payload := control.AssetStatePayload{
		ID:     st.ID,
		State:  string(st.Local),
		Loaded: st.Progress.Loaded,
		Total:  st.Progress.Total,
	}
	if err := e.ch.Notify(control.TypeAssetState, payload); err != nil {
		e.logger.Debugw("asset state not sent", "asset_id", st.ID, "error", err)
	}
}

// localTime maps a facilitator clock reading to local wall time. Zero means
// now.
func (e *Explorer) localTime(at float64) time.Time {
	if at <= 0 || e.clock == nil {
		return time.Time{}
	}
	return e.now().Add(e.clock.Until(at))
}

func seconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}

func (e *Explorer) handleLoad(ctx context.Context, env *control.Envelope) error {
	var p control.LoadPayload
	if err := env.Decode(&p); err != nil {
		return apperrors.NewValidationError(err.Error())
	}
	if err := validation.ValidateAssetID(p.ID); err != nil {
		return apperrors.NewValidationError(err.Error())
	}
	tracing.AddSpanAttributes(ctx, tracing.AssetIDKey.String(p.ID))

	data, cached := e.cache.Get(p.ID)
	if !cached {
		if p.Source == "" {
			e.tracker.FailLoad(p.ID, p.Bytes)
			e.metrics.RecordAssetLoad(false)
			return apperrors.NewAppError(apperrors.ErrCodeNotFound,
				fmt.Sprintf("asset %s is not available locally and no source was supplied", p.ID), http.StatusNotFound)
		}
		decoded, err := base64.StdEncoding.DecodeString(p.Source)
		if err != nil {
			e.tracker.FailLoad(p.ID, p.Bytes)
			e.metrics.RecordAssetLoad(false)
			return apperrors.NewValidationError(fmt.Sprintf("asset %s: invalid source encoding", p.ID))
		}
		data = decoded
	}

	total := p.Bytes
	if total <= 0 {
		total = int64(len(data))
	}
	e.tracker.BeginLoad(p.ID, total)

	if err := e.decode(p, data); err != nil {
		e.tracker.FailLoad(p.ID, total)
		e.metrics.RecordAssetLoad(false)
		return err
	}
	if !cached {
		e.cache.Put(p.ID, data)
	}
	e.tracker.CompleteLoad(p.ID)
	e.metrics.RecordAssetLoad(true)
	e.logger.Infow("asset loaded", "asset_id", p.ID, "bytes", len(data), "inline", !cached)
	return nil
}

func (e *Explorer) decode(p control.LoadPayload, data []byte) error {
	if err := assets.Verify(p.ID, p.SHA256, p.Bytes, data); err != nil {
		return err
	}
	_, err := e.mixer.Register(p.ID, data)
	return err
}

func (e *Explorer) handleUnload(ctx context.Context, env *control.Envelope) error {
	var p control.UnloadPayload
	if err := env.Decode(&p); err != nil || p.ID == "" {
		return nil
	}
	e.mixer.Unload(p.ID)
	e.tracker.Unload(p.ID)
	return nil
}

func (e *Explorer) handlePlay(ctx context.Context, env *control.Envelope) error {
	var p control.PlayPayload
	if err := env.Decode(&p); err != nil {
		return err
	}
	gain := 1.0
	if p.Gain != nil {
		gain = *p.Gain
	}
	_, err := e.mixer.PlayAt(p.ID, e.localTime(p.At), seconds(p.Offset), gain)
	return err
}

func (e *Explorer) handleStop(ctx context.Context, env *control.Envelope) error {
	var p control.StopPayload
	if err := env.Decode(&p); err != nil {
		return err
	}
	e.mixer.Stop(p.ID)
	return nil
}

func (e *Explorer) handleSeek(ctx context.Context, env *control.Envelope) error {
	var p control.SeekPayload
	if err := env.Decode(&p); err != nil {
		return err
	}
	if p.Offset < 0 {
		return apperrors.NewValidationError("offset must be >= 0")
	}
	return e.mixer.Seek(p.ID, seconds(p.Offset))
}

func (e *Explorer) handleCrossfade(ctx context.Context, env *control.Envelope) error {
	var p control.CrossfadePayload
	if err := env.Decode(&p); err != nil {
		return err
	}
	if p.FromID == "" || p.ToID == "" {
		return apperrors.NewValidationError("fromId and toId are required")
	}
	if p.Duration < 0 {
		return apperrors.NewValidationError("duration must be >= 0")
	}
	var toOffset time.Duration
	if p.ToOffset != nil {
		toOffset = seconds(*p.ToOffset)
	}
	return e.mixer.Crossfade(p.FromID, p.ToID, e.localTime(p.At), seconds(p.Duration), toOffset)
}

func (e *Explorer) handleSetGain(ctx context.Context, env *control.Envelope) error {
	var p control.SetGainPayload
	if err := env.Decode(&p); err != nil {
		return err
	}
	if p.Gain < 0 {
		return apperrors.NewValidationError("gain must be >= 0")
	}
	return e.mixer.SetGain(p.ID, p.Gain, seconds(p.Ramp))
}

func (e *Explorer) handleDucking(ctx context.Context, env *control.Envelope) error {
	var p control.DuckingPayload
	if err := env.Decode(&p); err != nil {
		return err
	}
	if !p.Enabled {
		e.mixer.SetDucking(nil)
		return nil
	}
	cfg := playback.DuckingFromMillis(p.ThresholdDb, p.ReduceDb, p.AttackMs, p.ReleaseMs)
	e.mixer.SetDucking(&cfg)
	return nil
}

func (e *Explorer) handleManifest(ctx context.Context, env *control.Envelope) error {
	var p control.ManifestPayload
	if err := env.Decode(&p); err != nil {
		return err
	}
	m := assets.Manifest(p.Entries)
	if err := m.Validate(); err != nil {
		return apperrors.NewValidationError(err.Error())
	}
	e.mu.Lock()
	e.manifest = m
	e.mu.Unlock()
	e.logger.Infow("manifest received", "entries", len(m))
	return nil
}
