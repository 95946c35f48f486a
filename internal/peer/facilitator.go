package peer

import (
	"context"
	"encoding/base64"
	"errors"
	"time"

	"duet/internal/assets"
	"duet/internal/clock"
	"duet/internal/control"
	apperrors "duet/pkg/errors"

	"go.uber.org/zap"
)

// Facilitator drives the explorer through typed commands and tracks what
// the explorer reports back.
type Facilitator struct {
	ch        *control.Channel
	clock     *clock.PeerClock
	remote    *assets.Tracker
	telemetry *Telemetry
	logger    *zap.SugaredLogger
}

func NewFacilitator(ch *control.Channel, pc *clock.PeerClock, logger *zap.SugaredLogger) *Facilitator {
	f := &Facilitator{
		ch:        ch,
		clock:     pc,
		remote:    assets.NewTracker(),
		telemetry: NewTelemetry(),
		logger:    logger,
	}
	ch.Handle(control.TypeTelemetry, f.telemetry.handle)
	ch.Handle(control.TypeAssetState, f.handleAssetState)
	ch.OnHello(f.remote.ResetRemote)
	return f
}

func (f *Facilitator) Channel() *control.Channel { return f.ch }
func (f *Facilitator) Telemetry() *Telemetry     { return f.telemetry }

// Remote returns what the explorer last reported for id.
func (f *Facilitator) Remote(id string) assets.RemoteState {
	return f.remote.Remote(id)
}

// RemoteIssue is true when the explorer cannot play id.
func (f *Facilitator) RemoteIssue(id string) bool {
	return f.remote.RemoteIssue(id)
}

// RemoteProgress is the explorer's last reported load progress for id.
func (f *Facilitator) RemoteProgress(id string) assets.Progress {
	return f.remote.Progress(id)
}

func (f *Facilitator) handleAssetState(ctx context.Context, env *control.Envelope) error {
	var p control.AssetStatePayload
	if err := env.Decode(&p); err != nil {
		return err
	}
	switch assets.LocalState(p.State) {
	case assets.Loaded:
		f.remote.BeginLoad(p.ID, p.Total)
		f.remote.CompleteLoad(p.ID)
		f.remote.SetRemote(p.ID, assets.RemoteLoaded)
	case assets.Loading:
		f.remote.BeginLoad(p.ID, p.Total)
		f.remote.Advance(p.ID, p.Loaded)
	case assets.Missing:
		f.remote.FailLoad(p.ID, p.Total)
		f.remote.SetRemote(p.ID, assets.RemoteMissing)
	}
	return nil
}

// at converts a delay into a timestamp on this peer's clock; zero means now.
func (f *Facilitator) at(delay time.Duration) float64 {
	if delay <= 0 || f.clock == nil {
		return 0
	}
	return f.clock.LocalNow() + float64(delay)/float64(time.Millisecond)
}

func (f *Facilitator) call(ctx context.Context, typ control.MessageType, payload interface{}) error {
	_, err := f.ch.Call(ctx, typ, payload)
	if err != nil {
		f.logger.Warnw("command failed", "type", typ, "error", err)
	}
	return err
}

// SetManifest sends the manifest. Once acked, the channel keeps it and
// resends it whenever the explorer reconnects.
func (f *Facilitator) SetManifest(ctx context.Context, m assets.Manifest) error {
	if err := m.Validate(); err != nil {
		return apperrors.NewValidationError(err.Error())
	}
	_, err := f.ch.SendManifest(ctx, m)
	return err
}

// Load asks the explorer to decode entry. source is sent inline when
// non-nil. The explorer's remote state follows the ack.
func (f *Facilitator) Load(ctx context.Context, entry assets.Entry, source []byte) error {
	payload := control.LoadPayload{ID: entry.ID, SHA256: entry.SHA256, Bytes: entry.Bytes}
	if source != nil {
		payload.Source = base64.StdEncoding.EncodeToString(source)
	}

	err := f.call(ctx, control.TypeLoad, payload)
	var nack *control.NackError
	switch {
	case err == nil:
		f.remote.SetRemote(entry.ID, assets.RemoteLoaded)
	case errors.As(err, &nack):
		f.remote.SetRemote(entry.ID, assets.RemoteMissing)
	}
	return err
}

func (f *Facilitator) Unload(ctx context.Context, id string) error {
	if err := f.call(ctx, control.TypeUnload, control.UnloadPayload{ID: id}); err != nil {
		return err
	}
	f.remote.SetRemote(id, assets.RemoteUnknown)
	return nil
}

// Play starts id on the explorer after delay, from offset into the asset.
func (f *Facilitator) Play(ctx context.Context, id string, delay, offset time.Duration, gain *float64) error {
	return f.call(ctx, control.TypePlay, control.PlayPayload{
		ID:     id,
		At:     f.at(delay),
		Offset: offset.Seconds(),
		Gain:   gain,
	})
}

func (f *Facilitator) Stop(ctx context.Context, id string) error {
	return f.call(ctx, control.TypeStop, control.StopPayload{ID: id})
}

func (f *Facilitator) Seek(ctx context.Context, id string, offset time.Duration) error {
	return f.call(ctx, control.TypeSeek, control.SeekPayload{ID: id, Offset: offset.Seconds()})
}

// Crossfade fades fromID into toID over duration, starting after delay.
func (f *Facilitator) Crossfade(ctx context.Context, fromID, toID string, duration time.Duration, toOffset *time.Duration, delay time.Duration) error {
	payload := control.CrossfadePayload{
		FromID:   fromID,
		ToID:     toID,
		Duration: duration.Seconds(),
		At:       f.at(delay),
	}
	if toOffset != nil {
		s := toOffset.Seconds()
		payload.ToOffset = &s
	}
	return f.call(ctx, control.TypeCrossfade, payload)
}

func (f *Facilitator) SetGain(ctx context.Context, id string, gain float64, ramp time.Duration) error {
	return f.call(ctx, control.TypeSetGain, control.SetGainPayload{ID: id, Gain: gain, Ramp: ramp.Seconds()})
}

func (f *Facilitator) Ducking(ctx context.Context, cfg control.DuckingPayload) error {
	return f.call(ctx, control.TypeDucking, cfg)
}
