package services

import (
	"context"
	"sort"
	"sync"
	"time"

	"duet/internal/core/domain"
	"duet/internal/core/ports"
	apperrors "duet/pkg/errors"
	"duet/pkg/utils"

	"go.uber.org/zap"
)

// roomState pairs a room with the mutex that serializes its mutations.
// deleted is set under mu once the room leaves the map; a caller that
// looked the state up before the delete must not mutate it afterwards.
type roomState struct {
	mu      sync.Mutex
	room    domain.Room
	deleted bool
}

// addParticipant inserts p unless the room has been deleted.
func (rs *roomState) addParticipant(p *domain.Participant) bool {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	if rs.deleted {
		return false
	}
	rs.room.Participants[p.ID] = p
	return true
}

type roomRegistry struct {
	mu    sync.RWMutex
	rooms map[domain.RoomID]*roomState

	saveMu sync.Mutex
	store  ports.RoomStore

	logger *zap.SugaredLogger
	now    func() time.Time
}

// NewRoomRegistry restores persisted rooms from store. Participants are
// never persisted, so every restored room starts empty.
func NewRoomRegistry(ctx context.Context, store ports.RoomStore, logger *zap.SugaredLogger) (ports.RoomRegistry, error) {
	return newRoomRegistry(ctx, store, logger)
}

func newRoomRegistry(ctx context.Context, store ports.RoomStore, logger *zap.SugaredLogger) (*roomRegistry, error) {
	records, err := store.LoadRooms(ctx)
	if err != nil {
		return nil, apperrors.WrapError(err, apperrors.ErrCodeInternal, "failed to load rooms", 500)
	}

	r := &roomRegistry{
		rooms:  make(map[domain.RoomID]*roomState, len(records)),
		store:  store,
		logger: logger,
		now:    time.Now,
	}
	for id, rec := range records {
		r.rooms[id] = &roomState{room: domain.Room{
			ID:           id,
			Owner:        rec.Owner,
			Password:     rec.Password,
			CreatedAt:    rec.CreatedAt,
			Participants: make(map[domain.ParticipantID]*domain.Participant),
		}}
	}
	logger.Infow("room registry initialized", "rooms", len(r.rooms))
	return r, nil
}

func roomNotFound(id domain.RoomID) error {
	return apperrors.WrapError(domain.ErrRoomNotFound, apperrors.ErrCodeNotFound, "room not found", 404).
		WithContext("room_id", id)
}

func participantNotFound(id domain.ParticipantID) error {
	return apperrors.WrapError(domain.ErrParticipantNotFound, apperrors.ErrCodeNotFound, "participant not found", 404).
		WithContext("participant_id", id)
}

func notRoomFacilitator(id domain.RoomID, username string) error {
	return apperrors.WrapError(domain.ErrNotRoomFacilitator, apperrors.ErrCodeAuthorization, "not a facilitator of this room", 403).
		WithContext("room_id", id).
		WithContext("username", username)
}

func invalidRole(role domain.Role) error {
	return apperrors.WrapError(domain.ErrInvalidRole, apperrors.ErrCodeValidation, "invalid role", 400).
		WithContext("role", role)
}

func (r *roomRegistry) lookup(id domain.RoomID) (*roomState, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rs, ok := r.rooms[id]
	return rs, ok
}

// CreateRoom records owner as the room's creator. Only the owner, or a
// facilitator participant of the room, passes Authorize.
func (r *roomRegistry) CreateRoom(ctx context.Context, id domain.RoomID, owner string) (domain.RoomID, error) {
	if id == "" {
		id = domain.RoomID(utils.GenerateRoomID())
	}

	r.mu.Lock()
	if _, exists := r.rooms[id]; exists {
		r.mu.Unlock()
		return "", apperrors.WrapError(domain.ErrRoomExists, apperrors.ErrCodeConflict, "room already exists", 409).
			WithContext("room_id", id)
	}
	r.rooms[id] = &roomState{room: domain.Room{
		ID:           id,
		Owner:        owner,
		CreatedAt:    r.now(),
		Participants: make(map[domain.ParticipantID]*domain.Participant),
	}}
	r.mu.Unlock()

	if err := r.persist(ctx); err != nil {
		r.mu.Lock()
		delete(r.rooms, id)
		r.mu.Unlock()
		return "", apperrors.WrapError(err, apperrors.ErrCodeInternal, "failed to save room", 500)
	}

	r.logger.Infow("room created", "room_id", id, "owner", owner)
	return id, nil
}

// DeleteRoom removes the room, closing every attached transport.
func (r *roomRegistry) DeleteRoom(ctx context.Context, id domain.RoomID) error {
	r.mu.Lock()
	rs, ok := r.rooms[id]
	if ok {
		delete(r.rooms, id)
	}
	r.mu.Unlock()
	if !ok {
		return roomNotFound(id)
	}

	rs.mu.Lock()
	rs.deleted = true
	var transports []domain.Transport
	for pid, p := range rs.room.Participants {
		if p.Transport != nil {
			transports = append(transports, p.Transport)
		}
		delete(rs.room.Participants, pid)
	}
	rs.mu.Unlock()

	r.closeAll(id, transports)

	if err := r.persist(ctx); err != nil {
		return apperrors.WrapError(err, apperrors.ErrCodeInternal, "failed to save rooms", 500)
	}
	r.logger.Infow("room deleted", "room_id", id, "closed_transports", len(transports))
	return nil
}

func (r *roomRegistry) RoomExists(id domain.RoomID) bool {
	_, ok := r.lookup(id)
	return ok
}

func (r *roomRegistry) AddParticipant(roomID domain.RoomID, username string, role domain.Role) (*domain.Participant, error) {
	if !role.Valid() {
		return nil, invalidRole(role)
	}
	rs, ok := r.lookup(roomID)
	if !ok {
		return nil, roomNotFound(roomID)
	}

	now := r.now()
	p := &domain.Participant{
		ID:       domain.ParticipantID(utils.GenerateParticipantID()),
		RoomID:   roomID,
		Username: username,
		Role:     role,
		JoinedAt: now,
		LastSeen: now,
	}
	if !rs.addParticipant(p) {
		return nil, roomNotFound(roomID)
	}

	r.logger.Infow("participant joined", "room_id", roomID, "participant_id", p.ID, "role", role)
	cp := *p
	return &cp, nil
}

// Authorize passes when username owns the room or holds a facilitator
// participant in it.
func (r *roomRegistry) Authorize(roomID domain.RoomID, username string) error {
	rs, ok := r.lookup(roomID)
	if !ok {
		return roomNotFound(roomID)
	}

	rs.mu.Lock()
	defer rs.mu.Unlock()
	if rs.deleted {
		return roomNotFound(roomID)
	}
	if username == "" {
		return notRoomFacilitator(roomID, username)
	}
	if rs.room.Owner == username {
		return nil
	}
	for _, p := range rs.room.Participants {
		if p.Username == username && p.Role == domain.RoleFacilitator {
			return nil
		}
	}
	return notRoomFacilitator(roomID, username)
}

// RemoveParticipant is idempotent. An attached transport is closed so the
// relay notices the departure.
func (r *roomRegistry) RemoveParticipant(roomID domain.RoomID, participantID domain.ParticipantID) {
	rs, ok := r.lookup(roomID)
	if !ok {
		return
	}

	rs.mu.Lock()
	p, ok := rs.room.Participants[participantID]
	if ok {
		delete(rs.room.Participants, participantID)
	}
	rs.mu.Unlock()
	if !ok {
		return
	}

	if p.Transport != nil {
		r.closeAll(roomID, []domain.Transport{p.Transport})
	}
	r.logger.Infow("participant left", "room_id", roomID, "participant_id", participantID)
}

// GetParticipant returns a copy; the transport handle is shared.
func (r *roomRegistry) GetParticipant(roomID domain.RoomID, participantID domain.ParticipantID) (*domain.Participant, error) {
	rs, ok := r.lookup(roomID)
	if !ok {
		return nil, roomNotFound(roomID)
	}

	rs.mu.Lock()
	defer rs.mu.Unlock()
	p, ok := rs.room.Participants[participantID]
	if !ok {
		return nil, participantNotFound(participantID)
	}
	cp := *p
	return &cp, nil
}

// ListParticipants returns a snapshot ordered by join time.
func (r *roomRegistry) ListParticipants(roomID domain.RoomID) ([]domain.ParticipantView, error) {
	rs, ok := r.lookup(roomID)
	if !ok {
		return nil, roomNotFound(roomID)
	}

	rs.mu.Lock()
	ps := make([]*domain.Participant, 0, len(rs.room.Participants))
	for _, p := range rs.room.Participants {
		ps = append(ps, p)
	}
	sort.Slice(ps, func(i, j int) bool {
		if ps[i].JoinedAt.Equal(ps[j].JoinedAt) {
			return ps[i].ID < ps[j].ID
		}
		return ps[i].JoinedAt.Before(ps[j].JoinedAt)
	})
	views := make([]domain.ParticipantView, len(ps))
	for i, p := range ps {
		views[i] = p.View()
	}
	rs.mu.Unlock()

	return views, nil
}

// SetRole is a no-op for an absent participant.
func (r *roomRegistry) SetRole(roomID domain.RoomID, participantID domain.ParticipantID, role domain.Role) error {
	if !role.Valid() {
		return invalidRole(role)
	}
	rs, ok := r.lookup(roomID)
	if !ok {
		return roomNotFound(roomID)
	}

	rs.mu.Lock()
	p, ok := rs.room.Participants[participantID]
	if ok {
		p.Role = role
	}
	rs.mu.Unlock()

	if ok {
		r.logger.Infow("participant role changed", "room_id", roomID, "participant_id", participantID, "role", role)
	}
	return nil
}

// SetPassword sets the room gate; nil clears it.
func (r *roomRegistry) SetPassword(ctx context.Context, roomID domain.RoomID, password *string) error {
	rs, ok := r.lookup(roomID)
	if !ok {
		return roomNotFound(roomID)
	}

	rs.mu.Lock()
	if password == nil {
		rs.room.Password = nil
	} else {
		pw := *password
		rs.room.Password = &pw
	}
	rs.mu.Unlock()

	if err := r.persist(ctx); err != nil {
		return apperrors.WrapError(err, apperrors.ErrCodeInternal, "failed to save rooms", 500)
	}
	r.logger.Infow("room password updated", "room_id", roomID, "gated", password != nil)
	return nil
}

// VerifyPassword is true when the room has no password or supplied matches.
// A missing room verifies as false; callers check existence first.
func (r *roomRegistry) VerifyPassword(roomID domain.RoomID, supplied string) bool {
	rs, ok := r.lookup(roomID)
	if !ok {
		return false
	}

	rs.mu.Lock()
	defer rs.mu.Unlock()
	if rs.room.Password == nil {
		return true
	}
	return *rs.room.Password == supplied
}

func (r *roomRegistry) KickParticipant(roomID domain.RoomID, participantID domain.ParticipantID) error {
	rs, ok := r.lookup(roomID)
	if !ok {
		return roomNotFound(roomID)
	}

	rs.mu.Lock()
	p, ok := rs.room.Participants[participantID]
	if ok {
		delete(rs.room.Participants, participantID)
	}
	rs.mu.Unlock()
	if !ok {
		return participantNotFound(participantID)
	}

	if p.Transport != nil {
		r.closeAll(roomID, []domain.Transport{p.Transport})
	}
	r.logger.Infow("participant kicked", "room_id", roomID, "participant_id", participantID)
	return nil
}

func (r *roomRegistry) TouchParticipant(roomID domain.RoomID, participantID domain.ParticipantID) {
	rs, ok := r.lookup(roomID)
	if !ok {
		return
	}
	now := r.now()
	rs.mu.Lock()
	if p, ok := rs.room.Participants[participantID]; ok {
		p.LastSeen = now
	}
	rs.mu.Unlock()
}

// Attach binds t to the participant, replacing and closing any previous
// transport.
func (r *roomRegistry) Attach(roomID domain.RoomID, participantID domain.ParticipantID, t domain.Transport) error {
	rs, ok := r.lookup(roomID)
	if !ok {
		return roomNotFound(roomID)
	}

	rs.mu.Lock()
	if rs.deleted {
		rs.mu.Unlock()
		return roomNotFound(roomID)
	}
	p, ok := rs.room.Participants[participantID]
	var previous domain.Transport
	if ok {
		previous = p.Transport
		p.Transport = t
		p.LastSeen = r.now()
	}
	rs.mu.Unlock()
	if !ok {
		return participantNotFound(participantID)
	}

	if previous != nil && previous != t {
		r.closeAll(roomID, []domain.Transport{previous})
	}
	r.logger.Infow("transport attached", "room_id", roomID, "participant_id", participantID)
	return nil
}

// Detach removes the participant when t is still its attached transport.
// A stale transport (replaced by a newer attach) detaches nothing.
func (r *roomRegistry) Detach(roomID domain.RoomID, participantID domain.ParticipantID, t domain.Transport) bool {
	rs, ok := r.lookup(roomID)
	if !ok {
		return false
	}

	rs.mu.Lock()
	p, ok := rs.room.Participants[participantID]
	removed := ok && p.Transport == t
	if removed {
		delete(rs.room.Participants, participantID)
	}
	rs.mu.Unlock()

	if removed {
		r.logger.Infow("participant disconnected", "room_id", roomID, "participant_id", participantID)
	}
	return removed
}

// Send delivers v to the participant's attached transport, if any. The
// send happens outside the room lock.
func (r *roomRegistry) Send(roomID domain.RoomID, participantID domain.ParticipantID, v interface{}) error {
	rs, ok := r.lookup(roomID)
	if !ok {
		return roomNotFound(roomID)
	}

	rs.mu.Lock()
	p, ok := rs.room.Participants[participantID]
	var t domain.Transport
	if ok {
		t = p.Transport
	}
	rs.mu.Unlock()

	if t == nil {
		return participantNotFound(participantID)
	}
	return t.Send(v)
}

func (r *roomRegistry) CleanupInactiveParticipants(maxIdle time.Duration) int {
	now := r.now()

	r.mu.RLock()
	states := make([]*roomState, 0, len(r.rooms))
	for _, rs := range r.rooms {
		states = append(states, rs)
	}
	r.mu.RUnlock()

	removed := 0
	for _, rs := range states {
		var transports []domain.Transport
		rs.mu.Lock()
		for pid, p := range rs.room.Participants {
			if now.Sub(p.LastSeen) <= maxIdle {
				continue
			}
			delete(rs.room.Participants, pid)
			removed++
			if p.Transport != nil {
				transports = append(transports, p.Transport)
			}
			r.logger.Infow("inactive participant removed", "room_id", rs.room.ID, "participant_id", pid)
		}
		roomID := rs.room.ID
		rs.mu.Unlock()

		r.closeAll(roomID, transports)
	}
	return removed
}

func (r *roomRegistry) Stats() ports.RegistryStats {
	r.mu.RLock()
	states := make([]*roomState, 0, len(r.rooms))
	for _, rs := range r.rooms {
		states = append(states, rs)
	}
	r.mu.RUnlock()

	stats := ports.RegistryStats{Rooms: len(states)}
	for _, rs := range states {
		rs.mu.Lock()
		for _, p := range rs.room.Participants {
			stats.Participants++
			if p.Connected() {
				stats.Connected++
			}
		}
		rs.mu.Unlock()
	}
	return stats
}

// closeAll closes each transport, logging failures without stopping.
func (r *roomRegistry) closeAll(roomID domain.RoomID, transports []domain.Transport) {
	for _, t := range transports {
		if err := t.Close(); err != nil {
			r.logger.Warnw("failed to close transport", "room_id", roomID, "error", err)
		}
	}
}

func (r *roomRegistry) persist(ctx context.Context) error {
	r.saveMu.Lock()
	defer r.saveMu.Unlock()

	r.mu.RLock()
	states := make([]*roomState, 0, len(r.rooms))
	for _, rs := range r.rooms {
		states = append(states, rs)
	}
	r.mu.RUnlock()

	records := make(map[domain.RoomID]domain.RoomRecord, len(states))
	for _, rs := range states {
		rs.mu.Lock()
		records[rs.room.ID] = domain.RoomRecord{
			ID:        rs.room.ID,
			Owner:     rs.room.Owner,
			Password:  rs.room.Password,
			CreatedAt: rs.room.CreatedAt,
		}
		rs.mu.Unlock()
	}

	if err := r.store.SaveRooms(ctx, records); err != nil {
		r.logger.Errorw("failed to persist rooms", "error", err)
		return err
	}
	return nil
}
