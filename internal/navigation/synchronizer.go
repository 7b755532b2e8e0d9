package navigation

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/lectio/internal/metrics"
	"github.com/MarcoPoloResearchLab/lectio/internal/protocol"
	"github.com/MarcoPoloResearchLab/lectio/internal/rooms"
	"go.uber.org/zap"
)

const (
	defaultCoalesceWindow    = 500 * time.Millisecond
	defaultConflictWindowMax = 2 * time.Second
	defaultConflictTimeout   = 10 * time.Second
	defaultHistoryLimit      = 50
	expireLockTimeout        = 5 * time.Second
)

var errMissingRegistry = errors.New("navigation: registry required")

// Phase is the per-room synchronization state.
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseConflictPending
)

func (p Phase) String() string {
	if p == PhaseConflictPending {
		return "conflict_pending"
	}
	return "idle"
}

// Timer is the subset of *time.Timer the synchronizer needs.
type Timer interface {
	Stop() bool
}

// SynchronizerConfig describes the dependencies and timing of a Synchronizer.
type SynchronizerConfig struct {
	Registry  *rooms.Registry
	Persister Persister
	Clock     func() time.Time
	AfterFunc func(time.Duration, func()) Timer
	// CoalesceWindow is how long an accepted navigation makes divergent proposals conflict.
	CoalesceWindow time.Duration
	// ConflictWindowMax caps how long a pending conflict keeps merging new proposals.
	ConflictWindowMax time.Duration
	// ConflictTimeout is when an unresolved conflict falls back to the most recent proposal.
	ConflictTimeout time.Duration
	HistoryLimit    int
	Logger          *zap.Logger
	Metrics         *metrics.Metrics
}

type proposal struct {
	participantID   string
	participantName string
	ref             string
	at              time.Time
}

type pendingConflict struct {
	detectedAt time.Time
	mergeUntil time.Time
	proposals  []proposal
	generation uint64
	timer      Timer
}

// latest returns the most recent proposal, which wins when nobody resolves explicitly.
func (c *pendingConflict) latest() proposal {
	latest := c.proposals[0]
	for _, candidate := range c.proposals[1:] {
		if !candidate.at.Before(latest.at) {
			latest = candidate
		}
	}
	return latest
}

// upsert records a proposal and reports whether the (ref, participant) pairs changed.
func (c *pendingConflict) upsert(incoming proposal) bool {
	for index, existing := range c.proposals {
		if existing.participantID != incoming.participantID {
			continue
		}
		c.proposals = append(c.proposals[:index], c.proposals[index+1:]...)
		c.proposals = append(c.proposals, incoming)
		return existing.ref != incoming.ref
	}
	c.proposals = append(c.proposals, incoming)
	return true
}

func (c *pendingConflict) conflictingRefs() []protocol.ConflictingRef {
	grouped := make([]protocol.ConflictingRef, 0, len(c.proposals))
	positions := make(map[string]int, len(c.proposals))
	for _, candidate := range c.proposals {
		index, ok := positions[candidate.ref]
		if !ok {
			index = len(grouped)
			positions[candidate.ref] = index
			grouped = append(grouped, protocol.ConflictingRef{Ref: candidate.ref})
		}
		grouped[index].Participants = append(grouped[index].Participants, protocol.ParticipantRef{
			ParticipantID:   candidate.participantID,
			ParticipantName: candidate.participantName,
		})
	}
	return grouped
}

// roomState is only read or written while the owning room's lock is held.
type roomState struct {
	room    *rooms.Room
	history []Record
	phase   Phase
	// window holds the proposals seen since the last accepted navigation, coalesced ones
	// included, all on the same ref. It is open until windowUntil.
	window      []proposal
	windowUntil time.Time
	conflict    *pendingConflict
	generation  uint64
}

// openWindow starts a fresh coalescing window seeded with the agreed proposal.
func (st *roomState) openWindow(agreed proposal, length time.Duration) {
	st.window = []proposal{agreed}
	st.windowUntil = agreed.at.Add(length)
}

// coalesce records a same-ref proposal in the open window and extends it.
func (st *roomState) coalesce(incoming proposal, length time.Duration) {
	replaced := false
	for index, existing := range st.window {
		if existing.participantID == incoming.participantID {
			st.window[index] = incoming
			replaced = true
			break
		}
	}
	if !replaced {
		st.window = append(st.window, incoming)
	}
	if until := incoming.at.Add(length); until.After(st.windowUntil) {
		st.windowUntil = until
	}
}

// divergesFrom reports whether another participant proposed within the open window.
func (st *roomState) divergesFrom(participantID string) bool {
	for _, existing := range st.window {
		if existing.participantID != participantID {
			return true
		}
	}
	return false
}

// Synchronizer coordinates navigation within rooms: it accepts proposals, detects
// divergent near-simultaneous moves, resolves them and keeps bounded history.
type Synchronizer struct {
	rooms.NopObserver

	mu     sync.Mutex
	states map[string]*roomState

	registry          *rooms.Registry
	persister         Persister
	clock             func() time.Time
	afterFunc         func(time.Duration, func()) Timer
	coalesceWindow    time.Duration
	conflictWindowMax time.Duration
	conflictTimeout   time.Duration
	historyLimit      int
	logger            *zap.Logger
	metrics           *metrics.Metrics
}

// NewSynchronizer constructs a Synchronizer and subscribes it to room closures.
func NewSynchronizer(cfg SynchronizerConfig) (*Synchronizer, error) {
	if cfg.Registry == nil {
		return nil, errMissingRegistry
	}
	persister := cfg.Persister
	if persister == nil {
		persister = nopPersister{}
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	afterFunc := cfg.AfterFunc
	if afterFunc == nil {
		afterFunc = func(d time.Duration, f func()) Timer {
			return time.AfterFunc(d, f)
		}
	}
	window := cfg.CoalesceWindow
	if window <= 0 {
		window = defaultCoalesceWindow
	}
	windowMax := cfg.ConflictWindowMax
	if windowMax < window {
		windowMax = defaultConflictWindowMax
		if windowMax < window {
			windowMax = window
		}
	}
	timeout := cfg.ConflictTimeout
	if timeout <= 0 {
		timeout = defaultConflictTimeout
	}
	historyLimit := cfg.HistoryLimit
	if historyLimit <= 0 {
		historyLimit = defaultHistoryLimit
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	synchronizer := &Synchronizer{
		states:            make(map[string]*roomState),
		registry:          cfg.Registry,
		persister:         persister,
		clock:             clock,
		afterFunc:         afterFunc,
		coalesceWindow:    window,
		conflictWindowMax: windowMax,
		conflictTimeout:   timeout,
		historyLimit:      historyLimit,
		logger:            logger.Named("navigation"),
		metrics:           cfg.Metrics,
	}
	cfg.Registry.Observe(synchronizer)
	return synchronizer, nil
}

// Propose submits a navigation intent. Outcomes are delivered to the room, not returned.
func (s *Synchronizer) Propose(ctx context.Context, roomID, participantID, ref string) error {
	normalized, err := normalizeRef(ref)
	if err != nil {
		return err
	}
	return s.registry.Update(ctx, roomID, func(room *rooms.Room) error {
		participant, err := memberOf(room, participantID)
		if err != nil {
			return err
		}
		now := s.clock()
		state := s.stateFor(room)
		incoming := proposal{
			participantID:   participant.ID,
			participantName: participant.DisplayName,
			ref:             normalized,
			at:              now,
		}

		if state.phase == PhaseConflictPending {
			if now.Before(state.conflict.mergeUntil) {
				s.mergeLocked(room, state, incoming)
				return nil
			}
			s.resolveLocked(room, state, incoming, metrics.OutcomeDefaultResolved)
			return nil
		}

		if len(state.window) > 0 && now.Before(state.windowUntil) {
			if state.window[0].ref == normalized {
				participant.Position = normalized
				state.coalesce(incoming, s.coalesceWindow)
				s.metrics.Navigation(metrics.OutcomeCoalesced)
				s.logger.Debug("navigation coalesced",
					zap.String("room_id", room.ID()),
					zap.String("participant_id", participant.ID),
					zap.String("ref", normalized))
				return nil
			}
			if state.divergesFrom(participant.ID) {
				s.raiseLocked(room, state, incoming)
				return nil
			}
		}

		s.acceptLocked(room, state, participant, incoming)
		return nil
	})
}

// Resolve settles a pending conflict on chosenRef. Any room member may resolve.
func (s *Synchronizer) Resolve(ctx context.Context, roomID, participantID, chosenRef string) error {
	normalized, err := normalizeRef(chosenRef)
	if err != nil {
		return err
	}
	return s.registry.Update(ctx, roomID, func(room *rooms.Room) error {
		participant, err := memberOf(room, participantID)
		if err != nil {
			return err
		}
		state := s.stateFor(room)
		if state.phase != PhaseConflictPending {
			return ErrConflictState
		}
		s.resolveLocked(room, state, proposal{
			participantID:   participant.ID,
			participantName: participant.DisplayName,
			ref:             normalized,
			at:              s.clock(),
		}, metrics.OutcomeResolved)
		return nil
	})
}

// History returns the retained navigation records, oldest first.
func (s *Synchronizer) History(ctx context.Context, roomID string) ([]Record, error) {
	var history []Record
	err := s.registry.Update(ctx, roomID, func(room *rooms.Room) error {
		history = s.HistoryOf(room)
		return nil
	})
	return history, err
}

// HistoryOf returns a copy of the retained history; the caller must hold the room lock.
func (s *Synchronizer) HistoryOf(room *rooms.Room) []Record {
	state := s.existingState(room)
	if state == nil {
		return []Record{}
	}
	return append([]Record{}, state.history...)
}

// ClearHistory drops the retained history of a live room.
func (s *Synchronizer) ClearHistory(ctx context.Context, roomID string) error {
	return s.registry.Update(ctx, roomID, func(room *rooms.Room) error {
		if state := s.existingState(room); state != nil {
			state.history = nil
		}
		return nil
	})
}

// Phase reports the synchronization state of a live room.
func (s *Synchronizer) Phase(ctx context.Context, roomID string) (Phase, error) {
	phase := PhaseIdle
	err := s.registry.Update(ctx, roomID, func(room *rooms.Room) error {
		if state := s.existingState(room); state != nil {
			phase = state.phase
		}
		return nil
	})
	return phase, err
}

// RoomClosed forgets the state of a deleted room. History does not survive deletion.
func (s *Synchronizer) RoomClosed(room *rooms.Room) {
	s.mu.Lock()
	state, ok := s.states[room.ID()]
	if ok && state.room == room {
		delete(s.states, room.ID())
	}
	s.mu.Unlock()
	if ok && state.room == room && state.conflict != nil && state.conflict.timer != nil {
		state.conflict.timer.Stop()
	}
}

// PruneOrphans drops state whose room is no longer registered. It returns the number removed.
func (s *Synchronizer) PruneOrphans(context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for roomID, state := range s.states {
		if s.registry.Holds(roomID, state.room) {
			continue
		}
		delete(s.states, roomID)
		removed++
	}
	return removed, nil
}

func (s *Synchronizer) acceptLocked(room *rooms.Room, state *roomState, participant *rooms.Participant, accepted proposal) {
	room.SetPosition(accepted.ref)
	participant.Position = accepted.ref
	s.appendHistory(room, state, accepted)
	state.openWindow(accepted, s.coalesceWindow)

	room.Broadcast(protocol.NavigationUpdate{
		RoomID:          room.ID(),
		NewRef:          accepted.ref,
		NavigatedBy:     accepted.participantID,
		NavigatedByName: accepted.participantName,
		Timestamp:       accepted.at,
	})
	s.persister.RecordPosition(room.ID(), accepted.ref, accepted.at, accepted.participantID)
	s.metrics.Navigation(metrics.OutcomeAccepted)
	s.logger.Debug("navigation accepted",
		zap.String("room_id", room.ID()),
		zap.String("participant_id", accepted.participantID),
		zap.String("ref", accepted.ref))
}

// raiseLocked opens a conflict between every proposal in the window and the divergent one.
func (s *Synchronizer) raiseLocked(room *rooms.Room, state *roomState, divergent proposal) {
	state.generation++
	generation := state.generation
	conflict := &pendingConflict{
		detectedAt: divergent.at,
		mergeUntil: divergent.at.Add(s.coalesceWindow),
		proposals:  append([]proposal(nil), state.window...),
		generation: generation,
	}
	conflict.upsert(divergent)
	agreedRef := state.window[0].ref
	state.window = nil
	state.phase = PhaseConflictPending
	state.conflict = conflict
	room.Touch()

	room.Broadcast(protocol.NavigationConflict{
		RoomID:          room.ID(),
		ConflictingRefs: conflict.conflictingRefs(),
		Timestamp:       divergent.at,
	})
	conflict.timer = s.afterFunc(s.conflictTimeout, func() {
		s.expire(room, generation)
	})
	s.metrics.Navigation(metrics.OutcomeConflict)
	s.logger.Info("navigation conflict detected",
		zap.String("room_id", room.ID()),
		zap.String("agreed_ref", agreedRef),
		zap.String("divergent_ref", divergent.ref))
}

func (s *Synchronizer) mergeLocked(room *rooms.Room, state *roomState, incoming proposal) {
	conflict := state.conflict
	changed := conflict.upsert(incoming)

	mergeUntil := incoming.at.Add(s.coalesceWindow)
	limit := conflict.detectedAt.Add(s.conflictWindowMax)
	if mergeUntil.After(limit) {
		mergeUntil = limit
	}
	if mergeUntil.After(conflict.mergeUntil) {
		conflict.mergeUntil = mergeUntil
	}
	room.Touch()
	s.metrics.Navigation(metrics.OutcomeMerged)
	if !changed {
		return
	}
	room.Broadcast(protocol.NavigationConflict{
		RoomID:          room.ID(),
		ConflictingRefs: conflict.conflictingRefs(),
		Timestamp:       incoming.at,
	})
}

func (s *Synchronizer) resolveLocked(room *rooms.Room, state *roomState, chosen proposal, outcome string) {
	if state.conflict != nil && state.conflict.timer != nil {
		state.conflict.timer.Stop()
	}
	state.conflict = nil
	state.phase = PhaseIdle

	room.SetPosition(chosen.ref)
	members := room.Participants()
	memberIDs := make([]string, 0, len(members))
	for _, participant := range members {
		participant.Position = chosen.ref
		memberIDs = append(memberIDs, participant.ID)
	}
	s.appendHistory(room, state, chosen)
	state.openWindow(chosen, s.coalesceWindow)

	room.Broadcast(protocol.NavigationSync{
		RoomID:     room.ID(),
		Ref:        chosen.ref,
		ResolvedBy: chosen.participantID,
		Timestamp:  chosen.at,
	})
	s.persister.RecordPosition(room.ID(), chosen.ref, chosen.at, memberIDs...)
	s.metrics.Navigation(outcome)
	s.logger.Info("navigation conflict resolved",
		zap.String("room_id", room.ID()),
		zap.String("ref", chosen.ref),
		zap.String("resolved_by", chosen.participantID),
		zap.String("outcome", outcome))
}

func (s *Synchronizer) expire(room *rooms.Room, generation uint64) {
	ctx, cancel := context.WithTimeout(context.Background(), expireLockTimeout)
	defer cancel()
	err := s.registry.Update(ctx, room.ID(), func(current *rooms.Room) error {
		if current != room {
			return nil
		}
		state := s.existingState(room)
		if state == nil || state.phase != PhaseConflictPending || state.conflict.generation != generation {
			return nil
		}
		winner := state.conflict.latest()
		winner.at = s.clock()
		s.resolveLocked(room, state, winner, metrics.OutcomeDefaultResolved)
		return nil
	})
	if err != nil && !errors.Is(err, rooms.ErrRoomNotFound) {
		s.logger.Error("conflict timeout resolution failed", zap.String("room_id", room.ID()), zap.Error(err))
	}
}

func (s *Synchronizer) appendHistory(room *rooms.Room, state *roomState, entry proposal) {
	state.history = append(state.history, Record{
		RoomID:          room.ID(),
		ParticipantID:   entry.participantID,
		ParticipantName: entry.participantName,
		Ref:             entry.ref,
		Timestamp:       entry.at,
	})
	if overflow := len(state.history) - s.historyLimit; overflow > 0 {
		state.history = append([]Record(nil), state.history[overflow:]...)
	}
}

func (s *Synchronizer) stateFor(room *rooms.Room) *roomState {
	s.mu.Lock()
	defer s.mu.Unlock()
	state, ok := s.states[room.ID()]
	if !ok || state.room != room {
		state = &roomState{room: room}
		s.states[room.ID()] = state
	}
	return state
}

func (s *Synchronizer) existingState(room *rooms.Room) *roomState {
	s.mu.Lock()
	defer s.mu.Unlock()
	state, ok := s.states[room.ID()]
	if !ok || state.room != room {
		return nil
	}
	return state
}
