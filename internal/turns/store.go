package turns

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	ErrNotFound          = errors.New("turn not found")
	ErrSessionNotFound   = errors.New("session not found")
	ErrNotReady          = errors.New("turn audio not ready")
	ErrInvalidTransition = errors.New("invalid turn state transition")
	ErrEmptyAudio        = errors.New("audio input is required")
)

const defaultEventHistoryLimit = 128

// Store is the single source of truth for turn and session records. It is
// safe for concurrent use and performs no I/O. All turn mutation goes through
// Advance, which enforces the legal-transition table so a late timeout handler
// can never clobber a normal completion.
type Store struct {
	mu sync.RWMutex

	turns    map[string]*Turn
	sessions map[string]*Session

	eventsByTurn    map[string][]Event
	eventHistoryMax int
	subscribers     map[string]map[int]chan Event
	nextSubID       int
}

func NewStore() *Store {
	return &Store{
		turns:           make(map[string]*Turn),
		sessions:        make(map[string]*Session),
		eventsByTurn:    make(map[string][]Event),
		eventHistoryMax: defaultEventHistoryLimit,
		subscribers:     make(map[string]map[int]chan Event),
	}
}

// Create registers a new turn in state queued, creating the session lazily
// when sessionID is empty or unknown.
func (s *Store) Create(sessionID string, audioIn []byte) (Turn, error) {
	if len(audioIn) == 0 {
		return Turn{}, ErrEmptyAudio
	}
	now := time.Now().UTC()

	s.mu.Lock()
	defer s.mu.Unlock()

	if sessionID == "" {
		sessionID = uuid.NewString()
	}
	sess, ok := s.sessions[sessionID]
	if !ok {
		sess = &Session{ID: sessionID, CreatedAt: now}
		s.sessions[sessionID] = sess
	}
	sess.LastActivityAt = now

	t := &Turn{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		State:     StateQueued,
		AudioIn:   append([]byte(nil), audioIn...),
		TimingsMS: make(map[string]float64),
		CreatedAt: now,
		UpdatedAt: now,
	}
	s.turns[t.ID] = t
	return t.Clone(), nil
}

func (s *Store) Get(turnID string) (Turn, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.turns[turnID]
	if !ok {
		return Turn{}, ErrNotFound
	}
	return t.Clone(), nil
}

// Advance commits a single stage transition atomically. The mutate callback
// runs under the store lock after the transition check passed, so it must not
// block; it receives the live record to fill in stage outputs.
func (s *Store) Advance(turnID string, to State, mutate func(*Turn)) (Turn, error) {
	now := time.Now().UTC()

	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.turns[turnID]
	if !ok {
		return Turn{}, ErrNotFound
	}
	if !CanTransition(t.State, to) {
		return t.Clone(), ErrInvalidTransition
	}
	t.State = to
	if mutate != nil {
		mutate(t)
	}
	t.UpdatedAt = now
	if sess, ok := s.sessions[t.SessionID]; ok {
		sess.LastActivityAt = now
	}

	s.publishLocked(Event{
		Type:      EventStateChanged,
		TurnID:    t.ID,
		SessionID: t.SessionID,
		State:     t.State,
		ErrorKind: t.ErrorKind,
		Detail:    t.ErrorDetail,
		At:        now,
	})
	return t.Clone(), nil
}

// Audio returns the synthesized reply. ErrNotReady until the turn is done;
// error turns never produce audio.
func (s *Store) Audio(turnID string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.turns[turnID]
	if !ok {
		return nil, ErrNotFound
	}
	if t.State != StateDone {
		return nil, ErrNotReady
	}
	return append([]byte(nil), t.AudioOut...), nil
}

// AcquireSlot takes the session's in-flight slot for turnID. When the slot is
// already held the turn is parked on the session's pending FIFO and false is
// returned; ReleaseSlot hands it off later.
func (s *Store) AcquireSlot(sessionID, turnID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[sessionID]
	if !ok {
		return false
	}
	if sess.InFlightTurnID == "" {
		sess.InFlightTurnID = turnID
		return true
	}
	if sess.InFlightTurnID == turnID {
		return true
	}
	for _, id := range sess.Pending {
		if id == turnID {
			return false
		}
	}
	sess.Pending = append(sess.Pending, turnID)
	return false
}

// ReleaseSlot frees the slot held by turnID and promotes the oldest pending
// non-terminal turn, returning its id ("" when the queue is empty).
func (s *Store) ReleaseSlot(sessionID, turnID string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[sessionID]
	if !ok {
		return ""
	}
	if sess.InFlightTurnID != turnID {
		return ""
	}
	sess.InFlightTurnID = ""

	for len(sess.Pending) > 0 {
		nextID := sess.Pending[0]
		sess.Pending = append([]string(nil), sess.Pending[1:]...)
		next, ok := s.turns[nextID]
		if !ok || next.Terminal() {
			continue
		}
		sess.InFlightTurnID = nextID
		return nextID
	}
	return ""
}

// AppendHistory records a completed transcript/response pair. Exactly one
// pair per turn that reaches done.
func (s *Store) AppendHistory(sessionID, transcript, response string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[sessionID]
	if !ok {
		return ErrSessionNotFound
	}
	sess.History = append(sess.History, Exchange{Transcript: transcript, Response: response})
	sess.LastActivityAt = time.Now().UTC()
	return nil
}

func (s *Store) History(sessionID string) []Exchange {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[sessionID]
	if !ok || len(sess.History) == 0 {
		return nil
	}
	out := make([]Exchange, len(sess.History))
	copy(out, sess.History)
	return out
}

func (s *Store) SessionCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

// Events returns the most recent transition events of a turn, oldest first.
func (s *Store) Events(turnID string, limit int) ([]Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.turns[turnID]; !ok {
		return nil, ErrNotFound
	}
	events := s.eventsByTurn[turnID]
	start := 0
	if limit > 0 && limit < len(events) {
		start = len(events) - limit
	}
	out := make([]Event, len(events)-start)
	copy(out, events[start:])
	return out, nil
}

// Subscribe delivers future transition events of one turn. Slow subscribers
// drop events rather than block the pipeline. The returned func cancels the
// subscription and closes the channel.
func (s *Store) Subscribe(turnID string) (<-chan Event, func()) {
	ch := make(chan Event, 32)

	s.mu.Lock()
	s.nextSubID++
	id := s.nextSubID
	if _, ok := s.subscribers[turnID]; !ok {
		s.subscribers[turnID] = make(map[int]chan Event)
	}
	s.subscribers[turnID][id] = ch
	s.mu.Unlock()

	return ch, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		subs := s.subscribers[turnID]
		if subs == nil {
			return
		}
		if c, ok := subs[id]; ok {
			delete(subs, id)
			close(c)
		}
		if len(subs) == 0 {
			delete(s.subscribers, turnID)
		}
	}
}

// SubscribeWithBacklog snapshots the recorded events and registers the
// subscription in one critical section, so every transition lands in exactly
// one of the two: the backlog or the live channel.
func (s *Store) SubscribeWithBacklog(turnID string) ([]Event, <-chan Event, func(), error) {
	ch := make(chan Event, 32)

	s.mu.Lock()
	if _, ok := s.turns[turnID]; !ok {
		s.mu.Unlock()
		return nil, nil, nil, ErrNotFound
	}
	backlog := make([]Event, len(s.eventsByTurn[turnID]))
	copy(backlog, s.eventsByTurn[turnID])
	s.nextSubID++
	id := s.nextSubID
	if _, ok := s.subscribers[turnID]; !ok {
		s.subscribers[turnID] = make(map[int]chan Event)
	}
	s.subscribers[turnID][id] = ch
	s.mu.Unlock()

	cancel := func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		subs := s.subscribers[turnID]
		if subs == nil {
			return
		}
		if c, ok := subs[id]; ok {
			delete(subs, id)
			close(c)
		}
		if len(subs) == 0 {
			delete(s.subscribers, turnID)
		}
	}
	return backlog, ch, cancel, nil
}

func (s *Store) publishLocked(evt Event) {
	s.eventsByTurn[evt.TurnID] = append(s.eventsByTurn[evt.TurnID], evt)
	if max := s.eventHistoryMax; max > 0 && len(s.eventsByTurn[evt.TurnID]) > max {
		trimFrom := len(s.eventsByTurn[evt.TurnID]) - max
		s.eventsByTurn[evt.TurnID] = append([]Event(nil), s.eventsByTurn[evt.TurnID][trimFrom:]...)
	}

	for _, ch := range s.subscribers[evt.TurnID] {
		select {
		case ch <- evt:
		default:
		}
	}
}
