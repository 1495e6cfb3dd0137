package chat

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/eapache/queue"

	"github.com/zhouzirui/joi-gateway/internal/logging"
	"github.com/zhouzirui/joi-gateway/internal/model/chat"
)

var (
	ErrSessionIDRequired = errors.New("session id is required")
	ErrSessionNotFound   = errors.New("session not found")
	ErrEmptyContent      = errors.New("message content is empty")
)

// Store is the session history contract the relay depends on.
type Store interface {
	// Acquire serializes work on one session id. The returned release func must be called exactly once.
	Acquire(ctx context.Context, sessionID string) (release func(), err error)
	GetOrCreate(ctx context.Context, sessionID string) chat.Session
	AppendUserTurn(ctx context.Context, sessionID, content string) (chat.Session, error)
	AppendAssistantTurn(ctx context.Context, sessionID, content string) (chat.Session, error)
	// DiscardUserTurn withdraws a trailing user turn whose reply never completed.
	DiscardUserTurn(ctx context.Context, sessionID string) error
	Sweep(now time.Time) int
}

type session struct {
	turns      *queue.Queue
	lastAccess time.Time
	// evicted holds the turns trimmed to make room for a pending user turn,
	// restored if that turn is withdrawn.
	evicted []chat.Turn
}

type slot struct {
	ch   chan struct{}
	refs int
}

// Service keeps bounded, in-memory conversation windows keyed by session id.
type Service struct {
	mu       sync.Mutex
	sessions map[string]*session
	slots    map[string]*slot

	maxTurns int
	timeout  time.Duration
	now      func() time.Time
	logger   *log.Logger
}

// Option customizes a Service.
type Option func(*Service)

// WithClock replaces time.Now, letting tests control idle expiry.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		s.now = now
	}
}

// WithLogger attaches a logger for sweep reports.
func WithLogger(logger *log.Logger) Option {
	return func(s *Service) {
		s.logger = logger
	}
}

// NewService creates a store keeping at most maxTurns turns per session and
// expiring sessions idle for longer than timeout.
func NewService(maxTurns int, timeout time.Duration, opts ...Option) *Service {
	if maxTurns < 2 {
		maxTurns = 2
	}
	s := &Service{
		sessions: make(map[string]*session),
		slots:    make(map[string]*slot),
		maxTurns: maxTurns,
		timeout:  timeout,
		now:      time.Now,
		logger:   logging.Discard(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Acquire blocks until no other caller holds sessionID, or ctx is done.
func (s *Service) Acquire(ctx context.Context, sessionID string) (func(), error) {
	if sessionID == "" {
		return nil, ErrSessionIDRequired
	}

	s.mu.Lock()
	sl, ok := s.slots[sessionID]
	if !ok {
		sl = &slot{ch: make(chan struct{}, 1)}
		s.slots[sessionID] = sl
	}
	sl.refs++
	s.mu.Unlock()

	select {
	case sl.ch <- struct{}{}:
	case <-ctx.Done():
		s.dropSlot(sessionID, sl)
		return nil, ctx.Err()
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-sl.ch
			s.dropSlot(sessionID, sl)
		})
	}, nil
}

func (s *Service) dropSlot(sessionID string, sl *slot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sl.refs--
	if sl.refs == 0 {
		delete(s.slots, sessionID)
	}
}

// GetOrCreate returns the stored session or a fresh empty one. A fresh session
// is not persisted until a turn is appended.
func (s *Service) GetOrCreate(_ context.Context, sessionID string) chat.Session {
	s.mu.Lock()
	defer s.mu.Unlock()

	if sess, ok := s.sessions[sessionID]; ok {
		return snapshot(sessionID, sess)
	}
	return chat.Session{ID: sessionID, Turns: []chat.Turn{}, LastAccess: s.now()}
}

// Lookup returns the stored session without creating one.
func (s *Service) Lookup(sessionID string) (chat.Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[sessionID]
	if !ok {
		return chat.Session{}, false
	}
	return snapshot(sessionID, sess), true
}

// Reset forgets a session once any request in flight on it has finished.
func (s *Service) Reset(ctx context.Context, sessionID string) (bool, error) {
	release, err := s.Acquire(ctx, sessionID)
	if err != nil {
		return false, err
	}
	defer release()

	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.sessions[sessionID]
	delete(s.sessions, sessionID)
	return ok, nil
}

// AppendUserTurn appends a user turn, trims the window and returns the result.
func (s *Service) AppendUserTurn(_ context.Context, sessionID, content string) (chat.Session, error) {
	if sessionID == "" {
		return chat.Session{}, ErrSessionIDRequired
	}
	if content == "" {
		return chat.Session{}, ErrEmptyContent
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[sessionID]
	if !ok {
		sess = &session{turns: queue.New()}
		s.sessions[sessionID] = sess
	}
	snap, evicted := s.appendLocked(sessionID, sess, chat.UserTurn(content))
	sess.evicted = evicted
	return snap, nil
}

// AppendAssistantTurn commits a completed reply to an existing session.
func (s *Service) AppendAssistantTurn(_ context.Context, sessionID, content string) (chat.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[sessionID]
	if !ok {
		return chat.Session{}, ErrSessionNotFound
	}
	snap, _ := s.appendLocked(sessionID, sess, chat.AssistantTurn(content))
	sess.evicted = nil
	return snap, nil
}

// appendLocked adds turn, trims the window from the oldest end and returns
// the trimmed turns in order.
func (s *Service) appendLocked(sessionID string, sess *session, turn chat.Turn) (chat.Session, []chat.Turn) {
	sess.turns.Add(turn)
	sess.lastAccess = s.now()

	var evicted []chat.Turn
	for sess.turns.Length() > s.maxTurns {
		evicted = append(evicted, sess.turns.Remove().(chat.Turn))
		// The window must open on a user turn; drop the orphaned reply too.
		if sess.turns.Length() > 0 && sess.turns.Peek().(chat.Turn).Role == chat.RoleAssistant {
			evicted = append(evicted, sess.turns.Remove().(chat.Turn))
		}
	}
	return snapshot(sessionID, sess), evicted
}

// DiscardUserTurn removes the last turn if it is a user turn and puts back
// any turns its append trimmed away.
func (s *Service) DiscardUserTurn(_ context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[sessionID]
	if !ok {
		return ErrSessionNotFound
	}

	n := sess.turns.Length()
	if n == 0 || sess.turns.Get(n-1).(chat.Turn).Role != chat.RoleUser {
		return nil
	}
	if n == 1 && len(sess.evicted) == 0 {
		delete(s.sessions, sessionID)
		return nil
	}

	// queue has no tail removal, so rebuild without the last element.
	kept := queue.New()
	for _, turn := range sess.evicted {
		kept.Add(turn)
	}
	for i := 0; i < n-1; i++ {
		kept.Add(sess.turns.Get(i))
	}
	sess.turns = kept
	sess.evicted = nil
	return nil
}

// Sweep drops every session idle for longer than the timeout. Sessions with
// a request in flight are kept.
func (s *Service) Sweep(now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for id, sess := range s.sessions {
		if _, busy := s.slots[id]; busy {
			continue
		}
		if now.Sub(sess.lastAccess) > s.timeout {
			delete(s.sessions, id)
			removed++
		}
	}
	return removed
}

// RunSweeper sweeps on every interval tick until ctx is cancelled.
func (s *Service) RunSweeper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if removed := s.Sweep(s.now()); removed > 0 {
				s.logger.Debug("swept idle sessions", "removed", removed, "remaining", s.Len())
			}
		}
	}
}

// Len reports the number of live sessions.
func (s *Service) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

func snapshot(sessionID string, sess *session) chat.Session {
	turns := make([]chat.Turn, sess.turns.Length())
	for i := range turns {
		turns[i] = sess.turns.Get(i).(chat.Turn)
	}
	return chat.Session{ID: sessionID, Turns: turns, LastAccess: sess.lastAccess}
}
