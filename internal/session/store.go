package session

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Store holds sessions for all users. All methods are safe for concurrent use.
type Store struct {
	mu       sync.Mutex
	sessions map[int64]*Session
	logger   *zap.Logger
	now      func() time.Time
}

// NewStore creates an empty session store
func NewStore(logger *zap.Logger) *Store {
	return &Store{
		sessions: make(map[int64]*Session),
		logger:   logger,
		now:      time.Now,
	}
}

// Get returns a copy of the user's session, or a zero session if there is none
func (s *Store) Get(userID int64) Session {
	s.mu.Lock()
	defer s.mu.Unlock()

	if sess, ok := s.sessions[userID]; ok {
		return sess.clone()
	}
	return Session{}
}

// Update applies fn to the user's session atomically and returns the result
func (s *Store) Update(userID int64, fn func(*Session)) Session {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[userID]
	if !ok {
		sess = &Session{}
		s.sessions[userID] = sess
	}
	if sess.ProgressMessageByJob == nil {
		sess.ProgressMessageByJob = make(map[string]int)
	}
	fn(sess)
	sess.TouchedAt = s.now()
	return sess.clone()
}

// Clear resets the given fields of the user's session
func (s *Store) Clear(userID int64, fields ...Field) {
	s.Update(userID, func(sess *Session) {
		for _, f := range fields {
			sess.reset(f)
		}
	})
}

// Release returns a user still processing the job of flow to StepIdle and
// moves Flow on so the job's buttons go stale. It reports false when the
// session has moved on to another job or step.
func (s *Store) Release(userID int64, flow uint32) bool {
	released := false
	s.Update(userID, func(sess *Session) {
		if sess.Flow != flow || sess.Step != StepProcessing {
			return
		}
		sess.reset(FieldJob)
		sess.Flow++
		released = true
	})
	return released
}

// Len returns the number of tracked sessions
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// Sweep drops sessions untouched for longer than idle. Sessions with a job
// still processing are kept so the poller can finish.
func (s *Store) Sweep(idle time.Duration) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := s.now().Add(-idle)
	removed := 0
	for id, sess := range s.sessions {
		if sess.Step == StepProcessing {
			continue
		}
		if sess.TouchedAt.Before(cutoff) {
			delete(s.sessions, id)
			removed++
		}
	}
	return removed
}

// Run sweeps idle sessions every interval until ctx is done
func (s *Store) Run(ctx context.Context, interval, idle time.Duration) {
	if interval <= 0 || idle <= 0 {
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.logger.Info("Session cleanup started",
		zap.Duration("interval", interval),
		zap.Duration("idle_ttl", idle))

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if removed := s.Sweep(idle); removed > 0 {
				s.logger.Info("Idle sessions removed", zap.Int("removed", removed))
			}
		}
	}
}
