package service

import (
	"context"
	"sync"

	"github.com/gofrs/uuid/v5"
	"go.uber.org/zap"

	"github.com/lumehealth/lume-sync/internal/model"
)

// Credentials is the slice of the refresh coordinator the session manager
// drives: install a pair on login, drop it on logout.
type Credentials interface {
	SetTokens(ctx context.Context, t model.Tokens) error
	Clear(ctx context.Context) error
}

// Runner is anything with a session-scoped lifecycle (processor, channel,
// reconciler). Instances are single-use; the factory builds fresh ones per login.
type Runner interface {
	Start()
	Stop()
}

// Session owns login state and the lifecycles bound to it. It also answers
// the processor's "who is logged in" question.
type Session struct {
	creds   Credentials
	factory func() []Runner
	log     *zap.Logger

	mu      sync.Mutex
	userID  uuid.UUID
	active  bool
	runners []Runner
}

// NewSession constructs the session manager. The factory is called on every
// login to build the background runners in start order.
func NewSession(creds Credentials, log *zap.Logger) *Session {
	return &Session{creds: creds, log: log}
}

// SetRunnerFactory wires the component factory. Must be called before Login;
// it is separate from the constructor because the runners reference the
// session back (processor asks it for the current user).
func (s *Session) SetRunnerFactory(f func() []Runner) { s.factory = f }

// CurrentUser reports the authenticated user, if any.
func (s *Session) CurrentUser() (uuid.UUID, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.userID, s.active
}

// Login installs the credential pair and starts the sync machinery.
func (s *Session) Login(ctx context.Context, userID uuid.UUID, tokens model.Tokens) error {
	s.mu.Lock()
	if s.active {
		s.mu.Unlock()
		s.Logout(ctx)
		s.mu.Lock()
	}
	s.mu.Unlock()

	if err := s.creds.SetTokens(ctx, tokens); err != nil {
		return err
	}

	s.mu.Lock()
	s.userID = userID
	s.active = true
	s.runners = s.factory()
	runners := s.runners
	s.mu.Unlock()

	for _, r := range runners {
		r.Start()
	}
	s.log.Info("session started", zap.String("user_id", userID.String()))
	return nil
}

// Logout stops timers and loops (in-flight work finishes on its own) and
// clears credentials. Pending outbox events stay pending for the next login.
func (s *Session) Logout(ctx context.Context) {
	s.mu.Lock()
	if !s.active {
		s.mu.Unlock()
		return
	}
	s.active = false
	s.userID = uuid.Nil
	runners := s.runners
	s.runners = nil
	s.mu.Unlock()

	// Stop in reverse start order: consumers before producers.
	for i := len(runners) - 1; i >= 0; i-- {
		runners[i].Stop()
	}
	if err := s.creds.Clear(ctx); err != nil {
		s.log.Error("clear credentials on logout", zap.Error(err))
	}
	s.log.Info("session ended")
}

// HandleRevoked is the coordinator's revoke hook. It runs the teardown on its
// own goroutine: the hook fires from inside a network caller's stack, and a
// synchronous Stop would wait on the very cycle that is still unwinding.
func (s *Session) HandleRevoked() {
	go s.Logout(context.Background())
}
