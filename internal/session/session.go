// Package session tracks caller sessions and their authentication state, and
// binds authenticated sessions to pooled backend connections.
//
// A session moves unauthenticated -> pending_auth on connect, pending_auth ->
// authenticated on valid credentials (or back to unauthenticated on invalid
// ones), and any state -> closed on logout or idle timeout. Callers hold a
// signed token naming the session; credentials never leave the process
// unsealed.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fruitsalade/unifile/internal/driver"
	"github.com/fruitsalade/unifile/internal/fserr"
	"github.com/fruitsalade/unifile/internal/logging"
	"github.com/fruitsalade/unifile/internal/metrics"
	"github.com/fruitsalade/unifile/internal/pool"
)

// State is a session's authentication state.
type State string

const (
	StateUnauthenticated State = "unauthenticated"
	StatePendingAuth     State = "pending_auth"
	StateAuthenticated   State = "authenticated"
	StateClosed          State = "closed"
)

// Session is a caller's authenticated (or authenticating) relationship with
// one backend.
type Session struct {
	ID          string
	Backend     string
	State       State
	Credentials driver.Credentials
	CreatedAt   time.Time
	LastSeen    time.Time
}

// Config holds session manager settings.
type Config struct {
	Secret        string
	TokenTTL      time.Duration
	IdleTimeout   time.Duration
	SweepInterval time.Duration
}

// Backends resolves configured backend names to drivers.
type Backends interface {
	Get(name string) (driver.Driver, bool)
}

// Manager owns the session state machine.
type Manager struct {
	cfg      Config
	secret   []byte
	sealer   *sealer
	store    Store
	backends Backends
	pool     *pool.Pool

	// per-session locks serialize state transitions
	locksMu sync.Mutex
	locks   map[string]*idLock
}

// idLock is dropped from the map once nobody holds or waits on it.
type idLock struct {
	mu   sync.Mutex
	refs int
}

// NewManager creates a session manager.
func NewManager(cfg Config, store Store, backends Backends, p *pool.Pool) (*Manager, error) {
	if len(cfg.Secret) < 16 {
		return nil, fmt.Errorf("session secret must be at least 16 bytes")
	}
	if cfg.TokenTTL <= 0 {
		cfg.TokenTTL = 24 * time.Hour
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = 30 * time.Minute
	}
	if store == nil {
		store = NewMemoryStore()
	}
	return &Manager{
		cfg:      cfg,
		secret:   []byte(cfg.Secret),
		sealer:   newSealer([]byte(cfg.Secret)),
		store:    store,
		backends: backends,
		pool:     p,
		locks:    make(map[string]*idLock),
	}, nil
}

func (m *Manager) lock(id string) func() {
	m.locksMu.Lock()
	l, ok := m.locks[id]
	if !ok {
		l = &idLock{}
		m.locks[id] = l
	}
	l.refs++
	m.locksMu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		m.locksMu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(m.locks, id)
		}
		m.locksMu.Unlock()
	}
}

func notAuthenticated(op string) error {
	return fserr.New(fserr.KindNotAuthenticated, op, "")
}

func (m *Manager) load(ctx context.Context, id string) (*Session, error) {
	rec, err := m.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	creds, err := m.sealer.open(rec.Sealed)
	if err != nil {
		return nil, err
	}
	return &Session{
		ID:          rec.ID,
		Backend:     rec.Backend,
		State:       rec.State,
		Credentials: creds,
		CreatedAt:   rec.CreatedAt,
		LastSeen:    rec.LastSeen,
	}, nil
}

func (m *Manager) save(ctx context.Context, s *Session) error {
	sealed, err := m.sealer.seal(s.Credentials)
	if err != nil {
		return err
	}
	return m.store.Put(ctx, &Record{
		ID:        s.ID,
		Backend:   s.Backend,
		State:     s.State,
		Sealed:    sealed,
		CreatedAt: s.CreatedAt,
		LastSeen:  s.LastSeen,
	})
}

// lookup validates a token and loads its session. Every failure is reported
// as not authenticated.
func (m *Manager) lookup(ctx context.Context, op, token string) (*Session, error) {
	if token == "" {
		return nil, notAuthenticated(op)
	}
	claims, err := m.validateToken(token)
	if err != nil {
		logging.WithContext(ctx).Debug("session token rejected", zap.Error(err))
		return nil, notAuthenticated(op)
	}
	s, err := m.load(ctx, claims.SessionID)
	if err != nil {
		if !errors.Is(err, ErrNoRecord) {
			logging.WithContext(ctx).Warn("session load failed", logging.Session(claims.SessionID), zap.Error(err))
		}
		return nil, notAuthenticated(op)
	}
	if s.Backend != claims.Backend {
		return nil, notAuthenticated(op)
	}
	return s, nil
}

// Connect starts authentication for backend. A token that still names a live
// session of the same backend is reused; otherwise a new session is created.
// The returned session is pending_auth, or authenticated when the caller was
// already logged in.
func (m *Manager) Connect(ctx context.Context, backend, token string) (string, *Session, error) {
	if _, ok := m.backends.Get(backend); !ok {
		return "", nil, fserr.New(fserr.KindNotFound, "connect", backend)
	}

	if s, err := m.lookup(ctx, "connect", token); err == nil && s.Backend == backend {
		if s.State == StateAuthenticated && m.idle(s) {
			m.close(ctx, s.ID, "idle")
		} else if reused, err := m.reuse(ctx, s.ID); err != nil || reused != nil {
			return token, reused, err
		}
	}

	now := time.Now()
	s := &Session{
		ID:        uuid.NewString(),
		Backend:   backend,
		State:     StateUnauthenticated,
		CreatedAt: now,
		LastSeen:  now,
	}
	// connect request received
	s.State = StatePendingAuth
	if err := m.save(ctx, s); err != nil {
		return "", nil, fserr.Wrap(fserr.KindInternal, "connect", "", err)
	}
	tok, err := m.issueToken(s.ID, backend)
	if err != nil {
		return "", nil, fserr.Wrap(fserr.KindInternal, "connect", "", err)
	}
	logging.WithContext(ctx).Info("session started", logging.Session(s.ID), logging.Backend(backend))
	return tok, s, nil
}

// reuse moves an existing session back to pending_auth, or returns it as is
// when already authenticated. A nil session means it is gone.
func (m *Manager) reuse(ctx context.Context, id string) (*Session, error) {
	unlock := m.lock(id)
	defer unlock()

	s, err := m.load(ctx, id)
	if err != nil {
		return nil, nil
	}
	switch s.State {
	case StateAuthenticated:
		return s, nil
	case StateUnauthenticated, StatePendingAuth:
		// connect request received
		s.State = StatePendingAuth
		s.LastSeen = time.Now()
		if err := m.save(ctx, s); err != nil {
			return nil, fserr.Wrap(fserr.KindInternal, "connect", "", err)
		}
		return s, nil
	}
	return nil, nil
}

// Authenticate submits credentials for a pending session. The driver
// connection opened to check them becomes the session's pooled connection.
func (m *Manager) Authenticate(ctx context.Context, token string, creds driver.Credentials) (*Session, error) {
	s, err := m.lookup(ctx, "auth", token)
	if err != nil {
		return nil, err
	}
	unlock := m.lock(s.ID)
	defer unlock()

	// reload under the lock; a concurrent submission may have won
	if s, err = m.load(ctx, s.ID); err != nil {
		return nil, notAuthenticated("auth")
	}
	if s.State != StatePendingAuth {
		return nil, notAuthenticated("auth")
	}

	drv, ok := m.backends.Get(s.Backend)
	if !ok {
		return nil, fserr.New(fserr.KindNotFound, "auth", s.Backend)
	}

	log := logging.WithContext(ctx).With(logging.Session(s.ID), logging.Backend(s.Backend))
	conn, err := drv.Connect(ctx, creds)
	if err != nil {
		metrics.RecordAuthAttempt(s.Backend, false)
		if !errors.Is(err, fserr.ErrAuthentication) {
			// unreachable backend: the caller may submit again
			log.Warn("backend unavailable during authentication", zap.Error(err))
			return nil, fserr.Classify("auth", "", err)
		}
		log.Warn("authentication failed", zap.String("username", creds.Username))
		s.State = StateUnauthenticated
		s.LastSeen = time.Now()
		if saveErr := m.save(ctx, s); saveErr != nil {
			log.Error("session save failed", zap.Error(saveErr))
		}
		return nil, err
	}

	s.State = StateAuthenticated
	s.Credentials = creds
	s.LastSeen = time.Now()
	if err := m.save(ctx, s); err != nil {
		driver.Disconnect(ctx, conn)
		return nil, fserr.Wrap(fserr.KindInternal, "auth", "", err)
	}
	if err := m.pool.Adopt(ctx, s.ID, conn); err != nil {
		log.Warn("connection not adopted, will reconnect on first command", zap.Error(err))
	}

	metrics.RecordAuthAttempt(s.Backend, true)
	log.Info("session authenticated", zap.String("username", creds.Username))
	return s, nil
}

func (m *Manager) idle(s *Session) bool {
	return time.Since(s.LastSeen) > m.cfg.IdleTimeout
}

// Resolve returns the authenticated session a token names for backend.
// Unknown, closed, expired or foreign tokens fail with not authenticated.
func (m *Manager) Resolve(ctx context.Context, token, backend string) (*Session, error) {
	s, err := m.lookup(ctx, "resolve", token)
	if err != nil {
		return nil, err
	}
	if s.Backend != backend || s.State != StateAuthenticated {
		return nil, notAuthenticated("resolve")
	}
	if m.idle(s) {
		m.close(ctx, s.ID, "idle")
		return nil, notAuthenticated("resolve")
	}

	// avoid a store write per command
	if time.Since(s.LastSeen) > m.cfg.IdleTimeout/10 {
		if err := m.touch(ctx, s); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// touch refreshes LastSeen from a fresh read under the session lock, so a
// concurrent logout is never undone by the write.
func (m *Manager) touch(ctx context.Context, s *Session) error {
	unlock := m.lock(s.ID)
	defer unlock()

	cur, err := m.load(ctx, s.ID)
	if err != nil {
		if !errors.Is(err, ErrNoRecord) {
			logging.WithContext(ctx).Warn("session load failed", logging.Session(s.ID), zap.Error(err))
		}
		return notAuthenticated("resolve")
	}
	if cur.State != StateAuthenticated {
		return notAuthenticated("resolve")
	}
	cur.LastSeen = time.Now()
	if err := m.save(ctx, cur); err != nil {
		logging.WithContext(ctx).Warn("session touch failed", logging.Session(s.ID), zap.Error(err))
	}
	s.LastSeen = cur.LastSeen
	return nil
}

// Target builds the pool target for a resolved session.
func (m *Manager) Target(s *Session) (pool.Target, error) {
	drv, ok := m.backends.Get(s.Backend)
	if !ok {
		return pool.Target{}, fserr.New(fserr.KindNotFound, "resolve", s.Backend)
	}
	return pool.Target{
		SessionID:   s.ID,
		Backend:     s.Backend,
		Driver:      drv,
		Credentials: s.Credentials,
	}, nil
}

// Status reports whether token names an authenticated session of backend.
func (m *Manager) Status(ctx context.Context, token, backend string) error {
	_, err := m.Resolve(ctx, token, backend)
	return err
}

// Account describes the account behind an authenticated session.
func (m *Manager) Account(ctx context.Context, token, backend string) (driver.Account, error) {
	s, err := m.Resolve(ctx, token, backend)
	if err != nil {
		return driver.Account{}, err
	}
	t, err := m.Target(s)
	if err != nil {
		return driver.Account{}, err
	}

	var acc driver.Account
	err = m.pool.Do(ctx, t, true, func(ctx context.Context, c driver.Conn) error {
		acc = driver.AccountOf(ctx, c, t.Driver.Type(), s.Credentials)
		return nil
	})
	return acc, err
}

// Logout closes the session a token names. It always succeeds.
func (m *Manager) Logout(ctx context.Context, token string) {
	if token == "" {
		return
	}
	claims, err := m.validateToken(token)
	if err != nil {
		return
	}
	m.close(ctx, claims.SessionID, "logout")
}

func (m *Manager) close(ctx context.Context, id, reason string) {
	unlock := m.lock(id)
	defer unlock()

	if _, err := m.store.Get(ctx, id); err != nil {
		return
	}
	if err := m.store.Delete(ctx, id); err != nil {
		logging.WithContext(ctx).Error("session delete failed", logging.Session(id), zap.Error(err))
	}
	m.pool.Close(ctx, id)
	logging.WithContext(ctx).Info("session closed", logging.Session(id), zap.String("reason", reason))
}

// Sweep closes sessions idle longer than the idle timeout and refreshes the
// session gauges.
func (m *Manager) Sweep(ctx context.Context) error {
	recs, err := m.store.List(ctx)
	if err != nil {
		return fmt.Errorf("list sessions: %w", err)
	}
	counts := map[State]int{StateUnauthenticated: 0, StatePendingAuth: 0, StateAuthenticated: 0}
	now := time.Now()
	for _, rec := range recs {
		if now.Sub(rec.LastSeen) > m.cfg.IdleTimeout {
			m.close(ctx, rec.ID, "idle")
			continue
		}
		counts[rec.State]++
	}
	for state, n := range counts {
		metrics.SetSessions(string(state), n)
	}
	return nil
}

// Run sweeps periodically until ctx is done.
func (m *Manager) Run(ctx context.Context) {
	interval := m.cfg.SweepInterval
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := m.Sweep(ctx); err != nil {
				logging.Error("session sweep failed", zap.Error(err))
			}
		}
	}
}

// Close closes the underlying store.
func (m *Manager) Close() error {
	return m.store.Close()
}
