// Package pool keeps at most one live backend connection per session and
// serializes the session's commands on it.
//
// Each session owns a slot guarded by a FIFO lock: a command holds the slot
// through a Lease for its whole duration (including a streamed download), and
// later commands of the same session queue behind it in arrival order.
// Different sessions never contend beyond a short map lookup.
package pool

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/fruitsalade/unifile/internal/driver"
	"github.com/fruitsalade/unifile/internal/fserr"
	"github.com/fruitsalade/unifile/internal/logging"
	"github.com/fruitsalade/unifile/internal/metrics"
	"github.com/fruitsalade/unifile/internal/retry"
)

// Config holds pool settings.
type Config struct {
	// WaitTimeout bounds how long a command queues behind another command of
	// the same session (0 = until the caller gives up).
	WaitTimeout time.Duration

	// IdleTimeout closes connections unused for this long.
	IdleTimeout time.Duration

	// ReapInterval is how often idle connections are looked for (0 = never).
	ReapInterval time.Duration

	// ProbeAfter pings connections idle for this long before reuse (0 = never).
	ProbeAfter time.Duration

	// ConnectRetryWait is the pause before the single connect retry.
	ConnectRetryWait time.Duration
}

// DefaultConfig returns the settings used when none are configured.
func DefaultConfig() Config {
	return Config{
		WaitTimeout:      30 * time.Second,
		IdleTimeout:      5 * time.Minute,
		ReapInterval:     30 * time.Second,
		ProbeAfter:       time.Minute,
		ConnectRetryWait: 200 * time.Millisecond,
	}
}

// Health is the state of a slot's connection.
type Health int

const (
	HealthLive Health = iota
	HealthStale
	HealthBroken
)

func (h Health) String() string {
	switch h {
	case HealthLive:
		return "live"
	case HealthStale:
		return "stale"
	default:
		return "broken"
	}
}

// Target identifies the session a lease is for and how to (re)connect it.
type Target struct {
	SessionID   string
	Backend     string // configured backend name, for logs
	Driver      driver.Driver
	Credentials driver.Credentials
}

type slot struct {
	lock *fifoLock

	// guarded by lock
	conn     driver.Conn
	health   Health
	lastUsed time.Time

	invalid atomic.Bool // set from outside the lock by Pool.Invalidate
	closed  atomic.Bool // slot dropped from the pool
}

// Pool maps session IDs to slots.
type Pool struct {
	cfg Config

	mu     sync.Mutex
	slots  map[string]*slot
	closed bool

	stop chan struct{}
	wg   sync.WaitGroup
}

// New creates a pool and starts its idle reaper.
func New(cfg Config) *Pool {
	p := &Pool{
		cfg:   cfg,
		slots: make(map[string]*slot),
		stop:  make(chan struct{}),
	}
	if cfg.ReapInterval > 0 && cfg.IdleTimeout > 0 {
		p.wg.Add(1)
		go p.reapLoop()
	}
	return p
}

func (p *Pool) slotFor(sessionID string) (*slot, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, fserr.New(fserr.KindConnection, "acquire", "")
	}
	s, ok := p.slots[sessionID]
	if !ok {
		s = &slot{lock: newFIFOLock(), health: HealthStale}
		p.slots[sessionID] = s
	}
	return s, nil
}

func (p *Pool) lockSlot(ctx context.Context, s *slot) error {
	wctx := ctx
	if p.cfg.WaitTimeout > 0 {
		var cancel context.CancelFunc
		wctx, cancel = context.WithTimeout(ctx, p.cfg.WaitTimeout)
		defer cancel()
	}

	start := time.Now()
	if err := s.lock.Lock(wctx); err != nil {
		if ctx.Err() != nil {
			return fserr.Wrap(fserr.KindTransport, "acquire", "", ctx.Err())
		}
		return fserr.Wrap(fserr.KindSessionBusy, "acquire", "", err)
	}
	metrics.RecordLeaseWait(time.Since(start))
	return nil
}

// Acquire waits for the session's slot and returns a lease on a live
// connection, reconnecting with the target's credentials when needed.
func (p *Pool) Acquire(ctx context.Context, t Target) (*Lease, error) {
	for {
		s, err := p.slotFor(t.SessionID)
		if err != nil {
			return nil, err
		}
		if err := p.lockSlot(ctx, s); err != nil {
			return nil, err
		}
		if s.closed.Load() {
			// dropped by Close while we queued; start over on a fresh slot
			p.finishClosed(s)
			continue
		}

		l := &Lease{p: p, s: s, t: t}
		if err := l.ensure(ctx); err != nil {
			l.Release()
			return nil, err
		}
		return l, nil
	}
}

// Adopt installs a connection opened outside the pool (at credential
// submission) as the session's connection.
func (p *Pool) Adopt(ctx context.Context, sessionID string, conn driver.Conn) error {
	s, err := p.slotFor(sessionID)
	if err != nil {
		driver.Disconnect(ctx, conn)
		return err
	}
	if err := p.lockSlot(ctx, s); err != nil {
		driver.Disconnect(ctx, conn)
		return err
	}
	if s.conn != nil {
		p.disconnect(ctx, s)
	}
	s.conn = conn
	s.health = HealthLive
	s.lastUsed = time.Now()
	s.invalid.Store(false)
	metrics.ConnectionOpened()
	p.unlock(s)
	return nil
}

// Invalidate marks the session's connection broken without waiting for the
// slot; the next Acquire reconnects.
func (p *Pool) Invalidate(sessionID string) {
	p.mu.Lock()
	s, ok := p.slots[sessionID]
	p.mu.Unlock()
	if ok {
		s.invalid.Store(true)
	}
}

// Do runs fn on a lease. A transport failure invalidates the connection;
// when retryable is set, fn runs once more on a fresh connection.
func (p *Pool) Do(ctx context.Context, t Target, retryable bool, fn func(ctx context.Context, c driver.Conn) error) error {
	l, err := p.Acquire(ctx, t)
	if err != nil {
		return err
	}
	defer l.Release()

	err = fn(ctx, l.Conn())
	if err == nil || !fserr.IsTransport(err) {
		return err
	}
	l.Invalidate()
	if !retryable || ctx.Err() != nil {
		return err
	}

	logging.WithContext(ctx).Debug("retrying command on a fresh connection",
		logging.Session(t.SessionID), logging.Backend(t.Backend), zap.Error(err))
	if rerr := l.Reconnect(ctx); rerr != nil {
		return rerr
	}
	if err = fn(ctx, l.Conn()); err != nil && fserr.IsTransport(err) {
		l.Invalidate()
	}
	return err
}

// Close drops the session's slot and disconnects its connection, now if the
// slot is idle or when the current lease is released.
func (p *Pool) Close(ctx context.Context, sessionID string) {
	p.mu.Lock()
	s, ok := p.slots[sessionID]
	delete(p.slots, sessionID)
	p.mu.Unlock()
	if !ok {
		return
	}
	s.closed.Store(true)
	if s.lock.TryLock() {
		p.finishClosed(s)
	}
}

// finishClosed runs with the lock of a closed slot held.
func (p *Pool) finishClosed(s *slot) {
	if s.conn != nil {
		p.disconnect(context.Background(), s)
	}
	s.lock.Unlock()
}

// Shutdown stops the reaper and closes every connection.
func (p *Pool) Shutdown(ctx context.Context) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	ids := make([]string, 0, len(p.slots))
	for id := range p.slots {
		ids = append(ids, id)
	}
	p.mu.Unlock()

	close(p.stop)
	p.wg.Wait()

	for _, id := range ids {
		p.mu.Lock()
		s := p.slots[id]
		delete(p.slots, id)
		p.mu.Unlock()
		if s == nil {
			continue
		}
		s.closed.Store(true)
		if s.lock.TryLock() {
			p.finishClosed(s)
		}
	}
	logging.WithContext(ctx).Info("connection pool shut down", zap.Int("sessions", len(ids)))
}

// Live returns the number of slots holding a connection.
func (p *Pool) Live() int {
	p.mu.Lock()
	slots := make([]*slot, 0, len(p.slots))
	for _, s := range p.slots {
		slots = append(slots, s)
	}
	p.mu.Unlock()

	n := 0
	for _, s := range slots {
		if s.lock.TryLock() {
			if s.conn != nil && !s.closed.Load() {
				n++
			}
			p.unlock(s)
		} else {
			n++ // leased slots always hold a connection
		}
	}
	return n
}

// Health reports the health of a session's connection.
func (p *Pool) Health(sessionID string) (Health, bool) {
	p.mu.Lock()
	s, ok := p.slots[sessionID]
	p.mu.Unlock()
	if !ok {
		return HealthStale, false
	}
	if !s.lock.TryLock() {
		return HealthLive, true
	}
	defer p.unlock(s)
	if s.invalid.Load() {
		return HealthBroken, true
	}
	return s.health, true
}

// unlock releases a slot lock, finishing a Close that ran while it was held.
func (p *Pool) unlock(s *slot) {
	if s.closed.Load() && s.conn != nil {
		p.disconnect(context.Background(), s)
	}
	s.lock.Unlock()
}

// disconnect must run with the slot lock held.
func (p *Pool) disconnect(ctx context.Context, s *slot) {
	driver.Disconnect(ctx, s.conn)
	s.conn = nil
	metrics.ConnectionClosed()
}

func (p *Pool) reapLoop() {
	defer p.wg.Done()
	ticker := time.NewTicker(p.cfg.ReapInterval)
	defer ticker.Stop()
	for {
		select {
		case <-p.stop:
			return
		case <-ticker.C:
			p.reap()
		}
	}
}

// reap disconnects connections idle longer than IdleTimeout. Leased slots
// are skipped.
func (p *Pool) reap() {
	p.mu.Lock()
	slots := make(map[string]*slot, len(p.slots))
	for id, s := range p.slots {
		slots[id] = s
	}
	p.mu.Unlock()

	now := time.Now()
	for id, s := range slots {
		if !s.lock.TryLock() {
			continue
		}
		if s.conn != nil && now.Sub(s.lastUsed) > p.cfg.IdleTimeout {
			p.disconnect(context.Background(), s)
			s.health = HealthStale
			logging.Debug("idle connection closed", logging.Session(id))
		}
		p.unlock(s)
	}
}

// Lease is exclusive use of one session's connection.
type Lease struct {
	p        *Pool
	s        *slot
	t        Target
	released bool
}

// Conn returns the leased connection.
func (l *Lease) Conn() driver.Conn { return l.s.conn }

// ensure makes the slot hold a live connection.
func (l *Lease) ensure(ctx context.Context) error {
	s := l.s
	reason := ""
	switch {
	case s.invalid.Swap(false):
		s.health = HealthBroken
		reason = "broken"
	case s.conn == nil:
		reason = "missing"
	case s.health != HealthLive:
		reason = s.health.String()
	case l.p.cfg.ProbeAfter > 0 && time.Since(s.lastUsed) > l.p.cfg.ProbeAfter:
		if pinger, ok := s.conn.(driver.Pinger); ok {
			if err := pinger.Ping(ctx); err != nil {
				logging.WithContext(ctx).Debug("connection probe failed",
					logging.Session(l.t.SessionID), zap.Error(err))
				reason = "probe"
			}
		}
	}
	if reason == "" {
		return nil
	}
	metrics.RecordReconnect(reason)
	return l.Reconnect(ctx)
}

// Reconnect replaces the leased connection with a fresh one.
func (l *Lease) Reconnect(ctx context.Context) error {
	s := l.s
	if s.conn != nil {
		l.p.disconnect(ctx, s)
	}
	s.health = HealthBroken

	if l.t.Driver == nil || l.t.Credentials.Empty() {
		return fserr.New(fserr.KindConnection, "connect", "")
	}

	cfg := retry.Once(l.p.cfg.ConnectRetryWait)
	cfg.ShouldRetry = isTransientConnectErr
	conn, err := retry.DoWithResult(ctx, cfg, func() (driver.Conn, error) {
		return l.t.Driver.Connect(ctx, l.t.Credentials)
	})
	if err != nil {
		logging.WithContext(ctx).Warn("backend reconnect failed",
			logging.Session(l.t.SessionID), logging.Backend(l.t.Backend), zap.Error(err))
		if errors.Is(err, fserr.ErrAuthentication) {
			return err
		}
		return fserr.Classify("connect", "", err)
	}

	s.conn = conn
	s.health = HealthLive
	s.lastUsed = time.Now()
	metrics.ConnectionOpened()
	return nil
}

func isTransientConnectErr(err error) bool {
	if errors.Is(err, fserr.ErrAuthentication) || errors.Is(err, fserr.ErrInvalidArgument) {
		return false
	}
	return retry.IsRetryable(err)
}

// Invalidate drops the leased connection; the next use reconnects.
func (l *Lease) Invalidate() {
	if l.s.conn != nil {
		l.p.disconnect(context.Background(), l.s)
	}
	l.s.health = HealthBroken
}

// Release gives the slot to the next queued command. The connection stays
// open. Releasing twice is harmless.
func (l *Lease) Release() {
	if l.released {
		return
	}
	l.released = true
	l.s.lastUsed = time.Now()
	l.p.unlock(l.s)
}
