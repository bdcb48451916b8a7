package session

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/roach88/optisync/internal/loop"
	"github.com/roach88/optisync/internal/metrics"
	"github.com/roach88/optisync/internal/syncerr"
)

// DefaultResolveTimeout bounds how long a session may stay Initializing.
const DefaultResolveTimeout = 5 * time.Second

// ErrAlreadyStarted is returned by a second call to Start.
var ErrAlreadyStarted = errors.New("session manager already started")

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.logger = l
		}
	}
}

// WithMetrics enables instrumentation.
func WithMetrics(mt *metrics.Metrics) Option {
	return func(m *Manager) { m.metrics = mt }
}

// WithResolveTimeout overrides DefaultResolveTimeout.
func WithResolveTimeout(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.timeout = d
		}
	}
}

// outcome is the result of one resolution, computed off the loop.
type outcome struct {
	status    Status
	principal *Identity
	profile   *Profile
}

// Manager owns the Session.
//
// Thread-safety model:
//   - Start, Resolve, Refresh, SignOut, Current, Watch, Close: any goroutine
//     except the loop (Resolve and Refresh block)
//   - resolution state: loop goroutine only
type Manager struct {
	lp       *loop.Loop
	idp      IdentityProvider
	profiles ProfileStore
	logger   *slog.Logger
	metrics  *metrics.Metrics
	timeout  time.Duration
	flight   singleflight.Group

	// Loop-owned. gen identifies the latest resolution; results from older
	// generations are dropped.
	gen          uint64
	principal    *Identity
	profile      *Profile
	stopDeadline func() bool

	snap      atomic.Pointer[Session]
	settled   chan struct{}
	settleOne sync.Once

	mu       sync.Mutex
	cancel   context.CancelFunc
	stream   IdentityStream
	pumpDone chan struct{}
	watchers map[uint64]func(Session)
	nextW    uint64
}

// NewManager creates a Manager in the Initializing state. Call Start to
// begin resolution.
func NewManager(lp *loop.Loop, idp IdentityProvider, profiles ProfileStore, opts ...Option) *Manager {
	m := &Manager{
		lp:       lp,
		idp:      idp,
		profiles: profiles,
		logger:   slog.Default(),
		timeout:  DefaultResolveTimeout,
		settled:  make(chan struct{}),
		watchers: make(map[uint64]func(Session)),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.snap.Store(&Session{Status: StatusInitializing, caps: CapabilitySet{}})
	return m
}

// Start opens the identity stream, begins the first resolution and arms
// the bounded wait. A provider that cannot open a stream is logged and the
// manager runs without change notifications.
func (m *Manager) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)

	m.mu.Lock()
	if m.cancel != nil {
		m.mu.Unlock()
		cancel()
		return ErrAlreadyStarted
	}
	m.cancel = cancel
	m.mu.Unlock()

	stream, err := m.idp.WatchPrincipal(ctx)
	if err != nil {
		m.logger.Warn("identity stream unavailable", "error", err)
		stream = nil
	}

	if !m.lp.Post(func() { m.begin(ctx) }) {
		cancel()
		if stream != nil {
			stream.Close()
		}
		return loop.ErrStopped
	}

	if stream != nil {
		m.mu.Lock()
		m.stream = stream
		m.pumpDone = make(chan struct{})
		m.mu.Unlock()
		go m.pump(ctx, stream)
	}
	return nil
}

// Current returns the latest Session snapshot.
func (m *Manager) Current() Session {
	return *m.snap.Load()
}

// Resolve waits until the session has left Initializing (by resolution or
// by deadline) and returns it.
func (m *Manager) Resolve(ctx context.Context) (Session, error) {
	select {
	case <-m.settled:
		return m.Current(), nil
	case <-ctx.Done():
		return m.Current(), ctx.Err()
	}
}

// Refresh runs a fresh resolution against the provider's current principal
// and returns the session it produced. Concurrent calls share one
// resolution.
func (m *Manager) Refresh(ctx context.Context) (Session, error) {
	v, err, _ := m.flight.Do("refresh", func() (any, error) {
		gens := make(chan uint64, 1)
		if !m.lp.Post(func() { gens <- m.next() }) {
			return Session{}, loop.ErrStopped
		}
		var g uint64
		select {
		case g = <-gens:
		case <-ctx.Done():
			return Session{}, ctx.Err()
		}

		out, err := m.resolveCurrent(ctx, g)
		if err != nil {
			return Session{}, err
		}

		done := make(chan Session, 1)
		if !m.lp.Post(func() {
			m.apply(g, out, "refresh")
			done <- *m.snap.Load()
		}) {
			return Session{}, loop.ErrStopped
		}
		select {
		case s := <-done:
			return s, nil
		case <-ctx.Done():
			return Session{}, ctx.Err()
		}
	})
	if err != nil {
		return m.Current(), err
	}
	return v.(Session), nil
}

// SignOut asks the provider to end the session. The session is cleared
// when the sign-out arrives on the identity stream.
func (m *Manager) SignOut(ctx context.Context) error {
	if err := m.idp.SignOut(ctx); err != nil {
		return syncerr.Wrap("session.sign_out", m.Current().PrincipalID(), err)
	}

	m.mu.Lock()
	streaming := m.stream != nil
	m.mu.Unlock()
	if !streaming {
		m.lp.Post(func() { m.apply(m.next(), outcome{status: StatusUnauthenticated}, "sign_out") })
	}
	return nil
}

// Watch calls fn on the loop goroutine after every transition.
func (m *Manager) Watch(fn func(Session)) (cancel func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.nextW
	m.nextW++
	m.watchers[id] = fn
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.watchers, id)
	}
}

// Close cancels the identity stream and any in-flight resolution. The last
// Session stays readable.
func (m *Manager) Close() {
	m.mu.Lock()
	cancel, stream, done := m.cancel, m.stream, m.pumpDone
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if stream != nil {
		stream.Close()
	}
	if done != nil {
		<-done
	}
	m.lp.Post(func() {
		if m.stopDeadline != nil {
			m.stopDeadline()
		}
	})
}

// begin arms the deadline and starts the first resolution. Loop only.
func (m *Manager) begin(ctx context.Context) {
	m.stopDeadline = m.lp.After(m.timeout, m.expire)
	g := m.next()
	go func() {
		out, err := m.resolveCurrent(ctx, g)
		if err != nil {
			return
		}
		m.lp.Post(func() { m.apply(g, out, "start") })
	}()
}

// next starts a new generation. Loop only.
func (m *Manager) next() uint64 {
	m.gen++
	return m.gen
}

// resolveCurrent asks the provider for the principal and resolves its
// profile. Runs off the loop. Returns an error only when ctx ends.
func (m *Manager) resolveCurrent(ctx context.Context, g uint64) (outcome, error) {
	principal, err := m.idp.CurrentPrincipal(ctx)
	if ctx.Err() != nil {
		return outcome{}, ctx.Err()
	}
	if err != nil {
		m.logger.Warn("identity provider failed; session unauthenticated", "error", err)
		return outcome{status: StatusUnauthenticated}, nil
	}
	if principal == nil {
		return outcome{status: StatusUnauthenticated}, nil
	}

	m.lp.Post(func() { m.notePrincipal(g, principal) })
	return m.lookup(ctx, principal)
}

// lookup fetches the profile for principal, provisioning it on NotFound.
// Runs off the loop.
func (m *Manager) lookup(ctx context.Context, principal *Identity) (outcome, error) {
	out := outcome{status: StatusReady, principal: principal}
	log := m.logger.With("principal", principal.ID)

	p, err := m.profiles.FindProfile(ctx, principal.ID)
	if ctx.Err() != nil {
		return outcome{}, ctx.Err()
	}
	switch {
	case err == nil:
		out.profile = &p
	case syncerr.IsNotFound(err):
		log.Info("no profile; provisioning default")
		created, err := Provision(ctx, m.profiles, *principal)
		if ctx.Err() != nil {
			return outcome{}, ctx.Err()
		}
		if err != nil {
			log.Warn("profile provisioning failed; session degraded", "error", err)
			break
		}
		out.profile = &created
	default:
		log.Warn("profile fetch failed; session degraded", "error", err)
	}
	return out, nil
}

// notePrincipal records the principal as last-known while its profile is
// still being fetched. Loop only.
func (m *Manager) notePrincipal(g uint64, p *Identity) {
	if g != m.gen {
		return
	}
	m.principal, m.profile = p, nil
}

// apply installs out if it belongs to the latest generation. Loop only.
func (m *Manager) apply(g uint64, out outcome, reason string) {
	if g != m.gen {
		m.logger.Debug("stale session resolution dropped", "generation", g, "latest", m.gen)
		return
	}
	m.principal, m.profile = out.principal, out.profile
	m.transition(out.status, reason)
}

// expire forces an Initializing session to its last-known values. Loop only.
func (m *Manager) expire() {
	if m.Current().Status != StatusInitializing {
		return
	}
	status := StatusUnauthenticated
	if m.principal != nil {
		status = StatusReady
	}
	m.metrics.SessionTimeout()
	m.logger.Warn("session resolution timed out; using last-known state",
		"timeout", m.timeout,
		"status", status,
	)
	m.transition(status, "timeout")
}

// onIdentity handles one provider push. Loop only.
func (m *Manager) onIdentity(ctx context.Context, ev IdentityEvent) {
	g := m.next()
	m.logger.Debug("identity changed", "kind", ev.Kind, "generation", g)

	if ev.Principal == nil {
		m.apply(g, outcome{status: StatusUnauthenticated}, string(ev.Kind))
		return
	}
	m.notePrincipal(g, ev.Principal)
	go func() {
		out, err := m.lookup(ctx, ev.Principal)
		if err != nil {
			return
		}
		m.lp.Post(func() { m.apply(g, out, string(ev.Kind)) })
	}()
}

// transition publishes a new snapshot from the loop-owned state.
func (m *Manager) transition(status Status, reason string) {
	principal, profile := m.principal, m.profile
	if status != StatusReady {
		principal, profile = nil, nil
	}
	s := &Session{
		Principal: principal,
		Profile:   profile,
		Status:    status,
		Seq:       m.lp.Clock().Next(),
		caps:      capabilitiesOf(status, profile),
	}
	m.snap.Store(s)
	m.metrics.SessionTransition(status.String())
	m.logger.Info("session transition",
		"status", status,
		"principal", s.PrincipalID(),
		"role", s.Role(),
		"reason", reason,
	)

	if status != StatusInitializing {
		m.settleOne.Do(func() {
			close(m.settled)
			if m.stopDeadline != nil {
				m.stopDeadline()
			}
		})
	}
	m.broadcast(*s)
}

func (m *Manager) broadcast(s Session) {
	m.mu.Lock()
	ids := make([]uint64, 0, len(m.watchers))
	for id := range m.watchers {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	fns := make([]func(Session), 0, len(ids))
	for _, id := range ids {
		fns = append(fns, m.watchers[id])
	}
	m.mu.Unlock()

	for _, fn := range fns {
		fn(s)
	}
}

func (m *Manager) pump(ctx context.Context, stream IdentityStream) {
	defer close(m.pumpDone)
	for {
		ev, err := stream.Next(ctx)
		if err != nil {
			if errors.Is(err, ErrStreamClosed) || ctx.Err() != nil {
				m.logger.Debug("identity stream released")
				return
			}
			m.logger.Warn("identity stream failed", "error", err)
			return
		}
		if !m.lp.Post(func() { m.onIdentity(ctx, ev) }) {
			return
		}
	}
}
