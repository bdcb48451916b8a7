// Package identity provides an in-process identity provider.
//
// Local stands in for an external authentication service: it issues stable
// principal IDs, tracks the signed-in principal, and pushes transitions to
// every open stream. It satisfies session.IdentityProvider.
package identity

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/roach88/optisync/internal/queue"
	"github.com/roach88/optisync/internal/session"
)

// ErrInvalidEmail is returned by SignIn for an address without a local part
// and domain.
var ErrInvalidEmail = errors.New("invalid email")

// PrincipalID derives the stable principal ID for email (UUIDv5 in the URL
// namespace over "mailto:<email>"). The same address always maps to the
// same ID.
func PrincipalID(email string) string {
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte("mailto:"+normalizeEmail(email))).String()
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// Option configures a Local provider.
type Option func(*Local)

// WithLatency delays every CurrentPrincipal call, to model a slow provider.
func WithLatency(d time.Duration) Option {
	return func(l *Local) { l.latency = d }
}

// WithLogger sets the logger.
func WithLogger(lg *slog.Logger) Option {
	return func(l *Local) {
		if lg != nil {
			l.logger = lg
		}
	}
}

// Local is an in-process identity provider. Safe for concurrent use.
type Local struct {
	latency time.Duration
	logger  *slog.Logger

	mu        sync.Mutex
	principal *session.Identity
	streams   map[*stream]struct{}
}

// NewLocal creates a provider with nobody signed in.
func NewLocal(opts ...Option) *Local {
	l := &Local{
		logger:  slog.Default(),
		streams: make(map[*stream]struct{}),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// SignIn authenticates email and notifies every stream.
func (l *Local) SignIn(email string, metadata map[string]any) (*session.Identity, error) {
	email = normalizeEmail(email)
	local, domain, ok := strings.Cut(email, "@")
	if !ok || local == "" || domain == "" {
		return nil, ErrInvalidEmail
	}

	id := &session.Identity{
		ID:       PrincipalID(email),
		Email:    email,
		Metadata: metadata,
	}

	l.mu.Lock()
	l.principal = id
	l.mu.Unlock()

	l.logger.Debug("principal signed in", "principal", id.ID)
	l.publish(session.IdentityEvent{Kind: session.EventSignedIn, Principal: id})
	return id, nil
}

// RefreshToken re-announces the current principal. It is a no-op when
// nobody is signed in.
func (l *Local) RefreshToken() {
	l.mu.Lock()
	p := l.principal
	l.mu.Unlock()
	if p == nil {
		return
	}
	l.publish(session.IdentityEvent{Kind: session.EventTokenRefreshed, Principal: p})
}

// CurrentPrincipal returns the signed-in principal, or nil.
func (l *Local) CurrentPrincipal(ctx context.Context) (*session.Identity, error) {
	if l.latency > 0 {
		t := time.NewTimer(l.latency)
		defer t.Stop()
		select {
		case <-t.C:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.principal, nil
}

// SignOut clears the principal and notifies every stream.
func (l *Local) SignOut(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	l.mu.Lock()
	was := l.principal
	l.principal = nil
	l.mu.Unlock()

	if was != nil {
		l.logger.Debug("principal signed out", "principal", was.ID)
	}
	l.publish(session.IdentityEvent{Kind: session.EventSignedOut})
	return nil
}

// WatchPrincipal opens a stream of identity changes. The stream closes
// when ctx is done or Close is called.
func (l *Local) WatchPrincipal(ctx context.Context) (session.IdentityStream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	st := &stream{owner: l, events: queue.New[session.IdentityEvent]()}

	l.mu.Lock()
	l.streams[st] = struct{}{}
	st.stop = context.AfterFunc(ctx, func() { st.Close() })
	l.mu.Unlock()
	return st, nil
}

// Streams returns the number of open streams.
func (l *Local) Streams() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.streams)
}

func (l *Local) publish(ev session.IdentityEvent) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for st := range l.streams {
		st.events.Enqueue(ev)
	}
}

func (l *Local) release(st *stream) {
	l.mu.Lock()
	delete(l.streams, st)
	stop := st.stop
	l.mu.Unlock()
	if stop != nil {
		stop()
	}
}

// stream delivers identity events in publish order.
type stream struct {
	owner  *Local
	events *queue.Queue[session.IdentityEvent]
	once   sync.Once

	// Guarded by owner.mu.
	stop func() bool
}

func (s *stream) Next(ctx context.Context) (session.IdentityEvent, error) {
	ev, err := s.events.Next(ctx)
	if errors.Is(err, queue.ErrClosed) {
		return session.IdentityEvent{}, session.ErrStreamClosed
	}
	return ev, err
}

func (s *stream) Close() error {
	s.once.Do(func() {
		s.owner.release(s)
		s.events.Close()
	})
	return nil
}
