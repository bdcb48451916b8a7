package session

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/roach88/optisync/internal/loop"
	"github.com/roach88/optisync/internal/syncerr"
)

func startLoop(t *testing.T) *loop.Loop {
	t.Helper()
	lp := loop.New()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = lp.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return lp
}

// fakeProvider is a scriptable identity provider.
type fakeProvider struct {
	mu        sync.Mutex
	principal *Identity
	err       error
	watchErr  error
	block     chan struct{}
	calls     atomic.Int32

	events  chan IdentityEvent
	streams []*fakeIdentityStream
}

func newFakeProvider(principal *Identity) *fakeProvider {
	return &fakeProvider{
		principal: principal,
		events:    make(chan IdentityEvent, 16),
	}
}

func (p *fakeProvider) CurrentPrincipal(ctx context.Context) (*Identity, error) {
	p.calls.Add(1)
	p.mu.Lock()
	block := p.block
	p.mu.Unlock()
	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.principal, p.err
}

func (p *fakeProvider) WatchPrincipal(ctx context.Context) (IdentityStream, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.watchErr != nil {
		return nil, p.watchErr
	}
	st := &fakeIdentityStream{events: p.events, closed: make(chan struct{})}
	p.streams = append(p.streams, st)
	return st, nil
}

func (p *fakeProvider) SignOut(ctx context.Context) error {
	p.mu.Lock()
	p.principal = nil
	p.mu.Unlock()
	p.events <- IdentityEvent{Kind: EventSignedOut}
	return nil
}

func (p *fakeProvider) signIn(id *Identity) {
	p.mu.Lock()
	p.principal = id
	p.mu.Unlock()
	p.events <- IdentityEvent{Kind: EventSignedIn, Principal: id}
}

type fakeIdentityStream struct {
	events chan IdentityEvent
	closed chan struct{}
	once   sync.Once
}

func (s *fakeIdentityStream) Next(ctx context.Context) (IdentityEvent, error) {
	select {
	case ev := <-s.events:
		return ev, nil
	case <-s.closed:
		return IdentityEvent{}, ErrStreamClosed
	case <-ctx.Done():
		return IdentityEvent{}, ctx.Err()
	}
}

func (s *fakeIdentityStream) Close() error {
	s.once.Do(func() { close(s.closed) })
	return nil
}

// fakeProfiles is an in-memory ProfileStore.
type fakeProfiles struct {
	mu        sync.Mutex
	byID      map[string]Profile
	findErr   error
	createErr error
	finds     atomic.Int32
	created   []Profile

	// block, when set, stalls FindProfile for the given principal.
	block map[string]chan struct{}
}

func newFakeProfiles(profiles ...Profile) *fakeProfiles {
	f := &fakeProfiles{byID: map[string]Profile{}, block: map[string]chan struct{}{}}
	for _, p := range profiles {
		f.byID[p.ID] = p
	}
	return f
}

func (f *fakeProfiles) FindProfile(ctx context.Context, id string) (Profile, error) {
	f.finds.Add(1)
	f.mu.Lock()
	block := f.block[id]
	f.mu.Unlock()
	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return Profile{}, ctx.Err()
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.findErr != nil {
		return Profile{}, f.findErr
	}
	p, ok := f.byID[id]
	if !ok {
		return Profile{}, syncerr.NotFound("profile.find", id)
	}
	return p, nil
}

func (f *fakeProfiles) CreateProfile(ctx context.Context, p Profile) (Profile, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return Profile{}, f.createErr
	}
	f.byID[p.ID] = p
	f.created = append(f.created, p)
	return p, nil
}

func resolved(t *testing.T, m *Manager) Session {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	s, err := m.Resolve(ctx)
	require.NoError(t, err)
	return s
}

func eventuallyStatus(t *testing.T, m *Manager, want Status) Session {
	t.Helper()
	require.Eventually(t, func() bool { return m.Current().Status == want }, 2*time.Second, 5*time.Millisecond)
	return m.Current()
}

func startManager(t *testing.T, idp IdentityProvider, profiles ProfileStore, opts ...Option) *Manager {
	t.Helper()
	m := NewManager(startLoop(t), idp, profiles, opts...)
	require.NoError(t, m.Start(context.Background()))
	t.Cleanup(m.Close)
	return m
}
