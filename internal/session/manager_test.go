package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var alice = &Identity{ID: "u-alice", Email: "alice@example.com", Metadata: map[string]any{"full_name": "Alice Liddell"}}

func TestResolve_ExistingProfileIsReady(t *testing.T) {
	profiles := newFakeProfiles(Profile{ID: "u-alice", Name: "Alice", Role: RoleLead, MemberCode: "0042"})
	m := startManager(t, newFakeProvider(alice), profiles)

	s := resolved(t, m)

	assert.Equal(t, StatusReady, s.Status)
	require.NotNil(t, s.Profile)
	assert.Equal(t, RoleLead, s.Profile.Role)
	assert.Equal(t, "u-alice", s.PrincipalID())
	assert.True(t, s.Can(CapMemberManage))
	assert.False(t, s.Degraded())
	assert.Positive(t, s.Seq)
}

func TestResolve_MissingProfileIsProvisioned(t *testing.T) {
	profiles := newFakeProfiles()
	m := startManager(t, newFakeProvider(alice), profiles)

	s := resolved(t, m)

	assert.Equal(t, StatusReady, s.Status)
	require.NotNil(t, s.Profile)
	assert.Equal(t, "Alice Liddell", s.Profile.Name)
	assert.Equal(t, DefaultRole, s.Profile.Role)
	assert.Equal(t, DefaultMemberCode, s.Profile.MemberCode)
	require.Len(t, profiles.created, 1)
	assert.Equal(t, "u-alice", profiles.created[0].ID)
}

func TestResolve_NoPrincipalSkipsProfileFetch(t *testing.T) {
	profiles := newFakeProfiles()
	m := startManager(t, newFakeProvider(nil), profiles)

	s := resolved(t, m)

	assert.Equal(t, StatusUnauthenticated, s.Status)
	assert.Nil(t, s.Principal)
	assert.Nil(t, s.Profile)
	assert.Equal(t, int32(0), profiles.finds.Load())
	assert.False(t, s.Can(CapTaskCreate))
}

func TestResolve_ProviderErrorIsUnauthenticated(t *testing.T) {
	idp := newFakeProvider(alice)
	idp.err = errors.New("provider down")
	m := startManager(t, idp, newFakeProfiles())

	s := resolved(t, m)

	assert.Equal(t, StatusUnauthenticated, s.Status)
	assert.Nil(t, s.Principal)
}

func TestResolve_FetchErrorIsDegraded(t *testing.T) {
	profiles := newFakeProfiles()
	profiles.findErr = errors.New("connection refused")
	m := startManager(t, newFakeProvider(alice), profiles)

	s := resolved(t, m)

	assert.Equal(t, StatusReady, s.Status)
	assert.Nil(t, s.Profile)
	assert.True(t, s.Degraded())
	assert.Empty(t, profiles.created)
	assert.True(t, s.Can(CapTaskCreate))
	assert.False(t, s.Can(CapTaskAssign))
}

func TestResolve_ProvisioningFailureIsDegraded(t *testing.T) {
	profiles := newFakeProfiles()
	profiles.createErr = errors.New("insert failed")
	m := startManager(t, newFakeProvider(alice), profiles)

	s := resolved(t, m)

	assert.Equal(t, StatusReady, s.Status)
	assert.Nil(t, s.Profile)
	assert.NotNil(t, s.Principal)
}

func TestResolve_BoundedWait(t *testing.T) {
	idp := newFakeProvider(alice)
	idp.block = make(chan struct{})
	const timeout = 50 * time.Millisecond

	startedAt := time.Now()
	m := startManager(t, idp, newFakeProfiles(), WithResolveTimeout(timeout))
	s := resolved(t, m)
	elapsed := time.Since(startedAt)

	assert.Equal(t, StatusUnauthenticated, s.Status)
	assert.GreaterOrEqual(t, elapsed, timeout)
	assert.Less(t, elapsed, timeout+time.Second)

	// A late result from the latest resolution still lands.
	close(idp.block)
	s = eventuallyStatus(t, m, StatusReady)
	assert.Equal(t, "u-alice", s.PrincipalID())
}

func TestResolve_DeadlineKeepsKnownPrincipal(t *testing.T) {
	profiles := newFakeProfiles()
	profiles.block["u-alice"] = make(chan struct{})
	m := startManager(t, newFakeProvider(alice), profiles, WithResolveTimeout(50*time.Millisecond))

	s := resolved(t, m)

	assert.Equal(t, StatusReady, s.Status)
	assert.Equal(t, "u-alice", s.PrincipalID())
	assert.Nil(t, s.Profile)
	close(profiles.block["u-alice"])
}

func TestIdentityEvents_SignInAndOut(t *testing.T) {
	idp := newFakeProvider(nil)
	profiles := newFakeProfiles(Profile{ID: "u-alice", Name: "Alice", Role: RoleManager})
	m := startManager(t, idp, profiles)

	var mu sync.Mutex
	var seen []Status
	m.Watch(func(s Session) {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, s.Status)
	})

	require.Equal(t, StatusUnauthenticated, resolved(t, m).Status)

	idp.signIn(alice)
	s := eventuallyStatus(t, m, StatusReady)
	assert.Equal(t, RoleManager, s.Role())
	assert.True(t, s.Can(CapTaskAssign))

	require.NoError(t, m.SignOut(context.Background()))
	s = eventuallyStatus(t, m, StatusUnauthenticated)
	assert.Nil(t, s.Principal)
	assert.Nil(t, s.Profile)

	mu.Lock()
	defer mu.Unlock()
	assert.Contains(t, seen, StatusReady)
	assert.Equal(t, StatusUnauthenticated, seen[len(seen)-1])
}

func TestIdentityEvents_StaleResolutionIsDropped(t *testing.T) {
	bob := &Identity{ID: "u-bob", Email: "bob@example.com"}
	idp := newFakeProvider(alice)
	profiles := newFakeProfiles(
		Profile{ID: "u-alice", Name: "Alice", Role: RoleLead},
		Profile{ID: "u-bob", Name: "Bob", Role: RoleMember},
	)
	aliceGate := make(chan struct{})
	profiles.block["u-alice"] = aliceGate
	m := startManager(t, idp, profiles)

	// Alice's profile fetch hangs; Bob signs in meanwhile.
	require.Eventually(t, func() bool { return profiles.finds.Load() == 1 }, time.Second, 5*time.Millisecond)
	idp.signIn(bob)
	s := eventuallyStatus(t, m, StatusReady)
	assert.Equal(t, "u-bob", s.PrincipalID())

	close(aliceGate)
	require.Eventually(t, func() bool { return profiles.finds.Load() == 2 }, time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, "u-bob", m.Current().PrincipalID())
}

func TestRefresh_ReresolvesProfile(t *testing.T) {
	profiles := newFakeProfiles(Profile{ID: "u-alice", Name: "Alice", Role: RoleMember})
	m := startManager(t, newFakeProvider(alice), profiles)
	require.Equal(t, RoleMember, resolved(t, m).Role())

	profiles.mu.Lock()
	profiles.byID["u-alice"] = Profile{ID: "u-alice", Name: "Alice", Role: RoleLead}
	profiles.mu.Unlock()

	s, err := m.Refresh(context.Background())
	require.NoError(t, err)
	assert.Equal(t, RoleLead, s.Role())
	assert.Equal(t, RoleLead, m.Current().Role())
}

func TestRefresh_ConcurrentCallersAgree(t *testing.T) {
	m := startManager(t, newFakeProvider(alice), newFakeProfiles())
	resolved(t, m)

	var wg sync.WaitGroup
	results := make([]Session, 4)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			s, err := m.Refresh(context.Background())
			assert.NoError(t, err)
			results[i] = s
		}(i)
	}
	wg.Wait()

	for _, s := range results {
		assert.Equal(t, StatusReady, s.Status)
		assert.Equal(t, "u-alice", s.PrincipalID())
	}
}

func TestStart_WithoutStreamStillResolves(t *testing.T) {
	idp := newFakeProvider(alice)
	idp.watchErr = errors.New("streaming unsupported")
	m := startManager(t, idp, newFakeProfiles())

	assert.Equal(t, StatusReady, resolved(t, m).Status)

	require.NoError(t, m.SignOut(context.Background()))
	eventuallyStatus(t, m, StatusUnauthenticated)
}

func TestStart_Twice(t *testing.T) {
	m := startManager(t, newFakeProvider(nil), newFakeProfiles())
	assert.ErrorIs(t, m.Start(context.Background()), ErrAlreadyStarted)
}

func TestClose_ReleasesStream(t *testing.T) {
	idp := newFakeProvider(nil)
	m := NewManager(startLoop(t), idp, newFakeProfiles())
	require.NoError(t, m.Start(context.Background()))
	resolved(t, m)

	m.Close()

	idp.mu.Lock()
	defer idp.mu.Unlock()
	require.Len(t, idp.streams, 1)
	select {
	case <-idp.streams[0].closed:
	default:
		t.Fatal("identity stream not closed")
	}
}

func TestNewManager_StartsInitializing(t *testing.T) {
	m := NewManager(startLoop(t), newFakeProvider(nil), newFakeProfiles())

	s := m.Current()
	assert.Equal(t, StatusInitializing, s.Status)
	assert.Empty(t, s.Capabilities())

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := m.Resolve(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
