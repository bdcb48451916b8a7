package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestMutationCounters(t *testing.T) {
	m := New()

	m.MutationStarted("insert")
	m.MutationStarted("insert")
	m.MutationResolved("insert", OutcomeConfirmed)
	m.Conflict("insert")

	assert.Equal(t, 2.0, testutil.ToFloat64(m.mutationsStarted.WithLabelValues("insert")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.mutationsResolved.WithLabelValues("insert", OutcomeConfirmed)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.mutationsInflight))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.conflicts.WithLabelValues("insert")))
}

func TestRealtimeAndSession(t *testing.T) {
	m := New()

	m.RealtimeEvent("tasks", "update", "accepted")
	m.SessionTransition("ready")
	m.SessionTimeout()

	assert.Equal(t, 1.0, testutil.ToFloat64(m.realtimeEvents.WithLabelValues("tasks", "update", "accepted")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.sessionTransitions.WithLabelValues("ready")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.sessionTimeouts))
}

func TestNilSafe(t *testing.T) {
	var m *Metrics

	assert.NotPanics(t, func() {
		m.MutationStarted("insert")
		m.MutationResolved("insert", OutcomeRolledBack)
		m.Conflict("update")
		m.RealtimeEvent("tasks", "insert", "filtered")
		m.SessionTransition("ready")
		m.SessionTimeout()
	})
	assert.Nil(t, m.Registry())
}

func TestSeparateRegistries(t *testing.T) {
	a, b := New(), New()
	a.SessionTimeout()

	assert.Equal(t, 1.0, testutil.ToFloat64(a.sessionTimeouts))
	assert.Equal(t, 0.0, testutil.ToFloat64(b.sessionTimeouts))
	assert.NotSame(t, a.Registry(), b.Registry())
}
