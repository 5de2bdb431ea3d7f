package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestBankIsSingleton(t *testing.T) {
	require.Same(t, Bank(), Bank())
}

func TestObserveInvocation(t *testing.T) {
	m := Bank()
	committed := testutil.ToFloat64(m.invocations.WithLabelValues("deposit", "committed"))
	failed := testutil.ToFloat64(m.invocations.WithLabelValues("deposit", "failed"))

	m.ObserveInvocation("deposit", nil, 10*time.Millisecond)
	m.ObserveInvocation("deposit", errors.New("boom"), time.Millisecond)

	require.Equal(t, committed+1, testutil.ToFloat64(m.invocations.WithLabelValues("deposit", "committed")))
	require.Equal(t, failed+1, testutil.ToFloat64(m.invocations.WithLabelValues("deposit", "failed")))
}

func TestCounters(t *testing.T) {
	m := Bank()
	before := testutil.ToFloat64(m.historyDropped)
	m.RecordHistoryDropped()
	require.Equal(t, before+1, testutil.ToFloat64(m.historyDropped))

	throttled := testutil.ToFloat64(m.throttles.WithLabelValues("unknown"))
	m.RecordThrottle("")
	require.Equal(t, throttled+1, testutil.ToFloat64(m.throttles.WithLabelValues("unknown")))
}

func TestNilReceiverIsSafe(t *testing.T) {
	var m *BankMetrics
	require.NotPanics(t, func() {
		m.ObserveInvocation("deposit", nil, 0)
		m.RecordViewEmission()
		m.RecordResubscribe()
		m.RecordBootstrapAttempt("deploy", nil)
		m.RecordHistoryDropped()
		m.RecordClaimOverwrite()
		m.RecordThrottle("x")
	})
}
