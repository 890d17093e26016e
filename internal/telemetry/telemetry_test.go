package telemetry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestObserveCounters(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	before := testutil.ToFloat64(resolveTotal.WithLabelValues("connection", OutcomeFound))
	ObserveResolve("connection", OutcomeFound)
	assert.InDelta(t, before+1, testutil.ToFloat64(resolveTotal.WithLabelValues("connection", OutcomeFound)), 0.001)

	before = testutil.ToFloat64(edgeTotal.WithLabelValues(OutcomeExists))
	ObserveEdge(OutcomeExists)
	assert.InDelta(t, before+1, testutil.ToFloat64(edgeTotal.WithLabelValues(OutcomeExists)), 0.001)

	before = testutil.ToFloat64(retryTotal.WithLabelValues(PurposeWrite))
	notify := RetryNotifier(PurposeWrite)
	notify(1, 100*time.Millisecond, errors.New("auth"))
	notify(2, 200*time.Millisecond, errors.New("auth"))
	assert.InDelta(t, before+2, testutil.ToFloat64(retryTotal.WithLabelValues(PurposeWrite)), 0.001)
}

func TestSpanHelpersWithoutSDK(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	ctx, span := StartSpan(context.Background(), "test.span", "kind", "leaf", "dangling")
	assert.NotNil(t, ctx)
	assert.NotPanics(t, func() { EndSpan(span, errors.New("boom")) })
}
