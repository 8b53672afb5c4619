package metrics

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"kvimport/pkg/kverrors"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	require.Nil(t, New(nil))

	m.OnEngineOp("open", nil)
	m.OnStreamStart()
	m.OnStreamStop()
	m.OnBatchApplied(3, 10)
	m.OnWriteError(kverrors.KindSinkWrite)
	m.OnFlush(time.Millisecond)
	m.OnFinalize(time.Millisecond)
}

func TestCollectors(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.OnEngineOp("open", nil)
	m.OnEngineOp("open", nil)
	m.OnEngineOp("open", errors.New("exists"))
	m.OnEngineOp("close", nil)
	require.Equal(t, 1.0, testutil.ToFloat64(m.openEngines))
	require.Equal(t, 2.0, testutil.ToFloat64(m.engineOps.WithLabelValues("open", "ok")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.engineOps.WithLabelValues("open", "error")))

	m.OnEngineOp("open", nil)
	m.OnEngineOp("close", fmt.Errorf("close: %w", kverrors.ErrEngineNotFound))
	require.Equal(t, 2.0, testutil.ToFloat64(m.openEngines))
	m.OnEngineOp("close", fmt.Errorf("%w: finalize", kverrors.ErrSinkWrite))
	require.Equal(t, 1.0, testutil.ToFloat64(m.openEngines))
	require.Equal(t, 2.0, testutil.ToFloat64(m.engineOps.WithLabelValues("close", "error")))

	m.OnBatchApplied(4, 100)
	m.OnWriteError(kverrors.KindEngineNotFound)
	m.OnWriteError(kverrors.KindSinkWrite)
	require.Equal(t, 1.0, testutil.ToFloat64(m.batches.WithLabelValues("applied")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.batches.WithLabelValues("rejected")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.batches.WithLabelValues("failed")))
	require.Equal(t, 4.0, testutil.ToFloat64(m.mutations))
	require.Equal(t, 1.0, testutil.ToFloat64(m.writeErrors.WithLabelValues("SinkWriteError")))

	families, err := reg.Gather()
	require.NoError(t, err)
	require.NotEmpty(t, families)
}
