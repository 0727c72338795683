package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/phrazzld/harvest-api/internal/domain"
	"github.com/phrazzld/harvest-api/internal/provider"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_RegistersOnGivenRegistry(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)
	m.RecordTick(time.Second, nil)
	m.SetJobCounts(map[domain.JobStatus]int{domain.JobStatusRunning: 1})

	families, err := reg.Gather()
	require.NoError(t, err)
	names := make([]string, 0, len(families))
	for _, f := range families {
		names = append(names, f.GetName())
	}
	assert.Contains(t, names, "harvest_worker_ticks_total")
	assert.Contains(t, names, "harvest_worker_tick_duration_seconds")
	assert.Contains(t, names, "harvest_worker_jobs")
}

func TestRecordTick(t *testing.T) {
	m := New(prometheus.NewRegistry())
	m.RecordTick(time.Second, nil)
	m.RecordTick(time.Second, nil)
	m.RecordTick(time.Second, errors.New("db down"))

	assert.Equal(t, 2.0, testutil.ToFloat64(m.TicksTotal.WithLabelValues("ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.TicksTotal.WithLabelValues("error")))
}

func TestRecordTaskFinished(t *testing.T) {
	m := New(prometheus.NewRegistry())
	m.RecordTaskFinished(domain.TaskStatusCompleted, 12)
	m.RecordTaskFinished(domain.TaskStatusFailed, 0)
	m.RecordRecovered(2)
	m.RecordScheduled(3)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.TasksFinished.WithLabelValues("completed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.TasksFinished.WithLabelValues("failed")))
	assert.Equal(t, 12.0, testutil.ToFloat64(m.ResultsStored))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.TasksRecovered))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.JobsScheduled))
}

func TestObserveCall(t *testing.T) {
	m := New(prometheus.NewRegistry())
	m.ObserveCall(domain.StarFilterFive, "", time.Second)
	m.ObserveCall(domain.StarFilterFive, provider.KindRateLimited, time.Second)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.ProviderCalls.WithLabelValues("five_star", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ProviderCalls.WithLabelValues("five_star", "rate_limited")))
}

func TestGauges(t *testing.T) {
	m := New(prometheus.NewRegistry())
	m.SetJobCounts(map[domain.JobStatus]int{domain.JobStatusQueued: 3})
	m.SetLockHeld(true)

	assert.Equal(t, 3.0, testutil.ToFloat64(m.Jobs.WithLabelValues("queued")))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.Jobs.WithLabelValues("running")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.LockHeld))

	m.SetLockHeld(false)
	assert.Equal(t, 0.0, testutil.ToFloat64(m.LockHeld))
}
