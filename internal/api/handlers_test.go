package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/phrazzld/harvest-api/internal/api"
	"github.com/phrazzld/harvest-api/internal/api/middleware"
	"github.com/phrazzld/harvest-api/internal/api/shared"
	"github.com/phrazzld/harvest-api/internal/domain"
	"github.com/phrazzld/harvest-api/internal/mocks"
	"github.com/phrazzld/harvest-api/internal/platform/logger"
	"github.com/phrazzld/harvest-api/internal/service"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testNow = time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)

type testAPI struct {
	router http.Handler
	ledger *mocks.Ledger
}

func newTestAPI(t *testing.T) *testAPI {
	t.Helper()
	log, _ := logger.GetTestLogger(t)
	l := mocks.NewLedger()
	clock := service.WithClock(func() time.Time { return testNow })

	jobs, err := service.NewJobService(l.Jobs(), l.Tasks(), l.Reviews(), log, clock)
	require.NoError(t, err)
	entities, err := service.NewEntityService(l.Entities(), log, clock)
	require.NoError(t, err)

	r := chi.NewRouter()
	r.Use(middleware.NewTraceMiddleware(log))
	r.Route("/api", func(r chi.Router) {
		api.NewJobHandler(jobs).Routes(r)
		api.NewEntityHandler(entities).Routes(r)
	})
	return &testAPI{router: r, ledger: l}
}

func (a *testAPI) do(t *testing.T, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if raw, ok := body.(string); ok {
			buf.WriteString(raw)
		} else {
			require.NoError(t, json.NewEncoder(&buf).Encode(body))
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()
	a.router.ServeHTTP(rr, req)
	return rr
}

func decode[T any](t *testing.T, rr *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &v), rr.Body.String())
	return v
}

func (a *testAPI) createJob(t *testing.T, asins ...string) *domain.Job {
	t.Helper()
	rr := a.do(t, http.MethodPost, "/api/jobs", map[string]interface{}{"asins": asins})
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	return decode[*domain.Job](t, rr)
}

func TestJobHandler_CreateJob(t *testing.T) {
	t.Parallel()

	t.Run("creates queued job", func(t *testing.T) {
		t.Parallel()
		a := newTestAPI(t)

		rr := a.do(t, http.MethodPost, "/api/jobs", map[string]interface{}{
			"name":   "launch week",
			"asins":  []string{"b08n5wrwnw", "B09B8V1LZ3", "B08N5WRWNW"},
			"config": map[string]interface{}{"marketplace": "de", "star_filters": []string{"five_star", "one_star"}},
		})

		require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
		assert.NotEmpty(t, rr.Header().Get(shared.TraceIDHeader))
		job := decode[*domain.Job](t, rr)
		assert.Equal(t, domain.JobStatusQueued, job.Status)
		assert.Equal(t, "launch week", job.Name)
		assert.Equal(t, "de", job.Config.Marketplace)
		assert.Equal(t, domain.DefaultCallDelay, job.Config.CallDelay, "blank delay takes the safe default")
		assert.Len(t, a.ledger.TasksOf(job.ID), 2)
	})

	t.Run("reads pacing in seconds", func(t *testing.T) {
		t.Parallel()
		a := newTestAPI(t)

		rr := a.do(t, http.MethodPost, "/api/jobs", map[string]interface{}{
			"asins":  []string{"B08N5WRWNW"},
			"config": map[string]interface{}{"call_delay_seconds": 5, "task_timeout_seconds": 900},
		})

		require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
		assert.Contains(t, rr.Body.String(), `"call_delay_seconds":5`)
		job := decode[*domain.Job](t, rr)
		assert.Equal(t, 5*time.Second, job.Config.CallDelay)
		assert.Equal(t, 15*time.Minute, job.Config.TaskTimeout)
	})

	tests := []struct {
		name    string
		body    interface{}
		message string
	}{
		{"malformed json", `{"asins": [`, "Invalid request format"},
		{"unknown field", `{"asins": ["B08N5WRWNW"], "priority": 1}`, "Invalid request format"},
		{"raw duration", `{"asins": ["B08N5WRWNW"], "config": {"call_delay": 10}}`, "Invalid request format"},
		{"no products", map[string]interface{}{"asins": []string{}}, "Invalid asins: too short"},
		{"bad asin", map[string]interface{}{"asins": []string{"B08"}}, "Invalid ASIN: expected 10 letters or digits"},
		{
			"unknown marketplace",
			map[string]interface{}{"asins": []string{"B08N5WRWNW"}, "config": map[string]interface{}{"marketplace": "zz"}},
			`Invalid job configuration: unknown marketplace "zz"`,
		},
		{
			"unknown star filter",
			map[string]interface{}{"asins": []string{"B08N5WRWNW"}, "config": map[string]interface{}{"star_filters": []string{"six_star"}}},
			"Unknown star filter",
		},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			a := newTestAPI(t)

			rr := a.do(t, http.MethodPost, "/api/jobs", tt.body)

			assert.Equal(t, http.StatusBadRequest, rr.Code)
			resp := decode[shared.ErrorResponse](t, rr)
			assert.Equal(t, tt.message, resp.Error)
			assert.NotEmpty(t, resp.TraceID)
		})
	}
}

func TestJobHandler_GetJob(t *testing.T) {
	t.Parallel()
	a := newTestAPI(t)
	job := a.createJob(t, "B08N5WRWNW", "B09B8V1LZ3")

	rr := a.do(t, http.MethodGet, "/api/jobs/"+job.ID.String(), nil)
	require.Equal(t, http.StatusOK, rr.Code)
	got := decode[service.JobWithTasks](t, rr)
	assert.Equal(t, job.ID, got.ID)
	require.Len(t, got.Tasks, 2)
	assert.Equal(t, "B08N5WRWNW", got.Tasks[0].WorkUnit)

	rr = a.do(t, http.MethodGet, "/api/jobs/"+uuid.NewString(), nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)
	assert.Equal(t, "Job not found", decode[shared.ErrorResponse](t, rr).Error)

	rr = a.do(t, http.MethodGet, "/api/jobs/not-a-uuid", nil)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestJobHandler_ListJobs(t *testing.T) {
	t.Parallel()
	a := newTestAPI(t)
	a.createJob(t, "B08N5WRWNW")
	a.createJob(t, "B09B8V1LZ3")

	rr := a.do(t, http.MethodGet, "/api/jobs?status=queued&limit=1", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	page := decode[api.ListJobsResponse](t, rr)
	assert.Len(t, page.Jobs, 1)
	assert.Equal(t, 1, page.Limit)

	rr = a.do(t, http.MethodGet, "/api/jobs?limit=1000", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	page = decode[api.ListJobsResponse](t, rr)
	assert.Len(t, page.Jobs, 2)
	assert.Equal(t, service.MaxListLimit, page.Limit)

	rr = a.do(t, http.MethodGet, "/api/jobs?status=finished", nil)
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = a.do(t, http.MethodGet, "/api/jobs?offset=-3", nil)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestJobHandler_CancelJob(t *testing.T) {
	t.Parallel()
	a := newTestAPI(t)
	job := a.createJob(t, "B08N5WRWNW")

	rr := a.do(t, http.MethodPost, "/api/jobs/"+job.ID.String()+"/cancel", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, domain.JobStatusCancelled, decode[*domain.Job](t, rr).Status)
	assert.Equal(t, domain.TaskStatusPending, a.ledger.TasksOf(job.ID)[0].Status)

	rr = a.do(t, http.MethodPost, "/api/jobs/"+job.ID.String()+"/cancel", nil)
	assert.Equal(t, http.StatusConflict, rr.Code)
	assert.Equal(t, "Job has already finished and cannot be cancelled", decode[shared.ErrorResponse](t, rr).Error)
}

func TestJobHandler_RetryFailed(t *testing.T) {
	t.Parallel()
	a := newTestAPI(t)
	job := a.createJob(t, "B08N5WRWNW", "B09B8V1LZ3")

	rr := a.do(t, http.MethodPost, "/api/jobs/"+job.ID.String()+"/retry", nil)
	assert.Equal(t, http.StatusConflict, rr.Code, "queued jobs are not retryable")

	stored := a.ledger.Job(job.ID)
	stored.Status = domain.JobStatusPartial
	a.ledger.PutJob(stored)
	tasks := a.ledger.TasksOf(job.ID)
	tasks[0].Status = domain.TaskStatusCompleted
	tasks[1].Status = domain.TaskStatusFailed
	tasks[1].ErrorMessage = "provider run failed"
	a.ledger.PutTask(tasks[0])
	a.ledger.PutTask(tasks[1])

	rr = a.do(t, http.MethodPost, "/api/jobs/"+job.ID.String()+"/retry", nil)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	assert.Equal(t, 1, decode[api.RetryResponse](t, rr).Retried)
	assert.Equal(t, domain.JobStatusRunning, a.ledger.Job(job.ID).Status)
	assert.Equal(t, domain.TaskStatusPending, a.ledger.Task(tasks[1].ID).Status)
}

func TestJobHandler_DeleteJob(t *testing.T) {
	t.Parallel()
	a := newTestAPI(t)
	job := a.createJob(t, "B08N5WRWNW")

	rr := a.do(t, http.MethodDelete, "/api/jobs/"+job.ID.String(), nil)
	assert.Equal(t, http.StatusNoContent, rr.Code)
	assert.Empty(t, rr.Body.String())
	assert.Nil(t, a.ledger.Job(job.ID))

	rr = a.do(t, http.MethodDelete, "/api/jobs/"+job.ID.String(), nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestJobHandler_CheckHistory(t *testing.T) {
	t.Parallel()
	a := newTestAPI(t)
	jobID := uuid.New()
	key := domain.EntityKey{WorkUnit: "B08N5WRWNW", Marketplace: "co.uk"}
	require.NoError(t, a.ledger.Reviews().Record(context.Background(), key, jobID, testNow))

	rr := a.do(t, http.MethodPost, "/api/asins/check", map[string]interface{}{
		"asins":       []string{"b08n5wrwnw", "B09B8V1LZ3"},
		"marketplace": "co.uk",
	})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	resp := decode[api.CheckHistoryResponse](t, rr)
	require.Len(t, resp.Results, 2)
	assert.True(t, resp.Results[0].PreviouslyScraped)
	assert.Equal(t, jobID, *resp.Results[0].LastJobID)
	assert.Equal(t, 1, resp.Results[0].TotalScrapes)
	assert.False(t, resp.Results[1].PreviouslyScraped)
	assert.Equal(t, 1, resp.PreviouslySeen)
	assert.True(t, resp.RequiresConfirm)

	rr = a.do(t, http.MethodPost, "/api/asins/check", map[string]interface{}{"asins": []string{}})
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = a.do(t, http.MethodPost, "/api/asins/check", map[string]interface{}{
		"asins": []string{"B08N5WRWNW"}, "marketplace": "moon",
	})
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestEntityHandler_Lifecycle(t *testing.T) {
	t.Parallel()
	a := newTestAPI(t)

	rr := a.do(t, http.MethodPost, "/api/entities", map[string]interface{}{
		"asin":         "b08n5wrwnw",
		"marketplace":  "com",
		"display_name": "Echo Dot",
		"policy":       map[string]interface{}{"kind": "weekly"},
	})
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	entity := decode[*domain.MonitoredEntity](t, rr)
	assert.Equal(t, "B08N5WRWNW", entity.WorkUnit)
	require.NotNil(t, entity.NextDueAt)
	assert.True(t, entity.NextDueAt.Equal(testNow))

	rr = a.do(t, http.MethodPost, "/api/entities", map[string]interface{}{
		"asin": "B08N5WRWNW", "marketplace": "com", "policy": map[string]interface{}{"kind": "daily"},
	})
	assert.Equal(t, http.StatusConflict, rr.Code)

	rr = a.do(t, http.MethodPut, "/api/entities/"+entity.ID.String()+"/policy", map[string]interface{}{
		"policy": map[string]interface{}{"kind": "custom_days", "days": 0},
	})
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = a.do(t, http.MethodPut, "/api/entities/"+entity.ID.String()+"/policy", map[string]interface{}{
		"policy": map[string]interface{}{"kind": "cron", "expr": "0 6 * * 1"},
	})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	assert.Equal(t, domain.PolicyCron, decode[*domain.MonitoredEntity](t, rr).Policy.Kind)

	rr = a.do(t, http.MethodGet, "/api/entities", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Len(t, decode[[]*domain.MonitoredEntity](t, rr), 1)

	rr = a.do(t, http.MethodDelete, "/api/entities/"+entity.ID.String(), nil)
	require.Equal(t, http.StatusOK, rr.Code)
	unwatched := decode[*domain.MonitoredEntity](t, rr)
	assert.False(t, unwatched.Active)
	assert.Nil(t, unwatched.NextDueAt)

	rr = a.do(t, http.MethodDelete, "/api/entities/"+uuid.NewString(), nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)
	assert.Equal(t, "Monitored product not found", decode[shared.ErrorResponse](t, rr).Error)
}
