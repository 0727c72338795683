package apify

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/phrazzld/harvest-api/internal/domain"
	"github.com/phrazzld/harvest-api/internal/provider"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testActor = "axesso_data~amazon-reviews-scraper"

func newTestClient(t *testing.T, srv *httptest.Server) *Client {
	t.Helper()
	c, err := NewClient(Config{
		BaseURL:      srv.URL,
		Token:        "apify_api_secret",
		ActorID:      testActor,
		PollInterval: time.Millisecond,
		HTTPTimeout:  time.Second,
	}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	return c
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func TestFetchReviews_Success(t *testing.T) {
	t.Parallel()

	var polls atomic.Int32
	var gotInput map[string][]map[string]any

	mux := http.NewServeMux()
	mux.HandleFunc("POST /v2/acts/"+testActor+"/runs", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer apify_api_secret", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotInput))
		writeJSON(w, http.StatusCreated, map[string]any{"data": map[string]any{"id": "run-1", "status": "READY"}})
	})
	mux.HandleFunc("GET /v2/actor-runs/run-1", func(w http.ResponseWriter, r *http.Request) {
		status := "RUNNING"
		if polls.Add(1) >= 2 {
			status = "SUCCEEDED"
		}
		writeJSON(w, http.StatusOK, map[string]any{"data": map[string]any{
			"id": "run-1", "status": status, "defaultDatasetId": "ds-1",
		}})
	})
	mux.HandleFunc("GET /v2/datasets/ds-1/items", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, []map[string]any{
			{"reviewId": "R1", "title": "Great", "rating": 5, "numberOfHelpful": 3, "productTitle": "Echo Dot", "verified": true},
			{"reviewId": "R2", "title": "Fine", "rating": "4.0 out of 5 stars", "numberOfHelpful": "1,024"},
		})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	var started string
	page, err := newTestClient(t, srv).FetchReviews(context.Background(), provider.Request{
		WorkUnit:     "B08N5WRWNW",
		Variant:      domain.StarFilterFive,
		MaxPages:     2,
		Marketplace:  "com",
		SortBy:       "recent",
		ReviewerType: "all_reviews",
	}, func(ctx context.Context, handle string) { started = handle })

	require.NoError(t, err)
	assert.Equal(t, "run-1", started)
	assert.Equal(t, "run-1", page.Handle)
	require.Len(t, page.Items, 2)

	assert.Equal(t, "R1", page.Items[0].NaturalKey)
	assert.Equal(t, "Echo Dot", page.Items[0].ProductTitle)
	require.NotNil(t, page.Items[0].Rating)
	assert.Equal(t, 5.0, *page.Items[0].Rating)
	assert.Equal(t, 3, page.Items[0].HelpfulCount)
	assert.True(t, page.Items[0].Verified)
	assert.NotEmpty(t, page.Items[0].Raw)

	require.NotNil(t, page.Items[1].Rating)
	assert.Equal(t, 4.0, *page.Items[1].Rating)
	assert.Equal(t, 1024, page.Items[1].HelpfulCount)

	require.Len(t, gotInput["input"], 1)
	in := gotInput["input"][0]
	assert.Equal(t, "B08N5WRWNW", in["asin"])
	assert.Equal(t, "com", in["domainCode"])
	assert.Equal(t, "five_star", in["filterByStar"])
	assert.NotContains(t, in, "filterByKeyword")
}

func TestFetchReviews_AllStarsOmitsFilter(t *testing.T) {
	t.Parallel()

	in := buildInput(provider.Request{WorkUnit: "B08N5WRWNW", Variant: domain.StarFilterAll, KeywordFilter: "battery"})
	assert.Empty(t, in["input"][0].FilterByStar)
	assert.Equal(t, "battery", in["input"][0].FilterByKeyword)
}

func TestFetchReviews_StatusClassification(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		status int
		kind   provider.Kind
	}{
		{"not found", http.StatusNotFound, provider.KindNotFound},
		{"rate limited", http.StatusTooManyRequests, provider.KindRateLimited},
		{"server error", http.StatusBadGateway, provider.KindTransient},
		{"bad request", http.StatusBadRequest, provider.KindUnknown},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				writeJSON(w, tt.status, map[string]any{"error": map[string]any{"type": "x"}})
			}))
			defer srv.Close()

			_, err := newTestClient(t, srv).FetchReviews(context.Background(),
				provider.Request{WorkUnit: "B08N5WRWNW", Variant: domain.StarFilterFour}, nil)
			require.Error(t, err)
			assert.Equal(t, tt.kind, provider.KindOf(err))
		})
	}
}

func TestFetchReviews_RunFailure(t *testing.T) {
	t.Parallel()

	tests := []struct {
		status string
		kind   provider.Kind
	}{
		{"FAILED", provider.KindUnknown},
		{"ABORTED", provider.KindUnknown},
		{"TIMED-OUT", provider.KindTransient},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.status, func(t *testing.T) {
			t.Parallel()
			mux := http.NewServeMux()
			mux.HandleFunc("POST /v2/acts/"+testActor+"/runs", func(w http.ResponseWriter, r *http.Request) {
				writeJSON(w, http.StatusCreated, map[string]any{"data": map[string]any{"id": "run-9", "status": "READY"}})
			})
			mux.HandleFunc("GET /v2/actor-runs/run-9", func(w http.ResponseWriter, r *http.Request) {
				writeJSON(w, http.StatusOK, map[string]any{"data": map[string]any{"id": "run-9", "status": tt.status}})
			})
			srv := httptest.NewServer(mux)
			defer srv.Close()

			_, err := newTestClient(t, srv).FetchReviews(context.Background(),
				provider.Request{WorkUnit: "B08N5WRWNW"}, nil)
			require.Error(t, err)
			assert.Equal(t, tt.kind, provider.KindOf(err))
		})
	}
}

func TestFetchReviews_ContextDeadlineWhilePolling(t *testing.T) {
	t.Parallel()

	mux := http.NewServeMux()
	mux.HandleFunc("POST /v2/acts/"+testActor+"/runs", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusCreated, map[string]any{"data": map[string]any{"id": "run-2", "status": "READY"}})
	})
	mux.HandleFunc("GET /v2/actor-runs/run-2", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"data": map[string]any{"id": "run-2", "status": "RUNNING"}})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := newTestClient(t, srv).FetchReviews(ctx, provider.Request{WorkUnit: "B08N5WRWNW"}, nil)
	require.Error(t, err)
	assert.Equal(t, provider.KindTransient, provider.KindOf(err))
}

func TestNewClientRequiresCredentials(t *testing.T) {
	t.Parallel()

	_, err := NewClient(Config{ActorID: testActor}, nil)
	assert.Error(t, err)
	_, err = NewClient(Config{Token: "t"}, nil)
	assert.Error(t, err)
}

func TestFetchReviews_RateLimited(t *testing.T) {
	t.Parallel()

	var starts atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		starts.Add(1)
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": "boom"})
	}))
	defer srv.Close()

	c, err := NewClient(Config{
		BaseURL:      srv.URL,
		Token:        "apify_api_secret",
		ActorID:      testActor,
		RateLimit:    0.001,
		Burst:        1,
		PollInterval: time.Millisecond,
		HTTPTimeout:  time.Second,
	}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)

	req := provider.Request{WorkUnit: "B08N5WRWNW", Variant: domain.StarFilterAll, MaxPages: 1, Marketplace: "com"}
	_, err = c.FetchReviews(context.Background(), req, nil)
	require.Error(t, err)
	before := starts.Load()
	require.Positive(t, before)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = c.FetchReviews(ctx, req, nil)
	require.Error(t, err)
	assert.Equal(t, provider.KindTransient, provider.KindOf(err))
	assert.Equal(t, before, starts.Load(), "second call must not reach the API")
}
