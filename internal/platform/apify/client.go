// Package apify implements provider.Client on top of the Apify REST API.
// Each call starts one actor run, polls it until it finishes and then
// reads the run's default dataset.
package apify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/phrazzld/harvest-api/internal/domain"
	"github.com/phrazzld/harvest-api/internal/provider"
	"github.com/sethvargo/go-retry"
	"golang.org/x/time/rate"
)

// Run statuses reported by Apify.
const (
	statusSucceeded = "SUCCEEDED"
	statusFailed    = "FAILED"
	statusAborted   = "ABORTED"
	statusTimedOut  = "TIMED-OUT"
)

// maxErrorBody caps how much of an error response is kept in error text.
const maxErrorBody = 512

var errRunPending = errors.New("actor run still in progress")

// Config configures a Client.
type Config struct {
	BaseURL      string
	Token        string
	ActorID      string
	RateLimit    float64
	Burst        int
	PollInterval time.Duration
	HTTPTimeout  time.Duration
}

// Client calls the reviews actor. It is safe for concurrent use.
type Client struct {
	baseURL      string
	token        string
	actorID      string
	pollInterval time.Duration
	httpClient   *http.Client
	limiter      *rate.Limiter
	logger       *slog.Logger
}

var _ provider.Client = (*Client)(nil)

// NewClient creates a new Apify client.
func NewClient(cfg Config, logger *slog.Logger) (*Client, error) {
	if cfg.Token == "" {
		return nil, errors.New("apify token is required")
	}
	if cfg.ActorID == "" {
		return nil, errors.New("apify actor ID is required")
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Second
	}
	if cfg.HTTPTimeout <= 0 {
		cfg.HTTPTimeout = 30 * time.Second
	}
	limit := rate.Inf
	if cfg.RateLimit > 0 {
		limit = rate.Limit(cfg.RateLimit)
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 1
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Client{
		baseURL:      strings.TrimRight(cfg.BaseURL, "/"),
		token:        cfg.Token,
		actorID:      cfg.ActorID,
		pollInterval: cfg.PollInterval,
		httpClient:   &http.Client{Timeout: cfg.HTTPTimeout},
		limiter:      rate.NewLimiter(limit, cfg.Burst),
		logger:       logger.With("component", "apify_client"),
	}, nil
}

type runInput struct {
	ASIN            string `json:"asin"`
	DomainCode      string `json:"domainCode"`
	SortBy          string `json:"sortBy"`
	MaxPages        int    `json:"maxPages"`
	ReviewerType    string `json:"reviewerType"`
	FilterByStar    string `json:"filterByStar,omitempty"`
	FilterByKeyword string `json:"filterByKeyword,omitempty"`
}

type runData struct {
	ID               string `json:"id"`
	Status           string `json:"status"`
	StatusMessage    string `json:"statusMessage"`
	DefaultDatasetID string `json:"defaultDatasetId"`
}

type runEnvelope struct {
	Data runData `json:"data"`
}

// FetchReviews runs the actor for one product and one star filter.
func (c *Client) FetchReviews(
	ctx context.Context,
	req provider.Request,
	onStart provider.StartFunc,
) (*provider.Page, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, provider.NewError(provider.KindTransient, "wait for rate limit", err)
	}

	run, err := c.startRun(ctx, buildInput(req))
	if err != nil {
		return nil, err
	}
	if onStart != nil {
		onStart(ctx, run.ID)
	}

	log := c.logger.With("run_id", run.ID, "work_unit", req.WorkUnit, "variant", req.Variant)
	log.Debug("actor run started")

	run, err = c.waitForRun(ctx, run)
	if err != nil {
		return nil, err
	}

	items, err := c.datasetItems(ctx, run.DefaultDatasetID)
	if err != nil {
		return nil, err
	}
	log.Debug("actor run finished", "items", len(items))

	return &provider.Page{Handle: run.ID, Items: items}, nil
}

func buildInput(req provider.Request) map[string][]runInput {
	in := runInput{
		ASIN:            req.WorkUnit,
		DomainCode:      req.Marketplace,
		SortBy:          req.SortBy,
		MaxPages:        req.MaxPages,
		ReviewerType:    req.ReviewerType,
		FilterByKeyword: req.KeywordFilter,
	}
	if req.Variant != "" && req.Variant != domain.StarFilterAll {
		in.FilterByStar = string(req.Variant)
	}
	return map[string][]runInput{"input": {in}}
}

func (c *Client) startRun(ctx context.Context, input any) (runData, error) {
	body, err := json.Marshal(input)
	if err != nil {
		return runData{}, provider.NewError(provider.KindUnknown, "encode run input", err)
	}

	endpoint := fmt.Sprintf("%s/v2/acts/%s/runs", c.baseURL, url.PathEscape(c.actorID))
	var env runEnvelope
	if err := c.do(ctx, http.MethodPost, endpoint, body, "start run", &env); err != nil {
		return runData{}, err
	}
	if env.Data.ID == "" {
		return runData{}, provider.NewError(provider.KindUnknown, "start run", errors.New("response has no run id"))
	}
	return env.Data, nil
}

// waitForRun polls the run at a constant interval until it leaves the
// running states. The caller's context bounds the total wait.
func (c *Client) waitForRun(ctx context.Context, run runData) (runData, error) {
	endpoint := fmt.Sprintf("%s/v2/actor-runs/%s", c.baseURL, url.PathEscape(run.ID))
	current := run

	err := retry.Do(ctx, retry.NewConstant(c.pollInterval), func(ctx context.Context) error {
		var env runEnvelope
		if err := c.do(ctx, http.MethodGet, endpoint, nil, "poll run", &env); err != nil {
			return err
		}
		current = env.Data

		switch current.Status {
		case statusSucceeded:
			return nil
		case statusFailed, statusAborted:
			return provider.NewError(provider.KindUnknown, "actor run",
				fmt.Errorf("run %s ended %s: %s", current.ID, current.Status, current.StatusMessage))
		case statusTimedOut:
			return provider.NewError(provider.KindTransient, "actor run",
				fmt.Errorf("run %s timed out", current.ID))
		default:
			return retry.RetryableError(errRunPending)
		}
	})
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return runData{}, provider.NewError(provider.KindTransient, "poll run", ctxErr)
		}
		return runData{}, err
	}
	return current, nil
}

type datasetItem struct {
	ReviewID        string          `json:"reviewId"`
	Title           string          `json:"title"`
	Text            string          `json:"text"`
	Rating          json.RawMessage `json:"rating"`
	Date            string          `json:"date"`
	UserName        string          `json:"userName"`
	Verified        bool            `json:"verified"`
	NumberOfHelpful json.RawMessage `json:"numberOfHelpful"`
	ProductTitle    string          `json:"productTitle"`
}

func (c *Client) datasetItems(ctx context.Context, datasetID string) ([]provider.Item, error) {
	if datasetID == "" {
		return nil, provider.NewError(provider.KindUnknown, "read dataset", errors.New("run has no dataset"))
	}
	endpoint := fmt.Sprintf("%s/v2/datasets/%s/items?format=json&clean=true",
		c.baseURL, url.PathEscape(datasetID))

	var raw []json.RawMessage
	if err := c.do(ctx, http.MethodGet, endpoint, nil, "read dataset", &raw); err != nil {
		return nil, err
	}

	items := make([]provider.Item, 0, len(raw))
	for _, r := range raw {
		var d datasetItem
		if err := json.Unmarshal(r, &d); err != nil {
			c.logger.Warn("skipping undecodable dataset item", "dataset_id", datasetID, "error", err)
			continue
		}
		items = append(items, provider.Item{
			NaturalKey:   d.ReviewID,
			Title:        d.Title,
			Text:         d.Text,
			Rating:       parseRating(d.Rating),
			Date:         d.Date,
			UserName:     d.UserName,
			Verified:     d.Verified,
			HelpfulCount: parseCount(d.NumberOfHelpful),
			ProductTitle: d.ProductTitle,
			Raw:          r,
		})
	}
	return items, nil
}

// do performs one API request and decodes the JSON response into out.
// HTTP failures are classified into provider error kinds.
func (c *Client) do(ctx context.Context, method, endpoint string, body []byte, op string, out any) error {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return provider.NewError(provider.KindUnknown, op, err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return provider.NewError(provider.KindTransient, op, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return provider.NewError(classifyStatus(resp.StatusCode), op,
			fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet))))
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return provider.NewError(provider.KindUnknown, op, fmt.Errorf("decode response: %w", err))
	}
	return nil
}

func classifyStatus(code int) provider.Kind {
	switch {
	case code == http.StatusNotFound:
		return provider.KindNotFound
	case code == http.StatusTooManyRequests:
		return provider.KindRateLimited
	case code == http.StatusRequestTimeout, code >= 500:
		return provider.KindTransient
	default:
		return provider.KindUnknown
	}
}
