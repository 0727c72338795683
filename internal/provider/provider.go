// Package provider defines the contract between the harvest engine and the
// external review provider. One call fetches one filter variant of one
// product; failures are classified so the engine can decide what is
// terminal for a variant and what a later tick may retry.
package provider

import (
	"context"
	"encoding/json"

	"github.com/phrazzld/harvest-api/internal/domain"
)

// Request is one provider call: one work unit, one filter variant.
type Request struct {
	WorkUnit      string
	Variant       domain.StarFilter
	MaxPages      int
	Marketplace   string
	SortBy        string
	KeywordFilter string
	ReviewerType  string
}

// Item is one review returned by the provider.
type Item struct {
	NaturalKey   string
	Title        string
	Text         string
	Rating       *float64
	Date         string
	UserName     string
	Verified     bool
	HelpfulCount int
	ProductTitle string
	Raw          json.RawMessage
}

// Page is the ordered result of one call. Handle identifies the remote run.
type Page struct {
	Handle string
	Items  []Item
}

// StartFunc is invoked with the remote handle as soon as a call is
// accepted by the provider, before its results are available.
type StartFunc func(ctx context.Context, handle string)

// Client issues provider calls. Implementations must return errors of
// type *Error so callers can classify them with KindOf.
type Client interface {
	FetchReviews(ctx context.Context, req Request, onStart StartFunc) (*Page, error)
}
