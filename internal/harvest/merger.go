package harvest

import (
	"github.com/phrazzld/harvest-api/internal/domain"
	"github.com/phrazzld/harvest-api/internal/provider"
)

// Item is one merged result together with the variant that produced it.
type Item struct {
	provider.Item
	Variant domain.StarFilter
}

// VariantOutcome records what happened to one variant call.
type VariantOutcome struct {
	Variant domain.StarFilter
	Handle  string
	Fetched int
	Kept    int
	Dropped int
	Err     error
}

// MergeResult is the deduplicated union of every successful variant,
// with one outcome per attempted variant in call order.
type MergeResult struct {
	Items        []Item
	Variants     []VariantOutcome
	ProductTitle string
}

// Failed reports whether every attempted variant failed. A result with no
// attempted variants has not failed.
func (r *MergeResult) Failed() bool {
	if len(r.Variants) == 0 {
		return false
	}
	for _, v := range r.Variants {
		if v.Err == nil {
			return false
		}
	}
	return true
}

// LastError returns the error of the most recent failed variant, or nil.
func (r *MergeResult) LastError() error {
	for i := len(r.Variants) - 1; i >= 0; i-- {
		if r.Variants[i].Err != nil {
			return r.Variants[i].Err
		}
	}
	return nil
}

// Merger deduplicates items across variants by natural key. It is not
// safe for concurrent use.
type Merger struct {
	seen   map[string]struct{}
	result MergeResult
}

// NewMerger creates a Merger whose seen set starts with the given keys,
// normally every key already stored for the product. The map is copied.
func NewMerger(seen map[string]struct{}) *Merger {
	s := make(map[string]struct{}, len(seen))
	for k := range seen {
		s[k] = struct{}{}
	}
	return &Merger{seen: s}
}

// Add merges the items of one successful variant call. Items whose natural
// key was already seen are dropped; items without a natural key are always
// kept.
func (m *Merger) Add(variant domain.StarFilter, handle string, items []provider.Item) VariantOutcome {
	out := VariantOutcome{Variant: variant, Handle: handle, Fetched: len(items)}
	for _, it := range items {
		if m.result.ProductTitle == "" && it.ProductTitle != "" {
			m.result.ProductTitle = it.ProductTitle
		}
		if it.NaturalKey != "" {
			if _, dup := m.seen[it.NaturalKey]; dup {
				out.Dropped++
				continue
			}
			m.seen[it.NaturalKey] = struct{}{}
		}
		m.result.Items = append(m.result.Items, Item{Item: it, Variant: variant})
		out.Kept++
	}
	m.result.Variants = append(m.result.Variants, out)
	return out
}

// Fail records a failed variant call.
func (m *Merger) Fail(variant domain.StarFilter, handle string, err error) VariantOutcome {
	out := VariantOutcome{Variant: variant, Handle: handle, Err: err}
	m.result.Variants = append(m.result.Variants, out)
	return out
}

// Result returns the merge so far.
func (m *Merger) Result() *MergeResult {
	return &m.result
}
