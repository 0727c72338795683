package domain

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Review is one deduplicated item harvested for a task. NaturalKey is the
// provider-assigned review ID and is unique per (marketplace, work unit).
type Review struct {
	ID           uuid.UUID       `json:"id"`
	NaturalKey   string          `json:"natural_key,omitempty"`
	TaskID       uuid.UUID       `json:"task_id"`
	WorkUnit     string          `json:"work_unit"`
	Marketplace  string          `json:"marketplace"`
	Variant      StarFilter      `json:"variant"`
	Title        string          `json:"title,omitempty"`
	Text         string          `json:"text,omitempty"`
	Rating       *float64        `json:"rating,omitempty"`
	Date         string          `json:"date,omitempty"`
	UserName     string          `json:"user_name,omitempty"`
	Verified     bool            `json:"verified"`
	HelpfulCount int             `json:"helpful_count"`
	Raw          json.RawMessage `json:"raw,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
}

// EntityKey identifies the history a natural key is deduplicated against.
type EntityKey struct {
	WorkUnit    string
	Marketplace string
}

// History summarizes previous harvests of one product in one marketplace.
type History struct {
	WorkUnit      string    `json:"work_unit"`
	Marketplace   string    `json:"marketplace"`
	LastJobID     uuid.UUID `json:"last_job_id"`
	LastScrapedAt time.Time `json:"last_scraped_at"`
	TotalScrapes  int       `json:"total_scrapes"`
}
