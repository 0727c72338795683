package harvest

import (
	"time"

	"github.com/google/uuid"
	"github.com/phrazzld/harvest-api/internal/domain"
)

// Reviews converts merged items into result records owned by task.
func Reviews(task *domain.Task, marketplace string, r *MergeResult, now time.Time) []*domain.Review {
	out := make([]*domain.Review, 0, len(r.Items))
	for _, it := range r.Items {
		out = append(out, &domain.Review{
			ID:           uuid.New(),
			NaturalKey:   it.NaturalKey,
			TaskID:       task.ID,
			WorkUnit:     task.WorkUnit,
			Marketplace:  marketplace,
			Variant:      it.Variant,
			Title:        it.Title,
			Text:         it.Text,
			Rating:       it.Rating,
			Date:         it.Date,
			UserName:     it.UserName,
			Verified:     it.Verified,
			HelpfulCount: it.HelpfulCount,
			Raw:          it.Raw,
			CreatedAt:    now.UTC(),
		})
	}
	return out
}
