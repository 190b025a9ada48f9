package scheduler

import (
	"context"

	"github.com/janmaj/srds-przychodnia/internal/model"
	"github.com/janmaj/srds-przychodnia/internal/storage"
)

// Queue is the read-only view of pending requests.
type Queue struct {
	store storage.Store
	limit int
}

func NewQueue(store storage.Store, limit int) *Queue {
	if limit <= 0 {
		limit = 50
	}
	return &Queue{store: store, limit: limit}
}

// FetchPending returns the pending requests of a category, most urgent
// first and oldest first within an urgency class.
func (q *Queue) FetchPending(ctx context.Context, category string) ([]model.Request, error) {
	return q.store.SelectPendingRequests(ctx, category, q.limit)
}
