package activitypub

import (
	"context"

	"github.com/google/uuid"
)

// MaxPageRounds bounds how often a page is refilled after filtering
// dropped items from a full batch.
const MaxPageRounds = 3

// Page is one filtered page. Next is the cursor of the last item looked
// at, nil when the sequence is exhausted.
type Page[T any] struct {
	Items []T
	Next  *uuid.UUID
}

// Paginator walks an ordered sequence in batches. Fetch returns up to limit
// items after cursor (nil for the start), Keep filters a batch and Cursor
// gives an item's position.
type Paginator[T any] struct {
	Fetch  func(ctx context.Context, cursor *uuid.UUID, limit int) ([]T, error)
	Keep   func(ctx context.Context, batch []T) ([]T, error)
	Cursor func(item T) uuid.UUID
	Limit  int
}

// Paginate collects up to Limit kept items starting after cursor. When
// filtering shortens a page and the store still has rows, it fetches again
// from where the last batch ended instead of returning a short page.
func (p *Paginator[T]) Paginate(ctx context.Context, cursor *uuid.UUID) (*Page[T], error) {
	page := &Page[T]{}
	cur := cursor
	more := false

	for round := 0; round < MaxPageRounds && len(page.Items) < p.Limit; round++ {
		need := p.Limit - len(page.Items)
		// one extra row tells whether anything follows this batch
		batch, err := p.Fetch(ctx, cur, need+1)
		if err != nil {
			return nil, err
		}
		more = len(batch) > need
		if more {
			batch = batch[:need]
		}
		if len(batch) == 0 {
			break
		}

		last := p.Cursor(batch[len(batch)-1])
		cur = &last

		kept := batch
		if p.Keep != nil {
			if kept, err = p.Keep(ctx, batch); err != nil {
				return nil, err
			}
		}
		page.Items = append(page.Items, kept...)

		if !more {
			break
		}
	}

	if more && cur != nil {
		page.Next = cur
	}
	return page, nil
}
