package activitypub

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type item struct {
	id   uuid.UUID
	keep bool
}

// sequence is an ordered in-memory store with cursor semantics like the
// database queries: items strictly after cursor.
type sequence struct {
	items   []item
	fetches int
}

func newSequence(t *testing.T, keep ...bool) *sequence {
	t.Helper()
	s := &sequence{}
	for _, k := range keep {
		id, err := uuid.NewV7()
		require.NoError(t, err)
		s.items = append(s.items, item{id: id, keep: k})
	}
	return s
}

func (s *sequence) paginator(limit int) *Paginator[item] {
	return &Paginator[item]{
		Fetch: func(ctx context.Context, cursor *uuid.UUID, n int) ([]item, error) {
			s.fetches++
			start := 0
			if cursor != nil {
				for i, it := range s.items {
					if it.id == *cursor {
						start = i + 1
					}
				}
			}
			end := start + n
			if end > len(s.items) {
				end = len(s.items)
			}
			return s.items[start:end], nil
		},
		Keep: func(ctx context.Context, batch []item) ([]item, error) {
			var out []item
			for _, it := range batch {
				if it.keep {
					out = append(out, it)
				}
			}
			return out, nil
		},
		Cursor: func(it item) uuid.UUID { return it.id },
		Limit:  limit,
	}
}

func TestPaginateFullPages(t *testing.T) {
	s := newSequence(t, true, true, true, true, true, true)
	p := s.paginator(5)

	page, err := p.Paginate(context.Background(), nil)
	require.NoError(t, err)
	assert.Len(t, page.Items, 5)
	require.NotNil(t, page.Next)
	assert.Equal(t, s.items[4].id, *page.Next)

	page, err = p.Paginate(context.Background(), page.Next)
	require.NoError(t, err)
	assert.Len(t, page.Items, 1)
	assert.Nil(t, page.Next)
}

func TestPaginateRefillsFilteredPage(t *testing.T) {
	s := newSequence(t, true, false, false, true, true, true, true)
	p := s.paginator(4)

	page, err := p.Paginate(context.Background(), nil)
	require.NoError(t, err)
	assert.Len(t, page.Items, 4)
	assert.Equal(t, s.items[5].id, page.Items[3].id)
	require.NotNil(t, page.Next)
	assert.Equal(t, 2, s.fetches)

	page, err = p.Paginate(context.Background(), page.Next)
	require.NoError(t, err)
	assert.Len(t, page.Items, 1)
	assert.Nil(t, page.Next)
}

func TestPaginateBoundsRounds(t *testing.T) {
	keep := make([]bool, 50)
	s := newSequence(t, keep...)
	p := s.paginator(5)

	page, err := p.Paginate(context.Background(), nil)
	require.NoError(t, err)
	assert.Empty(t, page.Items)
	assert.Equal(t, MaxPageRounds, s.fetches)
	require.NotNil(t, page.Next, "the caller can keep walking")
	assert.Equal(t, s.items[MaxPageRounds*5-1].id, *page.Next)
}

func TestPaginateEmpty(t *testing.T) {
	s := newSequence(t)
	page, err := s.paginator(5).Paginate(context.Background(), nil)
	require.NoError(t, err)
	assert.Empty(t, page.Items)
	assert.Nil(t, page.Next)
}
