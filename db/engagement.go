package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Favourites and reblogs share a shape, so both go through the same
// statements with the table name filled in.
type engagementTable string

const (
	favourites engagementTable = "favourites"
	reblogs    engagementTable = "reblogs"
)

func (t engagementTable) insert() string {
	return fmt.Sprintf(`INSERT OR IGNORE INTO %s(id, account_id, post_id, uri, created_at) VALUES (?, ?, ?, ?, ?)`, t)
}

func (t engagementTable) deleteByURI() string {
	return fmt.Sprintf(`DELETE FROM %s WHERE uri = ? AND account_id = ? RETURNING post_id`, t)
}

func (t engagementTable) count() string {
	return fmt.Sprintf(`SELECT COUNT(*) FROM %s WHERE post_id = ?`, t)
}

func (db *DB) createEngagement(ctx context.Context, t engagementTable, accountId, postId uuid.UUID, uri string) (bool, error) {
	var created bool
	err := db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, t.insert(), uuid.New().String(), accountId.String(), postId.String(), uri, time.Now().UTC())
		if err != nil {
			return err
		}
		n, _ := res.RowsAffected()
		created = n > 0
		return nil
	})
	return created, err
}

func (db *DB) deleteEngagement(ctx context.Context, t engagementTable, uri string, accountId uuid.UUID) (*uuid.UUID, error) {
	var postId *uuid.UUID
	err := db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		var id string
		if err := tx.QueryRowContext(ctx, t.deleteByURI(), uri, accountId.String()).Scan(&id); err != nil {
			return notFound(err)
		}
		parsed, err := uuid.Parse(id)
		if err != nil {
			return err
		}
		postId = &parsed
		return nil
	})
	return postId, err
}

func (db *DB) countEngagement(ctx context.Context, t engagementTable, postId uuid.UUID) (int, error) {
	var count int
	err := db.db.QueryRowContext(ctx, t.count(), postId.String()).Scan(&count)
	return count, err
}

// CreateFavourite records a Like. Duplicate likes report false.
func (db *DB) CreateFavourite(ctx context.Context, accountId, postId uuid.UUID, uri string) (bool, error) {
	return db.createEngagement(ctx, favourites, accountId, postId, uri)
}

// DeleteFavouriteByURI undoes a Like and returns the liked post's id.
func (db *DB) DeleteFavouriteByURI(ctx context.Context, uri string, accountId uuid.UUID) (*uuid.UUID, error) {
	return db.deleteEngagement(ctx, favourites, uri, accountId)
}

func (db *DB) CountFavourites(ctx context.Context, postId uuid.UUID) (int, error) {
	return db.countEngagement(ctx, favourites, postId)
}

// CreateReblog records an Announce. Duplicate announces report false.
func (db *DB) CreateReblog(ctx context.Context, accountId, postId uuid.UUID, uri string) (bool, error) {
	return db.createEngagement(ctx, reblogs, accountId, postId, uri)
}

// DeleteReblogByURI undoes an Announce and returns the shared post's id.
func (db *DB) DeleteReblogByURI(ctx context.Context, uri string, accountId uuid.UUID) (*uuid.UUID, error) {
	return db.deleteEngagement(ctx, reblogs, uri, accountId)
}

func (db *DB) CountReblogs(ctx context.Context, postId uuid.UUID) (int, error) {
	return db.countEngagement(ctx, reblogs, postId)
}
