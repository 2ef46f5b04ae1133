package db

import (
	"context"
	"database/sql"
	"time"

	"github.com/deemkeen/fedgate/domain"
	"github.com/google/uuid"
)

// Activity queries
const (
	sqlInsertActivity = `INSERT OR IGNORE INTO activities(id, activity_uri, activity_type, actor_uri, object_uri, raw_json, processed, local, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`
	sqlMarkActivityProcessed = `UPDATE activities SET processed = 1 WHERE activity_uri = ?`
	sqlSelectActivityByURI   = `SELECT id, activity_uri, activity_type, actor_uri, object_uri, raw_json, processed, local, created_at
		FROM activities WHERE activity_uri = ?`
)

// CreateActivity logs an activity. It reports false if an activity with the
// same URI was already logged, so callers can drop redeliveries.
func (db *DB) CreateActivity(ctx context.Context, activity *domain.Activity) (bool, error) {
	if activity.Id == uuid.Nil {
		activity.Id = uuid.New()
	}
	if activity.CreatedAt.IsZero() {
		activity.CreatedAt = time.Now().UTC()
	}
	var created bool
	err := db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, sqlInsertActivity, activity.Id.String(), activity.ActivityURI, activity.ActivityType,
			activity.ActorURI, activity.ObjectURI, activity.RawJSON, activity.Processed, activity.Local, activity.CreatedAt)
		if err != nil {
			return err
		}
		n, _ := res.RowsAffected()
		created = n > 0
		return nil
	})
	return created, err
}

func (db *DB) MarkActivityProcessed(ctx context.Context, activityURI string) error {
	return db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, sqlMarkActivityProcessed, activityURI)
		return err
	})
}

func (db *DB) ReadActivityByURI(ctx context.Context, uri string) (*domain.Activity, error) {
	var (
		activity  domain.Activity
		idStr     string
		objectURI sql.NullString
	)
	err := db.db.QueryRowContext(ctx, sqlSelectActivityByURI, uri).Scan(&idStr, &activity.ActivityURI, &activity.ActivityType,
		&activity.ActorURI, &objectURI, &activity.RawJSON, &activity.Processed, &activity.Local, &activity.CreatedAt)
	if err != nil {
		return nil, notFound(err)
	}
	activity.Id, err = uuid.Parse(idStr)
	if err != nil {
		return nil, err
	}
	activity.ObjectURI = objectURI.String
	return &activity, nil
}
