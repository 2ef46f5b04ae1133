package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/deemkeen/fedgate/domain"
	"github.com/google/uuid"
)

const (
	actorColumns = `id, username, domain, uri, inbox_uri, shared_inbox_uri, outbox_uri, followers_uri,
	public_key_pem, private_key_pem, state, suspended_at, indexable, created_at, last_fetched_at`

	sqlInsertActor = `INSERT INTO actors(` + actorColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	sqlSelectActorById   = `SELECT ` + actorColumns + ` FROM actors WHERE id = ?`
	sqlSelectActorByURI  = `SELECT ` + actorColumns + ` FROM actors WHERE uri = ?`
	sqlSelectLocalActor  = `SELECT ` + actorColumns + ` FROM actors WHERE username = ? AND domain = ''`
	sqlSelectLocalActors = `SELECT ` + actorColumns + ` FROM actors WHERE domain = '' ORDER BY username`

	// Keys and endpoints always follow a re-dereference; the username only
	// changes when the caller says the document came from an explicit fetch.
	sqlRefreshActor = `UPDATE actors SET inbox_uri = ?, shared_inbox_uri = ?, outbox_uri = ?, followers_uri = ?,
		public_key_pem = ?, indexable = ?, last_fetched_at = ? WHERE id = ?`
	sqlRefreshActorIdentity = `UPDATE actors SET username = ? WHERE id = ?`

	sqlUpdateActorState = `UPDATE actors SET state = ?, suspended_at = ? WHERE id = ?`
)

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanActor(row rowScanner) (*domain.Actor, error) {
	var (
		a           domain.Actor
		id          string
		state       string
		suspendedAt sql.NullTime
		fetchedAt   sql.NullTime
	)
	err := row.Scan(&id, &a.Username, &a.Domain, &a.URI, &a.InboxURI, &a.SharedInboxURI, &a.OutboxURI,
		&a.FollowersURI, &a.PublicKeyPem, &a.PrivateKeyPem, &state, &suspendedAt, &a.Indexable,
		&a.CreatedAt, &fetchedAt)
	if err != nil {
		return nil, err
	}
	a.Id, err = uuid.Parse(id)
	if err != nil {
		return nil, fmt.Errorf("bad actor id %q: %w", id, err)
	}
	a.State = domain.LifecycleState(state)
	a.SuspendedAt = timePtr(suspendedAt)
	if fetchedAt.Valid {
		a.LastFetchedAt = fetchedAt.Time
	}
	return &a, nil
}

// CreateActor inserts a new local or remote actor. A zero Id is replaced by
// a fresh one.
func (db *DB) CreateActor(ctx context.Context, acc *domain.Actor) error {
	if acc.Id == uuid.Nil {
		acc.Id = uuid.New()
	}
	if acc.State == "" {
		acc.State = domain.StateActive
	}
	if acc.CreatedAt.IsZero() {
		acc.CreatedAt = time.Now().UTC()
	}
	var fetched sql.NullTime
	if !acc.LastFetchedAt.IsZero() {
		fetched = sql.NullTime{Time: acc.LastFetchedAt, Valid: true}
	}
	return db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, sqlInsertActor, acc.Id.String(), acc.Username, acc.Domain, acc.URI,
			acc.InboxURI, acc.SharedInboxURI, acc.OutboxURI, acc.FollowersURI, acc.PublicKeyPem,
			acc.PrivateKeyPem, string(acc.State), nullTime(acc.SuspendedAt), acc.Indexable, acc.CreatedAt, fetched)
		return err
	})
}

// UpsertRemoteActor stores a freshly dereferenced remote actor. Known actors
// keep their id and lifecycle state; the username is only overwritten when
// updateIdentity is set.
func (db *DB) UpsertRemoteActor(ctx context.Context, acc *domain.Actor, updateIdentity bool) (*domain.Actor, error) {
	existing, err := db.ReadActorByURI(ctx, acc.URI)
	if err == ErrNotFound {
		acc.LastFetchedAt = time.Now().UTC()
		if err := db.CreateActor(ctx, acc); err != nil {
			if isUniqueViolation(err) {
				// lost a race with a concurrent fetch of the same actor
				return db.ReadActorByURI(ctx, acc.URI)
			}
			return nil, err
		}
		return acc, nil
	}
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	err = db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, sqlRefreshActor, acc.InboxURI, acc.SharedInboxURI, acc.OutboxURI,
			acc.FollowersURI, acc.PublicKeyPem, acc.Indexable, now, existing.Id.String()); err != nil {
			return err
		}
		if updateIdentity && acc.Username != "" && acc.Username != existing.Username {
			if _, err := tx.ExecContext(ctx, sqlRefreshActorIdentity, acc.Username, existing.Id.String()); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return db.ReadActorById(ctx, existing.Id)
}

func (db *DB) ReadActorById(ctx context.Context, id uuid.UUID) (*domain.Actor, error) {
	acc, err := scanActor(db.db.QueryRowContext(ctx, sqlSelectActorById, id.String()))
	return acc, notFound(err)
}

func (db *DB) ReadActorByURI(ctx context.Context, uri string) (*domain.Actor, error) {
	acc, err := scanActor(db.db.QueryRowContext(ctx, sqlSelectActorByURI, uri))
	return acc, notFound(err)
}

func (db *DB) ReadLocalActorByUsername(ctx context.Context, username string) (*domain.Actor, error) {
	acc, err := scanActor(db.db.QueryRowContext(ctx, sqlSelectLocalActor, username))
	return acc, notFound(err)
}

func (db *DB) ReadLocalActors(ctx context.Context) ([]domain.Actor, error) {
	rows, err := db.db.QueryContext(ctx, sqlSelectLocalActors)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var actors []domain.Actor
	for rows.Next() {
		acc, err := scanActor(rows)
		if err != nil {
			return nil, err
		}
		actors = append(actors, *acc)
	}
	return actors, rows.Err()
}

// ReadActorsByIds loads many actors in one query, keyed by id.
func (db *DB) ReadActorsByIds(ctx context.Context, ids []uuid.UUID) (map[uuid.UUID]*domain.Actor, error) {
	out := make(map[uuid.UUID]*domain.Actor, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	query := `SELECT ` + actorColumns + ` FROM actors WHERE id IN (` + placeholders(len(ids)) + `)`
	rows, err := db.db.QueryContext(ctx, query, uuidArgs(ids)...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		acc, err := scanActor(rows)
		if err != nil {
			return nil, err
		}
		out[acc.Id] = acc
	}
	return out, rows.Err()
}

// UpdateActorState moves an actor through its lifecycle. Leaving the active
// state stamps suspended_at; returning to it clears the stamp.
func (db *DB) UpdateActorState(ctx context.Context, id uuid.UUID, state domain.LifecycleState) error {
	if !state.Valid() {
		return fmt.Errorf("invalid lifecycle state %q", state)
	}
	var suspendedAt *time.Time
	if state != domain.StateActive {
		now := time.Now().UTC()
		suspendedAt = &now
	}
	return db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, sqlUpdateActorState, string(state), nullTime(suspendedAt), id.String())
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrNotFound
		}
		return nil
	})
}
