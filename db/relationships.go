package db

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/deemkeen/fedgate/domain"
	"github.com/google/uuid"
)

const (
	followColumns = `f.id, f.account_id, f.target_account_id, f.uri, f.show_reblogs, f.notify, f.accepted, f.created_at`

	sqlInsertFollow = `INSERT OR IGNORE INTO follows(id, account_id, target_account_id, uri, show_reblogs, notify, accepted, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`
	sqlSelectFollow      = `SELECT ` + followColumns + ` FROM follows f WHERE f.account_id = ? AND f.target_account_id = ?`
	sqlSelectFollowByURI = `SELECT ` + followColumns + ` FROM follows f WHERE f.uri = ?`
	sqlDeleteFollow      = `DELETE FROM follows WHERE account_id = ? AND target_account_id = ?`
	sqlDeleteFollowById  = `DELETE FROM follows WHERE id = ?`
	sqlAcceptFollow      = `UPDATE follows SET accepted = 1 WHERE account_id = ? AND target_account_id = ?`
	sqlSelectFollowsOf   = `SELECT ` + followColumns + ` FROM follows f WHERE f.account_id = ? OR f.target_account_id = ?`
	sqlDeleteFollowsOf   = `DELETE FROM follows WHERE account_id = ? OR target_account_id = ?`

	sqlSelectFollowers = `SELECT a.id, a.username, a.domain, a.uri, a.inbox_uri, a.shared_inbox_uri, a.outbox_uri, a.followers_uri,
		a.public_key_pem, a.private_key_pem, a.state, a.suspended_at, a.indexable, a.created_at, a.last_fetched_at
		FROM follows f JOIN actors a ON a.id = f.account_id
		WHERE f.target_account_id = ? AND f.accepted = 1 AND a.domain = ? ORDER BY a.uri`
	sqlSelectFollowerURIs = `SELECT a.uri FROM follows f JOIN actors a ON a.id = f.account_id
		WHERE f.target_account_id = ? AND f.accepted = 1 AND a.domain = ?`
	sqlCountFollowers        = `SELECT COUNT(*) FROM follows WHERE target_account_id = ? AND accepted = 1`
	sqlCountFollowing        = `SELECT COUNT(*) FROM follows WHERE account_id = ? AND accepted = 1`
	sqlSelectFollowerInboxes = `SELECT DISTINCT CASE WHEN a.shared_inbox_uri != '' THEN a.shared_inbox_uri ELSE a.inbox_uri END
		FROM follows f JOIN actors a ON a.id = f.account_id
		WHERE f.target_account_id = ? AND f.accepted = 1 AND a.domain != '' AND a.state = 'active'`

	sqlInsertBlock       = `INSERT OR IGNORE INTO blocks(id, account_id, target_account_id, created_at) VALUES (?, ?, ?, ?)`
	sqlDeleteBlock       = `DELETE FROM blocks WHERE account_id = ? AND target_account_id = ?`
	sqlInsertDomainBlock = `INSERT OR IGNORE INTO domain_blocks(id, account_id, domain, created_at) VALUES (?, ?, ?, ?)`
	sqlInsertMute        = `INSERT OR IGNORE INTO mutes(id, account_id, target_account_id, created_at) VALUES (?, ?, ?, ?)`
)

func scanFollow(row rowScanner) (*domain.Follow, error) {
	var (
		f               domain.Follow
		id, acc, target string
	)
	if err := row.Scan(&id, &acc, &target, &f.URI, &f.ShowReblogs, &f.Notify, &f.Accepted, &f.CreatedAt); err != nil {
		return nil, err
	}
	var err error
	if f.Id, err = uuid.Parse(id); err != nil {
		return nil, fmt.Errorf("bad follow id %q: %w", id, err)
	}
	if f.AccountId, err = uuid.Parse(acc); err != nil {
		return nil, err
	}
	if f.TargetAccountId, err = uuid.Parse(target); err != nil {
		return nil, err
	}
	return &f, nil
}

// CreateFollow inserts a follow edge. It reports false when the edge
// already existed, which leaves the stored edge untouched.
func (db *DB) CreateFollow(ctx context.Context, f *domain.Follow) (bool, error) {
	if f.Id == uuid.Nil {
		f.Id = uuid.New()
	}
	if f.CreatedAt.IsZero() {
		f.CreatedAt = time.Now().UTC()
	}
	var created bool
	err := db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, sqlInsertFollow, f.Id.String(), f.AccountId.String(), f.TargetAccountId.String(),
			f.URI, f.ShowReblogs, f.Notify, f.Accepted, f.CreatedAt)
		if err != nil {
			return err
		}
		n, _ := res.RowsAffected()
		created = n > 0
		return nil
	})
	return created, err
}

func (db *DB) ReadFollow(ctx context.Context, accountId, targetId uuid.UUID) (*domain.Follow, error) {
	f, err := scanFollow(db.db.QueryRowContext(ctx, sqlSelectFollow, accountId.String(), targetId.String()))
	return f, notFound(err)
}

func (db *DB) ReadFollowByURI(ctx context.Context, uri string) (*domain.Follow, error) {
	f, err := scanFollow(db.db.QueryRowContext(ctx, sqlSelectFollowByURI, uri))
	return f, notFound(err)
}

func (db *DB) AcceptFollow(ctx context.Context, accountId, targetId uuid.UUID) error {
	return db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, sqlAcceptFollow, accountId.String(), targetId.String())
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrNotFound
		}
		return nil
	})
}

// DeleteFollow removes the edge and reports whether one existed.
func (db *DB) DeleteFollow(ctx context.Context, accountId, targetId uuid.UUID) (bool, error) {
	var deleted bool
	err := db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, sqlDeleteFollow, accountId.String(), targetId.String())
		if err != nil {
			return err
		}
		n, _ := res.RowsAffected()
		deleted = n > 0
		return nil
	})
	return deleted, err
}

// DeleteFollowByURI removes the edge created by the given Follow activity
// and returns it.
func (db *DB) DeleteFollowByURI(ctx context.Context, uri string) (*domain.Follow, error) {
	var f *domain.Follow
	err := db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		var err error
		f, err = scanFollow(tx.QueryRowContext(ctx, sqlSelectFollowByURI, uri))
		if err != nil {
			return notFound(err)
		}
		_, err = tx.ExecContext(ctx, sqlDeleteFollowById, f.Id.String())
		return err
	})
	if err != nil {
		return nil, err
	}
	return f, nil
}

// DeleteFollowsInvolving drops every edge from or to the account and returns
// what was removed.
func (db *DB) DeleteFollowsInvolving(ctx context.Context, accountId uuid.UUID) ([]domain.Follow, error) {
	var removed []domain.Follow
	err := db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		removed = nil
		rows, err := tx.QueryContext(ctx, sqlSelectFollowsOf, accountId.String(), accountId.String())
		if err != nil {
			return err
		}
		for rows.Next() {
			f, err := scanFollow(rows)
			if err != nil {
				rows.Close()
				return err
			}
			removed = append(removed, *f)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, sqlDeleteFollowsOf, accountId.String(), accountId.String())
		return err
	})
	return removed, err
}

// ReadFollowers returns accepted followers of targetId whose domain equals
// the given one ("" for local accounts), ordered by URI.
func (db *DB) ReadFollowers(ctx context.Context, targetId uuid.UUID, domainName string) ([]domain.Actor, error) {
	rows, err := db.db.QueryContext(ctx, sqlSelectFollowers, targetId.String(), domainName)
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

// ReadFollowerURIs is ReadFollowers reduced to actor URIs, in no particular
// order.
func (db *DB) ReadFollowerURIs(ctx context.Context, targetId uuid.UUID, domainName string) ([]string, error) {
	rows, err := db.db.QueryContext(ctx, sqlSelectFollowerURIs, targetId.String(), domainName)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var uris []string
	for rows.Next() {
		var uri string
		if err := rows.Scan(&uri); err != nil {
			return nil, err
		}
		uris = append(uris, uri)
	}
	return uris, rows.Err()
}

// ReadFollowerInboxes returns one delivery inbox per remote follower,
// preferring shared inboxes.
func (db *DB) ReadFollowerInboxes(ctx context.Context, targetId uuid.UUID) ([]string, error) {
	rows, err := db.db.QueryContext(ctx, sqlSelectFollowerInboxes, targetId.String())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var inboxes []string
	for rows.Next() {
		var inbox string
		if err := rows.Scan(&inbox); err != nil {
			return nil, err
		}
		if inbox != "" {
			inboxes = append(inboxes, inbox)
		}
	}
	return inboxes, rows.Err()
}

func (db *DB) CountFollowers(ctx context.Context, targetId uuid.UUID) (int, error) {
	var count int
	err := db.db.QueryRowContext(ctx, sqlCountFollowers, targetId.String()).Scan(&count)
	return count, err
}

func (db *DB) CountFollowing(ctx context.Context, accountId uuid.UUID) (int, error) {
	var count int
	err := db.db.QueryRowContext(ctx, sqlCountFollowing, accountId.String()).Scan(&count)
	return count, err
}

// RelationshipsOf answers, for every owner in ownerIds, how that owner's
// edges relate to the requester. All four edge tables are read in a single
// query.
func (db *DB) RelationshipsOf(ctx context.Context, requester *domain.Actor, ownerIds []uuid.UUID) (map[uuid.UUID]domain.Relationship, error) {
	out := make(map[uuid.UUID]domain.Relationship, len(ownerIds))
	if requester == nil || len(ownerIds) == 0 {
		return out, nil
	}

	in := placeholders(len(ownerIds))
	owners := uuidArgs(ownerIds)
	reqId := requester.Id.String()

	var sb strings.Builder
	var args []interface{}
	sb.WriteString(`SELECT 'block', account_id FROM blocks WHERE target_account_id = ? AND account_id IN (` + in + `)`)
	args = append(append(args, reqId), owners...)
	sb.WriteString(` UNION ALL SELECT 'follow', target_account_id FROM follows WHERE account_id = ? AND accepted = 1 AND target_account_id IN (` + in + `)`)
	args = append(append(args, reqId), owners...)
	sb.WriteString(` UNION ALL SELECT 'mute', account_id FROM mutes WHERE target_account_id = ? AND account_id IN (` + in + `)`)
	args = append(append(args, reqId), owners...)
	if requester.Domain != "" {
		sb.WriteString(` UNION ALL SELECT 'domain_block', account_id FROM domain_blocks WHERE domain = ? AND account_id IN (` + in + `)`)
		args = append(append(args, requester.Domain), owners...)
	}

	rows, err := db.db.QueryContext(ctx, sb.String(), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var kind, owner string
		if err := rows.Scan(&kind, &owner); err != nil {
			return nil, err
		}
		id, err := uuid.Parse(owner)
		if err != nil {
			return nil, err
		}
		rel := out[id]
		switch kind {
		case "block":
			rel.Blocked = true
		case "follow":
			rel.Following = true
		case "mute":
			rel.Muted = true
		case "domain_block":
			rel.DomainBlocked = true
		}
		out[id] = rel
	}
	return out, rows.Err()
}

func (db *DB) CreateBlock(ctx context.Context, accountId, targetId uuid.UUID) error {
	return db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, sqlInsertBlock, uuid.New().String(), accountId.String(), targetId.String(), time.Now().UTC())
		return err
	})
}

func (db *DB) DeleteBlock(ctx context.Context, accountId, targetId uuid.UUID) error {
	return db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, sqlDeleteBlock, accountId.String(), targetId.String())
		return err
	})
}

func (db *DB) CreateDomainBlock(ctx context.Context, accountId uuid.UUID, domainName string) error {
	return db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, sqlInsertDomainBlock, uuid.New().String(), accountId.String(), domainName, time.Now().UTC())
		return err
	})
}

func (db *DB) CreateMute(ctx context.Context, accountId, targetId uuid.UUID) error {
	return db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, sqlInsertMute, uuid.New().String(), accountId.String(), targetId.String(), time.Now().UTC())
		return err
	})
}
