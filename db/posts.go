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
	postColumns = `p.id, p.account_id, p.uri, p.visibility, p.in_reply_to_id, p.in_reply_to_account_id,
	p.conversation_id, p.content, p.local, p.created_at, p.edited_at`

	sqlInsertPost = `INSERT INTO posts(id, account_id, uri, visibility, in_reply_to_id, in_reply_to_account_id,
		conversation_id, content, local, created_at, edited_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	sqlSelectPostById  = `SELECT ` + postColumns + ` FROM posts p WHERE p.id = ?`
	sqlSelectPostByURI = `SELECT ` + postColumns + ` FROM posts p WHERE p.uri = ?`
	sqlDeletePostByURI = `DELETE FROM posts WHERE uri = ? AND account_id = ?`

	sqlInsertPin    = `INSERT OR IGNORE INTO pins(account_id, post_id, created_at) VALUES (?, ?, ?)`
	sqlDeletePin    = `DELETE FROM pins WHERE account_id = ? AND post_id = ?`
	sqlSelectPinned = `SELECT ` + postColumns + ` FROM pins n JOIN posts p ON p.id = n.post_id
		WHERE n.account_id = ? AND p.account_id = n.account_id ORDER BY n.created_at DESC, n.rowid DESC LIMIT ?`
)

func scanPost(row rowScanner) (*domain.Post, error) {
	var (
		p                domain.Post
		id, accountId    string
		visibility       string
		inReplyTo        sql.NullString
		inReplyToAccount sql.NullString
		conversation     sql.NullString
		editedAt         sql.NullTime
	)
	err := row.Scan(&id, &accountId, &p.URI, &visibility, &inReplyTo, &inReplyToAccount, &conversation,
		&p.Content, &p.Local, &p.CreatedAt, &editedAt)
	if err != nil {
		return nil, err
	}
	if p.Id, err = uuid.Parse(id); err != nil {
		return nil, fmt.Errorf("bad post id %q: %w", id, err)
	}
	if p.AccountId, err = uuid.Parse(accountId); err != nil {
		return nil, fmt.Errorf("bad post account id %q: %w", accountId, err)
	}
	p.Visibility = domain.Visibility(visibility)
	p.InReplyToId = parseNullUUID(inReplyTo)
	p.InReplyToAccountId = parseNullUUID(inReplyToAccount)
	p.ConversationId = parseNullUUID(conversation)
	p.EditedAt = timePtr(editedAt)
	return &p, nil
}

func (db *DB) queryPosts(ctx context.Context, query string, args ...interface{}) ([]domain.Post, error) {
	rows, err := db.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var posts []domain.Post
	for rows.Next() {
		p, err := scanPost(rows)
		if err != nil {
			return nil, err
		}
		posts = append(posts, *p)
	}
	return posts, rows.Err()
}

// CreatePost stores a post. A zero Id becomes a UUIDv7 so that id order is
// creation order.
func (db *DB) CreatePost(ctx context.Context, p *domain.Post) error {
	if p.Id == uuid.Nil {
		id, err := uuid.NewV7()
		if err != nil {
			return err
		}
		p.Id = id
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}
	if p.Visibility == "" {
		p.Visibility = domain.VisibilityPublic
	}
	return db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, sqlInsertPost, p.Id.String(), p.AccountId.String(), p.URI, string(p.Visibility),
			nullUUID(p.InReplyToId), nullUUID(p.InReplyToAccountId), nullUUID(p.ConversationId), p.Content,
			p.Local, p.CreatedAt, nullTime(p.EditedAt))
		return err
	})
}

func (db *DB) ReadPostById(ctx context.Context, id uuid.UUID) (*domain.Post, error) {
	p, err := scanPost(db.db.QueryRowContext(ctx, sqlSelectPostById, id.String()))
	return p, notFound(err)
}

func (db *DB) ReadPostByURI(ctx context.Context, uri string) (*domain.Post, error) {
	p, err := scanPost(db.db.QueryRowContext(ctx, sqlSelectPostByURI, uri))
	return p, notFound(err)
}

// DeletePostByURI removes a post owned by accountId. Deleting a missing post
// is not an error.
func (db *DB) DeletePostByURI(ctx context.Context, uri string, accountId uuid.UUID) error {
	return db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, sqlDeletePostByURI, uri, accountId.String())
		return err
	})
}

func visibilityFilter(visibilities []domain.Visibility) (string, []interface{}) {
	if len(visibilities) == 0 {
		return "", nil
	}
	args := make([]interface{}, 0, len(visibilities))
	for _, v := range visibilities {
		args = append(args, string(v))
	}
	return ` AND p.visibility IN (` + placeholders(len(visibilities)) + `)`, args
}

// ReadPostsByAccount returns an account's posts newest first, strictly
// older than maxId when given.
func (db *DB) ReadPostsByAccount(ctx context.Context, accountId uuid.UUID, visibilities []domain.Visibility, maxId *uuid.UUID, limit int) ([]domain.Post, error) {
	var sb strings.Builder
	args := []interface{}{accountId.String()}
	sb.WriteString(`SELECT ` + postColumns + ` FROM posts p WHERE p.account_id = ?`)
	filter, vargs := visibilityFilter(visibilities)
	sb.WriteString(filter)
	args = append(args, vargs...)
	if maxId != nil {
		sb.WriteString(` AND p.id < ?`)
		args = append(args, maxId.String())
	}
	sb.WriteString(` ORDER BY p.id DESC LIMIT ?`)
	args = append(args, limit)
	return db.queryPosts(ctx, sb.String(), args...)
}

func (db *DB) CountPostsByAccount(ctx context.Context, accountId uuid.UUID, visibilities []domain.Visibility) (int, error) {
	filter, vargs := visibilityFilter(visibilities)
	args := append([]interface{}{accountId.String()}, vargs...)
	var count int
	err := db.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM posts p WHERE p.account_id = ?`+filter, args...).Scan(&count)
	return count, err
}

// ReplyQuery selects direct replies to a post, oldest first.
type ReplyQuery struct {
	ParentId uuid.UUID
	// OwnerId is the parent post's author. Self replies are posts by the
	// owner, other replies are everything else from non-suspended accounts.
	OwnerId      uuid.UUID
	Others       bool
	Visibilities []domain.Visibility
	MinId        *uuid.UUID
	Limit        int
}

func (db *DB) ReadReplies(ctx context.Context, q ReplyQuery) ([]domain.Post, error) {
	var sb strings.Builder
	args := []interface{}{q.ParentId.String(), q.OwnerId.String()}
	if q.Others {
		sb.WriteString(`SELECT ` + postColumns + ` FROM posts p JOIN actors a ON a.id = p.account_id
			WHERE p.in_reply_to_id = ? AND p.account_id != ? AND a.state = 'active'`)
	} else {
		sb.WriteString(`SELECT ` + postColumns + ` FROM posts p WHERE p.in_reply_to_id = ? AND p.account_id = ?`)
	}
	filter, vargs := visibilityFilter(q.Visibilities)
	sb.WriteString(filter)
	args = append(args, vargs...)
	if q.MinId != nil {
		sb.WriteString(` AND p.id > ?`)
		args = append(args, q.MinId.String())
	}
	sb.WriteString(` ORDER BY p.id ASC LIMIT ?`)
	args = append(args, q.Limit)
	return db.queryPosts(ctx, sb.String(), args...)
}

// ReadContextPosts returns posts of a conversation newest first, strictly
// before maxId. Posts of suspended authors are skipped, so a thread whose
// root author is gone still serves what remains.
func (db *DB) ReadContextPosts(ctx context.Context, conversationId uuid.UUID, maxId *uuid.UUID, limit int) ([]domain.Post, error) {
	query := `SELECT ` + postColumns + ` FROM posts p JOIN actors a ON a.id = p.account_id
		WHERE p.conversation_id = ? AND a.state = 'active'`
	args := []interface{}{conversationId.String()}
	if maxId != nil {
		query += ` AND p.id < ?`
		args = append(args, maxId.String())
	}
	query += ` ORDER BY p.id DESC LIMIT ?`
	args = append(args, limit)
	return db.queryPosts(ctx, query, args...)
}

func (db *DB) PinPost(ctx context.Context, accountId, postId uuid.UUID) error {
	return db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, sqlInsertPin, accountId.String(), postId.String(), time.Now().UTC())
		return err
	})
}

func (db *DB) UnpinPost(ctx context.Context, accountId, postId uuid.UUID) error {
	return db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, sqlDeletePin, accountId.String(), postId.String())
		return err
	})
}

// ReadPinnedPosts returns the account's pinned posts, most recently pinned
// first.
func (db *DB) ReadPinnedPosts(ctx context.Context, accountId uuid.UUID, limit int) ([]domain.Post, error) {
	return db.queryPosts(ctx, sqlSelectPinned, accountId.String(), limit)
}

// ReadPostURIs maps post ids to their URIs. Unknown ids are left out.
func (db *DB) ReadPostURIs(ctx context.Context, ids []uuid.UUID) (map[uuid.UUID]string, error) {
	out := make(map[uuid.UUID]string, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	rows, err := db.db.QueryContext(ctx, `SELECT id, uri FROM posts WHERE id IN (`+placeholders(len(ids))+`)`, uuidArgs(ids)...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var idStr, uri string
		if err := rows.Scan(&idStr, &uri); err != nil {
			return nil, err
		}
		id, err := uuid.Parse(idStr)
		if err != nil {
			return nil, err
		}
		out[id] = uri
	}
	return out, rows.Err()
}
