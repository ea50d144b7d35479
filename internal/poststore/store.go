// Package poststore is the SQLite-backed relational store for
// published feed posts and their social signals, built on
// mattn/go-sqlite3 + jmoiron/sqlx with a migrate-then-query shape and
// a likes/reactions exclusivity invariant enforced at write time.
package poststore

import (
	"database/sql"
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"

	"github.com/forgecanvas/comfybroker/internal/apperr"
	"github.com/forgecanvas/comfybroker/internal/domain"
)

// Store is the sqlx handle plus migration bookkeeping.
type Store struct {
	db *sqlx.DB
}

// New opens (creating if absent) the SQLite file at path and runs
// migrations.
func New(path string) (*Store, error) {
	db, err := sqlx.Open("sqlite3", path+"?_journal_mode=WAL&_foreign_keys=on")
	if err != nil {
		return nil, apperr.New(apperr.IOError, "open post store db", err)
	}
	if err := db.Ping(); err != nil {
		return nil, apperr.New(apperr.IOError, "ping post store db", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, apperr.New(apperr.Internal, "migrate post store", err)
	}
	return s, nil
}

// migrate runs additive, idempotent DDL: CREATE TABLE IF NOT EXISTS
// for new tables, ALTER TABLE ADD COLUMN for new columns on existing
// ones, ignoring sqlite's "duplicate column name" error on rerun.
func (s *Store) migrate() error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS feed_posts (
			id TEXT PRIMARY KEY,
			owner_id TEXT NOT NULL,
			author_display TEXT NOT NULL DEFAULT '',
			prompt TEXT NOT NULL DEFAULT '',
			workflow_id TEXT NOT NULL DEFAULT '',
			seed INTEGER NOT NULL DEFAULT 0,
			aspect_ratio TEXT NOT NULL DEFAULT '',
			image_url TEXT NOT NULL DEFAULT '',
			thumb_url TEXT NOT NULL DEFAULT '',
			input_image_url TEXT NOT NULL DEFAULT '',
			input_thumb_url TEXT NOT NULL DEFAULT '',
			source_asset_id TEXT NOT NULL DEFAULT '',
			input_source_id TEXT NOT NULL DEFAULT '',
			published_at INTEGER NOT NULL,
			status TEXT NOT NULL DEFAULT 'active'
		);`,
		`CREATE INDEX IF NOT EXISTS idx_feed_posts_status_published ON feed_posts(status, published_at);`,
		`CREATE TABLE IF NOT EXISTS feed_likes (
			post_id TEXT NOT NULL,
			liker_id TEXT NOT NULL,
			created_at INTEGER NOT NULL,
			UNIQUE(post_id, liker_id)
		);`,
		`CREATE TABLE IF NOT EXISTS feed_reactions (
			post_id TEXT NOT NULL,
			reactor_id TEXT NOT NULL,
			reaction TEXT NOT NULL,
			created_at INTEGER NOT NULL,
			UNIQUE(post_id, reactor_id)
		);`,
	}

	for _, stmt := range statements {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("exec migration: %w", err)
		}
	}

	alterations := []string{
		`ALTER TABLE feed_posts ADD COLUMN input_source_id TEXT NOT NULL DEFAULT ''`,
	}
	for _, stmt := range alterations {
		if _, err := s.db.Exec(stmt); err != nil && !isDuplicateColumn(err) {
			return fmt.Errorf("exec alteration: %w", err)
		}
	}

	return nil
}

func isDuplicateColumn(err error) bool {
	return err != nil && strings.Contains(err.Error(), "duplicate column name")
}

// CreatePost inserts meta with status=active.
func (s *Store) CreatePost(p *domain.Post) error {
	p.Status = domain.PostActive
	_, err := s.db.NamedExec(`
		INSERT INTO feed_posts
			(id, owner_id, author_display, prompt, workflow_id, seed, aspect_ratio,
			 image_url, thumb_url, input_image_url, input_thumb_url,
			 source_asset_id, input_source_id, published_at, status)
		VALUES
			(:id, :owner_id, :author_display, :prompt, :workflow_id, :seed, :aspect_ratio,
			 :image_url, :thumb_url, :input_image_url, :input_thumb_url,
			 :source_asset_id, :input_source_id, :published_at, :status)
	`, p)
	if err != nil {
		return apperr.New(apperr.IOError, "insert post", err)
	}
	return nil
}

// GetPost loads a single post by id regardless of status.
func (s *Store) GetPost(id string) (*domain.Post, error) {
	var p domain.Post
	err := s.db.Get(&p, `SELECT * FROM feed_posts WHERE id = ?`, id)
	if err == sql.ErrNoRows {
		return nil, domain.ErrPostNotFound
	}
	if err != nil {
		return nil, apperr.New(apperr.IOError, "get post", err)
	}
	return &p, nil
}

// ListPosts returns a page of posts filtered by include and ordered by
// sort. most_reactions ties are broken by a fresh RANDOM() ordering
// each call, so zero-count posts reshuffle between pages rather than
// settling into a fixed order.
func (s *Store) ListPosts(include domain.ListInclude, page, size int, sort domain.ListSort) ([]domain.Post, error) {
	if size < 1 {
		size = 1
	}
	if size > 100 {
		size = 100
	}
	if page < 1 {
		page = 1
	}
	offset := (page - 1) * size

	where := ""
	args := []any{}
	switch include {
	case domain.IncludeActive:
		where = "WHERE status = ?"
		args = append(args, domain.PostActive)
	case domain.IncludeTrash:
		where = "WHERE status = ?"
		args = append(args, domain.PostTrash)
	case domain.IncludeAll:
		// no filter
	}

	orderBy := "published_at DESC"
	switch sort {
	case domain.SortOldest:
		orderBy = "published_at ASC"
	case domain.SortMostReactions:
		orderBy = `(
			(SELECT COUNT(*) FROM feed_likes WHERE feed_likes.post_id = feed_posts.id) +
			(SELECT COUNT(*) FROM feed_reactions WHERE feed_reactions.post_id = feed_posts.id)
		) DESC, RANDOM()`
	}

	query := fmt.Sprintf(`SELECT * FROM feed_posts %s ORDER BY %s LIMIT ? OFFSET ?`, where, orderBy)
	args = append(args, size, offset)

	var posts []domain.Post
	if err := s.db.Select(&posts, query, args...); err != nil {
		return nil, apperr.New(apperr.IOError, "list posts", err)
	}
	return posts, nil
}

// LikeToggle deletes any reaction row for (post, liker), then toggles
// a like row, returning the resulting liked state and count.
func (s *Store) LikeToggle(postID, likerID string) (liked bool, count int, err error) {
	tx, err := s.db.Beginx()
	if err != nil {
		return false, 0, apperr.New(apperr.IOError, "begin like toggle", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM feed_reactions WHERE post_id = ? AND reactor_id = ?`, postID, likerID); err != nil {
		return false, 0, apperr.New(apperr.IOError, "clear reaction before like", err)
	}

	var existing int
	err = tx.Get(&existing, `SELECT COUNT(*) FROM feed_likes WHERE post_id = ? AND liker_id = ?`, postID, likerID)
	if err != nil {
		return false, 0, apperr.New(apperr.IOError, "check existing like", err)
	}

	if existing > 0 {
		if _, err := tx.Exec(`DELETE FROM feed_likes WHERE post_id = ? AND liker_id = ?`, postID, likerID); err != nil {
			return false, 0, apperr.New(apperr.IOError, "remove like", err)
		}
		liked = false
	} else {
		if _, err := tx.Exec(`INSERT INTO feed_likes (post_id, liker_id, created_at) VALUES (?, ?, strftime('%s','now'))`, postID, likerID); err != nil {
			return false, 0, apperr.New(apperr.IOError, "insert like", err)
		}
		liked = true
	}

	if err := tx.Get(&count, `SELECT COUNT(*) FROM feed_likes WHERE post_id = ?`, postID); err != nil {
		return false, 0, apperr.New(apperr.IOError, "count likes", err)
	}

	if err := tx.Commit(); err != nil {
		return false, 0, apperr.New(apperr.IOError, "commit like toggle", err)
	}
	return liked, count, nil
}

// ReactionSet deletes any legacy like row for (post, reactor), then
// upserts or toggles-off the given reaction, returning the refreshed
// aggregate.
func (s *Store) ReactionSet(postID, reactorID string, reaction domain.ReactionType) (*domain.ReactionAggregate, error) {
	if !domain.ValidReactions[reaction] {
		return nil, domain.ErrInvalidReaction
	}

	tx, err := s.db.Beginx()
	if err != nil {
		return nil, apperr.New(apperr.IOError, "begin reaction set", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM feed_likes WHERE post_id = ? AND liker_id = ?`, postID, reactorID); err != nil {
		return nil, apperr.New(apperr.IOError, "clear legacy like", err)
	}

	var current string
	err = tx.Get(&current, `SELECT reaction FROM feed_reactions WHERE post_id = ? AND reactor_id = ?`, postID, reactorID)
	switch {
	case err == sql.ErrNoRows:
		if _, err := tx.Exec(`INSERT INTO feed_reactions (post_id, reactor_id, reaction, created_at) VALUES (?, ?, ?, strftime('%s','now'))`, postID, reactorID, string(reaction)); err != nil {
			return nil, apperr.New(apperr.IOError, "insert reaction", err)
		}
	case err != nil:
		return nil, apperr.New(apperr.IOError, "read current reaction", err)
	case current == string(reaction):
		if _, err := tx.Exec(`DELETE FROM feed_reactions WHERE post_id = ? AND reactor_id = ?`, postID, reactorID); err != nil {
			return nil, apperr.New(apperr.IOError, "toggle off reaction", err)
		}
	default:
		if _, err := tx.Exec(`UPDATE feed_reactions SET reaction = ?, created_at = strftime('%s','now') WHERE post_id = ? AND reactor_id = ?`, string(reaction), postID, reactorID); err != nil {
			return nil, apperr.New(apperr.IOError, "update reaction", err)
		}
	}

	agg, err := aggregate(tx, postID, reactorID)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, apperr.New(apperr.IOError, "commit reaction set", err)
	}
	return agg, nil
}

// GetReactionInfo returns the aggregate without mutating anything.
func (s *Store) GetReactionInfo(postID, viewerID string) (*domain.ReactionAggregate, error) {
	return aggregate(s.db, postID, viewerID)
}

// queryer is satisfied by both *sqlx.DB and *sqlx.Tx.
type queryer interface {
	Get(dest any, query string, args ...any) error
	Select(dest any, query string, args ...any) error
}

func aggregate(q queryer, postID, viewerID string) (*domain.ReactionAggregate, error) {
	agg := &domain.ReactionAggregate{Reactions: map[domain.ReactionType]int{
		domain.ReactionLove:  0,
		domain.ReactionLike:  0,
		domain.ReactionLaugh: 0,
		domain.ReactionWow:   0,
		domain.ReactionFire:  0,
	}}

	type reactionRow struct {
		Reaction string `db:"reaction"`
		N        int    `db:"n"`
	}
	var rows []reactionRow
	if err := q.Select(&rows, `SELECT reaction, COUNT(*) AS n FROM feed_reactions WHERE post_id = ? GROUP BY reaction`, postID); err != nil {
		return nil, apperr.New(apperr.IOError, "aggregate reactions", err)
	}
	for _, r := range rows {
		agg.Reactions[domain.ReactionType(r.Reaction)] = r.N
	}

	var legacyLikes int
	if err := q.Get(&legacyLikes, `SELECT COUNT(*) FROM feed_likes WHERE post_id = ?`, postID); err != nil {
		return nil, apperr.New(apperr.IOError, "count legacy likes", err)
	}
	agg.Reactions[domain.ReactionLove] += legacyLikes

	if viewerID == "" {
		return agg, nil
	}

	var myReaction string
	err := q.Get(&myReaction, `SELECT reaction FROM feed_reactions WHERE post_id = ? AND reactor_id = ?`, postID, viewerID)
	switch {
	case err == nil:
		rt := domain.ReactionType(myReaction)
		agg.MyReaction = &rt
	case err == sql.ErrNoRows:
		var likeCount int
		if err := q.Get(&likeCount, `SELECT COUNT(*) FROM feed_likes WHERE post_id = ? AND liker_id = ?`, postID, viewerID); err != nil {
			return nil, apperr.New(apperr.IOError, "check legacy like", err)
		}
		if likeCount > 0 {
			love := domain.ReactionLove
			agg.MyReaction = &love
		}
	default:
		return nil, apperr.New(apperr.IOError, "read my reaction", err)
	}

	return agg, nil
}

// SetStatus flips a post's status (active/trash), for admin
// soft-delete and restore.
func (s *Store) SetStatus(postID string, status domain.PostStatus) error {
	res, err := s.db.Exec(`UPDATE feed_posts SET status = ? WHERE id = ?`, string(status), postID)
	if err != nil {
		return apperr.New(apperr.IOError, "update post status", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return domain.ErrPostNotFound
	}
	return nil
}

// DeletePost removes a post row permanently (used by admin purge,
// after the feed media store has removed its files).
func (s *Store) DeletePost(postID string) error {
	if _, err := s.db.Exec(`DELETE FROM feed_likes WHERE post_id = ?`, postID); err != nil {
		return apperr.New(apperr.IOError, "delete likes", err)
	}
	if _, err := s.db.Exec(`DELETE FROM feed_reactions WHERE post_id = ?`, postID); err != nil {
		return apperr.New(apperr.IOError, "delete reactions", err)
	}
	if _, err := s.db.Exec(`DELETE FROM feed_posts WHERE id = ?`, postID); err != nil {
		return apperr.New(apperr.IOError, "delete post", err)
	}
	return nil
}

// Close closes the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}
