// Package storage keeps per-user settings and job history in an in-memory
// sqlite database. Nothing survives a restart, which is the point: saved
// content leaves no trace on the host beyond the delivery itself.
package storage

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"

	_ "github.com/mattn/go-sqlite3"

	e "nuclight.org/saver-tg-bot/pkg/entities"
)

type SQLite struct {
	db *sql.DB
}

// NewVolatile opens a process-wide in-memory database. The shared cache DSN
// keeps all connections of the pool on the same database instead of each
// getting its own empty one.
func NewVolatile(ctx context.Context) (*SQLite, error) {
	return NewSQLite(ctx, "file::memory:?cache=shared")
}

func NewSQLite(ctx context.Context, dsn string) (*SQLite, error) {
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite3 database: %w", err)
	}

	client := &SQLite{
		db: db,
	}

	err = client.init(ctx)
	if err != nil {
		return nil, fmt.Errorf("initializing sqlite3 database: %w", err)
	}

	return client, nil
}

func (c *SQLite) Close() error {
	return c.db.Close()
}

// Get returns the value for key, or "" when the key is absent. A volatile
// store never distinguishes "deleted" from "never set".
func (c *SQLite) Get(ctx context.Context, key string) (string, error) {
	var value string
	err := c.db.QueryRowContext(
		ctx,
		"SELECT v FROM kv WHERE k = ?",
		key,
	).Scan(&value)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", nil
		}

		return "", err
	}

	return value, nil
}

func (c *SQLite) Put(ctx context.Context, key, value string) error {
	_, err := c.db.ExecContext(
		ctx,
		`INSERT INTO kv (k, v, updated_at)
			VALUES (?, ?, CURRENT_TIMESTAMP)
			ON CONFLICT(k) DO UPDATE
			    SET v = ?, updated_at = CURRENT_TIMESTAMP`,
		key, value, value,
	)
	return err
}

func (c *SQLite) Delete(ctx context.Context, key string) error {
	_, err := c.db.ExecContext(ctx, "DELETE FROM kv WHERE k = ?", key)
	return err
}

func thumbnailKey(userID int64) string {
	return fmt.Sprintf("thumbnail:%d", userID)
}

// ThumbnailPath returns the user's preferred thumbnail file, or "" when the
// user has not set one.
func (c *SQLite) ThumbnailPath(ctx context.Context, userID int64) (string, error) {
	return c.Get(ctx, thumbnailKey(userID))
}

func (c *SQLite) SetThumbnailPath(ctx context.Context, userID int64, path string) error {
	return c.Put(ctx, thumbnailKey(userID), path)
}

func (c *SQLite) ClearThumbnailPath(ctx context.Context, userID int64) error {
	return c.Delete(ctx, thumbnailKey(userID))
}

// RecordJob appends a finished job to the history.
func (c *SQLite) RecordJob(ctx context.Context, job e.RetrievalJob, detail string) (int64, error) {
	result, err := c.db.ExecContext(
		ctx,
		`INSERT INTO jobs (
			user_id, raw_link, status, detail, created_at
		) VALUES (
			?, ?, ?, ?, CURRENT_TIMESTAMP
		)`,
		job.UserID, job.RawLink, string(job.Status), detail,
	)
	if err != nil {
		return 0, fmt.Errorf("inserting job: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("getting last insert id: %w", err)
	}

	return id, nil
}

func (c *SQLite) CountJobs(ctx context.Context, userID int64) (int, error) {
	var count int
	err := c.db.QueryRowContext(
		ctx,
		"SELECT COUNT(*) FROM jobs WHERE user_id = ?",
		userID,
	).Scan(&count)
	if err != nil {
		return 0, err
	}

	return count, nil
}

//go:embed init.sql
var initQuery string

func (c *SQLite) init(ctx context.Context) error {
	_, err := c.db.ExecContext(ctx, initQuery)
	return err
}
