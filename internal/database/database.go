package database

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/sirupsen/logrus"

	"adminchat/internal/constants"
	apperrors "adminchat/internal/errors"
	"adminchat/internal/migrations"
	"adminchat/internal/models"
	"adminchat/internal/security"
)

// Database is the local sqlite cache of the admin notification feed.
type Database struct {
	db        *sql.DB
	encryptor *Encryptor
	logger    *logrus.Logger
	now       func() time.Time
}

// New opens (creating if needed) the cache at dbPath and migrates it.
// A non-empty secret enables encryption of titles and bodies at rest.
func New(ctx context.Context, dbPath, secret string, logger *logrus.Logger) (*Database, error) {
	if err := security.ValidateFilePath(dbPath); err != nil {
		return nil, apperrors.NewConfigError("database.path", err.Error())
	}
	if logger == nil {
		logger = logrus.New()
	}

	enc, err := NewEncryptor(secret)
	if err != nil {
		return nil, apperrors.NewConfigError(constants.EnvEncryptionSecret, err.Error())
	}

	if dir := filepath.Dir(dbPath); dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, apperrors.NewDatabaseError("create directory", err)
		}
	}
	file, err := os.OpenFile(dbPath, os.O_RDWR|os.O_CREATE, 0o600)
	if err != nil {
		return nil, apperrors.NewDatabaseError("create file", err)
	}
	if err := file.Close(); err != nil {
		return nil, apperrors.NewDatabaseError("create file", err)
	}

	db, err := sql.Open("sqlite3", dbPath+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, apperrors.NewDatabaseError("open", err)
	}
	// one writer keeps sqlite lock contention out of the picture
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, apperrors.NewDatabaseError("ping", err)
	}
	if _, err := migrations.Apply(ctx, db, logger); err != nil {
		_ = db.Close()
		return nil, apperrors.NewDatabaseError("migrate", err)
	}

	logger.WithFields(logrus.Fields{
		"path":       dbPath,
		"encryption": enc.Enabled(),
	}).Debug("Notification cache opened")
	return &Database{db: db, encryptor: enc, logger: logger, now: time.Now}, nil
}

func (d *Database) Close() error {
	return d.db.Close()
}

// UpsertNotifications stores fetched notifications and returns the ones
// not seen before. Existing rows only take over a read flag.
func (d *Database) UpsertNotifications(ctx context.Context, items []models.Notification) ([]models.Notification, error) {
	var fresh []models.Notification
	err := withRetry(ctx, func() error {
		fresh = fresh[:0]
		tx, err := d.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer func() { _ = tx.Rollback() }()

		fetchedAt := d.now().UnixMilli()
		for _, n := range items {
			var one int
			err := tx.QueryRowContext(ctx, SelectNotificationExistsQuery, n.ID).Scan(&one)
			switch {
			case err == sql.ErrNoRows:
				if err := d.insert(ctx, tx, n, fetchedAt); err != nil {
					return err
				}
				fresh = append(fresh, n)
			case err != nil:
				return err
			default:
				if _, err := tx.ExecContext(ctx, UpdateNotificationReadQuery, boolToInt(n.Read), n.ID); err != nil {
					return err
				}
			}
		}
		return tx.Commit()
	})
	if err != nil {
		return nil, apperrors.NewDatabaseError("upsert notifications", err)
	}
	return fresh, nil
}

func (d *Database) insert(ctx context.Context, tx *sql.Tx, n models.Notification, fetchedAt int64) error {
	title, err := d.encryptor.Encrypt(n.Title)
	if err != nil {
		return fmt.Errorf("failed to encrypt title: %w", err)
	}
	body, err := d.encryptor.Encrypt(n.Body)
	if err != nil {
		return fmt.Errorf("failed to encrypt body: %w", err)
	}
	_, err = tx.ExecContext(ctx, InsertNotificationQuery,
		n.ID, n.Type, title, body, n.Link, boolToInt(n.Read), n.CreatedAt.UnixMilli(), fetchedAt)
	return err
}

// ListNotifications returns up to limit notifications, newest first
func (d *Database) ListNotifications(ctx context.Context, limit int) ([]models.Notification, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := d.db.QueryContext(ctx, SelectNotificationsQuery, limit)
	if err != nil {
		return nil, apperrors.NewDatabaseError("list notifications", err)
	}
	defer rows.Close()

	var out []models.Notification
	for rows.Next() {
		var (
			n         models.Notification
			read      int
			createdAt int64
		)
		if err := rows.Scan(&n.ID, &n.Type, &n.Title, &n.Body, &n.Link, &read, &createdAt); err != nil {
			return nil, apperrors.NewDatabaseError("scan notification", err)
		}
		if n.Title, err = d.encryptor.Decrypt(n.Title); err != nil {
			return nil, apperrors.NewDatabaseError("decrypt notification", err)
		}
		if n.Body, err = d.encryptor.Decrypt(n.Body); err != nil {
			return nil, apperrors.NewDatabaseError("decrypt notification", err)
		}
		n.Read = read != 0
		n.CreatedAt = time.UnixMilli(createdAt).UTC()
		out = append(out, n)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.NewDatabaseError("list notifications", err)
	}
	return out, nil
}

func (d *Database) MarkNotificationRead(ctx context.Context, id string) error {
	return d.execOne(ctx, "mark notification read", MarkNotificationReadQuery, id)
}

func (d *Database) DeleteNotification(ctx context.Context, id string) error {
	return d.execOne(ctx, "delete notification", DeleteNotificationQuery, id)
}

// DeleteAllNotifications empties the cache and returns the removed count
func (d *Database) DeleteAllNotifications(ctx context.Context) (int64, error) {
	var n int64
	err := withRetry(ctx, func() error {
		res, err := d.db.ExecContext(ctx, DeleteAllNotificationsQuery)
		if err != nil {
			return err
		}
		n, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return 0, apperrors.NewDatabaseError("delete notifications", err)
	}
	return n, nil
}

func (d *Database) UnreadCount(ctx context.Context) (int, error) {
	var n int
	if err := d.db.QueryRowContext(ctx, CountUnreadNotificationsQuery).Scan(&n); err != nil {
		return 0, apperrors.NewDatabaseError("count unread", err)
	}
	return n, nil
}

// PruneNotifications drops notifications created more than keep ago
func (d *Database) PruneNotifications(ctx context.Context, keep time.Duration) (int64, error) {
	cutoff := d.now().Add(-keep).UnixMilli()
	var n int64
	err := withRetry(ctx, func() error {
		res, err := d.db.ExecContext(ctx, DeleteOldNotificationsQuery, cutoff)
		if err != nil {
			return err
		}
		n, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return 0, apperrors.NewDatabaseError("prune notifications", err)
	}
	return n, nil
}

// execOne runs a single-row statement; no matching row is NotFound
func (d *Database) execOne(ctx context.Context, op, query, id string) error {
	var affected int64
	err := withRetry(ctx, func() error {
		res, err := d.db.ExecContext(ctx, query, id)
		if err != nil {
			return err
		}
		affected, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return apperrors.NewDatabaseError(op, err)
	}
	if affected == 0 {
		return apperrors.NewNotFoundError("notification", id)
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
