// Package sqlite provides a SQLite-backed draw document store.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	sqlitemigrate "github.com/fairdraw/fairdraw/internal/platform/storage/sqlitemigrate"
	"github.com/fairdraw/fairdraw/internal/services/draw/domain"
	"github.com/fairdraw/fairdraw/internal/services/draw/storage"
	"github.com/fairdraw/fairdraw/internal/services/draw/storage/sqlite/migrations"
	msqlite "modernc.org/sqlite"
	sqlite3lib "modernc.org/sqlite/lib"
)

// Store persists draw documents and stakeholder keys in SQLite.
//
// Each draw is one JSON document row; array mutations re-read and rewrite the
// document inside a transaction, which serializes writers per database and
// gives the array-union semantics the coordination layer relies on.
type Store struct {
	sqlDB *sql.DB

	feedMu      sync.Mutex
	feedNextID  int
	subscribers map[int]chan struct{}
}

// Open opens a SQLite draw store and applies embedded migrations.
func Open(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}
	cleanPath := filepath.Clean(path)
	dsn := cleanPath + "?_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if err := sqlitemigrate.ApplyMigrations(sqlDB, migrations.FS); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return &Store{
		sqlDB:       sqlDB,
		subscribers: make(map[int]chan struct{}),
	}, nil
}

// Close closes the SQLite handle.
func (s *Store) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}

// CreateDraw inserts one draw document.
func (s *Store) CreateDraw(ctx context.Context, draw domain.Draw) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	uuid := strings.TrimSpace(draw.UUID)
	if uuid == "" {
		return fmt.Errorf("draw uuid is required")
	}

	document, err := json.Marshal(draw)
	if err != nil {
		return fmt.Errorf("encode draw document: %w", err)
	}

	_, err = s.sqlDB.ExecContext(
		ctx,
		`INSERT INTO draws (uuid, document, creation_timestamp) VALUES (?, ?, ?)`,
		uuid,
		string(document),
		draw.CreationTimestamp,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return storage.ErrAlreadyExists
		}
		return fmt.Errorf("create draw: %w", err)
	}
	s.notifySubscribers()
	return nil
}

// GetDraw returns one draw document by uuid.
func (s *Store) GetDraw(ctx context.Context, uuid string) (domain.Draw, error) {
	if err := ctx.Err(); err != nil {
		return domain.Draw{}, err
	}
	if s == nil || s.sqlDB == nil {
		return domain.Draw{}, fmt.Errorf("storage is not configured")
	}
	uuid = strings.TrimSpace(uuid)
	if uuid == "" {
		return domain.Draw{}, fmt.Errorf("draw uuid is required")
	}

	row := s.sqlDB.QueryRowContext(ctx, `SELECT document FROM draws WHERE uuid = ?`, uuid)
	var document string
	if err := row.Scan(&document); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Draw{}, storage.ErrNotFound
		}
		return domain.Draw{}, fmt.Errorf("get draw: %w", err)
	}
	return decodeDraw(document)
}

// ListDraws returns all draw documents ordered by descending creation timestamp.
func (s *Store) ListDraws(ctx context.Context) ([]domain.Draw, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s == nil || s.sqlDB == nil {
		return nil, fmt.Errorf("storage is not configured")
	}

	rows, err := s.sqlDB.QueryContext(
		ctx,
		`SELECT document FROM draws ORDER BY creation_timestamp DESC, uuid ASC`,
	)
	if err != nil {
		return nil, fmt.Errorf("list draws: %w", err)
	}
	defer rows.Close()

	draws := make([]domain.Draw, 0)
	for rows.Next() {
		var document string
		if err := rows.Scan(&document); err != nil {
			return nil, fmt.Errorf("list draws: %w", err)
		}
		draw, err := decodeDraw(document)
		if err != nil {
			return nil, err
		}
		draws = append(draws, draw)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list draws: %w", err)
	}
	return draws, nil
}

// AppendStakeholder unions a stakeholder into the draw document.
func (s *Store) AppendStakeholder(ctx context.Context, uuid string, stakeholder domain.Stakeholder) error {
	stakeholderID := strings.TrimSpace(stakeholder.ID)
	if stakeholderID == "" {
		return fmt.Errorf("stakeholder id is required")
	}
	_, err := s.updateDocument(ctx, uuid, func(draw *domain.Draw) (bool, error) {
		if draw.HasStakeholder(stakeholderID) {
			return false, storage.ErrAlreadyExists
		}
		draw.Stakeholders = append(draw.Stakeholders, stakeholder)
		return true, nil
	})
	return err
}

// SetStatus overwrites the draw's status.
func (s *Store) SetStatus(ctx context.Context, uuid string, status domain.DrawStatus) error {
	_, err := s.updateDocument(ctx, uuid, func(draw *domain.Draw) (bool, error) {
		if draw.Status == status {
			return false, nil
		}
		draw.Status = status
		return true, nil
	})
	return err
}

// AppendCommit appends an opaque commit payload to the draw document.
func (s *Store) AppendCommit(ctx context.Context, uuid string, payload json.RawMessage) error {
	_, err := s.updateDocument(ctx, uuid, func(draw *domain.Draw) (bool, error) {
		draw.Commits = append(draw.Commits, payload)
		return true, nil
	})
	return err
}

// AppendReveal appends an opaque reveal payload to the draw document.
func (s *Store) AppendReveal(ctx context.Context, uuid string, payload json.RawMessage) error {
	_, err := s.updateDocument(ctx, uuid, func(draw *domain.Draw) (bool, error) {
		draw.Reveals = append(draw.Reveals, payload)
		return true, nil
	})
	return err
}

// AppendWinnerAck unions an acknowledgment, deduplicated by stakeholder id.
func (s *Store) AppendWinnerAck(ctx context.Context, uuid string, ack domain.WinnerAck) error {
	if strings.TrimSpace(ack.StakeholderID) == "" {
		return fmt.Errorf("stakeholder id is required")
	}
	_, err := s.updateDocument(ctx, uuid, func(draw *domain.Draw) (bool, error) {
		if draw.HasAckFrom(ack.StakeholderID) {
			return false, nil
		}
		draw.WinnerAcks = append(draw.WinnerAcks, ack)
		return true, nil
	})
	return err
}

// SetWinnerIfAbsent commits the winner exactly once. The status moves to
// FINISHED in the same document write.
func (s *Store) SetWinnerIfAbsent(ctx context.Context, uuid string, winner domain.Candidate) (bool, error) {
	return s.updateDocument(ctx, uuid, func(draw *domain.Draw) (bool, error) {
		if draw.Winner != nil {
			return false, nil
		}
		draw.Winner = &winner
		draw.Status = domain.StatusFinished
		return true, nil
	})
}

// Subscribe registers a change-feed subscriber. Ticks coalesce: a slow
// consumer sees at least one tick for any burst of mutations.
func (s *Store) Subscribe(ctx context.Context) (<-chan struct{}, func()) {
	feed := make(chan struct{}, 1)

	s.feedMu.Lock()
	subscriberID := s.feedNextID
	s.feedNextID++
	s.subscribers[subscriberID] = feed
	s.feedMu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			s.feedMu.Lock()
			delete(s.subscribers, subscriberID)
			s.feedMu.Unlock()
		})
	}

	if ctx != nil {
		go func() {
			<-ctx.Done()
			cancel()
		}()
	}
	return feed, cancel
}

// updateDocument runs a read-modify-write cycle on one draw document inside a
// transaction. The apply callback reports whether it changed the document.
func (s *Store) updateDocument(ctx context.Context, uuid string, apply func(*domain.Draw) (bool, error)) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if s == nil || s.sqlDB == nil {
		return false, fmt.Errorf("storage is not configured")
	}
	uuid = strings.TrimSpace(uuid)
	if uuid == "" {
		return false, fmt.Errorf("draw uuid is required")
	}

	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin draw update: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	row := tx.QueryRowContext(ctx, `SELECT document FROM draws WHERE uuid = ?`, uuid)
	var document string
	if err := row.Scan(&document); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, storage.ErrNotFound
		}
		return false, fmt.Errorf("read draw for update: %w", err)
	}

	draw, err := decodeDraw(document)
	if err != nil {
		return false, err
	}

	changed, err := apply(&draw)
	if err != nil {
		return false, err
	}
	if !changed {
		return false, nil
	}

	updated, err := json.Marshal(draw)
	if err != nil {
		return false, fmt.Errorf("encode draw document: %w", err)
	}
	if _, err := tx.ExecContext(
		ctx,
		`UPDATE draws SET document = ? WHERE uuid = ?`,
		string(updated),
		uuid,
	); err != nil {
		return false, fmt.Errorf("write draw document: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit draw update: %w", err)
	}

	s.notifySubscribers()
	return true, nil
}

func (s *Store) notifySubscribers() {
	s.feedMu.Lock()
	defer s.feedMu.Unlock()
	for _, feed := range s.subscribers {
		select {
		case feed <- struct{}{}:
		default:
		}
	}
}

// SavePublicKey stores or replaces a stakeholder's registered public key.
func (s *Store) SavePublicKey(ctx context.Context, stakeholderID string, publicKey string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	stakeholderID = strings.TrimSpace(stakeholderID)
	publicKey = strings.TrimSpace(publicKey)
	if stakeholderID == "" {
		return fmt.Errorf("stakeholder id is required")
	}
	if publicKey == "" {
		return fmt.Errorf("public key is required")
	}

	_, err := s.sqlDB.ExecContext(
		ctx,
		`INSERT INTO stakeholder_keys (stakeholder_id, public_key, updated_at)
		 VALUES (?, ?, ?)
		 ON CONFLICT (stakeholder_id) DO UPDATE SET
		   public_key = excluded.public_key,
		   updated_at = excluded.updated_at`,
		stakeholderID,
		publicKey,
		time.Now().UTC().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("save public key: %w", err)
	}
	return nil
}

// GetPublicKey returns a stakeholder's registered public key.
func (s *Store) GetPublicKey(ctx context.Context, stakeholderID string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if s == nil || s.sqlDB == nil {
		return "", fmt.Errorf("storage is not configured")
	}
	stakeholderID = strings.TrimSpace(stakeholderID)
	if stakeholderID == "" {
		return "", fmt.Errorf("stakeholder id is required")
	}

	row := s.sqlDB.QueryRowContext(
		ctx,
		`SELECT public_key FROM stakeholder_keys WHERE stakeholder_id = ?`,
		stakeholderID,
	)
	var publicKey string
	if err := row.Scan(&publicKey); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", storage.ErrNotFound
		}
		return "", fmt.Errorf("get public key: %w", err)
	}
	return publicKey, nil
}

func decodeDraw(document string) (domain.Draw, error) {
	var draw domain.Draw
	if err := json.Unmarshal([]byte(document), &draw); err != nil {
		return domain.Draw{}, fmt.Errorf("decode draw document: %w", err)
	}
	return draw, nil
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	var sqliteErr *msqlite.Error
	if errors.As(err, &sqliteErr) {
		switch sqliteErr.Code() {
		case sqlite3lib.SQLITE_CONSTRAINT_PRIMARYKEY, sqlite3lib.SQLITE_CONSTRAINT_UNIQUE:
			return true
		}
	}
	return strings.Contains(strings.ToLower(err.Error()), "unique constraint failed")
}

var _ storage.DrawStore = (*Store)(nil)
var _ storage.KeyStore = (*Store)(nil)
