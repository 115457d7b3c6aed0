// Package projection maintains a read-optimized SQLite mirror of the CRDT
// documents. It implements the sync client's projection hook: after every
// session that merged remote changes, the updated document's entities are
// re-projected into the entities table for ad-hoc local queries.
//
// The projection is derived state. It can always be rebuilt from the blobs,
// and a projection failure can never corrupt them because the hook runs
// after the blob is saved.
package projection

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	_ "modernc.org/sqlite"

	"github.com/evcraddock/todufit-go/internal/crdt"
)

// Entity is one projected row.
type Entity struct {
	DocKind   string
	EntityID  string
	Body      string
	UpdatedAt time.Time
}

// Store is the SQLite projection store.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewStore opens (creating if needed) the projection database and applies
// pending migrations.
func NewStore(ctx context.Context, dbPath string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}

	// WAL journaling and a busy timeout: the CLI is the only writer, but a
	// concurrent read-only command must not error out mid-sync.
	dsn := dbPath + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("projection: opening %s: %w", dbPath, err)
	}

	if err := runMigrations(ctx, db, logger); err != nil {
		db.Close()
		return nil, err
	}

	return &Store{db: db, logger: logger}, nil
}

// Close releases the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// OnDocumentUpdated implements the sync projection hook: replace the
// projected rows for docKind with the document's current entities, in one
// transaction. Replaying the same document state is a no-op by construction.
func (s *Store) OnDocumentUpdated(docKind string, doc *crdt.Doc) error {
	entities, err := doc.RootValues()
	if err != nil {
		return err
	}

	ctx := context.Background()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("projection: beginning transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM entities WHERE doc_kind = ?`, docKind); err != nil {
		return fmt.Errorf("projection: clearing %s rows: %w", docKind, err)
	}

	for entityID, value := range entities {
		body, err := json.Marshal(value)
		if err != nil {
			return fmt.Errorf("projection: encoding entity %s/%s: %w", docKind, entityID, err)
		}

		if _, err := tx.ExecContext(ctx,
			`INSERT INTO entities (doc_kind, entity_id, body, updated_at) VALUES (?, ?, ?, datetime('now'))`,
			docKind, entityID, string(body),
		); err != nil {
			return fmt.Errorf("projection: inserting entity %s/%s: %w", docKind, entityID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("projection: committing: %w", err)
	}

	s.logger.Debug("projected document",
		slog.String("doc_kind", docKind),
		slog.Int("entities", len(entities)),
	)

	return nil
}

// Entities lists the projected rows for a document kind, ordered by entity
// id.
func (s *Store) Entities(ctx context.Context, docKind string) ([]Entity, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT doc_kind, entity_id, body, updated_at FROM entities WHERE doc_kind = ? ORDER BY entity_id`,
		docKind,
	)
	if err != nil {
		return nil, fmt.Errorf("projection: querying %s: %w", docKind, err)
	}
	defer rows.Close()

	var entities []Entity

	for rows.Next() {
		var e Entity

		var updatedAt string

		if err := rows.Scan(&e.DocKind, &e.EntityID, &e.Body, &updatedAt); err != nil {
			return nil, fmt.Errorf("projection: scanning row: %w", err)
		}

		if t, parseErr := time.Parse("2006-01-02 15:04:05", updatedAt); parseErr == nil {
			e.UpdatedAt = t
		}

		entities = append(entities, e)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("projection: iterating rows: %w", err)
	}

	return entities, nil
}
