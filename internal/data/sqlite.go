package data

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"

	_ "modernc.org/sqlite"

	derrors "git.home.luguber.info/inful/buildmaster/internal/errors"
	"git.home.luguber.info/inful/buildmaster/internal/sourcestamp"
)

// SQLiteStore implements Resolver backed by SQLite. The write surface
// (creating builders, buildsets and requests, marking completion) is what the
// scheduling side of the master uses; the canceller only reads.
type SQLiteStore struct {
	db *sql.DB
	mu sync.RWMutex
}

// NewSQLiteStore opens (or creates) the database at dbPath.
// Use ":memory:" for an in-memory database.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, derrors.StoreError("open", err)
	}

	store := &SQLiteStore{db: db}
	if err := store.initialize(); err != nil {
		_ = db.Close() // Best effort cleanup on initialization error
		return nil, derrors.StoreError("initialize schema", err)
	}

	return store, nil
}

func (s *SQLiteStore) initialize() error {
	schema := `
	CREATE TABLE IF NOT EXISTS builders (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		name TEXT NOT NULL UNIQUE
	);
	CREATE TABLE IF NOT EXISTS buildsets (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		reason TEXT
	);
	CREATE TABLE IF NOT EXISTS sourcestamps (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		project TEXT NOT NULL,
		codebase TEXT NOT NULL,
		repository TEXT NOT NULL,
		branch TEXT
	);
	CREATE TABLE IF NOT EXISTS buildset_sourcestamps (
		buildsetid INTEGER NOT NULL REFERENCES buildsets(id),
		sourcestampid INTEGER NOT NULL REFERENCES sourcestamps(id)
	);
	CREATE TABLE IF NOT EXISTS buildrequests (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		buildsetid INTEGER NOT NULL REFERENCES buildsets(id),
		builderid INTEGER NOT NULL REFERENCES builders(id),
		complete INTEGER NOT NULL DEFAULT 0
	);
	CREATE INDEX IF NOT EXISTS idx_buildrequests_complete ON buildrequests(complete);
	CREATE INDEX IF NOT EXISTS idx_bss_buildsetid ON buildset_sourcestamps(buildsetid);
	`
	_, err := s.db.Exec(schema)
	return err
}

// EnsureBuilder returns the id for a builder name, creating it if needed.
func (s *SQLiteStore) EnsureBuilder(ctx context.Context, name string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var id int64
	err := s.db.QueryRowContext(ctx, `SELECT id FROM builders WHERE name = ?`, name).Scan(&id)
	if err == nil {
		return id, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("query builder: %w", err)
	}
	res, err := s.db.ExecContext(ctx, `INSERT INTO builders (name) VALUES (?)`, name)
	if err != nil {
		return 0, fmt.Errorf("insert builder: %w", err)
	}
	return res.LastInsertId()
}

// CreateBuildRequest records a new build request for a builder with its
// source stamps, returning the request id.
func (s *SQLiteStore) CreateBuildRequest(ctx context.Context, builder, reason string, stamps []sourcestamp.Attrs) (int64, error) {
	builderID, err := s.EnsureBuilder(ctx, builder)
	if err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `INSERT INTO buildsets (reason) VALUES (?)`, reason)
	if err != nil {
		return 0, fmt.Errorf("insert buildset: %w", err)
	}
	buildsetID, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}

	for _, attrs := range stamps {
		var branch sql.NullString
		if b, ok := attrs.BranchValue(); ok {
			branch = sql.NullString{String: b, Valid: true}
		}
		res, err = tx.ExecContext(ctx,
			`INSERT INTO sourcestamps (project, codebase, repository, branch) VALUES (?, ?, ?, ?)`,
			attrs.Project, attrs.Codebase, attrs.Repository, branch)
		if err != nil {
			return 0, fmt.Errorf("insert sourcestamp: %w", err)
		}
		ssID, err := res.LastInsertId()
		if err != nil {
			return 0, err
		}
		if _, err = tx.ExecContext(ctx,
			`INSERT INTO buildset_sourcestamps (buildsetid, sourcestampid) VALUES (?, ?)`,
			buildsetID, ssID); err != nil {
			return 0, fmt.Errorf("link sourcestamp: %w", err)
		}
	}

	res, err = tx.ExecContext(ctx,
		`INSERT INTO buildrequests (buildsetid, builderid) VALUES (?, ?)`, buildsetID, builderID)
	if err != nil {
		return 0, fmt.Errorf("insert buildrequest: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit: %w", err)
	}
	return id, nil
}

// MarkComplete flags a build request as finished.
func (s *SQLiteStore) MarkComplete(ctx context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `UPDATE buildrequests SET complete = 1 WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("mark complete: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

// BuildRequest implements Resolver.
func (s *SQLiteStore) BuildRequest(ctx context.Context, id int64) (*BuildRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRowContext(ctx, `
		SELECT br.id, b.name, br.complete, br.buildsetid
		FROM buildrequests br JOIN builders b ON b.id = br.builderid
		WHERE br.id = ?`, id)

	var br BuildRequest
	var buildsetID int64
	var complete int
	if err := row.Scan(&br.ID, &br.Builder, &complete, &buildsetID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, derrors.StoreError("query buildrequest", err)
	}
	br.Complete = complete != 0

	stamps, err := s.sourceStampsForBuildset(ctx, buildsetID)
	if err != nil {
		return nil, err
	}
	br.SourceStamps = stamps
	return &br, nil
}

// PendingBuildRequests implements Resolver.
func (s *SQLiteStore) PendingBuildRequests(ctx context.Context) ([]*BuildRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT br.id, b.name, br.buildsetid
		FROM buildrequests br JOIN builders b ON b.id = br.builderid
		WHERE br.complete = 0
		ORDER BY br.id`)
	if err != nil {
		return nil, derrors.StoreError("query pending buildrequests", err)
	}
	defer func() { _ = rows.Close() }()

	var result []*BuildRequest
	for rows.Next() {
		br := &BuildRequest{}
		var buildsetID int64
		if err := rows.Scan(&br.ID, &br.Builder, &buildsetID); err != nil {
			return nil, fmt.Errorf("scan buildrequest: %w", err)
		}
		stamps, err := s.sourceStampsForBuildset(ctx, buildsetID)
		if err != nil {
			return nil, err
		}
		br.SourceStamps = stamps
		result = append(result, br)
	}
	return result, rows.Err()
}

func (s *SQLiteStore) sourceStampsForBuildset(ctx context.Context, buildsetID int64) ([]sourcestamp.Attrs, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT ss.project, ss.codebase, ss.repository, ss.branch
		FROM buildset_sourcestamps bss JOIN sourcestamps ss ON ss.id = bss.sourcestampid
		WHERE bss.buildsetid = ?
		ORDER BY ss.id`, buildsetID)
	if err != nil {
		return nil, fmt.Errorf("query sourcestamps: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var stamps []sourcestamp.Attrs
	for rows.Next() {
		var attrs sourcestamp.Attrs
		var branch sql.NullString
		if err := rows.Scan(&attrs.Project, &attrs.Codebase, &attrs.Repository, &branch); err != nil {
			return nil, fmt.Errorf("scan sourcestamp: %w", err)
		}
		if branch.Valid {
			b := branch.String
			attrs.Branch = &b
		}
		stamps = append(stamps, attrs)
	}
	return stamps, rows.Err()
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
