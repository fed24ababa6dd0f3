// ABOUTME: SQLite implementation of the Store interface using modernc.org/sqlite
// ABOUTME: Provides request and ledger persistence with automatic schema creation

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/2389/coven-agentd/internal/message"
)

// timeFormat is fixed width so TEXT columns sort chronologically.
const timeFormat = "2006-01-02T15:04:05.000000000Z07:00"

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	// Ensure parent directory exists
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// Enable WAL mode for better concurrent performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	if err := s.runMigrations(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

// createSchema creates the database tables if they don't exist
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS requests (
			request_id  TEXT PRIMARY KEY,
			agent_id    TEXT NOT NULL,
			state       TEXT NOT NULL,
			request_doc TEXT NOT NULL,
			reply_doc   TEXT,
			created_at  TEXT NOT NULL,
			updated_at  TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_requests_created ON requests(created_at);
		CREATE INDEX IF NOT EXISTS idx_requests_state ON requests(state);

		CREATE TABLE IF NOT EXISTS message_ledger (
			event_id   TEXT PRIMARY KEY,
			request_id TEXT NOT NULL,
			direction  TEXT NOT NULL,
			type       TEXT NOT NULL,
			message_id TEXT NOT NULL,
			timestamp  TEXT NOT NULL,

			CHECK (direction IN ('inbound', 'outbound'))
		);

		CREATE INDEX IF NOT EXISTS idx_ledger_request ON message_ledger(request_id, timestamp);
	`

	_, err := s.db.Exec(schema)
	return err
}

// runMigrations applies schema migrations for existing databases.
// These are idempotent - safe to run multiple times.
func (s *SQLiteStore) runMigrations() error {
	// SQLite doesn't support ADD COLUMN IF NOT EXISTS, so we check first
	migrations := []struct {
		check  string // Query to check if migration is needed
		apply  string // Query to apply the migration
		column string // Column name for logging
	}{
		{
			check:  `SELECT 1 FROM pragma_table_info('requests') WHERE name = 'command'`,
			apply:  `ALTER TABLE requests ADD COLUMN command TEXT NOT NULL DEFAULT ''`,
			column: "command",
		},
	}

	for _, m := range migrations {
		var exists int
		err := s.db.QueryRow(m.check).Scan(&exists)
		if err == nil {
			// Column already exists, skip
			continue
		}
		if _, err := s.db.Exec(m.apply); err != nil {
			return fmt.Errorf("adding %s column to requests: %w", m.column, err)
		}
		s.logger.Info("applied migration", "column", m.column, "table", "requests")
	}
	return nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	s.logger.Info("closing SQLite store")
	return s.db.Close()
}

// isConstraintViolation checks if the error is a SQLite UNIQUE constraint violation
func isConstraintViolation(err error) bool {
	if err == nil {
		return false
	}
	errStr := err.Error()
	return strings.Contains(errStr, "UNIQUE constraint failed") ||
		strings.Contains(errStr, "constraint failed")
}

func encodeDoc(d *message.Doc) (sql.NullString, error) {
	if d == nil {
		return sql.NullString{}, nil
	}
	data, err := json.Marshal(d)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(data), Valid: true}, nil
}

func decodeDoc(s sql.NullString) (*message.Doc, error) {
	if !s.Valid {
		return nil, nil
	}
	var d message.Doc
	if err := json.Unmarshal([]byte(s.String), &d); err != nil {
		return nil, err
	}
	return &d, nil
}

// SaveRequest inserts a new request record.
// Returns ErrDuplicateRequest if the id is already stored.
func (s *SQLiteStore) SaveRequest(ctx context.Context, req *Request) error {
	doc, err := encodeDoc(req.RequestDoc)
	if err != nil {
		return fmt.Errorf("encoding request: %w", err)
	}
	if !doc.Valid {
		return errors.New("request document is required")
	}
	reply, err := encodeDoc(req.ReplyDoc)
	if err != nil {
		return fmt.Errorf("encoding reply: %w", err)
	}

	query := `
		INSERT INTO requests (request_id, agent_id, command, state, request_doc, reply_doc, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err = s.db.ExecContext(ctx, query,
		req.RequestID,
		req.AgentID,
		req.Command,
		req.State,
		doc,
		reply,
		req.CreatedAt.UTC().Format(timeFormat),
		req.UpdatedAt.UTC().Format(timeFormat),
	)
	if err != nil {
		if isConstraintViolation(err) {
			return ErrDuplicateRequest
		}
		return fmt.Errorf("inserting request: %w", err)
	}

	s.logger.Debug("saved request", "request_id", req.RequestID, "command", req.Command)
	return nil
}

// SaveReply records the reply sent for a request along with its state.
func (s *SQLiteStore) SaveReply(ctx context.Context, requestID string, reply *message.Doc, state string) error {
	doc, err := encodeDoc(reply)
	if err != nil {
		return fmt.Errorf("encoding reply: %w", err)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE requests SET reply_doc = ?, state = ?, updated_at = ? WHERE request_id = ?`,
		doc, state, time.Now().UTC().Format(timeFormat), requestID,
	)
	if err != nil {
		return fmt.Errorf("saving reply: %w", err)
	}
	return requireOneRow(res)
}

// UpdateState sets the protocol state of a request.
func (s *SQLiteStore) UpdateState(ctx context.Context, requestID, state string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE requests SET state = ?, updated_at = ? WHERE request_id = ?`,
		state, time.Now().UTC().Format(timeFormat), requestID,
	)
	if err != nil {
		return fmt.Errorf("updating state: %w", err)
	}
	return requireOneRow(res)
}

func requireOneRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

const requestColumns = `request_id, agent_id, command, state, request_doc, reply_doc, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRequest(row rowScanner) (*Request, error) {
	var req Request
	var doc, reply sql.NullString
	var createdAtStr, updatedAtStr string

	if err := row.Scan(
		&req.RequestID,
		&req.AgentID,
		&req.Command,
		&req.State,
		&doc,
		&reply,
		&createdAtStr,
		&updatedAtStr,
	); err != nil {
		return nil, err
	}

	var err error
	if req.RequestDoc, err = decodeDoc(doc); err != nil {
		return nil, fmt.Errorf("decoding request_doc: %w", err)
	}
	if req.ReplyDoc, err = decodeDoc(reply); err != nil {
		return nil, fmt.Errorf("decoding reply_doc: %w", err)
	}
	if req.CreatedAt, err = time.Parse(timeFormat, createdAtStr); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	if req.UpdatedAt, err = time.Parse(timeFormat, updatedAtStr); err != nil {
		return nil, fmt.Errorf("parsing updated_at: %w", err)
	}
	return &req, nil
}

// GetRequest retrieves a request by id.
// Returns ErrNotFound if the request doesn't exist.
func (s *SQLiteStore) GetRequest(ctx context.Context, requestID string) (*Request, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+requestColumns+` FROM requests WHERE request_id = ?`, requestID)
	req, err := scanRequest(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying request: %w", err)
	}
	return req, nil
}

// ListRequests returns requests, newest first. A limit of 0 means no limit.
func (s *SQLiteStore) ListRequests(ctx context.Context, limit int) ([]*Request, error) {
	query := `SELECT ` + requestColumns + ` FROM requests ORDER BY created_at DESC, request_id`
	var args []any
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying requests: %w", err)
	}
	defer rows.Close()

	var out []*Request
	for rows.Next() {
		req, err := scanRequest(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning request: %w", err)
		}
		out = append(out, req)
	}
	return out, rows.Err()
}

// ClearLost marks open, never-replied requests as lost.
func (s *SQLiteStore) ClearLost(ctx context.Context) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE requests SET state = ?, updated_at = ?
		 WHERE reply_doc IS NULL AND state NOT IN ('CLEANUP', ?)`,
		StateLost, time.Now().UTC().Format(timeFormat), StateLost,
	)
	if err != nil {
		return 0, fmt.Errorf("clearing lost requests: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("checking rows affected: %w", err)
	}
	if n > 0 {
		s.logger.Warn("marked lost requests", "count", n)
	}
	return int(n), nil
}

// SaveEvent appends a ledger event.
func (s *SQLiteStore) SaveEvent(ctx context.Context, event *Event) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO message_ledger (event_id, request_id, direction, type, message_id, timestamp)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		event.ID,
		event.RequestID,
		event.Direction,
		event.Type,
		event.MessageID,
		event.Timestamp.UTC().Format(timeFormat),
	)
	if err != nil {
		return fmt.Errorf("inserting event: %w", err)
	}
	return nil
}

// ListEvents returns the ledger for one request in chronological order.
func (s *SQLiteStore) ListEvents(ctx context.Context, requestID string) ([]*Event, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT event_id, request_id, direction, type, message_id, timestamp
		 FROM message_ledger WHERE request_id = ? ORDER BY timestamp, rowid`, requestID)
	if err != nil {
		return nil, fmt.Errorf("querying events: %w", err)
	}
	defer rows.Close()

	var out []*Event
	for rows.Next() {
		var e Event
		var ts string
		if err := rows.Scan(&e.ID, &e.RequestID, &e.Direction, &e.Type, &e.MessageID, &ts); err != nil {
			return nil, fmt.Errorf("scanning event: %w", err)
		}
		if e.Timestamp, err = time.Parse(timeFormat, ts); err != nil {
			return nil, fmt.Errorf("parsing timestamp: %w", err)
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}
