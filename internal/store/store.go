package store

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/andresmejia3/rollcall/internal/gallery"
	"github.com/andresmejia3/rollcall/internal/ledger"
	"github.com/jackc/pgx/v5"
	log "github.com/sirupsen/logrus"
)

// Store mirrors attendance into PostgreSQL and keeps a pgvector copy of the gallery.
type Store struct {
	mu   sync.Mutex // pgx.Conn is not safe for concurrent use
	conn *pgx.Conn
}

// AttendanceRow is one mirrored attendance record.
type AttendanceRow struct {
	SessionID  string
	Source     string
	Label      string
	Time       string
	RecordedAt time.Time
}

// IdentityRow describes a synced gallery entry.
type IdentityRow struct {
	Name     string
	Dim      int
	SyncedAt time.Time
}

// New establishes a connection to the database and ensures the schema is initialized.
func New(ctx context.Context, connString string) (*Store, error) {
	conn, err := pgx.Connect(ctx, connString)
	if err != nil {
		return nil, err
	}

	// Initialize schema (Auto-Migration)
	if err := initSchema(ctx, conn); err != nil {
		conn.Close(ctx)
		return nil, fmt.Errorf("failed to initialize database schema: %w", err)
	}

	return &Store{conn: conn}, nil
}

// initSchema creates the necessary tables and vector extension if they don't exist (Auto-Migration).
func initSchema(ctx context.Context, conn *pgx.Conn) error {
	query := `
		CREATE EXTENSION IF NOT EXISTS vector;
		CREATE TABLE IF NOT EXISTS attendance_sessions (
			id TEXT PRIMARY KEY,
			source TEXT NOT NULL,
			started_at TIMESTAMPTZ DEFAULT NOW()
		);
		CREATE TABLE IF NOT EXISTS attendance_records (
			id BIGSERIAL PRIMARY KEY,
			session_id TEXT NOT NULL REFERENCES attendance_sessions(id) ON DELETE CASCADE,
			label TEXT NOT NULL,
			time_of_day TEXT NOT NULL,
			recorded_at TIMESTAMPTZ DEFAULT NOW(),
			UNIQUE (session_id, label)
		);
		CREATE TABLE IF NOT EXISTS known_identities (
			name TEXT PRIMARY KEY,
			embedding VECTOR NOT NULL,
			dim INT NOT NULL,
			synced_at TIMESTAMPTZ DEFAULT NOW()
		);
		CREATE INDEX IF NOT EXISTS attendance_records_label_idx ON attendance_records (label);
	`
	_, err := conn.Exec(ctx, query)
	return err
}

// Close terminates the database connection.
func (s *Store) Close(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conn.Close(ctx)
}

// Session binds attendance notifications to one run.
type Session struct {
	store *Store
	ID    string
}

// StartSession registers a run over source. Re-using an id keeps its existing records.
func (s *Store) StartSession(ctx context.Context, id, source string) (*Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.conn.Exec(ctx, `
		INSERT INTO attendance_sessions (id, source, started_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (id) DO UPDATE SET source = EXCLUDED.source
	`, id, source)
	if err != nil {
		return nil, fmt.Errorf("register session: %w", err)
	}
	return &Session{store: s, ID: id}, nil
}

// Notify mirrors a new attendance record. Duplicates within a session are ignored.
func (sess *Session) Notify(ctx context.Context, rec ledger.Record) error {
	s := sess.store
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.conn.Exec(ctx, `
		INSERT INTO attendance_records (session_id, label, time_of_day, recorded_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (session_id, label) DO NOTHING
	`, sess.ID, rec.Label, rec.Time)
	return err
}

// ListAttendance returns the most recent records first. limit <= 0 means no limit.
func (s *Store) ListAttendance(ctx context.Context, limit int) ([]AttendanceRow, error) {
	query := `
		SELECT r.session_id, se.source, r.label, r.time_of_day, r.recorded_at
		FROM attendance_records r
		JOIN attendance_sessions se ON se.id = r.session_id
		ORDER BY r.recorded_at DESC, r.id DESC`
	args := []any{}
	if limit > 0 {
		query += " LIMIT $1"
		args = append(args, limit)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	rows, err := s.conn.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []AttendanceRow
	for rows.Next() {
		var r AttendanceRow
		if err := rows.Scan(&r.SessionID, &r.Source, &r.Label, &r.Time, &r.RecordedAt); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// SyncGallery replaces the stored identities with the contents of g.
func (s *Store) SyncGallery(ctx context.Context, g *gallery.Gallery) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.conn.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, "DELETE FROM known_identities"); err != nil {
		return err
	}
	for _, id := range g.Identities() {
		_, err := tx.Exec(ctx,
			"INSERT INTO known_identities (name, embedding, dim, synced_at) VALUES ($1, $2::vector, $3, NOW())",
			id.Label, vecToString(id.Embedding), len(id.Embedding))
		if err != nil {
			return fmt.Errorf("insert identity %q: %w", id.Label, err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return err
	}
	log.WithField("identities", g.Len()).Info("Gallery synced to database")
	return nil
}

// ListIdentities returns the synced identities ordered by name.
func (s *Store) ListIdentities(ctx context.Context) ([]IdentityRow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rows, err := s.conn.Query(ctx, "SELECT name, dim, synced_at FROM known_identities ORDER BY name")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []IdentityRow
	for rows.Next() {
		var r IdentityRow
		if err := rows.Scan(&r.Name, &r.Dim, &r.SyncedAt); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// LoadGallery rebuilds a gallery from the synced identities.
func (s *Store) LoadGallery(ctx context.Context) (*gallery.Gallery, error) {
	s.mu.Lock()
	rows, err := s.conn.Query(ctx, "SELECT name, embedding::text FROM known_identities ORDER BY name")
	if err != nil {
		s.mu.Unlock()
		return nil, err
	}
	var ids []gallery.Identity
	for rows.Next() {
		var name, vecStr string
		if err := rows.Scan(&name, &vecStr); err != nil {
			rows.Close()
			s.mu.Unlock()
			return nil, err
		}
		vec, err := parseVector(vecStr)
		if err != nil {
			rows.Close()
			s.mu.Unlock()
			return nil, fmt.Errorf("identity %q: %w", name, err)
		}
		ids = append(ids, gallery.Identity{Label: name, Embedding: vec, Source: "postgres"})
	}
	rows.Close()
	err = rows.Err()
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return gallery.New(ids...)
}

// vecToString formats a float slice into a PostgreSQL vector string format "[1.0,2.0,...]"
func vecToString(vec []float64) string {
	var b strings.Builder
	b.WriteByte('[')
	for i, v := range vec {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(strconv.FormatFloat(v, 'g', -1, 64))
	}
	b.WriteByte(']')
	return b.String()
}

// parseVector reads pgvector's text output back into a slice.
func parseVector(s string) ([]float64, error) {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "[") || !strings.HasSuffix(s, "]") {
		return nil, fmt.Errorf("malformed vector %q", s)
	}
	s = strings.Trim(s, "[]")
	if s == "" {
		return nil, errors.New("empty vector")
	}
	parts := strings.Split(s, ",")
	vec := make([]float64, len(parts))
	for i, p := range parts {
		v, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return nil, fmt.Errorf("vector element %d: %w", i, err)
		}
		vec[i] = v
	}
	return vec, nil
}

// FindClosestIdentity searches for the nearest neighbor in the database using cosine distance.
// It returns an empty name if nothing is strictly closer than threshold. Ties go to the first name.
func (s *Store) FindClosestIdentity(ctx context.Context, vec []float64, threshold float64) (string, float64, error) {
	vecStr := vecToString(vec)
	// <=> is the cosine distance operator in pgvector.
	// Rows of another dimensionality cannot be compared, so they are filtered out in a fenced subquery.
	query := `
		SELECT name, dist FROM (
			SELECT name, embedding <=> $1::vector AS dist
			FROM (SELECT name, embedding FROM known_identities WHERE dim = $3 OFFSET 0) same_dim
		) scored
		WHERE dist < $2
		ORDER BY dist ASC, name ASC
		LIMIT 1`

	s.mu.Lock()
	defer s.mu.Unlock()
	var (
		name string
		dist float64
	)
	err := s.conn.QueryRow(ctx, query, vecStr, threshold, len(vec)).Scan(&name, &dist)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", 0, nil // No match found
	}
	if err != nil {
		return "", 0, err
	}
	return name, dist, nil
}

// Reset drops all application tables to clear the database state.
// This is useful for development to force a schema refresh without migrations.
func (s *Store) Reset(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.conn.Exec(ctx, `
		DROP TABLE IF EXISTS attendance_records CASCADE;
		DROP TABLE IF EXISTS attendance_sessions CASCADE;
		DROP TABLE IF EXISTS known_identities CASCADE;
	`)
	return err
}
