package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/lib/pq"

	"github.com/fieldproof/firesync/internal/causal"
	"github.com/fieldproof/firesync/internal/cursor"
	"github.com/fieldproof/firesync/internal/document"
)

const (
	postgresSessionTable     = "firesync_sessions"
	postgresIdempotencyTable = "firesync_idempotency"
	postgresBuildingTable    = "firesync_buildings"
	postgresDeviceTable      = "firesync_devices"
	postgresOperationTimeout = 5 * time.Second
)

type sqlOpenFunc func(driverName, dsn string) (*sql.DB, error)

// PostgresStore persists sessions and idempotency records in Postgres.
// Clock equality for compare-and-swap uses the canonical JSON form, so
// the conditional UPDATE is the single atomic decision point.
type PostgresStore struct {
	dsn    string
	openDB sqlOpenFunc

	initOnce sync.Once
	initErr  error
	db       *sql.DB
}

func NewPostgresStore(dsn string) (*PostgresStore, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidInput
	}
	return &PostgresStore{dsn: dsn, openDB: sql.Open}, nil
}

func (s *PostgresStore) ensureReady(ctx context.Context) error {
	s.initOnce.Do(func() {
		db, err := s.openDB("postgres", s.dsn)
		if err != nil {
			s.initErr = err
			return
		}
		initCtx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
		defer cancel()
		for _, stmt := range []string{
			fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
				id TEXT PRIMARY KEY,
				building_id TEXT NOT NULL,
				doc JSONB NOT NULL,
				clock JSONB NOT NULL,
				created_at TIMESTAMPTZ NOT NULL
			)`, postgresQuoteIdentifier(postgresSessionTable)),
			fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s ON %s (building_id, created_at, id)`,
				postgresQuoteIdentifier(postgresSessionTable+"_list_idx"),
				postgresQuoteIdentifier(postgresSessionTable)),
			fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
				key TEXT PRIMARY KEY,
				pending BOOLEAN NOT NULL,
				result JSONB,
				expires_at TIMESTAMPTZ NOT NULL
			)`, postgresQuoteIdentifier(postgresIdempotencyTable)),
			fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
				id TEXT PRIMARY KEY,
				name TEXT NOT NULL,
				address TEXT NOT NULL DEFAULT ''
			)`, postgresQuoteIdentifier(postgresBuildingTable)),
			fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
				id TEXT PRIMARY KEY,
				building_id TEXT NOT NULL,
				kind TEXT NOT NULL,
				label TEXT NOT NULL DEFAULT ''
			)`, postgresQuoteIdentifier(postgresDeviceTable)),
		} {
			if _, err := db.ExecContext(initCtx, stmt); err != nil {
				s.initErr = err
				_ = db.Close()
				return
			}
		}
		s.db = db
	})
	return s.initErr
}

func (s *PostgresStore) opContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithTimeout(ctx, postgresOperationTimeout)
}

func (s *PostgresStore) CreateSession(ctx context.Context, doc *document.Document) error {
	if doc == nil || strings.TrimSpace(doc.ID) == "" {
		return ErrInvalidInput
	}
	if err := s.ensureReady(ctx); err != nil {
		return err
	}
	payload, clockJSON, err := encodeSessionRow(doc)
	if err != nil {
		return err
	}
	opCtx, cancel := s.opContext(ctx)
	defer cancel()
	query := fmt.Sprintf(`
		INSERT INTO %s (id, building_id, doc, clock, created_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO NOTHING`, postgresQuoteIdentifier(postgresSessionTable))
	result, err := s.db.ExecContext(opCtx, query, doc.ID, doc.BuildingID, payload, clockJSON, doc.CreatedAt.UTC())
	if err != nil {
		return err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrAlreadyExists
	}
	return nil
}

func (s *PostgresStore) GetSession(ctx context.Context, id string) (*document.Document, error) {
	if err := s.ensureReady(ctx); err != nil {
		return nil, err
	}
	opCtx, cancel := s.opContext(ctx)
	defer cancel()
	query := fmt.Sprintf(`SELECT doc FROM %s WHERE id = $1`, postgresQuoteIdentifier(postgresSessionTable))
	var payload []byte
	err := s.db.QueryRowContext(opCtx, query, id).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return decodeSessionRow(payload)
}

func (s *PostgresStore) CompareAndSwapSession(ctx context.Context, id string, expected causal.Clock, doc *document.Document) (bool, error) {
	if doc == nil {
		return false, ErrInvalidInput
	}
	if err := s.ensureReady(ctx); err != nil {
		return false, err
	}
	payload, clockJSON, err := encodeSessionRow(doc)
	if err != nil {
		return false, err
	}
	expectedJSON, err := causal.CanonicalJSON(expected)
	if err != nil {
		return false, err
	}
	opCtx, cancel := s.opContext(ctx)
	defer cancel()
	query := fmt.Sprintf(`
		UPDATE %s SET doc = $2, clock = $3
		WHERE id = $1 AND clock = $4::jsonb`, postgresQuoteIdentifier(postgresSessionTable))
	result, err := s.db.ExecContext(opCtx, query, id, payload, clockJSON, expectedJSON)
	if err != nil {
		return false, err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	if affected > 0 {
		return true, nil
	}
	// distinguish a lost race from a missing session
	existsQuery := fmt.Sprintf(`SELECT 1 FROM %s WHERE id = $1`, postgresQuoteIdentifier(postgresSessionTable))
	var one int
	err = s.db.QueryRowContext(opCtx, existsQuery, id).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, ErrNotFound
	}
	if err != nil {
		return false, err
	}
	return false, nil
}

func (s *PostgresStore) ListSessions(ctx context.Context, buildingID string, after *cursor.Position, limit int) ([]*document.Document, error) {
	if limit <= 0 {
		limit = 100
	}
	if err := s.ensureReady(ctx); err != nil {
		return nil, err
	}
	opCtx, cancel := s.opContext(ctx)
	defer cancel()

	table := postgresQuoteIdentifier(postgresSessionTable)
	args := []any{buildingID}
	query := fmt.Sprintf(`SELECT doc FROM %s WHERE building_id = $1`, table)
	if after != nil {
		query += ` AND (created_at, id) > ($2, $3)`
		args = append(args, after.CreatedAt.UTC(), after.ID)
	}
	query += fmt.Sprintf(` ORDER BY created_at ASC, id ASC LIMIT %d`, limit)

	rows, err := s.db.QueryContext(opCtx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]*document.Document, 0, limit)
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		doc, err := decodeSessionRow(payload)
		if err != nil {
			return nil, err
		}
		out = append(out, doc)
	}
	return out, rows.Err()
}

func (s *PostgresStore) ReserveIdempotency(ctx context.Context, key string, ttl time.Duration, now time.Time) (*IdempotencyRecord, bool, error) {
	if strings.TrimSpace(key) == "" {
		return nil, false, ErrInvalidInput
	}
	if err := s.ensureReady(ctx); err != nil {
		return nil, false, err
	}
	opCtx, cancel := s.opContext(ctx)
	defer cancel()
	table := postgresQuoteIdentifier(postgresIdempotencyTable)

	// reclaim an expired record for this key, then insert-if-absent;
	// the unique key makes the insert the atomic dedup point. The row
	// can vanish between a lost insert and the read (reclaimed or
	// released by its owner), so the cycle restarts from the insert
	// until one side wins.
	for attempt := 0; attempt < 3; attempt++ {
		reclaim := fmt.Sprintf(`DELETE FROM %s WHERE key = $1 AND expires_at <= $2`, table)
		if _, err := s.db.ExecContext(opCtx, reclaim, key, now.UTC()); err != nil {
			return nil, false, err
		}
		insert := fmt.Sprintf(`
			INSERT INTO %s (key, pending, result, expires_at)
			VALUES ($1, TRUE, NULL, $2)
			ON CONFLICT (key) DO NOTHING`, table)
		result, err := s.db.ExecContext(opCtx, insert, key, now.UTC().Add(ttl))
		if err != nil {
			return nil, false, err
		}
		affected, err := result.RowsAffected()
		if err != nil {
			return nil, false, err
		}
		if affected > 0 {
			return nil, true, nil
		}
		query := fmt.Sprintf(`SELECT pending, result, expires_at FROM %s WHERE key = $1`, table)
		record := IdempotencyRecord{Key: key}
		var resultJSON sql.NullString
		err = s.db.QueryRowContext(opCtx, query, key).Scan(&record.Pending, &resultJSON, &record.ExpiresAt)
		if errors.Is(err, sql.ErrNoRows) {
			continue
		}
		if err != nil {
			return nil, false, err
		}
		if resultJSON.Valid {
			record.Result = []byte(resultJSON.String)
		}
		return &record, false, nil
	}
	return nil, false, ErrUnavailable
}

func (s *PostgresStore) CompleteIdempotency(ctx context.Context, key string, result []byte, now time.Time) error {
	if err := s.ensureReady(ctx); err != nil {
		return err
	}
	opCtx, cancel := s.opContext(ctx)
	defer cancel()
	query := fmt.Sprintf(`UPDATE %s SET pending = FALSE, result = $2 WHERE key = $1`,
		postgresQuoteIdentifier(postgresIdempotencyTable))
	res, err := s.db.ExecContext(opCtx, query, key, nullableJSON(result))
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) ReleaseIdempotency(ctx context.Context, key string) error {
	if err := s.ensureReady(ctx); err != nil {
		return err
	}
	opCtx, cancel := s.opContext(ctx)
	defer cancel()
	query := fmt.Sprintf(`DELETE FROM %s WHERE key = $1 AND pending`, postgresQuoteIdentifier(postgresIdempotencyTable))
	_, err := s.db.ExecContext(opCtx, query, key)
	return err
}

func (s *PostgresStore) SweepIdempotency(ctx context.Context, now time.Time) (int, error) {
	if err := s.ensureReady(ctx); err != nil {
		return 0, err
	}
	opCtx, cancel := s.opContext(ctx)
	defer cancel()
	query := fmt.Sprintf(`DELETE FROM %s WHERE expires_at <= $1`, postgresQuoteIdentifier(postgresIdempotencyTable))
	result, err := s.db.ExecContext(opCtx, query, now.UTC())
	if err != nil {
		return 0, err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(affected), nil
}

func (s *PostgresStore) GetBuilding(ctx context.Context, id string) (Building, error) {
	if err := s.ensureReady(ctx); err != nil {
		return Building{}, err
	}
	opCtx, cancel := s.opContext(ctx)
	defer cancel()
	query := fmt.Sprintf(`SELECT id, name, address FROM %s WHERE id = $1`, postgresQuoteIdentifier(postgresBuildingTable))
	var building Building
	err := s.db.QueryRowContext(opCtx, query, id).Scan(&building.ID, &building.Name, &building.Address)
	if errors.Is(err, sql.ErrNoRows) {
		return Building{}, ErrNotFound
	}
	if err != nil {
		return Building{}, err
	}
	return building, nil
}

func (s *PostgresStore) ListDevices(ctx context.Context, buildingID string) ([]Device, error) {
	if err := s.ensureReady(ctx); err != nil {
		return nil, err
	}
	opCtx, cancel := s.opContext(ctx)
	defer cancel()
	query := fmt.Sprintf(`SELECT id, building_id, kind, label FROM %s WHERE building_id = $1 ORDER BY id`,
		postgresQuoteIdentifier(postgresDeviceTable))
	rows, err := s.db.QueryContext(opCtx, query, buildingID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Device
	for rows.Next() {
		var device Device
		if err := rows.Scan(&device.ID, &device.BuildingID, &device.Kind, &device.Label); err != nil {
			return nil, err
		}
		out = append(out, device)
	}
	return out, rows.Err()
}

func (s *PostgresStore) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func encodeSessionRow(doc *document.Document) ([]byte, []byte, error) {
	payload, err := json.Marshal(doc)
	if err != nil {
		return nil, nil, err
	}
	clockJSON, err := causal.CanonicalJSON(doc.Clock)
	if err != nil {
		return nil, nil, err
	}
	return payload, clockJSON, nil
}

func decodeSessionRow(payload []byte) (*document.Document, error) {
	var doc document.Document
	if err := json.Unmarshal(payload, &doc); err != nil {
		return nil, err
	}
	if doc.Fields == nil {
		doc.Fields = map[string]document.Field{}
	}
	if doc.Clock == nil {
		doc.Clock = causal.New()
	}
	return &doc, nil
}

func postgresQuoteIdentifier(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

// nullableJSON maps an empty result to SQL NULL; empty bytes are not
// valid JSONB.
func nullableJSON(data []byte) any {
	if len(data) == 0 {
		return nil
	}
	return data
}
