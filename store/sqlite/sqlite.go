// Package sqlite provides a durable store for journeys, choke points and agent
// descriptors on top of modernc.org/sqlite.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/hupe1980/trafficmesh/core"
)

// Compile-time checks.
var (
	_ core.JourneyStore    = (*Store)(nil)
	_ core.ChokePointStore = (*Store)(nil)
	_ core.AgentStore      = (*Store)(nil)
)

// Store is a SQLite-backed store.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// Open creates the database file if needed and runs migrations.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create db directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	// SQLite allows a single writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &Store{db: db, now: time.Now}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS journeys (
		id TEXT PRIMARY KEY,
		status TEXT NOT NULL,
		version INTEGER NOT NULL,
		body TEXT NOT NULL,
		updated_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS choke_points (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		capacity INTEGER NOT NULL,
		threshold_fraction REAL NOT NULL,
		lat REAL NOT NULL,
		lng REAL NOT NULL,
		vehicle_count INTEGER NOT NULL DEFAULT 0,
		count_updated_at INTEGER
	);

	CREATE TABLE IF NOT EXISTS agents (
		agent_id TEXT PRIMARY KEY,
		body TEXT NOT NULL,
		expires_at INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_journeys_status ON journeys(status);
	CREATE INDEX IF NOT EXISTS idx_agents_expires_at ON agents(expires_at);
	`
	_, err := s.db.Exec(schema)
	return err
}

// --- Journeys ---

func (s *Store) GetJourney(ctx context.Context, id string) (core.Journey, error) {
	var body string
	err := s.db.QueryRowContext(ctx, `SELECT body FROM journeys WHERE id = ?`, id).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return core.Journey{}, fmt.Errorf("journey %q: %w", id, core.ErrNotFound)
	}
	if err != nil {
		return core.Journey{}, core.DataError("get journey", err)
	}
	return decodeJourney(body)
}

// ListJourneys returns the journeys matching filter ordered by id.
func (s *Store) ListJourneys(ctx context.Context, filter core.JourneyFilter) ([]core.Journey, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT body FROM journeys ORDER BY id`)
	if err != nil {
		return nil, core.DataError("list journeys", err)
	}
	defer rows.Close()

	var out []core.Journey
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, core.DataError("list journeys", err)
		}
		j, err := decodeJourney(body)
		if err != nil {
			return nil, err
		}
		if filter.Match(j) {
			out = append(out, j)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, core.DataError("list journeys", err)
	}
	return out, nil
}

// PutJourney inserts or overwrites j, bumping the stored version.
func (s *Store) PutJourney(ctx context.Context, j core.Journey) error {
	if err := j.Validate(); err != nil {
		return err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return core.DataError("put journey", err)
	}
	defer tx.Rollback() //nolint:errcheck

	var version int64
	err = tx.QueryRowContext(ctx, `SELECT version FROM journeys WHERE id = ?`, j.ID).Scan(&version)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return core.DataError("put journey", err)
	}

	j.Version = version + 1
	j.UpdatedAt = s.now().UTC()
	body, err := json.Marshal(j)
	if err != nil {
		return core.DataError("encode journey", err)
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO journeys (id, status, version, body, updated_at) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET status = excluded.status, version = excluded.version,
			body = excluded.body, updated_at = excluded.updated_at`,
		j.ID, string(j.Status), j.Version, string(body), j.UpdatedAt.UnixNano())
	if err != nil {
		return core.DataError("put journey", err)
	}
	if err := tx.Commit(); err != nil {
		return core.DataError("put journey", err)
	}
	return nil
}

// UpdateJourney replaces the journey when its stored version equals
// expectedVersion.
func (s *Store) UpdateJourney(ctx context.Context, j core.Journey, expectedVersion int64) (core.Journey, error) {
	if err := j.Validate(); err != nil {
		return core.Journey{}, err
	}
	j.Version = expectedVersion + 1
	j.UpdatedAt = s.now().UTC()
	body, err := json.Marshal(j)
	if err != nil {
		return core.Journey{}, core.DataError("encode journey", err)
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE journeys SET status = ?, version = ?, body = ?, updated_at = ? WHERE id = ? AND version = ?`,
		string(j.Status), j.Version, string(body), j.UpdatedAt.UnixNano(), j.ID, expectedVersion)
	if err != nil {
		return core.Journey{}, core.DataError("update journey", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return core.Journey{}, core.DataError("update journey", err)
	}
	if n == 1 {
		return j, nil
	}

	var current int64
	err = s.db.QueryRowContext(ctx, `SELECT version FROM journeys WHERE id = ?`, j.ID).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return core.Journey{}, fmt.Errorf("journey %q: %w", j.ID, core.ErrNotFound)
	}
	if err != nil {
		return core.Journey{}, core.DataError("update journey", err)
	}
	return core.Journey{}, fmt.Errorf("journey %q at version %d, expected %d: %w", j.ID, current, expectedVersion, core.ErrConflict)
}

func (s *Store) DeleteJourney(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM journeys WHERE id = ?`, id)
	if err != nil {
		return core.DataError("delete journey", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("journey %q: %w", id, core.ErrNotFound)
	}
	return nil
}

func decodeJourney(body string) (core.Journey, error) {
	var j core.Journey
	if err := json.Unmarshal([]byte(body), &j); err != nil {
		return core.Journey{}, core.DataError("decode journey", err)
	}
	return j, nil
}

// --- Choke points ---

const chokePointColumns = `id, name, capacity, threshold_fraction, lat, lng, vehicle_count, count_updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanChokePoint(r rowScanner) (core.ChokePoint, error) {
	var (
		cp      core.ChokePoint
		updated sql.NullInt64
	)
	if err := r.Scan(&cp.ID, &cp.Name, &cp.Capacity, &cp.ThresholdFraction,
		&cp.Location.Lat, &cp.Location.Lng, &cp.VehicleCount, &updated); err != nil {
		return core.ChokePoint{}, err
	}
	if updated.Valid {
		cp.CountUpdatedAt = time.Unix(0, updated.Int64).UTC()
	}
	return cp, nil
}

func (s *Store) GetChokePoint(ctx context.Context, id string) (core.ChokePoint, error) {
	cp, err := scanChokePoint(s.db.QueryRowContext(ctx, `SELECT `+chokePointColumns+` FROM choke_points WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return core.ChokePoint{}, fmt.Errorf("choke point %q: %w", id, core.ErrNotFound)
	}
	if err != nil {
		return core.ChokePoint{}, core.DataError("get choke point", err)
	}
	return cp, nil
}

// ListChokePoints returns the catalog ordered by id.
func (s *Store) ListChokePoints(ctx context.Context) ([]core.ChokePoint, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+chokePointColumns+` FROM choke_points ORDER BY id`)
	if err != nil {
		return nil, core.DataError("list choke points", err)
	}
	defer rows.Close()

	var out []core.ChokePoint
	for rows.Next() {
		cp, err := scanChokePoint(rows)
		if err != nil {
			return nil, core.DataError("list choke points", err)
		}
		out = append(out, cp)
	}
	if err := rows.Err(); err != nil {
		return nil, core.DataError("list choke points", err)
	}
	return out, nil
}

func (s *Store) PutChokePoint(ctx context.Context, cp core.ChokePoint) error {
	if err := cp.Validate(); err != nil {
		return err
	}
	var updated sql.NullInt64
	if cp.HasCount() {
		updated = sql.NullInt64{Int64: cp.CountUpdatedAt.UnixNano(), Valid: true}
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO choke_points (`+chokePointColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET name = excluded.name, capacity = excluded.capacity,
			threshold_fraction = excluded.threshold_fraction, lat = excluded.lat, lng = excluded.lng,
			vehicle_count = excluded.vehicle_count, count_updated_at = excluded.count_updated_at`,
		cp.ID, cp.Name, cp.Capacity, cp.ThresholdFraction, cp.Location.Lat, cp.Location.Lng, cp.VehicleCount, updated)
	if err != nil {
		return core.DataError("put choke point", err)
	}
	return nil
}

func (s *Store) UpdateChokePointCount(ctx context.Context, id string, count int, at time.Time) error {
	if count < 0 {
		return core.DataError("update choke point count", fmt.Errorf("negative count %d for %q", count, id))
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE choke_points SET vehicle_count = ?, count_updated_at = ? WHERE id = ?`,
		count, at.UTC().UnixNano(), id)
	if err != nil {
		return core.DataError("update choke point count", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("choke point %q: %w", id, core.ErrNotFound)
	}
	return nil
}

// --- Agents ---

func (s *Store) SaveAgent(ctx context.Context, d core.AgentDescriptor, expiresAt time.Time) error {
	if d.AgentID == "" {
		return core.DataError("save agent", errors.New("empty agent id"))
	}
	body, err := json.Marshal(d)
	if err != nil {
		return core.DataError("encode agent", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO agents (agent_id, body, expires_at) VALUES (?, ?, ?)
		ON CONFLICT(agent_id) DO UPDATE SET body = excluded.body, expires_at = excluded.expires_at`,
		d.AgentID, string(body), expiresAt.UnixNano())
	if err != nil {
		return core.DataError("save agent", err)
	}
	return nil
}

// ListAgents returns all stored descriptors ordered by id.
func (s *Store) ListAgents(ctx context.Context) ([]core.AgentDescriptor, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT body FROM agents ORDER BY agent_id`)
	if err != nil {
		return nil, core.DataError("list agents", err)
	}
	defer rows.Close()

	var out []core.AgentDescriptor
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, core.DataError("list agents", err)
		}
		var d core.AgentDescriptor
		if err := json.Unmarshal([]byte(body), &d); err != nil {
			return nil, core.DataError("decode agent", err)
		}
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, core.DataError("list agents", err)
	}
	return out, nil
}

func (s *Store) DeleteAgent(ctx context.Context, agentID string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM agents WHERE agent_id = ?`, agentID)
	if err != nil {
		return core.DataError("delete agent", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("agent %q: %w", agentID, core.ErrNotFound)
	}
	return nil
}

func (s *Store) DeleteExpiredAgents(ctx context.Context, now time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM agents WHERE expires_at <= ?`, now.UnixNano())
	if err != nil {
		return 0, core.DataError("delete expired agents", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, core.DataError("delete expired agents", err)
	}
	return int(n), nil
}
