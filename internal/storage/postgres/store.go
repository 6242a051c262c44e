// Package postgres implements the storage interfaces backed by
// PostgreSQL. Location state is stored as a JSONB document per location
// so the aggregator's single-writer-per-location model maps to simple
// row upserts.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"github.com/posedge/fleet/internal/domain/alert"
	"github.com/posedge/fleet/internal/domain/location"
	"github.com/posedge/fleet/internal/storage"
)

// Store implements the storage interfaces on a PostgreSQL database.
type Store struct {
	db *sqlx.DB
}

var _ storage.StateStore = (*Store)(nil)
var _ storage.AlertStore = (*Store)(nil)
var _ storage.DeadLetterStore = (*Store)(nil)

// Open connects to the database and verifies the connection.
func Open(dsn string) (*Store, error) {
	db, err := sqlx.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return &Store{db: db}, nil
}

// New wraps an existing database handle.
func New(db *sqlx.DB) *Store {
	return &Store{db: db}
}

// EnsureSchema creates the tables if they do not exist.
func (s *Store) EnsureSchema(ctx context.Context) error {
	const schema = `
		CREATE TABLE IF NOT EXISTS fleet_location_states (
			location_id TEXT PRIMARY KEY,
			state       JSONB NOT NULL,
			updated_at  TIMESTAMPTZ NOT NULL
		);
		CREATE TABLE IF NOT EXISTS fleet_alerts (
			id              TEXT PRIMARY KEY,
			location_id     TEXT NOT NULL,
			severity        TEXT NOT NULL,
			rule_type       TEXT NOT NULL,
			message         TEXT NOT NULL DEFAULT '',
			status          TEXT NOT NULL,
			raised_at       TIMESTAMPTZ NOT NULL,
			acknowledged_at TIMESTAMPTZ,
			acknowledged_by TEXT NOT NULL DEFAULT '',
			closed_at       TIMESTAMPTZ
		);
		CREATE INDEX IF NOT EXISTS fleet_alerts_location_idx
			ON fleet_alerts (location_id, rule_type, status);
		CREATE TABLE IF NOT EXISTS fleet_dead_letters (
			id          TEXT PRIMARY KEY,
			event       JSONB NOT NULL,
			reason      TEXT NOT NULL,
			received_at TIMESTAMPTZ NOT NULL
		);`
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}

// Close releases the database handle.
func (s *Store) Close() error { return s.db.Close() }

// StateStore implementation ---------------------------------------------------

func (s *Store) GetState(ctx context.Context, locationID string) (*location.State, error) {
	var raw []byte
	err := s.db.GetContext(ctx, &raw, `
		SELECT state FROM fleet_location_states WHERE location_id = $1
	`, locationID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("location %s: %w", locationID, storage.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	var state location.State
	if err := json.Unmarshal(raw, &state); err != nil {
		return nil, fmt.Errorf("decode state for %s: %w", locationID, err)
	}
	return &state, nil
}

func (s *Store) PutState(ctx context.Context, state *location.State) error {
	if state == nil || state.LocationID == "" {
		return fmt.Errorf("state requires a location id")
	}
	raw, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("encode state for %s: %w", state.LocationID, err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO fleet_location_states (location_id, state, updated_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (location_id) DO UPDATE
			SET state = EXCLUDED.state, updated_at = EXCLUDED.updated_at
	`, state.LocationID, raw, time.Now().UTC())
	return err
}

func (s *Store) ListStates(ctx context.Context, filter location.Filter) ([]*location.State, error) {
	var raws [][]byte
	err := s.db.SelectContext(ctx, &raws, `
		SELECT state FROM fleet_location_states ORDER BY location_id
	`)
	if err != nil {
		return nil, err
	}
	var result []*location.State
	for _, raw := range raws {
		var state location.State
		if err := json.Unmarshal(raw, &state); err != nil {
			return nil, fmt.Errorf("decode state: %w", err)
		}
		if filter.Matches(&state) {
			result = append(result, &state)
		}
	}
	return result, nil
}

// AlertStore implementation ---------------------------------------------------

type alertRow struct {
	ID             string       `db:"id"`
	LocationID     string       `db:"location_id"`
	Severity       string       `db:"severity"`
	RuleType       string       `db:"rule_type"`
	Message        string       `db:"message"`
	Status         string       `db:"status"`
	RaisedAt       time.Time    `db:"raised_at"`
	AcknowledgedAt sql.NullTime `db:"acknowledged_at"`
	AcknowledgedBy string       `db:"acknowledged_by"`
	ClosedAt       sql.NullTime `db:"closed_at"`
}

func (r alertRow) toDomain() (alert.Alert, error) {
	status, err := alert.ParseStatus(r.Status)
	if err != nil {
		return alert.Alert{}, err
	}
	a := alert.Alert{
		ID:             r.ID,
		LocationID:     r.LocationID,
		Severity:       alert.Severity(r.Severity),
		RuleType:       r.RuleType,
		Message:        r.Message,
		Status:         status,
		RaisedAt:       r.RaisedAt,
		AcknowledgedBy: r.AcknowledgedBy,
	}
	if r.AcknowledgedAt.Valid {
		t := r.AcknowledgedAt.Time
		a.AcknowledgedAt = &t
	}
	if r.ClosedAt.Valid {
		t := r.ClosedAt.Time
		a.ClosedAt = &t
	}
	return a, nil
}

func fromDomain(a alert.Alert) alertRow {
	row := alertRow{
		ID:             a.ID,
		LocationID:     a.LocationID,
		Severity:       string(a.Severity),
		RuleType:       a.RuleType,
		Message:        a.Message,
		Status:         a.Status.String(),
		RaisedAt:       a.RaisedAt,
		AcknowledgedBy: a.AcknowledgedBy,
	}
	if a.AcknowledgedAt != nil {
		row.AcknowledgedAt = sql.NullTime{Time: *a.AcknowledgedAt, Valid: true}
	}
	if a.ClosedAt != nil {
		row.ClosedAt = sql.NullTime{Time: *a.ClosedAt, Valid: true}
	}
	return row
}

func (s *Store) CreateAlert(ctx context.Context, a alert.Alert) (alert.Alert, error) {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if a.RaisedAt.IsZero() {
		a.RaisedAt = time.Now().UTC()
	}
	row := fromDomain(a)
	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO fleet_alerts
			(id, location_id, severity, rule_type, message, status,
			 raised_at, acknowledged_at, acknowledged_by, closed_at)
		VALUES
			(:id, :location_id, :severity, :rule_type, :message, :status,
			 :raised_at, :acknowledged_at, :acknowledged_by, :closed_at)
	`, row)
	if err != nil {
		return alert.Alert{}, err
	}
	return a, nil
}

func (s *Store) UpdateAlert(ctx context.Context, a alert.Alert) (alert.Alert, error) {
	row := fromDomain(a)
	result, err := s.db.NamedExecContext(ctx, `
		UPDATE fleet_alerts
		SET severity = :severity, message = :message, status = :status,
		    acknowledged_at = :acknowledged_at,
		    acknowledged_by = :acknowledged_by, closed_at = :closed_at
		WHERE id = :id
	`, row)
	if err != nil {
		return alert.Alert{}, err
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return alert.Alert{}, fmt.Errorf("alert %s: %w", a.ID, storage.ErrNotFound)
	}
	return a, nil
}

func (s *Store) GetAlert(ctx context.Context, id string) (alert.Alert, error) {
	var row alertRow
	err := s.db.GetContext(ctx, &row, `
		SELECT id, location_id, severity, rule_type, message, status,
		       raised_at, acknowledged_at, acknowledged_by, closed_at
		FROM fleet_alerts WHERE id = $1
	`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return alert.Alert{}, fmt.Errorf("alert %s: %w", id, storage.ErrNotFound)
	}
	if err != nil {
		return alert.Alert{}, err
	}
	return row.toDomain()
}

func (s *Store) FindOpenAlert(ctx context.Context, locationID, ruleType string) (alert.Alert, error) {
	var row alertRow
	err := s.db.GetContext(ctx, &row, `
		SELECT id, location_id, severity, rule_type, message, status,
		       raised_at, acknowledged_at, acknowledged_by, closed_at
		FROM fleet_alerts
		WHERE location_id = $1 AND rule_type = $2 AND status <> 'closed'
		ORDER BY raised_at DESC
		LIMIT 1
	`, locationID, ruleType)
	if errors.Is(err, sql.ErrNoRows) {
		return alert.Alert{}, fmt.Errorf("open alert for %s/%s: %w", locationID, ruleType, storage.ErrNotFound)
	}
	if err != nil {
		return alert.Alert{}, err
	}
	return row.toDomain()
}

func (s *Store) ListAlerts(ctx context.Context, locationID string, status *alert.Status) ([]alert.Alert, error) {
	query := `
		SELECT id, location_id, severity, rule_type, message, status,
		       raised_at, acknowledged_at, acknowledged_by, closed_at
		FROM fleet_alerts WHERE 1=1`
	var args []interface{}
	if locationID != "" {
		args = append(args, locationID)
		query += fmt.Sprintf(" AND location_id = $%d", len(args))
	}
	if status != nil {
		args = append(args, status.String())
		query += fmt.Sprintf(" AND status = $%d", len(args))
	}
	query += " ORDER BY raised_at"

	var rows []alertRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, err
	}
	result := make([]alert.Alert, 0, len(rows))
	for _, row := range rows {
		a, err := row.toDomain()
		if err != nil {
			return nil, err
		}
		result = append(result, a)
	}
	return result, nil
}

// DeadLetterStore implementation ----------------------------------------------

func (s *Store) AddDeadLetter(ctx context.Context, d storage.DeadLetter) error {
	if d.ID == "" {
		d.ID = uuid.NewString()
	}
	if d.ReceivedAt.IsZero() {
		d.ReceivedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO fleet_dead_letters (id, event, reason, received_at)
		VALUES ($1, $2, $3, $4)
	`, d.ID, []byte(d.Event), d.Reason, d.ReceivedAt)
	return err
}

func (s *Store) ListDeadLetters(ctx context.Context, limit int) ([]storage.DeadLetter, error) {
	if limit <= 0 {
		limit = 100
	}
	type deadRow struct {
		ID         string    `db:"id"`
		Event      []byte    `db:"event"`
		Reason     string    `db:"reason"`
		ReceivedAt time.Time `db:"received_at"`
	}
	var rows []deadRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT id, event, reason, received_at
		FROM fleet_dead_letters
		ORDER BY received_at DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, err
	}
	result := make([]storage.DeadLetter, 0, len(rows))
	for _, row := range rows {
		result = append(result, storage.DeadLetter{
			ID:         row.ID,
			Event:      row.Event,
			Reason:     row.Reason,
			ReceivedAt: row.ReceivedAt,
		})
	}
	return result, nil
}
