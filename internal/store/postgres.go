package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	pgxvec "github.com/pgvector/pgvector-go/pgx"

	"github.com/MrWong99/vocata/internal/observe"
	"github.com/MrWong99/vocata/internal/transcript"
)

// Schema is the SQL DDL for the call-session and patient tables. The
// transcript embedding table lives in [SemanticSchema] because its vector
// dimension is deployment-specific.
const Schema = `
CREATE TABLE IF NOT EXISTS call_sessions (
    session_id      TEXT PRIMARY KEY,
    patient_id      TEXT NOT NULL DEFAULT '',
    organization_id TEXT NOT NULL,
    status          TEXT NOT NULL DEFAULT 'starting',
    workflow        TEXT NOT NULL DEFAULT '',
    call_type       TEXT NOT NULL DEFAULT '',
    room_url        TEXT NOT NULL DEFAULT '',
    call_status     TEXT NOT NULL DEFAULT '',
    error           TEXT NOT NULL DEFAULT '',
    call_transcript JSONB,
    usage           JSONB,
    costs           JSONB,
    total_cost_usd  DOUBLE PRECISION NOT NULL DEFAULT 0,
    created_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
    completed_at    TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS idx_call_sessions_org ON call_sessions(organization_id);
CREATE INDEX IF NOT EXISTS idx_call_sessions_status ON call_sessions(status);

CREATE TABLE IF NOT EXISTS patients (
    id              TEXT PRIMARY KEY,
    organization_id TEXT NOT NULL,
    first_name      TEXT NOT NULL DEFAULT '',
    last_name       TEXT NOT NULL DEFAULT '',
    phone           TEXT NOT NULL DEFAULT '',
    date_of_birth   TEXT NOT NULL DEFAULT '',
    fields          JSONB NOT NULL DEFAULT '{}',
    created_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
    updated_at      TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_patients_org_phone ON patients(organization_id, phone);
`

// DB is the database interface used by the postgres stores. Both
// *pgxpool.Pool and *pgx.Conn satisfy this interface.
type DB interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// Postgres bundles the PostgreSQL-backed stores over one shared pool.
type Postgres struct {
	pool     *pgxpool.Pool
	sessions *PostgresSessionStore
	patients *PostgresPatientStore
}

// NewPostgres connects to the database at dsn, registers pgvector types on
// every connection, and runs the schema migration. embeddingDimensions sizes
// the transcript index vector column; pass 0 to skip the semantic schema.
func NewPostgres(ctx context.Context, dsn string, embeddingDimensions int) (*Postgres, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("store: parse dsn: %w", err)
	}
	cfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		return pgxvec.RegisterTypes(ctx, conn)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("store: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("store: ping: %w", err)
	}

	if _, err := pool.Exec(ctx, Schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("store: migrate: %w", err)
	}
	if embeddingDimensions > 0 {
		if _, err := pool.Exec(ctx, SemanticSchema(embeddingDimensions)); err != nil {
			pool.Close()
			return nil, fmt.Errorf("store: migrate semantic index: %w", err)
		}
	}

	return &Postgres{
		pool:     pool,
		sessions: NewPostgresSessionStore(pool),
		patients: NewPostgresPatientStore(pool),
	}, nil
}

// Sessions returns the session store.
func (p *Postgres) Sessions() *PostgresSessionStore { return p.sessions }

// Patients returns the patient store.
func (p *Postgres) Patients() *PostgresPatientStore { return p.patients }

// Pool exposes the underlying pool for health checks and the semantic index.
func (p *Postgres) Pool() *pgxpool.Pool { return p.pool }

// Close releases all connections held by the pool.
func (p *Postgres) Close() { p.pool.Close() }

// ─── Session store ────────────────────────────────────────────────────────────

// PostgresSessionStore is a [SessionStore] backed by the call_sessions table.
type PostgresSessionStore struct {
	db DB
}

var _ SessionStore = (*PostgresSessionStore)(nil)

// NewPostgresSessionStore creates a session store over db. The caller is
// responsible for ensuring [Schema] has been applied.
func NewPostgresSessionStore(db DB) *PostgresSessionStore {
	return &PostgresSessionStore{db: db}
}

// Create implements [SessionStore].
func (s *PostgresSessionStore) Create(ctx context.Context, rec SessionRecord) error {
	if rec.Status == "" {
		rec.Status = StatusStarting
	}
	const q = `
		INSERT INTO call_sessions
		    (session_id, patient_id, organization_id, status, workflow, call_type, room_url)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`
	_, err := s.db.Exec(ctx, q,
		rec.SessionID, rec.PatientID, rec.OrganizationID,
		string(rec.Status), rec.Workflow, rec.CallType, rec.RoomURL)
	if err != nil {
		return fmt.Errorf("store: create session: %w", err)
	}
	return nil
}

// terminalStatuses are the states that stamp completed_at.
var terminalStatuses = map[Status]bool{
	StatusCompleted:  true,
	StatusFailed:     true,
	StatusTerminated: true,
	StatusVoicemail:  true,
}

// UpdateStatus implements [SessionStore].
func (s *PostgresSessionStore) UpdateStatus(ctx context.Context, sessionID string, status Status) error {
	var (
		tag pgconn.CommandTag
		err error
	)
	if terminalStatuses[status] {
		const q = `UPDATE call_sessions SET status = $2, completed_at = now() WHERE session_id = $1`
		tag, err = s.db.Exec(ctx, q, sessionID, string(status))
	} else {
		const q = `UPDATE call_sessions SET status = $2 WHERE session_id = $1`
		tag, err = s.db.Exec(ctx, q, sessionID, string(status))
	}
	if err != nil {
		return fmt.Errorf("store: update status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("store: update status %q: %w", sessionID, ErrNotFound)
	}
	return nil
}

// SaveTranscript implements [SessionStore].
func (s *PostgresSessionStore) SaveTranscript(ctx context.Context, sessionID string, t transcript.Assembled) error {
	payload, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("store: marshal transcript: %w", err)
	}
	const q = `UPDATE call_sessions SET call_transcript = $2 WHERE session_id = $1`
	tag, err := s.db.Exec(ctx, q, sessionID, payload)
	if err != nil {
		return fmt.Errorf("store: save transcript: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("store: save transcript %q: %w", sessionID, ErrNotFound)
	}
	return nil
}

// SaveUsage implements [SessionStore].
func (s *PostgresSessionStore) SaveUsage(ctx context.Context, sessionID string, u observe.UsageSummary) error {
	usageJSON, err := json.Marshal(u.Usage)
	if err != nil {
		return fmt.Errorf("store: marshal usage: %w", err)
	}
	costsJSON, err := json.Marshal(u.Costs)
	if err != nil {
		return fmt.Errorf("store: marshal costs: %w", err)
	}
	const q = `UPDATE call_sessions SET usage = $2, costs = $3, total_cost_usd = $4 WHERE session_id = $1`
	tag, err := s.db.Exec(ctx, q, sessionID, usageJSON, costsJSON, u.TotalCostUSD)
	if err != nil {
		return fmt.Errorf("store: save usage: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("store: save usage %q: %w", sessionID, ErrNotFound)
	}
	return nil
}

// SetCallStatus implements [SessionStore].
func (s *PostgresSessionStore) SetCallStatus(ctx context.Context, sessionID, callStatus string) error {
	const q = `UPDATE call_sessions SET call_status = $2 WHERE session_id = $1`
	if _, err := s.db.Exec(ctx, q, sessionID, callStatus); err != nil {
		return fmt.Errorf("store: set call status: %w", err)
	}
	return nil
}

// SetError implements [SessionStore].
func (s *PostgresSessionStore) SetError(ctx context.Context, sessionID, message string) error {
	const q = `UPDATE call_sessions SET error = $2 WHERE session_id = $1`
	if _, err := s.db.Exec(ctx, q, sessionID, message); err != nil {
		return fmt.Errorf("store: set error: %w", err)
	}
	return nil
}

// SetPatient implements [SessionStore].
func (s *PostgresSessionStore) SetPatient(ctx context.Context, sessionID, patientID string) error {
	const q = `UPDATE call_sessions SET patient_id = $2 WHERE session_id = $1`
	if _, err := s.db.Exec(ctx, q, sessionID, patientID); err != nil {
		return fmt.Errorf("store: set patient: %w", err)
	}
	return nil
}

// Get implements [SessionStore].
func (s *PostgresSessionStore) Get(ctx context.Context, sessionID string) (*SessionRecord, error) {
	const q = `
		SELECT session_id, patient_id, organization_id, status, workflow, call_type,
		       room_url, call_status, error, call_transcript, usage, costs,
		       total_cost_usd, created_at, completed_at
		FROM   call_sessions
		WHERE  session_id = $1`

	var (
		rec            SessionRecord
		status         string
		transcriptJSON []byte
		usageJSON      []byte
		costsJSON      []byte
		totalCost      float64
		completedAt    *time.Time
	)
	err := s.db.QueryRow(ctx, q, sessionID).Scan(
		&rec.SessionID, &rec.PatientID, &rec.OrganizationID, &status,
		&rec.Workflow, &rec.CallType, &rec.RoomURL, &rec.CallStatus, &rec.Error,
		&transcriptJSON, &usageJSON, &costsJSON, &totalCost,
		&rec.CreatedAt, &completedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("store: session %q: %w", sessionID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("store: get session: %w", err)
	}

	rec.Status = Status(status)
	if completedAt != nil {
		rec.CompletedAt = *completedAt
	}
	if len(transcriptJSON) > 0 {
		var t transcript.Assembled
		if err := json.Unmarshal(transcriptJSON, &t); err != nil {
			return nil, fmt.Errorf("store: unmarshal transcript: %w", err)
		}
		rec.Transcript = &t
	}
	if len(usageJSON) > 0 || len(costsJSON) > 0 {
		u := observe.UsageSummary{TotalCostUSD: totalCost}
		if len(usageJSON) > 0 {
			if err := json.Unmarshal(usageJSON, &u.Usage); err != nil {
				return nil, fmt.Errorf("store: unmarshal usage: %w", err)
			}
		}
		if len(costsJSON) > 0 {
			if err := json.Unmarshal(costsJSON, &u.Costs); err != nil {
				return nil, fmt.Errorf("store: unmarshal costs: %w", err)
			}
		}
		rec.Usage = &u
	}
	return &rec, nil
}

// ─── Patient store ────────────────────────────────────────────────────────────

// PostgresPatientStore is a [PatientStore] backed by the patients table.
type PostgresPatientStore struct {
	db DB
}

var _ PatientStore = (*PostgresPatientStore)(nil)

// NewPostgresPatientStore creates a patient store over db.
func NewPostgresPatientStore(db DB) *PostgresPatientStore {
	return &PostgresPatientStore{db: db}
}

// Get implements [PatientStore].
func (s *PostgresPatientStore) Get(ctx context.Context, id string) (*Patient, error) {
	const q = `
		SELECT id, organization_id, first_name, last_name, phone, date_of_birth, fields
		FROM   patients
		WHERE  id = $1`
	return s.scanOne(s.db.QueryRow(ctx, q, id), id)
}

// FindByPhone implements [PatientStore]. The phone column holds bare digits;
// an 11-digit query with a leading "1" also matches its 10-digit suffix so
// E.164 and local formats find the same record.
func (s *PostgresPatientStore) FindByPhone(ctx context.Context, organizationID, phoneDigits string) (*Patient, error) {
	digits := NormalizePhone(phoneDigits)
	candidates := []string{digits}
	if len(digits) == 11 && strings.HasPrefix(digits, "1") {
		candidates = append(candidates, digits[1:])
	}

	const q = `
		SELECT id, organization_id, first_name, last_name, phone, date_of_birth, fields
		FROM   patients
		WHERE  organization_id = $1 AND phone = ANY($2)
		LIMIT  1`
	return s.scanOne(s.db.QueryRow(ctx, q, organizationID, candidates), digits)
}

// UpdateFields implements [PatientStore] via a JSONB merge.
func (s *PostgresPatientStore) UpdateFields(ctx context.Context, id string, fields map[string]string) error {
	payload, err := json.Marshal(fields)
	if err != nil {
		return fmt.Errorf("store: marshal fields: %w", err)
	}
	const q = `UPDATE patients SET fields = fields || $2::jsonb, updated_at = now() WHERE id = $1`
	tag, err := s.db.Exec(ctx, q, id, payload)
	if err != nil {
		return fmt.Errorf("store: update patient fields: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("store: patient %q: %w", id, ErrNotFound)
	}
	return nil
}

func (s *PostgresPatientStore) scanOne(row pgx.Row, key string) (*Patient, error) {
	var (
		p          Patient
		fieldsJSON []byte
	)
	err := row.Scan(&p.ID, &p.OrganizationID, &p.FirstName, &p.LastName,
		&p.Phone, &p.DateOfBirth, &fieldsJSON)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("store: patient %q: %w", key, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("store: get patient: %w", err)
	}
	if len(fieldsJSON) > 0 {
		if err := json.Unmarshal(fieldsJSON, &p.Fields); err != nil {
			return nil, fmt.Errorf("store: unmarshal patient fields: %w", err)
		}
	}
	if p.Fields == nil {
		p.Fields = map[string]string{}
	}
	return &p, nil
}

// NormalizePhone strips everything but digits from a phone number.
func NormalizePhone(phone string) string {
	var b strings.Builder
	for _, r := range phone {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}
