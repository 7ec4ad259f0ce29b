// Package postgres implements the storage port on PostgreSQL via sqlx.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strconv"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/agentns/ans/pkg/anserr"
	"github.com/agentns/ans/pkg/models"
	"github.com/agentns/ans/pkg/storage"
)

// Schema is the relational layout the store expects.
const Schema = `
CREATE TABLE IF NOT EXISTS agents (
    ans_name            TEXT PRIMARY KEY,
    agent_id            TEXT NOT NULL,
    protocol            TEXT NOT NULL,
    capability          TEXT NOT NULL,
    provider            TEXT NOT NULL,
    version             TEXT NOT NULL,
    capabilities        JSONB NOT NULL DEFAULT '[]',
    protocol_extensions JSONB NOT NULL DEFAULT '{}',
    endpoint            TEXT NOT NULL,
    certificate_pem     TEXT NOT NULL,
    certificate_serial  TEXT NOT NULL,
    registration_time   TIMESTAMPTZ NOT NULL,
    last_renewal_time   TIMESTAMPTZ,
    is_active           BOOLEAN NOT NULL DEFAULT TRUE
);
CREATE INDEX IF NOT EXISTS agents_agent_id_idx   ON agents (agent_id);
CREATE INDEX IF NOT EXISTS agents_protocol_idx   ON agents (protocol);
CREATE INDEX IF NOT EXISTS agents_capability_idx ON agents (capability);
CREATE INDEX IF NOT EXISTS agents_provider_idx   ON agents (provider);

CREATE TABLE IF NOT EXISTS revocations (
    serial     TEXT PRIMARY KEY,
    revoked_at TIMESTAMPTZ NOT NULL,
    reason     TEXT NOT NULL DEFAULT ''
);
`

const uniqueViolation = "23505"

type agentRow struct {
	AgentID            string         `db:"agent_id"`
	ANSName            string         `db:"ans_name"`
	Protocol           string         `db:"protocol"`
	Capability         string         `db:"capability"`
	Provider           string         `db:"provider"`
	Version            string         `db:"version"`
	Capabilities       []byte         `db:"capabilities"`
	ProtocolExtensions []byte         `db:"protocol_extensions"`
	Endpoint           string         `db:"endpoint"`
	CertificatePEM     string         `db:"certificate_pem"`
	CertificateSerial  string         `db:"certificate_serial"`
	RegistrationTime   time.Time      `db:"registration_time"`
	LastRenewalTime    sql.NullTime   `db:"last_renewal_time"`
	IsActive           bool           `db:"is_active"`
}

// Store is a PostgreSQL-backed storage.Store.
type Store struct {
	db *sqlx.DB
}

var _ storage.Store = (*Store)(nil)

// Open connects to dsn and applies the schema.
func Open(ctx context.Context, dsn string) (*Store, error) {
	const op = "postgres.Open"
	db, err := sqlx.ConnectContext(ctx, "postgres", dsn)
	if err != nil {
		return nil, anserr.E(op, anserr.KindStorageError, err)
	}
	if _, err := db.ExecContext(ctx, Schema); err != nil {
		db.Close()
		return nil, anserr.E(op, anserr.KindStorageError, err)
	}
	return &Store{db: db}, nil
}

// Close releases the connection pool.
func (s *Store) Close() error { return s.db.Close() }

func toRow(a *models.Agent) (*agentRow, error) {
	caps, err := json.Marshal(a.Capabilities)
	if err != nil {
		return nil, err
	}
	ext, err := json.Marshal(a.ProtocolExtensions)
	if err != nil {
		return nil, err
	}
	row := &agentRow{
		AgentID:            a.AgentID,
		ANSName:            a.ANSName,
		Protocol:           a.Protocol,
		Capability:         a.Capability,
		Provider:           a.Provider,
		Version:            a.Version,
		Capabilities:       caps,
		ProtocolExtensions: ext,
		Endpoint:           a.Endpoint,
		CertificatePEM:     a.CertificatePEM,
		CertificateSerial:  a.CertificateSerial,
		RegistrationTime:   a.RegistrationTime,
		IsActive:           a.IsActive,
	}
	if a.LastRenewalTime != nil {
		row.LastRenewalTime = sql.NullTime{Time: *a.LastRenewalTime, Valid: true}
	}
	return row, nil
}

func fromRow(r *agentRow) (*models.Agent, error) {
	a := &models.Agent{
		AgentID:           r.AgentID,
		ANSName:           r.ANSName,
		Protocol:          r.Protocol,
		Capability:        r.Capability,
		Provider:          r.Provider,
		Version:           r.Version,
		Endpoint:          r.Endpoint,
		CertificatePEM:    r.CertificatePEM,
		CertificateSerial: r.CertificateSerial,
		RegistrationTime:  r.RegistrationTime,
		IsActive:          r.IsActive,
	}
	if err := json.Unmarshal(r.Capabilities, &a.Capabilities); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(r.ProtocolExtensions, &a.ProtocolExtensions); err != nil {
		return nil, err
	}
	if r.LastRenewalTime.Valid {
		t := r.LastRenewalTime.Time
		a.LastRenewalTime = &t
	}
	return a, nil
}

func (s *Store) PutAgent(ctx context.Context, a *models.Agent) error {
	const op = "postgres.PutAgent"
	row, err := toRow(a)
	if err != nil {
		return anserr.E(op, anserr.KindStorageError, err)
	}
	_, err = s.db.NamedExecContext(ctx, `
		INSERT INTO agents (agent_id, ans_name, protocol, capability, provider, version,
		                    capabilities, protocol_extensions, endpoint, certificate_pem,
		                    certificate_serial, registration_time, last_renewal_time, is_active)
		VALUES (:agent_id, :ans_name, :protocol, :capability, :provider, :version,
		        :capabilities, :protocol_extensions, :endpoint, :certificate_pem,
		        :certificate_serial, :registration_time, :last_renewal_time, :is_active)`, row)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && string(pqErr.Code) == uniqueViolation {
			return anserr.E(op, anserr.KindAlreadyRegistered, "agent already registered", err)
		}
		return anserr.E(op, anserr.KindStorageError, err)
	}
	return nil
}

func (s *Store) GetByANSName(ctx context.Context, ansName string) (*models.Agent, error) {
	return s.getOne(ctx, "postgres.GetByANSName", `SELECT * FROM agents WHERE ans_name = $1`, ansName)
}

func (s *Store) GetByID(ctx context.Context, agentID string) ([]*models.Agent, error) {
	const op = "postgres.GetByID"
	var rows []agentRow
	err := s.db.SelectContext(ctx, &rows,
		`SELECT * FROM agents WHERE agent_id = $1 ORDER BY ans_name ASC`, agentID)
	if err != nil {
		return nil, anserr.E(op, anserr.KindStorageError, err)
	}
	if len(rows) == 0 {
		return nil, anserr.E(op, anserr.KindNotFound, "agent not found: "+agentID)
	}
	out := make([]*models.Agent, 0, len(rows))
	for i := range rows {
		a, err := fromRow(&rows[i])
		if err != nil {
			return nil, anserr.E(op, anserr.KindStorageError, err)
		}
		out = append(out, a)
	}
	return out, nil
}

func (s *Store) getOne(ctx context.Context, op, query, arg string) (*models.Agent, error) {
	var row agentRow
	if err := s.db.GetContext(ctx, &row, query, arg); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, anserr.E(op, anserr.KindNotFound, "agent not found: "+arg)
		}
		return nil, anserr.E(op, anserr.KindStorageError, err)
	}
	a, err := fromRow(&row)
	if err != nil {
		return nil, anserr.E(op, anserr.KindStorageError, err)
	}
	return a, nil
}

func (s *Store) Query(ctx context.Context, f storage.Filter, limit int) ([]*models.Agent, error) {
	const op = "postgres.Query"
	query := `SELECT * FROM agents WHERE 1=1`
	var args []interface{}
	add := func(col, val string) {
		if val == "" || val == "*" {
			return
		}
		args = append(args, val)
		query += " AND " + col + " = $" + strconv.Itoa(len(args))
	}
	add("protocol", f.Protocol)
	add("capability", f.Capability)
	add("provider", f.Provider)
	add("agent_id", f.AgentID)
	if !f.IncludeInactive {
		query += " AND is_active"
	}
	query += " ORDER BY ans_name ASC"
	if limit > 0 {
		args = append(args, limit)
		query += " LIMIT $" + strconv.Itoa(len(args))
	}
	var rows []agentRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, anserr.E(op, anserr.KindStorageError, err)
	}
	out := make([]*models.Agent, 0, len(rows))
	for i := range rows {
		a, err := fromRow(&rows[i])
		if err != nil {
			return nil, anserr.E(op, anserr.KindStorageError, err)
		}
		out = append(out, a)
	}
	return out, nil
}

func (s *Store) UpdateAgent(ctx context.Context, a *models.Agent) error {
	const op = "postgres.UpdateAgent"
	row, err := toRow(a)
	if err != nil {
		return anserr.E(op, anserr.KindStorageError, err)
	}
	res, err := s.db.NamedExecContext(ctx, `
		UPDATE agents SET agent_id = :agent_id, protocol = :protocol, capability = :capability,
		       provider = :provider, version = :version, capabilities = :capabilities,
		       protocol_extensions = :protocol_extensions, endpoint = :endpoint,
		       certificate_pem = :certificate_pem, certificate_serial = :certificate_serial,
		       registration_time = :registration_time, last_renewal_time = :last_renewal_time,
		       is_active = :is_active
		WHERE ans_name = :ans_name`, row)
	if err != nil {
		return anserr.E(op, anserr.KindStorageError, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return anserr.E(op, anserr.KindStorageError, err)
	}
	if n == 0 {
		return anserr.E(op, anserr.KindNotFound, "ans_name not found: "+a.ANSName)
	}
	return nil
}

func (s *Store) PutRevocation(ctx context.Context, e *models.RevocationEntry) error {
	const op = "postgres.PutRevocation"
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO revocations (serial, revoked_at, reason) VALUES ($1, $2, $3)
		ON CONFLICT (serial) DO NOTHING`, e.Serial, e.RevokedAt, e.Reason)
	if err != nil {
		return anserr.E(op, anserr.KindStorageError, err)
	}
	return nil
}

func (s *Store) GetRevocation(ctx context.Context, serial string) (*models.RevocationEntry, error) {
	const op = "postgres.GetRevocation"
	var e models.RevocationEntry
	err := s.db.QueryRowxContext(ctx,
		`SELECT serial, revoked_at, reason FROM revocations WHERE serial = $1`, serial).
		Scan(&e.Serial, &e.RevokedAt, &e.Reason)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, anserr.E(op, anserr.KindNotFound, "no revocation for serial "+serial)
		}
		return nil, anserr.E(op, anserr.KindStorageError, err)
	}
	return &e, nil
}

func (s *Store) ListRevocations(ctx context.Context) ([]*models.RevocationEntry, error) {
	const op = "postgres.ListRevocations"
	rows, err := s.db.QueryxContext(ctx,
		`SELECT serial, revoked_at, reason FROM revocations ORDER BY serial ASC`)
	if err != nil {
		return nil, anserr.E(op, anserr.KindStorageError, err)
	}
	defer rows.Close()
	var out []*models.RevocationEntry
	for rows.Next() {
		var e models.RevocationEntry
		if err := rows.Scan(&e.Serial, &e.RevokedAt, &e.Reason); err != nil {
			return nil, anserr.E(op, anserr.KindStorageError, err)
		}
		out = append(out, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, anserr.E(op, anserr.KindStorageError, err)
	}
	return out, nil
}
