package repository

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
)

// ============================================================================
// PostgreSQL Configuration
// ============================================================================

// PostgresConfig holds PostgreSQL connection configuration.
type PostgresConfig struct {
	Host            string        `json:"host" yaml:"host"`
	Port            int           `json:"port" yaml:"port"`
	Database        string        `json:"database" yaml:"database"`
	Username        string        `json:"username" yaml:"username"`
	Password        string        `json:"password" yaml:"password"`
	SSLMode         string        `json:"ssl_mode" yaml:"ssl_mode"`
	MaxOpenConns    int           `json:"max_open_conns" yaml:"max_open_conns"`
	MaxIdleConns    int           `json:"max_idle_conns" yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `json:"conn_max_lifetime" yaml:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `json:"conn_max_idle_time" yaml:"conn_max_idle_time"`
}

// DefaultPostgresConfig returns default PostgreSQL configuration.
func DefaultPostgresConfig() PostgresConfig {
	return PostgresConfig{
		Host:            "localhost",
		Port:            5432,
		Database:        "secmon",
		Username:        "secmon",
		SSLMode:         "disable",
		MaxOpenConns:    25,
		MaxIdleConns:    5,
		ConnMaxLifetime: time.Hour,
		ConnMaxIdleTime: 30 * time.Minute,
	}
}

// DSN returns the connection string.
func (c PostgresConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d dbname=%s user=%s password=%s sslmode=%s",
		c.Host, c.Port, c.Database, c.Username, c.Password, c.SSLMode,
	)
}

// ============================================================================
// PostgreSQL Connection
// ============================================================================

// PostgresConn represents a PostgreSQL database connection.
type PostgresConn struct {
	db     *sqlx.DB
	config PostgresConfig
}

// NewPostgresConn creates a new PostgreSQL connection.
func NewPostgresConn(cfg PostgresConfig) (*PostgresConn, error) {
	db, err := sqlx.Connect("postgres", cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)

	return &PostgresConn{
		db:     db,
		config: cfg,
	}, nil
}

// Close closes the PostgreSQL connection.
func (c *PostgresConn) Close() error {
	return c.db.Close()
}

// Ping tests the connection.
func (c *PostgresConn) Ping(ctx context.Context) error {
	return c.db.PingContext(ctx)
}

// IsHealthy returns true if the connection is healthy.
func (c *PostgresConn) IsHealthy(ctx context.Context) bool {
	return c.Ping(ctx) == nil
}

// DB returns the sqlx.DB instance.
func (c *PostgresConn) DB() *sqlx.DB {
	return c.db
}

// ============================================================================
// PostgreSQL Audit Repository
// ============================================================================

const auditSchema = `
	CREATE TABLE IF NOT EXISTS security_audit_logs (
		id              TEXT PRIMARY KEY,
		timestamp       TIMESTAMPTZ NOT NULL,
		user_id         TEXT NOT NULL DEFAULT '',
		action          TEXT NOT NULL,
		event_type      TEXT NOT NULL DEFAULT '',
		resource_type   TEXT NOT NULL DEFAULT '',
		resource_id     TEXT NOT NULL DEFAULT '',
		ip_address      TEXT NOT NULL DEFAULT '',
		user_agent      TEXT NOT NULL DEFAULT '',
		session_id      TEXT NOT NULL DEFAULT '',
		success         BOOLEAN NOT NULL,
		old_values      BYTEA,
		new_values      BYTEA,
		additional_data BYTEA,
		severity        TEXT NOT NULL,
		compliance_tags TEXT[] NOT NULL DEFAULT '{}',
		retention_days  INTEGER NOT NULL,
		integrity_hash  TEXT NOT NULL,
		encrypted       BOOLEAN NOT NULL DEFAULT FALSE
	);
	CREATE INDEX IF NOT EXISTS idx_security_audit_logs_ts_id ON security_audit_logs (timestamp DESC, id DESC);
	CREATE INDEX IF NOT EXISTS idx_security_audit_logs_user ON security_audit_logs (user_id, timestamp DESC);
`

const auditColumns = `id, timestamp, user_id, action, event_type, resource_type, resource_id,
	ip_address, user_agent, session_id, success, old_values, new_values, additional_data,
	severity, compliance_tags, retention_days, integrity_hash, encrypted`

// auditRow carries the array column sqlx cannot map onto []string directly.
type auditRow struct {
	AuditRecord
	Tags pq.StringArray `db:"compliance_tags"`
}

// PostgresAuditRepository implements AuditRepository on PostgreSQL.
type PostgresAuditRepository struct {
	conn *PostgresConn
}

// NewPostgresAuditRepository creates a new PostgreSQL audit repository.
func NewPostgresAuditRepository(conn *PostgresConn) *PostgresAuditRepository {
	return &PostgresAuditRepository{conn: conn}
}

// Ping tests the underlying connection.
func (r *PostgresAuditRepository) Ping(ctx context.Context) error {
	return r.conn.Ping(ctx)
}

// IsHealthy returns true if the underlying connection is healthy.
func (r *PostgresAuditRepository) IsHealthy(ctx context.Context) bool {
	return r.conn.IsHealthy(ctx)
}

// Up creates the audit table and its indexes.
func (r *PostgresAuditRepository) Up(ctx context.Context) error {
	if _, err := r.conn.db.ExecContext(ctx, auditSchema); err != nil {
		return storageError("migrate audit schema", "security_audit_logs", err)
	}
	return nil
}

// Insert appends a record. Records are never updated.
func (r *PostgresAuditRepository) Insert(ctx context.Context, rec *AuditRecord) error {
	query := `
		INSERT INTO security_audit_logs (` + auditColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19)
	`

	tags := rec.ComplianceTags
	if tags == nil {
		tags = []string{}
	}
	_, err := r.conn.db.ExecContext(ctx, query,
		rec.ID, rec.Timestamp, rec.UserID, rec.Action, rec.EventType, rec.ResourceType, rec.ResourceID,
		rec.IPAddress, rec.UserAgent, rec.SessionID, rec.Success, rec.OldValues, rec.NewValues, rec.AdditionalData,
		rec.Severity, pq.Array(tags), rec.RetentionDays, rec.IntegrityHash, rec.Encrypted,
	)
	if err != nil {
		return storageError("insert audit record", rec.ID, err)
	}
	return nil
}

// Search returns matching records newest first.
func (r *PostgresAuditRepository) Search(ctx context.Context, f AuditFilter, limit, offset int) ([]*AuditRecord, error) {
	whereClause, args := auditWhere(f)

	query := fmt.Sprintf(`
		SELECT %s
		FROM security_audit_logs
		WHERE %s
		ORDER BY timestamp DESC, id DESC
	`, auditColumns, whereClause)

	if limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d OFFSET $%d", len(args)+1, len(args)+2)
		args = append(args, limit, offset)
	} else if offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", len(args)+1)
		args = append(args, offset)
	}

	var rows []auditRow
	if err := r.conn.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, storageError("search audit records", "security_audit_logs", err)
	}

	records := make([]*AuditRecord, len(rows))
	for i := range rows {
		rec := rows[i].AuditRecord
		rec.ComplianceTags = []string(rows[i].Tags)
		rec.Timestamp = rec.Timestamp.UTC()
		records[i] = &rec
	}
	return records, nil
}

// Statistics aggregates over the optional window.
func (r *PostgresAuditRepository) Statistics(ctx context.Context, start, end *time.Time, topUsers int) (*AuditStats, error) {
	whereClause, args := auditWhere(AuditFilter{Start: start, End: end})
	stats := &AuditStats{
		ByType:    make(map[string]int64),
		BySuccess: make(map[string]int64),
		TopUsers:  []UserCount{},
	}

	countQuery := fmt.Sprintf("SELECT COUNT(*) FROM security_audit_logs WHERE %s", whereClause)
	if err := r.conn.db.GetContext(ctx, &stats.Total, countQuery, args...); err != nil {
		return nil, storageError("count audit records", "security_audit_logs", err)
	}

	var byType []struct {
		EventType string `db:"event_type"`
		Count     int64  `db:"count"`
	}
	typeQuery := fmt.Sprintf(`
		SELECT event_type, COUNT(*) AS count FROM security_audit_logs
		WHERE %s GROUP BY event_type`, whereClause)
	if err := r.conn.db.SelectContext(ctx, &byType, typeQuery, args...); err != nil {
		return nil, storageError("aggregate audit types", "security_audit_logs", err)
	}
	for _, row := range byType {
		stats.ByType[row.EventType] = row.Count
	}

	var bySuccess []struct {
		Success bool  `db:"success"`
		Count   int64 `db:"count"`
	}
	successQuery := fmt.Sprintf(`
		SELECT success, COUNT(*) AS count FROM security_audit_logs
		WHERE %s GROUP BY success`, whereClause)
	if err := r.conn.db.SelectContext(ctx, &bySuccess, successQuery, args...); err != nil {
		return nil, storageError("aggregate audit outcomes", "security_audit_logs", err)
	}
	for _, row := range bySuccess {
		stats.BySuccess[successLabel(row.Success)] = row.Count
	}

	if topUsers > 0 {
		userQuery := fmt.Sprintf(`
			SELECT user_id, COUNT(*) AS count FROM security_audit_logs
			WHERE %s AND user_id <> ''
			GROUP BY user_id
			ORDER BY count DESC, user_id ASC
			LIMIT $%d`, whereClause, len(args)+1)
		if err := r.conn.db.SelectContext(ctx, &stats.TopUsers, userQuery, append(args, topUsers)...); err != nil {
			return nil, storageError("aggregate audit users", "security_audit_logs", err)
		}
	}

	return stats, nil
}

// auditWhere builds the ANDed predicate for a filter.
func auditWhere(f AuditFilter) (string, []interface{}) {
	conditions := []string{"TRUE"}
	args := []interface{}{}

	add := func(clause string, value interface{}) {
		args = append(args, value)
		conditions = append(conditions, fmt.Sprintf(clause, len(args)))
	}

	if f.UserID != "" {
		add("user_id = $%d", f.UserID)
	}
	if len(f.EventTypes) > 0 {
		add("event_type = ANY($%d)", pq.Array(f.EventTypes))
	}
	if f.Start != nil {
		add("timestamp >= $%d", f.Start.UTC())
	}
	if f.End != nil {
		add("timestamp <= $%d", f.End.UTC())
	}
	if f.ResourceType != "" {
		add("resource_type = $%d", f.ResourceType)
	}
	if f.IPAddress != "" {
		add("ip_address = $%d", f.IPAddress)
	}
	if f.Success != nil {
		add("success = $%d", *f.Success)
	}

	return strings.Join(conditions, " AND "), args
}

func successLabel(ok bool) string {
	if ok {
		return "success"
	}
	return "failure"
}
