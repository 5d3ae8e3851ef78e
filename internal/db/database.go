// Package db provides PostgreSQL-backed persistence for the plugin
// registry: the durable record of which plugins have been loaded, their
// manifests, and the audit/violation history the in-memory Security
// Boundary and Resource Enforcer would otherwise lose on restart.
//
// Implementation details carried over from the product database layer this
// was distilled from: connection pooling via database/sql, lib/pq as the
// driver, and config validation that rejects anything that doesn't look
// like a hostname/port/identifier before it reaches a connection string.
package db

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"net"
	"regexp"
	"strconv"
	"strings"
	"time"

	_ "github.com/lib/pq"
)

// Config holds database configuration.
type Config struct {
	Host     string
	Port     string
	User     string
	Password string
	DBName   string
	SSLMode  string
}

// Database wraps a pooled connection to the plugin registry store.
type Database struct {
	db *sql.DB
}

// validateConfig rejects configuration that could otherwise be used to
// inject arbitrary text into the connection string.
func validateConfig(config Config) error {
	if config.Host == "" {
		return fmt.Errorf("database host cannot be empty")
	}
	if net.ParseIP(config.Host) == nil {
		hostnameRegex := regexp.MustCompile(`^[a-zA-Z0-9]([a-zA-Z0-9\-\.]{0,253}[a-zA-Z0-9])?$`)
		if !hostnameRegex.MatchString(config.Host) {
			return fmt.Errorf("invalid database host: %s", config.Host)
		}
	}

	if config.Port == "" {
		return fmt.Errorf("database port cannot be empty")
	}
	port, err := strconv.Atoi(config.Port)
	if err != nil || port < 1 || port > 65535 {
		return fmt.Errorf("invalid database port: %s (must be 1-65535)", config.Port)
	}

	if config.User == "" {
		return fmt.Errorf("database user cannot be empty")
	}
	userRegex := regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)
	if !userRegex.MatchString(config.User) {
		return fmt.Errorf("invalid database user: %s (only alphanumeric, underscore, and hyphen allowed)", config.User)
	}

	if config.DBName == "" {
		return fmt.Errorf("database name cannot be empty")
	}
	dbNameRegex := regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)
	if !dbNameRegex.MatchString(config.DBName) {
		return fmt.Errorf("invalid database name: %s (only alphanumeric, underscore, and hyphen allowed)", config.DBName)
	}

	validSSLModes := []string{"disable", "allow", "prefer", "require", "verify-ca", "verify-full"}
	if config.SSLMode != "" {
		valid := false
		for _, mode := range validSSLModes {
			if config.SSLMode == mode {
				valid = true
				break
			}
		}
		if !valid {
			return fmt.Errorf("invalid SSL mode: %s (must be one of: %s)", config.SSLMode, strings.Join(validSSLModes, ", "))
		}
	}

	if config.SSLMode == "" || config.SSLMode == "disable" {
		fmt.Println("WARNING: Database SSL/TLS is DISABLED - This is INSECURE for production!")
		fmt.Println("         Set DB_SSL_MODE to 'require', 'verify-ca', or 'verify-full'")
	}

	return nil
}

// NewDatabase opens and pings a pooled connection.
func NewDatabase(config Config) (*Database, error) {
	if err := validateConfig(config); err != nil {
		return nil, fmt.Errorf("invalid database configuration: %w", err)
	}

	if config.SSLMode == "" {
		config.SSLMode = "disable"
	}

	connStr := fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		config.Host, config.Port, config.User, config.Password, config.DBName, config.SSLMode)

	sqlDB, err := sql.Open("postgres", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	sqlDB.SetMaxOpenConns(25)
	sqlDB.SetMaxIdleConns(5)
	sqlDB.SetConnMaxLifetime(5 * time.Minute)
	sqlDB.SetConnMaxIdleTime(1 * time.Minute)

	if err := sqlDB.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &Database{db: sqlDB}, nil
}

// NewDatabaseForTesting wraps an existing *sql.DB (e.g. from sqlmock).
func NewDatabaseForTesting(sqlDB *sql.DB) *Database {
	return &Database{db: sqlDB}
}

// Close closes the underlying connection pool.
func (d *Database) Close() error {
	return d.db.Close()
}

// DB returns the underlying *sql.DB for callers that need raw queries.
func (d *Database) DB() *sql.DB {
	return d.db
}

// Migrate creates the plugin registry schema: the registered-plugin table,
// a durable audit trail (the Security Boundary's in-memory ring buffer is
// capped and lost on restart), and a durable violation log (same reasoning
// for the Resource Enforcer).
func (d *Database) Migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS plugins (
			id               VARCHAR(255) PRIMARY KEY,
			name             VARCHAR(255) NOT NULL,
			version          VARCHAR(64) NOT NULL,
			entry            VARCHAR(512) NOT NULL,
			manifest         JSONB NOT NULL,
			signature        TEXT,
			security_level   VARCHAR(16) NOT NULL DEFAULT 'medium',
			state            VARCHAR(32) NOT NULL DEFAULT 'loaded',
			loaded_at        TIMESTAMPTZ NOT NULL DEFAULT now(),
			started_at       TIMESTAMPTZ,
			stopped_at       TIMESTAMPTZ,
			updated_at       TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_plugins_state ON plugins(state)`,

		`CREATE TABLE IF NOT EXISTS plugin_audit_log (
			id          BIGSERIAL PRIMARY KEY,
			plugin_id   VARCHAR(255) NOT NULL,
			channel_id  VARCHAR(255) NOT NULL,
			direction   VARCHAR(16) NOT NULL,
			msg_type    VARCHAR(128) NOT NULL,
			size_bytes  INTEGER NOT NULL,
			created_at  TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_audit_plugin_created ON plugin_audit_log(plugin_id, created_at DESC)`,

		`CREATE TABLE IF NOT EXISTS plugin_violations (
			id          BIGSERIAL PRIMARY KEY,
			plugin_id   VARCHAR(255) NOT NULL,
			severity    VARCHAR(16) NOT NULL,
			reason      VARCHAR(128) NOT NULL,
			created_at  TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_violations_plugin_created ON plugin_violations(plugin_id, created_at DESC)`,
	}

	for i, migration := range migrations {
		if _, err := d.db.Exec(migration); err != nil {
			return fmt.Errorf("migration %d failed: %w", i, err)
		}
	}

	return nil
}

// RegisteredPlugin is a persisted plugin registry row.
type RegisteredPlugin struct {
	ID            string
	Name          string
	Version       string
	Entry         string
	ManifestJSON  json.RawMessage
	Signature     string
	SecurityLevel string
	State         string
	LoadedAt      time.Time
	StartedAt     *time.Time
	StoppedAt     *time.Time
}

// UpsertPlugin records that a plugin was loaded, or updates its state if
// already registered. Nothing in this module calls it; the serve command
// does not write plugin rows.
func (d *Database) UpsertPlugin(p RegisteredPlugin) error {
	_, err := d.db.Exec(`
		INSERT INTO plugins (id, name, version, entry, manifest, signature, security_level, state, loaded_at, started_at, stopped_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, now())
		ON CONFLICT (id) DO UPDATE SET
			state = EXCLUDED.state,
			started_at = COALESCE(EXCLUDED.started_at, plugins.started_at),
			stopped_at = EXCLUDED.stopped_at,
			updated_at = now()
	`, p.ID, p.Name, p.Version, p.Entry, p.ManifestJSON, p.Signature, p.SecurityLevel, p.State, p.LoadedAt, p.StartedAt, p.StoppedAt)
	if err != nil {
		return fmt.Errorf("upsert plugin %s: %w", p.ID, err)
	}
	return nil
}

// ListPlugins returns every registry row, most recently loaded first. The
// serve command does not read it on startup; plugins to load come from
// the PLUGINS environment variable.
func (d *Database) ListPlugins() ([]RegisteredPlugin, error) {
	rows, err := d.db.Query(`
		SELECT id, name, version, entry, manifest, signature, security_level, state, loaded_at, started_at, stopped_at
		FROM plugins ORDER BY loaded_at DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("list plugins: %w", err)
	}
	defer rows.Close()

	var out []RegisteredPlugin
	for rows.Next() {
		var p RegisteredPlugin
		if err := rows.Scan(&p.ID, &p.Name, &p.Version, &p.Entry, &p.ManifestJSON, &p.Signature, &p.SecurityLevel, &p.State, &p.LoadedAt, &p.StartedAt, &p.StoppedAt); err != nil {
			return nil, fmt.Errorf("scan plugin row: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// AuditRecord is one durable audit log row, mirroring boundary.AuditEntry.
type AuditRecord struct {
	PluginID  string
	ChannelID string
	Direction string
	Type      string
	Size      int
	Timestamp time.Time
}

// AppendAuditLog persists a batch of audit entries flushed from the
// Security Boundary's in-memory ring buffer; the serve command calls it
// on a fixed flush interval and once more at shutdown.
func (d *Database) AppendAuditLog(entries []AuditRecord) error {
	if len(entries) == 0 {
		return nil
	}
	tx, err := d.db.Begin()
	if err != nil {
		return fmt.Errorf("begin audit tx: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`INSERT INTO plugin_audit_log (plugin_id, channel_id, direction, msg_type, size_bytes, created_at) VALUES ($1, $2, $3, $4, $5, $6)`)
	if err != nil {
		return fmt.Errorf("prepare audit insert: %w", err)
	}
	defer stmt.Close()

	for _, e := range entries {
		if _, err := stmt.Exec(e.PluginID, e.ChannelID, e.Direction, e.Type, e.Size, e.Timestamp); err != nil {
			return fmt.Errorf("insert audit entry: %w", err)
		}
	}
	return tx.Commit()
}

// RecordViolation persists a single Resource Enforcer violation signal.
func (d *Database) RecordViolation(pluginID, severity, reason string) error {
	_, err := d.db.Exec(`INSERT INTO plugin_violations (plugin_id, severity, reason) VALUES ($1, $2, $3)`, pluginID, severity, reason)
	if err != nil {
		return fmt.Errorf("record violation for %s: %w", pluginID, err)
	}
	return nil
}

// RecentViolations returns the most recent violations for a plugin, newest
// first, bounded by limit.
func (d *Database) RecentViolations(pluginID string, limit int) ([]string, error) {
	rows, err := d.db.Query(`SELECT reason FROM plugin_violations WHERE plugin_id = $1 ORDER BY created_at DESC LIMIT $2`, pluginID, limit)
	if err != nil {
		return nil, fmt.Errorf("recent violations for %s: %w", pluginID, err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var reason string
		if err := rows.Scan(&reason); err != nil {
			return nil, fmt.Errorf("scan violation row: %w", err)
		}
		out = append(out, reason)
	}
	return out, rows.Err()
}
