package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/mattn/go-sqlite3"

	"symptomtracker/internal/metrics"
	"symptomtracker/internal/models"
)

// Timestamps are stored as fixed-width UTC text so they sort and round-trip exactly
const timestampLayout = "2006-01-02T15:04:05.000000000Z07:00"

// Dialect selects the schema flavour of a SQLBackend
type Dialect string

const (
	DialectMySQL  Dialect = "mysql"
	DialectSQLite Dialect = "sqlite3"
)

// SQLBackend persists records in three tables keyed by (subject_id, id)
type SQLBackend struct {
	conn    *sql.DB
	dialect Dialect
}

// NewMySQLBackend opens a MySQL database and initializes the schema
// dsn format: "username:password@tcp(host:port)/dbname"
func NewMySQLBackend(dsn string) (*SQLBackend, error) {
	conn, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	conn.SetMaxOpenConns(25)
	conn.SetMaxIdleConns(5)
	conn.SetConnMaxLifetime(5 * time.Minute)

	return newSQLBackend(conn, DialectMySQL)
}

// NewSQLiteBackend opens (or creates) a SQLite file and initializes the schema
func NewSQLiteBackend(path string) (*SQLBackend, error) {
	conn, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// sqlite allows a single writer
	conn.SetMaxOpenConns(1)

	return newSQLBackend(conn, DialectSQLite)
}

func newSQLBackend(conn *sql.DB, dialect Dialect) (*SQLBackend, error) {
	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	b := &SQLBackend{conn: conn, dialect: dialect}
	if err := b.initSchema(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return b, nil
}

func (b *SQLBackend) initSchema() error {
	statements := sqliteSchema
	if b.dialect == DialectMySQL {
		statements = mysqlSchema
	}

	for _, stmt := range statements {
		if _, err := b.conn.Exec(stmt); err != nil {
			return fmt.Errorf("failed to execute schema statement: %w", err)
		}
	}
	return nil
}

// orderColumn keeps rows in insertion order when loading
func (b *SQLBackend) orderColumn() string {
	if b.dialect == DialectMySQL {
		return "pos"
	}
	return "rowid"
}

var mysqlSchema = []string{
	`CREATE TABLE IF NOT EXISTS observations (
		pos BIGINT AUTO_INCREMENT UNIQUE,
		subject_id VARCHAR(255) NOT NULL,
		id VARCHAR(64) NOT NULL,
		category VARCHAR(32) NOT NULL,
		severity VARCHAR(16) NOT NULL,
		ts VARCHAR(40) NOT NULL,
		description TEXT NOT NULL,
		duration_minutes INT NULL,
		pregnancy_week INT NULL,
		extra_data TEXT NULL,
		analysis TEXT NULL,
		PRIMARY KEY (subject_id, id),
		INDEX idx_observations_ts (subject_id, ts)
	) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,

	`CREATE TABLE IF NOT EXISTS alerts (
		pos BIGINT AUTO_INCREMENT UNIQUE,
		subject_id VARCHAR(255) NOT NULL,
		id VARCHAR(64) NOT NULL,
		ts VARCHAR(40) NOT NULL,
		level VARCHAR(16) NOT NULL,
		title VARCHAR(255) NOT NULL,
		message TEXT NOT NULL,
		related TEXT NOT NULL,
		is_read BOOLEAN NOT NULL DEFAULT FALSE,
		action_required BOOLEAN NOT NULL,
		action_description TEXT NOT NULL,
		PRIMARY KEY (subject_id, id),
		INDEX idx_alerts_ts (subject_id, ts)
	) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,

	`CREATE TABLE IF NOT EXISTS recommendations (
		pos BIGINT AUTO_INCREMENT UNIQUE,
		subject_id VARCHAR(255) NOT NULL,
		id VARCHAR(64) NOT NULL,
		ts VARCHAR(40) NOT NULL,
		title VARCHAR(255) NOT NULL,
		description TEXT NOT NULL,
		related TEXT NOT NULL,
		category VARCHAR(64) NOT NULL,
		priority INT NOT NULL,
		is_followed BOOLEAN NOT NULL DEFAULT FALSE,
		PRIMARY KEY (subject_id, id),
		INDEX idx_recommendations_priority (subject_id, priority)
	) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
}

var sqliteSchema = []string{
	`CREATE TABLE IF NOT EXISTS observations (
		subject_id       TEXT NOT NULL,
		id               TEXT NOT NULL,
		category         TEXT NOT NULL,
		severity         TEXT NOT NULL,
		ts               TEXT NOT NULL,
		description      TEXT NOT NULL DEFAULT '',
		duration_minutes INTEGER,
		pregnancy_week   INTEGER,
		extra_data       TEXT,
		analysis         TEXT,
		PRIMARY KEY (subject_id, id)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_observations_ts ON observations(subject_id, ts)`,

	`CREATE TABLE IF NOT EXISTS alerts (
		subject_id         TEXT NOT NULL,
		id                 TEXT NOT NULL,
		ts                 TEXT NOT NULL,
		level              TEXT NOT NULL,
		title              TEXT NOT NULL,
		message            TEXT NOT NULL,
		related            TEXT NOT NULL,
		is_read            INTEGER NOT NULL DEFAULT 0,
		action_required    INTEGER NOT NULL,
		action_description TEXT NOT NULL DEFAULT '',
		PRIMARY KEY (subject_id, id)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_alerts_ts ON alerts(subject_id, ts)`,

	`CREATE TABLE IF NOT EXISTS recommendations (
		subject_id  TEXT NOT NULL,
		id          TEXT NOT NULL,
		ts          TEXT NOT NULL,
		title       TEXT NOT NULL,
		description TEXT NOT NULL,
		related     TEXT NOT NULL,
		category    TEXT NOT NULL,
		priority    INTEGER NOT NULL,
		is_followed INTEGER NOT NULL DEFAULT 0,
		PRIMARY KEY (subject_id, id)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_recommendations_priority ON recommendations(subject_id, priority)`,
}

// SaveObservation inserts one observation
func (b *SQLBackend) SaveObservation(ctx context.Context, o models.Observation) error {
	extra, err := jsonText(o.ExtraData, len(o.ExtraData) == 0)
	if err != nil {
		return fmt.Errorf("failed to encode extra data: %w", err)
	}
	analysis, err := jsonText(o.Analysis, o.Analysis == nil)
	if err != nil {
		return fmt.Errorf("failed to encode analysis: %w", err)
	}

	query := `INSERT INTO observations (subject_id, id, category, severity, ts, description, duration_minutes, pregnancy_week, extra_data, analysis)
	          VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	queryStart := time.Now()
	_, err = b.conn.ExecContext(ctx, query, o.SubjectID, o.ID, o.Category.String(), o.Severity.String(),
		formatTimestamp(o.Timestamp), o.Description, nullInt(o.DurationMinutes), nullInt(o.PregnancyWeek), extra, analysis)
	metrics.RecordStoreOp("INSERT", "observations", time.Since(queryStart), err)
	if err != nil {
		return fmt.Errorf("failed to insert observation %s: %w", o.ID, err)
	}
	return nil
}

// SaveAlerts inserts alerts in a single transaction
func (b *SQLBackend) SaveAlerts(ctx context.Context, alerts []models.Alert) error {
	if len(alerts) == 0 {
		return nil
	}

	queryStart := time.Now()
	err := b.inTx(ctx, `INSERT INTO alerts (subject_id, id, ts, level, title, message, related, is_read, action_required, action_description)
	                   VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`, func(stmt *sql.Stmt) error {
		for _, a := range alerts {
			related, err := json.Marshal(a.RelatedCategories)
			if err != nil {
				return fmt.Errorf("failed to encode related categories: %w", err)
			}
			if _, err := stmt.ExecContext(ctx, a.SubjectID, a.ID, formatTimestamp(a.Timestamp), string(a.Level), a.Title,
				a.Message, string(related), a.IsRead, a.ActionRequired, a.ActionDescription); err != nil {
				return fmt.Errorf("failed to insert alert %s: %w", a.ID, err)
			}
		}
		return nil
	})
	metrics.RecordStoreOp("INSERT", "alerts", time.Since(queryStart), err)
	return err
}

// SaveRecommendations inserts recommendations in a single transaction
func (b *SQLBackend) SaveRecommendations(ctx context.Context, recs []models.Recommendation) error {
	if len(recs) == 0 {
		return nil
	}

	queryStart := time.Now()
	err := b.inTx(ctx, `INSERT INTO recommendations (subject_id, id, ts, title, description, related, category, priority, is_followed)
	                   VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`, func(stmt *sql.Stmt) error {
		for _, r := range recs {
			related, err := json.Marshal(r.RelatedCategories)
			if err != nil {
				return fmt.Errorf("failed to encode related categories: %w", err)
			}
			if _, err := stmt.ExecContext(ctx, r.SubjectID, r.ID, formatTimestamp(r.Timestamp), r.Title, r.Description,
				string(related), r.Category, r.Priority, r.IsFollowed); err != nil {
				return fmt.Errorf("failed to insert recommendation %s: %w", r.ID, err)
			}
		}
		return nil
	})
	metrics.RecordStoreOp("INSERT", "recommendations", time.Since(queryStart), err)
	return err
}

func (b *SQLBackend) inTx(ctx context.Context, query string, fn func(*sql.Stmt) error) error {
	tx, err := b.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, query)
	if err != nil {
		return fmt.Errorf("failed to prepare statement: %w", err)
	}
	defer stmt.Close()

	if err := fn(stmt); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// UpdateAlertRead sets the read flag of one alert
func (b *SQLBackend) UpdateAlertRead(ctx context.Context, subjectID, alertID string, read bool) error {
	queryStart := time.Now()
	_, err := b.conn.ExecContext(ctx, `UPDATE alerts SET is_read = ? WHERE subject_id = ? AND id = ?`, read, subjectID, alertID)
	metrics.RecordStoreOp("UPDATE", "alerts", time.Since(queryStart), err)
	if err != nil {
		return fmt.Errorf("failed to update alert %s: %w", alertID, err)
	}
	return nil
}

// LoadSubject reads every record of a subject in insertion order
func (b *SQLBackend) LoadSubject(ctx context.Context, subjectID string) (Snapshot, error) {
	var snap Snapshot
	var err error

	if snap.Observations, err = b.loadObservations(ctx, subjectID); err != nil {
		return Snapshot{}, err
	}
	if snap.Alerts, err = b.loadAlerts(ctx, subjectID); err != nil {
		return Snapshot{}, err
	}
	if snap.Recommendations, err = b.loadRecommendations(ctx, subjectID); err != nil {
		return Snapshot{}, err
	}
	return snap, nil
}

func (b *SQLBackend) loadObservations(ctx context.Context, subjectID string) (out []models.Observation, err error) {
	queryStart := time.Now()
	defer func() { metrics.RecordStoreOp("SELECT", "observations", time.Since(queryStart), err) }()

	query := fmt.Sprintf(`SELECT id, category, severity, ts, description, duration_minutes, pregnancy_week, extra_data, analysis
	                      FROM observations WHERE subject_id = ? ORDER BY %s`, b.orderColumn())
	rows, err := b.conn.QueryContext(ctx, query, subjectID)
	if err != nil {
		return nil, fmt.Errorf("failed to query observations: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			o                  models.Observation
			category, severity string
			ts                 string
			duration, week     sql.NullInt64
			extra, analysis    sql.NullString
		)
		if err := rows.Scan(&o.ID, &category, &severity, &ts, &o.Description, &duration, &week, &extra, &analysis); err != nil {
			return nil, fmt.Errorf("failed to scan observation: %w", err)
		}

		o.SubjectID = subjectID
		if o.Category, err = models.ParseCategory(category); err != nil {
			return nil, fmt.Errorf("observation %s: %w", o.ID, err)
		}
		if o.Severity, err = models.ParseSeverity(severity); err != nil {
			return nil, fmt.Errorf("observation %s: %w", o.ID, err)
		}
		if o.Timestamp, err = parseTimestamp(ts); err != nil {
			return nil, fmt.Errorf("observation %s: %w", o.ID, err)
		}
		o.DurationMinutes = intFromNull(duration)
		o.PregnancyWeek = intFromNull(week)
		if extra.Valid {
			if err := json.Unmarshal([]byte(extra.String), &o.ExtraData); err != nil {
				return nil, fmt.Errorf("observation %s: failed to decode extra data: %w", o.ID, err)
			}
		}
		if analysis.Valid {
			o.Analysis = &models.AnalysisResult{}
			if err := json.Unmarshal([]byte(analysis.String), o.Analysis); err != nil {
				return nil, fmt.Errorf("observation %s: failed to decode analysis: %w", o.ID, err)
			}
		}
		out = append(out, o)
	}

	return out, rows.Err()
}

func (b *SQLBackend) loadAlerts(ctx context.Context, subjectID string) (out []models.Alert, err error) {
	queryStart := time.Now()
	defer func() { metrics.RecordStoreOp("SELECT", "alerts", time.Since(queryStart), err) }()

	query := fmt.Sprintf(`SELECT id, ts, level, title, message, related, is_read, action_required, action_description
	                      FROM alerts WHERE subject_id = ? ORDER BY %s`, b.orderColumn())
	rows, err := b.conn.QueryContext(ctx, query, subjectID)
	if err != nil {
		return nil, fmt.Errorf("failed to query alerts: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			a                 models.Alert
			ts, level, related string
		)
		if err := rows.Scan(&a.ID, &ts, &level, &a.Title, &a.Message, &related, &a.IsRead, &a.ActionRequired, &a.ActionDescription); err != nil {
			return nil, fmt.Errorf("failed to scan alert: %w", err)
		}

		a.SubjectID = subjectID
		if a.Timestamp, err = parseTimestamp(ts); err != nil {
			return nil, fmt.Errorf("alert %s: %w", a.ID, err)
		}
		if err := a.Level.UnmarshalText([]byte(level)); err != nil {
			return nil, fmt.Errorf("alert %s: %w", a.ID, err)
		}
		if err := json.Unmarshal([]byte(related), &a.RelatedCategories); err != nil {
			return nil, fmt.Errorf("alert %s: failed to decode related categories: %w", a.ID, err)
		}
		out = append(out, a)
	}

	return out, rows.Err()
}

func (b *SQLBackend) loadRecommendations(ctx context.Context, subjectID string) (out []models.Recommendation, err error) {
	queryStart := time.Now()
	defer func() { metrics.RecordStoreOp("SELECT", "recommendations", time.Since(queryStart), err) }()

	query := fmt.Sprintf(`SELECT id, ts, title, description, related, category, priority, is_followed
	                      FROM recommendations WHERE subject_id = ? ORDER BY %s`, b.orderColumn())
	rows, err := b.conn.QueryContext(ctx, query, subjectID)
	if err != nil {
		return nil, fmt.Errorf("failed to query recommendations: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			r           models.Recommendation
			ts, related string
		)
		if err := rows.Scan(&r.ID, &ts, &r.Title, &r.Description, &related, &r.Category, &r.Priority, &r.IsFollowed); err != nil {
			return nil, fmt.Errorf("failed to scan recommendation: %w", err)
		}

		r.SubjectID = subjectID
		if r.Timestamp, err = parseTimestamp(ts); err != nil {
			return nil, fmt.Errorf("recommendation %s: %w", r.ID, err)
		}
		if err := json.Unmarshal([]byte(related), &r.RelatedCategories); err != nil {
			return nil, fmt.Errorf("recommendation %s: failed to decode related categories: %w", r.ID, err)
		}
		out = append(out, r)
	}

	return out, rows.Err()
}

// Close closes the database connection
func (b *SQLBackend) Close() error {
	if b.conn != nil {
		return b.conn.Close()
	}
	return nil
}

func formatTimestamp(t time.Time) string {
	return t.UTC().Format(timestampLayout)
}

func parseTimestamp(s string) (time.Time, error) {
	t, err := time.Parse(timestampLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid timestamp %q: %w", s, err)
	}
	return t.UTC(), nil
}

func jsonText(v any, empty bool) (sql.NullString, error) {
	if empty {
		return sql.NullString{}, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(data), Valid: true}, nil
}

func nullInt(v *int) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*v), Valid: true}
}

func intFromNull(n sql.NullInt64) *int {
	if !n.Valid {
		return nil
	}
	v := int(n.Int64)
	return &v
}
