package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"hpcorchestrator/internal/apperrors"
	"hpcorchestrator/internal/job"
	"strconv"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib" // registers the "pgx" database/sql driver
)

// Dialect selects placeholder syntax and duplicate-key detection.
type Dialect int

const (
	Postgres Dialect = iota
	MySQL
)

func (d Dialect) String() string {
	if d == MySQL {
		return "mysql"
	}
	return "postgres"
}

// placeholder returns the n-th (1-based) bind parameter.
func (d Dialect) placeholder(n int) string {
	if d == MySQL {
		return "?"
	}
	return "$" + strconv.Itoa(n)
}

// isDuplicate reports whether err is a unique-key violation.
func (d Dialect) isDuplicate(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) {
		return myErr.Number == 1062
	}
	return false
}

const jobColumns = "id, storage_input_key, remote_batch_id, state, results_location, owner_id, failure_reason, missed_polls, version, created_at, updated_at"

// SQL is a Ledger backed by a relational jobs table.
// Timestamps are stored as unix microseconds so both dialects scan them the same way.
type SQL struct {
	db      *sql.DB
	dialect Dialect
	now     func() time.Time
}

// NewSQL wraps an open database handle.
func NewSQL(db *sql.DB, dialect Dialect) *SQL {
	return &SQL{db: db, dialect: dialect, now: time.Now}
}

// Open connects using a DSN whose scheme selects the driver:
// postgres:// or postgresql:// use pgx, mysql:// uses go-sql-driver/mysql.
func Open(ctx context.Context, dsn string) (*SQL, error) {
	driver, dialect, source, err := parseDSN(dsn)
	if err != nil {
		return nil, err
	}
	db, err := sql.Open(driver, source)
	if err != nil {
		return nil, apperrors.Internal("ledger.open", err)
	}
	db.SetMaxOpenConns(16)
	db.SetMaxIdleConns(4)
	db.SetConnMaxIdleTime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, apperrors.Internal("ledger.ping", err)
	}
	return NewSQL(db, dialect), nil
}

func parseDSN(dsn string) (driver string, dialect Dialect, source string, err error) {
	switch {
	case strings.HasPrefix(dsn, "postgres://"), strings.HasPrefix(dsn, "postgresql://"):
		return "pgx", Postgres, dsn, nil
	case strings.HasPrefix(dsn, "mysql://"):
		cfg, err := mysql.ParseDSN(strings.TrimPrefix(dsn, "mysql://"))
		if err != nil {
			return "", 0, "", apperrors.Validation("ledgerDSN", fmt.Sprintf("invalid mysql DSN: %v", err))
		}
		return "mysql", MySQL, cfg.FormatDSN(), nil
	default:
		return "", 0, "", apperrors.Validation("ledgerDSN", "ledger DSN must start with postgres://, postgresql:// or mysql://")
	}
}

// Close closes the underlying database handle.
func (s *SQL) Close() error {
	return s.db.Close()
}

// Migrate creates the jobs table if it does not exist.
func (s *SQL) Migrate(ctx context.Context) error {
	stmts := []string{`CREATE TABLE IF NOT EXISTS jobs (
	id                VARCHAR(128) NOT NULL PRIMARY KEY,
	storage_input_key VARCHAR(1024) NOT NULL,
	remote_batch_id   VARCHAR(64),
	state             VARCHAR(16) NOT NULL,
	results_location  VARCHAR(1024),
	owner_id          VARCHAR(128),
	failure_reason    TEXT,
	missed_polls      INTEGER NOT NULL DEFAULT 0,
	version           BIGINT NOT NULL,
	created_at        BIGINT NOT NULL,
	updated_at        BIGINT NOT NULL` + s.inlineIndex() + `
)`}
	if s.dialect == Postgres {
		stmts = append(stmts, `CREATE INDEX IF NOT EXISTS jobs_state_idx ON jobs (state, created_at)`)
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return apperrors.Internal("ledger.migrate", err)
		}
	}
	return nil
}

func (s *SQL) inlineIndex() string {
	if s.dialect == MySQL {
		return ",\n\tINDEX jobs_state_idx (state, created_at)"
	}
	return ""
}

// Create inserts j as version 1.
func (s *SQL) Create(ctx context.Context, j job.Job) error {
	if err := validateNew(j); err != nil {
		return err
	}
	now := s.now().UTC()
	j.CreatedAt, j.UpdatedAt, j.Version = now, now, 1

	query := fmt.Sprintf("INSERT INTO jobs (%s) VALUES (%s)", jobColumns, s.placeholders(1, 11))
	_, err := s.db.ExecContext(ctx, query,
		j.ID, j.StorageInputKey, nullString(j.RemoteBatchID), j.State.String(),
		nullString(j.ResultsLocation), nullString(j.OwnerID), nullString(j.FailureReason),
		j.MissedPolls, j.Version, j.CreatedAt.UnixMicro(), j.UpdatedAt.UnixMicro(),
	)
	if err != nil {
		if s.dialect.isDuplicate(err) {
			return apperrors.Duplicate("job", j.ID)
		}
		return apperrors.Internal("ledger.create", err)
	}
	return nil
}

// Get loads one job.
func (s *SQL) Get(ctx context.Context, id string) (*job.Job, error) {
	query := fmt.Sprintf("SELECT %s FROM jobs WHERE id = %s", jobColumns, s.dialect.placeholder(1))
	j, err := scanJob(s.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.NotFound("job", id)
	}
	if err != nil {
		return nil, apperrors.Internal("ledger.get", err)
	}
	return j, nil
}

// Update reads the current row, validates the patch against it and writes
// back only if the version is unchanged.
func (s *SQL) Update(ctx context.Context, id string, p job.Patch) (*job.Job, error) {
	current, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	next, err := p.Apply(*current, s.now().UTC())
	if err != nil {
		return nil, err
	}

	d := s.dialect
	query := fmt.Sprintf(
		"UPDATE jobs SET state = %s, results_location = %s, failure_reason = %s, missed_polls = %s, version = %s, updated_at = %s WHERE id = %s AND version = %s",
		d.placeholder(1), d.placeholder(2), d.placeholder(3), d.placeholder(4),
		d.placeholder(5), d.placeholder(6), d.placeholder(7), d.placeholder(8),
	)
	res, err := s.db.ExecContext(ctx, query,
		next.State.String(), nullString(next.ResultsLocation), nullString(next.FailureReason),
		next.MissedPolls, next.Version, next.UpdatedAt.UnixMicro(), id, current.Version,
	)
	if err != nil {
		return nil, apperrors.Internal("ledger.update", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, apperrors.Internal("ledger.update", err)
	}
	if n == 0 {
		return nil, apperrors.Conflict("job", id, fmt.Sprintf("job %s was modified concurrently (version %d)", id, current.Version))
	}
	return &next, nil
}

// ListByState returns matching jobs ordered by creation time.
func (s *SQL) ListByState(ctx context.Context, states ...job.State) ([]job.Job, error) {
	query := "SELECT " + jobColumns + " FROM jobs"
	args := make([]any, 0, len(states))
	if len(states) > 0 {
		marks := make([]string, len(states))
		for i, st := range states {
			marks[i] = s.dialect.placeholder(i + 1)
			args = append(args, st.String())
		}
		query += " WHERE state IN (" + strings.Join(marks, ", ") + ")"
	}
	query += " ORDER BY created_at, id"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, apperrors.Internal("ledger.list", err)
	}
	defer rows.Close()

	var jobs []job.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, apperrors.Internal("ledger.list", err)
		}
		jobs = append(jobs, *j)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.Internal("ledger.list", err)
	}
	return jobs, nil
}

// Ping checks connectivity.
func (s *SQL) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQL) placeholders(from, to int) string {
	marks := make([]string, 0, to-from+1)
	for i := from; i <= to; i++ {
		marks = append(marks, s.dialect.placeholder(i))
	}
	return strings.Join(marks, ", ")
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*job.Job, error) {
	var (
		j                               job.Job
		batchID, results, owner, reason sql.NullString
		state                           string
		createdMicros, updatedMicros    int64
	)
	err := row.Scan(&j.ID, &j.StorageInputKey, &batchID, &state, &results, &owner, &reason,
		&j.MissedPolls, &j.Version, &createdMicros, &updatedMicros)
	if err != nil {
		return nil, err
	}
	if j.State, err = job.ParseState(state); err != nil {
		return nil, err
	}
	j.RemoteBatchID = batchID.String
	j.ResultsLocation = results.String
	j.OwnerID = owner.String
	j.FailureReason = reason.String
	j.CreatedAt = time.UnixMicro(createdMicros).UTC()
	j.UpdatedAt = time.UnixMicro(updatedMicros).UTC()
	return &j, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

var _ Ledger = (*SQL)(nil)
