// Package telemetry reads exact proving statistics from the proving
// cluster's task database.
package telemetry

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/stdlib"

	xerrors "ProofMarket/internal/errors"
)

// Dialect selects the SQL flavour of the task database.
type Dialect string

const (
	// DialectPostgres is the Bento task schema.
	DialectPostgres Dialect = "postgres"
	// DialectMySQL mirrors the same schema on MySQL 8.
	DialectMySQL Dialect = "mysql"
)

// Config describes the task database connection.
type Config struct {
	Dialect         Dialect       `yaml:"dialect"`
	DSN             string        `yaml:"dsn"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `yaml:"conn_max_idle_time"`
}

// Measurement is the cycle count and proving time of one job.
type Measurement struct {
	Cycles         float64
	ElapsedSeconds float64
}

type queries struct {
	cycles  string
	elapsed string
}

var dialectQueries = map[Dialect]queries{
	DialectPostgres: {
		cycles:  `SELECT (output->>'total_cycles')::FLOAT8 FROM tasks WHERE task_id = 'init' AND job_id = $1::uuid`,
		elapsed: `SELECT EXTRACT(EPOCH FROM (MAX(updated_at) - MIN(started_at)))::FLOAT8 FROM tasks WHERE job_id = $1::uuid`,
	},
	DialectMySQL: {
		cycles:  `SELECT CAST(JSON_EXTRACT(output, '$.total_cycles') AS DOUBLE) FROM tasks WHERE task_id = 'init' AND job_id = ?`,
		elapsed: `SELECT TIMESTAMPDIFF(MICROSECOND, MIN(started_at), MAX(updated_at)) / 1000000.0 FROM tasks WHERE job_id = ?`,
	},
}

// Store queries job statistics.
type Store struct {
	db      *sql.DB
	dialect Dialect
	q       queries
}

// Open connects to the task database. Any failure is reported as
// TELEMETRY_UNAVAILABLE so callers can fall back to client-side timing.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, xerrors.New(xerrors.CodeTelemetryUnavailable, "未配置遥测数据库 DSN")
	}
	dialect := cfg.Dialect
	if dialect == "" {
		dialect = DialectPostgres
	}

	var db *sql.DB
	switch dialect {
	case DialectPostgres:
		connCfg, err := pgx.ParseConfig(cfg.DSN)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeTelemetryUnavailable, err, "解析 Postgres DSN 失败")
		}
		db = stdlib.OpenDB(*connCfg)
	case DialectMySQL:
		mysqlCfg, err := mysql.ParseDSN(cfg.DSN)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeTelemetryUnavailable, err, "解析 MySQL DSN 失败")
		}
		mysqlCfg.ParseTime = true
		connector, err := mysql.NewConnector(mysqlCfg)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeTelemetryUnavailable, err, "创建 MySQL 连接器失败")
		}
		db = sql.OpenDB(connector)
	default:
		return nil, xerrors.New(xerrors.CodeConfiguration, fmt.Sprintf("不支持的遥测数据库类型 %q", dialect))
	}

	applyPool(db, cfg)
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, xerrors.Wrap(xerrors.CodeTelemetryUnavailable, err, "无法连接遥测数据库")
	}
	return NewStore(db, dialect), nil
}

func applyPool(db *sql.DB, cfg Config) {
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	} else {
		db.SetMaxOpenConns(4)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	} else {
		db.SetMaxIdleConns(2)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	} else {
		db.SetConnMaxLifetime(30 * time.Minute)
	}
	if cfg.ConnMaxIdleTime > 0 {
		db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)
	}
}

// NewStore wraps an open database handle.
func NewStore(db *sql.DB, dialect Dialect) *Store {
	q, ok := dialectQueries[dialect]
	if !ok {
		q = dialectQueries[DialectPostgres]
		dialect = DialectPostgres
	}
	return &Store{db: db, dialect: dialect, q: q}
}

// Dialect returns the SQL flavour in use.
func (s *Store) Dialect() Dialect {
	return s.dialect
}

// Close releases the pool.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Measure returns the total cycles and the first-start to last-update span
// of the job's tasks.
func (s *Store) Measure(ctx context.Context, jobID string) (Measurement, error) {
	cycles, err := s.scalar(ctx, s.q.cycles, jobID, "total_cycles")
	if err != nil {
		return Measurement{}, err
	}
	elapsed, err := s.scalar(ctx, s.q.elapsed, jobID, "elapsed")
	if err != nil {
		return Measurement{}, err
	}
	return Measurement{Cycles: cycles, ElapsedSeconds: elapsed}, nil
}

func (s *Store) scalar(ctx context.Context, query, jobID, field string) (float64, error) {
	var value sql.NullFloat64
	err := s.db.QueryRowContext(ctx, query, jobID).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) || (err == nil && !value.Valid) {
		return 0, xerrors.New(xerrors.CodeTelemetryUnavailable,
			fmt.Sprintf("任务 %s 缺少 %s 遥测数据", jobID, field),
			xerrors.WithStage(xerrors.StageMeasure),
			xerrors.WithMetadata("job_id", jobID))
	}
	if err != nil {
		return 0, xerrors.Wrap(xerrors.CodeTelemetryUnavailable, err,
			fmt.Sprintf("查询任务 %s 的 %s 失败", jobID, field),
			xerrors.WithStage(xerrors.StageMeasure),
			xerrors.WithMetadata("job_id", jobID))
	}
	return value.Float64, nil
}

// PostgresDSN builds a DSN from the POSTGRES_* variables used by Bento
// deployments. lookup is usually os.LookupEnv. ok is false when the user,
// password or database is missing.
func PostgresDSN(lookup func(string) (string, bool)) (dsn string, ok bool) {
	get := func(key, fallback string) string {
		if v, found := lookup(key); found && strings.TrimSpace(v) != "" {
			return v
		}
		return fallback
	}
	user, password, db := get("POSTGRES_USER", ""), get("POSTGRES_PASSWORD", ""), get("POSTGRES_DB", "")
	if user == "" || password == "" || db == "" {
		return "", false
	}
	host := get("POSTGRES_HOST", "127.0.0.1")
	port := get("POSTGRES_PORT", "5432")
	u := url.URL{
		Scheme: "postgres",
		User:   url.UserPassword(user, password),
		Host:   net.JoinHostPort(host, port),
		Path:   "/" + db,
	}
	return u.String(), true
}
