package storage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"
	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/slickwilli/sensorhub/models"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS readings (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	sensor      TEXT,
	recorded_at TEXT NOT NULL,
	value       REAL NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_readings_recorded_at ON readings (recorded_at);
`

// Applied to every pooled connection. WAL lets readers run beside the one
// writer; busy_timeout makes competing writers queue on SQLite's lock
// instead of failing with SQLITE_BUSY.
var sqlitePragmas = []string{
	"PRAGMA busy_timeout=5000",
	"PRAGMA journal_mode=WAL",
	"PRAGMA synchronous=NORMAL",
	"PRAGMA temp_store=MEMORY",
}

type SQLiteConfig struct {
	Path     string
	PoolSize int
}

// SQLite stores readings in a local database file. Connections are not
// safe for concurrent use, so each operation borrows one from the pool.
type SQLite struct {
	pool   *sqlitex.Pool
	path   string
	logger *zap.Logger
}

func OpenSQLite(conf SQLiteConfig, logger *zap.Logger) (*SQLite, error) {
	if conf.Path == "" {
		return nil, wrap(Unavailable, "open", fmt.Errorf("sqlite path is required"))
	}
	if dir := filepath.Dir(conf.Path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, wrap(Unavailable, "open", err)
		}
	}
	poolSize := conf.PoolSize
	if poolSize <= 0 {
		poolSize = 4
	}

	pool, err := sqlitex.NewPool(conf.Path, sqlitex.PoolOptions{
		PoolSize:    poolSize,
		PrepareConn: prepareSQLiteConn,
	})
	if err != nil {
		return nil, wrap(Unavailable, "open", fmt.Errorf("opening %s: %w", conf.Path, err))
	}
	logger.Info("sqlite pool opened", zap.String("path", conf.Path), zap.Int("pool_size", poolSize))

	return &SQLite{pool: pool, path: conf.Path, logger: logger}, nil
}

func prepareSQLiteConn(conn *sqlite.Conn) error {
	for _, pragma := range sqlitePragmas {
		if err := sqlitex.ExecuteTransient(conn, pragma, nil); err != nil {
			return fmt.Errorf("%s: %w", pragma, err)
		}
	}
	return nil
}

func (s *SQLite) Init(ctx context.Context) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return wrap(Unavailable, "init", err)
	}
	defer s.pool.Put(conn)

	if err := sqlitex.ExecuteScript(conn, sqliteSchema, nil); err != nil {
		return wrap(WriteFailed, "init", err)
	}
	return nil
}

func (s *SQLite) Append(ctx context.Context, r models.Reading) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return wrap(Unavailable, "append", err)
	}
	defer s.pool.Put(conn)

	var sensor any
	if r.Sensor != "" {
		sensor = r.Sensor
	}
	err = sqlitex.Execute(conn,
		"INSERT INTO readings (sensor, recorded_at, value) VALUES (?, ?, ?)",
		&sqlitex.ExecOptions{Args: []any{sensor, models.FormatTime(r.Timestamp), r.Value}},
	)
	return wrap(WriteFailed, "append", err)
}

func (s *SQLite) Query(ctx context.Context, since time.Time) ([]models.Reading, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, wrap(Unavailable, "query", err)
	}
	defer s.pool.Put(conn)

	readings := make([]models.Reading, 0)
	err = sqlitex.Execute(conn,
		"SELECT sensor, recorded_at, value FROM readings WHERE recorded_at > ? ORDER BY id",
		&sqlitex.ExecOptions{
			Args: []any{models.FormatTime(since)},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				ts, err := models.ParseTime(stmt.ColumnText(1))
				if err != nil {
					return fmt.Errorf("row timestamp %q: %w", stmt.ColumnText(1), err)
				}
				var sensor string
				if stmt.ColumnType(0) != sqlite.TypeNull {
					sensor = stmt.ColumnText(0)
				}
				readings = append(readings, models.Reading{
					Sensor:    sensor,
					Timestamp: ts,
					Value:     stmt.ColumnFloat(2),
				})
				return nil
			},
		},
	)
	if err != nil {
		return nil, wrap(ReadFailed, "query", err)
	}
	return readings, nil
}

func (s *SQLite) Close() error {
	if err := s.pool.Close(); err != nil {
		return fmt.Errorf("closing %s: %w", s.path, err)
	}
	s.logger.Info("sqlite pool closed", zap.String("path", s.path))
	return nil
}
