package storage

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/slickwilli/sensorhub/models"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS readings (
	id          BIGSERIAL PRIMARY KEY,
	sensor      TEXT,
	recorded_at TIMESTAMPTZ NOT NULL,
	value       DOUBLE PRECISION NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_readings_recorded_at ON readings (recorded_at);
`

// Postgres stores readings through a pgx pool. Exec and Query acquire a
// connection for the statement and release it when the statement (or the
// returned rows) completes.
type Postgres struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

func OpenPostgres(ctx context.Context, url string, logger *zap.Logger) (*Postgres, error) {
	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		return nil, wrap(Unavailable, "open", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, wrap(Unavailable, "open", err)
	}
	logger.Info("connected to postgres", zap.String("database", pool.Config().ConnConfig.Database))
	return &Postgres{pool: pool, logger: logger}, nil
}

func (p *Postgres) Init(ctx context.Context) error {
	// No arguments, so pgx sends this over the simple protocol and both
	// statements run in one round trip.
	_, err := p.pool.Exec(ctx, postgresSchema)
	return wrap(WriteFailed, "init", err)
}

func (p *Postgres) Append(ctx context.Context, r models.Reading) error {
	var sensor *string
	if r.Sensor != "" {
		sensor = &r.Sensor
	}
	_, err := p.pool.Exec(ctx,
		"INSERT INTO readings (sensor, recorded_at, value) VALUES ($1, $2, $3)",
		sensor, r.Timestamp.UTC(), r.Value,
	)
	return wrap(WriteFailed, "append", err)
}

func (p *Postgres) Query(ctx context.Context, since time.Time) ([]models.Reading, error) {
	rows, err := p.pool.Query(ctx,
		"SELECT sensor, recorded_at, value FROM readings WHERE recorded_at > $1 ORDER BY id",
		since.UTC().Truncate(time.Second),
	)
	if err != nil {
		return nil, wrap(ReadFailed, "query", err)
	}
	defer rows.Close()

	readings := make([]models.Reading, 0)
	for rows.Next() {
		var (
			sensor *string
			r      models.Reading
		)
		if err := rows.Scan(&sensor, &r.Timestamp, &r.Value); err != nil {
			return nil, wrap(ReadFailed, "query", err)
		}
		if sensor != nil {
			r.Sensor = *sensor
		}
		r.Timestamp = r.Timestamp.UTC()
		readings = append(readings, r)
	}
	if err := rows.Err(); err != nil {
		return nil, wrap(ReadFailed, "query", err)
	}
	return readings, nil
}

func (p *Postgres) Close() error {
	p.pool.Close()
	return nil
}
