package storage

import (
	"context"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"go.uber.org/zap"

	"github.com/slickwilli/sensorhub/models"
)

type ClickHouseConfig struct {
	Addresses []string
	Database  string
	Username  string
	Password  string
}

// ClickHouse has no auto-increment column, so storage order here is the
// MergeTree sort key: insertion time.
type ClickHouse struct {
	conn   clickhouse.Conn
	logger *zap.Logger
}

func OpenClickHouse(ctx context.Context, conf ClickHouseConfig, logger *zap.Logger) (*ClickHouse, error) {
	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: conf.Addresses,
		Auth: clickhouse.Auth{
			Database: conf.Database,
			Username: conf.Username,
			Password: conf.Password,
		},
	})
	if err != nil {
		return nil, wrap(Unavailable, "open", err)
	}
	if err := conn.Ping(ctx); err != nil {
		conn.Close()
		return nil, wrap(Unavailable, "open", err)
	}
	v, err := conn.ServerVersion()
	if err != nil {
		conn.Close()
		return nil, wrap(Unavailable, "open", err)
	}
	logger.Info("connected to clickhouse server", zap.String("version", v.Version.String()), zap.Uint64("revision", v.Revision))

	return &ClickHouse{conn: conn, logger: logger}, nil
}

func (c *ClickHouse) Init(ctx context.Context) error {
	err := c.conn.Exec(ctx, `
CREATE TABLE IF NOT EXISTS readings (
	Sensor    String,
	Timestamp DateTime('UTC'),
	Value     Float64
)
ENGINE = MergeTree
ORDER BY Timestamp
`)
	return wrap(WriteFailed, "init", err)
}

// Append sends the reading as a one-row batch, which ClickHouse commits as
// a single block.
func (c *ClickHouse) Append(ctx context.Context, r models.Reading) error {
	batch, err := c.conn.PrepareBatch(ctx, "INSERT INTO readings")
	if err != nil {
		return wrap(Unavailable, "append", err)
	}
	if err := batch.Append(r.Sensor, r.Timestamp.UTC(), r.Value); err != nil {
		batch.Abort()
		return wrap(WriteFailed, "append", err)
	}
	return wrap(WriteFailed, "append", batch.Send())
}

func (c *ClickHouse) Query(ctx context.Context, since time.Time) ([]models.Reading, error) {
	rows, err := c.conn.Query(ctx,
		"SELECT Sensor, Timestamp, Value FROM readings WHERE Timestamp > ? ORDER BY Timestamp",
		since.UTC().Truncate(time.Second),
	)
	if err != nil {
		return nil, wrap(ReadFailed, "query", err)
	}
	defer rows.Close()

	readings := make([]models.Reading, 0)
	for rows.Next() {
		var r models.Reading
		if err := rows.Scan(&r.Sensor, &r.Timestamp, &r.Value); err != nil {
			return nil, wrap(ReadFailed, "query", err)
		}
		r.Timestamp = r.Timestamp.UTC()
		readings = append(readings, r)
	}
	if err := rows.Err(); err != nil {
		return nil, wrap(ReadFailed, "query", err)
	}
	return readings, nil
}

func (c *ClickHouse) Close() error {
	return c.conn.Close()
}
