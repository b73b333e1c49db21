// Package storage persists readings and answers time-window queries.
//
// Every backend takes a connection for the duration of a single operation
// and releases it on return, so deliveries and HTTP handlers never share a
// handle. Appends are one committed row each; a concurrent Query sees a
// reading either completely or not at all.
package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/slickwilli/sensorhub/config"
	"github.com/slickwilli/sensorhub/models"
)

// Store is the append-only reading table.
type Store interface {
	// Init creates the table and its index if they do not exist yet.
	Init(ctx context.Context) error
	// Append inserts r and returns once the row is committed.
	Append(ctx context.Context, r models.Reading) error
	// Query returns readings with a timestamp strictly after since, in
	// insertion order.
	Query(ctx context.Context, since time.Time) ([]models.Reading, error)
	Close() error
}

type Kind int

const (
	WriteFailed Kind = iota + 1
	ReadFailed
	Unavailable
)

func (k Kind) String() string {
	switch k {
	case WriteFailed:
		return "write failed"
	case ReadFailed:
		return "read failed"
	case Unavailable:
		return "unavailable"
	default:
		return "unknown"
	}
}

var (
	ErrWriteFailed = errors.New("storage write failed")
	ErrReadFailed  = errors.New("storage read failed")
	ErrUnavailable = errors.New("storage unavailable")
)

// Error wraps a backend failure with the operation that hit it.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("storage %s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Is(target error) bool {
	switch target {
	case ErrWriteFailed:
		return e.Kind == WriteFailed
	case ErrReadFailed:
		return e.Kind == ReadFailed
	case ErrUnavailable:
		return e.Kind == Unavailable
	}
	return false
}

func wrap(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// Open builds the backend selected in conf and runs Init on it. A failure
// here means the service cannot accept readings and must not start.
func Open(ctx context.Context, conf config.Storage, logger *zap.Logger) (Store, error) {
	logger = logger.Named("storage")

	var (
		store Store
		err   error
	)
	switch conf.Backend {
	case config.BackendSQLite:
		store, err = OpenSQLite(SQLiteConfig{Path: conf.SQLitePath, PoolSize: conf.SQLitePoolSize}, logger)
	case config.BackendPostgres:
		store, err = OpenPostgres(ctx, conf.PostgresURL, logger)
	case config.BackendClickHouse:
		store, err = OpenClickHouse(ctx, ClickHouseConfig{
			Addresses: conf.ClickHouseAddresses,
			Database:  conf.ClickHouseDatabase,
			Username:  conf.ClickHouseUsername,
			Password:  conf.ClickHousePassword,
		}, logger)
	default:
		return nil, fmt.Errorf("unknown storage backend %q", conf.Backend)
	}
	if err != nil {
		return nil, err
	}

	if err := store.Init(ctx); err != nil {
		store.Close()
		return nil, err
	}
	logger.Info("storage ready", zap.String("backend", conf.Backend))
	return store, nil
}
