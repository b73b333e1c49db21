package storage

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/slickwilli/sensorhub/config"
	"github.com/slickwilli/sensorhub/models"
)

func TestErrorMatchesSentinelByKind(t *testing.T) {
	cause := errors.New("disk I/O error")
	err := wrap(WriteFailed, "append", cause)

	assert.ErrorIs(t, err, ErrWriteFailed)
	assert.ErrorIs(t, err, cause)
	assert.NotErrorIs(t, err, ErrReadFailed)
	assert.NotErrorIs(t, err, ErrUnavailable)
	assert.Equal(t, "storage append: write failed: disk I/O error", err.Error())

	var storageErr *Error
	require.True(t, errors.As(err, &storageErr))
	assert.Equal(t, "append", storageErr.Op)
}

func TestWrapNil(t *testing.T) {
	assert.NoError(t, wrap(ReadFailed, "query", nil))
}

func TestOpenUnknownBackend(t *testing.T) {
	_, err := Open(context.Background(), config.Storage{Backend: "bolt"}, zaptest.NewLogger(t))
	assert.ErrorContains(t, err, `unknown storage backend "bolt"`)
}

func TestOpenSQLiteBackendIsReady(t *testing.T) {
	store, err := Open(context.Background(), config.Storage{
		Backend:        config.BackendSQLite,
		SQLitePath:     filepath.Join(t.TempDir(), "hub.db"),
		SQLitePoolSize: 2,
	}, zaptest.NewLogger(t))
	require.NoError(t, err)
	defer store.Close()

	require.NoError(t, store.Append(context.Background(), models.Reading{Sensor: "blue/tmp", Timestamp: time.Now(), Value: 1}))
	got, err := store.Query(context.Background(), time.Now().Add(-time.Minute))
	require.NoError(t, err)
	assert.Len(t, got, 1)
}
