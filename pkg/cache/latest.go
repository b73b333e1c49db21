// Package cache keeps the most recent reading per sensor in Redis so the
// dashboard can show current values without scanning the readings table.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/slickwilli/sensorhub/models"
)

const latestKey = "sensorhub:latest"

type entry struct {
	Value float64 `json:"value"`
	Time  string  `json:"time"`
}

// Latest is a Redis hash of sensor label to its newest reading.
type Latest struct {
	rdb *redis.Client
	key string
	ttl time.Duration
	now func() time.Time
}

func NewLatest(rdb *redis.Client, ttl time.Duration) *Latest {
	return &Latest{rdb: rdb, key: latestKey, ttl: ttl, now: time.Now}
}

// Dial connects to addr and verifies the server answers.
func Dial(ctx context.Context, addr string, ttl time.Duration) (*Latest, error) {
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("redis %s unavailable: %w", addr, err)
	}
	return NewLatest(rdb, ttl), nil
}

// Put records r as the newest value for its sensor. The hash as a whole
// expires after ttl without any writes; per-sensor staleness is handled by
// All.
func (l *Latest) Put(ctx context.Context, r models.Reading) error {
	data, err := json.Marshal(entry{Value: r.Value, Time: models.FormatTime(r.Timestamp)})
	if err != nil {
		return err
	}
	_, err = l.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, l.key, r.Sensor, data)
		if l.ttl > 0 {
			pipe.Expire(ctx, l.key, l.ttl)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis update latest %q: %w", r.Sensor, err)
	}
	return nil
}

// All returns the newest reading of every sensor whose last reading is
// younger than the ttl. Older entries are left out and removed.
func (l *Latest) All(ctx context.Context) (map[string]models.Reading, error) {
	raw, err := l.rdb.HGetAll(ctx, l.key).Result()
	if err != nil {
		return nil, fmt.Errorf("redis read latest: %w", err)
	}
	var cutoff time.Time
	if l.ttl > 0 {
		cutoff = l.now().Add(-l.ttl)
	}
	fresh, stale, err := decodeEntries(raw, cutoff)
	if err != nil {
		return nil, err
	}
	if len(stale) > 0 {
		if err := l.rdb.HDel(ctx, l.key, stale...).Err(); err != nil {
			return nil, fmt.Errorf("redis drop stale latest: %w", err)
		}
	}
	return fresh, nil
}

// decodeEntries splits the hash into readings taken after cutoff and the
// sensors whose reading is older. A zero cutoff keeps everything.
func decodeEntries(raw map[string]string, cutoff time.Time) (map[string]models.Reading, []string, error) {
	fresh := make(map[string]models.Reading, len(raw))
	var stale []string
	for sensor, data := range raw {
		var e entry
		if err := json.Unmarshal([]byte(data), &e); err != nil {
			return nil, nil, fmt.Errorf("latest %q: %w", sensor, err)
		}
		ts, err := models.ParseTime(e.Time)
		if err != nil {
			return nil, nil, fmt.Errorf("latest %q: %w", sensor, err)
		}
		if !cutoff.IsZero() && !ts.After(cutoff) {
			stale = append(stale, sensor)
			continue
		}
		fresh[sensor] = models.Reading{Sensor: sensor, Timestamp: ts, Value: e.Value}
	}
	sort.Strings(stale)
	return fresh, stale, nil
}

func (l *Latest) Close() error {
	return l.rdb.Close()
}
