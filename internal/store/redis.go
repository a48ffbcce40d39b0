// Package store persists calibration reports and fleet snapshots in Redis
// so other services on the bus can pick them up.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/chaz8081/scootcal/internal/calibration"
	"github.com/chaz8081/scootcal/internal/fleet"
)

// ErrNotFound is returned when a run is not in the store.
var ErrNotFound = errors.New("store: not found")

const (
	DefaultPrefix  = "scootcal"
	DefaultChannel = "scootcal:runs"
	// DefaultMaxRuns is how many run ids the history list keeps.
	DefaultMaxRuns = 50
)

// Options configures a Store.
type Options struct {
	Addr     string
	Password string
	DB       int
	Prefix   string
	Channel  string
	MaxRuns  int
}

// Store wraps a Redis client with the key layout used for runs and fleets.
//
//	<prefix>:run:<id>  hash   report JSON plus summary fields
//	<prefix>:runs      list   run ids, newest first
//	<prefix>:fleet     hash   record key -> record JSON
type Store struct {
	client  *redis.Client
	prefix  string
	channel string
	maxRuns int
}

// New connects to Redis and checks the connection with PING.
func New(ctx context.Context, opts Options) (*Store, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("store: connecting to redis at %s: %w", opts.Addr, err)
	}
	return NewWithClient(client, opts), nil
}

// NewWithClient uses an existing client. Addr and credentials in opts are
// ignored.
func NewWithClient(client *redis.Client, opts Options) *Store {
	if opts.Prefix == "" {
		opts.Prefix = DefaultPrefix
	}
	if opts.Channel == "" {
		opts.Channel = DefaultChannel
	}
	if opts.MaxRuns <= 0 {
		opts.MaxRuns = DefaultMaxRuns
	}
	return &Store{client: client, prefix: opts.Prefix, channel: opts.Channel, maxRuns: opts.MaxRuns}
}

func (s *Store) runKey(id string) string { return s.prefix + ":run:" + id }
func (s *Store) runsKey() string         { return s.prefix + ":runs" }
func (s *Store) fleetKey() string        { return s.prefix + ":fleet" }

// Channel returns the pub/sub channel new runs are announced on.
func (s *Store) Channel() string { return s.channel }

// SaveReport writes the report, prepends it to the run history and
// announces it, in one pipeline.
func (s *Store) SaveReport(ctx context.Context, r *calibration.Report) error {
	if r == nil || r.RunID == "" {
		return fmt.Errorf("store: report has no run id")
	}
	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("store: encoding report %s: %w", r.RunID, err)
	}

	fields := map[string]interface{}{
		"report":      string(data),
		"recommended": r.Recommendation.Label,
		"tie":         strconv.FormatBool(r.Recommendation.Tie),
		"reason":      r.Recommendation.Reason,
		"sessions":    len(r.Sessions),
		"started_at":  r.StartedAt.UTC().Format(time.RFC3339),
		"finished_at": r.FinishedAt.UTC().Format(time.RFC3339),
	}

	pipe := s.client.Pipeline()
	pipe.HSet(ctx, s.runKey(r.RunID), fields)
	pipe.LPush(ctx, s.runsKey(), r.RunID)
	pipe.LTrim(ctx, s.runsKey(), 0, int64(s.maxRuns-1))
	pipe.Publish(ctx, s.channel, fmt.Sprintf("run:%s", r.RunID))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("store: saving report %s: %w", r.RunID, err)
	}
	slog.Info("[STORE] report saved", "run_id", r.RunID, "key", s.runKey(r.RunID))
	return nil
}

// LoadReport reads a report saved by SaveReport.
func (s *Store) LoadReport(ctx context.Context, runID string) (*calibration.Report, error) {
	val, err := s.client.HGet(ctx, s.runKey(runID), "report").Result()
	if err == redis.Nil {
		return nil, fmt.Errorf("%w: run %s", ErrNotFound, runID)
	}
	if err != nil {
		return nil, fmt.Errorf("store: loading run %s: %w", runID, err)
	}
	var r calibration.Report
	if err := json.Unmarshal([]byte(val), &r); err != nil {
		return nil, fmt.Errorf("store: decoding run %s: %w", runID, err)
	}
	return &r, nil
}

// RecentRuns returns up to n run ids, newest first.
func (s *Store) RecentRuns(ctx context.Context, n int) ([]string, error) {
	if n <= 0 {
		return nil, nil
	}
	ids, err := s.client.LRange(ctx, s.runsKey(), 0, int64(n-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("store: listing runs: %w", err)
	}
	return ids, nil
}

// recordKey picks the hash field for a record: its id, or its identifier
// when the registry did not assign one.
func recordKey(r fleet.Record) string {
	if r.ID != "" {
		return r.ID
	}
	return r.Identifier
}

// SaveFleet replaces the cached fleet snapshot with records.
func (s *Store) SaveFleet(ctx context.Context, records []fleet.Record) error {
	fields := make(map[string]interface{}, len(records))
	for _, r := range records {
		key := recordKey(r)
		if key == "" {
			slog.Warn("[STORE] skipping record without id or identifier")
			continue
		}
		data, err := json.Marshal(r)
		if err != nil {
			return fmt.Errorf("store: encoding record %s: %w", key, err)
		}
		fields[key] = string(data)
	}

	pipe := s.client.TxPipeline()
	pipe.Del(ctx, s.fleetKey())
	if len(fields) > 0 {
		pipe.HSet(ctx, s.fleetKey(), fields)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("store: saving fleet: %w", err)
	}
	slog.Info("[STORE] fleet cached", "records", len(fields))
	return nil
}

// FleetRecords reads the cached fleet, ordered by record key.
func (s *Store) FleetRecords(ctx context.Context) ([]fleet.Record, error) {
	all, err := s.client.HGetAll(ctx, s.fleetKey()).Result()
	if err != nil && err != redis.Nil {
		return nil, fmt.Errorf("store: reading fleet: %w", err)
	}

	keys := make([]string, 0, len(all))
	for k := range all {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	records := make([]fleet.Record, 0, len(keys))
	for _, k := range keys {
		var r fleet.Record
		if err := json.Unmarshal([]byte(all[k]), &r); err != nil {
			slog.Warn("[STORE] skipping unreadable fleet record", "key", k, "error", err)
			continue
		}
		records = append(records, r)
	}
	return records, nil
}

// FleetSource adapts the cached fleet to fleet.Source.
func (s *Store) FleetSource() fleet.Source { return fleetSource{s} }

type fleetSource struct{ s *Store }

func (f fleetSource) Records(ctx context.Context) ([]fleet.Record, error) {
	return f.s.FleetRecords(ctx)
}

// Close closes the underlying client.
func (s *Store) Close() error {
	return s.client.Close()
}
