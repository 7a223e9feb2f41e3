package main

import (
	"context"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/autobrr/autobrr/pkg/ttlcache"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

const (
	statsTTL       = 7 * 24 * time.Hour
	statsKeyPrefix = "tracker:stats:"
)

// StatsSink keeps best-effort announce/completed counters per info_hash.
type StatsSink interface {
	Record(ctx context.Context, infoHash string, completed bool, now time.Time) error
	Get(ctx context.Context, infoHash string) (*TrackerStats, error)
	Close() error
}

// RedisStats stores counters as a hash per info_hash with a sliding 7 day expiry.
type RedisStats struct {
	client redis.UniversalClient
}

// NewRedisStats wraps an existing client.
func NewRedisStats(client redis.UniversalClient) *RedisStats {
	return &RedisStats{client: client}
}

func statsKey(infoHash string) string { return statsKeyPrefix + infoHash }

// Record implements StatsSink.
func (s *RedisStats) Record(ctx context.Context, infoHash string, completed bool, now time.Time) error {
	key := statsKey(infoHash)
	_, err := s.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.HIncrBy(ctx, key, "announces", 1)
		if completed {
			p.HIncrBy(ctx, key, "completed", 1)
		}
		p.HSet(ctx, key, "last_update", now.UnixMilli())
		p.Expire(ctx, key, statsTTL)
		return nil
	})
	return errors.Wrapf(err, "record stats for %s", infoHash)
}

// Get implements StatsSink. A missing key is ErrNotFound.
func (s *RedisStats) Get(ctx context.Context, infoHash string) (*TrackerStats, error) {
	vals, err := s.client.HGetAll(ctx, statsKey(infoHash)).Result()
	if err != nil {
		return nil, errors.Wrapf(err, "read stats for %s", infoHash)
	}
	if len(vals) == 0 {
		return nil, ErrNotFound
	}
	var st TrackerStats
	st.Announces, _ = strconv.ParseInt(vals["announces"], 10, 64)
	st.Completed, _ = strconv.ParseInt(vals["completed"], 10, 64)
	st.LastUpdate, _ = strconv.ParseInt(vals["last_update"], 10, 64)
	return &st, nil
}

// Close closes the redis client.
func (s *RedisStats) Close() error {
	return s.client.Close()
}

// MemoryStats keeps counters in a process-local TTL cache. Used when no
// redis is configured; counters do not survive restarts.
type MemoryStats struct {
	cache *ttlcache.Cache[string, TrackerStats]
	mu    sync.Mutex
}

// NewMemoryStats creates an in-memory sink.
func NewMemoryStats() *MemoryStats {
	return &MemoryStats{
		cache: ttlcache.New(ttlcache.Options[string, TrackerStats]{}.SetDefaultTTL(statsTTL)),
	}
}

// Record implements StatsSink.
func (s *MemoryStats) Record(_ context.Context, infoHash string, completed bool, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, _ := s.cache.Get(infoHash)
	st.Announces++
	if completed {
		st.Completed++
	}
	st.LastUpdate = now.UnixMilli()
	s.cache.Set(infoHash, st, statsTTL)
	return nil
}

// Get implements StatsSink.
func (s *MemoryStats) Get(_ context.Context, infoHash string) (*TrackerStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.cache.Get(infoHash)
	if !ok {
		return nil, ErrNotFound
	}
	return &st, nil
}

// Close releases the cache.
func (s *MemoryStats) Close() error {
	s.cache.Close()
	return nil
}

type statsEvent struct {
	at        time.Time
	infoHash  string
	completed bool
}

// StatsDispatcher decouples stats writes from the announce path: Enqueue never
// blocks, a fixed pool of workers drains the queue, and a full queue drops
// the write.
type StatsDispatcher struct {
	sink    StatsSink
	queue   chan statsEvent
	metrics *Metrics
	wg      sync.WaitGroup
	dropped atomic.Uint64
	closed  atomic.Bool
	mu      sync.RWMutex
}

// NewStatsDispatcher starts workers goroutines writing to sink.
func NewStatsDispatcher(sink StatsSink, workers, queueSize int, metrics *Metrics) *StatsDispatcher {
	if workers <= 0 {
		workers = 4
	}
	if queueSize <= 0 {
		queueSize = 1024
	}
	d := &StatsDispatcher{
		sink:    sink,
		queue:   make(chan statsEvent, queueSize),
		metrics: metrics,
	}
	for range workers {
		d.wg.Add(1)
		go d.worker()
	}
	return d
}

func (d *StatsDispatcher) worker() {
	defer d.wg.Done()
	for ev := range d.queue {
		if err := d.sink.Record(context.Background(), ev.infoHash, ev.completed, ev.at); err != nil {
			d.metrics.statsWriteFailed()
			log.Warn().Err(err).Str("info_hash", ev.infoHash).Msg("failed to update tracker stats")
		}
	}
}

// Enqueue schedules a stats write and returns immediately.
func (d *StatsDispatcher) Enqueue(infoHash string, completed bool, at time.Time) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed.Load() {
		return
	}
	select {
	case d.queue <- statsEvent{infoHash: infoHash, completed: completed, at: at}:
	default:
		d.dropped.Add(1)
		d.metrics.statsDropped()
		if e := log.Debug(); e.Enabled() {
			e.Str("info_hash", infoHash).Msg("stats queue full, dropping write")
		}
	}
}

// Dropped returns how many writes were discarded because the queue was full.
func (d *StatsDispatcher) Dropped() uint64 { return d.dropped.Load() }

// Close stops accepting writes and waits for queued ones to finish.
func (d *StatsDispatcher) Close() {
	d.mu.Lock()
	if d.closed.Swap(true) {
		d.mu.Unlock()
		return
	}
	close(d.queue)
	d.mu.Unlock()
	d.wg.Wait()
}
