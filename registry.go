package main

import (
	"context"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/rs/zerolog/log"
)

// Registry is the authoritative set of announced peers, per swarm.
// WithSwarm gives fn exclusive access to one info_hash for the duration of
// the call; announces on other info_hashes proceed in parallel.
type Registry interface {
	WithSwarm(ctx context.Context, infoHash string, fn func(Swarm) error) error
	Scrape(ctx context.Context, infoHash string, since time.Time) (seeders, leechers int, err error)
	Close() error
}

// Swarm is the per-info_hash view handed out by Registry.WithSwarm.
type Swarm interface {
	Upsert(p Peer) error
	ExpireStale(cutoff time.Time) (int, error)
	ActivePeers(since time.Time, limit int) ([]Peer, error)
}

// memSwarm holds the peers of one info_hash. mu is held by WithSwarm for the
// whole upsert+expire+read unit.
type memSwarm struct {
	peers map[string]*Peer
	mu    sync.Mutex
}

type memShard struct {
	swarms map[string]*memSwarm
	mu     sync.RWMutex
}

// MemoryRegistry keeps peers in process memory. The swarm map is split into
// shards picked by xxhash so creating a swarm only locks its own shard, and
// each swarm has its own mutex.
type MemoryRegistry struct {
	shards    []memShard
	staleness time.Duration
	stop      chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// NewMemoryRegistry creates a registry with n shards. staleness is how long a
// swarm may go without any announce before the janitor drops it.
func NewMemoryRegistry(n int, staleness time.Duration) *MemoryRegistry {
	if n <= 0 {
		n = defaultRegistryShards
	}
	r := &MemoryRegistry{
		shards:    make([]memShard, n),
		staleness: staleness,
		stop:      make(chan struct{}),
	}
	for i := range r.shards {
		r.shards[i].swarms = make(map[string]*memSwarm)
	}
	return r
}

func (r *MemoryRegistry) shard(infoHash string) *memShard {
	return &r.shards[xxhash.Sum64String(infoHash)%uint64(len(r.shards))]
}

func (r *MemoryRegistry) getOrCreateSwarm(infoHash string) *memSwarm {
	sh := r.shard(infoHash)

	sh.mu.RLock()
	s, ok := sh.swarms[infoHash]
	sh.mu.RUnlock()
	if ok {
		return s
	}

	sh.mu.Lock()
	if s, ok = sh.swarms[infoHash]; !ok {
		s = &memSwarm{peers: make(map[string]*Peer)}
		sh.swarms[infoHash] = s
		if e := log.Debug(); e.Enabled() {
			e.Str("info_hash", infoHash).Msg("created new swarm")
		}
	}
	sh.mu.Unlock()
	return s
}

func (r *MemoryRegistry) getSwarm(infoHash string) *memSwarm {
	sh := r.shard(infoHash)
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	return sh.swarms[infoHash]
}

// WithSwarm implements Registry.
func (r *MemoryRegistry) WithSwarm(ctx context.Context, infoHash string, fn func(Swarm) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	for {
		s := r.getOrCreateSwarm(infoHash)
		s.mu.Lock()
		// The janitor detaches a swarm (peers == nil) under its lock; retry on a fresh one.
		if s.peers == nil {
			s.mu.Unlock()
			continue
		}
		err := fn(s)
		s.mu.Unlock()
		return err
	}
}

// Scrape counts active peers without mutating the swarm.
func (r *MemoryRegistry) Scrape(_ context.Context, infoHash string, since time.Time) (seeders, leechers int, err error) {
	s := r.getSwarm(infoHash)
	if s == nil {
		return 0, 0, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.peers {
		if p.LastAnnounce.Before(since) {
			continue
		}
		if p.IsSeeder() {
			seeders++
		} else {
			leechers++
		}
	}
	return seeders, leechers, nil
}

// Upsert overwrites the peer's fields, or inserts it if it is new.
func (s *memSwarm) Upsert(p Peer) error {
	if existing, ok := s.peers[p.PeerID]; ok {
		*existing = p
		return nil
	}
	cp := p
	s.peers[p.PeerID] = &cp
	return nil
}

// ExpireStale deletes peers whose last announce is before cutoff.
func (s *memSwarm) ExpireStale(cutoff time.Time) (int, error) {
	removed := 0
	for id, p := range s.peers {
		if p.LastAnnounce.Before(cutoff) {
			delete(s.peers, id)
			removed++
		}
	}
	return removed, nil
}

// ActivePeers returns up to limit peers announced at or after since, in map order.
func (s *memSwarm) ActivePeers(since time.Time, limit int) ([]Peer, error) {
	out := make([]Peer, 0, min(limit, len(s.peers)))
	for _, p := range s.peers {
		if len(out) >= limit {
			break
		}
		if !p.LastAnnounce.Before(since) {
			out = append(out, *p)
		}
	}
	return out, nil
}

// Len returns the number of peers currently stored for infoHash, stale or not.
func (r *MemoryRegistry) Len(infoHash string) int {
	s := r.getSwarm(infoHash)
	if s == nil {
		return 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.peers)
}

// StartJanitor bounds memory by dropping whole swarms that nobody announced
// to within the staleness window. Peer expiry inside live swarms stays lazy;
// a dropped swarm would have been emptied by its next announce anyway.
func (r *MemoryRegistry) StartJanitor(interval time.Duration) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-r.stop:
				return
			case <-ticker.C:
				if n := r.dropIdleSwarms(time.Now().Add(-r.staleness)); n > 0 {
					log.Debug().Int("swarms", n).Msg("janitor: removed idle swarms")
				}
			}
		}
	}()
}

// dropIdleSwarms removes swarms with no peer announced at or after deadline.
func (r *MemoryRegistry) dropIdleSwarms(deadline time.Time) int {
	dropped := 0
	for i := range r.shards {
		sh := &r.shards[i]
		sh.mu.Lock()
		for hash, s := range sh.swarms {
			s.mu.Lock()
			idle := true
			for _, p := range s.peers {
				if !p.LastAnnounce.Before(deadline) {
					idle = false
					break
				}
			}
			if idle {
				s.peers = nil
				delete(sh.swarms, hash)
				dropped++
			}
			s.mu.Unlock()
		}
		sh.mu.Unlock()
	}
	return dropped
}

// Close stops the janitor.
func (r *MemoryRegistry) Close() error {
	r.closeOnce.Do(func() { close(r.stop) })
	r.wg.Wait()
	return nil
}
