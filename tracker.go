package main

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog/log"
)

// TorrentStore is the slice of the torrent index the tracker needs.
type TorrentStore interface {
	FindTorrent(ctx context.Context, infoHash string) (*Torrent, error)
	UpdateSwarmCounts(ctx context.Context, id int64, seeders, leechers int, completed bool) error
}

// swarmCounter is implemented by swarms that can persist torrent counters
// inside their own unit of work.
type swarmCounter interface {
	UpdateSwarmCounts(id int64, seeders, leechers int, completed bool) error
}

// RuleProvider yields the current compiled filter rules.
type RuleProvider interface {
	RuleSet(ctx context.Context) (RuleSet, error)
}

// Tracker runs the announce pipeline shared by the HTTP and UDP bindings:
// validate, admit, look up the torrent, update the swarm, aggregate, persist
// counters, emit stats, build the response.
type Tracker struct {
	registry   Registry
	torrents   TorrentStore
	rules      RuleProvider
	stats      *StatsDispatcher
	metrics    *Metrics
	now       func() time.Time
	staleness time.Duration
}

// NewTracker wires the pipeline. stats and metrics may be nil.
func NewTracker(registry Registry, torrents TorrentStore, rules RuleProvider, stats *StatsDispatcher, metrics *Metrics) *Tracker {
	return &Tracker{
		registry:  registry,
		torrents:  torrents,
		rules:     rules,
		stats:     stats,
		metrics:   metrics,
		now:       time.Now,
		staleness: stalePeerThreshold,
	}
}

// numWantOrDefault applies the default to non-positive values.
func numWantOrDefault(n int) int {
	if n <= 0 {
		return defaultNumWant
	}
	return n
}

// aggregate counts seeders (left == 0) and leechers (left > 0).
func aggregate(peers []Peer) (seeders, leechers int) {
	for i := range peers {
		if peers[i].IsSeeder() {
			seeders++
		} else {
			leechers++
		}
	}
	return seeders, leechers
}

// Announce registers one announce and returns the swarm view for the client.
// Rejections are *AnnounceError; nothing in the registry changes before the
// client has been admitted and the torrent found.
func (tr *Tracker) Announce(ctx context.Context, req AnnounceRequest) (*AnnounceResponse, error) {
	if req.InfoHash == "" || req.PeerID == "" || req.Port == 0 {
		return nil, validationError("Missing required parameters")
	}
	req.InfoHash = normalizeInfoHash(req.InfoHash)
	if req.IP == "" {
		req.IP = defaultClientIP
	}
	now := req.Now
	if now.IsZero() {
		now = tr.now()
	}

	rules, err := tr.rules.RuleSet(ctx)
	if err != nil {
		return nil, storeError(err)
	}
	if !rules.Allows(req.PeerID, req.IP, req.UserAgent) {
		log.Info().Str("info_hash", req.InfoHash).Str("ip", req.IP).Str("user_agent", req.UserAgent).
			Msg("announce rejected by client filter")
		return nil, deniedError()
	}

	torrent, err := tr.torrents.FindTorrent(ctx, req.InfoHash)
	switch {
	case errors.Is(err, ErrNotFound):
		return nil, notFoundError(nil)
	case err != nil:
		return nil, storeError(err)
	case torrent.Status != TorrentApproved:
		return nil, notFoundError(nil)
	}

	cutoff := now.Add(-tr.staleness)
	numWant := numWantOrDefault(req.NumWant)
	peer := Peer{
		InfoHash:     req.InfoHash,
		PeerID:       req.PeerID,
		IP:           req.IP,
		Port:         req.Port,
		Uploaded:     req.Uploaded,
		Downloaded:   req.Downloaded,
		Left:         req.Left,
		Event:        req.Event,
		LastAnnounce: now,
	}

	var (
		active            []Peer
		seeders, leechers int
	)
	completed := req.Event == EventCompleted
	err = tr.registry.WithSwarm(ctx, req.InfoHash, func(s Swarm) error {
		if err := s.Upsert(peer); err != nil {
			return err
		}
		// Expiry runs after the upsert so an announce never expires its own peer.
		expired, err := s.ExpireStale(cutoff)
		if err != nil {
			return err
		}
		tr.metrics.peersExpired(expired)
		if active, err = s.ActivePeers(cutoff, numWant); err != nil {
			return err
		}
		seeders, leechers = aggregate(active)

		// Counters are written before the swarm is released so concurrent
		// announces persist them in the same order they saw the swarm.
		if sc, ok := s.(swarmCounter); ok {
			return sc.UpdateSwarmCounts(torrent.ID, seeders, leechers, completed)
		}
		return tr.torrents.UpdateSwarmCounts(ctx, torrent.ID, seeders, leechers, completed)
	})
	if err != nil {
		return nil, storeError(err)
	}

	if tr.stats != nil {
		tr.stats.Enqueue(req.InfoHash, completed, now)
	}

	if e := log.Debug(); e.Enabled() {
		e.Str("info_hash", req.InfoHash).Str("ip", req.IP).Uint16("port", req.Port).
			Str("event", string(req.Event)).Uint64("left", req.Left).
			Int("seeders", seeders).Int("leechers", leechers).Int("peers", len(active)).
			Msg("announce")
	}

	resp := &AnnounceResponse{
		Interval:    announceInterval,
		MinInterval: minAnnounceInterval,
		Complete:    int64(seeders),
		Incomplete:  int64(leechers),
		Peers:       make([]PeerEntry, 0, len(active)),
	}
	for _, p := range active {
		resp.Peers = append(resp.Peers, PeerEntry{PeerID: p.PeerID, IP: p.IP, Port: int64(p.Port)})
	}
	return resp, nil
}

// Scrape reports swarm statistics for each info_hash, keyed as given. Unknown
// or unapproved torrents report zeros, so scrape never reveals moderation state.
func (tr *Tracker) Scrape(ctx context.Context, infoHashes []string) (map[string]ScrapeEntry, error) {
	since := tr.now().Add(-tr.staleness)
	out := make(map[string]ScrapeEntry, len(infoHashes))
	for _, key := range infoHashes {
		h := normalizeInfoHash(key)
		torrent, err := tr.torrents.FindTorrent(ctx, h)
		if errors.Is(err, ErrNotFound) || (err == nil && torrent.Status != TorrentApproved) {
			out[key] = ScrapeEntry{}
			continue
		}
		if err != nil {
			return nil, storeError(err)
		}
		seeders, leechers, err := tr.registry.Scrape(ctx, h, since)
		if err != nil {
			return nil, storeError(err)
		}
		out[key] = ScrapeEntry{Complete: int64(seeders), Incomplete: int64(leechers), Downloaded: torrent.Downloads}
	}
	return out, nil
}
