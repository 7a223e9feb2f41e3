package main

import (
	"context"
	"database/sql"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/pkg/errors"
)

const sqliteLockStripes = 256

// SQLiteRegistry stores peers in the index database. Each WithSwarm call is
// one write transaction; a striped mutex keyed by info_hash keeps units for
// the same swarm from interleaving on the Go side.
type SQLiteRegistry struct {
	db    *sql.DB
	locks [sqliteLockStripes]sync.Mutex
}

// NewSQLiteRegistry uses the peers table of an opened Store.
func NewSQLiteRegistry(store *Store) *SQLiteRegistry {
	return &SQLiteRegistry{db: store.DB()}
}

// WithSwarm implements Registry.
func (r *SQLiteRegistry) WithSwarm(ctx context.Context, infoHash string, fn func(Swarm) error) error {
	mu := &r.locks[xxhash.Sum64String(infoHash)%sqliteLockStripes]
	mu.Lock()
	defer mu.Unlock()

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "begin peer transaction")
	}
	if err := fn(&sqliteSwarm{ctx: ctx, tx: tx, infoHash: infoHash}); err != nil {
		_ = tx.Rollback()
		return err
	}
	return errors.Wrap(tx.Commit(), "commit peer transaction")
}

// Scrape implements Registry.
func (r *SQLiteRegistry) Scrape(ctx context.Context, infoHash string, since time.Time) (seeders, leechers int, err error) {
	// left is a uint64 stored bit-for-bit in a signed column, so values past
	// MaxInt64 read back negative and still count as leechers.
	err = r.db.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(left_bytes = 0), 0), COALESCE(SUM(left_bytes <> 0), 0)
		 FROM peers WHERE info_hash = ? AND last_announce >= ?`,
		infoHash, since.UnixNano()).Scan(&seeders, &leechers)
	if err != nil {
		return 0, 0, errors.Wrap(err, "scrape peers")
	}
	return seeders, leechers, nil
}

// Close is a no-op; the Store owns the database handle.
func (r *SQLiteRegistry) Close() error { return nil }

type sqliteSwarm struct {
	ctx      context.Context
	tx       *sql.Tx
	infoHash string
}

func (s *sqliteSwarm) Upsert(p Peer) error {
	_, err := s.tx.ExecContext(s.ctx, `
		INSERT INTO peers (info_hash, peer_id, ip, port, uploaded, downloaded, left_bytes, event, last_announce)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(info_hash, peer_id) DO UPDATE SET
			ip = excluded.ip,
			port = excluded.port,
			uploaded = excluded.uploaded,
			downloaded = excluded.downloaded,
			left_bytes = excluded.left_bytes,
			event = excluded.event,
			last_announce = excluded.last_announce`,
		s.infoHash, p.PeerID, p.IP, int64(p.Port), int64(p.Uploaded), int64(p.Downloaded), int64(p.Left),
		string(p.Event), p.LastAnnounce.UnixNano())
	return errors.Wrap(err, "upsert peer")
}

// UpdateSwarmCounts writes torrent counters in the same transaction as the
// peer changes, so they commit together.
func (s *sqliteSwarm) UpdateSwarmCounts(id int64, seeders, leechers int, completed bool) error {
	return updateSwarmCounts(s.ctx, s.tx, id, seeders, leechers, completed)
}

func (s *sqliteSwarm) ExpireStale(cutoff time.Time) (int, error) {
	res, err := s.tx.ExecContext(s.ctx,
		`DELETE FROM peers WHERE info_hash = ? AND last_announce < ?`, s.infoHash, cutoff.UnixNano())
	if err != nil {
		return 0, errors.Wrap(err, "expire peers")
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (s *sqliteSwarm) ActivePeers(since time.Time, limit int) ([]Peer, error) {
	rows, err := s.tx.QueryContext(s.ctx, `
		SELECT peer_id, ip, port, uploaded, downloaded, left_bytes, event, last_announce
		FROM peers WHERE info_hash = ? AND last_announce >= ? LIMIT ?`,
		s.infoHash, since.UnixNano(), limit)
	if err != nil {
		return nil, errors.Wrap(err, "select active peers")
	}
	defer rows.Close()

	var out []Peer
	for rows.Next() {
		var (
			p                          Peer
			port                       int64
			uploaded, downloaded, left int64
			event                      string
			last                       int64
		)
		if err := rows.Scan(&p.PeerID, &p.IP, &port, &uploaded, &downloaded, &left, &event, &last); err != nil {
			return nil, errors.Wrap(err, "scan peer")
		}
		p.InfoHash = s.infoHash
		p.Port = uint16(port) //nolint:gosec // stored from a validated uint16
		p.Uploaded, p.Downloaded, p.Left = uint64(uploaded), uint64(downloaded), uint64(left) //nolint:gosec // stored from uint64
		p.Event = Event(event)
		p.LastAnnounce = time.Unix(0, last)
		out = append(out, p)
	}
	return out, rows.Err()
}
