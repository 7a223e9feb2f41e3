package main

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"github.com/pkg/errors"
	_ "modernc.org/sqlite"
)

// ErrNotFound is returned by the store when a record does not exist.
var ErrNotFound = errors.New("not found")

const schema = `
CREATE TABLE IF NOT EXISTS torrents (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	info_hash  TEXT    NOT NULL UNIQUE,
	title      TEXT    NOT NULL DEFAULT '',
	status     TEXT    NOT NULL DEFAULT 'pending' CHECK (status IN ('pending', 'approved', 'rejected')),
	seeders    INTEGER NOT NULL DEFAULT 0,
	leechers   INTEGER NOT NULL DEFAULT 0,
	downloads  INTEGER NOT NULL DEFAULT 0,
	created_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS client_filters (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	name       TEXT    NOT NULL,
	type       TEXT    NOT NULL CHECK (type IN ('client_regex', 'ip_range', 'ip_blacklist')),
	pattern    TEXT    NOT NULL,
	action     TEXT    NOT NULL CHECK (action IN ('allow', 'deny')),
	is_active  INTEGER NOT NULL DEFAULT 1,
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS client_filters_active_idx ON client_filters (is_active);

CREATE TABLE IF NOT EXISTS peers (
	info_hash     TEXT    NOT NULL,
	peer_id       TEXT    NOT NULL,
	ip            TEXT    NOT NULL,
	port          INTEGER NOT NULL,
	uploaded      INTEGER NOT NULL DEFAULT 0,
	downloaded    INTEGER NOT NULL DEFAULT 0,
	left_bytes    INTEGER NOT NULL,
	event         TEXT    NOT NULL DEFAULT 'empty',
	last_announce INTEGER NOT NULL,
	PRIMARY KEY (info_hash, peer_id)
);
CREATE INDEX IF NOT EXISTS peers_last_announce_idx ON peers (info_hash, last_announce);
`

// Store is the SQLite-backed torrent index the tracker consults: torrent
// records, client filter rules and, with the sqlite registry backend, peers.
type Store struct {
	db *sql.DB
}

// OpenStore opens (creating if needed) the database at path and applies the schema.
func OpenStore(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, errors.Wrapf(err, "create database directory %s", dir)
		}
	}

	dsn := fmt.Sprintf("file:%s?_txlock=immediate&_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, errors.Wrap(err, "open database")
	}
	db.SetMaxOpenConns(8)

	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "apply schema")
	}

	return &Store{db: db}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB exposes the handle for the sqlite peer registry.
func (s *Store) DB() *sql.DB {
	return s.db
}

const torrentColumns = `id, info_hash, title, status, seeders, leechers, downloads, created_at`

func scanTorrent(row interface{ Scan(...any) error }) (*Torrent, error) {
	var (
		t       Torrent
		status  string
		created int64
	)
	if err := row.Scan(&t.ID, &t.InfoHash, &t.Title, &status, &t.Seeders, &t.Leechers, &t.Downloads, &created); err != nil {
		return nil, err
	}
	t.Status = TorrentStatus(status)
	t.CreatedAt = time.Unix(created, 0).UTC()
	return &t, nil
}

// FindTorrent looks a torrent up by its normalised info_hash.
func (s *Store) FindTorrent(ctx context.Context, infoHash string) (*Torrent, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+torrentColumns+` FROM torrents WHERE info_hash = ?`, infoHash)
	t, err := scanTorrent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrapf(err, "find torrent %s", infoHash)
	}
	return t, nil
}

// UpdateSwarmCounts writes the latest seeder/leecher counts onto a torrent and,
// for a completed event, bumps its downloads counter by one.
func (s *Store) UpdateSwarmCounts(ctx context.Context, id int64, seeders, leechers int, completed bool) error {
	return updateSwarmCounts(ctx, s.db, id, seeders, leechers, completed)
}

// execer is satisfied by both *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func updateSwarmCounts(ctx context.Context, db execer, id int64, seeders, leechers int, completed bool) error {
	var inc int
	if completed {
		inc = 1
	}
	res, err := db.ExecContext(ctx,
		`UPDATE torrents SET seeders = ?, leechers = ?, downloads = downloads + ? WHERE id = ?`,
		seeders, leechers, inc, id)
	if err != nil {
		return errors.Wrapf(err, "update torrent %d counters", id)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// AddTorrent registers a torrent in pending state.
func (s *Store) AddTorrent(ctx context.Context, infoHash, title string) (*Torrent, error) {
	infoHash = normalizeInfoHash(infoHash)
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO torrents (info_hash, title, status, created_at) VALUES (?, ?, ?, ?)`,
		infoHash, title, string(TorrentPending), time.Now().Unix())
	if err != nil {
		return nil, errors.Wrapf(err, "insert torrent %s", infoHash)
	}
	return s.FindTorrent(ctx, infoHash)
}

// SetTorrentStatus moves a torrent to a moderation state.
func (s *Store) SetTorrentStatus(ctx context.Context, infoHash string, status TorrentStatus) error {
	switch status {
	case TorrentPending, TorrentApproved, TorrentRejected:
	default:
		return errors.Errorf("unknown torrent status %q", status)
	}
	res, err := s.db.ExecContext(ctx, `UPDATE torrents SET status = ? WHERE info_hash = ?`,
		string(status), normalizeInfoHash(infoHash))
	if err != nil {
		return errors.Wrap(err, "update torrent status")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ListTorrents returns all torrents, oldest first.
func (s *Store) ListTorrents(ctx context.Context) ([]Torrent, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+torrentColumns+` FROM torrents ORDER BY id`)
	if err != nil {
		return nil, errors.Wrap(err, "list torrents")
	}
	defer rows.Close()

	var out []Torrent
	for rows.Next() {
		t, err := scanTorrent(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scan torrent")
		}
		out = append(out, *t)
	}
	return out, rows.Err()
}

const ruleColumns = `id, name, type, pattern, action, is_active, created_at`

func (s *Store) queryRules(ctx context.Context, where string) ([]FilterRule, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+ruleColumns+` FROM client_filters `+where+` ORDER BY created_at, id`)
	if err != nil {
		return nil, errors.Wrap(err, "query filter rules")
	}
	defer rows.Close()

	var out []FilterRule
	for rows.Next() {
		var (
			r       FilterRule
			typ     string
			action  string
			created int64
		)
		if err := rows.Scan(&r.ID, &r.Name, &typ, &r.Pattern, &action, &r.IsActive, &created); err != nil {
			return nil, errors.Wrap(err, "scan filter rule")
		}
		r.Type = RuleType(typ)
		r.Action = RuleAction(action)
		r.CreatedAt = time.Unix(created, 0).UTC()
		out = append(out, r)
	}
	return out, rows.Err()
}

// ActiveRules returns active filter rules in creation order.
func (s *Store) ActiveRules(ctx context.Context) ([]FilterRule, error) {
	return s.queryRules(ctx, `WHERE is_active = 1`)
}

// ListRules returns every filter rule in creation order.
func (s *Store) ListRules(ctx context.Context) ([]FilterRule, error) {
	return s.queryRules(ctx, ``)
}

// AddRule validates and stores a new active filter rule.
func (s *Store) AddRule(ctx context.Context, r FilterRule) (*FilterRule, error) {
	if err := validateRule(r); err != nil {
		return nil, err
	}
	now := time.Now()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO client_filters (name, type, pattern, action, is_active, created_at, updated_at)
		 VALUES (?, ?, ?, ?, 1, ?, ?)`,
		r.Name, string(r.Type), r.Pattern, string(r.Action), now.Unix(), now.Unix())
	if err != nil {
		return nil, errors.Wrap(err, "insert filter rule")
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, errors.Wrap(err, "filter rule id")
	}
	r.ID = id
	r.IsActive = true
	r.CreatedAt = time.Unix(now.Unix(), 0).UTC()
	return &r, nil
}

// SetRuleActive toggles a rule on or off.
func (s *Store) SetRuleActive(ctx context.Context, id int64, active bool) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE client_filters SET is_active = ?, updated_at = ? WHERE id = ?`,
		active, time.Now().Unix(), id)
	if err != nil {
		return errors.Wrap(err, "update filter rule")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// validateRule rejects incomplete rules, unknown enums and regexes that do
// not compile, before they reach the announce path.
func validateRule(r FilterRule) error {
	if r.Name == "" || r.Type == "" || r.Pattern == "" || r.Action == "" {
		return errors.New("name, type, pattern and action are required")
	}
	switch r.Type {
	case RuleClientRegex:
		if _, err := regexp.Compile("(?i)" + r.Pattern); err != nil {
			return errors.Wrap(err, "invalid regular expression")
		}
	case RuleIPRange, RuleIPBlacklist:
	default:
		return errors.Errorf("unknown rule type %q", r.Type)
	}
	if r.Action != ActionAllow && r.Action != ActionDeny {
		return errors.Errorf("unknown rule action %q", r.Action)
	}
	return nil
}
