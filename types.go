package main

import (
	"encoding/hex"
	"strings"
	"time"
)

// HashID represents a 20-byte identifier (info_hash or peer_id) as it arrives
// on the UDP wire. Per BEP 15, both are exactly 20 bytes.
type HashID [20]byte

// NewHashID creates a HashID from a byte slice.
// Caller must ensure b has at least 20 bytes (packet validation happens before this).
// If b > 20 bytes, only the first 20 are used.
func NewHashID(b []byte) HashID {
	var h HashID
	copy(h[:], b)
	return h
}

func (h HashID) String() string {
	return hex.EncodeToString(h[:])
}

// normalizeInfoHash maps the different client encodings of an info_hash onto
// one swarm key: 20 raw bytes and 40 hex chars both become lowercase hex,
// anything else is kept verbatim.
func normalizeInfoHash(s string) string {
	switch len(s) {
	case 20:
		return hex.EncodeToString([]byte(s))
	case 40:
		if _, err := hex.DecodeString(s); err == nil {
			return strings.ToLower(s)
		}
	}
	return s
}

// Event is the announce event reported by a client.
type Event string

const (
	EventEmpty     Event = "empty"
	EventStarted   Event = "started"
	EventStopped   Event = "stopped"
	EventCompleted Event = "completed"
)

// parseEvent maps the query value onto an Event. Unknown values (e.g. the
// BEP 21 "paused") are treated as a regular update.
func parseEvent(s string) Event {
	switch Event(s) {
	case EventStarted, EventStopped, EventCompleted:
		return Event(s)
	default:
		return EventEmpty
	}
}

// udpEvent maps the BEP 15 event code onto an Event.
func udpEvent(code uint32) Event {
	switch code {
	case eventCompleted:
		return EventCompleted
	case eventStarted:
		return EventStarted
	case eventStopped:
		return EventStopped
	default:
		return EventEmpty
	}
}

// Peer is one announcing client within one swarm, keyed by (InfoHash, PeerID).
type Peer struct {
	LastAnnounce time.Time
	InfoHash     string
	PeerID       string
	IP           string
	Event        Event
	Uploaded     uint64
	Downloaded   uint64
	Left         uint64
	Port         uint16
}

// IsSeeder reports whether the peer has the complete content.
func (p Peer) IsSeeder() bool { return p.Left == 0 }

// AnnounceRequest is a transport-independent announce.
//
//nolint:govet // Field alignment is acceptable
type AnnounceRequest struct {
	InfoHash   string
	PeerID     string
	IP         string
	UserAgent  string
	Event      Event
	Port       uint16
	Uploaded   uint64
	Downloaded uint64
	Left       uint64
	NumWant    int
	Now        time.Time
}

// PeerEntry is one element of the peers list in an announce response.
type PeerEntry struct {
	PeerID string `bencode:"peer id" json:"peer_id"`
	IP     string `bencode:"ip" json:"ip"`
	Port   int64  `bencode:"port" json:"port"`
}

// AnnounceResponse is the result of a successful announce.
type AnnounceResponse struct {
	Interval    int64       `bencode:"interval"`
	MinInterval int64       `bencode:"min interval"`
	Complete    int64       `bencode:"complete"`
	Incomplete  int64       `bencode:"incomplete"`
	Peers       []PeerEntry `bencode:"peers"`
}

// ScrapeEntry holds swarm statistics for one info_hash.
type ScrapeEntry struct {
	Complete   int64 `bencode:"complete"`
	Downloaded int64 `bencode:"downloaded"`
	Incomplete int64 `bencode:"incomplete"`
}

// TorrentStatus is the moderation state of a torrent in the index.
type TorrentStatus string

const (
	TorrentPending  TorrentStatus = "pending"
	TorrentApproved TorrentStatus = "approved"
	TorrentRejected TorrentStatus = "rejected"
)

// Torrent is the tracker's view of a torrent record owned by the index.
type Torrent struct {
	CreatedAt time.Time     `json:"created_at"`
	InfoHash  string        `json:"info_hash"`
	Title     string        `json:"title"`
	Status    TorrentStatus `json:"status"`
	ID        int64         `json:"id"`
	Seeders   int64         `json:"seeders"`
	Leechers  int64         `json:"leechers"`
	Downloads int64         `json:"downloads"`
}

// RuleType selects how a FilterRule pattern is matched.
type RuleType string

const (
	RuleClientRegex RuleType = "client_regex"
	RuleIPRange     RuleType = "ip_range"
	RuleIPBlacklist RuleType = "ip_blacklist"
)

// RuleAction is the verdict of a matching FilterRule.
type RuleAction string

const (
	ActionAllow RuleAction = "allow"
	ActionDeny  RuleAction = "deny"
)

// FilterRule is one admission-control entry.
type FilterRule struct {
	CreatedAt time.Time  `json:"created_at"`
	Name      string     `json:"name"`
	Type      RuleType   `json:"type"`
	Pattern   string     `json:"pattern"`
	Action    RuleAction `json:"action"`
	ID        int64      `json:"id"`
	IsActive  bool       `json:"is_active"`
}

// TrackerStats are best-effort per-info_hash counters kept by the stats sink.
type TrackerStats struct {
	Announces  int64 `json:"announces"`
	Completed  int64 `json:"completed"`
	LastUpdate int64 `json:"last_update"`
}
