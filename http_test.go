package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/jackpal/bencode-go"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type httpFixture struct {
	*trackerFixture
	stats   *MemoryStats
	metrics *Metrics
	handler http.Handler
}

func newHTTPFixture(t *testing.T, rules ...FilterRule) *httpFixture {
	t.Helper()
	f := newTrackerFixture(t, rules...)
	stats := NewMemoryStats()
	t.Cleanup(func() { _ = stats.Close() })
	metrics := NewMetrics()
	return &httpFixture{
		trackerFixture: f,
		stats:          stats,
		metrics:        metrics,
		handler:        NewHTTPHandler(f.tr, stats, metrics, false).Router(),
	}
}

func (f *httpFixture) get(t *testing.T, target string, mutate ...func(*http.Request)) (int, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, target, nil)
	for _, m := range mutate {
		m(req)
	}
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)

	decoded, err := bencode.Decode(rec.Body)
	require.NoError(t, err)
	dict, ok := decoded.(map[string]any)
	require.True(t, ok, "response is a bencoded dictionary")
	return rec.Code, dict
}

func announceQuery(peerID, left, event string) string {
	q := url.Values{}
	q.Set("info_hash", testHash)
	q.Set("peer_id", peerID)
	q.Set("port", "6881")
	q.Set("left", left)
	if event != "" {
		q.Set("event", event)
	}
	return "/announce?" + q.Encode()
}

func TestHTTPAnnounce_Success(t *testing.T) {
	f := newHTTPFixture(t)
	addTorrent(t, f.store, testHash, TorrentApproved)

	code, body := f.get(t, announceQuery("-qB4500-aaaaaaaaaaaa", "0", "completed"))
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, int64(announceInterval), body["interval"])
	assert.Equal(t, int64(minAnnounceInterval), body["min interval"])
	assert.Equal(t, int64(1), body["complete"])
	assert.Equal(t, int64(0), body["incomplete"])

	code, body = f.get(t, announceQuery("-qB4500-bbbbbbbbbbbb", "1000", "started"))
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, int64(1), body["complete"])
	assert.Equal(t, int64(1), body["incomplete"])

	peers, ok := body["peers"].([]any)
	require.True(t, ok)
	assert.Len(t, peers, 2, "the requesting peer is part of the list")
	first, ok := peers[0].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "192.0.2.1", first["ip"])
	assert.Equal(t, int64(6881), first["port"])
	assert.Contains(t, []any{"-qB4500-aaaaaaaaaaaa", "-qB4500-bbbbbbbbbbbb"}, first["peer id"])

	assert.Equal(t, float64(2), testutil.ToFloat64(f.metrics.announces.WithLabelValues("http", "ok")))
}

func TestHTTPAnnounce_MaxLeftIsLeecher(t *testing.T) {
	f := newHTTPFixture(t)
	addTorrent(t, f.store, testHash, TorrentApproved)

	code, body := f.get(t, announceQuery("-qB4500-aaaaaaaaaaaa", "18446744073709551615", "started"))
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, int64(0), body["complete"])
	assert.Equal(t, int64(1), body["incomplete"])

	code, body = f.get(t, announceQuery("-qB4500-aaaaaaaaaaaa", "18446744073709551616", ""))
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "Invalid left", body["failure reason"])
}

func TestHTTPAnnounce_RawInfoHash(t *testing.T) {
	f := newHTTPFixture(t)
	raw := "\x01\x23\x45\x67\x89\xab\xcd\xef\x01\x23\x45\x67\x89\xab\xcd\xef\x01\x23\x45\x67"
	addTorrent(t, f.store, testHash, TorrentApproved)

	target := "/announce?info_hash=" + url.QueryEscape(raw) + "&peer_id=-qB4500-aaaaaaaaaaaa&port=6881&left=0"
	code, body := f.get(t, target)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, int64(1), body["complete"])
	assert.Equal(t, 1, f.registry.Len(testHash))
}

func TestHTTPAnnounce_Failures(t *testing.T) {
	tests := []struct {
		name   string
		target string
		status int
		reason string
	}{
		{"missing left", "/announce?info_hash=" + testHash + "&peer_id=p&port=6881", http.StatusBadRequest, "Missing required parameters"},
		{"missing info_hash", "/announce?peer_id=p&port=6881&left=0", http.StatusBadRequest, "Missing required parameters"},
		{"port zero", "/announce?info_hash=" + testHash + "&peer_id=p&port=0&left=0", http.StatusBadRequest, "Invalid port"},
		{"port overflow", "/announce?info_hash=" + testHash + "&peer_id=p&port=70000&left=0", http.StatusBadRequest, "Invalid port"},
		{"bad left", "/announce?info_hash=" + testHash + "&peer_id=p&port=6881&left=-1", http.StatusBadRequest, "Invalid left"},
		{"bad uploaded", "/announce?info_hash=" + testHash + "&peer_id=p&port=6881&left=0&uploaded=x", http.StatusBadRequest, "Invalid uploaded"},
		{"bad numwant", "/announce?info_hash=" + testHash + "&peer_id=p&port=6881&left=0&numwant=many", http.StatusBadRequest, "Invalid numwant"},
		{"unknown torrent", "/announce?info_hash=ffffffffffffffffffffffffffffffffffffffff&peer_id=p&port=6881&left=0", http.StatusNotFound, "Torrent not found"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newHTTPFixture(t)
			addTorrent(t, f.store, testHash, TorrentApproved)

			code, body := f.get(t, tt.target)
			assert.Equal(t, tt.status, code)
			assert.Equal(t, tt.reason, body["failure reason"])
			assert.Equal(t, 0, f.registry.Len(testHash))
		})
	}
}

func TestHTTPAnnounce_PendingTorrentIsNotFound(t *testing.T) {
	f := newHTTPFixture(t)
	addTorrent(t, f.store, testHash, TorrentPending)

	code, body := f.get(t, announceQuery("-qB4500-aaaaaaaaaaaa", "0", ""))
	assert.Equal(t, http.StatusNotFound, code)
	assert.Equal(t, "Torrent not found", body["failure reason"])
	assert.Equal(t, float64(1), testutil.ToFloat64(f.metrics.announces.WithLabelValues("http", "not_found")))
}

func TestHTTPAnnounce_Denied(t *testing.T) {
	f := newHTTPFixture(t, rule(RuleClientRegex, "utorrent", ActionDeny))
	addTorrent(t, f.store, testHash, TorrentApproved)

	code, body := f.get(t, announceQuery("-XX0000-aaaaaaaaaaaa", "0", ""), func(r *http.Request) {
		r.Header.Set("User-Agent", "uTorrent/3.5.5")
	})
	assert.Equal(t, http.StatusForbidden, code)
	assert.Equal(t, "Client not allowed", body["failure reason"])
	assert.Equal(t, 0, f.registry.Len(testHash))
}

func TestHTTPAnnounce_RealIP(t *testing.T) {
	f := newHTTPFixture(t, rule(RuleIPRange, "203.0.113.0/24", ActionDeny))
	addTorrent(t, f.store, testHash, TorrentApproved)
	forwarded := func(r *http.Request) { r.Header.Set("X-Forwarded-For", "203.0.113.7") }

	// without trust the forwarded header is ignored
	code, _ := f.get(t, announceQuery("-qB4500-aaaaaaaaaaaa", "0", ""), forwarded)
	assert.Equal(t, http.StatusOK, code)

	f.handler = NewHTTPHandler(f.tr, f.stats, f.metrics, true).Router()
	code, body := f.get(t, announceQuery("-qB4500-aaaaaaaaaaaa", "0", ""), forwarded)
	assert.Equal(t, http.StatusForbidden, code)
	assert.Equal(t, "Client not allowed", body["failure reason"])
}

func TestHTTPScrape(t *testing.T) {
	f := newHTTPFixture(t)
	addTorrent(t, f.store, testHash, TorrentApproved)

	code, _ := f.get(t, announceQuery("-qB4500-aaaaaaaaaaaa", "0", "completed"))
	require.Equal(t, http.StatusOK, code)

	unknown := "ffffffffffffffffffffffffffffffffffffffff"
	code, body := f.get(t, "/scrape?info_hash="+testHash+"&info_hash="+unknown)
	require.Equal(t, http.StatusOK, code)

	files, ok := body["files"].(map[string]any)
	require.True(t, ok)
	entry, ok := files[testHash].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, int64(1), entry["complete"])
	assert.Equal(t, int64(1), entry["downloaded"])
	assert.Equal(t, int64(0), entry["incomplete"])

	empty, ok := files[unknown].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, int64(0), empty["complete"])
}

func TestHTTPScrape_MissingInfoHash(t *testing.T) {
	f := newHTTPFixture(t)
	code, body := f.get(t, "/scrape")
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "Missing required parameters", body["failure reason"])
}

func TestHTTPStats(t *testing.T) {
	f := newHTTPFixture(t)
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, f.stats.Record(context.Background(), testHash, true, now))

	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/stats/"+testHash, nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var st TrackerStats
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&st))
	assert.Equal(t, int64(1), st.Announces)
	assert.Equal(t, int64(1), st.Completed)
	assert.Equal(t, now.UnixMilli(), st.LastUpdate)

	rec = httptest.NewRecorder()
	f.handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/stats/ffffffffffffffffffffffffffffffffffffffff", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHTTPStats_Disabled(t *testing.T) {
	f := newTrackerFixture(t)
	handler := NewHTTPHandler(f.tr, nil, nil, false).Router()

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/stats/"+testHash, nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHTTPHealthz(t *testing.T) {
	f := newTrackerFixture(t)
	handler := NewHTTPHandler(f.tr, nil, nil, false).Router()

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", rec.Body.String())
}

func TestClientIP(t *testing.T) {
	tests := []struct {
		remote string
		want   string
	}{
		{"192.0.2.1:1234", "192.0.2.1"},
		{"[2001:db8::1]:80", "2001:db8::1"},
		{"203.0.113.7", "203.0.113.7"},
		{"garbage", defaultClientIP},
	}
	for _, tt := range tests {
		t.Run(tt.remote, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/", nil)
			r.RemoteAddr = tt.remote
			assert.Equal(t, tt.want, clientIP(r))
		})
	}
}
