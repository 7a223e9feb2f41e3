package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"runtime/debug"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackpal/bencode-go"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// HTTPHandler is the HTTP binding of the tracker.
type HTTPHandler struct {
	tr         *Tracker
	stats      StatsSink
	metrics    *Metrics
	trustProxy bool
}

// NewHTTPHandler builds the binding. stats may be nil, in which case
// /stats always reports not found.
func NewHTTPHandler(tr *Tracker, stats StatsSink, metrics *Metrics, trustProxy bool) *HTTPHandler {
	return &HTTPHandler{tr: tr, stats: stats, metrics: metrics, trustProxy: trustProxy}
}

// Router returns the chi router serving all tracker endpoints.
func (h *HTTPHandler) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	if h.trustProxy {
		r.Use(middleware.RealIP)
	}
	r.Use(accessLogger(log.Logger))
	r.Use(middleware.Recoverer)

	r.Get("/announce", h.announce)
	r.Get("/scrape", h.scrape)
	r.Get("/stats/{infoHash}", h.trackerStats)
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		_, _ = w.Write([]byte("ok"))
	})
	return r
}

// accessLogger logs each request at trace level and turns handler panics into 500s.
func accessLogger(logger zerolog.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		fn := func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			t1 := time.Now()
			defer func() {
				if rec := recover(); rec != nil {
					logger.Error().
						Interface("recover_info", rec).
						Bytes("debug_stack", debug.Stack()).
						Msg("panic while serving request")
					http.Error(ww, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
				}

				logger.Trace().
					Str("type", "access").
					Str("request_id", middleware.GetReqID(r.Context())).
					Fields(map[string]any{
						"remote_ip":  r.RemoteAddr,
						"path":       r.URL.Path,
						"method":     r.Method,
						"user_agent": r.Header.Get("User-Agent"),
						"status":     ww.Status(),
						"latency_ms": float64(time.Since(t1).Nanoseconds()) / 1000000.0,
						"bytes_out":  ww.BytesWritten(),
					}).
					Msg("incoming_request")
			}()

			next.ServeHTTP(ww, r)
		}
		return http.HandlerFunc(fn)
	}
}

// clientIP resolves the peer address from the connection, falling back to
// loopback when it cannot be parsed.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		// RealIP rewrites RemoteAddr without a port
		host = r.RemoteAddr
	}
	if ip := net.ParseIP(host); ip != nil {
		return ip.String()
	}
	return defaultClientIP
}

// parseAnnounce turns the query string into an AnnounceRequest.
func parseAnnounce(r *http.Request) (AnnounceRequest, error) {
	q := r.URL.Query()
	for _, key := range []string{"info_hash", "peer_id", "port", "left"} {
		if q.Get(key) == "" {
			return AnnounceRequest{}, validationError("Missing required parameters")
		}
	}

	port, err := strconv.ParseUint(q.Get("port"), 10, 16)
	if err != nil || port == 0 {
		return AnnounceRequest{}, validationError("Invalid port")
	}

	uint64Param := func(key string) (uint64, error) {
		v := q.Get(key)
		if v == "" {
			return 0, nil
		}
		n, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			return 0, validationError("Invalid " + key)
		}
		return n, nil
	}

	req := AnnounceRequest{
		InfoHash:  q.Get("info_hash"),
		PeerID:    q.Get("peer_id"),
		IP:        clientIP(r),
		UserAgent: r.Header.Get("User-Agent"),
		Event:     parseEvent(q.Get("event")),
		Port:      uint16(port),
	}
	if req.Uploaded, err = uint64Param("uploaded"); err != nil {
		return AnnounceRequest{}, err
	}
	if req.Downloaded, err = uint64Param("downloaded"); err != nil {
		return AnnounceRequest{}, err
	}
	if req.Left, err = uint64Param("left"); err != nil {
		return AnnounceRequest{}, err
	}
	if v := q.Get("numwant"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return AnnounceRequest{}, validationError("Invalid numwant")
		}
		req.NumWant = n
	}
	return req, nil
}

func (h *HTTPHandler) announce(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	req, err := parseAnnounce(r)
	if err == nil {
		var resp *AnnounceResponse
		resp, err = h.tr.Announce(r.Context(), req)
		if err == nil {
			h.metrics.announceDone("http", resultLabel(http.StatusOK), time.Since(start).Seconds())
			writeBencode(w, http.StatusOK, resp)
			return
		}
	}

	status, msg := errorStatus(err)
	h.metrics.announceDone("http", resultLabel(status), time.Since(start).Seconds())
	if status >= http.StatusInternalServerError {
		log.Error().Err(err).Str("remote_ip", r.RemoteAddr).Msg("announce failed")
	}
	writeFailure(w, status, msg)
}

type scrapeResponse struct {
	Files map[string]ScrapeEntry `bencode:"files"`
}

func (h *HTTPHandler) scrape(w http.ResponseWriter, r *http.Request) {
	hashes := r.URL.Query()["info_hash"]
	if len(hashes) == 0 {
		writeFailure(w, http.StatusBadRequest, "Missing required parameters")
		return
	}

	files, err := h.tr.Scrape(r.Context(), hashes)
	if err != nil {
		log.Error().Err(err).Msg("scrape failed")
		status, msg := errorStatus(err)
		writeFailure(w, status, msg)
		return
	}
	h.metrics.scrapeDone("http")
	writeBencode(w, http.StatusOK, scrapeResponse{Files: files})
}

func (h *HTTPHandler) trackerStats(w http.ResponseWriter, r *http.Request) {
	infoHash := normalizeInfoHash(chi.URLParam(r, "infoHash"))
	if h.stats == nil {
		http.Error(w, "stats not found", http.StatusNotFound)
		return
	}

	st, err := h.stats.Get(r.Context(), infoHash)
	if errors.Is(err, ErrNotFound) {
		http.Error(w, "stats not found", http.StatusNotFound)
		return
	}
	if err != nil {
		log.Error().Err(err).Str("info_hash", infoHash).Msg("failed to read tracker stats")
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(st); err != nil {
		log.Debug().Err(err).Msg("failed to write stats response")
	}
}

// writeBencode encodes v before writing the header so an encoding error can
// still become a 500.
func writeBencode(w http.ResponseWriter, status int, v any) {
	var buf bytes.Buffer
	if err := bencode.Marshal(&buf, v); err != nil {
		log.Error().Err(err).Msg("failed to bencode response")
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(status)
	_, _ = w.Write(buf.Bytes())
}

func writeFailure(w http.ResponseWriter, status int, reason string) {
	writeBencode(w, status, map[string]string{"failure reason": reason})
}
