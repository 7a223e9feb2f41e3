// Load generator for pico-announce.
// Drives announce and scrape traffic over HTTP or UDP against approved torrents.
//
// Usage:
//
//	go run ./benchmark --proto http --target http://localhost:8080 --hash <hex> --duration 30s
//	go run ./benchmark --proto udp --target localhost:1337 --hash <hex>,<hex> --concurrency 100
package main

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"os"
	"slices"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jackpal/bencode-go"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

// BEP 15 constants
const (
	protocolID      = 0x41727101980
	actionConnect   = 0
	actionAnnounce  = 1
	actionScrape    = 2
	actionError     = 3
	responseTimeout = 5 * time.Second
	connIDLifetime  = 2 * time.Minute
)

// latencies collects samples for one operation.
type latencies struct {
	mu      sync.Mutex
	samples []time.Duration
}

func (l *latencies) add(d time.Duration) {
	l.mu.Lock()
	l.samples = append(l.samples, d)
	l.mu.Unlock()
}

func (l *latencies) sorted() []time.Duration {
	l.mu.Lock()
	out := slices.Clone(l.samples)
	l.mu.Unlock()
	slices.Sort(out)
	return out
}

func percentile(sorted []time.Duration, p float64) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	idx := min(int(float64(len(sorted))*p/100.0), len(sorted)-1)
	return sorted[idx]
}

type counters struct {
	ok       atomic.Uint64
	failed   atomic.Uint64
	rejected atomic.Uint64 // tracker answered with a failure reason
	bytes    atomic.Uint64
}

type options struct {
	proto       string
	target      string
	hashes      []string
	duration    time.Duration
	concurrency int
	rate        float64
	numWant     int
	scrapeEvery int
}

type bench struct {
	opts     options
	hashes   [][20]byte
	announce latencies
	scrape   latencies
	connect  latencies
	counts   counters
	client   *http.Client
}

// client is one simulated peer.
type client interface {
	announce(ctx context.Context, hash [20]byte, left uint64) error
	scrape(ctx context.Context, hash [20]byte) error
	close() error
}

var errRejected = errors.New("tracker rejected request")

func newBench(opts options) (*bench, error) {
	if len(opts.hashes) == 0 {
		return nil, errors.New("at least one --hash of an approved torrent is required")
	}
	b := &bench{
		opts: opts,
		client: &http.Client{
			Timeout: responseTimeout,
			Transport: &http.Transport{
				MaxIdleConns:        opts.concurrency,
				MaxIdleConnsPerHost: opts.concurrency,
			},
		},
	}
	for _, h := range opts.hashes {
		raw, err := hex.DecodeString(h)
		if err != nil || len(raw) != 20 {
			return nil, errors.Errorf("invalid info_hash %q: want 40 hex characters", h)
		}
		b.hashes = append(b.hashes, [20]byte(raw))
	}
	return b, nil
}

func (b *bench) newClient(id int) (client, error) {
	peerID := makePeerID(id)
	switch b.opts.proto {
	case "http":
		return &httpClient{b: b, peerID: peerID, port: uint16(10000 + id%50000)}, nil //nolint:gosec // bounded
	case "udp":
		conn, err := net.Dial("udp", b.opts.target)
		if err != nil {
			return nil, errors.Wrap(err, "dial tracker")
		}
		return &udpClient{b: b, conn: conn, peerID: peerID, port: uint16(10000 + id%50000)}, nil //nolint:gosec // bounded
	default:
		return nil, errors.Errorf("unknown protocol %q", b.opts.proto)
	}
}

func (b *bench) run(ctx context.Context) error {
	log.Info().Str("proto", b.opts.proto).Str("target", b.opts.target).
		Dur("duration", b.opts.duration).Int("concurrency", b.opts.concurrency).
		Int("hashes", len(b.hashes)).Msg("starting benchmark")

	ctx, cancel := context.WithTimeout(ctx, b.opts.duration)
	defer cancel()

	start := time.Now()
	go b.reportProgress(ctx, start)

	g, ctx := errgroup.WithContext(ctx)
	for i := range b.opts.concurrency {
		g.Go(func() error { return b.worker(ctx, i) })
	}
	err := g.Wait()
	b.printResults(time.Since(start))
	return err
}

func (b *bench) worker(ctx context.Context, id int) error {
	c, err := b.newClient(id)
	if err != nil {
		return err
	}
	defer func() {
		if err := c.close(); err != nil {
			log.Debug().Err(err).Int("worker", id).Msg("close client")
		}
	}()

	var limiter *rate.Limiter
	if b.opts.rate > 0 {
		limiter = rate.NewLimiter(rate.Limit(b.opts.rate), 1)
	}

	// half the workers seed
	left := uint64(0)
	if id%2 == 1 {
		left = 1 << 20
	}

	for n := 0; ; n++ {
		if limiter != nil {
			if err := limiter.Wait(ctx); err != nil {
				return nil
			}
		}
		if ctx.Err() != nil {
			return nil
		}

		hash := b.hashes[(id+n)%len(b.hashes)]
		b.record(c.announce(ctx, hash, left))
		if b.opts.scrapeEvery > 0 && n%b.opts.scrapeEvery == 0 {
			b.record(c.scrape(ctx, hash))
		}
	}
}

func (b *bench) record(err error) {
	switch {
	case err == nil:
		b.counts.ok.Add(1)
	case errors.Is(err, errRejected):
		b.counts.rejected.Add(1)
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		// shutdown
	default:
		b.counts.failed.Add(1)
		log.Debug().Err(err).Msg("request failed")
	}
}

type httpClient struct {
	b      *bench
	peerID [20]byte
	port   uint16
}

func (c *httpClient) get(ctx context.Context, path string, q url.Values) (map[string]any, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.b.opts.target+path+"?"+q.Encode(), nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.b.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	c.b.counts.bytes.Add(uint64(len(body)))

	decoded, err := bencode.Decode(bytes.NewReader(body))
	if err != nil {
		return nil, errors.Wrapf(err, "decode %s response (status %d)", path, resp.StatusCode)
	}
	dict, ok := decoded.(map[string]any)
	if !ok {
		return nil, errors.Errorf("%s response is not a dictionary", path)
	}
	if reason, ok := dict["failure reason"].(string); ok {
		return nil, errors.Wrap(errRejected, reason)
	}
	return dict, nil
}

func (c *httpClient) announce(ctx context.Context, hash [20]byte, left uint64) error {
	start := time.Now()
	q := url.Values{}
	q.Set("info_hash", string(hash[:]))
	q.Set("peer_id", string(c.peerID[:]))
	q.Set("port", strconv.Itoa(int(c.port)))
	q.Set("left", strconv.FormatUint(left, 10))
	q.Set("numwant", strconv.Itoa(c.b.opts.numWant))
	_, err := c.get(ctx, "/announce", q)
	c.b.announce.add(time.Since(start))
	return err
}

func (c *httpClient) scrape(ctx context.Context, hash [20]byte) error {
	start := time.Now()
	q := url.Values{}
	q.Set("info_hash", string(hash[:]))
	_, err := c.get(ctx, "/scrape", q)
	c.b.scrape.add(time.Since(start))
	return err
}

func (c *httpClient) close() error { return nil }

type udpClient struct {
	b         *bench
	conn      net.Conn
	connID    uint64
	connAt    time.Time
	peerID    [20]byte
	port      uint16
	buf       [1500]byte
	requestID uint32
}

func (c *udpClient) roundTrip(request []byte, action uint32) ([]byte, error) {
	c.requestID++
	txID := c.requestID
	binary.BigEndian.PutUint32(request[12:16], txID)

	if err := c.conn.SetDeadline(time.Now().Add(responseTimeout)); err != nil {
		return nil, err
	}
	if _, err := c.conn.Write(request); err != nil {
		return nil, err
	}
	n, err := c.conn.Read(c.buf[:])
	if err != nil {
		return nil, err
	}
	c.b.counts.bytes.Add(uint64(n)) //nolint:gosec // n >= 0
	resp := c.buf[:n]
	if n < 8 || binary.BigEndian.Uint32(resp[4:8]) != txID {
		return nil, errors.Errorf("unexpected response of %d bytes", n)
	}
	if got := binary.BigEndian.Uint32(resp[0:4]); got != action {
		if got == actionError {
			return nil, errors.Wrap(errRejected, string(resp[8:]))
		}
		return nil, errors.Errorf("unexpected action %d", got)
	}
	return resp, nil
}

// ensureConnected refreshes the connection ID before it expires.
func (c *udpClient) ensureConnected() error {
	if c.connID != 0 && time.Since(c.connAt) < connIDLifetime-10*time.Second {
		return nil
	}
	start := time.Now()
	request := make([]byte, 16)
	binary.BigEndian.PutUint64(request[0:8], protocolID)
	binary.BigEndian.PutUint32(request[8:12], actionConnect)
	resp, err := c.roundTrip(request, actionConnect)
	c.b.connect.add(time.Since(start))
	if err != nil {
		return errors.Wrap(err, "connect")
	}
	if len(resp) < 16 {
		return errors.New("short connect response")
	}
	c.connID, c.connAt = binary.BigEndian.Uint64(resp[8:16]), time.Now()
	return nil
}

func (c *udpClient) announce(_ context.Context, hash [20]byte, left uint64) error {
	if err := c.ensureConnected(); err != nil {
		return err
	}
	start := time.Now()
	request := make([]byte, 98)
	binary.BigEndian.PutUint64(request[0:8], c.connID)
	binary.BigEndian.PutUint32(request[8:12], actionAnnounce)
	copy(request[16:36], hash[:])
	copy(request[36:56], c.peerID[:])
	binary.BigEndian.PutUint64(request[64:72], left)
	binary.BigEndian.PutUint32(request[92:96], uint32(c.b.opts.numWant)) //nolint:gosec // flag value
	binary.BigEndian.PutUint16(request[96:98], c.port)

	_, err := c.roundTrip(request, actionAnnounce)
	c.b.announce.add(time.Since(start))
	return err
}

func (c *udpClient) scrape(_ context.Context, hash [20]byte) error {
	if err := c.ensureConnected(); err != nil {
		return err
	}
	start := time.Now()
	request := make([]byte, 36)
	binary.BigEndian.PutUint64(request[0:8], c.connID)
	binary.BigEndian.PutUint32(request[8:12], actionScrape)
	copy(request[16:36], hash[:])

	_, err := c.roundTrip(request, actionScrape)
	c.b.scrape.add(time.Since(start))
	return err
}

func (c *udpClient) close() error { return c.conn.Close() }

func (b *bench) reportProgress(ctx context.Context, start time.Time) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			elapsed := time.Since(start)
			ok := b.counts.ok.Load()
			log.Info().Dur("elapsed", elapsed.Round(time.Second)).
				Uint64("ok", ok).
				Uint64("rejected", b.counts.rejected.Load()).
				Uint64("failed", b.counts.failed.Load()).
				Float64("rps", float64(ok)/elapsed.Seconds()).
				Msg("progress")
		case <-ctx.Done():
			return
		}
	}
}

func (b *bench) printResults(elapsed time.Duration) {
	ok, rejected, failed := b.counts.ok.Load(), b.counts.rejected.Load(), b.counts.failed.Load()
	total := ok + rejected + failed

	w := os.Stdout
	fmt.Fprintln(w)
	fmt.Fprintln(w, "========================================")
	fmt.Fprintln(w, "       BENCHMARK RESULTS")
	fmt.Fprintln(w, "========================================")
	fmt.Fprintf(w, "Protocol:           %s\n", b.opts.proto)
	fmt.Fprintf(w, "Duration:           %s\n", elapsed.Round(time.Millisecond))
	fmt.Fprintf(w, "Concurrency:        %d workers\n", b.opts.concurrency)
	fmt.Fprintf(w, "Total Requests:     %d\n", total)
	if total > 0 {
		fmt.Fprintf(w, "Successful:         %d (%.2f%%)\n", ok, float64(ok)/float64(total)*100)
		fmt.Fprintf(w, "Rejected:           %d (%.2f%%)\n", rejected, float64(rejected)/float64(total)*100)
		fmt.Fprintf(w, "Failed:             %d (%.2f%%)\n", failed, float64(failed)/float64(total)*100)
		fmt.Fprintf(w, "Avg response:       %d bytes\n", b.counts.bytes.Load()/total)
	}
	fmt.Fprintf(w, "Requests/Second:    %.2f\n", float64(total)/elapsed.Seconds())

	for _, op := range []struct {
		name string
		lat  *latencies
	}{
		{"Connect", &b.connect},
		{"Announce", &b.announce},
		{"Scrape", &b.scrape},
	} {
		sorted := op.lat.sorted()
		if len(sorted) == 0 {
			continue
		}
		fmt.Fprintf(w, "\n%s latency (n=%d):\n", op.name, len(sorted))
		fmt.Fprintf(w, "  Min:  %s\n", sorted[0])
		fmt.Fprintf(w, "  P50:  %s\n", percentile(sorted, 50))
		fmt.Fprintf(w, "  P95:  %s\n", percentile(sorted, 95))
		fmt.Fprintf(w, "  P99:  %s\n", percentile(sorted, 99))
		fmt.Fprintf(w, "  Max:  %s\n", sorted[len(sorted)-1])
	}

	if total > 0 && rejected > 0 {
		fmt.Fprintln(w, "\nRejected requests usually mean the torrent is not approved or a filter rule matched.")
	}
}

// makePeerID creates a deterministic Azureus-style peer ID.
func makePeerID(workerID int) [20]byte {
	var id [20]byte
	copy(id[:8], "-PB0001-")
	copy(id[8:], fmt.Sprintf("%012d", workerID))
	return id
}

func main() {
	log.Logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.TimeOnly}).With().Timestamp().Logger()

	var opts options
	fs := pflag.NewFlagSet("benchmark", pflag.ExitOnError)
	fs.StringVar(&opts.proto, "proto", "http", "protocol: http or udp")
	fs.StringVar(&opts.target, "target", "http://localhost:8080", "tracker base URL (http) or host:port (udp)")
	fs.StringSliceVar(&opts.hashes, "hash", nil, "hex info_hash of an approved torrent (repeatable)")
	fs.DurationVar(&opts.duration, "duration", 30*time.Second, "benchmark duration")
	fs.IntVar(&opts.concurrency, "concurrency", 100, "number of concurrent peers")
	fs.Float64Var(&opts.rate, "rate", 0, "requests per second per peer, 0 = unlimited")
	fs.IntVar(&opts.numWant, "numwant", 50, "peers requested per announce")
	fs.IntVar(&opts.scrapeEvery, "scrape-every", 10, "scrape after every n announces, 0 disables")
	_ = fs.Parse(os.Args[1:])

	if opts.concurrency < 1 {
		log.Fatal().Msg("concurrency must be at least 1")
	}

	b, err := newBench(opts)
	if err != nil {
		log.Fatal().Err(err).Msg("invalid options")
	}
	if err := b.run(context.Background()); err != nil {
		log.Fatal().Err(err).Msg("benchmark failed")
	}
}
