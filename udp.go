package main

import (
	"context"
	"encoding/binary"
	"net"
	"sync"
	"time"

	"github.com/autobrr/autobrr/pkg/ttlcache"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
)

// Response buffer optimization constants
const (
	// Connect response: action:4 + transaction_id:4 + connection_id:8
	connectResponseSize = 4 + 4 + 8 // 16 bytes

	// Announce request minimum size (sum of all fields):
	// connection_id:8 + action:4 + transaction_id:4 + info_hash:20 + peer_id:20 +
	// downloaded:8 + left:8 + uploaded:8 + event:4 + IP:4 + key:4 + num_want:4 + port:2
	minAnnouncePacketSize = 98

	// Packet header size: connection_id:8 + action:4 + transaction_id:4
	packetHeaderSize = 16

	// Minimum scrape packet size: connection_id:8 + action:4 + transaction_id:4 + info_hash:20
	minScrapePacketSize = 36

	announceHeaderSize = 20 // action:4 + transaction_id:4 + interval:4 + leechers:4 + seeders:4
	scrapeHeaderSize   = 8  // action:4 + transaction_id:4
	scrapeEntrySize    = 12 // seeders:4 + completed:4 + leechers:4
	errorHeaderSize    = 8  // action:4 + transaction_id:4
)

var bufferPool = sync.Pool{
	New: func() any {
		b := make([]byte, maxPacketSize)
		return &b
	},
}

func getBuffer() *[]byte {
	b := bufferPool.Get().(*[]byte)
	*b = (*b)[:cap(*b)]
	return b
}

func putBuffer(b *[]byte) {
	*b = (*b)[:0]
	bufferPool.Put(b)
}

// udpAnnounce holds the parsed fields from an announce request packet.
type udpAnnounce struct {
	infoHash   HashID
	peerID     HashID
	downloaded uint64
	left       uint64
	uploaded   uint64
	event      uint32
	ipAddr     uint32
	numWant    uint32
	port       uint16
}

// parseAnnounceRequest extracts all fields from an announce request packet.
// Returns the request and true if valid, or zero values and false if packet too short.
func parseAnnounceRequest(packet []byte) (udpAnnounce, bool) {
	if len(packet) < minAnnouncePacketSize {
		return udpAnnounce{}, false
	}
	return udpAnnounce{
		infoHash:   NewHashID(packet[16:36]),
		peerID:     NewHashID(packet[36:56]),
		downloaded: binary.BigEndian.Uint64(packet[56:64]),
		left:       binary.BigEndian.Uint64(packet[64:72]),
		uploaded:   binary.BigEndian.Uint64(packet[72:80]),
		event:      binary.BigEndian.Uint32(packet[80:84]),
		ipAddr:     binary.BigEndian.Uint32(packet[84:88]),
		numWant:    binary.BigEndian.Uint32(packet[92:96]),
		port:       binary.BigEndian.Uint16(packet[96:98]),
	}, true
}

// calculateNumWant determines the number of peers to return based on client request.
func calculateNumWant(numWantRaw uint32, maxWant int) int {
	// num_want 0 or 0xFFFFFFFF (-1 but we have it unsigned 32bit) means "default"
	if numWantRaw == 0 || numWantRaw == 0xFFFFFFFF {
		return min(defaultNumWant, maxWant)
	}
	if numWantRaw > uint32(maxWant) { //nolint:gosec // maxWant is a small constant
		return maxWant
	}
	return int(numWantRaw)
}

// determineClientIP extracts the client's IP from the announce request.
// Returns the client IP, whether it's valid, and an error message if invalid.
func determineClientIP(addr *net.UDPAddr, ipAddr uint32) (clientIP net.IP, isValid bool, errMsg string) {
	clientIsV4 := addr.IP.To4() != nil
	clientIP = addr.IP

	if ipAddr != 0 {
		if clientIsV4 {
			clientIP = net.IP{byte(ipAddr >> 24), byte(ipAddr >> 16), byte(ipAddr >> 8), byte(ipAddr)}
		} else {
			// IPv6 clients must send IP field as 0 (per BEP 15)
			return nil, false, "IP address must be 0 for IPv6"
		}
	}

	return clientIP, true, ""
}

// getPeerConfig returns the peer size and max peers based on IP version.
func getPeerConfig(clientIsV4 bool) (peerSize, maxWant int) {
	if clientIsV4 {
		return 6, maxPeersPerPacketV4
	}
	return 18, maxPeersPerPacketV6
}

// compactPeers packs peers of the client's address family as ip:port, skipping
// the requesting peer itself.
func compactPeers(peers []PeerEntry, self string, clientIsV4 bool, limit int) []byte {
	peerSize, _ := getPeerConfig(clientIsV4)
	out := make([]byte, 0, min(len(peers), limit)*peerSize)
	n := 0
	for _, p := range peers {
		if n >= limit {
			break
		}
		if p.PeerID == self {
			continue
		}
		ip := net.ParseIP(p.IP)
		if ip == nil || (ip.To4() != nil) != clientIsV4 {
			continue
		}
		if clientIsV4 {
			out = append(out, ip.To4()...)
		} else {
			out = append(out, ip.To16()...)
		}
		out = binary.BigEndian.AppendUint16(out, uint16(p.Port)) //nolint:gosec // port validated on announce
		n++
	}
	return out
}

// buildAnnounceResponse creates the announce response buffer.
func buildAnnounceResponse(peers []byte, seeders, leechers int64, transactionID uint32) []byte {
	response := make([]byte, announceHeaderSize+len(peers))
	binary.BigEndian.PutUint32(response[0:4], actionAnnounce)
	binary.BigEndian.PutUint32(response[4:8], transactionID)
	binary.BigEndian.PutUint32(response[8:12], announceInterval)
	binary.BigEndian.PutUint32(response[12:16], uint32(leechers)) //nolint:gosec // bounded counts
	binary.BigEndian.PutUint32(response[16:20], uint32(seeders))  //nolint:gosec // bounded counts
	copy(response[20:], peers)
	return response
}

// UDPServer serves the BEP 15 binding of the tracker.
type UDPServer struct {
	tr       *Tracker
	metrics  *Metrics
	limiters *ttlcache.Cache[string, *rate.Limiter]
	now      func() time.Time
	secret   [32]byte
	limitMu  sync.Mutex
	wg       sync.WaitGroup
}

// NewUDPServer creates the UDP binding. secret signs connection IDs.
func NewUDPServer(tr *Tracker, secret string, metrics *Metrics) *UDPServer {
	return &UDPServer{
		tr:      tr,
		metrics: metrics,
		secret:  deriveSecret(secret),
		now:     time.Now,
		limiters: ttlcache.New(ttlcache.Options[string, *rate.Limiter]{}.
			SetDefaultTTL(2 * rateLimitWindow)),
	}
}

// checkRateLimit enforces per-IP token buckets on connect requests, which
// keeps the tracker from being used for UDP amplification.
func (s *UDPServer) checkRateLimit(addr *net.UDPAddr) bool {
	key := addr.IP.String()

	s.limitMu.Lock()
	lim, ok := s.limiters.Get(key)
	if !ok {
		lim = rate.NewLimiter(rate.Every(rateLimitWindow/rateLimitBurst), rateLimitBurst)
		s.limiters.Set(key, lim, ttlcache.DefaultTTL)
	}
	s.limitMu.Unlock()

	return lim.AllowN(s.now(), 1)
}

// sendError sends an error message back to the client when something goes wrong
// Error response format: [action:4][transaction_id:4][error_message:variable]
func (s *UDPServer) sendError(conn net.PacketConn, addr *net.UDPAddr, transactionID uint32, message string) {
	response := make([]byte, errorHeaderSize+len(message))
	binary.BigEndian.PutUint32(response[0:4], actionError)
	binary.BigEndian.PutUint32(response[4:8], transactionID)
	copy(response[8:], message)

	if _, err := conn.WriteTo(response, addr); err != nil {
		log.Info().Err(err).Stringer("addr", addr).Msg("failed to send error")
	} else if e := log.Debug(); e.Enabled() {
		e.Stringer("addr", addr).Str("message", message).Msg("sent error")
	}
}

// handleConnect is the first step in UDP tracker communication
// The client sends a "connect" request to establish a session, and we give them
// a connection ID they must use in all future requests to prove they're legitimate
func (s *UDPServer) handleConnect(conn net.PacketConn, addr *net.UDPAddr, transactionID uint32) {
	if !s.checkRateLimit(addr) {
		s.metrics.rateLimited()
		log.Debug().Stringer("addr", addr).Msg("rate limited connect request")
		s.sendError(conn, addr, transactionID, "rate limit exceeded, try again later")
		return
	}

	connectionID := generateConnectionID(&s.secret, addr, s.now())

	var response [connectResponseSize]byte
	binary.BigEndian.PutUint32(response[0:4], actionConnect)
	binary.BigEndian.PutUint32(response[4:8], transactionID)
	binary.BigEndian.PutUint64(response[8:16], connectionID)

	if _, err := conn.WriteTo(response[:], addr); err != nil {
		log.Info().Err(err).Stringer("addr", addr).Msg("failed to send connect response")
	}
}

// handleAnnounce parses a BEP 15 announce and runs it through the tracker.
// Announce request format:
//
//	[connection_id:8][action:4][transaction_id:4][info_hash:20][peer_id:20]
//	[downloaded:8][left:8][uploaded:8][event:4][IP:4][key:4][num_want:4][port:2]
func (s *UDPServer) handleAnnounce(ctx context.Context, conn net.PacketConn, addr *net.UDPAddr, packet []byte, transactionID uint32) {
	start := time.Now()
	req, ok := parseAnnounceRequest(packet)
	if !ok {
		s.sendError(conn, addr, transactionID, "invalid packet size")
		return
	}
	if req.port == 0 {
		s.sendError(conn, addr, transactionID, "port cannot be 0")
		return
	}

	clientIsV4 := addr.IP.To4() != nil
	_, maxWant := getPeerConfig(clientIsV4)
	clientIP, valid, errMsg := determineClientIP(addr, req.ipAddr)
	if !valid {
		s.sendError(conn, addr, transactionID, errMsg)
		return
	}

	peerID := string(req.peerID[:])
	resp, err := s.tr.Announce(ctx, AnnounceRequest{
		InfoHash:   req.infoHash.String(),
		PeerID:     peerID,
		IP:         clientIP.String(),
		Event:      udpEvent(req.event),
		Port:       req.port,
		Uploaded:   req.uploaded,
		Downloaded: req.downloaded,
		Left:       req.left,
		NumWant:    calculateNumWant(req.numWant, maxWant),
	})
	if err != nil {
		status, msg := errorStatus(err)
		s.metrics.announceDone("udp", resultLabel(status), time.Since(start).Seconds())
		if status >= 500 {
			log.Error().Err(err).Stringer("addr", addr).Msg("udp announce failed")
		}
		s.sendError(conn, addr, transactionID, msg)
		return
	}
	s.metrics.announceDone("udp", resultLabel(200), time.Since(start).Seconds())

	peers := compactPeers(resp.Peers, peerID, clientIsV4, maxWant)
	response := buildAnnounceResponse(peers, resp.Complete, resp.Incomplete, transactionID)
	if _, err := conn.WriteTo(response, addr); err != nil {
		log.Info().Err(err).Stringer("addr", addr).Msg("failed to send announce response")
	}
}

// handleScrape lets clients ask for statistics about torrents without announcing
// Scrape header format: [connection_id:8][action:4][transaction_id:4][info_hash:20]...
func (s *UDPServer) handleScrape(ctx context.Context, conn net.PacketConn, addr *net.UDPAddr, packet []byte, transactionID uint32) {
	if len(packet) < minScrapePacketSize {
		s.sendError(conn, addr, transactionID, "no info hashes provided")
		return
	}

	numHashes := (len(packet) - packetHeaderSize) / 20
	hashes := make([]string, numHashes)
	for i := range numHashes {
		hashes[i] = NewHashID(packet[16+i*20 : 16+(i+1)*20]).String()
	}

	stats, err := s.tr.Scrape(ctx, hashes)
	if err != nil {
		log.Error().Err(err).Stringer("addr", addr).Msg("udp scrape failed")
		_, msg := errorStatus(err)
		s.sendError(conn, addr, transactionID, msg)
		return
	}
	s.metrics.scrapeDone("udp")

	response := make([]byte, scrapeHeaderSize+numHashes*scrapeEntrySize)
	binary.BigEndian.PutUint32(response[0:4], actionScrape)
	binary.BigEndian.PutUint32(response[4:8], transactionID)
	off := scrapeHeaderSize
	for _, h := range hashes {
		st := stats[h]
		binary.BigEndian.PutUint32(response[off:off+4], uint32(st.Complete))     //nolint:gosec // bounded counts
		binary.BigEndian.PutUint32(response[off+4:off+8], uint32(st.Downloaded)) //nolint:gosec // bounded counts
		binary.BigEndian.PutUint32(response[off+8:off+12], uint32(st.Incomplete)) //nolint:gosec // bounded counts
		off += scrapeEntrySize
	}

	if _, err := conn.WriteTo(response, addr); err != nil {
		log.Info().Err(err).Stringer("addr", addr).Msg("failed to send scrape response")
	}
}

// handlePacket processes any incoming UDP packet and routes it to the right handler
// based on the action field. Connection ID validation is performed for announce/scrape
// Packet header format: [connection_id:8][action:4][transaction_id:4]
func (s *UDPServer) handlePacket(ctx context.Context, conn net.PacketConn, addr *net.UDPAddr, packet []byte) {
	if len(packet) < packetHeaderSize {
		return
	}

	connectionID := binary.BigEndian.Uint64(packet[0:8])
	action := binary.BigEndian.Uint32(packet[8:12])
	transactionID := binary.BigEndian.Uint32(packet[12:16])

	switch action {
	case actionConnect:
		if connectionID != protocolID {
			s.sendError(conn, addr, transactionID, "invalid protocol ID")
			return
		}
		s.handleConnect(conn, addr, transactionID)

	case actionAnnounce, actionScrape:
		if !validateConnectionID(&s.secret, connectionID, addr, s.now()) {
			s.sendError(conn, addr, transactionID, "invalid connection ID")
			return
		}
		if action == actionAnnounce {
			s.handleAnnounce(ctx, conn, addr, packet, transactionID)
		} else {
			s.handleScrape(ctx, conn, addr, packet, transactionID)
		}

	default:
		// Don't answer loopback health probes with a protocol error
		if addr.IP.IsLoopback() {
			if _, err := conn.WriteTo([]byte("unknown action\n"), addr); err != nil {
				log.Debug().Err(err).Msg("failed to respond to loopback")
			}
			return
		}
		s.sendError(conn, addr, transactionID, "unknown action")
	}
}

// Serve reads incoming UDP packets and dispatches them to handlers in
// goroutines until ctx is cancelled, then waits for in-flight handlers.
func (s *UDPServer) Serve(ctx context.Context, conn *net.UDPConn) error {
	go func() {
		<-ctx.Done()
		_ = conn.Close()
	}()

	for {
		readBuf := getBuffer()

		n, clientAddr, err := conn.ReadFromUDP(*readBuf)
		if err != nil {
			putBuffer(readBuf)
			if ctx.Err() != nil {
				s.wg.Wait()
				return nil
			}
			log.Error().Err(err).Msg("failed to read UDP packet")
			continue
		}

		*readBuf = (*readBuf)[:n]

		s.wg.Add(1)
		go func(addr *net.UDPAddr, buf *[]byte) {
			defer s.wg.Done()
			defer putBuffer(buf)
			s.handlePacket(context.WithoutCancel(ctx), conn, addr, *buf)
		}(clientAddr, readBuf)
	}
}

// Close releases the rate limiter cache.
func (s *UDPServer) Close() {
	s.limiters.Close()
}

// listenUDP creates a UDP listener for the specified network and port
func listenUDP(network string, port int) (*net.UDPConn, error) {
	var ip net.IP
	switch network {
	case "udp4":
		ip = net.IPv4zero
	case "udp6":
		ip = net.IPv6unspecified
	default:
		return nil, &net.AddrError{Err: "unknown network", Addr: network}
	}
	return net.ListenUDP(network, &net.UDPAddr{IP: ip, Port: port})
}
