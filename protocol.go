package main

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/binary"
	"net"
	"time"
)

// Announce contract constants shared by both transports.
const (
	announceInterval    = 1800 // seconds between regular announces
	minAnnounceInterval = 900  // seconds a client must wait at minimum
	stalePeerThreshold  = 5 * time.Minute
	defaultNumWant      = 50
	defaultClientIP     = "127.0.0.1"

	defaultRegistryShards = 64
	janitorInterval       = 10 * time.Minute
)

// Protocol constants for the UDP Tracker Protocol (BEP 15)
// https://bittorrent.org/beps/bep_0015.html
const (
	protocolID = 0x41727101980 // fixed "magic constant"

	actionConnect  = 0
	actionAnnounce = 1
	actionScrape   = 2
	actionError    = 3

	eventNone      = 0 // regular update
	eventCompleted = 1
	eventStarted   = 2
	eventStopped   = 3

	maxPacketSize       = 1500 // typical unfragmented Ethernet frame (MTU)
	maxPeersPerPacketV4 = 200  // IPv4: 200 * 6 peers = 1220 bytes (under 1500 MTU)
	maxPeersPerPacketV6 = 82   // IPv6: 82 * 18 peers = 1496 bytes (under 1500 MTU)

	connectionIDLifetime = 2 * time.Minute // per BEP 15

	rateLimitWindow = 2 * time.Minute // window over which rateLimitBurst connects are allowed
	rateLimitBurst  = 10
)

// deriveSecret turns the configured secret string into the HMAC key.
func deriveSecret(secret string) [32]byte {
	return sha256.Sum256([]byte(secret))
}

// connectionSignature is HMAC-SHA256(secret, ip || timestamp)[0:4].
func connectionSignature(secret *[32]byte, ip net.IP, timestamp uint32) uint32 {
	mac := hmac.New(sha256.New, secret[:])
	mac.Write(ip.To16())
	var tsBytes [4]byte
	binary.BigEndian.PutUint32(tsBytes[:], timestamp)
	mac.Write(tsBytes[:])
	return binary.BigEndian.Uint32(mac.Sum(nil)[:4])
}

// generateConnectionID creates a stateless connection ID using syn-cookie approach
// Connection ID format: [32-bit timestamp][32-bit signature]
func generateConnectionID(secret *[32]byte, addr *net.UDPAddr, now time.Time) uint64 {
	timestamp := uint32(now.Unix()) //nolint:gosec // wraps in 2106
	return uint64(timestamp)<<32 | uint64(connectionSignature(secret, addr.IP, timestamp))
}

// validateConnectionID verifies the syn-cookie signature and checks expiration
func validateConnectionID(secret *[32]byte, id uint64, addr *net.UDPAddr, now time.Time) bool {
	timestamp := uint32(id >> 32)
	if now.Sub(time.Unix(int64(timestamp), 0)) > connectionIDLifetime {
		return false
	}
	return uint32(id) == connectionSignature(secret, addr.IP, timestamp)
}
