package main

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func testSecret() *[32]byte {
	s := deriveSecret("test-secret")
	return &s
}

func TestGenerateConnectionID(t *testing.T) {
	addr := &net.UDPAddr{IP: net.ParseIP("192.168.1.1"), Port: 6881}
	now := time.Unix(1_700_000_000, 0)
	id := generateConnectionID(testSecret(), addr, now)

	assert.Equal(t, uint32(now.Unix()), uint32(id>>32), "timestamp in the high 32 bits")
	assert.Equal(t, id, generateConnectionID(testSecret(), addr, now), "deterministic for the same inputs")
}

func TestValidateConnectionID(t *testing.T) {
	addr := &net.UDPAddr{IP: net.ParseIP("192.168.1.1"), Port: 6881}
	now := time.Unix(1_700_000_000, 0)
	id := generateConnectionID(testSecret(), addr, now)

	t.Run("valid", func(t *testing.T) {
		assert.True(t, validateConnectionID(testSecret(), id, addr, now.Add(30*time.Second)))
	})

	t.Run("at lifetime boundary", func(t *testing.T) {
		assert.True(t, validateConnectionID(testSecret(), id, addr, now.Add(connectionIDLifetime)))
	})

	t.Run("expired", func(t *testing.T) {
		// BEP 15 specifies 2-minute expiration
		assert.False(t, validateConnectionID(testSecret(), id, addr, now.Add(3*time.Minute)))
	})

	t.Run("invalid signature", func(t *testing.T) {
		invalid := (id & 0xFFFFFFFF00000000) | uint64(^uint32(id))
		assert.False(t, validateConnectionID(testSecret(), invalid, addr, now))
	})

	t.Run("different IP", func(t *testing.T) {
		other := &net.UDPAddr{IP: net.ParseIP("192.168.1.2"), Port: 6881}
		assert.False(t, validateConnectionID(testSecret(), id, other, now))
	})

	t.Run("different port same IP", func(t *testing.T) {
		other := &net.UDPAddr{IP: net.ParseIP("192.168.1.1"), Port: 51413}
		assert.True(t, validateConnectionID(testSecret(), id, other, now))
	})

	t.Run("wrong secret", func(t *testing.T) {
		other := deriveSecret("secret-B")
		assert.False(t, validateConnectionID(&other, id, addr, now))
	})
}

func TestConnectionID_IPv6(t *testing.T) {
	addr := &net.UDPAddr{IP: net.ParseIP("2001:db8::1"), Port: 6881}
	now := time.Now()
	id := generateConnectionID(testSecret(), addr, now)
	assert.True(t, validateConnectionID(testSecret(), id, addr, now))
}

func TestBufferPool(t *testing.T) {
	t.Run("getBuffer returns buffer with sufficient capacity", func(t *testing.T) {
		buf := getBuffer()
		assert.NotNil(t, buf)
		assert.GreaterOrEqual(t, cap(*buf), maxPacketSize)
		assert.Equal(t, cap(*buf), len(*buf))
		putBuffer(buf)
	})

	t.Run("putBuffer resets slice length", func(t *testing.T) {
		buf := getBuffer()
		putBuffer(buf)
		assert.Empty(t, *buf)
	})
}
