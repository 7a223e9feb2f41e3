package main

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

// per BEP 15, both info_hash and peer_id are 20 bytes
func TestHashID_NewHashID(t *testing.T) {
	t.Run("creates HashID from exactly 20 bytes", func(t *testing.T) {
		data := []byte("12345678901234567890")
		h := NewHashID(data)
		assert.Equal(t, data, h[:])
	})

	t.Run("creates HashID from more than 20 bytes (uses first 20)", func(t *testing.T) {
		h := NewHashID([]byte("12345678901234567890extra"))
		assert.Equal(t, []byte("12345678901234567890"), h[:])
	})
}

// 20 bytes -> 40 hex chars (each byte becomes 2 hex characters)
func TestHashID_String(t *testing.T) {
	var zero HashID
	assert.Equal(t, strings.Repeat("0", 40), zero.String())

	h := NewHashID([]byte{0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07, 0x08, 0x09, 0x0a,
		0x0b, 0x0c, 0x0d, 0x0e, 0x0f, 0x10, 0x11, 0x12, 0x13, 0x14})
	assert.Equal(t, "0102030405060708090a0b0c0d0e0f1011121314", h.String())
}

func TestNormalizeInfoHash(t *testing.T) {
	raw := string([]byte{0x01, 0x23, 0x45, 0x67, 0x89, 0xab, 0xcd, 0xef, 0x01, 0x23,
		0x45, 0x67, 0x89, 0xab, 0xcd, 0xef, 0x01, 0x23, 0x45, 0x67})

	tests := []struct {
		name string
		in   string
		want string
	}{
		{"raw 20 bytes", raw, testHash},
		{"lowercase hex", testHash, testHash},
		{"uppercase hex", strings.ToUpper(testHash), testHash},
		{"40 chars not hex", strings.Repeat("z", 40), strings.Repeat("z", 40)},
		{"other length kept", "abc", "abc"},
		{"empty", "", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, normalizeInfoHash(tt.in))
		})
	}
}

func TestParseEvent(t *testing.T) {
	tests := map[string]Event{
		"started":   EventStarted,
		"stopped":   EventStopped,
		"completed": EventCompleted,
		"":          EventEmpty,
		"empty":     EventEmpty,
		"paused":    EventEmpty,
		"STARTED":   EventEmpty,
	}
	for in, want := range tests {
		assert.Equal(t, want, parseEvent(in), "parseEvent(%q)", in)
	}
}

func TestUDPEvent(t *testing.T) {
	assert.Equal(t, EventEmpty, udpEvent(eventNone))
	assert.Equal(t, EventCompleted, udpEvent(eventCompleted))
	assert.Equal(t, EventStarted, udpEvent(eventStarted))
	assert.Equal(t, EventStopped, udpEvent(eventStopped))
	assert.Equal(t, EventEmpty, udpEvent(99))
}

func TestPeer_IsSeeder(t *testing.T) {
	assert.True(t, Peer{Left: 0}.IsSeeder())
	assert.False(t, Peer{Left: 1}.IsSeeder())
}
