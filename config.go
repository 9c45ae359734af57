// Package libtorrent is the root package: it defines the swarm-wide
// configuration the host supplies and wires every subsystem into the
// Swarm orchestrator of spec §4.9.
package libtorrent

import (
	"crypto/rand"
	"time"
)

// Config is the host-supplied, mostly-static configuration for one
// swarm (spec §6 "host parameters" minus the frequently-changing ones
// pulled at announce time, which live in tracker.Parameters).
type Config struct {
	InfoHash [20]byte
	PeerID   [20]byte
	Port     uint16

	PieceCount int
	PieceSize  int
	LastSize   int

	MinPeers int
	MaxPeers int

	UploadBytesPerSec   float64
	DownloadBytesPerSec float64
	Burst               int

	RegularChokeInterval    time.Duration
	OptimisticChokeInterval time.Duration
	ReactorTick             time.Duration
	PeerIdleTimeout         time.Duration
	HandshakeTimeout        time.Duration

	// PipeBase, PipeGranularity, PipeMin, PipeMax parameterize spec
	// §4.4's pipe_size(rate) = clamp(base + rate/granularity, min, max).
	PipeBase        int
	PipeGranularity int
	PipeMin         int
	PipeMax         int
}

// DefaultConfig fills in the timing constants spec §4.5/§5 name, leaving
// identity and sizing fields for the caller to set.
func DefaultConfig() Config {
	return Config{
		MinPeers:                30,
		MaxPeers:                200,
		Burst:                   1 << 16,
		RegularChokeInterval:    10 * time.Second,
		OptimisticChokeInterval: 30 * time.Second,
		ReactorTick:             1 * time.Second,
		PeerIdleTimeout:         120 * time.Second,
		HandshakeTimeout:        30 * time.Second,
		PipeBase:                2,
		PipeGranularity:         1 << 14,
		PipeMin:                 2,
		PipeMax:                 300,
	}
}

// NewKey generates the 4-byte per-session tracker nonce spec §3 names,
// via crypto/rand, once per Swarm and reused across every tracker and
// re-announce (SPEC_FULL §3: matches BEP 3's intent that key identify
// the client across IP changes).
func NewKey() (uint32, error) {
	var b [4]byte
	if _, err := rand.Read(b[:]); err != nil {
		return 0, err
	}
	return uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3]), nil
}
