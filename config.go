package tds

import "time"

// Config holds the subset of connection configuration the Session I/O
// Engine needs directly. Everything above framing — server address,
// credentials, TLS, connection-string parsing — is a collaborator's
// concern and is deliberately absent here.
type Config struct {
	// PacketSize is the negotiated TDS packet size in bytes. Must be
	// in [1, maxPacketSize]; 0 selects defaultPacketSize.
	PacketSize int

	// DialTimeout is carried for the caller that opens the transport;
	// NewNetDialOpener does not read it (Open takes its timeout as an
	// argument).
	DialTimeout time.Duration

	// LoginTimeout is carried for the login collaborator; nothing in
	// this package reads it.
	LoginTimeout time.Duration

	// CommandTimeout is carried for the caller that starts operations;
	// the timeout supervisor (C5) does not read it
	// (TimeoutSupervisor.StartOperation takes the deadline as an
	// argument).
	CommandTimeout time.Duration

	// PreferAsync selects cooperative-asynchronous read scheduling
	// when true; sync-over-async blocking reads when false. A session
	// that has recorded any error or warning always reverts to
	// blocking reads regardless of this setting (§4.3).
	PreferAsync bool

	// LogMask gates which diag.Log categories reach ContextLogger.
	LogMask uint64

	Logger        Logger
	ContextLogger ContextLogger
}

func (c *Config) packetSize() int {
	if c == nil || c.PacketSize <= 0 {
		return defaultPacketSize
	}
	return c.PacketSize
}

func (c *Config) preferAsync() bool {
	return c != nil && c.PreferAsync
}
