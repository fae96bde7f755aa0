package tds

import (
	"encoding/hex"
	"net"
	"strings"
)

// connLogger wraps a transport's net.Conn and hex-dumps every byte
// moved across it, gated by the logDebug bit. It never decides
// whether to log on its own; the mask check happens before it is
// constructed, so an unwrapped net.Conn is used whenever debug
// logging isn't active (no per-byte overhead in the common case).
type connLogger struct {
	net.Conn
	readTag, writeTag     string
	readCount, writeCount uint64
	logger                Logger
}

var _ net.Conn = (*connLogger)(nil)

// newConnLogger wraps conn so every Read/Write is hex-dumped to
// logger, tagged with kind so dumps from different connections can be
// told apart (netDialOpener.Open passes the dialed address).
func newConnLogger(conn net.Conn, kind string, logger Logger) net.Conn {
	if len(kind) > 0 && !strings.HasPrefix(kind, " ") {
		kind = " " + kind
	}
	return &connLogger{
		Conn:     conn,
		readTag:  "R" + kind,
		writeTag: "W" + kind,
		logger:   logger,
	}
}

func (cl *connLogger) Read(p []byte) (n int, err error) {
	n, err = cl.Conn.Read(p)
	if n > 0 {
		cl.logger.Printf("%s %d\n%s", cl.readTag, cl.readCount, hex.Dump(p[:n]))
		cl.readCount += uint64(n)
	}
	return
}

func (cl *connLogger) Write(p []byte) (n int, err error) {
	n, err = cl.Conn.Write(p)
	if n > 0 {
		cl.logger.Printf("%s %d\n%s", cl.writeTag, cl.writeCount, hex.Dump(p[:n]))
		cl.writeCount += uint64(n)
	}
	return
}
