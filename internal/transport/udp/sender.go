package udp

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	applog "biotap/internal/log"
)

var logSender = applog.Named("UDP Sender")

// ErrSenderClosed is returned by Send after Close.
var ErrSenderClosed = errors.New("udp sender closed")

// writeTimeout bounds a single datagram write. A meter packet that cannot
// leave within it is stale anyway.
const writeTimeout = 100 * time.Millisecond

// SenderStats counts what a UDPSender has put on the wire.
type SenderStats struct {
	Packets uint64
	Bytes   uint64
	Errors  uint64
}

// UDPSender writes meter packets to one connected UDP peer.
type UDPSender struct {
	mu     sync.Mutex // Serializes writes against Close
	conn   *net.UDPConn
	closed bool

	packets atomic.Uint64
	bytes   atomic.Uint64
	errors  atomic.Uint64
}

// NewUDPSender dials targetAddress ("host:port", e.g. "127.0.0.1:9090").
func NewUDPSender(targetAddress string) (*UDPSender, error) {
	raddr, err := net.ResolveUDPAddr("udp", targetAddress)
	if err != nil {
		return nil, fmt.Errorf("resolve meter target %q: %w", targetAddress, err)
	}

	conn, err := net.DialUDP("udp", nil, raddr)
	if err != nil {
		return nil, fmt.Errorf("dial meter target %q: %w", targetAddress, err)
	}

	logSender.Infof("Sending meter packets %s -> %s", conn.LocalAddr(), conn.RemoteAddr())
	return &UDPSender{conn: conn}, nil
}

// Send writes data as one datagram. Failed writes are counted and returned;
// the publisher keeps going on the next interval.
func (s *UDPSender) Send(data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrSenderClosed
	}

	_ = s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	n, err := s.conn.Write(data)
	if err != nil {
		if s.errors.Add(1) == 1 {
			logSender.Warnf("Write to %s failed: %v", s.conn.RemoteAddr(), err)
		}
		return fmt.Errorf("send meter packet: %w", err)
	}

	s.packets.Add(1)
	s.bytes.Add(uint64(n))
	return nil
}

// Stats returns the counters so far.
func (s *UDPSender) Stats() SenderStats {
	return SenderStats{
		Packets: s.packets.Load(),
		Bytes:   s.bytes.Load(),
		Errors:  s.errors.Load(),
	}
}

// Close closes the connection. It is safe to call more than once.
func (s *UDPSender) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true

	st := s.Stats()
	logSender.Infof("Closing %s after %d packets (%d bytes, %d errors)",
		s.conn.RemoteAddr(), st.Packets, st.Bytes, st.Errors)
	if err := s.conn.Close(); err != nil {
		return fmt.Errorf("close meter connection: %w", err)
	}
	return nil
}
