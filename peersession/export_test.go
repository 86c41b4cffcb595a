package peersession

import "net"

// SetConnForTest installs conn directly, skipping Dial, so tests can
// drive a session over a net.Pipe.
func (s *Session) SetConnForTest(conn net.Conn) {
	s.conn = conn
	s.state = open
}

// SetChokedForTest forces the peer-choking flag for fetch tests that
// don't want to run the full unchoke handshake.
func (s *Session) SetChokedForTest(choked bool) {
	s.peerChoking = choked
}
