// Package peersession implements one peer connection's lifecycle: dial,
// handshake, the choke/interest/bitfield message loop, and block
// pipelining for a single piece fetch at a time. A session is
// single-threaded internally and never shares its socket.
package peersession

import (
	"bytes"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/gosw/swarmtorrent/bitfield"
	"github.com/gosw/swarmtorrent/handshake"
	"github.com/gosw/swarmtorrent/message"
	"github.com/gosw/swarmtorrent/peer"
)

// Sentinel errors matching the per-session error taxonomy: none of
// these are fatal to the engine, which simply drops the session.
var (
	ErrConnectFailed     = errors.New("peersession: connect failed")
	ErrHandshakeMismatch = errors.New("peersession: handshake info_hash mismatch")
	ErrTimeout           = errors.New("peersession: timeout")
	ErrPeerChoked        = errors.New("peersession: peer choked mid-fetch")
)

const (
	// BlockSize is the size of one pipelined block request.
	BlockSize = 16 * 1024
	// MaxBacklog caps outstanding block requests in flight at once.
	MaxBacklog = 16

	// DefaultConnectTimeout bounds a TCP dial.
	DefaultConnectTimeout = 10 * time.Second
	// DefaultHandshakeTimeout bounds the handshake round trip.
	DefaultHandshakeTimeout = 10 * time.Second
	// DefaultReadTimeout bounds a single message read.
	DefaultReadTimeout = 10 * time.Second
	// chokeBackoff is how long the main loop sleeps while choked before
	// checking again.
	chokeBackoff = 500 * time.Millisecond
)

// state is the session's lifecycle state: Dialing -> Handshaking ->
// Open -> Closed.
type state int

const (
	dialing state = iota
	handshaking
	open
	closed
)

// Session is a single peer connection: its socket and its protocol state
// (choked/interested/bitfield).
type Session struct {
	Peer peer.Peer

	conn         net.Conn
	state        state
	peerChoking  bool
	amInterested bool
	bitfield     bitfield.Bitfield

	connectTimeout   time.Duration
	handshakeTimeout time.Duration
	readTimeout      time.Duration
}

// New creates a session for peer p with default timeouts.
func New(p peer.Peer) *Session {
	return &Session{
		Peer:             p,
		state:            dialing,
		peerChoking:      true,
		connectTimeout:   DefaultConnectTimeout,
		handshakeTimeout: DefaultHandshakeTimeout,
		readTimeout:      DefaultReadTimeout,
	}
}

// Dial opens a TCP connection to the peer with the session's connect
// timeout.
func (s *Session) Dial() error {
	conn, err := net.DialTimeout("tcp", s.Peer.String(), s.connectTimeout)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrConnectFailed, s.Peer, err)
	}
	s.conn = conn
	s.state = handshaking
	return nil
}

// Handshake sends our handshake and reads the peer's, failing if the
// info_hash doesn't match. The peer_id field is informational and never
// validated.
func (s *Session) Handshake(infoHash, peerID [20]byte) error {
	s.conn.SetDeadline(time.Now().Add(s.handshakeTimeout))
	defer s.conn.SetDeadline(time.Time{})

	req := handshake.New(infoHash, peerID)
	if _, err := s.conn.Write(req.Serialize()); err != nil {
		return fmt.Errorf("%w: write: %v", ErrTimeout, err)
	}

	res, err := handshake.Read(s.conn)
	if err != nil {
		return fmt.Errorf("%w: read: %v", ErrTimeout, err)
	}
	if !bytes.Equal(res.InfoHash[:], infoHash[:]) {
		return fmt.Errorf("%w: got %x, want %x", ErrHandshakeMismatch, res.InfoHash, infoHash)
	}

	s.state = open
	return nil
}

// Close performs a best-effort shutdown of the connection. No FIN
// handshake is required.
func (s *Session) Close() {
	s.state = closed
	if s.conn != nil {
		s.conn.Close()
	}
}

// Choked reports whether the peer currently has us choked.
func (s *Session) Choked() bool {
	return s.peerChoking
}

// Bitfield returns the peer's most recently known piece availability.
func (s *Session) Bitfield() bitfield.Bitfield {
	return s.bitfield
}

// SendInterested sends an INTERESTED message, once.
func (s *Session) SendInterested() error {
	if s.amInterested {
		return nil
	}
	if _, err := s.conn.Write(message.NewInterested().Serialize()); err != nil {
		return err
	}
	s.amInterested = true
	return nil
}

// DrainMessages reads and applies inbound messages until timeout
// elapses or budget messages have been consumed, updating choke state
// and bitfield. It does not block waiting for any particular message:
// on a read timeout it returns nil so the caller's main loop can
// re-evaluate (back off if choked, otherwise try a fetch). Callers
// polling opportunistically between piece fetches should pass a short
// timeout; T_read (DefaultReadTimeout) is the ceiling used for reads
// that are actually expecting a reply, inside FetchPiece.
func (s *Session) DrainMessages(budget int, timeout time.Duration) error {
	s.conn.SetReadDeadline(time.Now().Add(timeout))
	defer s.conn.SetReadDeadline(time.Time{})

	for i := 0; i < budget; i++ {
		msg, err := message.Read(s.conn)
		if err != nil {
			if isTimeout(err) {
				return nil
			}
			return fmt.Errorf("%w: %v", ErrTimeout, err)
		}
		if message.IsKeepAlive(msg) {
			continue
		}
		s.applyStatelessMessage(msg)
	}
	return nil
}

// applyStatelessMessage updates session state from a message that isn't
// part of an active piece fetch: choke, unchoke, have, bitfield. Any
// other ID (including one this session doesn't recognize) is ignored.
func (s *Session) applyStatelessMessage(msg *message.Message) {
	switch msg.ID {
	case message.MsgChoke:
		s.peerChoking = true
	case message.MsgUnchoke:
		s.peerChoking = false
	case message.MsgBitfield:
		// Tolerated even if it arrives after unchoke, or isn't the
		// first post-handshake stateful message.
		s.bitfield = append(bitfield.Bitfield{}, msg.Payload...)
	case message.MsgHave:
		if index, err := msg.ParseHave(); err == nil {
			s.bitfield.SetPiece(index)
		}
	}
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// FetchPiece requests every block of piece index/length, issuing up to
// MaxBacklog outstanding requests at a time, and assembles the replies
// into a single buffer. It returns ErrPeerChoked if the peer chokes us
// mid-fetch, discarding any partial progress: the caller must release
// the piece back to the scheduler as Missing.
func (s *Session) FetchPiece(index, length int) ([]byte, error) {
	buf := make([]byte, length)
	numBlocks := (length + BlockSize - 1) / BlockSize
	received := make(map[int]bool, numBlocks)

	requested := 0
	backlog := 0
	downloaded := 0

	fetchDeadline := time.Now().Add(30 * time.Second)
	s.conn.SetDeadline(fetchDeadline)
	defer s.conn.SetDeadline(time.Time{})

	messageBudget := 2 * numBlocks
	for messagesRead := 0; downloaded < length; {
		if s.peerChoking {
			return nil, ErrPeerChoked
		}

		for backlog < MaxBacklog && requested < length {
			blockLen := BlockSize
			if length-requested < blockLen {
				blockLen = length - requested
			}
			req := message.NewRequest(index, requested, blockLen)
			if _, err := s.conn.Write(req.Serialize()); err != nil {
				return nil, fmt.Errorf("%w: request write: %v", ErrTimeout, err)
			}
			backlog++
			requested += blockLen
		}

		if messagesRead >= messageBudget {
			return nil, fmt.Errorf("%w: exhausted message budget for piece %d", ErrTimeout, index)
		}

		readDeadline := time.Now().Add(s.readTimeout)
		if readDeadline.After(fetchDeadline) {
			readDeadline = fetchDeadline
		}
		s.conn.SetReadDeadline(readDeadline)
		msg, err := message.Read(s.conn)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrTimeout, err)
		}
		messagesRead++

		if message.IsKeepAlive(msg) {
			continue
		}

		switch msg.ID {
		case message.MsgChoke:
			s.peerChoking = true
		case message.MsgUnchoke:
			s.peerChoking = false
		case message.MsgHave:
			if i, err := msg.ParseHave(); err == nil {
				s.bitfield.SetPiece(i)
			}
		case message.MsgPiece:
			n, begin, perr := parsePieceBegin(msg, index, buf)
			if perr != nil {
				// Stale piece message for another index, or malformed:
				// dropped silently.
				continue
			}
			if !received[begin] {
				received[begin] = true
				downloaded += n
				backlog--
			}
		}
	}

	return buf, nil
}

// parsePieceBegin parses a PIECE message, returning the begin offset so
// the caller can dedup block arrivals, and silently rejecting messages
// for a different piece index (stale replies from an abandoned fetch).
func parsePieceBegin(msg *message.Message, expectedIndex int, buf []byte) (n, begin int, err error) {
	if len(msg.Payload) < 8 {
		return 0, 0, fmt.Errorf("short piece payload")
	}
	gotIndex := beUint32(msg.Payload[0:4])
	if gotIndex != expectedIndex {
		return 0, 0, fmt.Errorf("stale piece for index %d", gotIndex)
	}
	n, err = msg.ParsePiece(expectedIndex, buf)
	if err != nil {
		return 0, 0, err
	}
	return n, beUint32(msg.Payload[4:8]), nil
}

func beUint32(b []byte) int {
	return int(b[0])<<24 | int(b[1])<<16 | int(b[2])<<8 | int(b[3])
}
