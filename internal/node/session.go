package node

import (
	"encoding/binary"
	"io"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Wire framing constants. Every message is a 5-byte header, a start byte and
// a little-endian body length, followed by the body.
const (
	frameStartByte  = 0x01
	frameHeaderSize = 5
	// MaxMessageSize caps the body length of a single frame.
	MaxMessageSize = 1024 * 1024
)

// SessionID identifies one inbound or outbound connection. Change listeners
// are registered under it.
type SessionID string

// Session is one full-duplex byte stream carrying framed messages. Reads and
// writes are independently serialized so a notification push cannot tear a
// concurrent response frame.
type Session struct {
	id      SessionID
	conn    net.Conn
	readMu  sync.Mutex
	writeMu sync.Mutex

	mu      sync.Mutex
	timeout time.Duration
}

// NewServerSession wraps an accepted connection. The session id is the remote
// "address:port".
func NewServerSession(conn net.Conn, timeout time.Duration) *Session {
	return &Session{
		id:      SessionID(conn.RemoteAddr().String()),
		conn:    conn,
		timeout: timeout,
	}
}

// DialSession opens an outbound session to the given endpoint. Connect
// failures surface as ConnectionFailed.
func DialSession(endpoint NetworkEndpoint, timeout time.Duration) (*Session, error) {
	conn, err := net.DialTimeout("tcp", endpoint.String(), timeout)
	if err != nil {
		return nil, Wrap(ConnectionFailed, err, "session failed to connect to "+endpoint.String())
	}
	// Distinct outbound sessions to the same endpoint still need distinct ids.
	id := SessionID(endpoint.String() + "/" + uuid.NewString()[:8])
	return &Session{id: id, conn: conn, timeout: timeout}, nil
}

// ID returns the stable session identifier.
func (s *Session) ID() SessionID { return s.id }

// KeepAlive marks the session as long-lived, dropping read/write deadlines.
func (s *Session) KeepAlive() {
	s.mu.Lock()
	s.timeout = 0
	s.mu.Unlock()
	_ = s.conn.SetDeadline(time.Time{})
}

func (s *Session) deadline() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.timeout == 0 {
		return time.Time{}
	}
	return time.Now().Add(s.timeout)
}

// Send serializes the message and writes one frame, blocking until the byte
// stream accepts it or fails.
func (s *Session) Send(msg *Message) error {
	body, err := EncodeMessage(msg)
	if err != nil {
		return err
	}
	if len(body) > MaxMessageSize {
		return Errf(BadRequest, "message size %d is over limit", len(body))
	}

	frame := make([]byte, frameHeaderSize+len(body))
	frame[0] = frameStartByte
	binary.LittleEndian.PutUint32(frame[1:frameHeaderSize], uint32(len(body)))
	copy(frame[frameHeaderSize:], body)

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = s.conn.SetWriteDeadline(s.deadline())
	if _, err := s.conn.Write(frame); err != nil {
		return Wrap(ConnectionFailed, err, "session "+string(s.id)+" write failed")
	}
	return nil
}

// Receive reads exactly one frame and decodes it. A clean close before the
// header surfaces as InvalidState; a truncated header or body as
// ProtocolViolation; an oversized body as BadRequest.
func (s *Session) Receive() (*Message, error) {
	s.readMu.Lock()
	defer s.readMu.Unlock()

	_ = s.conn.SetReadDeadline(s.deadline())

	header := make([]byte, frameHeaderSize)
	if _, err := io.ReadFull(s.conn, header); err != nil {
		if err == io.EOF {
			return nil, Errf(InvalidState, "session %s connection is already closed", s.id)
		}
		return nil, Wrap(ProtocolViolation, err, "session "+string(s.id)+" failed to read message header")
	}
	if header[0] != frameStartByte {
		return nil, Errf(ProtocolViolation, "session %s received bad frame start byte 0x%02x", s.id, header[0])
	}

	bodySize := binary.LittleEndian.Uint32(header[1:frameHeaderSize])
	if bodySize > MaxMessageSize {
		return nil, Errf(BadRequest, "session %s message size %d is over limit", s.id, bodySize)
	}

	body := make([]byte, bodySize)
	if _, err := io.ReadFull(s.conn, body); err != nil {
		return nil, Wrap(ProtocolViolation, err, "session "+string(s.id)+" failed to read full message body")
	}
	return DecodeMessage(body)
}

// Close shuts down the underlying connection.
func (s *Session) Close() error {
	return s.conn.Close()
}
