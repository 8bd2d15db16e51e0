// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2022 mochi-mqtt, mochi-co
// SPDX-FileContributor: mochi-co

package mqtt

import (
	"bufio"
	"errors"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"
	"weak"

	"github.com/rs/xid"

	"github.com/tinybroker/server/mempool"
	"github.com/tinybroker/server/packets"
)

const (
	// defaultKeepalive is the read deadline in seconds applied before a CONNECT arrives.
	defaultKeepalive uint16 = 10
)

var (
	ErrSessionClosed               = errors.New("session closed")                                // the session has reached the closed state
	ErrPendingClientWritesExceeded = errors.New("too many pending writes")                       // the outbound queue of a session is full
	ErrSessionNotConnecting        = errors.New("session is not in the connecting state")        // promote called on a connected or closed session
	ErrKeepaliveExpired            = errors.New("keepalive expired without receiving a packet") // the watchdog closed an idle session
)

// SessionState is the position of a session in its lifecycle.
type SessionState int32

const (
	StateConnecting SessionState = iota // accepted by a listener, awaiting CONNECT
	StateConnected                      // CONNECT accepted, CONNACK issued
	StateClosed                         // terminal
)

// String returns the name of the state.
func (st SessionState) String() string {
	switch st {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// SessionConnection contains the connection transport and metadata for a session.
type SessionConnection struct {
	Conn     net.Conn      // the net.Conn used to establish the connection
	bconn    *bufio.Reader // a buffered reader over Conn
	Remote   string        // the remote address of the client
	Listener string        // the listener id the session was accepted on
}

// SessionProperties contains the values taken from the CONNECT packet.
type SessionProperties struct {
	Username        []byte
	Connected       int64 // unix time the session was promoted
	Keepalive       uint16
	ProtocolVersion byte
	Clean           bool
}

// stopCause wraps the error given to Close so it can be stored atomically.
type stopCause struct {
	err error
}

// Session is one client connection known to the broker. The *Session pointer
// is the session handle: it is comparable and stable for the whole lifetime
// of the connection, and may be used as a map key.
type Session struct {
	Properties  SessionProperties
	Net         SessionConnection
	ID          string // the client identifier
	Handle      string // a unique id for this connection, distinct from the client id
	ops         *ops
	onClose     func(*Session, error)
	outbound    chan packets.Packet
	done        chan struct{}
	watchdog    atomic.Pointer[keepaliveWatchdog]
	stopCause   atomic.Value
	closeOnce   sync.Once
	releaseOnce sync.Once
	writeMu     sync.Mutex
	state       atomic.Int32
	outboundQty atomic.Int32
	packetID    atomic.Uint32
	lastSeen    atomic.Int64
	closedAt    atomic.Int64
}

// newSession returns a new session in the Connecting state.
func newSession(c net.Conn, listener string, o *ops) *Session {
	s := &Session{
		Handle: xid.New().String(),
		Net: SessionConnection{
			Conn:     c,
			Listener: listener,
		},
		Properties: SessionProperties{
			Keepalive: defaultKeepalive,
		},
		ops:      o,
		outbound: make(chan packets.Packet, o.options.Capabilities.MaximumClientWritesPending),
		done:     make(chan struct{}),
	}

	if c != nil {
		s.Net.bconn = bufio.NewReaderSize(c, o.options.ClientNetReadBufferSize)
		if c.RemoteAddr() != nil {
			s.Net.Remote = c.RemoteAddr().String()
		}
	}

	s.lastSeen.Store(time.Now().UnixNano())

	return s
}

// State returns the current lifecycle state of the session.
func (s *Session) State() SessionState {
	return SessionState(s.state.Load())
}

// Closed returns true if the session has been closed.
func (s *Session) Closed() bool {
	return s.State() == StateClosed
}

// Done returns a channel which is closed when the session closes.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// StopCause returns the error given when the session was closed.
func (s *Session) StopCause() error {
	if v, ok := s.stopCause.Load().(stopCause); ok {
		return v.err
	}
	return nil
}

// Ref returns a weak reference to the session.
func (s *Session) Ref() SessionRef {
	return SessionRef{ptr: weak.Make(s)}
}

// Promote moves a Connecting session to Connected, recording the identity
// values taken from the CONNECT packet. An empty client id is replaced with a
// generated one.
func (s *Session) Promote(clientID string, clean bool, keepalive uint16) error {
	if s.State() != StateConnecting {
		return ErrSessionNotConnecting
	}

	if clientID == "" {
		clientID = xid.New().String() // [MQTT-3.1.3-6] [MQTT-3.1.3-7]
	}

	s.ID = clientID
	s.Properties.Clean = clean
	s.Properties.Keepalive = keepalive
	s.Properties.Connected = time.Now().Unix()

	if !s.state.CompareAndSwap(int32(StateConnecting), int32(StateConnected)) {
		return ErrSessionNotConnecting
	}

	return nil
}

// NextPacketID returns the next packet id for an outbound qos > 0 publish,
// wrapping from 65535 back to 1.
func (s *Session) NextPacketID() uint16 {
	for {
		i := s.packetID.Load()
		next := i + 1
		if next > 65535 {
			next = 1
		}

		if s.packetID.CompareAndSwap(i, next) {
			return uint16(next)
		}
	}
}

// PublishOut queues a publish packet for delivery to the client. It never
// blocks; if the outbound queue is full the message is not queued and
// ErrPendingClientWritesExceeded is returned.
func (s *Session) PublishOut(topic string, payload []byte, qos byte) error {
	if s.State() != StateConnected {
		return ErrSessionClosed
	}

	pk := packets.Packet{
		FixedHeader: packets.FixedHeader{
			Type: packets.Publish,
			Qos:  qos,
		},
		TopicName: topic,
		Payload:   payload,
		Created:   time.Now().Unix(),
	}

	if qos > 0 {
		pk.PacketID = s.NextPacketID()
	}

	s.outboundQty.Add(1)
	select {
	case s.outbound <- pk:
		return nil
	default:
		s.outboundQty.Add(-1)
		return ErrPendingClientWritesExceeded
	}
}

// PendingWrites returns the number of packets waiting in the outbound queue.
func (s *Session) PendingWrites() int32 {
	return s.outboundQty.Load()
}

// WriteLoop drains the outbound queue to the connection until the session closes.
func (s *Session) WriteLoop() {
	for {
		select {
		case <-s.done:
			return
		case pk := <-s.outbound:
			s.outboundQty.Add(-1)
			if err := s.WritePacket(pk); err != nil {
				s.ops.log.Debug("failed publishing packet", "error", err, "client", s.ID, "packet", pk)
			}
		}
	}
}

// WritePacket encodes and writes a packet directly to the client connection.
func (s *Session) WritePacket(pk packets.Packet) error {
	if s.Closed() {
		return ErrSessionClosed
	}

	if s.Net.Conn == nil {
		return ErrConnectionClosed
	}

	buf := mempool.GetBuffer()
	defer mempool.PutBuffer(buf)
	if err := pk.Encode(buf); err != nil {
		return err
	}

	if maxSize := s.ops.options.Capabilities.MaximumPacketSize; maxSize > 0 && uint32(buf.Len()) > maxSize {
		return packets.ErrPacketTooLarge
	}

	s.writeMu.Lock()
	n, err := s.Net.Conn.Write(buf.Bytes())
	s.writeMu.Unlock()
	if err != nil {
		return err
	}

	atomic.AddInt64(&s.ops.info.BytesSent, int64(n))
	atomic.AddInt64(&s.ops.info.PacketsSent, 1)
	if pk.FixedHeader.Type == packets.Publish {
		atomic.AddInt64(&s.ops.info.MessagesSent, 1)
	}

	s.ops.hooks.OnPacketSent(s, pk, buf.Bytes())

	return nil
}

// refreshDeadline sets the connection read deadline to 1.5 times the keepalive.
func (s *Session) refreshDeadline(keepalive uint16) {
	if s.Net.Conn == nil {
		return
	}

	var expiry time.Time // a zero time disables the deadline when keepalive is 0
	if keepalive > 0 {
		expiry = time.Now().Add(time.Duration(keepalive+(keepalive/2)) * time.Second) // [MQTT-3.1.2-22]
	}
	_ = s.Net.Conn.SetReadDeadline(expiry)
}

// ReadFixedHeader reads in the values of the next packet's fixed header.
func (s *Session) ReadFixedHeader(fh *packets.FixedHeader) error {
	if s.Net.bconn == nil {
		return ErrConnectionClosed
	}

	b, err := s.Net.bconn.ReadByte()
	if err != nil {
		return err
	}

	err = fh.Decode(b)
	if err != nil {
		return err
	}

	n, bu, err := packets.DecodeLength(s.Net.bconn)
	if err != nil {
		return err
	}

	atomic.AddInt64(&s.ops.info.BytesReceived, int64(bu+1))

	if maxSize := s.ops.options.Capabilities.MaximumPacketSize; maxSize > 0 && uint32(n+bu+1) > maxSize {
		return packets.ErrPacketTooLarge
	}

	fh.Remaining = n
	return nil
}

// ReadPacket reads the remaining buffer into an MQTT packet.
func (s *Session) ReadPacket(fh *packets.FixedHeader) (pk packets.Packet, err error) {
	atomic.AddInt64(&s.ops.info.PacketsReceived, 1)

	pk.FixedHeader = *fh
	pk.Created = time.Now().Unix()

	var buf []byte
	if pk.FixedHeader.Remaining > 0 {
		buf = make([]byte, pk.FixedHeader.Remaining)
		n, err := io.ReadFull(s.Net.bconn, buf)
		if err != nil {
			return pk, err
		}
		atomic.AddInt64(&s.ops.info.BytesReceived, int64(n))
	}

	if pk.FixedHeader.Type == packets.Publish {
		atomic.AddInt64(&s.ops.info.MessagesReceived, 1)
	}

	err = pk.Decode(buf)
	if err != nil {
		return pk, err
	}

	s.ops.hooks.OnPacketRead(s, pk)

	return pk, nil
}

// Read reads packets from the connection and passes each to the handler,
// until the connection fails, the handler returns an error, or the session
// is closed.
func (s *Session) Read(h func(*Session, packets.Packet) error) error {
	for {
		if s.Closed() {
			return nil
		}

		s.refreshDeadline(s.Properties.Keepalive)
		fh := new(packets.FixedHeader)
		err := s.ReadFixedHeader(fh)
		if err != nil {
			return err
		}

		pk, err := s.ReadPacket(fh)
		if err != nil {
			return err
		}

		s.lastSeen.Store(time.Now().UnixNano())

		err = h(s, pk)
		if err != nil {
			return err
		}
	}
}

// Close moves the session to the Closed state, closes the connection and runs
// the release callback. Close is idempotent; only the first cause is kept.
func (s *Session) Close(cause error) {
	s.closeOnce.Do(func() {
		s.stopCause.Store(stopCause{err: cause})
		s.closedAt.Store(time.Now().Unix())
		s.state.Store(int32(StateClosed))
		close(s.done)

		if w := s.watchdog.Load(); w != nil {
			w.stop()
		}

		if s.Net.Conn != nil {
			_ = s.Net.Conn.Close()
		}

		if s.onClose != nil {
			s.onClose(s, cause)
		}
	})
}

// SessionRef is a weak reference to a session, held by deferred handlers
// which must not keep a session alive.
type SessionRef struct {
	ptr weak.Pointer[Session]
}

// Resolve returns the referenced session if it is still live. It fails if the
// session has been garbage collected or has been closed.
func (r SessionRef) Resolve() (*Session, bool) {
	s := r.ptr.Value()
	if s == nil || s.Closed() {
		return nil, false
	}

	return s, true
}

// keepaliveWatchdog closes a session which has not sent a packet within
// 1.5 times its keepalive. It holds only a weak reference to the session.
type keepaliveWatchdog struct {
	mu     sync.Mutex
	ref    SessionRef
	period time.Duration
	timer  *time.Timer
}

// startWatchdog attaches a keepalive watchdog to the session. A keepalive of
// zero disables the watchdog.
func startWatchdog(s *Session) {
	if s.Properties.Keepalive == 0 {
		return
	}

	ka := s.Properties.Keepalive
	w := &keepaliveWatchdog{
		ref:    s.Ref(),
		period: time.Duration(ka+(ka/2)) * time.Second,
	}

	w.mu.Lock()
	w.timer = time.AfterFunc(w.period, w.check)
	w.mu.Unlock()

	s.watchdog.Store(w)
}

// check closes the session if it has been idle for a full period, or re-arms.
func (w *keepaliveWatchdog) check() {
	s, ok := w.ref.Resolve()
	if !ok {
		return
	}

	idle := time.Since(time.Unix(0, s.lastSeen.Load()))
	if idle >= w.period {
		s.ops.log.Debug("keepalive expired", "client", s.ID, "remote", s.Net.Remote, "idle", idle)
		s.Close(ErrKeepaliveExpired)
		return
	}

	w.mu.Lock()
	w.timer.Reset(w.period - idle)
	w.mu.Unlock()
}

// stop halts the watchdog timer.
func (w *keepaliveWatchdog) stop() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer != nil {
		w.timer.Stop()
	}
}
