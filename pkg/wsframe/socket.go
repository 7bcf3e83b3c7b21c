package wsframe

import (
	"sync"
	"time"

	"github.com/corepeer/peersync/pkg/mailbox"
)

// Role distinguishes client sockets (which mask outgoing frames) from
// server sockets (which never mask).
type Role int

const (
	RoleClient Role = iota
	RoleServer
)

// CloseReason classifies how a socket ended, mirroring the "reason" field
// delivered to onWebSocketClose.
type CloseReason int

const (
	ReasonWebSocketClose CloseReason = iota // a CLOSE frame was involved
	ReasonNetwork                           // transport EOF/timeout with no CLOSE frame
)

// CloseInfo is delivered to Delegate.OnClose exactly once per socket.
type CloseInfo struct {
	Reason  CloseReason
	Code    int
	Message string
}

// Delegate receives socket lifecycle and message events. Every call is
// dispatched through the socket's own receiver mailbox, so callbacks for
// the same socket are always serialized and never run concurrently with
// each other, even when OnReceive/OnConnect/OnClose are driven from
// different transport goroutines.
type Delegate interface {
	OnConnect()
	OnTextMessage(data []byte)
	OnBinaryMessage(data []byte)
	OnWriteable()
	OnClose(info CloseInfo)
}

// Transport is the byte-stream sink a Socket writes encoded frames to, and
// the handle it closes when the connection is torn down. Callers are
// expected to feed inbound bytes to Socket.OnReceive and forward
// transport-level completion/teardown notices to OnWriteComplete/OnClose.
type Transport interface {
	SendBytes(data []byte) error
	Close() error
}

// Socket implements the RFC 6455 framing state machine over an abstract
// Transport. All exported methods are safe for concurrent use; the
// internal mutex is released before any call into the Transport or
// Delegate to avoid re-entrancy deadlocks, matching the concurrency model.
type Socket struct {
	role      Role
	transport Transport
	delegate  Delegate
	mb        *mailbox.Mailbox

	heartbeat   time.Duration
	pongTimeout time.Duration
	closeWait   time.Duration
	connectWait time.Duration

	mu             sync.Mutex
	didConnect     bool
	closed         bool
	closeSent      bool
	closeReceived  bool
	protocolErrVal bool
	timedOut       bool
	closeNotified  bool

	bytesSent     int64
	bytesReceived int64
	bufferedBytes int

	curOpCode Opcode
	curMsg    []byte
	hasCurMsg bool

	// recvMu serializes OnReceive calls so frame parsing over recvBuf never
	// interleaves. A real transport drives OnReceive from a single reader
	// goroutine, but this guards any caller (e.g. the in-memory test pipe)
	// that might deliver concurrently.
	recvMu  sync.Mutex
	recvBuf []byte

	connectTimer *time.Timer
	pingTimer    *time.Timer
	pongTimer    *time.Timer
	closeTimer   *time.Timer
}

// Options configures a Socket's timing. Zero values select the defaults
// from WebSocketImpl.cc.
type Options struct {
	Heartbeat   time.Duration
	PongTimeout time.Duration
	CloseWait   time.Duration
	ConnectWait time.Duration

	// Scheduler supplies the worker pool the socket's receiver mailbox runs
	// on. Nil selects a package-wide default scheduler, shared across every
	// Socket constructed without one (tests, pipe.go); a caller wiring a
	// real daemon should pass its own Scheduler so mailbox queue depth for
	// socket dispatch shows up in that Scheduler's Stats().
	Scheduler *mailbox.Scheduler
}

var (
	defaultSchedulerOnce sync.Once
	defaultScheduler     *mailbox.Scheduler
)

func fallbackScheduler() *mailbox.Scheduler {
	defaultSchedulerOnce.Do(func() {
		defaultScheduler = mailbox.NewScheduler(0)
	})
	return defaultScheduler
}

// NewSocket constructs a Socket. The Transport and Delegate must both be
// non-nil. Delegate callbacks run serialized on a private Mailbox so
// concurrent transport events (a read loop, a write-completion callback, a
// timer firing) never invoke the delegate concurrently with itself.
func NewSocket(role Role, transport Transport, delegate Delegate, opts Options) *Socket {
	sched := opts.Scheduler
	if sched == nil {
		sched = fallbackScheduler()
	}
	s := &Socket{
		role:        role,
		transport:   transport,
		delegate:    delegate,
		heartbeat:   orDefault(opts.Heartbeat, DefaultHeartbeat),
		pongTimeout: orDefault(opts.PongTimeout, DefaultPongTimeout),
		closeWait:   orDefault(opts.CloseWait, DefaultCloseWait),
		connectWait: orDefault(opts.ConnectWait, DefaultConnectWait),
	}
	s.mb = sched.NewMailbox("wsframe-socket")
	return s
}

func orDefault(v, def time.Duration) time.Duration {
	if v <= 0 {
		return def
	}
	return v
}

// Connect arms the connect timeout. The transport subclass/caller must
// call OnConnect once the handshake completes.
func (s *Socket) Connect() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connectTimer = time.AfterFunc(s.connectWait, s.onConnectTimeout)
}

func (s *Socket) onConnectTimeout() {
	s.mu.Lock()
	if s.didConnect || s.closed {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()
	s.finishClose(CloseInfo{Reason: ReasonNetwork, Code: 408, Message: "connect timeout"})
}

// OnConnect notifies the socket that the underlying transport handshake
// completed: it stops the connect timer, starts the heartbeat, and
// notifies the delegate.
func (s *Socket) OnConnect() {
	s.mu.Lock()
	if s.connectTimer != nil {
		s.connectTimer.Stop()
	}
	s.didConnect = true
	s.schedulePingLocked()
	s.mu.Unlock()

	s.mb.Enqueue(s.delegate.OnConnect)
}

func (s *Socket) schedulePingLocked() {
	if s.pingTimer != nil {
		s.pingTimer.Stop()
	}
	s.pingTimer = time.AfterFunc(s.heartbeat, s.sendPing)
}

func (s *Socket) sendPing() {
	s.mu.Lock()
	if s.closed || s.closeSent {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	_ = s.sendFrame(OpPing, nil)

	s.mu.Lock()
	s.pongTimer = time.AfterFunc(s.pongTimeout, s.onPongTimeout)
	s.mu.Unlock()
}

func (s *Socket) onPongTimeout() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.timedOut = true
	s.mu.Unlock()

	s.finishClose(CloseInfo{Reason: ReasonNetwork, Code: 408, Message: "pong timeout"})
}

// Send frames payload and hands it to the transport. binary selects the
// BINARY opcode; otherwise TEXT. It returns false once bufferedBytes
// exceeds SendBufferSize, signalling the caller to pause sending;
// OnWriteComplete later fires OnWriteable once the buffer drains.
// Messages sent after a local close has been sent are silently dropped.
func (s *Socket) Send(payload []byte, binary bool) (writable bool) {
	op := OpText
	if binary {
		op = OpBinary
	}

	s.mu.Lock()
	if s.closeSent || s.closed {
		s.mu.Unlock()
		return false
	}
	s.mu.Unlock()

	if err := s.sendFrame(op, payload); err != nil {
		return false
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bufferedBytes <= SendBufferSize
}

// sendFrame encodes and writes a single unfragmented frame, tracking
// bufferedBytes. The lock is released before the transport call so a slow
// Transport.SendBytes can't block other socket operations.
func (s *Socket) sendFrame(op Opcode, payload []byte) error {
	masked := s.role == RoleClient
	frame, err := EncodeFrame(op, payload, true, masked)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.bufferedBytes += len(frame)
	s.mu.Unlock()

	if err := s.transport.SendBytes(frame); err != nil {
		return err
	}

	s.mu.Lock()
	s.bytesSent += int64(len(frame))
	s.mu.Unlock()
	return nil
}

// OnWriteComplete reports that n bytes of previously-sent frame data left
// the transport; once bufferedBytes drops at/below the threshold the
// delegate is notified it may write more. If the close echo has fully
// drained and a local close is pending, the socket is torn down.
func (s *Socket) OnWriteComplete(n int) {
	s.mu.Lock()
	s.bufferedBytes -= n
	if s.bufferedBytes < 0 {
		s.bufferedBytes = 0
	}
	drained := s.bufferedBytes <= SendBufferSize
	closeSent := s.closeSent
	closeReceived := s.closeReceived
	s.mu.Unlock()

	if drained {
		s.mb.Enqueue(s.delegate.OnWriteable)
	}
	if closeSent && closeReceived {
		s.closeTransport()
	}
}

// Close initiates an active close: sends a CLOSE frame and starts the
// close-echo timer. If the socket never connected, it short-circuits
// straight to a local onWebSocketClose.
func (s *Socket) Close(status int, msg string) {
	s.mu.Lock()
	if !s.didConnect {
		s.mu.Unlock()
		s.finishClose(CloseInfo{Reason: ReasonWebSocketClose, Code: status, Message: msg})
		return
	}
	if s.closeSent || s.closed {
		s.mu.Unlock()
		return
	}
	s.closeSent = true
	s.mu.Unlock()

	payload := FormatClosePayload(CloseStatus{Code: status, Reason: msg})
	_ = s.sendFrame(OpClose, payload)

	s.mu.Lock()
	s.closeTimer = time.AfterFunc(s.closeWait, s.onCloseTimeout)
	s.mu.Unlock()
}

func (s *Socket) onCloseTimeout() {
	s.finishClose(CloseInfo{Reason: ReasonNetwork, Code: 1006, Message: "close echo timeout"})
}

// OnReceive feeds newly-arrived transport bytes to the frame decoder,
// dispatching complete frames as they're parsed.
func (s *Socket) OnReceive(data []byte) {
	s.recvMu.Lock()
	defer s.recvMu.Unlock()

	s.mu.Lock()
	s.bytesReceived += int64(len(data))
	s.mu.Unlock()
	s.recvBuf = append(s.recvBuf, data...)

	for {
		pf, ok, err := parseFrame(s.recvBuf)
		if err != nil {
			s.protocolError()
			return
		}
		if !ok {
			return
		}
		s.recvBuf = s.recvBuf[pf.size:]

		if !s.handleFragment(pf) {
			return
		}
	}
}

// handleFragment processes one decoded frame per the state machine: it
// reassembles fragmented messages, validates size and UTF-8, and dispatches
// control frames. It returns false (and has already torn the socket down)
// on any protocol violation.
func (s *Socket) handleFragment(pf parsedFrame) bool {
	switch pf.op {
	case OpPing:
		_ = s.sendFrame(OpPong, pf.payload)
		return true

	case OpPong:
		s.mu.Lock()
		if s.pongTimer != nil {
			s.pongTimer.Stop()
		}
		s.mu.Unlock()
		return true

	case OpClose:
		s.receivedClose(pf.payload)
		return false

	case OpText, OpBinary, OpContinuation:
		return s.handleDataFragment(pf)

	default:
		s.protocolError()
		return false
	}
}

func (s *Socket) handleDataFragment(pf parsedFrame) bool {
	s.mu.Lock()
	if pf.op == OpContinuation {
		if !s.hasCurMsg {
			s.mu.Unlock()
			s.protocolError()
			return false
		}
	} else {
		if s.hasCurMsg {
			s.mu.Unlock()
			s.protocolError()
			return false
		}
		s.hasCurMsg = true
		s.curOpCode = pf.op
		s.curMsg = s.curMsg[:0]
	}

	if len(s.curMsg)+len(pf.payload) > MaxMessageSize {
		s.mu.Unlock()
		s.protocolError()
		return false
	}
	s.curMsg = append(s.curMsg, pf.payload...)

	if !pf.fin {
		s.mu.Unlock()
		return true
	}

	msg := make([]byte, len(s.curMsg))
	copy(msg, s.curMsg)
	op := s.curOpCode
	s.hasCurMsg = false
	s.curMsg = nil
	s.mu.Unlock()

	if op == OpText && !ValidateUTF8(msg) {
		s.protocolError()
		return false
	}

	if op == OpText {
		s.mb.Enqueue(func() { s.delegate.OnTextMessage(msg) })
	} else {
		s.mb.Enqueue(func() { s.delegate.OnBinaryMessage(msg) })
	}
	return true
}

// receivedClose handles an incoming CLOSE frame: echo it (first time), stop
// timers, and finish the socket once both sides have exchanged CLOSE.
func (s *Socket) receivedClose(payload []byte) {
	status, valid := ParseClosePayload(payload)
	if !valid {
		s.protocolError()
		return
	}

	s.mu.Lock()
	alreadySent := s.closeSent
	s.closeReceived = true
	if s.closeTimer != nil {
		s.closeTimer.Stop()
	}
	if s.pingTimer != nil {
		s.pingTimer.Stop()
	}
	if s.pongTimer != nil {
		s.pongTimer.Stop()
	}
	s.mu.Unlock()

	if !alreadySent {
		_ = s.sendFrame(OpClose, FormatClosePayload(status))
		s.mu.Lock()
		s.closeSent = true
		s.mu.Unlock()
	}

	clean := status.Code == 0 || status.Code == 1000 || status.Code == 1001
	code := status.Code
	if code == 0 {
		code = 1000
	}
	if !clean {
		s.finishClose(CloseInfo{Reason: ReasonWebSocketClose, Code: code, Message: status.Reason})
		return
	}
	s.finishClose(CloseInfo{Reason: ReasonWebSocketClose, Code: code, Message: status.Reason})
}

// protocolError marks the socket failed and tears it down with an
// appropriate close code, matching handleFragment's "returns false on any
// violation; caller enters error state and tears down the socket."
func (s *Socket) protocolError() {
	s.mu.Lock()
	s.protocolErrVal = true
	s.mu.Unlock()
	s.finishClose(CloseInfo{Reason: ReasonWebSocketClose, Code: 1002, Message: "protocol error"})
}

// OnCloseRequested notifies the socket that the transport itself is being
// torn down by its peer or owner before any CLOSE frame was exchanged.
func (s *Socket) OnCloseRequested() {
	s.finishClose(CloseInfo{Reason: ReasonNetwork, Code: 1006, Message: "transport closed"})
}

// OnClose notifies the socket that the transport connection ended. If no
// CLOSE frame was ever received, the status is abnormal (1006), per the
// failure semantics for EOF-without-CLOSE.
func (s *Socket) OnClose(transportErr error) {
	s.mu.Lock()
	gotClose := s.closeReceived
	s.mu.Unlock()

	if gotClose {
		s.closeTransport()
		return
	}

	msg := "connection closed"
	if transportErr != nil {
		msg = transportErr.Error()
	}
	s.finishClose(CloseInfo{Reason: ReasonNetwork, Code: 1006, Message: msg})
}

// closeTransport physically closes the transport once both close frames
// have been exchanged and flushed, matching "closing-local: recv CLOSE ->
// close transport" and "closing-remote: local echo flushed -> close
// transport."
func (s *Socket) closeTransport() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()

	_ = s.transport.Close()
	s.finishClose(CloseInfo{Reason: ReasonWebSocketClose, Code: 1000})
}

// finishClose stops all timers, ensures the transport is closed, and
// notifies the delegate exactly once — the invariant that "onWebSocketClose
// is invoked exactly once per socket instance."
func (s *Socket) finishClose(info CloseInfo) {
	s.mu.Lock()
	if s.closeNotified {
		s.mu.Unlock()
		return
	}
	s.closeNotified = true
	already := s.closed
	s.closed = true
	if s.connectTimer != nil {
		s.connectTimer.Stop()
	}
	if s.pingTimer != nil {
		s.pingTimer.Stop()
	}
	if s.pongTimer != nil {
		s.pongTimer.Stop()
	}
	if s.closeTimer != nil {
		s.closeTimer.Stop()
	}
	s.mu.Unlock()

	if !already {
		_ = s.transport.Close()
	}

	s.mb.Enqueue(func() { s.delegate.OnClose(info) })
}

// BytesSent returns the total bytes written to the transport so far.
func (s *Socket) BytesSent() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bytesSent
}

// BytesReceived returns the total bytes delivered via OnReceive so far.
func (s *Socket) BytesReceived() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bytesReceived
}

// TimedOut reports whether the socket closed due to a missed heartbeat
// response.
func (s *Socket) TimedOut() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.timedOut
}

// ProtocolError reports whether the socket closed due to a framing
// violation.
func (s *Socket) ProtocolError() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.protocolErrVal
}
