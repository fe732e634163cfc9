package rpc

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"zeroflash/internal/eventloop"
	"zeroflash/internal/logging"
	"zeroflash/internal/services"
)

const (
	startCommand = "start_rpc_session\r"
	startEcho    = "start_rpc_session"
)

// ErrClosed reports a write or request against a closed session.
var ErrClosed = errors.New("rpc session closed")

type sessionState int

const (
	stateDown sessionState = iota
	stateStarting
	stateUp
	stateStopping
)

func (s sessionState) String() string {
	switch s {
	case stateDown:
		return "down"
	case stateStarting:
		return "starting"
	case stateUp:
		return "up"
	case stateStopping:
		return "stopping"
	default:
		return "unknown"
	}
}

// Options tunes session timing.
type Options struct {
	StartTimeout time.Duration
	DrainTimeout time.Duration
}

// Handler receives the complete frame list of a response, or the error that
// prevented it.
type Handler func(frames []*Message, err error)

type pendingRequest struct {
	kind    Kind
	frames  []*Message
	handler Handler
}

type subscriber struct {
	fn func(*Message)
}

type writeRequest struct {
	data  []byte
	dtr   bool
	drain bool
	done  func(n int, err error)
}

// Session multiplexes correlated requests over one port. Every method except
// Open must be called on the session's loop.
type Session struct {
	loop    *eventloop.Loop
	port    Port
	opts    Options
	logger  *slog.Logger
	state   sessionState
	rpcMode bool
	nextID  uint32
	stopID  uint32
	pending map[uint32]*pendingRequest
	subs    map[Kind][]*subscriber
	decoder Decoder
	cliBuf  []byte

	startCB    func(error)
	startTimer *eventloop.Timer
	onLost     func(error)

	writes    chan writeRequest
	closed    chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// NewSession binds a session to port. The session starts down; call Open to
// begin moving bytes and Start to enter RPC mode.
func NewSession(loop *eventloop.Loop, port Port, opts Options, logger *slog.Logger) *Session {
	if opts.StartTimeout <= 0 {
		opts.StartTimeout = 5 * time.Second
	}
	if opts.DrainTimeout <= 0 {
		opts.DrainTimeout = time.Second
	}
	return &Session{
		loop:    loop,
		port:    port,
		opts:    opts,
		logger:  logging.NewComponentLogger(logger, "rpc"),
		pending: make(map[uint32]*pendingRequest),
		subs:    make(map[Kind][]*subscriber),
		writes:  make(chan writeRequest, 256),
		closed:  make(chan struct{}),
	}
}

// Open starts the reader and writer goroutines.
func (s *Session) Open() {
	s.wg.Add(2)
	go s.readLoop()
	go s.writeLoop()
}

// Close releases the port, waits for the I/O goroutines, and fails every
// outstanding request. It must be called on the loop.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		close(s.closed)
		_ = s.port.Close()
		s.wg.Wait()
	})
	if s.startCB != nil {
		s.finishStart(s.closedError("start session"))
	}
	s.state = stateDown
	s.failPending(s.closedError("request"))
}

// OnLost registers a hook invoked when the port fails underneath the session.
func (s *Session) OnLost(fn func(error)) { s.onLost = fn }

// Up reports whether application requests may be issued.
func (s *Session) Up() bool { return s.state == stateUp }

// Down reports whether the line is in command-line mode.
func (s *Session) Down() bool { return s.state == stateDown }

// Start switches the device into RPC mode. cb runs once the device echoed the
// command and answered a ping, or once that failed.
func (s *Session) Start(cb func(error)) error {
	if s.state != stateDown {
		return services.Wrap(services.ErrUnknown, "rpc", "start session", "session is "+s.state.String(), services.ErrSessionUp)
	}
	s.state = stateStarting
	s.rpcMode = false
	s.cliBuf = nil
	s.decoder.Reset()
	s.startCB = cb
	s.startTimer = s.loop.AfterFunc(s.opts.StartTimeout, func() {
		s.finishStart(services.Wrap(services.ErrInvalidDevice, "rpc", "start session",
			"no answer within "+s.opts.StartTimeout.String(), services.ErrTimeout))
	})
	s.logger.Debug("starting rpc session")
	s.write(writeRequest{data: []byte(startCommand), done: func(_ int, err error) {
		if err != nil {
			s.finishStart(services.Wrap(services.ErrInvalidDevice, "rpc", "start session", "write command", err))
		}
	}})
	return nil
}

// Stop ends RPC mode so the line can be reused for raw commands.
func (s *Session) Stop(cb func(error)) error {
	if s.state != stateUp {
		return services.Wrap(services.ErrUnknown, "rpc", "stop session", "session is "+s.state.String(), services.ErrSessionDown)
	}
	s.state = stateStopping
	s.stopID = s.send([]*Message{{Content: StopSession{}}}, func(frames []*Message, err error) {
		s.state = stateDown
		s.rpcMode = false
		s.stopID = 0
		s.decoder.Reset()
		s.failPending(services.Wrap(services.ErrInvalidDevice, "rpc", "request", "session stopped", services.ErrSessionDown))
		if err == nil {
			err = CheckResponse(frames, "stop session")
		}
		cb(err)
	})
	return nil
}

// CancelStop abandons an in-flight Stop. The line is treated as back in
// command-line mode.
func (s *Session) CancelStop() {
	if s.state == stateStopping {
		s.Cancel(s.stopID)
	}
}

// Request sends one frame and registers handler for the correlated response.
func (s *Session) Request(msg *Message, handler Handler) (uint32, error) {
	return s.Send([]*Message{msg}, handler)
}

// Send transmits frames as one logical request sharing a fresh command id.
// All frames but the last carry the continuation flag.
func (s *Session) Send(frames []*Message, handler Handler) (uint32, error) {
	if len(frames) == 0 {
		return 0, services.Wrap(services.ErrUnknown, "rpc", "send", "no frames", nil)
	}
	if s.state != stateUp {
		return 0, services.Wrap(services.ErrUnknown, "rpc", "send "+string(frames[0].Kind()), "session is "+s.state.String(), services.ErrSessionDown)
	}
	return s.send(frames, handler), nil
}

// SendNoReply transmits a request after which the device restarts, so no
// response will arrive. The session is down once the frame is flushed.
func (s *Session) SendNoReply(msg *Message, cb func(error)) error {
	if s.state != stateUp {
		return services.Wrap(services.ErrUnknown, "rpc", "send "+string(msg.Kind()), "session is "+s.state.String(), services.ErrSessionDown)
	}
	msg.CommandID = s.allocID()
	msg.HasNext = false
	s.logger.Debug("sending request without reply", logging.String("kind", string(msg.Kind())), logging.Int64(logging.FieldCommandID, int64(msg.CommandID)))
	s.write(writeRequest{data: EncodeFrame(msg), drain: true, done: func(_ int, err error) {
		s.state = stateDown
		s.rpcMode = false
		s.decoder.Reset()
		if err != nil {
			err = services.Wrap(services.ErrInvalidDevice, "rpc", "send "+string(msg.Kind()), "", err)
		}
		cb(err)
	}})
	return nil
}

// WriteCLI writes a raw command line with DTR asserted. It is only valid
// while the session is down. Success requires the full command to be written
// and flushed within the drain timeout.
func (s *Session) WriteCLI(cmd string, cb func(error)) error {
	if s.state != stateDown {
		return services.Wrap(services.ErrUnknown, "rpc", "write command", "session is "+s.state.String(), services.ErrSessionUp)
	}
	data := []byte(cmd)
	s.write(writeRequest{data: data, dtr: true, drain: true, done: func(n int, err error) {
		if err == nil && n != len(data) {
			err = fmt.Errorf("wrote %d of %d bytes: %w", n, len(data), io.ErrShortWrite)
		}
		if err != nil {
			err = services.Wrap(services.ErrInvalidDevice, "rpc", "write command", cmdLabel(cmd), err)
		}
		cb(err)
	}})
	return nil
}

// Cancel forgets a pending request. A late response is then treated as
// unsolicited.
func (s *Session) Cancel(id uint32) {
	delete(s.pending, id)
	if id != 0 && id == s.stopID && s.state == stateStopping {
		s.state = stateDown
		s.rpcMode = false
		s.stopID = 0
		s.decoder.Reset()
	}
}

// Subscribe routes frames of kind that match no pending request to fn.
// The returned function removes the subscription.
func (s *Session) Subscribe(kind Kind, fn func(*Message)) func() {
	sub := &subscriber{fn: fn}
	s.subs[kind] = append(s.subs[kind], sub)
	return func() {
		list := s.subs[kind]
		for i, candidate := range list {
			if candidate == sub {
				s.subs[kind] = append(list[:i:i], list[i+1:]...)
				return
			}
		}
	}
}

// PendingCount returns the number of requests awaiting a final frame.
func (s *Session) PendingCount() int { return len(s.pending) }

func (s *Session) allocID() uint32 {
	s.nextID++
	if s.nextID == 0 {
		s.nextID = 1
	}
	return s.nextID
}

func (s *Session) send(frames []*Message, handler Handler) uint32 {
	id := s.allocID()
	for i, frame := range frames {
		frame.CommandID = id
		frame.HasNext = i < len(frames)-1
	}
	kind := frames[0].Kind()
	s.pending[id] = &pendingRequest{kind: kind, handler: handler}
	s.logger.Debug("sending request",
		logging.String("kind", string(kind)),
		logging.Int64(logging.FieldCommandID, int64(id)),
		logging.Int("frames", len(frames)))
	for _, frame := range frames {
		s.write(writeRequest{data: EncodeFrame(frame), done: func(_ int, err error) {
			if err == nil {
				return
			}
			p, ok := s.pending[id]
			if !ok {
				return
			}
			delete(s.pending, id)
			p.handler(nil, services.Wrap(services.ErrInvalidDevice, "rpc", "send "+string(kind), "", err))
		}})
	}
	return id
}

func (s *Session) write(req writeRequest) {
	select {
	case <-s.closed:
		if req.done != nil {
			done := req.done
			s.loop.Post(func() { done(0, ErrClosed) })
		}
		return
	default:
	}
	select {
	case s.writes <- req:
	case <-s.closed:
		if req.done != nil {
			done := req.done
			s.loop.Post(func() { done(0, ErrClosed) })
		}
	}
}

func (s *Session) readLoop() {
	defer s.wg.Done()
	buf := make([]byte, 4096)
	for {
		n, err := s.port.Read(buf)
		if n > 0 {
			chunk := append([]byte(nil), buf[:n]...)
			s.loop.Post(func() { s.onBytes(chunk) })
		}
		if err != nil {
			select {
			case <-s.closed:
			default:
				s.loop.Post(func() { s.onReadError(err) })
			}
			return
		}
	}
}

func (s *Session) writeLoop() {
	defer s.wg.Done()
	for {
		select {
		case <-s.closed:
			return
		case req := <-s.writes:
			var err error
			if req.dtr {
				err = s.port.SetDTR(true)
			}
			n := 0
			if err == nil {
				n, err = s.port.Write(req.data)
			}
			if err == nil && n < len(req.data) {
				err = io.ErrShortWrite
			}
			if err == nil && req.drain {
				err = drainWithin(s.port, s.opts.DrainTimeout)
			}
			if req.done != nil {
				done := req.done
				s.loop.Post(func() { done(n, err) })
			}
		}
	}
}

func (s *Session) onBytes(chunk []byte) {
	switch {
	case s.state == stateDown:
		s.logger.Debug("discarding command line output", logging.Int("bytes", len(chunk)))
		return
	case s.state == stateStarting && !s.rpcMode:
		s.cliBuf = append(s.cliBuf, chunk...)
		i := bytes.Index(s.cliBuf, []byte(startEcho))
		if i < 0 {
			if keep := len(startEcho); len(s.cliBuf) > keep {
				s.cliBuf = s.cliBuf[len(s.cliBuf)-keep:]
			}
			return
		}
		j := bytes.IndexByte(s.cliBuf[i:], '\n')
		if j < 0 {
			return
		}
		rest := s.cliBuf[i+j+1:]
		s.cliBuf = nil
		s.rpcMode = true
		s.sendStartPing()
		if len(rest) > 0 {
			s.feed(rest)
		}
	default:
		s.feed(chunk)
	}
}

func (s *Session) sendStartPing() {
	payload := []byte("zeroflash")
	s.send([]*Message{{Content: PingRequest{Data: payload}}}, func(frames []*Message, err error) {
		if err == nil {
			err = CheckResponse(frames, "ping")
		}
		if err == nil {
			if resp, ok := frames[len(frames)-1].Content.(PingResponse); !ok || !bytes.Equal(resp.Data, payload) {
				err = services.Wrap(services.ErrInvalidDevice, "rpc", "start session", "ping echo mismatch", nil)
			}
		}
		s.finishStart(err)
	})
}

func (s *Session) finishStart(err error) {
	if s.state != stateStarting || s.startCB == nil {
		return
	}
	s.startTimer.Stop()
	s.startTimer = nil
	cb := s.startCB
	s.startCB = nil
	if err != nil {
		s.state = stateDown
		s.rpcMode = false
		s.failPending(err)
		s.logger.Debug("rpc session failed to start", logging.Error(err))
	} else {
		s.state = stateUp
		s.logger.Debug("rpc session started")
	}
	cb(err)
}

func (s *Session) feed(chunk []byte) {
	msgs, err := s.decoder.Feed(chunk)
	for _, msg := range msgs {
		s.dispatch(msg)
	}
	if err != nil {
		logging.WarnWithContext(s.logger, "rpc stream desynchronised", "rpc_decode_error",
			logging.Error(err),
			logging.String(logging.FieldImpact, "outstanding requests failed"),
			logging.String(logging.FieldErrorHint, "reconnect the device"))
		s.failPending(services.Wrap(services.ErrInvalidDevice, "rpc", "decode", "", err))
	}
}

func (s *Session) dispatch(msg *Message) {
	if msg.CommandID != 0 {
		if p, ok := s.pending[msg.CommandID]; ok {
			p.frames = append(p.frames, msg)
			if msg.HasNext {
				return
			}
			delete(s.pending, msg.CommandID)
			p.handler(p.frames, nil)
			return
		}
	}
	if subs := s.subs[msg.Kind()]; len(subs) > 0 {
		for _, sub := range append([]*subscriber(nil), subs...) {
			sub.fn(msg)
		}
		return
	}
	s.logger.Debug("dropping unmatched frame",
		logging.String("kind", string(msg.Kind())),
		logging.Int64(logging.FieldCommandID, int64(msg.CommandID)))
}

func (s *Session) onReadError(err error) {
	select {
	case <-s.closed:
		return
	default:
	}
	wrapped := services.Wrap(services.ErrInvalidDevice, "rpc", "read", "serial port lost", err)
	if s.startCB != nil {
		s.finishStart(wrapped)
	}
	s.state = stateDown
	s.failPending(wrapped)
	if s.onLost != nil {
		s.onLost(wrapped)
	}
}

func (s *Session) failPending(err error) {
	if len(s.pending) == 0 {
		return
	}
	pending := s.pending
	s.pending = make(map[uint32]*pendingRequest)
	for _, p := range pending {
		p.handler(nil, err)
	}
}

func (s *Session) closedError(operation string) error {
	return services.Wrap(services.ErrInvalidDevice, "rpc", operation, "", ErrClosed)
}

func cmdLabel(cmd string) string {
	return string(bytes.TrimRight([]byte(cmd), "\r\n"))
}
