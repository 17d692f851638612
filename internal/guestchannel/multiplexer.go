package guestchannel

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"sync"

	"github.com/mdlayher/vsock"

	"github.com/seantiz/sentinel/internal/metrics"
)

// maxLineBytes bounds a single JSON line the way protocol.go's
// MaxMessageSize bounds a framed message, guarding against a runaway guest
// filling host memory with one unterminated write.
const maxLineBytes = 1 << 20

// Inbound is a decoded guest→host message handed to the Lifecycle
// Coordinator that registered the originating CID.
type Inbound struct {
	CID  uint32
	Type string
	Raw  json.RawMessage
}

// registration tracks one CID's inbox and the connection, once the guest
// has dialed in. Connected is closed the moment a connection attaches, so
// callers that need to send a task message can wait for it.
type registration struct {
	inbox     chan Inbound
	connected chan struct{}

	mu   sync.Mutex
	conn net.Conn
}

// Multiplexer is the single host-side vsock listener shared by every VM on
// the task channel port. Guests dial in; the multiplexer identifies the
// caller by its vsock CID and routes lines to the inbox registered for
// that CID by the Lifecycle Coordinator during provisioning.
type Multiplexer struct {
	port   uint32
	logger *slog.Logger

	listener *vsock.Listener

	mu   sync.Mutex
	regs map[uint32]*registration
}

// New creates a Multiplexer bound to port once Start is called.
func New(port uint32, logger *slog.Logger) *Multiplexer {
	return &Multiplexer{port: port, logger: logger, regs: make(map[uint32]*registration)}
}

// Start opens the vsock listener and accepts connections until ctx is
// cancelled.
func (m *Multiplexer) Start(ctx context.Context) error {
	l, err := vsock.ListenContextID(vsock.Host, m.port, nil)
	if err != nil {
		return fmt.Errorf("guestchannel: listen vsock port %d: %w", m.port, err)
	}
	m.listener = l

	go func() {
		<-ctx.Done()
		l.Close()
	}()

	go m.acceptLoop(ctx)
	return nil
}

// Register opens an inbox for cid before the corresponding VM is booted,
// so no message arriving just after guest connect is lost to a race with
// registration. The returned channel is buffered; callers should drain it
// promptly or unregister on teardown.
func (m *Multiplexer) Register(cid uint32) <-chan Inbound {
	m.mu.Lock()
	defer m.mu.Unlock()

	r := &registration{
		inbox:     make(chan Inbound, 64),
		connected: make(chan struct{}),
	}
	m.regs[cid] = r
	return r.inbox
}

// WaitConnected blocks until the guest at cid has dialed in, or ctx is
// done. The Lifecycle Coordinator uses this to avoid sending the initial
// task message before the guest channel is actually up.
func (m *Multiplexer) WaitConnected(ctx context.Context, cid uint32) error {
	m.mu.Lock()
	r, ok := m.regs[cid]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("guestchannel: cid %d not registered", cid)
	}
	select {
	case <-r.connected:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Unregister closes cid's inbox and the underlying connection, if any. It
// is idempotent and safe to call whether or not the guest ever connected.
func (m *Multiplexer) Unregister(cid uint32) {
	m.mu.Lock()
	r, ok := m.regs[cid]
	if ok {
		delete(m.regs, cid)
	}
	m.mu.Unlock()
	if !ok {
		return
	}
	r.mu.Lock()
	if r.conn != nil {
		r.conn.Close()
	}
	r.mu.Unlock()
	close(r.inbox)
}

// Send writes a host→guest message to cid's connection. It returns an
// error if cid isn't registered or hasn't connected yet; callers that need
// to deliver the initial task should call WaitConnected first.
func (m *Multiplexer) Send(cid uint32, v any) error {
	m.mu.Lock()
	r, ok := m.regs[cid]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("guestchannel: cid %d not registered", cid)
	}

	r.mu.Lock()
	conn := r.conn
	r.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("guestchannel: cid %d has no active connection", cid)
	}

	line, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("guestchannel: marshal message for cid %d: %w", cid, err)
	}
	line = append(line, '\n')

	r.mu.Lock()
	defer r.mu.Unlock()
	_, err = conn.Write(line)
	return err
}

func (m *Multiplexer) acceptLoop(ctx context.Context) {
	for {
		conn, err := m.listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			m.logger.Warn("guestchannel accept error", "error", err)
			continue
		}
		go m.handleConn(ctx, conn)
	}
}

func (m *Multiplexer) handleConn(ctx context.Context, conn net.Conn) {
	addr, ok := conn.RemoteAddr().(*vsock.Addr)
	if !ok {
		m.logger.Warn("guestchannel connection from unidentifiable peer")
		conn.Close()
		return
	}
	m.attachConn(addr.ContextID, conn)
}

// attachConn binds conn to cid's registration and runs the line-reading
// loop until the connection closes or a malformed line is seen. Split out
// of handleConn so the demultiplexing and framing logic can be exercised
// with an in-memory net.Pipe in tests, without a real vsock peer.
func (m *Multiplexer) attachConn(cid uint32, conn net.Conn) {
	m.mu.Lock()
	r, registered := m.regs[cid]
	m.mu.Unlock()
	if !registered {
		metrics.GuestChannelDroppedMessages.WithLabelValues("unknown_cid").Inc()
		m.logger.Warn("guestchannel connection from unregistered cid", "cid", cid)
		conn.Close()
		return
	}

	r.mu.Lock()
	if r.conn != nil {
		r.mu.Unlock()
		m.logger.Warn("guestchannel duplicate connection for cid", "cid", cid)
		conn.Close()
		return
	}
	r.conn = conn
	r.mu.Unlock()
	close(r.connected)

	defer conn.Close()

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 4096), maxLineBytes)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var env Envelope
		if err := json.Unmarshal(line, &env); err != nil || env.Type == "" {
			metrics.GuestChannelDroppedMessages.WithLabelValues("malformed").Inc()
			m.logger.Warn("guestchannel malformed line, closing connection", "cid", cid, "error", err)
			return
		}
		raw := make(json.RawMessage, len(line))
		copy(raw, line)

		select {
		case r.inbox <- Inbound{CID: cid, Type: env.Type, Raw: raw}:
		default:
			metrics.GuestChannelDroppedMessages.WithLabelValues("inbox_full").Inc()
			m.logger.Warn("guestchannel inbox full, dropping message", "cid", cid, "type", env.Type)
		}
	}
}

// Close stops accepting new connections. Registered inboxes are left
// intact; callers should Unregister each CID they own during teardown.
func (m *Multiplexer) Close() error {
	if m.listener == nil {
		return nil
	}
	return m.listener.Close()
}
