// proxy.go implements proxy-mode egress: the guest has no tap device and
// instead opens a CONNECT-style stream on the dedicated proxy vsock port
// (5001 by default, see spec.md §6). This mirrors the CONNECT handshake
// text protocol the teacher's vsock dialer speaks (vulcan's
// "CONNECT <port>\n" / "OK <port>\n" exchange in
// internal/backend/firecracker/vsock.go), adapted to carry a target
// host:port instead of a vsock port number, and to run host-side (accept)
// instead of guest-side (dial).
package netattach

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strings"

	"github.com/mdlayher/vsock"
)

// AllowFunc reports whether the VM identified by cid may connect to
// target ("host:port"). The Network Attachment Manager delegates policy
// lookup to the caller (the Lifecycle Coordinator, which knows the task's
// profile) rather than owning profile state itself.
type AllowFunc func(cid uint32, target string) bool

// ProxyManager accepts guest CONNECT streams on a single host-side vsock
// port shared by every proxy-mode VM, distinguishing callers by CID.
type ProxyManager struct {
	port   uint32
	allow  AllowFunc
	logger *slog.Logger

	listener *vsock.Listener
}

// NewProxyManager creates a ProxyManager listening on port once Start is
// called, consulting allow for every CONNECT request.
func NewProxyManager(port uint32, allow AllowFunc, logger *slog.Logger) *ProxyManager {
	return &ProxyManager{port: port, allow: allow, logger: logger}
}

// Start opens the vsock listener and begins accepting connections in a
// background goroutine until ctx is cancelled.
func (p *ProxyManager) Start(ctx context.Context) error {
	l, err := vsock.ListenContextID(vsock.Host, p.port, nil)
	if err != nil {
		return fmt.Errorf("listen vsock proxy port %d: %w", p.port, err)
	}
	p.listener = l

	go func() {
		<-ctx.Done()
		l.Close()
	}()

	go p.acceptLoop(ctx)
	return nil
}

func (p *ProxyManager) acceptLoop(ctx context.Context) {
	for {
		conn, err := p.listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			p.logger.Warn("proxy accept error", "error", err)
			continue
		}
		go p.handleConn(ctx, conn)
	}
}

func (p *ProxyManager) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	cid, err := remoteCID(conn)
	if err != nil {
		p.logger.Warn("proxy connection from unidentifiable peer", "error", err)
		return
	}

	reader := bufio.NewReader(conn)
	line, err := reader.ReadString('\n')
	if err != nil {
		p.logger.Warn("proxy read CONNECT line failed", "cid", cid, "error", err)
		return
	}
	target, ok := parseConnectLine(line)
	if !ok {
		fmt.Fprintf(conn, "ERR malformed CONNECT request\n")
		return
	}

	if !p.allow(cid, target) {
		fmt.Fprintf(conn, "ERR target not allowed: %s\n", target)
		p.logger.Info("proxy denied target", "cid", cid, "target", target)
		return
	}

	dialer := net.Dialer{}
	upstream, err := dialer.DialContext(ctx, "tcp", target)
	if err != nil {
		fmt.Fprintf(conn, "ERR dial failed: %v\n", err)
		return
	}
	defer upstream.Close()

	if _, err := fmt.Fprintf(conn, "OK %s\n", target); err != nil {
		return
	}

	bridge(conn, upstream)
}

func parseConnectLine(line string) (string, bool) {
	line = strings.TrimSpace(line)
	const prefix = "CONNECT "
	if !strings.HasPrefix(line, prefix) {
		return "", false
	}
	target := strings.TrimSpace(strings.TrimPrefix(line, prefix))
	if target == "" || !strings.Contains(target, ":") {
		return "", false
	}
	return target, true
}

// bridge copies bytes between a and b until either side closes, the
// standard two-goroutine full-duplex pipe pattern.
func bridge(a, b net.Conn) {
	done := make(chan struct{}, 2)
	go func() {
		io.Copy(a, b)
		done <- struct{}{}
	}()
	go func() {
		io.Copy(b, a)
		done <- struct{}{}
	}()
	<-done
}

// remoteCID extracts the calling VM's context ID from a vsock connection's
// remote address.
func remoteCID(conn net.Conn) (uint32, error) {
	addr, ok := conn.RemoteAddr().(*vsock.Addr)
	if !ok {
		return 0, fmt.Errorf("netattach: connection is not a vsock peer")
	}
	return addr.ContextID, nil
}

// Close stops accepting new connections.
func (p *ProxyManager) Close() error {
	if p.listener == nil {
		return nil
	}
	return p.listener.Close()
}
