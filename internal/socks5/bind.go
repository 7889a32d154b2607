package socks5

import (
	"fmt"
	"net"
	"time"

	"github.com/nabbar/socks5-acl-proxy/internal/session"
)

// BindConfig tunes BIND command handling.
type BindConfig struct {
	// ExternalBindAddr, if set, overrides the address reported to
	// clients in the first BIND reply; the second reply always carries
	// the connecting peer's address. The listener itself still binds to
	// the real local interface; only the advertised address changes,
	// for deployments sitting behind NAT.
	ExternalBindAddr string
	// AcceptTimeout bounds how long the server waits for the single
	// incoming peer connection before failing the BIND request.
	AcceptTimeout time.Duration
}

func (c BindConfig) acceptTimeout() time.Duration {
	if c.AcceptTimeout <= 0 {
		return 60 * time.Second
	}
	return c.AcceptTimeout
}

// handleBind implements RFC 1928's BIND command: listen, reply with the
// listener's address, wait for one peer connection, reply again with
// the peer's address, then relay.
func (h *Handler) handleBind(conn net.Conn, req *Request, user string, sess *session.Session) error {
	listener, err := net.ListenTCP("tcp", &net.TCPAddr{})
	if err != nil {
		h.sendReply(conn, ReplyServerFailure, nil, 0)
		return fmt.Errorf("bind listen: %w", err)
	}
	defer listener.Close()

	localAddr := listener.Addr().(*net.TCPAddr)
	replyIP, replyPort := h.advertisedBindAddr(localAddr)
	if err := h.sendReply(conn, ReplySucceeded, replyIP, replyPort); err != nil {
		return fmt.Errorf("send first bind reply: %w", err)
	}

	listener.SetDeadline(time.Now().Add(h.bindConfig.acceptTimeout()))
	peer, err := listener.Accept()
	if err != nil {
		h.sendReply(conn, ReplyTTLExpired, nil, 0)
		return fmt.Errorf("bind accept: %w", err)
	}
	defer peer.Close()

	peerAddr, ok := peer.RemoteAddr().(*net.TCPAddr)
	if !ok {
		h.sendReply(conn, ReplyServerFailure, nil, 0)
		return fmt.Errorf("unexpected peer addr type %T", peer.RemoteAddr())
	}
	if err := h.sendReply(conn, ReplySucceeded, peerAddr.IP, uint16(peerAddr.Port)); err != nil {
		return fmt.Errorf("send second bind reply: %w", err)
	}

	conn.SetDeadline(time.Time{})
	peer.SetDeadline(time.Time{})

	return h.relay(conn, peer, user, sess)
}

// advertisedBindAddr returns the address reported to the client for a
// BIND reply: the operator-configured external address if set,
// otherwise the listener's real local address.
func (h *Handler) advertisedBindAddr(local *net.TCPAddr) (net.IP, uint16) {
	if h.bindConfig.ExternalBindAddr == "" {
		return local.IP, uint16(local.Port)
	}
	host, portStr, err := net.SplitHostPort(h.bindConfig.ExternalBindAddr)
	if err != nil {
		return local.IP, uint16(local.Port)
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return local.IP, uint16(local.Port)
	}
	var port int
	fmt.Sscanf(portStr, "%d", &port)
	if port == 0 {
		port = local.Port
	}
	return ip, uint16(port)
}
