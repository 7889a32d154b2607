// Package socks5 implements the SOCKS5 protocol engine: a per-connection
// state machine (RFC 1928) that negotiates authentication, evaluates the
// ACL and QoS engines, opens upstream connections, and relays traffic.
package socks5

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strconv"
	"time"

	"github.com/nabbar/socks5-acl-proxy/internal/acl"
	"github.com/nabbar/socks5-acl-proxy/internal/addr"
	"github.com/nabbar/socks5-acl-proxy/internal/logging"
	"github.com/nabbar/socks5-acl-proxy/internal/metrics"
	"github.com/nabbar/socks5-acl-proxy/internal/qos"
	"github.com/nabbar/socks5-acl-proxy/internal/resolver"
	"github.com/nabbar/socks5-acl-proxy/internal/session"
	"github.com/nabbar/socks5-acl-proxy/internal/telemetry"
)

// SOCKS5Version is the only protocol version this server speaks.
const SOCKS5Version = 0x05

// Reply codes per RFC 1928 Section 6.
const (
	ReplySucceeded          = 0x00
	ReplyServerFailure      = 0x01
	ReplyNotAllowed         = 0x02
	ReplyNetworkUnreachable = 0x03
	ReplyHostUnreachable    = 0x04
	ReplyConnectionRefused  = 0x05
	ReplyTTLExpired         = 0x06
	ReplyCmdNotSupported    = 0x07
	ReplyAddrNotSupported   = 0x08
)

// Command codes per RFC 1928 Section 4, mirrored as wire-level bytes for
// callers building raw requests (tests, the BIND/CONNECT dispatch below
// uses addr.Command directly).
const (
	CmdConnect      = byte(addr.CmdConnect)
	CmdBind         = byte(addr.CmdBind)
	CmdUDPAssociate = byte(addr.CmdUDPAssociate)
)

// halfCloser is implemented by connections that support half-close.
type halfCloser interface {
	CloseWrite() error
}

// Request is a parsed SOCKS5 request (greeting already consumed).
type Request struct {
	Command  addr.Command
	AddrType byte
	Dest     addr.Address
	DestPort uint16
}

// Handler processes SOCKS5 connections end to end: handshake, ACL
// evaluation, dispatch, and relay.
type Handler struct {
	authenticators []Authenticator
	dialer         Dialer

	acl      *acl.Engine
	qos      *qos.Engine
	sessions *session.Registry
	resolver *resolver.Resolver
	pool     *resolver.Pool
	tele     *telemetry.History
	metrics  *metrics.Metrics
	log      *slog.Logger

	handshakeTimeout time.Duration
	idleTimeout      time.Duration
	bindConfig       BindConfig
	enableUDP        bool
}

// Dialer makes outbound TCP connections. Production code wires the
// connection pool; tests can substitute a stub.
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// poolDialer adapts a *resolver.Pool to the Dialer interface.
type poolDialer struct{ pool *resolver.Pool }

func (d poolDialer) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	return d.pool.Acquire(ctx, network, address)
}

// DirectDialer connects directly to destinations with no pooling, used
// when a Handler is constructed without a connection pool (tests, or a
// deliberately pool-less deployment).
type DirectDialer struct{}

// DialContext makes a direct TCP connection with context support.
func (d *DirectDialer) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	var dialer net.Dialer
	return dialer.DialContext(ctx, network, address)
}

// HandlerDeps collects the Handler's collaborators.
type HandlerDeps struct {
	Authenticators   []Authenticator
	ACL              *acl.Engine
	QoS              *qos.Engine
	Sessions         *session.Registry
	Resolver         *resolver.Resolver
	Pool             *resolver.Pool
	Telemetry        *telemetry.History
	Metrics          *metrics.Metrics
	Log              *slog.Logger
	HandshakeTimeout time.Duration
	IdleTimeout      time.Duration
	BindConfig       BindConfig
	EnableUDP        bool
}

// NewHandler builds a Handler from its collaborators, defaulting any
// that were left unset so a Handler is always safe to use.
func NewHandler(d HandlerDeps) *Handler {
	if len(d.Authenticators) == 0 {
		d.Authenticators = []Authenticator{&NoAuthAuthenticator{}}
	}
	if d.Log == nil {
		d.Log = logging.NopLogger()
	}
	if d.HandshakeTimeout <= 0 {
		d.HandshakeTimeout = 10 * time.Second
	}
	if d.IdleTimeout <= 0 {
		d.IdleTimeout = 5 * time.Minute
	}
	if d.Metrics == nil {
		d.Metrics = metrics.NewMetricsWithRegistry(nil)
	}
	if d.Telemetry == nil {
		d.Telemetry = telemetry.NewHistory(0, 0)
	}
	if d.ACL == nil {
		d.ACL, _ = acl.NewEngine(&acl.Config{Global: acl.RawGlobalACLConfig{DefaultAction: "deny"}})
	}
	if d.Sessions == nil {
		d.Sessions = session.NewRegistry(nil, d.Metrics)
	}
	if d.Resolver == nil {
		d.Resolver = resolver.New(d.Metrics)
	}
	h := &Handler{
		authenticators:   d.Authenticators,
		acl:              d.ACL,
		qos:              d.QoS,
		sessions:         d.Sessions,
		resolver:         d.Resolver,
		tele:             d.Telemetry,
		metrics:          d.Metrics,
		log:              d.Log,
		handshakeTimeout: d.HandshakeTimeout,
		idleTimeout:      d.IdleTimeout,
		bindConfig:       d.BindConfig,
		enableUDP:        d.EnableUDP,
		pool:             d.Pool,
	}
	if d.Pool != nil {
		h.dialer = poolDialer{pool: d.Pool}
	} else {
		h.dialer = &DirectDialer{}
	}
	return h
}

// Handle processes a single SOCKS5 connection: Greeting → MethodSelected
// → [Authenticating →] RequestReceived → AclEvaluated → ReplySent →
// Relaying → Closed. It never panics on client input; protocol
// violations end the connection, not the server.
func (h *Handler) Handle(conn net.Conn) error {
	start := time.Now()
	conn.SetDeadline(start.Add(h.handshakeTimeout))

	user, err := h.authenticate(conn)
	if err != nil {
		h.metrics.RecordSOCKS5AuthFailure()
		return fmt.Errorf("authentication: %w", err)
	}

	req, err := h.readRequest(conn)
	if err != nil {
		return fmt.Errorf("read request: %w", err)
	}

	switch req.Command {
	case addr.CmdConnect, addr.CmdBind, addr.CmdUDPAssociate:
	default:
		h.sendReply(conn, ReplyCmdNotSupported, nil, 0)
		return fmt.Errorf("unsupported command: %d", req.Command)
	}

	if req.Command == addr.CmdUDPAssociate && !h.enableUDP {
		h.sendReply(conn, ReplyCmdNotSupported, nil, 0)
		return fmt.Errorf("udp associate disabled")
	}

	proto := addr.ProtoTCP
	if req.Command == addr.CmdUDPAssociate {
		proto = addr.ProtoUDP
	}

	decision := h.acl.Decide(user, req.Dest, req.DestPort, proto)
	h.metrics.RecordACLDecision(decision.Action == acl.ActionAllow)

	srcIP, srcPortStr, _ := net.SplitHostPort(conn.RemoteAddr().String())
	srcPort, _ := strconv.Atoi(srcPortStr)
	connInfo := session.ConnectionInfo{
		SourceIP:   srcIP,
		SourcePort: uint16(srcPort),
		Dest:       req.Dest,
		DestPort:   req.DestPort,
		Protocol:   proto,
	}

	if decision.Action == acl.ActionDeny {
		h.sendReply(conn, ReplyNotAllowed, nil, 0)
		if h.sessions != nil {
			h.sessions.RecordRejected(user, connInfo, decision.MatchedRule)
		}
		h.tele.Record(telemetry.SeverityWarning, "acl", "connection denied", map[string]any{
			"user": user, "dest": req.Dest.String(), "rule": decision.MatchedRule,
		})
		return fmt.Errorf("acl denied user=%s dest=%s", user, req.Dest.String())
	}

	sess, err := h.sessions.Create(user, connInfo, "allow", decision.MatchedRule)
	if err != nil {
		h.sendReply(conn, ReplyServerFailure, nil, 0)
		return fmt.Errorf("create session: %w", err)
	}
	h.log.Info("session opened", logging.KeySession, sess.ID, logging.KeyUser, user,
		logging.KeyDest, req.Dest.String(), logging.KeyRule, decision.MatchedRule)
	h.metrics.RecordSOCKS5Connect()

	var closeReason error
	defer func() {
		reason := ""
		if closeReason != nil {
			reason = closeReason.Error()
		}
		h.sessions.Close(sess.ID, reason)
		h.metrics.RecordSOCKS5Disconnect()
		h.metrics.RecordSOCKS5Latency(time.Since(start).Seconds())
	}()

	// req.Command was validated against the three supported commands
	// immediately after readRequest, above, so no default case is
	// reachable here.
	switch req.Command {
	case addr.CmdConnect:
		closeReason = h.handleConnect(conn, req, user, sess)
	case addr.CmdBind:
		closeReason = h.handleBind(conn, req, user, sess)
	case addr.CmdUDPAssociate:
		closeReason = h.handleUDPAssociate(conn, req, user, sess)
	}
	return closeReason
}

// handleConnect resolves the destination, dials it, and relays.
func (h *Handler) handleConnect(conn net.Conn, req *Request, user string, sess *session.Session) error {
	ctx, cancel := context.WithTimeout(context.Background(), h.handshakeTimeout)
	defer cancel()

	ips, err := h.resolver.Resolve(ctx, req.Dest)
	if err != nil {
		h.sendReplyForError(conn, err)
		return fmt.Errorf("resolve %s: %w", req.Dest.String(), err)
	}

	if h.qos != nil {
		if err := h.qos.AcquireConnection(user, req.Dest.String()); err != nil {
			h.sendReply(conn, ReplyNotAllowed, nil, 0)
			return fmt.Errorf("qos rejected connection: %w", err)
		}
		defer h.qos.ReleaseConnection(user, req.Dest.String())
	}

	var target net.Conn
	var dialErr error
	for _, ip := range ips {
		addrPort := net.JoinHostPort(ip.String(), strconv.Itoa(int(req.DestPort)))
		target, dialErr = h.dialer.DialContext(ctx, "tcp", addrPort)
		if dialErr == nil {
			break
		}
	}
	if dialErr != nil {
		h.sendReplyForError(conn, dialErr)
		return fmt.Errorf("dial %s: %w", req.Dest.String(), dialErr)
	}
	defer func() {
		if h.pool != nil {
			h.pool.Release("tcp", target.RemoteAddr().String(), target)
		} else {
			target.Close()
		}
	}()

	localAddr, ok := target.LocalAddr().(*net.TCPAddr)
	if !ok {
		h.sendReply(conn, ReplyServerFailure, nil, 0)
		return fmt.Errorf("unexpected local addr type %T", target.LocalAddr())
	}
	h.sendReply(conn, ReplySucceeded, localAddr.IP, uint16(localAddr.Port))

	conn.SetDeadline(time.Time{})
	target.SetDeadline(time.Time{})

	return h.relay(conn, target, user, sess)
}

// relay copies bytes bidirectionally, shaping each direction through the
// QoS engine and recording counts onto the session.
func (h *Handler) relay(client, target net.Conn, user string, sess *session.Session) error {
	errCh := make(chan error, 2)

	go func() {
		n, err := h.copyShaped(target, client, user, sess, true)
		if hc, ok := target.(halfCloser); ok {
			hc.CloseWrite()
		}
		h.metrics.RecordRelayBytes(user, n, 0)
		errCh <- err
	}()

	go func() {
		n, err := h.copyShaped(client, target, user, sess, false)
		if hc, ok := client.(halfCloser); ok {
			hc.CloseWrite()
		}
		h.metrics.RecordRelayBytes(user, 0, n)
		errCh <- err
	}()

	err1 := <-errCh
	err2 := <-errCh
	if err1 != nil && err1 != io.EOF {
		return err1
	}
	if err2 != nil && err2 != io.EOF {
		return err2
	}
	return nil
}

// copyShaped copies from src to dst in QoS-gated chunks, accounting
// bytes onto the session as they are written. sent distinguishes the
// client->upstream direction (counted as sent) from upstream->client
// (counted as received).
func (h *Handler) copyShaped(dst io.Writer, src io.Reader, user string, sess *session.Session, sent bool) (int64, error) {
	buf := make([]byte, 32*1024)
	var total int64
	for {
		want := uint64(len(buf))
		if h.qos != nil {
			given, wait := h.qos.Take(user, want)
			if wait > 0 {
				time.Sleep(wait)
			}
			if given < want {
				want = given
			}
			if want == 0 {
				want = 1
			}
		}
		n, rerr := src.Read(buf[:want])
		if n > 0 {
			if _, werr := dst.Write(buf[:n]); werr != nil {
				return total, werr
			}
			total += int64(n)
			if sent {
				sess.AddBytesSent(uint64(n))
			} else {
				sess.AddBytesReceived(uint64(n))
			}
		}
		if rerr != nil {
			if rerr == io.EOF {
				return total, nil
			}
			return total, rerr
		}
	}
}

// authenticate performs the greeting and (optionally) the username/
// password handshake, returning the authenticated username.
func (h *Handler) authenticate(conn net.Conn) (string, error) {
	header := make([]byte, 2)
	if _, err := io.ReadFull(conn, header); err != nil {
		return "", err
	}
	if header[0] != SOCKS5Version {
		return "", fmt.Errorf("unsupported SOCKS version: %d", header[0])
	}

	numMethods := int(header[1])
	methods := make([]byte, numMethods)
	if _, err := io.ReadFull(conn, methods); err != nil {
		return "", err
	}

	var selected Authenticator
	for _, m := range methods {
		for _, auth := range h.authenticators {
			if m == auth.GetMethod() && auth.GetMethod() == AuthMethodUserPass {
				selected = auth
			}
		}
	}
	if selected == nil {
		for _, m := range methods {
			for _, auth := range h.authenticators {
				if m == auth.GetMethod() {
					selected = auth
					break
				}
			}
			if selected != nil {
				break
			}
		}
	}

	if selected == nil {
		conn.Write([]byte{SOCKS5Version, AuthMethodNoAcceptable})
		return "", errors.New("no acceptable authentication method")
	}

	if _, err := conn.Write([]byte{SOCKS5Version, selected.GetMethod()}); err != nil {
		return "", err
	}

	return selected.Authenticate(conn, conn)
}

// readRequest reads {ver, cmd, rsv, atyp, addr, port}.
func (h *Handler) readRequest(conn net.Conn) (*Request, error) {
	header := make([]byte, 4)
	if _, err := io.ReadFull(conn, header); err != nil {
		return nil, err
	}
	if header[0] != SOCKS5Version {
		return nil, fmt.Errorf("unsupported SOCKS version: %d", header[0])
	}

	req := &Request{Command: addr.Command(header[1]), AddrType: header[3]}

	switch req.AddrType {
	case byte(addr.AddrTypeIPv4):
		ip := make([]byte, 4)
		if _, err := io.ReadFull(conn, ip); err != nil {
			return nil, err
		}
		req.Dest = addr.FromIP(net.IP(ip))

	case byte(addr.AddrTypeIPv6):
		ip := make([]byte, 16)
		if _, err := io.ReadFull(conn, ip); err != nil {
			return nil, err
		}
		req.Dest = addr.FromIP(net.IP(ip))

	case byte(addr.AddrTypeDomain):
		lenBuf := make([]byte, 1)
		if _, err := io.ReadFull(conn, lenBuf); err != nil {
			return nil, err
		}
		domainLen := int(lenBuf[0])
		if domainLen == 0 {
			h.sendReply(conn, ReplyServerFailure, nil, 0)
			return nil, fmt.Errorf("invalid zero-length domain name")
		}
		domain := make([]byte, domainLen)
		if _, err := io.ReadFull(conn, domain); err != nil {
			return nil, err
		}
		d, err := addr.FromDomain(string(domain))
		if err != nil {
			h.sendReply(conn, ReplyServerFailure, nil, 0)
			return nil, err
		}
		req.Dest = d

	default:
		h.sendReply(conn, ReplyAddrNotSupported, nil, 0)
		return nil, fmt.Errorf("unsupported address type: %d", req.AddrType)
	}

	portBuf := make([]byte, 2)
	if _, err := io.ReadFull(conn, portBuf); err != nil {
		return nil, err
	}
	req.DestPort = binary.BigEndian.Uint16(portBuf)

	return req, nil
}

// sendReply writes {ver, rep, rsv, atyp, addr, port} as a single buffered
// write so the client never observes a partial reply.
func (h *Handler) sendReply(conn net.Conn, reply byte, bindIP net.IP, bindPort uint16) error {
	var addrType byte
	var addrBytes []byte

	if ipv4 := bindIP.To4(); ipv4 != nil {
		addrType = byte(addr.AddrTypeIPv4)
		addrBytes = ipv4
	} else if bindIP != nil {
		addrType = byte(addr.AddrTypeIPv6)
		addrBytes = bindIP
	} else {
		addrType = byte(addr.AddrTypeIPv4)
		addrBytes = make([]byte, 4)
	}

	buf := make([]byte, 4+len(addrBytes)+2)
	buf[0] = SOCKS5Version
	buf[1] = reply
	buf[2] = 0x00
	buf[3] = addrType
	copy(buf[4:], addrBytes)
	binary.BigEndian.PutUint16(buf[4+len(addrBytes):], bindPort)

	_, err := conn.Write(buf)
	return err
}

func (h *Handler) sendReplyForError(conn net.Conn, err error) {
	h.sendReply(conn, mapErrorToReply(err), nil, 0)
	h.metrics.RecordSOCKS5Error(strconv.Itoa(int(mapErrorToReply(err))))
}

// mapErrorToReply converts a dial/resolve error to the nearest RFC 1928
// reply code.
func mapErrorToReply(err error) byte {
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return ReplyHostUnreachable
	}
	if errors.Is(err, resolver.ErrAddrNotAvailable) {
		return ReplyHostUnreachable
	}
	var netErr *net.OpError
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return ReplyTTLExpired
		}
		if netErr.Op == "dial" {
			return ReplyConnectionRefused
		}
	}
	return ReplyServerFailure
}
