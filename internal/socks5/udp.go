package socks5

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nabbar/socks5-acl-proxy/internal/acl"
	"github.com/nabbar/socks5-acl-proxy/internal/addr"
	"github.com/nabbar/socks5-acl-proxy/internal/qos"
	"github.com/nabbar/socks5-acl-proxy/internal/session"
	"golang.org/x/time/rate"
)

// ErrFragmentedDatagram is returned when a fragmented UDP datagram is
// received. Fragmentation (FRAG != 0) is not supported.
var ErrFragmentedDatagram = errors.New("fragmented datagrams not supported")

// UDPHeader is the SOCKS5 UDP request header, RFC 1928 Section 7:
// [RSV(2)][FRAG(1)][ATYP(1)][DST.ADDR][DST.PORT][DATA].
type UDPHeader struct {
	Frag     byte
	AddrType byte
	Address  net.IP
	Domain   string
	Port     uint16
	RawAddr  []byte
}

// ParseUDPHeader parses a SOCKS5 UDP header and returns it with the
// remaining payload.
func ParseUDPHeader(data []byte) (*UDPHeader, []byte, error) {
	if len(data) < 10 {
		return nil, nil, errors.New("datagram too short")
	}
	if frag := data[2]; frag != 0 {
		return nil, nil, ErrFragmentedDatagram
	}

	header := &UDPHeader{Frag: data[2], AddrType: data[3]}
	offset := 4

	switch header.AddrType {
	case AddrTypeIPv4:
		if len(data) < offset+4+2 {
			return nil, nil, errors.New("datagram too short for IPv4")
		}
		header.Address = net.IP(data[offset : offset+4])
		header.RawAddr = data[offset : offset+4]
		offset += 4

	case AddrTypeDomain:
		if len(data) < offset+1 {
			return nil, nil, errors.New("datagram too short for domain length")
		}
		domainLen := int(data[offset])
		offset++
		if len(data) < offset+domainLen+2 {
			return nil, nil, errors.New("datagram too short for domain")
		}
		header.Domain = string(data[offset : offset+domainLen])
		header.RawAddr = data[offset-1 : offset+domainLen]
		offset += domainLen

	case AddrTypeIPv6:
		if len(data) < offset+16+2 {
			return nil, nil, errors.New("datagram too short for IPv6")
		}
		header.Address = net.IP(data[offset : offset+16])
		header.RawAddr = data[offset : offset+16]
		offset += 16

	default:
		return nil, nil, fmt.Errorf("unsupported address type: %d", header.AddrType)
	}

	if len(data) < offset+2 {
		return nil, nil, errors.New("datagram too short for port")
	}
	header.Port = binary.BigEndian.Uint16(data[offset:])
	offset += 2

	return header, data[offset:], nil
}

// BuildUDPHeader renders a SOCKS5 UDP header for an address/port.
func BuildUDPHeader(addrType byte, addrBytes []byte, port uint16) []byte {
	header := make([]byte, 4+len(addrBytes)+2)
	header[2] = 0
	header[3] = addrType
	copy(header[4:], addrBytes)
	binary.BigEndian.PutUint16(header[4+len(addrBytes):], port)
	return header
}

// Address types mirrored from the addr package's wire values for the
// header codec above, which predates and is shared with the TCP path.
const (
	AddrTypeIPv4   = byte(addr.AddrTypeIPv4)
	AddrTypeDomain = byte(addr.AddrTypeDomain)
	AddrTypeIPv6   = byte(addr.AddrTypeIPv6)
)

// udpOutbound is one destination-facing UDP socket opened on behalf of
// an association, so replies can be matched back to their origin.
type udpOutbound struct {
	conn    *net.UDPConn
	dest    *net.UDPAddr
	atyp    byte
	rawAddr []byte
}

// udpAssociation is one client's UDP_ASSOCIATE session: a relay socket
// facing the client, a pinned client peer address, and a set of
// destination-facing sockets for relaying replies back.
type udpAssociation struct {
	relay  *net.UDPConn
	closed atomic.Bool
	sess   *session.Session

	// limiter gates total datagram bytes in both directions for this
	// association's user; nil when the user's QoS rate is unlimited.
	// Datagrams are atomic units, so this blocks the copy goroutine for
	// the whole payload rather than using Engine.Take's partial-grant
	// reservation, which exists for streaming TCP copies.
	limiter *rate.Limiter

	mu           sync.Mutex
	clientAddr   *net.UDPAddr // nil until pinned
	expectedAddr *net.UDPAddr // from the ASSOCIATE request, if non-zero
	outbound     map[string]*udpOutbound
}

// waitLimiter blocks until n bytes are admitted, if the association has
// a limiter configured.
func (a *udpAssociation) waitLimiter(n int) {
	if a.limiter == nil {
		return
	}
	if n > maxDatagramBurst {
		n = maxDatagramBurst
	}
	_ = a.limiter.WaitN(context.Background(), n)
}

const maxDatagramBurst = 65535

func (a *udpAssociation) pinnedOrAccept(from *net.UDPAddr) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.expectedAddr != nil {
		return from.IP.Equal(a.expectedAddr.IP)
	}
	if a.clientAddr == nil {
		a.clientAddr = from
		return true
	}
	return from.IP.Equal(a.clientAddr.IP) && from.Port == a.clientAddr.Port
}

func (a *udpAssociation) client() *net.UDPAddr {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.clientAddr
}

func (a *udpAssociation) close() {
	if a.closed.Swap(true) {
		return
	}
	a.relay.Close()
	a.mu.Lock()
	for _, o := range a.outbound {
		o.conn.Close()
	}
	a.mu.Unlock()
}

// handleUDPAssociate implements RFC 1928's UDP_ASSOCIATE: a relay socket
// is opened, its address returned in the reply, and datagrams are
// forwarded to/from their destinations until the TCP control connection
// closes.
func (h *Handler) handleUDPAssociate(conn net.Conn, req *Request, user string, sess *session.Session) error {
	bindIP := net.IPv4zero
	if tcpLocal, ok := conn.LocalAddr().(*net.TCPAddr); ok && !tcpLocal.IP.IsUnspecified() {
		bindIP = tcpLocal.IP
	}

	relayConn, err := net.ListenUDP("udp", &net.UDPAddr{IP: bindIP, Port: 0})
	if err != nil {
		h.sendReply(conn, ReplyServerFailure, nil, 0)
		return fmt.Errorf("udp associate listen: %w", err)
	}

	var limiter *rate.Limiter
	if h.qos != nil {
		limiter = qos.NewDatagramLimiter(h.qos.RateFor(user))
	}
	assoc := &udpAssociation{relay: relayConn, outbound: make(map[string]*udpOutbound), sess: sess, limiter: limiter}
	if req.Dest.IP() != nil && !req.Dest.IP().IsUnspecified() {
		assoc.expectedAddr = &net.UDPAddr{IP: req.Dest.IP(), Port: int(req.DestPort)}
	}
	defer assoc.close()

	localAddr := relayConn.LocalAddr().(*net.UDPAddr)
	replyIP := bindIP
	if replyIP.IsUnspecified() {
		replyIP = net.IPv4(127, 0, 0, 1)
	}
	h.sendReply(conn, ReplySucceeded, replyIP, uint16(localAddr.Port))
	conn.SetDeadline(time.Time{})

	go h.udpReadLoop(assoc, user, sess)

	// RFC 1928: the association terminates when the TCP control
	// connection terminates. Block here until that happens.
	buf := make([]byte, 1)
	for {
		if _, err := conn.Read(buf); err != nil {
			break
		}
	}
	return nil
}

// udpReadLoop reads datagrams sent by the client on the relay socket, applies
// ACL per datagram (destinations vary datagram to datagram), and
// forwards payloads to their destination, spawning a reply relay for
// each newly seen destination.
func (h *Handler) udpReadLoop(assoc *udpAssociation, user string, sess *session.Session) {
	buf := make([]byte, 65535)
	for {
		n, from, err := assoc.relay.ReadFromUDP(buf)
		if err != nil {
			return
		}
		if !assoc.pinnedOrAccept(from) {
			continue
		}

		header, payload, err := ParseUDPHeader(buf[:n])
		if err != nil {
			continue
		}

		var dest addr.Address
		if header.Domain != "" {
			d, derr := addr.FromDomain(header.Domain)
			if derr != nil {
				continue
			}
			dest = d
		} else {
			dest = addr.FromIP(header.Address)
		}

		decision := h.acl.Decide(user, dest, header.Port, addr.ProtoUDP)
		h.metrics.RecordACLDecision(decision.Action == acl.ActionAllow)
		if decision.Action == acl.ActionDeny {
			continue
		}

		destAddr := net.JoinHostPort(dest.String(), strconv.Itoa(int(header.Port)))
		out := h.udpOutboundFor(assoc, destAddr, header.AddrType, header.RawAddr)
		if out == nil {
			continue
		}
		assoc.waitLimiter(len(payload))
		if wn, werr := out.conn.Write(payload); werr == nil {
			sess.AddBytesSent(uint64(wn))
		}
	}
}

// udpOutboundFor returns the cached destination socket for destAddr,
// dialing and registering a reply-relay goroutine on first use.
func (h *Handler) udpOutboundFor(assoc *udpAssociation, destAddr string, atyp byte, rawAddr []byte) *udpOutbound {
	assoc.mu.Lock()
	if o, ok := assoc.outbound[destAddr]; ok {
		assoc.mu.Unlock()
		return o
	}
	assoc.mu.Unlock()

	udpAddr, err := net.ResolveUDPAddr("udp", destAddr)
	if err != nil {
		return nil
	}
	conn, err := net.DialUDP("udp", nil, udpAddr)
	if err != nil {
		return nil
	}

	out := &udpOutbound{conn: conn, dest: udpAddr, atyp: atyp, rawAddr: rawAddr}

	assoc.mu.Lock()
	if existing, ok := assoc.outbound[destAddr]; ok {
		assoc.mu.Unlock()
		conn.Close()
		return existing
	}
	assoc.outbound[destAddr] = out
	assoc.mu.Unlock()

	go h.udpReplyLoop(assoc, out)
	return out
}

// udpReplyLoop forwards datagrams from one destination socket back to
// the pinned client, framed with a SOCKS5 UDP header.
func (h *Handler) udpReplyLoop(assoc *udpAssociation, out *udpOutbound) {
	buf := make([]byte, 65535)
	for {
		n, err := out.conn.Read(buf)
		if err != nil {
			return
		}
		client := assoc.client()
		if client == nil {
			continue
		}
		header := BuildUDPHeader(out.atyp, out.rawAddr, uint16(out.dest.Port))
		packet := make([]byte, len(header)+n)
		copy(packet, header)
		copy(packet[len(header):], buf[:n])
		assoc.waitLimiter(len(packet))
		if wn, werr := assoc.relay.WriteToUDP(packet, client); werr == nil && assoc.sess != nil {
			assoc.sess.AddBytesReceived(uint64(wn))
		}
	}
}
