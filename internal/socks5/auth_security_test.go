package socks5

import (
	"bytes"
	"encoding/binary"
	"io"
	"net"
	"testing"
	"time"

	"github.com/nabbar/socks5-acl-proxy/internal/acl"
	"github.com/nabbar/socks5-acl-proxy/internal/metrics"
	"github.com/nabbar/socks5-acl-proxy/internal/qos"
	"github.com/nabbar/socks5-acl-proxy/internal/resolver"
	"github.com/nabbar/socks5-acl-proxy/internal/session"
)

// ============================================================================
// Authentication bypass tests: the handshake must gate ACL evaluation and
// session creation, not just the CONNECT/BIND/UDP dispatch.
// ============================================================================

func denyAllServerConfig(t *testing.T, address string, auths []Authenticator) (ServerConfig, *session.Registry) {
	t.Helper()
	engine, err := acl.NewEngine(&acl.Config{Global: acl.RawGlobalACLConfig{DefaultAction: "deny"}})
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	reg := session.NewRegistry(nil, nil)
	cfg := DefaultServerConfig()
	cfg.Address = address
	cfg.ACL = engine
	cfg.Sessions = reg
	cfg.Resolver = resolver.New(nil)
	cfg.Metrics = metrics.NewMetricsWithRegistry(nil)
	if auths != nil {
		cfg.Authenticators = auths
	}
	return cfg, reg
}

// TestAuthBypass_SkipMethodSelection verifies a client cannot skip the
// greeting and hand a raw CONNECT request straight to a server that
// requires username/password authentication.
func TestAuthBypass_SkipMethodSelection(t *testing.T) {
	cfg, _ := denyAllServerConfig(t, "127.0.0.1:0", []Authenticator{
		NewUserPassAuthenticator(StaticCredentials{"admin": "secret"}),
	})

	s := NewServer(cfg)
	if err := s.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer s.Stop()

	conn, err := net.Dial("tcp", s.Address().String())
	if err != nil {
		t.Fatalf("Dial error: %v", err)
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(5 * time.Second))

	connectReq := []byte{
		SOCKS5Version,
		CmdConnect,
		0x00,
		AddrTypeIPv4,
		127, 0, 0, 1,
		0x00, 0x50,
	}
	conn.Write(connectReq)

	response := make([]byte, 10)
	n, err := conn.Read(response)
	if err == nil && n >= 2 {
		if response[1] == ReplySucceeded {
			t.Error("server allowed CONNECT without authentication - bypass successful!")
		}
	}
}

// TestAuthBypass_WrongMethodVersion tests sending wrong version in the
// RFC 1929 negotiation frame.
func TestAuthBypass_WrongMethodVersion(t *testing.T) {
	creds := StaticCredentials{"testuser": "testpass"}
	auth := NewUserPassAuthenticator(creds)

	testCases := []struct {
		name    string
		request []byte
	}{
		{"version 0x00", []byte{0x00, 0x08, 't', 'e', 's', 't', 'u', 's', 'e', 'r', 0x08, 't', 'e', 's', 't', 'p', 'a', 's', 's'}},
		{"version 0x02", []byte{0x02, 0x08, 't', 'e', 's', 't', 'u', 's', 'e', 'r', 0x08, 't', 'e', 's', 't', 'p', 'a', 's', 's'}},
		{"version 0xFF", []byte{0xFF, 0x08, 't', 'e', 's', 't', 'u', 's', 'e', 'r', 0x08, 't', 'e', 's', 't', 'p', 'a', 's', 's'}},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			reader := bytes.NewReader(tc.request)
			writer := &bytes.Buffer{}

			_, err := auth.Authenticate(reader, writer)
			if err == nil {
				t.Error("Authenticate() should fail with wrong version")
			}
		})
	}
}

// TestAuthBypass_TruncatedCredentials tests handling of truncated auth data.
func TestAuthBypass_TruncatedCredentials(t *testing.T) {
	creds := StaticCredentials{"testuser": "testpass"}
	auth := NewUserPassAuthenticator(creds)

	testCases := []struct {
		name    string
		request []byte
	}{
		{"no username length", []byte{0x01}},
		{"username length but no username", []byte{0x01, 0x08}},
		{"partial username", []byte{0x01, 0x08, 't', 'e', 's', 't'}},
		{"username but no password length", []byte{0x01, 0x04, 't', 'e', 's', 't'}},
		{"password length but no password", []byte{0x01, 0x04, 't', 'e', 's', 't', 0x08}},
		{"partial password", []byte{0x01, 0x04, 't', 'e', 's', 't', 0x08, 'p', 'a', 's'}},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			reader := bytes.NewReader(tc.request)
			writer := &bytes.Buffer{}

			_, err := auth.Authenticate(reader, writer)
			if err == nil {
				t.Error("Authenticate() should fail with truncated credentials")
			}
		})
	}
}

// TestAuthBypass_OverflowLengths tests handling of length fields that
// claim more bytes than the request actually carries.
func TestAuthBypass_OverflowLengths(t *testing.T) {
	creds := StaticCredentials{"testuser": "testpass"}
	auth := NewUserPassAuthenticator(creds)

	testCases := []struct {
		name    string
		request []byte
	}{
		{"username length overflow", []byte{0x01, 0xFF, 't', 'e', 's', 't'}},
		{"password length overflow", []byte{0x01, 0x04, 't', 'e', 's', 't', 0xFF, 'p', 'a', 's', 's'}},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			reader := bytes.NewReader(tc.request)
			writer := &bytes.Buffer{}

			_, err := auth.Authenticate(reader, writer)
			if err == nil {
				t.Error("Authenticate() should fail with overflow lengths")
			}
		})
	}
}

// TestAuthBypass_EmptyCredentials tests handling of zero-length username
// or password fields.
func TestAuthBypass_EmptyCredentials(t *testing.T) {
	creds := StaticCredentials{"testuser": "testpass"}
	auth := NewUserPassAuthenticator(creds)

	testCases := []struct {
		name    string
		request []byte
	}{
		{"empty username", []byte{0x01, 0x00, 0x08, 't', 'e', 's', 't', 'p', 'a', 's', 's'}},
		{"empty password", []byte{0x01, 0x08, 't', 'e', 's', 't', 'u', 's', 'e', 'r', 0x00}},
		{"both empty", []byte{0x01, 0x00, 0x00}},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			reader := bytes.NewReader(tc.request)
			writer := &bytes.Buffer{}

			_, err := auth.Authenticate(reader, writer)
			if err == nil {
				t.Error("Authenticate() should fail with empty credentials")
			}
		})
	}
}

// TestAuthBypass_MethodDowngrade tests attempts to downgrade from
// required UserPass auth to NoAuth.
func TestAuthBypass_MethodDowngrade(t *testing.T) {
	cfg, _ := denyAllServerConfig(t, "127.0.0.1:0", []Authenticator{
		NewUserPassAuthenticator(StaticCredentials{"admin": "secret"}),
	})

	s := NewServer(cfg)
	if err := s.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer s.Stop()

	conn, err := net.Dial("tcp", s.Address().String())
	if err != nil {
		t.Fatalf("Dial error: %v", err)
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(5 * time.Second))

	greeting := []byte{SOCKS5Version, 1, AuthMethodNoAuth}
	conn.Write(greeting)

	response := make([]byte, 2)
	_, err = io.ReadFull(conn, response)
	if err != nil {
		return
	}

	if response[1] == AuthMethodNoAuth {
		t.Error("server accepted no-auth when user/pass is required - downgrade attack successful!")
	}
	if response[1] != AuthMethodNoAcceptable {
		t.Logf("server responded with method 0x%02x (expected 0xFF)", response[1])
	}
}

// TestAuthBypass_ReplayPreviousSession tests that a captured auth
// exchange cannot be replayed on a fresh connection that skips the
// greeting.
func TestAuthBypass_ReplayPreviousSession(t *testing.T) {
	cfg, _ := denyAllServerConfig(t, "127.0.0.1:0", []Authenticator{
		NewUserPassAuthenticator(StaticCredentials{"admin": "secret"}),
	})

	s := NewServer(cfg)
	if err := s.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer s.Stop()

	conn1, err := net.Dial("tcp", s.Address().String())
	if err != nil {
		t.Fatalf("Dial error: %v", err)
	}
	conn1.SetDeadline(time.Now().Add(5 * time.Second))

	conn1.Write([]byte{SOCKS5Version, 1, AuthMethodUserPass})
	methodResp := make([]byte, 2)
	io.ReadFull(conn1, methodResp)

	authReq := []byte{0x01, 0x05, 'a', 'd', 'm', 'i', 'n', 0x06, 's', 'e', 'c', 'r', 'e', 't'}
	conn1.Write(authReq)
	authResp := make([]byte, 2)
	io.ReadFull(conn1, authResp)

	if authResp[1] != AuthStatusSuccess {
		t.Fatalf("First auth should succeed, got status 0x%02x", authResp[1])
	}
	conn1.Close()

	conn2, err := net.Dial("tcp", s.Address().String())
	if err != nil {
		t.Fatalf("Dial error: %v", err)
	}
	defer conn2.Close()
	conn2.SetDeadline(time.Now().Add(5 * time.Second))

	conn2.Write(authReq)

	response := make([]byte, 10)
	n, err := conn2.Read(response)
	if err == nil && n >= 2 {
		if response[0] == 0x01 && response[1] == AuthStatusSuccess {
			t.Error("server accepted replayed auth without handshake - replay attack possible!")
		}
	}
}

// TestAuthBypass_NullByteInjection tests handling of null bytes embedded
// in the username or password, guarding against truncation attacks that
// might authenticate as a different (ACL-privileged) user.
func TestAuthBypass_NullByteInjection(t *testing.T) {
	creds := StaticCredentials{"admin": "secret"}
	auth := NewUserPassAuthenticator(creds)

	testCases := []struct {
		name     string
		username string
		password string
	}{
		{"null in username", "admin\x00evil", "secret"},
		{"null in password", "admin", "secret\x00anything"},
		{"null before username", "\x00admin", "secret"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			var buf bytes.Buffer
			buf.WriteByte(0x01)
			buf.WriteByte(byte(len(tc.username)))
			buf.WriteString(tc.username)
			buf.WriteByte(byte(len(tc.password)))
			buf.WriteString(tc.password)

			reader := bytes.NewReader(buf.Bytes())
			writer := &bytes.Buffer{}

			_, err := auth.Authenticate(reader, writer)
			if err == nil {
				t.Error("Authenticate() should fail for credentials with null bytes")
			}
		})
	}
}

// TestAuthBypass_TimingConsistency times failed lookups against an
// unknown username and against a known username with the wrong password,
// and logs the two durations when their ratio falls outside [0.5, 2]; it
// does not fail on a difference. HashedCredentials.Valid runs a dummy
// bcrypt comparison in the miss path to keep the two costs close.
func TestAuthBypass_TimingConsistency(t *testing.T) {
	hash := MustHashPassword("correctpassword")
	creds := HashedCredentials{"existinguser": hash}
	auth := NewUserPassAuthenticator(creds)

	measureAuth := func(username, password string) time.Duration {
		var buf bytes.Buffer
		buf.WriteByte(0x01)
		buf.WriteByte(byte(len(username)))
		buf.WriteString(username)
		buf.WriteByte(byte(len(password)))
		buf.WriteString(password)

		start := time.Now()
		for i := 0; i < 10; i++ {
			reader := bytes.NewReader(buf.Bytes())
			writer := &bytes.Buffer{}
			auth.Authenticate(reader, writer)
		}
		return time.Since(start)
	}

	existingUserTime := measureAuth("existinguser", "wrongpassword")
	nonExistingUserTime := measureAuth("nonexistinguser", "wrongpassword")

	ratio := float64(existingUserTime) / float64(nonExistingUserTime)
	if ratio < 0.5 || ratio > 2.0 {
		t.Logf("potential timing difference: existing=%v, nonexisting=%v, ratio=%f",
			existingUserTime, nonExistingUserTime, ratio)
	}
}

// TestAuthBypass_ConcurrentAttempts tests that concurrent auth attempts
// with the wrong password don't interfere with each other or race.
func TestAuthBypass_ConcurrentAttempts(t *testing.T) {
	cfg, _ := denyAllServerConfig(t, "127.0.0.1:0", []Authenticator{
		NewUserPassAuthenticator(StaticCredentials{"admin": "secret"}),
	})

	s := NewServer(cfg)
	if err := s.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer s.Stop()

	done := make(chan bool, 100)
	for i := 0; i < 100; i++ {
		go func(attempt int) {
			defer func() { done <- true }()

			conn, err := net.Dial("tcp", s.Address().String())
			if err != nil {
				return
			}
			defer conn.Close()
			conn.SetDeadline(time.Now().Add(5 * time.Second))

			conn.Write([]byte{SOCKS5Version, 1, AuthMethodUserPass})
			methodResp := make([]byte, 2)
			if _, err := io.ReadFull(conn, methodResp); err != nil {
				return
			}

			authReq := []byte{0x01, 0x05, 'a', 'd', 'm', 'i', 'n', 0x05, 'w', 'r', 'o', 'n', 'g'}
			conn.Write(authReq)

			authResp := make([]byte, 2)
			if _, err := io.ReadFull(conn, authResp); err != nil {
				return
			}

			if authResp[1] == AuthStatusSuccess {
				t.Errorf("concurrent attempt %d: wrong password was accepted!", attempt)
			}
		}(i)
	}

	for i := 0; i < 100; i++ {
		<-done
	}
}

// TestAuthBypass_MaxMethods tests handling of the maximum number of
// offered auth methods (255, the protocol's limit).
func TestAuthBypass_MaxMethods(t *testing.T) {
	cfg, _ := denyAllServerConfig(t, "127.0.0.1:0", []Authenticator{
		NewUserPassAuthenticator(StaticCredentials{"admin": "secret"}),
	})

	s := NewServer(cfg)
	if err := s.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer s.Stop()

	conn, err := net.Dial("tcp", s.Address().String())
	if err != nil {
		t.Fatalf("Dial error: %v", err)
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(5 * time.Second))

	greeting := make([]byte, 257)
	greeting[0] = SOCKS5Version
	greeting[1] = 255
	for i := 2; i < 257; i++ {
		greeting[i] = byte(i - 2)
	}
	conn.Write(greeting)

	response := make([]byte, 2)
	n, err := conn.Read(response)
	if err != nil {
		return
	}

	if n >= 2 {
		if response[1] != AuthMethodUserPass && response[1] != AuthMethodNoAcceptable {
			t.Logf("unexpected method selection: 0x%02x", response[1])
		}
	}
}

// TestAuthBypass_AfterSuccessfulAuth verifies that authentication is
// enforced independently on every new connection, and that a second
// connection cannot ride on the first one's success.
func TestAuthBypass_AfterSuccessfulAuth(t *testing.T) {
	cfg, _ := denyAllServerConfig(t, "127.0.0.1:0", []Authenticator{
		NewUserPassAuthenticator(StaticCredentials{"admin": "secret"}),
	})

	echoListener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("echo server listen error: %v", err)
	}
	defer echoListener.Close()
	echoAddr := echoListener.Addr().(*net.TCPAddr)

	go func() {
		for {
			conn, err := echoListener.Accept()
			if err != nil {
				return
			}
			go func(c net.Conn) {
				defer c.Close()
				io.Copy(c, c)
			}(conn)
		}
	}()

	s := NewServer(cfg)
	if err := s.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer s.Stop()

	conn1, _ := net.Dial("tcp", s.Address().String())
	conn1.SetDeadline(time.Now().Add(5 * time.Second))
	conn1.Write([]byte{SOCKS5Version, 1, AuthMethodUserPass})
	io.ReadFull(conn1, make([]byte, 2))
	conn1.Write([]byte{0x01, 0x05, 'a', 'd', 'm', 'i', 'n', 0x06, 's', 'e', 'c', 'r', 'e', 't'})
	authResp := make([]byte, 2)
	io.ReadFull(conn1, authResp)
	if authResp[1] != AuthStatusSuccess {
		t.Fatal("first auth should succeed")
	}
	conn1.Close()

	conn2, _ := net.Dial("tcp", s.Address().String())
	defer conn2.Close()
	conn2.SetDeadline(time.Now().Add(5 * time.Second))

	connectReq := &bytes.Buffer{}
	connectReq.WriteByte(SOCKS5Version)
	connectReq.WriteByte(CmdConnect)
	connectReq.WriteByte(0x00)
	connectReq.WriteByte(AddrTypeIPv4)
	connectReq.Write(echoAddr.IP.To4())
	binary.Write(connectReq, binary.BigEndian, uint16(echoAddr.Port))

	conn2.Write(connectReq.Bytes())

	response := make([]byte, 10)
	n, err := conn2.Read(response)
	if err == nil && n >= 2 && response[1] == ReplySucceeded {
		t.Error("server allowed CONNECT without auth on new connection after previous auth")
	}
}

// ============================================================================
// Post-auth request validation: identity alone isn't authorization. An
// authenticated client still has to clear command validation and ACL
// evaluation before a session is ever created.
// ============================================================================

// TestUnsupportedCommand_RejectedBeforeACLAndSession sends an
// authenticated request with a command byte outside {CONNECT, BIND, UDP
// ASSOCIATE} and verifies it is rejected immediately: no ACL decision is
// recorded and no session is created for it, matching the documented
// RequestReceived-before-AclEvaluated ordering.
func TestUnsupportedCommand_RejectedBeforeACLAndSession(t *testing.T) {
	engine, err := acl.NewEngine(&acl.Config{Global: acl.RawGlobalACLConfig{DefaultAction: "allow"}})
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	reg := session.NewRegistry(nil, nil)
	m := metrics.NewMetricsWithRegistry(nil)

	cfg := DefaultServerConfig()
	cfg.Address = "127.0.0.1:0"
	cfg.ACL = engine
	cfg.Sessions = reg
	cfg.Resolver = resolver.New(nil)
	cfg.Metrics = m
	cfg.Authenticators = []Authenticator{&NoAuthAuthenticator{}}

	s := NewServer(cfg)
	if err := s.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer s.Stop()

	conn, err := net.Dial("tcp", s.Address().String())
	if err != nil {
		t.Fatalf("Dial error: %v", err)
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(5 * time.Second))

	conn.Write([]byte{SOCKS5Version, 1, AuthMethodNoAuth})
	methodResp := make([]byte, 2)
	if _, err := io.ReadFull(conn, methodResp); err != nil {
		t.Fatalf("read method response: %v", err)
	}

	// 0x09 is not CONNECT (0x01), BIND (0x02), or UDP ASSOCIATE (0x03).
	req := []byte{SOCKS5Version, 0x09, 0x00, AddrTypeIPv4, 127, 0, 0, 1, 0x00, 0x50}
	conn.Write(req)

	reply := make([]byte, 10)
	n, err := conn.Read(reply)
	if err != nil {
		t.Fatalf("read reply: %v", err)
	}
	if n < 2 || reply[1] != ReplyCmdNotSupported {
		t.Fatalf("reply = %v, want status %d (CmdNotSupported)", reply[:n], ReplyCmdNotSupported)
	}

	time.Sleep(50 * time.Millisecond)

	if got := engine.Stats(""); got.Evaluations != 0 {
		t.Errorf("ACL Evaluations = %d, want 0 (unsupported command must never reach ACL evaluation)", got.Evaluations)
	}
	stats := reg.GetStats(0)
	if stats.Active != 0 || stats.Total != 0 {
		t.Errorf("session registry Active=%d Total=%d, want 0,0 (unsupported command must never create a session)", stats.Active, stats.Total)
	}
}

// TestUnsupportedCommand_UDPDisabledDoesNotLeakIntoACL verifies that a
// UDP ASSOCIATE request against a server with UDP disabled is rejected
// without ever reaching ACL evaluation either, mirroring the same
// ordering guarantee as an outright unsupported command byte.
func TestUnsupportedCommand_UDPDisabledDoesNotLeakIntoACL(t *testing.T) {
	engine, err := acl.NewEngine(&acl.Config{Global: acl.RawGlobalACLConfig{DefaultAction: "allow"}})
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	reg := session.NewRegistry(nil, nil)

	cfg := DefaultServerConfig()
	cfg.Address = "127.0.0.1:0"
	cfg.ACL = engine
	cfg.Sessions = reg
	cfg.Resolver = resolver.New(nil)
	cfg.Metrics = metrics.NewMetricsWithRegistry(nil)
	cfg.Authenticators = []Authenticator{&NoAuthAuthenticator{}}
	cfg.EnableUDP = false

	s := NewServer(cfg)
	if err := s.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer s.Stop()

	conn, err := net.Dial("tcp", s.Address().String())
	if err != nil {
		t.Fatalf("Dial error: %v", err)
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(5 * time.Second))

	conn.Write([]byte{SOCKS5Version, 1, AuthMethodNoAuth})
	io.ReadFull(conn, make([]byte, 2))

	req := []byte{SOCKS5Version, CmdUDPAssociate, 0x00, AddrTypeIPv4, 0, 0, 0, 0, 0x00, 0x00}
	conn.Write(req)

	reply := make([]byte, 10)
	n, err := conn.Read(reply)
	if err != nil {
		t.Fatalf("read reply: %v", err)
	}
	if n < 2 || reply[1] != ReplyCmdNotSupported {
		t.Fatalf("reply = %v, want status %d (CmdNotSupported)", reply[:n], ReplyCmdNotSupported)
	}

	time.Sleep(50 * time.Millisecond)
	if got := engine.Stats(""); got.Evaluations != 0 {
		t.Errorf("ACL Evaluations = %d, want 0 (UDP-disabled request must never reach ACL evaluation)", got.Evaluations)
	}
}

// ============================================================================
// Malformed post-handshake requests.
// ============================================================================

// TestAuthBypass_RequestMalformed tests various malformed SOCKS5
// requests sent after a successful no-auth handshake.
func TestAuthBypass_RequestMalformed(t *testing.T) {
	cfg, _ := denyAllServerConfig(t, "127.0.0.1:0", []Authenticator{&NoAuthAuthenticator{}})
	cfg.ACL, _ = acl.NewEngine(&acl.Config{Global: acl.RawGlobalACLConfig{DefaultAction: "allow"}})

	echoListener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("echo server listen error: %v", err)
	}
	defer echoListener.Close()

	s := NewServer(cfg)
	if err := s.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer s.Stop()

	testCases := []struct {
		name     string
		greeting []byte
		request  []byte
	}{
		{
			name:     "wrong SOCKS version in request",
			greeting: []byte{SOCKS5Version, 1, AuthMethodNoAuth},
			request:  []byte{0x04, CmdConnect, 0x00, AddrTypeIPv4, 127, 0, 0, 1, 0x00, 0x50},
		},
		{
			name:     "invalid command",
			greeting: []byte{SOCKS5Version, 1, AuthMethodNoAuth},
			request:  []byte{SOCKS5Version, 0xFF, 0x00, AddrTypeIPv4, 127, 0, 0, 1, 0x00, 0x50},
		},
		{
			name:     "truncated IPv4 address",
			greeting: []byte{SOCKS5Version, 1, AuthMethodNoAuth},
			request:  []byte{SOCKS5Version, CmdConnect, 0x00, AddrTypeIPv4, 127, 0},
		},
		{
			name:     "truncated port",
			greeting: []byte{SOCKS5Version, 1, AuthMethodNoAuth},
			request:  []byte{SOCKS5Version, CmdConnect, 0x00, AddrTypeIPv4, 127, 0, 0, 1, 0x00},
		},
		{
			name:     "domain with zero length",
			greeting: []byte{SOCKS5Version, 1, AuthMethodNoAuth},
			request:  []byte{SOCKS5Version, CmdConnect, 0x00, AddrTypeDomain, 0x00, 0x00, 0x50},
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			conn, err := net.Dial("tcp", s.Address().String())
			if err != nil {
				t.Fatalf("Dial error: %v", err)
			}
			defer conn.Close()
			conn.SetDeadline(time.Now().Add(2 * time.Second))

			conn.Write(tc.greeting)
			methodResp := make([]byte, 2)
			io.ReadFull(conn, methodResp)

			conn.Write(tc.request)

			reply := make([]byte, 10)
			n, err := conn.Read(reply)
			if err == nil && n >= 2 && reply[1] == ReplySucceeded {
				t.Error("server accepted malformed request")
			}
		})
	}
}

// ============================================================================
// QoS-aware authentication: an authenticated identity with zero granted
// concurrency should still complete auth but have its connection
// rejected by QoS before any bytes relay.
// ============================================================================

// TestAuthSuccess_QoSStillGatesConnection verifies that a successful
// authentication does not bypass QoS: once the configured per-host
// connection cap for a user is exhausted, a freshly authenticated
// client from that same user still gets ReplyNotAllowed on CONNECT.
func TestAuthSuccess_QoSStillGatesConnection(t *testing.T) {
	engine, err := acl.NewEngine(&acl.Config{Global: acl.RawGlobalACLConfig{DefaultAction: "allow"}})
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	qosEngine, err := qos.NewEngine(&qos.Config{
		Default: qos.UserQosConfig{MaxConcurrent: 1, MaxPerHost: 1},
	}, metrics.NewMetricsWithRegistry(nil))
	if err != nil {
		t.Fatalf("qos.NewEngine: %v", err)
	}

	const user = "throttled"
	// handleConnect keys QoS connection limits on req.Dest.String(), which
	// renders a literal IP without its port.
	const dest = "127.0.0.1"
	if err := qosEngine.AcquireConnection(user, dest); err != nil {
		t.Fatalf("pre-acquiring the only connection slot: %v", err)
	}
	defer qosEngine.ReleaseConnection(user, dest)

	cfg := DefaultServerConfig()
	cfg.Address = "127.0.0.1:0"
	cfg.ACL = engine
	cfg.QoS = qosEngine
	cfg.Sessions = session.NewRegistry(nil, nil)
	cfg.Resolver = resolver.New(nil)
	cfg.Metrics = metrics.NewMetricsWithRegistry(nil)
	cfg.Authenticators = []Authenticator{
		NewUserPassAuthenticator(StaticCredentials{user: "secret"}),
	}

	s := NewServer(cfg)
	if err := s.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer s.Stop()

	conn, err := net.Dial("tcp", s.Address().String())
	if err != nil {
		t.Fatalf("Dial error: %v", err)
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(5 * time.Second))

	conn.Write([]byte{SOCKS5Version, 1, AuthMethodUserPass})
	methodResp := make([]byte, 2)
	io.ReadFull(conn, methodResp)

	conn.Write([]byte{0x01, 0x09, 't', 'h', 'r', 'o', 't', 't', 'l', 'e', 'd', 0x06, 's', 'e', 'c', 'r', 'e', 't'})
	authResp := make([]byte, 2)
	io.ReadFull(conn, authResp)
	if authResp[1] != AuthStatusSuccess {
		t.Fatalf("authentication should succeed, got status 0x%02x", authResp[1])
	}

	connectReq := []byte{SOCKS5Version, CmdConnect, 0x00, AddrTypeIPv4, 127, 0, 0, 1, 0x00, 0x50}
	conn.Write(connectReq)

	reply := make([]byte, 10)
	n, err := conn.Read(reply)
	if err != nil {
		t.Fatalf("read reply: %v", err)
	}
	if n < 2 || reply[1] != ReplyNotAllowed {
		t.Errorf("reply status = %d, want %d (QoS should reject once the per-host cap is exhausted)", reply[1], ReplyNotAllowed)
	}
}
