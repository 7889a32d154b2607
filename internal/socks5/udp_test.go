package socks5

import (
	"encoding/binary"
	"io"
	"net"
	"testing"
	"time"
)

func TestParseUDPHeader_IPv4(t *testing.T) {
	// Build a valid SOCKS5 UDP header for IPv4
	// RSV(2) + FRAG(1) + ATYP(1) + IPv4(4) + PORT(2) + DATA
	data := []byte{
		0x00, 0x00, // RSV
		0x00,       // FRAG (no fragmentation)
		0x01,       // ATYP (IPv4)
		8, 8, 8, 8, // IPv4 address
		0x00, 0x35, // Port 53 (DNS)
		'h', 'e', 'l', 'l', 'o', // Payload
	}

	header, payload, err := ParseUDPHeader(data)
	if err != nil {
		t.Fatalf("ParseUDPHeader error: %v", err)
	}

	if header.Frag != 0 {
		t.Errorf("Frag = %d, want 0", header.Frag)
	}
	if header.AddrType != AddrTypeIPv4 {
		t.Errorf("AddrType = %d, want %d", header.AddrType, AddrTypeIPv4)
	}
	if !header.Address.Equal(net.IPv4(8, 8, 8, 8)) {
		t.Errorf("Address = %v, want 8.8.8.8", header.Address)
	}
	if header.Port != 53 {
		t.Errorf("Port = %d, want 53", header.Port)
	}
	if string(payload) != "hello" {
		t.Errorf("Payload = %q, want %q", payload, "hello")
	}
}

func TestParseUDPHeader_IPv6(t *testing.T) {
	// RSV(2) + FRAG(1) + ATYP(1) + IPv6(16) + PORT(2) + DATA
	data := []byte{
		0x00, 0x00, // RSV
		0x00,       // FRAG
		0x04,       // ATYP (IPv6)
		0x20, 0x01, 0x48, 0x60, 0x48, 0x60, 0x00, 0x00,
		0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x88, 0x88,
		0x01, 0xBB, // Port 443
		'd', 'a', 't', 'a',
	}

	header, payload, err := ParseUDPHeader(data)
	if err != nil {
		t.Fatalf("ParseUDPHeader error: %v", err)
	}

	if header.AddrType != AddrTypeIPv6 {
		t.Errorf("AddrType = %d, want %d", header.AddrType, AddrTypeIPv6)
	}
	if header.Port != 443 {
		t.Errorf("Port = %d, want 443", header.Port)
	}
	if string(payload) != "data" {
		t.Errorf("Payload = %q, want %q", payload, "data")
	}
}

func TestParseUDPHeader_Domain(t *testing.T) {
	// RSV(2) + FRAG(1) + ATYP(1) + LEN(1) + DOMAIN + PORT(2) + DATA
	domain := "example.com"
	data := []byte{
		0x00, 0x00, // RSV
		0x00,              // FRAG
		0x03,              // ATYP (Domain)
		byte(len(domain)), // Domain length
	}
	data = append(data, []byte(domain)...)
	data = append(data, 0x00, 0x50) // Port 80
	data = append(data, []byte("test")...)

	header, payload, err := ParseUDPHeader(data)
	if err != nil {
		t.Fatalf("ParseUDPHeader error: %v", err)
	}

	if header.AddrType != AddrTypeDomain {
		t.Errorf("AddrType = %d, want %d", header.AddrType, AddrTypeDomain)
	}
	if header.Domain != domain {
		t.Errorf("Domain = %q, want %q", header.Domain, domain)
	}
	if header.Port != 80 {
		t.Errorf("Port = %d, want 80", header.Port)
	}
	if string(payload) != "test" {
		t.Errorf("Payload = %q, want %q", payload, "test")
	}
}

func TestParseUDPHeader_TooShort(t *testing.T) {
	data := []byte{0x00, 0x00, 0x00} // Only 3 bytes

	_, _, err := ParseUDPHeader(data)
	if err == nil {
		t.Error("Expected error for short data")
	}
}

func TestParseUDPHeader_Fragmented(t *testing.T) {
	data := []byte{
		0x00, 0x00, // RSV
		0x01,       // FRAG > 0 (fragmented)
		0x01,       // ATYP
		8, 8, 8, 8, // IPv4
		0x00, 0x35, // Port
	}

	_, _, err := ParseUDPHeader(data)
	if err != ErrFragmentedDatagram {
		t.Errorf("Error = %v, want ErrFragmentedDatagram", err)
	}
}

func TestBuildUDPHeader_IPv4(t *testing.T) {
	addrBytes := net.IPv4(1, 2, 3, 4).To4()
	header := BuildUDPHeader(AddrTypeIPv4, addrBytes, 1234)

	if len(header) != 10 {
		t.Fatalf("Header length = %d, want 10", len(header))
	}
	if header[0] != 0 || header[1] != 0 {
		t.Errorf("RSV = [%d, %d], want [0, 0]", header[0], header[1])
	}
	if header[2] != 0 {
		t.Errorf("FRAG = %d, want 0", header[2])
	}
	if header[3] != AddrTypeIPv4 {
		t.Errorf("ATYP = %d, want %d", header[3], AddrTypeIPv4)
	}
	if header[4] != 1 || header[5] != 2 || header[6] != 3 || header[7] != 4 {
		t.Errorf("Address = %v, want [1,2,3,4]", header[4:8])
	}
	port := binary.BigEndian.Uint16(header[8:10])
	if port != 1234 {
		t.Errorf("Port = %d, want 1234", port)
	}
}

func TestBuildUDPHeader_Domain(t *testing.T) {
	domain := "test.com"
	domainBytes := append([]byte{byte(len(domain))}, []byte(domain)...)
	header := BuildUDPHeader(AddrTypeDomain, domainBytes, 8080)

	expectedLen := 4 + len(domainBytes) + 2
	if len(header) != expectedLen {
		t.Fatalf("Header length = %d, want %d", len(header), expectedLen)
	}
	if header[3] != AddrTypeDomain {
		t.Errorf("ATYP = %d, want %d", header[3], AddrTypeDomain)
	}
}

func TestParseUDPHeader_RoundTrip(t *testing.T) {
	addrBytes := net.IPv4(192, 168, 1, 1).To4()
	original := BuildUDPHeader(AddrTypeIPv4, addrBytes, 5000)
	original = append(original, []byte("payload")...)

	header, payload, err := ParseUDPHeader(original)
	if err != nil {
		t.Fatalf("ParseUDPHeader error: %v", err)
	}

	if !header.Address.Equal(net.IPv4(192, 168, 1, 1)) {
		t.Errorf("Address mismatch: %v", header.Address)
	}
	if header.Port != 5000 {
		t.Errorf("Port = %d, want 5000", header.Port)
	}
	if string(payload) != "payload" {
		t.Errorf("Payload = %q, want %q", payload, "payload")
	}
}

// ============================================================================
// udpAssociation pinning
// ============================================================================

func TestUDPAssociation_PinsFirstSender(t *testing.T) {
	a := &udpAssociation{outbound: make(map[string]*udpOutbound)}

	first := &net.UDPAddr{IP: net.ParseIP("10.0.0.1"), Port: 5000}
	if !a.pinnedOrAccept(first) {
		t.Fatal("first datagram should be accepted and pin the peer")
	}
	if a.client().String() != first.String() {
		t.Errorf("client() = %v, want %v", a.client(), first)
	}

	other := &net.UDPAddr{IP: net.ParseIP("10.0.0.2"), Port: 6000}
	if a.pinnedOrAccept(other) {
		t.Error("datagram from a different peer should be rejected once pinned")
	}

	again := &net.UDPAddr{IP: net.ParseIP("10.0.0.1"), Port: 5000}
	if !a.pinnedOrAccept(again) {
		t.Error("datagram from the pinned peer should keep being accepted")
	}
}

func TestUDPAssociation_ExpectedAddrPinsImmediately(t *testing.T) {
	expected := &net.UDPAddr{IP: net.ParseIP("10.0.0.5"), Port: 4000}
	a := &udpAssociation{outbound: make(map[string]*udpOutbound), expectedAddr: expected}

	wrong := &net.UDPAddr{IP: net.ParseIP("10.0.0.9"), Port: 4000}
	if a.pinnedOrAccept(wrong) {
		t.Error("datagram not matching the declared client address should be rejected")
	}

	right := &net.UDPAddr{IP: net.ParseIP("10.0.0.5"), Port: 9999}
	if !a.pinnedOrAccept(right) {
		t.Error("datagram matching the declared client IP should be accepted regardless of port")
	}
}

func TestUDPAssociation_Close(t *testing.T) {
	relay, err := net.ListenUDP("udp", &net.UDPAddr{})
	if err != nil {
		t.Fatalf("ListenUDP: %v", err)
	}
	a := &udpAssociation{relay: relay, outbound: make(map[string]*udpOutbound)}

	a.close()
	a.close() // double close must be safe
}

// ============================================================================
// UDP_ASSOCIATE end to end
// ============================================================================

func TestHandler_UDPAssociate_EchoRoundTrip(t *testing.T) {
	echo, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.ParseIP("127.0.0.1")})
	if err != nil {
		t.Fatalf("ListenUDP echo: %v", err)
	}
	defer echo.Close()
	go func() {
		buf := make([]byte, 2048)
		for {
			n, from, err := echo.ReadFromUDP(buf)
			if err != nil {
				return
			}
			echo.WriteToUDP(buf[:n], from)
		}
	}()
	echoAddr := echo.LocalAddr().(*net.UDPAddr)

	h := allowAllHandler(t)
	h.enableUDP = true

	tcpServer, tcpClient := net.Pipe()
	defer tcpClient.Close()

	done := make(chan error, 1)
	go func() { done <- h.Handle(tcpServer) }()

	// Greeting.
	tcpClient.Write([]byte{SOCKS5Version, 1, AuthMethodNoAuth})
	methodResp := make([]byte, 2)
	tcpClient.Read(methodResp)

	// UDP_ASSOCIATE with 0.0.0.0:0, so the relay accepts whoever sends first.
	req := []byte{SOCKS5Version, 0x03, 0x00, AddrTypeIPv4, 0, 0, 0, 0, 0, 0}
	tcpClient.Write(req)
	reply := make([]byte, 10)
	if _, err := io.ReadFull(tcpClient, reply); err != nil {
		t.Fatalf("read associate reply: %v", err)
	}
	if reply[1] != ReplySucceeded {
		t.Fatalf("reply = %d, want %d", reply[1], ReplySucceeded)
	}
	relayPort := binary.BigEndian.Uint16(reply[8:10])

	clientUDP, err := net.DialUDP("udp", nil, &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: int(relayPort)})
	if err != nil {
		t.Fatalf("DialUDP: %v", err)
	}
	defer clientUDP.Close()

	packet := BuildUDPHeader(AddrTypeIPv4, echoAddr.IP.To4(), uint16(echoAddr.Port))
	packet = append(packet, []byte("ping")...)
	if _, err := clientUDP.Write(packet); err != nil {
		t.Fatalf("write datagram: %v", err)
	}

	clientUDP.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 2048)
	n, err := clientUDP.Read(buf)
	if err != nil {
		t.Fatalf("read reply datagram: %v", err)
	}
	_, payload, err := ParseUDPHeader(buf[:n])
	if err != nil {
		t.Fatalf("ParseUDPHeader: %v", err)
	}
	if string(payload) != "ping" {
		t.Errorf("payload = %q, want %q", payload, "ping")
	}

	tcpClient.Close()
	<-done
}
