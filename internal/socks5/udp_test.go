package socks5

import (
	"net"
	"testing"
	"time"

	"github.com/postalsys/socks5d/internal/socksaddr"
)

func TestParseUDPHeader_IPv4(t *testing.T) {
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
	if header.Addr.Kind != socksaddr.KindIPv4 {
		t.Errorf("Kind = %d, want IPv4", header.Addr.Kind)
	}
	if !header.Addr.IP.Equal(net.IPv4(8, 8, 8, 8)) {
		t.Errorf("Address = %v, want 8.8.8.8", header.Addr.IP)
	}
	if header.Addr.Port != 53 {
		t.Errorf("Port = %d, want 53", header.Addr.Port)
	}
	if string(payload) != "hello" {
		t.Errorf("Payload = %q, want %q", payload, "hello")
	}
}

func TestParseUDPHeader_IPv6(t *testing.T) {
	data := []byte{
		0x00, 0x00, // RSV
		0x00, // FRAG
		0x04, // ATYP (IPv6)
		0x20, 0x01, 0x48, 0x60, 0x48, 0x60, 0x00, 0x00,
		0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x88, 0x88,
		0x01, 0xBB, // Port 443
		'd', 'a', 't', 'a',
	}

	header, payload, err := ParseUDPHeader(data)
	if err != nil {
		t.Fatalf("ParseUDPHeader error: %v", err)
	}

	if header.Addr.Kind != socksaddr.KindIPv6 {
		t.Errorf("Kind = %d, want IPv6", header.Addr.Kind)
	}
	if header.Addr.Port != 443 {
		t.Errorf("Port = %d, want 443", header.Addr.Port)
	}
	if string(payload) != "data" {
		t.Errorf("Payload = %q, want %q", payload, "data")
	}
}

func TestParseUDPHeader_Domain(t *testing.T) {
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

	if header.Addr.Kind != socksaddr.KindDomain {
		t.Errorf("Kind = %d, want Domain", header.Addr.Kind)
	}
	if header.Addr.Domain != domain {
		t.Errorf("Domain = %q, want %q", header.Addr.Domain, domain)
	}
	if header.Addr.Port != 80 {
		t.Errorf("Port = %d, want 80", header.Addr.Port)
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
	if err == nil {
		t.Error("Expected error for fragmented datagram")
	}
}

func TestBuildUDPHeader_IPv4(t *testing.T) {
	addr := socksaddr.New("1.2.3.4", 1234)
	header, err := BuildUDPHeader(addr, nil)
	if err != nil {
		t.Fatalf("BuildUDPHeader error: %v", err)
	}

	// RSV(2) + FRAG(1) + ATYP(1) + ADDR(4) + PORT(2) = 10 bytes
	if len(header) != 10 {
		t.Fatalf("Header length = %d, want 10", len(header))
	}
	if header[0] != 0 || header[1] != 0 {
		t.Errorf("RSV = [%d, %d], want [0, 0]", header[0], header[1])
	}
	if header[2] != 0 {
		t.Errorf("FRAG = %d, want 0", header[2])
	}
	if header[3] != byte(socksaddr.KindIPv4) {
		t.Errorf("ATYP = %d, want %d", header[3], socksaddr.KindIPv4)
	}
	if header[4] != 1 || header[5] != 2 || header[6] != 3 || header[7] != 4 {
		t.Errorf("Address = %v, want [1,2,3,4]", header[4:8])
	}
}

func TestBuildUDPHeader_Domain(t *testing.T) {
	addr := socksaddr.New("test.com", 8080)
	header, err := BuildUDPHeader(addr, nil)
	if err != nil {
		t.Fatalf("BuildUDPHeader error: %v", err)
	}

	expectedLen := 4 + 1 + len("test.com") + 2
	if len(header) != expectedLen {
		t.Fatalf("Header length = %d, want %d", len(header), expectedLen)
	}
	if header[3] != byte(socksaddr.KindDomain) {
		t.Errorf("ATYP = %d, want %d", header[3], socksaddr.KindDomain)
	}
}

func TestParseUDPHeader_RoundTrip(t *testing.T) {
	addr := socksaddr.New("192.168.1.1", 5000)
	original, err := BuildUDPHeader(addr, []byte("payload"))
	if err != nil {
		t.Fatalf("BuildUDPHeader error: %v", err)
	}

	header, payload, err := ParseUDPHeader(original)
	if err != nil {
		t.Fatalf("ParseUDPHeader error: %v", err)
	}

	if !header.Addr.IP.Equal(net.IPv4(192, 168, 1, 1)) {
		t.Errorf("Address mismatch: %v", header.Addr.IP)
	}
	if header.Addr.Port != 5000 {
		t.Errorf("Port = %d, want 5000", header.Addr.Port)
	}
	if string(payload) != "payload" {
		t.Errorf("Payload = %q, want %q", payload, "payload")
	}
}

func TestResolveCache_CachesResolution(t *testing.T) {
	c := newResolveCache()
	addr := socksaddr.New("127.0.0.1", 53)

	a1, err := c.resolve(addr)
	if err != nil {
		t.Fatalf("resolve error: %v", err)
	}
	a2, err := c.resolve(addr)
	if err != nil {
		t.Fatalf("resolve error: %v", err)
	}
	if a1 != a2 {
		t.Error("resolve() should return the cached pointer on second call")
	}
	if c.size() != 1 {
		t.Errorf("size() = %d, want 1", c.size())
	}
}

func TestUDPAssociation_NewAndClose(t *testing.T) {
	assoc, err := newUDPAssociation(net.IPv4zero, nil, nopMetrics{})
	if err != nil {
		t.Fatalf("newUDPAssociation error: %v", err)
	}

	if assoc.LocalAddr() == nil {
		t.Error("LocalAddr() should not be nil")
	}

	assoc.Close()
	// Double close should be safe.
	assoc.Close()
}

func TestUDPAssociation_ClientRoundTrip(t *testing.T) {
	echo, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4zero, Port: 0})
	if err != nil {
		t.Fatalf("listen echo: %v", err)
	}
	defer echo.Close()

	go func() {
		buf := make([]byte, 1024)
		for {
			n, addr, err := echo.ReadFromUDP(buf)
			if err != nil {
				return
			}
			echo.WriteToUDP(buf[:n], addr)
		}
	}()

	assoc, err := newUDPAssociation(net.IPv4zero, nil, nopMetrics{})
	if err != nil {
		t.Fatalf("newUDPAssociation error: %v", err)
	}
	defer assoc.Close()

	client, err := net.DialUDP("udp4", nil, assoc.LocalAddr().(*net.UDPAddr))
	if err != nil {
		t.Fatalf("dial assoc: %v", err)
	}
	defer client.Close()

	echoAddr := socksaddr.New(echo.LocalAddr().(*net.UDPAddr).IP.String(), uint16(echo.LocalAddr().(*net.UDPAddr).Port))
	packet, err := BuildUDPHeader(echoAddr, []byte("ping"))
	if err != nil {
		t.Fatalf("BuildUDPHeader error: %v", err)
	}

	if _, err := client.Write(packet); err != nil {
		t.Fatalf("write: %v", err)
	}

	client.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 1024)
	n, err := client.Read(buf)
	if err != nil {
		t.Fatalf("read reply: %v", err)
	}

	_, payload, err := ParseUDPHeader(buf[:n])
	if err != nil {
		t.Fatalf("ParseUDPHeader error: %v", err)
	}
	if string(payload) != "ping" {
		t.Errorf("payload = %q, want %q", payload, "ping")
	}
}
