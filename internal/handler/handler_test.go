package handler

import (
	"encoding/binary"
	"io"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/ubnt-mirror/sni-proxy/internal/policy"
	"github.com/ubnt-mirror/sni-proxy/internal/ratelimit"
	"github.com/ubnt-mirror/sni-proxy/internal/routes"
	"github.com/ubnt-mirror/sni-proxy/internal/stats"
)

// buildClientHello assembles a minimal, well-formed TLS record containing a
// ClientHello with a single SNI host_name extension.
func buildClientHello(t *testing.T, sni string) []byte {
	t.Helper()

	var body []byte
	body = append(body, 0x03, 0x03)
	body = append(body, make([]byte, 32)...)
	body = append(body, 0x00)
	body = append(body, 0x00, 0x02, 0x13, 0x01)
	body = append(body, 0x01, 0x00)

	var ext []byte
	if sni != "" {
		nameList := append([]byte{0x00, byte(len(sni) >> 8), byte(len(sni))}, []byte(sni)...)
		listLenBuf := make([]byte, 2)
		binary.BigEndian.PutUint16(listLenBuf, uint16(len(nameList)))
		sniExtBody := append(listLenBuf, nameList...)

		ext = append(ext, 0x00, 0x00)
		extLenBuf := make([]byte, 2)
		binary.BigEndian.PutUint16(extLenBuf, uint16(len(sniExtBody)))
		ext = append(ext, extLenBuf...)
		ext = append(ext, sniExtBody...)
	}

	extLenBuf := make([]byte, 2)
	binary.BigEndian.PutUint16(extLenBuf, uint16(len(ext)))
	body = append(body, extLenBuf...)
	body = append(body, ext...)

	handshake := make([]byte, 4)
	handshake[0] = 0x01
	hlen := len(body)
	handshake[1] = byte(hlen >> 16)
	handshake[2] = byte(hlen >> 8)
	handshake[3] = byte(hlen)
	handshake = append(handshake, body...)

	record := make([]byte, 5)
	record[0] = 0x16
	record[1], record[2] = 0x03, 0x03
	rlen := len(handshake)
	binary.BigEndian.PutUint16(record[3:5], uint16(rlen))
	record = append(record, handshake...)

	return record
}

func testTimeouts() Timeouts {
	return Timeouts{
		Preread: 2 * time.Second,
		Dial:    2 * time.Second,
		Idle:    2 * time.Second,
	}
}

func newTestHandler(t *testing.T, rt *routes.Table) (*Handler, *stats.Tracker) {
	t.Helper()
	st := stats.New()
	h := New(policy.New(nil), ratelimit.New(1000), rt, st, testTimeouts())
	t.Cleanup(func() { h.Limiter.Stop() })
	return h, st
}

// startEchoUpstream starts a TCP listener that echoes everything it reads
// back to the same connection, standing in for an upstream during splice.
func startEchoUpstream(t *testing.T) net.Listener {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				defer conn.Close()
				io.Copy(conn, conn)
			}()
		}
	}()
	return ln
}

func upstreamTarget(t *testing.T, ln net.Listener) routes.Upstream {
	t.Helper()
	host, portStr, err := net.SplitHostPort(ln.Addr().String())
	if err != nil {
		t.Fatalf("split upstream addr: %v", err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		t.Fatalf("parse upstream port: %v", err)
	}
	return routes.Upstream{Host: host, Port: port}
}

func TestHappyPathSplicesAndRecordsSuccess(t *testing.T) {
	ln := startEchoUpstream(t)
	defer ln.Close()

	rt := routes.Default()
	target := upstreamTarget(t, ln)

	h, st := newTestHandler(t, rt)
	// Point the "fw-download.ubnt.com" route at our echo upstream instead of
	// the real one, without needing a YAML fixture on disk.
	h.Routes = tableWithOverride(rt, "fw-download.ubnt.com", target)

	client, server := net.Pipe()
	defer client.Close()

	done := make(chan struct{})
	go func() {
		h.Handle(server)
		close(done)
	}()

	hello := buildClientHello(t, "fw-download.ubnt.com")
	if _, err := client.Write(hello); err != nil {
		t.Fatalf("write clienthello: %v", err)
	}

	echoBuf := make([]byte, len(hello))
	client.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := io.ReadFull(client, echoBuf); err != nil {
		t.Fatalf("reading echoed clienthello: %v", err)
	}
	if string(echoBuf) != string(hello) {
		t.Fatal("echoed bytes did not match the buffered ClientHello")
	}

	client.Close()
	<-done

	snap := st.Snapshot()
	if snap.Total != 1 || snap.Successful != 1 || snap.Failed != 0 {
		t.Fatalf("unexpected snapshot: %+v", snap)
	}
	if snap.Active != 0 {
		t.Fatalf("active = %d, want 0 after close", snap.Active)
	}
	if snap.Domains["fw-download.ubnt.com"] != 1 {
		t.Fatalf("domains map missing admitted sni: %+v", snap.Domains)
	}
}

func TestUnknownSNIClosesWithoutDialing(t *testing.T) {
	rt := routes.Default()
	h, st := newTestHandler(t, rt)

	dialed := false
	h.DialFunc = func(network, addr string, timeout time.Duration) (net.Conn, error) {
		dialed = true
		return nil, io.ErrClosedPipe
	}

	client, server := net.Pipe()
	done := make(chan struct{})
	go func() {
		h.Handle(server)
		close(done)
	}()

	hello := buildClientHello(t, "example.com")
	client.Write(hello)
	client.Close()
	<-done

	if dialed {
		t.Fatal("handler must not dial upstream for an SNI with no route")
	}
	snap := st.Snapshot()
	if snap.Total != 1 || snap.Failed != 1 || snap.Successful != 0 {
		t.Fatalf("unexpected snapshot: %+v", snap)
	}
	if snap.Domains["example.com"] != 1 {
		t.Fatal("an unrouted SNI is still counted in the domains map at admission")
	}
}

func TestNonTLSFirstByteClosesImmediately(t *testing.T) {
	rt := routes.Default()
	h, st := newTestHandler(t, rt)

	client, server := net.Pipe()
	done := make(chan struct{})
	go func() {
		h.Handle(server)
		close(done)
	}()

	client.Write([]byte("GET / HTTP/1.1\r\n\r\n"))
	client.Close()
	<-done

	snap := st.Snapshot()
	if snap.Total != 0 {
		t.Fatalf("total = %d, want 0: non-TLS traffic never reaches admission", snap.Total)
	}
	if snap.Failed != 1 {
		t.Fatalf("failed = %d, want 1", snap.Failed)
	}
}

func TestIPDeniedClosesBeforeAnyRead(t *testing.T) {
	rt := routes.Default()
	st := stats.New()
	p := policy.New([]string{"10.0.0.0/8"})
	limiter := ratelimit.New(1000)
	defer limiter.Stop()
	h := New(p, limiter, rt, st, testTimeouts())

	client, server := net.Pipe()
	done := make(chan struct{})
	go func() {
		h.Handle(server)
		close(done)
	}()
	client.Close()
	<-done

	snap := st.Snapshot()
	if snap.Failed != 1 || snap.Total != 0 {
		t.Fatalf("unexpected snapshot: %+v", snap)
	}
}

func TestRateLimitedClosesImmediately(t *testing.T) {
	rt := routes.Default()
	st := stats.New()
	p := policy.New(nil)
	limiter := ratelimit.New(1)
	defer limiter.Stop()
	h := New(p, limiter, rt, st, testTimeouts())

	// Exhaust the single-connection budget for this source address first.
	// net.Pipe connections report "pipe" as their RemoteAddr.
	limiter.Check("pipe")

	client, server := net.Pipe()
	done := make(chan struct{})
	go func() {
		h.Handle(server)
		close(done)
	}()
	client.Close()
	<-done

	snap := st.Snapshot()
	if snap.Failed != 1 {
		t.Fatalf("failed = %d, want 1", snap.Failed)
	}
}

func TestOversizedHelloClosesAtBufferCap(t *testing.T) {
	rt := routes.Default()
	h, st := newTestHandler(t, rt)

	client, server := net.Pipe()
	done := make(chan struct{})
	go func() {
		h.Handle(server)
		close(done)
	}()

	// A record header declaring a 64 KiB payload keeps the probe reporting
	// Incomplete past the 16 KiB preread cap.
	header := []byte{0x16, 0x03, 0x03, 0xff, 0xff}
	client.SetWriteDeadline(time.Now().Add(2 * time.Second))
	client.Write(header)
	filler := make([]byte, 4096)
	for i := 0; i < 8; i++ {
		if _, err := client.Write(filler); err != nil {
			break
		}
	}
	client.Close()
	<-done

	snap := st.Snapshot()
	if snap.Failed != 1 || snap.Total != 0 {
		t.Fatalf("unexpected snapshot: %+v", snap)
	}
}

func TestPrereadTimeoutWhenClientSendsNothing(t *testing.T) {
	rt := routes.Default()
	st := stats.New()
	limiter := ratelimit.New(1000)
	defer limiter.Stop()
	h := New(policy.New(nil), limiter, rt, st, Timeouts{
		Preread: 100 * time.Millisecond,
		Dial:    time.Second,
		Idle:    time.Second,
	})

	client, server := net.Pipe()
	defer client.Close()

	done := make(chan struct{})
	go func() {
		h.Handle(server)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("handler did not close an idle preread within the deadline")
	}

	snap := st.Snapshot()
	if snap.Failed != 1 || snap.Total != 0 {
		t.Fatalf("unexpected snapshot: %+v", snap)
	}
}

// tableWithOverride builds a new route table identical to base but with one
// hostname repointed at target, without touching a YAML fixture on disk.
func tableWithOverride(base *routes.Table, host string, target routes.Upstream) *routes.Table {
	entries := map[string]routes.Upstream{}
	for _, h := range base.Hostnames() {
		u, _ := base.Lookup(h)
		entries[h] = u
	}
	entries[host] = target
	return routes.New(entries)
}
