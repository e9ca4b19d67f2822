// Package handler runs the per-connection pipeline: admission checks,
// ClientHello preread, SNI parse, route lookup, upstream dial, and the
// bidirectional splice.
//
// The upstream dial is plain TCP and the buffered ClientHello is replayed
// verbatim before splicing, so exactly one TLS handshake exists on the wire
// end-to-end between client and upstream.
package handler

import (
	"io"
	"net"
	"time"

	"github.com/ubnt-mirror/sni-proxy/internal/proxyerr"
	"github.com/ubnt-mirror/sni-proxy/internal/ratelimit"
	"github.com/ubnt-mirror/sni-proxy/internal/routes"
	"github.com/ubnt-mirror/sni-proxy/internal/sniparse"
	"github.com/ubnt-mirror/sni-proxy/internal/stats"
	"github.com/ubnt-mirror/sni-proxy/internal/ui"
)

// AddressChecker decides whether a source address is admitted. Satisfied by
// *policy.AddressPolicy directly, or by a hot-swappable store wrapping one
// (see internal/server's SIGHUP reload support).
type AddressChecker interface {
	IsAllowed(addr string) bool
}

// RouteLookup resolves an SNI hostname to its upstream target. Satisfied by
// *routes.Table directly, or by a hot-swappable store wrapping one.
type RouteLookup interface {
	Lookup(sni string) (routes.Upstream, bool)
}

// splicePipeBuf is the per-direction copy buffer size during Splicing.
const splicePipeBuf = 32 * 1024

// halfCloseGrace is how long the splice waits for the second direction to
// finish after the first one ends, before force-closing both sockets.
const halfCloseGrace = 5 * time.Second

// Timeouts bundles the three configurable per-connection deadlines.
type Timeouts struct {
	Preread time.Duration
	Dial    time.Duration
	Idle    time.Duration
}

// Handler owns the shared collaborators a connection needs: the allow-list,
// rate limiter, route table, stats tracker, and timeouts. One Handler serves
// every accepted connection; per-connection state lives on the stack of
// Handle.
type Handler struct {
	Policy   AddressChecker
	Limiter  *ratelimit.Limiter
	Routes   RouteLookup
	Stats    *stats.Tracker
	Timeouts Timeouts
	DialFunc func(network, addr string, timeout time.Duration) (net.Conn, error)
}

// New constructs a Handler with the real net.Dialer as its DialFunc.
func New(p AddressChecker, l *ratelimit.Limiter, rt RouteLookup, st *stats.Tracker, timeouts Timeouts) *Handler {
	return &Handler{
		Policy:   p,
		Limiter:  l,
		Routes:   rt,
		Stats:    st,
		Timeouts: timeouts,
		DialFunc: dialTCP,
	}
}

func dialTCP(network, addr string, timeout time.Duration) (net.Conn, error) {
	d := net.Dialer{Timeout: timeout}
	return d.Dial(network, addr)
}

// Handle runs the full state machine for one accepted client connection. It
// owns clientConn exclusively and always closes it before returning.
func (h *Handler) Handle(clientConn net.Conn) {
	defer clientConn.Close()

	started := time.Now()
	clientAddr := clientConn.RemoteAddr().String()

	// --- State AwaitingHello ---

	if !h.Policy.IsAllowed(clientAddr) {
		h.Stats.RecordRejection(string(proxyerr.IpDenied))
		ui.LogRejection(clientAddr, string(proxyerr.IpDenied))
		return
	}
	if !h.Limiter.Check(hostOnly(clientAddr)) {
		h.Stats.RecordRejection(string(proxyerr.RateLimited))
		ui.LogRejection(clientAddr, string(proxyerr.RateLimited))
		return
	}

	clientConn.SetReadDeadline(time.Now().Add(h.Timeouts.Preread))
	buf, reason := h.preread(clientConn)
	if reason != proxyerr.OK {
		h.Stats.RecordRejection(string(reason))
		ui.LogRejection(clientAddr, string(reason))
		return
	}

	sni, ok := sniparse.Parse(buf)
	if !ok {
		h.Stats.RecordRejection(string(proxyerr.NoSni))
		ui.LogRejection(clientAddr, string(proxyerr.NoSni))
		return
	}

	// Admission is recorded before the route-table lookup: the domains
	// counter includes SNIs that turn out to have no route.
	h.Stats.RecordAdmission(sni, hostOnly(clientAddr))

	upstream, ok := h.Routes.Lookup(sni)
	if !ok {
		h.finish(clientConn, nil, started, proxyerr.SniNotAllowed)
		ui.LogRejection(clientAddr, string(proxyerr.SniNotAllowed))
		return
	}

	// --- State Dialing ---

	clientConn.SetReadDeadline(time.Time{})
	upConn, err := h.DialFunc("tcp", upstream.Addr(), h.Timeouts.Dial)
	if err != nil {
		h.finish(clientConn, nil, started, proxyerr.UpstreamUnreachable)
		ui.LogRejection(clientAddr, string(proxyerr.UpstreamUnreachable))
		return
	}
	defer upConn.Close()

	ui.LogAdmission(sni, clientAddr, upstream.Addr())

	// --- State Splicing ---

	prelude := int64(len(buf))
	if len(buf) > 0 {
		if _, err := upConn.Write(buf); err != nil {
			h.finish(clientConn, upConn, started, proxyerr.TransportError)
			return
		}
	}
	buf = nil // release the preread buffer before the copy phase

	up, down, reason := h.splice(clientConn, upConn)
	up += prelude // the replayed ClientHello is upstream-bound traffic too

	h.Stats.RecordBytes(sni, up, down)
	if reason == proxyerr.OK {
		ui.LogRelay(sni, clientAddr, up, down)
	}
	h.finish(clientConn, upConn, started, reason)
}

// preread reads from conn into a bounded buffer until sniparse.Probe
// reports Complete, NotTLS, or the buffer hits its cap.
func (h *Handler) preread(conn net.Conn) ([]byte, proxyerr.Reason) {
	buf := make([]byte, 0, 4096)
	read := make([]byte, 4096)

	for {
		limit := sniparse.MaxPreread - len(buf)
		if limit > len(read) {
			limit = len(read)
		}
		n, err := conn.Read(read[:limit])
		if n > 0 {
			buf = append(buf, read[:n]...)

			if buf[0] != 0x16 {
				return nil, proxyerr.NotTls
			}

			status, recordLen := sniparse.Probe(buf)
			switch status {
			case sniparse.NotTLS:
				return nil, proxyerr.NotTls
			case sniparse.Complete:
				return buf[:recordLen], proxyerr.OK
			case sniparse.Incomplete:
				if len(buf) >= sniparse.MaxPreread {
					return nil, proxyerr.HelloTooLarge
				}
			}
		}
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				return nil, proxyerr.PrereadTimeout
			}
			return nil, proxyerr.TransportError
		}
	}
}

// splice copies bytes bidirectionally between client and upstream until
// either direction ends, half-closing the opposite peer each time a
// direction finishes. Once the first direction ends it waits up to
// halfCloseGrace for the other one, then forces both sockets closed. It
// returns the bytes moved client-to-upstream and upstream-to-client.
func (h *Handler) splice(client, upstream net.Conn) (up, down int64, reason proxyerr.Reason) {
	client.SetDeadline(time.Time{})
	upstream.SetDeadline(time.Time{})

	results := make(chan error, 2)

	go func() {
		n, err := copyWithIdleReset(upstream, client, h.Timeouts.Idle)
		up = n
		closeWrite(upstream)
		closeRead(client)
		results <- err
	}()

	go func() {
		n, err := copyWithIdleReset(client, upstream, h.Timeouts.Idle)
		down = n
		closeWrite(client)
		closeRead(upstream)
		results <- err
	}()

	firstErr := <-results

	var secondErr error
	forced := false
	select {
	case secondErr = <-results:
	case <-time.After(halfCloseGrace):
		forced = true
		client.Close()
		upstream.Close()
		<-results
	}

	if firstErr != nil || (!forced && secondErr != nil) {
		return up, down, proxyerr.TransportError
	}
	return up, down, proxyerr.OK
}

// copyWithIdleReset copies from src to dst, resetting src's read deadline
// to now+idle after every successful read so an idle deadline, not a
// total-lifetime deadline, governs the splice phase.
func copyWithIdleReset(dst io.Writer, src net.Conn, idle time.Duration) (int64, error) {
	buf := make([]byte, splicePipeBuf)
	var total int64
	for {
		src.SetReadDeadline(time.Now().Add(idle))
		nr, er := src.Read(buf)
		if nr > 0 {
			nw, ew := dst.Write(buf[:nr])
			total += int64(nw)
			if ew != nil {
				return total, ew
			}
			if nw != nr {
				return total, io.ErrShortWrite
			}
		}
		if er != nil {
			if er == io.EOF {
				return total, nil
			}
			return total, er
		}
	}
}

// closeWrite half-closes the write side of conn if the underlying
// transport supports it (TCP does); otherwise it's a no-op, leaving the
// final Close to the caller.
func closeWrite(conn net.Conn) {
	if c, ok := conn.(interface{ CloseWrite() error }); ok {
		_ = c.CloseWrite()
	}
}

// closeRead half-closes the read side of conn if supported.
func closeRead(conn net.Conn) {
	if c, ok := conn.(interface{ CloseRead() error }); ok {
		_ = c.CloseRead()
	}
}

// finish closes both sockets (idempotent, since the defer in Handle also
// closes clientConn) and records the outcome in stats.
func (h *Handler) finish(client, upstream net.Conn, started time.Time, reason proxyerr.Reason) {
	if upstream != nil {
		upstream.Close()
	}
	client.Close()
	h.Stats.RecordClosed(reason == proxyerr.OK, string(reason), time.Since(started))
}

// hostOnly strips a ":port" suffix from a RemoteAddr string, for the
// per-source stats key.
func hostOnly(addr string) string {
	if h, _, err := net.SplitHostPort(addr); err == nil {
		return h
	}
	return addr
}
