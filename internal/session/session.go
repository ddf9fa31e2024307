//go:build linux

// Package session implements the per-connection SOCKS5 state machine:
// greeting negotiation, CONNECT dial through the balancer, bidirectional
// relay, and deterministic teardown on every exit path.
//
// Phases are an explicit, enumerable dispatch target rather than state
// spread across closures, so the set of reachable states stays closed and
// testable.
package session

import (
	"bytes"
	"fmt"
	"log/slog"

	"github.com/dispatchng/netdispatch/internal/balancer"
	"github.com/dispatchng/netdispatch/internal/evcore"
	"github.com/dispatchng/netdispatch/internal/netaddr"
	"github.com/dispatchng/netdispatch/internal/socketx"
)

// Phase is the closed set of Connection states.
type Phase int

const (
	PhaseAccepted Phase = iota
	PhaseMethodSelect
	PhaseRequestRead
	PhaseAcquire
	PhaseDialing
	PhaseDialingWait
	PhaseReplySuccess
	PhaseRelaying
	PhaseClosing
	PhaseClosed
)

func (p Phase) String() string {
	switch p {
	case PhaseAccepted:
		return "accepted"
	case PhaseMethodSelect:
		return "method_select"
	case PhaseRequestRead:
		return "request_read"
	case PhaseAcquire:
		return "acquire"
	case PhaseDialing:
		return "dialing"
	case PhaseDialingWait:
		return "dialing_wait"
	case PhaseReplySuccess:
		return "reply_success"
	case PhaseRelaying:
		return "relaying"
	case PhaseClosing:
		return "closing"
	default:
		return "closed"
	}
}

const relayBufSize = 8192

// SOCKS5 wire constants (RFC 1928), CONNECT/NO-AUTH/IPv4/IPv6 subset only.
const (
	socksVersion  = 0x05
	methodNoAuth  = 0x00
	methodNoneOK  = 0xFF
	cmdConnect    = 0x01
	atypIPv4      = 0x01
	atypDomain    = 0x03
	atypIPv6      = 0x04
	replySuccess  = 0x00
	replyGeneral  = 0x01
	replyNetUnrch = 0x03
	replyHostUnr  = 0x04
	replyConnRef  = 0x05
	replyTTLExp   = 0x06
	replyCmdNoSup = 0x07
	replyAddrNoS  = 0x08
)

// controlWrite is a pending best-effort write of a fixed byte slice to the
// client fd (method replies, CONNECT replies), with partial-write retry.
type controlWrite struct {
	data   []byte
	off    int
	onDone func()
}

// relayHalf is the state of one direction of the bidirectional pump: a
// fixed-size buffer plus the two completion flags.
type relayHalf struct {
	buf            [relayBufSize]byte
	start, end     int
	srcEOF         bool
	sinkHalfClosed bool
}

func (h *relayHalf) len() int   { return h.end - h.start }
func (h *relayHalf) full() bool { return h.len() == len(h.buf) }

func (h *relayHalf) compact() {
	if h.start > 0 {
		n := copy(h.buf[:], h.buf[h.start:h.end])
		h.start, h.end = 0, n
	}
}

func (h *relayHalf) writeSlice() []byte {
	h.compact()
	return h.buf[h.end:]
}

func (h *relayHalf) readSlice() []byte { return h.buf[h.start:h.end] }

func (h *relayHalf) commitWrite(n int) { h.end += n }

func (h *relayHalf) commitRead(n int) {
	h.start += n
	if h.start == h.end {
		h.start, h.end = 0, 0
	}
}

// Config supplies a Connection its collaborators. All fields except
// OnClose are required.
type Config struct {
	Logger *slog.Logger
	Core   *evcore.Core
	Pool   *balancer.Pool
	Client socketx.Handle
	// OnClose, if set, is called exactly once when the connection reaches
	// PhaseClosed, after every resource has been released.
	OnClose func()
}

// Connection is one accepted client's SOCKS5 session.
type Connection struct {
	log  *slog.Logger
	core *evcore.Core
	pool *balancer.Pool

	client      socketx.Handle
	upstream    socketx.Handle
	clientSrc   evcore.SourceID
	upstreamSrc evcore.SourceID
	reserved    *balancer.Interface
	phase       Phase
	onClose     func()

	inBuf []byte
	dst   netaddr.SocketAddress

	outCtrl *controlWrite

	c2u relayHalf // client -> upstream
	u2c relayHalf // upstream -> client
}

// New creates a Connection in PhaseAccepted. Call Start to arm the initial
// read on the client socket.
func New(cfg Config) *Connection {
	return &Connection{
		log:      cfg.Logger,
		core:     cfg.Core,
		pool:     cfg.Pool,
		client:   cfg.Client,
		upstream: socketx.InvalidHandle,
		phase:    PhaseAccepted,
		onClose:  cfg.OnClose,
	}
}

// Phase reports the connection's current state, mainly for tests and logs.
func (c *Connection) Phase() Phase { return c.phase }

// Start registers the initial read interest for the SOCKS greeting.
func (c *Connection) Start() error {
	id, err := c.core.Register(c.client.FD(), evcore.Read, c.onClientEvent)
	if err != nil {
		return fmt.Errorf("register client fd: %w", err)
	}
	c.clientSrc = id
	return nil
}

// ---- client-side event dispatch ----

func (c *Connection) onClientEvent(ready evcore.Interest) {
	switch c.phase {
	case PhaseAccepted:
		if ready&evcore.Read != 0 {
			c.handleGreeting()
		}
	case PhaseRequestRead:
		if ready&evcore.Read != 0 {
			c.handleRequest()
		}
	case PhaseMethodSelect, PhaseReplySuccess, PhaseClosing:
		if ready&evcore.Write != 0 {
			c.flushControlWrite()
		}
	case PhaseRelaying:
		c.onClientRelayEvent(ready)
	}
}

func (c *Connection) onUpstreamEvent(ready evcore.Interest) {
	switch c.phase {
	case PhaseDialingWait:
		if ready&evcore.Write != 0 {
			c.finishDialingWait()
		}
	case PhaseRelaying:
		c.onUpstreamRelayEvent(ready)
	}
}

// ---- interest arming ----

func (c *Connection) armClient(interest evcore.Interest) {
	if interest == 0 {
		c.cancelClient()
		return
	}
	id, err := c.core.Register(c.client.FD(), interest, c.onClientEvent)
	if err != nil {
		c.fail(err)
		return
	}
	c.clientSrc = id
}

func (c *Connection) armUpstream(interest evcore.Interest) {
	if interest == 0 {
		c.cancelUpstream()
		return
	}
	id, err := c.core.Register(c.upstream.FD(), interest, c.onUpstreamEvent)
	if err != nil {
		c.fail(err)
		return
	}
	c.upstreamSrc = id
}

func (c *Connection) cancelClient() {
	if c.clientSrc != 0 {
		_ = c.core.Cancel(c.clientSrc)
		c.clientSrc = 0
	}
}

func (c *Connection) cancelUpstream() {
	if c.upstreamSrc != 0 {
		_ = c.core.Cancel(c.upstreamSrc)
		c.upstreamSrc = 0
	}
}

// ---- reading helpers ----

// fillFrom reads repeatedly from h, appending to c.inBuf, until it holds at
// least need bytes, the peer EOFs, a real error occurs, or the read would
// block (in which case it returns ok=false, eof=false, err=nil and the
// caller waits for the next readiness callback).
func (c *Connection) fillFrom(h socketx.Handle, need int) (ok, eof bool, err *socketx.Error) {
	var tmp [4096]byte
	for len(c.inBuf) < need {
		n, rerr := socketx.Read(h, tmp[:])
		if rerr != nil {
			if rerr.Kind == socketx.WouldBlock {
				return false, false, nil
			}
			return false, false, rerr
		}
		if n == 0 {
			return false, true, nil
		}
		c.inBuf = append(c.inBuf, tmp[:n]...)
	}
	return true, false, nil
}

// ---- Accepted: greeting ----

func (c *Connection) handleGreeting() {
	ok, eof, err := c.fillFrom(c.client, 2)
	if err != nil {
		c.fail(err)
		return
	}
	if eof {
		c.teardown()
		return
	}
	if !ok {
		return
	}

	nmethods := int(c.inBuf[1])
	total := 2 + nmethods
	ok, eof, err = c.fillFrom(c.client, total)
	if err != nil {
		c.fail(err)
		return
	}
	if eof {
		c.teardown()
		return
	}
	if !ok {
		return
	}

	methods := c.inBuf[2:total]
	c.inBuf = c.inBuf[total:]

	if bytes.IndexByte(methods, methodNoAuth) < 0 {
		c.phase = PhaseClosing
		c.armClient(evcore.Write)
		c.beginControlWrite([]byte{socksVersion, methodNoneOK}, c.teardown)
		return
	}

	c.phase = PhaseMethodSelect
	c.armClient(evcore.Write)
	c.beginControlWrite([]byte{socksVersion, methodNoAuth}, func() {
		c.phase = PhaseRequestRead
		c.armClient(evcore.Read)
	})
}

// ---- RequestRead: CONNECT request ----

// addrLenForType reports the address length a SOCKS5 ATYP byte implies, or
// ok=false for an address type this dispatcher does not support.
func addrLenForType(atyp byte) (n int, ok bool) {
	switch atyp {
	case atypIPv4:
		return 4, true
	case atypIPv6:
		return 16, true
	default:
		return 0, false
	}
}

// parseConnectRequest decodes a complete SOCKS5 request (VER CMD RSV ATYP
// + address + port) from buf. buf must hold exactly the number of bytes
// addrLenForType(buf[3]) implies; handleRequest establishes that via
// fillFrom before calling this. It never indexes out of range regardless
// of buf's contents, which is what lets FuzzParseRequest drive it directly
// with arbitrary byte slices.
//
// ok reports whether dst is usable. When ok is false, replyCode is the
// SOCKS reply to send before closing, or 0 if the request is malformed
// enough that no reply should be attempted (wrong version, too short).
func parseConnectRequest(buf []byte) (cmd byte, dst netaddr.SocketAddress, replyCode byte, ok bool) {
	if len(buf) < 4 {
		return 0, netaddr.SocketAddress{}, 0, false
	}
	ver, cmd, atyp := buf[0], buf[1], buf[3]
	if ver != socksVersion {
		return cmd, netaddr.SocketAddress{}, 0, false
	}
	if cmd != cmdConnect {
		return cmd, netaddr.SocketAddress{}, replyCmdNoSup, false
	}

	addrLen, ok := addrLenForType(atyp)
	if !ok {
		return cmd, netaddr.SocketAddress{}, replyAddrNoS, false
	}

	need := 4 + addrLen + 2
	if len(buf) < need {
		return cmd, netaddr.SocketAddress{}, 0, false
	}

	addrBytes := buf[4 : 4+addrLen]
	port := uint16(buf[4+addrLen])<<8 | uint16(buf[4+addrLen+1])

	var host netaddr.HostAddress
	if atyp == atypIPv4 {
		host = netaddr.HostAddressFromIPv4([4]byte(addrBytes))
	} else {
		host = netaddr.HostAddressFromIPv6([16]byte(addrBytes))
	}
	return cmd, netaddr.SocketAddress{Host: host, Port: port}, 0, true
}

func (c *Connection) handleRequest() {
	ok, eof, err := c.fillFrom(c.client, 4)
	if err != nil {
		c.fail(err)
		return
	}
	if eof {
		c.teardown()
		return
	}
	if !ok {
		return
	}

	if c.inBuf[0] != socksVersion {
		c.teardown()
		return
	}

	addrLen, supported := addrLenForType(c.inBuf[3])
	if !supported {
		c.closeWithReply(replyAddrNoS)
		return
	}

	total := 4 + addrLen + 2
	ok, eof, err = c.fillFrom(c.client, total)
	if err != nil {
		c.fail(err)
		return
	}
	if eof {
		c.teardown()
		return
	}
	if !ok {
		return
	}

	_, dst, replyCode, parsed := parseConnectRequest(c.inBuf[:total])
	c.inBuf = c.inBuf[total:]
	if !parsed {
		if replyCode != 0 {
			c.closeWithReply(replyCode)
		} else {
			c.teardown()
		}
		return
	}

	c.dst = dst
	c.phase = PhaseAcquire
	c.doAcquire()
}

// ---- Acquire / Dialing ----

func (c *Connection) doAcquire() {
	families := map[netaddr.Family]bool{c.dst.Host.Family(): true}
	iface, ok := c.pool.Acquire(families)
	if !ok {
		c.closeWithReply(replyNetUnrch)
		return
	}
	c.reserved = iface
	c.phase = PhaseDialing
	c.doDial()
}

func (c *Connection) doDial() {
	h, ferr := socketx.CreateBound(netaddr.SocketAddress{Host: c.reserved.Source, Port: 0})
	if ferr != nil {
		c.closeWithReply(replyGeneral)
		return
	}
	c.upstream = h

	cerr := socketx.Connect(h, c.dst)
	if cerr == nil {
		c.sendSuccessReply()
		return
	}
	if cerr.Kind == socketx.InProgress {
		c.phase = PhaseDialingWait
		c.armUpstream(evcore.Write)
		return
	}
	c.closeWithReply(replyCodeFor(cerr.Kind))
}

func (c *Connection) finishDialingWait() {
	c.cancelUpstream()
	if perr := socketx.PendingError(c.upstream); perr != nil {
		c.closeWithReply(replyCodeFor(perr.Kind))
		return
	}
	c.sendSuccessReply()
}

func replyCodeFor(kind socketx.ErrorKind) byte {
	switch kind {
	case socketx.ConnRefused:
		return replyConnRef
	case socketx.NetUnreach:
		return replyNetUnrch
	case socketx.HostUnreach:
		return replyHostUnr
	case socketx.Timeout:
		return replyTTLExp
	default:
		return replyGeneral
	}
}

// ---- ReplySuccess ----

func (c *Connection) sendSuccessReply() {
	c.phase = PhaseReplySuccess
	addr, ferr := socketx.LocalAddress(c.upstream)
	if ferr != nil {
		c.fail(ferr)
		return
	}
	reply := buildReply(replySuccess, addr)
	c.armClient(evcore.Write)
	c.beginControlWrite(reply, func() {
		c.phase = PhaseRelaying
		c.beginRelay()
	})
}

func buildReply(code byte, addr netaddr.SocketAddress) []byte {
	var atyp byte
	var addrBytes []byte
	if addr.Host.Family() == netaddr.INET6 {
		atyp = atypIPv6
		o := addr.Host.Octets16()
		addrBytes = o[:]
	} else {
		atyp = atypIPv4
		o := addr.Host.Octets4()
		addrBytes = o[:]
	}
	out := make([]byte, 0, 6+len(addrBytes))
	out = append(out, socksVersion, code, 0x00, atyp)
	out = append(out, addrBytes...)
	out = append(out, byte(addr.Port>>8), byte(addr.Port))
	return out
}

var zeroReplyAddr = netaddr.SocketAddress{Host: netaddr.HostAddressFromIPv4([4]byte{}), Port: 0}

// closeWithReply writes a failure reply with a zeroed bound address and
// then tears the connection down.
func (c *Connection) closeWithReply(code byte) {
	c.phase = PhaseClosing
	if !c.client.Valid() {
		c.teardown()
		return
	}
	c.armClient(evcore.Write)
	c.beginControlWrite(buildReply(code, zeroReplyAddr), c.teardown)
}

// ---- control-write plumbing (greeting reply, CONNECT reply) ----

func (c *Connection) beginControlWrite(data []byte, onDone func()) {
	c.outCtrl = &controlWrite{data: data, onDone: onDone}
	c.flushControlWrite()
}

func (c *Connection) flushControlWrite() {
	cw := c.outCtrl
	if cw == nil {
		return
	}
	for cw.off < len(cw.data) {
		n, err := socketx.Write(c.client, cw.data[cw.off:])
		if err != nil {
			if err.Kind == socketx.WouldBlock {
				return
			}
			c.fail(err)
			return
		}
		cw.off += n
	}
	c.outCtrl = nil
	done := cw.onDone
	if done != nil {
		done()
	}
}

// ---- Relaying ----

func (c *Connection) beginRelay() {
	// A client may pipeline payload behind the CONNECT request; whatever
	// fillFrom over-read past the request belongs to the c2u stream.
	if len(c.inBuf) > 0 {
		n := copy(c.c2u.writeSlice(), c.inBuf)
		c.c2u.commitWrite(n)
		c.inBuf = c.inBuf[n:]
	}
	c.recomputeRelayInterest()
}

func (c *Connection) onClientRelayEvent(ready evcore.Interest) {
	if ready&evcore.Read != 0 {
		c.relayRead(&c.c2u, c.client, c.upstream)
	}
	if c.phase != PhaseRelaying {
		return
	}
	if ready&evcore.Write != 0 {
		c.relayWrite(&c.u2c, c.client)
	}
	if c.phase != PhaseRelaying {
		return
	}
	c.recomputeRelayInterest()
	c.checkRelayDone()
}

func (c *Connection) onUpstreamRelayEvent(ready evcore.Interest) {
	if ready&evcore.Read != 0 {
		c.relayRead(&c.u2c, c.upstream, c.client)
	}
	if c.phase != PhaseRelaying {
		return
	}
	if ready&evcore.Write != 0 {
		c.relayWrite(&c.c2u, c.upstream)
	}
	if c.phase != PhaseRelaying {
		return
	}
	c.recomputeRelayInterest()
	c.checkRelayDone()
}

func (c *Connection) relayRead(half *relayHalf, src, sink socketx.Handle) {
	for !half.full() {
		n, err := socketx.Read(src, half.writeSlice())
		if err != nil {
			if err.Kind == socketx.WouldBlock {
				return
			}
			c.fail(err)
			return
		}
		if n == 0 {
			half.srcEOF = true
			if half.len() == 0 && !half.sinkHalfClosed {
				_ = socketx.ShutdownWrite(sink)
				half.sinkHalfClosed = true
			}
			return
		}
		half.commitWrite(n)
	}
}

func (c *Connection) relayWrite(half *relayHalf, sink socketx.Handle) {
	for half.len() > 0 {
		n, err := socketx.Write(sink, half.readSlice())
		if err != nil {
			if err.Kind == socketx.WouldBlock {
				return
			}
			c.fail(err)
			return
		}
		half.commitRead(n)
	}
	if half.srcEOF && !half.sinkHalfClosed {
		_ = socketx.ShutdownWrite(sink)
		half.sinkHalfClosed = true
	}
}

func (c *Connection) recomputeRelayInterest() {
	if c.phase != PhaseRelaying {
		return
	}

	var clientInterest, upstreamInterest evcore.Interest
	if !c.c2u.srcEOF && !c.c2u.full() {
		clientInterest |= evcore.Read
	}
	if c.u2c.len() > 0 && !c.u2c.sinkHalfClosed {
		clientInterest |= evcore.Write
	}
	if !c.u2c.srcEOF && !c.u2c.full() {
		upstreamInterest |= evcore.Read
	}
	if c.c2u.len() > 0 && !c.c2u.sinkHalfClosed {
		upstreamInterest |= evcore.Write
	}

	c.armClient(clientInterest)
	if c.phase != PhaseRelaying {
		return
	}
	c.armUpstream(upstreamInterest)
}

func (c *Connection) checkRelayDone() {
	if c.phase != PhaseRelaying {
		return
	}
	if c.c2u.sinkHalfClosed && c.u2c.sinkHalfClosed {
		c.phase = PhaseClosing
		c.teardown()
	}
}

// ---- teardown ----

func (c *Connection) fail(err error) {
	c.log.Debug("connection terminated", "error", err, "phase", c.phase.String())
	c.teardown()
}

// teardown runs the three mandatory release actions exactly once, on
// every exit path: close client, close upstream, release the balancer
// reservation if one is outstanding.
func (c *Connection) teardown() {
	if c.phase == PhaseClosed {
		return
	}
	c.phase = PhaseClosed

	c.cancelClient()
	c.cancelUpstream()

	socketx.Close(&c.client)
	socketx.Close(&c.upstream)

	if c.reserved != nil {
		c.pool.Release(c.reserved)
		c.reserved = nil
	}

	if c.onClose != nil {
		c.onClose()
	}
}
