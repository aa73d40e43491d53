// Package transport implements the wire framing the replicated log's
// transport external interface rides on (spec.md §6: `send(peer, bytes)`
// and an inbound `receive(bytes)` callback), adapted from the teacher's
// migration package (migration/transport.go): a fixed binary header
// followed by an opaque payload, the same shape the teacher uses to stream
// live-migration messages over a TCP connection.
//
// The header layout matches spec.md §6's "Log message header" wire format
// exactly: type (4 bytes), from-node (4 bytes), term (8 bytes), payload
// length (4 bytes), followed by the message-typed body — here always a
// marshaled go.etcd.io/raft/v3/raftpb.Message.
package transport

import (
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/purevisor/purevisor/errs"
	"github.com/purevisor/purevisor/hostctx"
)

// FrameType distinguishes the payload a Frame carries. Only one is defined
// today; the field exists so the wire format can grow without a new header
// shape, the same reason the teacher's migration.MsgType exists.
type FrameType uint32

const (
	FrameRaftMessage FrameType = 1
)

// headerSize is the fixed size of a Frame header on the wire (spec.md §6):
// type(4) + from-node(4) + term(8) + payload-length(4).
const headerSize = 4 + 4 + 8 + 4

// Frame is one framed message: a raft message (or, in principle, any future
// typed body) tagged with its sender and term.
type Frame struct {
	Type     FrameType
	FromNode uint32
	Term     uint64
	Payload  []byte
}

// WriteFrame writes f to w in spec.md §6's wire layout.
func WriteFrame(w io.Writer, f Frame) error {
	hdr := make([]byte, headerSize)
	binary.BigEndian.PutUint32(hdr[0:4], uint32(f.Type))
	binary.BigEndian.PutUint32(hdr[4:8], f.FromNode)
	binary.BigEndian.PutUint64(hdr[8:16], f.Term)
	binary.BigEndian.PutUint32(hdr[16:20], uint32(len(f.Payload)))

	if _, err := w.Write(hdr); err != nil {
		return fmt.Errorf("transport: write header: %w", err)
	}

	if len(f.Payload) > 0 {
		if _, err := w.Write(f.Payload); err != nil {
			return fmt.Errorf("transport: write payload: %w", err)
		}
	}

	return nil
}

// ReadFrame reads one Frame from r, blocking until a full frame arrives.
func ReadFrame(r io.Reader) (Frame, error) {
	hdr := make([]byte, headerSize)
	if _, err := io.ReadFull(r, hdr); err != nil {
		return Frame{}, fmt.Errorf("transport: read header: %w", err)
	}

	f := Frame{
		Type:     FrameType(binary.BigEndian.Uint32(hdr[0:4])),
		FromNode: binary.BigEndian.Uint32(hdr[4:8]),
		Term:     binary.BigEndian.Uint64(hdr[8:16]),
	}

	n := binary.BigEndian.Uint32(hdr[16:20])
	if n == 0 {
		return f, nil
	}

	f.Payload = make([]byte, n)
	if _, err := io.ReadFull(r, f.Payload); err != nil {
		return Frame{}, fmt.Errorf("transport: read payload (%d bytes): %w", n, err)
	}

	return f, nil
}

// InboundHandler is invoked with a peer's raw message payload whenever a
// Frame carrying FrameRaftMessage arrives; the concrete handler is a
// consensus.Log's Receive method.
type InboundHandler func(payload []byte)

// TCP is a peer-to-peer transport over plain TCP connections: one
// persistent outbound connection per peer (reconnected lazily on send
// failure) and one listener accepting inbound connections, each served by
// its own read loop. This satisfies spec.md §6's `send`/`receive` external
// interface for the replicated log.
type TCP struct {
	selfID uint32
	log    hostctx.LogSink

	mu    sync.Mutex
	conns map[uint32]net.Conn
	addrs map[uint32]string

	handler InboundHandler
	ln      net.Listener
}

// NewTCP creates a transport for node selfID. Peer addresses are registered
// with AddPeer; inbound connections are accepted once Listen is called.
func NewTCP(selfID uint32, log hostctx.LogSink) *TCP {
	return &TCP{
		selfID: selfID,
		log:    log,
		conns:  map[uint32]net.Conn{},
		addrs:  map[uint32]string{},
	}
}

// AddPeer registers (or updates) the dial address for a peer node ID.
func (t *TCP) AddPeer(id uint32, addr string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.addrs[id] = addr
}

// RemovePeer drops a peer's address and closes any open connection to it.
func (t *TCP) RemovePeer(id uint32) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if c, ok := t.conns[id]; ok {
		c.Close()
		delete(t.conns, id)
	}

	delete(t.addrs, id)
}

// Listen starts accepting inbound connections on addr. Each connection is
// served by its own goroutine reading frames until it errors or closes.
func (t *TCP) Listen(addr string, handler InboundHandler) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return errs.Wrap("transport.TCP.Listen", errs.IOFailed, err)
	}

	t.ln = ln
	t.handler = handler

	go t.acceptLoop()

	return nil
}

func (t *TCP) acceptLoop() {
	for {
		conn, err := t.ln.Accept()
		if err != nil {
			return
		}

		go t.serve(conn)
	}
}

func (t *TCP) serve(conn net.Conn) {
	defer conn.Close()

	for {
		f, err := ReadFrame(conn)
		if err != nil {
			return
		}

		if f.Type == FrameRaftMessage && t.handler != nil {
			t.handler(f.Payload)
		}
	}
}

// Send transmits payload to peer, per the replicated log's `send(peer,
// bytes)` external interface (spec.md §6). Failures are logged and
// swallowed: "Log-layer transport failures are silently retried on the
// heartbeat cadence" (spec.md §7) — raft's own heartbeat/retry loop covers
// retransmission, so this layer need not.
func (t *TCP) Send(peer uint32, payload []byte) {
	conn, err := t.dial(peer)
	if err != nil {
		t.logWarn(peer, err)

		return
	}

	if err := WriteFrame(conn, Frame{Type: FrameRaftMessage, FromNode: t.selfID, Payload: payload}); err != nil {
		t.mu.Lock()
		conn.Close()
		delete(t.conns, peer)
		t.mu.Unlock()

		t.logWarn(peer, err)
	}
}

func (t *TCP) dial(peer uint32) (net.Conn, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if c, ok := t.conns[peer]; ok {
		return c, nil
	}

	addr, ok := t.addrs[peer]
	if !ok {
		return nil, fmt.Errorf("no address registered for peer %d", peer)
	}

	c, err := net.Dial("tcp", addr)
	if err != nil {
		return nil, err
	}

	t.conns[peer] = c

	return c, nil
}

func (t *TCP) logWarn(peer uint32, err error) {
	if t.log == nil {
		return
	}

	t.log.Emit(hostctx.Warn, map[string]interface{}{"peer": peer, "err": err.Error()}, "transport send failed")
}

// Addr returns the listener's bound address, useful when Listen was given
// port 0 and the caller needs the actual ephemeral port (tests only; a real
// deployment configures a fixed address).
func (t *TCP) Addr() string {
	if t.ln == nil {
		return ""
	}

	return t.ln.Addr().String()
}

// Close tears down the listener and every outbound connection.
func (t *TCP) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.ln != nil {
		t.ln.Close()
	}

	for _, c := range t.conns {
		c.Close()
	}

	return nil
}
