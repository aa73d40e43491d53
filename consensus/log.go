// Package consensus wraps go.etcd.io/raft/v3's RawNode behind the surface
// spec.md §6 names for the replicated log: init, add-node, remove-node,
// submit, receive, tick, is-leader, current-leader.
//
// Grounded in SPEC_FULL.md's DOMAIN STACK: Docker Swarm's manager
// (other_examples/manifests/moby-moby/go.mod) pulls in the same
// go.etcd.io/raft dependency for its own replicated log, the closest
// available precedent in the retrieved pack for spec.md §4.7/§3's
// Replicated Log. RawNode — not the goroutine-driven Node — is used
// because spec.md §5 requires the log's mutable state be owned by a single
// driving thread that processes messages serially; RawNode's synchronous
// Tick/Step/Ready/Advance cycle is exactly that shape, so this package adds
// no goroutines or channels of its own around the library beyond the
// per-submission wait.
package consensus

import (
	"encoding/binary"
	"fmt"
	"sync"

	"go.etcd.io/raft/v3"
	"go.etcd.io/raft/v3/raftpb"

	"github.com/purevisor/purevisor/errs"
	"github.com/purevisor/purevisor/hostctx"
)

// EntryKind distinguishes the application-level payload carried by a
// normal (non-conf-change) log entry (spec.md §3: "log of entries {index,
// term, type, opaque payload}").
type EntryKind uint8

const (
	EntryWrite EntryKind = iota
	EntryBarrier
)

// Transport is the outbound half of spec.md §6's log transport external
// interface: `send(peer, bytes)`. transport.TCP satisfies it.
type Transport interface {
	Send(peer uint32, payload []byte)
}

// AppliedEntry is delivered to the apply callback once its index commits,
// in strict commit order (spec.md §4.7's commit rule).
type AppliedEntry struct {
	Index   uint64
	Term    uint64
	Kind    EntryKind
	Payload []byte
}

// ApplyFunc is the local apply callback spec.md §6 names.
type ApplyFunc func(AppliedEntry)

// Config configures a new Log.
type Config struct {
	NodeID uint32
	// Peers is the full initial membership, including NodeID, used to
	// bootstrap a brand-new cluster. Leave nil when joining an existing
	// cluster via a conf-change entry instead.
	Peers []uint32

	// ElectionTicks/HeartbeatTicks express spec.md §6's election_window_ms
	// and heartbeat_ms as raft tick counts; see cmd/purevisor for the
	// millisecond-to-tick translation.
	ElectionTicks  int
	HeartbeatTicks int

	Transport Transport
	Apply     ApplyFunc
	Log       hostctx.LogSink
}

// Future resolves once a submitted entry has been committed and applied
// (or the submission was aborted — spec.md §5: "A log leader stepping down
// aborts all in-flight submissions with Not-leader").
type Future struct {
	ch chan error
}

// Wait blocks until the submission resolves.
func (f *Future) Wait() error { return <-f.ch }

// Log is one node's replicated-log participant.
type Log struct {
	mu sync.Mutex

	id        uint32
	rn        *raft.RawNode
	storage   *raft.MemoryStorage
	transport Transport
	apply     ApplyFunc
	logSink   hostctx.LogSink

	wasLeader bool
	leader    uint32

	nextReqID uint64
	waiters   map[uint64]chan error
}

// New creates a Log for cfg.NodeID, bootstrapping a fresh cluster if
// cfg.Peers is non-empty (spec.md §6 "init(node-id)").
func New(cfg Config) (*Log, error) {
	storage := raft.NewMemoryStorage()

	c := &raft.Config{
		ID:                        uint64(cfg.NodeID),
		ElectionTick:              nonZero(cfg.ElectionTicks, 10),
		HeartbeatTick:             nonZero(cfg.HeartbeatTicks, 1),
		Storage:                   storage,
		MaxSizePerMsg:             1 << 20,
		MaxInflightMsgs:           256,
		MaxUncommittedEntriesSize: 1 << 30,
		CheckQuorum:               true,
		PreVote:                   true,
	}

	rn, err := raft.NewRawNode(c)
	if err != nil {
		return nil, errs.Wrap("consensus.New", errs.BadArgument, err)
	}

	if len(cfg.Peers) > 0 {
		peers := make([]raft.Peer, 0, len(cfg.Peers))
		for _, p := range cfg.Peers {
			peers = append(peers, raft.Peer{ID: uint64(p)})
		}

		if err := rn.Bootstrap(peers); err != nil {
			return nil, errs.Wrap("consensus.New", errs.BadArgument, err)
		}
	}

	l := &Log{
		id:        cfg.NodeID,
		rn:        rn,
		storage:   storage,
		transport: cfg.Transport,
		apply:     cfg.Apply,
		logSink:   cfg.Log,
		waiters:   map[uint64]chan error{},
	}

	return l, nil
}

func nonZero(v, fallback int) int {
	if v <= 0 {
		return fallback
	}

	return v
}

// NodeID returns this participant's node ID.
func (l *Log) NodeID() uint32 { return l.id }

// Tick drives one unit of wall-clock progress (spec.md §6 "tick(now_ms)"):
// the single suspension-free step that moves election timeouts and
// heartbeat cadence forward. An election timeout elapsing here is what
// turns a Follower into a Candidate (spec.md §4.7) — raft does this
// internally on the tick that crosses the randomized threshold, so no
// separate Campaign call is needed.
func (l *Log) Tick() {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.rn.Tick()
	l.drainReady()
}

// Submit appends an entry of the given kind under the leader's current
// term (spec.md §4.7 "Submit (leader only)"), returning a Future the
// caller may Wait on for the entry to commit and apply. Non-leaders are
// rejected immediately with Not-leader.
func (l *Log) Submit(kind EntryKind, payload []byte) (*Future, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.rn.Status().RaftState != raft.StateLeader {
		return nil, errs.New("consensus.Log.Submit", errs.NotLeader)
	}

	reqID := l.nextReqID
	l.nextReqID++

	data := make([]byte, 1+8+len(payload))
	data[0] = byte(kind)
	binary.BigEndian.PutUint64(data[1:9], reqID)
	copy(data[9:], payload)

	ch := make(chan error, 1)
	l.waiters[reqID] = ch

	if err := l.rn.Propose(data); err != nil {
		delete(l.waiters, reqID)

		return nil, errs.Wrap("consensus.Log.Submit", errs.InvalidState, err)
	}

	l.drainReady()

	return &Future{ch: ch}, nil
}

// AddNode proposes a configuration change adding id to the cluster
// (spec.md §4.7 "Configuration changes"), effective at apply time.
func (l *Log) AddNode(id uint32) error {
	return l.proposeConfChange(raftpb.ConfChange{Type: raftpb.ConfChangeAddNode, NodeID: uint64(id)})
}

// RemoveNode proposes a configuration change removing id from the cluster.
func (l *Log) RemoveNode(id uint32) error {
	return l.proposeConfChange(raftpb.ConfChange{Type: raftpb.ConfChangeRemoveNode, NodeID: uint64(id)})
}

func (l *Log) proposeConfChange(cc raftpb.ConfChange) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.rn.ProposeConfChange(cc); err != nil {
		return errs.Wrap("consensus.Log.proposeConfChange", errs.InvalidState, err)
	}

	l.drainReady()

	return nil
}

// Receive steps an inbound raft message, the `receive(bytes)` half of
// spec.md §6's transport external interface.
func (l *Log) Receive(data []byte) error {
	var m raftpb.Message
	if err := m.Unmarshal(data); err != nil {
		return errs.Wrap("consensus.Log.Receive", errs.BadArgument, err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.rn.Step(m); err != nil {
		// A stale/rejected message is not a fatal error for the node.
		return nil
	}

	l.drainReady()

	return nil
}

// IsLeader reports whether this node currently believes it is the leader.
func (l *Log) IsLeader() bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.rn.Status().RaftState == raft.StateLeader
}

// CurrentLeader returns the last known leader node ID, if any.
func (l *Log) CurrentLeader() (uint32, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.leader == 0 {
		return 0, false
	}

	return l.leader, true
}

// Term returns the node's current raft term.
func (l *Log) Term() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.rn.Status().Term
}

// drainReady processes every pending Ready cycle until the node is
// quiescent. Must be called with l.mu held.
func (l *Log) drainReady() {
	for l.rn.HasReady() {
		rd := l.rn.Ready()

		if !raft.IsEmptySnap(rd.Snapshot) {
			_ = l.storage.ApplySnapshot(rd.Snapshot)
		}

		if len(rd.Entries) > 0 {
			if err := l.storage.Append(rd.Entries); err != nil {
				l.warn("append failed", err)
			}
		}

		if !raft.IsEmptyHardState(rd.HardState) {
			_ = l.storage.SetHardState(rd.HardState)
		}

		if rd.SoftState != nil {
			isLeader := rd.SoftState.RaftState == raft.StateLeader
			if l.wasLeader && !isLeader {
				l.abortWaiters()
			}

			l.wasLeader = isLeader
			l.leader = uint32(rd.SoftState.Lead)
		}

		for _, m := range rd.Messages {
			if l.transport == nil {
				continue
			}

			data, err := m.Marshal()
			if err != nil {
				continue
			}

			l.transport.Send(uint32(m.To), data)
		}

		for _, ent := range rd.CommittedEntries {
			l.applyEntry(ent)
		}

		l.rn.Advance(rd)
	}
}

func (l *Log) applyEntry(ent raftpb.Entry) {
	switch ent.Type {
	case raftpb.EntryConfChange:
		var cc raftpb.ConfChange
		if err := cc.Unmarshal(ent.Data); err != nil {
			l.warn("conf change decode failed", err)

			return
		}

		l.rn.ApplyConfChange(cc)

	case raftpb.EntryConfChangeV2:
		var cc raftpb.ConfChangeV2
		if err := cc.Unmarshal(ent.Data); err != nil {
			l.warn("conf change v2 decode failed", err)

			return
		}

		l.rn.ApplyConfChange(cc)

	default:
		if len(ent.Data) == 0 {
			// raft's own empty no-op entry on a new leader's first index.
			return
		}

		if len(ent.Data) < 9 {
			l.warn("malformed entry", fmt.Errorf("length %d", len(ent.Data)))

			return
		}

		kind := EntryKind(ent.Data[0])
		reqID := binary.BigEndian.Uint64(ent.Data[1:9])
		payload := ent.Data[9:]

		if l.apply != nil {
			l.apply(AppliedEntry{Index: ent.Index, Term: ent.Term, Kind: kind, Payload: payload})
		}

		if ch, ok := l.waiters[reqID]; ok {
			ch <- nil
			delete(l.waiters, reqID)
		}
	}
}

// abortWaiters resolves every in-flight submission with Not-leader, called
// when this node steps down from Leader (spec.md §5's cancellation rule).
func (l *Log) abortWaiters() {
	for id, ch := range l.waiters {
		ch <- errs.New("consensus.Log", errs.NotLeader)
		delete(l.waiters, id)
	}
}

func (l *Log) warn(msg string, err error) {
	if l.logSink == nil {
		return
	}

	l.logSink.Emit(hostctx.Warn, map[string]interface{}{"node": l.id, "err": err.Error()}, msg)
}
