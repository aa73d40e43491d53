package consensus_test

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/purevisor/purevisor/consensus"
)

// router is an in-process stand-in for transport.TCP: it delivers Send
// calls directly to the addressed Log's Receive method, synchronously.
type router struct {
	mu   sync.Mutex
	logs map[uint32]*consensus.Log
}

func newRouter() *router { return &router{logs: map[uint32]*consensus.Log{}} }

func (r *router) register(id uint32, l *consensus.Log) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.logs[id] = l
}

func (r *router) Send(peer uint32, payload []byte) {
	r.mu.Lock()
	target := r.logs[peer]
	r.mu.Unlock()

	if target != nil {
		_ = target.Receive(payload)
	}
}

// peerRouter binds a router to "this node's Send" for consensus.Config.
type peerRouter struct {
	r *router
}

func (p peerRouter) Send(peer uint32, payload []byte) { p.r.Send(peer, payload) }

func newCluster(t *testing.T, n int, applies []*[]consensus.AppliedEntry) (*router, []*consensus.Log) {
	t.Helper()

	r := newRouter()

	peers := make([]uint32, n)
	for i := 0; i < n; i++ {
		peers[i] = uint32(i + 1)
	}

	logs := make([]*consensus.Log, n)

	for i := 0; i < n; i++ {
		idx := i
		l, err := consensus.New(consensus.Config{
			NodeID:         peers[i],
			Peers:          peers,
			ElectionTicks:  10,
			HeartbeatTicks: 1,
			Transport:      peerRouter{r: r},
			Apply: func(e consensus.AppliedEntry) {
				*applies[idx] = append(*applies[idx], e)
			},
		})
		require.NoError(t, err)

		logs[i] = l
		r.register(peers[i], l)
	}

	return r, logs
}

func tickAll(logs []*consensus.Log, n int) {
	for i := 0; i < n; i++ {
		for _, l := range logs {
			l.Tick()
		}
	}
}

// TestLeaderElection is spec.md's S4 scenario: three nodes, no prior
// heartbeat source, the first to time out becomes Candidate and is elected
// with a majority including its own vote.
func TestLeaderElection(t *testing.T) {
	t.Parallel()

	applies := []*[]consensus.AppliedEntry{{}, {}, {}}
	for i := range applies {
		e := []consensus.AppliedEntry{}
		applies[i] = &e
	}

	_, logs := newCluster(t, 3, applies)

	tickAll(logs, 30)

	leaders := 0
	var leaderTerm uint64

	for _, l := range logs {
		if l.IsLeader() {
			leaders++
			leaderTerm = l.Term()
		}
	}

	require.Equal(t, 1, leaders, "exactly one leader should emerge")

	for _, l := range logs {
		if !l.IsLeader() {
			require.Equal(t, leaderTerm, l.Term())
		}
	}
}

// TestReplicatedWriteAppliedInOrder is spec.md's S5 scenario: three entries
// submitted in order are applied at every follower in that same order, and
// last-applied converges to 3 everywhere.
func TestReplicatedWriteAppliedInOrder(t *testing.T) {
	t.Parallel()

	applies := make([]*[]consensus.AppliedEntry, 3)
	for i := range applies {
		e := []consensus.AppliedEntry{}
		applies[i] = &e
	}

	_, logs := newCluster(t, 3, applies)

	tickAll(logs, 30)

	var leader *consensus.Log

	for _, l := range logs {
		if l.IsLeader() {
			leader = l
		}
	}

	require.NotNil(t, leader)

	for _, payload := range [][]byte{[]byte("A"), []byte("B"), []byte("C")} {
		fut, err := leader.Submit(consensus.EntryWrite, payload)
		require.NoError(t, err)

		tickAll(logs, 5)

		require.NoError(t, fut.Wait())
	}

	for i, a := range applies {
		got := *a
		require.Len(t, got, 3, "node %d should have applied 3 entries", i)
		require.Equal(t, []byte("A"), got[0].Payload)
		require.Equal(t, []byte("B"), got[1].Payload)
		require.Equal(t, []byte("C"), got[2].Payload)
	}
}

// TestSubmitRejectedByFollower checks the Not-leader rejection spec.md
// §4.7 requires of non-leaders.
func TestSubmitRejectedByFollower(t *testing.T) {
	t.Parallel()

	applies := make([]*[]consensus.AppliedEntry, 3)
	for i := range applies {
		e := []consensus.AppliedEntry{}
		applies[i] = &e
	}

	_, logs := newCluster(t, 3, applies)

	tickAll(logs, 30)

	for _, l := range logs {
		if !l.IsLeader() {
			_, err := l.Submit(consensus.EntryWrite, []byte("x"))
			require.Error(t, err)

			return
		}
	}
}
