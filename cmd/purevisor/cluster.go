package main

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/purevisor/purevisor/consensus"
	"github.com/purevisor/purevisor/hostctx"
	"github.com/purevisor/purevisor/transport"
)

func newClusterCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cluster",
		Short: "Replicated-log cluster node bootstrap",
	}

	cmd.AddCommand(newClusterNodeCmd())

	return cmd
}

// tickInterval is the wall-clock period each consensus.Log.Tick call
// represents; heartbeat_ms/election_window_ms (spec.md §6) are expressed in
// ticks of this period, the translation consensus.Config's doc comment
// defers to cmd/purevisor.
const tickInterval = 20 * time.Millisecond

func newClusterNodeCmd() *cobra.Command {
	var (
		id        uint32
		listen    string
		peersCSV  string
		bootstrap bool
	)

	cmd := &cobra.Command{
		Use:   "node",
		Short: "Run one replicated-log node, joining or bootstrapping a cluster",
		RunE: func(c *cobra.Command, args []string) error {
			peers, err := parsePeers(id, peersCSV)
			if err != nil {
				return err
			}

			host := hostctx.NewDefault(1 << 20)
			tr := transport.NewTCP(id, host.Log)

			for peerID, addr := range peers {
				if peerID != id {
					tr.AddPeer(peerID, addr)
				}
			}

			heartbeatMs := viper.GetInt(keyHeartbeatMs)
			electionMs := viper.GetInt(keyElectionWindowMs)

			var initialPeers []uint32
			if bootstrap {
				for p := range peers {
					initialPeers = append(initialPeers, p)
				}
			}

			logCfg := consensus.Config{
				NodeID:         id,
				Peers:          initialPeers,
				HeartbeatTicks: msToTicks(heartbeatMs),
				ElectionTicks:  msToTicks(electionMs),
				Transport:      tr,
				Apply: func(e consensus.AppliedEntry) {
					host.Log.Emit(hostctx.Info, map[string]interface{}{
						"index": e.Index, "term": e.Term, "kind": e.Kind,
					}, "log entry applied")
				},
				Log: host.Log,
			}

			l, err := consensus.New(logCfg)
			if err != nil {
				return fmt.Errorf("init log: %w", err)
			}

			receive := func(payload []byte) {
				if err := l.Receive(payload); err != nil {
					host.Log.Emit(hostctx.Warn, map[string]interface{}{"err": err}, "receive failed")
				}
			}

			if err := tr.Listen(listen, receive); err != nil {
				return fmt.Errorf("listen: %w", err)
			}
			defer tr.Close()

			host.Log.Emit(hostctx.Info, map[string]interface{}{"node_id": id, "listen": listen}, "cluster node running")

			ticker := time.NewTicker(tickInterval)
			defer ticker.Stop()

			for range ticker.C {
				l.Tick()

				if leader, ok := l.CurrentLeader(); ok {
					host.Log.Emit(hostctx.Debug, map[string]interface{}{"leader": leader}, "tick")
				}
			}

			return nil
		},
	}

	cmd.Flags().Uint32Var(&id, "id", 1, "this node's ID")
	cmd.Flags().StringVar(&listen, "listen", "127.0.0.1:7100", "address to accept peer connections on")
	cmd.Flags().StringVar(&peersCSV, "peers", "", "comma-separated id=addr pairs for every cluster member, including self")
	cmd.Flags().BoolVar(&bootstrap, "bootstrap", false, "bootstrap a brand-new cluster from --peers instead of joining one")

	return cmd
}

// msToTicks converts a millisecond duration to a tick count at
// tickInterval's cadence, per spec.md §6's heartbeat_ms/election_window_ms
// configuration keys.
func msToTicks(ms int) int {
	if ms <= 0 {
		return 0
	}

	n := ms / int(tickInterval/time.Millisecond)
	if n <= 0 {
		n = 1
	}

	return n
}

// parsePeers decodes "--peers 1=host:port,2=host:port" into a node-ID ->
// address map, requiring id to be present in a non-empty list.
func parsePeers(id uint32, csv string) (map[uint32]string, error) {
	peers := map[uint32]string{}

	if csv == "" {
		return peers, nil
	}

	for _, pair := range strings.Split(csv, ",") {
		parts := strings.SplitN(pair, "=", 2)
		if len(parts) != 2 {
			return nil, fmt.Errorf("malformed peer entry %q", pair)
		}

		peerID, err := strconv.ParseUint(parts[0], 10, 32)
		if err != nil {
			return nil, fmt.Errorf("malformed peer id %q: %w", parts[0], err)
		}

		peers[uint32(peerID)] = parts[1]
	}

	if _, ok := peers[id]; !ok {
		return nil, fmt.Errorf("--peers does not include this node's id %d", id)
	}

	return peers, nil
}
