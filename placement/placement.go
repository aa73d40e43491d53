// Package placement implements the score-based node-selection engine
// (spec.md §4.8): given a placement request, filter the cluster's nodes
// for feasibility, score the survivors, and return the winner plus up to
// three runners-up.
//
// This is new domain logic the teacher has no analogue for (gokvm drives a
// single local VM, never a cluster); it is built in the same plain-struct,
// explicit-state style as vcpu.Phase and storage.Pool — a table-driven
// decision function over an explicit Node/Request pair, not a class
// hierarchy, following spec.md §9's "re-architect as an explicit Host
// context" philosophy applied here to "explicit cluster state" instead of
// a package-level node registry.
package placement

import (
	"fmt"
	"math/rand"
	"sort"

	"github.com/purevisor/purevisor/errs"
)

// Policy selects how feasible nodes are ranked (spec.md §4.8).
type Policy int

const (
	Spread Policy = iota
	Pack
	Random
	Affinity
)

// Default overcommit ratios (spec.md §6), expressed as a multiplier on
// advertised physical capacity.
const (
	DefaultCPUOvercommit    = 2.0
	DefaultMemoryOvercommit = 1.5
)

// VMID identifies a VM for affinity/anti-affinity purposes.
type VMID string

// NodeID identifies a cluster node.
type NodeID string

// Node is one scheduling candidate's advertised and tracked state.
//
// UsedVCPUs/UsedMemory are tracked per node rather than derived from a
// hard-coded per-VM approximation. The caller supplies them; nothing in
// this package or in vmm updates them on VM lifecycle transitions.
type Node struct {
	ID      NodeID
	Online  bool
	Health  int // 0-100; below 50 is unhealthy (spec.md §4.8)
	Tags    map[string]bool

	TotalVCPUs int
	TotalMemory int64

	UsedVCPUs  int
	UsedMemory int64

	StorageScore int // 0-100, advertised
	NetworkScore int // 0-100, advertised

	// VMs lists the VMs currently placed on this node, for affinity scoring.
	VMs []VMID
}

// Request is one placement ask (spec.md §4.8).
type Request struct {
	VM VMID

	RequiredVCPUs  int
	RequiredMemory int64
	RequiredTags   []string
	ForbiddenNodes map[NodeID]bool

	AffinityVMs     []VMID
	AntiAffinityVMs []VMID

	Policy Policy

	CPUOvercommit    float64 // defaults to DefaultCPUOvercommit if zero
	MemoryOvercommit float64 // defaults to DefaultMemoryOvercommit if zero
}

// Result is one scored, feasible node.
type Result struct {
	Node   NodeID
	Score  float64
	Reason string
}

// Decision is the outcome of Schedule: the winner plus up to three
// runners-up (spec.md §6's "schedule(request) -> {chosen node, score,
// reason, up to three runners-up}").
type Decision struct {
	Chosen    Result
	RunnersUp []Result
}

func overcommit(req Request) (cpu, mem float64) {
	cpu, mem = req.CPUOvercommit, req.MemoryOvercommit
	if cpu <= 0 {
		cpu = DefaultCPUOvercommit
	}

	if mem <= 0 {
		mem = DefaultMemoryOvercommit
	}

	return cpu, mem
}

// feasible reports whether n can be considered for req at all, per
// spec.md §4.8's feasibility filter.
func feasible(n Node, req Request) (bool, string) {
	if !n.Online {
		return false, "offline"
	}

	if n.Health < 50 {
		return false, "unhealthy"
	}

	if req.ForbiddenNodes[n.ID] {
		return false, "forbidden"
	}

	for _, tag := range req.RequiredTags {
		if !n.Tags[tag] {
			return false, fmt.Sprintf("missing required tag %q", tag)
		}
	}

	cpuRatio, memRatio := overcommit(req)

	cpuCapacity := float64(n.TotalVCPUs) * cpuRatio
	if float64(n.UsedVCPUs+req.RequiredVCPUs) > cpuCapacity {
		return false, "insufficient vCPU capacity after overcommit"
	}

	memCapacity := float64(n.TotalMemory) * memRatio
	if float64(n.UsedMemory+req.RequiredMemory) > memCapacity {
		return false, "insufficient memory capacity after overcommit"
	}

	return true, ""
}

func hasVM(n Node, vm VMID) bool {
	for _, v := range n.VMs {
		if v == vm {
			return true
		}
	}

	return false
}

// score computes a node's weighted-sum score (spec.md §4.8: CPU 40%,
// memory 40%, storage 10%, network 10%), adjusted by affinity, then
// inverted under the Pack policy so fuller nodes win.
func score(n Node, req Request) float64 {
	cpuRatio, memRatio := overcommit(req)

	cpuCapacity := float64(n.TotalVCPUs) * cpuRatio
	memCapacity := float64(n.TotalMemory) * memRatio

	cpuAvail := 100.0
	if cpuCapacity > 0 {
		cpuAvail = 100.0 * (cpuCapacity - float64(n.UsedVCPUs)) / cpuCapacity
	}

	memAvail := 100.0
	if memCapacity > 0 {
		memAvail = 100.0 * (memCapacity - float64(n.UsedMemory)) / memCapacity
	}

	base := 0.40*cpuAvail + 0.40*memAvail + 0.10*float64(n.StorageScore) + 0.10*float64(n.NetworkScore)

	for _, vm := range req.AffinityVMs {
		if hasVM(n, vm) {
			base += 25
		}
	}

	for _, vm := range req.AntiAffinityVMs {
		if hasVM(n, vm) {
			base -= 50
		}
	}

	if req.Policy == Pack {
		base = 100 - base
	}

	return base
}

// Schedule scores every feasible node in nodes against req and returns the
// winner plus up to three runners-up, per spec.md §4.8/§6.
func Schedule(nodes []Node, req Request) (Decision, error) {
	var results []Result

	for _, n := range nodes {
		ok, reason := feasible(n, req)
		if !ok {
			continue
		}

		results = append(results, Result{Node: n.ID, Score: score(n, req), Reason: reason})
	}

	if len(results) == 0 {
		return Decision{}, errs.Wrap("placement.Schedule", errs.NotFound,
			fmt.Errorf("no feasible node for vm %q", req.VM))
	}

	sort.SliceStable(results, func(i, j int) bool { return results[i].Score > results[j].Score })

	for i := range results {
		if results[i].Reason == "" {
			results[i].Reason = "feasible, scored by weighted resource availability"
		}
	}

	if req.Policy == Random {
		i := rand.Intn(len(results)) //nolint:gosec // placement choice, not a security boundary
		results[0], results[i] = results[i], results[0]
	}

	runnersUp := results[1:]
	if len(runnersUp) > 3 {
		runnersUp = runnersUp[:3]
	}

	return Decision{Chosen: results[0], RunnersUp: runnersUp}, nil
}
