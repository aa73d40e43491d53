package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/purevisor/purevisor/placement"
)

// nodeDoc/requestDoc mirror placement.Node/Request for JSON decoding, since
// placement's map/slice fields (Tags, ForbiddenNodes) aren't directly
// JSON-friendly as map[string]bool keyed by a typed string.
type nodeDoc struct {
	ID           string   `json:"id"`
	Online       bool     `json:"online"`
	Health       int      `json:"health"`
	Tags         []string `json:"tags"`
	TotalVCPUs   int      `json:"total_vcpus"`
	TotalMemory  int64    `json:"total_memory"`
	UsedVCPUs    int      `json:"used_vcpus"`
	UsedMemory   int64    `json:"used_memory"`
	StorageScore int      `json:"storage_score"`
	NetworkScore int      `json:"network_score"`
	VMs          []string `json:"vms"`
}

type requestDoc struct {
	VM              string   `json:"vm"`
	RequiredVCPUs   int      `json:"required_vcpus"`
	RequiredMemory  int64    `json:"required_memory"`
	RequiredTags    []string `json:"required_tags"`
	AffinityVMs     []string `json:"affinity_vms"`
	AntiAffinityVMs []string `json:"anti_affinity_vms"`
	Policy          string   `json:"policy"`
}

func newPlacementCmd() *cobra.Command {
	var nodesPath, requestPath string

	cmd := &cobra.Command{
		Use:   "schedule",
		Short: "Score a placement request against a set of candidate nodes",
		Long: "schedule reads a JSON array of candidate nodes and a JSON " +
			"placement request, runs placement.Schedule, and prints the " +
			"chosen node plus up to three runners-up (spec.md §6).",
		RunE: func(c *cobra.Command, args []string) error {
			nodes, err := loadNodes(nodesPath)
			if err != nil {
				return err
			}

			req, err := loadRequest(requestPath)
			if err != nil {
				return err
			}

			decision, err := placement.Schedule(nodes, req)
			if err != nil {
				return fmt.Errorf("schedule: %w", err)
			}

			fmt.Fprintf(c.OutOrStdout(), "chosen: %s (score %.2f, %s)\n",
				decision.Chosen.Node, decision.Chosen.Score, decision.Chosen.Reason)

			for i, r := range decision.RunnersUp {
				fmt.Fprintf(c.OutOrStdout(), "runner-up %d: %s (score %.2f, %s)\n", i+1, r.Node, r.Score, r.Reason)
			}

			return nil
		},
	}

	cmd.Flags().StringVar(&nodesPath, "nodes", "", "path to a JSON array of candidate nodes")
	cmd.Flags().StringVar(&requestPath, "request", "", "path to a JSON placement request")
	_ = cmd.MarkFlagRequired("nodes")
	_ = cmd.MarkFlagRequired("request")

	return cmd
}

func loadNodes(path string) ([]placement.Node, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read nodes file: %w", err)
	}

	var docs []nodeDoc
	if err := json.Unmarshal(raw, &docs); err != nil {
		return nil, fmt.Errorf("parse nodes file: %w", err)
	}

	nodes := make([]placement.Node, 0, len(docs))

	for _, d := range docs {
		tags := make(map[string]bool, len(d.Tags))
		for _, t := range d.Tags {
			tags[t] = true
		}

		vms := make([]placement.VMID, 0, len(d.VMs))
		for _, v := range d.VMs {
			vms = append(vms, placement.VMID(v))
		}

		nodes = append(nodes, placement.Node{
			ID:           placement.NodeID(d.ID),
			Online:       d.Online,
			Health:       d.Health,
			Tags:         tags,
			TotalVCPUs:   d.TotalVCPUs,
			TotalMemory:  d.TotalMemory,
			UsedVCPUs:    d.UsedVCPUs,
			UsedMemory:   d.UsedMemory,
			StorageScore: d.StorageScore,
			NetworkScore: d.NetworkScore,
			VMs:          vms,
		})
	}

	return nodes, nil
}

func loadRequest(path string) (placement.Request, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return placement.Request{}, fmt.Errorf("read request file: %w", err)
	}

	var d requestDoc
	if err := json.Unmarshal(raw, &d); err != nil {
		return placement.Request{}, fmt.Errorf("parse request file: %w", err)
	}

	policy, err := parsePolicy(d.Policy)
	if err != nil {
		return placement.Request{}, err
	}

	affinity := make([]placement.VMID, 0, len(d.AffinityVMs))
	for _, v := range d.AffinityVMs {
		affinity = append(affinity, placement.VMID(v))
	}

	antiAffinity := make([]placement.VMID, 0, len(d.AntiAffinityVMs))
	for _, v := range d.AntiAffinityVMs {
		antiAffinity = append(antiAffinity, placement.VMID(v))
	}

	return placement.Request{
		VM:               placement.VMID(d.VM),
		RequiredVCPUs:    d.RequiredVCPUs,
		RequiredMemory:   d.RequiredMemory,
		RequiredTags:     d.RequiredTags,
		AffinityVMs:      affinity,
		AntiAffinityVMs:  antiAffinity,
		Policy:           policy,
		CPUOvercommit:    viper.GetFloat64(keyCPUOvercommit) / 100,
		MemoryOvercommit: viper.GetFloat64(keyMemoryOvercommit) / 100,
	}, nil
}

func parsePolicy(s string) (placement.Policy, error) {
	switch s {
	case "", "spread":
		return placement.Spread, nil
	case "pack":
		return placement.Pack, nil
	case "random":
		return placement.Random, nil
	case "affinity":
		return placement.Affinity, nil
	default:
		return 0, fmt.Errorf("unknown placement policy %q", s)
	}
}
