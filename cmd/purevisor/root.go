package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var cfgFile string

// config keys default per spec.md §6.
const (
	keyCPUOvercommit    = "cpu_overcommit_ratio"
	keyMemoryOvercommit = "memory_overcommit_ratio"
	keyExtentSize       = "extent_size"
	keyHeartbeatMs      = "heartbeat_ms"
	keyElectionWindowMs = "election_window_ms"
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "purevisor",
		Short: "PureVisor hyperconverged hypervisor control CLI",
		Long: "purevisor drives the virtualization core, virtio device " +
			"back-ends, the distributed storage core, and the placement " +
			"engine from a single node-local binary.",
		SilenceUsage: true,
	}

	root.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: $HOME/.purevisor.yaml)")
	root.PersistentFlags().Float64(keyCPUOvercommit, 200, "CPU overcommit ratio, percent")
	root.PersistentFlags().Float64(keyMemoryOvercommit, 150, "memory overcommit ratio, percent")
	root.PersistentFlags().Int64(keyExtentSize, 4*1024*1024, "storage extent size, bytes")
	root.PersistentFlags().Int(keyHeartbeatMs, 150, "replicated log heartbeat interval, ms")
	root.PersistentFlags().Int(keyElectionWindowMs, 400, "replicated log election window, ms")
	root.PersistentFlags().String("profile", "", "enable profiling: cpu, mem, or fgprof")

	for _, key := range []string{keyCPUOvercommit, keyMemoryOvercommit, keyExtentSize, keyHeartbeatMs, keyElectionWindowMs, "profile"} {
		_ = viper.BindPFlag(key, root.PersistentFlags().Lookup(key))
	}

	cobra.OnInitialize(initConfig)

	root.AddCommand(newVMCmd())
	root.AddCommand(newStorageCmd())
	root.AddCommand(newClusterCmd())
	root.AddCommand(newPlacementCmd())

	return root
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		if err == nil {
			viper.AddConfigPath(home)
		}

		viper.SetConfigName(".purevisor")
		viper.SetConfigType("yaml")
	}

	viper.SetEnvPrefix("purevisor")
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		if _, notFound := err.(viper.ConfigFileNotFoundError); !notFound {
			fmt.Fprintln(os.Stderr, "purevisor: config:", err)
		}
	}
}

func Execute() error {
	return newRootCmd().Execute()
}
