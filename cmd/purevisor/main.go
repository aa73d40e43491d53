// Command purevisor is the node-local control CLI for the virtualization,
// storage, consensus, and placement cores, replacing the teacher's
// single-purpose main.go (flag.Parse + one VM boot) with a cobra subcommand
// tree.
package main

import "log"

func main() {
	if err := Execute(); err != nil {
		log.Fatal(err)
	}
}
