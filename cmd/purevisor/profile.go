package main

import (
	"net/http"
	"net/http/pprof"

	"github.com/felixge/fgprof"
	"github.com/pkg/profile"
	"github.com/spf13/viper"
)

// startProfiling honors the --profile flag the teacher's own CLI wires its
// own debug tooling behind (machine/debug_amd64.go's disassembly dump):
// "cpu"/"mem" start a github.com/pkg/profile session stopped by the
// returned func; "fgprof" instead serves a full-program wall-clock profile
// plus stdlib pprof endpoints over HTTP, for long-running node processes
// where a stop-the-world profile.Start session isn't appropriate.
func startProfiling() func() {
	switch viper.GetString("profile") {
	case "cpu":
		p := profile.Start(profile.CPUProfile)

		return p.Stop
	case "mem":
		p := profile.Start(profile.MemProfile)

		return p.Stop
	case "fgprof":
		mux := http.NewServeMux()
		mux.Handle("/debug/fgprof", fgprof.Handler())
		mux.HandleFunc("/debug/pprof/", pprof.Index)
		mux.HandleFunc("/debug/pprof/profile", pprof.Profile)

		srv := &http.Server{Addr: "localhost:6060", Handler: mux}

		go srv.ListenAndServe()

		return func() { srv.Close() }
	default:
		return func() {}
	}
}
