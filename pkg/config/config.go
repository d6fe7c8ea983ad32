// Package config builds the immutable, argv-derived configuration shared by
// every goroutine in a JM or TM process. A Config is built once in main(),
// before any goroutine is spawned, and passed explicitly to every
// constructor from then on — it is never read from mutable package state.
package config

import "time"

// Config holds every setting recognized by the jm and tm CLI surfaces.
// Agent-specific fields are zero-valued when not applicable to the running
// agent.
type Config struct {
	JobID   string
	LogFile string
	Verbose bool

	// KillTMs, when set, makes the orchestrator walk the registry one last
	// time after the final run and send Terminate to every TM.
	KillTMs bool

	ConnTimeout time.Duration
	RecvTimeout time.Duration
	SendTimeout time.Duration
	RecvBackoff time.Duration
	SendBackoff time.Duration

	HeartbeatInterval time.Duration

	// Memstat, Profiling, RInterv, Subsamp name the external
	// memory-stats/profiling collaborator. They are parsed so existing
	// invocations don't fail flag validation, but never consulted.
	Memstat   bool
	Profiling bool
	RInterv   time.Duration
	Subsamp   int

	// TM-only fields.
	Mode       string // "tcp" or "uds"
	BindAddr   string
	BindPort   int
	UDSPath    string
	MaxThreads int
	Overfill   int
	Announce   string // "none", "cat-nodes", "file"
	TMTimeout  time.Duration
}

// Default returns the baseline configuration before flag overrides.
func Default() Config {
	return Config{
		JobID:             "spits-job",
		ConnTimeout:       5 * time.Second,
		RecvTimeout:       5 * time.Second,
		SendTimeout:       5 * time.Second,
		RecvBackoff:       500 * time.Millisecond,
		SendBackoff:       500 * time.Millisecond,
		HeartbeatInterval: 10 * time.Second,
		Mode:              "tcp",
		BindAddr:          "0.0.0.0",
		BindPort:          8734,
		MaxThreads:        0, // resolved to runtime.NumCPU() by the task pool when 0
		Overfill:          0,
		Announce:          "none",
		TMTimeout:         60 * time.Second,
	}
}
