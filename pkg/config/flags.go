package config

import (
	"fmt"

	"github.com/spf13/pflag"
)

// LoadJM parses the leading --key=value flags recognized by the jm agent and
// returns the resulting Config plus the untouched remainder of argv (the
// module path followed by its own arguments). Parsing stops at the first
// non-flag token.
func LoadJM(argv []string) (Config, []string, error) {
	cfg := Default()
	fs := pflag.NewFlagSet("jm", pflag.ContinueOnError)
	fs.SetInterspersed(false)

	fs.StringVar(&cfg.JobID, "jobid", cfg.JobID, "job-id string exchanged on every handshake")
	fs.StringVar(&cfg.LogFile, "log", "", "log file path (recorded only; logs always go to stdout)")
	fs.BoolVar(&cfg.Verbose, "verbose", false, "enable debug logging")
	fs.BoolVar(&cfg.KillTMs, "killtms", false, "terminate every registered TM after the run completes")

	fs.DurationVar(&cfg.ConnTimeout, "ctimeout", cfg.ConnTimeout, "connect deadline per TM")
	fs.DurationVar(&cfg.RecvTimeout, "rtimeout", cfg.RecvTimeout, "receive deadline per socket op")
	fs.DurationVar(&cfg.SendTimeout, "stimeout", cfg.SendTimeout, "send deadline per socket op")
	fs.DurationVar(&cfg.RecvBackoff, "rbackoff", cfg.RecvBackoff, "committer idle sleep between cycles")
	fs.DurationVar(&cfg.SendBackoff, "sbackoff", cfg.SendBackoff, "pusher idle sleep between cycles")
	fs.DurationVar(&cfg.HeartbeatInterval, "htimeout", cfg.HeartbeatInterval, "heartbeat sweep cadence")
	fs.DurationVar(&cfg.HeartbeatInterval, "heartbeat-interval", cfg.HeartbeatInterval, "alias of --htimeout")

	fs.BoolVar(&cfg.Memstat, "memstat", false, "no-op, reserved for the external memory-stats collaborator")
	fs.BoolVar(&cfg.Profiling, "profiling", false, "no-op, reserved for the external profiling collaborator")
	fs.DurationVar(&cfg.RInterv, "rinterv", 0, "no-op, reserved for the external profiling collaborator")
	fs.IntVar(&cfg.Subsamp, "subsamp", 0, "no-op, reserved for the external profiling collaborator")

	if err := fs.Parse(argv); err != nil {
		return Config{}, nil, fmt.Errorf("config: parse jm flags: %w", err)
	}
	return cfg, fs.Args(), nil
}

// LoadTM parses the leading --key=value flags recognized by the tm agent.
func LoadTM(argv []string) (Config, []string, error) {
	cfg := Default()
	fs := pflag.NewFlagSet("tm", pflag.ContinueOnError)
	fs.SetInterspersed(false)

	fs.StringVar(&cfg.JobID, "jobid", cfg.JobID, "job-id string exchanged on every handshake")
	fs.StringVar(&cfg.LogFile, "log", "", "log file path (recorded only; logs always go to stdout)")
	fs.BoolVar(&cfg.Verbose, "verbose", false, "enable debug logging")

	fs.DurationVar(&cfg.ConnTimeout, "ctimeout", cfg.ConnTimeout, "connect deadline")
	fs.DurationVar(&cfg.RecvTimeout, "rtimeout", cfg.RecvTimeout, "receive deadline per socket op")
	fs.DurationVar(&cfg.SendTimeout, "stimeout", cfg.SendTimeout, "send deadline per socket op")

	fs.BoolVar(&cfg.Memstat, "memstat", false, "no-op, reserved for the external memory-stats collaborator")
	fs.BoolVar(&cfg.Profiling, "profiling", false, "no-op, reserved for the external profiling collaborator")

	fs.StringVar(&cfg.Mode, "tmmode", cfg.Mode, `transport mode, "tcp" or "uds"`)
	fs.StringVar(&cfg.BindAddr, "tmaddr", cfg.BindAddr, "bind address (tcp mode) or socket path (uds mode)")
	fs.IntVar(&cfg.BindPort, "tmport", cfg.BindPort, "bind port (tcp mode)")
	fs.IntVar(&cfg.MaxThreads, "nw", cfg.MaxThreads, "worker thread count (0 = runtime.NumCPU())")
	fs.IntVar(&cfg.Overfill, "overfill", cfg.Overfill, "extra queue slack beyond nw")
	fs.StringVar(&cfg.Announce, "announce", cfg.Announce, `"none", "cat-nodes", or "file"`)
	fs.DurationVar(&cfg.TMTimeout, "tmtimeout", cfg.TMTimeout, "idle deadline before the TM exits with no JM contact")

	if err := fs.Parse(argv); err != nil {
		return Config{}, nil, fmt.Errorf("config: parse tm flags: %w", err)
	}
	if cfg.Mode == "uds" {
		cfg.UDSPath = cfg.BindAddr
	}
	return cfg, fs.Args(), nil
}
