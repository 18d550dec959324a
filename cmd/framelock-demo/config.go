package main

import (
	"flag"
	"time"
)

// Config holds every flag framelock-demo accepts.
type Config struct {
	Mode             string
	Listen           string
	PeerAddr         string
	NumPlayers       int
	InputSize        int
	PredictionWindow int
	InputDelay       int
	LimitedSaving    bool
	DesyncInterval   int
	MaxStateSize     int
	StatsAddr        string
	MetricsInterval  time.Duration
	TickRate         time.Duration
	Ticks            int
}

func parseConfig(args []string) *Config {
	fs := flag.NewFlagSet("framelock-demo", flag.ExitOnError)
	cfg := &Config{}
	fs.StringVar(&cfg.Mode, "mode", "host", "session mode: host, join, spectate, or stress")
	fs.StringVar(&cfg.Listen, "listen", "127.0.0.1:0", "local UDP listen address")
	fs.StringVar(&cfg.PeerAddr, "peer", "", "remote peer UDP address (required for join/spectate)")
	fs.IntVar(&cfg.NumPlayers, "num-players", 2, "number of player slots in the session")
	fs.IntVar(&cfg.InputSize, "input-size", 4, "fixed input payload width in bytes")
	fs.IntVar(&cfg.PredictionWindow, "prediction-window", 8, "maximum speculative prediction depth in frames")
	fs.IntVar(&cfg.InputDelay, "input-delay", 2, "local input delay in frames")
	fs.BoolVar(&cfg.LimitedSaving, "limited-saving", false, "use the 2-slot state storage ring instead of prediction-window+2")
	fs.IntVar(&cfg.DesyncInterval, "desync-interval", 0, "frames between SessionHealth checksum exchanges (0 disables)")
	fs.IntVar(&cfg.MaxStateSize, "max-state-size", 4096, "bytes pre-allocated per saved-state storage slot")
	fs.StringVar(&cfg.StatsAddr, "stats-addr", "", "optional HTTP address to serve /stats on (empty disables)")
	fs.DurationVar(&cfg.MetricsInterval, "metrics-interval", 5*time.Second, "how often to log session metrics")
	fs.DurationVar(&cfg.TickRate, "tick-rate", time.Second/60, "simulation tick period")
	fs.IntVar(&cfg.Ticks, "ticks", 0, "stop after this many ticks (0 runs until interrupted)")
	fs.Parse(args)
	return cfg
}
