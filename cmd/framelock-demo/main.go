// Command framelock-demo exercises a rollback session end-to-end over
// UDP: two instances pointed at each other negotiate a handshake,
// exchange predicted/confirmed inputs, and roll back on misprediction,
// while the demo's own input source is just a monotonically
// incrementing counter standing in for a real game's controller state.
package main

import (
	"context"
	"encoding/binary"
	"log"
	"math/rand/v2"
	"os"
	"os/signal"
	"time"

	"framelock/peer"
	"framelock/session"
	"framelock/transport"
)

// Version is the demo binary's version string, reported by the
// "version" subcommand.
const Version = "0.1.0"

func main() {
	if len(os.Args) > 1 && RunCLI(os.Args[1:]) {
		return
	}

	cfg := parseConfig(os.Args[1:])

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	switch cfg.Mode {
	case "host", "join":
		runGame(ctx, cfg)
	case "spectate":
		runSpectator(ctx, cfg)
	case "stress":
		runStress(ctx, cfg)
	default:
		log.Fatalf("[framelock-demo] unknown -mode %q", cfg.Mode)
	}
}

func runGame(ctx context.Context, cfg *Config) {
	if cfg.PeerAddr == "" {
		log.Fatalf("[framelock-demo] -mode=%s requires -peer", cfg.Mode)
	}

	sess := session.New(session.VariantGame, session.Config{
		NumPlayers:       cfg.NumPlayers,
		InputSize:        cfg.InputSize,
		PredictionWindow: cfg.PredictionWindow,
		LimitedSaving:    cfg.LimitedSaving,
		DesyncInterval:   cfg.DesyncInterval,
		MaxStateSize:     cfg.MaxStateSize,
	})
	log.Printf("[framelock-demo] session %s starting in %s mode", sess.ID(), cfg.Mode)

	localHandle, remoteHandle := 0, 1
	if cfg.Mode == "join" {
		localHandle, remoteHandle = 1, 0
	}
	if _, err := addActorAt(sess, localHandle, peer.Remote, nil); err != nil {
		log.Fatalf("[framelock-demo] local actor: %v", err)
	}
	if _, err := addActorAt(sess, remoteHandle, peer.Remote, []byte(cfg.PeerAddr)); err != nil {
		log.Fatalf("[framelock-demo] remote actor: %v", err)
	}
	sess.SetLocalDelay(localHandle, cfg.InputDelay)

	net, err := transport.NewUDP(cfg.Listen)
	if err != nil {
		log.Fatalf("[framelock-demo] %v", err)
	}
	defer net.Close()
	sess.SetNetAdapter(net)
	log.Printf("[framelock-demo] listening on %s, peer %s", net.LocalAddr(), cfg.PeerAddr)

	sess.Start()
	runStatsServer(ctx, cfg, sess)
	go logMetrics(ctx, cfg, sess, cfg.MaxStateSize)

	counter := byte(0)
	runLoop(ctx, cfg, sess, func() {
		input := make([]byte, cfg.InputSize)
		input[0] = counter
		counter++
		if err := sess.AddLocalInput(localHandle, input); err != nil {
			log.Printf("[framelock-demo] AddLocalInput: %v", err)
		}
	})
}

func runSpectator(ctx context.Context, cfg *Config) {
	if cfg.PeerAddr == "" {
		log.Fatalf("[framelock-demo] -mode=spectate requires -peer")
	}
	sess := session.New(session.VariantSpectator, session.Config{
		NumPlayers:   cfg.NumPlayers,
		InputSize:    cfg.InputSize,
		MaxStateSize: cfg.MaxStateSize,
	})
	log.Printf("[framelock-demo] session %s spectating", sess.ID())

	if _, err := sess.AddActor(peer.Spectator, []byte(cfg.PeerAddr)); err != nil {
		log.Fatalf("[framelock-demo] spectator actor: %v", err)
	}

	net, err := transport.NewUDP(cfg.Listen)
	if err != nil {
		log.Fatalf("[framelock-demo] %v", err)
	}
	defer net.Close()
	sess.SetNetAdapter(net)

	sess.Start()
	runStatsServer(ctx, cfg, sess)
	go logMetrics(ctx, cfg, sess, cfg.MaxStateSize)
	runLoop(ctx, cfg, sess, func() {})
}

func runStress(ctx context.Context, cfg *Config) {
	sess := session.New(session.VariantStress, session.Config{
		NumPlayers:   cfg.NumPlayers,
		InputSize:    cfg.InputSize,
		MaxStateSize: cfg.MaxStateSize,
	})
	log.Printf("[framelock-demo] session %s running a headless stress pass", sess.ID())

	handles := make([]int, cfg.NumPlayers)
	for i := range handles {
		h, err := sess.AddActor(peer.Remote, nil)
		if err != nil {
			log.Fatalf("[framelock-demo] AddActor: %v", err)
		}
		handles[i] = h
	}

	seed := sess.ID()
	rng := rand.New(rand.NewPCG(
		binary.LittleEndian.Uint64(seed[0:8]),
		binary.LittleEndian.Uint64(seed[8:16]),
	))
	sess.Start()
	go logMetrics(ctx, cfg, sess, cfg.MaxStateSize)
	runLoop(ctx, cfg, sess, func() {
		for _, h := range handles {
			input := make([]byte, cfg.InputSize)
			for i := range input {
				input[i] = byte(rng.IntN(256))
			}
			if err := sess.AddLocalInput(h, input); err != nil {
				log.Printf("[framelock-demo] AddLocalInput(%d): %v", h, err)
			}
		}
	})
}

func addActorAt(sess *session.Session, wantHandle int, kind peer.Kind, address []byte) (int, error) {
	got, err := sess.AddActor(kind, address)
	if err == nil && got != wantHandle {
		log.Printf("[framelock-demo] warning: actor handle %d, expected %d", got, wantHandle)
	}
	return got, err
}

func runLoop(ctx context.Context, cfg *Config, sess *session.Session, feed func()) {
	ticker := time.NewTicker(cfg.TickRate)
	defer ticker.Stop()

	ticks := 0
	for {
		select {
		case <-ctx.Done():
			sess.Destroy()
			return
		case now := <-ticker.C:
			feed()
			events := sess.UpdateSession(now)
			for _, e := range sess.SessionEvents() {
				log.Printf("[framelock-demo] session event: %+v", e)
			}
			_ = events // a real embedder drives its simulation from these

			ticks++
			if cfg.Ticks > 0 && ticks >= cfg.Ticks {
				sess.Destroy()
				return
			}
		}
	}
}
