package main

import (
	"context"
	"log"
	"net/http"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"framelock/session"
)

// statsServer exposes a session's live metrics over HTTP.
type statsServer struct {
	echo *echo.Echo
	sess *session.Session
}

func newStatsServer(sess *session.Session) *statsServer {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())

	s := &statsServer{echo: e, sess: sess}
	e.GET("/stats", s.handleStats)
	return s
}

type statsResponse struct {
	SessionID   string  `json:"session_id"`
	CurrentFrame int32  `json:"current_frame"`
	FramesAhead float64 `json:"frames_ahead"`
}

func (s *statsServer) handleStats(c echo.Context) error {
	resp := statsResponse{
		SessionID:    s.sess.ID().String(),
		CurrentFrame: int32(s.sess.CurrentFrame()),
		FramesAhead:  s.sess.FramesAhead(),
	}
	return c.JSON(http.StatusOK, resp)
}

// runStatsServer starts the optional /stats endpoint in the
// background, shutting it down when ctx is canceled. A no-op if
// cfg.StatsAddr is empty.
func runStatsServer(ctx context.Context, cfg *Config, sess *session.Session) {
	if cfg.StatsAddr == "" {
		return
	}
	srv := newStatsServer(sess)
	go func() {
		if err := srv.echo.Start(cfg.StatsAddr); err != nil && err != http.ErrServerClosed {
			log.Printf("[framelock-demo] stats server: %v", err)
		}
	}()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.echo.Shutdown(shutdownCtx)
	}()
	log.Printf("[framelock-demo] stats endpoint on http://%s/stats", cfg.StatsAddr)
}

// logMetrics periodically logs a human-readable summary.
func logMetrics(ctx context.Context, cfg *Config, sess *session.Session, stateSize int) {
	ticker := time.NewTicker(cfg.MetricsInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			log.Printf("[metrics] frame=%d frames_ahead=%.2f state_size=%s",
				sess.CurrentFrame(), sess.FramesAhead(), humanize.Bytes(uint64(stateSize)))
		}
	}
}
