package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/relaytalk/voicecore/pkg/voice"
)

func main() {
	_ = godotenv.Load()

	var (
		port     = flag.String("port", "8080", "HTTP server port")
		wsURL    = flag.String("ws-url", "", "voice signaling endpoint URL")
		roomID   = flag.String("room-id", "", "room to join")
		userID   = flag.String("user-id", "", "local user id")
		token    = flag.String("token", "", "signaling auth token")
		logLevel = flag.String("log-level", "info", "log level (debug, info, warn, error)")
	)
	flag.Parse()

	if *port == "8080" {
		if p := os.Getenv("APP_PORT"); p != "" {
			*port = p
		} else if p := os.Getenv("PORT"); p != "" {
			*port = p
		}
	}
	if *wsURL == "" {
		*wsURL = os.Getenv("VOICE_WS_URL")
	}
	if *roomID == "" {
		*roomID = os.Getenv("VOICE_ROOM_ID")
	}
	if *userID == "" {
		*userID = os.Getenv("VOICE_USER_ID")
	}
	if *token == "" {
		*token = os.Getenv("VOICE_TOKEN")
	}
	if *logLevel == "info" {
		if ll := os.Getenv("LOG_LEVEL"); ll != "" {
			*logLevel = ll
		}
	}

	logger := setupLogger(*logLevel)

	if *wsURL == "" || *roomID == "" || *userID == "" || *token == "" {
		fmt.Fprintf(os.Stderr, "Error: missing required configuration:\n")
		fmt.Fprintf(os.Stderr, "  VOICE_WS_URL (or -ws-url)\n")
		fmt.Fprintf(os.Stderr, "  VOICE_ROOM_ID (or -room-id)\n")
		fmt.Fprintf(os.Stderr, "  VOICE_USER_ID (or -user-id)\n")
		fmt.Fprintf(os.Stderr, "  VOICE_TOKEN (or -token)\n")
		os.Exit(1)
	}

	logger.Info("starting voice agent", "port", *port, "ws_url", *wsURL, "room_id", *roomID)

	sink := &loggingSink{logger: logger}
	observer := &loggingObserver{logger: logger}

	sess, err := voice.NewVoiceSession(voice.SessionConfig{
		WSURL:    *wsURL,
		RoomID:   *roomID,
		UserID:   *userID,
		Token:    *token,
		Observer: observer,
		Sink:     sink,
		Logger:   logger,
	})
	if err != nil {
		logger.Error("failed to construct voice session", "error", err)
		os.Exit(1)
	}

	connectCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	err = sess.Connect(connectCtx)
	cancel()
	if err != nil {
		logger.Error("initial connect failed", "error", err)
		os.Exit(1)
	}

	mux := http.NewServeMux()

	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"status":"healthy","state":"%s","timestamp":%d}`+"\n",
			sess.State(), time.Now().Unix())
	})
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"status":     "ok",
			"session_id": sess.SessionID(),
			"state":      sess.State().String(),
		})
	})
	mux.HandleFunc("/metrics", func(w http.ResponseWriter, r *http.Request) {
		stats := sess.Stats()
		w.Header().Set("Content-Type", "text/plain")
		fmt.Fprintf(w, "# HELP voice_reconnects_total Number of reconnect attempts made\n")
		fmt.Fprintf(w, "# TYPE voice_reconnects_total counter\n")
		fmt.Fprintf(w, "voice_reconnects_total %d\n", stats.ReconnectCount)
		fmt.Fprintf(w, "# HELP voice_auth_failures_total Number of packets dropped for AEAD auth failure\n")
		fmt.Fprintf(w, "# TYPE voice_auth_failures_total counter\n")
		fmt.Fprintf(w, "voice_auth_failures_total %d\n", stats.AuthFailures)
		fmt.Fprintf(w, "# HELP voice_plc_frames_total Cumulative concealment frames produced\n")
		fmt.Fprintf(w, "# TYPE voice_plc_frames_total counter\n")
		fmt.Fprintf(w, "voice_plc_frames_total %d\n", stats.PLCTotal)
		fmt.Fprintf(w, "# HELP voice_participants Current remote participant count\n")
		fmt.Fprintf(w, "# TYPE voice_participants gauge\n")
		fmt.Fprintf(w, "voice_participants %d\n", stats.ParticipantCount)
		for ssrc, depth := range stats.BufferedDepth {
			fmt.Fprintf(w, "voice_jitter_buffer_depth{ssrc=\"%d\"} %d\n", ssrc, depth)
		}
	})

	server := &http.Server{Addr: ":" + *port, Handler: mux}

	go func() {
		logger.Info("HTTP server listening", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logger.Info("shutdown signal received, gracefully shutting down")

	sess.Disconnect()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", "error", err)
	}

	logger.Info("voice agent stopped")
}

// loggingSink discards playback audio, logging only a debug line per frame
// — this demo binary has no real audio device integration, which is
// explicitly outside the core's scope.
type loggingSink struct {
	logger *slog.Logger
}

func (s *loggingSink) PlayFrame(ssrc uint32, pcm []int16) {
	s.logger.Debug("playback frame", "ssrc", ssrc, "samples", len(pcm))
}

// loggingObserver logs every VoiceSession lifecycle event.
type loggingObserver struct {
	logger *slog.Logger
}

func (o *loggingObserver) OnStateChanged(state voice.ConnectionState) {
	o.logger.Info("state changed", "state", state.String())
}
func (o *loggingObserver) OnConnected() {
	o.logger.Info("connected")
}
func (o *loggingObserver) OnDisconnected(final bool) {
	o.logger.Info("disconnected", "final", final)
}
func (o *loggingObserver) OnReconnecting(attempt, maxAttempts int) {
	o.logger.Warn("reconnecting", "attempt", attempt, "max_attempts", maxAttempts)
}
func (o *loggingObserver) OnUserJoined(p voice.Participant) {
	o.logger.Info("user joined", "user_id", p.UserID, "ssrc", p.SSRC)
}
func (o *loggingObserver) OnUserLeft(userID string) {
	o.logger.Info("user left", "user_id", userID)
}
func (o *loggingObserver) OnUserSpeaking(userID string, ssrc uint32, speaking int) {
	o.logger.Debug("user speaking", "user_id", userID, "ssrc", ssrc, "speaking", speaking)
}
func (o *loggingObserver) OnError(err error) {
	o.logger.Error("voice session error", "error", err)
}

func setupLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
}
