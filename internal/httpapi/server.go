package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/antoniostano/voxbridge/internal/config"
	"github.com/antoniostano/voxbridge/internal/observability"
	"github.com/antoniostano/voxbridge/internal/protocol"
	"github.com/antoniostano/voxbridge/internal/session"
)

// Orchestrator runs the per-session pipeline: audio buffer, ASR worker,
// commit tracker, translation stage, TTS stage and backpressure, stats.
type Orchestrator interface {
	RunConnection(ctx context.Context, s *session.Session, inbound <-chan any, outbound chan<- any) error
}

type Server struct {
	cfg          config.Config
	sessions     *session.Manager
	orchestrator Orchestrator
	metrics      *observability.Metrics
	upgrader     websocket.Upgrader
}

func New(cfg config.Config, sessions *session.Manager, orchestrator Orchestrator, metrics *observability.Metrics) *Server {
	return &Server{
		cfg:          cfg,
		sessions:     sessions,
		orchestrator: orchestrator,
		metrics:      metrics,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				// Default: only allow browser websocket connections from the same
				// origin. Non-browser clients (CLIs, services) often omit Origin
				// entirely and are allowed through.
				if cfg.AllowAnyOrigin {
					return true
				}
				origin := strings.TrimSpace(r.Header.Get("Origin"))
				if origin == "" {
					return true
				}
				u, err := url.Parse(origin)
				if err != nil {
					return false
				}
				if u.Scheme != "http" && u.Scheme != "https" {
					return false
				}
				return strings.EqualFold(u.Host, r.Host)
			},
		},
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		observability.MetricsHandler().ServeHTTP(w, r)
	})
	r.Get("/debug/stages", s.handleStages)
	r.Get("/ws/stream", s.handleStream)

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":         "ready",
		"active_sessions": s.sessions.ActiveCount(),
	})
}

// handleStages exposes the rolling per-stage latency percentiles tracked in
// Metrics.Stages, a human-readable complement to the /metrics histograms.
func (s *Server) handleStages(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, s.metrics.Stages.Snapshot())
}

// handleStream upgrades to a websocket and wires the session to the
// Orchestrator via a single inbound/outbound channel pair, per §4.1's
// "serializes all outbound writes through a single sink" requirement.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	if s.orchestrator == nil {
		respondError(w, http.StatusNotImplemented, "unavailable", "orchestrator not configured")
		return
	}

	sess := s.sessions.Create()
	s.metrics.ActiveSessions.Set(float64(s.sessions.ActiveCount()))
	s.metrics.SessionEvents.WithLabelValues("created").Inc()

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		_, _ = s.sessions.End(sess.ID)
		return
	}
	defer conn.Close()

	s.metrics.SessionEvents.WithLabelValues("ws_connected").Inc()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	inbound := make(chan any, 256)
	outbound := make(chan any, 256)
	runDone := make(chan struct{})

	go func() {
		defer close(runDone)
		_ = s.orchestrator.RunConnection(ctx, sess, inbound, outbound)
		// RunConnection returns once a stop has been flushed (final commit
		// and TTS drained) or after a session-fatal protocol error (e.g. a
		// sample_rate mismatch) whose error frame is already queued on
		// outbound. Either way the session is over: tear the connection
		// down rather than leaving it open for the client to keep
		// streaming into a finished pipeline. ReadMessage below is
		// blocking in another goroutine; an expired read deadline is the
		// standard way to interrupt it.
		cancel()
		_ = conn.SetReadDeadline(time.Now())
	}()

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		for {
			// Drain anything already queued before honoring cancellation: a
			// session-fatal error frame (e.g. a sample_rate mismatch) is
			// queued and ctx is cancelled right behind it, and a plain
			// select between the two cases would pick either at random,
			// sometimes dropping the very frame the client needs to see.
			var msg any
			var ok bool
			select {
			case msg, ok = <-outbound:
			default:
				select {
				case <-ctx.Done():
					return
				case msg, ok = <-outbound:
				}
			}
			if !ok {
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if chunk, isBinary := binaryFrameOf(msg); isBinary {
				if err := conn.WriteMessage(websocket.BinaryMessage, chunk); err != nil {
					s.metrics.WSWriteErrors.WithLabelValues("write_binary").Inc()
					cancel()
					return
				}
				continue
			}
			if err := conn.WriteJSON(msg); err != nil {
				s.metrics.WSWriteErrors.WithLabelValues("write_json").Inc()
				cancel()
				return
			}
			if t, ok := messageTypeOf(msg); ok {
				s.metrics.WSMessages.WithLabelValues("outbound", string(t)).Inc()
			}
		}
	}()

	conn.SetReadLimit(2 << 20)
	_ = conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	conn.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

readLoop:
	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			break
		}
		if msgType != websocket.TextMessage {
			continue
		}
		parsed, err := protocol.ParseClientMessage(data)
		if err != nil {
			// A malformed frame is session-fatal per §7, grouped with audio-
			// before-config and sample-rate mismatch: emit the error and close
			// rather than keep reading into a session the client already got
			// wrong.
			errEvent := protocol.ErrorEvent{
				Type:      protocol.TypeError,
				Message:   err.Error(),
				Retryable: false,
			}
			select {
			case outbound <- errEvent:
			case <-ctx.Done():
			}
			break readLoop
		}

		if t, ok := messageTypeOf(parsed); ok {
			s.metrics.WSMessages.WithLabelValues("inbound", string(t)).Inc()
		}
		if cfgMsg, ok := parsed.(protocol.ClientConfig); ok {
			if err := s.sessions.Configure(sess.ID, cfgMsg.SourceLang, cfgMsg.TargetLang,
				cfgMsg.WindowSeconds, cfgMsg.ASRIntervalMS, cfgMsg.CommitStabilityK,
				cfgMsg.CommitTimeoutSeconds, cfgMsg.CommitMinWords); err != nil {
				errEvent := protocol.ErrorEvent{Type: protocol.TypeError, Message: err.Error(), Retryable: false}
				select {
				case outbound <- errEvent:
				case <-ctx.Done():
					break readLoop
				}
				continue
			}
		}
		_ = s.sessions.Touch(sess.ID)
		select {
		case <-ctx.Done():
			break readLoop
		case inbound <- parsed:
		}
	}

	cancel()
	close(inbound)
	<-runDone
	<-writerDone
	_, _ = s.sessions.End(sess.ID)
	s.metrics.ActiveSessions.Set(float64(s.sessions.ActiveCount()))
	s.metrics.SessionEvents.WithLabelValues("ws_disconnected").Inc()
}

func binaryFrameOf(v any) ([]byte, bool) {
	bc, ok := v.(protocol.BinaryFrame)
	if !ok {
		return nil, false
	}
	return bc.Payload, true
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}

func messageTypeOf(v any) (protocol.MessageType, bool) {
	switch m := v.(type) {
	case protocol.ClientConfig:
		return m.Type, true
	case protocol.ClientAudio:
		return m.Type, true
	case protocol.ClientStop:
		return m.Type, true
	case protocol.StatusEvent:
		return m.Type, true
	case protocol.ReadyEvent:
		return m.Type, true
	case protocol.PartialTranscriptEvent:
		return m.Type, true
	case protocol.CommittedTranscriptEvent:
		return m.Type, true
	case protocol.TranslationCommittedEvent:
		return m.Type, true
	case protocol.TTSAudioChunkEvent:
		return m.Type, true
	case protocol.TTSEndEvent:
		return m.Type, true
	case protocol.StatsEvent:
		return m.Type, true
	case protocol.ErrorEvent:
		return m.Type, true
	default:
		return "", false
	}
}
