package main

import (
	"context"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"flag"
	"fmt"
	"math"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/antoniostano/voxbridge/internal/protocol"
)

type options struct {
	baseURL        string
	sourceLang     string
	targetLang     string
	turns          int
	utteranceMS    int
	chunkMS        int
	realtime       float64
	interTurnDelay time.Duration
	turnTimeout    time.Duration
	sampleRate     int
	verbose        bool
}

// turnStats summarizes one replayed turn from the server's own `stats`
// frames, so the harness reports exactly what the pipeline measured rather
// than a client-side approximation.
type turnStats struct {
	segments int
	lastASR  float64
	lastMT   float64
	lastTTS  float64
	lastE2E  float64
}

func main() {
	cfg, err := parseFlags()
	if err != nil {
		fmt.Fprintf(os.Stderr, "perfbridge: %v\n", err)
		os.Exit(2)
	}
	if err := run(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "perfbridge: %v\n", err)
		os.Exit(1)
	}
}

func parseFlags() (options, error) {
	var cfg options
	var interTurnMS int
	var turnTimeoutMS int

	flag.StringVar(&cfg.baseURL, "base-url", "http://127.0.0.1:8080", "voxbridge base URL")
	flag.StringVar(&cfg.sourceLang, "source-lang", "en", "source_lang for the config frame")
	flag.StringVar(&cfg.targetLang, "target-lang", "es", "target_lang for the config frame")
	flag.IntVar(&cfg.turns, "turns", 10, "number of turns to replay, one websocket connection each")
	flag.IntVar(&cfg.utteranceMS, "utterance-ms", 2500, "synthetic utterance duration in milliseconds")
	flag.IntVar(&cfg.chunkMS, "chunk-ms", 45, "audio chunk size in milliseconds")
	flag.Float64Var(&cfg.realtime, "realtime", 3.0, "chunk pacing multiplier (1.0=realtime, 2.0=2x)")
	flag.IntVar(&cfg.sampleRate, "sample-rate", 16000, "PCM16 sample rate of the synthetic audio")
	flag.IntVar(&interTurnMS, "inter-turn-ms", 180, "delay between turns in milliseconds")
	flag.IntVar(&turnTimeoutMS, "turn-timeout-ms", 15000, "timeout waiting for the server to close the stream after stop, per turn")
	flag.BoolVar(&cfg.verbose, "verbose", true, "print replay progress")
	flag.Parse()

	cfg.baseURL = strings.TrimRight(strings.TrimSpace(cfg.baseURL), "/")
	if cfg.baseURL == "" {
		return options{}, fmt.Errorf("base-url is required")
	}
	if cfg.turns <= 0 {
		return options{}, fmt.Errorf("turns must be > 0")
	}
	if cfg.utteranceMS <= 0 {
		return options{}, fmt.Errorf("utterance-ms must be > 0")
	}
	if cfg.chunkMS < 10 || cfg.chunkMS > 2000 {
		return options{}, fmt.Errorf("chunk-ms must be in [10,2000]")
	}
	if cfg.realtime <= 0 {
		return options{}, fmt.Errorf("realtime must be > 0")
	}
	if cfg.sampleRate <= 0 {
		return options{}, fmt.Errorf("sample-rate must be > 0")
	}
	if interTurnMS < 0 {
		interTurnMS = 0
	}
	if turnTimeoutMS < 1000 {
		turnTimeoutMS = 1000
	}
	cfg.interTurnDelay = time.Duration(interTurnMS) * time.Millisecond
	cfg.turnTimeout = time.Duration(turnTimeoutMS) * time.Millisecond
	return cfg, nil
}

func run(cfg options) error {
	ctx, cancel := context.WithTimeout(context.Background(), 8*time.Minute)
	defer cancel()

	wsURL, err := wsURL(cfg.baseURL)
	if err != nil {
		return fmt.Errorf("build ws URL: %w", err)
	}

	pcm := syntheticUtterance(cfg.sampleRate, cfg.utteranceMS)
	if cfg.verbose {
		fmt.Printf("perfbridge: target=%s turns=%d utterance_ms=%d chunk_ms=%d realtime=%.2f\n",
			wsURL, cfg.turns, cfg.utteranceMS, cfg.chunkMS, cfg.realtime)
	}

	for i := 0; i < cfg.turns; i++ {
		stats, err := runTurn(ctx, wsURL, cfg, pcm)
		if err != nil {
			return fmt.Errorf("turn %d: %w", i+1, err)
		}
		if cfg.verbose {
			fmt.Printf("perfbridge: turn %d/%d segments=%d asr_ms=%.1f mt_ms=%.1f tts_ms=%.1f e2e_ms=%.1f\n",
				i+1, cfg.turns, stats.segments, stats.lastASR, stats.lastMT, stats.lastTTS, stats.lastE2E)
		}
		if cfg.interTurnDelay > 0 && i < cfg.turns-1 {
			time.Sleep(cfg.interTurnDelay)
		}
	}

	if cfg.verbose {
		fmt.Println("perfbridge: replay completed")
	}
	return nil
}

// runTurn opens one connection, configures it, streams the synthetic
// utterance, sends stop, and collects `stats` frames until the server
// closes the connection or the turn timeout elapses. The pipeline closes
// the connection's read side once it has flushed the final commit, so one
// turn maps to exactly one websocket lifecycle.
func runTurn(ctx context.Context, wsURL string, cfg options, pcm []byte) (turnStats, error) {
	dialCtx, dialCancel := context.WithTimeout(ctx, 10*time.Second)
	defer dialCancel()
	conn, _, err := websocket.DefaultDialer.DialContext(dialCtx, wsURL, nil)
	if err != nil {
		return turnStats{}, fmt.Errorf("dial: %w", err)
	}
	defer conn.Close()

	cfgMsg := protocol.ClientConfig{
		Type:       protocol.TypeConfig,
		SourceLang: cfg.sourceLang,
		TargetLang: cfg.targetLang,
	}
	if err := conn.WriteJSON(cfgMsg); err != nil {
		return turnStats{}, fmt.Errorf("send config: %w", err)
	}

	statsCh := make(chan protocol.StatsEvent, 32)
	errCh := make(chan error, 1)
	doneCh := make(chan struct{})
	go readTurn(conn, statsCh, errCh, doneCh, cfg.verbose)

	if err := streamAudio(conn, pcm, cfg.sampleRate, cfg.chunkMS, cfg.realtime); err != nil {
		return turnStats{}, fmt.Errorf("stream audio: %w", err)
	}
	if err := conn.WriteJSON(protocol.ClientStop{Type: protocol.TypeStop}); err != nil {
		return turnStats{}, fmt.Errorf("send stop: %w", err)
	}

	var stats turnStats
	timer := time.NewTimer(cfg.turnTimeout)
	defer timer.Stop()
	for {
		select {
		case s := <-statsCh:
			stats.segments++
			stats.lastASR = s.ASRMs
			stats.lastMT = s.MTMs
			stats.lastTTS = s.TTSMs
			stats.lastE2E = s.E2EMs
		case err := <-errCh:
			return stats, err
		case <-doneCh:
			return stats, nil
		case <-timer.C:
			return stats, fmt.Errorf("timeout waiting for server to close the stream")
		}
	}
}

func readTurn(conn *websocket.Conn, statsCh chan<- protocol.StatsEvent, errCh chan<- error, doneCh chan<- struct{}, verbose bool) {
	defer close(doneCh)
	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if msgType != websocket.TextMessage {
			continue
		}

		var env protocol.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			continue
		}
		switch env.Type {
		case protocol.TypeStats:
			var m protocol.StatsEvent
			if err := json.Unmarshal(data, &m); err != nil {
				continue
			}
			select {
			case statsCh <- m:
			default:
			}
		case protocol.TypeError:
			var m protocol.ErrorEvent
			if err := json.Unmarshal(data, &m); err != nil {
				continue
			}
			if verbose {
				fmt.Fprintf(os.Stderr, "perfbridge: error_event segment=%d retryable=%v message=%s\n", m.SegmentID, m.Retryable, m.Message)
			}
			if !m.Retryable {
				select {
				case errCh <- fmt.Errorf("server error: %s", m.Message):
				default:
				}
				return
			}
		}
	}
}

func streamAudio(conn *websocket.Conn, pcm []byte, sampleRate, chunkMS int, realtime float64) error {
	bytesPerChunk := sampleRate * 2 * chunkMS / 1000
	if bytesPerChunk < 2 {
		bytesPerChunk = 2
	}
	if bytesPerChunk%2 != 0 {
		bytesPerChunk++
	}

	seq := 0
	for off := 0; off < len(pcm); {
		end := off + bytesPerChunk
		if end > len(pcm) {
			end = len(pcm)
		}
		if (end-off)%2 != 0 {
			end--
		}
		if end <= off {
			break
		}
		chunkBytes := end - off
		seq++
		msg := protocol.ClientAudio{
			Type:        protocol.TypeAudio,
			Seq:         seq,
			SampleRate:  sampleRate,
			PCM16Base64: base64.StdEncoding.EncodeToString(pcm[off:end]),
		}
		if err := conn.WriteJSON(msg); err != nil {
			return err
		}
		off = end

		chunkDuration := time.Duration(float64(time.Duration(chunkBytes)*time.Second/time.Duration(sampleRate*2)) / realtime)
		if chunkDuration <= 0 {
			chunkDuration = 10 * time.Millisecond
		}
		time.Sleep(chunkDuration)
	}
	return nil
}

// syntheticUtterance builds a fixed-frequency tone as PCM16LE mono, standing
// in for real speech so the harness can exercise transport pacing and
// pipeline latency without a microphone or a canned recording.
func syntheticUtterance(sampleRate, durationMS int) []byte {
	n := sampleRate * durationMS / 1000
	out := make([]byte, n*2)
	const freqHz = 220.0
	for i := 0; i < n; i++ {
		t := float64(i) / float64(sampleRate)
		sample := int16(0.2 * 32767.0 * math.Sin(2*math.Pi*freqHz*t))
		binary.LittleEndian.PutUint16(out[i*2:], uint16(sample))
	}
	return out
}

func wsURL(baseURL string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(baseURL))
	if err != nil {
		return "", err
	}
	switch strings.ToLower(u.Scheme) {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported base-url scheme %q", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return "", fmt.Errorf("base-url host is required")
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/ws/stream"
	return u.String(), nil
}
