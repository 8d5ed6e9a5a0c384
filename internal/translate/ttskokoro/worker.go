// Package ttskokoro adapts a Kokoro Python worker subprocess to
// translate.TTSProvider. Kokoro is not a streaming API: each call returns
// one complete WAV utterance, so Synthesize slices it into fixed-duration
// PCM16 chunks to satisfy the streaming TTSStream contract.
package ttskokoro

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/cwbudde/wav"

	"github.com/antoniostano/voxbridge/internal/audio"
	"github.com/antoniostano/voxbridge/internal/translate"
)

// Config configures the subprocess and default synthesis parameters.
type Config struct {
	PythonPath   string
	ScriptPath   string
	DefaultVoice string
	DefaultLang  string
	ChunkMS      int
}

// Worker drives a long-lived Kokoro Python subprocess over a JSON-lines
// stdin/stdout protocol, one request in flight at a time.
type Worker struct {
	mu      sync.Mutex
	cmd     *exec.Cmd
	stdin   io.WriteCloser
	dec     *json.Decoder
	closed  bool
	voice   string
	lang    string
	chunkMS int
}

var _ translate.TTSProvider = (*Worker)(nil)

type kokoroRequestLine struct {
	ID       string  `json:"id"`
	Text     string  `json:"text"`
	Voice    string  `json:"voice"`
	LangCode string  `json:"lang_code"`
	Speed    float64 `json:"speed"`
}

type kokoroResponse struct {
	ID          string `json:"id"`
	OK          bool   `json:"ok"`
	Format      string `json:"format"`
	SampleRate  int    `json:"sample_rate"`
	AudioBase64 string `json:"audio_base64"`
	Error       string `json:"error"`
}

// Start spawns the Kokoro worker process and fires a warmup request so
// dependency errors (missing model weights, wrong Python env) surface at
// startup instead of on the first real synthesis call.
func Start(cfg Config) (*Worker, error) {
	python := strings.TrimSpace(cfg.PythonPath)
	if python == "" {
		for _, candidate := range []string{".venv/bin/python3", ".venv/bin/python", "python3"} {
			if p, err := exec.LookPath(candidate); err == nil && strings.TrimSpace(p) != "" {
				python = p
				break
			}
		}
	}
	if python == "" {
		return nil, fmt.Errorf("ttskokoro: no python interpreter found")
	}

	script := strings.TrimSpace(cfg.ScriptPath)
	if script == "" {
		return nil, fmt.Errorf("ttskokoro: script path is required")
	}
	if _, err := os.Stat(script); err != nil {
		return nil, fmt.Errorf("ttskokoro: worker script not found: %s", script)
	}

	cmd := exec.Command(python, "-u", script)
	cmd.Env = append(os.Environ(), "PYTORCH_ENABLE_MPS_FALLBACK=1")
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, err
	}

	voice := strings.TrimSpace(cfg.DefaultVoice)
	if voice == "" {
		voice = "af_heart"
	}
	lang := strings.TrimSpace(cfg.DefaultLang)
	if lang == "" {
		lang = "a"
	}
	chunkMS := cfg.ChunkMS
	if chunkMS <= 0 {
		chunkMS = 200
	}

	w := &Worker{
		cmd:     cmd,
		stdin:   stdin,
		dec:     json.NewDecoder(stdout),
		voice:   voice,
		lang:    lang,
		chunkMS: chunkMS,
	}

	ctx, cancel := context.WithTimeout(context.Background(), 25*time.Second)
	defer cancel()
	if _, _, err := w.synthesizeRaw(ctx, "warmup", voice, lang); err != nil {
		_ = stdin.Close()
		_ = cmd.Process.Kill()
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			msg = err.Error()
		}
		return nil, fmt.Errorf("ttskokoro: worker failed to start: %s", msg)
	}

	return w, nil
}

// Synthesize requests one utterance from the worker and returns a stream
// that delivers it as chunkMS-sized PCM16 pieces, oldest first.
func (w *Worker) Synthesize(ctx context.Context, text, lang string) (translate.TTSStream, error) {
	text = strings.TrimSpace(text)
	stream := &ttsStream{ch: make(chan translate.TTSChunk, 8)}
	if text == "" {
		close(stream.ch)
		return stream, nil
	}

	voice := w.voice
	langCode := kokoroLangCode(lang, w.lang)
	pcm, sampleRate, err := w.synthesizeRaw(ctx, text, voice, langCode)
	if err != nil {
		close(stream.ch)
		stream.err = err
		return stream, nil
	}

	go streamChunks(ctx, stream, pcm, sampleRate, w.chunkMS)
	return stream, nil
}

// synthesizeRaw sends one request line and decodes the matching response,
// returning the decoded audio as PCM16LE mono bytes plus its sample rate.
func (w *Worker) synthesizeRaw(ctx context.Context, text, voice, langCode string) ([]byte, int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil, 0, fmt.Errorf("ttskokoro: worker closed")
	}

	id := fmt.Sprintf("req-%d", time.Now().UnixNano())
	line := kokoroRequestLine{ID: id, Text: text, Voice: voice, LangCode: langCode, Speed: 1.0}
	if strings.TrimSpace(line.Voice) == "" {
		line.Voice = "af_heart"
	}
	if strings.TrimSpace(line.LangCode) == "" {
		line.LangCode = "a"
	}

	b, err := json.Marshal(line)
	if err != nil {
		return nil, 0, err
	}
	b = append(b, '\n')
	if _, err := w.stdin.Write(b); err != nil {
		return nil, 0, err
	}

	var resp kokoroResponse
	if err := w.dec.Decode(&resp); err != nil {
		return nil, 0, err
	}
	if resp.ID != id {
		return nil, 0, fmt.Errorf("ttskokoro: worker out-of-sync (got %q, expected %q)", resp.ID, id)
	}
	if !resp.OK {
		msg := strings.TrimSpace(resp.Error)
		if msg == "" {
			msg = "unknown kokoro error"
		}
		return nil, 0, fmt.Errorf("%s", msg)
	}
	if strings.TrimSpace(resp.AudioBase64) == "" {
		return []byte{}, resp.SampleRate, nil
	}

	wavBytes, err := base64.StdEncoding.DecodeString(resp.AudioBase64)
	if err != nil {
		return nil, 0, fmt.Errorf("ttskokoro: decode audio_base64: %w", err)
	}

	samples, sampleRate, err := decodeWAVFloat32(wavBytes)
	if err != nil {
		return nil, 0, fmt.Errorf("ttskokoro: decode wav: %w", err)
	}
	return audio.FloatToPCM16LE(samples), sampleRate, nil
}

// Close terminates the worker process.
func (w *Worker) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	stdin := w.stdin
	cmd := w.cmd
	w.stdin = nil
	w.cmd = nil
	w.mu.Unlock()

	if stdin != nil {
		_ = stdin.Close()
	}
	if cmd == nil || cmd.Process == nil {
		return nil
	}

	_ = cmd.Process.Signal(os.Interrupt)
	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()
	select {
	case <-time.After(1200 * time.Millisecond):
		_ = cmd.Process.Kill()
		<-done
	case <-done:
	}
	return nil
}

// decodeWAVFloat32 decodes a WAV byte slice (as produced by the kokoro
// worker script) into float32 PCM samples and its sample rate.
func decodeWAVFloat32(data []byte) ([]float32, int, error) {
	dec := wav.NewDecoder(bytes.NewReader(data))
	if !dec.IsValidFile() {
		return nil, 0, fmt.Errorf("invalid wav payload")
	}
	buf, err := dec.FullPCMBuffer()
	if err != nil {
		return nil, 0, err
	}
	return buf.Data, int(dec.SampleRate), nil
}

// kokoroLangCode prefers an explicit override, falling back to the
// worker's configured default language code.
func kokoroLangCode(override, fallback string) string {
	override = strings.TrimSpace(override)
	if override == "" {
		return fallback
	}
	// Kokoro's lang_code is a single letter (e.g. "a" for American English,
	// "e" for Spanish); BCP-47 codes pass through untouched if the worker
	// script already knows how to map them.
	return override
}

type ttsStream struct {
	ch  chan translate.TTSChunk
	err error
}

func (s *ttsStream) Chunks() <-chan translate.TTSChunk { return s.ch }
func (s *ttsStream) Err() error                        { return s.err }
func (s *ttsStream) Close() error                      { return nil }

// streamChunks slices pcm into chunkMS-duration pieces and feeds them to
// the stream in order, respecting cancellation.
func streamChunks(ctx context.Context, stream *ttsStream, pcm []byte, sampleRate, chunkMS int) {
	defer close(stream.ch)
	if len(pcm) == 0 {
		return
	}
	if sampleRate <= 0 {
		sampleRate = 24000
	}
	bytesPerChunk := (sampleRate * chunkMS / 1000) * 2
	if bytesPerChunk <= 0 {
		bytesPerChunk = len(pcm)
	}

	for offset := 0; offset < len(pcm); offset += bytesPerChunk {
		end := offset + bytesPerChunk
		if end > len(pcm) {
			end = len(pcm)
		}
		chunk := translate.TTSChunk{PCM16: pcm[offset:end], SampleRate: sampleRate}
		select {
		case stream.ch <- chunk:
		case <-ctx.Done():
			stream.err = ctx.Err()
			return
		}
	}
}
