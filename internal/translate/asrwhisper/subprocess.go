package asrwhisper

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/antoniostano/voxbridge/internal/audio"
	"github.com/antoniostano/voxbridge/internal/reliability"
	"github.com/antoniostano/voxbridge/internal/translate"
)

// ServerConfig configures the whisper-server HTTP fallback.
type ServerConfig struct {
	ModelPath string
	Language  string
	Threads   int
	BeamSize  int
	BestOf    int
}

// ServerProvider transcribes by POSTing WAV audio to a locally spawned
// whisper-server process, avoiding per-call process spawn cost.
type ServerProvider struct {
	mu      sync.Mutex
	cmd     *exec.Cmd
	baseURL string
	client  *http.Client
	logTail *tailBuffer
	closed  bool
}

var _ translate.ASRProvider = (*ServerProvider)(nil)

// NewServer spawns a whisper-server process and waits for it to accept
// connections.
func NewServer(cfg ServerConfig) (*ServerProvider, error) {
	path, err := exec.LookPath("whisper-server")
	if err != nil {
		return nil, err
	}

	port, err := pickFreePort()
	if err != nil {
		return nil, err
	}

	lang := strings.TrimSpace(cfg.Language)
	if lang == "" {
		lang = "en"
	}
	args := []string{
		"--host", "127.0.0.1",
		"--port", strconv.Itoa(port),
		"-m", cfg.ModelPath,
		"-l", lang,
		"-nt",
	}
	if cfg.Threads > 0 {
		args = append(args, "-t", strconv.Itoa(cfg.Threads))
	}
	if cfg.BeamSize > 0 {
		args = append(args, "-bs", strconv.Itoa(cfg.BeamSize))
	}
	if cfg.BestOf > 0 {
		args = append(args, "-bo", strconv.Itoa(cfg.BestOf))
	}

	tail := newTailBuffer(24 << 10)
	cmd := exec.Command(path, args...)
	injectWhisperLibraryEnv(cmd, path)
	cmd.Stdout = tail
	cmd.Stderr = tail

	if err := cmd.Start(); err != nil {
		return nil, err
	}

	baseURL := fmt.Sprintf("http://127.0.0.1:%d", port)
	client := &http.Client{}

	deadline := time.Now().Add(25 * time.Second)
	for time.Now().Before(deadline) {
		req, _ := http.NewRequest(http.MethodGet, baseURL+"/", nil)
		resp, err := client.Do(req)
		if err == nil {
			_, _ = io.Copy(io.Discard, resp.Body)
			_ = resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				return &ServerProvider{cmd: cmd, baseURL: baseURL, client: client, logTail: tail}, nil
			}
		}
		time.Sleep(80 * time.Millisecond)
	}

	_ = cmd.Process.Kill()
	_ = cmd.Wait()
	msg := tail.String()
	if msg == "" {
		msg = "whisper-server did not become ready"
	}
	return nil, fmt.Errorf("%s", msg)
}

// Close shuts down the whisper-server process.
func (s *ServerProvider) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	cmd := s.cmd
	s.mu.Unlock()

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

// Transcribe encodes the float32 window as WAV and posts it to the
// whisper-server /inference endpoint. Requests are serialized because the
// server is typically configured with a single processor slot. Transient
// server overload (429/503) is retried with backoff rather than bubbling
// up on the first hiccup, since the commit tracker's next hypothesis cycle
// would otherwise resubmit nearly the same audio anyway.
func (s *ServerProvider) Transcribe(ctx context.Context, samples []float32, sampleRate int, language string, contextHint string) (string, error) {
	if len(samples) == 0 {
		return "", nil
	}
	if ctx.Err() != nil {
		return "", ctx.Err()
	}

	wav, err := audio.EncodeWAVFloat32(samples, sampleRate)
	if err != nil {
		return "", err
	}

	const maxAttempts = 3
	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			backoff := reliability.ExponentialBackoff(attempt, 150*time.Millisecond, 1500*time.Millisecond)
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return "", ctx.Err()
			}
		}

		text, status, err := s.postInference(ctx, wav)
		if err == nil {
			return text, nil
		}
		lastErr = err
		if status == 0 || !reliability.IsRetryableHTTPStatus(status) {
			return "", err
		}
	}
	return "", lastErr
}

// postInference performs one HTTP round trip to the whisper-server
// /inference endpoint, returning the HTTP status code alongside any error
// so the caller can decide whether to retry.
func (s *ServerProvider) postInference(ctx context.Context, wav []byte) (string, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return "", 0, fmt.Errorf("asrwhisper: server closed")
	}

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	fw, err := mw.CreateFormFile("file", "audio.wav")
	if err != nil {
		_ = mw.Close()
		return "", 0, err
	}
	if _, err := fw.Write(wav); err != nil {
		_ = mw.Close()
		return "", 0, err
	}
	_ = mw.WriteField("temperature", "0.0")
	_ = mw.WriteField("response_format", "json")
	if err := mw.Close(); err != nil {
		return "", 0, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+"/inference", &body)
	if err != nil {
		return "", 0, err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := s.client.Do(req)
	if err != nil {
		if errors.Is(ctx.Err(), context.Canceled) {
			return "", 0, context.Canceled
		}
		return "", 0, err
	}
	defer resp.Body.Close()

	b, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", resp.StatusCode, err
	}
	if resp.StatusCode != http.StatusOK {
		return "", resp.StatusCode, fmt.Errorf("whisper-server HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(b)))
	}

	var out struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal(b, &out); err != nil {
		return "", resp.StatusCode, err
	}
	return strings.TrimSpace(out.Text), resp.StatusCode, nil
}

// CLIConfig configures the whisper-cli subprocess fallback.
type CLIConfig struct {
	CLIPath   string
	ModelPath string
	Language  string
	Threads   int
	BeamSize  int
	BestOf    int
}

// CLIProvider transcribes by invoking the whisper-cli binary once per call,
// writing a temp WAV file and reading back its -otxt output. Slower than
// ServerProvider (process spawn per call) but needs no long-lived process.
type CLIProvider struct {
	cliPath   string
	modelPath string
	language  string
	threads   int
	beamSize  int
	bestOf    int
}

var _ translate.ASRProvider = (*CLIProvider)(nil)

// NewCLI resolves the whisper-cli binary and validates the model path.
func NewCLI(cfg CLIConfig) (*CLIProvider, error) {
	cli := strings.TrimSpace(cfg.CLIPath)
	if cli == "" {
		cli = "whisper-cli"
	}
	cliPath, err := exec.LookPath(cli)
	if err != nil {
		return nil, fmt.Errorf("asrwhisper: whisper-cli not found (%s)", cli)
	}

	modelPath := strings.TrimSpace(cfg.ModelPath)
	if modelPath == "" {
		return nil, errors.New("asrwhisper: model path is required")
	}
	if !filepath.IsAbs(modelPath) {
		if wd, err := os.Getwd(); err == nil {
			modelPath = filepath.Join(wd, modelPath)
		}
	}
	if _, err := os.Stat(modelPath); err != nil {
		return nil, fmt.Errorf("asrwhisper: model not found: %s", modelPath)
	}

	language := strings.TrimSpace(cfg.Language)
	if language == "" {
		language = "en"
	}

	threads := cfg.Threads
	if threads < 0 {
		return nil, errors.New("asrwhisper: threads must be >= 0")
	}
	if threads == 0 {
		threads = 4
		if n := runtime.NumCPU(); n > 0 {
			threads = n
		}
		if threads > 8 {
			threads = 8
		}
		if threads < 2 {
			threads = 2
		}
	}

	beamSize := cfg.BeamSize
	if beamSize <= 0 {
		beamSize = 1
	}
	bestOf := cfg.BestOf
	if bestOf <= 0 {
		bestOf = 1
	}

	return &CLIProvider{
		cliPath:   cliPath,
		modelPath: modelPath,
		language:  language,
		threads:   threads,
		beamSize:  beamSize,
		bestOf:    bestOf,
	}, nil
}

// Transcribe writes samples to a temp WAV file, runs whisper-cli with
// -otxt, and reads back the resulting text file.
func (w *CLIProvider) Transcribe(ctx context.Context, samples []float32, sampleRate int, language string, contextHint string) (string, error) {
	if len(samples) == 0 {
		return "", nil
	}
	if sampleRate <= 0 {
		sampleRate = 16000
	}
	lang := w.language
	if language != "" {
		lang = language
	}

	tmpDir, err := os.MkdirTemp("", "voxbridge-whisper-*")
	if err != nil {
		return "", err
	}
	defer os.RemoveAll(tmpDir)

	wavPath := filepath.Join(tmpDir, "audio.wav")
	if err := audio.WriteWAVFloat32File(wavPath, samples, sampleRate); err != nil {
		return "", err
	}
	outPrefix := filepath.Join(tmpDir, "out")

	args := []string{
		"-m", w.modelPath,
		"-f", wavPath,
		"-l", lang,
		"-otxt",
		"-of", outPrefix,
		"-nt",
	}
	if w.threads > 0 {
		args = append(args, "-t", strconv.Itoa(w.threads))
	}
	if w.beamSize > 0 {
		args = append(args, "-bs", strconv.Itoa(w.beamSize))
	}
	if w.bestOf > 0 {
		args = append(args, "-bo", strconv.Itoa(w.bestOf))
	}

	cmd := exec.CommandContext(ctx, w.cliPath, args...)
	injectWhisperLibraryEnv(cmd, w.cliPath)
	cmd.Stdout = io.Discard
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if errors.Is(ctx.Err(), context.Canceled) {
			return "", context.Canceled
		}
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return "", fmt.Errorf("asrwhisper: whisper-cli timed out; use a smaller model or a shorter window")
		}
		detail := strings.TrimSpace(stderr.String())
		if len(detail) > 8<<10 {
			detail = strings.TrimSpace(detail[len(detail)-(8<<10):])
		}
		if detail == "" {
			detail = err.Error()
		}
		return "", fmt.Errorf("asrwhisper: whisper-cli failed: %s", detail)
	}

	b, err := os.ReadFile(outPrefix + ".txt")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(b)), nil
}

func pickFreePort() (int, error) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, err
	}
	defer l.Close()
	addr, ok := l.Addr().(*net.TCPAddr)
	if !ok || addr == nil || addr.Port == 0 {
		return 0, fmt.Errorf("asrwhisper: failed to allocate port")
	}
	return addr.Port, nil
}

func injectWhisperLibraryEnv(cmd *exec.Cmd, toolPath string) {
	if cmd == nil {
		return
	}
	toolPath = strings.TrimSpace(toolPath)
	if toolPath == "" {
		return
	}

	toolDir := filepath.Dir(toolPath)
	candidates := []string{
		filepath.Clean(filepath.Join(toolDir, "..", "lib")),
		filepath.Clean(filepath.Join(toolDir, "lib")),
	}
	libDir := ""
	for _, candidate := range candidates {
		info, err := os.Stat(candidate)
		if err == nil && info.IsDir() {
			libDir = candidate
			break
		}
	}
	if libDir == "" {
		return
	}

	env := cmd.Env
	if len(env) == 0 {
		env = os.Environ()
	}
	env = prependPathEnv(env, "LD_LIBRARY_PATH", libDir)
	env = prependPathEnv(env, "DYLD_LIBRARY_PATH", libDir)
	cmd.Env = env
}

func prependPathEnv(env []string, key, value string) []string {
	value = strings.TrimSpace(value)
	if value == "" {
		return env
	}
	prefix := key + "="
	for i := range env {
		if !strings.HasPrefix(env[i], prefix) {
			continue
		}
		current := strings.TrimPrefix(env[i], prefix)
		if pathListContains(current, value) {
			return env
		}
		if strings.TrimSpace(current) == "" {
			env[i] = prefix + value
		} else {
			env[i] = prefix + value + ":" + current
		}
		return env
	}
	return append(env, prefix+value)
}

func pathListContains(pathList, value string) bool {
	value = filepath.Clean(strings.TrimSpace(value))
	if value == "" {
		return false
	}
	for _, item := range strings.Split(pathList, ":") {
		if filepath.Clean(strings.TrimSpace(item)) == value {
			return true
		}
	}
	return false
}

type tailBuffer struct {
	mu  sync.Mutex
	max int
	buf bytes.Buffer
}

func newTailBuffer(max int) *tailBuffer {
	return &tailBuffer{max: max}
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf.Write(p)
	if excess := t.buf.Len() - t.max; excess > 0 {
		t.buf.Next(excess)
	}
	return len(p), nil
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.buf.String()
}
