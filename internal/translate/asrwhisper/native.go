// Package asrwhisper adapts whisper.cpp to translate.ASRProvider, either
// through the native Go bindings (CGO) or by shelling out to whisper-server
// / whisper-cli when the bindings are unavailable on the host.
package asrwhisper

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	whisperlib "github.com/ggerganov/whisper.cpp/bindings/go/pkg/whisper"

	"github.com/antoniostano/voxbridge/internal/translate"
)

// NativeProvider implements translate.ASRProvider using the whisper.cpp Go
// bindings, avoiding subprocess/HTTP overhead entirely. The model is loaded
// once and shared; each Transcribe call gets its own whisper.cpp context,
// since a context is not safe for concurrent reuse but the session pipeline
// only calls Transcribe once at a time anyway.
type NativeProvider struct {
	mu    sync.Mutex
	model whisperlib.Model
}

var _ translate.ASRProvider = (*NativeProvider)(nil)

// NewNative loads a whisper.cpp model (e.g. a ggml-base.en.bin file) from
// modelPath.
func NewNative(modelPath string) (*NativeProvider, error) {
	if modelPath == "" {
		return nil, errors.New("asrwhisper: modelPath must not be empty")
	}
	model, err := whisperlib.New(modelPath)
	if err != nil {
		return nil, fmt.Errorf("asrwhisper: load model %q: %w", modelPath, err)
	}
	return &NativeProvider{model: model}, nil
}

// Close releases the underlying whisper.cpp model.
func (p *NativeProvider) Close() error {
	if p.model == nil {
		return nil
	}
	return p.model.Close()
}

// Transcribe runs whisper.cpp inference over one float32 PCM window. A
// single mutex serializes calls because the bindings' model is not
// documented as safe for concurrent context creation; the pipeline already
// calls ASR sequentially per session, so this only guards against two
// sessions racing on a shared model.
func (p *NativeProvider) Transcribe(ctx context.Context, samples []float32, sampleRate int, language string, contextHint string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if len(samples) == 0 {
		return "", nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	wctx, err := p.model.NewContext()
	if err != nil {
		return "", fmt.Errorf("asrwhisper: create context: %w", err)
	}

	if language != "" {
		if err := wctx.SetLanguage(language); err != nil {
			return "", fmt.Errorf("asrwhisper: set language %q: %w", language, err)
		}
	}

	if err := wctx.Process(samples, nil, nil, nil); err != nil {
		return "", fmt.Errorf("asrwhisper: process audio: %w", err)
	}

	var parts []string
	for {
		segment, err := wctx.NextSegment()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return "", fmt.Errorf("asrwhisper: read segment: %w", err)
		}
		text := strings.TrimSpace(segment.Text)
		if text != "" {
			parts = append(parts, text)
		}
	}

	return strings.Join(parts, " "), nil
}
