package translate

import (
	"context"
	"fmt"
	"strings"
)

// MockASR returns the last fed hypothesis verbatim, useful for pipeline
// tests and local development without a native model.
type MockASR struct {
	Hypothesis string
}

func (m *MockASR) Transcribe(ctx context.Context, audio []float32, sampleRate int, language string, contextHint string) (string, error) {
	return m.Hypothesis, nil
}

// MockMT "translates" by prefixing the text with the target language code,
// so round-trip tests can assert on it deterministically.
type MockMT struct{}

func (MockMT) Translate(ctx context.Context, text, sourceLang, targetLang string) (string, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return "", nil
	}
	return fmt.Sprintf("[%s] %s", targetLang, text), nil
}

// MockTTS synthesizes len(text)/20+1 fixed-size chunks of silence per call,
// enough to exercise the streaming contract without a real vocoder.
type MockTTS struct {
	SampleRate int
	ChunkBytes int
}

type mockTTSStream struct {
	ch  chan TTSChunk
	err error
}

func (s *mockTTSStream) Chunks() <-chan TTSChunk { return s.ch }
func (s *mockTTSStream) Err() error              { return s.err }
func (s *mockTTSStream) Close() error            { return nil }

func (m *MockTTS) Synthesize(ctx context.Context, text, lang string) (TTSStream, error) {
	sampleRate := m.SampleRate
	if sampleRate <= 0 {
		sampleRate = 24000
	}
	chunkBytes := m.ChunkBytes
	if chunkBytes <= 0 {
		chunkBytes = sampleRate / 5 * 2 // 200ms of PCM16 mono
	}
	stream := &mockTTSStream{ch: make(chan TTSChunk, 4)}
	if strings.TrimSpace(text) == "" {
		close(stream.ch)
		return stream, nil
	}
	numChunks := len(text)/20 + 1
	go func() {
		defer close(stream.ch)
		for i := 0; i < numChunks; i++ {
			select {
			case <-ctx.Done():
				stream.err = ctx.Err()
				return
			case stream.ch <- TTSChunk{PCM16: make([]byte, chunkBytes), SampleRate: sampleRate}:
			}
		}
	}()
	return stream, nil
}
