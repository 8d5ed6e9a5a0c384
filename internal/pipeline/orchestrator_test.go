package pipeline

import (
	"context"
	"encoding/base64"
	"encoding/binary"
	"sync"
	"testing"
	"time"

	"github.com/antoniostano/voxbridge/internal/config"
	"github.com/antoniostano/voxbridge/internal/observability"
	"github.com/antoniostano/voxbridge/internal/protocol"
	"github.com/antoniostano/voxbridge/internal/session"
	"github.com/antoniostano/voxbridge/internal/transcript"
	"github.com/antoniostano/voxbridge/internal/translate"
)

// recordingMT counts Translate calls and remembers the text each call
// received, so coalescing tests can assert both the call count and the
// exact merged text the batching path produced.
type recordingMT struct {
	mu    sync.Mutex
	calls int
	texts []string
}

func (m *recordingMT) Translate(ctx context.Context, text, sourceLang, targetLang string) (string, error) {
	m.mu.Lock()
	m.calls++
	m.texts = append(m.texts, text)
	m.mu.Unlock()
	return "[" + targetLang + "] " + text, nil
}

func (m *recordingMT) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

func (m *recordingMT) lastText() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.texts) == 0 {
		return ""
	}
	return m.texts[len(m.texts)-1]
}

// recordingTTS counts Synthesize calls without producing any audio, keeping
// the coalescing test focused on invocation counts rather than stream
// contents.
type recordingTTS struct {
	mu    sync.Mutex
	calls int
}

type emptyTTSStream struct{ ch chan translate.TTSChunk }

func (s *emptyTTSStream) Chunks() <-chan translate.TTSChunk { return s.ch }
func (s *emptyTTSStream) Err() error                        { return nil }
func (s *emptyTTSStream) Close() error                      { return nil }

func (m *recordingTTS) Synthesize(ctx context.Context, text, lang string) (translate.TTSStream, error) {
	m.mu.Lock()
	m.calls++
	m.mu.Unlock()
	stream := &emptyTTSStream{ch: make(chan translate.TTSChunk)}
	close(stream.ch)
	return stream, nil
}

func (m *recordingTTS) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

type mockProviders struct {
	asr translate.ASRProvider
	mt  translate.MTProvider
	tts translate.TTSProvider
}

func (p mockProviders) ASR() translate.ASRProvider { return p.asr }
func (p mockProviders) MT() translate.MTProvider   { return p.mt }
func (p mockProviders) TTS() translate.TTSProvider { return p.tts }

func pcm16Loud(numSamples int) []byte {
	out := make([]byte, numSamples*2)
	for i := 0; i < numSamples; i++ {
		v := int16(4000)
		if i%2 == 0 {
			v = -4000
		}
		binary.LittleEndian.PutUint16(out[i*2:], uint16(v))
	}
	return out
}

func TestOrchestratorCommitsTranslatesAndSynthesizes(t *testing.T) {
	cfg := config.Config{
		CaptureSampleRate:    16000,
		WindowSeconds:        0.5,
		ASRIntervalMS:        5,
		CommitStabilityK:     2,
		CommitTimeoutSeconds: 10,
		CommitMinWords:       1,
		BufferLimitMS:        3000,
	}
	store := transcript.NewInMemoryStore()
	providers := mockProviders{
		asr: &translate.MockASR{Hypothesis: "hola como estas"},
		mt:  translate.MockMT{},
		tts: &translate.MockTTS{SampleRate: 24000},
	}
	orch := NewOrchestrator(cfg, providers, observability.NewMetrics("voxbridge_test_orch"), store)

	sess := &session.Session{ID: "sess-1"}
	inbound := make(chan any, 16)
	outbound := make(chan any, 64)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- orch.RunConnection(ctx, sess, inbound, outbound) }()

	inbound <- protocol.ClientConfig{Type: protocol.TypeConfig, SourceLang: "es", TargetLang: "en"}

	audioBytes := pcm16Loud(8000)
	audioMsg := protocol.ClientAudio{
		Type:        protocol.TypeAudio,
		SampleRate:  16000,
		PCM16Base64: base64.StdEncoding.EncodeToString(audioBytes),
	}
	go func() {
		for i := 0; i < 10; i++ {
			select {
			case inbound <- audioMsg:
			case <-ctx.Done():
				return
			}
			time.Sleep(10 * time.Millisecond)
		}
	}()

	var gotCommitted, gotTranslated, gotTTSEnd, gotStats bool
	deadline := time.After(4 * time.Second)
	for !(gotCommitted && gotTranslated && gotTTSEnd && gotStats) {
		select {
		case msg := <-outbound:
			switch m := msg.(type) {
			case protocol.CommittedTranscriptEvent:
				if m.Text != "" {
					gotCommitted = true
				}
			case protocol.TranslationCommittedEvent:
				gotTranslated = true
			case protocol.TTSEndEvent:
				gotTTSEnd = true
			case protocol.StatsEvent:
				gotStats = true
			}
		case <-deadline:
			t.Fatalf("timed out waiting for pipeline events, got committed=%v translated=%v ttsEnd=%v stats=%v",
				gotCommitted, gotTranslated, gotTTSEnd, gotStats)
		}
	}

	inbound <- protocol.ClientStop{Type: protocol.TypeStop}
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("RunConnection() error = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("RunConnection did not return after stop")
	}

	segs, err := store.RecentSegments(context.Background(), "sess-1", 10)
	if err != nil {
		t.Fatalf("RecentSegments() error = %v", err)
	}
	if len(segs) == 0 {
		t.Fatalf("expected at least one persisted segment")
	}
}

func TestOrchestratorRejectsNonConfigFirstMessage(t *testing.T) {
	cfg := config.Config{
		CaptureSampleRate:    16000,
		WindowSeconds:        0.5,
		ASRIntervalMS:        5,
		CommitStabilityK:     2,
		CommitTimeoutSeconds: 10,
		CommitMinWords:       1,
		BufferLimitMS:        3000,
	}
	providers := mockProviders{
		asr: &translate.MockASR{Hypothesis: ""},
		mt:  translate.MockMT{},
		tts: &translate.MockTTS{},
	}
	orch := NewOrchestrator(cfg, providers, observability.NewMetrics("voxbridge_test_orch2"), nil)
	sess := &session.Session{ID: "sess-2"}
	inbound := make(chan any, 4)
	outbound := make(chan any, 4)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- orch.RunConnection(ctx, sess, inbound, outbound) }()

	inbound <- protocol.ClientStop{Type: protocol.TypeStop}

	select {
	case msg := <-outbound:
		errEvent, ok := msg.(protocol.ErrorEvent)
		if !ok {
			t.Fatalf("expected ErrorEvent, got %T", msg)
		}
		if errEvent.Retryable {
			t.Fatalf("expected non-retryable protocol error")
		}
	case <-time.After(time.Second):
		t.Fatalf("expected a rejection error event")
	}

	select {
	case err := <-done:
		if err == nil {
			t.Fatalf("RunConnection() error = nil, want a session-fatal error for a non-config first message")
		}
	case <-time.After(time.Second):
		t.Fatalf("RunConnection did not close the session after a non-config first message")
	}
}

// TestOrchestratorRejectsSampleRateMismatch exercises spec seed scenario 6:
// a ClientAudio frame whose sample_rate doesn't match the session's
// negotiated capture rate must emit a non-retryable ErrorEvent and close
// the session, not just log and keep streaming into a dead pipeline.
func TestOrchestratorRejectsSampleRateMismatch(t *testing.T) {
	cfg := config.Config{
		CaptureSampleRate:    16000,
		WindowSeconds:        0.5,
		ASRIntervalMS:        5,
		CommitStabilityK:     2,
		CommitTimeoutSeconds: 10,
		CommitMinWords:       1,
		BufferLimitMS:        3000,
	}
	providers := mockProviders{
		asr: &translate.MockASR{Hypothesis: ""},
		mt:  translate.MockMT{},
		tts: &translate.MockTTS{},
	}
	orch := NewOrchestrator(cfg, providers, observability.NewMetrics("voxbridge_test_samplerate"), nil)
	sess := &session.Session{ID: "sess-sr"}
	inbound := make(chan any, 4)
	outbound := make(chan any, 8)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- orch.RunConnection(ctx, sess, inbound, outbound) }()

	inbound <- protocol.ClientConfig{Type: protocol.TypeConfig, SourceLang: "en", TargetLang: "es"}
	inbound <- protocol.ClientAudio{
		Type:        protocol.TypeAudio,
		SampleRate:  44100,
		PCM16Base64: base64.StdEncoding.EncodeToString(make([]byte, 10)),
	}

	var errEvent protocol.ErrorEvent
	found := false
	deadline := time.After(time.Second)
	for !found {
		select {
		case msg := <-outbound:
			if e, ok := msg.(protocol.ErrorEvent); ok {
				errEvent = e
				found = true
			}
		case <-deadline:
			t.Fatalf("timed out waiting for sample-rate mismatch error event")
		}
	}
	if errEvent.Retryable {
		t.Fatalf("expected a non-retryable sample-rate mismatch error")
	}

	select {
	case err := <-done:
		if err == nil {
			t.Fatalf("RunConnection() error = nil, want a session-fatal error for sample-rate mismatch")
		}
	case <-time.After(time.Second):
		t.Fatalf("RunConnection did not close the session after a sample-rate mismatch")
	}
}

// TestOrchestratorCoalescesCommitsWhileDegraded mirrors
// should_batch()/should_coalesce() in the original pipeline: a segment
// committed while the controller is Degraded must not reach MT/TTS on its
// own. It's held until a later, non-coalescing commit flushes the batch and
// the two texts are translated and synthesized together as one call.
func TestOrchestratorCoalescesCommitsWhileDegraded(t *testing.T) {
	mt := &recordingMT{}
	tts := &recordingTTS{}
	cfg := config.Config{CaptureSampleRate: 16000}
	providers := mockProviders{
		asr: &translate.MockASR{},
		mt:  mt,
		tts: tts,
	}
	orch := NewOrchestrator(cfg, providers, observability.NewMetrics("voxbridge_test_coalesce"), nil)

	bp := NewBackpressureController(1000, 1)
	outbound := make(chan any, 64)
	go func() {
		for range outbound {
		}
	}()

	ctx := context.Background()

	// Push the controller into Degraded and commit the first segment: it
	// should only be batched, never translated or synthesized.
	bp.OnTTSQueued(1000)
	if bp.State() != StateDegraded {
		t.Fatalf("controller state = %v, want Degraded", bp.State())
	}
	seg1 := Segment{ID: 1, Text: "hello there", CommittedAt: time.Now()}
	orch.processCommit(ctx, "sess-degraded", seg1, bp, "en", "es", 0, outbound)

	if got := mt.callCount(); got != 0 {
		t.Fatalf("MT called %d times while Degraded, want 0", got)
	}
	if got := tts.callCount(); got != 0 {
		t.Fatalf("TTS called %d times while Degraded, want 0", got)
	}

	// Recover to Normal and commit the second segment: this is the first
	// non-coalescing commit, so it must flush the held segment and merge it
	// with the new one into a single MT/TTS call.
	bp.OnTTSCompleted(1000)
	if bp.State() != StateNormal {
		t.Fatalf("controller state = %v, want Normal", bp.State())
	}
	seg2 := Segment{ID: 2, Text: "how are you", CommittedAt: time.Now()}
	orch.processCommit(ctx, "sess-degraded", seg2, bp, "en", "es", 0, outbound)

	if got := mt.callCount(); got != 1 {
		t.Fatalf("MT called %d times after recovery commit, want 1", got)
	}
	if got := tts.callCount(); got != 1 {
		t.Fatalf("TTS called %d times after recovery commit, want 1", got)
	}
	wantText := "hello there how are you"
	if got := mt.lastText(); got != wantText {
		t.Fatalf("MT received text %q, want merged text %q", got, wantText)
	}

	close(outbound)
}

// TestOrchestratorSaturatedSkipsTTSOnly drives the controller into
// Saturated and asserts the commit still reaches MT (text never drops),
// but runTTS is never invoked — the third rung degrades audio only.
func TestOrchestratorSaturatedSkipsTTSOnly(t *testing.T) {
	mt := &recordingMT{}
	tts := &recordingTTS{}
	cfg := config.Config{CaptureSampleRate: 16000}
	providers := mockProviders{
		asr: &translate.MockASR{},
		mt:  mt,
		tts: tts,
	}
	orch := NewOrchestrator(cfg, providers, observability.NewMetrics("voxbridge_test_saturated"), nil)

	bp := NewBackpressureController(1000, 1)
	outbound := make(chan any, 64)
	go func() {
		for range outbound {
		}
	}()

	ctx := context.Background()

	bp.OnTTSQueued(2000)
	if bp.State() != StateSaturated {
		t.Fatalf("controller state = %v, want Saturated", bp.State())
	}

	seg := Segment{ID: 1, Text: "hello there", CommittedAt: time.Now()}
	orch.processCommit(ctx, "sess-saturated", seg, bp, "en", "es", 0, outbound)

	if got := mt.callCount(); got != 1 {
		t.Fatalf("MT called %d times while Saturated, want 1", got)
	}
	if got := mt.lastText(); got != seg.Text {
		t.Fatalf("MT received text %q, want %q", got, seg.Text)
	}
	if got := tts.callCount(); got != 0 {
		t.Fatalf("TTS called %d times while Saturated, want 0", got)
	}

	close(outbound)
}
