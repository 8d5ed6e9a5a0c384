package pipeline

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/antoniostano/voxbridge/internal/audio"
	"github.com/antoniostano/voxbridge/internal/config"
	"github.com/antoniostano/voxbridge/internal/observability"
	"github.com/antoniostano/voxbridge/internal/policy"
	"github.com/antoniostano/voxbridge/internal/protocol"
	"github.com/antoniostano/voxbridge/internal/session"
	"github.com/antoniostano/voxbridge/internal/transcript"
	"github.com/antoniostano/voxbridge/internal/translate"
)

// ProviderFactory builds the three model adapters for one session's
// language pair. Device/model selection lives in the factory so the
// orchestrator stays provider-agnostic.
type ProviderFactory interface {
	ASR() translate.ASRProvider
	MT() translate.MTProvider
	TTS() translate.TTSProvider
}

// Orchestrator wires the audio buffer, ASR worker, Commit Tracker,
// translation stage and TTS stage into one per-connection pipeline. It
// implements httpapi.Orchestrator.
type Orchestrator struct {
	cfg       config.Config
	providers ProviderFactory
	metrics   *observability.Metrics
	store     transcript.Store
}

func NewOrchestrator(cfg config.Config, providers ProviderFactory, metrics *observability.Metrics, store transcript.Store) *Orchestrator {
	if cfg.ASRTimeout <= 0 {
		cfg.ASRTimeout = 10 * time.Second
	}
	if cfg.MTTimeout <= 0 {
		cfg.MTTimeout = 10 * time.Second
	}
	if cfg.TTSTimeout <= 0 {
		cfg.TTSTimeout = 30 * time.Second
	}
	return &Orchestrator{cfg: cfg, providers: providers, metrics: metrics, store: store}
}

// RunConnection drives one session end to end: waits for the mandatory
// config frame, starts the ASR loop, and dispatches commits through MT and
// TTS in order, until inbound is closed or ctx is cancelled.
func (o *Orchestrator) RunConnection(ctx context.Context, s *session.Session, inbound <-chan any, outbound chan<- any) error {
	var sourceLang, targetLang string
	var configured bool

	for !configured {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-inbound:
			if !ok {
				return nil
			}
			cfgMsg, ok := msg.(protocol.ClientConfig)
			if !ok {
				send(ctx, outbound, protocol.ErrorEvent{Type: protocol.TypeError, Message: "first message must be a config frame", Retryable: false})
				return fmt.Errorf("session %s: first message must be a config frame", s.ID)
			}
			sourceLang, targetLang = cfgMsg.SourceLang, cfgMsg.TargetLang
			configured = true
		}
	}

	buf := audio.NewRingBuffer(maxFloat64(o.cfg.WindowSeconds*2, 10), o.cfg.CaptureSampleRate)
	tracker := NewCommitTracker(o.cfg.CommitStabilityK, secondsToDuration(o.cfg.CommitTimeoutSeconds), o.cfg.CommitMinWords)
	bp := NewBackpressureController(float64(o.cfg.BufferLimitMS), 3)

	asrCtx, cancelASR := context.WithCancel(ctx)
	defer cancelASR()

	hypotheses := make(chan hypothesisResult, 8)
	go RunASRWorker(asrCtx, buf, o.providers.ASR(), ASRWorkerConfig{
		WindowSeconds: o.cfg.WindowSeconds,
		Interval:      time.Duration(o.cfg.ASRIntervalMS) * time.Millisecond,
		SampleRate:    o.cfg.CaptureSampleRate,
		Language:      sourceLang,
		Timeout:       o.cfg.ASRTimeout,
	}, func() string { return tracker.ContextTail(5) }, func(hypothesis string, asrMs float64) {
		select {
		case hypotheses <- hypothesisResult{text: hypothesis, asrMs: asrMs}:
		case <-asrCtx.Done():
		}
	})

	send(ctx, outbound, protocol.ReadyEvent{Type: protocol.TypeReady})

	for {
		select {
		case <-ctx.Done():
			o.flush(ctx, s.ID, tracker, bp, sourceLang, targetLang, outbound)
			return ctx.Err()

		case msg, ok := <-inbound:
			if !ok {
				o.flush(ctx, s.ID, tracker, bp, sourceLang, targetLang, outbound)
				return nil
			}
			switch m := msg.(type) {
			case protocol.ClientAudio:
				if m.SampleRate != o.cfg.CaptureSampleRate {
					send(ctx, outbound, protocol.ErrorEvent{
						Type:      protocol.TypeError,
						Message:   fmt.Sprintf("sample_rate %d does not match negotiated rate %d", m.SampleRate, o.cfg.CaptureSampleRate),
						Retryable: false,
					})
					return fmt.Errorf("session %s: sample_rate mismatch: got %d, want %d", s.ID, m.SampleRate, o.cfg.CaptureSampleRate)
				}
				raw, err := base64.StdEncoding.DecodeString(m.PCM16Base64)
				if err != nil {
					continue
				}
				buf.AppendPCM16(raw)
			case protocol.ClientStop:
				o.flush(ctx, s.ID, tracker, bp, sourceLang, targetLang, outbound)
				return nil
			case protocol.ClientConfig:
				send(ctx, outbound, protocol.ErrorEvent{Type: protocol.TypeError, Message: "session already configured", Retryable: false})
			}

		case hyp := <-hypotheses:
			tracker.SetMinWords(bp.CommitMinWordsHint())
			seg, partial := tracker.Update(hyp.text)
			if partial != "" {
				send(ctx, outbound, protocol.PartialTranscriptEvent{Type: protocol.TypePartialTranscript, Text: partial})
			}
			if seg != nil {
				o.processCommit(ctx, s.ID, *seg, bp, sourceLang, targetLang, hyp.asrMs, outbound)
			}
		}
	}
}

type hypothesisResult struct {
	text  string
	asrMs float64
}

func (o *Orchestrator) flush(ctx context.Context, sessionID string, tracker *CommitTracker, bp *BackpressureController, sourceLang, targetLang string, outbound chan<- any) {
	seg := tracker.ForceCommit()
	if seg == nil {
		return
	}
	o.processCommit(ctx, sessionID, *seg, bp, sourceLang, targetLang, 0, outbound)
}

func (o *Orchestrator) processCommit(ctx context.Context, sessionID string, seg Segment, bp *BackpressureController, sourceLang, targetLang string, asrMs float64, outbound chan<- any) {
	e2eStart := time.Now()
	send(ctx, outbound, protocol.CommittedTranscriptEvent{Type: protocol.TypeCommittedTranscript, Text: seg.Text, SegmentID: seg.ID})
	if o.metrics != nil {
		o.metrics.CommitsTotal.Inc()
	}

	// Saturated never drops committed text, only audio: check it first so
	// it always reaches MT below. Only Degraded (not Saturated) holds the
	// segment and merges it with the next one instead of paying a full
	// MT/TTS round trip per segment — add to the pending batch and wait
	// for the commit that finally isn't coalescing to flush it, exactly
	// as the original pipeline's should_batch() path does.
	skipTTS := bp.ShouldSkipTTS()
	if !skipTTS && bp.ShouldCoalesce() {
		bp.AddToBatch(seg.Text)
		return
	}

	textToTranslate := seg.Text
	if batched := bp.FlushBatch(); batched != "" {
		textToTranslate = batched + " " + seg.Text
	}

	mtCtx, cancelMT := context.WithTimeout(ctx, o.cfg.MTTimeout)
	t0 := time.Now()
	translated, err := o.providers.MT().Translate(mtCtx, textToTranslate, sourceLang, targetLang)
	cancelMT()
	mtMs := float64(time.Since(t0).Milliseconds())
	if o.metrics != nil {
		o.metrics.ObserveStage("mt_ms", mtMs)
	}
	if err != nil {
		log.Printf("mt error for segment %d: %v", seg.ID, err)
		if o.metrics != nil {
			o.metrics.ProviderErrors.WithLabelValues("mt", "translate_failed").Inc()
		}
		send(ctx, outbound, protocol.ErrorEvent{Type: protocol.TypeError, Message: fmt.Sprintf("translation failed: %v", err), SegmentID: seg.ID, Retryable: true})
		return
	}

	send(ctx, outbound, protocol.TranslationCommittedEvent{
		Type:      protocol.TypeTranslationCommitted,
		Text:      translated,
		Source:    textToTranslate,
		SegmentID: seg.ID,
	})

	// Transcript persistence and TTS synthesis are independent of each
	// other: the client's audio doesn't need to wait on the Postgres round
	// trip, and the store write doesn't need to wait on the TTS provider.
	// Run them concurrently and only block the segment on the slower one.
	var g errgroup.Group
	g.Go(func() error {
		o.persist(ctx, sessionID, seg, textToTranslate, translated, sourceLang, targetLang)
		return nil
	})

	if skipTTS {
		if o.metrics != nil {
			o.metrics.ProviderErrors.WithLabelValues("tts", "skipped_backpressure").Inc()
		}
		_ = g.Wait()
		return
	}

	ttsMs, firstChunk := o.runTTS(ctx, seg, translated, targetLang, bp, outbound)
	_ = g.Wait()
	if o.metrics != nil {
		o.metrics.ObserveStage("asr_ms", asrMs)
		o.metrics.ObserveStage("tts_ms", ttsMs)
	}
	e2eMs := float64(time.Since(e2eStart).Milliseconds())
	if o.metrics != nil {
		o.metrics.ObserveStage("e2e_ms", e2eMs)
		if !firstChunk.IsZero() {
			o.metrics.ObserveFirstAudioLatency(firstChunk.Sub(e2eStart))
		}
	}
	send(ctx, outbound, protocol.StatsEvent{
		Type:         protocol.TypeStats,
		SegmentID:    seg.ID,
		ASRMs:        asrMs,
		MTMs:         mtMs,
		TTSMs:        ttsMs,
		E2EMs:        e2eMs,
		CommitsTotal: seg.ID,
		TTSQueueMs:   bp.QueuedMS(),
	})
}

func (o *Orchestrator) runTTS(ctx context.Context, seg Segment, text, targetLang string, bp *BackpressureController, outbound chan<- any) (ttsMs float64, firstChunkAt time.Time) {
	// The timeout bounds the whole synthesize-and-stream session, not just
	// the initiating call: a streaming provider keeps producing chunks on
	// this context for as long as the stream is read.
	ttsCtx, cancel := context.WithTimeout(ctx, o.cfg.TTSTimeout)
	defer cancel()

	t0 := time.Now()
	stream, err := o.providers.TTS().Synthesize(ttsCtx, text, targetLang)
	if err != nil {
		log.Printf("tts error for segment %d: %v", seg.ID, err)
		if o.metrics != nil {
			o.metrics.ProviderErrors.WithLabelValues("tts", "synthesize_failed").Inc()
		}
		send(ctx, outbound, protocol.ErrorEvent{Type: protocol.TypeError, Message: fmt.Sprintf("synthesis failed: %v", err), SegmentID: seg.ID, Retryable: true})
		return 0, time.Time{}
	}
	defer stream.Close()

	var chunkCount int
	var queuedMS float64
	for chunk := range stream.Chunks() {
		if firstChunkAt.IsZero() {
			firstChunkAt = time.Now()
		}
		chunkCount++
		durationMS := pcm16DurationMS(len(chunk.PCM16), chunk.SampleRate)
		queuedMS += durationMS
		bp.OnTTSQueued(durationMS)

		send(ctx, outbound, protocol.TTSAudioChunkEvent{
			Type:       protocol.TypeTTSAudioChunk,
			AudioB64:   base64.StdEncoding.EncodeToString(chunk.PCM16),
			SegmentID:  seg.ID,
			SampleRate: chunk.SampleRate,
		})
		send(ctx, outbound, protocol.BinaryFrame{Payload: chunk.PCM16})
	}
	if err := stream.Err(); err != nil && !errors.Is(err, context.Canceled) {
		log.Printf("tts stream error for segment %d: %v", seg.ID, err)
	}
	bp.OnTTSCompleted(queuedMS)

	if chunkCount > 0 {
		send(ctx, outbound, protocol.TTSEndEvent{Type: protocol.TypeTTSEnd, SegmentID: seg.ID})
	}
	return float64(time.Since(t0).Milliseconds()), firstChunkAt
}

func (o *Orchestrator) persist(ctx context.Context, sessionID string, seg Segment, source, translated, sourceLang, targetLang string) {
	if o.store == nil {
		return
	}
	redactedSource, srcChanged := policy.RedactPII(source)
	redactedTranslated, tgtChanged := policy.RedactPII(translated)
	rec := transcript.SegmentRecord{
		SessionID:   sessionID,
		SegmentID:   seg.ID,
		SourceText:  redactedSource,
		TargetText:  redactedTranslated,
		SourceLang:  sourceLang,
		TargetLang:  targetLang,
		PIIRedacted: srcChanged || tgtChanged,
		CreatedAt:   seg.CommittedAt,
	}
	if err := o.store.SaveSegment(ctx, rec); err != nil {
		log.Printf("transcript persistence error for segment %d: %v", seg.ID, err)
	}
}

// send blocks until the writer goroutine picks msg off the outbound sink
// (§4.1) or the connection ends. Backpressure on that sink is handled by
// the BackpressureController's Degraded/Saturated rungs, not by dropping
// frames here — a dropped committed_transcript, translation_committed, or
// tts_audio_chunk would silently break the transcript/audio completeness
// guarantees the rest of the pipeline relies on.
func send(ctx context.Context, outbound chan<- any, msg any) {
	select {
	case outbound <- msg:
	case <-ctx.Done():
	}
}

func secondsToDuration(seconds float64) time.Duration {
	return time.Duration(seconds * float64(time.Second))
}

func maxFloat64(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}

func pcm16DurationMS(byteLen, sampleRate int) float64 {
	if sampleRate <= 0 {
		sampleRate = 24000
	}
	samples := byteLen / 2
	return float64(samples) / float64(sampleRate) * 1000.0
}
