package pipeline

import (
	"context"
	"log"
	"time"

	"github.com/antoniostano/voxbridge/internal/audio"
	"github.com/antoniostano/voxbridge/internal/translate"
)

// ASRWorkerConfig controls the periodic re-decode loop of §4.3.
type ASRWorkerConfig struct {
	WindowSeconds float64
	Interval      time.Duration
	SampleRate    int
	Language      string
	Timeout       time.Duration
}

// HypothesisFunc is invoked once per ASR worker tick with the cleaned
// hypothesis text (after the hallucination filter) and the stage latency.
type HypothesisFunc func(hypothesis string, asrMs float64)

// RunASRWorker periodically decodes the tail of buf and reports each
// surviving hypothesis to onHypothesis, until ctx is cancelled. It applies
// the RMS silence gate and hallucination filters from §4.3 before handing
// anything to the Commit Tracker.
func RunASRWorker(ctx context.Context, buf *audio.RingBuffer, asr translate.ASRProvider, cfg ASRWorkerConfig, contextTail func() string, onHypothesis HypothesisFunc) {
	interval := cfg.Interval
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			window := buf.Tail(cfg.WindowSeconds)
			minSamples := int(float64(cfg.SampleRate) * 0.5)
			if len(window) < minSamples {
				continue
			}
			if audio.RMS(window) < MinSilenceRMS {
				continue
			}

			hint := ""
			if contextTail != nil {
				hint = contextTail()
			}

			callCtx, cancel := context.WithTimeout(ctx, timeout)
			t0 := time.Now()
			raw, err := asr.Transcribe(callCtx, window, cfg.SampleRate, cfg.Language, hint)
			asrMs := float64(time.Since(t0).Milliseconds())
			cancel()
			if err != nil {
				log.Printf("asr transcribe error: %v", err)
				continue
			}
			cleaned := FilterHallucination(raw)
			if cleaned == "" {
				continue
			}
			onHypothesis(cleaned, asrMs)
		}
	}
}
