package translate

import (
	"context"
	"fmt"
	"sync/atomic"
)

// NewFailoverMT builds an MTProvider that prefers primary and automatically
// switches to fallback when primary fails. Once fallback succeeds, it
// stays active until fallback itself fails, then primary is retried.
func NewFailoverMT(primary, fallback MTProvider) MTProvider {
	return &failoverMT{primary: primary, fallback: fallback}
}

type failoverMT struct {
	active   atomic.Bool
	primary  MTProvider
	fallback MTProvider
}

func (f *failoverMT) Translate(ctx context.Context, text, sourceLang, targetLang string) (string, error) {
	if f.active.Load() {
		out, fbErr := f.fallback.Translate(ctx, text, sourceLang, targetLang)
		if fbErr == nil {
			return out, nil
		}
		out, prErr := f.primary.Translate(ctx, text, sourceLang, targetLang)
		if prErr == nil {
			f.active.Store(false)
			return out, nil
		}
		return "", fmt.Errorf("mt fallback failed: %v; mt primary failed: %w", fbErr, prErr)
	}

	out, prErr := f.primary.Translate(ctx, text, sourceLang, targetLang)
	if prErr == nil {
		return out, nil
	}
	out, fbErr := f.fallback.Translate(ctx, text, sourceLang, targetLang)
	if fbErr != nil {
		return "", fmt.Errorf("mt primary failed: %v; mt fallback failed: %w", prErr, fbErr)
	}
	f.active.Store(true)
	return out, nil
}

// NewFailoverTTS builds a TTSProvider with the same primary/fallback
// escalation policy as NewFailoverMT.
func NewFailoverTTS(primary, fallback TTSProvider) TTSProvider {
	return &failoverTTS{primary: primary, fallback: fallback}
}

type failoverTTS struct {
	active   atomic.Bool
	primary  TTSProvider
	fallback TTSProvider
}

func (f *failoverTTS) Synthesize(ctx context.Context, text, lang string) (TTSStream, error) {
	if f.active.Load() {
		stream, fbErr := f.fallback.Synthesize(ctx, text, lang)
		if fbErr == nil {
			return stream, nil
		}
		stream, prErr := f.primary.Synthesize(ctx, text, lang)
		if prErr == nil {
			f.active.Store(false)
			return stream, nil
		}
		return nil, fmt.Errorf("tts fallback failed: %v; tts primary failed: %w", fbErr, prErr)
	}

	stream, prErr := f.primary.Synthesize(ctx, text, lang)
	if prErr == nil {
		return stream, nil
	}
	stream, fbErr := f.fallback.Synthesize(ctx, text, lang)
	if fbErr != nil {
		return nil, fmt.Errorf("tts primary failed: %v; tts fallback failed: %w", prErr, fbErr)
	}
	f.active.Store(true)
	return stream, nil
}
