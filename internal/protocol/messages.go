package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// MessageType identifies websocket payload variants carried over /ws/stream.
type MessageType string

const (
	// Inbound (client -> server).
	TypeConfig MessageType = "config"
	TypeAudio  MessageType = "audio"
	TypeStop   MessageType = "stop"

	// Outbound (server -> client).
	TypeStatus               MessageType = "status"
	TypeReady                MessageType = "ready"
	TypePartialTranscript    MessageType = "partial_transcript"
	TypeCommittedTranscript  MessageType = "committed_transcript"
	TypeTranslationCommitted MessageType = "translation_committed"
	TypeTTSAudioChunk        MessageType = "tts_audio_chunk"
	TypeTTSEnd               MessageType = "tts_end"
	TypeStats                MessageType = "stats"
	TypeError                MessageType = "error"
)

var ErrUnsupportedType = errors.New("unsupported message type")

type Envelope struct {
	Type MessageType `json:"type"`
}

// BinaryFrame marks an outbound message that the transport should write as
// a raw binary websocket frame instead of JSON. The TTS stage emits both a
// TTSAudioChunkEvent (JSON, base64) and a BinaryFrame for every chunk, per
// the binary-vs-JSON resolution for tts_audio_chunk: both variants are
// always produced so either client style can consume the stream.
type BinaryFrame struct {
	Payload []byte
}

// ClientConfig is the mandatory first inbound frame. It sets SessionConfig
// and starts the pipeline; repeated config frames after start are a
// protocol error.
type ClientConfig struct {
	Type       MessageType `json:"type"`
	SourceLang string      `json:"source_lang"`
	TargetLang string      `json:"target_lang"`

	// Optional per-session values for the defaults in §3/§6. They are
	// stored on the session record only; the pipeline runs with the
	// process-wide config values and does not apply them.
	WindowSeconds         float64 `json:"window_seconds,omitempty"`
	ASRIntervalMS         int     `json:"asr_interval_ms,omitempty"`
	CommitStabilityK      int     `json:"commit_stability_k,omitempty"`
	CommitTimeoutSeconds  float64 `json:"commit_timeout_seconds,omitempty"`
	CommitMinWords        int     `json:"commit_min_words,omitempty"`
}

// ClientAudio carries one base64-encoded PCM16 chunk. Seq is informational;
// the buffer trusts stream arrival order.
type ClientAudio struct {
	Type        MessageType `json:"type"`
	Seq         int         `json:"seq"`
	SampleRate  int         `json:"sample_rate"`
	PCM16Base64 string      `json:"pcm16_base64"`
}

// ClientStop flushes by forcing a final commit, drains outstanding TTS,
// then closes.
type ClientStop struct {
	Type MessageType `json:"type"`
}

type StatusEvent struct {
	Type    MessageType `json:"type"`
	Message string      `json:"message"`
}

type ReadyEvent struct {
	Type MessageType `json:"type"`
}

type PartialTranscriptEvent struct {
	Type MessageType `json:"type"`
	Text string      `json:"text"`
}

type CommittedTranscriptEvent struct {
	Type      MessageType `json:"type"`
	Text      string      `json:"text"`
	SegmentID int64       `json:"segment_id"`
}

type TranslationCommittedEvent struct {
	Type      MessageType `json:"type"`
	Text      string      `json:"text"`
	Source    string      `json:"source"`
	SegmentID int64       `json:"segment_id"`
}

// TTSAudioChunkEvent is the JSON variant of a TTS chunk. The binary-frame
// variant is the raw PCM16 payload alone, with no header; segment_id and
// sample_rate travel only in this JSON variant, which is sent right before
// it. Both variants are produced for every chunk per §9.
type TTSAudioChunkEvent struct {
	Type       MessageType `json:"type"`
	AudioB64   string      `json:"audio_b64"`
	SegmentID  int64       `json:"segment_id"`
	SampleRate int         `json:"sample_rate"`
}

type TTSEndEvent struct {
	Type      MessageType `json:"type"`
	SegmentID int64       `json:"segment_id"`
}

type StatsEvent struct {
	Type         MessageType `json:"type"`
	SegmentID    int64       `json:"segment_id,omitempty"`
	ASRMs        float64     `json:"asr_ms"`
	MTMs         float64     `json:"mt_ms"`
	TTSMs        float64     `json:"tts_ms"`
	E2EMs        float64     `json:"e2e_ms"`
	CommitsTotal int64       `json:"commits_total"`
	TTSQueueMs   float64     `json:"tts_queue"`
}

type ErrorEvent struct {
	Type      MessageType `json:"type"`
	Message   string      `json:"message"`
	SegmentID int64       `json:"segment_id,omitempty"`
	Retryable bool        `json:"retryable,omitempty"`
}

// ParseClientMessage decodes one inbound text frame, validating required
// fields for the frame's declared type. Unrecognized types return
// ErrUnsupportedType so the caller can surface a protocol error.
func ParseClientMessage(raw []byte) (any, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("invalid envelope: %w", err)
	}

	switch env.Type {
	case TypeConfig:
		var msg ClientConfig
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if msg.SourceLang == "" || msg.TargetLang == "" {
			return nil, errors.New("invalid config: source_lang and target_lang are required")
		}
		return msg, nil
	case TypeAudio:
		var msg ClientAudio
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if msg.PCM16Base64 == "" {
			return nil, errors.New("invalid audio: pcm16_base64 is required")
		}
		if msg.SampleRate <= 0 {
			msg.SampleRate = 16000
		}
		return msg, nil
	case TypeStop:
		var msg ClientStop
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		return msg, nil
	default:
		return nil, ErrUnsupportedType
	}
}
