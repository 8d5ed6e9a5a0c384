package protocol

import (
	"errors"
	"testing"
)

func TestParseClientMessageConfig(t *testing.T) {
	raw := []byte(`{"type":"config","source_lang":"es","target_lang":"en"}`)
	msg, err := ParseClientMessage(raw)
	if err != nil {
		t.Fatalf("ParseClientMessage() error = %v", err)
	}

	cfg, ok := msg.(ClientConfig)
	if !ok {
		t.Fatalf("message type = %T, want ClientConfig", msg)
	}
	if cfg.SourceLang != "es" || cfg.TargetLang != "en" {
		t.Fatalf("unexpected config: %+v", cfg)
	}
}

func TestParseClientMessageRejectsIncompleteConfig(t *testing.T) {
	_, err := ParseClientMessage([]byte(`{"type":"config","source_lang":"es"}`))
	if err == nil {
		t.Fatalf("expected validation error for missing target_lang")
	}
}

func TestParseClientMessageAudio(t *testing.T) {
	raw := []byte(`{"type":"audio","seq":1,"pcm16_base64":"AQID","sample_rate":16000}`)
	msg, err := ParseClientMessage(raw)
	if err != nil {
		t.Fatalf("ParseClientMessage() error = %v", err)
	}

	audio, ok := msg.(ClientAudio)
	if !ok {
		t.Fatalf("message type = %T, want ClientAudio", msg)
	}
	if audio.SampleRate != 16000 || audio.PCM16Base64 != "AQID" {
		t.Fatalf("unexpected audio chunk: %+v", audio)
	}
}

func TestParseClientMessageAudioDefaultsSampleRate(t *testing.T) {
	raw := []byte(`{"type":"audio","seq":1,"pcm16_base64":"AQID"}`)
	msg, err := ParseClientMessage(raw)
	if err != nil {
		t.Fatalf("ParseClientMessage() error = %v", err)
	}
	audio := msg.(ClientAudio)
	if audio.SampleRate != 16000 {
		t.Fatalf("SampleRate = %d, want default 16000", audio.SampleRate)
	}
}

func TestParseClientMessageRejectsInvalidAudio(t *testing.T) {
	_, err := ParseClientMessage([]byte(`{"type":"audio","pcm16_base64":"","sample_rate":0}`))
	if err == nil {
		t.Fatalf("expected validation error")
	}
}

func TestParseClientMessageStop(t *testing.T) {
	msg, err := ParseClientMessage([]byte(`{"type":"stop"}`))
	if err != nil {
		t.Fatalf("ParseClientMessage() error = %v", err)
	}
	if _, ok := msg.(ClientStop); !ok {
		t.Fatalf("message type = %T, want ClientStop", msg)
	}
}

func TestParseClientMessageRejectsUnknownType(t *testing.T) {
	_, err := ParseClientMessage([]byte(`{"type":"wat"}`))
	if !errors.Is(err, ErrUnsupportedType) {
		t.Fatalf("error = %v, want ErrUnsupportedType", err)
	}
}

func BenchmarkParseClientMessageAudio(b *testing.B) {
	raw := []byte(`{"type":"audio","seq":7,"pcm16_base64":"AQIDBAUGBwgJCgsMDQ4P","sample_rate":16000}`)
	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		msg, err := ParseClientMessage(raw)
		if err != nil {
			b.Fatalf("ParseClientMessage() error = %v", err)
		}
		if _, ok := msg.(ClientAudio); !ok {
			b.Fatalf("message type = %T, want ClientAudio", msg)
		}
	}
}
