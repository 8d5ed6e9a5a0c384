package main

import (
	"flag"
	"os"
	"testing"
)

func TestSyntheticUtteranceLengthMatchesDuration(t *testing.T) {
	pcm := syntheticUtterance(16000, 1000)
	if len(pcm) != 16000*2 {
		t.Fatalf("len(pcm) = %d, want %d", len(pcm), 16000*2)
	}
}

func TestSyntheticUtteranceIsNotSilence(t *testing.T) {
	pcm := syntheticUtterance(16000, 100)
	allZero := true
	for _, b := range pcm {
		if b != 0 {
			allZero = false
			break
		}
	}
	if allZero {
		t.Fatalf("expected a non-silent tone")
	}
}

func TestWSURLRewritesSchemeAndPath(t *testing.T) {
	got, err := wsURL("http://127.0.0.1:8080")
	if err != nil {
		t.Fatalf("wsURL() error = %v", err)
	}
	if got != "ws://127.0.0.1:8080/ws/stream" {
		t.Fatalf("wsURL() = %q, want %q", got, "ws://127.0.0.1:8080/ws/stream")
	}

	got, err = wsURL("https://example.com/api/")
	if err != nil {
		t.Fatalf("wsURL() error = %v", err)
	}
	if got != "wss://example.com/api/ws/stream" {
		t.Fatalf("wsURL() = %q, want %q", got, "wss://example.com/api/ws/stream")
	}

	if _, err := wsURL("ftp://example.com"); err == nil {
		t.Fatalf("expected error for unsupported scheme")
	}
}

func TestParseFlagsRejectsInvalidChunkMS(t *testing.T) {
	old := make([]string, len(os.Args))
	copy(old, os.Args)
	defer func() { os.Args = old }()

	os.Args = []string{"perfbridge", "-chunk-ms", "5"}
	flag.CommandLine = flag.NewFlagSet(os.Args[0], flag.ContinueOnError)
	if _, err := parseFlags(); err == nil {
		t.Fatalf("expected error for chunk-ms below minimum")
	}
}
