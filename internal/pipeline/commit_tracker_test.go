package pipeline

import (
	"testing"
	"time"
)

func TestCommitTrackerStableConvergence(t *testing.T) {
	ct := NewCommitTracker(3, time.Hour, 1)

	var seg *Segment
	seg, _ = ct.Update("hola")
	if seg != nil {
		t.Fatalf("unexpected commit after 1st hypothesis")
	}
	seg, _ = ct.Update("hola como")
	if seg != nil {
		t.Fatalf("unexpected commit after 2nd hypothesis")
	}
	seg, _ = ct.Update("hola como estas")
	if seg == nil || seg.Text != "hola" {
		t.Fatalf("commit after 3rd hypothesis = %+v, want text 'hola'", seg)
	}

	seg, _ = ct.Update("hola como estas")
	if seg != nil {
		t.Fatalf("unexpected commit on batch item 1")
	}
	seg, _ = ct.Update("hola como estas bien")
	if seg != nil {
		t.Fatalf("unexpected commit on batch item 2")
	}
	seg, _ = ct.Update("hola como estas bien")
	if seg == nil || seg.Text != "como estas" {
		t.Fatalf("commit after batch item 3 = %+v, want text 'como estas'", seg)
	}
}

func TestCommitTrackerSelfRepairIgnoredPostCommit(t *testing.T) {
	ct := NewCommitTracker(3, time.Hour, 1)
	ct.Update("hola")
	ct.Update("hola como")
	seg, _ := ct.Update("hola como estas")
	if seg == nil {
		t.Fatalf("expected first commit")
	}

	// New growth agrees for 3 rounds (K=3); the third commits "como estas".
	ct.Update("hola como estas")
	seg, _ = ct.Update("hola como estas")
	if seg != nil {
		t.Fatalf("unexpected early commit")
	}
	seg, _ = ct.Update("hola como estas")
	if seg == nil || seg.Text != "como estas" {
		t.Fatalf("commit = %+v, want 'como estas'", seg)
	}

	// Now the decoder starts disagreeing with what was already committed.
	ct.Update("hola como estan")
	ct.Update("hola como estan")
	seg, _ = ct.Update("hola como estan")
	if seg != nil {
		t.Fatalf("contradiction should not produce a commit, got %+v", seg)
	}
	if got := ct.CommittedText(); got != "hola como estas" {
		t.Fatalf("CommittedText() = %q, want unchanged 'hola como estas'", got)
	}
}

func TestCommitTrackerTimeoutFallback(t *testing.T) {
	ct := NewCommitTracker(3, 40*time.Millisecond, 1)
	ct.Update("uno")
	time.Sleep(50 * time.Millisecond)
	seg, _ := ct.Update("uno dos")
	if seg == nil {
		t.Fatalf("expected a timeout commit")
	}
	if seg.Text != "uno dos" {
		t.Fatalf("Text = %q, want 'uno dos'", seg.Text)
	}
	if !seg.ViaTimeout {
		t.Fatalf("ViaTimeout = false, want true")
	}
}

func TestCommitTrackerForceCommitOnStop(t *testing.T) {
	ct := NewCommitTracker(3, time.Hour, 1)
	ct.Update("hola como")
	ct.Update("hola como")
	if seg, _ := ct.Update("hola como"); seg == nil || seg.Text != "hola como" {
		t.Fatalf("setup commit = %+v, want 'hola como'", seg)
	}

	ct.Update("hola como estas bien gracias")
	seg := ct.ForceCommit()
	if seg == nil {
		t.Fatalf("expected a force commit")
	}
	if seg.Text != "estas bien gracias" {
		t.Fatalf("Text = %q, want 'estas bien gracias'", seg.Text)
	}
}

func TestCommitTrackerForceCommitNothingPending(t *testing.T) {
	ct := NewCommitTracker(3, time.Hour, 1)
	ct.Update("hola")
	ct.Update("hola")
	ct.Update("hola")
	if seg := ct.ForceCommit(); seg != nil {
		t.Fatalf("ForceCommit() = %+v, want nil once fully committed", seg)
	}
}

func TestCommitTrackerSetMinWords(t *testing.T) {
	ct := NewCommitTracker(3, time.Hour, 1)
	ct.SetMinWords(3)
	ct.Update("uno")
	ct.Update("uno dos")
	seg, _ := ct.Update("uno dos")
	if seg != nil {
		t.Fatalf("a stable delta of 1 new word should be rejected under min_words=3, got %+v", seg)
	}
	ct.SetMinWords(0) // restore default
}
