package pipeline

import (
	"strings"
	"sync"
	"time"
	"unicode"

	"golang.org/x/text/unicode/norm"
)

// Segment is an irrevocable unit of newly committed text, produced by the
// Commit Tracker and carried through translation and synthesis.
type Segment struct {
	ID          int64
	Text        string
	CommittedAt time.Time
	ViaTimeout  bool
}

// CommitTracker implements commit-by-stability: it holds the last K
// hypotheses for a session and commits their longest common prefix once it
// has been stable for K consecutive ASR decodes, falling back to a timeout
// commit if stability never arrives.
type CommitTracker struct {
	mu sync.Mutex

	stabilityK     int
	timeout        time.Duration
	minWords       int
	defaultMinWord int

	hist      []string // ring H of the last K raw hypotheses, oldest first
	committed string   // C, original casing
	lastID    int64
	lastCommit time.Time
}

// NewCommitTracker builds a tracker with the given stability window,
// timeout fallback, and minimum new-word threshold for a commit.
func NewCommitTracker(stabilityK int, timeout time.Duration, minWords int) *CommitTracker {
	if stabilityK <= 0 {
		stabilityK = 3
	}
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	if minWords <= 0 {
		minWords = 1
	}
	return &CommitTracker{
		stabilityK:     stabilityK,
		timeout:        timeout,
		minWords:       minWords,
		defaultMinWord: minWords,
		lastCommit:     time.Now(),
	}
}

// SetMinWords lets the backpressure controller raise (or restore) the
// minimum-new-words threshold at the next decision point, per the Degraded
// hint. A value <= 0 restores the tracker's original configuration.
func (t *CommitTracker) SetMinWords(minWords int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if minWords <= 0 {
		t.minWords = t.defaultMinWord
		return
	}
	t.minWords = minWords
}

// Update feeds a new ASR hypothesis for the current window. It returns any
// newly committed segment (at most one per call) and the current
// uncommitted suffix text for the partial_transcript event.
func (t *CommitTracker) Update(hypothesis string) (*Segment, string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	// Consecutive decodes from the same ASR backend can alternate between
	// composed and decomposed forms for accented text (e.g. combining
	// diacritics), which would otherwise look like a spurious disagreement
	// to the stability check below. Canonicalize to NFC once at ingestion so
	// every comparison and the committed text itself use one consistent form.
	hypothesis = norm.NFC.String(strings.TrimSpace(hypothesis))
	t.hist = append(t.hist, hypothesis)
	if len(t.hist) > t.stabilityK {
		t.hist = t.hist[len(t.hist)-t.stabilityK:]
	}

	newest := t.hist[len(t.hist)-1]
	newestRunes := []rune(newest)
	newestNorm, newestIdx := normalizeForCompare(newest)
	committedNorm, _ := normalizeForCompare(t.committed)
	committedLenNorm := len(committedNorm)

	partial := uncommittedSuffix(newestRunes, newestIdx, committedLenNorm)

	if len(t.hist) == t.stabilityK {
		prefixLenNorm := longestCommonPrefixLen(t.hist)
		if prefixLenNorm > committedLenNorm {
			deltaNorm := newestNorm[committedLenNorm:prefixLenNorm]
			if countTokens(string(deltaNorm)) >= t.minWords {
				origBoundary := mapNormToOrig(prefixLenNorm, newestIdx, len(newestRunes))
				origBoundary = trimToTokenBoundary(newestRunes, origBoundary)
				origStart := mapNormToOrig(committedLenNorm, newestIdx, len(newestRunes))
				if origBoundary > origStart {
					delta := strings.TrimSpace(string(newestRunes[origStart:origBoundary]))
					if delta != "" {
						seg := t.commit(delta, newest, false)
						return seg, uncommittedSuffix(newestRunes, newestIdx, len(normalizeForCompareStr(t.committed)))
					}
				}
			}
		}
	}

	if time.Since(t.lastCommit) >= t.timeout {
		if len(newestNorm) > committedLenNorm {
			remainderNorm := newestNorm[committedLenNorm:]
			if countTokens(string(remainderNorm)) >= t.minWords {
				origStart := mapNormToOrig(committedLenNorm, newestIdx, len(newestRunes))
				delta := strings.TrimSpace(string(newestRunes[origStart:]))
				if delta != "" {
					seg := t.commit(delta, newest, true)
					return seg, uncommittedSuffix(newestRunes, newestIdx, len(normalizeForCompareStr(t.committed)))
				}
			}
		}
	}

	return nil, partial
}

// ForceCommit flushes the remaining uncommitted text of the newest
// hypothesis, ignoring the stability window but still respecting
// commit_min_words. Used on session stop (§4.4).
func (t *CommitTracker) ForceCommit() *Segment {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.hist) == 0 {
		return nil
	}
	newest := t.hist[len(t.hist)-1]
	newestRunes := []rune(newest)
	newestNorm, newestIdx := normalizeForCompare(newest)
	committedNorm, _ := normalizeForCompare(t.committed)
	committedLenNorm := len(committedNorm)

	if len(newestNorm) <= committedLenNorm {
		return nil
	}
	remainderNorm := newestNorm[committedLenNorm:]
	if countTokens(string(remainderNorm)) < t.minWords {
		return nil
	}
	origStart := mapNormToOrig(committedLenNorm, newestIdx, len(newestRunes))
	delta := strings.TrimSpace(string(newestRunes[origStart:]))
	if delta == "" {
		return nil
	}
	return t.commit(delta, newest, true)
}

// CommittedText returns the full committed text so far.
func (t *CommitTracker) CommittedText() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.committed
}

// ContextTail returns the last few committed words, usable to re-prompt a
// provider that supports biasing on prior context.
func (t *CommitTracker) ContextTail(maxWords int) string {
	t.mu.Lock()
	defer t.mu.Unlock()
	words := strings.Fields(t.committed)
	if len(words) <= maxWords {
		return strings.Join(words, " ")
	}
	return strings.Join(words[len(words)-maxWords:], " ")
}

// Reset clears all tracker state, used when a session reconfigures.
func (t *CommitTracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.hist = nil
	t.committed = ""
	t.lastID = 0
	t.lastCommit = time.Now()
	t.minWords = t.defaultMinWord
}

func (t *CommitTracker) commit(delta, newestHypothesis string, viaTimeout bool) *Segment {
	if t.committed == "" {
		t.committed = delta
	} else {
		t.committed = t.committed + " " + delta
	}
	t.lastID++
	t.lastCommit = time.Now()
	// The stability window restarts after a commit: K fresh hypotheses must
	// agree again before the next stability commit, so stale pre-commit
	// hypotheses (possibly shorter) never shrink the next prefix check.
	t.hist = t.hist[:0]
	return &Segment{
		ID:          t.lastID,
		Text:        delta,
		CommittedAt: t.lastCommit,
		ViaTimeout:  viaTimeout,
	}
}

func normalizeForCompareStr(s string) []rune {
	norm, _ := normalizeForCompare(s)
	return norm
}

// normalizeForCompare lowercases s and collapses runs of whitespace to a
// single space (used only for comparison; commits preserve the casing of
// the newest hypothesis). idx[i] is the rune index into s of norm[i].
func normalizeForCompare(s string) (norm []rune, idx []int) {
	raw := []rune(s)
	lastWasSpace := true
	for i, r := range raw {
		lr := unicode.ToLower(r)
		if unicode.IsSpace(lr) {
			if lastWasSpace {
				continue
			}
			norm = append(norm, ' ')
			idx = append(idx, i)
			lastWasSpace = true
			continue
		}
		norm = append(norm, lr)
		idx = append(idx, i)
		lastWasSpace = false
	}
	if len(norm) > 0 && norm[len(norm)-1] == ' ' {
		norm = norm[:len(norm)-1]
		idx = idx[:len(idx)-1]
	}
	return norm, idx
}

// longestCommonPrefixLen returns the length, in normalized-rune units, of
// the longest common prefix shared by the normalized form of every
// hypothesis in hist.
func longestCommonPrefixLen(hist []string) int {
	normalized := make([][]rune, len(hist))
	minLen := -1
	for i, h := range hist {
		n, _ := normalizeForCompare(h)
		normalized[i] = n
		if minLen == -1 || len(n) < minLen {
			minLen = len(n)
		}
	}
	if minLen <= 0 {
		return 0
	}
	for pos := 0; pos < minLen; pos++ {
		want := normalized[0][pos]
		for i := 1; i < len(normalized); i++ {
			if normalized[i][pos] != want {
				return pos
			}
		}
	}
	return minLen
}

// mapNormToOrig maps a length in normalized-rune units back to the
// corresponding rune offset in the original string, given the index map
// produced by normalizeForCompare.
func mapNormToOrig(normLen int, idx []int, origRuneCount int) int {
	if normLen <= 0 {
		return 0
	}
	if normLen > len(idx) {
		return origRuneCount
	}
	return idx[normLen-1] + 1
}

func uncommittedSuffix(newestRunes []rune, idx []int, committedLenNorm int) string {
	start := mapNormToOrig(committedLenNorm, idx, len(newestRunes))
	if start >= len(newestRunes) {
		return ""
	}
	return strings.TrimSpace(string(newestRunes[start:]))
}
