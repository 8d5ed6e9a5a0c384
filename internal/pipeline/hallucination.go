package pipeline

import (
	"regexp"
	"strings"
)

// MinSilenceRMS is the quick energy gate applied before calling the ASR
// worker at all, to save a decode on a window that is almost certainly
// silence.
const MinSilenceRMS = 0.008

// hallucinationPatterns catches stock phrases that speech models emit on
// silent or near-silent audio (subtitle credits, stock outros) rather than
// anything the speaker said.
var hallucinationPatterns = regexp.MustCompile(`(?i)(subtitle|subscribe|suscr[ií]bete|suscr[ií]banse|gracias por ver|thank you for watching` +
	`|music|applause|m[uú]sica|aplausos` +
	`|amara\.org|moroccoenglish|madriman` +
	`|\bwww\.\w+\.\w+\b)`)

// FilterHallucination applies the denylist and repetition checks to a raw
// ASR hypothesis. It returns the cleaned text, or "" if the hypothesis
// should be dropped entirely before reaching the Commit Tracker.
func FilterHallucination(text string) string {
	t := strings.TrimSpace(text)
	if t == "" {
		return ""
	}
	if hallucinationPatterns.MatchString(t) {
		return ""
	}
	if isRepetitive(t, 0.5) {
		return ""
	}
	return t
}

// isRepetitive flags hypotheses that are mostly one repeated token, the
// classic failure mode of a model decoding silence or noise.
func isRepetitive(text string, threshold float64) bool {
	words := strings.Fields(strings.ToLower(text))
	if len(words) < 4 {
		return false
	}
	counts := make(map[string]int, len(words))
	unique := make(map[string]struct{}, len(words))
	mostCommon := 0
	for _, w := range words {
		counts[w]++
		unique[w] = struct{}{}
		if counts[w] > mostCommon {
			mostCommon = counts[w]
		}
	}
	if len(unique) <= 2 && len(words) >= 6 {
		return true
	}
	return float64(mostCommon)/float64(len(words)) > threshold
}
