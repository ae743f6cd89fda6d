package whispercpp

import "strings"

// ngramSize is the sliding-window width for repetition scrubbing. Whisper
// hallucinations typically repeat whole phrases, which an 8-word window
// catches without touching legitimate short echoes.
const ngramSize = 8

// DedupSegments drops consecutive segments that repeat their predecessor:
// either an exact match after normalization, or (for texts of at least 10
// characters) full containment in the previous segment.
func DedupSegments(segments []Segment) []Segment {
	if len(segments) < 2 {
		return segments
	}
	out := segments[:1:1]
	prev := normalizeText(segments[0].Text)
	for _, seg := range segments[1:] {
		norm := normalizeText(seg.Text)
		if norm == prev {
			continue
		}
		if len(norm) >= 10 && strings.Contains(prev, norm) {
			continue
		}
		out = append(out, seg)
		prev = norm
	}
	return out
}

// DedupNGrams removes repeated 8-word windows from text. The first
// occurrence of each lowercased 8-gram is kept; on a repeat the whole
// window is skipped. Inputs shorter than two windows are returned verbatim.
func DedupNGrams(text string) string {
	words := strings.Fields(text)
	if len(words) < 2*ngramSize {
		return text
	}

	seen := make(map[string]struct{}, len(words))
	out := make([]string, 0, len(words))
	i := 0
	for i < len(words) {
		if i+ngramSize <= len(words) {
			gram := strings.ToLower(strings.Join(words[i:i+ngramSize], " "))
			if _, dup := seen[gram]; dup {
				i += ngramSize
				continue
			}
			seen[gram] = struct{}{}
		}
		out = append(out, words[i])
		i++
	}
	return strings.Join(out, " ")
}

// normalizeText lowercases and collapses internal whitespace.
func normalizeText(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}
