package whispercpp

import (
	"strings"
	"testing"
)

func TestDedupSegments(t *testing.T) {
	tests := []struct {
		name string
		in   []string
		want []string
	}{
		{
			name: "exact consecutive repeat dropped",
			in:   []string{"thank you for calling", "Thank you for calling", "how can I help"},
			want: []string{"thank you for calling", "how can I help"},
		},
		{
			name: "containment of long text dropped",
			in:   []string{"please hold while I check your account", "while I check your account"},
			want: []string{"please hold while I check your account"},
		},
		{
			name: "short contained text kept",
			in:   []string{"yes it is fine", "fine"},
			want: []string{"yes it is fine", "fine"},
		},
		{
			name: "non-consecutive repeat kept",
			in:   []string{"okay", "one moment", "okay"},
			want: []string{"okay", "one moment", "okay"},
		},
		{
			name: "single segment untouched",
			in:   []string{"hello"},
			want: []string{"hello"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			segs := make([]Segment, len(tt.in))
			for i, s := range tt.in {
				segs[i] = Segment{Text: s}
			}
			got := DedupSegments(segs)
			if len(got) != len(tt.want) {
				t.Fatalf("DedupSegments() kept %d segments, want %d: %v", len(got), len(tt.want), got)
			}
			for i := range got {
				if got[i].Text != tt.want[i] {
					t.Errorf("segment[%d] = %q, want %q", i, got[i].Text, tt.want[i])
				}
			}
		})
	}
}

func TestDedupNGramsShortInputUnchanged(t *testing.T) {
	in := "one two three four five six seven eight nine ten eleven twelve thirteen fourteen fifteen"
	if got := DedupNGrams(in); got != in {
		t.Errorf("DedupNGrams(<16 words) = %q, want input unchanged", got)
	}
}

func TestDedupNGramsRemovesRepeatedWindow(t *testing.T) {
	phrase := "the quick brown fox jumps over the lazy"
	in := phrase + " dog " + phrase + " dog again we continue with different words here"
	got := DedupNGrams(in)
	if count := strings.Count(strings.ToLower(got), phrase); count != 1 {
		t.Errorf("repeated 8-gram occurs %d times after dedup, want 1: %q", count, got)
	}
	if !strings.Contains(got, "different words here") {
		t.Errorf("tail lost during dedup: %q", got)
	}
}

func TestDedupNGramsIdempotent(t *testing.T) {
	phrase := "I would like to cancel my account today"
	in := phrase + " " + phrase + " because the service was not what I expected at all"
	once := DedupNGrams(in)
	twice := DedupNGrams(once)
	if once != twice {
		t.Errorf("DedupNGrams not idempotent:\nonce:  %q\ntwice: %q", once, twice)
	}
}
