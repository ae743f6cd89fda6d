package export

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/transcriptai/transcriptai/internal/apperr"
)

func TestTitleFromFilename(t *testing.T) {
	tests := []struct {
		name     string
		filename string
		want     string
	}{
		{"simple", "meeting.wav", "Meeting"},
		{"separators become spaces", "team_standup-notes.mp3", "Team Standup Notes"},
		{"already spaced", "Quarterly Review.wav", "Quarterly Review"},
		{"mixed case normalized", "WEEKLY_SYNC.wav", "Weekly Sync"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := titleFromFilename(tc.filename); got != tc.want {
				t.Errorf("titleFromFilename(%q) = %q, want %q", tc.filename, got, tc.want)
			}
		})
	}
}

func TestTitleFromFilenameFallsBackToDate(t *testing.T) {
	want := "Transcript - " + time.Now().Format("January 2, 2006")
	if got := titleFromFilename(""); got != want {
		t.Errorf("titleFromFilename(\"\") = %q, want %q", got, want)
	}
	if got := titleFromFilename("___.wav"); got != want {
		t.Errorf("titleFromFilename(separators only) = %q, want %q", got, want)
	}
}

func TestNormalizeSpeakerLabels(t *testing.T) {
	text := "Speaker 1: hello everyone\n[Speaker]: second turn\n>> third turn\nplain continuation\n\nSpeaker 2:"
	lines := normalize(text)
	if len(lines) != 6 {
		t.Fatalf("lines = %d, want 6", len(lines))
	}
	wantSpeaker := []bool{true, true, true, false, false, false}
	wantText := []string{"hello everyone", "second turn", "third turn", "plain continuation", "", ""}
	for i, line := range lines {
		if line.Speaker != wantSpeaker[i] || line.Text != wantText[i] {
			t.Errorf("line %d = %+v, want speaker=%v text=%q", i, line, wantSpeaker[i], wantText[i])
		}
	}
}

func TestRenderTXTLayout(t *testing.T) {
	doc, err := Render(FormatTXT, "Speaker 1: hello\nplain line", "", "call_one.wav")
	if err != nil {
		t.Fatalf("Render() = %v", err)
	}
	if doc.ContentType != "text/plain; charset=utf-8" {
		t.Errorf("content type = %q", doc.ContentType)
	}
	if doc.Filename != "call_one.txt" {
		t.Errorf("filename = %q, want call_one.txt", doc.Filename)
	}

	out := string(doc.Content)
	for _, want := range []string{"TRANSCRIPT", "Call One", "END OF TRANSCRIPT"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q", want)
		}
	}
	// Speaker turns sit two spaces in, plain lines four.
	if !strings.Contains(out, "\n  hello\n") {
		t.Errorf("speaker indentation wrong:\n%s", out)
	}
	if !strings.Contains(out, "\n    plain line\n") {
		t.Errorf("plain indentation wrong:\n%s", out)
	}
	if strings.Count(out, strings.Repeat("─", 70)) != 2 {
		t.Error("expected two divider lines")
	}
}

func TestRenderDOCXProducesZip(t *testing.T) {
	doc, err := Render(FormatDOCX, "hello world", "My Title", "a.wav")
	if err != nil {
		t.Fatalf("Render() = %v", err)
	}
	if doc.Filename != "a.docx" {
		t.Errorf("filename = %q", doc.Filename)
	}
	// DOCX is a zip container.
	if !bytes.HasPrefix(doc.Content, []byte("PK")) {
		t.Error("docx output is not a zip archive")
	}
}

func TestRenderPDFProducesPDF(t *testing.T) {
	doc, err := Render(FormatPDF, "Speaker 1: hello\nmore text", "", "talk.mp3")
	if err != nil {
		t.Fatalf("Render() = %v", err)
	}
	if doc.ContentType != "application/pdf" {
		t.Errorf("content type = %q", doc.ContentType)
	}
	if doc.Filename != "talk.pdf" {
		t.Errorf("filename = %q", doc.Filename)
	}
	if !bytes.HasPrefix(doc.Content, []byte("%PDF")) {
		t.Error("pdf output missing %PDF header")
	}
}

func TestRenderUnsupportedFormat(t *testing.T) {
	_, err := Render("csv", "text", "", "a.wav")
	if apperr.KindOf(err) != apperr.KindValidation {
		t.Errorf("Render(csv) = %v, want validation error", err)
	}
}

func TestRenderDefaultBaseName(t *testing.T) {
	doc, err := Render(FormatTXT, "text", "Custom", "")
	if err != nil {
		t.Fatal(err)
	}
	if doc.Filename != "transcript.txt" {
		t.Errorf("filename = %q, want transcript.txt", doc.Filename)
	}
	if !strings.Contains(string(doc.Content), "Custom") {
		t.Error("explicit title missing from output")
	}
}
