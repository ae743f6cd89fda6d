// Package export renders stored transcripts as downloadable documents in
// plain text, DOCX, and PDF. All three formats share the same layout: a
// centered header block, a divider, the body with speaker turns pulled out
// of the left margin, and a closing divider.
package export

import (
	"bytes"
	"fmt"
	"io"
	"regexp"
	"strings"
	"time"

	docx "github.com/fumiama/go-docx"
	"github.com/go-pdf/fpdf"

	"github.com/transcriptai/transcriptai/internal/apperr"
)

// Format identifiers accepted by [Render].
const (
	FormatTXT  = "txt"
	FormatDOCX = "docx"
	FormatPDF  = "pdf"
)

// Palette shared by the DOCX and PDF renderers.
var (
	colorNavy    = rgb{0x1A, 0x36, 0x5D}
	colorBlue    = rgb{0x31, 0x82, 0xCE}
	colorGray    = rgb{0x2D, 0x37, 0x48}
	colorMuted   = rgb{0x71, 0x80, 0x96}
	colorDivider = rgb{0xCB, 0xD5, 0xE0}
)

type rgb struct{ r, g, b int }

func (c rgb) hex() string { return fmt.Sprintf("%02X%02X%02X", c.r, c.g, c.b) }

// speakerRe matches speaker labels at the start of a line: ">>", "Speaker 1:",
// "[Speaker]:" and close variants.
var speakerRe = regexp.MustCompile(`(?i)^(>>|(?:\[?Speaker\s*\d*\]?:?))\s*(.*)$`)

var (
	extRe = regexp.MustCompile(`\.[^.]+$`)
	sepRe = regexp.MustCompile(`[_-]+`)
)

// Document is a rendered export.
type Document struct {
	Content     []byte
	ContentType string
	Filename    string
}

// Render produces the transcript in the requested format. title overrides
// the one derived from filename when non-empty.
func Render(format, text, title, filename string) (*Document, error) {
	format = strings.ToLower(strings.TrimSpace(format))
	docTitle := title
	if docTitle == "" {
		docTitle = titleFromFilename(filename)
	}

	base := "transcript"
	if filename != "" {
		base = extRe.ReplaceAllString(filename, "")
	}

	switch format {
	case FormatTXT:
		return &Document{
			Content:     renderTXT(text, docTitle),
			ContentType: "text/plain; charset=utf-8",
			Filename:    base + ".txt",
		}, nil
	case FormatDOCX:
		content, err := renderDOCX(text, docTitle)
		if err != nil {
			return nil, err
		}
		return &Document{
			Content:     content,
			ContentType: "application/vnd.openxmlformats-officedocument.wordprocessingml.document",
			Filename:    base + ".docx",
		}, nil
	case FormatPDF:
		content, err := renderPDF(text, docTitle)
		if err != nil {
			return nil, err
		}
		return &Document{
			Content:     content,
			ContentType: "application/pdf",
			Filename:    base + ".pdf",
		}, nil
	default:
		return nil, apperr.Validation("unsupported export format %q, use txt, docx or pdf", format)
	}
}

// titleFromFilename strips the extension, turns separators into spaces and
// title-cases the rest. An empty result falls back to a dated default.
func titleFromFilename(filename string) string {
	fallback := "Transcript - " + time.Now().Format("January 2, 2006")
	if filename == "" {
		return fallback
	}
	name := extRe.ReplaceAllString(filename, "")
	name = sepRe.ReplaceAllString(name, " ")
	name = strings.TrimSpace(name)
	if name == "" {
		return fallback
	}
	words := strings.Fields(name)
	for i, w := range words {
		words[i] = strings.ToUpper(w[:1]) + strings.ToLower(w[1:])
	}
	return strings.Join(words, " ")
}

// bodyLine is one normalized line of transcript content.
type bodyLine struct {
	Text    string
	Speaker bool
}

// normalize splits the transcript into lines and rewrites speaker labels
// into a uniform marker so every renderer indents them the same way.
func normalize(text string) []bodyLine {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	var out []bodyLine
	for _, raw := range strings.Split(text, "\n") {
		line := strings.TrimSpace(raw)
		if line == "" {
			out = append(out, bodyLine{})
			continue
		}
		if m := speakerRe.FindStringSubmatch(line); m != nil {
			spoken := strings.TrimSpace(m[2])
			if spoken == "" {
				out = append(out, bodyLine{})
				continue
			}
			out = append(out, bodyLine{Text: spoken, Speaker: true})
			continue
		}
		out = append(out, bodyLine{Text: line})
	}
	return out
}

const txtWidth = 70

func centerLine(s string, width int) string {
	if len(s) >= width {
		return s
	}
	return strings.Repeat(" ", (width-len(s))/2) + s
}

func renderTXT(text, title string) []byte {
	divider := strings.Repeat("─", txtWidth)
	date := time.Now().Format("January 2, 2006")

	var b strings.Builder
	b.WriteString("\n")
	b.WriteString(centerLine("TRANSCRIPT", txtWidth) + "\n")
	b.WriteString(centerLine(title, txtWidth) + "\n")
	b.WriteString(centerLine(date, txtWidth) + "\n")
	b.WriteString("\n" + divider + "\n\n")

	for _, line := range normalize(text) {
		switch {
		case line.Text == "":
			b.WriteString("\n")
		case line.Speaker:
			b.WriteString("  " + line.Text + "\n")
		default:
			b.WriteString("    " + line.Text + "\n")
		}
	}

	b.WriteString("\n" + divider + "\n")
	b.WriteString(centerLine("END OF TRANSCRIPT", txtWidth) + "\n")
	return []byte(b.String())
}

func renderDOCX(text, title string) ([]byte, error) {
	doc := docx.New().WithDefaultTheme()
	date := time.Now().Format("January 2, 2006")

	// Sizes are half-points.
	p := doc.AddParagraph().Justification("center")
	p.AddText("TRANSCRIPT").Size("20").Color(colorMuted.hex())

	p = doc.AddParagraph().Justification("center")
	p.AddText(title).Size("40").Bold().Color(colorNavy.hex())

	p = doc.AddParagraph().Justification("center")
	p.AddText(date).Size("26").Italic().Color(colorGray.hex())

	p = doc.AddParagraph().Justification("center")
	p.AddText(strings.Repeat("─", 50)).Color(colorDivider.hex())

	for _, line := range normalize(text) {
		if line.Text == "" {
			doc.AddParagraph()
			continue
		}
		p = doc.AddParagraph()
		if line.Speaker {
			p.AddText("  ").Size("22").Color(colorBlue.hex())
			p.AddText(line.Text).Size("22").Color(colorGray.hex())
		} else {
			p.AddText(line.Text).Size("22").Color(colorGray.hex())
		}
	}

	p = doc.AddParagraph().Justification("center")
	p.AddText(strings.Repeat("─", 50)).Color(colorDivider.hex())

	p = doc.AddParagraph().Justification("center")
	p.AddText("END OF TRANSCRIPT").Size("18").Color(colorMuted.hex())

	var buf bytes.Buffer
	if _, err := doc.WriteTo(&buf); err != nil {
		return nil, fmt.Errorf("write docx: %w", err)
	}
	return buf.Bytes(), nil
}

func renderPDF(text, title string) ([]byte, error) {
	pdf := fpdf.New("P", "mm", "A4", "")
	pdf.SetMargins(25, 25, 25)
	pdf.SetAutoPageBreak(true, 25)
	tr := pdf.UnicodeTranslatorFromDescriptor("")

	pdf.SetFooterFunc(func() {
		pdf.SetY(-15)
		pdf.SetFont("Helvetica", "", 8)
		pdf.SetTextColor(colorMuted.r, colorMuted.g, colorMuted.b)
		pdf.CellFormat(0, 10, fmt.Sprintf("Page %d", pdf.PageNo()), "", 0, "C", false, 0, "")
	})
	pdf.AddPage()

	pdf.SetFont("Helvetica", "", 10)
	pdf.SetTextColor(colorMuted.r, colorMuted.g, colorMuted.b)
	pdf.CellFormat(0, 10, "TRANSCRIPT", "", 1, "C", false, 0, "")

	pdf.SetFont("Helvetica", "B", 20)
	pdf.SetTextColor(colorNavy.r, colorNavy.g, colorNavy.b)
	pdf.CellFormat(0, 12, tr(title), "", 1, "C", false, 0, "")

	pdf.SetFont("Helvetica", "I", 13)
	pdf.SetTextColor(colorGray.r, colorGray.g, colorGray.b)
	pdf.CellFormat(0, 10, time.Now().Format("January 2, 2006"), "", 1, "C", false, 0, "")

	pdf.Ln(5)
	pageW, _ := pdf.GetPageSize()
	pdf.SetDrawColor(colorDivider.r, colorDivider.g, colorDivider.b)
	pdf.SetLineWidth(0.5)
	pdf.Line(40, pdf.GetY(), pageW-40, pdf.GetY())
	pdf.Ln(10)

	for _, line := range normalize(text) {
		if line.Text == "" {
			pdf.Ln(2)
			continue
		}
		pdf.SetFont("Helvetica", "", 11)
		pdf.SetTextColor(colorGray.r, colorGray.g, colorGray.b)
		if line.Speaker {
			pdf.Ln(3)
			pdf.SetX(25)
		} else {
			pdf.SetX(32)
		}
		pdf.MultiCell(0, 6, tr(line.Text), "", "L", false)
	}

	pdf.Ln(10)
	pdf.Line(40, pdf.GetY(), pageW-40, pdf.GetY())
	pdf.Ln(8)
	pdf.SetFont("Helvetica", "", 9)
	pdf.SetTextColor(colorMuted.r, colorMuted.g, colorMuted.b)
	pdf.CellFormat(0, 8, "END OF TRANSCRIPT", "", 0, "C", false, 0, "")

	var buf bytes.Buffer
	if err := pdf.Output(&buf); err != nil {
		return nil, fmt.Errorf("write pdf: %w", err)
	}
	return buf.Bytes(), nil
}

// WriteTo is a convenience for handlers that stream the document directly.
func (d *Document) WriteTo(w io.Writer) (int64, error) {
	n, err := w.Write(d.Content)
	return int64(n), err
}
