package reports

import (
	"bytes"
	"fmt"
	"time"

	"github.com/jung-kurt/gofpdf"

	"github.com/qualys/accessreview/internal/models"
)

// Metric is one labelled value in a summary block. A slice keeps the order
// stable across runs.
type Metric struct {
	Label string
	Value string
}

type rgb struct{ r, g, b int }

var (
	ink        = rgb{33, 37, 41}
	muted      = rgb{108, 117, 125}
	faint      = rgb{128, 128, 128}
	band       = rgb{240, 240, 240}
	headerFill = rgb{52, 58, 64}
	zebra      = rgb{248, 249, 250}
	white      = rgb{255, 255, 255}
)

const (
	font       = "Arial"
	pageWidth  = 180.0 // A4 less 15mm margins
	rowHeight  = 7.0
	footerRoom = 20.0
)

// PDFReport lays out a single-column A4 document from sections, metric
// blocks and tables. Text is translated to the core font code page, so
// accented names survive; unsupported runes print as '?'.
type PDFReport struct {
	pdf   *gofpdf.Fpdf
	title string
	tr    func(string) string
}

func NewPDFReport(title string, generatedAt time.Time) *PDFReport {
	pdf := gofpdf.New("P", "mm", "A4", "")
	pdf.SetMargins(15, 15, 15)
	pdf.SetAutoPageBreak(true, footerRoom)

	r := &PDFReport{pdf: pdf, title: title, tr: pdf.UnicodeTranslatorFromDescriptor("")}
	pdf.SetFooterFunc(func() {
		pdf.SetY(-15)
		r.style("I", 8, faint)
		pdf.CellFormat(0, 10, r.tr(fmt.Sprintf("%s - Page %d", r.title, pdf.PageNo())), "", 0, "C", false, 0, "")
	})

	pdf.AddPage()
	r.style("B", 18, ink)
	pdf.CellFormat(0, 15, r.tr(title), "", 1, "C", false, 0, "")
	r.style("", 10, muted)
	pdf.CellFormat(0, 8, "Generated: "+generatedAt.Format("January 2, 2006 3:04 PM MST"), "", 1, "C", false, 0, "")
	pdf.Ln(10)
	return r
}

func (r *PDFReport) style(weight string, size float64, c rgb) {
	r.pdf.SetFont(font, weight, size)
	r.pdf.SetTextColor(c.r, c.g, c.b)
}

func (r *PDFReport) fill(c rgb) {
	r.pdf.SetFillColor(c.r, c.g, c.b)
}

func (r *PDFReport) AddSection(title string) {
	r.style("B", 14, ink)
	r.fill(band)
	r.pdf.CellFormat(0, 10, r.tr(title), "", 1, "L", true, 0, "")
	r.pdf.Ln(5)
}

func (r *PDFReport) AddParagraph(text string) {
	r.style("", 10, ink)
	r.pdf.MultiCell(0, 6, r.tr(text), "", "L", false)
	r.pdf.Ln(5)
}

// AddTable renders rows with column widths proportional to weights; nil
// weights give equal columns. The header row repeats after a page break and
// cells too wide for their column are cut with an ellipsis.
func (r *PDFReport) AddTable(headers []string, rows [][]string, weights []float64) {
	widths := columnWidths(len(headers), weights)
	_, pageHeight := r.pdf.GetPageSize()

	header := func() {
		r.style("B", 9, white)
		r.fill(headerFill)
		for i, h := range headers {
			r.pdf.CellFormat(widths[i], 8, r.tr(h), "1", 0, "C", true, 0, "")
		}
		r.pdf.Ln(-1)
		r.style("", 8, ink)
	}

	header()
	for n, row := range rows {
		if r.pdf.GetY()+rowHeight > pageHeight-footerRoom {
			r.pdf.AddPage()
			header()
		}
		if n%2 == 1 {
			r.fill(zebra)
		} else {
			r.fill(white)
		}
		for i, cell := range row {
			if i >= len(widths) {
				break
			}
			r.pdf.CellFormat(widths[i], rowHeight, r.fit(r.tr(cell), widths[i]-2), "1", 0, "L", true, 0, "")
		}
		r.pdf.Ln(-1)
	}
	r.pdf.Ln(5)
}

// fit shortens s until it renders within width in the current font.
func (r *PDFReport) fit(s string, width float64) string {
	if r.pdf.GetStringWidth(s) <= width {
		return s
	}
	const ellipsis = "..."
	for len(s) > 0 && r.pdf.GetStringWidth(s+ellipsis) > width {
		s = s[:len(s)-1]
	}
	return s + ellipsis
}

func columnWidths(n int, weights []float64) []float64 {
	widths := make([]float64, n)
	total := 0.0
	for _, w := range weights {
		total += w
	}
	for i := range widths {
		if len(weights) == n && total > 0 {
			widths[i] = pageWidth * weights[i] / total
		} else {
			widths[i] = pageWidth / float64(n)
		}
	}
	return widths
}

func (r *PDFReport) AddSummaryTable(metrics []Metric) {
	for _, m := range metrics {
		r.style("", 10, muted)
		r.pdf.CellFormat(60, rowHeight, r.tr(m.Label+":"), "", 0, "L", false, 0, "")
		r.style("B", 10, ink)
		r.pdf.CellFormat(0, rowHeight, r.tr(m.Value), "", 1, "L", false, 0, "")
	}
	r.pdf.Ln(5)
}

// AddSeverityBars draws one horizontal bar per severity, scaled to the
// largest count.
func (r *PDFReport) AddSeverityBars(counts models.FindingCounts) {
	bars := []struct {
		severity models.Severity
		value    int
	}{
		{models.SeverityCritical, counts.Critical},
		{models.SeverityHigh, counts.High},
		{models.SeverityMedium, counts.Medium},
		{models.SeverityLow, counts.Low},
	}

	peak := 1
	for _, b := range bars {
		peak = max(peak, b.value)
	}

	const barMaxWidth = 100.0
	for _, b := range bars {
		r.style("", 9, muted)
		r.pdf.CellFormat(40, 6, string(b.severity), "", 0, "L", false, 0, "")

		r.fill(severityFill(b.severity))
		// A zero width cell would stretch to the right margin.
		width := max(float64(b.value)/float64(peak)*barMaxWidth, 0.1)
		r.pdf.CellFormat(width, 6, "", "", 0, "L", b.value > 0, 0, "")

		r.style("", 9, ink)
		r.pdf.CellFormat(30, 6, fmt.Sprintf(" %d", b.value), "", 1, "L", false, 0, "")
	}
	r.pdf.Ln(5)
}

func severityFill(severity models.Severity) rgb {
	switch severity {
	case models.SeverityCritical:
		return rgb{220, 53, 69}
	case models.SeverityHigh:
		return rgb{253, 126, 20}
	case models.SeverityMedium:
		return rgb{255, 193, 7}
	case models.SeverityLow:
		return rgb{40, 167, 69}
	}
	return muted
}

func (r *PDFReport) AddSignatureLine(label string) {
	r.pdf.Ln(10)
	r.style("", 10, ink)
	r.pdf.CellFormat(90, rowHeight, "______________________________", "", 1, "L", false, 0, "")
	r.pdf.CellFormat(90, 6, r.tr(label), "", 1, "L", false, 0, "")
	r.style("", 8, muted)
	r.pdf.CellFormat(90, 6, "Date: ________________", "", 1, "L", false, 0, "")
}

func (r *PDFReport) Output() ([]byte, error) {
	var buf bytes.Buffer
	if err := r.pdf.Output(&buf); err != nil {
		return nil, fmt.Errorf("rendering PDF: %w", err)
	}
	return buf.Bytes(), nil
}
