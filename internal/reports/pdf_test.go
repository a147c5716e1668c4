package reports

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPDFReport_LongTableSpansPages(t *testing.T) {
	r := NewPDFReport("Findings Detail", time.Date(2025, 7, 1, 9, 0, 0, 0, time.UTC))
	rows := make([][]string, 120)
	for i := range rows {
		rows[i] = []string{"High", "SOD_CONFLICT", "José Müller", strings.Repeat("x", 200)}
	}
	r.AddTable([]string{"Severity", "Type", "User", "Detail"}, rows, []float64{1, 2, 2, 3})

	assert.Greater(t, r.pdf.PageNo(), 1)
	out, err := r.Output()
	require.NoError(t, err)
	assert.True(t, bytes.HasPrefix(out, []byte("%PDF-")))
}

func TestPDFReport_Fit(t *testing.T) {
	r := NewPDFReport("t", time.Now())
	r.style("", 8, ink)

	assert.Equal(t, "short", r.fit("short", 50))
	cut := r.fit(strings.Repeat("w", 100), 20)
	assert.True(t, strings.HasSuffix(cut, "..."))
	assert.LessOrEqual(t, r.pdf.GetStringWidth(cut), 20.0)
}

func TestColumnWidths(t *testing.T) {
	assert.Equal(t, []float64{60, 60, 60}, columnWidths(3, nil))
	assert.Equal(t, []float64{60, 120}, columnWidths(2, []float64{1, 2}))
	assert.Equal(t, []float64{90, 90}, columnWidths(2, []float64{0, 0}))
}
