package export

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleDataset(rows int) Dataset {
	data := Dataset{Columns: []Column{
		{Key: "question", Title: "Question", Weight: 3},
		{Key: "answer", Title: "Answer", Weight: 3},
		{Key: "asked_at"},
	}}
	for i := 0; i < rows; i++ {
		data.Rows = append(data.Rows, map[string]string{
			"question": "Is this on the exam, and will the résumé format matter?",
			"answer":   strings.Repeat("Yes, chapters four and five. ", 6),
			"asked_at": "2024-01-01 08:00",
		})
	}
	return data
}

func TestCSVRender(t *testing.T) {
	out, err := NewCSVExporter().Render(Dataset{
		Columns: []Column{{Key: "q", Title: "Question"}, {Key: "a"}},
		Rows:    []map[string]string{{"q": "why, though?", "a": "because"}, {"q": "missing answer"}},
	})
	require.NoError(t, err)
	assert.Equal(t, "Question,a\n\"why, though?\",because\nmissing answer,\n", string(out))
}

func TestRenderRequiresColumns(t *testing.T) {
	_, err := NewCSVExporter().Render(Dataset{})
	assert.Error(t, err)
	_, err = NewPDFExporter().Render(Dataset{}, "t", "")
	assert.Error(t, err)
}

func TestPDFRenderPaginatesLongTables(t *testing.T) {
	short, err := NewPDFExporter().Render(sampleDataset(1), "Session transcript", "Code ABC234")
	require.NoError(t, err)
	assert.True(t, bytes.HasPrefix(short, []byte("%PDF")))

	long, err := NewPDFExporter().Render(sampleDataset(60), "Session transcript", "")
	require.NoError(t, err)
	assert.Greater(t, bytes.Count(long, []byte("/Type /Page\n")), 1)
}

func TestColumnWidthsFillPage(t *testing.T) {
	widths := columnWidths(sampleDataset(0).Columns)
	assert.InDelta(t, pageWidth, widths[0]+widths[1]+widths[2], 1e-9)
	assert.InDelta(t, widths[0], 3*widths[2], 1e-9)
}
