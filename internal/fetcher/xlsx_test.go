package fetcher

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tealeg/xlsx/v2"
)

func writeTestXLSX(t *testing.T, rows [][]string) string {
	t.Helper()
	f := xlsx.NewFile()
	sheet, err := f.AddSheet("Sheet1")
	require.NoError(t, err)
	for _, row := range rows {
		r := sheet.AddRow()
		for _, v := range row {
			r.AddCell().SetString(v)
		}
	}
	path := filepath.Join(t.TempDir(), "test.xlsx")
	require.NoError(t, f.Save(path))
	return path
}

func TestReadXLSX(t *testing.T) {
	path := writeTestXLSX(t, [][]string{
		{"company", "date", "amount"},
		{"Acme", "2025-01-10", "50000"},
	})

	rows, err := ReadXLSX(path, XLSXOptions{})
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, []string{"Acme", "2025-01-10", "50000"}, rows[1])
}

func TestReadXLSX_SheetNotFound(t *testing.T) {
	path := writeTestXLSX(t, [][]string{{"a"}})
	_, err := ReadXLSX(path, XLSXOptions{SheetName: "Q1 Data"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), `sheet "Q1 Data" not found`)
}

func TestReadXLSX_OpenError(t *testing.T) {
	_, err := ReadXLSX("/nonexistent/file.xlsx", XLSXOptions{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "xlsx: open file")
}
