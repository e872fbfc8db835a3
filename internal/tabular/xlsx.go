package tabular

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/xuri/excelize/v2"
)

// ReadXLSX reads a worksheet whose first row is the header. An empty sheet
// name selects the first sheet. Blank rows are skipped.
func ReadXLSX(path, sheet string) ([]Row, error) {
	f, err := excelize.OpenFile(filepath.Clean(path))
	if err != nil {
		return nil, fmt.Errorf("open workbook %s: %w", filepath.Base(path), err)
	}
	defer f.Close()

	if sheet == "" {
		sheets := f.GetSheetList()
		if len(sheets) == 0 {
			return nil, fmt.Errorf("workbook %s has no sheets", filepath.Base(path))
		}
		sheet = sheets[0]
	}
	cells, err := f.GetRows(sheet)
	if err != nil {
		return nil, fmt.Errorf("read sheet %s: %w", sheet, err)
	}
	if len(cells) == 0 {
		return nil, &ParseError{Line: 0, Message: fmt.Sprintf("sheet %s has no header row", sheet)}
	}

	header := make([]string, len(cells[0]))
	for i, h := range cells[0] {
		header[i] = strings.TrimSpace(h)
	}
	var rows []Row
	for _, cellRow := range cells[1:] {
		if blank(cellRow) {
			continue
		}
		row := make(Row, len(header))
		for j, h := range header {
			if h == "" {
				continue
			}
			if j < len(cellRow) {
				row[h] = cellRow[j]
			} else {
				row[h] = ""
			}
		}
		rows = append(rows, row)
	}
	return rows, nil
}

func blank(cells []string) bool {
	for _, c := range cells {
		if strings.TrimSpace(c) != "" {
			return false
		}
	}
	return true
}
