package service

import (
	"encoding/csv"
	"io"
	"strings"

	"github.com/pkg/errors"

	"replistock/internal/domain"
	"replistock/internal/store"
)

// ReadImportCSV turns a spreadsheet export into import rows keyed by the
// header line. Blank lines are skipped and short rows leave the missing
// columns empty.
func ReadImportCSV(r io.Reader) ([]domain.ImportRow, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true

	header, err := reader.Read()
	if err == io.EOF {
		return nil, errors.Wrap(store.ErrInvalid, "csv has no header row")
	}
	if err != nil {
		return nil, errors.Wrap(store.ErrInvalid, err.Error())
	}
	if len(header) > 0 {
		header[0] = strings.TrimPrefix(header[0], "\ufeff")
	}

	var rows []domain.ImportRow
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, errors.Wrap(store.ErrInvalid, err.Error())
		}
		row := make(domain.ImportRow, len(header))
		empty := true
		for i, h := range header {
			if i >= len(record) {
				break
			}
			row[h] = record[i]
			if strings.TrimSpace(record[i]) != "" {
				empty = false
			}
		}
		if empty {
			continue
		}
		rows = append(rows, row)
	}
	return rows, nil
}
