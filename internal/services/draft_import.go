package services

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strings"

	domain "github.com/tradelane/api/internal/domain"
)

const defaultMaxImportRows = 500

// ImportDrafts creates one draft per CSV row. Header cells name "Group.Field" columns; cells under
// unknown groups land in Extra. Rejected rows are reported without stopping the import.
func (s *draftService) ImportDrafts(ctx context.Context, ownerID string, r io.Reader) (ImportResult, error) {
	ownerID, err := requireOwner(ownerID)
	if err != nil {
		return ImportResult{}, err
	}
	if r == nil {
		return ImportResult{}, invalidInput("csv body is required")
	}

	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true

	header, err := reader.Read()
	if errors.Is(err, io.EOF) {
		return ImportResult{}, invalidInput("csv is empty")
	}
	if err != nil {
		return ImportResult{}, invalidInput("csv header: %v", err)
	}
	columns := parseImportHeader(header)

	var rows [][]string
	for {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return ImportResult{}, invalidInput("csv: %v", err)
		}
		rows = append(rows, record)
		if len(rows) > s.maxImportRows {
			return ImportResult{}, invalidInput("csv exceeds %d rows", s.maxImportRows)
		}
	}
	if len(rows) == 0 {
		return ImportResult{}, invalidInput("csv has no data rows")
	}

	result := ImportResult{}
	for i, record := range rows {
		rowNum := i + 1
		if len(record) != len(columns) {
			result.Errors = append(result.Errors, ImportRowError{
				Row:     rowNum,
				Message: fmt.Sprintf("expected %d cells, got %d", len(columns), len(record)),
			})
			continue
		}
		form, err := formFromImportRow(columns, record)
		if err != nil {
			result.Errors = append(result.Errors, ImportRowError{Row: rowNum, Message: err.Error()})
			continue
		}
		draft, err := s.CreateDraft(ctx, ownerID, form)
		if err != nil {
			if errors.Is(err, ErrStorageFault) {
				return result, err
			}
			result.Errors = append(result.Errors, ImportRowError{Row: rowNum, Message: err.Error()})
			continue
		}
		result.Created = append(result.Created, draft)
	}

	s.logger(ctx, "draft.import.completed", map[string]any{
		"owner":   ownerID,
		"created": len(result.Created),
		"errors":  len(result.Errors),
	})
	return result, nil
}

type importColumn struct {
	group string
	field string
	raw   string
}

func parseImportHeader(header []string) []importColumn {
	columns := make([]importColumn, len(header))
	for i, cell := range header {
		cell = strings.TrimSpace(strings.TrimPrefix(cell, "\ufeff"))
		column := importColumn{raw: cell}
		if group, field, ok := strings.Cut(cell, "."); ok {
			column.group = strings.TrimSpace(group)
			column.field = strings.TrimSpace(field)
		}
		columns[i] = column
	}
	return columns
}

func formFromImportRow(columns []importColumn, record []string) (FormData, error) {
	var form FormData
	for i, column := range columns {
		value := strings.TrimSpace(record[i])
		if value == "" || column.raw == "" {
			continue
		}
		switch {
		case column.group == domain.GroupDocumentVerification && column.field != "":
			check, ok := parseDocumentCell(value)
			if !ok {
				return FormData{}, fmt.Errorf("%s: unrecognised document state %q", column.raw, value)
			}
			if form.DocumentVerification == nil {
				form.DocumentVerification = map[string]domain.DocumentCheck{}
			}
			form.DocumentVerification[column.field] = check
		case column.field != "" && form.SetField(column.group, column.field, value):
		default:
			if form.Extra == nil {
				form.Extra = map[string]any{}
			}
			form.Extra[column.raw] = value
		}
	}
	if form.Empty() {
		return FormData{}, errors.New("row is empty")
	}
	return form, nil
}

// parseDocumentCell reads "checked", "uploaded" or a yes/no flag.
func parseDocumentCell(value string) (domain.DocumentCheck, bool) {
	switch strings.ToLower(value) {
	case "checked", "verified":
		return domain.DocumentCheck{Uploaded: true, Checked: true}, true
	case "uploaded", "yes", "y", "true":
		return domain.DocumentCheck{Uploaded: true}, true
	case "no", "n", "false", "missing":
		return domain.DocumentCheck{}, true
	default:
		return domain.DocumentCheck{}, false
	}
}
