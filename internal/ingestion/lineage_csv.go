package ingestion

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
)

const lineageColumns = 3

// ReadLineageCSV turns "source,intermediate,target" rows into two edges each:
// source to intermediate, then intermediate to target. An optional header row
// and blank lines are skipped. Column kinds and connections come from m.
func ReadLineageCSV(r io.Reader, m *Manifest) ([]EdgeTuple, error) {
	cols := m.Lineage.Columns

	sourceKind, err := cols.Source.kind()
	if err != nil {
		return nil, fmt.Errorf("lineage column source: %w", err)
	}

	midKind, err := cols.Intermediate.kind()
	if err != nil {
		return nil, fmt.Errorf("lineage column intermediate: %w", err)
	}

	targetKind, err := cols.Target.kind()
	if err != nil {
		return nil, fmt.Errorf("lineage column target: %w", err)
	}

	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true
	reader.Comment = '#'

	var edges []EdgeTuple

	for row := 1; ; row++ {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}

		if err != nil {
			return nil, fmt.Errorf("%w: lineage csv: %w", ErrMalformedInput, err)
		}

		if blank(record) || (row == 1 && isHeader(record)) {
			continue
		}

		if len(record) != lineageColumns {
			return nil, fmt.Errorf("%w: lineage csv row %d: want %d columns, got %d",
				ErrMalformedInput, row, lineageColumns, len(record))
		}

		src := IdentityTuple{Kind: sourceKind, Name: strings.TrimSpace(record[0]), Scope: m.ResolveConnection(cols.Source.Connection)}
		mid := IdentityTuple{Kind: midKind, Name: strings.TrimSpace(record[1]), Scope: m.ResolveConnection(cols.Intermediate.Connection)}
		dst := IdentityTuple{Kind: targetKind, Name: strings.TrimSpace(record[2]), Scope: m.ResolveConnection(cols.Target.Connection)}

		if src.Name == "" || mid.Name == "" || dst.Name == "" {
			return nil, fmt.Errorf("%w: lineage csv row %d", ErrMissingName, row)
		}

		edges = append(edges,
			EdgeTuple{Source: src, Target: mid, ProcessName: ProcessName(src.Name, mid.Name)},
			EdgeTuple{Source: mid, Target: dst, ProcessName: ProcessName(mid.Name, dst.Name)},
		)
	}

	return edges, nil
}

// ReadLineageCSVFile opens path and reads it with ReadLineageCSV.
func ReadLineageCSVFile(path string, m *Manifest) ([]EdgeTuple, error) {
	f, err := os.Open(path) //nolint:gosec // path comes from the operator
	if err != nil {
		return nil, fmt.Errorf("open lineage csv: %w", err)
	}

	defer func() {
		_ = f.Close()
	}()

	return ReadLineageCSV(f, m)
}

func blank(record []string) bool {
	for _, field := range record {
		if strings.TrimSpace(field) != "" {
			return false
		}
	}

	return true
}

func isHeader(record []string) bool {
	return len(record) == lineageColumns &&
		strings.EqualFold(strings.TrimSpace(record[0]), "source") &&
		strings.EqualFold(strings.TrimSpace(record[1]), "intermediate") &&
		strings.EqualFold(strings.TrimSpace(record[2]), "target")
}
