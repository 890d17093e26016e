package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/correlator-io/reconciler/internal/catalog"
)

const (
	formatText = "text"
	formatJSON = "json"
)

// ErrUnknownFormat is returned for an --output value other than text or json.
var ErrUnknownFormat = errors.New("unknown output format")

func validateFormat(format string) error {
	switch format {
	case formatText, formatJSON:
		return nil
	default:
		return fmt.Errorf("%w: %q (want %s or %s)", ErrUnknownFormat, format, formatText, formatJSON)
	}
}

// printer writes command results as aligned text columns or indented JSON.
type printer struct {
	w      io.Writer
	format string
}

func newPrinter(w io.Writer, format string) *printer {
	return &printer{w: w, format: format}
}

func (p *printer) json() bool { return p.format == formatJSON }

// JSON writes v as indented JSON.
func (p *printer) JSON(v any) error {
	enc := json.NewEncoder(p.w)
	enc.SetIndent("", "  ")

	return enc.Encode(v)
}

// Linef writes one formatted line.
func (p *printer) Linef(format string, args ...any) error {
	_, err := fmt.Fprintf(p.w, format+"\n", args...)

	return err
}

// Table writes a header and rows as tab-aligned columns.
func (p *printer) Table(header []string, rows [][]string) error {
	tw := tabwriter.NewWriter(p.w, 0, 0, 2, ' ', 0) //nolint:mnd

	if _, err := fmt.Fprintln(tw, strings.Join(header, "\t")); err != nil {
		return err
	}

	for _, row := range rows {
		if _, err := fmt.Fprintln(tw, strings.Join(row, "\t")); err != nil {
			return err
		}
	}

	return tw.Flush()
}

var entityHeader = []string{"KIND", "NAME", "QUALIFIED NAME", "ID"}

func entityRow(e catalog.Entity) []string {
	return []string{e.Kind.String(), e.Name, e.QualifiedName, e.ID}
}

// Entities writes entities as a table or a JSON array.
func (p *printer) Entities(entities []catalog.Entity) error {
	if p.json() {
		if entities == nil {
			entities = []catalog.Entity{}
		}

		return p.JSON(entities)
	}

	rows := make([][]string, 0, len(entities))
	for _, e := range entities {
		rows = append(rows, entityRow(e))
	}

	return p.Table(entityHeader, rows)
}

// Entity writes one entity.
func (p *printer) Entity(e catalog.Entity) error {
	if p.json() {
		return p.JSON(e)
	}

	return p.Table(entityHeader, [][]string{entityRow(e)})
}

func status(created bool) string {
	if created {
		return "created"
	}

	return "existing"
}
