// Reads and writes tables as CSV text.

package tabular

import (
	"bufio"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-git/go-billy/v5"
	"github.com/maruel/ksid"
)

const utf8BOM = "\ufeff"

// Read parses CSV text with a header row. Every cell is kept as text; when
// validate is true the rows are then typed and checked by the schema.
func Read(r io.Reader, schema *Schema, validate bool) (*Table, error) {
	cr := csv.NewReader(bufio.NewReader(r))
	header, err := cr.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, &FormatError{Err: errors.New("no header row")}
		}
		return nil, readError(err)
	}
	header[0] = strings.TrimPrefix(header[0], utf8BOM)
	seen := make(map[string]bool, len(header))
	for _, h := range header {
		if seen[h] {
			return nil, &FormatError{Err: fmt.Errorf("duplicate column %q", h)}
		}
		seen[h] = true
	}

	t := &Table{schema: schema, columns: header, rows: []Row{}}
	for {
		cells, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, readError(err)
		}
		row := make(Row, len(header))
		for i, h := range header {
			row[h] = cells[i]
		}
		t.rows = append(t.rows, row)
	}

	// Empty tables still expose every schema field as a column.
	if len(t.rows) == 0 {
		for _, f := range schema.Fields {
			if !seen[f.Name] {
				t.columns = append(t.columns, f.Name)
			}
		}
	}
	if validate {
		return t.Validate()
	}
	return t, nil
}

// readError keeps I/O failures distinct from malformed content.
func readError(err error) error {
	var pe *csv.ParseError
	if errors.As(err, &pe) {
		return &FormatError{Err: err}
	}
	return err
}

// Load reads a CSV file from fsys. See Read.
func Load(fsys billy.Basic, path string, schema *Schema, validate bool) (*Table, error) {
	f, err := fsys.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer func() {
		_ = f.Close()
	}()
	t, err := Read(f, schema, validate)
	if err != nil {
		return nil, fmt.Errorf("failed to load %s: %w", path, err)
	}
	return t, nil
}

// Write writes the table as CSV with a header row.
func (t *Table) Write(w io.Writer) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(t.columns); err != nil {
		return fmt.Errorf("failed to write header: %w", err)
	}
	cells := make([]string, len(t.columns))
	for _, r := range t.rows {
		for i, c := range t.columns {
			cells[i] = FormatValue(r[c])
		}
		if err := cw.Write(cells); err != nil {
			return fmt.Errorf("failed to write row: %w", err)
		}
	}
	cw.Flush()
	if err := cw.Error(); err != nil {
		return fmt.Errorf("failed to flush writer: %w", err)
	}
	return nil
}

// Save writes the table to path, replacing any existing file. Readers never
// observe a partially written file.
func (t *Table) Save(fsys billy.Filesystem, path string) error {
	return writeAtomic(fsys, path, t, 0o644)
}

// writeAtomic writes to a temporary file in the destination directory and
// renames it into place.
func writeAtomic(fsys billy.Filesystem, path string, t *Table, perm os.FileMode) error {
	dir := filepath.Dir(path)
	if err := fsys.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create directory for %s: %w", path, err)
	}
	tmp := fsys.Join(dir, "."+filepath.Base(path)+".tmp-"+ksid.NewID().String())
	f, err := fsys.OpenFile(tmp, os.O_CREATE|os.O_EXCL|os.O_WRONLY, perm)
	if err != nil {
		return fmt.Errorf("failed to create temporary file for %s: %w", path, err)
	}
	w := bufio.NewWriter(f)
	err = t.Write(w)
	if err == nil {
		err = w.Flush()
	}
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err == nil {
		err = fsys.Rename(tmp, path)
	}
	if err != nil {
		_ = fsys.Remove(tmp)
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return nil
}

// chmod applies mode when the filesystem supports permission changes, which
// overrides the process umask.
func chmod(fsys billy.Filesystem, path string, mode os.FileMode) error {
	if c, ok := fsys.(billy.Change); ok {
		return c.Chmod(path, mode)
	}
	return nil
}
