package extract

import (
	"bufio"
	"os"

	"github.com/pkg/errors"
)

// Report writes the TSV status files the compare and extract commands emit.
type Report struct {
	f *os.File
	w *bufio.Writer
}

// NewReport creates the file and writes the header row.
func NewReport(path string) (*Report, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, errors.Wrapf(err, "create report %s", path)
	}
	r := &Report{f: f, w: bufio.NewWriter(f)}
	if _, err := r.w.WriteString("status\tpath\n"); err != nil {
		_ = f.Close()
		return nil, err
	}
	return r, nil
}

// Add appends one row. A failure status already carries its reason as
// "failed\t<reason>".
func (r *Report) Add(status, path string) {
	if r == nil {
		return
	}
	_, _ = r.w.WriteString(status)
	_ = r.w.WriteByte('\t')
	_, _ = r.w.WriteString(path)
	_ = r.w.WriteByte('\n')
}

// Close flushes and closes the file.
func (r *Report) Close() error {
	if r == nil {
		return nil
	}
	if err := r.w.Flush(); err != nil {
		_ = r.f.Close()
		return err
	}
	return r.f.Close()
}
