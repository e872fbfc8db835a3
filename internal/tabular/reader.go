// Package tabular reads source exports (tab or comma delimited text, plain
// or gzipped, and XLSX workbooks) into rows keyed by column name.
package tabular

import (
	"bufio"
	"compress/gzip"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// rowNamespace scopes the name-based ids of rows.
var rowNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("https://graphkb.bcgsc.ca/rows"))

// Row is one data line keyed by header column.
type Row map[string]string

// Get returns the trimmed value of column, "" when absent.
func (r Row) Get(column string) string {
	return strings.TrimSpace(r[column])
}

// Hash returns a stable id for the row content, for sources whose records
// carry no identifier of their own.
func (r Row) Hash() string {
	// encoding/json sorts map keys
	data, _ := json.Marshal(map[string]string(r))
	return uuid.NewSHA1(rowNamespace, data).String()
}

// Options configures a delimited-text Reader.
type Options struct {
	// Delimiter separates fields; defaults to a tab.
	Delimiter string
	// Columns names the fields of a file without a header line.
	Columns []string
	// Comment prefixes skipped lines; defaults to "##".
	Comment string
}

// Reader reads rows from delimited text.
type Reader struct {
	reader     *bufio.Reader
	file       *os.File
	gzipReader *gzip.Reader
	opts       Options
	lineNumber int
	columns    []string
}

// NewReader opens a delimited file. Gzipped files are detected by their
// magic bytes.
func NewReader(path string, opts Options) (*Reader, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", filepath.Base(path), err)
	}

	r := &Reader{file: file}
	buffered := bufio.NewReader(file)
	magic, err := buffered.Peek(2)
	if err == nil && magic[0] == 0x1f && magic[1] == 0x8b {
		r.gzipReader, err = gzip.NewReader(buffered)
		if err != nil {
			file.Close()
			return nil, fmt.Errorf("create gzip reader: %w", err)
		}
		buffered = bufio.NewReader(r.gzipReader)
	}
	if err := r.init(buffered, opts); err != nil {
		r.Close()
		return nil, err
	}
	return r, nil
}

// NewReaderFrom reads delimited text from an io.Reader.
func NewReaderFrom(in io.Reader, opts Options) (*Reader, error) {
	r := &Reader{}
	if err := r.init(bufio.NewReader(in), opts); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *Reader) init(in *bufio.Reader, opts Options) error {
	if opts.Delimiter == "" {
		opts.Delimiter = "\t"
	}
	if opts.Comment == "" {
		opts.Comment = "##"
	}
	r.reader = in
	r.opts = opts
	if len(opts.Columns) > 0 {
		r.columns = opts.Columns
		return nil
	}
	return r.parseHeader()
}

// parseHeader reads the first non-comment line as column names.
func (r *Reader) parseHeader() error {
	line, err := r.nextLine()
	if err == io.EOF {
		return &ParseError{Line: r.lineNumber, Message: "no header line found"}
	}
	if err != nil {
		return err
	}
	columns := strings.Split(line, r.opts.Delimiter)
	seen := make(map[string]bool, len(columns))
	for i, col := range columns {
		col = strings.TrimSpace(col)
		if seen[col] {
			return &ParseError{Line: r.lineNumber, Message: fmt.Sprintf("duplicate column %q", col)}
		}
		seen[col] = true
		columns[i] = col
	}
	r.columns = columns
	return nil
}

// nextLine returns the next line that is neither blank nor a comment.
func (r *Reader) nextLine() (string, error) {
	for {
		line, err := r.reader.ReadString('\n')
		if err != nil && (err != io.EOF || line == "") {
			if err == io.EOF {
				return "", io.EOF
			}
			return "", fmt.Errorf("read line %d: %w", r.lineNumber+1, err)
		}
		r.lineNumber++

		line = strings.TrimRight(line, "\r\n")
		if strings.TrimSpace(line) == "" || strings.HasPrefix(line, r.opts.Comment) {
			continue
		}
		return line, nil
	}
}

// Next reads the next row. Returns nil, nil when there are no more rows.
func (r *Reader) Next() (Row, error) {
	line, err := r.nextLine()
	if err == io.EOF {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	fields := strings.Split(line, r.opts.Delimiter)
	if len(fields) > len(r.columns) {
		return nil, &ParseError{
			Line:    r.lineNumber,
			Message: fmt.Sprintf("expected %d columns, found %d", len(r.columns), len(fields)),
		}
	}
	row := make(Row, len(r.columns))
	for i, col := range r.columns {
		if i < len(fields) {
			row[col] = fields[i]
		} else {
			row[col] = ""
		}
	}
	return row, nil
}

// Columns returns the column names.
func (r *Reader) Columns() []string {
	return r.columns
}

// LineNumber returns the current line number being processed.
func (r *Reader) LineNumber() int {
	return r.lineNumber
}

// Close closes the underlying file.
func (r *Reader) Close() error {
	if r.gzipReader != nil {
		r.gzipReader.Close()
	}
	if r.file != nil {
		return r.file.Close()
	}
	return nil
}

// ReadFile reads every row of path. XLSX workbooks are read from their
// first sheet; other files are parsed as delimited text.
func ReadFile(path string, opts Options) ([]Row, error) {
	if strings.EqualFold(filepath.Ext(path), ".xlsx") {
		return ReadXLSX(path, "")
	}
	r, err := NewReader(path, opts)
	if err != nil {
		return nil, err
	}
	defer r.Close()

	var rows []Row
	for {
		row, err := r.Next()
		if err != nil {
			return nil, err
		}
		if row == nil {
			return rows, nil
		}
		rows = append(rows, row)
	}
}

// ParseError represents an error during parsing with line context.
type ParseError struct {
	Line    int
	Message string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse error at line %d: %s", e.Line, e.Message)
}
