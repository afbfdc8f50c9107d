package record

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// maxLineSize bounds a single NDJSON line. Longer lines are skipped.
const maxLineSize = 4 << 20

// ReadNDJSON reads line-delimited records from r. Blank lines are skipped.
// Lines that are not JSON objects, lack RECORD_ID or exceed maxLineSize are
// logged and skipped, never fatal. Only I/O errors are returned.
func ReadNDJSON(r io.Reader, source string) ([]Record, error) {
	br := bufio.NewReaderSize(r, 64*1024)

	var (
		out     []Record
		buf     []byte
		tooLong bool
		lineNo  int
	)
	for {
		chunk, err := br.ReadSlice('\n')
		switch {
		case tooLong:
		case len(buf)+len(chunk) > maxLineSize:
			tooLong = true
			buf = buf[:0]
		default:
			buf = append(buf, chunk...)
		}
		if errors.Is(err, bufio.ErrBufferFull) {
			continue
		}
		if err != nil && !errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("read %s: %w", source, err)
		}
		atEOF := err != nil
		if atEOF && len(buf) == 0 && !tooLong {
			break
		}

		lineNo++
		if tooLong {
			slog.Warn("skipping over-long record line", "source", source, "line", lineNo, "limit", maxLineSize)
		} else if line := bytes.TrimSpace(buf); len(line) > 0 {
			if rec, err := Parse(line); err != nil {
				if errors.Is(err, ErrMissingID) {
					slog.Debug("skipping record without id", "source", source, "line", lineNo)
				} else {
					slog.Warn("skipping invalid record line", "source", source, "line", lineNo, "error", err)
				}
			} else {
				out = append(out, rec)
			}
		}
		buf, tooLong = buf[:0], false
		if atEOF {
			break
		}
	}
	return out, nil
}

// ScanDir reads every *.ndjson file in dir, in lexical file name order.
// A missing directory yields no records.
func ScanDir(dir string) ([]Record, error) {
	entries, err := os.ReadDir(dir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan %s: %w", dir, err)
	}

	var names []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".ndjson") {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)

	var out []Record
	for _, name := range names {
		path := filepath.Join(dir, name)
		recs, err := readFile(path)
		if err != nil {
			return nil, err
		}
		out = append(out, recs...)
	}
	return out, nil
}

func readFile(path string) ([]Record, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()
	return ReadNDJSON(f, path)
}
