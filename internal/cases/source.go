package cases

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/xuri/excelize/v2"
)

// Case is one test case record. It is never mutated after loading.
type Case map[string]any

// ErrUnsupportedSource is returned for dataset files that are neither
// JSON lines nor xlsx workbooks.
var ErrUnsupportedSource = errors.New("unsupported test case file")

// Load reads cases from a .jsonl file (or a directory of them) or an .xlsx sheet.
func Load(path, sheet string) ([]Case, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	switch {
	case info.IsDir(), strings.HasSuffix(path, ".jsonl"):
		return LoadJSONL(path)
	case strings.HasSuffix(path, ".xlsx"):
		return LoadXLSX(path, sheet)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedSource, path)
	}
}

// LoadJSONL reads one case per non-blank line. Directories are walked for
// .jsonl files in lexical order.
func LoadJSONL(path string) ([]Case, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if info.IsDir() {
		var files []string
		err := filepath.WalkDir(path, func(p string, d os.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if !d.IsDir() && strings.HasSuffix(p, ".jsonl") {
				files = append(files, p)
			}
			return nil
		})
		if err != nil {
			return nil, err
		}
		sort.Strings(files)
		var out []Case
		for _, f := range files {
			cs, err := LoadJSONL(f)
			if err != nil {
				return nil, err
			}
			out = append(out, cs...)
		}
		return out, nil
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var out []Case
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 16*1024*1024)
	line := 0
	for sc.Scan() {
		line++
		text := strings.TrimSpace(sc.Text())
		if text == "" {
			continue
		}
		var c Case
		if err := json.Unmarshal([]byte(text), &c); err != nil {
			return nil, fmt.Errorf("%s:%d: %w", path, line, err)
		}
		out = append(out, c)
	}
	return out, sc.Err()
}

// LoadXLSX reads a sheet whose first row holds the field names. Missing
// cells load as empty strings.
func LoadXLSX(path, sheet string) ([]Case, error) {
	f, err := excelize.OpenFile(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	if sheet == "" {
		sheet = "Sheet1"
	}
	rows, err := f.GetRows(sheet)
	if err != nil {
		return nil, fmt.Errorf("read sheet %q: %w", sheet, err)
	}
	if len(rows) == 0 {
		return nil, nil
	}

	header := rows[0]
	out := make([]Case, 0, len(rows)-1)
	for _, row := range rows[1:] {
		c := make(Case, len(header))
		for i, name := range header {
			if i < len(row) {
				c[name] = row[i]
			} else {
				c[name] = ""
			}
		}
		out = append(out, c)
	}
	return out, nil
}
