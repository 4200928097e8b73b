package store

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/pkg/errors"
)

const (
	MaxJSONLSize = 4 << 20
	MaxRotations = 3
	maxLineSize  = 1 << 20
)

var jsonlMu sync.Mutex

// AppendJSONL appends rec as one JSON line, rotating path to path.1 ...
// path.MaxRotations once it grows past MaxJSONLSize.
func AppendJSONL(path string, rec any) error {
	line, err := json.Marshal(rec)
	if err != nil {
		return errors.Wrap(err, "marshal jsonl record")
	}
	line = append(line, '\n')

	jsonlMu.Lock()
	defer jsonlMu.Unlock()
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	if st, err := os.Stat(path); err == nil && st.Size()+int64(len(line)) > MaxJSONLSize {
		if err := rotate(path); err != nil {
			return err
		}
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0600)
	if err != nil {
		return err
	}
	defer f.Close()
	if _, err := f.Write(line); err != nil {
		return err
	}
	return syncFile(f)
}

func rotate(path string) error {
	_ = os.Remove(fmt.Sprintf("%s.%d", path, MaxRotations))
	for i := MaxRotations - 1; i >= 1; i-- {
		from := fmt.Sprintf("%s.%d", path, i)
		if _, err := os.Stat(from); err == nil {
			if err := os.Rename(from, fmt.Sprintf("%s.%d", path, i+1)); err != nil {
				return err
			}
		}
	}
	if err := os.Rename(path, path+".1"); err != nil {
		return err
	}
	syncDir(path)
	return nil
}

// ScanPaths lists the rotated files oldest first, ending with path itself.
func ScanPaths(path string) []string {
	out := make([]string, 0, MaxRotations+1)
	for i := MaxRotations; i >= 1; i-- {
		out = append(out, fmt.Sprintf("%s.%d", path, i))
	}
	return append(out, path)
}

// ReadLastJSONL returns up to n of the most recent lines across rotations.
func ReadLastJSONL(path string, n int) ([][]byte, error) {
	if n <= 0 {
		return nil, nil
	}
	out := make([][]byte, 0, n)
	for _, p := range ScanPaths(path) {
		f, err := os.Open(p)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, err
		}
		sc := bufio.NewScanner(f)
		sc.Buffer(make([]byte, 0, 64*1024), maxLineSize)
		for sc.Scan() {
			line := append([]byte(nil), sc.Bytes()...)
			if len(out) < n {
				out = append(out, line)
			} else {
				copy(out, out[1:])
				out[n-1] = line
			}
		}
		if err := sc.Err(); err != nil {
			_ = f.Close()
			return nil, err
		}
		_ = f.Close()
	}
	return out, nil
}
