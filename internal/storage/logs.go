package storage

import (
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
)

// LogStorage keeps the combined output of every executed stage, one file per
// stage under a per-run directory.
type LogStorage struct {
	BaseDir string
}

func NewLogStorage(baseDir string) *LogStorage {
	return &LogStorage{BaseDir: baseDir}
}

func (ls *LogStorage) RunDir(runID string) string {
	return filepath.Join(ls.BaseDir, sanitize(runID, "run"))
}

// SaveLog writes output for the stage and returns the file path.
func (ls *LogStorage) SaveLog(runID, stage string, output []byte) (string, error) {
	dir := ls.RunDir(runID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", errors.Wrap(err, "Failed to create log directory")
	}

	path := filepath.Join(dir, sanitize(stage, "stage")+".log")
	if err := os.WriteFile(path, output, 0o644); err != nil {
		return "", errors.Wrap(err, "Failed to write stage log")
	}
	return path, nil
}

// ListLogs returns log files of the run keyed by their base name.
func (ls *LogStorage) ListLogs(runID string) (map[string]string, error) {
	entries, err := os.ReadDir(ls.RunDir(runID))
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]string{}, nil
		}
		return nil, errors.Wrap(err, "Failed to list stage logs")
	}

	logs := make(map[string]string, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".log") {
			continue
		}
		logs[entry.Name()] = filepath.Join(ls.RunDir(runID), entry.Name())
	}
	return logs, nil
}

// sanitize removes characters that are unsafe in file names. Names that
// change get a hash of the original, so distinct names never share a file.
func sanitize(name, fallback string) string {
	clean := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			return r
		default:
			return -1
		}
	}, name)
	clean = strings.Trim(clean, ".")
	if clean == "" {
		clean = fallback
	}
	if clean != name {
		h := fnv.New32a()
		_, _ = h.Write([]byte(name))
		clean = fmt.Sprintf("%s-%08x", clean, h.Sum32())
	}
	return clean
}
