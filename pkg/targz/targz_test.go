package targz

import (
	"bytes"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
)

type memoryVisitor struct {
	files map[string]*bytes.Buffer
}

type nopCloser struct {
	io.Writer
}

func (nopCloser) Close() error {
	return nil
}

func (v *memoryVisitor) VisitDirectory(name string, info fs.FileInfo) error {
	return nil
}

func (v *memoryVisitor) VisitFile(name string, info fs.FileInfo) (io.WriteCloser, error) {
	buf := &bytes.Buffer{}
	v.files[name] = buf
	return nopCloser{buf}, nil
}

func TestPackExtract(t *testing.T) {
	dir := t.TempDir()
	logPath := filepath.Join(dir, "lint.log")
	if err := os.WriteFile(logPath, []byte("all good\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	archive := &bytes.Buffer{}
	err := Pack(archive, []File{
		{Name: "summary.json", Data: []byte(`{"state":"denied"}`)},
		{Name: "logs/lint.log", Path: logPath},
	})
	if err != nil {
		t.Fatalf("Failed to pack: %v", err)
	}

	visitor := &memoryVisitor{files: make(map[string]*bytes.Buffer)}
	if err := Extract(bytes.NewReader(archive.Bytes()), visitor); err != nil {
		t.Fatalf("Failed to extract: %v", err)
	}

	got := make(map[string]string)
	for name, buf := range visitor.files {
		got[name] = buf.String()
	}
	expected := map[string]string{
		"summary.json":  `{"state":"denied"}`,
		"logs/lint.log": "all good\n",
	}
	if diff := cmp.Diff(expected, got); diff != "" {
		t.Fatalf("Unexpected archive contents (-want +got):\n%s", diff)
	}

	out := filepath.Join(dir, "out")
	if err := ExtractToDir(bytes.NewReader(archive.Bytes()), out); err != nil {
		t.Fatalf("Failed to extract to dir: %v", err)
	}
	data, err := os.ReadFile(filepath.Join(out, "logs", "lint.log"))
	if err != nil {
		t.Fatalf("Failed to read extracted file: %v", err)
	}
	if string(data) != "all good\n" {
		t.Fatalf("Unexpected extracted data %q", data)
	}
}

func TestExtractRejectsEscapingEntries(t *testing.T) {
	archive := &bytes.Buffer{}
	if err := Pack(archive, []File{{Name: "../evil", Data: []byte("x")}}); err != nil {
		t.Fatalf("Failed to pack: %v", err)
	}
	if err := ExtractToDir(archive, t.TempDir()); err == nil {
		t.Fatalf("Expected an error for an escaping entry")
	}
}
