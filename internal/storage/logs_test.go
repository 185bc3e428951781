package storage

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestSaveLog(t *testing.T) {
	ls := NewLogStorage(t.TempDir())

	path, err := ls.SaveLog("run-1", "image scan/x", []byte("hello"))
	if err != nil {
		t.Fatalf("Failed to save log: %v", err)
	}
	if filepath.Dir(path) != ls.RunDir("run-1") {
		t.Fatalf("Log escaped run dir: %s", path)
	}
	if !strings.HasPrefix(filepath.Base(path), "imagescanx-") {
		t.Fatalf("Unexpected log name: %s", filepath.Base(path))
	}

	data, err := os.ReadFile(path)
	if err != nil || string(data) != "hello" {
		t.Fatalf("Unexpected log content %q: %v", data, err)
	}

	logs, err := ls.ListLogs("run-1")
	if err != nil {
		t.Fatalf("Failed to list logs: %v", err)
	}
	if logs[filepath.Base(path)] != path {
		t.Fatalf("Log not listed: %+v", logs)
	}
}

func TestListLogsMissingRun(t *testing.T) {
	ls := NewLogStorage(t.TempDir())
	logs, err := ls.ListLogs("nope")
	if err != nil || len(logs) != 0 {
		t.Fatalf("Expected no logs, got %+v, %v", logs, err)
	}
}

func TestSanitize(t *testing.T) {
	cases := map[string]string{
		"lint":      "lint",
		"sec-ret_1": "sec-ret_1",
		"../..":     "stage-",
		"":          "stage-",
		"a b/c":     "abc-",
	}
	for in, prefix := range cases {
		got := sanitize(in, "stage")
		if in == prefix && got != in {
			t.Fatalf("sanitize(%q) = %q, expected it unchanged", in, got)
		}
		if !strings.HasPrefix(got, prefix) {
			t.Fatalf("sanitize(%q) = %q, expected prefix %q", in, got, prefix)
		}
	}
}

func TestDistinctStagesKeepDistinctLogs(t *testing.T) {
	ls := NewLogStorage(t.TempDir())

	slashed, err := ls.SaveLog("run-1", "a/b", []byte("first"))
	if err != nil {
		t.Fatalf("Failed to save log: %v", err)
	}
	plain, err := ls.SaveLog("run-1", "ab", []byte("second"))
	if err != nil {
		t.Fatalf("Failed to save log: %v", err)
	}
	if slashed == plain {
		t.Fatalf("Stages a/b and ab share log %s", plain)
	}

	data, err := os.ReadFile(slashed)
	if err != nil || string(data) != "first" {
		t.Fatalf("Log of a/b was overwritten: %q, %v", data, err)
	}
	logs, err := ls.ListLogs("run-1")
	if err != nil || len(logs) != 2 {
		t.Fatalf("Expected two logs, got %+v, %v", logs, err)
	}
}
