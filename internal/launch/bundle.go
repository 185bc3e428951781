package launch

import (
	"bytes"
	"encoding/json"
	"io"
	"io/fs"
	"os"
	"sort"

	"github.com/pkg/errors"

	"github.com/bigredeye/relgate/internal/controller"
	"github.com/bigredeye/relgate/internal/storage"
	"github.com/bigredeye/relgate/pkg/targz"
)

const (
	bundleSummary = "run.json"
	bundleLogs    = "logs/"
)

// WriteBundle packs the run record and every stage log of the run into a
// tar.gz evidence bundle.
func WriteBundle(path string, run *controller.Run, logs *storage.LogStorage) error {
	summary, err := json.MarshalIndent(run, "", "  ")
	if err != nil {
		return errors.Wrap(err, "Failed to encode run")
	}

	files := []targz.File{{Name: bundleSummary, Data: summary}}
	stageLogs, err := logs.ListLogs(run.ID)
	if err != nil {
		return err
	}
	names := make([]string, 0, len(stageLogs))
	for name := range stageLogs {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		files = append(files, targz.File{Name: bundleLogs + name, Path: stageLogs[name]})
	}

	out, err := os.Create(path)
	if err != nil {
		return errors.Wrap(err, "Failed to create bundle")
	}
	if err := targz.Pack(out, files); err != nil {
		out.Close()
		return errors.Wrap(err, "Failed to pack bundle")
	}
	return errors.Wrap(out.Close(), "Failed to write bundle")
}

type BundleEntry struct {
	Name string
	Size int64
}

type Bundle struct {
	Run     *controller.Run
	Entries []BundleEntry
}

type bundleVisitor struct {
	bundle  *Bundle
	summary bytes.Buffer
}

type discard struct {
	io.Writer
}

func (discard) Close() error {
	return nil
}

func (v *bundleVisitor) VisitDirectory(name string, info fs.FileInfo) error {
	return nil
}

func (v *bundleVisitor) VisitFile(name string, info fs.FileInfo) (io.WriteCloser, error) {
	v.bundle.Entries = append(v.bundle.Entries, BundleEntry{Name: name, Size: info.Size()})
	if name == bundleSummary {
		return discard{&v.summary}, nil
	}
	return discard{io.Discard}, nil
}

func ReadBundle(path string) (*Bundle, error) {
	in, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "Failed to open bundle")
	}
	defer in.Close()

	visitor := &bundleVisitor{bundle: &Bundle{}}
	if err := targz.Extract(in, visitor); err != nil {
		return nil, errors.Wrap(err, "Failed to read bundle")
	}
	if visitor.summary.Len() == 0 {
		return nil, errors.Errorf("Bundle %s has no %s", path, bundleSummary)
	}

	run := &controller.Run{}
	if err := json.Unmarshal(visitor.summary.Bytes(), run); err != nil {
		return nil, errors.Wrap(err, "Failed to decode run")
	}
	visitor.bundle.Run = run
	return visitor.bundle, nil
}
