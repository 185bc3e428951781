package targz

import (
	"archive/tar"
	"compress/gzip"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"
)

type Visitor interface {
	VisitDirectory(name string, info fs.FileInfo) error
	VisitFile(name string, info fs.FileInfo) (io.WriteCloser, error)
}

func Extract(input io.Reader, visitor Visitor) error {
	gzipReader, err := gzip.NewReader(input)
	if err != nil {
		return err
	}
	defer gzipReader.Close()

	tarReader := tar.NewReader(gzipReader)

	for {
		header, err := tarReader.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return err
		}

		info := header.FileInfo()
		if info.IsDir() {
			err = visitor.VisitDirectory(header.Name, info)
			if err != nil {
				return err
			}
			continue
		}

		writer, err := visitor.VisitFile(header.Name, info)
		if err != nil {
			return err
		}

		written, err := io.Copy(writer, tarReader)
		if err != nil {
			writer.Close()
			return err
		}
		if written < header.Size {
			writer.Close()
			return fmt.Errorf("failed to write %d bytes of %s", header.Size, header.Name)
		}

		err = writer.Close()
		if err != nil {
			return err
		}
	}

	return nil
}

// File is an archive entry. Exactly one of Data and Path is used: Path is
// read from disk when Data is nil.
type File struct {
	Name string
	Data []byte
	Path string
}

func Pack(output io.Writer, files []File) error {
	gzipWriter := gzip.NewWriter(output)
	tarWriter := tar.NewWriter(gzipWriter)

	for _, file := range files {
		data := file.Data
		if data == nil && file.Path != "" {
			var err error
			data, err = os.ReadFile(file.Path)
			if err != nil {
				return err
			}
		}

		err := tarWriter.WriteHeader(&tar.Header{
			Name:    file.Name,
			Mode:    0o644,
			Size:    int64(len(data)),
			ModTime: time.Now(),
		})
		if err != nil {
			return err
		}
		if _, err := tarWriter.Write(data); err != nil {
			return err
		}
	}

	if err := tarWriter.Close(); err != nil {
		return err
	}
	return gzipWriter.Close()
}

type fsVisitor struct {
	root string
}

func (v *fsVisitor) path(name string) (string, error) {
	path := filepath.Join(v.root, filepath.FromSlash(name))
	if path != v.root && !strings.HasPrefix(path, v.root+string(filepath.Separator)) {
		return "", fmt.Errorf("entry %q escapes the target directory", name)
	}
	return path, nil
}

func (v *fsVisitor) VisitDirectory(name string, info fs.FileInfo) error {
	path, err := v.path(name)
	if err != nil {
		return err
	}
	return os.MkdirAll(path, 0o755)
}

func (v *fsVisitor) VisitFile(name string, info fs.FileInfo) (io.WriteCloser, error) {
	path, err := v.path(name)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	return os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, info.Mode().Perm())
}

func ExtractToDir(input io.Reader, path string) error {
	root, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	err = os.MkdirAll(root, 0o755)
	if err != nil {
		return err
	}

	return Extract(input, &fsVisitor{root: filepath.Clean(root)})
}
