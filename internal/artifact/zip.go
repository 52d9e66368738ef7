package artifact

import (
	"archive/zip"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/rdvflow/engine/internal/domain"
)

// BuildZip assembles outPath from the files named in m, resolved relative
// to dir. Files are added in a fixed order — success parts, error parts,
// logs, then the manifest — using Deflate compression. A named file that
// does not exist is skipped silently: a shard list may reference a shard
// that ended up with zero rows and was therefore never created.
func BuildZip(dir, outPath string, m domain.ManifestFiles) error {
	f, err := os.Create(outPath)
	if err != nil {
		return fmt.Errorf("artifact: create zip: %w", err)
	}
	defer f.Close()

	zw := zip.NewWriter(f)

	var names []string
	names = append(names, m.SuccessParts...)
	names = append(names, m.ErrorParts...)
	names = append(names, m.Logs...)
	if m.Manifest != "" {
		names = append(names, m.Manifest)
	}

	for _, name := range names {
		if err := addFileToZip(zw, dir, name); err != nil {
			zw.Close()
			return err
		}
	}

	if err := zw.Close(); err != nil {
		return fmt.Errorf("artifact: finalize zip: %w", err)
	}
	return nil
}

func addFileToZip(zw *zip.Writer, dir, name string) error {
	src, err := os.Open(filepath.Join(dir, name))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("artifact: open %s for zip: %w", name, err)
	}
	defer src.Close()

	w, err := zw.CreateHeader(&zip.FileHeader{
		Name:   name,
		Method: zip.Deflate,
	})
	if err != nil {
		return fmt.Errorf("artifact: add zip entry %s: %w", name, err)
	}
	if _, err := io.Copy(w, src); err != nil {
		return fmt.Errorf("artifact: copy %s into zip: %w", name, err)
	}
	return nil
}
