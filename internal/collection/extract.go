package collection

import (
	"archive/tar"
	"compress/gzip"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/patternservice/patternd/internal/failure"
)

// ErrArchiveTooLarge is returned when extracted content exceeds the limit.
var ErrArchiveTooLarge = errors.New("collection archive exceeds size limit")

// extractTarGz unpacks a gzip-compressed tar stream under dest. Regular
// files and directories are written; links, devices and FIFOs are skipped.
// Entries that would land outside dest are rejected.
func extractTarGz(r io.Reader, dest string, maxBytes int64) error {
	gz, err := gzip.NewReader(r)
	if err != nil {
		return failure.Wrap(failure.KindTransport, "open collection archive", err)
	}
	defer gz.Close()
	if err := os.MkdirAll(dest, 0o700); err != nil {
		return fmt.Errorf("create extract dir: %w", err)
	}

	var written int64
	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if errors.Is(err, tar.ErrInsecurePath) {
			return failure.Wrap(failure.KindValidation, "read collection archive", err)
		}
		if err != nil {
			return failure.Wrap(failure.KindTransport, "read collection archive", err)
		}
		target, err := safeJoin(dest, hdr.Name)
		if err != nil {
			return err
		}
		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0o700); err != nil {
				return fmt.Errorf("create %s: %w", hdr.Name, err)
			}
		case tar.TypeReg:
			if maxBytes > 0 && hdr.Size > maxBytes-written {
				return failure.Wrap(failure.KindValidation, "", fmt.Errorf("%w (%d bytes)", ErrArchiveTooLarge, maxBytes))
			}
			n, err := writeFile(target, tr, hdr.Size)
			written += n
			if err != nil {
				return fmt.Errorf("extract %s: %w", hdr.Name, err)
			}
		default:
			// Symlinks, hard links, devices and FIFOs are not extracted.
		}
	}
}

func writeFile(target string, r io.Reader, size int64) (int64, error) {
	if err := os.MkdirAll(filepath.Dir(target), 0o700); err != nil {
		return 0, err
	}
	f, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return 0, err
	}
	n, copyErr := io.CopyN(f, r, size)
	closeErr := f.Close()
	if copyErr != nil {
		return n, copyErr
	}
	return n, closeErr
}

// safeJoin resolves name under root, refusing absolute paths and any path
// that climbs out of root.
func safeJoin(root, name string) (string, error) {
	if name == "" || filepath.IsAbs(name) || strings.HasPrefix(name, "/") || strings.HasPrefix(name, `\`) {
		return "", failure.Newf(failure.KindValidation, "archive entry %q has an absolute path", name)
	}
	cleaned := filepath.Clean(filepath.FromSlash(name))
	if cleaned == ".." || strings.HasPrefix(cleaned, ".."+string(filepath.Separator)) {
		return "", failure.Newf(failure.KindValidation, "archive entry %q escapes the extraction directory", name)
	}
	return filepath.Join(root, cleaned), nil
}
