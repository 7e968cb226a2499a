package pipeline

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/rakunlabs/opennotebook/internal/apperr"
)

// uploadReadBufSize bounds each read from the incoming upload stream,
// mirroring the teacher's small fixed-buffer command execution loop rather
// than pulling the whole upload into memory at once.
const uploadReadBufSize = 8 * 1024

// SaveUpload writes an incoming upload under dir, resolving filename
// collisions by appending " (N)" before the extension — "report.pdf",
// "report (1).pdf", "report (2).pdf", ... — rather than overwriting an
// existing file of the same name. Returns the path it wrote to.
func SaveUpload(dir, filename string, r io.Reader) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", apperr.Wrap(apperr.Transient, err, "create upload directory")
	}

	path := uniquePath(dir, filename)

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return "", apperr.Wrap(apperr.Transient, err, "create upload file")
	}
	defer f.Close()

	buf := make([]byte, uploadReadBufSize)
	for {
		n, readErr := r.Read(buf)
		if n > 0 {
			if _, writeErr := f.Write(buf[:n]); writeErr != nil {
				os.Remove(path)
				return "", apperr.Wrap(apperr.Transient, writeErr, "write upload file")
			}
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			os.Remove(path)
			return "", apperr.Wrap(apperr.Transient, readErr, "read upload stream")
		}
	}

	return path, nil
}

// uniquePath finds the first unused "name (N).ext" path in dir, trying the
// bare filename first.
func uniquePath(dir, filename string) string {
	ext := filepath.Ext(filename)
	base := strings.TrimSuffix(filename, ext)

	candidate := filepath.Join(dir, filename)
	for n := 1; ; n++ {
		if _, err := os.Stat(candidate); os.IsNotExist(err) {
			return candidate
		}
		candidate = filepath.Join(dir, fmt.Sprintf("%s (%d)%s", base, n, ext))
	}
}
