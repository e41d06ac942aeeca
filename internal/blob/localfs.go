package blob

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
)

// LocalFS stores processed images, manifests and uploaded inputs under a
// single root directory, addressed by relative keys.
type LocalFS struct {
	Root string
}

func (l LocalFS) Put(relPath string, r io.Reader) (string, error) {
	clean := filepath.Clean(relPath)
	abs := filepath.Join(l.Root, clean)
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return "", err
	}
	f, err := os.Create(abs)
	if err != nil {
		return "", err
	}
	defer f.Close()
	if _, err := io.Copy(f, r); err != nil {
		return "", err
	}
	return clean, nil
}

func (l LocalFS) Open(relPath string) (*os.File, error) {
	clean := filepath.Clean(relPath)
	abs := filepath.Join(l.Root, clean)
	return os.Open(abs)
}

func (l LocalFS) Exists(relPath string) bool {
	clean := filepath.Clean(relPath)
	abs := filepath.Join(l.Root, clean)
	_, err := os.Stat(abs)
	return err == nil
}

// UniqueName builds a collision-resistant file name from the current time and
// a random suffix. No two writers ever target the same generated name.
func UniqueName(ext string) string {
	return fmt.Sprintf("%d-%s%s", time.Now().UnixMilli(), uuid.NewString()[:8], ext)
}
