package filecache

import (
	"os"
	"path/filepath"

	"github.com/pkg/errors"
)

// DiskSource loads files from a directory on local disk, the same
// plain open/read the original cache used before handing bytes to its
// buffer.
type DiskSource struct {
	Root string
}

// Load reads name relative to Root in full.
func (d *DiskSource) Load(name string) ([]byte, error) {
	path := filepath.Join(d.Root, name)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "loading %s", path)
	}
	return data, nil
}
