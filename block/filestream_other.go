//go:build !linux && !darwin

package block

import (
	"os"

	"github.com/aarsakian/keramics/kerr"
)

// pread falls back to os.File.ReadAt on platforms without unix.Pread
// (e.g. Windows); ReadAt is itself positioning-independent there.
func pread(fd *os.File, buf []byte, offset int64) (int, error) {
	return fd.ReadAt(buf, offset)
}

func ioError(path string, err error) error {
	return kerr.Wrap(kerr.Io, layer, -1, "read failed on "+path, err)
}
