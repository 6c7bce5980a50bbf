//go:build linux || darwin

package block

import (
	"os"

	"golang.org/x/sys/unix"

	"github.com/aarsakian/keramics/kerr"
)

// pread issues a positioning-independent read, the primitive spec §4.A
// calls for so concurrent readers of the same FileStream never race on a
// shared cursor. This is the Unix counterpart of the teacher's Windows
// leaf (readers.WindowsReader), which already depends on golang.org/x/sys
// for its own raw-handle reads; we reuse that dependency here instead of
// os.File.ReadAt so the loop below retries EINTR itself rather than
// trusting the stdlib wrapper's retry behavior.
func pread(fd *os.File, buf []byte, offset int64) (int, error) {
	for {
		n, err := unix.Pread(int(fd.Fd()), buf, offset)
		if err == unix.EINTR {
			continue
		}
		return n, err
	}
}

func ioError(path string, err error) error {
	return kerr.Wrap(kerr.Io, layer, -1, "read failed on "+path, err)
}
