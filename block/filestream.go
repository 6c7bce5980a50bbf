package block

import (
	"fmt"
	"os"

	"github.com/aarsakian/keramics/klog"
)

var fileLog = klog.New("block.file")

// FileStream wraps an OS file as a Stream of fixed length. Concurrent
// readers share one *os.File via a positioning-independent pread (see
// filestream_unix.go / filestream_other.go), so no internal mutex is
// needed: the kernel serializes the actual I/O per spec §4.A.
type FileStream struct {
	path string
	fd   *os.File
	size int64
}

// OpenFile opens path for read-only random access.
func OpenFile(path string) (*FileStream, error) {
	fd, err := os.Open(path)
	if err != nil {
		return nil, wrapIoErr(path, err)
	}
	info, err := fd.Stat()
	if err != nil {
		fd.Close()
		return nil, wrapIoErr(path, err)
	}
	return &FileStream{path: path, fd: fd, size: info.Size()}, nil
}

func (f *FileStream) Size() int64 { return f.size }

func (f *FileStream) Close() error { return f.fd.Close() }

// ReadAt reads into buf at offset, retrying on short reads and aggregating
// the result, per spec §4.A. A read starting past Size() returns 0, nil;
// a read starting within range that runs past Size() returns the bytes
// actually available.
func (f *FileStream) ReadAt(offset int64, buf []byte) (int, error) {
	if offset >= f.size {
		return 0, nil
	}
	want := len(buf)
	if offset+int64(want) > f.size {
		want = int(f.size - offset)
	}
	total := 0
	for total < want {
		n, err := pread(f.fd, buf[total:want], offset+int64(total))
		if n > 0 {
			total += n
		}
		if err != nil {
			if total > 0 {
				break
			}
			return total, wrapIoErr(f.path, err)
		}
		if n == 0 {
			break
		}
	}
	return total, nil
}

func wrapIoErr(path string, err error) error {
	fileLog.Error(fmt.Sprintf("io error on %s: %v", path, err))
	return ioError(path, err)
}
