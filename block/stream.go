// Package block implements the BlockStream contract (spec §3/§4.A): a
// finite, thread-safe, random-access source of bytes with a known total
// size. Every higher layer in Keramics both consumes and produces a Stream.
package block

import "github.com/aarsakian/keramics/kerr"

const layer = "block"

// Stream is the universal currency of the pipeline. Implementations never
// mutate their backing and are safe for concurrent use: reads at the same
// offset must observe the same bytes (spec §5 ordering guarantees).
type Stream interface {
	// Size returns the stream's total length in bytes.
	Size() int64
	// ReadAt fills buf starting at offset, returning the number of bytes
	// read. A read entirely past Size() returns (0, nil); a read that
	// starts within range but would run past Size() returns the available
	// bytes and nil error (a partial read at EOF is not itself an error).
	ReadAt(offset int64, buf []byte) (int, error)
}

// Sub returns a SubStream clamped to [base, base+length) of s.
func Sub(s Stream, base, length int64) (*SubStream, error) {
	if base < 0 || length < 0 || base+length > s.Size() {
		return nil, kerr.New(kerr.OutOfRange, layer, base, "sub-stream range exceeds parent size")
	}
	return &SubStream{parent: s, base: base, length: length}, nil
}

// ReadFull reads exactly len(buf) bytes from s at offset, or returns
// kerr.OutOfRange/kerr.Io if fewer were available. It exists because most
// higher-layer callers want an all-or-nothing read; the raw ReadAt
// semantics (partial read at EOF) are for the rare caller that wants them.
func ReadFull(s Stream, offset int64, buf []byte) error {
	n, err := s.ReadAt(offset, buf)
	if err != nil {
		return err
	}
	if n != len(buf) {
		return kerr.New(kerr.OutOfRange, layer, offset, "short read")
	}
	return nil
}
