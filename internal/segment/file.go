package segment

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/driftdb/driftdb/internal/driftdberr"
)

// Durability controls whether an append blocks for an fdatasync before
// returning (§4.1's two durability knobs).
type Durability uint8

const (
	// FSync is the default for WAL-coordinated writes: the frame is durable
	// on disk before Append returns.
	FSync Durability = iota
	// Async allows the frame to be buffered; durability is established by
	// the caller's own subsequent sync (or by the WAL's commit sync).
	Async
)

// File is a single append-only segment file: one physical `.seg` on disk.
// It implements the Segment Store contract from §4.1 at the file level;
// Store (below) composes many Files into a rolling, per-table log.
type File struct {
	mu   sync.Mutex
	path string
	f    *os.File
	w    *bufio.Writer
	size int64 // durable bytes written so far
}

// OpenFile opens (creating if absent) the segment file at path, positioning
// for append. If the file already has content, its size is recorded but the
// content is not validated here — validation is Scan/VerifyAndFindCorruption.
func OpenFile(path string) (*File, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o644)
	if err != nil {
		return nil, driftdberr.Wrap(driftdberr.KindIO, "open segment file", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, driftdberr.Wrap(driftdberr.KindIO, "stat segment file", err)
	}
	return &File{
		path: path,
		f:    f,
		w:    bufio.NewWriter(f),
		size: info.Size(),
	}, nil
}

// Append serializes and writes event as a single frame with one write_all,
// optionally fdatasync'ing depending on durability. Returns the byte offset
// the frame was written at.
func (sf *File) Append(e *Event, durability Durability) (offset int64, err error) {
	frame, err := marshalFrame(e)
	if err != nil {
		return 0, err
	}

	sf.mu.Lock()
	defer sf.mu.Unlock()

	offset = sf.size
	if _, err := sf.w.Write(frame); err != nil {
		return 0, driftdberr.Wrap(driftdberr.KindIO, "append frame", err)
	}
	if err := sf.w.Flush(); err != nil {
		return 0, driftdberr.Wrap(driftdberr.KindIO, "flush frame", err)
	}
	sf.size += int64(len(frame))

	if durability == FSync {
		if err := sf.f.Sync(); err != nil {
			return 0, driftdberr.Wrap(driftdberr.KindIO, "fdatasync segment", err)
		}
	}
	return offset, nil
}

// Size returns the durably-known size of the segment file.
func (sf *File) Size() int64 {
	sf.mu.Lock()
	defer sf.mu.Unlock()
	return sf.size
}

// Close flushes and closes the underlying file handle.
func (sf *File) Close() error {
	sf.mu.Lock()
	defer sf.mu.Unlock()
	if err := sf.w.Flush(); err != nil {
		return err
	}
	return sf.f.Close()
}

// OpenReader returns a Reader over exactly the frames durable at the time
// of this call: a live segment reader sees a fixed snapshot of file order.
func (sf *File) OpenReader() (*Reader, error) {
	sf.mu.Lock()
	limit := sf.size
	sf.mu.Unlock()

	f, err := os.Open(sf.path)
	if err != nil {
		return nil, driftdberr.Wrap(driftdberr.KindIO, "open segment for read", err)
	}
	return &Reader{f: f, limit: limit}, nil
}

// VerifyAndFindCorruption scans the file from the start and returns the byte
// offset of the first frame whose length overruns the file or whose CRC
// does not match. It returns (0, false, nil) if the whole file is clean.
func (sf *File) VerifyAndFindCorruption() (offset int64, found bool, err error) {
	f, err := os.Open(sf.path)
	if err != nil {
		return 0, false, driftdberr.Wrap(driftdberr.KindIO, "open segment for verify", err)
	}
	defer f.Close()

	var pos int64
	for {
		ev, n, rerr := readFrame(f)
		if rerr == io.EOF {
			return 0, false, nil
		}
		if rerr != nil {
			return pos, true, nil
		}
		_ = ev
		pos += n
	}
}

// TruncateAt is the only recovery action for a corrupt tail: it cuts the
// file back to offset, discarding everything from there on. Never attempts
// to repair a frame in place.
func (sf *File) TruncateAt(offset int64) error {
	sf.mu.Lock()
	defer sf.mu.Unlock()

	if err := sf.w.Flush(); err != nil {
		return driftdberr.Wrap(driftdberr.KindIO, "flush before truncate", err)
	}
	if err := sf.f.Truncate(offset); err != nil {
		return driftdberr.Wrap(driftdberr.KindIO, "truncate segment", err)
	}
	if _, err := sf.f.Seek(offset, io.SeekStart); err != nil {
		return driftdberr.Wrap(driftdberr.KindIO, "seek after truncate", err)
	}
	sf.w = bufio.NewWriter(sf.f)
	sf.size = offset
	return nil
}

// Reader produces a lazy, finite, restartable sequence of events in file
// order, bounded to the frames durable when OpenReader was called.
type Reader struct {
	f     *os.File
	pos   int64
	limit int64
}

// Next returns the next event, or io.EOF once the reader's fixed limit is
// reached.
func (r *Reader) Next() (*Event, error) {
	if r.pos >= r.limit {
		return nil, io.EOF
	}
	ev, n, err := readFrame(r.f)
	if err != nil {
		if err == io.EOF {
			return nil, io.EOF
		}
		return nil, driftdberr.Wrap(driftdberr.KindCorruption, fmt.Sprintf("segment read at offset %d", r.pos), err)
	}
	r.pos += n
	return ev, nil
}

// Close releases the reader's file handle.
func (r *Reader) Close() error { return r.f.Close() }
