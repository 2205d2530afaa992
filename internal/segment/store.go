package segment

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/driftdb/driftdb/internal/driftdberr"
	"github.com/driftdb/driftdb/internal/driftlog"
)

// segmentIDWidth is the digit count of the zero-padded numeric stem described in §6:
// segments are totally ordered by filename within a table directory.
const segmentIDWidth = 20

func segmentFileName(id uint64) string {
	return fmt.Sprintf("%0*d.seg", segmentIDWidth, id)
}

func parseSegmentID(name string) (uint64, bool) {
	stem := strings.TrimSuffix(name, ".seg")
	if stem == name || len(stem) != segmentIDWidth {
		return 0, false
	}
	id, err := strconv.ParseUint(stem, 10, 64)
	if err != nil {
		return 0, false
	}
	return id, true
}

// Store is the append-only, rolling event log for a single table: many
// Files composed behind a single Append/Scan/Verify/Truncate surface, with
// the roll policy from §4.1 (roll when the post-append size exceeds
// segmentMaxBytes, preserving sequence continuity across the roll).
type Store struct {
	mu              sync.Mutex
	dir             string
	segmentMaxBytes int64

	segmentIDs []uint64 // ascending, totally ordered
	current    *File
	currentID  uint64
}

// Open opens (or creates) the segment store rooted at dir, discovering any
// existing segment files and opening the newest one for append.
func Open(dir string, segmentMaxBytes int64) (*Store, error) {
	if segmentMaxBytes <= 0 {
		segmentMaxBytes = 64 * 1024 * 1024
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, driftdberr.Wrap(driftdberr.KindIO, "create segment dir", err)
	}

	s := &Store{dir: dir, segmentMaxBytes: segmentMaxBytes}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, driftdberr.Wrap(driftdberr.KindIO, "list segment dir", err)
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if id, ok := parseSegmentID(e.Name()); ok {
			s.segmentIDs = append(s.segmentIDs, id)
		}
	}
	sort.Slice(s.segmentIDs, func(i, j int) bool { return s.segmentIDs[i] < s.segmentIDs[j] })

	var openID uint64 = 1
	if len(s.segmentIDs) > 0 {
		openID = s.segmentIDs[len(s.segmentIDs)-1]
	} else {
		s.segmentIDs = append(s.segmentIDs, openID)
	}

	f, err := OpenFile(filepath.Join(dir, segmentFileName(openID)))
	if err != nil {
		return nil, err
	}
	s.current = f
	s.currentID = openID
	return s, nil
}

// Append writes event to the current segment, first rolling to a new
// segment if the current one has already reached segmentMaxBytes; a single
// append can therefore take a segment past the threshold. Sequence
// continuity is preserved across the roll: the event is always written,
// never split.
func (s *Store) Append(e *Event, durability Durability) (offset int64, segmentID uint64, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.current.Size() > 0 && s.current.Size() >= s.segmentMaxBytes {
		if err := s.rollLocked(); err != nil {
			return 0, 0, err
		}
	}

	off, err := s.current.Append(e, durability)
	if err != nil {
		return 0, 0, err
	}

	if s.current.Size() >= s.segmentMaxBytes {
		driftlog.For("segment").Debug().
			Uint64("segment_id", s.currentID).
			Int64("size", s.current.Size()).
			Msg("segment reached roll threshold, will roll before next append")
	}

	return off, s.currentID, nil
}

func (s *Store) rollLocked() error {
	if err := s.current.Close(); err != nil {
		return driftdberr.Wrap(driftdberr.KindIO, "seal segment before roll", err)
	}
	nextID := s.currentID + 1
	f, err := OpenFile(filepath.Join(s.dir, segmentFileName(nextID)))
	if err != nil {
		return err
	}
	s.segmentIDs = append(s.segmentIDs, nextID)
	s.current = f
	s.currentID = nextID
	driftlog.For("segment").Info().Uint64("segment_id", nextID).Msg("rolled to new segment")
	return nil
}

// SegmentIDs returns the totally-ordered set of segment ids currently on
// disk for this table, oldest first.
func (s *Store) SegmentIDs() []uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]uint64, len(s.segmentIDs))
	copy(out, s.segmentIDs)
	return out
}

// OpenSegmentReader opens a Reader over a specific (possibly sealed)
// segment id. Readers over the live (current) segment see exactly the
// frames durable at construction time.
func (s *Store) OpenSegmentReader(id uint64) (*Reader, error) {
	s.mu.Lock()
	isCurrent := id == s.currentID
	cur := s.current
	s.mu.Unlock()

	if isCurrent {
		return cur.OpenReader()
	}
	f, err := os.Open(filepath.Join(s.dir, segmentFileName(id)))
	if err != nil {
		return nil, driftdberr.Wrap(driftdberr.KindIO, "open sealed segment", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, driftdberr.Wrap(driftdberr.KindIO, "stat sealed segment", err)
	}
	return &Reader{f: f, limit: info.Size()}, nil
}

// ScanAll calls fn for every event across every segment in file order
// whose Sequence is at least fromSequence, stopping at the first error fn
// returns. It is the
// primitive both time-travel replay (§4.3/§4.6) and crash recovery (§4.7)
// build on.
func (s *Store) ScanAll(fromSequence uint64, fn func(*Event) error) error {
	for _, id := range s.SegmentIDs() {
		r, err := s.OpenSegmentReader(id)
		if err != nil {
			return err
		}
		err = func() error {
			defer r.Close()
			for {
				ev, rerr := r.Next()
				if rerr == io.EOF {
					return nil
				}
				if rerr != nil {
					return rerr
				}
				if ev.Sequence < fromSequence {
					continue
				}
				if err := fn(ev); err != nil {
					return err
				}
			}
		}()
		if err != nil {
			return err
		}
	}
	return nil
}

// VerifyAndFindCorruption scans every segment in order and returns the
// first corrupt offset found, tagged with the segment id it belongs to.
// Per §4.1/§4.7, only the last (current) segment should ever be torn in
// practice, but every segment is checked for defense in depth.
func (s *Store) VerifyAndFindCorruption() (segmentID uint64, offset int64, found bool, err error) {
	for _, id := range s.SegmentIDs() {
		s.mu.Lock()
		isCurrent := id == s.currentID
		cur := s.current
		s.mu.Unlock()

		var off int64
		var ok bool
		var verr error
		if isCurrent {
			off, ok, verr = cur.VerifyAndFindCorruption()
		} else {
			sf, oerr := OpenFile(filepath.Join(s.dir, segmentFileName(id)))
			if oerr != nil {
				return 0, 0, false, oerr
			}
			off, ok, verr = sf.VerifyAndFindCorruption()
			sf.Close()
		}
		if verr != nil {
			return 0, 0, false, verr
		}
		if ok {
			return id, off, true, nil
		}
	}
	return 0, 0, false, nil
}

// TruncateAt truncates the given segment (identified by id) at offset and
// drops every segment after it entirely (they are necessarily all-garbage
// if an earlier segment was torn, since segments are written in order).
func (s *Store) TruncateAt(segmentID uint64, offset int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if segmentID == s.currentID {
		if err := s.current.TruncateAt(offset); err != nil {
			return err
		}
		return nil
	}

	// Truncating a sealed, non-current segment: open it directly.
	sf, err := OpenFile(filepath.Join(s.dir, segmentFileName(segmentID)))
	if err != nil {
		return err
	}
	if err := sf.TruncateAt(offset); err != nil {
		sf.Close()
		return err
	}
	sf.Close()

	// Drop every later segment file: they followed a torn write and can
	// contain no valid committed data continuation.
	kept := s.segmentIDs[:0:0]
	for _, id := range s.segmentIDs {
		if id <= segmentID {
			kept = append(kept, id)
		} else {
			_ = os.Remove(filepath.Join(s.dir, segmentFileName(id)))
		}
	}
	s.segmentIDs = kept

	if segmentID != s.currentID {
		if err := s.current.Close(); err != nil {
			return err
		}
		f, err := OpenFile(filepath.Join(s.dir, segmentFileName(segmentID)))
		if err != nil {
			return err
		}
		s.current = f
		s.currentID = segmentID
	}
	return nil
}

// Close closes the currently open segment file.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current.Close()
}
