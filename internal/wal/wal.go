// Package wal is the global, process-wide Write-Ahead Log (§4.2): the
// single ordering oracle for every mutating operation across every table,
// independent of the per-table segment stores.
//
// What: log_operation(op) -> seq, replay_from_sequence(seq) -> [Entry],
// checkpoint(seq), current_sequence() -> seq.
// How: generalizes tinySQL's storage.AdvancedWAL (internal/storage/wal_advanced.go)
// — same bufio+gob append-only record log, same LSN-as-total-order idea,
// same checkpoint-record convention — but scoped process-wide instead of
// per-DB, and built on the length+CRC frame codec already established for
// segments (internal/segment/frame.go) rather than gob.Encoder streaming
// straight onto the file, so a torn WAL tail is detectable the same way a
// torn segment tail is.
// Why: the catalog's per-table Segment Store only orders events within one
// table; cross-table atomicity (a transaction touching two tables) and
// crash recovery both need one sequence that spans the whole engine.
package wal

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"encoding/gob"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/driftdb/driftdb/internal/driftdberr"
	"github.com/driftdb/driftdb/internal/driftlog"
)

// OpType enumerates the kinds of operation the WAL records, per §4.2.
type OpType uint8

const (
	OpInsert OpType = iota + 1
	OpUpdate
	OpDelete
	OpCreateTable
	OpDropTable
	OpTransactionBegin
	OpTransactionCommit
	OpTransactionAbort
	OpCheckpoint
)

func (t OpType) String() string {
	switch t {
	case OpInsert:
		return "INSERT"
	case OpUpdate:
		return "UPDATE"
	case OpDelete:
		return "DELETE"
	case OpCreateTable:
		return "CREATE_TABLE"
	case OpDropTable:
		return "DROP_TABLE"
	case OpTransactionBegin:
		return "TXN_BEGIN"
	case OpTransactionCommit:
		return "TXN_COMMIT"
	case OpTransactionAbort:
		return "TXN_ABORT"
	case OpCheckpoint:
		return "CHECKPOINT"
	default:
		return "UNKNOWN"
	}
}

// Operation is the caller-supplied payload for log_operation; Entry is what
// comes back out of replay, carrying the sequence the WAL assigned.
type Operation struct {
	Type     OpType
	TxnID    uint64
	Table    string
	Key      []byte // primary key, json-encoded, as in segment.Event
	Before   []byte // undo image, nil for insert
	After    []byte // redo image, nil for delete
	Sequence uint64 // per-table sequence this op corresponds to, 0 for txn/checkpoint markers
}

// Entry is a durable WAL record: an Operation tagged with its global LSN.
type Entry struct {
	LSN       uint64
	Op        Operation
	Timestamp int64 // unix millis
}

// WAL is the global, append-only, total-order log.
type WAL struct {
	mu sync.Mutex

	path string
	f    *os.File
	w    *bufio.Writer

	nextLSN         uint64
	lastCheckpoint  uint64
	recordsSinceCP  uint64
	checkpointEvery uint64
}

// Open opens (or creates) the WAL file at path and scans it once to recover
// nextLSN and the last checkpoint, without replaying operations (replay is
// a separate, explicit step the engine drives during crash recovery).
func Open(path string, checkpointEvery uint64) (*WAL, error) {
	if checkpointEvery == 0 {
		checkpointEvery = 1000
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, driftdberr.Wrap(driftdberr.KindIO, "create wal directory", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o644)
	if err != nil {
		return nil, driftdberr.Wrap(driftdberr.KindIO, "open wal file", err)
	}

	w := &WAL{
		path:            path,
		f:               f,
		w:               bufio.NewWriterSize(f, 64*1024),
		nextLSN:         1,
		checkpointEvery: checkpointEvery,
	}

	if err := w.scanForRecovery(); err != nil {
		f.Close()
		return nil, err
	}
	return w, nil
}

// scanForRecovery reads the whole WAL once at open time purely to establish
// nextLSN and lastCheckpoint; it does not apply any operation.
func (w *WAL) scanForRecovery() error {
	r, err := os.Open(w.path)
	if err != nil {
		return driftdberr.Wrap(driftdberr.KindIO, "reopen wal for scan", err)
	}
	defer r.Close()

	for {
		e, _, err := readEntry(r)
		if err == io.EOF {
			break
		}
		if err != nil {
			// A torn tail at the very end of the WAL is expected after a
			// crash mid-append; recovery (internal/recovery) decides how to
			// truncate it. Stop scanning, keep what we learned so far.
			driftlog.For("wal").Warn().Err(err).Msg("wal scan stopped at torn tail")
			break
		}
		if e.LSN >= w.nextLSN {
			w.nextLSN = e.LSN + 1
		}
		if e.Op.Type == OpCheckpoint {
			w.lastCheckpoint = e.LSN
		}
	}
	return nil
}

// LogOperation appends op to the WAL, assigning it the next LSN, and
// returns that LSN. Durable before return: the WAL is the durability
// boundary every higher layer (MVCC commit, segment append) relies on.
func (w *WAL) LogOperation(op Operation, timestampMs int64) (uint64, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	lsn := w.nextLSN
	w.nextLSN++

	entry := &Entry{LSN: lsn, Op: op, Timestamp: timestampMs}
	if err := w.appendLocked(entry); err != nil {
		return 0, err
	}

	w.recordsSinceCP++
	return lsn, nil
}

func (w *WAL) appendLocked(e *Entry) error {
	frame, err := marshalEntry(e)
	if err != nil {
		return err
	}
	if _, err := w.w.Write(frame); err != nil {
		return driftdberr.Wrap(driftdberr.KindIO, "append wal entry", err)
	}
	if err := w.w.Flush(); err != nil {
		return driftdberr.Wrap(driftdberr.KindIO, "flush wal entry", err)
	}
	if err := w.f.Sync(); err != nil {
		return driftdberr.Wrap(driftdberr.KindIO, "fdatasync wal", err)
	}
	return nil
}

// CurrentSequence returns the LSN that will be assigned to the *next*
// LogOperation call, minus one — i.e. the highest LSN durably appended.
func (w *WAL) CurrentSequence() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.nextLSN - 1
}

// ShouldCheckpoint reports whether at least checkpointEvery records have
// been logged since the last checkpoint. The maintenance scheduler does not
// consult it; it checkpoints on a fixed interval.
func (w *WAL) ShouldCheckpoint() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.recordsSinceCP >= w.checkpointEvery
}

// Checkpoint appends a checkpoint marker at the given sequence (the engine
// passes the sequence up to which every table's snapshot is now current)
// and resets the since-checkpoint counter.
func (w *WAL) Checkpoint(uptoSequence uint64) (uint64, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	lsn := w.nextLSN
	w.nextLSN++

	entry := &Entry{
		LSN: lsn,
		Op: Operation{
			Type:     OpCheckpoint,
			Sequence: uptoSequence,
		},
	}
	if err := w.appendLocked(entry); err != nil {
		return 0, err
	}
	w.lastCheckpoint = lsn
	w.recordsSinceCP = 0
	driftlog.For("wal").Info().Uint64("lsn", lsn).Uint64("upto_sequence", uptoSequence).Msg("checkpoint written")
	return lsn, nil
}

// LastCheckpoint returns the LSN of the most recent checkpoint marker, or 0
// if none has ever been written.
func (w *WAL) LastCheckpoint() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lastCheckpoint
}

// ReplayFromSequence returns every entry with LSN >= fromLSN, in order.
// Per §4.2/§4.7, crash recovery replays from the last checkpoint forward;
// callers pass LastCheckpoint()+1 (or 0 for a full replay) as fromLSN.
func (w *WAL) ReplayFromSequence(fromLSN uint64, fn func(*Entry) error) error {
	w.mu.Lock()
	if err := w.w.Flush(); err != nil {
		w.mu.Unlock()
		return driftdberr.Wrap(driftdberr.KindIO, "flush before replay", err)
	}
	w.mu.Unlock()

	r, err := os.Open(w.path)
	if err != nil {
		return driftdberr.Wrap(driftdberr.KindIO, "open wal for replay", err)
	}
	defer r.Close()

	for {
		e, _, err := readEntry(r)
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return driftdberr.Wrap(driftdberr.KindCorruption, "wal replay", err)
		}
		if e.LSN < fromLSN {
			continue
		}
		if err := fn(e); err != nil {
			return err
		}
	}
}

// VerifyAndFindCorruption scans the WAL and returns the byte offset of the
// first frame that fails length or CRC validation (§4.7 recovery step 2).
func (w *WAL) VerifyAndFindCorruption() (offset int64, found bool, err error) {
	r, err := os.Open(w.path)
	if err != nil {
		return 0, false, driftdberr.Wrap(driftdberr.KindIO, "open wal for verify", err)
	}
	defer r.Close()

	var pos int64
	for {
		_, n, rerr := readEntry(r)
		if rerr == io.EOF {
			return 0, false, nil
		}
		if rerr != nil {
			return pos, true, nil
		}
		pos += n
	}
}

// TruncateAt cuts the WAL file back to offset, discarding a torn tail.
func (w *WAL) TruncateAt(offset int64) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.w.Flush(); err != nil {
		return driftdberr.Wrap(driftdberr.KindIO, "flush before wal truncate", err)
	}
	if err := w.f.Truncate(offset); err != nil {
		return driftdberr.Wrap(driftdberr.KindIO, "truncate wal", err)
	}
	if _, err := w.f.Seek(offset, io.SeekStart); err != nil {
		return driftdberr.Wrap(driftdberr.KindIO, "seek wal after truncate", err)
	}
	w.w = bufio.NewWriterSize(w.f, 64*1024)
	return w.scanForRecovery()
}

// Close flushes and closes the WAL file.
func (w *WAL) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.w.Flush(); err != nil {
		return err
	}
	return w.f.Close()
}

// --- frame codec: same length+CRC discipline as internal/segment/frame.go ---

const entryHeaderSize = 8

var crcTable = crc32.MakeTable(crc32.IEEE)

func marshalEntry(e *Entry) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(e); err != nil {
		return nil, fmt.Errorf("encode wal entry: %w", err)
	}
	payload := buf.Bytes()

	frame := make([]byte, entryHeaderSize+len(payload))
	binary.LittleEndian.PutUint32(frame[0:4], uint32(len(payload)))
	binary.LittleEndian.PutUint32(frame[4:8], crc32.Checksum(payload, crcTable))
	copy(frame[entryHeaderSize:], payload)
	return frame, nil
}

func readEntry(r io.Reader) (*Entry, int64, error) {
	var hdr [entryHeaderSize]byte
	n, err := io.ReadFull(r, hdr[:])
	if err != nil {
		if err == io.EOF && n == 0 {
			return nil, 0, io.EOF
		}
		return nil, 0, fmt.Errorf("short wal entry header (%d/%d bytes)", n, entryHeaderSize)
	}

	length := binary.LittleEndian.Uint32(hdr[0:4])
	wantCRC := binary.LittleEndian.Uint32(hdr[4:8])

	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, 0, fmt.Errorf("wal entry length %d overruns file: %w", length, err)
	}
	if gotCRC := crc32.Checksum(payload, crcTable); gotCRC != wantCRC {
		return nil, 0, fmt.Errorf("wal entry crc mismatch: want %08x got %08x", wantCRC, gotCRC)
	}

	var e Entry
	if err := gob.NewDecoder(bytes.NewReader(payload)).Decode(&e); err != nil {
		return nil, 0, fmt.Errorf("decode wal entry: %w", err)
	}
	return &e, int64(entryHeaderSize + len(payload)), nil
}
