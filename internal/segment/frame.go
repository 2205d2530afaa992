package segment

import (
	"bytes"
	"encoding/binary"
	"encoding/gob"
	"fmt"
	"hash/crc32"
	"io"
)

// Frame layout (§4.1, §6): [length u32 LE][crc32 u32 LE][payload: length bytes].
// The CRC covers the payload only; the length prefix self-frames skip-scans.
// A torn tail manifests as a short read, an overrunning length, or a CRC
// mismatch — all detectable without repairing the frame in place.
const (
	frameLengthSize = 4
	frameCRCSize    = 4
	frameHeaderSize = frameLengthSize + frameCRCSize
)

var crcTable = crc32.MakeTable(crc32.IEEE)

// encodeEvent serializes an Event to its stable payload encoding. gob is
// used throughout the storage layer (mirroring tinySQL's db.go/wal_advanced.go
// choice of encoding/gob for all on-disk structures).
func encodeEvent(e *Event) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(e); err != nil {
		return nil, fmt.Errorf("encode event: %w", err)
	}
	return buf.Bytes(), nil
}

func decodeEvent(payload []byte) (*Event, error) {
	var e Event
	if err := gob.NewDecoder(bytes.NewReader(payload)).Decode(&e); err != nil {
		return nil, fmt.Errorf("decode event: %w", err)
	}
	return &e, nil
}

// marshalFrame builds the on-disk byte representation of a frame for e.
func marshalFrame(e *Event) ([]byte, error) {
	payload, err := encodeEvent(e)
	if err != nil {
		return nil, err
	}
	frame := make([]byte, frameHeaderSize+len(payload))
	binary.LittleEndian.PutUint32(frame[0:4], uint32(len(payload)))
	crc := crc32.Checksum(payload, crcTable)
	binary.LittleEndian.PutUint32(frame[4:8], crc)
	copy(frame[frameHeaderSize:], payload)
	return frame, nil
}

// readFrame reads one frame from r, returning the decoded event and the
// number of bytes consumed. It returns io.EOF cleanly at a file boundary,
// and a *corruptionError for a torn/short/CRC-mismatched tail.
func readFrame(r io.Reader) (*Event, int64, error) {
	var hdr [frameHeaderSize]byte
	n, err := io.ReadFull(r, hdr[:])
	if err != nil {
		if err == io.EOF && n == 0 {
			return nil, 0, io.EOF
		}
		// Short header read: a torn write at the very start of a frame.
		return nil, 0, &corruptionError{reason: fmt.Sprintf("short frame header (%d/%d bytes)", n, frameHeaderSize)}
	}

	length := binary.LittleEndian.Uint32(hdr[0:4])
	wantCRC := binary.LittleEndian.Uint32(hdr[4:8])

	payload := make([]byte, length)
	n2, err := io.ReadFull(r, payload)
	if err != nil {
		return nil, 0, &corruptionError{reason: fmt.Sprintf("length %d overruns file (read %d bytes)", length, n2)}
	}

	gotCRC := crc32.Checksum(payload, crcTable)
	if gotCRC != wantCRC {
		return nil, 0, &corruptionError{reason: fmt.Sprintf("crc mismatch: want %08x got %08x", wantCRC, gotCRC)}
	}

	ev, err := decodeEvent(payload)
	if err != nil {
		return nil, 0, &corruptionError{reason: fmt.Sprintf("payload decode: %v", err)}
	}

	return ev, int64(frameHeaderSize + len(payload)), nil
}

// corruptionError marks a frame that failed length/CRC validation; the only
// valid response is truncation, never in-place repair (§4.1).
type corruptionError struct {
	reason string
}

func (c *corruptionError) Error() string { return "corrupt frame: " + c.reason }
