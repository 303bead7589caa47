package internal

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"

	"github.com/dsnet/compress/bzip2"
)

/*
 * BSDIFF40 layout:
 *
 *   offset   len  data
 *   0        8    "BSDIFF40"
 *   8        8    X = len(bzip2(control))
 *   16       8    Y = len(bzip2(diff))
 *   24       8    size of the new file
 *   32       X    bzip2(control)
 *   32+X     Y    bzip2(diff)
 *   32+X+Y   ...  bzip2(extra)
 *
 * Integers are 64 bit sign-magnitude little endian. The control stream is a
 * list of (add, copy, seek) triples: add `add` bytes of old data to the next
 * `add` diff bytes, copy `copy` bytes of extra data, then move the old cursor
 * by `seek` (which may be negative).
 */

const (
	bsdiffMagic       = "BSDIFF40"
	bsdiffHeaderSize  = 32
	controlTripleSize = 24
)

var (
	// ErrCorruptPatch is wrapped by every structural decode failure
	ErrCorruptPatch = errors.New("corrupt patch")
	// ErrOutOfBounds is returned when a control triple moves a cursor outside its buffer
	ErrOutOfBounds = errors.New("patch cursor out of bounds")
	// ErrLengthMismatch is returned when the produced output is not the declared new size
	ErrLengthMismatch = errors.New("patch output length mismatch")
)

// PatchHeader holds the three length fields following the magic
type PatchHeader struct {
	CtrlLen int64
	DiffLen int64
	NewSize int64
}

// ControlTriple is one instruction of the control stream
type ControlTriple struct {
	Add  int64
	Copy int64
	Seek int64
}

// PatchBlob is a decoded BSDIFF40 patch
type PatchBlob struct {
	Header  PatchHeader
	Control []ControlTriple
	Diff    []byte
	Extra   []byte
}

// DecodePatch validates raw patch bytes and decompresses its three streams.
// The declared new size may not exceed DefaultMaxPayloadSize.
func DecodePatch(raw []byte) (*PatchBlob, error) {
	return DecodePatchLimit(raw, 0)
}

// DecodePatchLimit is DecodePatch with a caller chosen cap on the declared new
// size. maxNewSize <= 0 means DefaultMaxPayloadSize.
func DecodePatchLimit(raw []byte, maxNewSize int64) (*PatchBlob, error) {
	if maxNewSize <= 0 {
		maxNewSize = DefaultMaxPayloadSize
	}
	if len(raw) < bsdiffHeaderSize {
		return nil, fmt.Errorf("%w: %d bytes is shorter than the %d byte header", ErrCorruptPatch, len(raw), bsdiffHeaderSize)
	}
	if string(raw[:len(bsdiffMagic)]) != bsdiffMagic {
		return nil, fmt.Errorf("%w: bad magic %q", ErrCorruptPatch, raw[:len(bsdiffMagic)])
	}

	hdr := PatchHeader{
		CtrlLen: offtin(raw[8:16]),
		DiffLen: offtin(raw[16:24]),
		NewSize: offtin(raw[24:32]),
	}
	if hdr.CtrlLen < 0 || hdr.DiffLen < 0 || hdr.NewSize < 0 {
		return nil, fmt.Errorf("%w: negative header field (ctrl %d, diff %d, new %d)", ErrCorruptPatch, hdr.CtrlLen, hdr.DiffLen, hdr.NewSize)
	}

	if hdr.NewSize > maxNewSize {
		return nil, fmt.Errorf("%w: %w: new size %d, limit %d", ErrCorruptPatch, ErrPayloadTooLarge, hdr.NewSize, maxNewSize)
	}

	body := int64(len(raw) - bsdiffHeaderSize)
	if hdr.CtrlLen > body || hdr.DiffLen > body-hdr.CtrlLen {
		return nil, fmt.Errorf("%w: streams (ctrl %d, diff %d) exceed %d body bytes", ErrCorruptPatch, hdr.CtrlLen, hdr.DiffLen, body)
	}

	diffStart := bsdiffHeaderSize + hdr.CtrlLen
	extraStart := diffStart + hdr.DiffLen

	ctrlRaw, err := decompressPatchStream(raw[bsdiffHeaderSize:diffStart], maxControlSize(hdr.NewSize), "control")
	if err != nil {
		return nil, err
	}
	control, err := parseControl(ctrlRaw, hdr.NewSize)
	if err != nil {
		return nil, err
	}

	var addTotal, copyTotal int64
	for _, t := range control {
		addTotal += t.Add
		copyTotal += t.Copy
	}

	// The control stream says exactly how much diff and extra data follows
	diff, err := decompressPatchStream(raw[diffStart:extraStart], addTotal, "diff")
	if err != nil {
		return nil, err
	}
	extra, err := decompressPatchStream(raw[extraStart:], copyTotal, "extra")
	if err != nil {
		return nil, err
	}
	if int64(len(diff)) != addTotal {
		return nil, fmt.Errorf("%w: diff stream has %d bytes, control expects %d", ErrCorruptPatch, len(diff), addTotal)
	}
	if int64(len(extra)) != copyTotal {
		return nil, fmt.Errorf("%w: extra stream has %d bytes, control expects %d", ErrCorruptPatch, len(extra), copyTotal)
	}

	return &PatchBlob{
		Header:  hdr,
		Control: control,
		Diff:    diff,
		Extra:   extra,
	}, nil
}

// DecodePatchFor decodes raw and checks that the patch only reads inside an
// old buffer of oldLen bytes. BSDIFF40 does not record the old size, so this
// is where a patch meant for a different old file is rejected before apply.
func DecodePatchFor(raw []byte, oldLen int64) (*PatchBlob, error) {
	return DecodePatchForLimit(raw, oldLen, 0)
}

// DecodePatchForLimit combines DecodePatchLimit and the old length check
func DecodePatchForLimit(raw []byte, oldLen, maxNewSize int64) (*PatchBlob, error) {
	blob, err := DecodePatchLimit(raw, maxNewSize)
	if err != nil {
		return nil, err
	}
	if err := blob.CheckOldLength(oldLen); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCorruptPatch, err)
	}
	return blob, nil
}

// CheckOldLength walks the old-buffer cursor without producing output
func (b *PatchBlob) CheckOldLength(oldLen int64) error {
	var oldPos int64
	for i, t := range b.Control {
		if t.Add > oldLen-oldPos {
			return fmt.Errorf("%w: triple %d reads %d old bytes at %d of %d", ErrOutOfBounds, i, t.Add, oldPos, oldLen)
		}
		oldPos += t.Add
		next, ok := addInt64(oldPos, t.Seek)
		if !ok || next < 0 || next > oldLen {
			return fmt.Errorf("%w: triple %d seeks %d from %d of %d", ErrOutOfBounds, i, t.Seek, oldPos, oldLen)
		}
		oldPos = next
	}
	return nil
}

// ApplyPatch produces the new buffer from old. old is never modified.
func ApplyPatch(old []byte, blob *PatchBlob) ([]byte, error) {
	if blob == nil {
		return nil, fmt.Errorf("%w: nil patch", ErrCorruptPatch)
	}

	oldLen := int64(len(old))
	diffLen := int64(len(blob.Diff))
	extraLen := int64(len(blob.Extra))
	newSize := blob.Header.NewSize

	// The output can never be larger than the bytes that feed it
	if newSize < 0 || newSize > diffLen+extraLen {
		return nil, fmt.Errorf("%w: new size %d from %d diff and %d extra bytes", ErrLengthMismatch, newSize, diffLen, extraLen)
	}

	out := make([]byte, newSize)
	var oldPos, diffPos, extraPos, newPos int64

	for i, t := range blob.Control {
		if t.Add < 0 || t.Copy < 0 {
			return nil, fmt.Errorf("%w: triple %d has negative length (add %d, copy %d)", ErrOutOfBounds, i, t.Add, t.Copy)
		}

		if t.Add > oldLen-oldPos {
			return nil, fmt.Errorf("%w: triple %d reads %d old bytes at %d of %d", ErrOutOfBounds, i, t.Add, oldPos, oldLen)
		}
		if t.Add > diffLen-diffPos {
			return nil, fmt.Errorf("%w: triple %d reads %d diff bytes at %d of %d", ErrOutOfBounds, i, t.Add, diffPos, diffLen)
		}
		if t.Add > newSize-newPos {
			return nil, fmt.Errorf("%w: triple %d writes %d bytes at %d of %d", ErrOutOfBounds, i, t.Add, newPos, newSize)
		}

		dst := out[newPos : newPos+t.Add]
		src := old[oldPos : oldPos+t.Add]
		delta := blob.Diff[diffPos : diffPos+t.Add]
		for j := range dst {
			dst[j] = src[j] + delta[j]
		}
		newPos += t.Add
		diffPos += t.Add
		oldPos += t.Add

		if t.Copy > extraLen-extraPos {
			return nil, fmt.Errorf("%w: triple %d reads %d extra bytes at %d of %d", ErrOutOfBounds, i, t.Copy, extraPos, extraLen)
		}
		if t.Copy > newSize-newPos {
			return nil, fmt.Errorf("%w: triple %d writes %d bytes at %d of %d", ErrOutOfBounds, i, t.Copy, newPos, newSize)
		}
		copy(out[newPos:newPos+t.Copy], blob.Extra[extraPos:extraPos+t.Copy])
		newPos += t.Copy
		extraPos += t.Copy

		next, ok := addInt64(oldPos, t.Seek)
		if !ok || next < 0 || next > oldLen {
			return nil, fmt.Errorf("%w: triple %d seeks %d from %d of %d", ErrOutOfBounds, i, t.Seek, oldPos, oldLen)
		}
		oldPos = next
	}

	if newPos != newSize {
		return nil, fmt.Errorf("%w: produced %d bytes, header declares %d", ErrLengthMismatch, newPos, newSize)
	}
	return out, nil
}

func parseControl(ctrlRaw []byte, newSize int64) ([]ControlTriple, error) {
	if len(ctrlRaw)%controlTripleSize != 0 {
		return nil, fmt.Errorf("%w: control stream length %d is not a multiple of %d", ErrCorruptPatch, len(ctrlRaw), controlTripleSize)
	}

	control := make([]ControlTriple, 0, len(ctrlRaw)/controlTripleSize)
	var produced int64
	for off := 0; off < len(ctrlRaw); off += controlTripleSize {
		t := ControlTriple{
			Add:  offtin(ctrlRaw[off : off+8]),
			Copy: offtin(ctrlRaw[off+8 : off+16]),
			Seek: offtin(ctrlRaw[off+16 : off+24]),
		}
		if t.Add < 0 || t.Copy < 0 {
			return nil, fmt.Errorf("%w: triple %d has negative length (add %d, copy %d)", ErrCorruptPatch, len(control), t.Add, t.Copy)
		}
		if t.Add > newSize-produced || t.Copy > newSize-produced-t.Add {
			return nil, fmt.Errorf("%w: triple %d overruns new size %d", ErrCorruptPatch, len(control), newSize)
		}
		produced += t.Add + t.Copy
		control = append(control, t)
	}

	if produced != newSize {
		return nil, fmt.Errorf("%w: control produces %d bytes, header declares %d", ErrCorruptPatch, produced, newSize)
	}
	return control, nil
}

// decompressPatchStream inflates one bzip2 section, refusing more than limit bytes
func decompressPatchStream(section []byte, limit int64, name string) ([]byte, error) {
	if len(section) == 0 {
		return nil, fmt.Errorf("%w: empty %s stream", ErrCorruptPatch, name)
	}

	zr, err := bzip2.NewReader(bytes.NewReader(section), nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %s stream: %v", ErrCorruptPatch, name, err)
	}
	defer zr.Close()

	readLimit := limit
	if readLimit < math.MaxInt64 {
		readLimit++
	}

	var buf bytes.Buffer
	n, err := io.Copy(&buf, io.LimitReader(zr, readLimit))
	if err != nil {
		return nil, fmt.Errorf("%w: %s stream: %v", ErrCorruptPatch, name, err)
	}
	if n > limit {
		return nil, fmt.Errorf("%w: %s stream exceeds %d bytes", ErrCorruptPatch, name, limit)
	}
	return buf.Bytes(), nil
}

// maxControlSize bounds the control stream: one triple per output byte plus a
// trailing seek-only triple is already more than any real patch carries.
func maxControlSize(newSize int64) int64 {
	if newSize > math.MaxInt64/controlTripleSize-2 {
		return math.MaxInt64 - 1
	}
	return (newSize + 2) * controlTripleSize
}

// offtin reads a sign-magnitude little endian int64
func offtin(buf []byte) int64 {
	y := binary.LittleEndian.Uint64(buf)
	mag := int64(y & math.MaxInt64)
	if y&(1<<63) != 0 {
		return -mag
	}
	return mag
}

func addInt64(a, b int64) (int64, bool) {
	c := a + b
	if (b > 0 && c < a) || (b < 0 && c > a) {
		return 0, false
	}
	return c, true
}
