package internal

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"sync"
	"testing"

	"github.com/dsnet/compress/bzip2"
	"github.com/stretchr/testify/require"
)

// offtout writes v as a sign-magnitude little endian int64
func offtout(v int64) []byte {
	buf := make([]byte, 8)
	if v < 0 {
		binary.LittleEndian.PutUint64(buf, uint64(-v)|1<<63)
	} else {
		binary.LittleEndian.PutUint64(buf, uint64(v))
	}
	return buf
}

func bzip2Bytes(t *testing.T, data []byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw, err := bzip2.NewWriter(&buf, &bzip2.WriterConfig{Level: bzip2.BestSpeed})
	require.NoError(t, err)
	_, err = zw.Write(data)
	require.NoError(t, err)
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

func encodeControl(triples []ControlTriple) []byte {
	var ctrl []byte
	for _, tr := range triples {
		ctrl = append(ctrl, offtout(tr.Add)...)
		ctrl = append(ctrl, offtout(tr.Copy)...)
		ctrl = append(ctrl, offtout(tr.Seek)...)
	}
	return ctrl
}

// buildPatchRaw assembles a BSDIFF40 file from uncompressed sections
func buildPatchRaw(t *testing.T, ctrl, diff, extra []byte, newSize int64) []byte {
	t.Helper()
	ctrlZ := bzip2Bytes(t, ctrl)
	diffZ := bzip2Bytes(t, diff)
	extraZ := bzip2Bytes(t, extra)

	out := []byte(bsdiffMagic)
	out = append(out, offtout(int64(len(ctrlZ)))...)
	out = append(out, offtout(int64(len(diffZ)))...)
	out = append(out, offtout(newSize)...)
	out = append(out, ctrlZ...)
	out = append(out, diffZ...)
	out = append(out, extraZ...)
	return out
}

func buildPatch(t *testing.T, triples []ControlTriple, diff, extra []byte) []byte {
	t.Helper()
	var newSize int64
	for _, tr := range triples {
		newSize += tr.Add + tr.Copy
	}
	return buildPatchRaw(t, encodeControl(triples), diff, extra, newSize)
}

// makePatch builds a valid patch turning old into next: the common length is
// expressed as diff bytes and the remainder of next as extra bytes
func makePatch(t *testing.T, old, next []byte) []byte {
	t.Helper()
	add := min(len(old), len(next))
	diff := make([]byte, add)
	for i := range diff {
		diff[i] = next[i] - old[i]
	}
	extra := append([]byte{}, next[add:]...)
	return buildPatch(t, []ControlTriple{{Add: int64(add), Copy: int64(len(extra))}}, diff, extra)
}

// fakeFetcher serves fixed payloads and counts requests per locator
type fakeFetcher struct {
	mu     sync.Mutex
	blobs  map[string][]byte
	errs   map[string]error
	calls  map[string]int
	onCall func(locator string)
}

func newFakeFetcher() *fakeFetcher {
	return &fakeFetcher{
		blobs: make(map[string][]byte),
		errs:  make(map[string]error),
		calls: make(map[string]int),
	}
}

func (f *fakeFetcher) Fetch(ctx context.Context, locator string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	f.mu.Lock()
	f.calls[locator]++
	blob, ok := f.blobs[locator]
	err := f.errs[locator]
	onCall := f.onCall
	f.mu.Unlock()

	if onCall != nil {
		onCall(locator)
	}
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, &TransportError{Locator: locator, StatusCode: 404}
	}
	return append([]byte{}, blob...), nil
}

func (f *fakeFetcher) callCount(locator string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[locator]
}

func (f *fakeFetcher) totalCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		n += c
	}
	return n
}

// versions returns n distinct file contents
func versions(n int) [][]byte {
	out := make([][]byte, n)
	for i := range out {
		out[i] = []byte(fmt.Sprintf("phase_4 content version %d %s", i, bytes.Repeat([]byte{byte('a' + i)}, 10*i+5)))
	}
	return out
}
