package internal

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type updateFixture struct {
	dir     string
	fetcher *fakeFetcher
	store   *AssetStore
	updater *Updater
}

func newUpdateFixture(t *testing.T) *updateFixture {
	t.Helper()
	dir := t.TempDir()
	fetcher := newFakeFetcher()
	store := NewAssetStore(dir, nil)
	return &updateFixture{
		dir:     dir,
		fetcher: fetcher,
		store:   store,
		updater: &Updater{
			Fetcher:        fetcher,
			Store:          store,
			Threads:        4,
			VerifyAttempts: 2,
		},
	}
}

func (f *updateFixture) writeLocal(t *testing.T, name string, data []byte) {
	t.Helper()
	require.NoError(t, f.store.Commit(name, data))
}

func (f *updateFixture) readLocal(t *testing.T, name string) []byte {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(f.dir, filepath.FromSlash(name)))
	require.NoError(t, err)
	return data
}

// phase4Entry publishes D0->D1 as u1 and D1->D2 as u2, both bzip2 wrapped
func phase4Entry(t *testing.T, f *updateFixture, v [][]byte) *ManifestEntry {
	t.Helper()
	f.fetcher.blobs["u1"] = bzip2Bytes(t, makePatch(t, v[0], v[1]))
	f.fetcher.blobs["u2"] = bzip2Bytes(t, makePatch(t, v[1], v[2]))
	return &ManifestEntry{
		Name:   "phase_4.dc",
		Digest: ComputeDigest(v[2]),
		Edges: []PatchEdge{
			{Source: ComputeDigest(v[0]), Destination: ComputeDigest(v[1]), Locator: "u1", Size: int64(len(f.fetcher.blobs["u1"]))},
			{Source: ComputeDigest(v[1]), Destination: ComputeDigest(v[2]), Locator: "u2", Size: int64(len(f.fetcher.blobs["u2"]))},
		},
	}
}

func TestUpdate_PatchChain(t *testing.T) {
	f := newUpdateFixture(t)
	v := versions(3)
	entry := phase4Entry(t, f, v)
	f.writeLocal(t, "phase_4.dc", v[0])

	outcome := f.updater.UpdateFile(context.Background(), entry)

	require.Equal(t, StatusUpdated, outcome.Status, outcome.String())
	assert.Equal(t, ComputeDigest(v[0]), outcome.From)
	assert.Equal(t, ComputeDigest(v[2]), outcome.To)
	assert.Equal(t, []string{"u1", "u2"}, locators(outcome.Chain))
	assert.Equal(t, v[2], f.readLocal(t, "phase_4.dc"))
	assert.Equal(t, 1, f.fetcher.callCount("u1"))
	assert.Equal(t, 1, f.fetcher.callCount("u2"))
}

func TestUpdate_IntermediateMismatchKeepsOldFile(t *testing.T) {
	f := newUpdateFixture(t)
	v := versions(4)
	entry := phase4Entry(t, f, v)
	// u2 now produces D3 instead of D2
	f.fetcher.blobs["u2"] = bzip2Bytes(t, makePatch(t, v[1], v[3]))
	f.writeLocal(t, "phase_4.dc", v[0])

	outcome := f.updater.UpdateFile(context.Background(), entry)

	assert.Equal(t, StatusFailed, outcome.Status)
	assert.Equal(t, PatchVerificationFailed, outcome.Reason)
	assert.ErrorIs(t, outcome.Err, ErrDigestMismatch)
	assert.Equal(t, v[0], f.readLocal(t, "phase_4.dc"))
	assert.Equal(t, ComputeDigest(v[0]), ComputeDigest(f.readLocal(t, "phase_4.dc")))
}

func TestUpdate_UpToDateIsIdempotent(t *testing.T) {
	f := newUpdateFixture(t)
	v := versions(3)
	entry := phase4Entry(t, f, v)
	f.writeLocal(t, "phase_4.dc", v[0])

	require.Equal(t, StatusUpdated, f.updater.UpdateFile(context.Background(), entry).Status)
	calls := f.fetcher.totalCalls()

	path := filepath.Join(f.dir, "phase_4.dc")
	before, err := os.Stat(path)
	require.NoError(t, err)

	outcome := f.updater.UpdateFile(context.Background(), entry)
	assert.Equal(t, StatusUpToDate, outcome.Status)
	assert.Empty(t, outcome.Chain)
	assert.Equal(t, calls, f.fetcher.totalCalls(), "no fetch for an up to date file")

	after, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, before.ModTime(), after.ModTime(), "no write for an up to date file")
	assert.True(t, os.SameFile(before, after))
}

func TestUpdate_NoPathNeedsFullRedownload(t *testing.T) {
	f := newUpdateFixture(t)
	v := versions(3)
	entry := phase4Entry(t, f, v)
	f.writeLocal(t, "phase_4.dc", []byte("locally modified"))

	outcome := f.updater.UpdateFile(context.Background(), entry)

	assert.Equal(t, StatusFailed, outcome.Status)
	assert.Equal(t, NeedsFullRedownload, outcome.Reason)
	assert.ErrorIs(t, outcome.Err, ErrNoPath)
	assert.Zero(t, f.fetcher.totalCalls())
	assert.Equal(t, []byte("locally modified"), f.readLocal(t, "phase_4.dc"))
}

func TestUpdate_FullDownloadFallback(t *testing.T) {
	f := newUpdateFixture(t)
	v := versions(3)
	entry := phase4Entry(t, f, v)
	entry.Download = "phase_4.dc.bz2"
	wrapped := bzip2Bytes(t, v[2])
	compHash := ComputeDigest(wrapped)
	entry.CompressedDigest = &compHash
	f.fetcher.blobs["phase_4.dc.bz2"] = wrapped
	f.updater.FullDownloadFallback = true

	t.Run("no patch path", func(t *testing.T) {
		f.writeLocal(t, "phase_4.dc", []byte("locally modified"))
		outcome := f.updater.UpdateFile(context.Background(), entry)
		assert.Equal(t, StatusDownloaded, outcome.Status, outcome.String())
		assert.Equal(t, v[2], f.readLocal(t, "phase_4.dc"))
	})

	t.Run("missing file", func(t *testing.T) {
		require.NoError(t, os.Remove(filepath.Join(f.dir, "phase_4.dc")))
		outcome := f.updater.UpdateFile(context.Background(), entry)
		assert.Equal(t, StatusDownloaded, outcome.Status, outcome.String())
		assert.Equal(t, v[2], f.readLocal(t, "phase_4.dc"))
	})

	t.Run("download does not verify", func(t *testing.T) {
		require.NoError(t, os.Remove(filepath.Join(f.dir, "phase_4.dc")))
		bad := bzip2Bytes(t, v[1])
		badHash := ComputeDigest(bad)
		broken := *entry
		broken.CompressedDigest = &badHash
		broken.Download = "stale.bz2"
		f.fetcher.blobs["stale.bz2"] = bad

		outcome := f.updater.UpdateFile(context.Background(), &broken)
		assert.Equal(t, StatusFailed, outcome.Status)
		assert.Equal(t, PatchVerificationFailed, outcome.Reason)
		_, err := os.Stat(filepath.Join(f.dir, "phase_4.dc"))
		assert.True(t, os.IsNotExist(err))
	})
}

func TestUpdate_MissingFileWithoutFallback(t *testing.T) {
	f := newUpdateFixture(t)
	entry := phase4Entry(t, f, versions(3))

	outcome := f.updater.UpdateFile(context.Background(), entry)
	assert.Equal(t, StatusFailed, outcome.Status)
	assert.Equal(t, NeedsFullRedownload, outcome.Reason)
}

func TestUpdate_CompressedDigestRefetch(t *testing.T) {
	f := newUpdateFixture(t)
	v := versions(2)
	good := bzip2Bytes(t, makePatch(t, v[0], v[1]))
	goodHash := ComputeDigest(good)
	f.fetcher.blobs["u1"] = []byte("truncated garbage")
	// The second download gets the real patch
	f.fetcher.onCall = func(locator string) {
		f.fetcher.mu.Lock()
		f.fetcher.blobs[locator] = good
		f.fetcher.mu.Unlock()
	}

	entry := &ManifestEntry{
		Name:   "a.bin",
		Digest: ComputeDigest(v[1]),
		Edges: []PatchEdge{{
			Source: ComputeDigest(v[0]), Destination: ComputeDigest(v[1]),
			Locator: "u1", CompressedDigest: &goodHash,
		}},
	}
	f.writeLocal(t, "a.bin", v[0])

	outcome := f.updater.UpdateFile(context.Background(), entry)
	assert.Equal(t, StatusUpdated, outcome.Status, outcome.String())
	assert.Equal(t, 2, f.fetcher.callCount("u1"))
}

func TestUpdate_PatchDigestMismatch(t *testing.T) {
	f := newUpdateFixture(t)
	v := versions(2)
	f.fetcher.blobs["u1"] = bzip2Bytes(t, makePatch(t, v[0], v[1]))
	wrong := ComputeDigest([]byte("not the patch"))

	entry := &ManifestEntry{
		Name:   "a.bin",
		Digest: ComputeDigest(v[1]),
		Edges: []PatchEdge{{
			Source: ComputeDigest(v[0]), Destination: ComputeDigest(v[1]),
			Locator: "u1", PatchDigest: &wrong,
		}},
	}
	f.writeLocal(t, "a.bin", v[0])

	outcome := f.updater.UpdateFile(context.Background(), entry)
	assert.Equal(t, PatchVerificationFailed, outcome.Reason)
	assert.Equal(t, v[0], f.readLocal(t, "a.bin"))
}

func TestUpdate_CorruptPatch(t *testing.T) {
	f := newUpdateFixture(t)
	v := versions(2)
	raw := makePatch(t, v[0], v[1])
	copy(raw, "NOTBSDIF")
	f.fetcher.blobs["u1"] = raw

	entry := &ManifestEntry{
		Name:   "a.bin",
		Digest: ComputeDigest(v[1]),
		Edges:  []PatchEdge{{Source: ComputeDigest(v[0]), Destination: ComputeDigest(v[1]), Locator: "u1"}},
	}
	f.writeLocal(t, "a.bin", v[0])

	outcome := f.updater.UpdateFile(context.Background(), entry)
	assert.Equal(t, StatusFailed, outcome.Status)
	assert.Equal(t, CorruptPatch, outcome.Reason)
	assert.ErrorIs(t, outcome.Err, ErrCorruptPatch)
	assert.Equal(t, v[0], f.readLocal(t, "a.bin"))
}

func TestUpdate_PatchLargerThanMaxFileSize(t *testing.T) {
	f := newUpdateFixture(t)
	v := versions(2)
	f.fetcher.blobs["u1"] = makePatch(t, v[0], v[1])
	f.updater.MaxFileSize = int64(len(v[1]) - 1)

	entry := &ManifestEntry{
		Name:   "a.bin",
		Digest: ComputeDigest(v[1]),
		Edges:  []PatchEdge{{Source: ComputeDigest(v[0]), Destination: ComputeDigest(v[1]), Locator: "u1"}},
	}
	f.writeLocal(t, "a.bin", v[0])

	outcome := f.updater.UpdateFile(context.Background(), entry)
	assert.Equal(t, StatusFailed, outcome.Status)
	assert.Equal(t, CorruptPatch, outcome.Reason)
	assert.ErrorIs(t, outcome.Err, ErrPayloadTooLarge)
	assert.Equal(t, v[0], f.readLocal(t, "a.bin"))
}

func TestUpdate_PatchForDifferentOldFile(t *testing.T) {
	f := newUpdateFixture(t)
	long := []byte("a much longer original file that the patch was made for")
	target := []byte("target")
	f.fetcher.blobs["u1"] = makePatch(t, long, target)

	short := []byte("tiny")
	entry := &ManifestEntry{
		Name:   "a.bin",
		Digest: ComputeDigest(target),
		Edges:  []PatchEdge{{Source: ComputeDigest(short), Destination: ComputeDigest(target), Locator: "u1"}},
	}
	f.writeLocal(t, "a.bin", short)

	outcome := f.updater.UpdateFile(context.Background(), entry)
	assert.Equal(t, StatusFailed, outcome.Status)
	assert.ErrorIs(t, outcome.Err, ErrOutOfBounds)
}

func TestUpdate_TransportFailure(t *testing.T) {
	f := newUpdateFixture(t)
	v := versions(3)
	entry := phase4Entry(t, f, v)
	delete(f.fetcher.blobs, "u2")
	f.writeLocal(t, "phase_4.dc", v[0])

	outcome := f.updater.UpdateFile(context.Background(), entry)
	assert.Equal(t, TransportFailed, outcome.Reason)
	var terr *TransportError
	assert.ErrorAs(t, outcome.Err, &terr)
	assert.Equal(t, v[0], f.readLocal(t, "phase_4.dc"))
}

func TestUpdate_Canceled(t *testing.T) {
	f := newUpdateFixture(t)
	v := versions(3)
	entry := phase4Entry(t, f, v)
	f.writeLocal(t, "phase_4.dc", v[0])

	ctx, cancel := context.WithCancel(context.Background())
	// Cancel once the first patch has been fetched
	f.fetcher.onCall = func(string) { cancel() }

	outcome := f.updater.UpdateFile(ctx, entry)
	assert.Equal(t, StatusFailed, outcome.Status)
	assert.Equal(t, Canceled, outcome.Reason)
	assert.Equal(t, v[0], f.readLocal(t, "phase_4.dc"))
}

func TestUpdate_PlatformFilter(t *testing.T) {
	f := newUpdateFixture(t)
	f.updater.Platform = "linux2"
	entry := &ManifestEntry{Name: "TTREngine.exe", Digest: ComputeDigest([]byte("exe")), Only: []string{"win32", "win64"}}

	outcome := f.updater.UpdateFile(context.Background(), entry)
	assert.Equal(t, StatusSkipped, outcome.Status)
	assert.Zero(t, f.fetcher.totalCalls())
}

func TestUpdate_NameMustMatchEntry(t *testing.T) {
	f := newUpdateFixture(t)
	entry := &ManifestEntry{Name: "a", Digest: ComputeDigest([]byte("a"))}

	outcome := f.updater.Update(context.Background(), "b", []byte("a"), entry)
	assert.Equal(t, StatusFailed, outcome.Status)

	outcome = f.updater.Update(context.Background(), "a", []byte("a"), entry)
	assert.Equal(t, StatusUpToDate, outcome.Status)
}

func TestUpdateAll(t *testing.T) {
	f := newUpdateFixture(t)
	v := versions(4)

	manifestFiles := map[string]*ManifestEntry{}
	for _, name := range []string{"c.bin", "a.bin", "b.bin", "d.bin"} {
		patch := bzip2Bytes(t, makePatch(t, v[0], v[1]))
		f.fetcher.blobs[name+".patch"] = patch
		manifestFiles[name] = &ManifestEntry{
			Name:   name,
			Digest: ComputeDigest(v[1]),
			Edges:  []PatchEdge{{Source: ComputeDigest(v[0]), Destination: ComputeDigest(v[1]), Locator: name + ".patch"}},
		}
		f.writeLocal(t, name, v[0])
	}
	// b.bin is already current, d.bin cannot be patched
	f.writeLocal(t, "b.bin", v[1])
	f.writeLocal(t, "d.bin", v[3])

	m := &Manifest{entries: manifestFiles, names: []string{"a.bin", "b.bin", "c.bin", "d.bin"}}

	var mu sync.Mutex
	var completed []string
	f.updater.OnComplete = func(outcome UpdateOutcome) {
		mu.Lock()
		completed = append(completed, outcome.Name)
		mu.Unlock()
	}

	report := f.updater.UpdateAll(context.Background(), m)

	require.Len(t, report.Outcomes, 4)
	assert.Equal(t, "a.bin", report.Outcomes[0].Name)
	assert.Equal(t, StatusUpdated, report.Outcomes[0].Status)
	assert.Equal(t, StatusUpToDate, report.Outcomes[1].Status)
	assert.Equal(t, StatusUpdated, report.Outcomes[2].Status)
	assert.Equal(t, StatusFailed, report.Outcomes[3].Status)
	assert.Equal(t, NeedsFullRedownload, report.Outcomes[3].Reason)

	assert.Equal(t, 2, report.Count(StatusUpdated))
	assert.Len(t, report.Failed(), 1)
	assert.ErrorIs(t, report.Err(), ErrNoPath)
	assert.Equal(t, "2 Updated, 1 UpToDate, 1 Failed", report.Summary())
	assert.ElementsMatch(t, []string{"a.bin", "b.bin", "c.bin", "d.bin"}, completed)

	assert.Equal(t, v[1], f.readLocal(t, "a.bin"))
	assert.Equal(t, v[1], f.readLocal(t, "c.bin"))
	assert.Equal(t, v[3], f.readLocal(t, "d.bin"))
}

func TestUpdateAll_MakesEngineExecutable(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("no execute bit on windows")
	}

	f := newUpdateFixture(t)
	exe := []byte("#!/bin/sh\n")
	f.updater.Executables = []string{"TTREngine"}
	f.writeLocal(t, "TTREngine", exe)

	m := &Manifest{
		entries: map[string]*ManifestEntry{"TTREngine": {Name: "TTREngine", Digest: ComputeDigest(exe)}},
		names:   []string{"TTREngine"},
	}
	report := f.updater.UpdateAll(context.Background(), m)
	require.NoError(t, report.Err())

	info, err := os.Stat(filepath.Join(f.dir, "TTREngine"))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0111), info.Mode().Perm()&0111)
}

func TestUpdateReport_Empty(t *testing.T) {
	var report UpdateReport
	assert.NoError(t, report.Err())
	assert.Equal(t, "nothing to do", report.Summary())
}
