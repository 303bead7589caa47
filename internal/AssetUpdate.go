package internal

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"strings"

	"golang.org/x/sync/errgroup"
)

// UpdateStatus is the final state of one file after an update run
type UpdateStatus int

const (
	StatusUpToDate UpdateStatus = iota
	StatusUpdated
	StatusDownloaded
	StatusSkipped
	StatusFailed
)

func (s UpdateStatus) String() string {
	switch s {
	case StatusUpToDate:
		return "UpToDate"
	case StatusUpdated:
		return "Updated"
	case StatusDownloaded:
		return "Downloaded"
	case StatusSkipped:
		return "Skipped"
	case StatusFailed:
		return "Failed"
	default:
		return fmt.Sprintf("UpdateStatus(%d)", int(s))
	}
}

// FailureReason tells why a file ended in StatusFailed
type FailureReason int

const (
	ReasonNone FailureReason = iota
	NeedsFullRedownload
	PatchVerificationFailed
	TransportFailed
	CorruptPatch
	ApplyFailed
	StoreFailed
	Canceled
)

func (r FailureReason) String() string {
	switch r {
	case ReasonNone:
		return "None"
	case NeedsFullRedownload:
		return "NeedsFullRedownload"
	case PatchVerificationFailed:
		return "PatchVerificationFailed"
	case TransportFailed:
		return "TransportFailed"
	case CorruptPatch:
		return "CorruptPatch"
	case ApplyFailed:
		return "ApplyFailed"
	case StoreFailed:
		return "StoreFailed"
	case Canceled:
		return "Canceled"
	default:
		return fmt.Sprintf("FailureReason(%d)", int(r))
	}
}

// UpdateOutcome is the result of updating one file
type UpdateOutcome struct {
	Name   string
	Status UpdateStatus
	Reason FailureReason
	Err    error

	// Chain is the applied chain for StatusUpdated
	Chain PatchChain
	From  Digest
	To    Digest
}

func (o UpdateOutcome) String() string {
	if o.Status == StatusFailed {
		return fmt.Sprintf("%s: %s(%s): %v", o.Name, o.Status, o.Reason, o.Err)
	}
	return fmt.Sprintf("%s: %s", o.Name, o.Status)
}

// UpdateReport collects the outcome of every file of a run, sorted by name
type UpdateReport struct {
	Outcomes []UpdateOutcome
}

// Count returns how many files ended in status
func (r UpdateReport) Count(status UpdateStatus) int {
	n := 0
	for _, o := range r.Outcomes {
		if o.Status == status {
			n++
		}
	}
	return n
}

// Failed returns the failed outcomes
func (r UpdateReport) Failed() []UpdateOutcome {
	var failed []UpdateOutcome
	for _, o := range r.Outcomes {
		if o.Status == StatusFailed {
			failed = append(failed, o)
		}
	}
	return failed
}

// Err joins the errors of every failed file, nil if none failed
func (r UpdateReport) Err() error {
	var errs []error
	for _, o := range r.Failed() {
		errs = append(errs, fmt.Errorf("%s: %w", o.Name, o.Err))
	}
	return errors.Join(errs...)
}

// Summary renders the per-status counts on one line
func (r UpdateReport) Summary() string {
	var parts []string
	for _, s := range []UpdateStatus{StatusUpdated, StatusDownloaded, StatusUpToDate, StatusSkipped, StatusFailed} {
		if n := r.Count(s); n > 0 {
			parts = append(parts, fmt.Sprintf("%d %s", n, s))
		}
	}
	if len(parts) == 0 {
		return "nothing to do"
	}
	return strings.Join(parts, ", ")
}

// Updater brings local files to the digests a manifest declares
type Updater struct {
	Fetcher Fetcher
	Store   *AssetStore
	Logger  *Logger

	// Platform is matched against ManifestEntry.Only. Empty accepts every entry.
	Platform string
	// FullDownloadFallback fetches the whole file when no patch chain exists
	FullDownloadFallback bool
	// Threads bounds the number of files updated at once
	Threads int
	// VerifyAttempts is how often a download is fetched again when its
	// compressed digest does not match
	VerifyAttempts int
	// Executables get their execute bits set after a run
	Executables []string
	// MaxFileSize caps how large a patched or downloaded file may grow.
	// <= 0 means DefaultMaxPayloadSize.
	MaxFileSize int64

	OnComplete DelegateUpdateAssetComplete
}

// UpdateAll updates every file of manifest. One file failing never stops the
// others; the report holds an outcome for every tracked file.
func (u *Updater) UpdateAll(ctx context.Context, manifest *Manifest) UpdateReport {
	names := manifest.Names()
	outcomes := make([]UpdateOutcome, len(names))

	threads := u.Threads
	if threads <= 0 {
		threads = runtime.NumCPU()
	}

	var g errgroup.Group
	g.SetLimit(threads)

	for i, name := range names {
		entry, _ := manifest.Entry(name)
		g.Go(func() error {
			outcomes[i] = u.UpdateFile(ctx, entry)
			if u.OnComplete != nil {
				u.OnComplete(outcomes[i])
			}
			return nil
		})
	}
	g.Wait()

	report := UpdateReport{Outcomes: outcomes}
	u.ensureExecutables(report)
	return report
}

// UpdateFile reads entry's file from the store and updates it
func (u *Updater) UpdateFile(ctx context.Context, entry *ManifestEntry) UpdateOutcome {
	unlock := u.Store.Lock(entry.Name)
	defer unlock()

	if !entry.SupportsPlatform(u.Platform) {
		return u.finish(UpdateOutcome{Name: entry.Name, Status: StatusSkipped, To: entry.Digest})
	}

	local, exists, err := u.Store.Read(entry.Name)
	if err != nil {
		return u.fail(UpdateOutcome{Name: entry.Name, To: entry.Digest}, StoreFailed, err)
	}
	if !exists {
		local = nil
	} else if local == nil {
		local = []byte{}
	}
	return u.update(ctx, entry, local)
}

// Update brings local, the current content of name, to entry.Digest and
// commits the result. A nil local means the file does not exist yet. The
// file on disk is only replaced once the final digest has been verified.
func (u *Updater) Update(ctx context.Context, name string, local []byte, entry *ManifestEntry) UpdateOutcome {
	if name != entry.Name {
		return u.fail(UpdateOutcome{Name: name, To: entry.Digest}, StoreFailed,
			fmt.Errorf("entry %q does not describe %q", entry.Name, name))
	}

	unlock := u.Store.Lock(name)
	defer unlock()

	if !entry.SupportsPlatform(u.Platform) {
		return u.finish(UpdateOutcome{Name: name, Status: StatusSkipped, To: entry.Digest})
	}
	return u.update(ctx, entry, local)
}

func (u *Updater) update(ctx context.Context, entry *ManifestEntry, local []byte) UpdateOutcome {
	outcome := UpdateOutcome{Name: entry.Name, To: entry.Digest}

	if err := ctx.Err(); err != nil {
		return u.fail(outcome, Canceled, err)
	}

	// Checking
	if local == nil {
		u.Logger.PushLogDebug(u, fmt.Sprintf("%s is missing", entry.Name))
		return u.fullDownload(ctx, entry, outcome, fmt.Errorf("%s does not exist locally", entry.Name))
	}

	outcome.From = ComputeDigest(local)
	if outcome.From == entry.Digest {
		outcome.Status = StatusUpToDate
		return u.finish(outcome)
	}

	// Planning
	chain, err := PlanChain(outcome.From, entry)
	if err != nil {
		return u.fullDownload(ctx, entry, outcome, err)
	}
	if err := ValidateChain(outcome.From, entry.Digest, chain); err != nil {
		return u.fail(outcome, NeedsFullRedownload, err)
	}
	outcome.Chain = chain

	u.Logger.PushLogDebug(u, fmt.Sprintf("%s: %d patch(es), %s to %s", entry.Name, len(chain), outcome.From.Short(), entry.Digest.Short()))

	buf := local
	for _, edge := range chain {
		next, reason, err := u.applyEdge(ctx, entry, buf, edge)
		if err != nil {
			return u.fail(outcome, reason, fmt.Errorf("patch %s: %w", edge, err))
		}
		buf = next
	}

	// Committing
	if err := u.Store.Commit(entry.Name, buf); err != nil {
		return u.fail(outcome, StoreFailed, err)
	}

	outcome.Status = StatusUpdated
	return u.finish(outcome)
}

// applyEdge fetches one patch and applies it to buf. buf is never modified.
func (u *Updater) applyEdge(ctx context.Context, entry *ManifestEntry, buf []byte, edge PatchEdge) ([]byte, FailureReason, error) {
	raw, reason, err := u.fetchVerified(ctx, edge.Locator, edge.CompressedDigest)
	if err != nil {
		return nil, reason, err
	}

	payload, err := UnwrapPayload(raw, edge.DecompressedSize)
	if err != nil {
		return nil, CorruptPatch, fmt.Errorf("%w: %v", ErrCorruptPatch, err)
	}
	if edge.PatchDigest != nil {
		if err := VerifyDigest(payload, *edge.PatchDigest); err != nil {
			return nil, PatchVerificationFailed, err
		}
	}

	blob, err := DecodePatchForLimit(payload, int64(len(buf)), u.MaxFileSize)
	if err != nil {
		return nil, CorruptPatch, err
	}

	out, err := ApplyPatch(buf, blob)
	if err != nil {
		u.Logger.PushLogError(u, fmt.Sprintf("Failed to apply %s to %s: %v", edge, entry.Name, err))
		return nil, ApplyFailed, err
	}

	// Verifying
	if err := VerifyDigest(out, edge.Destination); err != nil {
		u.Logger.PushLogError(u, fmt.Sprintf("%s does not match after %s: %v", entry.Name, edge, err))
		return nil, PatchVerificationFailed, err
	}
	return out, ReasonNone, nil
}

// fetchVerified fetches locator and checks the fetched bytes against
// expected, downloading again on a mismatch
func (u *Updater) fetchVerified(ctx context.Context, locator string, expected *Digest) ([]byte, FailureReason, error) {
	attempts := u.VerifyAttempts
	if attempts <= 0 {
		attempts = DefaultRetryAttempt
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		raw, err := u.Fetcher.Fetch(ctx, locator)
		if err != nil {
			if ctx.Err() != nil {
				return nil, Canceled, ctx.Err()
			}
			return nil, TransportFailed, err
		}
		if expected == nil {
			return raw, ReasonNone, nil
		}

		lastErr = VerifyDigest(raw, *expected)
		if lastErr == nil {
			return raw, ReasonNone, nil
		}
		u.Logger.PushLogWarning(u, fmt.Sprintf("%s failed verification, attempt %d/%d: %v", locator, attempt, attempts, lastErr))
	}
	return nil, PatchVerificationFailed, lastErr
}

// fullDownload replaces the file with the entry's full download when no
// patch chain applies and fallback is enabled. cause is reported otherwise.
func (u *Updater) fullDownload(ctx context.Context, entry *ManifestEntry, outcome UpdateOutcome, cause error) UpdateOutcome {
	if !u.FullDownloadFallback || entry.Download == "" {
		return u.fail(outcome, NeedsFullRedownload, cause)
	}

	u.Logger.PushLogInfo(u, fmt.Sprintf("Downloading %s in full: %v", entry.Name, cause))

	raw, reason, err := u.fetchVerified(ctx, entry.Download, entry.CompressedDigest)
	if err != nil {
		return u.fail(outcome, reason, err)
	}

	data, err := UnwrapPayload(raw, u.MaxFileSize)
	if err != nil {
		return u.fail(outcome, TransportFailed, fmt.Errorf("failed to unpack %s: %w", entry.Download, err))
	}
	if err := VerifyDigest(data, entry.Digest); err != nil {
		return u.fail(outcome, PatchVerificationFailed, err)
	}

	if err := u.Store.Commit(entry.Name, data); err != nil {
		return u.fail(outcome, StoreFailed, err)
	}

	outcome.Status = StatusDownloaded
	return u.finish(outcome)
}

func (u *Updater) fail(outcome UpdateOutcome, reason FailureReason, err error) UpdateOutcome {
	outcome.Status = StatusFailed
	outcome.Reason = reason
	outcome.Err = err
	if reason == Canceled {
		u.Logger.PushLogDebug(u, fmt.Sprintf("Canceled %s", outcome.Name))
	} else {
		u.Logger.PushLogError(u, fmt.Sprintf("Failed to update %s (%s): %v", outcome.Name, reason, err))
	}
	return outcome
}

func (u *Updater) finish(outcome UpdateOutcome) UpdateOutcome {
	switch outcome.Status {
	case StatusUpdated:
		u.Logger.PushLogInfo(u, fmt.Sprintf("Updated %s with %d patch(es)", outcome.Name, len(outcome.Chain)))
	case StatusDownloaded:
		u.Logger.PushLogInfo(u, fmt.Sprintf("Downloaded %s", outcome.Name))
	default:
		u.Logger.PushLogDebug(u, outcome.String())
	}
	return outcome
}

func (u *Updater) ensureExecutables(report UpdateReport) {
	if len(u.Executables) == 0 {
		return
	}
	for _, o := range report.Outcomes {
		if o.Status == StatusFailed || o.Status == StatusSkipped {
			continue
		}
		for _, exe := range u.Executables {
			if o.Name != exe {
				continue
			}
			if err := u.Store.MakeExecutable(exe); err != nil {
				u.Logger.PushLogWarning(u, fmt.Sprintf("Failed to make %s executable: %v", exe, err))
			}
		}
	}
}
