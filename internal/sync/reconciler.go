package sync

import (
	"context"
	"fmt"
	"log/slog"
	"path"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	apperrors "github.com/alexjbarnes/notesync/internal/errors"
	"github.com/alexjbarnes/notesync/internal/remote"
	"github.com/alexjbarnes/notesync/internal/state"
	"github.com/alexjbarnes/notesync/internal/vault"
)

const (
	guardIdle int32 = iota
	guardRunning
)

// Reconciler runs the four-phase reconciliation between the remote store,
// the local vault, and the metadata store: snapshot both sides, apply
// newer remote revisions locally, push local deletions, then upload local
// edits. Ordering is deliberate: downloads run before uploads so
// conflicts are detected against the freshest remote state, and deletion
// detection runs in between so a file just created by a download is never
// misread as a local deletion.
//
// At most one pass runs at a time, enforced by an atomic Idle/Running
// guard that is released on every exit path. Safety against inter-device
// races is delegated entirely to the remote store's parentRevision check;
// there is no per-path locking.
type Reconciler struct {
	vault  *vault.Vault
	gw     Gateway
	store  *state.Store
	logger *slog.Logger

	// digest computes the content fingerprint for change detection.
	digest func([]byte) string
	// now is a test hook for timestamps and conflict-copy names.
	now func() time.Time

	guard atomic.Int32
}

// NewReconciler creates a reconciler with the given collaborators.
func NewReconciler(v *vault.Vault, gw Gateway, store *state.Store, logger *slog.Logger) *Reconciler {
	return &Reconciler{
		vault:  v,
		gw:     gw,
		store:  store,
		logger: logger,
		digest: vault.Digest,
		now:    time.Now,
	}
}

// snapshot holds the listings a pass operates on. processed accumulates
// every path acted upon in the download and remote-delete phases so the
// later phases never misclassify a just-written file.
type snapshot struct {
	remote    map[string]remote.Record
	local     map[string]vault.FileRecord
	processed map[string]bool
}

// Reconcile executes one full pass and returns its report. It fails with
// errors.ErrSyncInProgress if a pass is already active and with
// errors.ErrListingFailed if either side cannot be listed (no per-file
// work happens in that case). Per-path failures are recorded in the
// report and never abort the pass.
func (r *Reconciler) Reconcile(ctx context.Context) (*Report, error) {
	if !r.guard.CompareAndSwap(guardIdle, guardRunning) {
		return nil, apperrors.ErrSyncInProgress
	}
	defer r.guard.Store(guardIdle)

	report := &Report{Started: r.now()}

	remoteRecords, err := r.gw.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: remote: %v", apperrors.ErrListingFailed, err)
	}

	localRecords, err := r.vault.List(r.logger)
	if err != nil {
		return nil, fmt.Errorf("%w: local: %v", apperrors.ErrListingFailed, err)
	}

	snap := &snapshot{
		remote:    make(map[string]remote.Record, len(remoteRecords)),
		local:     make(map[string]vault.FileRecord, len(localRecords)),
		processed: make(map[string]bool),
	}
	for _, rec := range remoteRecords {
		rec.Path = vault.NormalizePath(rec.Path)
		snap.remote[rec.Path] = rec
	}
	for _, f := range localRecords {
		snap.local[f.Path] = f
	}

	r.logger.Debug("snapshot complete",
		slog.Int("remote", len(snap.remote)),
		slog.Int("local", len(snap.local)),
		slog.Int("tracked", r.store.Len()),
	)

	r.phaseDownloads(ctx, snap, report)
	r.phaseLocalDeletes(ctx, snap, report)
	r.phaseUploads(ctx, snap, report)

	report.Duration = time.Since(report.Started)
	r.logger.Info("reconcile pass complete",
		slog.Int("downloads", report.Downloads),
		slog.Int("uploads", report.Uploads),
		slog.Int("local_deletes", report.LocalDeletes),
		slog.Int("remote_deletes", report.RemoteDeletes),
		slog.Int("merges", report.Merges),
		slog.Int("conflicts", report.Conflicts),
		slog.Int("skips", report.Skips),
		slog.Int("failures", report.Failures),
		slog.Duration("took", report.Duration),
	)

	return report, nil
}

// Running reports whether a pass is currently active.
func (r *Reconciler) Running() bool {
	return r.guard.Load() == guardRunning
}

// ForceReset returns the single-flight guard to idle without waiting for
// the active pass. Operator escape hatch for a wedged guard only: unsafe
// if a pass is genuinely still running.
func (r *Reconciler) ForceReset() {
	r.guard.Store(guardIdle)
	r.logger.Warn("single-flight guard force-reset")
}

// phaseDownloads applies every remote record whose revision is ahead of
// the locally known one: tombstones delete, divergent local edits merge,
// everything else downloads.
func (r *Reconciler) phaseDownloads(ctx context.Context, snap *snapshot, report *Report) {
	for _, p := range sortedRecordPaths(snap.remote) {
		rec := snap.remote[p]

		// Another client may sync paths this vault excludes. Writing
		// them would create files the listing never reports, which the
		// deletion phase would then chase forever.
		if r.vault.Ignored(p) {
			snap.processed[p] = true
			report.record(p, ActionSkip, rec.Revision, "ignored path")
			continue
		}

		meta, known := r.store.Get(p)
		if known && rec.Revision <= meta.Revision {
			// Local is at or ahead of the known remote revision.
			continue
		}

		if rec.Deleted {
			r.applyRemoteDelete(p, rec, snap, report)
			continue
		}

		if _, hasLocal := snap.local[p]; hasLocal {
			content, err := r.vault.Read(p)
			if err != nil {
				r.fail(report, p, "reading local file", err)
				continue
			}
			cur := r.digest(content)

			if cur == rec.Hash {
				// Same content arrived on both sides; adopt the remote
				// revision without touching the file.
				r.store.Set(p, state.SyncMeta{
					Digest:         cur,
					Revision:       rec.Revision,
					ParentRevision: rec.Revision,
					UpdatedAt:      r.now().UnixMilli(),
				})
				snap.processed[p] = true
				report.record(p, ActionSkip, rec.Revision, "content identical")
				continue
			}

			if cur != meta.Digest {
				// Local was also edited since the last sync: a true
				// conflict. meta is the zero value when the path was
				// never synced, which lands here too.
				r.applyMerge(ctx, p, rec, content, meta, known, snap, report)
				continue
			}
		}

		r.applyDownload(ctx, p, rec, snap, report)
	}
}

// applyRemoteDelete observes a remote tombstone: remove the local file if
// present and record the tombstone at the remote revision.
func (r *Reconciler) applyRemoteDelete(p string, rec remote.Record, snap *snapshot, report *Report) {
	if r.vault.Exists(p) {
		if err := r.vault.Delete(p); err != nil {
			r.fail(report, p, "deleting local file", err)
			return
		}
	}

	r.store.Set(p, state.SyncMeta{
		Digest:         "",
		Revision:       rec.Revision,
		ParentRevision: rec.Revision,
		UpdatedAt:      r.now().UnixMilli(),
	})
	snap.processed[p] = true
	report.record(p, ActionLocalDelete, rec.Revision, "")
	r.logger.Info("applied remote delete", slog.String("path", p), slog.Int64("revision", rec.Revision))
}

// applyMerge downloads the remote content and writes the marker-merged
// result over the local file. The stored digest deliberately keeps its
// pre-merge value so the next pass sees the merged file as locally
// changed and uploads it.
func (r *Reconciler) applyMerge(ctx context.Context, p string, rec remote.Record, localContent []byte, meta state.SyncMeta, known bool, snap *snapshot, report *Report) {
	fc, err := r.gw.Download(ctx, p, rec.Revision)
	if err != nil {
		r.fail(report, p, "downloading for merge", err)
		return
	}

	merged := Merge(string(localContent), string(fc.Content))
	if err := r.vault.Write(p, []byte(merged)); err != nil {
		r.fail(report, p, "writing merged file", err)
		return
	}

	// When the path was never synced, or the prior entry is a tombstone,
	// there is no last-synced digest to keep; the pre-merge local digest
	// serves the same purpose. Carrying a tombstone's empty digest here
	// would mark the merged live file as deleted.
	mergeDigest := meta.Digest
	if !known || meta.Tombstone() {
		mergeDigest = r.digest(localContent)
	}

	r.store.Set(p, state.SyncMeta{
		Digest:         mergeDigest,
		Revision:       rec.Revision,
		ParentRevision: rec.Revision,
		UpdatedAt:      r.now().UnixMilli(),
	})
	snap.processed[p] = true
	report.record(p, ActionMerge, rec.Revision, "")
	r.logger.Info("merged divergent edits",
		slog.String("path", p),
		slog.Int64("revision", rec.Revision),
	)
}

// applyDownload fetches remote content and writes it to the vault.
func (r *Reconciler) applyDownload(ctx context.Context, p string, rec remote.Record, snap *snapshot, report *Report) {
	fc, err := r.gw.Download(ctx, p, rec.Revision)
	if err != nil {
		r.fail(report, p, "downloading", err)
		return
	}

	if err := r.vault.Write(p, fc.Content); err != nil {
		r.fail(report, p, "writing downloaded file", err)
		return
	}

	r.store.Set(p, state.SyncMeta{
		Digest:         r.digest(fc.Content),
		Revision:       rec.Revision,
		ParentRevision: rec.Revision,
		UpdatedAt:      r.now().UnixMilli(),
	})
	snap.processed[p] = true
	report.record(p, ActionDownload, rec.Revision, "")
	r.logger.Info("downloaded",
		slog.String("path", p),
		slog.Int64("revision", rec.Revision),
		slog.Int("bytes", len(fc.Content)),
	)
}

// phaseLocalDeletes pushes a remote delete for every tracked path that
// has disappeared locally. The local listing is only a hint: absence is
// re-verified against the filesystem before any delete is issued, since
// a listing taken just after a write can be transiently stale.
func (r *Reconciler) phaseLocalDeletes(ctx context.Context, snap *snapshot, report *Report) {
	tracked := r.store.All()
	for _, p := range sortedMetaPaths(tracked) {
		meta := tracked[p]
		if snap.processed[p] {
			continue
		}
		if _, present := snap.local[p]; present {
			continue
		}
		if meta.Tombstone() {
			// Deletion already observed and applied; nothing to push.
			continue
		}
		if r.vault.Exists(p) {
			r.logger.Debug("stale listing, file still present", slog.String("path", p))
			continue
		}

		rec, hasRemote := snap.remote[p]
		if hasRemote && rec.Revision > meta.Revision {
			// Remote moved ahead; the download phase owns this path.
			continue
		}
		if !hasRemote {
			// The store no longer tracks it either; just forget it.
			r.store.Remove(p)
			report.record(p, ActionSkip, 0, "untracked remotely")
			continue
		}

		result, err := r.gw.Delete(ctx, p, meta.Revision)
		if err != nil {
			r.fail(report, p, "pushing delete", err)
			continue
		}
		if result.Conflict != nil {
			// Someone updated the path first. Take no local action; the
			// next pass's download phase reconciles it.
			report.record(p, ActionSkip, result.Conflict.CurrentRevision, "delete conflict")
			r.logger.Info("remote delete rejected, remote is newer",
				slog.String("path", p),
				slog.Int64("current_revision", result.Conflict.CurrentRevision),
			)
			continue
		}

		r.store.Set(p, state.SyncMeta{
			Digest:         "",
			Revision:       result.Revision,
			ParentRevision: result.Revision,
			UpdatedAt:      r.now().UnixMilli(),
		})
		snap.processed[p] = true
		report.record(p, ActionRemoteDelete, result.Revision, "")
		r.logger.Info("pushed delete", slog.String("path", p), slog.Int64("revision", result.Revision))
	}
}

// phaseUploads pushes every local file whose content diverged from its
// last synced digest, conditioned on the last observed revision. A
// rejected upload renames the local file to a conflict copy and drops the
// path's metadata so the next pass downloads the winning remote content.
func (r *Reconciler) phaseUploads(ctx context.Context, snap *snapshot, report *Report) {
	for _, p := range sortedFilePaths(snap.local) {
		if snap.processed[p] {
			continue
		}

		content, err := r.vault.Read(p)
		if err != nil {
			r.fail(report, p, "reading for upload", err)
			continue
		}
		cur := r.digest(content)

		meta, known := r.store.Get(p)
		if known && meta.Digest == cur {
			// Unchanged since the last sync.
			continue
		}

		if rec, hasRemote := snap.remote[p]; hasRemote && (!known || rec.Revision > meta.Revision) {
			// Remote moved ahead without us noticing. Skip the upload;
			// the next pass's download phase picks it up, possibly as a
			// merge.
			report.record(p, ActionSkip, rec.Revision, "remote ahead")
			continue
		}

		var parent int64
		if known {
			parent = meta.Revision
		}

		result, err := r.gw.Upload(ctx, remote.UploadRequest{
			Path:           p,
			Content:        content,
			Hash:           cur,
			Size:           int64(len(content)),
			ParentRevision: parent,
		})
		if err != nil {
			r.fail(report, p, "uploading", err)
			continue
		}
		if result.Conflict != nil {
			r.renameConflict(p, result.Conflict, report)
			continue
		}

		r.store.Set(p, state.SyncMeta{
			Digest:         cur,
			Revision:       result.Revision,
			ParentRevision: result.Revision,
			UpdatedAt:      r.now().UnixMilli(),
		})
		report.record(p, ActionUpload, result.Revision, "")
		r.logger.Info("uploaded",
			slog.String("path", p),
			slog.Int64("revision", result.Revision),
			slog.Int("bytes", len(content)),
		)
	}
}

// renameConflict preserves local work that lost an upload race: the file
// moves to a conflict-suffixed name and the original path's metadata is
// dropped so the next pass fetches the winning remote content fresh. No
// automatic re-merge is attempted here.
func (r *Reconciler) renameConflict(p string, conflict *remote.Conflict, report *Report) {
	conflictPath := r.conflictPath(p)
	if err := r.vault.Rename(p, conflictPath); err != nil {
		r.fail(report, p, "renaming conflict copy", err)
		return
	}

	r.store.Remove(p)
	report.record(p, ActionConflictRename, conflict.CurrentRevision, conflictPath)
	r.logger.Warn("upload conflict, local work preserved",
		slog.String("path", p),
		slog.String("saved_as", conflictPath),
		slog.Int64("current_revision", conflict.CurrentRevision),
	)
}

// conflictPath builds a timestamped conflict-copy name that does not
// collide with an existing file.
func (r *Reconciler) conflictPath(p string) string {
	ext := path.Ext(p)
	base := strings.TrimSuffix(p, ext)
	stamp := r.now().Format("20060102-150405")

	candidate := fmt.Sprintf("%s.conflict-%s%s", base, stamp, ext)
	if !r.vault.Exists(candidate) {
		return candidate
	}
	for i := 1; i < 100; i++ {
		candidate = fmt.Sprintf("%s.conflict-%s-%d%s", base, stamp, i, ext)
		if !r.vault.Exists(candidate) {
			return candidate
		}
	}
	return candidate
}

func (r *Reconciler) fail(report *Report, p, action string, err error) {
	report.record(p, ActionFailed, 0, action+": "+err.Error())
	r.logger.Warn("per-file failure",
		slog.String("path", p),
		slog.String("action", action),
		slog.String("error", err.Error()),
	)
}

func sortedRecordPaths(m map[string]remote.Record) []string {
	out := make([]string, 0, len(m))
	for p := range m {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

func sortedFilePaths(m map[string]vault.FileRecord) []string {
	out := make([]string, 0, len(m))
	for p := range m {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

func sortedMetaPaths(m map[string]state.SyncMeta) []string {
	out := make([]string, 0, len(m))
	for p := range m {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}
