package sync

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	apperrors "github.com/alexjbarnes/notesync/internal/errors"
	"github.com/alexjbarnes/notesync/internal/remote"
	"github.com/alexjbarnes/notesync/internal/state"
	"github.com/alexjbarnes/notesync/internal/vault"
)

func testReconciler(t *testing.T) (*Reconciler, *MockGateway, *vault.Vault, *state.Store) {
	t.Helper()

	ctrl := gomock.NewController(t)
	gw := NewMockGateway(ctrl)
	v := vault.New(t.TempDir(), nil)
	store := state.NewStore()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	r := NewReconciler(v, gw, store, logger)
	r.now = func() time.Time { return time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC) }

	return r, gw, v, store
}

func TestReconcile_FreshLocalFileUploads(t *testing.T) {
	r, gw, v, store := testReconciler(t)
	content := []byte("# New note\n")
	require.NoError(t, v.Write("notes/a.md", content))

	gw.EXPECT().List(gomock.Any()).Return(nil, nil)
	gw.EXPECT().Upload(gomock.Any(), gomock.Any()).DoAndReturn(
		func(_ context.Context, req remote.UploadRequest) (*remote.WriteResult, error) {
			assert.Equal(t, "notes/a.md", req.Path)
			assert.Equal(t, content, req.Content)
			assert.Equal(t, vault.Digest(content), req.Hash)
			assert.Equal(t, int64(0), req.ParentRevision)
			return &remote.WriteResult{Revision: 1}, nil
		})

	report, err := r.Reconcile(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Uploads)

	meta, ok := store.Get("notes/a.md")
	require.True(t, ok)
	assert.Equal(t, vault.Digest(content), meta.Digest)
	assert.Equal(t, int64(1), meta.Revision)
	assert.Equal(t, int64(1), meta.ParentRevision)
}

func TestReconcile_NewRemoteFileDownloads(t *testing.T) {
	r, gw, v, store := testReconciler(t)
	content := []byte("remote body\n")

	gw.EXPECT().List(gomock.Any()).Return([]remote.Record{
		{Path: "b.md", Hash: vault.Digest(content), Revision: 3},
	}, nil)
	gw.EXPECT().Download(gomock.Any(), "b.md", int64(3)).
		Return(&remote.FileContent{Content: content, Hash: vault.Digest(content), Revision: 3}, nil)

	report, err := r.Reconcile(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Downloads)

	got, err := v.Read("b.md")
	require.NoError(t, err)
	assert.Equal(t, content, got)

	meta, ok := store.Get("b.md")
	require.True(t, ok)
	assert.Equal(t, vault.Digest(content), meta.Digest)
	assert.Equal(t, int64(3), meta.Revision)
	assert.Equal(t, int64(3), meta.ParentRevision)
}

func TestReconcile_NothingChangedIsNoOp(t *testing.T) {
	r, gw, v, store := testReconciler(t)
	content := []byte("steady state\n")
	require.NoError(t, v.Write("a.md", content))
	store.Set("a.md", state.SyncMeta{Digest: vault.Digest(content), Revision: 2, ParentRevision: 2})

	gw.EXPECT().List(gomock.Any()).Return([]remote.Record{
		{Path: "a.md", Hash: vault.Digest(content), Revision: 2},
	}, nil)

	report, err := r.Reconcile(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, report.Actions())
	assert.Equal(t, 0, report.Failures)
}

func TestReconcile_IdenticalContentAdoptsRemoteRevision(t *testing.T) {
	r, gw, v, store := testReconciler(t)
	content := []byte("same bytes on both sides\n")
	require.NoError(t, v.Write("a.md", content))
	store.Set("a.md", state.SyncMeta{Digest: "olddigest", Revision: 1, ParentRevision: 1})

	// No Download expectation: identical content must not transfer.
	gw.EXPECT().List(gomock.Any()).Return([]remote.Record{
		{Path: "a.md", Hash: vault.Digest(content), Revision: 2},
	}, nil)

	report, err := r.Reconcile(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, report.Actions())
	assert.Equal(t, 1, report.Skips)

	meta, _ := store.Get("a.md")
	assert.Equal(t, int64(2), meta.Revision)
	assert.Equal(t, vault.Digest(content), meta.Digest)
}

func TestReconcile_DivergentEditsMergeThenUpload(t *testing.T) {
	r, gw, v, store := testReconciler(t)

	base := []byte("shared line\n")
	local := []byte("shared line\nlocal addition\n")
	remoteContent := []byte("shared line\nremote addition\n")

	require.NoError(t, v.Write("doc.md", local))
	store.Set("doc.md", state.SyncMeta{Digest: vault.Digest(base), Revision: 1, ParentRevision: 1})

	gw.EXPECT().List(gomock.Any()).Return([]remote.Record{
		{Path: "doc.md", Hash: vault.Digest(remoteContent), Revision: 2},
	}, nil)
	gw.EXPECT().Download(gomock.Any(), "doc.md", int64(2)).
		Return(&remote.FileContent{Content: remoteContent, Revision: 2}, nil)

	report, err := r.Reconcile(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Merges)
	assert.Equal(t, 0, report.Uploads, "merged content must not upload in the same pass")

	merged, err := v.Read("doc.md")
	require.NoError(t, err)
	assert.Contains(t, string(merged), markerLocal)
	assert.Contains(t, string(merged), markerSep)
	assert.Contains(t, string(merged), markerRemote)
	assert.Contains(t, string(merged), "local addition")
	assert.Contains(t, string(merged), "remote addition")

	// Digest keeps its pre-merge value so the merged file reads as a
	// local change next pass, at the remote's revision.
	meta, ok := store.Get("doc.md")
	require.True(t, ok)
	assert.Equal(t, vault.Digest(base), meta.Digest)
	assert.Equal(t, int64(2), meta.Revision)
	assert.Equal(t, int64(2), meta.ParentRevision)

	// Second pass uploads the merged result conditioned on revision 2.
	gw.EXPECT().List(gomock.Any()).Return([]remote.Record{
		{Path: "doc.md", Hash: vault.Digest(remoteContent), Revision: 2},
	}, nil)
	gw.EXPECT().Upload(gomock.Any(), gomock.Any()).DoAndReturn(
		func(_ context.Context, req remote.UploadRequest) (*remote.WriteResult, error) {
			assert.Equal(t, merged, req.Content)
			assert.Equal(t, int64(2), req.ParentRevision)
			return &remote.WriteResult{Revision: 3}, nil
		})

	report, err = r.Reconcile(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Uploads)

	meta, _ = store.Get("doc.md")
	assert.Equal(t, vault.Digest(merged), meta.Digest)
	assert.Equal(t, int64(3), meta.Revision)
}

func TestReconcile_MergeOverTombstoneKeepsLiveMetadata(t *testing.T) {
	r, gw, v, store := testReconciler(t)

	local := []byte("recreated locally\n")
	remoteContent := []byte("recreated remotely\n")
	require.NoError(t, v.Write("a.md", local))
	store.Set("a.md", state.SyncMeta{Revision: 5, ParentRevision: 5})

	gw.EXPECT().List(gomock.Any()).Return([]remote.Record{
		{Path: "a.md", Hash: vault.Digest(remoteContent), Revision: 6},
	}, nil)
	gw.EXPECT().Download(gomock.Any(), "a.md", int64(6)).
		Return(&remote.FileContent{Content: remoteContent, Revision: 6}, nil)

	report, err := r.Reconcile(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Merges)

	// The merged file is live; carrying the tombstone's empty digest
	// forward would mark it as deleted.
	meta, ok := store.Get("a.md")
	require.True(t, ok)
	assert.False(t, meta.Tombstone(), "merged live file must not read as a tombstone")
	assert.Equal(t, vault.Digest(local), meta.Digest)
	assert.Equal(t, int64(6), meta.Revision)

	// A later local deletion of the merged file must still propagate.
	require.NoError(t, v.Delete("a.md"))

	gw.EXPECT().List(gomock.Any()).Return([]remote.Record{
		{Path: "a.md", Hash: vault.Digest(remoteContent), Revision: 6},
	}, nil)
	gw.EXPECT().Delete(gomock.Any(), "a.md", int64(6)).
		Return(&remote.WriteResult{Revision: 7}, nil)

	report, err = r.Reconcile(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.RemoteDeletes)

	meta, _ = store.Get("a.md")
	assert.True(t, meta.Tombstone())
	assert.Equal(t, int64(7), meta.Revision)
}

func TestReconcile_IgnoredRemotePathNotWritten(t *testing.T) {
	r, gw, v, store := testReconciler(t)

	// No Download expectation: excluded paths are never fetched, even
	// when another client uploaded them.
	gw.EXPECT().List(gomock.Any()).Return([]remote.Record{
		{Path: ".env", Hash: "h1", Revision: 2},
		{Path: "scratch.tmp", Hash: "h2", Revision: 3},
	}, nil)

	report, err := r.Reconcile(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, report.Downloads)
	assert.Equal(t, 2, report.Skips)

	assert.False(t, v.Exists(".env"))
	assert.False(t, v.Exists("scratch.tmp"))
	_, ok := store.Get(".env")
	assert.False(t, ok)
}

func TestReconcile_UploadConflictPreservesLocalWork(t *testing.T) {
	r, gw, v, store := testReconciler(t)
	content := []byte("my edit\n")
	require.NoError(t, v.Write("a.md", content))
	store.Set("a.md", state.SyncMeta{Digest: "staledigest", Revision: 1, ParentRevision: 1})

	gw.EXPECT().List(gomock.Any()).Return([]remote.Record{
		{Path: "a.md", Hash: "remotehash", Revision: 1},
	}, nil)
	gw.EXPECT().Upload(gomock.Any(), gomock.Any()).Return(&remote.WriteResult{
		Conflict: &remote.Conflict{CurrentRevision: 5, ParentRevision: 1},
	}, nil)

	report, err := r.Reconcile(context.Background())
	require.NoError(t, err, "a rejected write is an outcome, not an error")
	assert.Equal(t, 1, report.Conflicts)

	assert.False(t, v.Exists("a.md"))
	saved, err := v.Read("a.conflict-20250102-030405.md")
	require.NoError(t, err)
	assert.Equal(t, content, saved)

	// Dropped metadata means the next pass fetches the winning remote
	// content to the original path.
	_, ok := store.Get("a.md")
	assert.False(t, ok)
}

func TestReconcile_RemoteTombstoneDeletesLocally(t *testing.T) {
	r, gw, v, store := testReconciler(t)
	require.NoError(t, v.Write("gone.md", []byte("old\n")))
	store.Set("gone.md", state.SyncMeta{Digest: vault.Digest([]byte("old\n")), Revision: 2, ParentRevision: 2})

	gw.EXPECT().List(gomock.Any()).Return([]remote.Record{
		{Path: "gone.md", Revision: 3, Deleted: true},
	}, nil)

	report, err := r.Reconcile(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.LocalDeletes)

	assert.False(t, v.Exists("gone.md"))

	meta, ok := store.Get("gone.md")
	require.True(t, ok)
	assert.True(t, meta.Tombstone())
	assert.Equal(t, int64(3), meta.Revision)
}

func TestReconcile_RecreationAfterTombstoneUploads(t *testing.T) {
	r, gw, v, store := testReconciler(t)
	content := []byte("back again\n")
	require.NoError(t, v.Write("a.md", content))
	store.Set("a.md", state.SyncMeta{Revision: 5, ParentRevision: 5})

	gw.EXPECT().List(gomock.Any()).Return([]remote.Record{
		{Path: "a.md", Revision: 5, Deleted: true},
	}, nil)
	gw.EXPECT().Upload(gomock.Any(), gomock.Any()).DoAndReturn(
		func(_ context.Context, req remote.UploadRequest) (*remote.WriteResult, error) {
			assert.Equal(t, int64(5), req.ParentRevision, "recreation chains off the tombstone revision")
			return &remote.WriteResult{Revision: 6}, nil
		})

	report, err := r.Reconcile(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Uploads)

	meta, _ := store.Get("a.md")
	assert.False(t, meta.Tombstone())
	assert.Equal(t, int64(6), meta.Revision)
}

func TestReconcile_LocalDeletionPushedRemotely(t *testing.T) {
	r, gw, _, store := testReconciler(t)
	store.Set("a.md", state.SyncMeta{Digest: "d", Revision: 2, ParentRevision: 2})

	gw.EXPECT().List(gomock.Any()).Return([]remote.Record{
		{Path: "a.md", Hash: "d", Revision: 2},
	}, nil)
	gw.EXPECT().Delete(gomock.Any(), "a.md", int64(2)).
		Return(&remote.WriteResult{Revision: 3}, nil)

	report, err := r.Reconcile(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.RemoteDeletes)

	meta, ok := store.Get("a.md")
	require.True(t, ok)
	assert.True(t, meta.Tombstone())
	assert.Equal(t, int64(3), meta.Revision)
}

func TestReconcile_DeleteConflictLeavesStateUntouched(t *testing.T) {
	r, gw, _, store := testReconciler(t)
	store.Set("a.md", state.SyncMeta{Digest: "d", Revision: 2, ParentRevision: 2})

	gw.EXPECT().List(gomock.Any()).Return([]remote.Record{
		{Path: "a.md", Hash: "d", Revision: 2},
	}, nil)
	gw.EXPECT().Delete(gomock.Any(), "a.md", int64(2)).
		Return(&remote.WriteResult{Conflict: &remote.Conflict{CurrentRevision: 4, ParentRevision: 2}}, nil)

	report, err := r.Reconcile(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, report.RemoteDeletes)
	assert.Equal(t, 1, report.Skips)

	meta, _ := store.Get("a.md")
	assert.False(t, meta.Tombstone())
	assert.Equal(t, int64(2), meta.Revision)
}

func TestReconcile_UntrackedRemotelyIsForgotten(t *testing.T) {
	r, gw, _, store := testReconciler(t)
	store.Set("orphan.md", state.SyncMeta{Digest: "d", Revision: 2, ParentRevision: 2})

	// No Delete expectation: nothing remote references the path.
	gw.EXPECT().List(gomock.Any()).Return(nil, nil)

	report, err := r.Reconcile(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, report.RemoteDeletes)

	_, ok := store.Get("orphan.md")
	assert.False(t, ok)
}

func TestPhaseLocalDeletes_StaleListingReVerified(t *testing.T) {
	r, _, v, store := testReconciler(t)
	require.NoError(t, v.Write("a.md", []byte("still here\n")))
	store.Set("a.md", state.SyncMeta{Digest: "d", Revision: 2, ParentRevision: 2})

	// The listing omits the file but it exists on disk. No Delete call
	// may be issued.
	snap := &snapshot{
		remote:    map[string]remote.Record{"a.md": {Path: "a.md", Hash: "d", Revision: 2}},
		local:     map[string]vault.FileRecord{},
		processed: map[string]bool{},
	}

	report := &Report{}
	r.phaseLocalDeletes(context.Background(), snap, report)

	assert.Equal(t, 0, report.RemoteDeletes)
	meta, ok := store.Get("a.md")
	require.True(t, ok)
	assert.False(t, meta.Tombstone())
}

func TestPhaseLocalDeletes_RemoteAheadDefersToDownload(t *testing.T) {
	r, _, _, store := testReconciler(t)
	store.Set("a.md", state.SyncMeta{Digest: "d", Revision: 2, ParentRevision: 2})

	snap := &snapshot{
		remote:    map[string]remote.Record{"a.md": {Path: "a.md", Hash: "new", Revision: 5}},
		local:     map[string]vault.FileRecord{},
		processed: map[string]bool{},
	}

	report := &Report{}
	r.phaseLocalDeletes(context.Background(), snap, report)

	assert.Equal(t, 0, report.RemoteDeletes)
	meta, _ := store.Get("a.md")
	assert.Equal(t, int64(2), meta.Revision)
}

func TestReconcile_SecondPassRejectedWhileRunning(t *testing.T) {
	r, gw, _, _ := testReconciler(t)

	r.guard.Store(guardRunning)
	_, err := r.Reconcile(context.Background())
	require.ErrorIs(t, err, apperrors.ErrSyncInProgress)
	assert.True(t, r.Running())

	r.ForceReset()
	assert.False(t, r.Running())

	gw.EXPECT().List(gomock.Any()).Return(nil, nil)
	_, err = r.Reconcile(context.Background())
	require.NoError(t, err)
}

func TestReconcile_ListingFailureAbortsAndReleasesGuard(t *testing.T) {
	r, gw, _, store := testReconciler(t)
	store.Set("a.md", state.SyncMeta{Digest: "d", Revision: 1, ParentRevision: 1})

	gw.EXPECT().List(gomock.Any()).Return(nil, fmt.Errorf("boom"))

	_, err := r.Reconcile(context.Background())
	require.ErrorIs(t, err, apperrors.ErrListingFailed)
	assert.False(t, r.Running())

	// Metadata is untouched by an aborted pass.
	meta, ok := store.Get("a.md")
	require.True(t, ok)
	assert.Equal(t, int64(1), meta.Revision)

	gw.EXPECT().List(gomock.Any()).Return(nil, fmt.Errorf("boom"))
	gw.EXPECT().Delete(gomock.Any(), "a.md", int64(1)).Times(0)
	_, err = r.Reconcile(context.Background())
	require.ErrorIs(t, err, apperrors.ErrListingFailed)
}

func TestReconcile_PerFileFailureDoesNotAbortPass(t *testing.T) {
	r, gw, v, store := testReconciler(t)
	require.NoError(t, v.Write("a.md", []byte("one\n")))
	require.NoError(t, v.Write("b.md", []byte("two\n")))

	gw.EXPECT().List(gomock.Any()).Return(nil, nil)
	gw.EXPECT().Upload(gomock.Any(), gomock.Any()).DoAndReturn(
		func(_ context.Context, req remote.UploadRequest) (*remote.WriteResult, error) {
			if req.Path == "a.md" {
				return nil, fmt.Errorf("transient network error")
			}
			return &remote.WriteResult{Revision: 1}, nil
		}).Times(2)

	report, err := r.Reconcile(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Failures)
	assert.Equal(t, 1, report.Uploads)

	_, ok := store.Get("a.md")
	assert.False(t, ok, "failed upload must not record metadata")
	_, ok = store.Get("b.md")
	assert.True(t, ok)
}

func TestReconcile_FailedMergeDownloadSkipsUpload(t *testing.T) {
	r, gw, v, store := testReconciler(t)
	require.NoError(t, v.Write("a.md", []byte("local edit\n")))
	store.Set("a.md", state.SyncMeta{Digest: "base", Revision: 1, ParentRevision: 1})

	// The download for the merge fails; the upload phase must not then
	// push the stale local content over the newer remote revision.
	gw.EXPECT().List(gomock.Any()).Return([]remote.Record{
		{Path: "a.md", Hash: "remotehash", Revision: 2},
	}, nil)
	gw.EXPECT().Download(gomock.Any(), "a.md", int64(2)).
		Return(nil, fmt.Errorf("read timeout"))

	report, err := r.Reconcile(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Failures)
	assert.Equal(t, 0, report.Uploads)
	assert.Equal(t, 1, report.Skips)

	meta, _ := store.Get("a.md")
	assert.Equal(t, int64(1), meta.Revision)
}

func TestConflictPath_UniqueWhenCandidateExists(t *testing.T) {
	r, _, v, _ := testReconciler(t)
	require.NoError(t, v.Write("a.conflict-20250102-030405.md", []byte("earlier loser\n")))

	got := r.conflictPath("a.md")
	assert.Equal(t, "a.conflict-20250102-030405-1.md", got)
}

func TestConflictPath_NoExtension(t *testing.T) {
	r, _, _, _ := testReconciler(t)
	assert.Equal(t, "Makefile.conflict-20250102-030405", r.conflictPath("Makefile"))
}
