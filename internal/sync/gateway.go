package sync

import (
	"context"

	"github.com/alexjbarnes/notesync/internal/remote"
)

//go:generate mockgen -source=gateway.go -destination=mock_gateway_test.go -package=sync

// Gateway is the remote store surface the reconciler consumes. Satisfied
// by *remote.Client. Upload and Delete are optimistic-concurrency-checked
// server-side and report a stale parentRevision as a conflict outcome in
// the WriteResult, not as an error.
type Gateway interface {
	List(ctx context.Context) ([]remote.Record, error)
	Download(ctx context.Context, path string, revision int64) (*remote.FileContent, error)
	Upload(ctx context.Context, req remote.UploadRequest) (*remote.WriteResult, error)
	Delete(ctx context.Context, path string, parentRevision int64) (*remote.WriteResult, error)
}
