package remote

// Record is a remote file entry as returned by POST /v1/files/list.
// Revision is assigned by the server on each accepted write and is the
// authoritative ordering signal; UpdatedAt is informational only.
type Record struct {
	Path           string `json:"path"`
	Hash           string `json:"hash"`
	Size           int64  `json:"size"`
	Revision       int64  `json:"revision"`
	ParentRevision int64  `json:"parentRevision"`
	Deleted        bool   `json:"deleted"`
	UpdatedAt      int64  `json:"updatedAt"`
}

// ListResponse is returned from POST /v1/files/list.
type ListResponse struct {
	Records []Record `json:"records"`
}

// DownloadRequest is the payload for POST /v1/files/download.
type DownloadRequest struct {
	Path     string `json:"path"`
	Revision int64  `json:"revision"`
}

// FileContent is returned from POST /v1/files/download.
type FileContent struct {
	Content  []byte `json:"content"`
	Hash     string `json:"hash"`
	Revision int64  `json:"revision"`
}

// UploadRequest is the payload for POST /v1/files/upload. ParentRevision
// is the revision the writer last observed; the server rejects the write
// with a conflict outcome if it is stale.
type UploadRequest struct {
	Path           string `json:"path"`
	Content        []byte `json:"content"`
	Hash           string `json:"hash"`
	Size           int64  `json:"size"`
	ParentRevision int64  `json:"parentRevision"`
}

// DeleteRequest is the payload for POST /v1/files/delete.
type DeleteRequest struct {
	Path           string `json:"path"`
	ParentRevision int64  `json:"parentRevision"`
}

// Conflict reports that the server rejected a write because its current
// revision for the path is ahead of the parent revision the writer sent.
type Conflict struct {
	CurrentRevision int64 `json:"currentRevision"`
	ParentRevision  int64 `json:"yourParentRevision"`
}

// WriteResult is the outcome of an upload or delete. Exactly one of
// Revision (accepted, the newly assigned revision) or Conflict is set.
// A conflict is a first-class outcome, never an error.
type WriteResult struct {
	Revision int64     `json:"revision"`
	Conflict *Conflict `json:"conflict,omitempty"`
}

// APIError represents an error response body from the remote store.
type APIError struct {
	Error string `json:"error"`
	Msg   string `json:"msg"`
}
