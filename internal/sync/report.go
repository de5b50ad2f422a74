package sync

import "time"

// Action classifies what the reconciler did (or failed to do) for a path.
type Action string

const (
	ActionDownload       Action = "download"
	ActionLocalDelete    Action = "local-delete"
	ActionMerge          Action = "merge"
	ActionUpload         Action = "upload"
	ActionRemoteDelete   Action = "remote-delete"
	ActionConflictRename Action = "conflict-rename"
	ActionSkip           Action = "skip"
	ActionFailed         Action = "failed"
)

// Outcome records what happened to one path during a pass.
type Outcome struct {
	Path     string
	Action   Action
	Revision int64
	Detail   string
}

// Report summarizes a single reconcile pass. Per-path failures are
// recorded here and logged; they never abort the pass itself.
type Report struct {
	Started  time.Time
	Duration time.Duration

	Downloads     int
	LocalDeletes  int
	Merges        int
	Uploads       int
	RemoteDeletes int
	Conflicts     int
	Skips         int
	Failures      int

	Outcomes []Outcome
}

// Actions returns the total number of effective actions taken, excluding
// skips and failures. A no-op pass reports zero.
func (r *Report) Actions() int {
	return r.Downloads + r.LocalDeletes + r.Merges + r.Uploads + r.RemoteDeletes + r.Conflicts
}

func (r *Report) record(path string, action Action, revision int64, detail string) {
	r.Outcomes = append(r.Outcomes, Outcome{Path: path, Action: action, Revision: revision, Detail: detail})

	switch action {
	case ActionDownload:
		r.Downloads++
	case ActionLocalDelete:
		r.LocalDeletes++
	case ActionMerge:
		r.Merges++
	case ActionUpload:
		r.Uploads++
	case ActionRemoteDelete:
		r.RemoteDeletes++
	case ActionConflictRename:
		r.Conflicts++
	case ActionSkip:
		r.Skips++
	case ActionFailed:
		r.Failures++
	}
}
