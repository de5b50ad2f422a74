package sync

import (
	"strings"

	"github.com/sergi/go-diff/diffmatchpatch"
)

// Conflict markers match the git convention so editors highlight them.
const (
	markerLocal  = "<<<<<<< Local"
	markerSep    = "======="
	markerRemote = ">>>>>>> Remote"
)

// Merge reconciles two divergent texts into one document with embedded
// conflict markers. The pre-edit base is not available, so this is a
// two-way comparison: equal spans are emitted verbatim, and each
// contiguous run of differing spans becomes one marker block holding the
// local-only text and the remote-only text. Diffing runs at line
// granularity so every span is a run of whole lines; a line edited on
// both sides appears in full on each side of its block, never split
// mid-line. Output is meant for manual resolution; nearby edits may
// produce adjacent blocks rather than one coalesced block.
//
// Merge is a pure function over the diff opcodes and touches no I/O.
func Merge(local, remote string) string {
	dmp := diffmatchpatch.New()
	localLines, remoteLines, lines := dmp.DiffLinesToChars(local, remote)
	diffs := dmp.DiffCharsToLines(dmp.DiffMain(localLines, remoteLines, false), lines)

	var out strings.Builder
	var localRun, remoteRun strings.Builder
	inConflict := false

	flush := func() {
		if !inConflict {
			return
		}
		writeBlock(&out, localRun.String(), remoteRun.String())
		localRun.Reset()
		remoteRun.Reset()
		inConflict = false
	}

	for _, d := range diffs {
		switch d.Type {
		case diffmatchpatch.DiffEqual:
			flush()
			out.WriteString(d.Text)
		case diffmatchpatch.DiffDelete:
			// Present only in the local text.
			localRun.WriteString(d.Text)
			inConflict = true
		case diffmatchpatch.DiffInsert:
			// Present only in the remote text.
			remoteRun.WriteString(d.Text)
			inConflict = true
		}
	}
	flush()

	return out.String()
}

// writeBlock emits one conflict block. Spans keep their original bytes;
// a newline is inserted after a span only when it doesn't already end
// with one, so the markers stay on their own lines. A one-sided run (a
// pure insertion or deletion) leaves the other section empty: the
// markers alone delimit it, following the git convention, rather than
// injecting placeholder text the user would have to strip by hand.
func writeBlock(out *strings.Builder, local, remote string) {
	ensureNewline(out)
	out.WriteString(markerLocal)
	out.WriteString("\n")
	if local != "" {
		out.WriteString(local)
		if !strings.HasSuffix(local, "\n") {
			out.WriteString("\n")
		}
	}
	out.WriteString(markerSep)
	out.WriteString("\n")
	if remote != "" {
		out.WriteString(remote)
		if !strings.HasSuffix(remote, "\n") {
			out.WriteString("\n")
		}
	}
	out.WriteString(markerRemote)
	out.WriteString("\n")
}

func ensureNewline(out *strings.Builder) {
	s := out.String()
	if s != "" && !strings.HasSuffix(s, "\n") {
		out.WriteString("\n")
	}
}
