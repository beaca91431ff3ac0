package engine

import (
	"sort"

	"github.com/gofrs/uuid"

	"github.com/gliderbase/gliderbase/pkg/defrag"
)

// GroupStatus is the terminal state of one fragment group.
type GroupStatus int

const (
	// GroupSkipped means the cache showed no work to do.
	GroupSkipped GroupStatus = iota
	// GroupProcessed means the group was reassembled and its cache entry
	// advanced.
	GroupProcessed
	// GroupFailed means the group hit a structural error; its cache entry
	// was withheld so the next run retries it.
	GroupFailed
)

func (s GroupStatus) String() string {
	switch s {
	case GroupSkipped:
		return "skipped"
	case GroupProcessed:
		return "processed"
	case GroupFailed:
		return "failed"
	}
	return "unknown"
}

// GroupResult records what happened to one fragment group.
type GroupResult struct {
	Base   string
	Status GroupStatus
	// Files reassembly produced for downstream processing.
	Files []string
	// Err is set only for GroupFailed.
	Err error
}

// Dive outcome codes, one per dive or selftest.
const (
	DiveNothingNew = 0
	DiveProcessed  = 1
	DiveFailed     = -1
)

// RunResult accumulates everything one invocation did. It is built by the
// engine and returned; nothing in it is global state.
type RunResult struct {
	ID uuid.UUID

	// Groups in processing order, dive groups and pdos files alike.
	Groups []GroupResult

	// Dives and Selftests map each unit number to its outcome code.
	Dives     map[int]int
	Selftests map[int]int

	// Incomplete lists every file that must not be trusted downstream,
	// sorted and deduplicated, including every file with an alert.
	Incomplete []string

	// Alerts carries the validation findings keyed by reassembled file.
	Alerts *defrag.Alerts

	incompleteSeen map[string]bool
}

func newRunResult() *RunResult {
	id, _ := uuid.NewV4()
	return &RunResult{
		ID:             id,
		Dives:          make(map[int]int),
		Selftests:      make(map[int]int),
		Alerts:         defrag.NewAlerts(),
		incompleteSeen: make(map[string]bool),
	}
}

func (r *RunResult) addGroup(g GroupResult) {
	r.Groups = append(r.Groups, g)
}

func (r *RunResult) addIncomplete(files ...string) {
	for _, f := range files {
		if !r.incompleteSeen[f] {
			r.incompleteSeen[f] = true
			r.Incomplete = append(r.Incomplete, f)
		}
	}
}

// finish folds the alert file list into the incomplete report and sorts
// it. A file with any alert must be reported even when its group
// nominally succeeded.
func (r *RunResult) finish() {
	r.addIncomplete(r.Alerts.Files()...)
	sort.Strings(r.Incomplete)
}

// ProcessedFiles lists the downstream-ready outputs of every processed
// group, in processing order.
func (r *RunResult) ProcessedFiles() []string {
	var files []string
	for _, g := range r.Groups {
		if g.Status == GroupProcessed {
			files = append(files, g.Files...)
		}
	}
	return files
}

// FailedGroups lists the base names of every failed group.
func (r *RunResult) FailedGroups() []string {
	var bases []string
	for _, g := range r.Groups {
		if g.Status == GroupFailed {
			bases = append(bases, g.Base)
		}
	}
	return bases
}
