package defrag

import (
	"path/filepath"

	"github.com/gliderbase/gliderbase/pkg/glider"
)

// SelectFragments collapses a fragment list that may contain PARTIAL
// captures so that exactly one file occupies each slot, preferring the
// completed capture. Every partial dropped in favour of a completed
// capture is reported as a transmission issue with a resend hint.
//
// The input must be sorted with glider.CompareFragments, which places a
// completed capture after any partial of the same slot; the adjacency
// scan below is undefined otherwise.
func SelectFragments(group []string, cls *glider.Classifier, defragName string, alerts *Alerts) []string {
	if len(group) == 0 {
		return nil
	}

	var selected []string
	current := group[0]
	for _, fragment := range group[1:] {
		if glider.NonPartialName(current) != glider.NonPartialName(fragment) {
			selected = append(selected, current)
		} else {
			dropPartial(current, cls, defragName, alerts)
		}
		current = fragment
	}
	selected = append(selected, current)

	return selected
}

func dropPartial(fragment string, cls *glider.Classifier, defragName string, alerts *Alerts) {
	hint := ""
	if fc, err := cls.Classify(fragment); err == nil {
		hint = ResendHint(fc)
	}
	alerts.Add(defragName,
		"file "+filepath.Base(fragment)+" is a PARTIAL file", hint)
}
