package defrag

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/gliderbase/gliderbase/pkg/commlog"
	"github.com/gliderbase/gliderbase/pkg/glider"
)

// SizeSource supplies the protocol-reported sizes for a fragment. The
// contact log implements it; tests substitute fixed maps.
type SizeSource interface {
	FragmentSizes(fragment string) commlog.SizeReport
}

// CheckFragments validates the repaired fragment list for one logical
// file against the declared fragment size and the optional total size
// hint (0 = unknown). Every finding is recorded into alerts; the return
// value is false when a finding makes the reassembly untrustworthy.
// Count mismatches against the total-size hint and an oversized final
// fragment are advisory only and never clear the ok flag on their own.
func CheckFragments(defragName string, fragments []string, fragmentSize, totalSize int64,
	sizes SizeSource, cls *glider.Classifier, alerts *Alerts) bool {
	ok := true

	if fragmentSize <= 0 {
		defragLog.Infof("fragment size is %d, skipping fragment checks for %s", fragmentSize, defragName)
		return true
	}

	lastFragExpected := int64(0)
	if totalSize > 0 {
		expectedCount := totalSize / fragmentSize
		if totalSize%fragmentSize > 0 {
			expectedCount++
			lastFragExpected = totalSize % fragmentSize
		} else {
			lastFragExpected = fragmentSize
		}
		switch {
		case int64(len(fragments)) < expectedCount:
			defragLog.Infof("missing fragments: total size logged was %d, got %d, expected %d",
				totalSize, len(fragments), expectedCount)
		case int64(len(fragments)) > expectedCount:
			defragLog.Infof("too many fragments: total size logged was %d, got %d, expected %d",
				totalSize, len(fragments), expectedCount)
		}
	}

	var sizeFromFragments int64
	counter := 0
	for i, fragment := range fragments {
		fc, err := cls.Classify(fragment)
		if err != nil {
			defragLog.Warnf("cannot classify fragment %s: %v", fragment, err)
			continue
		}

		for counter < glider.FragmentOrdinal(fragment) {
			msg := fmt.Sprintf("fragment %d for file %s is missing", counter, filepath.Base(defragName))
			defragLog.Warnf("%s", msg)
			alerts.Add(defragName, msg, ResendHintForOrdinal(fc, counter))
			ok = false
			counter++
		}
		counter++

		info, err := os.Stat(fragment)
		if err != nil {
			msg := fmt.Sprintf("cannot stat fragment %s: %v", filepath.Base(fragment), err)
			defragLog.Warnf("%s", msg)
			alerts.Add(defragName, msg, ResendHint(fc))
			ok = false
			continue
		}
		size := info.Size()
		sizeFromFragments += size

		if i != len(fragments)-1 {
			// preceding fragments must be exactly fragmentSize
			if size != fragmentSize {
				msg := fmt.Sprintf("fragment %s file size (%d) not equal to expected size (%d)",
					filepath.Base(fragment), size, fragmentSize)
				defragLog.Warnf("%s", msg)
				alerts.Add(defragName, msg, ResendHint(fc))
				ok = false
			}
			continue
		}

		// final fragment
		report := sizes.FragmentSizes(filepath.Base(glider.NonRepairName(fragment)))
		if report.Known && report.Received >= 0 && report.Received != report.Expected {
			defragLog.Warnf("final fragment %s received size (%d) differs from protocol expected size (%d)",
				filepath.Base(fragment), report.Received, report.Expected)
		}
		if totalSize > 0 {
			if size != lastFragExpected {
				msg := fmt.Sprintf("final fragment %s size (%d) is not expected (should be %d)",
					filepath.Base(fragment), size, lastFragExpected)
				defragLog.Warnf("%s", msg)
				alerts.Add(defragName, msg, ResendHint(fc))
			}
		} else if size > fragmentSize {
			if fc.IsFragment() && !(fc.IsSelftest() && fc.IsCapture()) {
				msg := fmt.Sprintf("final fragment %s size (%d) is too big, expected less than or equal to %d",
					filepath.Base(fragment), size, fragmentSize)
				defragLog.Warnf("%s", msg)
				alerts.Add(defragName, msg, ResendHint(fc))
			}
		}
	}

	if totalSize > 0 && sizeFromFragments != totalSize {
		msg := fmt.Sprintf("size from fragments (%d) does not match logged value (%d)",
			sizeFromFragments, totalSize)
		defragLog.Warnf("%s", msg)
		// no single fragment can be blamed, so no resend hint
		alerts.Add(defragName, msg, "")
		ok = false
	}

	return ok
}
