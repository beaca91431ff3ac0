package defrag_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/gliderbase/gliderbase/pkg/commlog"
	"github.com/gliderbase/gliderbase/pkg/defrag"
)

// fixedSizes is a SizeSource backed by a map, standing in for the
// contact log.
type fixedSizes map[string]commlog.SizeReport

func (s fixedSizes) FragmentSizes(fragment string) commlog.SizeReport {
	if r, ok := s[fragment]; ok {
		return r
	}
	return commlog.SizeReport{Expected: 1024, Received: -1}
}

func writeSized(t *testing.T, dir, name string, size int) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, make([]byte, size), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func TestCheckFragmentsHappyPath(t *testing.T) {
	dir := t.TempDir()
	cls := testClassifier()
	alerts := defrag.NewAlerts()

	fragments := []string{
		writeSized(t, dir, "sg0012dz.x00", 1024),
		writeSized(t, dir, "sg0012dz.x01", 1024),
		writeSized(t, dir, "sg0012dz.x02", 300),
	}

	ok := defrag.CheckFragments("sg0012dz.r", fragments, 1024, 0, fixedSizes{}, cls, alerts)
	if !ok {
		t.Fatalf("expected ok for dense, well-sized fragments")
	}
	if !alerts.Empty() {
		t.Fatalf("unexpected alerts: %v", alerts.Files())
	}
}

func TestCheckFragmentsGapDetection(t *testing.T) {
	dir := t.TempDir()
	cls := testClassifier()
	alerts := defrag.NewAlerts()

	// ordinals 0, 1, 3 present; 2 missing
	fragments := []string{
		writeSized(t, dir, "sg0012dz.x00", 1024),
		writeSized(t, dir, "sg0012dz.x01", 1024),
		writeSized(t, dir, "sg0012dz.x03", 300),
	}

	ok := defrag.CheckFragments("sg0012dz.r", fragments, 1024, 0, fixedSizes{}, cls, alerts)
	if ok {
		t.Fatalf("a gap must clear the ok flag")
	}

	got := alerts.For("sg0012dz.r")
	if len(got) != 1 {
		t.Fatalf("want exactly one missing-fragment alert, got %v", got)
	}
	if !strings.Contains(got[0].Message, "fragment 2") {
		t.Fatalf("alert message = %q, want it to name ordinal 2", got[0].Message)
	}
	if got[0].Hint != "resend_dive /d 12 2" {
		t.Fatalf("hint = %q, want the missing ordinal", got[0].Hint)
	}
}

func TestCheckFragmentsShortMiddleFragment(t *testing.T) {
	dir := t.TempDir()
	cls := testClassifier()
	alerts := defrag.NewAlerts()

	fragments := []string{
		writeSized(t, dir, "sg0012dz.x00", 900),
		writeSized(t, dir, "sg0012dz.x01", 300),
	}

	ok := defrag.CheckFragments("sg0012dz.r", fragments, 1024, 0, fixedSizes{}, cls, alerts)
	if ok {
		t.Fatalf("an undersized non-final fragment must clear the ok flag")
	}
	got := alerts.For("sg0012dz.r")
	if len(got) != 1 || !strings.Contains(got[0].Message, "sg0012dz.x00") {
		t.Fatalf("alerts = %v", got)
	}
}

func TestCheckFragmentsOversizedFinalIsAdvisory(t *testing.T) {
	dir := t.TempDir()
	cls := testClassifier()
	alerts := defrag.NewAlerts()

	fragments := []string{
		writeSized(t, dir, "sg0012dz.x00", 1024),
		writeSized(t, dir, "sg0012dz.x01", 2000),
	}

	ok := defrag.CheckFragments("sg0012dz.r", fragments, 1024, 0, fixedSizes{}, cls, alerts)
	if !ok {
		t.Fatalf("an oversized final fragment warns but does not fail")
	}
	if len(alerts.For("sg0012dz.r")) != 1 {
		t.Fatalf("want a too-big alert, got %v", alerts.For("sg0012dz.r"))
	}
}

func TestCheckFragmentsTotalSizeMismatch(t *testing.T) {
	dir := t.TempDir()
	cls := testClassifier()
	alerts := defrag.NewAlerts()

	fragments := []string{
		writeSized(t, dir, "sg0012dz.x00", 1024),
		writeSized(t, dir, "sg0012dz.x01", 300),
	}

	// logged total says there should be 1024+500 bytes
	ok := defrag.CheckFragments("sg0012dz.r", fragments, 1024, 1524, fixedSizes{}, cls, alerts)
	if ok {
		t.Fatalf("a total-size mismatch must clear the ok flag")
	}

	var sawSum bool
	for _, a := range alerts.For("sg0012dz.r") {
		if strings.Contains(a.Message, "does not match logged value") {
			sawSum = true
			if a.Hint != "" {
				t.Fatalf("sum mismatch cannot blame one fragment, hint = %q", a.Hint)
			}
		}
	}
	if !sawSum {
		t.Fatalf("missing sum-mismatch alert: %v", alerts.For("sg0012dz.r"))
	}
}

func TestCheckFragmentsUnknownSizeSkipsChecks(t *testing.T) {
	cls := testClassifier()
	alerts := defrag.NewAlerts()

	ok := defrag.CheckFragments("sg0012dz.r", []string{"does-not-exist"}, 0, 0, fixedSizes{}, cls, alerts)
	if !ok || !alerts.Empty() {
		t.Fatalf("fragment size 0 must skip all checks")
	}
}
