package defrag_test

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"os"
	"path/filepath"
	"testing"

	"github.com/gliderbase/gliderbase/pkg/commlog"
	"github.com/gliderbase/gliderbase/pkg/defrag"
)

// fakeXfer stands in for the contact log; unmentioned fragments default
// to raw transfers, which keeps the repair filters out of the way.
type fakeXfer struct {
	methods map[string]commlog.Method
}

func (f fakeXfer) TransferMethod(fragment string) commlog.Method {
	if m, ok := f.methods[fragment]; ok {
		return m
	}
	return commlog.MethodRaw
}

func (f fakeXfer) FragmentSizes(fragment string) commlog.SizeReport {
	return commlog.SizeReport{Expected: -1, Received: -1}
}

func writeFile(t *testing.T, dir, name string, data []byte) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func gzipBytes(t *testing.T, payload []byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(payload); err != nil {
		t.Fatalf("gzip: %v", err)
	}
	if err := zw.Close(); err != nil {
		t.Fatalf("gzip close: %v", err)
	}
	return buf.Bytes()
}

func newDefragmenter(dir string) (*defrag.Defragmenter, *defrag.RecordingLoggerHandler) {
	h := defrag.NewRecordingLoggerHandler()
	return defrag.New(dir, testClassifier(), fakeXfer{}, h), h
}

func TestProcessGroupConcatenatesInOrder(t *testing.T) {
	dir := t.TempDir()
	d, _ := newDefragmenter(dir)
	alerts := defrag.NewAlerts()

	group := []string{
		writeFile(t, dir, "sg0012du.x01", []byte("BBB")),
		writeFile(t, dir, "sg0012du.x00", []byte("AAA")),
	}

	outcome, err := d.ProcessGroup(group, 0, 0, alerts)
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if outcome.Base != "sg0012du" {
		t.Fatalf("base = %s", outcome.Base)
	}
	data, err := os.ReadFile(outcome.Output)
	if err != nil {
		t.Fatalf("read output: %v", err)
	}
	if string(data) != "AAABBB" {
		t.Fatalf("output = %q, want AAABBB", data)
	}
	if len(outcome.Files) != 1 || outcome.Files[0] != outcome.Output {
		t.Fatalf("files = %v, want passthrough of %s", outcome.Files, outcome.Output)
	}
}

func TestProcessGroupFragmentsWinWhenCompleteCopyCorrupt(t *testing.T) {
	dir := t.TempDir()
	d, _ := newDefragmenter(dir)
	alerts := defrag.NewAlerts()

	payload := bytes.Repeat([]byte("onward through the thermocline "), 100)
	zipped := gzipBytes(t, payload)
	third := len(zipped) / 3

	group := []string{
		writeFile(t, dir, "sg0012dz.x00", zipped[:third]),
		writeFile(t, dir, "sg0012dz.x01", zipped[third:2*third]),
		writeFile(t, dir, "sg0012dz.x02", zipped[2*third:]),
		writeFile(t, dir, "sg0012dz.x", []byte("this is not gzip data")),
	}

	outcome, err := d.ProcessGroup(group, 0, 0, alerts)
	if err != nil {
		t.Fatalf("process: %v", err)
	}

	out, err := os.ReadFile(filepath.Join(dir, "sg0012du.r"))
	if err != nil {
		t.Fatalf("read decompressed output: %v", err)
	}
	if !bytes.Equal(out, payload) {
		t.Fatalf("decompressed output differs from payload")
	}
	if len(outcome.Files) != 1 || filepath.Base(outcome.Files[0]) != "sg0012du.r" {
		t.Fatalf("files = %v", outcome.Files)
	}
}

func TestProcessGroupCompleteCopyWinsWhenFragmentsCorrupt(t *testing.T) {
	dir := t.TempDir()
	d, _ := newDefragmenter(dir)
	alerts := defrag.NewAlerts()

	payload := bytes.Repeat([]byte("bulk transfer artifact "), 100)
	zipped := gzipBytes(t, payload)

	group := []string{
		writeFile(t, dir, "sg0012dz.x00", []byte("garbage one")),
		writeFile(t, dir, "sg0012dz.x01", []byte("garbage two")),
		writeFile(t, dir, "sg0012dz.x", zipped),
	}

	if _, err := d.ProcessGroup(group, 0, 0, alerts); err != nil {
		t.Fatalf("process: %v", err)
	}

	out, err := os.ReadFile(filepath.Join(dir, "sg0012du.r"))
	if err != nil {
		t.Fatalf("read decompressed output: %v", err)
	}
	if !bytes.Equal(out, payload) {
		t.Fatalf("decompressed output differs from complete copy payload")
	}
}

func TestProcessGroupSelftestPrefersFragments(t *testing.T) {
	dir := t.TempDir()
	d, _ := newDefragmenter(dir)
	alerts := defrag.NewAlerts()

	group := []string{
		writeFile(t, dir, "st0003du.x00", []byte("from fragments")),
		writeFile(t, dir, "st0003du.x", []byte("from complete copy")),
	}

	outcome, err := d.ProcessGroup(group, 0, 0, alerts)
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	data, err := os.ReadFile(outcome.Output)
	if err != nil {
		t.Fatalf("read output: %v", err)
	}
	if string(data) != "from fragments" {
		t.Fatalf("output = %q, selftest must keep the fragment reconstruction", data)
	}
}

func TestProcessGroupCompleteCopyOnly(t *testing.T) {
	dir := t.TempDir()
	d, _ := newDefragmenter(dir)
	alerts := defrag.NewAlerts()

	group := []string{
		writeFile(t, dir, "sg0012du.x", []byte("whole file in one go")),
	}

	outcome, err := d.ProcessGroup(group, 0, 0, alerts)
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	data, err := os.ReadFile(outcome.Output)
	if err != nil {
		t.Fatalf("read output: %v", err)
	}
	if string(data) != "whole file in one go" {
		t.Fatalf("output = %q", data)
	}
}

func TestProcessGroupUnpacksTarMembers(t *testing.T) {
	dir := t.TempDir()
	d, _ := newDefragmenter(dir)
	alerts := defrag.NewAlerts()

	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	for name, body := range map[string]string{
		"member_a.dat": "alpha",
		"member_b.dat": "bravo",
	} {
		if err := tw.WriteHeader(&tar.Header{Name: name, Mode: 0o644, Size: int64(len(body))}); err != nil {
			t.Fatalf("tar header: %v", err)
		}
		if _, err := tw.Write([]byte(body)); err != nil {
			t.Fatalf("tar body: %v", err)
		}
	}
	if err := tw.Close(); err != nil {
		t.Fatalf("tar close: %v", err)
	}

	group := []string{
		writeFile(t, dir, "sg0012dt.x00", buf.Bytes()),
	}

	outcome, err := d.ProcessGroup(group, 0, 0, alerts)
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if len(outcome.Files) != 2 {
		t.Fatalf("files = %v, want two extracted members", outcome.Files)
	}
	data, err := os.ReadFile(filepath.Join(dir, "member_a.dat"))
	if err != nil {
		t.Fatalf("read member: %v", err)
	}
	if string(data) != "alpha" {
		t.Fatalf("member_a.dat = %q", data)
	}
}

func TestProcessGroupHandsLoggerPayloadOver(t *testing.T) {
	dir := t.TempDir()
	d, h := newDefragmenter(dir)
	alerts := defrag.NewAlerts()

	group := []string{
		writeFile(t, dir, "sc0012cp.x00", []byte{1, 2, 3, 4}),
	}

	outcome, err := d.ProcessGroup(group, 0, 0, alerts)
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if len(h.Payloads["sc"]) != 1 {
		t.Fatalf("payloads = %v, want one fragment handed over", h.Payloads)
	}
	if len(outcome.LoggerFiles) != 1 {
		t.Fatalf("logger files = %v", outcome.LoggerFiles)
	}
	if _, err := os.Stat(outcome.Output); err == nil {
		t.Fatalf("logger payloads must not be reassembled into %s", outcome.Output)
	}
}

func TestProcessGroupUnpacksParmCapture(t *testing.T) {
	dir := t.TempDir()
	d, _ := newDefragmenter(dir)
	alerts := defrag.NewAlerts()

	payload := []byte("$N_FILEKB,4\n$DIVE,1\n")
	group := []string{
		writeFile(t, dir, "sg0000kl.x", gzipBytes(t, payload)),
	}

	if _, err := d.ProcessGroup(group, 0, 0, alerts); err != nil {
		t.Fatalf("process: %v", err)
	}
	data, err := os.ReadFile(filepath.Join(dir, "p0120000.prm"))
	if err != nil {
		t.Fatalf("read parm capture: %v", err)
	}
	if !bytes.Equal(data, payload) {
		t.Fatalf("parm capture = %q", data)
	}
}

func TestProcessGroupEmpty(t *testing.T) {
	d, _ := newDefragmenter(t.TempDir())
	if _, err := d.ProcessGroup(nil, 0, 0, defrag.NewAlerts()); err == nil {
		t.Fatalf("expected error for empty group")
	}
}
