package defrag

import (
	"archive/tar"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/gliderbase/gliderbase/log"
	"github.com/gliderbase/gliderbase/pkg/commlog"
	"github.com/gliderbase/gliderbase/pkg/glider"
	"github.com/gliderbase/gliderbase/pkg/repair"
)

var defragLog = log.GetLogger("defrag")

// ErrPartialExtract reports that one or more container members failed to
// extract; the rest of the container was still processed.
var ErrPartialExtract = errors.New("some container members failed to extract")

// TransferLog is the slice of the contact log the defragmenter consults.
type TransferLog interface {
	TransferMethod(fragment string) commlog.Method
	FragmentSizes(fragment string) commlog.SizeReport
}

// LoggerHandler receives files owned by auxiliary logger subsystems. They
// maintain their own namespaces, so their payloads and tar bundles are
// handed over opaque instead of being unpacked here.
type LoggerHandler interface {
	ProcessPayload(fc *glider.FileCode, fragments []string) error
	ProcessTarBundle(fc *glider.FileCode, tarPath string) error
}

// RecordingLoggerHandler is the default handler: it records what it was
// given and succeeds.
type RecordingLoggerHandler struct {
	Payloads   map[string][]string
	TarBundles map[string][]string
}

func NewRecordingLoggerHandler() *RecordingLoggerHandler {
	return &RecordingLoggerHandler{
		Payloads:   make(map[string][]string),
		TarBundles: make(map[string][]string),
	}
}

func (h *RecordingLoggerHandler) ProcessPayload(fc *glider.FileCode, fragments []string) error {
	h.Payloads[fc.LoggerPrefix()] = append(h.Payloads[fc.LoggerPrefix()], fragments...)
	return nil
}

func (h *RecordingLoggerHandler) ProcessTarBundle(fc *glider.FileCode, tarPath string) error {
	h.TarBundles[fc.LoggerPrefix()] = append(h.TarBundles[fc.LoggerPrefix()], tarPath)
	return nil
}

// GroupOutcome summarises the processing of one fragment group.
type GroupOutcome struct {
	Base         string
	Output       string   // the reassembled file
	Files        []string // files produced for downstream processing
	LoggerFiles  []string // files handed to a logger subsystem
	Incomplete   []string // files to list in the incomplete report
	ValidationOK bool
}

// Defragmenter reassembles one fragment group at a time:
// select fragments, repair bytes, concatenate, pick between the
// reconstruction and any complete-transmission copy, then unpack.
type Defragmenter struct {
	missionDir string
	cls        *glider.Classifier
	xfer       TransferLog
	loggers    LoggerHandler
}

func New(missionDir string, cls *glider.Classifier, xfer TransferLog, loggers LoggerHandler) *Defragmenter {
	if loggers == nil {
		loggers = NewRecordingLoggerHandler()
	}
	return &Defragmenter{missionDir: missionDir, cls: cls, xfer: xfer, loggers: loggers}
}

// ProcessGroup runs the state machine over one group of files sharing a
// base name. A non-nil error means the group failed and its cache entry
// must be withheld; warnings land in alerts and outcome.Incomplete.
func (d *Defragmenter) ProcessGroup(group []string, fragmentSize, totalSize int64, alerts *Alerts) (*GroupOutcome, error) {
	if len(group) == 0 {
		return nil, errors.New("empty fragment group")
	}

	firstFC, err := d.cls.Classify(group[0])
	if err != nil {
		return nil, err
	}
	base := firstFC.BaseName()
	defragName := filepath.Join(d.missionDir, base+"."+glider.ReceivedExt)
	outcome := &GroupOutcome{Base: base, Output: defragName, ValidationOK: true}

	defragLog.Infof("processing %s", base)

	// Partition out any complete, non-fragmented transmission; it competes
	// with the fragment reconstruction rather than joining it.
	var fragments []string
	var complete string
	for _, path := range group {
		fc, err := d.cls.Classify(path)
		if err != nil {
			return nil, err
		}
		if fc.IsCompleteXmit() {
			complete = path
		} else {
			fragments = append(fragments, path)
		}
	}

	sort.Slice(fragments, func(i, j int) bool {
		return glider.CompareFragments(fragments[i], fragments[j]) < 0
	})
	selected := SelectFragments(fragments, d.cls, defragName, alerts)

	if len(selected) == 0 {
		if complete == "" {
			return nil, fmt.Errorf("no usable files in group %s", base)
		}
		repaired, err := d.repairOne(firstFC, complete, true, 0)
		if err != nil {
			return nil, err
		}
		selected = []string{repaired}
		complete = ""
	} else {
		selected, err = d.repairAll(firstFC, selected, fragmentSize)
		if err != nil {
			return nil, err
		}
	}

	// Generic logger payloads skip validation and reassembly entirely;
	// the owning subsystem gets the repaired fragments as-is.
	if firstFC.IsLoggerPayload() {
		if err := d.loggers.ProcessPayload(firstFC, selected); err != nil {
			defragLog.Errorf("problems processing logger payload %s: %v", base, err)
		}
		outcome.LoggerFiles = selected
		return outcome, nil
	}

	outcome.ValidationOK = CheckFragments(defragName, selected, fragmentSize, totalSize, d.xfer, d.cls, alerts)

	if err := d.concatenate(selected, defragName); err != nil {
		return nil, err
	}

	if complete != "" {
		if err := d.chooseCompleteVsFragments(firstFC, complete, defragName, len(selected)); err != nil {
			return nil, err
		}
	}

	return outcome, d.unpack(defragName, outcome, alerts)
}

func (d *Defragmenter) repairAll(fc *glider.FileCode, fragments []string, fragmentSize int64) ([]string, error) {
	repaired := make([]string, 0, len(fragments))
	for i, fragment := range fragments {
		last := i == len(fragments)-1
		size := fragmentSize
		if last || fc.IsLoggerPayload() {
			// size mismatches on these are tolerated, not validated
			size = 0
		}
		out, err := d.repairOne(fc, fragment, last, size)
		if err != nil {
			return nil, err
		}
		repaired = append(repaired, out)
	}
	return repaired, nil
}

// repairOne applies the duplicate-sector filter and the padding strip to
// one fragment, honouring the transfer-method exemptions: raw transfers
// carry no modem artifacts, except that logger payloads and the final
// fragment of strip-exempt logger files are moved glider-side by xmodem
// and may still carry trailing padding.
func (d *Defragmenter) repairOne(fc *glider.FileCode, fragment string, last bool, stripSize int64) (string, error) {
	method := d.xfer.TransferMethod(filepath.Base(fragment))

	path := fragment
	if method != commlog.MethodRaw {
		out, err := repair.RemoveDuplicates(path)
		if err != nil {
			return "", fmt.Errorf("artifact repair of %s: %w", fragment, err)
		}
		path = out
	}

	if method == commlog.MethodRaw && !fc.IsLoggerPayload() && !(fc.IsLoggerStripFiles() && last) {
		return path, nil
	}

	stripped := repair.MarkedStripName(path)
	if err := repair.StripPadding(path, stripped, stripSize); err != nil {
		if fc.IsLoggerPayload() {
			defragLog.Warnf("tolerating padding strip failure on logger payload %s: %v", fragment, err)
			return path, nil
		}
		return "", fmt.Errorf("padding strip of %s: %w", fragment, err)
	}
	return stripped, nil
}

func (d *Defragmenter) concatenate(fragments []string, defragName string) error {
	out, err := os.Create(defragName)
	if err != nil {
		return fmt.Errorf("create %s: %w", defragName, err)
	}

	for _, fragment := range fragments {
		data, err := os.ReadFile(fragment)
		if err != nil {
			// Known oversight carried forward: the reconstruction proceeds
			// with the remaining bytes rather than dropping the file.
			defragLog.Warnf("cannot read fragment %s during concatenation: %v", fragment, err)
			continue
		}
		if _, err := out.Write(data); err != nil {
			out.Close()
			return fmt.Errorf("write %s: %w", defragName, err)
		}
	}
	return out.Close()
}

// chooseCompleteVsFragments resolves a complete-transmission copy that
// coexists with a fragment reconstruction. Selftest files prefer the
// fragments (the diagnostic uplink path is the more reliable one); for
// compressed formats with a real multi-fragment reconstruction both
// candidates are trial-decompressed and fragments win ties; everything
// else trusts the complete bulk-transfer copy.
func (d *Defragmenter) chooseCompleteVsFragments(fc *glider.FileCode, complete, defragName string, fragCount int) error {
	if fc.IsSelftest() {
		defragLog.Infof("keeping fragment reconstruction of %s over complete copy", fc.BaseName())
		return nil
	}

	repairedComplete, err := d.repairOne(fc, complete, true, 0)
	if err != nil {
		defragLog.Warnf("cannot repair complete copy %s, keeping fragments: %v", complete, err)
		return nil
	}

	compressed := fc.IsGzip() || fc.IsBzip() || fc.IsTarGzip() || fc.IsTarBzip()
	if compressed && fragCount >= 2 {
		scratch, err := os.MkdirTemp(d.missionDir, ".defrag-scratch-*")
		if err != nil {
			return fmt.Errorf("create scratch dir: %w", err)
		}
		defer os.RemoveAll(scratch)

		fragOK := d.trialDecompress(fc, defragName, filepath.Join(scratch, "frag"))
		completeOK := d.trialDecompress(fc, repairedComplete, filepath.Join(scratch, "complete"))
		if fragOK || !completeOK {
			defragLog.Infof("fragment reconstruction of %s wins over complete copy", fc.BaseName())
			return nil
		}
	}

	defragLog.Infof("using complete transmission copy %s", filepath.Base(complete))
	return copyFile(repairedComplete, defragName)
}

func (d *Defragmenter) trialDecompress(fc *glider.FileCode, src, dst string) bool {
	var err error
	if fc.IsBzip() || fc.IsTarBzip() {
		err = bunzipFile(src, dst)
	} else {
		err = gunzipFile(src, dst)
	}
	return err == nil
}

// unpack dispatches the reassembled file by its container encoding.
func (d *Defragmenter) unpack(defragName string, outcome *GroupOutcome, alerts *Alerts) error {
	fc, err := d.cls.Classify(defragName)
	if err != nil {
		return err
	}

	switch {
	case fc.IsTar() || fc.IsTarGzip() || fc.IsTarBzip():
		return d.unpackTar(fc, defragName, outcome)

	case fc.IsParmFile():
		// the parameter capture has no uncompressed encoding in the
		// transmission namespace, so it unpacks straight to its
		// post-processing name
		if err := gunzipFile(defragName, fc.MakeParm()); err != nil {
			defragLog.Errorf("problem decompressing %s: %v", defragName, err)
			outcome.Incomplete = append(outcome.Incomplete, defragName)
			return err
		}
		outcome.Files = append(outcome.Files, defragName)
		return nil

	case fc.IsGzip():
		dst := fc.MakeUncompressed()
		if err := gunzipFile(defragName, dst); err != nil {
			defragLog.Errorf("problem gzip decompressing %s: %v", defragName, err)
			outcome.Incomplete = append(outcome.Incomplete, defragName)
			return err
		}
		outcome.Files = append(outcome.Files, dst)
		return nil

	case fc.IsBzip():
		dst := fc.MakeUncompressed()
		if err := bunzipFile(defragName, dst); err != nil {
			defragLog.Errorf("problem bzip decompressing %s: %v", defragName, err)
			outcome.Incomplete = append(outcome.Incomplete, defragName)
			return err
		}
		outcome.Files = append(outcome.Files, dst)
		return nil

	default:
		outcome.Files = append(outcome.Files, defragName)
		return nil
	}
}

func (d *Defragmenter) unpackTar(fc *glider.FileCode, defragName string, outcome *GroupOutcome) error {
	tarPath := defragName
	if fc.IsTarGzip() || fc.IsTarBzip() {
		base := fc.BaseName()
		tarPath = filepath.Join(d.missionDir, base[0:7]+"t."+glider.ReceivedExt)
		var err error
		if fc.IsTarBzip() {
			err = bunzipFile(defragName, tarPath)
		} else {
			err = gunzipFile(defragName, tarPath)
		}
		if err != nil {
			defragLog.Errorf("problem decompressing %s: %v", defragName, err)
			outcome.Incomplete = append(outcome.Incomplete, defragName)
			return err
		}
	}

	// Loggers keep their own namespace: hand the bundle over unopened.
	if fc.IsLogger() {
		if err := d.loggers.ProcessTarBundle(fc, tarPath); err != nil {
			defragLog.Errorf("problems processing logger tar bundle %s: %v", tarPath, err)
			outcome.Incomplete = append(outcome.Incomplete, defragName)
			return err
		}
		outcome.LoggerFiles = append(outcome.LoggerFiles, tarPath)
		return nil
	}

	f, err := os.Open(tarPath)
	if err != nil {
		outcome.Incomplete = append(outcome.Incomplete, defragName)
		return fmt.Errorf("open tar %s: %w", tarPath, err)
	}
	defer f.Close()

	memberFailures := 0
	tr := tar.NewReader(f)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			defragLog.Errorf("error reading %s, might be an empty or truncated tarfile: %v", tarPath, err)
			outcome.Incomplete = append(outcome.Incomplete, defragName)
			return fmt.Errorf("read tar %s: %w", tarPath, err)
		}
		if hdr.Typeflag != tar.TypeReg {
			continue
		}
		dst, err := d.extractMember(tr, hdr.Name)
		if err != nil {
			defragLog.Warnf("problems extracting %s from %s: %v", hdr.Name, tarPath, err)
			memberFailures++
			continue
		}
		defragLog.Infof("extracted %s from %s", hdr.Name, filepath.Base(tarPath))
		outcome.Files = append(outcome.Files, dst)
	}

	if memberFailures > 0 {
		outcome.Incomplete = append(outcome.Incomplete, defragName)
		return fmt.Errorf("%w: %d of them in %s", ErrPartialExtract, memberFailures, tarPath)
	}
	return nil
}

func (d *Defragmenter) extractMember(tr *tar.Reader, name string) (string, error) {
	clean := filepath.Clean(name)
	if filepath.IsAbs(clean) || strings.HasPrefix(clean, "..") {
		return "", fmt.Errorf("refusing member path %s", name)
	}
	dst := filepath.Join(d.missionDir, clean)
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return "", err
	}
	out, err := os.Create(dst)
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(out, tr); err != nil {
		out.Close()
		return "", err
	}
	return dst, out.Close()
}

func copyFile(src, dst string) error {
	data, err := os.ReadFile(src)
	if err != nil {
		return fmt.Errorf("read %s: %w", src, err)
	}
	if err := os.WriteFile(dst, data, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", dst, err)
	}
	return nil
}
