// Package glider implements the version-66 transmission file naming scheme
// used by the instrument uplink. A transmitted name is eight characters --
// two-letter origin prefix, four-digit dive or selftest number, a kind byte
// and a packing byte -- followed by an extension carrying the transmission
// state and an optional hexadecimal fragment counter, e.g. sg0012dz.x00.
// Interrupted transfers leave a .PARTIAL.n suffix; repair filters insert
// .1a / .b markers which classification ignores.
package glider

import (
	"errors"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
)

// ReceivedExt is the extension given to a reassembled file.
const ReceivedExt = "r"

var ErrNotTransmission = errors.New("not a transmission file name")

// LoggerSubsystem identifies an auxiliary logger whose files share the
// mission directory but are processed by an external handler.
type LoggerSubsystem struct {
	Prefix     string
	StripFiles bool
}

// Classifier resolves transmission file names against a configured
// instrument id and the set of installed logger subsystems.
type Classifier struct {
	instrument int
	loggers    map[string]bool
	stripFiles map[string]bool
}

func NewClassifier(instrument int, loggers []LoggerSubsystem) *Classifier {
	c := &Classifier{
		instrument: instrument,
		loggers:    make(map[string]bool),
		stripFiles: make(map[string]bool),
	}
	for _, l := range loggers {
		c.loggers[l.Prefix] = true
		if l.StripFiles {
			c.stripFiles[l.Prefix] = true
		}
	}
	return c
}

func (c *Classifier) Instrument() int {
	return c.instrument
}

// Classify parses a path into a FileCode. Repair markers and PARTIAL
// suffixes are stripped before the name is interpreted.
func (c *Classifier) Classify(path string) (*FileCode, error) {
	name := filepath.Base(NonRepairName(path))

	partialSeq := PartialSeq(name)
	partial := partialSeq < partialSeqNone
	if partial {
		name = filepath.Base(NonPartialName(name))
	}

	if len(name) < 8 {
		return nil, fmt.Errorf("%w: %s too short", ErrNotTransmission, path)
	}
	if len(name) > 13 {
		return nil, fmt.Errorf("%w: %s too long", ErrNotTransmission, path)
	}
	if _, err := strconv.Atoi(name[2:6]); err != nil {
		return nil, fmt.Errorf("%w: %s has no dive number", ErrNotTransmission, path)
	}

	return &FileCode{
		name:       name,
		fullPath:   path,
		classifier: c,
		partial:    partial,
		partialSeq: partialSeq,
	}, nil
}

// FileCode reports the semantic attributes encoded in one transmission
// file name. All answers are pure functions of the name and the
// classifier's configuration.
type FileCode struct {
	name       string
	fullPath   string
	classifier *Classifier
	partial    bool
	partialSeq int
}

func (f *FileCode) FullPath() string { return f.fullPath }

// BaseName is the eight character logical file name shared by every
// fragment of one transfer.
func (f *FileCode) BaseName() string { return f.name[0:8] }

func (f *FileCode) DiveNumber() int {
	n, _ := strconv.Atoi(f.name[2:6])
	return n
}

func (f *FileCode) LoggerPrefix() string { return f.name[0:2] }

func (f *FileCode) IsPartial() bool { return f.partial }

// Origin

func (f *FileCode) IsSeaglider() bool { return f.name[0:2] == "sg" }

func (f *FileCode) IsSelftest() bool { return f.name[0:2] == "st" }

func (f *FileCode) IsLogger() bool { return f.classifier.loggers[f.name[0:2]] }

func (f *FileCode) IsLoggerStripFiles() bool { return f.classifier.stripFiles[f.name[0:2]] }

// Packing / compression, encoded in the eighth character.

func (f *FileCode) IsUncompressed() bool { return f.name[7:8] == "u" }

func (f *FileCode) IsGzip() bool { return f.name[7:8] == "z" }

func (f *FileCode) IsBzip() bool { return f.name[7:8] == "j" }

func (f *FileCode) IsTar() bool { return f.name[7:8] == "t" }

func (f *FileCode) IsTarGzip() bool { return f.name[7:8] == "g" }

func (f *FileCode) IsTarBzip() bool { return f.name[7:8] == "b" }

// IsLoggerPayload reports the opaque logger payload packing. These files
// are handed to the owning subsystem rather than unpacked here.
func (f *FileCode) IsLoggerPayload() bool { return f.name[7:8] == "p" }

func (f *FileCode) IsNetwork() bool { return f.name[7:8] == "n" }

// Kind of the underlying file, encoded in the seventh character.

func (f *FileCode) IsLog() bool { return f.name[6:7] == "l" }

func (f *FileCode) IsData() bool { return f.name[6:7] == "d" }

func (f *FileCode) IsCapture() bool { return f.name[6:7] == "k" }

func (f *FileCode) IsPdosLog() bool { return f.name[6:7] == "p" }

// IsParmFile is the parameter capture generated once during launch. It
// sits outside the normal kind/packing convention.
func (f *FileCode) IsParmFile() bool { return f.name[6:8] == "kl" }

// Transmission state and fragments.

// IsCompleteXmit reports a complete, non-fragmented transmission (bare .x
// extension with no counter).
func (f *FileCode) IsCompleteXmit() bool {
	ext := filepath.Ext(f.name)
	return strings.EqualFold(ext, ".x")
}

// FragmentCounter returns the ordinal slot of this fragment, or -1 when
// the name carries no counter. Counters are hexadecimal with K standing
// in for C.
func (f *FileCode) FragmentCounter() int {
	if len(f.name) < 12 {
		return -1
	}
	counter, err := strconv.ParseInt(strings.ReplaceAll(strings.ToLower(f.name[10:12]), "k", "c"), 16, 32)
	if err != nil {
		return -1
	}
	return int(counter)
}

func (f *FileCode) IsFragment() bool { return f.FragmentCounter() >= 0 }

// Name transforms.

// MakeUncompressed returns the name this file would carry with the
// uncompressed packing byte.
func (f *FileCode) MakeUncompressed() string {
	dir := filepath.Dir(f.fullPath)
	tail := f.name[0:7] + "u" + f.name[8:]
	return filepath.Join(dir, tail)
}

// MakeData returns the paired data file name for this file's dive.
func (f *FileCode) MakeData() string {
	return f.name[0:6] + "d" + f.name[7:8]
}

// MakeParm returns the post-processing parameter capture name.
func (f *FileCode) MakeParm() string {
	dir := filepath.Dir(f.fullPath)
	tail := fmt.Sprintf("p%03d%04d.prm", f.classifier.instrument, f.DiveNumber())
	return filepath.Join(dir, tail)
}

const partialSeqNone = 1000

// PartialSeq returns the PARTIAL suffix counter, or a value greater than
// any real counter when the name has none, so completed transfers sort
// after their partials.
func PartialSeq(path string) int {
	if !strings.Contains(path, "PARTIAL") {
		return partialSeqNone
	}
	ext := filepath.Ext(path)
	n, err := strconv.Atoi(strings.TrimPrefix(ext, "."))
	if err != nil {
		return partialSeqNone
	}
	return n
}

// NonPartialName trims a trailing .PARTIAL.n suffix.
func NonPartialName(path string) string {
	if !strings.Contains(path, "PARTIAL") {
		return path
	}
	trimmed := strings.TrimSuffix(path, filepath.Ext(path))
	return strings.TrimSuffix(trimmed, filepath.Ext(trimmed))
}

// NonRepairName trims the internal .1a / .b markers added by the repair
// filters.
func NonRepairName(path string) string {
	path = strings.Replace(path, ".1a.", ".", 1)
	return strings.Replace(path, ".b.", ".", 1)
}

// FragmentOrdinal extracts the fragment counter from a path without full
// classification, tolerating repair markers and PARTIAL suffixes.
// Returns -1 when there is no counter.
func FragmentOrdinal(path string) int {
	ext := strings.ToUpper(filepath.Ext(NonPartialName(path)))
	if len(ext) == 4 && ext[0:2] == ".X" {
		counter, err := strconv.ParseInt(strings.ReplaceAll(ext[2:4], "K", "C"), 16, 32)
		if err == nil {
			return int(counter)
		}
	}
	return -1
}

// CompareFragments orders fragments by ordinal slot, with partials before
// the completed capture of the same slot.
func CompareFragments(a, b string) int {
	ca, cb := FragmentOrdinal(a), FragmentOrdinal(b)
	if ca != cb {
		if ca > cb {
			return 1
		}
		return -1
	}
	pa, pb := PartialSeq(a), PartialSeq(b)
	if pa > pb {
		return 1
	}
	return -1
}
