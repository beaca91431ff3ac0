package glider

import (
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/gliderbase/gliderbase/log"
)

var collectorLog = log.GetLogger("collector")

// instrument-native patterns; logger patterns are derived per prefix
var preProcPatterns = []string{
	"sg[0-9][0-9][0-9][0-9][ldkper][nuztg].[xa0-9]??",
	"sg[0-9][0-9][0-9][0-9][ldkper][nuztg].[xa0-9]??.PARTIAL.[0-9]",
	"sg[0-9][0-9][0-9][0-9][ldkper][nuztg].[x]",
	"sg0000kl.x",
	"st[0-9][0-9][0-9][0-9][ldkp][uztg].[xa0-9]??",
	"st[0-9][0-9][0-9][0-9][ldkp][uztg].[xa0-9]??.PARTIAL.[0-9]",
	"st[0-9][0-9][0-9][0-9][ldkp][uztg].[xa]",
}

func loggerPatterns(prefix string) []string {
	return []string{
		prefix + "[0-9][0-9][0-9][0-9]??.???",
		prefix + "[0-9][0-9][0-9][0-9]??.x",
		prefix + "[0-9][0-9][0-9][0-9]??.???.PARTIAL.[0-9]",
	}
}

// Collector enumerates the raw transmission files present in a mission
// directory and indexes them by dive and selftest number.
type Collector struct {
	missionDir string
	classifier *Classifier

	preFiles  []string
	dives     []int
	selftests []int
}

func NewCollector(missionDir string, classifier *Classifier, loggers []LoggerSubsystem) (*Collector, error) {
	if _, err := os.Stat(missionDir); err != nil {
		return nil, err
	}

	patterns := append([]string{}, preProcPatterns...)
	for _, l := range loggers {
		patterns = append(patterns, loggerPatterns(l.Prefix)...)
	}

	c := &Collector{missionDir: missionDir, classifier: classifier}
	seen := make(map[string]bool)
	for _, pattern := range patterns {
		matches, err := filepath.Glob(filepath.Join(missionDir, pattern))
		if err != nil {
			return nil, err
		}
		for _, m := range matches {
			if !seen[m] {
				seen[m] = true
				c.preFiles = append(c.preFiles, m)
			}
		}
	}

	sort.Slice(c.preFiles, func(i, j int) bool {
		return compareDiveFiles(c.preFiles[i], c.preFiles[j]) < 0
	})

	diveSeen := make(map[int]bool)
	selftestSeen := make(map[int]bool)
	for _, path := range c.preFiles {
		fc, err := classifier.Classify(path)
		if err != nil {
			collectorLog.Debugf("unrecognized file %s", filepath.Base(path))
			continue
		}
		switch {
		case fc.IsSelftest():
			if !selftestSeen[fc.DiveNumber()] {
				selftestSeen[fc.DiveNumber()] = true
				c.selftests = append(c.selftests, fc.DiveNumber())
			}
		case fc.IsSeaglider() || fc.IsLogger():
			if !diveSeen[fc.DiveNumber()] {
				diveSeen[fc.DiveNumber()] = true
				c.dives = append(c.dives, fc.DiveNumber())
			}
		}
	}
	sort.Ints(c.dives)
	sort.Ints(c.selftests)

	return c, nil
}

// Dives lists every dive number with at least one raw file on disk.
func (c *Collector) Dives() []int { return c.dives }

// Selftests lists every selftest number with at least one raw file on disk.
func (c *Collector) Selftests() []int { return c.selftests }

// DiveFiles returns the raw files for one dive, selftest files excluded.
func (c *Collector) DiveFiles(dive int) []string {
	var files []string
	for _, path := range c.preFiles {
		fc, err := c.classifier.Classify(path)
		if err != nil || fc.IsSelftest() {
			continue
		}
		if fc.DiveNumber() == dive {
			files = append(files, path)
		}
	}
	return files
}

// SelftestFiles returns the raw files for one selftest.
func (c *Collector) SelftestFiles(selftest int) []string {
	var files []string
	for _, path := range c.preFiles {
		fc, err := c.classifier.Classify(path)
		if err != nil || !fc.IsSelftest() {
			continue
		}
		if fc.DiveNumber() == selftest {
			files = append(files, path)
		}
	}
	return files
}

// PdosLogFiles returns the command log files, which sit outside the
// normal fragment processing rules.
func (c *Collector) PdosLogFiles() []string {
	var files []string
	for _, path := range c.preFiles {
		fc, err := c.classifier.Classify(path)
		if err != nil {
			continue
		}
		if (fc.IsSeaglider() || fc.IsSelftest()) && fc.IsPdosLog() {
			files = append(files, path)
		}
	}
	sort.Strings(files)
	return files
}

// GroupByBase buckets a sorted file list by logical base name.
func (c *Collector) GroupByBase(files []string) map[string][]string {
	groups := make(map[string][]string)
	for _, path := range files {
		fc, err := c.classifier.Classify(path)
		if err != nil {
			collectorLog.Warnf("skipping unclassifiable file %s: %v", path, err)
			continue
		}
		groups[fc.BaseName()] = append(groups[fc.BaseName()], path)
	}
	return groups
}

// compareDiveFiles orders files dive-number major, then by the remainder
// of the name.
func compareDiveFiles(a, b string) int {
	fa, fb := filepath.Base(a), filepath.Base(b)
	da, db := diveOf(fa), diveOf(fb)
	if da != db {
		if da > db {
			return 1
		}
		return -1
	}
	return strings.Compare(fa, fb)
}

func diveOf(name string) int {
	if len(name) < 6 {
		return -1
	}
	n := 0
	for _, r := range name[2:6] {
		if r < '0' || r > '9' {
			return -1
		}
		n = n*10 + int(r-'0')
	}
	return n
}
