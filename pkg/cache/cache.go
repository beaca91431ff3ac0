// Package cache persists the map from logical file name to the time it
// was last successfully processed, gating reprocessing across runs. Two
// namespaces share the one text file: ordinary dive/selftest/logger files
// and the command-log class, which keeps a distinct legacy timestamp
// format for backward compatibility.
package cache

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/tidwall/btree"

	"github.com/gliderbase/gliderbase/log"
	"github.com/gliderbase/gliderbase/pkg/glider"
)

var cacheLog = log.GetLogger("cache")

// TimeLayout is the canonical on-disk timestamp format.
const TimeLayout = "15:04:05 02 Jan 2006 MST"

// Older writers used locale-dependent formats; reads fall back through
// these before degrading to the current time.
var legacyLayouts = []string{
	"15:04:05 02 Jan 2006",
	time.ANSIC,
}

// Cache holds both processed-file namespaces, ordered by name so writes
// are deterministic.
type Cache struct {
	files btree.Map[string, time.Time]
	pdos  btree.Map[string, time.Time]
}

func NewCache() *Cache {
	return &Cache{}
}

// Read loads the cache at path. A missing file yields an empty cache;
// unknown entries are logged and skipped; unparseable timestamps degrade
// to the current time, which only risks redundant reprocessing.
func Read(path string, cls *glider.Classifier) (*Cache, error) {
	c := NewCache()

	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return c, nil
		}
		return nil, fmt.Errorf("open processed-files cache: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), " \t\r\n")
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		name, stamp, found := strings.Cut(line, ",")
		name = strings.TrimSpace(name)
		stamp = strings.TrimSpace(stamp)
		if !found {
			cacheLog.Errorf("unknown entry %q in cache - skipping", line)
			continue
		}

		fc, err := cls.Classify(name)
		if err != nil {
			cacheLog.Errorf("unknown entry %q in cache - skipping", line)
			continue
		}
		switch {
		case fc.IsPdosLog():
			c.pdos.Set(name, parseStamp(stamp))
		case fc.IsSeaglider() || fc.IsSelftest() || fc.IsLogger():
			c.files.Set(name, parseStamp(stamp))
		default:
			cacheLog.Errorf("unknown entry %q in cache - skipping", line)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read processed-files cache: %w", err)
	}

	return c, nil
}

func parseStamp(stamp string) time.Time {
	if t, err := time.Parse(TimeLayout, stamp); err == nil {
		return t
	}
	for _, layout := range legacyLayouts {
		if t, err := time.Parse(layout, stamp); err == nil {
			return t
		}
	}
	cacheLog.Warnf("unparseable cache timestamp %q, assuming current time", stamp)
	return time.Now().UTC()
}

// Write persists both namespaces, sorted, via a staged temp file and an
// atomic rename.
func (c *Cache) Write(path string) error {
	staged, err := newStagedFile(path)
	if err != nil {
		return err
	}

	w := bufio.NewWriter(staged)
	_, _ = fmt.Fprintln(w, "# This file contains the dives that have been processed and the times they were processed")
	_, _ = fmt.Fprintln(w, "# To force a file to be re-processed, delete the corresponding line from this file")
	_, _ = fmt.Fprintf(w, "# Written %s\n", time.Now().UTC().Format(TimeLayout))

	var writeErr error
	emit := func(name string, stamp time.Time) bool {
		if _, err := fmt.Fprintf(w, "%s, %s\n", name, stamp.UTC().Format(TimeLayout)); err != nil {
			writeErr = err
			return false
		}
		return true
	}
	c.pdos.Scan(emit)
	if writeErr == nil {
		c.files.Scan(emit)
	}
	if writeErr == nil {
		writeErr = w.Flush()
	}
	if writeErr != nil {
		staged.Abort()
		return fmt.Errorf("write processed-files cache: %w", writeErr)
	}

	return staged.Commit()
}

// IsStale reports whether base must be reprocessed: absent from the
// cache, or any fragment modified at or after the cached timestamp. The
// cached stamp has whole-second precision, so an mtime equal to it is
// treated as stale; the cost is a redundant pass, never a wrong skip.
func (c *Cache) IsStale(base string, fragments []string) bool {
	stamp, ok := c.files.Get(base)
	if !ok {
		return true
	}
	for _, fragment := range fragments {
		info, err := os.Stat(fragment)
		if err != nil {
			// cannot trust what we cannot stat
			return true
		}
		if !info.ModTime().Truncate(time.Second).Before(stamp.Truncate(time.Second)) {
			return true
		}
	}
	return false
}

// IsPdosStale is IsStale for the command-log namespace.
func (c *Cache) IsPdosStale(name, path string) bool {
	stamp, ok := c.pdos.Get(name)
	if !ok {
		return true
	}
	info, err := os.Stat(path)
	if err != nil {
		return true
	}
	return !info.ModTime().Truncate(time.Second).Before(stamp.Truncate(time.Second))
}

func (c *Cache) MarkProcessed(base string, stamp time.Time) {
	c.files.Set(base, stamp)
}

func (c *Cache) MarkPdosProcessed(name string, stamp time.Time) {
	c.pdos.Set(name, stamp)
}

// Invalidate removes base so the next run retries it.
func (c *Cache) Invalidate(base string) {
	c.files.Delete(base)
}

func (c *Cache) ProcessedAt(base string) (time.Time, bool) {
	return c.files.Get(base)
}

func (c *Cache) PdosProcessedAt(name string) (time.Time, bool) {
	return c.pdos.Get(name)
}

func (c *Cache) Len() int {
	return c.files.Len() + c.pdos.Len()
}
