package repair

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

const sectorSize = 128

var paddingBlock = bytes.Repeat([]byte{padByte}, sectorSize)

// RemoveDuplicates detects duplicated sector data and whole padding blocks
// left by retried transmissions and writes a corrected copy alongside the
// source with a .b marker inserted before the extension. It returns the
// path to use from here on: the corrected copy when changes were made,
// otherwise src itself. Files of 256 bytes or less are never affected.
func RemoveDuplicates(src string) (string, error) {
	info, err := os.Stat(src)
	if err != nil {
		return "", fmt.Errorf("stat %s: %w", src, err)
	}
	if info.Size() <= 2*sectorSize {
		return src, nil
	}

	data, err := os.ReadFile(src)
	if err != nil {
		return "", fmt.Errorf("read %s: %w", src, err)
	}

	var out bytes.Buffer
	removedDupes := 0
	removedPadding := 0

	start := 0
	lastBlock := len(data) - sectorSize
	for start <= lastBlock {
		block := data[start : start+sectorSize]

		// Whole padding blocks appear mid-file on long flash-recovery
		// transfers and are dropped outright.
		if bytes.Equal(block, paddingBlock) {
			removedPadding++
			start += sectorSize
			continue
		}

		// Scan ahead for a second copy of this block. A duplicated sector
		// repeats the entire span between the two copies immediately after
		// the first copy.
		found := false
		for dupStart := start + sectorSize; dupStart <= lastBlock; dupStart += sectorSize {
			dupBlock := data[dupStart : dupStart+sectorSize]
			if bytes.Equal(dupBlock, paddingBlock) {
				continue
			}
			if !bytes.Equal(dupBlock, block) {
				continue
			}
			dupSize := dupStart - start
			if dupStart+dupSize <= len(data) &&
				bytes.Equal(data[start:dupStart], data[dupStart:dupStart+dupSize]) {
				found = true
				removedDupes++
				repairLog.Infof("eliminated %d duplicated bytes at offset %d in %s", dupSize, start, src)
				out.Write(data[start:dupStart])
				start = dupStart + dupSize
				break
			}
		}

		if !found {
			out.Write(block)
			start += sectorSize
		}
	}
	// Trailing bytes shorter than one sector pass through unchanged.
	if start < len(data) {
		out.Write(data[start:])
	}

	if removedDupes == 0 && removedPadding == 0 {
		return src, nil
	}

	dst := markedName(src, ".b")
	if err := os.WriteFile(dst, out.Bytes(), 0o644); err != nil {
		return "", fmt.Errorf("write %s: %w", dst, err)
	}
	if removedPadding > 0 {
		repairLog.Infof("eliminated %d padding blocks in %s", removedPadding, src)
	}
	return dst, nil
}

// MarkedStripName returns the .1a-marked destination for a padding strip.
func MarkedStripName(src string) string {
	return markedName(src, ".1a")
}

func markedName(src, marker string) string {
	ext := filepath.Ext(src)
	root := strings.TrimSuffix(src, ext)
	return root + marker + ext
}
