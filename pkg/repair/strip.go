// Package repair contains the byte-level filters applied to raw fragments
// before reassembly: modem padding removal and duplicated sector
// elimination. Both operate file-to-file and leave the source untouched.
package repair

import (
	"fmt"
	"os"

	"github.com/gliderbase/gliderbase/log"
)

var repairLog = log.GetLogger("repair")

const padByte = 0x1A

// StripPadding copies src to dst with trailing modem padding removed.
//
// When size > 0 the copy is truncated to exactly size bytes; any non-padding
// bytes lost in the truncated tail are reported as a warning since that
// points at a fragment-size mismatch rather than padding. When size == 0 the
// payload is known to be even-length, so padding always appears as pairs of
// 0x1A bytes and the copy is truncated at the last unbroken run of pairs.
func StripPadding(src, dst string, size int64) error {
	data, err := os.ReadFile(src)
	if err != nil {
		return fmt.Errorf("read %s: %w", src, err)
	}

	var keep []byte
	if size > 0 {
		if size > int64(len(data)) {
			keep = data
		} else {
			keep = data[:size]
			tail := data[size:]
			lost := 0
			for _, b := range tail {
				if b != padByte {
					lost++
				}
			}
			if lost > 0 {
				repairLog.Warnf("removing %d non-padding bytes from truncated %d-byte tail of %s",
					lost, len(tail), src)
			}
		}
	} else {
		// Scan for the start of the final run of padded pairs. Singleton
		// 0x1A bytes occur in real payloads and must survive.
		mark := -1
		for i := 0; i+1 < len(data); i++ {
			if data[i] == padByte && data[i+1] == padByte {
				if mark < 0 {
					mark = i
				}
			} else {
				mark = -1
			}
		}
		if mark < 0 {
			mark = len(data)
		}
		keep = data[:mark]
	}

	if err := os.WriteFile(dst, keep, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", dst, err)
	}
	return nil
}
