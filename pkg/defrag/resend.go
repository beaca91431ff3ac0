package defrag

import (
	"fmt"

	"github.com/gliderbase/gliderbase/pkg/glider"
)

// ResendHint formats the uplink command requesting retransmission of the
// given fragment. Unknown kinds degrade to a bare "resend"; files that are
// not fragments cannot name an index, so the whole file is recommended.
func ResendHint(fc *glider.FileCode) string {
	return resendHint(fc, fc.FragmentCounter())
}

// ResendHintForOrdinal is ResendHint for a slot that is missing on disk:
// the kind and dive come from a sibling fragment, the index from the gap.
func ResendHintForOrdinal(sibling *glider.FileCode, ordinal int) string {
	return resendHint(sibling, ordinal)
}

func resendHint(fc *glider.FileCode, ordinal int) string {
	if !fc.IsSeaglider() && !fc.IsSelftest() {
		return ""
	}

	var cmd string
	switch {
	case fc.IsLog():
		cmd = fmt.Sprintf("resend_dive /l %d", fc.DiveNumber())
	case fc.IsData():
		cmd = fmt.Sprintf("resend_dive /d %d", fc.DiveNumber())
	case fc.IsCapture():
		cmd = fmt.Sprintf("resend_dive /c %d", fc.DiveNumber())
	case fc.IsTar():
		cmd = fmt.Sprintf("resend_dive /t %d", fc.DiveNumber())
	default:
		cmd = "resend"
	}

	if fc.IsFragment() && ordinal >= 0 {
		return fmt.Sprintf("%s %d", cmd, ordinal)
	}
	return cmd + " recommend resend the entire file"
}
