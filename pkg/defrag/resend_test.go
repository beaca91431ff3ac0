package defrag_test

import (
	"testing"

	"github.com/gliderbase/gliderbase/pkg/defrag"
)

func TestResendHintPerKind(t *testing.T) {
	cls := testClassifier()

	cases := map[string]string{
		"sg0012lz.x02": "resend_dive /l 12 2",
		"sg0012dz.x00": "resend_dive /d 12 0",
		"sg0012kz.x01": "resend_dive /c 12 1",
		"st0003pt.x01": "resend_dive /t 3 1",
	}
	for name, want := range cases {
		fc, err := cls.Classify(name)
		if err != nil {
			t.Fatalf("classify %s: %v", name, err)
		}
		if got := defrag.ResendHint(fc); got != want {
			t.Fatalf("hint(%s) = %q, want %q", name, got, want)
		}
	}
}

func TestResendHintWholeFileWhenNotAFragment(t *testing.T) {
	cls := testClassifier()
	fc, err := cls.Classify("sg0012dz.x")
	if err != nil {
		t.Fatalf("classify: %v", err)
	}
	want := "resend_dive /d 12 recommend resend the entire file"
	if got := defrag.ResendHint(fc); got != want {
		t.Fatalf("hint = %q, want %q", got, want)
	}
}

func TestResendHintUnknownKindDegrades(t *testing.T) {
	cls := testClassifier()
	fc, err := cls.Classify("sg0012pz.x00")
	if err != nil {
		t.Fatalf("classify: %v", err)
	}
	if got := defrag.ResendHint(fc); got != "resend 0" {
		t.Fatalf("hint = %q, want %q", got, "resend 0")
	}
}

func TestResendHintLoggerFilesGetNoHint(t *testing.T) {
	cls := testClassifier()
	fc, err := cls.Classify("sc0012cp.x00")
	if err != nil {
		t.Fatalf("classify: %v", err)
	}
	if got := defrag.ResendHint(fc); got != "" {
		t.Fatalf("hint = %q, want empty for logger files", got)
	}
}

func TestResendHintForMissingOrdinal(t *testing.T) {
	cls := testClassifier()
	sibling, err := cls.Classify("sg0012dz.x03")
	if err != nil {
		t.Fatalf("classify: %v", err)
	}
	if got := defrag.ResendHintForOrdinal(sibling, 2); got != "resend_dive /d 12 2" {
		t.Fatalf("hint = %q", got)
	}
}
