package event

import (
	"strings"
	"testing"
)

const pythonStack = `Traceback (most recent call last):
  File "/srv/app/svc/handler.py", line 42, in process
    result = parse(payload)
  File "/srv/app/svc/parser.py", line 17, in parse
    return int(raw)
  File "/usr/lib/python3.12/whatever.py", line 99, in convert
    raise ValueError(raw)
ValueError: invalid literal`

func TestFingerprint_Deterministic(t *testing.T) {
	a := Fingerprint("ValueError", pythonStack, "python")
	b := Fingerprint("ValueError", pythonStack, "python")
	if a != b {
		t.Error("fingerprint should be deterministic")
	}
	if len(a) != 64 {
		t.Errorf("fingerprint length = %d, want 64 hex chars", len(a))
	}
}

func TestFingerprint_DistinguishesInputs(t *testing.T) {
	base := Fingerprint("ValueError", pythonStack, "python")

	if got := Fingerprint("TypeError", pythonStack, "python"); got == base {
		t.Error("different error_type should change the fingerprint")
	}
	if got := Fingerprint("ValueError", pythonStack, "node"); got == base {
		t.Error("different platform should change the fingerprint")
	}
	other := strings.Replace(pythonStack, "handler.py", "other.py", 1)
	if got := Fingerprint("ValueError", other, "python"); got == base {
		t.Error("different frames should change the fingerprint")
	}
}

func TestFingerprint_IgnoresLineNumbersAndAbsolutePrefixes(t *testing.T) {
	moved := strings.NewReplacer(
		"line 42", "line 58",
		"line 17", "line 31",
		"/srv/app/svc/", "/opt/deploy/release-7/svc/",
	).Replace(pythonStack)

	a := Fingerprint("ValueError", pythonStack, "python")
	b := Fingerprint("ValueError", moved, "python")
	if a != b {
		t.Error("line numbers and absolute path prefixes should not affect grouping")
	}
}

func TestFingerprint_UsesOnlyFirstThreeFrames(t *testing.T) {
	deep := pythonStack + "\n" + `  File "/srv/app/svc/extra.py", line 1, in tail`
	if Fingerprint("ValueError", pythonStack, "python") != Fingerprint("ValueError", deep, "python") {
		t.Error("frames beyond the third should not affect the fingerprint")
	}
}

func TestNormalizedFrames(t *testing.T) {
	tests := []struct {
		name     string
		platform string
		stack    string
		want     []string
	}{
		{
			name:     "python",
			platform: "python",
			stack:    `  File "/srv/app/svc/handler.py", line 42, in process`,
			want:     []string{"svc/handler.py:process"},
		},
		{
			name:     "node with function",
			platform: "node",
			stack:    "    at process (/srv/app/svc/handler.js:42:13)",
			want:     []string{"svc/handler.js:process"},
		},
		{
			name:     "node anonymous",
			platform: "node",
			stack:    "    at /srv/app/svc/handler.js:42:13",
			want:     []string{"svc/handler.js:anonymous"},
		},
		{
			name:     "java",
			platform: "java",
			stack:    "\tat com.acme.Handler.process(Handler.java:42)",
			want:     []string{"Handler.java:com.acme.Handler.process"},
		},
		{
			name:     "windows separators",
			platform: "python",
			stack:    `  File "C:\srv\app\svc\handler.py", line 42, in process`,
			want:     []string{"svc/handler.py:process"},
		},
		{
			name:     "empty stack",
			platform: "python",
			stack:    "",
			want:     nil,
		},
		{
			name:     "non-frame lines skipped",
			platform: "python",
			stack:    "Traceback (most recent call last):\nValueError: nope",
			want:     nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := NormalizedFrames(tt.stack, tt.platform, 3)
			if len(got) != len(tt.want) {
				t.Fatalf("frames = %v, want %v", got, tt.want)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Errorf("frame[%d] = %q, want %q", i, got[i], tt.want[i])
				}
			}
		})
	}
}
