package event

import (
	"crypto/sha256"
	"encoding/hex"
	"regexp"
	"strings"
)

// fingerprintFrames is how many leading stack frames contribute to the
// fingerprint. Deeper frames churn too much between releases to be useful
// for grouping.
const fingerprintFrames = 3

var (
	// Python: File "/app/svc/handler.py", line 42, in process
	pythonFrameRe = regexp.MustCompile(`File "([^"]+)", line \d+, in (\S+)`)
	// Node: at process (/app/svc/handler.js:42:13)
	nodeFrameRe = regexp.MustCompile(`at ([^\s(]+) \(([^):]+)(?::\d+){0,2}\)`)
	// Node without a function: at /app/svc/handler.js:42:13
	nodeBareFrameRe = regexp.MustCompile(`at ([^\s():]+)(?::\d+){1,2}\s*$`)
	// Java: at com.acme.Handler.process(Handler.java:42)
	javaFrameRe = regexp.MustCompile(`at ([\w$.]+)\(([\w$.]+)(?::\d+)?\)`)
	// Fallback: trailing :line or :line:col on any path-looking token.
	lineColSuffixRe = regexp.MustCompile(`:\d+(:\d+)?$`)
)

// Fingerprint computes the error grouping digest:
// SHA-256(error_type \x00 first-three-normalised-frames \x00 platform).
// Frame normalisation strips line and column numbers and absolute path
// prefixes so redeploys and path differences between hosts do not split
// groups.
func Fingerprint(errorType, stackTrace, platform string) string {
	frames := NormalizedFrames(stackTrace, platform, fingerprintFrames)

	h := sha256.New()
	h.Write([]byte(errorType))
	h.Write([]byte{0})
	h.Write([]byte(strings.Join(frames, "\n")))
	h.Write([]byte{0})
	h.Write([]byte(platform))
	return hex.EncodeToString(h.Sum(nil))
}

// NormalizedFrames extracts up to max frames from a stack trace as
// "file:function" pairs with location numbers and absolute prefixes removed.
func NormalizedFrames(stackTrace, platform string, max int) []string {
	if stackTrace == "" {
		return nil
	}

	var frames []string
	for _, line := range strings.Split(stackTrace, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if f, ok := parseFrame(line, platform); ok {
			frames = append(frames, f)
			if len(frames) == max {
				break
			}
		}
	}
	return frames
}

func parseFrame(line, platform string) (string, bool) {
	switch strings.ToLower(platform) {
	case "python":
		if m := pythonFrameRe.FindStringSubmatch(line); m != nil {
			return relativePath(m[1]) + ":" + m[2], true
		}
	case "node", "javascript", "typescript":
		if m := nodeFrameRe.FindStringSubmatch(line); m != nil {
			return relativePath(m[2]) + ":" + m[1], true
		}
		if m := nodeBareFrameRe.FindStringSubmatch(line); m != nil {
			return relativePath(lineColSuffixRe.ReplaceAllString(m[1], "")) + ":anonymous", true
		}
	case "java", "kotlin":
		if m := javaFrameRe.FindStringSubmatch(line); m != nil {
			return m[2] + ":" + m[1], true
		}
	}

	// Unknown platform: any line with a path-like token still contributes,
	// stripped of trailing location numbers.
	if strings.HasPrefix(line, "at ") || strings.HasPrefix(line, "File ") {
		token := strings.TrimPrefix(strings.TrimPrefix(line, "at "), "File ")
		token = strings.Trim(token, `"`)
		if i := strings.IndexAny(token, " ,("); i > 0 {
			token = token[:i]
		}
		token = lineColSuffixRe.ReplaceAllString(token, "")
		if token != "" {
			return relativePath(token), true
		}
	}
	return "", false
}

// relativePath keeps at most the trailing two path segments, dropping the
// host-specific absolute prefix.
func relativePath(p string) string {
	p = strings.ReplaceAll(p, "\\", "/")
	parts := strings.Split(p, "/")
	if len(parts) > 2 {
		parts = parts[len(parts)-2:]
	}
	return strings.Join(parts, "/")
}
