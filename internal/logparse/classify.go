package logparse

import (
	"regexp"
	"strings"
)

// Substrings that mark a line as an error wherever they appear.
var inSearchTerms = []string{
	"TEST-UNEXPECTED-",
	"fatal error",
	"FATAL ERROR",
	" ERROR ",
	" FATAL ",
	"PROCESS-CRASH",
	"Assertion failure:",
	"Assertion failed:",
	"###!!! ABORT:",
	"E/GeckoLinker",
	"SUMMARY: AddressSanitizer",
	"SUMMARY: LeakSanitizer",
	"Automation Error:",
	"command timed out:",
	"wget: unable ",
}

var (
	reErrMatch = regexp.MustCompile(`^error: TEST FAILED` +
		`|^g?make(?:\[\d+\])?: \*\*\*` +
		`|^Remote Device Error:` +
		`|^[A-Za-z.]+Error: ` +
		`|^[A-Za-z.]*Exception: ` +
		`|^remoteFailed:` +
		`|^rm: cannot ` +
		`|^abort:` +
		`|^Output exceeded \d+ bytes` +
		`|^The web-page 'stop build' button was pressed` +
		`|.*\.js: line \d+, col \d+, Error -` +
		`|^\[taskcluster\] Error:` +
		`|^\[taskcluster:error\]` +
		`|^Traceback \(most recent call last\):`)

	reErrSearch = regexp.MustCompile(` error\(\d*\):` +
		`|:\d+: error:` +
		`| error R?C\d*:` +
		`|ERROR [45]\d\d:` +
		`|mozmake\.exe(?:\[\d+\])?: \*\*\*`)

	reExcludeInfo = regexp.MustCompile(`TEST-(?:INFO|PASS) `)

	reExcludeNoise = regexp.MustCompile(`I[ /](Gecko|Robocop|TestRunner).*TEST-UNEXPECTED-` +
		`|^TimeoutException: ` +
		`|^ImportError: No module named pygtk$`)

	reMozharnessError = regexp.MustCompile(`^\d+:\d+:\d+ +(?:ERROR|CRITICAL|FATAL) - `)

	reMozharnessPrefix = regexp.MustCompile(`^\d+:\d+:\d+ +(?:DEBUG|INFO|WARNING) - +`)

	reMozharnessAny = regexp.MustCompile(`^\d+:\d+:\d+ +(?:DEBUG|INFO|WARNING|ERROR|CRITICAL|FATAL) - ?`)

	// Taskcluster worker prefix, e.g. "[task 2024-01-01T00:00:00.000Z] ".
	reTaskPrefix = regexp.MustCompile(`^\[(?:task|setup|vcs|fetches|taskcluster) [^\]]*\] `)
)

// IsErrorLine reports whether a log line is an error line.
func IsErrorLine(line string) bool {
	line = reTaskPrefix.ReplaceAllString(line, "")
	if reExcludeInfo.MatchString(line) {
		return false
	}
	if reMozharnessError.MatchString(line) {
		return true
	}
	trimmed := reMozharnessPrefix.ReplaceAllString(line, "")
	if reExcludeNoise.MatchString(trimmed) {
		return false
	}
	for _, term := range inSearchTerms {
		if strings.Contains(trimmed, term) {
			return true
		}
	}
	return reErrMatch.MatchString(trimmed) || reErrSearch.MatchString(trimmed)
}

// CleanLine removes worker and mozharness prefixes from a log line.
func CleanLine(line string) string {
	line = reTaskPrefix.ReplaceAllString(line, "")
	return strings.TrimSpace(reMozharnessAny.ReplaceAllString(line, ""))
}

// Search terms that match too many bugs to be useful.
var unhelpfulTerms = map[string]bool{
	"automation.py":                      true,
	"remoteautomation.py":                true,
	"Shutdown":                           true,
	"undefined":                          true,
	"Main app process exited normally":   true,
	"Traceback (most recent call last):": true,
	"Return code: 0":                     true,
	"Return code: 1":                     true,
	"Return code: 2":                     true,
	"Return code: 9":                     true,
	"Return code: 10":                    true,
	"Exiting 1":                          true,
	"Exiting 9":                          true,
	"CrashingThread(void *)":             true,
	"libSystem.B.dylib + 0xd7a":          true,
	"linux-gate.so + 0x424":              true,
	"TypeError: content is null":         true,
	"leakcheck":                          true,
}

func helpfulTerm(term string) bool {
	term = strings.TrimSpace(term)
	return len(term) > 4 && !unhelpfulTerms[term]
}

var (
	reLeak  = regexp.MustCompile(`\d+ bytes leaked \((.+)\)$`)
	reCrash = regexp.MustCompile(`.+ application crashed \[@ (.+)\]$`)
)

// maxSearchTermLen bounds search terms to what fits in a bug summary.
const maxSearchTermLen = 100

// ErrorSearchTerm extracts a short key from a cleaned error line: the leaked
// object list of a leak report, the file name of the test in a
// "TYPE | test | message" line, or the whole line. It returns "" when no
// useful term exists.
func ErrorSearchTerm(line string) string {
	if line == "" {
		return ""
	}
	var term string
	if tokens := strings.Split(line, " | "); len(tokens) >= 3 {
		if m := reLeak.FindStringSubmatch(tokens[2]); m != nil {
			term = m[1]
		} else {
			term = tokens[1]
			for _, sep := range []string{"/", `\`} {
				if i := strings.LastIndex(term, sep); i >= 0 {
					term = term[i+1:]
				}
			}
		}
	}
	if term == "" || !helpfulTerm(term) {
		if !helpfulTerm(line) {
			return ""
		}
		term = line
	}
	return truncateRunes(term, maxSearchTermLen)
}

// CrashSignature returns the crashing frame of a PROCESS-CRASH line, or "".
func CrashSignature(line string) string {
	m := reCrash.FindStringSubmatch(line)
	if m == nil || !helpfulTerm(m[1]) {
		return ""
	}
	return m[1]
}

func truncateRunes(s string, n int) string {
	if len(s) <= n {
		return s
	}
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
