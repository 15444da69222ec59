// Package texlog parses LaTeX compiler output into diagnostics.
package texlog

import (
	"regexp"
	"strconv"
	"strings"
)

// Type is the severity of a diagnostic.
type Type string

const (
	TypeError   Type = "error"
	TypeWarning Type = "warning"
)

// Entry is a single diagnostic found in a compiler log.
// File is empty and Line is 0 when the log doesn't say where the problem is.
type Entry struct {
	Type    Type   `json:"type"`
	File    string `json:"file"`
	Line    int    `json:"line"`
	Message string `json:"message"`
}

var (
	fileLineErrorRegexp = regexp.MustCompile(`^(\.{0,2}/?[^:\s()][^:()]*\.(?:tex|sty|cls|bib|bbl|ltx|dtx|def|cfg|clo|fd)):(\d+): (.+)$`)
	bangRegexp          = regexp.MustCompile(`^! (.+)$`)
	contextLineRegexp   = regexp.MustCompile(`^l\.(\d+)`)
	warningRegexp       = regexp.MustCompile(`^(?:LaTeX|(?:Package|Class) (\S+)) Warning: (.*)$`)
	inputLineRegexp     = regexp.MustCompile(`on input line (\d+)`)
	boxRegexp           = regexp.MustCompile(`^((?:Overfull|Underfull) \\[hv]box .*)$`)
	boxLineRegexp       = regexp.MustCompile(`at lines? (\d+)`)
	fatalRegexp         = regexp.MustCompile(`^=+> (Fatal error occurred.*)$`)
	openFileRegexp      = regexp.MustCompile(`\((\.{0,2}/[^\s()]+\.(?:tex|sty|cls|ltx))`)
)

const (
	// contextLookahead is how many lines after "! ..." are searched for "l.<n>".
	contextLookahead     = 10
	maxContinuationLines = 4
)

// Parse returns the diagnostics found in log in the order they appear.
// It is deterministic and doesn't fail: unrecognized lines are skipped.
func Parse(log string) []Entry {
	lines := splitLines(log)
	entries := make([]Entry, 0)
	seen := make(map[Entry]struct{})
	add := func(e Entry) {
		e.File = normalizeFile(e.File)
		e.Message = strings.TrimSpace(e.Message)
		if _, ok := seen[e]; ok {
			return
		}
		seen[e] = struct{}{}
		entries = append(entries, e)
	}

	currentFile := ""
	for i := 0; i < len(lines); i++ {
		line := lines[i]

		if m := fileLineErrorRegexp.FindStringSubmatch(line); m != nil {
			n, _ := strconv.Atoi(m[2])
			add(Entry{Type: TypeError, File: m[1], Line: n, Message: m[3]})
			continue
		}

		if m := bangRegexp.FindStringSubmatch(line); m != nil {
			e := Entry{Type: TypeError, File: currentFile, Message: m[1]}
			for j := i + 1; j < len(lines) && j <= i+contextLookahead; j++ {
				if c := contextLineRegexp.FindStringSubmatch(lines[j]); c != nil {
					e.Line, _ = strconv.Atoi(c[1])
					break
				}
			}
			add(e)
			continue
		}

		if m := fatalRegexp.FindStringSubmatch(line); m != nil {
			add(Entry{Type: TypeError, Message: m[1]})
			continue
		}

		if m := warningRegexp.FindStringSubmatch(line); m != nil {
			name := m[1]
			message := m[2]
			for k := 0; k < maxContinuationLines && i+1 < len(lines) && isContinuation(lines[i+1], name, message); k++ {
				i++
				message += " " + strings.TrimSpace(strings.TrimPrefix(lines[i], "("+name+")"))
			}
			e := Entry{Type: TypeWarning, File: currentFile, Message: message}
			if l := inputLineRegexp.FindStringSubmatch(message); l != nil {
				e.Line, _ = strconv.Atoi(l[1])
			}
			add(e)
			continue
		}

		if m := boxRegexp.FindStringSubmatch(line); m != nil {
			e := Entry{Type: TypeWarning, File: currentFile, Message: m[1]}
			if l := boxLineRegexp.FindStringSubmatch(line); l != nil {
				e.Line, _ = strconv.Atoi(l[1])
			}
			add(e)
			continue
		}

		if m := openFileRegexp.FindAllStringSubmatch(line, -1); m != nil {
			currentFile = m[len(m)-1][1]
		}
	}

	return entries
}

// Errors returns the error entries of entries.
func Errors(entries []Entry) []Entry {
	errs := make([]Entry, 0)
	for _, e := range entries {
		if e.Type == TypeError {
			errs = append(errs, e)
		}
	}
	return errs
}

// HasErrors reports whether entries contain at least one error.
func HasErrors(entries []Entry) bool {
	for _, e := range entries {
		if e.Type == TypeError {
			return true
		}
	}
	return false
}

// isContinuation reports whether next continues a warning.
// Package and class warnings prefix continuation lines with "(name)".
// LaTeX warnings wrap until a sentence ends.
func isContinuation(next, name, message string) bool {
	if name != "" {
		return strings.HasPrefix(next, "("+name+")")
	}
	if strings.TrimSpace(next) == "" {
		return false
	}
	return !strings.HasSuffix(strings.TrimSpace(message), ".")
}

// splitLines splits s into lines of any length.
func splitLines(s string) []string {
	s = strings.TrimSuffix(s, "\n")
	if s == "" {
		return []string{}
	}
	lines := strings.Split(s, "\n")
	for i, l := range lines {
		lines[i] = strings.TrimSuffix(l, "\r")
	}
	return lines
}

func normalizeFile(f string) string {
	return strings.TrimPrefix(f, "./")
}
