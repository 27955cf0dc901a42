package pipeline

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
)

// DefaultErrorFormat matches GCC, Clang and Go compiler output.
const DefaultErrorFormat = `(?P<filename>[^:\s]+):(?P<line>\d+):(?:(?P<column>\d+):)? (?:(?P<level>\w+): )?(?P<message>.*)`

var (
	enteringDirRegex = regexp.MustCompile(`Entering directory [` + "`" + `'"](.*)['"]$`)
	leavingDirRegex  = regexp.MustCompile(`Leaving directory [` + "`" + `'"](.*)['"]$`)
	ansiRegex        = regexp.MustCompile(`\x1b\[[0-9;?]*[A-Za-z]`)
)

type errorFormat struct {
	id    uint
	regex *regexp.Regexp

	filename, line, column, level, message int
}

func newErrorFormat(id uint, expr string, caseInsensitive bool) (*errorFormat, error) {
	if caseInsensitive {
		expr = "(?i)" + expr
	}
	re, err := regexp.Compile(expr)
	if err != nil {
		return nil, fmt.Errorf("invalid error format: %w", err)
	}
	if re.SubexpIndex("message") < 0 {
		return nil, fmt.Errorf("error format %q has no message group", expr)
	}
	return &errorFormat{
		id:       id,
		regex:    re,
		filename: re.SubexpIndex("filename"),
		line:     re.SubexpIndex("line"),
		column:   re.SubexpIndex("column"),
		level:    re.SubexpIndex("level"),
		message:  re.SubexpIndex("message"),
	}, nil
}

func group(m []string, idx int) string {
	if idx < 0 || idx >= len(m) {
		return ""
	}
	return m[idx]
}

// match returns the parsed diagnostic or nil. File is left unresolved.
func (f *errorFormat) match(line string) *Diagnostic {
	m := f.regex.FindStringSubmatch(line)
	if m == nil {
		return nil
	}

	d := &Diagnostic{
		Severity: ParseSeverity(group(m, f.level)),
		Message:  group(m, f.message),
		File:     group(m, f.filename),
	}
	if d.Message == "" {
		return nil
	}

	if s := group(m, f.line); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 1 {
			return nil
		}
		d.Line = n
	}
	if s := group(m, f.column); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 1 {
			return nil
		}
		d.Column = n
	}
	return d
}

// dirTracker follows make's "Entering directory" and "Leaving directory"
// lines.
type dirTracker struct {
	stack []string
}

// observe consumes directory change lines and reports whether line was one.
func (t *dirTracker) observe(line string) bool {
	if m := enteringDirRegex.FindStringSubmatch(line); m != nil {
		t.stack = append(t.stack, m[1])
		return true
	}
	if leavingDirRegex.MatchString(line) {
		if len(t.stack) > 0 {
			t.stack = t.stack[:len(t.stack)-1]
		}
		return true
	}
	return false
}

func (t *dirTracker) current() string {
	if len(t.stack) == 0 {
		return ""
	}
	return t.stack[len(t.stack)-1]
}

func (t *dirTracker) reset() {
	t.stack = nil
}

// resolveFile makes a diagnostic path absolute against the tracked
// directory, or builddir when none is tracked.
func resolveFile(name, trackedDir, builddir, srcdir string) string {
	if name == "" {
		return ""
	}
	if rest, ok := strings.CutPrefix(name, "~/"); ok {
		if home, err := os.UserHomeDir(); err == nil {
			name = filepath.Join(home, rest)
		}
	}
	if filepath.IsAbs(name) {
		return filepath.Clean(name)
	}

	base := builddir
	if trackedDir != "" {
		base = trackedDir
	}
	if !filepath.IsAbs(base) {
		base = filepath.Join(srcdir, base)
	}
	return filepath.Join(base, name)
}

func stripANSI(line string) string {
	if !strings.Contains(line, "\x1b") {
		return line
	}
	return ansiRegex.ReplaceAllString(line, "")
}
