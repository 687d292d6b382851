// Package descriptor reads and rewrites the pinned version of the managed
// dependency in a module descriptor (go.mod).
package descriptor

import (
	"fmt"
	"strings"

	"github.com/goplus/corebuild/internal/fsys"
	"golang.org/x/mod/module"
	"golang.org/x/mod/semver"
)

// Unknown is returned by Resolve when no line matches.
const Unknown = "unknown"

// Scope selects how an upgrade rewrites the descriptor.
type Scope string

const (
	// ScopeGlobal replaces every literal occurrence of the current version.
	ScopeGlobal Scope = "global"
	// ScopeRecord replaces only the version field of the matching line.
	ScopeRecord Scope = "record"
)

// ParseScope validates s. An empty string selects ScopeGlobal.
func ParseScope(s string) (Scope, error) {
	switch Scope(s) {
	case "", ScopeGlobal:
		return ScopeGlobal, nil
	case ScopeRecord:
		return ScopeRecord, nil
	}
	return "", fmt.Errorf("unknown rewrite scope %q (want %q or %q)", s, ScopeGlobal, ScopeRecord)
}

// Matcher picks the descriptor line of the managed dependency: the line must
// contain Include and must not contain Exclude. An empty Exclude excludes
// nothing.
type Matcher struct {
	Include string
	Exclude string
}

func (m Matcher) match(line string) bool {
	if !strings.Contains(line, m.Include) {
		return false
	}
	return m.Exclude == "" || !strings.Contains(line, m.Exclude)
}

// Record is one descriptor line.
type Record struct {
	Text   string
	Fields []string
}

// File is a parsed descriptor.
type File struct {
	Path    string
	Data    []byte
	Records []Record
}

// Parse splits data into records. If data is nil the file is read from fsys.
func Parse(fs fsys.FS, file string, data []byte) (*File, error) {
	if data == nil {
		var err error
		data, err = fs.ReadFile(file)
		if err != nil {
			return nil, err
		}
	}
	return parse(file, data), nil
}

func parse(file string, data []byte) *File {
	f := &File{Path: file, Data: data}
	for _, line := range strings.Split(string(data), "\n") {
		f.Records = append(f.Records, Record{Text: line, Fields: strings.Fields(line)})
	}
	return f
}

// find returns the index of the first matching record, or -1.
func (f *File) find(m Matcher) int {
	for i, r := range f.Records {
		if len(r.Fields) > 0 && m.match(r.Text) {
			return i
		}
	}
	return -1
}

// Version returns the pinned version of the first record matched by m, or
// Unknown.
func (f *File) Version(m Matcher) string {
	i := f.find(m)
	if i < 0 {
		return Unknown
	}
	fields := f.Records[i].Fields
	return strings.TrimSpace(fields[len(fields)-1])
}

// Resolve returns the last whitespace-delimited field of the first line of
// text that contains include and not exclude. It returns Unknown if there is
// no such line.
func Resolve(text, include, exclude string) string {
	return parse("", []byte(text)).Version(Matcher{Include: include, Exclude: exclude})
}

// RewriteGlobal replaces every literal occurrence of old in text with repl.
// It is not scoped to the dependency's line: the same token anywhere else in
// the descriptor is rewritten too.
func RewriteGlobal(text, old, repl string) string {
	if old == "" {
		return text
	}
	return strings.ReplaceAll(text, old, repl)
}

// RewriteRecord replaces the version field of the first line matched by
// include/exclude with repl, leaving every other byte of text untouched. It
// reports whether a line matched.
func RewriteRecord(text, include, exclude, repl string) (string, bool) {
	f := parse("", []byte(text))
	i := f.find(Matcher{Include: include, Exclude: exclude})
	if i < 0 {
		return text, false
	}
	r := f.Records[i]
	last := r.Fields[len(r.Fields)-1]
	at := strings.LastIndex(r.Text, last)
	line := r.Text[:at] + repl + r.Text[at+len(last):]

	lines := strings.Split(text, "\n")
	lines[i] = line
	return strings.Join(lines, "\n"), true
}

// Rewrite pins repl in place of the currently resolved version using scope.
// The global scope substitutes current verbatim, Unknown included; only the
// record scope fails when no line matches.
func Rewrite(scope Scope, text string, m Matcher, current, repl string) (string, error) {
	switch scope {
	case ScopeGlobal, "":
		return RewriteGlobal(text, current, repl), nil
	case ScopeRecord:
		out, ok := RewriteRecord(text, m.Include, m.Exclude, repl)
		if !ok {
			return "", fmt.Errorf("no line matches %q: nothing to rewrite", m.Include)
		}
		return out, nil
	}
	return "", fmt.Errorf("unknown rewrite scope %q", scope)
}

// Describe classifies a version token for progress output.
func Describe(version string) string {
	switch {
	case version == Unknown:
		return "unknown"
	case module.IsPseudoVersion(version):
		return "pseudo-version"
	case !semver.IsValid(version):
		return "query"
	case semver.Prerelease(version) != "":
		return "prerelease"
	}
	return "release"
}
