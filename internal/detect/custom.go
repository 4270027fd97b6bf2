package detect

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"
)

// CustomMatcher applies operator-supplied ad-hoc rules from a scan
// task. Any hit is a definite match: the operator asked for exactly
// this, so there is nothing to score.
type CustomMatcher struct {
	filenames  map[string]bool
	extensions map[string]bool
	keywords   []string
	regexes    []*regexp.Regexp
}

// NewCustomMatcher compiles the rule lists. Filenames and extensions
// match case-insensitively; keywords are literal substrings.
func NewCustomMatcher(filenames, extensions, keywords, regexes []string) (*CustomMatcher, error) {
	m := &CustomMatcher{
		filenames:  make(map[string]bool),
		extensions: make(map[string]bool),
	}
	for _, name := range filenames {
		m.filenames[strings.ToLower(name)] = true
	}
	for _, ext := range extensions {
		ext = strings.ToLower(ext)
		if ext != "" && !strings.HasPrefix(ext, ".") {
			ext = "." + ext
		}
		m.extensions[ext] = true
	}
	for _, kw := range keywords {
		if kw != "" {
			m.keywords = append(m.keywords, kw)
		}
	}
	for _, expr := range regexes {
		re, err := regexp.Compile(expr)
		if err != nil {
			return nil, fmt.Errorf("compile custom regex %q: %w", expr, err)
		}
		m.regexes = append(m.regexes, re)
	}
	return m, nil
}

// Match reports whether the file name or content hits any rule, and
// which rule hit.
func (m *CustomMatcher) Match(path, content string) (bool, string) {
	name := strings.ToLower(filepath.Base(path))
	if m.filenames[name] {
		return true, fmt.Sprintf("filename %q", name)
	}
	if ext := strings.ToLower(filepath.Ext(path)); ext != "" && m.extensions[ext] {
		return true, fmt.Sprintf("extension %q", ext)
	}
	for _, kw := range m.keywords {
		if strings.Contains(content, kw) {
			return true, fmt.Sprintf("keyword %q", kw)
		}
	}
	for _, re := range m.regexes {
		if re.MatchString(content) {
			return true, fmt.Sprintf("regex %q", re.String())
		}
	}
	return false, ""
}

// Analyze runs the matcher against one file on disk. A hit overrides
// language scoring entirely.
func (m *CustomMatcher) Analyze(path string) (Result, bool) {
	filename := filepath.Base(path)

	content, err := readSample(path, contentSampleMax)
	if err != nil {
		content = ""
	}
	hit, rule := m.Match(path, content)
	if !hit {
		return Result{}, false
	}

	res := Result{
		FilePath:   path,
		Filename:   filename,
		Decision:   DecisionDelete,
		Confidence: 1.0,
		Language:   LanguageNone,
		Method:     MethodCustom,
		Reason:     fmt.Sprintf("Matched custom rule: %s", rule),
	}
	if info, err := os.Stat(path); err == nil {
		res.Size = info.Size()
		res.ModifiedTime = info.ModTime().Format(time.RFC3339)
	}
	if hash, err := HashFile(path); err == nil {
		res.FileHash = hash
	}
	return res, true
}
