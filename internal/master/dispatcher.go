package master

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"regexp"
	"strings"

	"github.com/samber/lo"

	"github.com/leonletto/codesweep/internal/protocol"
)

// DefaultTargetLanguage is what a scan sweeps when nobody asked for
// anything more specific.
const DefaultTargetLanguage = "python"

// SupportedLanguages are the language names agents understand in a
// scan task. Anything else is rejected before dispatch.
var SupportedLanguages = []string{"python", "matlab", "c", "cpp", "java"}

// NormalizeLanguages lowercases and trims operator-supplied language
// names, drops duplicates, and rejects names outside the supported
// set. An empty input normalizes to an empty slice without error.
func NormalizeLanguages(langs []string) ([]string, error) {
	cleaned := lo.FilterMap(langs, func(l string, _ int) (string, bool) {
		l = strings.ToLower(strings.TrimSpace(l))
		return l, l != ""
	})
	cleaned = lo.Uniq(cleaned)

	if bad := lo.Without(cleaned, SupportedLanguages...); len(bad) > 0 {
		return nil, fmt.Errorf("unsupported languages: %s", strings.Join(bad, ", "))
	}
	return cleaned, nil
}

var (
	cppWordRe  = regexp.MustCompile(`\bcpp\b`)
	cWordRe    = regexp.MustCompile(`\bc\b`)
	javaWordRe = regexp.MustCompile(`\bjava\b`)
)

// NewTaskID mints a scan task identifier: "scan-" plus 8 hex chars.
func NewTaskID() string {
	var b [4]byte
	_, _ = rand.Read(b[:])
	return "scan-" + hex.EncodeToString(b[:])
}

// DefaultTask builds the task dispatched to a freshly registered
// agent.
func DefaultTask() protocol.ScanTask {
	return protocol.ScanTask{
		Type:            protocol.TypeScanTask,
		TaskID:          NewTaskID(),
		TargetLanguages: []string{DefaultTargetLanguage},
		DateFilter:      nil,
	}
}

// InferLanguages maps a free-form operator instruction onto target
// languages. "java" deliberately does not fire inside "javascript",
// and a standalone "c" does not fire inside "c++". Instructions that
// name nothing fall back to the default.
func InferLanguages(instruction string) []string {
	s := strings.ToLower(instruction)
	var langs []string

	if strings.Contains(s, "python") {
		langs = append(langs, "python")
	}
	if strings.Contains(s, "matlab") {
		langs = append(langs, "matlab")
	}
	if strings.Contains(s, "c++") || cppWordRe.MatchString(s) {
		langs = append(langs, "cpp")
	}
	// Strip c++/cpp mentions so the bare-c probe cannot see them.
	stripped := cppWordRe.ReplaceAllString(strings.ReplaceAll(s, "c++", " "), " ")
	if cWordRe.MatchString(stripped) {
		langs = append(langs, "c")
	}
	if javaWordRe.MatchString(s) {
		langs = append(langs, "java")
	}

	langs = lo.Uniq(langs)
	if len(langs) == 0 {
		return []string{DefaultTargetLanguage}
	}
	return langs
}
