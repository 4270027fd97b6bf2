package detect

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"
)

// Decisions produced by analysis.
const (
	DecisionDelete    = "delete"
	DecisionKeep      = "keep"
	DecisionAmbiguous = "ambiguous"
)

// Methods describing how a decision was reached.
const (
	MethodPattern = "pattern-based"
	MethodBinary  = "binary-filter"
	MethodCustom  = "custom-rules"
	MethodError   = "error"
)

// LanguageNone marks files with no detected language.
const LanguageNone = "none"

const (
	binarySampleSize = 8192
	contentSampleMax = 50000
	// A typical code file scores well past this; dividing by it maps
	// raw scores onto [0,1].
	scoreNormalizer = 30.0
	extensionBoost  = 1.3
	deleteThreshold = 0.75
	keepThreshold   = 0.25
)

// Result is the outcome of analyzing one file.
type Result struct {
	FilePath     string
	Filename     string
	Size         int64
	ModifiedTime string
	Decision     string
	Confidence   float64
	Language     string
	Method       string
	Reason       string
	FileHash     string
}

type compiledLanguage struct {
	name       string
	patterns   []*regexp.Regexp
	patternDsc []string
	keywords   []*regexp.Regexp
	extensions map[string]bool
}

// Detector scores file content against a compiled policy. Safe for
// concurrent use.
type Detector struct {
	languages []*compiledLanguage // sorted by name for deterministic ties
	indentRe  *regexp.Regexp
	bracketRe *regexp.Regexp
}

// New compiles a policy into a detector.
func New(policy *Policy) (*Detector, error) {
	d := &Detector{
		indentRe:  regexp.MustCompile(`(?m)^[ \t]+\w`),
		bracketRe: regexp.MustCompile(`[{}\[\]()]`),
	}

	names := make([]string, 0, len(policy.Languages))
	for name := range policy.Languages {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		rules := policy.Languages[name]
		cl := &compiledLanguage{name: name, extensions: make(map[string]bool)}

		for _, p := range rules.Patterns {
			re, err := regexp.Compile(p.Regex)
			if err != nil {
				return nil, fmt.Errorf("compile %s pattern %q: %w", name, p.Regex, err)
			}
			cl.patterns = append(cl.patterns, re)
			cl.patternDsc = append(cl.patternDsc, p.Description)
		}
		for _, kw := range rules.Keywords {
			re, err := regexp.Compile(`\b` + regexp.QuoteMeta(kw) + `\b`)
			if err != nil {
				return nil, fmt.Errorf("compile %s keyword %q: %w", name, kw, err)
			}
			cl.keywords = append(cl.keywords, re)
		}
		for _, ext := range rules.Extensions {
			cl.extensions[strings.ToLower(ext)] = true
		}
		d.languages = append(d.languages, cl)
	}
	return d, nil
}

// Analyze inspects one file and decides whether it looks like source
// code. It never returns an error: anything unreadable is reported as
// a keep with the error in the reason, so a scan batch is never lost
// to one bad file.
func (d *Detector) Analyze(path string) Result {
	filename := filepath.Base(path)

	info, err := os.Stat(path)
	if err != nil {
		return Result{
			FilePath: path, Filename: filename,
			Decision: DecisionKeep, Confidence: 0, Language: LanguageNone,
			Method: MethodError, Reason: fmt.Sprintf("stat error: %v", err),
		}
	}

	res := Result{
		FilePath:     path,
		Filename:     filename,
		Size:         info.Size(),
		ModifiedTime: info.ModTime().Format(time.RFC3339),
	}

	hash, err := HashFile(path)
	if err == nil {
		res.FileHash = hash
	}

	if isBinary(path) {
		res.Decision = DecisionKeep
		res.Confidence = 1.0
		res.Language = LanguageNone
		res.Method = MethodBinary
		res.Reason = "Binary file, not code"
		return res
	}

	content, err := readSample(path, contentSampleMax)
	if err != nil {
		res.Decision = DecisionKeep
		res.Confidence = 0.5
		res.Language = LanguageNone
		res.Method = MethodError
		res.Reason = fmt.Sprintf("error reading file: %v", err)
		return res
	}

	language, score, matches := d.scoreContent(content)

	confidence := score / scoreNormalizer
	if confidence > 1.0 {
		confidence = 1.0
	}

	// An extension agreeing with the content is strong evidence.
	ext := strings.ToLower(filepath.Ext(path))
	if lang := d.lookup(language); lang != nil && lang.extensions[ext] {
		confidence *= extensionBoost
		if confidence > 1.0 {
			confidence = 1.0
		}
	}

	res.Confidence = confidence
	res.Language = language
	res.Method = MethodPattern

	switch {
	case confidence > deleteThreshold:
		res.Decision = DecisionDelete
		res.Reason = fmt.Sprintf("High confidence %s code: %s", language, strings.Join(firstN(matches, 3), ", "))
	case confidence < keepThreshold:
		res.Decision = DecisionKeep
		res.Reason = fmt.Sprintf("Low confidence, no significant code patterns (score: %.0f)", score)
	default:
		res.Decision = DecisionAmbiguous
		res.Reason = fmt.Sprintf("Medium confidence %s code (score: %.0f), needs manual review", language, score)
	}
	return res
}

// scoreContent scores the content against every language and returns
// the best language, its raw score and its matched pattern
// descriptions. Ties resolve to the alphabetically first language.
func (d *Detector) scoreContent(content string) (string, float64, []string) {
	// Structure bonuses apply to every language equally.
	structure := 0.0
	if d.indentRe.MatchString(content) {
		structure += 3
	}
	if d.bracketRe.MatchString(content) {
		structure += 2
	}

	bestLang := LanguageNone
	bestScore := 0.0
	var bestMatches []string

	for _, lang := range d.languages {
		score := 0.0
		var matches []string

		for i, re := range lang.patterns {
			if hits := len(re.FindAllStringIndex(content, -1)); hits > 0 {
				score += float64(hits) * 2
				matches = append(matches, fmt.Sprintf("%s (%dx)", lang.patternDsc[i], hits))
			}
		}
		for _, re := range lang.keywords {
			score += float64(len(re.FindAllStringIndex(content, -1)))
		}
		if score == 0 {
			continue
		}
		score += structure

		if score > bestScore {
			bestLang = lang.name
			bestScore = score
			bestMatches = matches
		}
	}
	return bestLang, bestScore, bestMatches
}

func (d *Detector) lookup(name string) *compiledLanguage {
	for _, lang := range d.languages {
		if lang.name == name {
			return lang
		}
	}
	return nil
}

// isBinary samples the head of the file: a NUL byte or a high ratio
// of non-text bytes marks it binary. Unreadable files are treated as
// binary so they end up kept.
func isBinary(path string) bool {
	f, err := os.Open(path)
	if err != nil {
		return true
	}
	defer func() { _ = f.Close() }()

	buf := make([]byte, binarySampleSize)
	n, err := f.Read(buf)
	if err != nil && err != io.EOF {
		return true
	}
	if n == 0 {
		return false
	}
	buf = buf[:n]

	nonText := 0
	for _, b := range buf {
		if b == 0 {
			return true
		}
		if !isTextByte(b) {
			nonText++
		}
	}
	return float64(nonText)/float64(n) > 0.3
}

// isTextByte mirrors the classic "text characters" set: BEL, BS, TAB,
// LF, FF, CR, ESC plus everything printable except DEL.
func isTextByte(b byte) bool {
	switch b {
	case 7, 8, 9, 10, 12, 13, 27:
		return true
	}
	return b >= 0x20 && b != 0x7f
}

func readSample(path string, max int) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer func() { _ = f.Close() }()

	buf := make([]byte, max)
	n, err := io.ReadFull(f, buf)
	if err != nil && err != io.EOF && err != io.ErrUnexpectedEOF {
		return "", err
	}
	return string(buf[:n]), nil
}

// HashFile returns the lowercase hex SHA-256 of the file contents.
func HashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("open %s: %w", path, err)
	}
	defer func() { _ = f.Close() }()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("hash %s: %w", path, err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func firstN(ss []string, n int) []string {
	if len(ss) <= n {
		return ss
	}
	return ss[:n]
}
