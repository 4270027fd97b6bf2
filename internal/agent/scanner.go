package agent

import (
	"fmt"
	"io/fs"
	"path/filepath"
	"strings"
	"time"

	"github.com/leonletto/codesweep/internal/detect"
	"github.com/leonletto/codesweep/internal/protocol"
)

// Ambiguous verdicts at or above this confidence are quarantined
// alongside outright deletes.
const ambiguousQuarantineConfidence = 0.70

// Scanner walks the configured roots, classifies files and moves
// flagged ones into quarantine.
type Scanner struct {
	detector   *detect.Detector
	quarantine *Quarantine
	roots      []string
}

// NewScanner wires a detector and quarantine to a set of scan roots.
func NewScanner(detector *detect.Detector, q *Quarantine, roots []string) *Scanner {
	return &Scanner{detector: detector, quarantine: q, roots: roots}
}

// Run executes one scan task and returns reports for every flagged
// file. Reports carry the file's original path even after the file
// has moved into quarantine. Files that fail to quarantine are still
// reported so the master has visibility.
func (s *Scanner) Run(task *protocol.ScanTask) ([]protocol.FileReport, error) {
	window, err := parseWindow(task.DateFilter)
	if err != nil {
		return nil, err
	}

	var custom *detect.CustomMatcher
	if task.Custom != nil && !task.Custom.Empty() {
		custom, err = detect.NewCustomMatcher(
			task.Custom.Filenames, task.Custom.Extensions,
			task.Custom.Keywords, task.Custom.Regexes)
		if err != nil {
			return nil, fmt.Errorf("task %s custom rules: %w", task.TaskID, err)
		}
	}

	targets := make(map[string]bool, len(task.TargetLanguages))
	for _, lang := range task.TargetLanguages {
		targets[strings.ToLower(lang)] = true
	}

	var reports []protocol.FileReport
	for _, path := range s.collectFiles(window) {
		var res detect.Result
		if custom != nil {
			// Custom tasks flag exactly what the rules hit,
			// regardless of detected language.
			hit := false
			if res, hit = custom.Analyze(path); !hit {
				continue
			}
		} else {
			res = s.detector.Analyze(path)
			if !targets[res.Language] {
				continue
			}
			flagged := res.Decision == detect.DecisionDelete ||
				(res.Decision == detect.DecisionAmbiguous && res.Confidence >= ambiguousQuarantineConfidence)
			if !flagged {
				continue
			}
		}

		report := toFileReport(res)
		if _, err := s.quarantine.Move(path); err != nil {
			report.Reason = fmt.Sprintf("%s (quarantine failed: %v)", report.Reason, err)
		}
		reports = append(reports, report)
	}
	return reports, nil
}

func toFileReport(res detect.Result) protocol.FileReport {
	return protocol.FileReport{
		FilePath:     res.FilePath,
		Filename:     res.Filename,
		Size:         res.Size,
		ModifiedTime: res.ModifiedTime,
		Decision:     res.Decision,
		Confidence:   res.Confidence,
		Language:     res.Language,
		Method:       res.Method,
		Reason:       res.Reason,
		FileHash:     res.FileHash,
	}
}

// collectFiles walks every root and returns the regular files inside
// the modification window. The quarantine subtree is skipped so the
// sweep never eats its own output; unreadable entries are skipped too.
func (s *Scanner) collectFiles(window timeWindow) []string {
	var files []string
	for _, root := range s.roots {
		_ = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return nil
			}
			if d.IsDir() {
				if s.quarantine.Contains(path) {
					return fs.SkipDir
				}
				return nil
			}
			if !d.Type().IsRegular() {
				return nil
			}
			if !window.open() {
				info, err := d.Info()
				if err != nil || !window.contains(info.ModTime()) {
					return nil
				}
			}
			files = append(files, path)
			return nil
		})
	}
	return files
}

// timeWindow is a parsed date filter. Zero-value bounds are open.
type timeWindow struct {
	start, end time.Time
	hasStart   bool
	hasEnd     bool
}

func (w timeWindow) open() bool { return !w.hasStart && !w.hasEnd }

func (w timeWindow) contains(t time.Time) bool {
	if w.hasStart && t.Before(w.start) {
		return false
	}
	if w.hasEnd && t.After(w.end) {
		return false
	}
	return true
}

func parseWindow(f *protocol.DateFilter) (timeWindow, error) {
	var w timeWindow
	if f == nil {
		return w, nil
	}
	if f.Start != "" {
		t, _, err := parseFilterTime(f.Start)
		if err != nil {
			return w, fmt.Errorf("date filter start: %w", err)
		}
		w.start, w.hasStart = t, true
	}
	if f.End != "" {
		t, dateOnly, err := parseFilterTime(f.End)
		if err != nil {
			return w, fmt.Errorf("date filter end: %w", err)
		}
		if dateOnly {
			// A bare date as the end bound means the whole day.
			t = t.AddDate(0, 0, 1).Add(-time.Nanosecond)
		}
		w.end, w.hasEnd = t, true
	}
	return w, nil
}

func parseFilterTime(s string) (time.Time, bool, error) {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, false, nil
	}
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("parse time %q: RFC 3339 or YYYY-MM-DD required", s)
	}
	return t, true, nil
}
