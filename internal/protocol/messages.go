package protocol

import (
	"encoding/json"
	"fmt"
)

// Message types carried in the "type" field of every frame.
const (
	TypeRegister       = "register"
	TypeHeartbeat      = "heartbeat"
	TypeScanTask       = "scan_task"
	TypeScanResults    = "scan_results"
	TypeDeleteApproved = "delete_approved"
	TypeDeletionReport = "deletion_report"
	TypeRestoreFile    = "restore_file"

	// TypeScanResultLegacy is the singular spelling some older agent
	// builds send; the master accepts both.
	TypeScanResultLegacy = "scan_result"
)

// Deletion report statuses.
const (
	StatusDeleted = "deleted"
	StatusFailed  = "failed"
)

// Message is a decoded frame: the type tag plus the raw body, so the
// caller can decode into the matching struct after dispatching.
type Message struct {
	Type string
	Raw  json.RawMessage
}

// DecodeMessage peeks the type envelope of a frame body. A body that
// is not a JSON object with a string "type" is a framing error.
func DecodeMessage(body []byte) (*Message, error) {
	var env struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("decode frame: %w", err)
	}
	if env.Type == "" {
		return nil, fmt.Errorf("frame missing type field")
	}
	return &Message{Type: env.Type, Raw: json.RawMessage(body)}, nil
}

// Decode unmarshals the full message body into v.
func (m *Message) Decode(v any) error {
	if err := json.Unmarshal(m.Raw, v); err != nil {
		return fmt.Errorf("decode %s message: %w", m.Type, err)
	}
	return nil
}

func marshalMessage(v any) ([]byte, error) {
	body, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal message: %w", err)
	}
	return body, nil
}

// Register is the first frame an agent must send after connecting.
type Register struct {
	Type      string `json:"type"`
	ClientID  string `json:"client_id,omitempty"`
	Hostname  string `json:"hostname,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
}

// Heartbeat keeps the connection marked live and triggers queue
// draining on the master.
type Heartbeat struct {
	Type      string `json:"type"`
	ClientID  string `json:"client_id,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
}

// DateFilter restricts a scan to files modified inside the window.
// Both bounds are optional RFC 3339 strings.
type DateFilter struct {
	Start string `json:"start,omitempty"`
	End   string `json:"end,omitempty"`
}

// CustomRules carries operator-supplied match rules for a custom scan
// task. Any hit marks the file for deletion.
type CustomRules struct {
	Filenames  []string `json:"filenames,omitempty"`
	Extensions []string `json:"extensions,omitempty"`
	Keywords   []string `json:"keywords,omitempty"`
	Regexes    []string `json:"regexes,omitempty"`
}

// Empty reports whether no rule lists are set.
func (c *CustomRules) Empty() bool {
	return c == nil || (len(c.Filenames) == 0 && len(c.Extensions) == 0 &&
		len(c.Keywords) == 0 && len(c.Regexes) == 0)
}

// ScanTask instructs an agent to scan its configured directories.
type ScanTask struct {
	Type            string       `json:"type"`
	TaskID          string       `json:"task_id"`
	TargetLanguages []string     `json:"target_languages"`
	DateFilter      *DateFilter  `json:"date_filter"`
	Custom          *CustomRules `json:"custom,omitempty"`
}

// ScanResults returns one analyzed batch for a task. The entries are
// duplicated under both "files" and "results" because older master
// builds read the latter key.
type ScanResults struct {
	Type      string       `json:"type"`
	TaskID    string       `json:"task_id"`
	ClientID  string       `json:"client_id,omitempty"`
	Timestamp string       `json:"timestamp,omitempty"`
	Files     []FileReport `json:"files"`
	Results   []FileReport `json:"results"`
}

// Entries returns whichever of the duplicated keys is populated.
func (s *ScanResults) Entries() []FileReport {
	if len(s.Files) > 0 {
		return s.Files
	}
	return s.Results
}

// ApprovedEntry identifies one pending file approved for deletion.
// Path is a hint for agents that cannot resolve the hash.
type ApprovedEntry struct {
	FileHash string `json:"file_hash"`
	Path     string `json:"path,omitempty"`
	RecordID string `json:"record_id,omitempty"`
}

// DeleteApproved carries the operator's approval down to an agent.
// ApprovedHashes duplicates the hashes for older agent builds.
type DeleteApproved struct {
	Type            string          `json:"type"`
	TaskID          string          `json:"task_id"`
	ApprovedEntries []ApprovedEntry `json:"approved_entries"`
	ApprovedHashes  []string        `json:"approved_hashes"`
	Timestamp       string          `json:"timestamp,omitempty"`
}

// ReportEntry is the outcome of one attempted quarantine deletion.
type ReportEntry struct {
	FileHash string `json:"file_hash,omitempty"`
	Path     string `json:"path,omitempty"`
	Status   string `json:"status"`
	Details  string `json:"details,omitempty"`
}

// DeletionReport carries delete outcomes back to the master.
type DeletionReport struct {
	Type      string        `json:"type"`
	TaskID    string        `json:"task_id"`
	ClientID  string        `json:"client_id,omitempty"`
	Timestamp string        `json:"timestamp,omitempty"`
	Reports   []ReportEntry `json:"reports"`
}

// RestoreFile is reserved for un-quarantining a file from the admin
// side. Agents currently log and ignore it.
type RestoreFile struct {
	Type         string `json:"type"`
	FileHash     string `json:"file_hash,omitempty"`
	OriginalPath string `json:"original_path,omitempty"`
}

// FileReport is one analyzed file inside scan results. Decoding is
// lenient: older agents send "path" instead of "filepath" and "type"
// instead of "language".
type FileReport struct {
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

type fileReportJSON struct {
	FilePath     string  `json:"filepath,omitempty"`
	LegacyPath   string  `json:"path,omitempty"`
	Filename     string  `json:"filename,omitempty"`
	Size         int64   `json:"size"`
	ModifiedTime string  `json:"modified_time,omitempty"`
	Decision     string  `json:"decision,omitempty"`
	Confidence   float64 `json:"confidence"`
	Language     string  `json:"language,omitempty"`
	LegacyType   string  `json:"type,omitempty"`
	Method       string  `json:"method,omitempty"`
	Reason       string  `json:"reason,omitempty"`
	FileHash     string  `json:"file_hash,omitempty"`
}

// UnmarshalJSON accepts both the current and the legacy field names.
func (f *FileReport) UnmarshalJSON(data []byte) error {
	var raw fileReportJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	path := raw.FilePath
	if path == "" {
		path = raw.LegacyPath
	}
	language := raw.Language
	if language == "" {
		language = raw.LegacyType
	}

	*f = FileReport{
		FilePath:     path,
		Filename:     raw.Filename,
		Size:         raw.Size,
		ModifiedTime: raw.ModifiedTime,
		Decision:     raw.Decision,
		Confidence:   raw.Confidence,
		Language:     language,
		Method:       raw.Method,
		Reason:       raw.Reason,
		FileHash:     raw.FileHash,
	}
	return nil
}

// MarshalJSON emits the current field names only.
func (f FileReport) MarshalJSON() ([]byte, error) {
	return json.Marshal(fileReportJSON{
		FilePath:     f.FilePath,
		Filename:     f.Filename,
		Size:         f.Size,
		ModifiedTime: f.ModifiedTime,
		Decision:     f.Decision,
		Confidence:   f.Confidence,
		Language:     f.Language,
		Method:       f.Method,
		Reason:       f.Reason,
		FileHash:     f.FileHash,
	})
}
