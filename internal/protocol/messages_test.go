package protocol

import (
	"encoding/json"
	"testing"
)

func TestDecodeMessage_TypeDispatch(t *testing.T) {
	msg, err := DecodeMessage([]byte(`{"type":"scan_task","task_id":"scan-abc12345"}`))
	if err != nil {
		t.Fatalf("DecodeMessage: %v", err)
	}
	if msg.Type != TypeScanTask {
		t.Errorf("Type = %q, want %q", msg.Type, TypeScanTask)
	}

	var task ScanTask
	if err := msg.Decode(&task); err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if task.TaskID != "scan-abc12345" {
		t.Errorf("TaskID = %q, want %q", task.TaskID, "scan-abc12345")
	}
}

func TestDecodeMessage_MissingType(t *testing.T) {
	if _, err := DecodeMessage([]byte(`{"task_id":"x"}`)); err == nil {
		t.Error("expected error for frame without type")
	}
}

func TestDecodeMessage_NotJSON(t *testing.T) {
	if _, err := DecodeMessage([]byte("not json at all")); err == nil {
		t.Error("expected error for non-JSON frame")
	}
}

func TestFileReport_LegacyFieldNames(t *testing.T) {
	// Older agents send "path" and "type" rather than "filepath" and
	// "language".
	var fr FileReport
	legacy := []byte(`{"path":"/data/x.py","type":"python","decision":"delete","confidence":0.9,"file_hash":"abc"}`)
	if err := json.Unmarshal(legacy, &fr); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if fr.FilePath != "/data/x.py" {
		t.Errorf("FilePath = %q, want %q", fr.FilePath, "/data/x.py")
	}
	if fr.Language != "python" {
		t.Errorf("Language = %q, want %q", fr.Language, "python")
	}
}

func TestFileReport_CurrentNamesWin(t *testing.T) {
	var fr FileReport
	both := []byte(`{"filepath":"/data/a.py","path":"/data/b.py","language":"python","type":"matlab"}`)
	if err := json.Unmarshal(both, &fr); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if fr.FilePath != "/data/a.py" {
		t.Errorf("FilePath = %q, want filepath to win over path", fr.FilePath)
	}
	if fr.Language != "python" {
		t.Errorf("Language = %q, want language to win over type", fr.Language)
	}
}

func TestFileReport_MarshalUsesCurrentNames(t *testing.T) {
	fr := FileReport{FilePath: "/data/x.py", Language: "python", Decision: "delete"}
	data, err := json.Marshal(fr)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}

	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if m["filepath"] != "/data/x.py" {
		t.Errorf("filepath = %v, want /data/x.py", m["filepath"])
	}
	if _, ok := m["path"]; ok {
		t.Error("marshal emitted legacy path key")
	}
	if _, ok := m["type"]; ok {
		t.Error("marshal emitted legacy type key")
	}
}

func TestScanResults_EntriesPrefersFiles(t *testing.T) {
	s := &ScanResults{
		Files:   []FileReport{{FilePath: "/a"}},
		Results: []FileReport{{FilePath: "/b"}, {FilePath: "/c"}},
	}
	if got := s.Entries(); len(got) != 1 || got[0].FilePath != "/a" {
		t.Errorf("Entries = %+v, want the files key", got)
	}

	legacy := &ScanResults{Results: []FileReport{{FilePath: "/b"}}}
	if got := legacy.Entries(); len(got) != 1 || got[0].FilePath != "/b" {
		t.Errorf("Entries = %+v, want fallback to results key", got)
	}
}

func TestCustomRules_Empty(t *testing.T) {
	var nilRules *CustomRules
	if !nilRules.Empty() {
		t.Error("nil rules should be empty")
	}
	if !(&CustomRules{}).Empty() {
		t.Error("zero rules should be empty")
	}
	if (&CustomRules{Keywords: []string{"secret"}}).Empty() {
		t.Error("rules with keywords should not be empty")
	}
}
