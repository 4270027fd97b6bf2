package admin

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/leonletto/codesweep/internal/master"
	"github.com/leonletto/codesweep/internal/protocol"
	"github.com/leonletto/codesweep/internal/store"
)

func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return fmt.Errorf("decode request body: %w", err)
	}
	return nil
}

func queryLimit(r *http.Request) (int, error) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return 0, nil
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit < 0 {
		return 0, fmt.Errorf("invalid limit %q", raw)
	}
	return limit, nil
}

func (s *Server) handleSubmitInstruction(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Instruction     string   `json:"instruction"`
		TargetLanguages []string `json:"target_languages"`
	}
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	// An explicit language list makes the instruction text optional.
	languages, err := master.NormalizeLanguages(req.TargetLanguages)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if len(languages) == 0 && strings.TrimSpace(req.Instruction) == "" {
		writeError(w, http.StatusBadRequest, "instruction or target_languages is required")
		return
	}

	out, err := s.master.SubmitInstruction(req.Instruction, languages)
	if errors.Is(err, master.ErrNoActiveAgents) {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleScan(w http.ResponseWriter, r *http.Request) {
	var req struct {
		TargetLanguage  string                `json:"target_language"`
		TargetLanguages []string              `json:"target_languages"`
		Languages       []string              `json:"languages"`
		DateFilter      *protocol.DateFilter  `json:"date_filter"`
		Custom          *protocol.CustomRules `json:"custom"`
	}
	// An empty body means "scan with the defaults".
	if err := decodeBody(w, r, &req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	// The dashboard sends target_languages; older callers send a
	// singular target_language or a languages list.
	raw := req.TargetLanguages
	if len(raw) == 0 {
		raw = req.Languages
	}
	if len(raw) == 0 && req.TargetLanguage != "" {
		raw = []string{req.TargetLanguage}
	}
	languages, err := master.NormalizeLanguages(raw)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if len(languages) == 0 {
		languages = []string{master.DefaultTargetLanguage}
	}

	task := protocol.ScanTask{
		Type:            protocol.TypeScanTask,
		TaskID:          master.NewTaskID(),
		TargetLanguages: languages,
		DateFilter:      req.DateFilter,
		Custom:          req.Custom,
	}
	out, err := s.master.DispatchScanToAll(task)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleScanResults(w http.ResponseWriter, r *http.Request) {
	taskID := r.URL.Query().Get("task_id")
	if taskID == "" {
		writeError(w, http.StatusBadRequest, "task_id is required")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"task_id": taskID,
		"results": s.master.Collector().Results(taskID),
	})
}

func (s *Server) handleClientsStatus(w http.ResponseWriter, r *http.Request) {
	agents, err := s.master.Store().ListAgents()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	type clientStatus struct {
		AgentIP   string `json:"agent_ip"`
		ClientID  string `json:"client_id,omitempty"`
		Status    string `json:"status"`
		Online    bool   `json:"online"`
		LastSeen  string `json:"last_seen"`
		Connected bool   `json:"connected"`
	}
	// Agents silent past the inactivity window drop out of the view
	// entirely; a disconnected agent inside it still shows, offline.
	cutoff := time.Now().Add(-master.InactivityTimeout)
	clients := make([]clientStatus, 0, len(agents))
	for _, a := range agents {
		lastSeen := time.Unix(a.LastSeen, 0)
		if lastSeen.Before(cutoff) {
			continue
		}
		clients = append(clients, clientStatus{
			AgentIP:   a.AgentIP,
			ClientID:  a.ClientID,
			Status:    a.Status,
			Online:    a.Status != store.StatusOffline,
			LastSeen:  lastSeen.UTC().Format(time.RFC3339),
			Connected: s.master.Registry().Conn(a.AgentIP) != nil,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"clients": clients,
		"count":   len(clients),
	})
}

func (s *Server) handleFilesPreview(w http.ResponseWriter, r *http.Request) {
	files, err := s.master.Store().ListPendingFiles(r.URL.Query().Get("search"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"files": files,
		"count": len(files),
	})
}

// verdictRequest carries the pending record ids for an approve or
// reject call. The dashboard historically posted them as file_ids;
// record_ids is the same thing under the newer name.
type verdictRequest struct {
	FileIDs   []string `json:"file_ids"`
	RecordIDs []string `json:"record_ids"`
	ActionBy  string   `json:"action_by"`
}

func (v verdictRequest) ids() []string {
	if len(v.FileIDs) > 0 {
		return v.FileIDs
	}
	return v.RecordIDs
}

func (s *Server) handleApproveDeletion(w http.ResponseWriter, r *http.Request) {
	var req verdictRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	ids := req.ids()
	if len(ids) == 0 {
		writeError(w, http.StatusBadRequest, "file_ids must be a non-empty list")
		return
	}

	sum, err := s.master.ApproveDeletion(ids, req.ActionBy)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, sum)
}

func (s *Server) handleRejectDeletion(w http.ResponseWriter, r *http.Request) {
	var req verdictRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	ids := req.ids()
	if len(ids) == 0 {
		writeError(w, http.StatusBadRequest, "file_ids must be a non-empty list")
		return
	}

	rejected, err := s.master.RejectDeletion(ids, req.ActionBy)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"rejected": rejected})
}

func (s *Server) handleAuditLogs(w http.ResponseWriter, r *http.Request) {
	limit, err := queryLimit(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	entries, err := s.master.Store().ListAuditLog(limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"entries": entries,
		"count":   len(entries),
	})
}

func (s *Server) handleDeletionReports(w http.ResponseWriter, r *http.Request) {
	limit, err := queryLimit(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	reports, err := s.master.Store().ListDeletionReports(limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"reports": reports,
		"count":   len(reports),
	})
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":         "ok",
		"uptime_seconds": int64(s.master.Uptime().Seconds()),
		"agents":         len(s.master.Registry().Active()),
		"feed_clients":   s.feed.ClientCount(),
	})
}
