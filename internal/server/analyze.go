package server

import (
	"encoding/json"
	"errors"
	"io"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"attacklens/internal/analysis"
	"attacklens/internal/faults"
	"attacklens/internal/logging"
	"attacklens/internal/store"
	"attacklens/internal/workflow"
)

// multipartOverhead allows for boundaries and the options field on top of the
// document size cap when bounding the request body.
const multipartOverhead = 1 << 20

// analyzeRequest is the JSON submission body.
type analyzeRequest struct {
	URL     string           `json:"url"`
	Options analysis.Options `json:"options"`
}

// submissionData is the 202 payload for an accepted analysis job.
type submissionData struct {
	JobID     string `json:"jobId"`
	Status    string `json:"status"`
	StatusURL string `json:"statusUrl"`
}

// jobStatusData is the status endpoint payload.
type jobStatusData struct {
	JobID         string          `json:"jobId"`
	Status        workflow.Status `json:"status"`
	Progress      int             `json:"progress"`
	CurrentStep   string          `json:"currentStep,omitempty"`
	StartTime     time.Time       `json:"startTime"`
	ElapsedTimeMs int64           `json:"elapsedTimeMs"`
	ReportID      string          `json:"reportId,omitempty"`
	ReportURL     string          `json:"reportUrl,omitempty"`
	Error         *errorBody      `json:"error,omitempty"`
}

// handleAnalyze dispatches on Content-Type: JSON bodies submit a URL,
// multipart bodies submit an uploaded document.
func (s *Server) handleAnalyze(w http.ResponseWriter, r *http.Request) {
	mt, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	switch mt {
	case "application/json":
		s.submitURL(w, r)
	case "multipart/form-data":
		s.submitUpload(w, r)
	default:
		writeError(w, http.StatusUnsupportedMediaType, "UNSUPPORTED_MEDIA_TYPE",
			"submit application/json or multipart/form-data", nil)
	}
}

func (s *Server) submitURL(w http.ResponseWriter, r *http.Request) {
	var req analyzeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", "request body is not valid JSON", nil)
		return
	}
	if err := analysis.ValidateURL(req.URL); err != nil {
		writeFault(w, err)
		return
	}
	if err := req.Options.Validate(); err != nil {
		writeFault(w, err)
		return
	}

	s.startJob(w, r, &analysis.Input{URL: req.URL, Options: req.Options},
		map[string]any{store.MetaSourceURL: req.URL})
}

func (s *Server) submitUpload(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.Upload.MaxBytes+multipartOverhead)
	if err := r.ParseMultipartForm(4 << 20); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusBadRequest, "INVALID_DOCUMENT",
				"document is too large (limit 50 MiB)", nil)
			return
		}
		writeError(w, http.StatusBadRequest, "INVALID_BODY", "malformed multipart body", nil)
		return
	}

	file, header, err := r.FormFile("document")
	if err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_DOCUMENT", "missing document field", nil)
		return
	}
	defer file.Close()

	if header.Size > s.cfg.Upload.MaxBytes {
		writeError(w, http.StatusBadRequest, "INVALID_DOCUMENT",
			"document is too large (limit 50 MiB)", nil)
		return
	}

	head := make([]byte, 512)
	n, _ := io.ReadFull(file, head)
	if _, err := file.Seek(0, io.SeekStart); err != nil {
		writeError(w, http.StatusInternalServerError, "UPLOAD_FAILED", "cannot read uploaded document", nil)
		return
	}
	format := analysis.DetectFormat(header.Filename, header.Header.Get("Content-Type"), head[:n])
	if !analysis.AcceptedFormats[format] {
		writeError(w, http.StatusBadRequest, "INVALID_DOCUMENT",
			"unsupported document type "+string(format), nil)
		return
	}

	var opts analysis.Options
	if raw := r.FormValue("options"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &opts); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_OPTIONS", "options field is not valid JSON", nil)
			return
		}
	}
	if err := opts.Validate(); err != nil {
		writeFault(w, err)
		return
	}

	saved, err := s.saveUpload(file, header.Filename)
	if err != nil {
		logging.APIError("saving upload %q: %v", header.Filename, err)
		writeError(w, http.StatusInternalServerError, "UPLOAD_FAILED", "cannot store uploaded document", nil)
		return
	}

	s.startJob(w, r, &analysis.Input{
		DocumentPath: saved,
		DocumentName: header.Filename,
		Options:      opts,
	}, map[string]any{store.MetaDocumentID: saved})
}

// saveUpload copies the uploaded document into the upload directory under a
// fresh name, returning the name relative to the directory.
func (s *Server) saveUpload(file io.Reader, original string) (string, error) {
	if err := os.MkdirAll(s.cfg.Upload.Dir, 0o755); err != nil {
		return "", err
	}
	name := uuid.NewString() + strings.ToLower(filepath.Ext(original))
	dst, err := os.Create(filepath.Join(s.cfg.Upload.Dir, name))
	if err != nil {
		return "", err
	}
	defer dst.Close()
	if _, err := io.Copy(dst, file); err != nil {
		os.Remove(dst.Name())
		return "", err
	}
	return name, nil
}

func (s *Server) startJob(w http.ResponseWriter, r *http.Request, input *analysis.Input, metadata map[string]any) {
	jobID, err := s.engine.Start(r.Context(), analysis.WorkflowType, input, metadata)
	if err != nil {
		writeFault(w, err)
		return
	}
	s.metrics.workflowsStarted.Inc()
	logging.API("job %s accepted", jobID)

	writeData(w, http.StatusAccepted, submissionData{
		JobID:     jobID,
		Status:    "submitted",
		StatusURL: "/api/analyze/" + jobID,
	})
}

func (s *Server) handleJobStatus(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "jobID")
	if _, err := uuid.Parse(id); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_JOB_ID", "job id is not a UUID", nil)
		return
	}

	run, err := s.engine.GetRun(r.Context(), id)
	if err != nil {
		writeFault(w, err)
		return
	}
	if run == nil {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "unknown job id", nil)
		return
	}

	elapsed := time.Since(run.CreatedAt)
	if !run.CompletedAt.IsZero() {
		elapsed = run.CompletedAt.Sub(run.CreatedAt)
	}

	data := jobStatusData{
		JobID:         run.ID,
		Status:        run.Status,
		Progress:      run.Progress(s.engine.TaskCount(run.Type)),
		CurrentStep:   run.CurrentTask,
		StartTime:     run.CreatedAt,
		ElapsedTimeMs: elapsed.Milliseconds(),
	}
	if reportID := reportIDFrom(run); reportID != "" {
		data.ReportID = reportID
		data.ReportURL = "/api/reports/" + reportID
	}
	if run.Status == workflow.StatusFailed {
		data.Error = runError(run)
	}
	writeData(w, http.StatusOK, data)
}

func (s *Server) handleJobCancel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "jobID")
	if _, err := uuid.Parse(id); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_JOB_ID", "job id is not a UUID", nil)
		return
	}

	run, err := s.engine.GetRun(r.Context(), id)
	if err != nil {
		writeFault(w, err)
		return
	}
	if run == nil {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "unknown job id", nil)
		return
	}

	canceled, err := s.engine.Cancel(r.Context(), id)
	if err != nil {
		writeFault(w, err)
		return
	}
	status := run.Status
	if canceled {
		status = workflow.StatusCanceled
		logging.API("job %s canceled", id)
	}
	writeData(w, http.StatusOK, map[string]any{
		"jobId":    id,
		"canceled": canceled,
		"status":   status,
	})
}

// reportIDFrom digs the report id out of the generate-report task's output.
// In-process runs carry the typed output; runs rehydrated from the database
// carry a generic JSON map.
func reportIDFrom(run *workflow.Run) string {
	v, ok := run.Result(analysis.TaskReport)
	if !ok {
		return ""
	}
	switch out := v.(type) {
	case *analysis.ReportOutput:
		return out.ReportID
	case map[string]any:
		id, _ := out["reportId"].(string)
		return id
	}
	return ""
}

// runError surfaces the failing task's error, preferring the per-task record
// over the run-level wrapper.
func runError(run *workflow.Run) *errorBody {
	msg := run.Error
	for _, taskErr := range run.Errors {
		msg = taskErr
		break
	}
	if msg == "" {
		return nil
	}
	return &errorBody{Code: errorCode(msg), Message: msg}
}

// errorCode recovers the fault kind from a classified error message, which
// carries it as an "ALL_CAPS_KIND: detail" prefix.
func errorCode(msg string) string {
	if i := strings.IndexByte(msg, ':'); i > 0 {
		code := msg[:i]
		if code == strings.ToUpper(code) && !strings.ContainsAny(code, " \t") {
			return code
		}
	}
	return string(faults.KindUnknown)
}
