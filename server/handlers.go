package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/hannes/yaak-deid/document"
	"github.com/hannes/yaak-deid/pipeline"
	"github.com/hannes/yaak-deid/render"
	"github.com/hannes/yaak-deid/store"
)

const (
	// HeaderRunID carries the run id of every redaction response.
	HeaderRunID = "X-Deid-Run-Id"
	// HeaderDegradedPages carries the number of pages that lost a detector.
	HeaderDegradedPages = "X-Deid-Degraded-Pages"

	// StatusClientClosedRequest is returned when the caller went away.
	StatusClientClosedRequest = 499

	multipartMemory = 32 << 20
	saveTimeout     = 5 * time.Second
)

type errorResponse struct {
	Error  string `json:"error"`
	Detail string `json:"detail,omitempty"`
	Kind   string `json:"kind,omitempty"`
	RunID  string `json:"run_id,omitempty"`
	Stage  string `json:"stage,omitempty"`
}

type redactResponse struct {
	Report      *pipeline.Report `json:"report"`
	Artifact    []byte           `json:"artifact"`
	ContentType string           `json:"content_type"`
	Extension   string           `json:"extension"`
}

type categoriesResponse struct {
	Categories []string `json:"categories"`
	// Enabled is empty when every category is redacted.
	Enabled []string `json:"enabled,omitempty"`
}

type reportListResponse struct {
	Reports []store.ReportSummary `json:"reports"`
	Total   int                   `json:"total"`
	Limit   int                   `json:"limit"`
	Offset  int                   `json:"offset"`
}

// handleRedact runs the pipeline on the uploaded document. The body is the
// document itself, or multipart with the document in "file". Pipeline
// overrides come as JSON in the "config" form field or query parameter.
func (s *Server) handleRedact(w http.ResponseWriter, r *http.Request) {
	data, overrides, err := readUpload(r)
	if err != nil {
		s.writeUploadError(w, err)
		return
	}

	cfg, err := s.config.Pipeline.WithOverrides(overrides)
	if err == nil {
		err = s.config.Server.CheckRequestLimits(cfg, s.config.Pipeline)
	}
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid config", err.Error())
		return
	}

	out, err := s.runner.Run(r.Context(), data, cfg)
	if err != nil {
		s.writePipelineError(w, err)
		return
	}

	s.saveReport(r.Context(), out.Report)

	w.Header().Set(HeaderRunID, out.Report.RunID)
	w.Header().Set(HeaderDegradedPages, strconv.Itoa(len(out.Report.DegradedPages)))

	if wantsJSON(r) {
		s.writeJSON(w, http.StatusOK, redactResponse{
			Report:      out.Report,
			Artifact:    out.Artifact.Data,
			ContentType: out.Artifact.ContentType,
			Extension:   out.Artifact.Extension,
		})
		return
	}

	w.Header().Set("Content-Type", out.Artifact.ContentType)
	w.Header().Set("Content-Length", strconv.Itoa(len(out.Artifact.Data)))
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="redacted%s"`, out.Artifact.Extension))
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(out.Artifact.Data); err != nil {
		s.logger.Warn().Err(err).Str("run_id", out.Report.RunID).Msg("Failed to write artifact")
	}
}

// handleInspect summarises the uploaded document without running detectors.
func (s *Server) handleInspect(w http.ResponseWriter, r *http.Request) {
	data, _, err := readUpload(r)
	if err != nil {
		s.writeUploadError(w, err)
		return
	}
	info, err := render.Inspect(data)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "unreadable document", err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, info)
}

// handleCategories lists the PII categories a run can select, including the
// configured custom patterns.
func (s *Server) handleCategories(w http.ResponseWriter, r *http.Request) {
	resp := categoriesResponse{Categories: s.config.Pipeline.AvailableCategories()}
	if set := s.config.Pipeline.CategorySet(); set != nil {
		for _, c := range resp.Categories {
			if set[c] {
				resp.Enabled = append(resp.Enabled, c)
			}
		}
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleListReports(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit")
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid limit", err.Error())
		return
	}
	offset, err := queryInt(r, "offset")
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid offset", err.Error())
		return
	}
	limit, offset = store.PageBounds(limit, offset)

	reports, err := s.reports.ListReports(r.Context(), limit, offset)
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to list reports")
		s.writeError(w, http.StatusInternalServerError, "failed to list reports", "")
		return
	}
	total, err := s.reports.CountReports(r.Context())
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to count reports")
		s.writeError(w, http.StatusInternalServerError, "failed to count reports", "")
		return
	}
	s.writeJSON(w, http.StatusOK, reportListResponse{
		Reports: reports,
		Total:   total,
		Limit:   limit,
		Offset:  offset,
	})
}

func (s *Server) handleGetReport(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	report, found, err := s.reports.GetReport(r.Context(), id)
	if err != nil {
		s.logger.Error().Err(err).Str("run_id", id).Msg("Failed to load report")
		s.writeError(w, http.StatusInternalServerError, "failed to load report", "")
		return
	}
	if !found {
		s.writeError(w, http.StatusNotFound, "report not found", id)
		return
	}
	s.writeJSON(w, http.StatusOK, report)
}

// saveReport persists the report. A storage failure is logged and does not
// fail the request; the artifact is already complete.
func (s *Server) saveReport(ctx context.Context, report *pipeline.Report) {
	if s.reports == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), saveTimeout)
	defer cancel()
	if err := s.reports.SaveReport(ctx, report); err != nil {
		s.logger.Warn().Err(err).Str("run_id", report.RunID).Msg("Failed to save report")
	}
}

// readUpload returns the document bytes and the raw pipeline overrides.
func readUpload(r *http.Request) (data, overrides []byte, err error) {
	if q := r.URL.Query().Get("config"); q != "" {
		overrides = []byte(q)
	}

	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType == "multipart/form-data" {
		if err := r.ParseMultipartForm(multipartMemory); err != nil {
			return nil, nil, fmt.Errorf("failed to parse multipart body: %w", err)
		}
		file, _, err := r.FormFile("file")
		if err != nil {
			return nil, nil, fmt.Errorf("missing multipart field \"file\": %w", err)
		}
		defer file.Close()
		if data, err = io.ReadAll(file); err != nil {
			return nil, nil, fmt.Errorf("failed to read upload: %w", err)
		}
		if v := r.FormValue("config"); v != "" {
			overrides = []byte(v)
		}
	} else {
		if data, err = io.ReadAll(r.Body); err != nil {
			return nil, nil, fmt.Errorf("failed to read body: %w", err)
		}
	}

	if len(data) == 0 {
		return nil, nil, errors.New("empty document")
	}
	return data, overrides, nil
}

func (s *Server) writeUploadError(w http.ResponseWriter, err error) {
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		s.writeError(w, http.StatusRequestEntityTooLarge, "document too large",
			fmt.Sprintf("limit is %d bytes", tooLarge.Limit))
		return
	}
	s.writeError(w, http.StatusBadRequest, "invalid upload", err.Error())
}

// statusFor maps a terminal pipeline error to an HTTP status.
func statusFor(err error) int {
	switch document.KindOf(err) {
	case document.ErrorKindConfig, document.ErrorKindInput:
		return http.StatusBadRequest
	case document.ErrorKindReconstruction:
		return http.StatusUnprocessableEntity
	case document.ErrorKindCancelled:
		if errors.Is(err, context.DeadlineExceeded) {
			return http.StatusServiceUnavailable
		}
		return StatusClientClosedRequest
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writePipelineError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	resp := errorResponse{
		Error:  "de-identification failed",
		Detail: err.Error(),
		Kind:   string(document.KindOf(err)),
	}
	var perr *pipeline.PipelineError
	if errors.As(err, &perr) {
		resp.RunID = perr.RunID
		resp.Stage = string(perr.Stage)
		w.Header().Set(HeaderRunID, perr.RunID)
	}
	if status == http.StatusInternalServerError {
		s.logger.Error().Err(err).Str("run_id", resp.RunID).Msg("Unclassified pipeline failure")
	}
	s.writeJSON(w, status, resp)
}

func wantsJSON(r *http.Request) bool {
	return strings.Contains(r.Header.Get("Accept"), "application/json")
}

func queryInt(r *http.Request, key string) (int, error) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, err
	}
	if n < 0 {
		return 0, fmt.Errorf("%s must not be negative", key)
	}
	return n, nil
}

func (s *Server) writeError(w http.ResponseWriter, status int, message, detail string) {
	s.writeJSON(w, status, errorResponse{Error: message, Detail: detail})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn().Err(err).Msg("Failed to write response")
	}
}
