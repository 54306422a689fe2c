package server

import (
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/levelingai/levelingai/apperr"
	"github.com/levelingai/levelingai/pipeline"
	"github.com/levelingai/levelingai/status"
	"github.com/levelingai/levelingai/storage"
	"github.com/levelingai/levelingai/store"
)

const (
	// maxUploadSize caps the multipart body; leveling guides are small
	// documents.
	maxUploadSize = 20 << 20 // 20MB

	maxRoleTitleLen = 200
)

// createGuideResponse is the 201 payload for an accepted upload.
type createGuideResponse struct {
	GuideID    uuid.UUID     `json:"guide_id"`
	CompanyID  uuid.UUID     `json:"company_id"`
	Status     status.Status `json:"status"`
	StatusURL  string        `json:"status_url"`
	ResultsURL string        `json:"results_url"`
	PDFURL     string        `json:"pdf_url"`
	CreatedAt  time.Time     `json:"created_at"`
}

// handleCreateGuide accepts the multipart upload, persists the company and
// guide rows, stores the PDF, and enqueues the extract task.
func (s *Server) handleCreateGuide(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadSize)
	if err := r.ParseMultipartForm(maxUploadSize); err != nil {
		s.respondError(w, apperr.Validation("invalid multipart upload: %v", err))
		return
	}

	websiteURL, err := normalizeWebsiteURL(r.FormValue("website_url"))
	if err != nil {
		s.respondError(w, err)
		return
	}
	roleTitle := strings.TrimSpace(r.FormValue("role_title"))
	if roleTitle == "" {
		s.respondError(w, apperr.Validation("role_title is required"))
		return
	}
	if len(roleTitle) > maxRoleTitleLen {
		s.respondError(w, apperr.Validation("role_title exceeds %d characters", maxRoleTitleLen))
		return
	}
	companyName := strings.TrimSpace(r.FormValue("company_name"))
	companyContext := strings.TrimSpace(r.FormValue("company_context"))

	file, header, err := r.FormFile("pdf")
	if err != nil {
		s.respondError(w, apperr.Validation("pdf file is required"))
		return
	}
	defer file.Close()

	if err := validatePDFUpload(header.Filename, header.Header.Get("Content-Type")); err != nil {
		s.respondError(w, err)
		return
	}
	data, err := io.ReadAll(file)
	if err != nil {
		s.respondError(w, apperr.Validation("failed to read upload: %v", err))
		return
	}
	if len(data) == 0 {
		s.respondError(w, apperr.Validation("pdf file is empty"))
		return
	}

	ctx := r.Context()
	company, err := s.store.UpsertCompanyByWebsite(ctx, websiteURL, companyName, companyContext)
	if err != nil {
		s.respondError(w, err)
		return
	}

	obj, err := s.blobs.UploadPDF(ctx, company.ID, header.Filename, header.Header.Get("Content-Type"), data)
	if err != nil {
		s.respondError(w, err)
		return
	}

	guide := store.Guide{
		CompanyID:        company.ID,
		RoleTitle:        roleTitle,
		PDFPath:          obj.Path,
		OriginalFilename: storage.SanitizeFilename(header.Filename),
		MimeType:         "application/pdf",
		Status:           status.Queued,
	}
	if err := s.store.CreateGuide(ctx, &guide); err != nil {
		s.respondError(w, err)
		return
	}

	if err := s.queue.Enqueue(ctx, pipeline.TaskExtractText, pipeline.TaskArgs{GuideID: guide.ID}, 0); err != nil {
		s.logger.Error("failed to enqueue extract task", "guide_id", guide.ID, "error", err)
		s.respondError(w, apperr.Wrap(apperr.CodeInternal, err, "failed to schedule processing"))
		return
	}

	if s.metrics != nil {
		s.metrics.GuidesCreated.Inc()
	}
	s.logger.Info("guide created",
		"guide_id", guide.ID,
		"company_id", company.ID,
		"role_title", roleTitle,
		"pdf_bytes", len(data))

	s.respondJSON(w, http.StatusCreated, createGuideResponse{
		GuideID:    guide.ID,
		CompanyID:  company.ID,
		Status:     guide.Status,
		StatusURL:  fmt.Sprintf("/api/guides/%s/status", guide.ID),
		ResultsURL: fmt.Sprintf("/api/guides/%s/results", guide.ID),
		PDFURL:     fmt.Sprintf("/api/guides/%s/pdf", guide.ID),
		CreatedAt:  guide.CreatedAt,
	})
}

func (s *Server) handleGuideStatus(w http.ResponseWriter, r *http.Request) {
	guide, err := s.guideFromPath(r)
	if err != nil {
		s.respondError(w, err)
		return
	}
	payload := map[string]any{
		"guide_id":   guide.ID,
		"status":     guide.Status,
		"created_at": guide.CreatedAt,
		"updated_at": guide.UpdatedAt,
	}
	if guide.ErrorMessage != "" {
		payload["error_message"] = guide.ErrorMessage
	}
	s.respondJSON(w, http.StatusOK, payload)
}

func (s *Server) handleGuidePDF(w http.ResponseWriter, r *http.Request) {
	guide, err := s.guideFromPath(r)
	if err != nil {
		s.respondError(w, err)
		return
	}

	ttl := time.Duration(s.cfg.Storage.SignedURLTTLSeconds) * time.Second
	if ttl <= 0 {
		ttl = time.Hour
	}
	signedURL, err := s.blobs.SignedURL(r.Context(), storage.Object{
		Bucket: s.blobs.Bucket(),
		Path:   guide.PDFPath,
	}, ttl)
	if err != nil {
		s.respondError(w, err)
		return
	}
	http.Redirect(w, r, signedURL, http.StatusFound)
}

func (s *Server) handleGuideResults(w http.ResponseWriter, r *http.Request) {
	guide, err := s.guideFromPath(r)
	if err != nil {
		s.respondError(w, err)
		return
	}
	results, err := s.results.GetResults(r.Context(), guide.ID, r.URL.Query().Get("prompt_version"))
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, results)
}

func (s *Server) guideFromPath(r *http.Request) (*store.Guide, error) {
	id, err := uuid.Parse(chi.URLParam(r, "guideID"))
	if err != nil {
		return nil, apperr.Validation("invalid guide id")
	}
	guide, err := s.store.GetGuide(r.Context(), id)
	if err == store.ErrNotFound {
		return nil, apperr.NotFound("guide %s not found", id)
	}
	return guide, err
}

// normalizeWebsiteURL trims the URL, defaults the scheme to https, and
// rejects anything that is not plain http(s).
func normalizeWebsiteURL(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", apperr.Validation("website_url is required")
	}
	if !strings.Contains(raw, "://") {
		raw = "https://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return "", apperr.Validation("website_url is not a valid URL")
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", apperr.Validation("website_url must use http or https")
	}
	u.Host = strings.ToLower(u.Host)
	return u.String(), nil
}

// validatePDFUpload accepts a .pdf extension with a PDF (or generic binary)
// content type.
func validatePDFUpload(filename, contentType string) error {
	if !strings.EqualFold(path.Ext(storage.SanitizeFilename(filename)), ".pdf") {
		return apperr.Validation("only .pdf files are accepted")
	}
	switch {
	case contentType == "",
		strings.HasPrefix(contentType, "application/pdf"),
		strings.HasPrefix(contentType, "application/octet-stream"):
		return nil
	}
	return apperr.Validation("unsupported content type %q; expected application/pdf", contentType)
}
