package api

import (
	"archive/zip"
	"bytes"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/starford/sealbook/internal/noteservice"
)

const maxUploadBytes = 50 << 20 // 50 MB

// ArchiveHandler serves zip export and import.
type ArchiveHandler struct {
	svc *noteservice.Service
}

// NewArchiveHandler creates an ArchiveHandler.
func NewArchiveHandler(svc *noteservice.Service) *ArchiveHandler {
	return &ArchiveHandler{svc: svc}
}

// Export handles GET /api/export. The archive is built in memory first so a
// locked notebook still yields a proper error status.
//
//	@Summary		Export every readable note as a zip archive
//	@Tags			archive
//	@Produce		application/zip
//	@Param			skip_locked	query	bool	false	"Omit locked protected notebooks"
//	@Success		200
//	@Failure		423	{object}	errResponse
//	@Security		BearerAuth
//	@Router			/export [get]
func (h *ArchiveHandler) Export(w http.ResponseWriter, r *http.Request) {
	skip, _ := strconv.ParseBool(r.URL.Query().Get("skip_locked"))
	var buf bytes.Buffer
	rep, err := h.svc.Export(r.Context(), &buf, skip)
	if err != nil {
		writeError(w, "export", err)
		return
	}
	name := fmt.Sprintf("sealbook-%s.zip", time.Now().Format("20060102-1504"))
	w.Header().Set("Content-Type", "application/zip")
	w.Header().Set("Content-Disposition", `attachment; filename="`+name+`"`)
	w.Header().Set("X-Exported-Notes", strconv.Itoa(rep.Notes))
	if len(rep.Skipped) > 0 {
		w.Header().Set("X-Skipped-Notebooks", strconv.Itoa(len(rep.Skipped)))
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(buf.Bytes())
}

// Import handles POST /api/import (multipart/form-data, field "file").
//
//	@Summary		Import notes from a zip archive
//	@Tags			archive
//	@Accept			multipart/form-data
//	@Produce		json
//	@Param			file	formData	file	true	"Zip archive"
//	@Success		201		{object}	archive.ImportReport
//	@Failure		400		{object}	errResponse
//	@Security		BearerAuth
//	@Router			/import [post]
func (h *ArchiveHandler) Import(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)

	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody("file too large or invalid multipart"))
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody("missing 'file' field in multipart form"))
		return
	}
	defer file.Close()

	zr, err := zip.NewReader(file, header.Size)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody("not a zip archive"))
		return
	}

	rep, err := h.svc.Import(r.Context(), zr)
	if err != nil {
		writeError(w, "import", err)
		return
	}
	writeJSON(w, http.StatusCreated, rep)
}
