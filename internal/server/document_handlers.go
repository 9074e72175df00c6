package server

import (
	"fmt"
	"io"
	"net/http"

	"github.com/flowpilot-ai/flowpilot/internal/apperr"
	"github.com/flowpilot-ai/flowpilot/internal/metering"
)

// maxUploadBytes caps a single document upload at 100 MiB.
const maxUploadBytes = 100 << 20

func (s *Server) handleListDocuments(w http.ResponseWriter, r *http.Request) {
	p := principalFrom(r.Context())
	_, size := pageParams(r)
	docs, err := s.documents.List(p.OrgID, size)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeData(w, http.StatusOK, docs)
}

func (s *Server) handleUploadDocument(w http.ResponseWriter, r *http.Request) {
	p := principalFrom(r.Context())
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		s.writeError(w, r, apperr.Validation("invalid multipart upload: %v", err))
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		s.writeError(w, r, apperr.Validation("missing file field"))
		return
	}
	defer file.Close()

	if _, err := s.meter.Charge(p.OrgID, metering.ResourceDocuments, 1); err != nil {
		s.writeError(w, r, err)
		return
	}
	doc, err := s.documents.Upload(p.OrgID, header.Filename, header.Header.Get("Content-Type"), p.Actor(), file)
	if err != nil {
		_ = s.meter.Release(p.OrgID, metering.ResourceDocuments, 1)
		s.writeError(w, r, err)
		return
	}
	// Storage is metered but not enforced; track actual bytes.
	_, _ = s.meter.Charge(p.OrgID, metering.ResourceStorage, doc.FileSize)
	s.writeData(w, http.StatusCreated, doc)
}

func (s *Server) handleGetDocument(w http.ResponseWriter, r *http.Request) {
	p := principalFrom(r.Context())
	doc, err := s.documents.Get(p.OrgID, r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeData(w, http.StatusOK, doc)
}

func (s *Server) handleDownloadDocument(w http.ResponseWriter, r *http.Request) {
	p := principalFrom(r.Context())
	rc, doc, err := s.documents.Open(p.OrgID, r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	defer rc.Close()
	w.Header().Set("Content-Type", doc.MimeType)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", doc.Name))
	w.Header().Set("Content-Length", fmt.Sprintf("%d", doc.FileSize))
	_, _ = io.Copy(w, rc)
}

func (s *Server) handleDocumentPages(w http.ResponseWriter, r *http.Request) {
	p := principalFrom(r.Context())
	doc, err := s.documents.Get(p.OrgID, r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	pages, err := s.documents.Pages(doc.ID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeData(w, http.StatusOK, pages)
}

func (s *Server) handleDocumentExtractions(w http.ResponseWriter, r *http.Request) {
	p := principalFrom(r.Context())
	doc, err := s.documents.Get(p.OrgID, r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	extractions, err := s.documents.Extractions(doc.ID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeData(w, http.StatusOK, extractions)
}

func (s *Server) handleDeleteDocument(w http.ResponseWriter, r *http.Request) {
	p := principalFrom(r.Context())
	doc, err := s.documents.Get(p.OrgID, r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.documents.Delete(p.OrgID, doc.ID); err != nil {
		s.writeError(w, r, err)
		return
	}
	_ = s.meter.Release(p.OrgID, metering.ResourceDocuments, 1)
	_ = s.meter.Release(p.OrgID, metering.ResourceStorage, doc.FileSize)
	s.writeData(w, http.StatusOK, map[string]bool{"deleted": true})
}
