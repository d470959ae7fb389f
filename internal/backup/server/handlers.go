package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strconv"

	"github.com/steveyegge/backupsync/internal/backup/remote"
)

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := "ok"
	code := http.StatusOK
	if !s.backend.Ping(r.Context()) {
		status = "unavailable"
		code = http.StatusServiceUnavailable
	}
	s.writeJSON(w, code, map[string]string{"status": status})
}

func (s *Server) handlePing(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.backend.Ping(r.Context()))
}

func (s *Server) handleGetDirectory(includeChildren bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var q remote.DirectoryQuery
		if !s.decode(w, r, &q) {
			return
		}

		var (
			dir *remote.Directory
			err error
		)
		switch {
		case q.Path != "":
			dir, err = s.backend.GetDirectoryByPath(r.Context(), q.Path)
			if err == nil && dir != nil && includeChildren {
				dir, err = s.backend.GetDirectoryByID(r.Context(), dir.ID, true)
			}
		case q.Name != "":
			dir, err = s.backend.GetDirectory(r.Context(), q.Name, q.ParentID, includeChildren)
		default:
			s.writeError(w, http.StatusBadRequest, fmt.Errorf("path or name is required"))
			return
		}
		if err != nil {
			s.fail(w, err)
			return
		}
		// Absent directories are a JSON null, not an error.
		s.writeJSON(w, http.StatusOK, dir)
	}
}

func (s *Server) handleAddDirectory(w http.ResponseWriter, r *http.Request) {
	var req remote.DirectoryAdd
	if !s.decode(w, r, &req) {
		return
	}
	if req.Name == "" {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("name is required"))
		return
	}
	dir, err := s.backend.AddDirectory(r.Context(), req.Name, req.ParentID)
	if err != nil {
		s.fail(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, dir)
}

func (s *Server) handleUpdateDirectory(w http.ResponseWriter, r *http.Request) {
	var req remote.DirectoryUpdate
	if !s.decode(w, r, &req) {
		return
	}
	dir, err := s.backend.UpdateDirectory(r.Context(), req.ID, req.Modified)
	if err != nil {
		s.fail(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, dir)
}

func (s *Server) handleDeleteDirectory(w http.ResponseWriter, r *http.Request) {
	var req remote.DirectoryDelete
	if !s.decode(w, r, &req) {
		return
	}
	if err := s.backend.DeleteDirectory(r.Context(), req.ID); err != nil {
		s.fail(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDirectoryByID(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathID(w, r)
	if !ok {
		return
	}
	includeChildren, _ := strconv.ParseBool(r.URL.Query().Get("includeChildren"))
	dir, err := s.backend.GetDirectoryByID(r.Context(), id, includeChildren)
	if err != nil {
		s.fail(w, err)
		return
	}
	if dir == nil {
		s.writeError(w, http.StatusNotFound, fmt.Errorf("directory %d not found", id))
		return
	}
	s.writeJSON(w, http.StatusOK, dir)
}

func (s *Server) handleDirectoryCount(w http.ResponseWriter, r *http.Request) {
	n, err := s.backend.DirectoryCount(r.Context())
	if err != nil {
		s.fail(w, err)
		return
	}
	s.writeText(w, fmt.Sprintf("%d directories", n))
}

// handleUpload reads the multipart form in order: the record and path fields
// precede the content part, which is streamed straight into the store.
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	if s.maxUpload > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, s.maxUpload)
	}

	mediaType, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if err != nil || mediaType != "multipart/form-data" {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("expected multipart/form-data"))
		return
	}
	mr, err := r.MultipartReader()
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}

	var (
		req       remote.UploadRequest
		gotRecord bool
		stored    *remote.File
	)
	for stored == nil {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			s.uploadError(w, err)
			return
		}

		switch part.FormName() {
		case remote.FieldFileRecord:
			if err := json.NewDecoder(part).Decode(&req.File); err != nil {
				s.writeError(w, http.StatusBadRequest, fmt.Errorf("invalid %s: %w", remote.FieldFileRecord, err))
				return
			}
			gotRecord = true
		case remote.FieldPath:
			req.Path, err = readField(part)
		case remote.FieldOldPath:
			req.OldPath, err = readField(part)
		case remote.FieldContent:
			if !gotRecord {
				s.writeError(w, http.StatusBadRequest, fmt.Errorf("%s must precede %s", remote.FieldFileRecord, remote.FieldContent))
				return
			}
			req.Content = part
			if stored, err = s.backend.UploadFile(r.Context(), req); err != nil {
				s.uploadError(w, err)
				return
			}
		}
		if err != nil {
			s.uploadError(w, err)
			return
		}
	}

	if stored == nil {
		if !gotRecord {
			s.writeError(w, http.StatusBadRequest, fmt.Errorf("missing %s", remote.FieldFileRecord))
			return
		}
		if stored, err = s.backend.UploadFile(r.Context(), req); err != nil {
			s.fail(w, err)
			return
		}
	}
	s.writeJSON(w, http.StatusOK, stored)
}

func (s *Server) uploadError(w http.ResponseWriter, err error) {
	var maxErr *http.MaxBytesError
	if errors.As(err, &maxErr) {
		s.writeError(w, http.StatusRequestEntityTooLarge, err)
		return
	}
	s.fail(w, err)
}

func (s *Server) handleDeleteFiles(w http.ResponseWriter, r *http.Request) {
	var files []remote.File
	if !s.decode(w, r, &files) {
		return
	}
	if err := s.backend.DeleteFiles(r.Context(), files); err != nil {
		s.fail(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleFileByID(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathID(w, r)
	if !ok {
		return
	}
	f, err := s.backend.GetFile(r.Context(), id)
	if err != nil {
		s.fail(w, err)
		return
	}
	if f == nil {
		s.writeError(w, http.StatusNotFound, fmt.Errorf("file %d not found", id))
		return
	}
	s.writeJSON(w, http.StatusOK, f)
}

func (s *Server) handleFileHistory(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathID(w, r)
	if !ok {
		return
	}
	versions, err := s.backend.History(r.Context(), id)
	if err != nil {
		s.fail(w, err)
		return
	}
	if len(versions) == 0 {
		s.writeError(w, http.StatusNotFound, fmt.Errorf("file %d not found", id))
		return
	}
	s.writeJSON(w, http.StatusOK, versions)
}

func (s *Server) handleFileContent(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathID(w, r)
	if !ok {
		return
	}
	f, rc, err := s.backend.OpenContent(r.Context(), id)
	if err != nil {
		s.fail(w, err)
		return
	}
	defer rc.Close()

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Length", strconv.FormatInt(f.Size, 10))
	w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": f.Name}))
	if !f.Modified.IsZero() {
		w.Header().Set("Last-Modified", f.Modified.UTC().Format(http.TimeFormat))
	}
	if _, err := io.Copy(w, rc); err != nil {
		s.logger.WithError(err).WithField("id", id).Debug("content download interrupted")
	}
}

func (s *Server) handleFileCount(w http.ResponseWriter, r *http.Request) {
	n, err := s.backend.FileCount(r.Context())
	if err != nil {
		s.fail(w, err)
		return
	}
	s.writeText(w, fmt.Sprintf("%d files", n))
}

func readField(r io.Reader) (string, error) {
	b, err := io.ReadAll(io.LimitReader(r, 64<<10))
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func (s *Server) pathID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || id <= 0 {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("invalid id %q", r.PathValue("id")))
		return 0, false
	}
	return id, true
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("invalid request body: %w", err))
		return false
	}
	return true
}

// fail maps store errors onto status codes.
func (s *Server) fail(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, remote.ErrNotFound):
		s.writeError(w, http.StatusNotFound, err)
	case errors.Is(err, remote.ErrNoParent):
		s.writeError(w, http.StatusUnprocessableEntity, err)
	default:
		s.logger.WithError(err).Error("request failed")
		s.writeError(w, http.StatusInternalServerError, err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, code int, err error) {
	s.writeJSON(w, code, remote.ErrorResponse{Message: err.Error()})
}

func (s *Server) writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.WithError(err).Debug("failed to write response")
	}
}

func (s *Server) writeText(w http.ResponseWriter, text string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = io.WriteString(w, text)
}
