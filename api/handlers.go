package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/InsulaLabs/ringfs/db/meta"
	"github.com/InsulaLabs/ringfs/db/models"
	"github.com/InsulaLabs/ringfs/placement"
	"github.com/InsulaLabs/ringfs/service"
	"github.com/InsulaLabs/ringfs/storage"
)

const maxJSONBody = 1 << 20

type credentials struct {
	Username string `json:"username"`
	Secret   string `json:"secret"`
}

type createDirectoryRequest struct {
	Parent string `json:"parent"` // "account/dir/sub"
	Name   string `json:"name"`
}

type createFileRequest struct {
	Directory string `json:"directory"`
	Name      string `json:"name"`
	Size      int64  `json:"size"`
}

type createFileResponse struct {
	File models.FileEntry      `json:"file"`
	Plan []placement.Placement `json:"plan"`
}

type getFileResponse struct {
	File   models.FileEntry       `json:"file"`
	Chunks []models.ChunkLocation `json:"chunks"`
}

type statusResponse struct {
	Ready         bool   `json:"ready"`
	Coordinator   string `json:"coordinator"`
	IsCoordinator bool   `json:"is_coordinator"`
}

type errorResponse struct {
	Error string `json:"error"`
	Node  string `json:"node,omitempty"` // where to retry, when known
}

// ValidateToken resolves the bearer session token on r to its username.
func (s *Server) ValidateToken(r *http.Request) (string, bool) {
	authHeader := r.Header.Get("Authorization")
	const bearerPrefix = "Bearer "
	token := strings.TrimPrefix(authHeader, bearerPrefix)
	if token == "" {
		return "", false
	}
	username, err := s.svc.Authenticate(token)
	if err != nil {
		if !errors.Is(err, service.ErrSessionInvalid) {
			s.logger.Error("Could not resolve session", "error", err)
		}
		return "", false
	}
	return username, true
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("Could not encode response", "error", err)
	}
}

func (s *Server) readJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	defer r.Body.Close()
	if err := json.NewDecoder(io.LimitReader(r.Body, maxJSONBody)).Decode(v); err != nil {
		http.Error(w, "Invalid JSON payload: "+err.Error(), http.StatusBadRequest)
		return false
	}
	return true
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, service.ErrNotReady):
		return http.StatusServiceUnavailable
	case errors.Is(err, service.ErrNotCoordinator), errors.Is(err, service.ErrChunkElsewhere):
		return http.StatusMisdirectedRequest
	case errors.Is(err, service.ErrBadCredentials), errors.Is(err, service.ErrSessionInvalid):
		return http.StatusUnauthorized
	case errors.Is(err, service.ErrNoPermission):
		return http.StatusForbidden
	case errors.Is(err, meta.ErrNotFound), errors.Is(err, meta.ErrInvalidPath):
		return http.StatusNotFound
	case errors.Is(err, service.ErrAccountExists),
		errors.Is(err, service.ErrDirectoryExists),
		errors.Is(err, service.ErrDuplicateFile),
		errors.Is(err, service.ErrDuplicateChunk),
		errors.Is(err, meta.ErrCorruptedFile):
		return http.StatusConflict
	case errors.Is(err, placement.ErrOutOfSpace), errors.Is(err, meta.ErrCapacityExceeded):
		return http.StatusInsufficientStorage
	case errors.Is(err, service.ErrInvalidName),
		errors.Is(err, service.ErrSequenceInvalid),
		errors.Is(err, storage.ErrChunkSizeInvalid),
		errors.Is(err, models.ErrPermissionNoResource),
		errors.Is(err, models.ErrPermissionTwoResources),
		errors.Is(err, models.ErrPermissionLevelInvalid):
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

func (s *Server) writeError(w http.ResponseWriter, err error, node string) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		s.logger.Error("Request failed", "error", err)
		s.writeJSON(w, status, errorResponse{Error: http.StatusText(status)})
		return
	}
	resp := errorResponse{Error: err.Error()}
	if status == http.StatusMisdirectedRequest {
		resp.Node = node
	}
	s.writeJSON(w, status, resp)
}

func queryInt(r *http.Request, name string) (int64, bool) {
	v, err := strconv.ParseInt(r.URL.Query().Get(name), 10, 64)
	return v, err == nil
}

// -- ACCOUNTS --

func (s *Server) createAccountHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
		return
	}
	var req credentials
	if !s.readJSON(w, r, &req) {
		return
	}
	if err := s.svc.CreateAccount(r.Context(), req.Username, req.Secret); err != nil {
		s.writeError(w, err, s.svc.Coordinator())
		return
	}
	w.WriteHeader(http.StatusCreated)
}

func (s *Server) loginHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
		return
	}
	var req credentials
	if !s.readJSON(w, r, &req) {
		return
	}
	token, err := s.svc.Login(req.Username, req.Secret)
	if err != nil {
		s.writeError(w, err, "")
		return
	}
	s.writeJSON(w, http.StatusOK, struct {
		Token string `json:"token"`
	}{Token: token})
}

func (s *Server) logoutHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
		return
	}
	if _, ok := s.ValidateToken(r); !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}
	if err := s.svc.Logout(strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")); err != nil {
		s.writeError(w, err, "")
		return
	}
	w.WriteHeader(http.StatusOK)
}

// -- FILES --

func (s *Server) createDirectoryHandler(w http.ResponseWriter, r *http.Request) {
	username, ok := s.ValidateToken(r)
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}
	if r.Method != http.MethodPost {
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
		return
	}
	var req createDirectoryRequest
	if !s.readJSON(w, r, &req) {
		return
	}
	dir, err := s.svc.CreateDirectory(r.Context(), username, req.Parent, req.Name)
	if err != nil {
		s.writeError(w, err, s.svc.Coordinator())
		return
	}
	s.writeJSON(w, http.StatusCreated, dir)
}

func (s *Server) filesHandler(w http.ResponseWriter, r *http.Request) {
	username, ok := s.ValidateToken(r)
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	switch r.Method {
	case http.MethodPost:
		var req createFileRequest
		if !s.readJSON(w, r, &req) {
			return
		}
		file, plan, err := s.svc.CreateFile(r.Context(), username, req.Directory, req.Name, req.Size)
		if err != nil {
			s.writeError(w, err, s.svc.Coordinator())
			return
		}
		s.writeJSON(w, http.StatusCreated, createFileResponse{File: file, Plan: plan})

	case http.MethodGet:
		id, ok := queryInt(r, "id")
		if !ok {
			http.Error(w, "Missing or invalid id parameter", http.StatusBadRequest)
			return
		}
		file, chunks, err := s.svc.GetFile(username, id)
		if err != nil {
			s.writeError(w, err, "")
			return
		}
		s.writeJSON(w, http.StatusOK, getFileResponse{File: file, Chunks: chunks})

	case http.MethodDelete:
		id, ok := queryInt(r, "id")
		if !ok {
			http.Error(w, "Missing or invalid id parameter", http.StatusBadRequest)
			return
		}
		if err := s.svc.RemoveFile(r.Context(), username, id); err != nil {
			s.writeError(w, err, s.svc.Coordinator())
			return
		}
		w.WriteHeader(http.StatusOK)

	default:
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
	}
}

func (s *Server) grantHandler(w http.ResponseWriter, r *http.Request) {
	username, ok := s.ValidateToken(r)
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}
	if r.Method != http.MethodPost {
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
		return
	}
	var p models.Permission
	if !s.readJSON(w, r, &p) {
		return
	}
	if err := s.svc.Grant(r.Context(), username, p); err != nil {
		s.writeError(w, err, s.svc.Coordinator())
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) replicasHandler(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.ValidateToken(r); !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}
	fileID, okFile := queryInt(r, "file")
	seq, okSeq := queryInt(r, "seq")
	if !okFile || !okSeq {
		http.Error(w, "Missing or invalid file/seq parameters", http.StatusBadRequest)
		return
	}
	nodes, err := s.svc.Replicas(fileID, int(seq))
	if err != nil {
		s.writeError(w, err, "")
		return
	}
	s.writeJSON(w, http.StatusOK, nodes)
}

// -- CHUNKS --

func (s *Server) chunksHandler(w http.ResponseWriter, r *http.Request) {
	username, ok := s.ValidateToken(r)
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}
	fileID, okFile := queryInt(r, "file")
	seq, okSeq := queryInt(r, "seq")
	if !okFile || !okSeq {
		http.Error(w, "Missing or invalid file/seq parameters", http.StatusBadRequest)
		return
	}

	switch r.Method {
	case http.MethodPut:
		defer r.Body.Close()
		if r.ContentLength < 0 {
			http.Error(w, http.StatusText(http.StatusLengthRequired), http.StatusLengthRequired)
			return
		}
		chunk, err := s.svc.CommitChunk(r.Context(), username, fileID, int(seq), r.Body, r.ContentLength)
		if err != nil {
			s.writeError(w, err, s.svc.Coordinator())
			return
		}
		s.writeJSON(w, http.StatusCreated, chunk)

	case http.MethodGet:
		rc, chunk, err := s.svc.OpenChunk(username, fileID, int(seq))
		if err != nil {
			s.writeError(w, err, chunk.NodeAddress)
			return
		}
		defer rc.Close()
		w.Header().Set("Content-Type", "application/octet-stream")
		w.Header().Set("Content-Length", strconv.FormatInt(chunk.Size, 10))
		if _, err := io.Copy(w, rc); err != nil {
			s.logger.Error("Could not stream chunk", "file", fileID, "seq", seq, "error", err)
		}

	default:
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
	}
}

// -- SYSTEM --

func (s *Server) statusHandler(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, statusResponse{
		Ready:         s.svc.Ready(),
		Coordinator:   s.svc.Coordinator(),
		IsCoordinator: s.svc.IsCoordinator(),
	})
}
