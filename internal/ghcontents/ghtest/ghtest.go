// Package ghtest fakes the slice of the GitHub contents API used by
// ghcontents: GET and PUT on /repos/{owner}/{repo}/contents/{path}.
package ghtest

import (
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
)

type File struct {
	Content []byte
	SHA     string
	Branch  string
}

type Request struct {
	Method string
	Path   string
	SHA    string
	Branch string
	Auth   string
}

// Server keeps files keyed by "owner/repo/path".
type Server struct {
	*httptest.Server

	mu       sync.Mutex
	files    map[string]File
	requests []Request
	// FailWith, when non-zero, is returned for every request.
	FailWith int
}

func NewServer() *Server {
	s := &Server{files: make(map[string]File)}
	s.Server = httptest.NewServer(http.HandlerFunc(s.handle))
	return s
}

func (s *Server) File(key string) (File, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.files[key]
	return f, ok
}

func (s *Server) Requests() []Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Request(nil), s.requests...)
}

func (s *Server) handle(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()

	req := Request{Method: r.Method, Path: r.URL.Path, Auth: r.Header.Get("Authorization")}
	if s.FailWith != 0 {
		s.requests = append(s.requests, req)
		writeJSON(w, s.FailWith, map[string]string{"message": http.StatusText(s.FailWith)})
		return
	}

	rest, ok := strings.CutPrefix(r.URL.Path, "/repos/")
	parts := strings.SplitN(rest, "/", 4)
	if !ok || len(parts) != 4 || parts[2] != "contents" {
		s.requests = append(s.requests, req)
		writeJSON(w, http.StatusNotFound, map[string]string{"message": "Not Found"})
		return
	}
	key := parts[0] + "/" + parts[1] + "/" + parts[3]

	switch r.Method {
	case http.MethodGet:
		req.Branch = r.URL.Query().Get("ref")
		s.requests = append(s.requests, req)
		f, ok := s.files[key]
		if !ok {
			writeJSON(w, http.StatusNotFound, map[string]string{"message": "Not Found"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"type": "file", "path": parts[3], "sha": f.SHA, "size": len(f.Content)})
	case http.MethodPut:
		var body struct {
			Message string `json:"message"`
			Content []byte `json:"content"`
			SHA     string `json:"sha"`
			Branch  string `json:"branch"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"message": err.Error()})
			return
		}
		req.SHA, req.Branch = body.SHA, body.Branch
		s.requests = append(s.requests, req)
		existing, exists := s.files[key]
		if exists && body.SHA != existing.SHA {
			writeJSON(w, http.StatusConflict, map[string]string{"message": "sha does not match"})
			return
		}
		if !exists && body.SHA != "" {
			writeJSON(w, http.StatusNotFound, map[string]string{"message": "Not Found"})
			return
		}
		sum := sha1.Sum(body.Content)
		f := File{Content: body.Content, SHA: hex.EncodeToString(sum[:]), Branch: body.Branch}
		s.files[key] = f
		status := http.StatusOK
		if !exists {
			status = http.StatusCreated
		}
		writeJSON(w, status, map[string]any{"content": map[string]any{"path": parts[3], "sha": f.SHA}})
	default:
		s.requests = append(s.requests, req)
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
