// Package upstreamstub hosts a fake resource API for gateway tests. It
// records every request it receives, including decoded multipart parts, and
// serves scripted responses.
package upstreamstub

import (
	"encoding/json"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
)

// Part is one decoded multipart section of a recorded request.
type Part struct {
	FormName    string
	FileName    string
	ContentType string
	Body        []byte
}

// Request is a recorded upstream interaction.
type Request struct {
	Method   string
	Path     string
	RawQuery string
	Header   http.Header
	Body     []byte
	Boundary string
	Parts    []Part
}

// Response scripts what the stub returns for a method and path.
type Response struct {
	Status      int
	ContentType string
	Header      map[string]string
	Body        []byte
}

// Options describes how the fake resource API should behave.
type Options struct {
	// LoginEmail and LoginPassword are the credentials /login accepts.
	LoginEmail    string
	LoginPassword string
	// LoginToken is the bearer credential handed out on successful login.
	LoginToken string
	// UserID and UserEmail identify the logged-in user.
	UserID    string
	UserEmail string
	// ExpectedCredential, when set, causes any request without a matching
	// Authorization bearer to fail with HTTP 401.
	ExpectedCredential string
}

// Server hosts a single httptest.Server that serves the scripted resource API.
type Server struct {
	server *httptest.Server
	opts   Options

	mu        sync.Mutex
	requests  []Request
	responses map[string]Response
}

// Start spins up a new resource API stub using the provided options.
func Start(opts Options) *Server {
	s := &Server{
		opts:      opts,
		responses: make(map[string]Response),
	}
	s.server = httptest.NewServer(http.HandlerFunc(s.handle))
	return s
}

// Close shuts down the underlying HTTP server.
func (s *Server) Close() {
	if s.server != nil {
		s.server.Close()
	}
}

// BaseURL returns the HTTP base URL of the stub.
func (s *Server) BaseURL() string {
	return s.server.URL
}

// Stub scripts the response for a method and path, e.g. Stub("GET", "/videos", ...).
func (s *Server) Stub(method, path string, response Response) {
	s.mu.Lock()
	s.responses[method+" "+path] = response
	s.mu.Unlock()
}

// Requests returns a copy of every recorded request in arrival order.
func (s *Server) Requests() []Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Request, len(s.requests))
	copy(out, s.requests)
	return out
}

// LastRequest returns the most recent recorded request.
func (s *Server) LastRequest() (Request, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.requests) == 0 {
		return Request{}, false
	}
	return s.requests[len(s.requests)-1], true
}

// RequestCount reports how many requests the stub has served.
func (s *Server) RequestCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.requests)
}

func (s *Server) handle(w http.ResponseWriter, r *http.Request) {
	recorded := s.record(r)

	if r.URL.Path == "/login" && r.Method == http.MethodPost {
		s.handleLogin(w, recorded)
		return
	}

	if s.opts.ExpectedCredential != "" {
		if recorded.Header.Get("Authorization") != "Bearer "+s.opts.ExpectedCredential {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusUnauthorized)
			w.Write([]byte(`{"error":"bad upstream credential"}`))
			return
		}
	}

	s.mu.Lock()
	response, ok := s.responses[r.Method+" "+r.URL.Path]
	s.mu.Unlock()
	if !ok {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte(`{"error":"no stubbed response"}`))
		return
	}
	if response.ContentType != "" {
		w.Header().Set("Content-Type", response.ContentType)
	}
	for key, value := range response.Header {
		w.Header().Set(key, value)
	}
	status := response.Status
	if status == 0 {
		status = http.StatusOK
	}
	w.WriteHeader(status)
	w.Write(response.Body)
}

func (s *Server) handleLogin(w http.ResponseWriter, recorded Request) {
	var credentials struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := json.Unmarshal(recorded.Body, &credentials); err != nil ||
		credentials.Email != s.opts.LoginEmail || credentials.Password != s.opts.LoginPassword {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"error":"invalid credentials"}`))
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"token": s.opts.LoginToken,
		"user": map[string]string{
			"id":    s.opts.UserID,
			"email": s.opts.UserEmail,
		},
	})
}

func (s *Server) record(r *http.Request) Request {
	body, _ := io.ReadAll(r.Body)
	recorded := Request{
		Method:   r.Method,
		Path:     r.URL.Path,
		RawQuery: r.URL.RawQuery,
		Header:   r.Header.Clone(),
		Body:     body,
	}
	contentType := r.Header.Get("Content-Type")
	if mediaType, params, err := mime.ParseMediaType(contentType); err == nil && strings.HasPrefix(mediaType, "multipart/") {
		recorded.Boundary = params["boundary"]
		reader := multipart.NewReader(strings.NewReader(string(body)), params["boundary"])
		for {
			part, err := reader.NextPart()
			if err != nil {
				break
			}
			partBody, _ := io.ReadAll(part)
			recorded.Parts = append(recorded.Parts, Part{
				FormName:    part.FormName(),
				FileName:    part.FileName(),
				ContentType: part.Header.Get("Content-Type"),
				Body:        partBody,
			})
		}
	}
	s.mu.Lock()
	s.requests = append(s.requests, recorded)
	s.mu.Unlock()
	return recorded
}
