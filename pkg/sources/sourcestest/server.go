// Package sourcestest runs an in-process fake of the VRChat endpoints the
// sources package talks to.
package sourcestest

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
)

type User struct {
	ID          string
	DisplayName string
	Password    string
	// TwoFactor lists the methods demanded after the password, e.g. "totp".
	TwoFactor []string
	// Code is the accepted second-factor code.
	Code string
}

type Package struct {
	Platform string `json:"platform"`
	AssetURL string `json:"assetUrl"`
}

type Avatar struct {
	ID                string    `json:"id"`
	Name              string    `json:"name"`
	Description       string    `json:"description"`
	AuthorID          string    `json:"authorId"`
	AuthorName        string    `json:"authorName"`
	ImageURL          string    `json:"imageUrl"`
	ThumbnailImageURL string    `json:"thumbnailImageUrl"`
	AssetURL          string    `json:"assetUrl,omitempty"`
	ReleaseStatus     string    `json:"releaseStatus"`
	UpdatedAt         time.Time `json:"updated_at"`
	UnityPackages     []Package `json:"unityPackages,omitempty"`

	Favorited bool `json:"-"`
}

// Fault is a canned response served instead of the real one.
type Fault struct {
	Status     int
	RetryAfter string
	// Truncate, when positive, serves the file but cuts the body after that
	// many bytes while still announcing the full length.
	Truncate int
}

type session struct {
	user     *User
	verified bool
}

// Server is a fake VRChat API.
type Server struct {
	*httptest.Server

	mu       sync.Mutex
	Users    map[string]*User
	Avatars  []Avatar
	Files    map[string][]byte
	sessions map[string]*session
	faults   map[string][]Fault
	hits     map[string]int
	next     int
}

func NewServer() *Server {
	s := &Server{
		Users:    map[string]*User{},
		Files:    map[string][]byte{},
		sessions: map[string]*session{},
		faults:   map[string][]Fault{},
		hits:     map[string]int{},
	}

	r := chi.NewRouter()
	r.Use(s.count, s.inject)
	r.Get("/auth/user", s.currentUser)
	r.Post("/auth/twofactorauth/{method}/verify", s.verify)
	r.Put("/logout", s.logout)
	r.Get("/avatars", s.listAvatars)
	r.Get("/avatars/favorites", s.listFavorites)
	r.Get("/avatars/{id}", s.getAvatar)
	r.Get("/file/{id}", s.serveFile)
	r.Get("/public/{id}", s.serveFile)

	s.Server = httptest.NewServer(r)
	return s
}

// AddUser registers a user.
func (s *Server) AddUser(username string, u User) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Users[username] = &u
}

// AddAvatars appends avatars to the catalog.
func (s *Server) AddAvatars(avatars ...Avatar) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Avatars = append(s.Avatars, avatars...)
}

// AddFile serves body at /file/{id}, which needs a session, and returns its URL.
func (s *Server) AddFile(id string, body []byte) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Files[id] = body
	return s.URL + "/file/" + id
}

// AddPublicFile serves body at /public/{id} without authentication.
func (s *Server) AddPublicFile(id string, body []byte) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Files[id] = body
	return s.URL + "/public/" + id
}

// Fail queues faults for path; each request to path consumes one.
func (s *Server) Fail(path string, faults ...Fault) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.faults[path] = append(s.faults[path], faults...)
}

// Hits returns how many requests reached path.
func (s *Server) Hits(path string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hits[path]
}

// ExpireSessions invalidates every issued cookie.
func (s *Server) ExpireSessions() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions = map[string]*session{}
}

func (s *Server) count(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		s.hits[r.URL.Path]++
		s.mu.Unlock()
		next.ServeHTTP(w, r)
	})
}

func (s *Server) inject(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		var fault *Fault
		if q := s.faults[r.URL.Path]; len(q) > 0 {
			fault = &q[0]
			s.faults[r.URL.Path] = q[1:]
		}
		var body []byte
		if fault != nil && fault.Truncate > 0 {
			body = s.Files[lastSegment(r.URL.Path)]
		}
		s.mu.Unlock()

		switch {
		case fault == nil:
			next.ServeHTTP(w, r)
		case fault.Truncate > 0:
			w.Header().Set("Content-Length", strconv.Itoa(len(body)))
			w.WriteHeader(http.StatusOK)
			w.Write(body[:min(fault.Truncate, len(body))])
			if hj, ok := w.(http.Hijacker); ok {
				if conn, _, err := hj.Hijack(); err == nil {
					conn.Close()
				}
			}
		default:
			if fault.RetryAfter != "" {
				w.Header().Set("Retry-After", fault.RetryAfter)
			}
			writeError(w, fault.Status, http.StatusText(fault.Status))
		}
	})
}

func lastSegment(p string) string {
	for i := len(p) - 1; i >= 0; i-- {
		if p[i] == '/' {
			return p[i+1:]
		}
	}
	return p
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{"message": msg, "status_code": status},
	})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

// authed returns a copy of the session behind the request cookies.
func (s *Server) authed(r *http.Request) *session {
	c, err := r.Cookie("auth")
	if err != nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[c.Value]
	if !ok {
		return nil
	}
	cp := *sess
	return &cp
}

func (s *Server) requireSession(w http.ResponseWriter, r *http.Request) *session {
	sess := s.authed(r)
	if sess == nil || !sess.verified {
		writeError(w, http.StatusUnauthorized, "Missing Credentials")
		return nil
	}
	return sess
}

func (s *Server) currentUser(w http.ResponseWriter, r *http.Request) {
	if username, password, ok := r.BasicAuth(); ok {
		s.mu.Lock()
		u := s.Users[username]
		if u == nil || u.Password != password {
			s.mu.Unlock()
			writeError(w, http.StatusUnauthorized, "Invalid Username/Email or Password")
			return
		}
		s.next++
		cookie := fmt.Sprintf("authcookie_%d", s.next)
		s.sessions[cookie] = &session{user: u, verified: len(u.TwoFactor) == 0}
		s.mu.Unlock()

		http.SetCookie(w, &http.Cookie{Name: "auth", Value: cookie, Path: "/"})
		if len(u.TwoFactor) > 0 {
			writeJSON(w, map[string]any{"requiresTwoFactorAuth": u.TwoFactor})
			return
		}
		writeJSON(w, map[string]any{"id": u.ID, "displayName": u.DisplayName})
		return
	}

	sess := s.authed(r)
	if sess == nil {
		writeError(w, http.StatusUnauthorized, "Missing Credentials")
		return
	}
	if !sess.verified {
		writeJSON(w, map[string]any{"requiresTwoFactorAuth": sess.user.TwoFactor})
		return
	}
	writeJSON(w, map[string]any{"id": sess.user.ID, "displayName": sess.user.DisplayName})
}

func (s *Server) verify(w http.ResponseWriter, r *http.Request) {
	sess := s.authed(r)
	if sess == nil {
		writeError(w, http.StatusUnauthorized, "Missing Credentials")
		return
	}

	var body struct {
		Code string `json:"code"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "bad body")
		return
	}

	c, _ := r.Cookie("auth")
	s.mu.Lock()
	ok := body.Code == sess.user.Code
	if live := s.sessions[c.Value]; ok && live != nil {
		live.verified = true
	}
	s.mu.Unlock()

	if ok {
		http.SetCookie(w, &http.Cookie{Name: "twoFactorAuth", Value: "2fa_" + chi.URLParam(r, "method"), Path: "/"})
	}
	writeJSON(w, map[string]bool{"verified": ok})
}

func (s *Server) logout(w http.ResponseWriter, r *http.Request) {
	if c, err := r.Cookie("auth"); err == nil {
		s.mu.Lock()
		delete(s.sessions, c.Value)
		s.mu.Unlock()
	}
	writeJSON(w, map[string]any{"success": map[string]any{"message": "Ok!"}})
}

func (s *Server) page(w http.ResponseWriter, r *http.Request, keep func(Avatar, *User) bool) {
	sess := s.requireSession(w, r)
	if sess == nil {
		return
	}

	n, _ := strconv.Atoi(r.URL.Query().Get("n"))
	if n <= 0 {
		n = 60
	}
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))

	s.mu.Lock()
	var matched []Avatar
	for _, a := range s.Avatars {
		if keep(a, sess.user) {
			matched = append(matched, a)
		}
	}
	s.mu.Unlock()

	out := []Avatar{}
	if offset < len(matched) {
		out = matched[offset:min(offset+n, len(matched))]
	}
	writeJSON(w, out)
}

func (s *Server) listAvatars(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	mine := q.Get("user") == "me"
	status := q.Get("releaseStatus")
	s.page(w, r, func(a Avatar, u *User) bool {
		if mine && a.AuthorID != u.ID {
			return false
		}
		return status == "" || status == "all" || a.ReleaseStatus == status
	})
}

func (s *Server) listFavorites(w http.ResponseWriter, r *http.Request) {
	s.page(w, r, func(a Avatar, _ *User) bool { return a.Favorited })
}

func (s *Server) getAvatar(w http.ResponseWriter, r *http.Request) {
	if s.requireSession(w, r) == nil {
		return
	}
	id := chi.URLParam(r, "id")
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, a := range s.Avatars {
		if a.ID == id {
			writeJSON(w, a)
			return
		}
	}
	writeError(w, http.StatusNotFound, "Avatar Not Found")
}

func (s *Server) serveFile(w http.ResponseWriter, r *http.Request) {
	if chi.RouteContext(r.Context()).RoutePattern() == "/file/{id}" && s.requireSession(w, r) == nil {
		return
	}
	id := chi.URLParam(r, "id")
	s.mu.Lock()
	body, ok := s.Files[id]
	s.mu.Unlock()
	if !ok {
		writeError(w, http.StatusNotFound, "File Not Found")
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	http.ServeContent(w, r, id, time.Time{}, bytes.NewReader(body))
}
