// Package testutil provides helpers for deterministic list download tests.
package testutil

import (
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
)

// List is a fixed response served by a ListServer.
type List struct {
	Body   string
	Status int
	// Token, when set, must be presented as "Authorization: Bearer <token>".
	Token string
}

// ListServer serves domain lists over HTTP and counts requests per path.
type ListServer struct {
	URL    string
	server *httptest.Server

	mu    sync.Mutex
	lists map[string]List
	hits  map[string]int
}

// StartListServer starts a server for lists keyed by request path.
func StartListServer(t *testing.T, lists map[string]List) *ListServer {
	t.Helper()

	s := &ListServer{lists: make(map[string]List), hits: make(map[string]int)}
	for path, list := range lists {
		s.lists[path] = list
	}
	s.server = httptest.NewServer(http.HandlerFunc(s.serve))
	s.URL = s.server.URL
	t.Cleanup(s.server.Close)
	return s
}

// URLFor returns the absolute URL of path.
func (s *ListServer) URLFor(path string) string {
	return s.URL + path
}

// Set replaces the response for path.
func (s *ListServer) Set(path string, list List) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lists[path] = list
}

// Hits returns how many requests path received.
func (s *ListServer) Hits(path string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hits[path]
}

func (s *ListServer) serve(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	list, ok := s.lists[r.URL.Path]
	s.hits[r.URL.Path]++
	s.mu.Unlock()

	if !ok {
		http.NotFound(w, r)
		return
	}
	if list.Token != "" && r.Header.Get("Authorization") != "Bearer "+list.Token {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	if list.Status != 0 && list.Status != http.StatusOK {
		http.Error(w, http.StatusText(list.Status), list.Status)
		return
	}
	w.Header().Set("Content-Type", "text/plain")
	_, _ = w.Write([]byte(list.Body))
}
