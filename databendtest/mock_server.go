// Package databendtest provides a mock Databend query endpoint for
// integration testing the client library without a live server.
package databendtest

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	databend "github.com/databendlabs/bendsql-sub000"
)

// MockQueryTemplate defines the static result set and paging layout for a
// specific SQL string. It acts as an immutable blueprint from which active
// query instances are created.
//
// The full Data slice is divided into DataPages sequential windows using
// ceiling division, preceded by LeadingEmptyPages continuation pages that
// carry neither schema nor rows (the client must poll through them without
// surfacing anything). The schema is sent on the first non-empty page.
type MockQueryTemplate struct {
	SQL               string
	DataPages         int
	LeadingEmptyPages int
	Schema            []databend.Field
	Data              [][]*string
	Error             *databend.ServerError
	// Session, when set, is returned on every page of this query.
	Session *databend.SessionState
}

type mockActiveQuery struct {
	id       string
	template *MockQueryTemplate
}

// fault is a one-shot injected response for query/page endpoints.
type fault struct {
	status int
	body   string
}

// MockServer simulates a Databend query coordinator.
type MockServer struct {
	server *httptest.Server

	mu            sync.Mutex
	templates     map[string]*MockQueryTemplate
	activeQueries map[string]*mockActiveQuery
	faults        []fault
	session       *databend.SessionState

	// Token state for session-token auth simulation.
	requireToken bool
	tokenSerial  atomic.Int64
	tokenTTLSecs int64

	// Counters for test assertions.
	Logins      atomic.Int64
	Refreshes   atomic.Int64
	Logouts     atomic.Int64
	Heartbeats  atomic.Int64
	Kills       atomic.Int64
	PageFetches atomic.Int64

	queryCounter atomic.Int64
}

// NewMockServer starts a mock coordinator on a random local port.
func NewMockServer() *MockServer {
	m := &MockServer{
		templates:     make(map[string]*MockQueryTemplate),
		activeQueries: make(map[string]*mockActiveQuery),
		tokenTTLSecs:  3600,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/query", m.handleNewQuery)
	mux.HandleFunc("GET /v1/query/{queryId}/page/{pageNo}", m.handlePage)
	mux.HandleFunc("GET /v1/query/{queryId}/final", m.handleFinal)
	mux.HandleFunc("POST /v1/query/{queryId}/kill", m.handleKill)
	mux.HandleFunc("POST /v1/session/login", m.handleLogin)
	mux.HandleFunc("POST /v1/session/refresh", m.handleRefresh)
	mux.HandleFunc("POST /v1/session/logout", m.handleLogout)
	mux.HandleFunc("POST /v1/session/heartbeat", m.handleHeartbeat)

	m.server = httptest.NewServer(mux)
	return m
}

// URL returns the base URL of the mock server.
func (m *MockServer) URL() string { return m.server.URL }

// Host returns the host:port of the mock server.
func (m *MockServer) Host() string { return strings.TrimPrefix(m.server.URL, "http://") }

// DSN returns a plain-HTTP DSN pointing at the mock server.
func (m *MockServer) DSN() string {
	return fmt.Sprintf("databend://root:root@%s/default?sslmode=disable", m.Host())
}

// Close shuts down the mock server.
func (m *MockServer) Close() { m.server.Close() }

// AddQuery registers a SQL template, clamping the page layout to the data.
func (m *MockServer) AddQuery(tmpl *MockQueryTemplate) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if tmpl.DataPages < 1 {
		tmpl.DataPages = 1
	}
	if rows := len(tmpl.Data); rows > 0 && tmpl.DataPages > rows {
		tmpl.DataPages = rows
	}
	m.templates[tmpl.SQL] = tmpl
}

// SetSession sets the session record returned on responses that have no
// template-level override.
func (m *MockServer) SetSession(s *databend.SessionState) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.session = s
}

// FailNext enqueues count injected responses for the query and page
// endpoints, served before any real handling.
func (m *MockServer) FailNext(status int, body string, count int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := 0; i < count; i++ {
		m.faults = append(m.faults, fault{status: status, body: body})
	}
}

// RequireSessionToken makes query/page endpoints demand the current session
// token and answer stale ones with a refresh-eligible 401.
func (m *MockServer) RequireSessionToken() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requireToken = true
}

// ExpireSessionToken invalidates the current session token, forcing the
// next authenticated request into the refresh path.
func (m *MockServer) ExpireSessionToken() {
	m.tokenSerial.Add(1)
}

func (m *MockServer) currentToken() string {
	return fmt.Sprintf("session-token-%d", m.tokenSerial.Load())
}

func (m *MockServer) popFault() *fault {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.faults) == 0 {
		return nil
	}
	f := m.faults[0]
	m.faults = m.faults[1:]
	return &f
}

func writeJSON(w http.ResponseWriter, statusCode int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(v)
}

// checkToken enforces session-token auth when enabled. It returns false
// after writing the 401 itself.
func (m *MockServer) checkToken(w http.ResponseWriter, r *http.Request) bool {
	m.mu.Lock()
	required := m.requireToken
	m.mu.Unlock()
	if !required {
		return true
	}
	if r.Header.Get("Authorization") == "Bearer "+m.currentToken() {
		return true
	}
	writeJSON(w, http.StatusUnauthorized, map[string]any{
		"error": &databend.ServerError{Code: 5100, Message: "session token expired"},
	})
	return false
}

// --- Query handlers ---

func (m *MockServer) handleNewQuery(w http.ResponseWriter, r *http.Request) {
	if f := m.popFault(); f != nil {
		http.Error(w, f.body, f.status)
		return
	}
	if !m.checkToken(w, r) {
		return
	}

	var req databend.QueryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	m.mu.Lock()
	template, exists := m.templates[req.SQL]
	m.mu.Unlock()
	if !exists {
		template = &MockQueryTemplate{
			SQL:       req.SQL,
			DataPages: 1,
			Schema:    []databend.Field{{Name: "result", Type: "String"}},
			Data:      [][]*string{{ptr("query template not found; default success")}},
		}
	}

	id := r.Header.Get("X-DATABEND-QUERY-ID")
	if id == "" {
		id = fmt.Sprintf("mock-query-%d", m.queryCounter.Add(1))
	}

	m.mu.Lock()
	m.activeQueries[id] = &mockActiveQuery{id: id, template: template}
	m.mu.Unlock()

	writeJSON(w, http.StatusOK, m.pageResponse(id, template, 0))
}

func (m *MockServer) handlePage(w http.ResponseWriter, r *http.Request) {
	if f := m.popFault(); f != nil {
		http.Error(w, f.body, f.status)
		return
	}
	if !m.checkToken(w, r) {
		return
	}
	m.PageFetches.Add(1)

	pageNo, _ := strconv.Atoi(r.PathValue("pageNo"))
	id := r.PathValue("queryId")

	m.mu.Lock()
	q, ok := m.activeQueries[id]
	m.mu.Unlock()
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"message": "query not found"})
		return
	}
	writeJSON(w, http.StatusOK, m.pageResponse(id, q.template, pageNo))
}

func (m *MockServer) handleFinal(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("queryId")
	m.mu.Lock()
	delete(m.activeQueries, id)
	m.mu.Unlock()
	writeJSON(w, http.StatusOK, map[string]string{"id": id})
}

func (m *MockServer) handleKill(w http.ResponseWriter, r *http.Request) {
	m.Kills.Add(1)
	id := r.PathValue("queryId")
	m.mu.Lock()
	_, ok := m.activeQueries[id]
	delete(m.activeQueries, id)
	m.mu.Unlock()
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"message": "query not found"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"id": id})
}

// pageResponse renders page pageNo of a query. Leading empty pages carry
// nothing but a next_uri; data pages window the template rows.
func (m *MockServer) pageResponse(id string, tmpl *MockQueryTemplate, pageNo int) *databend.QueryResponse {
	m.mu.Lock()
	session := tmpl.Session
	if session == nil {
		session = m.session
	}
	m.mu.Unlock()

	totalPages := tmpl.LeadingEmptyPages + tmpl.DataPages
	resp := &databend.QueryResponse{
		ID:      id,
		NodeID:  "mock-node-1",
		State:   "Running",
		Error:   tmpl.Error,
		Session: session,
	}

	if pageNo+1 < totalPages {
		nextURI := fmt.Sprintf("/v1/query/%s/page/%d", id, pageNo+1)
		resp.NextURI = &nextURI
	} else {
		resp.State = "Succeeded"
		finalURI := fmt.Sprintf("/v1/query/%s/final", id)
		resp.FinalURI = &finalURI
	}
	killURI := fmt.Sprintf("/v1/query/%s/kill", id)
	resp.KillURI = &killURI

	dataPage := pageNo - tmpl.LeadingEmptyPages
	if dataPage >= 0 && len(tmpl.Data) > 0 {
		if dataPage == 0 {
			resp.Schema = tmpl.Schema
		}
		rowsPerPage := (len(tmpl.Data) + tmpl.DataPages - 1) / tmpl.DataPages
		start := dataPage * rowsPerPage
		if start < len(tmpl.Data) {
			end := start + rowsPerPage
			if end > len(tmpl.Data) {
				end = len(tmpl.Data)
			}
			resp.Data = tmpl.Data[start:end]
			resp.Stats.ResultProgress.Rows = int64(end)
		}
	} else if dataPage == 0 {
		resp.Schema = tmpl.Schema
	}

	return resp
}

// --- Session handlers ---

func (m *MockServer) handleLogin(w http.ResponseWriter, r *http.Request) {
	m.Logins.Add(1)
	writeJSON(w, http.StatusOK, &databend.LoginResponse{
		Version:                   "mock-v1.2.3",
		SessionID:                 "mock-session-1",
		SessionToken:              m.currentToken(),
		SessionTokenValidityInSec: m.tokenTTLSecs,
		RefreshToken:              "refresh-token-0",
		RefreshTokenValidityInSec: 7 * 24 * 3600,
	})
}

func (m *MockServer) handleRefresh(w http.ResponseWriter, r *http.Request) {
	m.Refreshes.Add(1)
	if !strings.HasPrefix(r.Header.Get("Authorization"), "Bearer refresh-token-") {
		writeJSON(w, http.StatusUnauthorized, map[string]any{
			"error": &databend.ServerError{Code: 5102, Message: "invalid refresh token"},
		})
		return
	}
	writeJSON(w, http.StatusOK, &databend.LoginResponse{
		SessionToken:              m.currentToken(),
		SessionTokenValidityInSec: m.tokenTTLSecs,
		RefreshToken:              fmt.Sprintf("refresh-token-%d", m.Refreshes.Load()),
		RefreshTokenValidityInSec: 7 * 24 * 3600,
	})
}

func (m *MockServer) handleLogout(w http.ResponseWriter, r *http.Request) {
	m.Logouts.Add(1)
	io.Copy(io.Discard, r.Body)
	writeJSON(w, http.StatusOK, map[string]any{})
}

func (m *MockServer) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	m.Heartbeats.Add(1)
	io.Copy(io.Discard, r.Body)
	writeJSON(w, http.StatusOK, map[string]any{})
}

func ptr(s string) *string { return &s }
