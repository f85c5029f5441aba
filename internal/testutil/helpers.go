// Package testutil provides a mock controller and other testing helpers.
package testutil

import (
	"archive/zip"
	"bytes"
	"net/http"
	"net/http/httptest"
	"sort"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

// LegacyPath is the action endpoint served by the mock controller.
const LegacyPath = "/v2/api"

// Call is one request received by a MockController.
type Call struct {
	Method        string
	Path          string
	Action        string
	CID           string // CID query parameter
	Authorization string // Authorization header
	Params        map[string]string
}

// MockController is an httptest server that dispatches legacy requests by
// action and versioned requests by path, and records every call.
type MockController struct {
	*httptest.Server

	t        testing.TB
	mu       sync.Mutex
	calls    []Call
	handlers map[string]http.HandlerFunc
}

// Action returns the handler key for a legacy action.
func Action(name string) string {
	return LegacyPath + "?action=" + name
}

// NewMockController starts a plain HTTP mock controller. Keys of handlers are
// either Action(name) or a versioned path such as "/v2.5/api/app-domains".
// The server is closed when the test finishes.
func NewMockController(t testing.TB, handlers map[string]http.HandlerFunc) *MockController {
	t.Helper()

	m := &MockController{t: t, handlers: handlers}
	m.Server = httptest.NewServer(http.HandlerFunc(m.serve))
	t.Cleanup(m.Close)

	return m
}

// NewTLSMockController is like NewMockController but serves HTTPS with a
// self-signed certificate.
func NewTLSMockController(t testing.TB, handlers map[string]http.HandlerFunc) *MockController {
	t.Helper()

	m := &MockController{t: t, handlers: handlers}
	m.Server = httptest.NewTLSServer(http.HandlerFunc(m.serve))
	t.Cleanup(m.Close)

	return m
}

func (m *MockController) serve(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	call := Call{
		Method:        r.Method,
		Path:          r.URL.Path,
		Action:        r.Form.Get("action"),
		CID:           r.URL.Query().Get("CID"),
		Authorization: r.Header.Get("Authorization"),
		Params:        make(map[string]string, len(r.Form)),
	}
	for k := range r.Form {
		call.Params[k] = r.Form.Get(k)
	}

	m.mu.Lock()
	m.calls = append(m.calls, call)
	m.mu.Unlock()

	key := r.URL.Path
	if r.URL.Path == LegacyPath {
		key = Action(call.Action)
	}

	handler, ok := m.handlers[key]
	if !ok {
		m.t.Errorf("unexpected request: %s %s", r.Method, key)
		w.WriteHeader(http.StatusNotFound)
		return
	}

	handler(w, r)
}

// Calls returns a copy of the requests received so far.
func (m *MockController) Calls() []Call {
	m.mu.Lock()
	defer m.mu.Unlock()

	return append([]Call(nil), m.calls...)
}

// CallsFor returns the received requests for one action.
func (m *MockController) CallsFor(action string) []Call {
	var out []Call
	for _, c := range m.Calls() {
		if c.Action == action {
			out = append(out, c)
		}
	}
	return out
}

// JSON returns a handler writing body with the given status.
func JSON(status int, body string) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}
}

// Zip returns a handler streaming archive as an application/zip download.
func Zip(archive []byte) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/zip")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(archive)
	}
}

// ByParam dispatches on the value of a request parameter. Unknown values get
// fallback, or a 404 when fallback is nil.
func ByParam(name string, handlers map[string]http.HandlerFunc, fallback http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if h, ok := handlers[r.FormValue(name)]; ok {
			h(w, r)
			return
		}
		if fallback != nil {
			fallback(w, r)
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}
}

// BuildZip returns a zip archive holding entries, written in name order.
func BuildZip(t testing.TB, entries map[string]string) []byte {
	t.Helper()

	names := make([]string, 0, len(entries))
	for name := range entries {
		names = append(names, name)
	}
	sort.Strings(names)

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)

	for _, name := range names {
		w, err := zw.Create(name)
		require.NoError(t, err, "Failed to create zip entry")
		_, err = w.Write([]byte(entries[name]))
		require.NoError(t, err, "Failed to write zip entry")
	}

	require.NoError(t, zw.Close(), "Failed to close zip writer")

	return buf.Bytes()
}

// ZipEntries reads a zip file from disk and returns its entries by name.
func ZipEntries(t testing.TB, path string) map[string][]byte {
	t.Helper()

	zr, err := zip.OpenReader(path)
	require.NoError(t, err, "Failed to open archive")
	defer zr.Close()

	entries := make(map[string][]byte, len(zr.File))
	for _, f := range zr.File {
		rc, err := f.Open()
		require.NoError(t, err, "Failed to open entry %s", f.Name)

		var buf bytes.Buffer
		_, err = buf.ReadFrom(rc)
		rc.Close()
		require.NoError(t, err, "Failed to read entry %s", f.Name)

		_, dup := entries[f.Name]
		require.False(t, dup, "Duplicate archive entry %s", f.Name)
		entries[f.Name] = buf.Bytes()
	}

	return entries
}
