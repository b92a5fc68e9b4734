package main

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPrintStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/devices/bed-1/status", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"device_id":"bed-1","status":"idle","is_online":true,"source":"shadow"}`))
	}))
	defer srv.Close()

	var out bytes.Buffer
	err := printStatus(&out, &statusOptions{BaseURL: srv.URL, Timeout: time.Second}, "bed-1")
	require.NoError(t, err)
	assert.Contains(t, out.String(), `"status": "idle"`)
}

func TestPrintStatusHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	var out bytes.Buffer
	err := printStatus(&out, &statusOptions{BaseURL: srv.URL, Timeout: time.Second}, "bed-1")
	assert.Error(t, err)
}

func TestRootCommandHasSubcommands(t *testing.T) {
	cmd := newRootCommand()

	names := map[string]bool{}
	for _, c := range cmd.Commands() {
		names[c.Name()] = true
	}

	assert.True(t, names["simulate"])
	assert.True(t, names["status"])
}
