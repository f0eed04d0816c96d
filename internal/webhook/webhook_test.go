package webhook

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestNotifier_Disabled(t *testing.T) {
	n := NewNotifier("", testLogger())
	assert.False(t, n.Enabled())
	// Must not panic or block.
	n.Notify(EventDeviceRegistered, map[string]string{"license": "LIC-X"})
}

func TestNotifier_DeliversEmbed(t *testing.T) {
	received := make(chan payload, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		var p payload
		require.NoError(t, json.NewDecoder(r.Body).Decode(&p))
		received <- p
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	n := NewNotifier(srv.URL, testLogger())
	require.True(t, n.Enabled())

	n.Notify(EventHwidConflict, map[string]string{
		"attemptedLicense": "LIC-X",
		"hwid":             "",
	})

	select {
	case p := <-received:
		require.Len(t, p.Embeds, 1)
		e := p.Embeds[0]
		assert.Equal(t, "HWID CONFLICT", e.Title)
		assert.Equal(t, eventColors[EventHwidConflict], e.Color)
		require.Len(t, e.Fields, 2)
		// Fields are sorted by name; empties become N/A.
		assert.Equal(t, "AttemptedLicense", e.Fields[0].Name)
		assert.Equal(t, "LIC-X", e.Fields[0].Value)
		assert.Equal(t, "Hwid", e.Fields[1].Name)
		assert.Equal(t, "N/A", e.Fields[1].Value)
	case <-time.After(2 * time.Second):
		t.Fatal("webhook was not delivered")
	}
}

func TestNotifier_UnknownEventUsesDefaultColor(t *testing.T) {
	received := make(chan payload, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var p payload
		_ = json.NewDecoder(r.Body).Decode(&p)
		received <- p
	}))
	defer srv.Close()

	n := NewNotifier(srv.URL, testLogger())
	n.Notify(EventHwidMismatch, nil)

	select {
	case p := <-received:
		require.Len(t, p.Embeds, 1)
		assert.Equal(t, defaultColor, p.Embeds[0].Color)
	case <-time.After(2 * time.Second):
		t.Fatal("webhook was not delivered")
	}
}
