package listener

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestAcceptKeyMatchesRFC6455Example(t *testing.T) {
	got := acceptKey("dGhlIHNhbXBsZSBub25jZQ==")
	want := "s3pPLMBiTxaQ9kYGzzhZRbK+xOo="
	if got != want {
		t.Errorf("acceptKey() = %q, want %q", got, want)
	}
}

func TestQualifiesForUpgrade(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/mydb/_blipsync", nil)
	req.Header.Set("Connection", "Upgrade")
	req.Header.Set("Upgrade", "websocket")
	req.Header.Set("Sec-WebSocket-Version", "13")
	req.Header.Set("Sec-WebSocket-Key", "dGhlIHNhbXBsZSBub25jZQ==")

	if !qualifiesForUpgrade(req) {
		t.Error("expected a qualifying request to pass")
	}
}

func TestQualifiesForUpgradeRejectsShortKey(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/mydb/_blipsync", nil)
	req.Header.Set("Connection", "Upgrade")
	req.Header.Set("Upgrade", "websocket")
	req.Header.Set("Sec-WebSocket-Version", "13")
	req.Header.Set("Sec-WebSocket-Key", "short")

	if qualifiesForUpgrade(req) {
		t.Error("expected a short Sec-WebSocket-Key to fail")
	}
}

func TestQualifiesForUpgradeRejectsLowVersion(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/mydb/_blipsync", nil)
	req.Header.Set("Connection", "Upgrade")
	req.Header.Set("Upgrade", "websocket")
	req.Header.Set("Sec-WebSocket-Version", "8")
	req.Header.Set("Sec-WebSocket-Key", "dGhlIHNhbXBsZSBub25jZQ==")

	if qualifiesForUpgrade(req) {
		t.Error("expected Sec-WebSocket-Version < 13 to fail")
	}
}

func TestQualifiesForUpgradeRejectsWrongMethod(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/mydb/_blipsync", nil)
	req.Header.Set("Connection", "Upgrade")
	req.Header.Set("Upgrade", "websocket")
	req.Header.Set("Sec-WebSocket-Version", "13")
	req.Header.Set("Sec-WebSocket-Key", "dGhlIHNhbXBsZSBub25jZQ==")

	if qualifiesForUpgrade(req) {
		t.Error("expected a non-GET request to fail")
	}
}
