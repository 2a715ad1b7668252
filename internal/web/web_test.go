package web_test

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/appmux/appmux/internal/registry"
	"github.com/appmux/appmux/internal/web"
)

func TestLandingRendersAppTiles(t *testing.T) {
	reg := registry.New([]registry.AppSpec{{Name: "reports", Port: 9001}})
	site, err := web.New(reg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	site.Landing(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "reports") {
		t.Fatalf("landing page missing app name: %s", rec.Body.String())
	}
}

func TestStaticHandlerServesCSS(t *testing.T) {
	reg := registry.New(nil)
	site, err := web.New(reg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/templates/static/landing.css", nil)
	rec := httptest.NewRecorder()
	site.StaticHandler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "body") {
		t.Fatalf("unexpected static body: %s", rec.Body.String())
	}
}
