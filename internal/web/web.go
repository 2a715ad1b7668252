// Package web serves the landing page and its static assets (C9). It is
// a thin, intentionally template-only collaborator: everything it
// renders comes from the Registry's read-only views.
package web

import (
	"embed"
	"html/template"
	"io/fs"
	"net/http"

	"github.com/appmux/appmux/internal/registry"
)

//go:embed assets/templates/landing.html.tmpl
var templateFS embed.FS

//go:embed assets/static
var staticFS embed.FS

// Site renders the landing page and serves static assets under
// /templates/.
type Site struct {
	reg  *registry.Registry
	tmpl *template.Template
}

// New parses the embedded landing page template once at construction.
func New(reg *registry.Registry) (*Site, error) {
	tmpl, err := template.ParseFS(templateFS, "assets/templates/landing.html.tmpl")
	if err != nil {
		return nil, err
	}
	return &Site{reg: reg, tmpl: tmpl}, nil
}

type landingData struct {
	Apps []registry.AppView
}

// Landing renders GET /.
func (s *Site) Landing(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := s.tmpl.Execute(w, landingData{Apps: s.reg.Views()}); err != nil {
		http.Error(w, "template error", http.StatusInternalServerError)
	}
}

// StaticHandler serves everything under /templates/static/.
func (s *Site) StaticHandler() http.Handler {
	sub, err := fs.Sub(staticFS, "assets/static")
	if err != nil {
		// assets/static is compiled in via go:embed; this can't fail at runtime.
		panic(err)
	}
	return http.StripPrefix("/templates/static/", http.FileServerFS(sub))
}
