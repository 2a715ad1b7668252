package middleware

import (
	"net/http"

	"github.com/appmux/appmux/internal/apperror"
	"github.com/appmux/appmux/internal/validate"
)

// WithPathGuard rejects an invalid request path before it ever reaches
// *http.ServeMux. ServeMux cleans dot-segments out of the path itself and,
// when cleaning changes it, responds with a 301 redirect to the cleaned
// path instead of invoking the registered handler — so a traversal check
// placed inside a route handler never runs for the "../" case the mux
// already intercepted. Running the check here, in front of the mux, is the
// only place it can still produce the invalid-path error spec.md §4.5
// requires instead of a redirect.
func WithPathGuard(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, err := validate.Path(r.URL.Path); err != nil {
			apperror.WriteJSON(w, apperror.New(apperror.KindValidation, "invalid_path", "Invalid path"))
			return
		}
		next.ServeHTTP(w, r)
	})
}
