package middleware

import (
	"net/http"

	"k8s.io/klog/v2"

	"github.com/appmux/appmux/internal/apperror"
)

// WithRecover isolates a panicking handler to its own request: per
// spec.md §7, an unexpected exception in one handler must not take down
// the public listener or any other in-flight request.
func WithRecover(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				klog.FromContext(r.Context()).Error(nil, "handler panicked", "recovered", rec, "path", r.URL.Path)
				apperror.WriteJSON(w, apperror.New(apperror.KindInternal, "internal_error", "internal server error"))
			}
		}()
		next.ServeHTTP(w, r)
	})
}
