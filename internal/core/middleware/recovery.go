package middleware

import (
	"net/http"
	"runtime/debug"

	"github.com/Nzyazin/ledger/internal/core/logger"
	"github.com/Nzyazin/ledger/pkg/api"
)

func Recovery(log logger.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					if rec == http.ErrAbortHandler {
						panic(rec)
					}
					log.Error("panic recovered",
						logger.StringField("path", r.URL.Path),
						logger.StringField("request_id", GetRequestID(r.Context())),
						logger.AnyField("error", rec),
						logger.StringField("stack", string(debug.Stack())),
					)
					api.WriteError(w, http.StatusInternalServerError, "internal", "internal server error", GetRequestID(r.Context()))
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}
