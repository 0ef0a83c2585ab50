package audit

import (
	"net/http"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/noah-isme/paybridge/internal/obs"
)

// HTTPRecorder writes one structured log line per administrative request,
// after it has been handled.
type HTTPRecorder struct {
	Logger zerolog.Logger
	// ActorFunc names whoever issued the request.
	ActorFunc func(*http.Request) string
}

// Middleware records the action name together with the route and outcome.
func (rec HTTPRecorder) Middleware(action string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			sr := obs.NewStatusRecorder(w)
			next.ServeHTTP(sr, req)

			route := obs.Route(req)
			actor := "anonymous"
			if rec.ActorFunc != nil {
				if a := rec.ActorFunc(req); a != "" {
					actor = a
				}
			}
			rec.Logger.Info().
				Str("audit_action", action).
				Str("actor", actor).
				Str("method", req.Method).
				Str("route", route).
				Int("status", sr.Status()).
				Str("request_id", middleware.GetReqID(req.Context())).
				Msg("admin_action")
		})
	}
}

// BasicAuthActor reports the basic-auth user of the request.
func BasicAuthActor(r *http.Request) string {
	user, _, ok := r.BasicAuth()
	if !ok {
		return ""
	}
	return user
}
