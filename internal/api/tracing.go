package api

import (
	"net/http"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/dunamismax/detectflow/internal/id"
)

// withTracing opens one server span per request, named after the route
// pattern so spans aggregate across jobs. Job and stage identifiers
// from the path are attached as attributes.
func (s *Server) withTracing(next http.Handler) http.Handler {
	if s.tracer == nil {
		return next
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		route := routeLabel(r.URL.Path)
		ctx, span := s.tracer.Start(r.Context(), r.Method+" "+route, trace.WithSpanKind(trace.SpanKindServer))
		defer span.End()

		attrs := []attribute.KeyValue{
			attribute.String("http.method", r.Method),
			attribute.String("http.route", route),
		}
		if jobID, stage, ok := pathIdentifiers(r.URL.Path); ok {
			attrs = append(attrs, attribute.String("job.id", jobID))
			if stage != "" {
				attrs = append(attrs, attribute.String("job.stage", stage))
			}
		}
		span.SetAttributes(attrs...)

		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(recorder, r.WithContext(ctx))

		span.SetAttributes(attribute.Int("http.status_code", recorder.status))
		if recorder.status >= http.StatusInternalServerError {
			span.SetStatus(codes.Error, http.StatusText(recorder.status))
		}
	})
}

// pathIdentifiers extracts the job id, and the stage when the route
// carries one, from a /v1/jobs path. Malformed ids are left off the
// span rather than recorded.
func pathIdentifiers(path string) (jobID, stage string, ok bool) {
	parts := strings.Split(strings.Trim(path, "/"), "/")
	if len(parts) < 3 || parts[0] != "v1" || parts[1] != "jobs" || !id.Valid(parts[2]) {
		return "", "", false
	}
	jobID = parts[2]
	if len(parts) >= 5 && (parts[3] == "results" || parts[3] == "stages") {
		stage = parts[4]
	}
	return jobID, stage, true
}
