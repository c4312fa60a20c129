package postgres

import (
	"net/http"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/linnemanlabs/go-core/log"
)

// Snapshot returns the totals recorded so far.
func (s *ReqDBStats) Snapshot() (queries int, total time.Duration, errs int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.QueryCount, s.TotalDuration, s.ErrorCount
}

// Middleware labels each request's queries with its HTTP method and collects
// their totals. Requests that touched the database get the totals on their
// span and a debug log line.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := NewReqDBStatsContext(WithHTTPMethod(r.Context(), r.Method))
		next.ServeHTTP(w, r.WithContext(ctx))

		s, _ := ReqDBStatsFromContext(ctx)
		queries, total, errs := s.Snapshot()
		if queries == 0 {
			return
		}
		if span := trace.SpanFromContext(ctx); span.IsRecording() {
			span.SetAttributes(
				attribute.Int("db.query_count", queries),
				attribute.Float64("db.total_duration_ms", float64(total)/float64(time.Millisecond)),
				attribute.Int("db.error_count", errs),
			)
		}
		log.FromContext(ctx).Debug(ctx, "request db stats",
			"db.query_count", queries,
			"db.total_duration", total.Seconds(),
			"db.error_count", errs,
		)
	})
}
