package api

import (
	"bytes"
	"context"
	"encoding/json"
	"image"
	"image/png"
	"io"
	"log"
	"math/rand"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/hibiken/asynq"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/dunamismax/detectflow/internal/artifact"
	"github.com/dunamismax/detectflow/internal/domain"
	"github.com/dunamismax/detectflow/internal/jobs"
	"github.com/dunamismax/detectflow/internal/queue"
	"github.com/dunamismax/detectflow/internal/ratelimit"
)

func newTestServer(t *testing.T) (*Server, jobs.Store) {
	t.Helper()
	records := jobs.NewMemoryStore()
	artifacts, err := artifact.NewStore(t.TempDir(), records, log.New(io.Discard, "", 0))
	if err != nil {
		t.Fatalf("new artifact store: %v", err)
	}
	return NewServer(log.New(io.Discard, "", 0), records, artifacts), records
}

func noisePNG(t *testing.T, w, h int) []byte {
	t.Helper()
	rng := rand.New(rand.NewSource(11))
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for i := range img.Pix {
		img.Pix[i] = byte(rng.Intn(256))
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encode png: %v", err)
	}
	return buf.Bytes()
}

func doRequest(t *testing.T, handler http.Handler, method, target string, body []byte) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req := httptest.NewRequest(method, target, reader)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode response %q: %v", rec.Body.String(), err)
	}
	return out
}

func createJob(t *testing.T, handler http.Handler, config map[string]any) domain.JobRecord {
	t.Helper()
	body, _ := json.Marshal(map[string]any{"config": config})
	rec := doRequest(t, handler, http.MethodPost, "/v1/jobs", body)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create job: status %d body %s", rec.Code, rec.Body.String())
	}
	return decodeBody[domain.JobRecord](t, rec)
}

func TestJobLifecycleOverHTTP(t *testing.T) {
	s, _ := newTestServer(t)
	handler := s.Handler()

	record := createJob(t, handler, map[string]any{"threshold": 0.5})
	if record.Status != domain.JobStatusQueued {
		t.Fatalf("expected queued, got %s", record.Status)
	}
	if len(record.ID) != 32 {
		t.Fatalf("expected canonical job id, got %q", record.ID)
	}

	rec := doRequest(t, handler, http.MethodGet, "/v1/jobs/"+record.ID, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("get job: status %d", rec.Code)
	}

	patch, _ := json.Marshal(map[string]any{"status": domain.JobStatusProcessing})
	rec = doRequest(t, handler, http.MethodPatch, "/v1/jobs/"+record.ID, patch)
	if rec.Code != http.StatusOK {
		t.Fatalf("patch processing: status %d body %s", rec.Code, rec.Body.String())
	}
	updated := decodeBody[domain.JobRecord](t, rec)
	if updated.Status != domain.JobStatusProcessing {
		t.Fatalf("expected processing, got %s", updated.Status)
	}

	patch, _ = json.Marshal(map[string]any{"status": domain.JobStatusCompleted})
	rec = doRequest(t, handler, http.MethodPatch, "/v1/jobs/"+record.ID, patch)
	if rec.Code != http.StatusOK {
		t.Fatalf("patch completed: status %d body %s", rec.Code, rec.Body.String())
	}

	patch, _ = json.Marshal(map[string]any{"status": domain.JobStatusQueued})
	rec = doRequest(t, handler, http.MethodPatch, "/v1/jobs/"+record.ID, patch)
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409 for terminal status change, got %d", rec.Code)
	}

	rec = doRequest(t, handler, http.MethodGet, "/v1/jobs?limit=10", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("list jobs: status %d", rec.Code)
	}
	list := decodeBody[struct {
		Count int `json:"count"`
	}](t, rec)
	if list.Count != 1 {
		t.Fatalf("expected 1 job listed, got %d", list.Count)
	}
}

func TestUploadValidationOverHTTP(t *testing.T) {
	s, records := newTestServer(t)
	handler := s.Handler()
	record := createJob(t, handler, nil)

	good := noisePNG(t, 100, 100)
	rec := doRequest(t, handler, http.MethodPost, "/v1/jobs/"+record.ID+"/files?filename=a.png", good)
	if rec.Code != http.StatusCreated {
		t.Fatalf("good upload: status %d body %s", rec.Code, rec.Body.String())
	}
	meta := decodeBody[domain.FileMetadata](t, rec)
	if meta.Descriptor.Width != 100 || meta.Descriptor.Format != "png" {
		t.Fatalf("unexpected descriptor: %+v", meta.Descriptor)
	}

	tiny := make([]byte, 500)
	rec = doRequest(t, handler, http.MethodPost, "/v1/jobs/"+record.ID+"/files?filename=b.png", tiny)
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("tiny upload: expected 422, got %d body %s", rec.Code, rec.Body.String())
	}
	rejection := decodeBody[struct {
		Code string `json:"code"`
	}](t, rec)
	if rejection.Code != "FILE_TOO_SMALL" {
		t.Fatalf("expected FILE_TOO_SMALL, got %q", rejection.Code)
	}

	got, _, _ := records.Get(context.Background(), record.ID)
	if len(got.Files) != 1 {
		t.Fatalf("rejected upload must not touch the record, files=%d", len(got.Files))
	}

	rec = doRequest(t, handler, http.MethodPost, "/v1/jobs/"+record.ID+"/files", good)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("missing filename: expected 400, got %d", rec.Code)
	}

	rec = doRequest(t, handler, http.MethodGet, "/v1/jobs/"+record.ID+"/files", nil)
	files := decodeBody[struct {
		Count int `json:"count"`
	}](t, rec)
	if files.Count != 1 {
		t.Fatalf("expected 1 file listed, got %d", files.Count)
	}

	rec = doRequest(t, handler, http.MethodGet, "/v1/jobs/"+record.ID+"/files/"+meta.FileID, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("download: status %d", rec.Code)
	}
	if !bytes.Equal(rec.Body.Bytes(), good) {
		t.Fatal("downloaded bytes differ from upload")
	}
}

func TestIdentifierAndStageErrors(t *testing.T) {
	s, _ := newTestServer(t)
	handler := s.Handler()
	record := createJob(t, handler, nil)

	rec := doRequest(t, handler, http.MethodGet, "/v1/jobs/not-a-real-id", nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("malformed id: expected 400, got %d", rec.Code)
	}

	rec = doRequest(t, handler, http.MethodGet, "/v1/jobs/0123456789abcdef0123456789abcdef", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("unknown job: expected 404, got %d", rec.Code)
	}

	rec = doRequest(t, handler, http.MethodPut, "/v1/jobs/"+record.ID+"/results/Bad", []byte(`{"x":1}`))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("uppercase stage: expected 400, got %d body %s", rec.Code, rec.Body.String())
	}
}

func TestStageResultsOverHTTP(t *testing.T) {
	s, _ := newTestServer(t)
	handler := s.Handler()
	record := createJob(t, handler, nil)

	rec := doRequest(t, handler, http.MethodGet, "/v1/jobs/"+record.ID+"/results/raw", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("absent result: expected 404, got %d", rec.Code)
	}

	payload := []byte(`{"stage":"raw","count":2,"detections":[]}`)
	rec = doRequest(t, handler, http.MethodPut, "/v1/jobs/"+record.ID+"/results/raw", payload)
	if rec.Code != http.StatusOK {
		t.Fatalf("put result: status %d body %s", rec.Code, rec.Body.String())
	}

	rec = doRequest(t, handler, http.MethodGet, "/v1/jobs/"+record.ID+"/results/raw", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("get result: status %d", rec.Code)
	}
	got := decodeBody[struct {
		Stage string `json:"stage"`
		Count int    `json:"count"`
	}](t, rec)
	if got.Stage != "raw" || got.Count != 2 {
		t.Fatalf("unexpected stored result: %+v", got)
	}
}

type fakeEnqueuer struct {
	payloads []queue.RunStagePayload
	err      error
}

func (f *fakeEnqueuer) EnqueueRunStage(_ context.Context, payload queue.RunStagePayload) (*asynq.TaskInfo, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.payloads = append(f.payloads, payload)
	return &asynq.TaskInfo{ID: "task-1", State: asynq.TaskStatePending}, nil
}

func TestRunStageEndpoint(t *testing.T) {
	s, _ := newTestServer(t)
	enqueuer := &fakeEnqueuer{}
	s.WithQueue(enqueuer)
	handler := s.Handler()
	record := createJob(t, handler, nil)

	rec := doRequest(t, handler, http.MethodPost, "/v1/jobs/"+record.ID+"/stages/nms/run", nil)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("run nms: expected 202, got %d body %s", rec.Code, rec.Body.String())
	}
	if len(enqueuer.payloads) != 1 || enqueuer.payloads[0].Stage != domain.StageNMS {
		t.Fatalf("unexpected enqueued payloads: %+v", enqueuer.payloads)
	}

	rec = doRequest(t, handler, http.MethodPost, "/v1/jobs/"+record.ID+"/stages/raw/run", nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("raw is not derivable: expected 400, got %d", rec.Code)
	}

	rec = doRequest(t, handler, http.MethodPost, "/v1/jobs/"+record.ID+"/stages/bogus/run", nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("unknown stage: expected 400, got %d", rec.Code)
	}
	if len(enqueuer.payloads) != 1 {
		t.Fatalf("rejected stages must not reach the queue, got %d payloads", len(enqueuer.payloads))
	}
}

func TestRunStageWithoutQueue(t *testing.T) {
	s, _ := newTestServer(t)
	handler := s.Handler()
	record := createJob(t, handler, nil)

	rec := doRequest(t, handler, http.MethodPost, "/v1/jobs/"+record.ID+"/stages/nms/run", nil)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 without queue, got %d", rec.Code)
	}
}

type fakeLimiter struct {
	allowed bool
}

func (f *fakeLimiter) Allow(_ context.Context, _ string) (ratelimit.Decision, error) {
	return ratelimit.Decision{
		Allowed:    f.allowed,
		Remaining:  0,
		RetryAfter: 30 * time.Second,
	}, nil
}

func TestRateLimitMiddleware(t *testing.T) {
	s, _ := newTestServer(t)
	s.WithRateLimiter(&fakeLimiter{allowed: false}, "X-User-ID")
	handler := s.Handler()

	rec := doRequest(t, handler, http.MethodPost, "/v1/jobs", []byte(`{}`))
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rec.Code)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Fatal("expected Retry-After header")
	}

	// Reads stay unthrottled.
	rec = doRequest(t, handler, http.MethodGet, "/v1/jobs", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("GET should bypass the limiter, got %d", rec.Code)
	}
}

func TestVisualizationRoundTrip(t *testing.T) {
	s, _ := newTestServer(t)
	handler := s.Handler()
	record := createJob(t, handler, nil)

	content := noisePNG(t, 64, 64)
	rec := doRequest(t, handler, http.MethodPut, "/v1/jobs/"+record.ID+"/visualizations/refined.png", content)
	if rec.Code != http.StatusCreated {
		t.Fatalf("put visualization: status %d body %s", rec.Code, rec.Body.String())
	}

	rec = doRequest(t, handler, http.MethodGet, "/v1/jobs/"+record.ID+"/visualizations/refined.png", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("get visualization: status %d", rec.Code)
	}
	if !bytes.Equal(rec.Body.Bytes(), content) {
		t.Fatal("visualization bytes differ")
	}

	rec = doRequest(t, handler, http.MethodGet, "/v1/jobs/"+record.ID+"/visualizations/missing.png", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("missing visualization: expected 404, got %d", rec.Code)
	}
}

func TestRouteLabel(t *testing.T) {
	cases := map[string]string{
		"/healthz":                        "/healthz",
		"/v1/jobs":                        "/v1/jobs",
		"/v1/jobs/abc":                    "/v1/jobs/{id}",
		"/v1/jobs/abc/files":              "/v1/jobs/{id}/files",
		"/v1/jobs/abc/files/def":          "/v1/jobs/{id}/files/{file_id}",
		"/v1/jobs/abc/results/raw":        "/v1/jobs/{id}/results/{stage}",
		"/v1/jobs/abc/stages/nms/run":     "/v1/jobs/{id}/stages/{stage}/run",
		"/v1/jobs/abc/visualizations/v.p": "/v1/jobs/{id}/visualizations/{name}",
	}
	for path, want := range cases {
		if got := routeLabel(path); got != want {
			t.Errorf("routeLabel(%q) = %q, want %q", path, got, want)
		}
	}
}

func TestTracingMiddlewareRecordsJobSpans(t *testing.T) {
	s, _ := newTestServer(t)
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	s.WithTracer(tp.Tracer("test"))
	handler := s.Handler()

	record := createJob(t, handler, nil)
	rec := doRequest(t, handler, http.MethodGet, "/v1/jobs/"+record.ID, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("get job: status %d", rec.Code)
	}

	var span sdktrace.ReadOnlySpan
	for _, ended := range recorder.Ended() {
		if ended.Name() == "GET /v1/jobs/{id}" {
			span = ended
			break
		}
	}
	if span == nil {
		t.Fatal("expected a span named after the route pattern")
	}

	attrs := make(map[string]string)
	for _, attr := range span.Attributes() {
		attrs[string(attr.Key)] = attr.Value.Emit()
	}
	if attrs["job.id"] != record.ID {
		t.Fatalf("expected job.id attribute %s, got %q", record.ID, attrs["job.id"])
	}
	if attrs["http.route"] != "/v1/jobs/{id}" {
		t.Fatalf("expected route attribute, got %q", attrs["http.route"])
	}
	if attrs["http.status_code"] != "200" {
		t.Fatalf("expected status attribute 200, got %q", attrs["http.status_code"])
	}
}

func TestPathIdentifiers(t *testing.T) {
	jobID := "0123456789abcdef0123456789abcdef"

	gotJob, gotStage, ok := pathIdentifiers("/v1/jobs/" + jobID + "/stages/nms/run")
	if !ok || gotJob != jobID || gotStage != "nms" {
		t.Fatalf("stage route: got (%q, %q, %v)", gotJob, gotStage, ok)
	}

	gotJob, gotStage, ok = pathIdentifiers("/v1/jobs/" + jobID)
	if !ok || gotJob != jobID || gotStage != "" {
		t.Fatalf("job route: got (%q, %q, %v)", gotJob, gotStage, ok)
	}

	if _, _, ok := pathIdentifiers("/v1/jobs/not-an-id"); ok {
		t.Fatal("malformed job id must not be recorded")
	}
	if _, _, ok := pathIdentifiers("/healthz"); ok {
		t.Fatal("non-job route must not yield identifiers")
	}
}

func TestHealthz(t *testing.T) {
	s, _ := newTestServer(t)
	rec := doRequest(t, s.Handler(), http.MethodGet, "/healthz", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("healthz: status %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "ok") {
		t.Fatalf("unexpected healthz body: %s", rec.Body.String())
	}
}
