package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"image"
	"image/png"
	"io"
	"log"
	"math/rand"
	"path/filepath"
	"testing"
	"time"

	"github.com/hibiken/asynq"
	"go.opentelemetry.io/otel"

	"github.com/dunamismax/detectflow/internal/artifact"
	"github.com/dunamismax/detectflow/internal/domain"
	"github.com/dunamismax/detectflow/internal/jobs"
	"github.com/dunamismax/detectflow/internal/pipeline"
)

type captureSender struct {
	events []string
}

func (c *captureSender) Send(_ context.Context, _, event string, _ any) error {
	c.events = append(c.events, event)
	return nil
}

func newTestWorker(t *testing.T) (*Server, jobs.Store, *artifact.Store) {
	t.Helper()
	root := t.TempDir()
	records, err := jobs.NewFileStore(filepath.Join(root, "records"))
	if err != nil {
		t.Fatalf("new record store: %v", err)
	}
	artifacts, err := artifact.NewStore(filepath.Join(root, "artifacts"), records, log.New(io.Discard, "", 0))
	if err != nil {
		t.Fatalf("new artifact store: %v", err)
	}

	s := &Server{
		logger:    log.New(io.Discard, "", 0),
		sem:       make(chan struct{}, 1),
		records:   records,
		artifacts: artifacts,
		metrics:   newMetrics(),
		tracer:    otel.Tracer("detectflow/worker-test"),
		now:       time.Now,
	}
	return s, records, artifacts
}

func testPNG(t *testing.T, w, h int) []byte {
	t.Helper()
	rng := rand.New(rand.NewSource(3))
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for i := range img.Pix {
		img.Pix[i] = byte(rng.Intn(256))
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encode test png: %v", err)
	}
	return buf.Bytes()
}

func seedRawResult(t *testing.T, artifacts *artifact.Store, jobID string, detections []pipeline.Detection) {
	t.Helper()
	result := pipeline.NewStageResult(domain.StageRaw, detections, time.Now().UTC())
	if _, err := artifacts.PutResult(context.Background(), jobID, domain.StageRaw, result); err != nil {
		t.Fatalf("seed raw result: %v", err)
	}
}

func TestRunStageNMSAndRefined(t *testing.T) {
	s, records, artifacts := newTestWorker(t)
	sender := &captureSender{}
	s.webhookClient = sender
	ctx := context.Background()

	record, err := records.Create(ctx, map[string]any{
		"threshold":     0.5,
		"iou_threshold": 0.45,
		"notify_url":    "http://example.test/hook",
	})
	if err != nil {
		t.Fatalf("create job: %v", err)
	}
	if _, err := artifacts.PutUpload(ctx, record.ID, "scene.png", testPNG(t, 128, 128)); err != nil {
		t.Fatalf("seed upload: %v", err)
	}

	seedRawResult(t, artifacts, record.ID, []pipeline.Detection{
		{Label: "car", Confidence: 0.9, Box: pipeline.Box{X1: 0, Y1: 0, X2: 50, Y2: 50}},
		{Label: "car", Confidence: 0.8, Box: pipeline.Box{X1: 2, Y1: 2, X2: 52, Y2: 52}},
		{Label: "car", Confidence: 0.3, Box: pipeline.Box{X1: 80, Y1: 80, X2: 110, Y2: 110}},
	})

	if err := s.runStage(ctx, record.ID, domain.StageNMS); err != nil {
		t.Fatalf("run nms stage: %v", err)
	}

	data, ok, _ := artifacts.GetResult(ctx, record.ID, domain.StageNMS)
	if !ok {
		t.Fatal("expected nms result saved")
	}
	var nms pipeline.StageResult
	if err := json.Unmarshal(data, &nms); err != nil {
		t.Fatalf("decode nms result: %v", err)
	}
	if nms.Count != 2 {
		t.Fatalf("expected 2 detections after suppression, got %d", nms.Count)
	}

	got, _, _ := records.Get(ctx, record.ID)
	if got.Status != domain.JobStatusProcessing {
		t.Fatalf("expected processing after nms, got %s", got.Status)
	}
	if got.Progress == nil || got.Progress.Stage != domain.StageNMS || got.Progress.Percent != 100 {
		t.Fatalf("expected nms progress at 100, got %+v", got.Progress)
	}

	if err := s.runStage(ctx, record.ID, domain.StageRefined); err != nil {
		t.Fatalf("run refined stage: %v", err)
	}

	data, ok, _ = artifacts.GetResult(ctx, record.ID, domain.StageRefined)
	if !ok {
		t.Fatal("expected refined result saved")
	}
	var refined pipeline.StageResult
	if err := json.Unmarshal(data, &refined); err != nil {
		t.Fatalf("decode refined result: %v", err)
	}
	if refined.Count != 1 {
		t.Fatalf("expected 1 detection above threshold, got %d", refined.Count)
	}

	got, _, _ = records.Get(ctx, record.ID)
	if got.Status != domain.JobStatusCompleted {
		t.Fatalf("expected completed after refined, got %s", got.Status)
	}

	if _, ok, _ := artifacts.VisualizationPath(ctx, record.ID, visualizationName); !ok {
		t.Fatal("expected refined visualization saved")
	}

	if len(sender.events) != 1 || sender.events[0] != "job.completed" {
		t.Fatalf("expected single job.completed webhook, got %v", sender.events)
	}
}

func TestRunStageFailsWithoutPriorResult(t *testing.T) {
	s, records, _ := newTestWorker(t)
	sender := &captureSender{}
	s.webhookClient = sender
	ctx := context.Background()

	record, _ := records.Create(ctx, map[string]any{"notify_url": "http://example.test/hook"})

	err := s.runStage(ctx, record.ID, domain.StageNMS)
	if err == nil {
		t.Fatal("expected failure without raw result")
	}
	if !errors.Is(err, asynq.SkipRetry) {
		t.Fatalf("expected SkipRetry, got %v", err)
	}

	got, _, _ := records.Get(ctx, record.ID)
	if got.Status != domain.JobStatusFailed {
		t.Fatalf("expected failed job, got %s", got.Status)
	}
	if got.Error == "" {
		t.Fatal("expected failure description on record")
	}

	if len(sender.events) != 1 || sender.events[0] != "job.failed" {
		t.Fatalf("expected job.failed webhook, got %v", sender.events)
	}
}

func TestRunStageOnCompletedJobSkipsRetry(t *testing.T) {
	s, records, _ := newTestWorker(t)
	ctx := context.Background()

	record, _ := records.Create(ctx, nil)
	for _, status := range []string{domain.JobStatusProcessing, domain.JobStatusCompleted} {
		if _, _, err := records.Update(ctx, record.ID, domain.JobUpdate{Status: status}); err != nil {
			t.Fatalf("transition to %s: %v", status, err)
		}
	}

	err := s.runStage(ctx, record.ID, domain.StageNMS)
	if !errors.Is(err, asynq.SkipRetry) {
		t.Fatalf("expected SkipRetry for completed job, got %v", err)
	}

	got, _, _ := records.Get(ctx, record.ID)
	if got.Status != domain.JobStatusCompleted {
		t.Fatalf("completed job must stay completed, got %s", got.Status)
	}
}

func TestRunStageUnknownJobSkipsRetry(t *testing.T) {
	s, _, _ := newTestWorker(t)

	err := s.runStage(context.Background(), "0123456789abcdef0123456789abcdef", domain.StageNMS)
	if !errors.Is(err, asynq.SkipRetry) {
		t.Fatalf("expected SkipRetry for unknown job, got %v", err)
	}
}
