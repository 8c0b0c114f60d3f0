package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"time"

	"github.com/hibiken/asynq"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/dunamismax/detectflow/internal/artifact"
	"github.com/dunamismax/detectflow/internal/config"
	"github.com/dunamismax/detectflow/internal/domain"
	"github.com/dunamismax/detectflow/internal/jobs"
	"github.com/dunamismax/detectflow/internal/pipeline"
	"github.com/dunamismax/detectflow/internal/queue"
	"github.com/dunamismax/detectflow/internal/webhook"
)

const visualizationName = "refined.png"

type webhookSender interface {
	Send(ctx context.Context, endpoint, event string, payload any) error
}

// Server consumes stage:run tasks and computes the derivable pipeline
// stages. The raw stage always comes from the external model through
// the API; the worker only ever derives nms from raw and refined from
// nms.
type Server struct {
	logger        *log.Logger
	server        *asynq.Server
	sem           chan struct{}
	records       jobs.Store
	artifacts     *artifact.Store
	webhookClient webhookSender
	metrics       *metrics
	tracer        trace.Tracer
	now           func() time.Time
}

func NewServer(
	logger *log.Logger,
	queueCfg config.QueueConfig,
	workerCfg config.WorkerConfig,
	records jobs.Store,
	artifacts *artifact.Store,
	webhookClient *webhook.Client,
) (*Server, error) {
	if records == nil {
		return nil, fmt.Errorf("job store is required")
	}
	if artifacts == nil {
		return nil, fmt.Errorf("artifact store is required")
	}

	s := &Server{
		logger: logger,
		server: asynq.NewServer(
			queueCfg.RedisClientOpt(),
			asynq.Config{
				Concurrency: workerCfg.Concurrency,
				Queues: map[string]int{
					queueCfg.Name: 1,
				},
				LogLevel: asynq.InfoLevel,
				ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
					retried, _ := asynq.GetRetryCount(ctx)
					maxRetry, _ := asynq.GetMaxRetry(ctx)
					logger.Printf("task failed type=%s retry=%d/%d err=%v", task.Type(), retried, maxRetry, err)
				}),
			},
		),
		sem:       make(chan struct{}, max(1, workerCfg.MaxActiveStages)),
		records:   records,
		artifacts: artifacts,
		metrics:   newMetrics(),
		tracer:    otel.Tracer("detectflow/worker"),
		now:       time.Now,
	}
	if webhookClient != nil {
		s.webhookClient = webhookClient
	}
	return s, nil
}

func (s *Server) Run() error {
	mux := asynq.NewServeMux()
	mux.HandleFunc(queue.TypeRunStage, s.handleRunStage)
	return s.server.Run(mux)
}

func (s *Server) MetricsHandler() http.Handler {
	return s.metrics.Handler()
}

func (s *Server) handleRunStage(ctx context.Context, task *asynq.Task) error {
	startedAt := s.now()
	outcome := "failed"

	payload, err := queue.ParseRunStagePayload(task)
	if err != nil {
		return fmt.Errorf("parse payload: %v: %w", err, asynq.SkipRetry)
	}
	if payload.Stage != domain.StageNMS && payload.Stage != domain.StageRefined {
		return fmt.Errorf("stage %q is not derivable: %w", payload.Stage, asynq.SkipRetry)
	}

	ctx, span := s.tracer.Start(ctx, "worker.run_stage", trace.WithSpanKind(trace.SpanKindConsumer))
	span.SetAttributes(
		attribute.String("job.id", payload.JobID),
		attribute.String("job.stage", payload.Stage),
	)
	defer span.End()
	defer func() {
		s.metrics.stageDuration.WithLabelValues(payload.Stage, outcome).Observe(time.Since(startedAt).Seconds())
		s.metrics.stagesTotal.WithLabelValues(payload.Stage, outcome).Inc()
	}()

	s.sem <- struct{}{}
	s.metrics.activeStages.Inc()
	defer func() {
		<-s.sem
		s.metrics.activeStages.Dec()
	}()

	s.logger.Printf("running stage job_id=%s stage=%s", payload.JobID, payload.Stage)

	if err := s.runStage(ctx, payload.JobID, payload.Stage); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "stage failed")
		if errors.Is(err, asynq.SkipRetry) {
			return err
		}
		return fmt.Errorf("run stage %s for job %s: %w", payload.Stage, payload.JobID, err)
	}

	outcome = "ok"
	span.SetStatus(codes.Ok, "stage computed")
	return nil
}

// runStage does the actual work for one derivable stage. Failures that
// retrying cannot fix mark the job failed and carry asynq.SkipRetry.
func (s *Server) runStage(ctx context.Context, jobID, stage string) error {
	record, ok, err := s.records.Get(ctx, jobID)
	if err != nil {
		return fmt.Errorf("load job record: %w", err)
	}
	if !ok {
		return fmt.Errorf("job %s not found: %w", jobID, asynq.SkipRetry)
	}

	if _, _, err := s.records.Update(ctx, jobID, domain.JobUpdate{
		Status:   domain.JobStatusProcessing,
		Progress: &domain.Progress{Stage: stage, Percent: 0},
	}); err != nil {
		// A duplicate or late task for a job that already finished can
		// never succeed; retrying it only burns queue capacity.
		if errors.Is(err, jobs.ErrTerminalStatus) {
			return fmt.Errorf("job %s is already %s: %w", jobID, record.Status, asynq.SkipRetry)
		}
		return fmt.Errorf("mark job processing: %w", err)
	}

	previous := domain.StageRaw
	if stage == domain.StageRefined {
		previous = domain.StageNMS
	}

	input, found, err := s.artifacts.GetResult(ctx, jobID, previous)
	if err != nil {
		return fmt.Errorf("load %s result: %w", previous, err)
	}
	if !found {
		return s.failJob(ctx, record, stage, fmt.Sprintf("stage %s requires a saved %s result", stage, previous))
	}

	var prior pipeline.StageResult
	if err := json.Unmarshal(input, &prior); err != nil {
		return s.failJob(ctx, record, stage, fmt.Sprintf("stored %s result is not decodable: %v", previous, err))
	}

	var detections []pipeline.Detection
	switch stage {
	case domain.StageNMS:
		detections = pipeline.SuppressOverlaps(prior.Detections, record.ConfigFloat("iou_threshold", 0.45))
	case domain.StageRefined:
		detections = pipeline.FilterByConfidence(prior.Detections, record.ConfigFloat("threshold", 0.25))
	}

	result := pipeline.NewStageResult(stage, detections, s.now().UTC())
	if _, err := s.artifacts.PutResult(ctx, jobID, stage, result); err != nil {
		return fmt.Errorf("save %s result: %w", stage, err)
	}

	update := domain.JobUpdate{
		Progress: &domain.Progress{Stage: stage, Percent: 100},
	}
	if stage == domain.StageRefined {
		s.renderVisualization(ctx, record, detections)
		update.Status = domain.JobStatusCompleted
	}
	if _, _, err := s.records.Update(ctx, jobID, update); err != nil {
		return fmt.Errorf("record stage completion: %w", err)
	}

	if stage == domain.StageRefined {
		s.metrics.jobsCompletedTotal.Inc()
		s.dispatchWebhook(ctx, record, "job.completed", map[string]any{
			"job_id":       jobID,
			"status":       domain.JobStatusCompleted,
			"stage":        stage,
			"detections":   len(detections),
			"completed_at": s.now().UTC(),
		})
	}

	s.logger.Printf("stage done job_id=%s stage=%s detections=%d", jobID, stage, len(detections))
	return nil
}

// renderVisualization draws the refined detections over the first
// uploaded input. Jobs without uploads simply skip the overlay.
func (s *Server) renderVisualization(ctx context.Context, record domain.JobRecord, detections []pipeline.Detection) {
	if len(record.Files) == 0 {
		return
	}

	path, ok, err := s.artifacts.UploadPath(ctx, record.ID, record.Files[0].FileID)
	if err != nil || !ok {
		s.logger.Printf("visualization source missing job_id=%s err=%v", record.ID, err)
		return
	}
	source, err := os.ReadFile(path)
	if err != nil {
		s.logger.Printf("visualization source read failed job_id=%s err=%v", record.ID, err)
		return
	}

	rendered, err := pipeline.RenderDetections(source, detections)
	if err != nil {
		s.logger.Printf("visualization render failed job_id=%s err=%v", record.ID, err)
		return
	}
	if _, err := s.artifacts.PutVisualization(ctx, record.ID, rendered, visualizationName); err != nil {
		s.logger.Printf("visualization save failed job_id=%s err=%v", record.ID, err)
	}
}

// failJob marks the job failed and tells the queue not to retry; the
// condition is one more attempts cannot fix.
func (s *Server) failJob(ctx context.Context, record domain.JobRecord, stage, message string) error {
	if _, _, err := s.records.Update(ctx, record.ID, domain.JobUpdate{
		Status: domain.JobStatusFailed,
		Error:  &message,
	}); err != nil {
		s.logger.Printf("job failure update failed job_id=%s err=%v", record.ID, err)
	} else {
		s.metrics.jobsFailedTotal.Inc()
	}

	s.dispatchWebhook(ctx, record, "job.failed", map[string]any{
		"job_id":    record.ID,
		"status":    domain.JobStatusFailed,
		"stage":     stage,
		"error":     message,
		"failed_at": s.now().UTC(),
	})

	return fmt.Errorf("%s: %w", message, asynq.SkipRetry)
}

func (s *Server) dispatchWebhook(ctx context.Context, record domain.JobRecord, event string, body map[string]any) {
	endpoint := record.ConfigString("notify_url", "")
	if endpoint == "" || s.webhookClient == nil {
		return
	}
	if err := s.webhookClient.Send(ctx, endpoint, event, body); err != nil {
		s.logger.Printf("webhook delivery failed job_id=%s event=%s err=%v", record.ID, event, err)
	}
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}
