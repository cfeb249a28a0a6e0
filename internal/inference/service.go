package inference

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/radshift/inference-api/internal/archive"
	"github.com/radshift/inference-api/internal/estimator"
	"github.com/radshift/inference-api/internal/model"
)

// DeletedImageNotification replaces the uploaded archive once a run reaches a
// terminal state. The object itself is deleted later by the datastore's
// retention policy, not by this service.
const DeletedImageNotification = "image data deleted"

// InputArchiveName is the blob name of the uploaded bundle within a run's
// transient folder.
const InputArchiveName = "imagedata.zip"

// Config controls Service behavior.
type Config struct {
	ImageFolder string
	ContentType string
	Cluster     string
	Channels    []string
	Topic       string
}

// Service implements run submission, status polling, result retrieval, and
// post-completion cleanup against the remote compute service.
type Service struct {
	compute   ComputeService
	blobs     BlobStore
	publisher Publisher
	ids       IDGenerator
	clock     Clock
	retry     RetryPolicy
	durations *estimator.Table
	cfg       Config
	logger    *zap.Logger
}

// NewService constructs a Service.
func NewService(
	compute ComputeService,
	blobs BlobStore,
	publisher Publisher,
	ids IDGenerator,
	clock Clock,
	retry RetryPolicy,
	durations *estimator.Table,
	cfg Config,
	logger *zap.Logger,
) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.ContentType == "" {
		cfg.ContentType = "application/zip"
	}
	if durations == nil {
		durations = estimator.New(nil)
	}
	return &Service{
		compute:   compute,
		blobs:     blobs,
		publisher: publisher,
		ids:       ids,
		clock:     clock,
		retry:     retry,
		durations: durations,
		cfg:       cfg,
		logger:    logger,
	}
}

// InputPath derives the transient storage path for a run's uploaded archive.
func (s *Service) InputPath(runID string) string {
	folder := strings.Trim(s.cfg.ImageFolder, "/")
	if folder == "" {
		return fmt.Sprintf("%s/%s", runID, InputArchiveName)
	}
	return fmt.Sprintf("%s/%s/%s", folder, runID, InputArchiveName)
}

// Submit validates the archive, uploads it to transient storage, dispatches a
// remote run, and returns the newly allocated run id. The dispatch is never
// retried; a retried dispatch could create a duplicate remote run from one
// client request. Callers retry by submitting again, producing a fresh run id.
func (s *Service) Submit(ctx context.Context, ref model.Reference, payload []byte) (string, error) {
	if err := archive.Validate(payload, s.cfg.Channels); err != nil {
		return "", err
	}

	runID, err := s.ids.NewID()
	if err != nil {
		return "", fmt.Errorf("allocate run id: %w", err)
	}
	inputPath := s.InputPath(runID)

	uri, err := s.blobs.PutObject(ctx, inputPath, s.cfg.ContentType, bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("upload input archive: %w", err)
	}
	s.logger.Info("input archive uploaded",
		zap.String("run_id", runID),
		zap.String("path", inputPath),
		zap.Int("bytes", len(payload)),
	)

	req := RunRequest{
		RunID:    runID,
		Model:    ref,
		InputURI: uri,
		Cluster:  s.cfg.Cluster,
	}
	if err := s.compute.SubmitRun(ctx, req); err != nil {
		return "", fmt.Errorf("dispatch run %s: %w", runID, err)
	}
	s.logger.Info("run dispatched",
		zap.String("run_id", runID),
		zap.String("model", ref.String()),
	)

	s.publish(ctx, RunEvent{RunID: runID, Model: ref.String(), Phase: "submitted", At: s.clock.Now()})
	return runID, nil
}

// Status re-derives the caller-visible status of a run from the remote record.
// There is no local cache; staleness would misreport completion to polling
// clients. Unknown run ids yield StatusNotFound, not an error.
func (s *Service) Status(ctx context.Context, runID string) (Status, error) {
	info, err := s.pollInfo(ctx, runID)
	if err != nil {
		if isNotFound(err) {
			return StatusNotFound, nil
		}
		return "", err
	}
	status := CallerStatus(info.State)
	if status == StatusInProgress {
		s.logRemaining(runID, info)
	}
	return status, nil
}

// Result re-derives the run status and, when complete, opens the result
// archive stream. On any terminal state the transient input is overwritten.
// The returned reader is nil unless the status is StatusComplete; the caller
// owns closing it.
func (s *Service) Result(ctx context.Context, runID string) (Status, io.ReadCloser, error) {
	info, err := s.pollInfo(ctx, runID)
	if err != nil {
		if isNotFound(err) {
			return StatusNotFound, nil, nil
		}
		return "", nil, err
	}

	status := CallerStatus(info.State)
	switch status {
	case StatusInProgress:
		s.logRemaining(runID, info)
		return StatusInProgress, nil, nil
	case StatusFailed:
		s.cleanup(ctx, runID)
		s.publish(ctx, RunEvent{RunID: runID, Model: info.Model, Phase: "failed", At: s.clock.Now()})
		return StatusFailed, nil, nil
	}

	rc, err := s.openResult(ctx, runID)
	if err != nil {
		return "", nil, fmt.Errorf("fetch result for run %s: %w", runID, err)
	}
	s.cleanup(ctx, runID)
	s.publish(ctx, RunEvent{RunID: runID, Model: info.Model, Phase: "completed", At: s.clock.Now()})
	return StatusComplete, rc, nil
}

// cleanup overwrites the transient input archive with a fixed placeholder.
// Idempotent; repeated overwrites leave the same content. Only called after a
// terminal state has been observed.
func (s *Service) cleanup(ctx context.Context, runID string) {
	path := s.InputPath(runID)
	if _, err := s.blobs.PutObject(ctx, path, "text/plain", strings.NewReader(DeletedImageNotification)); err != nil {
		// The retention policy will still erase the object eventually.
		s.logger.Warn("overwrite of transient input failed",
			zap.String("run_id", runID),
			zap.String("path", path),
			zap.Error(err),
		)
		return
	}
	s.logger.Info("transient input overwritten", zap.String("run_id", runID), zap.String("path", path))
}

// logRemaining reports how much longer an in-progress run is expected to
// take, based on the configured per-model averages. Purely informational; the
// wire contract for an in-progress run stays an empty 202.
func (s *Service) logRemaining(runID string, info RunInfo) {
	if left, ok := s.durations.Remaining(info.Model, info.SubmittedAt, s.clock.Now()); ok {
		s.logger.Debug("run still in progress",
			zap.String("run_id", runID),
			zap.String("model", info.Model),
			zap.Duration("estimated_remaining", left),
		)
	}
}

func (s *Service) pollInfo(ctx context.Context, runID string) (RunInfo, error) {
	attempt := 0
	for {
		info, err := s.compute.RunInfo(ctx, runID)
		if err == nil {
			return info, nil
		}
		if !s.retry.ShouldRetry(err, attempt) {
			return RunInfo{}, fmt.Errorf("query run %s: %w", runID, err)
		}
		s.logger.Warn("run state query failed, retrying",
			zap.String("run_id", runID),
			zap.Int("attempt", attempt),
			zap.Error(err),
		)
		if err := s.wait(ctx, s.retry.Backoff(attempt)); err != nil {
			return RunInfo{}, err
		}
		attempt++
	}
}

func (s *Service) openResult(ctx context.Context, runID string) (io.ReadCloser, error) {
	attempt := 0
	for {
		rc, err := s.compute.OpenResult(ctx, runID)
		if err == nil {
			return rc, nil
		}
		if !s.retry.ShouldRetry(err, attempt) {
			return nil, err
		}
		if err := s.wait(ctx, s.retry.Backoff(attempt)); err != nil {
			return nil, err
		}
		attempt++
	}
}

func (s *Service) wait(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (s *Service) publish(ctx context.Context, event RunEvent) {
	if s.publisher == nil {
		return
	}
	if _, err := s.publisher.Publish(ctx, s.cfg.Topic, event); err != nil {
		s.logger.Warn("publish run event failed",
			zap.String("run_id", event.RunID),
			zap.String("phase", event.Phase),
			zap.Error(err),
		)
	}
}

func isNotFound(err error) bool {
	return errors.Is(err, ErrRunNotFound)
}
