package retouch

import (
	"context"
	"fmt"
	"time"

	"retouchbot/internal/models"

	"go.uber.org/zap"
)

// DefaultPollInterval is the pause between two status requests
const DefaultPollInterval = time.Second

// API is the subset of the processor client the service drives
type API interface {
	Start(ctx context.Context, photo []byte, payload string) (string, error)
	Status(ctx context.Context, jobID string) (Status, error)
	File(ctx context.Context, jobID string) ([]byte, error)
}

// Ledger is where settings payloads come from and where credits are charged
type Ledger interface {
	GetSettingsProfile(ctx context.Context, id int64) (models.SettingsProfile, error)
	DecrementCredit(ctx context.Context, id int64, kind models.GenerationKind) error
	RecordGeneration(ctx context.Context, gen models.Generation) error
}

// Job describes a photo to submit
type Job struct {
	Photo     []byte
	UserID    int64
	ProfileID int64
	Kind      models.GenerationKind
}

// Service submits jobs, charges credits and follows job progress
type Service struct {
	api          API
	ledger       Ledger
	logger       *zap.Logger
	pollInterval time.Duration
	pollTimeout  time.Duration
}

// NewService creates a job service. A zero interval uses DefaultPollInterval;
// a zero timeout polls until the job finishes or ctx is cancelled.
func NewService(api API, ledger Ledger, logger *zap.Logger, pollInterval, pollTimeout time.Duration) *Service {
	if pollInterval <= 0 {
		pollInterval = DefaultPollInterval
	}
	return &Service{
		api:          api,
		ledger:       ledger,
		logger:       logger,
		pollInterval: pollInterval,
		pollTimeout:  pollTimeout,
	}
}

// Submit uploads the photo and charges one credit of job.Kind.
// Nothing is charged when the processor rejects the job.
func (s *Service) Submit(ctx context.Context, job Job) (string, error) {
	profile, err := s.ledger.GetSettingsProfile(ctx, job.ProfileID)
	if err != nil {
		return "", fmt.Errorf("failed to load settings profile %d: %w", job.ProfileID, err)
	}

	jobID, err := s.api.Start(ctx, job.Photo, profile.Payload)
	if err != nil {
		return "", err
	}

	s.logger.Info("Retouch job submitted",
		zap.String("job_id", jobID),
		zap.Int64("user_id", job.UserID),
		zap.String("kind", job.Kind.Value),
		zap.String("profile", profile.Name))

	// The job is already running; accounting failures are logged, not returned
	if err := s.ledger.DecrementCredit(ctx, job.UserID, job.Kind); err != nil {
		s.logger.Error("Failed to charge credit",
			zap.Error(err),
			zap.String("job_id", jobID),
			zap.Int64("user_id", job.UserID))
	}
	gen := models.Generation{UserID: job.UserID, Kind: job.Kind, JobID: jobID}
	if err := s.ledger.RecordGeneration(ctx, gen); err != nil {
		s.logger.Error("Failed to record generation",
			zap.Error(err),
			zap.String("job_id", jobID),
			zap.Int64("user_id", job.UserID))
	}

	return jobID, nil
}

// AwaitCompletion polls the job until it is done. onProgress is called each
// time the reported progress grows and always ends with 100. Status errors are
// returned as is without retrying.
func (s *Service) AwaitCompletion(ctx context.Context, jobID string, onProgress func(progress int)) (Status, error) {
	if s.pollTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.pollTimeout)
		defer cancel()
	}

	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	last := 0
	for {
		status, err := s.api.Status(ctx, jobID)
		if err != nil {
			return Status{}, err
		}

		progress := min(max(status.Progress, 0), 100)
		if status.Done() {
			progress = 100
		}
		if progress > last {
			last = progress
			if onProgress != nil {
				onProgress(progress)
			}
		}

		if status.Done() {
			s.logger.Debug("Retouch job completed",
				zap.String("job_id", jobID),
				zap.String("state", status.State))
			status.Progress = 100
			return status, nil
		}

		select {
		case <-ctx.Done():
			return Status{}, fmt.Errorf("stopped polling job %s: %w", jobID, ctx.Err())
		case <-ticker.C:
		}
	}
}

// Result downloads the finished image
func (s *Service) Result(ctx context.Context, jobID string) ([]byte, error) {
	return s.api.File(ctx, jobID)
}
