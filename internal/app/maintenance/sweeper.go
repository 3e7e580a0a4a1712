package maintenance

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/quillio/keyvault/internal/services"
	"github.com/quillio/keyvault/pkg/logger"
)

const (
	defaultAuditRetentionDays = 90

	// Shortly after UTC midnight, when the daily token windows roll over.
	defaultUsageResetSpec = "5 0 * * *"
	defaultAuditSpec      = "30 3 * * *"
)

// Sweeper coordinates the scheduled background jobs: resetting daily token
// windows after UTC midnight and pruning audit logs past their retention.
type Sweeper struct {
	credentials *services.CredentialService
	audit       *services.AuditService
	cron        *cron.Cron
	now         func() time.Time
	log         *zap.Logger
	enabled     bool
	retention   int

	usageResetSchedule string
	auditSchedule      string
}

// Option customises the Sweeper.
type Option func(*Sweeper)

// WithCron injects a preconfigured cron instance, primarily for testing.
func WithCron(c *cron.Cron) Option {
	return func(s *Sweeper) {
		if c != nil {
			s.cron = c
		}
	}
}

// WithNow overrides the clock used for scheduling comparisons.
func WithNow(now func() time.Time) Option {
	return func(s *Sweeper) {
		if now != nil {
			s.now = now
		}
	}
}

// WithAuditRetentionDays adjusts how long audit logs are retained before cleanup.
func WithAuditRetentionDays(days int) Option {
	return func(s *Sweeper) {
		if days > 0 {
			s.retention = days
		}
	}
}

// WithUsageResetSchedule overrides the cron specification for the daily usage sweep.
func WithUsageResetSchedule(spec string) Option {
	return func(s *Sweeper) {
		if spec != "" {
			s.usageResetSchedule = spec
		}
	}
}

// WithAuditSchedule overrides the cron specification for audit retention enforcement.
func WithAuditSchedule(spec string) Option {
	return func(s *Sweeper) {
		if spec != "" {
			s.auditSchedule = spec
		}
	}
}

// NewSweeper constructs a Sweeper with sensible defaults. Any nil dependency
// results in the corresponding job being skipped.
func NewSweeper(credentials *services.CredentialService, audit *services.AuditService, opts ...Option) *Sweeper {
	sweeper := &Sweeper{
		credentials:        credentials,
		audit:              audit,
		now:                time.Now,
		retention:          defaultAuditRetentionDays,
		usageResetSchedule: defaultUsageResetSpec,
		auditSchedule:      defaultAuditSpec,
		log:                logger.WithModule("maintenance"),
	}

	for _, opt := range opts {
		opt(sweeper)
	}

	if sweeper.cron == nil {
		sweeper.cron = cron.New(cron.WithLogger(cron.DiscardLogger))
	}

	sweeper.enabled = sweeper.credentials != nil || sweeper.audit != nil

	return sweeper
}

// Start registers the jobs with the cron scheduler and launches it if at
// least one job is enabled.
func (s *Sweeper) Start() error {
	if !s.enabled {
		return nil
	}

	if s.credentials != nil {
		if _, err := s.cron.AddFunc(s.usageResetSchedule, func() {
			ctx := context.Background()
			reset, err := s.credentials.ResetDailyUsage(ctx)
			if err != nil {
				s.log.Warn("daily usage reset failed", zap.Error(err))
				return
			}
			s.log.Info("daily usage windows reset", zap.Int64("credentials", reset))
		}); err != nil {
			return err
		}
	}

	if s.audit != nil && s.retention > 0 {
		if _, err := s.cron.AddFunc(s.auditSchedule, func() {
			ctx := context.Background()
			if _, err := s.audit.CleanupOlderThan(ctx, s.retention); err != nil {
				s.log.Warn("audit cleanup failed", zap.Error(err))
			}
		}); err != nil {
			return err
		}
	}

	s.cron.Start()
	return nil
}

// Stop halts the underlying scheduler, waiting for any running jobs to complete.
func (s *Sweeper) Stop() context.Context {
	if s.cron == nil {
		return context.Background()
	}
	return s.cron.Stop()
}

// RunOnce executes all configured jobs sequentially. Primarily used in tests
// and during graceful shutdown.
func (s *Sweeper) RunOnce(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	var errs error

	if s.credentials != nil {
		if _, err := s.credentials.ResetDailyUsage(ctx); err != nil {
			errs = multierr.Append(errs, err)
		}
	}

	if s.audit != nil && s.retention > 0 {
		if _, err := s.audit.CleanupOlderThan(ctx, s.retention); err != nil {
			errs = multierr.Append(errs, err)
		}
	}

	return errs
}
