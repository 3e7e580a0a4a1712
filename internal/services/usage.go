package services

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/quillio/keyvault/internal/models"
	apperrors "github.com/quillio/keyvault/pkg/errors"
	"github.com/quillio/keyvault/pkg/metrics"
)

// RecordUsage accounts a completed provider call against the active
// credential in the (organization, provider) scope.
//
// The whole mutation is a single UPDATE built from increment expressions, so
// parallel requests against the same credential never lose updates. The daily
// token window rolls over inline: when the stored window is older than the
// current UTC day, the counter restarts at this call's tokens.
func (s *CredentialService) RecordUsage(ctx context.Context, provider models.Provider, organizationID *string, tokens, costCents int64) error {
	ctx = ensureContext(ctx)

	if tokens < 0 || costCents < 0 {
		return apperrors.NewBadRequest("usage amounts must not be negative")
	}

	now := s.now().UTC()
	dayStart := startOfDay(now)
	orgID := normalizeOptionalID(organizationID)

	result := scopeQuery(s.db.WithContext(ctx).Model(&models.Credential{}), orgID, provider).
		Where("is_active = ?", true).
		Updates(map[string]any{
			"usage_total_requests":   gorm.Expr("usage_total_requests + 1"),
			"usage_total_tokens":     gorm.Expr("usage_total_tokens + ?", tokens),
			"usage_total_cost_cents": gorm.Expr("usage_total_cost_cents + ?", costCents),
			"usage_tokens_today": gorm.Expr(
				"CASE WHEN usage_day_started_at IS NULL OR usage_day_started_at < ? THEN ? ELSE usage_tokens_today + ? END",
				dayStart, tokens, tokens),
			"usage_day_started_at": dayStart,
			"usage_last_used_at":   now,
			"updated_at":           now,
		})
	if result.Error != nil {
		return fmt.Errorf("credential service: record usage: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNoCredentialAvailable
	}
	return nil
}

// IsRateLimited reports whether consuming tokensToConsume would exceed the
// credential's daily token quota. Credentials without a tokens_per_day limit
// are never limited. A usage window older than the current UTC day counts as
// zero, so a quota blocked yesterday frees up at midnight even before the
// maintenance sweep runs.
func (s *CredentialService) IsRateLimited(credential *models.Credential, tokensToConsume int64) bool {
	if credential == nil || credential.RateLimit.TokensPerDay == nil {
		return false
	}

	windowTokens := credential.Usage.TokensToday
	dayStart := startOfDay(s.now().UTC())
	if credential.Usage.DayStartedAt == nil || credential.Usage.DayStartedAt.Before(dayStart) {
		windowTokens = 0
	}

	limited := windowTokens+tokensToConsume > *credential.RateLimit.TokensPerDay
	if limited {
		metrics.ThrottledRequests.WithLabelValues("tokens_per_day").Inc()
	}
	return limited
}

// AllowRequest pre-flights the per-minute request limit for a credential
// using a fixed one-minute counter window keyed by credential id. Without a
// configured counter store or limit the request is always allowed.
func (s *CredentialService) AllowRequest(ctx context.Context, credential *models.Credential) (bool, error) {
	if credential == nil || credential.RateLimit.RequestsPerMinute == nil {
		return true, nil
	}
	if s.counters == nil {
		return true, nil
	}

	ctx = ensureContext(ctx)
	key := "ratelimit:credential:" + credential.ID + ":minute"

	count, _, err := s.counters.IncrementWithTTL(ctx, key, time.Minute)
	if err != nil {
		// Counter backend trouble must not take down provider calls.
		s.log.Warn("request counter unavailable, allowing request",
			zap.String("credential_id", credential.ID),
			zap.Error(err))
		return true, nil
	}

	allowed := count <= int64(*credential.RateLimit.RequestsPerMinute)
	if !allowed {
		metrics.ThrottledRequests.WithLabelValues("requests_per_minute").Inc()
	}
	return allowed, nil
}

// ResetDailyUsage zeroes every credential's daily token window. The lifetime
// counters are untouched. Invoked by the maintenance scheduler shortly after
// UTC midnight.
func (s *CredentialService) ResetDailyUsage(ctx context.Context) (int64, error) {
	ctx = ensureContext(ctx)

	result := s.db.WithContext(ctx).
		Model(&models.Credential{}).
		Where("usage_tokens_today <> 0").
		Updates(map[string]any{
			"usage_tokens_today":   0,
			"usage_day_started_at": nil,
		})
	if result.Error != nil {
		return 0, fmt.Errorf("credential service: reset daily usage: %w", result.Error)
	}
	return result.RowsAffected, nil
}

func startOfDay(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}
