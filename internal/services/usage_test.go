package services

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/quillio/keyvault/internal/cache"
	"github.com/quillio/keyvault/internal/models"
)

func TestRecordUsageIncrements(t *testing.T) {
	fixed := time.Date(2026, 8, 29, 10, 30, 0, 0, time.UTC)
	svc, _ := newTestService(t, WithClock(func() time.Time { return fixed }))
	ctx := context.Background()

	created, err := svc.UpsertCredential(ctx, UpsertCredentialInput{
		OrganizationID: stringPtr("org-1"),
		Provider:       models.ProviderOpenAI,
		Secret:         "sk-usage",
		ActingUserID:   "user-1",
	})
	require.NoError(t, err)

	require.NoError(t, svc.RecordUsage(ctx, models.ProviderOpenAI, stringPtr("org-1"), 1200, 35))
	require.NoError(t, svc.RecordUsage(ctx, models.ProviderOpenAI, stringPtr("org-1"), 800, 15))

	fetched, err := svc.Get(ctx, created.ID)
	require.NoError(t, err)
	require.Equal(t, int64(2), fetched.Usage.TotalRequests)
	require.Equal(t, int64(2000), fetched.Usage.TotalTokens)
	require.Equal(t, int64(50), fetched.Usage.TotalCostCents)
	require.Equal(t, int64(2000), fetched.Usage.TokensToday)
	require.NotNil(t, fetched.Usage.DayStartedAt)
	require.Equal(t, startOfDay(fixed), fetched.Usage.DayStartedAt.UTC())
	require.NotNil(t, fetched.Usage.LastUsedAt)
	require.Equal(t, fixed, fetched.Usage.LastUsedAt.UTC())
}

func TestRecordUsageRollsDailyWindow(t *testing.T) {
	now := time.Date(2026, 8, 28, 23, 50, 0, 0, time.UTC)
	svc, _ := newTestService(t, WithClock(func() time.Time { return now }))
	ctx := context.Background()

	created, err := svc.UpsertCredential(ctx, UpsertCredentialInput{
		Provider:     models.ProviderGroq,
		Secret:       "sk-window",
		ActingUserID: "admin-1",
	})
	require.NoError(t, err)

	require.NoError(t, svc.RecordUsage(ctx, models.ProviderGroq, nil, 900, 0))

	// Past midnight the daily window restarts, the lifetime total does not.
	now = now.Add(20 * time.Minute)
	require.NoError(t, svc.RecordUsage(ctx, models.ProviderGroq, nil, 100, 0))

	fetched, err := svc.Get(ctx, created.ID)
	require.NoError(t, err)
	require.Equal(t, int64(1000), fetched.Usage.TotalTokens)
	require.Equal(t, int64(100), fetched.Usage.TokensToday)
	require.Equal(t, startOfDay(now), fetched.Usage.DayStartedAt.UTC())
}

func TestRecordUsageRejectsNegativeAmounts(t *testing.T) {
	svc, _ := newTestService(t)

	err := svc.RecordUsage(context.Background(), models.ProviderOpenAI, nil, -1, 0)
	require.Error(t, err)

	err = svc.RecordUsage(context.Background(), models.ProviderOpenAI, nil, 0, -1)
	require.Error(t, err)
}

func TestRecordUsageWithoutActiveCredential(t *testing.T) {
	svc, _ := newTestService(t)

	err := svc.RecordUsage(context.Background(), models.ProviderGemini, stringPtr("org-1"), 10, 0)
	require.ErrorIs(t, err, ErrNoCredentialAvailable)
}

func TestRecordUsageConcurrent(t *testing.T) {
	svc, db := newTestService(t)
	ctx := context.Background()

	// Serialise connections so shared-cache SQLite exercises the increment
	// expressions instead of tripping over table locks.
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)

	created, err := svc.UpsertCredential(ctx, UpsertCredentialInput{
		OrganizationID: stringPtr("org-1"),
		Provider:       models.ProviderAnthropic,
		Secret:         "sk-concurrent",
		ActingUserID:   "user-1",
	})
	require.NoError(t, err)

	const workers = 8
	const callsPerWorker = 5

	var wg sync.WaitGroup
	errs := make(chan error, workers*callsPerWorker)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < callsPerWorker; j++ {
				errs <- svc.RecordUsage(ctx, models.ProviderAnthropic, stringPtr("org-1"), 10, 1)
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	fetched, err := svc.Get(ctx, created.ID)
	require.NoError(t, err)
	require.Equal(t, int64(workers*callsPerWorker), fetched.Usage.TotalRequests)
	require.Equal(t, int64(workers*callsPerWorker*10), fetched.Usage.TotalTokens)
	require.Equal(t, int64(workers*callsPerWorker*10), fetched.Usage.TokensToday)
	require.Equal(t, int64(workers*callsPerWorker), fetched.Usage.TotalCostCents)
}

func TestIsRateLimited(t *testing.T) {
	fixed := time.Date(2026, 8, 29, 9, 0, 0, 0, time.UTC)
	svc, _ := newTestService(t, WithClock(func() time.Time { return fixed }))

	dayStart := startOfDay(fixed)
	credential := &models.Credential{
		Usage: models.CredentialUsage{
			TokensToday:  950,
			DayStartedAt: &dayStart,
		},
		RateLimit: models.CredentialRateLimit{
			TokensPerDay: int64Ptr(1000),
		},
	}

	require.True(t, svc.IsRateLimited(credential, 51))
	require.False(t, svc.IsRateLimited(credential, 50))

	// No limit configured means never limited.
	credential.RateLimit.TokensPerDay = nil
	require.False(t, svc.IsRateLimited(credential, 1_000_000))
	require.False(t, svc.IsRateLimited(nil, 10))
}

func TestIsRateLimitedStaleWindowCountsAsZero(t *testing.T) {
	fixed := time.Date(2026, 8, 29, 0, 5, 0, 0, time.UTC)
	svc, _ := newTestService(t, WithClock(func() time.Time { return fixed }))

	yesterday := startOfDay(fixed.Add(-24 * time.Hour))
	credential := &models.Credential{
		Usage: models.CredentialUsage{
			TokensToday:  999,
			DayStartedAt: &yesterday,
		},
		RateLimit: models.CredentialRateLimit{
			TokensPerDay: int64Ptr(1000),
		},
	}

	// Yesterday's consumption no longer counts against today's quota.
	require.False(t, svc.IsRateLimited(credential, 1000))
	require.True(t, svc.IsRateLimited(credential, 1001))
}

func TestAllowRequestEnforcesPerMinuteLimit(t *testing.T) {
	db := newTestDB(t)
	svc, err := NewCredentialService(db, nil, newTestCrypto(t),
		WithCounterStore(cache.NewDatabaseStore(db)))
	require.NoError(t, err)
	ctx := context.Background()

	credential := &models.Credential{
		RateLimit: models.CredentialRateLimit{RequestsPerMinute: intPtr(3)},
	}
	credential.ID = "6a1f8f3a-0000-4000-8000-000000000001"

	for i := 0; i < 3; i++ {
		allowed, err := svc.AllowRequest(ctx, credential)
		require.NoError(t, err)
		require.True(t, allowed)
	}

	allowed, err := svc.AllowRequest(ctx, credential)
	require.NoError(t, err)
	require.False(t, allowed)
}

func TestAllowRequestWithoutLimitOrStore(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	// No limit configured.
	unlimited := &models.Credential{}
	allowed, err := svc.AllowRequest(ctx, unlimited)
	require.NoError(t, err)
	require.True(t, allowed)

	// Limit configured but no counter store wired.
	limited := &models.Credential{
		RateLimit: models.CredentialRateLimit{RequestsPerMinute: intPtr(1)},
	}
	for i := 0; i < 3; i++ {
		allowed, err = svc.AllowRequest(ctx, limited)
		require.NoError(t, err)
		require.True(t, allowed)
	}
}

func TestResetDailyUsage(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	first, err := svc.UpsertCredential(ctx, UpsertCredentialInput{
		OrganizationID: stringPtr("org-1"),
		Provider:       models.ProviderOpenAI,
		Secret:         "sk-a",
		ActingUserID:   "user-1",
	})
	require.NoError(t, err)
	second, err := svc.UpsertCredential(ctx, UpsertCredentialInput{
		Provider:     models.ProviderGroq,
		Secret:       "sk-b",
		ActingUserID: "admin-1",
	})
	require.NoError(t, err)

	require.NoError(t, svc.RecordUsage(ctx, models.ProviderOpenAI, stringPtr("org-1"), 500, 10))
	require.NoError(t, svc.RecordUsage(ctx, models.ProviderGroq, nil, 300, 5))

	reset, err := svc.ResetDailyUsage(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(2), reset)

	for _, id := range []string{first.ID, second.ID} {
		fetched, err := svc.Get(ctx, id)
		require.NoError(t, err)
		require.Zero(t, fetched.Usage.TokensToday)
		require.Nil(t, fetched.Usage.DayStartedAt)
		require.NotZero(t, fetched.Usage.TotalTokens, "lifetime counters survive the sweep")
	}

	// Idempotent: nothing left to reset.
	reset, err = svc.ResetDailyUsage(ctx)
	require.NoError(t, err)
	require.Zero(t, reset)
}
