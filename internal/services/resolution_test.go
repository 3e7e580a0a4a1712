package services

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/quillio/keyvault/internal/models"
)

func TestResolvePrefersOrganizationScope(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	_, err := svc.UpsertCredential(ctx, UpsertCredentialInput{
		Provider:     models.ProviderOpenAI,
		Secret:       "sk-platform",
		ActingUserID: "admin-1",
	})
	require.NoError(t, err)

	org, err := svc.UpsertCredential(ctx, UpsertCredentialInput{
		OrganizationID: stringPtr("org-1"),
		Provider:       models.ProviderOpenAI,
		Secret:         "sk-org",
		ActingUserID:   "user-1",
	})
	require.NoError(t, err)

	resolved, err := svc.Resolve(ctx, models.ProviderOpenAI, stringPtr("org-1"))
	require.NoError(t, err)
	require.Equal(t, org.ID, resolved.ID)
	require.Equal(t, "sk-org", svc.DecryptedSecret(&resolved))
}

func TestResolveFallsBackToPlatform(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	platform, err := svc.UpsertCredential(ctx, UpsertCredentialInput{
		Provider:     models.ProviderGroq,
		Secret:       "sk-plat-123",
		ActingUserID: "admin-1",
	})
	require.NoError(t, err)

	// org-42 never configured its own groq key.
	resolved, err := svc.Resolve(ctx, models.ProviderGroq, stringPtr("org-42"))
	require.NoError(t, err)
	require.Equal(t, platform.ID, resolved.ID)
	require.Nil(t, resolved.OrganizationID)
	require.Equal(t, "sk-plat-123", svc.DecryptedSecret(&resolved))
}

func TestResolveSkipsExpiredCredential(t *testing.T) {
	fixed := time.Date(2026, 8, 29, 12, 0, 0, 0, time.UTC)
	svc, _ := newTestService(t, WithClock(func() time.Time { return fixed }))
	ctx := context.Background()

	_, err := svc.UpsertCredential(ctx, UpsertCredentialInput{
		OrganizationID: stringPtr("org-1"),
		Provider:       models.ProviderAnthropic,
		Secret:         "sk-expired",
		ExpiresAt:      timePtr(fixed.Add(-time.Minute)),
		ActingUserID:   "user-1",
	})
	require.NoError(t, err)

	platform, err := svc.UpsertCredential(ctx, UpsertCredentialInput{
		Provider:     models.ProviderAnthropic,
		Secret:       "sk-live",
		ActingUserID: "admin-1",
	})
	require.NoError(t, err)

	resolved, err := svc.Resolve(ctx, models.ProviderAnthropic, stringPtr("org-1"))
	require.NoError(t, err)
	require.Equal(t, platform.ID, resolved.ID)
}

func TestResolveSkipsInactiveCredential(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	created, err := svc.UpsertCredential(ctx, UpsertCredentialInput{
		OrganizationID: stringPtr("org-1"),
		Provider:       models.ProviderGemini,
		Secret:         "sk-retired",
		ActingUserID:   "user-1",
	})
	require.NoError(t, err)
	require.NoError(t, svc.Deactivate(ctx, created.ID, "user-1"))

	_, err = svc.Resolve(ctx, models.ProviderGemini, stringPtr("org-1"))
	require.ErrorIs(t, err, ErrNoCredentialAvailable)
}

func TestResolveMiss(t *testing.T) {
	svc, _ := newTestService(t)

	_, err := svc.Resolve(context.Background(), models.ProviderOpenAI, stringPtr("org-1"))
	require.ErrorIs(t, err, ErrNoCredentialAvailable)

	_, err = svc.Resolve(context.Background(), models.ProviderOpenAI, nil)
	require.ErrorIs(t, err, ErrNoCredentialAvailable)
}

func TestResolveRejectsUnknownProvider(t *testing.T) {
	svc, _ := newTestService(t)

	_, err := svc.Resolve(context.Background(), "cohere", nil)
	require.Error(t, err)
	require.NotErrorIs(t, err, ErrNoCredentialAvailable)
}
