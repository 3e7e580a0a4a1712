package services

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/quillio/keyvault/internal/models"
	apperrors "github.com/quillio/keyvault/pkg/errors"
)

func TestUpsertCredentialCreatesActive(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	created, err := svc.UpsertCredential(ctx, UpsertCredentialInput{
		OrganizationID: stringPtr("org-1"),
		Provider:       models.ProviderOpenAI,
		Secret:         "sk-org-abc123",
		ActingUserID:   "user-1",
	})
	require.NoError(t, err)
	require.True(t, created.IsActive)
	require.Equal(t, models.DefaultCredentialLabel, created.Label)
	require.Equal(t, "user-1", created.CreatedBy)
	require.NotEqual(t, "sk-org-abc123", created.EncryptedKey, "secret must be stored encrypted")
	require.Equal(t, "sk-org-abc123", svc.DecryptedSecret(&created))
}

func TestUpsertCredentialDeactivatesPrevious(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	first, err := svc.UpsertCredential(ctx, UpsertCredentialInput{
		OrganizationID: stringPtr("org-1"),
		Provider:       models.ProviderGroq,
		Secret:         "sk-old",
		ActingUserID:   "user-1",
	})
	require.NoError(t, err)

	second, err := svc.UpsertCredential(ctx, UpsertCredentialInput{
		OrganizationID: stringPtr("org-1"),
		Provider:       models.ProviderGroq,
		Secret:         "sk-new",
		Label:          "Replacement",
		ActingUserID:   "user-2",
	})
	require.NoError(t, err)
	require.NotEqual(t, first.ID, second.ID)

	rows, err := svc.List(ctx, stringPtr("org-1"))
	require.NoError(t, err)
	require.Len(t, rows, 2)

	active := 0
	for _, row := range rows {
		if row.IsActive {
			active++
			require.Equal(t, second.ID, row.ID)
		}
	}
	require.Equal(t, 1, active, "exactly one credential may be active per scope")

	// The old row is retained for history, not deleted.
	old, err := svc.Get(ctx, first.ID)
	require.NoError(t, err)
	require.False(t, old.IsActive)
	require.Equal(t, "user-2", old.UpdatedBy)
}

func TestUpsertCredentialScopesAreIndependent(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	_, err := svc.UpsertCredential(ctx, UpsertCredentialInput{
		OrganizationID: stringPtr("org-1"),
		Provider:       models.ProviderOpenAI,
		Secret:         "sk-org",
		ActingUserID:   "user-1",
	})
	require.NoError(t, err)

	_, err = svc.UpsertCredential(ctx, UpsertCredentialInput{
		Provider:     models.ProviderOpenAI,
		Secret:       "sk-platform",
		ActingUserID: "admin-1",
	})
	require.NoError(t, err)

	org, err := svc.List(ctx, stringPtr("org-1"))
	require.NoError(t, err)
	require.Len(t, org, 1)
	require.True(t, org[0].IsActive)

	platform, err := svc.List(ctx, nil)
	require.NoError(t, err)
	require.Len(t, platform, 1)
	require.True(t, platform[0].IsActive)
}

func TestUpsertCredentialValidation(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	_, err := svc.UpsertCredential(ctx, UpsertCredentialInput{
		Provider:     "mistral",
		Secret:       "sk-x",
		ActingUserID: "user-1",
	})
	require.Error(t, err)
	require.Equal(t, apperrors.ErrBadRequest.Code, apperrors.FromError(err).Code)

	_, err = svc.UpsertCredential(ctx, UpsertCredentialInput{
		Provider:     models.ProviderOpenAI,
		ActingUserID: "user-1",
	})
	require.Error(t, err)

	_, err = svc.UpsertCredential(ctx, UpsertCredentialInput{
		Provider: models.ProviderOpenAI,
		Secret:   "sk-x",
	})
	require.Error(t, err, "acting user is required")
}

func TestRotatePreservesUsageAndAuthorship(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	created, err := svc.UpsertCredential(ctx, UpsertCredentialInput{
		OrganizationID: stringPtr("org-9"),
		Provider:       models.ProviderAnthropic,
		Secret:         "sk-before",
		ActingUserID:   "user-1",
	})
	require.NoError(t, err)

	require.NoError(t, svc.RecordUsage(ctx, models.ProviderAnthropic, stringPtr("org-9"), 500, 120))

	rotated, err := svc.Rotate(ctx, created.ID, "new-secret", "user-9")
	require.NoError(t, err)
	require.NotNil(t, rotated.LastRotatedAt)
	require.Equal(t, "user-9", rotated.UpdatedBy)
	require.Equal(t, "user-1", rotated.CreatedBy)
	require.Equal(t, "new-secret", svc.DecryptedSecret(&rotated))

	fetched, err := svc.Get(ctx, created.ID)
	require.NoError(t, err)
	require.Equal(t, int64(500), fetched.Usage.TotalTokens)
	require.Equal(t, int64(1), fetched.Usage.TotalRequests)
	require.True(t, fetched.IsActive)
}

func TestRotateMissingCredential(t *testing.T) {
	svc, _ := newTestService(t)

	_, err := svc.Rotate(context.Background(), "11111111-2222-3333-4444-555555555555", "sk-new", "user-1")
	require.ErrorIs(t, err, ErrCredentialNotFound)
}

func TestDeactivate(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	created, err := svc.UpsertCredential(ctx, UpsertCredentialInput{
		Provider:     models.ProviderGemini,
		Secret:       "sk-any",
		ActingUserID: "admin-1",
	})
	require.NoError(t, err)

	require.NoError(t, svc.Deactivate(ctx, created.ID, "admin-2"))

	fetched, err := svc.Get(ctx, created.ID)
	require.NoError(t, err)
	require.False(t, fetched.IsActive)
	require.Equal(t, "admin-2", fetched.UpdatedBy)

	require.ErrorIs(t, svc.Deactivate(ctx, created.ID, "admin-2"), ErrCredentialNotFound)
}

func TestSafeViewMasksSecret(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	created, err := svc.UpsertCredential(ctx, UpsertCredentialInput{
		OrganizationID: stringPtr("org-1"),
		Provider:       models.ProviderGroq,
		Secret:         "sk-super-secret-7890",
		ActingUserID:   "user-1",
	})
	require.NoError(t, err)

	view := svc.SafeView(&created)
	require.Equal(t, SecretMask+"7890", view.KeyPreview)
	require.False(t, view.IsExpired)
	require.NotContains(t, view.KeyPreview, "sk-super-secret")

	// A corrupted record degrades to the bare mask instead of failing.
	created.EncryptedKey = "zz:corrupted"
	view = svc.SafeView(&created)
	require.Equal(t, SecretMask, view.KeyPreview)
}

func TestSafeViewReportsExpiry(t *testing.T) {
	fixed := time.Date(2026, 8, 29, 12, 0, 0, 0, time.UTC)
	svc, _ := newTestService(t, WithClock(func() time.Time { return fixed }))
	ctx := context.Background()

	created, err := svc.UpsertCredential(ctx, UpsertCredentialInput{
		Provider:     models.ProviderOpenAI,
		Secret:       "sk-expiring",
		ExpiresAt:    timePtr(fixed.Add(-time.Hour)),
		ActingUserID: "admin-1",
	})
	require.NoError(t, err)

	view := svc.SafeView(&created)
	require.True(t, view.IsExpired)
}

func TestMaskSecretShortValues(t *testing.T) {
	require.Equal(t, SecretMask, maskSecret(""))
	require.Equal(t, SecretMask+"abc", maskSecret("abc"))
	require.Equal(t, SecretMask+"7890", maskSecret("sk-1234567890"))
	require.False(t, strings.Contains(maskSecret("sk-1234567890"), "sk-123456"))
}
