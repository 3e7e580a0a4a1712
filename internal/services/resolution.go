package services

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"gorm.io/gorm"

	"github.com/quillio/keyvault/internal/models"
	apperrors "github.com/quillio/keyvault/pkg/errors"
	"github.com/quillio/keyvault/pkg/metrics"
)

// Resolve picks the credential to use for an outbound provider call.
//
// Order is fixed: an active, unexpired credential owned by the organization
// wins; otherwise the platform-global credential for the provider is the
// fallback. Expired credentials are invisible at this layer, not errors.
// When neither scope yields a usable credential, ErrNoCredentialAvailable is
// returned and the caller decides how to degrade.
func (s *CredentialService) Resolve(ctx context.Context, provider models.Provider, organizationID *string) (models.Credential, error) {
	ctx = ensureContext(ctx)

	provider = models.Provider(strings.TrimSpace(string(provider)))
	if !models.ValidProvider(provider) {
		return models.Credential{}, apperrors.NewBadRequest(fmt.Sprintf("invalid provider %q", provider))
	}

	orgID := normalizeOptionalID(organizationID)

	if orgID != nil {
		credential, err := s.lookupActive(ctx, orgID, provider)
		if err == nil {
			metrics.CredentialResolutions.WithLabelValues(string(provider), "organization").Inc()
			return credential, nil
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return models.Credential{}, fmt.Errorf("credential service: resolve organization scope: %w", err)
		}
	}

	credential, err := s.lookupActive(ctx, nil, provider)
	if err == nil {
		metrics.CredentialResolutions.WithLabelValues(string(provider), "platform").Inc()
		return credential, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return models.Credential{}, fmt.Errorf("credential service: resolve platform scope: %w", err)
	}

	metrics.CredentialResolutions.WithLabelValues(string(provider), "miss").Inc()
	return models.Credential{}, ErrNoCredentialAvailable
}

func (s *CredentialService) lookupActive(ctx context.Context, organizationID *string, provider models.Provider) (models.Credential, error) {
	now := s.now().UTC()

	var credential models.Credential
	query := scopeQuery(s.db.WithContext(ctx).Model(&models.Credential{}), organizationID, provider).
		Where("is_active = ?", true).
		Where("expires_at IS NULL OR expires_at > ?", now)

	err := query.Order("created_at DESC").First(&credential).Error
	return credential, err
}
