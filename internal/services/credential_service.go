package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/quillio/keyvault/internal/cache"
	"github.com/quillio/keyvault/internal/models"
	"github.com/quillio/keyvault/internal/vault"
	apperrors "github.com/quillio/keyvault/pkg/errors"
	"github.com/quillio/keyvault/pkg/logger"
	"github.com/quillio/keyvault/pkg/metrics"
	"github.com/quillio/keyvault/pkg/validator"
)

// ErrCredentialNotFound indicates the requested credential does not exist.
var ErrCredentialNotFound = apperrors.ErrNotFound

// ErrNoCredentialAvailable indicates resolution found no usable credential
// for the requested provider in either the organization or platform scope.
var ErrNoCredentialAvailable = apperrors.ErrNoCredential

// ErrConcurrentUpsert indicates the storage layer rejected an upsert because
// a concurrent upsert for the same scope completed first.
var ErrConcurrentUpsert = apperrors.ErrConflict

// SecretMask prefixes the preview of a decrypted secret in safe views.
const SecretMask = "••••"

// CredentialService coordinates encrypted storage, resolution, usage
// accounting, and rotation of provider API credentials.
type CredentialService struct {
	db       *gorm.DB
	audit    *AuditService
	crypto   *vault.Crypto
	counters cache.Store
	log      *zap.Logger
	now      func() time.Time
}

// CredentialOption customises the CredentialService.
type CredentialOption func(*CredentialService)

// WithClock overrides the clock, primarily for tests.
func WithClock(now func() time.Time) CredentialOption {
	return func(s *CredentialService) {
		if now != nil {
			s.now = now
		}
	}
}

// WithCounterStore provides the counter backend used for per-minute request
// throttling. Without one, per-minute limits are not enforced.
func WithCounterStore(store cache.Store) CredentialOption {
	return func(s *CredentialService) {
		s.counters = store
	}
}

// NewCredentialService constructs a CredentialService using the supplied dependencies.
func NewCredentialService(db *gorm.DB, audit *AuditService, crypto *vault.Crypto, opts ...CredentialOption) (*CredentialService, error) {
	if db == nil {
		return nil, errors.New("credential service: db is required")
	}
	if crypto == nil {
		return nil, errors.New("credential service: crypto is required")
	}

	svc := &CredentialService{
		db:     db,
		audit:  audit,
		crypto: crypto,
		log:    logger.WithModule("credentials"),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(svc)
	}
	return svc, nil
}

// UpsertCredentialInput defines the payload required to save a credential.
// A nil OrganizationID targets the platform-global scope.
type UpsertCredentialInput struct {
	OrganizationID    *string         `json:"organization_id"`
	Provider          models.Provider `json:"provider" validate:"required"`
	Secret            string          `json:"secret" validate:"required"`
	Label             string          `json:"label" validate:"max=128"`
	ExpiresAt         *time.Time      `json:"expires_at"`
	RequestsPerMinute *int            `json:"requests_per_minute" validate:"omitempty,gt=0"`
	TokensPerDay      *int64          `json:"tokens_per_day" validate:"omitempty,gt=0"`
	Metadata          map[string]any  `json:"metadata"`
	ActingUserID      string          `json:"acting_user_id" validate:"required"`
}

// UpsertCredential atomically replaces the active credential for the
// (organization, provider) scope: any currently active credential is
// deactivated and retained for history, then the new one is inserted active.
//
// Concurrent upserts for the same scope are arbitrated by the storage-level
// uniqueness index. A rejected attempt is retried once, since the rejection
// implies a competing upsert already established an active credential that
// this call's deactivation step will then supersede.
func (s *CredentialService) UpsertCredential(ctx context.Context, input UpsertCredentialInput) (models.Credential, error) {
	ctx = ensureContext(ctx)

	if err := validateUpsertInput(input); err != nil {
		return models.Credential{}, apperrors.NewBadRequest(err.Error())
	}

	encrypted, err := s.crypto.EncryptString(strings.TrimSpace(input.Secret))
	if err != nil {
		return models.Credential{}, fmt.Errorf("credential service: encrypt secret: %w", err)
	}

	var created models.Credential
	err = s.upsertActive(ctx, input, encrypted, &created)
	if isUniqueViolation(err) {
		s.log.Debug("upsert lost race, retrying once",
			zap.String("provider", string(input.Provider)))
		err = s.upsertActive(ctx, input, encrypted, &created)
		if isUniqueViolation(err) {
			return models.Credential{}, ErrConcurrentUpsert.WithInternal(err)
		}
	}
	if err != nil {
		return models.Credential{}, err
	}

	metrics.CredentialUpserts.WithLabelValues(string(created.Provider)).Inc()
	recordAudit(s.audit, ctx, AuditEntry{
		ActorID:  normalizeOptionalID(&input.ActingUserID),
		Action:   "credential.upserted",
		Result:   "success",
		Resource: "credential:" + created.ID,
		Metadata: map[string]any{
			"provider":        created.Provider,
			"organization_id": created.OrganizationID,
			"label":           created.Label,
		},
	})

	return created, nil
}

func (s *CredentialService) upsertActive(ctx context.Context, input UpsertCredentialInput, encrypted string, out *models.Credential) error {
	orgID := normalizeOptionalID(input.OrganizationID)
	now := s.now().UTC()

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// Deactivate first: a crash between the two steps leaves zero active
		// credentials in the scope, never two.
		deactivate := scopeQuery(tx.Model(&models.Credential{}), orgID, input.Provider).
			Where("is_active = ?", true).
			Updates(map[string]any{
				"is_active":  false,
				"updated_by": strings.TrimSpace(input.ActingUserID),
				"updated_at": now,
			})
		if deactivate.Error != nil {
			return fmt.Errorf("credential service: deactivate previous: %w", deactivate.Error)
		}

		var metadataJSON datatypes.JSON
		if input.Metadata != nil {
			encoded, err := json.Marshal(input.Metadata)
			if err != nil {
				return apperrors.NewBadRequest("invalid credential metadata")
			}
			metadataJSON = datatypes.JSON(encoded)
		}

		credential := models.Credential{
			OrganizationID: orgID,
			Provider:       input.Provider,
			EncryptedKey:   encrypted,
			Label:          strings.TrimSpace(input.Label),
			IsActive:       true,
			RateLimit: models.CredentialRateLimit{
				RequestsPerMinute: input.RequestsPerMinute,
				TokensPerDay:      input.TokensPerDay,
			},
			CreatedBy: strings.TrimSpace(input.ActingUserID),
			UpdatedBy: strings.TrimSpace(input.ActingUserID),
			Metadata:  metadataJSON,
			ExpiresAt: input.ExpiresAt,
		}

		if err := tx.Create(&credential).Error; err != nil {
			return err
		}

		*out = credential
		return nil
	})
}

// Rotate replaces a credential's secret in place. Activation state, usage
// counters, and authorship are untouched; only the secret, last_rotated_at,
// and updated_by change.
func (s *CredentialService) Rotate(ctx context.Context, credentialID, newSecret, actingUserID string) (models.Credential, error) {
	ctx = ensureContext(ctx)

	id := strings.TrimSpace(credentialID)
	if id == "" {
		return models.Credential{}, apperrors.NewBadRequest("credential id is required")
	}
	if strings.TrimSpace(newSecret) == "" {
		return models.Credential{}, apperrors.NewBadRequest("new secret is required")
	}

	encrypted, err := s.crypto.EncryptString(strings.TrimSpace(newSecret))
	if err != nil {
		return models.Credential{}, fmt.Errorf("credential service: encrypt secret: %w", err)
	}

	var rotated models.Credential
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var credential models.Credential
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			First(&credential, "id = ?", id).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrCredentialNotFound
			}
			return fmt.Errorf("credential service: rotate fetch: %w", err)
		}

		now := s.now().UTC()
		updates := map[string]any{
			"encrypted_key":   encrypted,
			"last_rotated_at": now,
			"updated_by":      strings.TrimSpace(actingUserID),
			"updated_at":      now,
		}
		if err := tx.Model(&credential).Updates(updates).Error; err != nil {
			return fmt.Errorf("credential service: persist rotation: %w", err)
		}

		credential.EncryptedKey = encrypted
		credential.LastRotatedAt = &now
		credential.UpdatedBy = strings.TrimSpace(actingUserID)
		credential.UpdatedAt = now
		rotated = credential
		return nil
	})
	if err != nil {
		return models.Credential{}, err
	}

	metrics.CredentialRotations.Inc()
	recordAudit(s.audit, ctx, AuditEntry{
		ActorID:  normalizeOptionalID(&actingUserID),
		Action:   "credential.rotated",
		Result:   "success",
		Resource: "credential:" + rotated.ID,
		Metadata: map[string]any{
			"provider": rotated.Provider,
		},
	})

	return rotated, nil
}

// Deactivate flips a credential inactive. The row is retained for history.
func (s *CredentialService) Deactivate(ctx context.Context, credentialID, actingUserID string) error {
	ctx = ensureContext(ctx)

	id := strings.TrimSpace(credentialID)
	if id == "" {
		return apperrors.NewBadRequest("credential id is required")
	}

	result := s.db.WithContext(ctx).
		Model(&models.Credential{}).
		Where("id = ? AND is_active = ?", id, true).
		Updates(map[string]any{
			"is_active":  false,
			"updated_by": strings.TrimSpace(actingUserID),
			"updated_at": s.now().UTC(),
		})
	if result.Error != nil {
		return fmt.Errorf("credential service: deactivate: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrCredentialNotFound
	}

	recordAudit(s.audit, ctx, AuditEntry{
		ActorID:  normalizeOptionalID(&actingUserID),
		Action:   "credential.deactivated",
		Result:   "success",
		Resource: "credential:" + id,
	})
	return nil
}

// Get returns a credential by id.
func (s *CredentialService) Get(ctx context.Context, credentialID string) (models.Credential, error) {
	ctx = ensureContext(ctx)

	id := strings.TrimSpace(credentialID)
	if id == "" {
		return models.Credential{}, apperrors.NewBadRequest("credential id is required")
	}

	var credential models.Credential
	if err := s.db.WithContext(ctx).First(&credential, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return models.Credential{}, ErrCredentialNotFound
		}
		return models.Credential{}, fmt.Errorf("credential service: get: %w", err)
	}
	return credential, nil
}

// List returns all credentials in an organization scope (or the platform
// scope for nil), newest first, active and historical alike.
func (s *CredentialService) List(ctx context.Context, organizationID *string) ([]models.Credential, error) {
	ctx = ensureContext(ctx)

	query := s.db.WithContext(ctx).Model(&models.Credential{})
	if orgID := normalizeOptionalID(organizationID); orgID != nil {
		query = query.Where("organization_id = ?", *orgID)
	} else {
		query = query.Where("organization_id IS NULL")
	}

	var rows []models.Credential
	if err := query.Order("created_at DESC").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("credential service: list: %w", err)
	}
	return rows, nil
}

// DecryptedSecret recovers the plaintext secret for a credential. Decryption
// failures degrade to an empty string: a single unreadable record must not
// break the calling path for every tenant.
func (s *CredentialService) DecryptedSecret(credential *models.Credential) string {
	if credential == nil {
		return ""
	}

	secret, err := s.crypto.DecryptString(credential.EncryptedKey)
	if err != nil {
		metrics.DecryptFailures.Inc()
		s.log.Warn("credential secret unreadable",
			zap.String("credential_id", credential.ID),
			zap.String("provider", string(credential.Provider)),
			zap.Error(err))
		return ""
	}
	return secret
}

// CredentialView is the projection of a credential safe to render in a UI.
// It never carries the ciphertext or the full plaintext secret.
type CredentialView struct {
	ID             string                     `json:"id"`
	OrganizationID *string                    `json:"organization_id,omitempty"`
	Provider       models.Provider            `json:"provider"`
	Label          string                     `json:"label"`
	KeyPreview     string                     `json:"key_preview"`
	IsActive       bool                       `json:"is_active"`
	IsExpired      bool                       `json:"is_expired"`
	Usage          models.CredentialUsage     `json:"usage"`
	RateLimit      models.CredentialRateLimit `json:"rate_limit"`
	Metadata       map[string]any             `json:"metadata,omitempty"`
	CreatedBy      string                     `json:"created_by"`
	UpdatedBy      string                     `json:"updated_by"`
	LastRotatedAt  *time.Time                 `json:"last_rotated_at,omitempty"`
	ExpiresAt      *time.Time                 `json:"expires_at,omitempty"`
	CreatedAt      time.Time                  `json:"created_at"`
	UpdatedAt      time.Time                  `json:"updated_at"`
}

// SafeView builds the masked projection of a credential.
func (s *CredentialService) SafeView(credential *models.Credential) CredentialView {
	if credential == nil {
		return CredentialView{}
	}

	return CredentialView{
		ID:             credential.ID,
		OrganizationID: credential.OrganizationID,
		Provider:       credential.Provider,
		Label:          credential.Label,
		KeyPreview:     maskSecret(s.DecryptedSecret(credential)),
		IsActive:       credential.IsActive,
		IsExpired:      credential.IsExpired(s.now().UTC()),
		Usage:          credential.Usage,
		RateLimit:      credential.RateLimit,
		Metadata:       decodeJSONMap(credential.Metadata),
		CreatedBy:      credential.CreatedBy,
		UpdatedBy:      credential.UpdatedBy,
		LastRotatedAt:  credential.LastRotatedAt,
		ExpiresAt:      credential.ExpiresAt,
		CreatedAt:      credential.CreatedAt,
		UpdatedAt:      credential.UpdatedAt,
	}
}

func maskSecret(secret string) string {
	if secret == "" {
		return SecretMask
	}
	if len(secret) <= 4 {
		return SecretMask + secret
	}
	return SecretMask + secret[len(secret)-4:]
}

func validateUpsertInput(input UpsertCredentialInput) error {
	if err := validator.ValidateStruct(input); err != nil {
		return err
	}
	if !models.ValidProvider(models.Provider(strings.TrimSpace(string(input.Provider)))) {
		return fmt.Errorf("invalid provider %q", input.Provider)
	}
	if strings.TrimSpace(input.Secret) == "" {
		return errors.New("secret is required")
	}
	return nil
}

// scopeQuery narrows a query to a (organization, provider) scope, treating a
// nil organization as the platform-global scope.
func scopeQuery(query *gorm.DB, organizationID *string, provider models.Provider) *gorm.DB {
	query = query.Where("provider = ?", provider)
	if organizationID != nil {
		return query.Where("organization_id = ?", *organizationID)
	}
	return query.Where("organization_id IS NULL")
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") ||
		strings.Contains(msg, "duplicate key value") ||
		strings.Contains(msg, "Duplicate entry")
}
