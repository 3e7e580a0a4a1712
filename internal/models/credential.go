package models

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Provider enumerates the AI backends a credential can authenticate against.
type Provider string

const (
	ProviderGemini    Provider = "gemini"
	ProviderOpenAI    Provider = "openai"
	ProviderAnthropic Provider = "anthropic"
	ProviderGroq      Provider = "groq"
)

var validProviders = map[Provider]struct{}{
	ProviderGemini:    {},
	ProviderOpenAI:    {},
	ProviderAnthropic: {},
	ProviderGroq:      {},
}

// DefaultCredentialLabel is applied when a credential is saved without a label.
const DefaultCredentialLabel = "Default Key"

// ValidProvider reports whether the value is a known provider identifier.
func ValidProvider(p Provider) bool {
	_, ok := validProviders[p]
	return ok
}

// Providers returns the closed set of provider identifiers.
func Providers() []Provider {
	return []Provider{ProviderGemini, ProviderOpenAI, ProviderAnthropic, ProviderGroq}
}

// CredentialUsage aggregates consumption recorded against a credential.
// TotalTokens never resets; TokensToday is the daily quota window and is
// swept back to zero by the maintenance job.
type CredentialUsage struct {
	TotalRequests  int64      `gorm:"not null;default:0" json:"total_requests"`
	TotalTokens    int64      `gorm:"not null;default:0" json:"total_tokens"`
	TotalCostCents int64      `gorm:"not null;default:0" json:"total_cost_cents"`
	TokensToday    int64      `gorm:"not null;default:0" json:"tokens_today"`
	DayStartedAt   *time.Time `json:"day_started_at,omitempty"`
	LastUsedAt     *time.Time `json:"last_used_at,omitempty"`
}

// CredentialRateLimit holds optional per-credential throttling policy.
// A nil limit means unlimited.
type CredentialRateLimit struct {
	RequestsPerMinute *int   `json:"requests_per_minute,omitempty"`
	TokensPerDay      *int64 `json:"tokens_per_day,omitempty"`
}

// Credential is an encrypted provider API key owned by an organization, or a
// platform-global fallback when OrganizationID is nil.
type Credential struct {
	BaseModel

	OrganizationID *string  `gorm:"type:uuid;index" json:"organization_id"`
	Provider       Provider `gorm:"type:text;not null;index" json:"provider"`
	EncryptedKey   string   `gorm:"type:text;not null" json:"-"`
	Label          string   `gorm:"not null" json:"label"`
	IsActive       bool     `gorm:"not null;index" json:"is_active"`

	Usage     CredentialUsage     `gorm:"embedded;embeddedPrefix:usage_" json:"usage"`
	RateLimit CredentialRateLimit `gorm:"embedded;embeddedPrefix:limit_" json:"rate_limit"`

	CreatedBy string         `gorm:"type:uuid" json:"created_by"`
	UpdatedBy string         `gorm:"type:uuid" json:"updated_by"`
	Metadata  datatypes.JSON `json:"metadata,omitempty"`

	LastRotatedAt *time.Time `json:"last_rotated_at,omitempty"`
	ExpiresAt     *time.Time `json:"expires_at,omitempty"`
}

// BeforeCreate generates the row id, validates provider membership, and
// normalises credential fields. The encrypted key must already be sealed;
// plaintext never reaches storage. Validation hooks only inserts: updates go
// through explicit column maps on a zero-value model, where a save hook
// would reject the statement before SQL runs.
func (c *Credential) BeforeCreate(tx *gorm.DB) error {
	if err := c.BaseModel.BeforeCreate(tx); err != nil {
		return err
	}

	provider := Provider(strings.TrimSpace(string(c.Provider)))
	if _, ok := validProviders[provider]; !ok {
		return fmt.Errorf("credential: invalid provider %q", c.Provider)
	}
	c.Provider = provider

	c.EncryptedKey = strings.TrimSpace(c.EncryptedKey)
	if c.EncryptedKey == "" {
		return errors.New("credential: encrypted_key is required")
	}

	c.Label = strings.TrimSpace(c.Label)
	if c.Label == "" {
		c.Label = DefaultCredentialLabel
	}

	if c.OrganizationID != nil && strings.TrimSpace(*c.OrganizationID) == "" {
		c.OrganizationID = nil
	}

	return nil
}

// IsExpired reports whether the credential carries an expiry in the past.
func (c *Credential) IsExpired(now time.Time) bool {
	return c.ExpiresAt != nil && c.ExpiresAt.Before(now)
}
