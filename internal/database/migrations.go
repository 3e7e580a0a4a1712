package database

import (
	"strings"

	"gorm.io/gorm"

	"github.com/quillio/keyvault/internal/models"
)

// AutoMigrate creates or updates the database schema for all models.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&models.Credential{},
		&models.AuditLog{},
		&models.CacheEntry{},
	)
}

// EnsureCredentialIndexes creates the partial unique index that enforces the
// single-active-credential invariant per (organization, provider) scope.
//
// A plain unique index cannot express the invariant: SQL treats NULL
// organization ids as distinct, so two active platform credentials would both
// be accepted. The index therefore covers COALESCE(organization_id, '') and
// is filtered to active rows. MySQL has no partial indexes; there the
// invariant relies on the serialized deactivate-then-insert transaction in
// the service layer.
func EnsureCredentialIndexes(db *gorm.DB) error {
	driver := strings.ToLower(db.Dialector.Name())
	if driver == "mysql" {
		return nil
	}

	return db.Exec(
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_credentials_active_scope
		 ON credentials (COALESCE(organization_id, ''), provider)
		 WHERE is_active`,
	).Error
}
