package services

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/quillio/keyvault/internal/database/testutil"
	"github.com/quillio/keyvault/internal/vault"
	"github.com/quillio/keyvault/pkg/crypto"
)

func newTestCrypto(t *testing.T) *vault.Crypto {
	t.Helper()

	c, err := vault.NewCrypto(
		[]byte("0123456789abcdef0123456789abcdef"),
		vault.WithArgon2Parameters(crypto.Argon2Parameters{Time: 1, Memory: 8 * 1024, Threads: 1, KeyLength: 32}),
	)
	require.NoError(t, err)
	return c
}

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	return testutil.MustOpenTestDB(t, testutil.WithMigrations())
}

func newTestService(t *testing.T, opts ...CredentialOption) (*CredentialService, *gorm.DB) {
	t.Helper()

	db := newTestDB(t)

	auditSvc, err := NewAuditService(db)
	require.NoError(t, err)

	svc, err := NewCredentialService(db, auditSvc, newTestCrypto(t), opts...)
	require.NoError(t, err)
	return svc, db
}

func stringPtr(v string) *string {
	return &v
}

func intPtr(v int) *int {
	return &v
}

func int64Ptr(v int64) *int64 {
	return &v
}

func timePtr(v time.Time) *time.Time {
	return &v
}
