package services

import (
	"context"
	"encoding/json"
	"strings"

	"gorm.io/datatypes"

	"github.com/quillio/keyvault/internal/auditctx"
	"github.com/quillio/keyvault/pkg/logger"

	"go.uber.org/zap"
)

func ensureContext(ctx context.Context) context.Context {
	if ctx == nil {
		return context.Background()
	}
	return ctx
}

// recordAudit writes audit entries best-effort: a failed audit write is
// logged but never fails the primary operation. Actor metadata stored on the
// context fills in whatever the entry itself does not carry.
func recordAudit(audit *AuditService, ctx context.Context, entry AuditEntry) {
	if audit == nil {
		return
	}
	ctx = ensureContext(ctx)
	if actor, ok := auditctx.FromContext(ctx); ok {
		if entry.ActorID == nil && strings.TrimSpace(actor.UserID) != "" {
			id := strings.TrimSpace(actor.UserID)
			entry.ActorID = &id
		}
		if actor.Source != "" {
			if entry.Metadata == nil {
				entry.Metadata = map[string]any{}
			}
			entry.Metadata["source"] = actor.Source
		}
	}
	if err := audit.Log(ctx, entry); err != nil {
		logger.WithModule("audit").Warn("audit write failed",
			zap.String("action", entry.Action),
			zap.Error(err))
	}
}

func normalizeOptionalID(value *string) *string {
	if value == nil {
		return nil
	}
	trimmed := strings.TrimSpace(*value)
	if trimmed == "" {
		return nil
	}
	return &trimmed
}

func decodeJSONMap(value datatypes.JSON) map[string]any {
	if len(value) == 0 {
		return nil
	}
	var result map[string]any
	if err := json.Unmarshal(value, &result); err != nil {
		return nil
	}
	return result
}
