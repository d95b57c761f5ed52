package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"zackai/internal/storage"
)

const (
	ModeFree = "free"
	ModePro  = "pro"
)

const maxModelOverrideLen = 80

// tier is the resolved per-request decision: which key, model and budgets a
// single exchange runs under. It is never cached across requests; deleting a
// stored key takes effect on the next message.
type tier struct {
	Mode          string
	APIKey        string
	Model         string
	MaxTokens     int
	HistoryWindow int
	CredentialID  string
}

// resolveTier checks for a stored credential first. A decryptable stored key
// selects pro mode; no stored key falls back to the shared key and free
// mode; a stored key that fails to decrypt aborts the request instead of
// downgrading.
func (e *Engine) resolveTier(ctx context.Context, userID, modelOverride string) (tier, error) {
	modelOverride = strings.TrimSpace(modelOverride)
	if len(modelOverride) > maxModelOverrideLen {
		return tier{}, ErrInvalidModel
	}

	cred, err := e.store.GetCredential(ctx, userID, storage.ProviderGroq)
	switch {
	case err == nil:
		apiKey, derr := e.vault.OpenString(cred.EncAPIKey)
		if derr != nil {
			e.logger.Error().Err(derr).Str("user_id", userID).Msg("stored credential unusable")
			return tier{}, fmt.Errorf("%w: %v", ErrConfiguration, derr)
		}
		model := modelOverride
		if model == "" {
			model = e.ai.ProModel
		}
		if model == "" {
			model = e.ai.FreeModel
		}
		return tier{
			Mode:          ModePro,
			APIKey:        apiKey,
			Model:         model,
			MaxTokens:     e.ai.ProMaxTokens,
			HistoryWindow: e.ai.ProHistory,
			CredentialID:  cred.ID,
		}, nil
	case errors.Is(err, storage.ErrNotFound):
	default:
		return tier{}, fmt.Errorf("load credential: %w", err)
	}

	if e.ai.SharedAPIKey == "" {
		return tier{}, ErrNoCredential
	}
	return tier{
		Mode:          ModeFree,
		APIKey:        e.ai.SharedAPIKey,
		Model:         e.ai.FreeModel,
		MaxTokens:     e.ai.FreeMaxTokens,
		HistoryWindow: e.ai.FreeHistory,
	}, nil
}

// checkFreeQuota enforces the rolling 24 hour free-tier limit. Pro requests
// never reach here.
func (e *Engine) checkFreeQuota(ctx context.Context, userID string, now time.Time) error {
	since := now.Add(-24 * time.Hour)
	n, err := e.store.CountUserTextMessagesSince(ctx, userID, since)
	if err != nil {
		return fmt.Errorf("count quota window: %w", err)
	}
	if n >= e.ai.FreeDailyLimit {
		e.metrics.QuotaRejections.Inc()
		return ErrQuotaExceeded
	}
	return nil
}
