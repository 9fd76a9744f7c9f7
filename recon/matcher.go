package recon

import (
	"context"
	"regexp"
	"strings"
	"time"

	"bitbucket.org/mmdatafocus/channelsync_backend/channels"
	"bitbucket.org/mmdatafocus/channelsync_backend/models"
)

type MatchAction int

const (
	ActionSkip MatchAction = iota
	ActionUpdate
	ActionCreate
)

const (
	MatchTypeDirect = "direct"
	MatchTypeExact  = "exact"
	MatchTypeFuzzy  = "fuzzy"
)

// DefaultColor is the placeholder used when a return carries no option string.
const DefaultColor = "기본"

// StockDraft describes a canonical record to be created for an unmatched return.
type StockDraft struct {
	Name             string
	Color            string
	BrandCode        string
	ChannelProductId string
}

type Resolution struct {
	Action      MatchAction
	MatchType   string
	Record      *models.StockRecord
	NewQuantity int
	// PendingLink is a channel product id to attach to Record (progressive
	// linking). Persisted even when the action is a manual-edit skip.
	PendingLink string
	Create      *StockDraft
	Reason      string
}

var bracketedRe = regexp.MustCompile(`\[[^\]]*\]|\([^)]*\)`)

// NormalizeName strips bracketed annotations and surrounding whitespace from a
// raw channel product name.
func NormalizeName(raw string) string {
	return strings.TrimSpace(bracketedRe.ReplaceAllString(raw, ""))
}

// BrandCode returns the lowercase two-letter prefix of the name when both
// leading runes are ASCII letters, otherwise "".
func BrandCode(name string) string {
	runes := []rune(name)
	if len(runes) < 2 {
		return ""
	}
	for _, r := range runes[:2] {
		if !(r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z') {
			return ""
		}
	}
	return strings.ToLower(string(runes[:2]))
}

// KeywordRemainder is the normalized name with a leading brand prefix removed,
// used as the fuzzy-match substring.
func KeywordRemainder(name string) string {
	if BrandCode(name) == "" {
		return name
	}
	return strings.TrimSpace(string([]rune(name)[2:]))
}

// resolveReturn decides what a return event means for canonical stock, in
// strict tier order: idempotency guard, direct link, exact text, fuzzy text,
// manual-edit check, create. touched holds the record ids this cycle has
// already mutated; their StockUpdatedAt stamp is the engine's own write and
// must not count as a manual edit.
func (e *Engine) resolveReturn(ctx context.Context, d channels.OrderLineDetail, watermark time.Time, touched map[int]bool) (Resolution, error) {
	processed, err := e.store.QueryAudit(ctx, models.AuditFilter{
		EntryType:   models.AuditTypeStockUpdated,
		OrderLineId: d.OrderLineId,
		Status:      models.AuditStatusSuccess,
		Limit:       1,
	})
	if err != nil {
		return Resolution{}, err
	}
	if len(processed) > 0 {
		return Resolution{Action: ActionSkip, Reason: "already processed"}, nil
	}

	var (
		record      *models.StockRecord
		matchType   string
		pendingLink string
	)

	if d.ChannelProductId != "" {
		record, err = e.store.StockByLink(ctx, d.ChannelProductId, d.ProductOption)
		if err != nil {
			return Resolution{}, err
		}
		if record == nil {
			record, err = e.store.StockByLink(ctx, d.ChannelProductId, "")
			if err != nil {
				return Resolution{}, err
			}
		}
		if record != nil {
			matchType = MatchTypeDirect
		}
	}

	name := NormalizeName(d.ProductName)

	if record == nil && name != "" {
		record, err = e.store.StockByExact(ctx, name, d.ProductOption)
		if err != nil {
			return Resolution{}, err
		}
		if record != nil {
			matchType = MatchTypeExact
		}
	}

	if record == nil {
		keyword := KeywordRemainder(name)
		if keyword != "" && d.ProductOption != "" {
			// Unranked first-substring-match; ORDER BY id makes "first" stable.
			record, err = e.store.StockByLike(ctx, keyword, d.ProductOption)
			if err != nil {
				return Resolution{}, err
			}
			if record != nil {
				matchType = MatchTypeFuzzy
			}
		}
	}

	if record != nil {
		if matchType != MatchTypeDirect && record.ChannelProductId == nil && d.ChannelProductId != "" {
			pendingLink = d.ChannelProductId
		}

		// A quantity mutation after the current watermark means a human
		// already adjusted this record out-of-band since the last cycle,
		// unless this cycle wrote the stamp itself.
		if record.StockUpdatedAt != nil && record.StockUpdatedAt.After(watermark) && !touched[record.ID] {
			return Resolution{
				Action:      ActionSkip,
				MatchType:   matchType,
				Record:      record,
				PendingLink: pendingLink,
				Reason:      "manual update detected",
			}, nil
		}

		return Resolution{
			Action:      ActionUpdate,
			MatchType:   matchType,
			Record:      record,
			NewQuantity: record.Quantity + d.Quantity,
			PendingLink: pendingLink,
		}, nil
	}

	displayName := name
	if displayName == "" {
		displayName = strings.TrimSpace(d.ProductName)
	}
	color := d.ProductOption
	if color == "" {
		color = DefaultColor
	}
	return Resolution{
		Action: ActionCreate,
		Create: &StockDraft{
			Name:             displayName,
			Color:            color,
			BrandCode:        BrandCode(displayName),
			ChannelProductId: d.ChannelProductId,
		},
	}, nil
}
