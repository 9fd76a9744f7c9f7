package channels

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Return-claim states that mean the return actually finished, not merely was
// requested. Anything else is ignored by ListCompletedReturns.
var smartstoreCompletedClaims = map[string]bool{
	"RETURN_DONE":         true,
	"COLLECT_DONE":        true,
	"RETURN_PARTIAL_DONE": true,
}

// SmartstoreAdapter talks to one storefront on the smartstore platform.
// Two instances of it cover the primary and the secondary (outlet) store.
type SmartstoreAdapter struct {
	code    string
	storeId string
	client  *apiClient
}

func NewSmartstoreAdapter(code, storeId, apiKey string) *SmartstoreAdapter {
	baseURL := strings.TrimSpace(os.Getenv("SMARTSTORE_API_BASE_URL"))
	if baseURL == "" {
		baseURL = "https://api.commerce.smartstore.com"
	}
	return &SmartstoreAdapter{
		code:    code,
		storeId: storeId,
		client:  newAPIClient(baseURL, apiKey, "X-API-Key", 60),
	}
}

func (a *SmartstoreAdapter) Code() string { return a.code }

func (a *SmartstoreAdapter) Ready() bool {
	return a.storeId != "" && a.client.apiKey != ""
}

type ssClaimRow struct {
	ProductOrderId string `json:"productOrderId"`
	ClaimStatus    string `json:"claimStatus"`
}

// ssOrderLine may arrive flat or nested under "productOrder" depending on
// which endpoint produced it. flatten() hides that from callers.
type ssOrderLine struct {
	ProductOrder   *ssOrderLine `json:"productOrder"`
	ProductOrderId string       `json:"productOrderId"`
	ProductName    string       `json:"productName"`
	ProductOption  string       `json:"productOption"`
	Quantity       json.Number  `json:"quantity"`
	ProductId      string       `json:"productId"`
	Status         string       `json:"productOrderStatus"`
	UnitPrice      json.Number  `json:"unitPrice"`
	OrderedAt      string       `json:"orderDate"`
}

func (l ssOrderLine) flatten() ssOrderLine {
	if l.ProductOrder != nil {
		inner := *l.ProductOrder
		inner.ProductOrder = nil
		if inner.ProductOrderId == "" {
			inner.ProductOrderId = l.ProductOrderId
		}
		return inner
	}
	return l
}

func (a *SmartstoreAdapter) ListCompletedReturns(ctx context.Context, from, to time.Time) ([]string, error) {
	params := url.Values{}
	params.Set("lastChangedFrom", from.UTC().Format(time.RFC3339))
	params.Set("lastChangedTo", to.UTC().Format(time.RFC3339))
	params.Set("limit", "200")

	rows, err := a.client.getAllPages(ctx, fmt.Sprintf("/v1/stores/%s/return-claims", a.storeId), params)
	if err != nil {
		return nil, err
	}

	seen := make(map[string]bool, len(rows))
	var ids []string
	for _, raw := range rows {
		var claim ssClaimRow
		if err := json.Unmarshal(raw, &claim); err != nil {
			continue
		}
		id := strings.TrimSpace(claim.ProductOrderId)
		if id == "" || !smartstoreCompletedClaims[strings.ToUpper(claim.ClaimStatus)] {
			continue
		}
		if seen[id] {
			continue
		}
		seen[id] = true
		ids = append(ids, a.code+"-"+id)
	}
	return ids, nil
}

func (a *SmartstoreAdapter) GetOrderLineDetails(ctx context.Context, ids []string) ([]OrderLineDetail, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	vendorIds := make([]string, 0, len(ids))
	for _, id := range ids {
		vendorIds = append(vendorIds, strings.TrimPrefix(id, a.code+"-"))
	}

	var resp struct {
		Data []json.RawMessage `json:"data"`
	}
	body := map[string]interface{}{"productOrderIds": vendorIds}
	if err := a.client.do(ctx, "POST", fmt.Sprintf("/v1/stores/%s/order-lines/batch", a.storeId), nil, body, &resp); err != nil {
		return nil, err
	}

	now := time.Now()
	details := make([]OrderLineDetail, 0, len(resp.Data))
	for _, raw := range resp.Data {
		var line ssOrderLine
		if err := json.Unmarshal(raw, &line); err != nil {
			continue
		}
		line = line.flatten()
		if strings.TrimSpace(line.ProductOrderId) == "" {
			continue
		}
		details = append(details, OrderLineDetail{
			OrderLineId:      a.code + "-" + line.ProductOrderId,
			ChannelCode:      a.code,
			ProductName:      strings.TrimSpace(line.ProductName),
			ProductOption:    strings.TrimSpace(line.ProductOption),
			Quantity:         intFromNumber(line.Quantity, 1),
			ChannelProductId: strings.TrimSpace(line.ProductId),
			Status:           line.Status,
			UnitAmount:       decimalFromNumber(line.UnitPrice),
			OrderedAt:        parseTimeOrZero(line.OrderedAt),
			DetectedAt:       now,
		})
	}
	return details, nil
}

type ssListing struct {
	ListingId   string      `json:"listingId"`
	Name        string      `json:"name"`
	Description string      `json:"description"`
	Price       json.Number `json:"price"`
	Options     []struct {
		Name  string      `json:"name"`
		Stock json.Number `json:"stock"`
	} `json:"options"`
	ImageURLs []string `json:"imageUrls"`
}

func (a *SmartstoreAdapter) GetListing(ctx context.Context, id string) (*ListingDetail, error) {
	var listing ssListing
	err := a.client.do(ctx, "GET", fmt.Sprintf("/v1/stores/%s/listings/%s", a.storeId, url.PathEscape(id)), nil, nil, &listing)
	if err != nil {
		if isNotFoundErr(err) {
			return nil, ErrListingNotFound
		}
		return nil, err
	}

	detail := &ListingDetail{
		ListingId:   listing.ListingId,
		Name:        listing.Name,
		Description: listing.Description,
		Price:       decimalFromNumber(listing.Price),
		ImageURLs:   listing.ImageURLs,
	}
	for _, opt := range listing.Options {
		detail.Options = append(detail.Options, ListingOption{
			Name:  opt.Name,
			Stock: intFromNumber(opt.Stock, 0),
		})
	}
	return detail, nil
}

func (a *SmartstoreAdapter) CreateListing(ctx context.Context, draft *ListingDraft) (string, error) {
	body := map[string]interface{}{
		"name":        draft.Name,
		"description": draft.Description,
		"price":       draft.Price,
		"option":      draft.Option,
		"stock":       draft.InitialStock,
	}
	var resp struct {
		ListingId string `json:"listingId"`
	}
	if err := a.client.do(ctx, "POST", fmt.Sprintf("/v1/stores/%s/listings", a.storeId), nil, body, &resp); err != nil {
		return "", err
	}
	return resp.ListingId, nil
}

func (a *SmartstoreAdapter) IncreaseListingStock(ctx context.Context, listingId string, qty int) error {
	body := map[string]interface{}{
		"mode":     "increase",
		"quantity": qty,
	}
	err := a.client.do(ctx, "PUT", fmt.Sprintf("/v1/stores/%s/listings/%s/stock", a.storeId, url.PathEscape(listingId)), nil, body, nil)
	if err != nil && isNotFoundErr(err) {
		return ErrListingNotFound
	}
	return err
}

func (a *SmartstoreAdapter) ListOrderStatusChanges(ctx context.Context, from, to time.Time) ([]string, error) {
	params := url.Values{}
	params.Set("lastChangedFrom", from.UTC().Format(time.RFC3339))
	params.Set("lastChangedTo", to.UTC().Format(time.RFC3339))
	params.Set("limit", "200")

	rows, err := a.client.getAllPages(ctx, fmt.Sprintf("/v1/stores/%s/order-lines/status-changes", a.storeId), params)
	if err != nil {
		return nil, err
	}

	seen := make(map[string]bool, len(rows))
	var ids []string
	for _, raw := range rows {
		var row struct {
			ProductOrderId string `json:"productOrderId"`
		}
		if err := json.Unmarshal(raw, &row); err != nil {
			continue
		}
		id := strings.TrimSpace(row.ProductOrderId)
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		ids = append(ids, a.code+"-"+id)
	}
	return ids, nil
}

func decimalFromNumber(num json.Number) decimal.Decimal {
	if num.String() == "" {
		return decimal.Zero
	}
	if d, err := decimal.NewFromString(num.String()); err == nil {
		return d
	}
	return decimal.Zero
}

func intFromNumber(num json.Number, def int) int {
	if num.String() == "" {
		return def
	}
	if n, err := num.Int64(); err == nil {
		return int(n)
	}
	return def
}

func parseTimeOrZero(value string) time.Time {
	value = strings.TrimSpace(value)
	if value == "" {
		return time.Time{}
	}
	if t, err := time.Parse(time.RFC3339, value); err == nil {
		return t
	}
	return time.Time{}
}
