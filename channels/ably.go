package channels

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

var ablyCompletedStates = map[string]bool{
	"returned":        true,
	"return_complete": true,
}

// AblyAdapter uses bearer-token auth and page-number pagination (the vendor
// has no cursor API).
type AblyAdapter struct {
	code   string
	client *apiClient
}

func NewAblyAdapter(code, token string) *AblyAdapter {
	baseURL := strings.TrimSpace(os.Getenv("ABLY_API_BASE_URL"))
	if baseURL == "" {
		baseURL = "https://openapi.a-bly.com"
	}
	client := newAPIClient(baseURL, "Bearer "+token, "Authorization", 30)
	if token == "" {
		client.apiKey = ""
	}
	return &AblyAdapter{code: code, client: client}
}

func (a *AblyAdapter) Code() string { return a.code }

func (a *AblyAdapter) Ready() bool { return a.client.apiKey != "" }

// getAllNumberedPages walks page=1..n until a short page comes back.
func (a *AblyAdapter) getAllNumberedPages(ctx context.Context, path string, params url.Values) ([]json.RawMessage, error) {
	const perPage = 100
	var rows []json.RawMessage
	for page := 1; ; page++ {
		p := url.Values{}
		for k, vs := range params {
			for _, v := range vs {
				p.Add(k, v)
			}
		}
		p.Set("page", strconv.Itoa(page))
		p.Set("per_page", strconv.Itoa(perPage))

		resp, err := a.client.getList(ctx, path, p)
		if err != nil {
			return rows, err
		}
		batch := resp.rows()
		rows = append(rows, batch...)
		if len(batch) < perPage {
			return rows, nil
		}
	}
}

func (a *AblyAdapter) ListCompletedReturns(ctx context.Context, from, to time.Time) ([]string, error) {
	params := url.Values{}
	params.Set("updated_from", from.UTC().Format(time.RFC3339))
	params.Set("updated_to", to.UTC().Format(time.RFC3339))

	rows, err := a.getAllNumberedPages(ctx, "/v1/returns", params)
	if err != nil {
		return nil, err
	}

	seen := make(map[string]bool, len(rows))
	var ids []string
	for _, raw := range rows {
		var row struct {
			OrderLineId string `json:"order_line_id"`
			State       string `json:"state"`
		}
		if err := json.Unmarshal(raw, &row); err != nil {
			continue
		}
		id := strings.TrimSpace(row.OrderLineId)
		if id == "" || !ablyCompletedStates[strings.ToLower(row.State)] {
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

func (a *AblyAdapter) GetOrderLineDetails(ctx context.Context, ids []string) ([]OrderLineDetail, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	vendorIds := make([]string, 0, len(ids))
	for _, id := range ids {
		vendorIds = append(vendorIds, strings.TrimPrefix(id, a.code+"-"))
	}

	var resp struct {
		Items []json.RawMessage `json:"items"`
	}
	if err := a.client.do(ctx, "POST", "/v1/order-lines/bulk", nil, map[string]interface{}{"ids": vendorIds}, &resp); err != nil {
		return nil, err
	}

	now := time.Now()
	details := make([]OrderLineDetail, 0, len(resp.Items))
	for _, raw := range resp.Items {
		var row struct {
			OrderLineId string      `json:"order_line_id"`
			GoodsName   string      `json:"goods_name"`
			OptionName  string      `json:"option_name"`
			Quantity    json.Number `json:"quantity"`
			GoodsId     string      `json:"goods_id"`
			State       string      `json:"state"`
			Price       json.Number `json:"price"`
			OrderedAt   string      `json:"ordered_at"`
		}
		if err := json.Unmarshal(raw, &row); err != nil {
			continue
		}
		if strings.TrimSpace(row.OrderLineId) == "" {
			continue
		}
		details = append(details, OrderLineDetail{
			OrderLineId:      a.code + "-" + row.OrderLineId,
			ChannelCode:      a.code,
			ProductName:      strings.TrimSpace(row.GoodsName),
			ProductOption:    strings.TrimSpace(row.OptionName),
			Quantity:         intFromNumber(row.Quantity, 1),
			ChannelProductId: strings.TrimSpace(row.GoodsId),
			Status:           row.State,
			UnitAmount:       decimalFromNumber(row.Price),
			OrderedAt:        parseTimeOrZero(row.OrderedAt),
			DetectedAt:       now,
		})
	}
	return details, nil
}

func (a *AblyAdapter) GetListing(ctx context.Context, id string) (*ListingDetail, error) {
	var row struct {
		GoodsId   string      `json:"goods_id"`
		GoodsName string      `json:"goods_name"`
		Price     json.Number `json:"price"`
	}
	err := a.client.do(ctx, "GET", fmt.Sprintf("/v1/goods/%s", url.PathEscape(id)), nil, nil, &row)
	if err != nil {
		if isNotFoundErr(err) {
			return nil, ErrListingNotFound
		}
		return nil, err
	}
	return &ListingDetail{
		ListingId: row.GoodsId,
		Name:      row.GoodsName,
		Price:     decimalFromNumber(row.Price),
	}, nil
}

func (a *AblyAdapter) CreateListing(ctx context.Context, draft *ListingDraft) (string, error) {
	body := map[string]interface{}{
		"goods_name":  draft.Name,
		"price":       draft.Price,
		"option_name": draft.Option,
		"stock":       draft.InitialStock,
	}
	var resp struct {
		GoodsId string `json:"goods_id"`
	}
	if err := a.client.do(ctx, "POST", "/v1/goods", nil, body, &resp); err != nil {
		return "", err
	}
	return resp.GoodsId, nil
}

func (a *AblyAdapter) IncreaseListingStock(ctx context.Context, listingId string, qty int) error {
	body := map[string]interface{}{"add": qty}
	err := a.client.do(ctx, "PUT", fmt.Sprintf("/v1/goods/%s/stock", url.PathEscape(listingId)), nil, body, nil)
	if err != nil && isNotFoundErr(err) {
		return ErrListingNotFound
	}
	return err
}

func (a *AblyAdapter) ListOrderStatusChanges(ctx context.Context, from, to time.Time) ([]string, error) {
	params := url.Values{}
	params.Set("updated_from", from.UTC().Format(time.RFC3339))
	params.Set("updated_to", to.UTC().Format(time.RFC3339))

	rows, err := a.getAllNumberedPages(ctx, "/v1/order-lines", params)
	if err != nil {
		return nil, err
	}

	seen := make(map[string]bool, len(rows))
	var ids []string
	for _, raw := range rows {
		var row struct {
			OrderLineId string `json:"order_line_id"`
		}
		if err := json.Unmarshal(raw, &row); err != nil {
			continue
		}
		id := strings.TrimSpace(row.OrderLineId)
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		ids = append(ids, a.code+"-"+id)
	}
	return ids, nil
}
