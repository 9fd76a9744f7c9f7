package channels

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"
)

var coupangCompletedReceipts = map[string]bool{
	"RETURN_COMPLETED":  true,
	"RETURNS_COMPLETED": true,
	"RETURN_EXCHANGED":  true,
}

// CoupangAdapter signs each request with an HMAC-SHA256 of the method, path
// and a datetime header, per the vendor's auth scheme.
type CoupangAdapter struct {
	code      string
	vendorId  string
	accessKey string
	client    *apiClient
}

func NewCoupangAdapter(code, vendorId, accessKey, secretKey string) *CoupangAdapter {
	baseURL := strings.TrimSpace(os.Getenv("COUPANG_API_BASE_URL"))
	if baseURL == "" {
		baseURL = "https://api-gateway.coupang.com"
	}
	client := newAPIClient(baseURL, accessKey, "X-Access-Key", 30)
	client.sign = func(req *http.Request) {
		datetime := time.Now().UTC().Format("060102T150405Z")
		message := datetime + req.Method + req.URL.Path
		mac := hmac.New(sha256.New, []byte(secretKey))
		mac.Write([]byte(message))
		signature := hex.EncodeToString(mac.Sum(nil))
		req.Header.Set("X-Datetime", datetime)
		req.Header.Set("Authorization", fmt.Sprintf("CEA algorithm=HmacSHA256, access-key=%s, signed-date=%s, signature=%s", accessKey, datetime, signature))
	}
	return &CoupangAdapter{
		code:      code,
		vendorId:  vendorId,
		accessKey: accessKey,
		client:    client,
	}
}

func (a *CoupangAdapter) Code() string { return a.code }

func (a *CoupangAdapter) Ready() bool {
	return a.vendorId != "" && a.accessKey != ""
}

func (a *CoupangAdapter) ListCompletedReturns(ctx context.Context, from, to time.Time) ([]string, error) {
	params := url.Values{}
	params.Set("createdAtFrom", from.UTC().Format(time.RFC3339))
	params.Set("createdAtTo", to.UTC().Format(time.RFC3339))
	params.Set("maxPerPage", "50")

	rows, err := a.client.getAllPages(ctx, fmt.Sprintf("/v2/providers/openapi/apis/api/v4/vendors/%s/returnRequests", a.vendorId), params)
	if err != nil {
		return nil, err
	}

	seen := make(map[string]bool, len(rows))
	var ids []string
	for _, raw := range rows {
		var row struct {
			OrderItemId   string `json:"orderItemId"`
			ReceiptStatus string `json:"receiptStatus"`
		}
		if err := json.Unmarshal(raw, &row); err != nil {
			continue
		}
		id := strings.TrimSpace(row.OrderItemId)
		if id == "" || !coupangCompletedReceipts[strings.ToUpper(row.ReceiptStatus)] {
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

func (a *CoupangAdapter) GetOrderLineDetails(ctx context.Context, ids []string) ([]OrderLineDetail, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	now := time.Now()
	details := make([]OrderLineDetail, 0, len(ids))
	// The vendor has no batch endpoint for order items; fetch one by one
	// behind the shared rate limiter.
	for _, id := range ids {
		vendorId := strings.TrimPrefix(id, a.code+"-")
		var row struct {
			OrderItemId string      `json:"orderItemId"`
			ProductName string      `json:"sellerProductName"`
			ItemName    string      `json:"sellerProductItemName"`
			Quantity    json.Number `json:"shippingCount"`
			ProductId   string      `json:"sellerProductId"`
			Status      string      `json:"status"`
			UnitPrice   json.Number `json:"salesPrice"`
			OrderedAt   string      `json:"orderedAt"`
		}
		err := a.client.do(ctx, "GET", fmt.Sprintf("/v2/providers/openapi/apis/api/v4/vendors/%s/orderItems/%s", a.vendorId, url.PathEscape(vendorId)), nil, nil, &row)
		if err != nil {
			if isNotFoundErr(err) {
				continue
			}
			return details, err
		}
		details = append(details, OrderLineDetail{
			OrderLineId:      a.code + "-" + row.OrderItemId,
			ChannelCode:      a.code,
			ProductName:      strings.TrimSpace(row.ProductName),
			ProductOption:    strings.TrimSpace(row.ItemName),
			Quantity:         intFromNumber(row.Quantity, 1),
			ChannelProductId: strings.TrimSpace(row.ProductId),
			Status:           row.Status,
			UnitAmount:       decimalFromNumber(row.UnitPrice),
			OrderedAt:        parseTimeOrZero(row.OrderedAt),
			DetectedAt:       now,
		})
	}
	return details, nil
}

func (a *CoupangAdapter) GetListing(ctx context.Context, id string) (*ListingDetail, error) {
	var row struct {
		SellerProductId   string      `json:"sellerProductId"`
		SellerProductName string      `json:"sellerProductName"`
		SalePrice         json.Number `json:"salePrice"`
	}
	err := a.client.do(ctx, "GET", fmt.Sprintf("/v2/providers/seller_api/apis/api/v1/marketplace/seller-products/%s", url.PathEscape(id)), nil, nil, &row)
	if err != nil {
		if isNotFoundErr(err) {
			return nil, ErrListingNotFound
		}
		return nil, err
	}
	return &ListingDetail{
		ListingId: row.SellerProductId,
		Name:      row.SellerProductName,
		Price:     decimalFromNumber(row.SalePrice),
	}, nil
}

func (a *CoupangAdapter) CreateListing(ctx context.Context, draft *ListingDraft) (string, error) {
	body := map[string]interface{}{
		"sellerProductName": draft.Name,
		"salePrice":         draft.Price,
		"itemName":          draft.Option,
		"maximumBuyCount":   draft.InitialStock,
	}
	var resp struct {
		SellerProductId string `json:"sellerProductId"`
	}
	if err := a.client.do(ctx, "POST", "/v2/providers/seller_api/apis/api/v1/marketplace/seller-products", nil, body, &resp); err != nil {
		return "", err
	}
	return resp.SellerProductId, nil
}

func (a *CoupangAdapter) IncreaseListingStock(ctx context.Context, listingId string, qty int) error {
	body := map[string]interface{}{"addCount": qty}
	err := a.client.do(ctx, "PUT", fmt.Sprintf("/v2/providers/seller_api/apis/api/v1/marketplace/seller-products/%s/quantities", url.PathEscape(listingId)), nil, body, nil)
	if err != nil && isNotFoundErr(err) {
		return ErrListingNotFound
	}
	return err
}

func (a *CoupangAdapter) ListOrderStatusChanges(ctx context.Context, from, to time.Time) ([]string, error) {
	params := url.Values{}
	params.Set("createdAtFrom", from.UTC().Format(time.RFC3339))
	params.Set("createdAtTo", to.UTC().Format(time.RFC3339))
	params.Set("maxPerPage", "50")

	rows, err := a.client.getAllPages(ctx, fmt.Sprintf("/v2/providers/openapi/apis/api/v4/vendors/%s/ordersheets", a.vendorId), params)
	if err != nil {
		return nil, err
	}

	seen := make(map[string]bool, len(rows))
	var ids []string
	for _, raw := range rows {
		var row struct {
			OrderItemId string `json:"orderItemId"`
		}
		if err := json.Unmarshal(raw, &row); err != nil {
			continue
		}
		id := strings.TrimSpace(row.OrderItemId)
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		ids = append(ids, a.code+"-"+id)
	}
	return ids, nil
}
