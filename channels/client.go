package channels

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// apiError carries the vendor HTTP status so adapters can distinguish a
// deleted listing (404) from other failures.
type apiError struct {
	Status int
	Body   string
}

func (e *apiError) Error() string {
	return fmt.Sprintf("api error %d: %s", e.Status, e.Body)
}

func isNotFoundErr(err error) bool {
	var ae *apiError
	return errors.As(err, &ae) && ae.Status == http.StatusNotFound
}

func isRetryableErr(err error) bool {
	var ae *apiError
	if errors.As(err, &ae) {
		return ae.Status == http.StatusTooManyRequests || ae.Status >= 500
	}
	return false
}

// apiClient is the shared JSON client for marketplace APIs: key-header auth,
// a rate-limit ticker, and exponential backoff on 429/5xx.
type apiClient struct {
	baseURL    string
	apiKey     string
	apiKeyHdr  string
	http       *http.Client
	limiter    <-chan time.Time
	maxRetries int
	retryBase  time.Duration
	sign       func(req *http.Request) // optional extra auth (HMAC etc.)
}

func newAPIClient(baseURL, apiKey, apiKeyHdr string, ratePerMin int64) *apiClient {
	if apiKeyHdr == "" {
		apiKeyHdr = "X-API-Key"
	}
	if ratePerMin <= 0 {
		ratePerMin = 60
	}
	interval := time.Minute / time.Duration(ratePerMin)

	return &apiClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		apiKeyHdr:  apiKeyHdr,
		http:       &http.Client{Timeout: 30 * time.Second},
		limiter:    time.Tick(interval),
		maxRetries: 4,
		retryBase:  500 * time.Millisecond,
	}
}

type listResponse struct {
	Data       []json.RawMessage `json:"data"`
	Items      []json.RawMessage `json:"items"`
	NextCursor string            `json:"next_cursor"`
	Page       int               `json:"page"`
	HasMore    *bool             `json:"has_more"`
}

func (r listResponse) rows() []json.RawMessage {
	if len(r.Data) > 0 {
		return r.Data
	}
	return r.Items
}

func (c *apiClient) do(ctx context.Context, method, path string, params url.Values, body interface{}, dest interface{}) error {
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return err
		}
	}

	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			sleep := c.retryBase * time.Duration(1<<(attempt-1))
			select {
			case <-time.After(sleep):
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		err := c.doOnce(ctx, method, path, params, payload, dest)
		if err == nil {
			return nil
		}
		lastErr = err
		if !isRetryableErr(err) {
			return err
		}
	}
	return lastErr
}

func (c *apiClient) doOnce(ctx context.Context, method, path string, params url.Values, payload []byte, dest interface{}) error {
	<-c.limiter

	endpoint := c.baseURL + path
	if len(params) > 0 {
		endpoint = endpoint + "?" + params.Encode()
	}

	var reqBody io.Reader
	if payload != nil {
		reqBody = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, reqBody)
	if err != nil {
		return err
	}
	req.Header.Set(c.apiKeyHdr, c.apiKey)
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.sign != nil {
		c.sign(req)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &apiError{Status: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}

	if dest == nil {
		return nil
	}
	return json.Unmarshal(body, dest)
}

func (c *apiClient) getList(ctx context.Context, path string, params url.Values) (listResponse, error) {
	var parsed listResponse
	if err := c.do(ctx, http.MethodGet, path, params, nil, &parsed); err != nil {
		return listResponse{}, err
	}
	return parsed, nil
}

// getAllPages follows cursor pagination until exhausted.
func (c *apiClient) getAllPages(ctx context.Context, path string, params url.Values) ([]json.RawMessage, error) {
	var rows []json.RawMessage
	cursor := ""
	for {
		p := url.Values{}
		for k, vs := range params {
			for _, v := range vs {
				p.Add(k, v)
			}
		}
		if cursor != "" {
			p.Set("cursor", cursor)
		}
		resp, err := c.getList(ctx, path, p)
		if err != nil {
			return rows, err
		}
		rows = append(rows, resp.rows()...)
		if resp.NextCursor == "" || (resp.HasMore != nil && !*resp.HasMore) {
			return rows, nil
		}
		cursor = resp.NextCursor
	}
}
