package channels

import (
	"encoding/json"
	"net/http"

	"testing"
)

func TestOrderLineFlatten(t *testing.T) {
	raw := `{"productOrderId":"PO-1","productOrder":{"productName":"AB coat","productOption":"black","quantity":2,"productId":"P1"}}`
	var line ssOrderLine
	if err := json.Unmarshal([]byte(raw), &line); err != nil {
		t.Fatal(err)
	}
	flat := line.flatten()
	if flat.ProductOrderId != "PO-1" {
		t.Fatalf("outer id not carried into nested shape: %q", flat.ProductOrderId)
	}
	if flat.ProductName != "AB coat" || flat.ProductId != "P1" {
		t.Fatalf("nested fields lost: %+v", flat)
	}

	// Flat payloads pass through untouched.
	var plain ssOrderLine
	if err := json.Unmarshal([]byte(`{"productOrderId":"PO-2","productName":"tee"}`), &plain); err != nil {
		t.Fatal(err)
	}
	if got := plain.flatten(); got.ProductOrderId != "PO-2" || got.ProductName != "tee" {
		t.Fatalf("flat payload mangled: %+v", got)
	}
}

func TestNumberHelpers(t *testing.T) {
	if got := intFromNumber(json.Number("3"), 1); got != 3 {
		t.Fatalf("intFromNumber = %d", got)
	}
	if got := intFromNumber(json.Number(""), 1); got != 1 {
		t.Fatalf("empty number default = %d", got)
	}
	if got := intFromNumber(json.Number("abc"), 7); got != 7 {
		t.Fatalf("invalid number default = %d", got)
	}

	if got := decimalFromNumber(json.Number("19900.50")); got.String() != "19900.5" {
		t.Fatalf("decimalFromNumber = %s", got)
	}
	if !decimalFromNumber(json.Number("")).IsZero() {
		t.Fatal("empty number should be zero")
	}

	if !parseTimeOrZero("not a time").IsZero() {
		t.Fatal("invalid time should be zero")
	}
	if parseTimeOrZero("2026-03-01T09:00:00Z").IsZero() {
		t.Fatal("valid RFC3339 time parsed as zero")
	}
}

func TestListResponseRowsPreference(t *testing.T) {
	data := listResponse{Data: []json.RawMessage{[]byte(`1`)}, Items: []json.RawMessage{[]byte(`2`), []byte(`3`)}}
	if got := len(data.rows()); got != 1 {
		t.Fatalf("data must win over items, got %d rows", got)
	}
	items := listResponse{Items: []json.RawMessage{[]byte(`2`)}}
	if got := len(items.rows()); got != 1 {
		t.Fatalf("items fallback broken, got %d rows", got)
	}
}

func TestRetryableErrClassification(t *testing.T) {
	cases := []struct {
		status    int
		retryable bool
		notFound  bool
	}{
		{http.StatusTooManyRequests, true, false},
		{http.StatusInternalServerError, true, false},
		{http.StatusBadGateway, true, false},
		{http.StatusNotFound, false, true},
		{http.StatusBadRequest, false, false},
	}
	for _, c := range cases {
		err := &apiError{Status: c.status}
		if got := isRetryableErr(err); got != c.retryable {
			t.Errorf("isRetryableErr(%d) = %v", c.status, got)
		}
		if got := isNotFoundErr(err); got != c.notFound {
			t.Errorf("isNotFoundErr(%d) = %v", c.status, got)
		}
	}
}
