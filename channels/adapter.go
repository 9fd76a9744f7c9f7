package channels

import (
	"context"
	"errors"
	"time"
)

// ErrListingNotFound is returned by IncreaseListingStock/GetListing when the
// vendor reports the listing gone (404). The engine reacts by discarding the
// stale mapping and re-creating the listing.
var ErrListingNotFound = errors.New("listing not found")

// Adapter is the uniform capability surface every marketplace integration
// exposes, regardless of vendor wire protocol. Implementations retry transient
// rate-limit failures internally with exponential backoff.
type Adapter interface {
	// Code returns the channel code used in audit entries and watermark keys.
	Code() string

	// Ready reports whether credentials for this channel are configured.
	Ready() bool

	// ListCompletedReturns returns deduplicated order-line ids whose last
	// status change in [from, to) indicates a finished return.
	ListCompletedReturns(ctx context.Context, from, to time.Time) ([]string, error)

	// GetOrderLineDetails batch-fetches normalized order line details.
	GetOrderLineDetails(ctx context.Context, ids []string) ([]OrderLineDetail, error)

	GetListing(ctx context.Context, id string) (*ListingDetail, error)
	CreateListing(ctx context.Context, draft *ListingDraft) (string, error)

	// IncreaseListingStock adds qty to the listing's current stock.
	IncreaseListingStock(ctx context.Context, listingId string, qty int) error

	// ListOrderStatusChanges returns order-line ids with any status change in
	// [from, to), independent of the return-specific query.
	ListOrderStatusChanges(ctx context.Context, from, to time.Time) ([]string, error)
}
