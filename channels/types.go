package channels

import (
	"time"

	"github.com/shopspring/decimal"
)

// OrderLineDetail is the normalized shape of one order line, produced at the
// adapter boundary. Vendor payload variance (nested sub-objects, differing
// field names) must be flattened here and never leak into the engine.
type OrderLineDetail struct {
	OrderLineId      string
	ChannelCode      string
	ProductName      string
	ProductOption    string
	Quantity         int
	ChannelProductId string // may be empty
	Status           string
	UnitAmount       decimal.Decimal
	OrderedAt        time.Time
	DetectedAt       time.Time
}

type ListingOption struct {
	Name  string
	Stock int
}

type ListingDetail struct {
	ListingId   string
	Name        string
	Description string
	Price       decimal.Decimal
	Options     []ListingOption
	ImageURLs   []string
}

// ListingDraft is a creatable listing for a storefront.
type ListingDraft struct {
	Name            string
	Description     string
	Price           decimal.Decimal
	Option          string
	InitialStock    int
	SourceListingId string
}
