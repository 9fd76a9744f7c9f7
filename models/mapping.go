package models

import "time"

// ListingMapping remembers, per (source channel product id, option), the
// mirrored listing on the secondary storefront and the outcome of the last
// reconciliation attempt. ProductOption uses "" as the no-option sentinel.
type ListingMapping struct {
	ID                 uint      `gorm:"primary_key" json:"id"`
	ChannelProductId   string    `gorm:"uniqueIndex:idx_listing_mapping,priority:1;size:100;not null" json:"channel_product_id"`
	ProductOption      string    `gorm:"uniqueIndex:idx_listing_mapping,priority:2;size:191;not null" json:"product_option"`
	SecondaryListingId *string   `gorm:"size:100" json:"secondary_listing_id"`
	MatchStatus        string    `gorm:"size:20;not null" json:"match_status"`
	CreatedAt          time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt          time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}
