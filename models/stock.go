package models

import "time"

// StockRecord is the canonical source of truth for one sellable variant's
// on-hand quantity, independent of any channel.
//
// StockUpdatedAt is set only when Quantity changes, never on link-only edits.
// The matcher reads it to detect out-of-band manual adjustments.
type StockRecord struct {
	ID               int        `gorm:"primary_key" json:"id"`
	Name             string     `gorm:"size:255;not null;index:idx_stock_name_color,priority:1" json:"name"`
	Color            string     `gorm:"size:100;not null;index:idx_stock_name_color,priority:2" json:"color"`
	Size             *string    `gorm:"size:50" json:"size"`
	Quantity         int        `gorm:"not null;default:0" json:"quantity"`
	BrandCode        string     `gorm:"size:10;index" json:"brand_code"`
	ChannelProductId *string    `gorm:"size:100;index" json:"channel_product_id"`
	CreatedAt        time.Time  `gorm:"autoCreateTime" json:"created_at"`
	StockUpdatedAt   *time.Time `json:"stock_updated_at"`
}
