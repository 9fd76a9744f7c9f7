package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// SalesRecord is one row of the cross-channel sales ledger. OrderLineId is
// channel-prefixed and globally unique; inserts are if-absent only.
type SalesRecord struct {
	ID          uint            `gorm:"primary_key" json:"id"`
	ChannelCode string          `gorm:"size:32;not null;index" json:"channel_code"`
	OrderLineId string          `gorm:"uniqueIndex;size:128;not null" json:"order_line_id"`
	ProductName string          `gorm:"size:255" json:"product_name"`
	Quantity    int             `json:"quantity"`
	Amount      decimal.Decimal `gorm:"type:decimal(20,4)" json:"amount"`
	OrderStatus string          `gorm:"size:32" json:"order_status"`
	OrderedAt   time.Time       `json:"ordered_at"`
	CreatedAt   time.Time       `gorm:"autoCreateTime" json:"created_at"`
}
