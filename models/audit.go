package models

import "time"

// SyncAudit is one immutable record of one decision the engine made.
// Append-only: never updated or deleted by the engine.
type SyncAudit struct {
	ID               uint      `gorm:"primary_key" json:"id"`
	RunId            string    `gorm:"size:36;index" json:"run_id"`
	EntryType        string    `gorm:"size:32;not null;index:idx_audit_guard,priority:1" json:"entry_type"`
	SourceChannel    string    `gorm:"size:32" json:"source_channel"`
	DestChannel      string    `gorm:"size:32" json:"dest_channel"`
	OrderLineId      string    `gorm:"size:128;index:idx_audit_guard,priority:2" json:"order_line_id"`
	ChannelProductId string    `gorm:"size:100" json:"channel_product_id"`
	ProductName      string    `gorm:"size:255" json:"product_name"`
	ProductOption    string    `gorm:"size:255" json:"product_option"`
	Quantity         int       `json:"quantity"`
	Status           string    `gorm:"size:10;not null" json:"status"`
	Message          string    `gorm:"type:text" json:"message"`
	CreatedAt        time.Time `gorm:"autoCreateTime" json:"created_at"`
}
