package models

// Audit entry types. A successful AuditTypeStockUpdated entry for an order line
// is the primary at-most-once guard for return processing.
const (
	AuditTypeReturnDetected    = "return-detected"
	AuditTypeQuantityIncreased = "quantity-increased"
	AuditTypeListingCreated    = "listing-created"
	AuditTypeStockUpdated      = "stock-updated"
	AuditTypePropagationError  = "propagation-error"
	AuditTypeSalesCollected    = "sales-collected"
)

const (
	AuditStatusSuccess = "success"
	AuditStatusFail    = "fail"
)

// Match status of a secondary listing mapping.
const (
	MatchStatusMatched   = "matched"
	MatchStatusManual    = "manual"
	MatchStatusUnmatched = "unmatched"
)

// Config keys in the sync_configs KV store.
const (
	ConfigKeyReturnSyncEnabled  = "return_sync_enabled"
	ConfigKeyReturnSyncInterval = "return_sync_interval_minutes"
	ConfigKeyLastSyncTime       = "last_sync_time"
	ConfigKeyRetryOrderIds      = "retry_order_ids"
)

func ConfigKeySalesWatermark(channelCode string) string {
	return "sales_watermark_" + channelCode
}
