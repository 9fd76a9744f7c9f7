package recon

import (
	"context"

	"bitbucket.org/mmdatafocus/channelsync_backend/models"
)

// Store is the persistence contract the engine consumes. models.Store is the
// production implementation; tests substitute an in-memory fake.
//
// Lookups that can miss return (nil, nil).
type Store interface {
	GetConfig(ctx context.Context, key string) (string, bool, error)
	SetConfig(ctx context.Context, key string, value string) error

	AppendAudit(ctx context.Context, entry *models.SyncAudit) error
	QueryAudit(ctx context.Context, filter models.AuditFilter) ([]models.SyncAudit, error)

	CreateStock(ctx context.Context, record *models.StockRecord) error
	StockByLink(ctx context.Context, channelProductId string, color string) (*models.StockRecord, error)
	StockByExact(ctx context.Context, name string, color string) (*models.StockRecord, error)
	StockByLike(ctx context.Context, nameLike string, colorLike string) (*models.StockRecord, error)
	UpdateStockQuantity(ctx context.Context, id int, quantity int) error
	UpdateStockLink(ctx context.Context, id int, channelProductId string) error

	MappingFor(ctx context.Context, channelProductId string, option string) (*models.ListingMapping, error)
	UpsertMapping(ctx context.Context, mapping *models.ListingMapping) error
	DeleteMapping(ctx context.Context, channelProductId string, option string) error

	InsertSaleIfAbsent(ctx context.Context, sale *models.SalesRecord) (bool, error)
}
