package models

import (
	"context"
	"errors"
	"time"

	"bitbucket.org/mmdatafocus/channelsync_backend/config"
	mysqlDriver "github.com/go-sql-driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// AuditFilter narrows QueryAudit. Zero-valued fields are ignored.
type AuditFilter struct {
	RunId       string
	EntryType   string
	OrderLineId string
	Status      string
	Limit       int
}

// Store is the gorm-backed persistence layer consumed by the reconciliation
// engine. All lookups that can miss return (nil, nil) rather than an error.
type Store struct {
	db *gorm.DB
}

// NewStore wraps an explicit handle; NewStore(nil) resolves the global
// connection lazily, so a Store can be built before the database is up.
func NewStore(db *gorm.DB) *Store {
	return &Store{db: db}
}

func (s *Store) conn() *gorm.DB {
	if s.db != nil {
		return s.db
	}
	return config.GetDB()
}

func isDuplicateKeyErr(err error) bool {
	var mysqlErr *mysqlDriver.MySQLError
	if errors.As(err, &mysqlErr) {
		return mysqlErr.Number == 1062
	}
	return false
}

func (s *Store) GetConfig(ctx context.Context, key string) (string, bool, error) {
	var row SyncConfig
	err := s.conn().WithContext(ctx).Where("config_key = ?", key).Take(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return "", false, nil
		}
		return "", false, err
	}
	return row.Value, true, nil
}

func (s *Store) SetConfig(ctx context.Context, key string, value string) error {
	row := SyncConfig{ConfigKey: key, Value: value}
	return s.conn().WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "config_key"}},
			DoUpdates: clause.AssignmentColumns([]string{"value", "updated_at"}),
		}).
		Create(&row).Error
}

func (s *Store) AppendAudit(ctx context.Context, entry *SyncAudit) error {
	return s.conn().WithContext(ctx).Create(entry).Error
}

func (s *Store) QueryAudit(ctx context.Context, filter AuditFilter) ([]SyncAudit, error) {
	q := s.conn().WithContext(ctx).Model(&SyncAudit{})
	if filter.RunId != "" {
		q = q.Where("run_id = ?", filter.RunId)
	}
	if filter.EntryType != "" {
		q = q.Where("entry_type = ?", filter.EntryType)
	}
	if filter.OrderLineId != "" {
		q = q.Where("order_line_id = ?", filter.OrderLineId)
	}
	if filter.Status != "" {
		q = q.Where("status = ?", filter.Status)
	}
	if filter.Limit > 0 {
		q = q.Limit(filter.Limit)
	}
	var entries []SyncAudit
	if err := q.Order("id").Find(&entries).Error; err != nil {
		return nil, err
	}
	return entries, nil
}

func (s *Store) CreateStock(ctx context.Context, record *StockRecord) error {
	return s.conn().WithContext(ctx).Create(record).Error
}

// StockByLink finds a record whose channel link equals the given product id,
// optionally narrowed by exact color. Pass color "" to skip the narrowing.
func (s *Store) StockByLink(ctx context.Context, channelProductId string, color string) (*StockRecord, error) {
	q := s.conn().WithContext(ctx).Where("channel_product_id = ?", channelProductId)
	if color != "" {
		q = q.Where("color = ?", color)
	}
	var record StockRecord
	err := q.Order("id").Take(&record).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &record, nil
}

func (s *Store) StockByExact(ctx context.Context, name string, color string) (*StockRecord, error) {
	var record StockRecord
	err := s.conn().WithContext(ctx).
		Where("name = ? AND color = ?", name, color).
		Order("id").
		Take(&record).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &record, nil
}

// StockByLike finds the first record whose name and color contain the given
// substrings. Deterministic ORDER BY id keeps "first match wins" stable.
func (s *Store) StockByLike(ctx context.Context, nameLike string, colorLike string) (*StockRecord, error) {
	var record StockRecord
	err := s.conn().WithContext(ctx).
		Where("name LIKE ? AND color LIKE ?", "%"+nameLike+"%", "%"+colorLike+"%").
		Order("id").
		Take(&record).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &record, nil
}

// UpdateStockQuantity writes the new absolute total and stamps StockUpdatedAt.
func (s *Store) UpdateStockQuantity(ctx context.Context, id int, quantity int) error {
	now := time.Now()
	return s.conn().WithContext(ctx).
		Model(&StockRecord{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"quantity":         quantity,
			"stock_updated_at": now,
		}).Error
}

// UpdateStockLink attaches a channel product id without touching StockUpdatedAt.
func (s *Store) UpdateStockLink(ctx context.Context, id int, channelProductId string) error {
	return s.conn().WithContext(ctx).
		Model(&StockRecord{}).
		Where("id = ?", id).
		Update("channel_product_id", channelProductId).Error
}

func (s *Store) MappingFor(ctx context.Context, channelProductId string, option string) (*ListingMapping, error) {
	var mapping ListingMapping
	err := s.conn().WithContext(ctx).
		Where("channel_product_id = ? AND product_option = ?", channelProductId, option).
		Take(&mapping).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &mapping, nil
}

func (s *Store) UpsertMapping(ctx context.Context, mapping *ListingMapping) error {
	return s.conn().WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "channel_product_id"}, {Name: "product_option"}},
			DoUpdates: clause.AssignmentColumns([]string{"secondary_listing_id", "match_status", "updated_at"}),
		}).
		Create(mapping).Error
}

func (s *Store) DeleteMapping(ctx context.Context, channelProductId string, option string) error {
	return s.conn().WithContext(ctx).
		Where("channel_product_id = ? AND product_option = ?", channelProductId, option).
		Delete(&ListingMapping{}).Error
}

// InsertSaleIfAbsent inserts the sale and reports whether a row was written.
// A duplicate order-line id is not an error.
func (s *Store) InsertSaleIfAbsent(ctx context.Context, sale *SalesRecord) (bool, error) {
	err := s.conn().WithContext(ctx).Create(sale).Error
	if err == nil {
		return true, nil
	}
	if isDuplicateKeyErr(err) || errors.Is(err, gorm.ErrDuplicatedKey) {
		return false, nil
	}
	return false, err
}
