package recon

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"testing"

	"bitbucket.org/mmdatafocus/channelsync_backend/channels"
	"bitbucket.org/mmdatafocus/channelsync_backend/models"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

type fakeStore struct {
	mu       sync.Mutex
	config   map[string]string
	audits   []models.SyncAudit
	stocks   []*models.StockRecord
	mappings map[string]*models.ListingMapping
	sales    map[string]*models.SalesRecord
	nextID   int

	// configErr is returned by GetConfig for configErrKey.
	configErrKey string
	configErr    error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		config:   map[string]string{},
		mappings: map[string]*models.ListingMapping{},
		sales:    map[string]*models.SalesRecord{},
	}
}

func mappingKey(cpid, option string) string { return cpid + "|" + option }

func (s *fakeStore) GetConfig(_ context.Context, key string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.configErr != nil && key == s.configErrKey {
		return "", false, s.configErr
	}
	v, ok := s.config[key]
	return v, ok, nil
}

func (s *fakeStore) SetConfig(_ context.Context, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.config[key] = value
	return nil
}

func (s *fakeStore) AppendAudit(_ context.Context, entry *models.SyncAudit) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *entry
	cp.ID = uint(len(s.audits) + 1)
	s.audits = append(s.audits, cp)
	return nil
}

func (s *fakeStore) QueryAudit(_ context.Context, filter models.AuditFilter) ([]models.SyncAudit, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.SyncAudit
	for _, a := range s.audits {
		if filter.RunId != "" && a.RunId != filter.RunId {
			continue
		}
		if filter.EntryType != "" && a.EntryType != filter.EntryType {
			continue
		}
		if filter.OrderLineId != "" && a.OrderLineId != filter.OrderLineId {
			continue
		}
		if filter.Status != "" && a.Status != filter.Status {
			continue
		}
		out = append(out, a)
		if filter.Limit > 0 && len(out) >= filter.Limit {
			break
		}
	}
	return out, nil
}

func (s *fakeStore) CreateStock(_ context.Context, record *models.StockRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	record.ID = s.nextID
	s.stocks = append(s.stocks, record)
	return nil
}

func (s *fakeStore) StockByLink(_ context.Context, cpid, color string) (*models.StockRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.stocks {
		if r.ChannelProductId == nil || *r.ChannelProductId != cpid {
			continue
		}
		if color != "" && r.Color != color {
			continue
		}
		return r, nil
	}
	return nil, nil
}

func (s *fakeStore) StockByExact(_ context.Context, name, color string) (*models.StockRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.stocks {
		if r.Name == name && r.Color == color {
			return r, nil
		}
	}
	return nil, nil
}

func (s *fakeStore) StockByLike(_ context.Context, nameLike, colorLike string) (*models.StockRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.stocks {
		if strings.Contains(r.Name, nameLike) && strings.Contains(r.Color, colorLike) {
			return r, nil
		}
	}
	return nil, nil
}

func (s *fakeStore) UpdateStockQuantity(_ context.Context, id, quantity int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.stocks {
		if r.ID == id {
			now := time.Now()
			r.Quantity = quantity
			r.StockUpdatedAt = &now
			return nil
		}
	}
	return errors.New("stock not found")
}

func (s *fakeStore) UpdateStockLink(_ context.Context, id int, cpid string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.stocks {
		if r.ID == id {
			r.ChannelProductId = &cpid
			return nil
		}
	}
	return errors.New("stock not found")
}

func (s *fakeStore) MappingFor(_ context.Context, cpid, option string) (*models.ListingMapping, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m, ok := s.mappings[mappingKey(cpid, option)]; ok {
		cp := *m
		return &cp, nil
	}
	return nil, nil
}

func (s *fakeStore) UpsertMapping(_ context.Context, m *models.ListingMapping) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *m
	s.mappings[mappingKey(m.ChannelProductId, m.ProductOption)] = &cp
	return nil
}

func (s *fakeStore) DeleteMapping(_ context.Context, cpid, option string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.mappings, mappingKey(cpid, option))
	return nil
}

func (s *fakeStore) InsertSaleIfAbsent(_ context.Context, sale *models.SalesRecord) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sales[sale.OrderLineId]; ok {
		return false, nil
	}
	cp := *sale
	s.sales[sale.OrderLineId] = &cp
	return true, nil
}

func (s *fakeStore) stockByID(id int) *models.StockRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.stocks {
		if r.ID == id {
			return r
		}
	}
	return nil
}

func (s *fakeStore) auditsOfType(entryType string) []models.SyncAudit {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.SyncAudit
	for _, a := range s.audits {
		if a.EntryType == entryType {
			out = append(out, a)
		}
	}
	return out
}

type fakeAdapter struct {
	code       string
	notReady   bool
	returns    []string
	returnsErr error
	details    map[string]channels.OrderLineDetail
	detailsErr error
	listings   map[string]*channels.ListingDetail
	createErr  error
	created    []*channels.ListingDraft
	stockAdds  map[string]int
	missing    map[string]bool
	statusIds  []string
	statusErr  error
}

func newFakeAdapter(code string) *fakeAdapter {
	return &fakeAdapter{
		code:      code,
		details:   map[string]channels.OrderLineDetail{},
		listings:  map[string]*channels.ListingDetail{},
		stockAdds: map[string]int{},
		missing:   map[string]bool{},
	}
}

func (a *fakeAdapter) Code() string { return a.code }
func (a *fakeAdapter) Ready() bool  { return !a.notReady }

func (a *fakeAdapter) ListCompletedReturns(context.Context, time.Time, time.Time) ([]string, error) {
	return a.returns, a.returnsErr
}

func (a *fakeAdapter) GetOrderLineDetails(_ context.Context, ids []string) ([]channels.OrderLineDetail, error) {
	if a.detailsErr != nil {
		return nil, a.detailsErr
	}
	var out []channels.OrderLineDetail
	for _, id := range ids {
		if d, ok := a.details[id]; ok {
			out = append(out, d)
		}
	}
	return out, nil
}

func (a *fakeAdapter) GetListing(_ context.Context, id string) (*channels.ListingDetail, error) {
	if l, ok := a.listings[id]; ok {
		return l, nil
	}
	return nil, channels.ErrListingNotFound
}

func (a *fakeAdapter) CreateListing(_ context.Context, draft *channels.ListingDraft) (string, error) {
	if a.createErr != nil {
		return "", a.createErr
	}
	a.created = append(a.created, draft)
	return fmt.Sprintf("%s-L%d", a.code, len(a.created)), nil
}

func (a *fakeAdapter) IncreaseListingStock(_ context.Context, listingId string, qty int) error {
	if a.missing[listingId] {
		return channels.ErrListingNotFound
	}
	a.stockAdds[listingId] += qty
	return nil
}

func (a *fakeAdapter) ListOrderStatusChanges(context.Context, time.Time, time.Time) ([]string, error) {
	return a.statusIds, a.statusErr
}

func testLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func newTestEngine(store Store, source, secondary *fakeAdapter, sales ...channels.Adapter) *Engine {
	return NewEngine(EngineParams{
		Store:         store,
		Source:        source,
		Secondary:     secondary,
		SalesChannels: sales,
		Logger:        testLogger(),
		Sleep:         func(time.Duration) {},
		BatchSize:     2,
	})
}

func strPtr(s string) *string { return &s }

func TestReturnProcessedOnceAcrossCycles(t *testing.T) {
	store := newFakeStore()
	_ = store.CreateStock(context.Background(), &models.StockRecord{
		Name: "AB coat", Color: "black", Quantity: 5, ChannelProductId: strPtr("P1"),
	})
	_ = store.UpsertMapping(context.Background(), &models.ListingMapping{
		ChannelProductId: "P1", ProductOption: "black",
		SecondaryListingId: strPtr("S1"), MatchStatus: models.MatchStatusMatched,
	})

	source := newFakeAdapter("smartstore-main")
	source.returns = []string{"smartstore-main-1001"}
	source.details["smartstore-main-1001"] = channels.OrderLineDetail{
		OrderLineId: "smartstore-main-1001", ChannelCode: "smartstore-main",
		ProductName: "AB coat", ProductOption: "black", Quantity: 2, ChannelProductId: "P1",
	}
	secondary := newFakeAdapter("smartstore-outlet")

	engine := newTestEngine(store, source, secondary)

	res, err := engine.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("first cycle: %v", err)
	}
	if res.Processed != 1 || res.Errors != 0 {
		t.Fatalf("first cycle result = %+v", res)
	}
	if got := store.stockByID(1).Quantity; got != 7 {
		t.Fatalf("quantity after first cycle = %d, want 7", got)
	}
	if secondary.stockAdds["S1"] != 2 {
		t.Fatalf("secondary stock add = %d, want 2", secondary.stockAdds["S1"])
	}

	res, err = engine.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("second cycle: %v", err)
	}
	if res.Processed != 0 || res.Skipped != 1 {
		t.Fatalf("second cycle result = %+v", res)
	}
	if got := store.stockByID(1).Quantity; got != 7 {
		t.Fatalf("quantity after second cycle = %d, want 7", got)
	}
	if secondary.stockAdds["S1"] != 2 {
		t.Fatalf("secondary double-applied: %d", secondary.stockAdds["S1"])
	}
	if got := len(store.auditsOfType(models.AuditTypeStockUpdated)); got != 1 {
		t.Fatalf("stock-updated audits = %d, want 1", got)
	}
}

func TestSameVariantReturnedTwiceInOneCycle(t *testing.T) {
	store := newFakeStore()
	_ = store.CreateStock(context.Background(), &models.StockRecord{
		Name: "plain tee", Color: "white", Quantity: 5,
	})

	source := newFakeAdapter("smartstore-main")
	source.returns = []string{"smartstore-main-10", "smartstore-main-11"}
	for _, id := range source.returns {
		source.details[id] = channels.OrderLineDetail{
			OrderLineId: id, ChannelCode: "smartstore-main",
			ProductName: "plain tee", ProductOption: "white", Quantity: 1,
		}
	}
	secondary := newFakeAdapter("smartstore-outlet")

	engine := newTestEngine(store, source, secondary)
	res, err := engine.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("cycle: %v", err)
	}
	if res.Processed != 2 || res.Skipped != 0 {
		t.Fatalf("second return of the variant was dropped: %+v", res)
	}
	if got := store.stockByID(1).Quantity; got != 7 {
		t.Fatalf("quantity = %d, want 7", got)
	}

	// Out-of-band edits made between cycles still trip the detector.
	edited := time.Now().Add(time.Hour)
	store.stockByID(1).StockUpdatedAt = &edited
	source.returns = []string{"smartstore-main-12"}
	source.details["smartstore-main-12"] = channels.OrderLineDetail{
		OrderLineId: "smartstore-main-12", ChannelCode: "smartstore-main",
		ProductName: "plain tee", ProductOption: "white", Quantity: 1,
	}
	res, err = engine.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("second cycle: %v", err)
	}
	if res.Skipped != 1 || store.stockByID(1).Quantity != 7 {
		t.Fatalf("manual edit clobbered: res=%+v qty=%d", res, store.stockByID(1).Quantity)
	}
}

func TestWatermarkReadErrorAbortsCycle(t *testing.T) {
	store := newFakeStore()
	store.configErrKey = models.ConfigKeyLastSyncTime
	store.configErr = errors.New("connection reset")

	source := newFakeAdapter("smartstore-main")
	source.returns = []string{"smartstore-main-20"}
	source.details["smartstore-main-20"] = channels.OrderLineDetail{
		OrderLineId: "smartstore-main-20", ChannelCode: "smartstore-main",
		ProductName: "plain tee", ProductOption: "white", Quantity: 1,
	}
	secondary := newFakeAdapter("smartstore-outlet")

	engine := newTestEngine(store, source, secondary)
	res, err := engine.RunCycle(context.Background())
	if err == nil {
		t.Fatal("expected cycle error on watermark read failure")
	}
	if res.Processed != 0 || res.Detected != 0 {
		t.Fatalf("aborted cycle must not process anything: %+v", res)
	}
	if store.config[models.ConfigKeyLastSyncTime] != "" {
		t.Fatalf("aborted cycle advanced the watermark to %q", store.config[models.ConfigKeyLastSyncTime])
	}
	if len(store.stocks) != 0 {
		t.Fatal("aborted cycle mutated stock")
	}
}

func TestCycleFailureLeavesWatermark(t *testing.T) {
	store := newFakeStore()
	store.config[models.ConfigKeyLastSyncTime] = "2026-01-02T00:00:00Z"

	source := newFakeAdapter("smartstore-main")
	source.returnsErr = errors.New("listing endpoint down")
	engine := newTestEngine(store, source, newFakeAdapter("smartstore-outlet"))

	if _, err := engine.RunCycle(context.Background()); err == nil {
		t.Fatal("expected cycle error")
	}
	if got := store.config[models.ConfigKeyLastSyncTime]; got != "2026-01-02T00:00:00Z" {
		t.Fatalf("watermark moved to %q", got)
	}
}

func TestFailedItemRetriedNextCycle(t *testing.T) {
	store := newFakeStore()
	source := newFakeAdapter("coupang")
	source.returns = []string{"coupang-77"}
	source.details["coupang-77"] = channels.OrderLineDetail{
		OrderLineId: "coupang-77", ChannelCode: "coupang",
		ProductName: "RZ denim", ProductOption: "red", Quantity: 1, ChannelProductId: "P9",
	}
	source.listings["P9"] = &channels.ListingDetail{
		ListingId: "P9", Name: "RZ denim", Price: decimal.NewFromInt(30000),
	}
	secondary := newFakeAdapter("smartstore-outlet")
	secondary.createErr = errors.New("vendor 500")

	engine := newTestEngine(store, source, secondary)

	res, err := engine.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("first cycle: %v", err)
	}
	if res.Errors != 1 || res.Processed != 0 {
		t.Fatalf("first cycle result = %+v", res)
	}
	if !DecodeRetrySet(store.config[models.ConfigKeyRetryOrderIds]).Contains("coupang-77") {
		t.Fatalf("retry ledger missing failed id: %q", store.config[models.ConfigKeyRetryOrderIds])
	}
	if store.config[models.ConfigKeyLastSyncTime] == "" {
		t.Fatal("watermark should still advance after isolated failure")
	}

	secondary.createErr = nil
	source.returns = nil

	res, err = engine.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("second cycle: %v", err)
	}
	if res.Processed != 1 || res.Errors != 0 {
		t.Fatalf("second cycle result = %+v", res)
	}
	if got := store.config[models.ConfigKeyRetryOrderIds]; got != "[]" {
		t.Fatalf("retry ledger not drained: %q", got)
	}
	if len(secondary.created) != 1 {
		t.Fatalf("secondary listings created = %d, want 1", len(secondary.created))
	}
	if len(store.stocks) != 1 || store.stocks[0].Quantity != 1 {
		t.Fatalf("expected one new stock record with qty 1, got %+v", store.stocks)
	}
}

func TestStaleMappingRecreatesListing(t *testing.T) {
	store := newFakeStore()
	_ = store.CreateStock(context.Background(), &models.StockRecord{
		Name: "AB coat", Color: "black", Quantity: 5, ChannelProductId: strPtr("P1"),
	})
	_ = store.UpsertMapping(context.Background(), &models.ListingMapping{
		ChannelProductId: "P1", ProductOption: "black",
		SecondaryListingId: strPtr("S-old"), MatchStatus: models.MatchStatusMatched,
	})

	source := newFakeAdapter("smartstore-main")
	source.returns = []string{"smartstore-main-2"}
	source.details["smartstore-main-2"] = channels.OrderLineDetail{
		OrderLineId: "smartstore-main-2", ChannelCode: "smartstore-main",
		ProductName: "AB coat", ProductOption: "black", Quantity: 2, ChannelProductId: "P1",
	}
	source.listings["P1"] = &channels.ListingDetail{
		ListingId: "P1", Name: "AB coat", Price: decimal.NewFromInt(59000),
	}
	secondary := newFakeAdapter("smartstore-outlet")
	secondary.missing["S-old"] = true

	engine := newTestEngine(store, source, secondary)
	res, err := engine.RunCycle(context.Background())
	if err != nil || res.Processed != 1 {
		t.Fatalf("cycle: res=%+v err=%v", res, err)
	}

	if len(secondary.created) != 1 {
		t.Fatalf("expected replacement listing, created=%d", len(secondary.created))
	}
	draft := secondary.created[0]
	if draft.Name != "[아울렛] AB coat" || draft.InitialStock != 2 {
		t.Fatalf("unexpected draft %+v", draft)
	}
	m, _ := store.MappingFor(context.Background(), "P1", "black")
	if m == nil || m.SecondaryListingId == nil || *m.SecondaryListingId == "S-old" {
		t.Fatalf("mapping not replaced: %+v", m)
	}
	if store.stockByID(1).Quantity != 7 {
		t.Fatalf("canonical quantity = %d, want 7", store.stockByID(1).Quantity)
	}
}

func TestManualEditSkipKeepsQuantityAndLinks(t *testing.T) {
	store := newFakeStore()
	edited := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	_ = store.CreateStock(context.Background(), &models.StockRecord{
		Name: "AB coat", Color: "black", Quantity: 9, StockUpdatedAt: &edited,
	})
	store.config[models.ConfigKeyLastSyncTime] = "2026-01-01T00:00:00Z"

	source := newFakeAdapter("smartstore-main")
	source.returns = []string{"smartstore-main-3"}
	source.details["smartstore-main-3"] = channels.OrderLineDetail{
		OrderLineId: "smartstore-main-3", ChannelCode: "smartstore-main",
		ProductName: "AB coat", ProductOption: "black", Quantity: 1, ChannelProductId: "P5",
	}
	secondary := newFakeAdapter("smartstore-outlet")

	engine := newTestEngine(store, source, secondary)
	res, err := engine.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("cycle: %v", err)
	}
	if res.Skipped != 1 || res.Processed != 0 {
		t.Fatalf("result = %+v", res)
	}
	record := store.stockByID(1)
	if record.Quantity != 9 {
		t.Fatalf("manual edit clobbered: qty=%d", record.Quantity)
	}
	if record.ChannelProductId == nil || *record.ChannelProductId != "P5" {
		t.Fatalf("pending link not persisted: %+v", record.ChannelProductId)
	}
	if len(store.auditsOfType(models.AuditTypeStockUpdated)) != 0 {
		t.Fatal("skip must not write the processed marker")
	}
}

func TestSalesChannelIsolation(t *testing.T) {
	store := newFakeStore()
	source := newFakeAdapter("smartstore-main")
	secondary := newFakeAdapter("smartstore-outlet")

	good := newFakeAdapter("coupang")
	good.statusIds = []string{"coupang-500"}
	good.details["coupang-500"] = channels.OrderLineDetail{
		OrderLineId: "coupang-500", ChannelCode: "coupang",
		ProductName: "RZ denim", Quantity: 2,
		UnitAmount: decimal.NewFromInt(10000), Status: "DELIVERED",
	}
	bad := newFakeAdapter("ably")
	bad.statusErr = errors.New("token expired")

	engine := newTestEngine(store, source, secondary, good, bad)
	res, err := engine.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("cycle: %v", err)
	}
	if res.SalesAdded != 1 {
		t.Fatalf("sales added = %d, want 1", res.SalesAdded)
	}
	sale := store.sales["coupang-500"]
	if sale == nil || !sale.Amount.Equal(decimal.NewFromInt(20000)) {
		t.Fatalf("sale not recorded correctly: %+v", sale)
	}
	if store.config[models.ConfigKeySalesWatermark("coupang")] == "" {
		t.Fatal("successful channel watermark missing")
	}
	if store.config[models.ConfigKeySalesWatermark("ably")] != "" {
		t.Fatal("failed channel watermark must not advance")
	}

	var failAudits int
	for _, a := range store.auditsOfType(models.AuditTypeSalesCollected) {
		if a.Status == models.AuditStatusFail && a.SourceChannel == "ably" {
			failAudits++
		}
	}
	if failAudits != 1 {
		t.Fatalf("expected one fail audit for ably, got %d", failAudits)
	}

	// Second cycle re-reports the same order line; the unique key absorbs it.
	res, err = engine.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("second cycle: %v", err)
	}
	if res.SalesAdded != 0 {
		t.Fatalf("duplicate sale inserted: %+v", res)
	}
}

func TestOverlappingRunIsSkipped(t *testing.T) {
	store := newFakeStore()
	engine := newTestEngine(store, newFakeAdapter("smartstore-main"), newFakeAdapter("smartstore-outlet"))

	engine.running.Store(true)
	defer engine.running.Store(false)

	res, err := engine.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("cycle: %v", err)
	}
	if res.Message != "cycle already running" {
		t.Fatalf("message = %q", res.Message)
	}
}

func TestWindowAndRetryIdsAreDeduplicated(t *testing.T) {
	store := newFakeStore()
	store.config[models.ConfigKeyRetryOrderIds] = `["ably-y","ably-z"]`

	source := newFakeAdapter("ably")
	source.returns = []string{"ably-x", "ably-x", "ably-y"}
	for _, id := range []string{"ably-x", "ably-y", "ably-z"} {
		source.details[id] = channels.OrderLineDetail{
			OrderLineId: id, ChannelCode: "ably",
			ProductName: "plain tee", ProductOption: "white", Quantity: 1,
		}
	}
	secondary := newFakeAdapter("smartstore-outlet")

	engine := newTestEngine(store, source, secondary)
	res, err := engine.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("cycle: %v", err)
	}
	if res.Detected != 3 {
		t.Fatalf("detected = %d, want 3 unique", res.Detected)
	}
	if res.Processed != 3 {
		t.Fatalf("processed = %d, want 3", res.Processed)
	}
}

func TestMissingCredentialsSkipCycle(t *testing.T) {
	store := newFakeStore()
	source := newFakeAdapter("smartstore-main")
	source.notReady = true
	engine := newTestEngine(store, source, newFakeAdapter("smartstore-outlet"))

	res, err := engine.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("cycle: %v", err)
	}
	if res.Message != "missing channel credentials" {
		t.Fatalf("message = %q", res.Message)
	}
	if store.config[models.ConfigKeyLastSyncTime] != "" {
		t.Fatal("skipped cycle must not touch the watermark")
	}
}
