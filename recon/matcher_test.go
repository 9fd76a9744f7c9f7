package recon

import (
	"context"
	"time"

	"testing"

	"bitbucket.org/mmdatafocus/channelsync_backend/channels"
	"bitbucket.org/mmdatafocus/channelsync_backend/models"
)

func TestNormalizeName(t *testing.T) {
	cases := []struct {
		in, want string
	}{
		{"[무료배송] AB coat (겨울)", "AB coat"},
		{"  plain tee  ", "plain tee"},
		{"(한정) [신상] RZ denim", "RZ denim"},
		{"AB coat", "AB coat"},
		{"[only-brackets]", ""},
	}
	for _, c := range cases {
		if got := NormalizeName(c.in); got != c.want {
			t.Errorf("NormalizeName(%q) = %q, want %q", c.in, got, c.want)
		}
	}
}

func TestBrandCodeAndKeyword(t *testing.T) {
	cases := []struct {
		in, brand, keyword string
	}{
		{"AB coat", "ab", "coat"},
		{"rz denim jacket", "rz", "denim jacket"},
		{"가을 코트", "", "가을 코트"},
		{"A코트", "", "A코트"},
		{"x", "", "x"},
	}
	for _, c := range cases {
		if got := BrandCode(c.in); got != c.brand {
			t.Errorf("BrandCode(%q) = %q, want %q", c.in, got, c.brand)
		}
		if got := KeywordRemainder(c.in); got != c.keyword {
			t.Errorf("KeywordRemainder(%q) = %q, want %q", c.in, got, c.keyword)
		}
	}
}

func matcherEngine(store Store) *Engine {
	return newTestEngine(store, newFakeAdapter("smartstore-main"), newFakeAdapter("smartstore-outlet"))
}

func TestResolvePrefersDirectLinkWithColorNarrowing(t *testing.T) {
	store := newFakeStore()
	ctx := context.Background()
	_ = store.CreateStock(ctx, &models.StockRecord{Name: "AB coat", Color: "black", Quantity: 3, ChannelProductId: strPtr("P1")})
	_ = store.CreateStock(ctx, &models.StockRecord{Name: "AB coat", Color: "ivory", Quantity: 4, ChannelProductId: strPtr("P1")})

	engine := matcherEngine(store)
	res, err := engine.resolveReturn(ctx, channels.OrderLineDetail{
		OrderLineId: "smartstore-main-1", ProductName: "totally different name",
		ProductOption: "ivory", Quantity: 1, ChannelProductId: "P1",
	}, time.Time{}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if res.Action != ActionUpdate || res.MatchType != MatchTypeDirect {
		t.Fatalf("resolution = %+v", res)
	}
	if res.Record.ID != 2 || res.NewQuantity != 5 {
		t.Fatalf("picked wrong record: %+v", res)
	}
}

func TestResolveFallsThroughExactThenFuzzy(t *testing.T) {
	store := newFakeStore()
	ctx := context.Background()
	_ = store.CreateStock(ctx, &models.StockRecord{Name: "wool coat premium", Color: "black", Quantity: 2})

	engine := matcherEngine(store)

	// No link, no exact hit; the brand prefix is stripped and the remainder
	// matched as a substring.
	res, err := engine.resolveReturn(ctx, channels.OrderLineDetail{
		OrderLineId: "smartstore-main-2", ProductName: "[균일가] AB wool coat",
		ProductOption: "black", Quantity: 1, ChannelProductId: "P7",
	}, time.Time{}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if res.Action != ActionUpdate || res.MatchType != MatchTypeFuzzy {
		t.Fatalf("resolution = %+v", res)
	}
	if res.PendingLink != "P7" {
		t.Fatalf("fuzzy match should carry the link forward, got %q", res.PendingLink)
	}

	// An exact name hit wins over fuzzy.
	_ = store.CreateStock(ctx, &models.StockRecord{Name: "AB wool coat", Color: "black", Quantity: 9})
	res, err = engine.resolveReturn(ctx, channels.OrderLineDetail{
		OrderLineId: "smartstore-main-3", ProductName: "AB wool coat",
		ProductOption: "black", Quantity: 1,
	}, time.Time{}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if res.MatchType != MatchTypeExact || res.Record.ID != 2 {
		t.Fatalf("resolution = %+v", res)
	}
}

func TestResolveFuzzyRequiresOption(t *testing.T) {
	store := newFakeStore()
	ctx := context.Background()
	_ = store.CreateStock(ctx, &models.StockRecord{Name: "wool coat", Color: "black", Quantity: 2})

	engine := matcherEngine(store)
	res, err := engine.resolveReturn(ctx, channels.OrderLineDetail{
		OrderLineId: "smartstore-main-4", ProductName: "AB wool coat", Quantity: 1,
	}, time.Time{}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if res.Action != ActionCreate {
		t.Fatalf("optionless return must not fuzzy-match, got %+v", res)
	}
}

func TestResolveCreatesWithDefaults(t *testing.T) {
	store := newFakeStore()
	engine := matcherEngine(store)

	res, err := engine.resolveReturn(context.Background(), channels.OrderLineDetail{
		OrderLineId: "coupang-9", ProductName: "[신상] RZ denim", Quantity: 1, ChannelProductId: "P2",
	}, time.Time{}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if res.Action != ActionCreate {
		t.Fatalf("resolution = %+v", res)
	}
	if res.Create.Name != "RZ denim" || res.Create.Color != DefaultColor {
		t.Fatalf("draft = %+v", res.Create)
	}
	if res.Create.BrandCode != "rz" || res.Create.ChannelProductId != "P2" {
		t.Fatalf("draft = %+v", res.Create)
	}
}

func TestResolveManualEditWinsOverUpdate(t *testing.T) {
	store := newFakeStore()
	ctx := context.Background()
	edited := time.Date(2026, 2, 1, 9, 0, 0, 0, time.UTC)
	_ = store.CreateStock(ctx, &models.StockRecord{
		Name: "AB coat", Color: "black", Quantity: 4, StockUpdatedAt: &edited,
	})

	engine := matcherEngine(store)
	watermark := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)

	res, err := engine.resolveReturn(ctx, channels.OrderLineDetail{
		OrderLineId: "smartstore-main-5", ProductName: "AB coat",
		ProductOption: "black", Quantity: 1,
	}, watermark, nil)
	if err != nil {
		t.Fatal(err)
	}
	if res.Action != ActionSkip || res.Reason != "manual update detected" {
		t.Fatalf("resolution = %+v", res)
	}

	// The same record edited before the watermark is safe to update.
	res, err = engine.resolveReturn(ctx, channels.OrderLineDetail{
		OrderLineId: "smartstore-main-6", ProductName: "AB coat",
		ProductOption: "black", Quantity: 1,
	}, edited.Add(time.Hour), nil)
	if err != nil {
		t.Fatal(err)
	}
	if res.Action != ActionUpdate || res.NewQuantity != 5 {
		t.Fatalf("resolution = %+v", res)
	}

	// A stamp written by the running cycle itself is not a manual edit.
	res, err = engine.resolveReturn(ctx, channels.OrderLineDetail{
		OrderLineId: "smartstore-main-7", ProductName: "AB coat",
		ProductOption: "black", Quantity: 1,
	}, watermark, map[int]bool{1: true})
	if err != nil {
		t.Fatal(err)
	}
	if res.Action != ActionUpdate || res.NewQuantity != 5 {
		t.Fatalf("touched record must still update, got %+v", res)
	}
}

func TestResolveAuditGuardShortCircuits(t *testing.T) {
	store := newFakeStore()
	ctx := context.Background()
	_ = store.AppendAudit(ctx, &models.SyncAudit{
		EntryType: models.AuditTypeStockUpdated, OrderLineId: "ably-1",
		Status: models.AuditStatusSuccess,
	})
	_ = store.CreateStock(ctx, &models.StockRecord{Name: "plain tee", Color: "white", Quantity: 1})

	engine := matcherEngine(store)
	res, err := engine.resolveReturn(ctx, channels.OrderLineDetail{
		OrderLineId: "ably-1", ProductName: "plain tee", ProductOption: "white", Quantity: 1,
	}, time.Time{}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if res.Action != ActionSkip || res.Reason != "already processed" {
		t.Fatalf("resolution = %+v", res)
	}

	// A failed prior attempt does not count as processed.
	_ = store.AppendAudit(ctx, &models.SyncAudit{
		EntryType: models.AuditTypeStockUpdated, OrderLineId: "ably-2",
		Status: models.AuditStatusFail,
	})
	res, err = engine.resolveReturn(ctx, channels.OrderLineDetail{
		OrderLineId: "ably-2", ProductName: "plain tee", ProductOption: "white", Quantity: 1,
	}, time.Time{}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if res.Action != ActionUpdate {
		t.Fatalf("resolution = %+v", res)
	}
}
