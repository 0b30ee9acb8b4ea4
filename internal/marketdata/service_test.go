package marketdata

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"coincall-trader/pkg/types"
)

type fakeAPI struct {
	bookCalls    int
	detailCalls  int
	futuresCalls int

	book       *types.Orderbook
	bookErr    error
	details    *types.OptionDetails
	detailsErr error
	futures    decimal.Decimal
	futuresErr error
}

func (f *fakeAPI) GetOrderbook(ctx context.Context, symbol string) (*types.Orderbook, error) {
	f.bookCalls++
	return f.book, f.bookErr
}

func (f *fakeAPI) GetOptionDetails(ctx context.Context, symbol string) (*types.OptionDetails, error) {
	f.detailCalls++
	return f.details, f.detailsErr
}

func (f *fakeAPI) GetInstruments(ctx context.Context, underlying string) ([]types.Instrument, error) {
	return nil, nil
}

func (f *fakeAPI) GetFuturesPrice(ctx context.Context, underlying string) (decimal.Decimal, error) {
	f.futuresCalls++
	return f.futures, f.futuresErr
}

func newTestService(api *fakeAPI) *Service {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	return New(api, logger)
}

func TestOptionDetailsCached(t *testing.T) {
	t.Parallel()
	api := &fakeAPI{details: &types.OptionDetails{Symbol: "S", Delta: 0.4}}
	svc := newTestService(api)

	for i := 0; i < 3; i++ {
		d, err := svc.OptionDetails(context.Background(), "S")
		if err != nil {
			t.Fatalf("OptionDetails: %v", err)
		}
		if d.Delta != 0.4 {
			t.Errorf("Delta = %v", d.Delta)
		}
	}
	if api.detailCalls != 1 {
		t.Errorf("detailCalls = %d, want 1 (cached)", api.detailCalls)
	}
}

func TestOptionDetailsCacheExpires(t *testing.T) {
	t.Parallel()
	api := &fakeAPI{details: &types.OptionDetails{Symbol: "S"}}
	svc := newTestService(api)

	now := time.Now()
	svc.now = func() time.Time { return now }
	if _, err := svc.OptionDetails(context.Background(), "S"); err != nil {
		t.Fatal(err)
	}

	svc.now = func() time.Time { return now.Add(cacheTTL + time.Second) }
	if _, err := svc.OptionDetails(context.Background(), "S"); err != nil {
		t.Fatal(err)
	}
	if api.detailCalls != 2 {
		t.Errorf("detailCalls = %d, want 2 (expired)", api.detailCalls)
	}
}

func TestOrderbookPrefersFreshLiveBook(t *testing.T) {
	t.Parallel()
	api := &fakeAPI{book: &types.Orderbook{Symbol: "S", Bids: []types.PriceLevel{{Price: "1", Size: "1"}}}}
	svc := newTestService(api)

	svc.ApplyBook(types.Orderbook{
		Symbol:    "S",
		Bids:      []types.PriceLevel{{Price: "2", Size: "1"}},
		Timestamp: time.Now(),
	})

	book, err := svc.Orderbook(context.Background(), "S")
	if err != nil {
		t.Fatalf("Orderbook: %v", err)
	}
	bid, _ := book.BestBid()
	if !bid.Equal(decimal.NewFromInt(2)) {
		t.Errorf("served REST book over fresh live book: bid = %v", bid)
	}
	if api.bookCalls != 0 {
		t.Errorf("bookCalls = %d, want 0", api.bookCalls)
	}
}

func TestOrderbookStaleLiveBookFallsBack(t *testing.T) {
	t.Parallel()
	api := &fakeAPI{book: &types.Orderbook{Symbol: "S", Bids: []types.PriceLevel{{Price: "1", Size: "1"}}}}
	svc := newTestService(api)

	svc.ApplyBook(types.Orderbook{
		Symbol:    "S",
		Bids:      []types.PriceLevel{{Price: "2", Size: "1"}},
		Timestamp: time.Now().Add(-time.Minute),
	})

	book, err := svc.Orderbook(context.Background(), "S")
	if err != nil {
		t.Fatalf("Orderbook: %v", err)
	}
	bid, _ := book.BestBid()
	if !bid.Equal(decimal.NewFromInt(1)) {
		t.Errorf("stale live book served: bid = %v", bid)
	}
	if api.bookCalls != 1 {
		t.Errorf("bookCalls = %d, want 1", api.bookCalls)
	}
}

func TestMarkPriceFallsBackToMid(t *testing.T) {
	t.Parallel()
	api := &fakeAPI{
		details: &types.OptionDetails{Symbol: "S"}, // no mark
		book: &types.Orderbook{
			Symbol: "S",
			Bids:   []types.PriceLevel{{Price: "10", Size: "1"}},
			Asks:   []types.PriceLevel{{Price: "12", Size: "1"}},
		},
	}
	svc := newTestService(api)

	mark, err := svc.MarkPrice(context.Background(), "S")
	if err != nil {
		t.Fatalf("MarkPrice: %v", err)
	}
	if !mark.Equal(decimal.NewFromInt(11)) {
		t.Errorf("mark = %v, want 11 (mid)", mark)
	}
}

func TestMarkPriceNoSources(t *testing.T) {
	t.Parallel()
	api := &fakeAPI{
		detailsErr: errors.New("down"),
		bookErr:    errors.New("down"),
	}
	svc := newTestService(api)

	if _, err := svc.MarkPrice(context.Background(), "S"); err == nil {
		t.Error("expected error with no sources")
	}
}

func TestFuturesPriceCacheAndFallback(t *testing.T) {
	t.Parallel()
	api := &fakeAPI{futures: decimal.NewFromInt(70000)}
	svc := newTestService(api)

	p := svc.FuturesPrice(context.Background(), "BTC", true)
	if !p.Equal(decimal.NewFromInt(70000)) {
		t.Errorf("price = %v", p)
	}
	svc.FuturesPrice(context.Background(), "BTC", true)
	if api.futuresCalls != 1 {
		t.Errorf("futuresCalls = %d, want 1 (cached)", api.futuresCalls)
	}

	// use_cache=false forces a refetch
	svc.FuturesPrice(context.Background(), "BTC", false)
	if api.futuresCalls != 2 {
		t.Errorf("futuresCalls = %d, want 2", api.futuresCalls)
	}

	// all sources down: constant fallback
	down := &fakeAPI{futuresErr: errors.New("down")}
	svc2 := newTestService(down)
	if p := svc2.FuturesPrice(context.Background(), "BTC", true); !p.Equal(fallbackFuturesPrice) {
		t.Errorf("fallback price = %v", p)
	}
}
