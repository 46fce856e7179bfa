package ingest

import (
	"context"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/oraclerunner/runner/internal/market"
)

func buildMarketCreatedLog(marketAddr, creator common.Address, block uint64) types.Log {
	data := make([]byte, 128) // subject, predicate, windowSpec, isProtocolMarket — all zeroed is fine for decode tests
	return types.Log{
		Topics: []common.Hash{
			marketCreatedTopic,
			common.BytesToHash(marketAddr.Bytes()),
			common.BytesToHash(creator.Bytes()),
		},
		Data:        data,
		BlockNumber: block,
	}
}

func TestDecodeMarketCreated(t *testing.T) {
	addr := common.HexToAddress("0xaa")
	creator := common.HexToAddress("0xbb")
	l := buildMarketCreatedLog(addr, creator, 42)

	created, err := decodeMarketCreated(l)
	if err != nil {
		t.Fatalf("decodeMarketCreated: %v", err)
	}
	if created.Market != addr || created.Creator != creator || created.BlockNumber != 42 {
		t.Fatalf("unexpected decode: %+v", created)
	}
}

func TestDecodeMarketCreatedRejectsShortData(t *testing.T) {
	l := types.Log{
		Topics: []common.Hash{marketCreatedTopic, common.Hash{}, common.Hash{}},
		Data:   make([]byte, 32),
	}
	if _, err := decodeMarketCreated(l); err == nil {
		t.Fatalf("expected error for short log data")
	}
}

type fakeParams struct {
	markets map[common.Address]market.Market
}

func (f *fakeParams) GetMarketParams(ctx context.Context, marketAddress common.Address) (market.Market, error) {
	return f.markets[marketAddress], nil
}

type fakeScheduler struct {
	calls []common.Address
}

func (f *fakeScheduler) ScheduleMarketResolution(ctx context.Context, marketID common.Address, title string, resolveTime time.Time, correlationID string) (string, error) {
	f.calls = append(f.calls, marketID)
	return "job-" + marketID.Hex(), nil
}

func TestHandleWebhookEventSchedulesNonTerminalMarket(t *testing.T) {
	addr := common.HexToAddress("0x1")
	params := &fakeParams{markets: map[common.Address]market.Market{
		addr: {Address: addr, ResolveTime: time.Now().Add(time.Hour)},
	}}
	sched := &fakeScheduler{}
	in := New(nil, params, sched, Config{FactoryAddress: common.HexToAddress("0xfactory")})

	if err := in.HandleWebhookEvent(context.Background(), addr, "corr-1"); err != nil {
		t.Fatalf("HandleWebhookEvent: %v", err)
	}
	if len(sched.calls) != 1 || sched.calls[0] != addr {
		t.Fatalf("expected one schedule call for %s, got %+v", addr.Hex(), sched.calls)
	}
}

func TestHandleWebhookEventSkipsTerminalMarket(t *testing.T) {
	addr := common.HexToAddress("0x2")
	params := &fakeParams{markets: map[common.Address]market.Market{
		addr: {Address: addr, Resolved: true},
	}}
	sched := &fakeScheduler{}
	in := New(nil, params, sched, Config{FactoryAddress: common.HexToAddress("0xfactory")})

	if err := in.HandleWebhookEvent(context.Background(), addr, "corr-2"); err != nil {
		t.Fatalf("HandleWebhookEvent: %v", err)
	}
	if len(sched.calls) != 0 {
		t.Fatalf("expected no schedule call for a resolved market, got %+v", sched.calls)
	}
}

type fakeChainLogSource struct {
	head uint64
	logs []types.Log
}

func (f *fakeChainLogSource) BlockNumber(ctx context.Context) (uint64, error) { return f.head, nil }
func (f *fakeChainLogSource) FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error) {
	return f.logs, nil
}
func (f *fakeChainLogSource) SubscribeFilterLogs(ctx context.Context, q ethereum.FilterQuery, ch chan<- types.Log) (ethereum.Subscription, error) {
	return nil, context.Canceled
}

func TestBackfillSchedulesEveryLogMarket(t *testing.T) {
	addr1 := common.HexToAddress("0x10")
	addr2 := common.HexToAddress("0x11")
	params := &fakeParams{markets: map[common.Address]market.Market{
		addr1: {Address: addr1, ResolveTime: time.Now().Add(time.Hour)},
		addr2: {Address: addr2, ResolveTime: time.Now().Add(2 * time.Hour)},
	}}
	sched := &fakeScheduler{}
	client := &fakeChainLogSource{
		head: 100,
		logs: []types.Log{
			buildMarketCreatedLog(addr1, common.HexToAddress("0xc1"), 10),
			buildMarketCreatedLog(addr2, common.HexToAddress("0xc2"), 20),
		},
	}
	in := New(client, params, sched, Config{FactoryAddress: common.HexToAddress("0xfactory")})

	if err := in.backfill(context.Background(), 0, 100); err != nil {
		t.Fatalf("backfill: %v", err)
	}
	if len(sched.calls) != 2 {
		t.Fatalf("expected 2 schedule calls, got %d", len(sched.calls))
	}
}
