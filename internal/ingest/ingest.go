// Package ingest is the Event Ingestor (spec.md §4.7): it watches the
// factory contract for MarketCreated logs, backfills on startup and after
// a reconnect, and hands every non-terminal market to the Scheduler.
// Grounded on the teacher's internal/queue/worker reconnect-with-backoff
// shape, generalized from a message-broker subscription to an Ethereum
// log subscription.
package ingest

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/oraclerunner/runner/internal/market"
	"github.com/oraclerunner/runner/internal/oraclerr"
)

// marketCreatedSignature is the invented event signature oracleABIJSON's
// contract emits on market creation; its topic0 hash is what FilterLogs
// and SubscribeFilterLogs match against.
const marketCreatedSignature = "MarketCreated(address,address,bytes32,bytes32,bytes32,bool)"

var marketCreatedTopic = crypto.Keccak256Hash([]byte(marketCreatedSignature))

// ChainLogSource is the subset of ethclient.Client the Ingestor depends
// on; satisfied directly by *ethclient.Client.
type ChainLogSource interface {
	BlockNumber(ctx context.Context) (uint64, error)
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error)
	SubscribeFilterLogs(ctx context.Context, q ethereum.FilterQuery, ch chan<- types.Log) (ethereum.Subscription, error)
}

// ParamsReader resolves a market address into its full parameters. A
// *chain.EthAdapter (or any chain.Adapter) satisfies this.
type ParamsReader interface {
	GetMarketParams(ctx context.Context, marketAddress common.Address) (market.Market, error)
}

// JobScheduler is the subset of *scheduler.Scheduler the Ingestor drives.
type JobScheduler interface {
	ScheduleMarketResolution(ctx context.Context, marketID common.Address, title string, resolveTime time.Time, correlationID string) (string, error)
}

// Config tunes one Ingestor instance.
type Config struct {
	FactoryAddress  common.Address
	BackfillDepth   uint64        // default 10_000, spec.md §4.7 step 1
	SafetyMargin    uint64        // reconcile window on reconnect
	ReconnectMinGap time.Duration // initial backoff interval
	ReconnectMaxGap time.Duration // backoff ceiling
	LiveBufferSize  int           // SubscribeFilterLogs channel buffer
}

func (c Config) withDefaults() Config {
	if c.BackfillDepth == 0 {
		c.BackfillDepth = 10_000
	}
	if c.SafetyMargin == 0 {
		c.SafetyMargin = 256
	}
	if c.ReconnectMinGap <= 0 {
		c.ReconnectMinGap = time.Second
	}
	if c.ReconnectMaxGap <= 0 {
		c.ReconnectMaxGap = time.Minute
	}
	if c.LiveBufferSize <= 0 {
		c.LiveBufferSize = 256
	}
	return c
}

// Ingestor drives the Event Ingestor's two event sources (chain
// subscription and webhook) into one idempotent scheduling call.
type Ingestor struct {
	client ChainLogSource
	params ParamsReader
	sched  JobScheduler
	cfg    Config

	mu            sync.Mutex
	lastSeenBlock uint64
}

// New constructs an Ingestor. Call Run to start backfill + live
// subscription.
func New(client ChainLogSource, params ParamsReader, sched JobScheduler, cfg Config) *Ingestor {
	return &Ingestor{client: client, params: params, sched: sched, cfg: cfg.withDefaults()}
}

// Run performs the startup backfill, then subscribes to live logs,
// reconnecting with exponential backoff until ctx is cancelled.
func (in *Ingestor) Run(ctx context.Context) error {
	head, err := in.client.BlockNumber(ctx)
	if err != nil {
		return oraclerr.Wrap(oraclerr.Transient, "ingest.run", "failed to read chain head", err)
	}

	from := uint64(0)
	if head > in.cfg.BackfillDepth {
		from = head - in.cfg.BackfillDepth
	}
	if err := in.backfill(ctx, from, head); err != nil {
		return err
	}

	in.mu.Lock()
	in.lastSeenBlock = head
	in.mu.Unlock()

	return in.subscribeLoop(ctx)
}

// backfill fetches and processes every MarketCreated log in [from, to].
func (in *Ingestor) backfill(ctx context.Context, from, to uint64) error {
	logs, err := in.client.FilterLogs(ctx, in.filterQuery(from, to))
	if err != nil {
		return oraclerr.Wrap(oraclerr.Transient, "ingest.backfill", "filter logs failed", err)
	}
	slog.Default().InfoContext(ctx, "ingest.backfill", "from", from, "to", to, "count", len(logs))
	for _, l := range logs {
		in.handleLog(ctx, l)
	}
	return nil
}

func (in *Ingestor) filterQuery(from, to uint64) ethereum.FilterQuery {
	return ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(from),
		ToBlock:   new(big.Int).SetUint64(to),
		Addresses: []common.Address{in.cfg.FactoryAddress},
		Topics:    [][]common.Hash{{marketCreatedTopic}},
	}
}

// subscribeLoop keeps a live subscription alive, reconnecting with
// exponential backoff and reconciling a short backfill window on every
// reconnect (spec.md §4.7's failure semantics).
func (in *Ingestor) subscribeLoop(ctx context.Context) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = in.cfg.ReconnectMinGap
	bo.MaxInterval = in.cfg.ReconnectMaxGap

	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		return struct{}{}, in.runOneSubscription(ctx)
	}, backoff.WithBackOff(bo), backoff.WithMaxElapsedTime(0))
	return err
}

func (in *Ingestor) runOneSubscription(ctx context.Context) error {
	in.mu.Lock()
	last := in.lastSeenBlock
	in.mu.Unlock()

	if last > in.cfg.SafetyMargin {
		if err := in.backfill(ctx, last-in.cfg.SafetyMargin, last); err != nil {
			slog.Default().WarnContext(ctx, "ingest.reconnect_backfill_failed", "error", err)
		}
	}

	ch := make(chan types.Log, in.cfg.LiveBufferSize)
	sub, err := in.client.SubscribeFilterLogs(ctx, in.filterQuery(last+1, 0), ch)
	if err != nil {
		return oraclerr.Wrap(oraclerr.Transient, "ingest.subscribe", "subscribe filter logs failed", err)
	}
	defer sub.Unsubscribe()

	slog.Default().InfoContext(ctx, "ingest.subscribed", "from_block", last+1)

	for {
		select {
		case <-ctx.Done():
			return backoff.Permanent(ctx.Err())
		case err := <-sub.Err():
			return oraclerr.Wrap(oraclerr.Transient, "ingest.subscription", "subscription dropped", err)
		case l := <-ch:
			in.handleLog(ctx, l)
			in.mu.Lock()
			if l.BlockNumber > in.lastSeenBlock {
				in.lastSeenBlock = l.BlockNumber
			}
			in.mu.Unlock()
		}
	}
}

func (in *Ingestor) handleLog(ctx context.Context, l types.Log) {
	created, err := decodeMarketCreated(l)
	if err != nil {
		slog.Default().WarnContext(ctx, "ingest.decode_failed", "error", err, "block", l.BlockNumber)
		return
	}
	in.schedule(ctx, created.Market, "")
}

// HandleWebhookEvent is the indexer webhook's entrypoint (spec.md §4.9):
// the same event shape, post-indexing, deduplicated on marketId by the
// Scheduler's idempotent ScheduleMarketResolution rather than by the
// Ingestor itself.
func (in *Ingestor) HandleWebhookEvent(ctx context.Context, marketID common.Address, correlationID string) error {
	return in.schedule(ctx, marketID, correlationID)
}

func (in *Ingestor) schedule(ctx context.Context, marketID common.Address, correlationID string) error {
	m, err := in.params.GetMarketParams(ctx, marketID)
	if err != nil {
		return oraclerr.Wrap(oraclerr.KindOf(err), "ingest.schedule", "failed to read market params", err)
	}
	if m.IsTerminal() {
		slog.Default().InfoContext(ctx, "ingest.skip_terminal_market", "market", marketID.Hex())
		return nil
	}

	jobID, err := in.sched.ScheduleMarketResolution(ctx, marketID, m.Title, m.ResolveTime, correlationID)
	if err != nil {
		return err
	}
	slog.Default().InfoContext(ctx, "ingest.scheduled", "market", marketID.Hex(), "job_id", jobID, "resolve_time", m.ResolveTime)
	return nil
}

// decodeMarketCreated unpacks a log matching marketCreatedSignature. The
// three bytes32 payload fields decode into opaque blobs here — the
// Scheduler never needs them, since GetMarketParams re-reads the
// authoritative, decoded subject/predicate/window straight from the
// contract. They're kept on market.Created for tracing/debugging only.
func decodeMarketCreated(l types.Log) (market.Created, error) {
	if len(l.Topics) < 3 {
		return market.Created{}, fmt.Errorf("ingest: MarketCreated log missing indexed topics (got %d)", len(l.Topics))
	}
	if len(l.Data) < 128 {
		return market.Created{}, fmt.Errorf("ingest: MarketCreated log data too short (got %d bytes)", len(l.Data))
	}

	created := market.Created{
		Market:      common.BytesToAddress(l.Topics[1].Bytes()),
		Creator:     common.BytesToAddress(l.Topics[2].Bytes()),
		BlockNumber: l.BlockNumber,
	}
	copy(created.Subject[:], l.Data[0:32])
	copy(created.Predicate[:], l.Data[32:64])
	copy(created.WindowSpec[:], l.Data[64:96])
	created.IsProtocolMarket = !bytes.Equal(l.Data[96:128], make([]byte, 32))
	return created, nil
}
