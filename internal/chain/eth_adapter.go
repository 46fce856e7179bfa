package chain

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/oraclerunner/runner/internal/market"
	"github.com/oraclerunner/runner/internal/observability"
)

// oracleABIJSON is the subset of the oracle contract's ABI the runner
// calls. Hand-written rather than abigen-generated, in the style of the
// teacher pack's Obscura job manager (which also hand-rolls a small ABI
// JSON literal for the functions it calls rather than binding the whole
// contract).
const oracleABIJSON = `[
  {"type":"function","name":"getMarketParams","stateMutability":"view","inputs":[{"name":"market","type":"address"}],
   "outputs":[
     {"name":"title","type":"string"},
     {"name":"subjectKind","type":"uint8"},
     {"name":"metricId","type":"string"},
     {"name":"token","type":"address"},
     {"name":"tokenDecimals","type":"uint8"},
     {"name":"sourceId","type":"string"},
     {"name":"op","type":"uint8"},
     {"name":"threshold","type":"int256"},
     {"name":"valueDecimals","type":"uint8"},
     {"name":"windowKind","type":"uint8"},
     {"name":"tStart","type":"uint64"},
     {"name":"tEnd","type":"uint64"},
     {"name":"extremum","type":"uint8"},
     {"name":"primarySourceId","type":"string"},
     {"name":"fallbackSourceId","type":"string"},
     {"name":"roundingDecimals","type":"uint8"},
     {"name":"cutoffTime","type":"uint64"},
     {"name":"resolveTime","type":"uint64"},
     {"name":"resolved","type":"bool"},
     {"name":"cancelled","type":"bool"},
     {"name":"hasOutcome","type":"bool"},
     {"name":"winningOutcome","type":"uint8"}
   ]},
  {"type":"function","name":"getMarketState","stateMutability":"view","inputs":[{"name":"market","type":"address"}],
   "outputs":[{"name":"resolved","type":"bool"},{"name":"cancelled","type":"bool"},{"name":"hasOutcome","type":"bool"},{"name":"winningOutcome","type":"uint8"},{"name":"cutoffTime","type":"uint64"},{"name":"resolveTime","type":"uint64"}]},
  {"type":"function","name":"isResolved","stateMutability":"view","inputs":[{"name":"market","type":"address"}],
   "outputs":[{"name":"","type":"bool"}]},
  {"type":"function","name":"getPendingResolution","stateMutability":"view","inputs":[{"name":"market","type":"address"}],
   "outputs":[{"name":"hasCommit","type":"bool"},{"name":"committedOutcome","type":"uint8"},{"name":"commitTime","type":"uint64"}]},
  {"type":"function","name":"getDisputeWindowSeconds","stateMutability":"view","inputs":[],
   "outputs":[{"name":"","type":"uint64"}]},
  {"type":"function","name":"commitResolution","stateMutability":"nonpayable",
   "inputs":[{"name":"market","type":"address"},{"name":"outcome","type":"uint8"},{"name":"dataHash","type":"bytes32"}],"outputs":[]},
  {"type":"function","name":"finalizeResolution","stateMutability":"nonpayable",
   "inputs":[{"name":"market","type":"address"}],"outputs":[]}
]`

// DefaultGasSafetyMultiplier matches spec.md §4.4's default gas
// estimation safety factor.
const DefaultGasSafetyMultiplier = 1.2

// EthAdapter is the go-ethereum-backed Chain Adapter. Writes are
// serialized by writeMu so nonce assignment is always sequential — the
// resolver key is a single-writer singleton, never shared across
// concurrent goroutines (mirrors the JobManager pattern of one signing
// key per process).
type EthAdapter struct {
	client             *ethclient.Client
	contractABI        abi.ABI
	oracleAddress      common.Address
	privateKey         *ecdsa.PrivateKey
	fromAddress        common.Address
	chainID            *big.Int
	gasSafetyMultiplier float64
	disputeWindowOverride *time.Duration
	metrics             *observability.Prom

	writeMu sync.Mutex
}

// SetDisputeWindowOverride forces GetDisputeWindowSeconds to return d
// instead of reading the contract, for spec.md §6's testing-only
// disputeWindowSecondsOverride config key.
func (a *EthAdapter) SetDisputeWindowOverride(d time.Duration) {
	a.disputeWindowOverride = &d
}

// WithMetrics attaches a Prom instance; subsequent calls and sends record
// their duration against it. Returns a for chaining at construction time.
func (a *EthAdapter) WithMetrics(m *observability.Prom) *EthAdapter {
	a.metrics = m
	return a
}

// NewEthAdapter dials rpcURL and prepares a signer from privateKeyHex.
func NewEthAdapter(ctx context.Context, rpcURL, privateKeyHex string, oracleAddress common.Address, gasSafetyMultiplier float64) (*EthAdapter, error) {
	client, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("chain: dial %s: %w", rpcURL, err)
	}

	parsedABI, err := abi.JSON(strings.NewReader(oracleABIJSON))
	if err != nil {
		return nil, fmt.Errorf("chain: parse oracle abi: %w", err)
	}

	pk, err := crypto.HexToECDSA(strings.TrimPrefix(privateKeyHex, "0x"))
	if err != nil {
		return nil, fmt.Errorf("chain: invalid resolver private key: %w", err)
	}
	fromAddress := crypto.PubkeyToAddress(pk.PublicKey)

	chainID, err := client.ChainID(ctx)
	if err != nil {
		return nil, fmt.Errorf("chain: fetch chain id: %w", err)
	}

	if gasSafetyMultiplier <= 0 {
		gasSafetyMultiplier = DefaultGasSafetyMultiplier
	}

	return &EthAdapter{
		client:              client,
		contractABI:         parsedABI,
		oracleAddress:       oracleAddress,
		privateKey:          pk,
		fromAddress:         fromAddress,
		chainID:             chainID,
		gasSafetyMultiplier: gasSafetyMultiplier,
	}, nil
}

func (a *EthAdapter) call(ctx context.Context, out any, method string, args ...any) error {
	start := time.Now()
	err := a.doCall(ctx, out, method, args...)
	if a.metrics != nil {
		outcome := "ok"
		if err != nil {
			outcome = "error"
		}
		a.metrics.ChainCallDuration.WithLabelValues(method, outcome).Observe(time.Since(start).Seconds())
	}
	return err
}

func (a *EthAdapter) doCall(ctx context.Context, out any, method string, args ...any) error {
	data, err := a.contractABI.Pack(method, args...)
	if err != nil {
		return fmt.Errorf("chain: pack %s: %w", method, err)
	}
	result, err := a.client.CallContract(ctx, ethereum.CallMsg{
		To:   &a.oracleAddress,
		Data: data,
	}, nil)
	if err != nil {
		return classifyRPCError("chain."+method, err)
	}
	if out != nil {
		if err := a.contractABI.UnpackIntoInterface(out, method, result); err != nil {
			return fmt.Errorf("chain: unpack %s: %w", method, err)
		}
	}
	return nil
}

// Numeric codes for market.Market's enum-like fields, as packed by the
// oracle contract's getMarketParams view. Invented alongside oracleABIJSON
// since spec.md leaves the on-chain encoding unspecified.
const (
	subjectKindHyperliquid uint8 = 0
	subjectKindTokenPrice  uint8 = 1
	subjectKindGeneric     uint8 = 2

	opGT  uint8 = 0
	opGTE uint8 = 1
	opLT  uint8 = 2
	opLTE uint8 = 3
	opEQ  uint8 = 4
	opNEQ uint8 = 5

	windowSnapshotAt  uint8 = 0
	windowTimeAverage uint8 = 1
	windowExtremum    uint8 = 2

	extremumMax uint8 = 0
	extremumMin uint8 = 1
)

var opByCode = map[uint8]market.Op{
	opGT: market.OpGT, opGTE: market.OpGTE, opLT: market.OpLT,
	opLTE: market.OpLTE, opEQ: market.OpEQ, opNEQ: market.OpNEQ,
}

var windowKindByCode = map[uint8]market.WindowKind{
	windowSnapshotAt: market.WindowSnapshotAt, windowTimeAverage: market.WindowTimeAverage, windowExtremum: market.WindowExtremum,
}

func (a *EthAdapter) GetMarketParams(ctx context.Context, marketAddress common.Address) (market.Market, error) {
	var out struct {
		Title            string
		SubjectKind      uint8
		MetricId         string
		Token            common.Address
		TokenDecimals    uint8
		SourceId         string
		Op               uint8
		Threshold        *big.Int
		ValueDecimals    uint8
		WindowKind       uint8
		TStart           uint64
		TEnd             uint64
		Extremum         uint8
		PrimarySourceId  string
		FallbackSourceId string
		RoundingDecimals uint8
		CutoffTime       uint64
		ResolveTime      uint64
		Resolved         bool
		Cancelled        bool
		HasOutcome       bool
		WinningOutcome   uint8
	}
	if err := a.call(ctx, &out, "getMarketParams", marketAddress); err != nil {
		return market.Market{}, err
	}

	m := market.Market{
		Address: marketAddress,
		Title:   out.Title,
		Subject: market.Subject{
			MetricID: out.MetricId,
			Token:    out.Token,
			Decimals: out.TokenDecimals,
			SourceID: out.SourceId,
		},
		Predicate: market.Predicate{
			Threshold:     out.Threshold,
			ValueDecimals: out.ValueDecimals,
		},
		Window: market.Window{
			TStart: time.Unix(int64(out.TStart), 0).UTC(),
			TEnd:   time.Unix(int64(out.TEnd), 0).UTC(),
		},
		Oracle: market.OracleConfig{
			PrimarySourceID:  out.PrimarySourceId,
			FallbackSourceID: out.FallbackSourceId,
			RoundingDecimals: out.RoundingDecimals,
		},
		CutoffTime:  time.Unix(int64(out.CutoffTime), 0).UTC(),
		ResolveTime: time.Unix(int64(out.ResolveTime), 0).UTC(),
		Resolved:    out.Resolved,
		Cancelled:   out.Cancelled,
	}

	switch out.SubjectKind {
	case subjectKindHyperliquid:
		m.Subject.Kind = market.SubjectHyperliquidMetric
	case subjectKindTokenPrice:
		m.Subject.Kind = market.SubjectTokenPrice
	default:
		m.Subject.Kind = market.SubjectGeneric
	}

	op, ok := opByCode[out.Op]
	if !ok {
		return market.Market{}, fmt.Errorf("chain: getMarketParams: unknown predicate op code %d", out.Op)
	}
	m.Predicate.Op = op

	windowKind, ok := windowKindByCode[out.WindowKind]
	if !ok {
		return market.Market{}, fmt.Errorf("chain: getMarketParams: unknown window kind code %d", out.WindowKind)
	}
	m.Window.Kind = windowKind
	if out.Extremum == extremumMin {
		m.Window.Extremum = market.ExtremumMin
	} else {
		m.Window.Extremum = market.ExtremumMax
	}

	if out.HasOutcome {
		o := out.WinningOutcome
		m.WinningOutcome = &o
	}
	return m, nil
}

func (a *EthAdapter) GetMarketState(ctx context.Context, marketAddress common.Address) (MarketState, error) {
	var out struct {
		Resolved       bool
		Cancelled      bool
		HasOutcome     bool
		WinningOutcome uint8
		CutoffTime     uint64
		ResolveTime    uint64
	}
	if err := a.call(ctx, &out, "getMarketState", marketAddress); err != nil {
		return MarketState{}, err
	}
	state := MarketState{
		Resolved:    out.Resolved,
		Cancelled:   out.Cancelled,
		CutoffTime:  time.Unix(int64(out.CutoffTime), 0).UTC(),
		ResolveTime: time.Unix(int64(out.ResolveTime), 0).UTC(),
	}
	if out.HasOutcome {
		o := out.WinningOutcome
		state.WinningOutcome = &o
	}
	return state, nil
}

func (a *EthAdapter) IsResolved(ctx context.Context, marketAddress common.Address) (bool, error) {
	var resolved bool
	if err := a.call(ctx, &resolved, "isResolved", marketAddress); err != nil {
		return false, err
	}
	return resolved, nil
}

func (a *EthAdapter) GetPendingResolution(ctx context.Context, marketAddress common.Address) (PendingResolution, error) {
	var out struct {
		HasCommit        bool
		CommittedOutcome uint8
		CommitTime       uint64
	}
	if err := a.call(ctx, &out, "getPendingResolution", marketAddress); err != nil {
		return PendingResolution{}, err
	}
	if !out.HasCommit {
		return PendingResolution{}, nil
	}
	outcome := out.CommittedOutcome
	commitTime := time.Unix(int64(out.CommitTime), 0).UTC()
	return PendingResolution{CommittedOutcome: &outcome, CommitTime: &commitTime}, nil
}

func (a *EthAdapter) GetDisputeWindowSeconds(ctx context.Context) (time.Duration, error) {
	if a.disputeWindowOverride != nil {
		return *a.disputeWindowOverride, nil
	}
	var seconds uint64
	if err := a.call(ctx, &seconds, "getDisputeWindowSeconds"); err != nil {
		return 0, err
	}
	return time.Duration(seconds) * time.Second, nil
}

func (a *EthAdapter) CommitResolution(ctx context.Context, marketAddress common.Address, outcome uint8, dataHash [32]byte) (common.Hash, error) {
	return a.send(ctx, "commitResolution", marketAddress, outcome, dataHash)
}

func (a *EthAdapter) FinalizeResolution(ctx context.Context, marketAddress common.Address) (common.Hash, error) {
	return a.send(ctx, "finalizeResolution", marketAddress)
}

// send packs, estimates gas (with the configured safety multiplier),
// signs and broadcasts a write call. Serialized by writeMu: two writes
// in flight at once would race on nonce assignment.
func (a *EthAdapter) send(ctx context.Context, method string, args ...any) (common.Hash, error) {
	start := time.Now()
	hash, err := a.doSend(ctx, method, args...)
	if a.metrics != nil {
		outcome := "ok"
		if err != nil {
			outcome = "error"
		}
		a.metrics.ChainCallDuration.WithLabelValues(method, outcome).Observe(time.Since(start).Seconds())
	}
	return hash, err
}

func (a *EthAdapter) doSend(ctx context.Context, method string, args ...any) (common.Hash, error) {
	a.writeMu.Lock()
	defer a.writeMu.Unlock()

	data, err := a.contractABI.Pack(method, args...)
	if err != nil {
		return common.Hash{}, fmt.Errorf("chain: pack %s: %w", method, err)
	}

	nonce, err := a.client.PendingNonceAt(ctx, a.fromAddress)
	if err != nil {
		return common.Hash{}, classifyRPCError("chain."+method+".nonce", err)
	}

	gasPrice, err := a.client.SuggestGasPrice(ctx)
	if err != nil {
		return common.Hash{}, classifyRPCError("chain."+method+".gasprice", err)
	}

	estimated, err := a.client.EstimateGas(ctx, ethereum.CallMsg{
		From: a.fromAddress,
		To:   &a.oracleAddress,
		Data: data,
	})
	if err != nil {
		return common.Hash{}, classifyRPCError("chain."+method+".estimategas", err)
	}
	gasLimit := uint64(float64(estimated) * a.gasSafetyMultiplier)

	tx := types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		To:       &a.oracleAddress,
		Value:    big.NewInt(0),
		Gas:      gasLimit,
		GasPrice: gasPrice,
		Data:     data,
	})

	signer := types.LatestSignerForChainID(a.chainID)
	signedTx, err := types.SignTx(tx, signer, a.privateKey)
	if err != nil {
		return common.Hash{}, fmt.Errorf("chain: sign %s: %w", method, err)
	}

	if err := a.client.SendTransaction(ctx, signedTx); err != nil {
		return common.Hash{}, classifyRPCError("chain."+method+".send", err)
	}
	return signedTx.Hash(), nil
}

// Close releases the underlying RPC connection.
func (a *EthAdapter) Close() {
	a.client.Close()
}
