package fulfill

import (
	"context"
	"crypto/ecdsa"
	"math/big"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/require"

	"ProofMarket/internal/aggregation"
	xerrors "ProofMarket/internal/errors"
	"ProofMarket/internal/market"
	"ProofMarket/internal/observability/alerting"
)

var testDomain = market.Domain{
	Market:  common.HexToAddress("0x0000000000000000000000000000000000000b0b"),
	ChainID: big.NewInt(31337),
}

type fixture struct {
	key    *ecdsa.PrivateKey
	orders map[string]market.Order
	ids    []*big.Int
}

func newFixture(t *testing.T, n int) *fixture {
	t.Helper()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	f := &fixture{key: key, orders: make(map[string]market.Order)}
	client := crypto.PubkeyToAddress(key.PublicKey)
	for i := 0; i < n; i++ {
		req := market.ProofRequest{
			ID: market.NewRequestID(client, uint32(i+1), false),
			Requirements: market.Requirements{
				ImageID:   common.BigToHash(big.NewInt(int64(100 + i))),
				Callback:  market.Callback{GasLimit: new(big.Int)},
				Predicate: market.Predicate{Type: market.PredicatePrefixMatch, Data: []byte{}},
			},
			ImageURL: "https://images.invalid/guest",
			Input:    market.Input{Type: market.InputInline, Data: []byte{0x01}},
			Offer: market.Offer{
				MinPrice: big.NewInt(1), MaxPrice: big.NewInt(2), LockStake: big.NewInt(0),
				Timeout: 100, LockTimeout: 50,
			},
		}
		sig, err := req.Sign(testDomain, key)
		require.NoError(t, err)
		f.orders[market.IDHex(req.ID)] = market.Order{Request: req, Signature: sig, Source: market.OrderSource{Stream: true}}
		f.ids = append(f.ids, req.ID)
	}
	return f
}

type fakeResolver struct {
	orders map[string]market.Order
	delay  func(id *big.Int) time.Duration
	calls  atomic.Int32
}

func (r *fakeResolver) ResolveOrder(ctx context.Context, id *big.Int, _, _ *common.Hash) (market.Order, error) {
	r.calls.Add(1)
	if r.delay != nil {
		select {
		case <-time.After(r.delay(id)):
		case <-ctx.Done():
			return market.Order{}, ctx.Err()
		}
	}
	order, ok := r.orders[market.IDHex(id)]
	if !ok {
		return market.Order{}, xerrors.New(xerrors.CodeNotFound, "missing "+market.IDHex(id), xerrors.WithStage(xerrors.StageFetch))
	}
	return order, nil
}

type fakeMarket struct {
	locked    map[string]bool
	calls     atomic.Int32
	lockReads atomic.Int32
}

func (m *fakeMarket) Domain(context.Context) (market.Domain, error) {
	m.calls.Add(1)
	return testDomain, nil
}

func (m *fakeMarket) IsLocked(_ context.Context, id *big.Int) (bool, error) {
	m.calls.Add(1)
	m.lockReads.Add(1)
	return m.locked[market.IDHex(id)], nil
}

type fakeAggregator struct {
	calls   atomic.Int32
	reorder bool
}

func (a *fakeAggregator) Aggregate(_ context.Context, orders []market.Order) (*aggregation.Result, error) {
	a.calls.Add(1)
	fills := make([]aggregation.Fill, len(orders))
	for i, o := range orders {
		fills[i] = aggregation.Fill{ID: o.Request.ID, ImageID: o.Request.Requirements.ImageID, Journal: []byte{byte(i)}}
	}
	if a.reorder && len(fills) > 1 {
		fills[0], fills[1] = fills[1], fills[0]
	}
	return &aggregation.Result{
		MerkleRoot: aggregation.RootOf(fills),
		RootSeal:   []byte{0x5e, 0xa1},
		Fills:      fills,
		Assessor:   aggregation.AssessorReceipt{Prover: common.HexToAddress("0x0f")},
	}, nil
}

type fakeChain struct {
	mu         sync.Mutex
	rootCalls  int
	fillCalls  int
	rootErr    error
	fulfillErr error
	priced     []market.ProofRequest
	signatures [][]byte
	fills      []aggregation.Fill
}

func (c *fakeChain) SubmitMerkleRoot(context.Context, common.Hash, []byte) (common.Hash, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rootCalls++
	if c.rootErr != nil {
		return common.Hash{}, c.rootErr
	}
	return common.HexToHash("0x01"), nil
}

func (c *fakeChain) PriceAndFulfillBatch(_ context.Context, requests []market.ProofRequest, signatures [][]byte, fills []aggregation.Fill, _ aggregation.AssessorReceipt) (common.Hash, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.fillCalls++
	c.priced, c.signatures, c.fills = requests, signatures, fills
	if c.fulfillErr != nil {
		return common.Hash{}, c.fulfillErr
	}
	return common.HexToHash("0x02"), nil
}

type recordingDispatcher struct {
	events []alerting.Event
}

func (d *recordingDispatcher) Notify(_ context.Context, event alerting.Event) error {
	d.events = append(d.events, event)
	return nil
}

type harness struct {
	fx        *fixture
	resolver  *fakeResolver
	market    *fakeMarket
	agg       *fakeAggregator
	chain     *fakeChain
	alerts    *recordingDispatcher
	fulfiller *Fulfiller
}

func newHarness(t *testing.T, n int) *harness {
	t.Helper()
	fx := newFixture(t, n)
	h := &harness{
		fx:       fx,
		resolver: &fakeResolver{orders: fx.orders},
		market:   &fakeMarket{locked: map[string]bool{}},
		agg:      &fakeAggregator{},
		chain:    &fakeChain{},
		alerts:   &recordingDispatcher{},
	}
	h.fulfiller = NewFulfiller(
		NewOrchestrator(h.resolver, h.market),
		h.agg,
		NewBatchSubmitter(h.chain),
		WithAlertDispatcher(h.alerts),
	)
	return h
}

func TestPrepareKeepsInputOrder(t *testing.T) {
	h := newHarness(t, 5)
	// later ids resolve first
	h.resolver.delay = func(id *big.Int) time.Duration {
		return time.Duration(10-market.RequestIndex(id)) * 5 * time.Millisecond
	}

	batch, err := NewOrchestrator(h.resolver, h.market, WithConcurrency(5)).Prepare(context.Background(), Request{IDs: h.fx.ids})
	require.NoError(t, err)
	require.Len(t, batch.Orders, 5)
	for i, id := range h.fx.ids {
		require.Equal(t, 0, batch.Orders[i].Request.ID.Cmp(id))
		require.Equal(t, h.fx.orders[market.IDHex(id)].Signature, batch.Signatures[i])
	}
}

func TestPricedSubsetExcludesLockedOrders(t *testing.T) {
	h := newHarness(t, 3)
	h.market.locked[market.IDHex(h.fx.ids[1])] = true

	outcome, err := h.fulfiller.Fulfill(context.Background(), Request{IDs: h.fx.ids})
	require.NoError(t, err)

	require.Equal(t, []bool{false, true, false}, outcome.Batch.Locked)
	require.Len(t, h.chain.priced, 2)
	require.Equal(t, 0, h.chain.priced[0].ID.Cmp(h.fx.ids[0]))
	require.Equal(t, 0, h.chain.priced[1].ID.Cmp(h.fx.ids[2]))
	require.Equal(t, h.fx.orders[market.IDHex(h.fx.ids[2])].Signature, h.chain.signatures[1])
	// locked orders are still aggregated and fulfilled
	require.Len(t, h.chain.fills, 3)
	require.Equal(t, 1, h.chain.rootCalls)
	require.Equal(t, 1, h.chain.fillCalls)
	require.Equal(t, common.HexToHash("0x02"), outcome.Receipt.FulfillTx)
}

func TestLockStateIsReadOnEveryRun(t *testing.T) {
	h := newHarness(t, 3)
	req := Request{IDs: h.fx.ids}

	first, err := h.fulfiller.Fulfill(context.Background(), req)
	require.NoError(t, err)
	require.Equal(t, []bool{false, false, false}, first.Batch.Locked)
	require.Len(t, first.Batch.Priced, 3)
	require.Equal(t, int32(3), h.market.lockReads.Load())

	h.market.locked[market.IDHex(h.fx.ids[0])] = true

	second, err := h.fulfiller.Fulfill(context.Background(), req)
	require.NoError(t, err)
	require.Equal(t, []bool{true, false, false}, second.Batch.Locked)
	require.Len(t, second.Batch.Priced, 2)
	require.Equal(t, 0, second.Batch.Priced[0].ID.Cmp(h.fx.ids[1]))
	require.Equal(t, int32(6), h.market.lockReads.Load())
	require.Len(t, h.chain.priced, 2)
}

func TestMismatchedHintsFailBeforeNetwork(t *testing.T) {
	h := newHarness(t, 3)

	_, err := h.fulfiller.Fulfill(context.Background(), Request{
		IDs:     h.fx.ids,
		Digests: []common.Hash{{1}, {2}},
	})
	require.Equal(t, xerrors.CodeConfiguration, xerrors.CodeOf(err))
	require.Zero(t, h.resolver.calls.Load())
	require.Zero(t, h.market.calls.Load())

	_, err = h.fulfiller.Fulfill(context.Background(), Request{IDs: h.fx.ids, TxHashes: []common.Hash{{1}}})
	require.Equal(t, xerrors.CodeConfiguration, xerrors.CodeOf(err))

	_, err = h.fulfiller.Fulfill(context.Background(), Request{})
	require.Equal(t, xerrors.CodeConfiguration, xerrors.CodeOf(err))
	require.Zero(t, h.resolver.calls.Load())
}

func TestInvalidSignatureAbortsBatch(t *testing.T) {
	h := newHarness(t, 3)
	forger, err := crypto.GenerateKey()
	require.NoError(t, err)
	victim := h.fx.orders[market.IDHex(h.fx.ids[1])]
	victim.Signature, err = victim.Request.Sign(testDomain, forger)
	require.NoError(t, err)
	h.fx.orders[market.IDHex(h.fx.ids[1])] = victim

	_, err = h.fulfiller.Fulfill(context.Background(), Request{IDs: h.fx.ids})
	require.Equal(t, xerrors.CodeInvalidSignature, xerrors.CodeOf(err))
	require.Equal(t, xerrors.StageVerify, xerrors.StageOf(err))
	require.Zero(t, h.agg.calls.Load())
	require.Zero(t, h.chain.rootCalls)
	require.Zero(t, h.chain.fillCalls)

	e, ok := xerrors.From(err)
	require.True(t, ok)
	require.Equal(t, market.IDsHex(h.fx.ids), e.RequestIDs())
	require.Len(t, h.alerts.events, 1)
}

func TestNotFoundCancelsBatch(t *testing.T) {
	h := newHarness(t, 3)
	delete(h.fx.orders, market.IDHex(h.fx.ids[2]))

	_, err := h.fulfiller.Fulfill(context.Background(), Request{IDs: h.fx.ids})
	require.Equal(t, xerrors.CodeNotFound, xerrors.CodeOf(err))
	require.Equal(t, xerrors.StageFetch, xerrors.StageOf(err))
	require.Zero(t, h.agg.calls.Load())
}

func TestRootFailureSkipsFulfillment(t *testing.T) {
	h := newHarness(t, 2)
	h.chain.rootErr = xerrors.New(xerrors.CodeChain, "reverted")

	_, err := h.fulfiller.Fulfill(context.Background(), Request{IDs: h.fx.ids})
	require.Equal(t, xerrors.StageSubmitRoot, xerrors.StageOf(err))
	require.Equal(t, 1, h.chain.rootCalls)
	require.Zero(t, h.chain.fillCalls)
}

func TestFulfillFailureCarriesBatchIDs(t *testing.T) {
	h := newHarness(t, 3)
	h.chain.fulfillErr = xerrors.New(xerrors.CodeChain, "RequestIsLocked")

	_, err := h.fulfiller.Fulfill(context.Background(), Request{IDs: h.fx.ids})
	require.Equal(t, xerrors.CodeChain, xerrors.CodeOf(err))
	require.Equal(t, xerrors.StageFulfill, xerrors.StageOf(err))
	e, ok := xerrors.From(err)
	require.True(t, ok)
	require.Equal(t, market.IDsHex(h.fx.ids), e.RequestIDs())
	require.Contains(t, err.Error(), market.IDHex(h.fx.ids[2]))
	require.Len(t, h.alerts.events, 1)
	require.Equal(t, xerrors.StageFulfill, h.alerts.events[0].Stage)
}

func TestMisalignedAggregationIsRejected(t *testing.T) {
	h := newHarness(t, 2)
	h.agg.reorder = true

	_, err := h.fulfiller.Fulfill(context.Background(), Request{IDs: h.fx.ids})
	require.Equal(t, xerrors.CodeAggregation, xerrors.CodeOf(err))
	require.Zero(t, h.chain.rootCalls)
}

func TestAggregationRootIsDeterministic(t *testing.T) {
	h := newHarness(t, 4)
	batch, err := h.fulfiller.orchestrator.Prepare(context.Background(), Request{IDs: h.fx.ids})
	require.NoError(t, err)

	first, err := h.agg.Aggregate(context.Background(), batch.Orders)
	require.NoError(t, err)
	second, err := h.agg.Aggregate(context.Background(), batch.Orders)
	require.NoError(t, err)
	require.Equal(t, first.MerkleRoot, second.MerkleRoot)
}
