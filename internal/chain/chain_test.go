package chain

import (
	"context"
	"math/big"
	"sync/atomic"
	"testing"
	"time"

	gethcore "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	coretypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/require"

	xerrors "ProofMarket/internal/errors"
	"ProofMarket/internal/market"
)

var testMarket = common.HexToAddress("0x00000000000000000000000000000000000000aa")

// fakeBackend overrides the read paths used by lookups and receipt polling.
// Any other Backend method panics through the nil embedded interface.
type fakeBackend struct {
	Backend
	chainID      *big.Int
	receipts     map[common.Hash]*coretypes.Receipt
	logs         []coretypes.Log
	notFoundFor  int32
	receiptCalls atomic.Int32
	lastQuery    gethcore.FilterQuery
	locked       map[string]bool
}

// CallContract answers isLocked and imageInfo for both contracts.
func (f *fakeBackend) CallContract(_ context.Context, call gethcore.CallMsg, _ *big.Int) ([]byte, error) {
	method, err := marketABI.MethodById(call.Data[:4])
	if err != nil {
		return nil, err
	}
	switch method.Name {
	case "isLocked":
		args, err := method.Inputs.Unpack(call.Data[4:])
		if err != nil {
			return nil, err
		}
		return method.Outputs.Pack(f.locked[args[0].(*big.Int).String()])
	case "imageInfo":
		var id [32]byte
		copy(id[:], call.To.Bytes())
		return method.Outputs.Pack(id, "https://images.example.invalid/"+call.To.Hex())
	}
	return nil, nil
}

func (f *fakeBackend) ChainID(context.Context) (*big.Int, error) {
	return f.chainID, nil
}

func (f *fakeBackend) TransactionReceipt(_ context.Context, hash common.Hash) (*coretypes.Receipt, error) {
	if f.receiptCalls.Add(1) <= f.notFoundFor {
		return nil, gethcore.NotFound
	}
	receipt, ok := f.receipts[hash]
	if !ok {
		return nil, gethcore.NotFound
	}
	return receipt, nil
}

func (f *fakeBackend) HeaderByNumber(context.Context, *big.Int) (*coretypes.Header, error) {
	return &coretypes.Header{Number: big.NewInt(250_000)}, nil
}

func (f *fakeBackend) FilterLogs(_ context.Context, q gethcore.FilterQuery) ([]coretypes.Log, error) {
	f.lastQuery = q
	return f.logs, nil
}

func newTestClient(t *testing.T, backend *fakeBackend) *Client {
	t.Helper()
	client, err := NewClient(backend, Config{MarketAddress: testMarket, PollInterval: 5 * time.Millisecond})
	require.NoError(t, err)
	return client
}

func signedRequest(t *testing.T, index uint32) market.Order {
	t.Helper()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	req := market.ProofRequest{
		ID: market.NewRequestID(crypto.PubkeyToAddress(key.PublicKey), index, false),
		Requirements: market.Requirements{
			ImageID:   common.HexToHash("0x1234"),
			Callback:  market.Callback{GasLimit: big.NewInt(0)},
			Predicate: market.Predicate{Type: market.PredicateDigestMatch, Data: common.HexToHash("0x99").Bytes()},
		},
		ImageURL: "https://example.invalid/guest.bin",
		Input:    market.Input{Type: market.InputInline, Data: []byte{0x01, 0x02}},
		Offer: market.Offer{
			MinPrice:     big.NewInt(1),
			MaxPrice:     big.NewInt(10),
			BiddingStart: 100,
			RampUpPeriod: 10,
			LockTimeout:  300,
			Timeout:      600,
			LockStake:    big.NewInt(5),
		},
	}
	sig, err := req.Sign(market.Domain{Market: testMarket, ChainID: big.NewInt(31337)}, key)
	require.NoError(t, err)
	return market.Order{Request: req, Signature: sig}
}

func submittedLog(t *testing.T, order market.Order) coretypes.Log {
	t.Helper()
	ev := marketABI.Events["RequestSubmitted"]
	data, err := ev.Inputs.NonIndexed().Pack(toABIRequest(order.Request), order.Signature)
	require.NoError(t, err)
	return coretypes.Log{
		Address: testMarket,
		Topics:  []common.Hash{RequestSubmittedTopic, common.BigToHash(order.Request.ID)},
		Data:    data,
	}
}

func TestDecodeRequestSubmitted(t *testing.T) {
	order := signedRequest(t, 7)

	decoded, err := DecodeRequestSubmitted(submittedLog(t, order))
	require.NoError(t, err)
	require.Equal(t, 0, decoded.Request.ID.Cmp(order.Request.ID))
	require.Equal(t, order.Signature, decoded.Signature)
	require.Equal(t, order.Request.ImageURL, decoded.Request.ImageURL)
	require.Equal(t, order.Request.Requirements.ImageID, decoded.Request.Requirements.ImageID)
	require.Equal(t, order.Request.Offer.LockTimeout, decoded.Request.Offer.LockTimeout)

	domain := market.Domain{Market: testMarket, ChainID: big.NewInt(31337)}
	require.NoError(t, decoded.Request.VerifySignature(decoded.Signature, domain))
}

func TestDecodeRequestSubmittedRejectsTopicMismatch(t *testing.T) {
	lg := submittedLog(t, signedRequest(t, 1))
	lg.Topics[1] = common.BigToHash(big.NewInt(42))

	_, err := DecodeRequestSubmitted(lg)
	require.Equal(t, xerrors.CodeMalformed, xerrors.CodeOf(err))
}

func TestFindOrderByTransaction(t *testing.T) {
	wanted := signedRequest(t, 2)
	other := signedRequest(t, 3)
	txHash := common.HexToHash("0xfeed")

	first, second := submittedLog(t, other), submittedLog(t, wanted)
	backend := &fakeBackend{
		chainID:  big.NewInt(31337),
		receipts: map[common.Hash]*coretypes.Receipt{txHash: {Logs: []*coretypes.Log{&first, &second}}},
	}
	client := newTestClient(t, backend)

	order, err := client.FindOrder(context.Background(), wanted.Request.ID, &txHash, nil)
	require.NoError(t, err)
	require.Equal(t, 0, order.Request.ID.Cmp(wanted.Request.ID))
	require.NotNil(t, order.Source.TxHash)
	require.Equal(t, txHash, *order.Source.TxHash)

	missing := common.HexToHash("0xbeef")
	_, err = client.FindOrder(context.Background(), wanted.Request.ID, &missing, nil)
	require.Equal(t, xerrors.CodeNotFound, xerrors.CodeOf(err))
}

func TestFindOrderFromLogsChecksDigest(t *testing.T) {
	order := signedRequest(t, 4)
	backend := &fakeBackend{chainID: big.NewInt(31337), logs: []coretypes.Log{submittedLog(t, order)}}
	client := newTestClient(t, backend)

	digest, err := order.Request.SigningHash(market.Domain{Market: testMarket, ChainID: big.NewInt(31337)})
	require.NoError(t, err)

	found, err := client.FindOrder(context.Background(), order.Request.ID, nil, &digest)
	require.NoError(t, err)
	require.Nil(t, found.Source.TxHash)
	require.Equal(t, int64(250_000-defaultLookbackBlocks), backend.lastQuery.FromBlock.Int64())
	require.Equal(t, common.BigToHash(order.Request.ID), backend.lastQuery.Topics[1][0])

	wrong := common.HexToHash("0x01")
	_, err = client.FindOrder(context.Background(), order.Request.ID, nil, &wrong)
	require.Equal(t, xerrors.CodeNotFound, xerrors.CodeOf(err))
}

func TestWaitReceiptPolls(t *testing.T) {
	hash := common.HexToHash("0xabc")
	backend := &fakeBackend{
		receipts:    map[common.Hash]*coretypes.Receipt{hash: {Status: coretypes.ReceiptStatusSuccessful}},
		notFoundFor: 2,
	}
	client := newTestClient(t, backend)

	receipt, err := client.waitReceipt(context.Background(), hash)
	require.NoError(t, err)
	require.Equal(t, coretypes.ReceiptStatusSuccessful, receipt.Status)
	require.Equal(t, int32(3), backend.receiptCalls.Load())
}

func TestWaitReceiptTimesOut(t *testing.T) {
	backend := &fakeBackend{receipts: map[common.Hash]*coretypes.Receipt{}}
	client, err := NewClient(backend, Config{
		MarketAddress:  testMarket,
		PollInterval:   5 * time.Millisecond,
		ReceiptTimeout: 30 * time.Millisecond,
	})
	require.NoError(t, err)

	_, err = client.waitReceipt(context.Background(), common.HexToHash("0x1"))
	require.Equal(t, xerrors.CodeTimeout, xerrors.CodeOf(err))
}

func TestNewClientRequiresMarket(t *testing.T) {
	_, err := NewClient(&fakeBackend{}, Config{})
	require.Equal(t, xerrors.CodeConfiguration, xerrors.CodeOf(err))

	client := newTestClient(t, &fakeBackend{chainID: big.NewInt(5)})
	_, err = client.SubmitMerkleRoot(context.Background(), common.Hash{1}, nil)
	require.Equal(t, xerrors.CodeConfiguration, xerrors.CodeOf(err))

	id, err := client.ChainID(context.Background())
	require.NoError(t, err)
	require.Equal(t, int64(5), id.Int64())
}

func TestIsLockedAndImageInfo(t *testing.T) {
	verifier := common.HexToAddress("0x00000000000000000000000000000000000000bb")
	backend := &fakeBackend{chainID: big.NewInt(1), locked: map[string]bool{"7": true}}
	client, err := NewClient(backend, Config{MarketAddress: testMarket, SetVerifierAddress: verifier})
	require.NoError(t, err)

	locked, err := client.IsLocked(context.Background(), big.NewInt(7))
	require.NoError(t, err)
	require.True(t, locked)

	locked, err = client.IsLocked(context.Background(), big.NewInt(8))
	require.NoError(t, err)
	require.False(t, locked)

	id, url, err := client.ImageInfo(context.Background())
	require.NoError(t, err)
	require.Equal(t, testMarket.Bytes(), id.Bytes()[:20])
	require.Contains(t, url, testMarket.Hex())

	_, url, err = client.SetBuilderImageInfo(context.Background())
	require.NoError(t, err)
	require.Contains(t, url, verifier.Hex())
}
