package market

import (
	"crypto/ecdsa"
	"crypto/sha256"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/require"

	xerrors "ProofMarket/internal/errors"
)

var testDomain = Domain{
	Market:  common.HexToAddress("0x5FbDB2315678afecb367f032d93F642f64180aa3"),
	ChainID: big.NewInt(31337),
}

func newTestRequest(t *testing.T, key *ecdsa.PrivateKey, index uint32) ProofRequest {
	t.Helper()
	return ProofRequest{
		ID: NewRequestID(crypto.PubkeyToAddress(key.PublicKey), index, false),
		Requirements: Requirements{
			ImageID:   common.HexToHash("0x11"),
			Predicate: Predicate{Type: PredicatePrefixMatch, Data: []byte{0xca, 0xfe}},
			Callback:  Callback{GasLimit: big.NewInt(0)},
		},
		ImageURL: "https://example.com/guest.elf",
		Input:    Input{Type: InputInline, Data: GuestEnv{Stdin: []byte("hello")}.Encode()},
		Offer: Offer{
			MinPrice:     big.NewInt(1),
			MaxPrice:     big.NewInt(1_000_000),
			BiddingStart: 100,
			RampUpPeriod: 10,
			LockTimeout:  300,
			Timeout:      600,
			LockStake:    big.NewInt(5),
		},
	}
}

func TestRequestIDLayout(t *testing.T) {
	addr := common.HexToAddress("0x90F79bf6EB2c4f870365E785982E1f101E93b906")
	id := NewRequestID(addr, 7, false)

	require.Equal(t, addr, ClientAddress(id))
	require.Equal(t, uint32(7), RequestIndex(id))
	require.False(t, IsSmartContractSigned(id))

	parsed, err := ParseRequestID(IDHex(id))
	require.NoError(t, err)
	require.Zero(t, parsed.Cmp(id))

	require.True(t, IsSmartContractSigned(NewRequestID(addr, 7, true)))
}

func TestParseHashesRejectsShortValues(t *testing.T) {
	hashes, err := ParseHashes(nil)
	require.NoError(t, err)
	require.Nil(t, hashes)

	_, err = ParseHashes([]string{"0x1234"})
	require.Error(t, err)
}

func TestVerifySignature(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	req := newTestRequest(t, key, 1)

	sig, err := req.Sign(testDomain, key)
	require.NoError(t, err)
	require.NoError(t, req.VerifySignature(sig, testDomain))

	legacy := append([]byte(nil), sig...)
	legacy[64] += 27
	require.NoError(t, req.VerifySignature(legacy, testDomain))

	otherChain := Domain{Market: testDomain.Market, ChainID: big.NewInt(1)}
	err = req.VerifySignature(sig, otherChain)
	require.Equal(t, xerrors.CodeInvalidSignature, xerrors.CodeOf(err))
}

func TestVerifySignatureRejectsForeignSigner(t *testing.T) {
	owner, err := crypto.GenerateKey()
	require.NoError(t, err)
	forger, err := crypto.GenerateKey()
	require.NoError(t, err)
	req := newTestRequest(t, owner, 2)

	sig, err := req.Sign(testDomain, forger)
	require.NoError(t, err)

	err = req.VerifySignature(sig, testDomain)
	require.Equal(t, xerrors.CodeInvalidSignature, xerrors.CodeOf(err))
	require.Equal(t, xerrors.StageVerify, xerrors.StageOf(err))

	require.Error(t, req.VerifySignature(sig[:10], testDomain))
}

func TestSigningHashCoversContent(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	req := newTestRequest(t, key, 3)

	first, err := req.SigningHash(testDomain)
	require.NoError(t, err)
	again, err := req.SigningHash(testDomain)
	require.NoError(t, err)
	require.Equal(t, first, again)

	req.Offer.MaxPrice = big.NewInt(2_000_000)
	changed, err := req.SigningHash(testDomain)
	require.NoError(t, err)
	require.NotEqual(t, first, changed)
}

func TestPredicateEval(t *testing.T) {
	journal := []byte("journal-bytes")
	digest := sha256.Sum256(journal)

	ok, err := Predicate{Type: PredicateDigestMatch, Data: digest[:]}.Eval(journal)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = Predicate{Type: PredicatePrefixMatch, Data: []byte("journal")}.Eval(journal)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = Predicate{Type: PredicatePrefixMatch, Data: []byte("nope")}.Eval(journal)
	require.NoError(t, err)
	require.False(t, ok)

	_, err = Predicate{Type: PredicateClaimDigestMatch}.Eval(journal)
	require.Error(t, err)
}

func TestDecodeGuestEnv(t *testing.T) {
	env, err := DecodeGuestEnv(GuestEnv{Stdin: []byte{1, 2, 3}}.Encode())
	require.NoError(t, err)
	require.Equal(t, []byte{1, 2, 3}, env.Stdin)

	_, err = DecodeGuestEnv([]byte{0x09, 0x01})
	require.Equal(t, xerrors.CodeMalformed, xerrors.CodeOf(err))

	_, err = DecodeGuestEnv(nil)
	require.Error(t, err)
}
