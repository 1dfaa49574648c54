package chain

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"

	"ProofMarket/internal/aggregation"
	"ProofMarket/internal/market"
)

const proofRequestTuple = `{"name":"%s","type":"tuple%s","components":[
	{"name":"id","type":"uint256"},
	{"name":"requirements","type":"tuple","components":[
		{"name":"imageId","type":"bytes32"},
		{"name":"callback","type":"tuple","components":[
			{"name":"addr","type":"address"},
			{"name":"gasLimit","type":"uint96"}]},
		{"name":"predicate","type":"tuple","components":[
			{"name":"predicateType","type":"uint8"},
			{"name":"data","type":"bytes"}]},
		{"name":"selector","type":"bytes4"}]},
	{"name":"imageUrl","type":"string"},
	{"name":"input","type":"tuple","components":[
		{"name":"inputType","type":"uint8"},
		{"name":"data","type":"bytes"}]},
	{"name":"offer","type":"tuple","components":[
		{"name":"minPrice","type":"uint256"},
		{"name":"maxPrice","type":"uint256"},
		{"name":"biddingStart","type":"uint64"},
		{"name":"rampUpPeriod","type":"uint32"},
		{"name":"lockTimeout","type":"uint32"},
		{"name":"timeout","type":"uint32"},
		{"name":"lockStake","type":"uint256"}]}]}`

// MarketABI covers the subset of the market contract used for fulfillment.
var MarketABI = `[
	{"type":"function","name":"isLocked","stateMutability":"view",
	 "inputs":[{"name":"requestId","type":"uint256"}],
	 "outputs":[{"name":"","type":"bool"}]},
	{"type":"function","name":"imageInfo","stateMutability":"view","inputs":[],
	 "outputs":[{"name":"","type":"bytes32"},{"name":"","type":"string"}]},
	{"type":"function","name":"priceAndFulfillBatch","stateMutability":"nonpayable",
	 "inputs":[
		` + fmt.Sprintf(proofRequestTuple, "requests", "[]") + `,
		{"name":"clientSignatures","type":"bytes[]"},
		{"name":"fills","type":"tuple[]","components":[
			{"name":"id","type":"uint256"},
			{"name":"requestDigest","type":"bytes32"},
			{"name":"imageId","type":"bytes32"},
			{"name":"journal","type":"bytes"},
			{"name":"seal","type":"bytes"}]},
		{"name":"assessorReceipt","type":"tuple","components":[
			{"name":"seal","type":"bytes"},
			{"name":"selectors","type":"tuple[]","components":[
				{"name":"index","type":"uint32"},
				{"name":"value","type":"bytes4"}]},
			{"name":"callbacks","type":"tuple[]","components":[
				{"name":"index","type":"uint32"},
				{"name":"gasLimit","type":"uint96"},
				{"name":"addr","type":"address"}]},
			{"name":"prover","type":"address"}]}],
	 "outputs":[]},
	{"type":"event","name":"RequestSubmitted","anonymous":false,
	 "inputs":[
		{"name":"requestId","type":"uint256","indexed":true},
		` + fmt.Sprintf(proofRequestTuple, "request", "") + `,
		{"name":"clientSignature","type":"bytes","indexed":false}]}
]`

// SetVerifierABI covers the aggregation set verifier.
var SetVerifierABI = `[
	{"type":"function","name":"submitMerkleRoot","stateMutability":"nonpayable",
	 "inputs":[{"name":"root","type":"bytes32"},{"name":"seal","type":"bytes"}],
	 "outputs":[]},
	{"type":"function","name":"imageInfo","stateMutability":"view","inputs":[],
	 "outputs":[{"name":"","type":"bytes32"},{"name":"","type":"string"}]}
]`

var (
	marketABI      = mustParse(MarketABI)
	setVerifierABI = mustParse(SetVerifierABI)
)

func mustParse(raw string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(raw))
	if err != nil {
		panic("chain: invalid contract ABI: " + err.Error())
	}
	return parsed
}

// The abi* types mirror the Solidity structs field for field so the ABI
// codec can map tuple components by name.

type abiCallback struct {
	Addr     common.Address
	GasLimit *big.Int
}

type abiPredicate struct {
	PredicateType uint8
	Data          []byte
}

type abiRequirements struct {
	ImageId   [32]byte
	Callback  abiCallback
	Predicate abiPredicate
	Selector  [4]byte
}

type abiInput struct {
	InputType uint8
	Data      []byte
}

type abiOffer struct {
	MinPrice     *big.Int
	MaxPrice     *big.Int
	BiddingStart uint64
	RampUpPeriod uint32
	LockTimeout  uint32
	Timeout      uint32
	LockStake    *big.Int
}

type abiProofRequest struct {
	Id           *big.Int
	Requirements abiRequirements
	ImageUrl     string
	Input        abiInput
	Offer        abiOffer
}

type abiFulfillment struct {
	Id            *big.Int
	RequestDigest [32]byte
	ImageId       [32]byte
	Journal       []byte
	Seal          []byte
}

type abiSelector struct {
	Index uint32
	Value [4]byte
}

type abiAssessorCallback struct {
	Index    uint32
	GasLimit *big.Int
	Addr     common.Address
}

type abiAssessorReceipt struct {
	Seal      []byte
	Selectors []abiSelector
	Callbacks []abiAssessorCallback
	Prover    common.Address
}

type requestSubmittedEvent struct {
	Request         abiProofRequest
	ClientSignature []byte
}

func orZero(v *big.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return v
}

func toABIRequest(r market.ProofRequest) abiProofRequest {
	return abiProofRequest{
		Id: orZero(r.ID),
		Requirements: abiRequirements{
			ImageId: r.Requirements.ImageID,
			Callback: abiCallback{
				Addr:     r.Requirements.Callback.Address,
				GasLimit: orZero(r.Requirements.Callback.GasLimit),
			},
			Predicate: abiPredicate{
				PredicateType: uint8(r.Requirements.Predicate.Type),
				Data:          nonNil(r.Requirements.Predicate.Data),
			},
			Selector: r.Requirements.Selector,
		},
		ImageUrl: r.ImageURL,
		Input:    abiInput{InputType: uint8(r.Input.Type), Data: nonNil(r.Input.Data)},
		Offer: abiOffer{
			MinPrice:     orZero(r.Offer.MinPrice),
			MaxPrice:     orZero(r.Offer.MaxPrice),
			BiddingStart: r.Offer.BiddingStart,
			RampUpPeriod: r.Offer.RampUpPeriod,
			LockTimeout:  r.Offer.LockTimeout,
			Timeout:      r.Offer.Timeout,
			LockStake:    orZero(r.Offer.LockStake),
		},
	}
}

func (r abiProofRequest) request() market.ProofRequest {
	return market.ProofRequest{
		ID: orZero(r.Id),
		Requirements: market.Requirements{
			ImageID: r.Requirements.ImageId,
			Callback: market.Callback{
				Address:  r.Requirements.Callback.Addr,
				GasLimit: orZero(r.Requirements.Callback.GasLimit),
			},
			Predicate: market.Predicate{
				Type: market.PredicateType(r.Requirements.Predicate.PredicateType),
				Data: r.Requirements.Predicate.Data,
			},
			Selector: r.Requirements.Selector,
		},
		ImageURL: r.ImageUrl,
		Input:    market.Input{Type: market.InputType(r.Input.InputType), Data: r.Input.Data},
		Offer: market.Offer{
			MinPrice:     orZero(r.Offer.MinPrice),
			MaxPrice:     orZero(r.Offer.MaxPrice),
			BiddingStart: r.Offer.BiddingStart,
			RampUpPeriod: r.Offer.RampUpPeriod,
			LockTimeout:  r.Offer.LockTimeout,
			Timeout:      r.Offer.Timeout,
			LockStake:    orZero(r.Offer.LockStake),
		},
	}
}

func toABIFills(fills []aggregation.Fill) []abiFulfillment {
	out := make([]abiFulfillment, len(fills))
	for i, f := range fills {
		out[i] = abiFulfillment{
			Id:            orZero(f.ID),
			RequestDigest: f.RequestDigest,
			ImageId:       f.ImageID,
			Journal:       nonNil(f.Journal),
			Seal:          nonNil(f.Seal),
		}
	}
	return out
}

func toABIAssessor(r aggregation.AssessorReceipt) abiAssessorReceipt {
	out := abiAssessorReceipt{
		Seal:      nonNil(r.Seal),
		Selectors: make([]abiSelector, len(r.Selectors)),
		Callbacks: make([]abiAssessorCallback, len(r.Callbacks)),
		Prover:    r.Prover,
	}
	for i, s := range r.Selectors {
		out.Selectors[i] = abiSelector{Index: s.Index, Value: s.Value}
	}
	for i, cb := range r.Callbacks {
		out.Callbacks[i] = abiAssessorCallback{Index: cb.Index, GasLimit: orZero(cb.GasLimit), Addr: cb.Address}
	}
	return out
}

func nonNil(b []byte) []byte {
	if b == nil {
		return []byte{}
	}
	return b
}
