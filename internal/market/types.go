// Package market models proof requests as they are signed by clients and
// consumed by the on-chain market: request identifiers, requirements, offers,
// guest inputs and the EIP-712 signing rules that bind them to a requestor.
package market

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// PredicateType selects how a journal is checked against a request.
type PredicateType uint8

const (
	PredicateDigestMatch PredicateType = iota
	PredicatePrefixMatch
	PredicateClaimDigestMatch
)

func (p PredicateType) String() string {
	switch p {
	case PredicateDigestMatch:
		return "DigestMatch"
	case PredicatePrefixMatch:
		return "PrefixMatch"
	case PredicateClaimDigestMatch:
		return "ClaimDigestMatch"
	default:
		return fmt.Sprintf("PredicateType(%d)", uint8(p))
	}
}

// InputType selects how the guest input is delivered.
type InputType uint8

const (
	InputInline InputType = iota
	InputURL
)

func (t InputType) String() string {
	switch t {
	case InputInline:
		return "Inline"
	case InputURL:
		return "Url"
	default:
		return fmt.Sprintf("InputType(%d)", uint8(t))
	}
}

// Predicate is evaluated against the guest journal before fulfillment.
type Predicate struct {
	Type PredicateType
	Data []byte
}

// Callback is invoked by the market after a request is fulfilled.
type Callback struct {
	Address  common.Address
	GasLimit *big.Int
}

// Requirements bind a request to an image, a predicate, an optional callback
// and an optional verifier selector.
type Requirements struct {
	ImageID   common.Hash
	Callback  Callback
	Predicate Predicate
	Selector  [4]byte
}

// Input is the guest input descriptor. For InputURL, Data holds the URL bytes.
type Input struct {
	Type InputType
	Data []byte
}

// Offer describes the price ramp, timing and stake of a request.
type Offer struct {
	MinPrice     *big.Int
	MaxPrice     *big.Int
	BiddingStart uint64
	RampUpPeriod uint32
	LockTimeout  uint32
	Timeout      uint32
	LockStake    *big.Int
}

// ProofRequest is the immutable, client-signed description of a proof to be
// produced.
type ProofRequest struct {
	ID           *big.Int
	Requirements Requirements
	ImageURL     string
	Input        Input
	Offer        Offer
}

// OrderSource records where an order was retrieved from.
type OrderSource struct {
	TxHash *common.Hash
	Stream bool
}

func (s OrderSource) String() string {
	switch {
	case s.TxHash != nil:
		return "tx:" + s.TxHash.Hex()
	case s.Stream:
		return "order-stream"
	default:
		return "chain-logs"
	}
}

// Kind returns a low-cardinality label for the source.
func (s OrderSource) Kind() string {
	if s.Stream {
		return "stream"
	}
	return "chain"
}

// Order is a signed request together with its provenance.
type Order struct {
	Request   ProofRequest
	Signature []byte
	Source    OrderSource
}

// IDHex formats a request id the way operators type it on the command line.
func IDHex(id *big.Int) string {
	if id == nil {
		return "0x0"
	}
	return "0x" + id.Text(16)
}

// IDsHex formats a list of request ids.
func IDsHex(ids []*big.Int) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = IDHex(id)
	}
	return out
}
