package market

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

// RequestJSON is the wire form of a ProofRequest used by the order-stream
// service and the aggregation service.
type RequestJSON struct {
	ID           *hexutil.Big     `json:"id"`
	Requirements RequirementsJSON `json:"requirements"`
	ImageURL     string           `json:"imageUrl"`
	Input        InputJSON        `json:"input"`
	Offer        OfferJSON        `json:"offer"`
}

// RequirementsJSON is the wire form of Requirements.
type RequirementsJSON struct {
	ImageID   common.Hash   `json:"imageId"`
	Callback  CallbackJSON  `json:"callback"`
	Predicate PredicateJSON `json:"predicate"`
	Selector  hexutil.Bytes `json:"selector"`
}

// CallbackJSON is the wire form of Callback.
type CallbackJSON struct {
	Address  common.Address `json:"addr"`
	GasLimit *hexutil.Big   `json:"gasLimit"`
}

// PredicateJSON is the wire form of Predicate.
type PredicateJSON struct {
	Type uint8         `json:"predicateType"`
	Data hexutil.Bytes `json:"data"`
}

// InputJSON is the wire form of Input.
type InputJSON struct {
	Type uint8         `json:"inputType"`
	Data hexutil.Bytes `json:"data"`
}

// OfferJSON is the wire form of Offer.
type OfferJSON struct {
	MinPrice     *hexutil.Big `json:"minPrice"`
	MaxPrice     *hexutil.Big `json:"maxPrice"`
	BiddingStart uint64       `json:"biddingStart"`
	RampUpPeriod uint32       `json:"rampUpPeriod"`
	LockTimeout  uint32       `json:"lockTimeout"`
	Timeout      uint32       `json:"timeout"`
	LockStake    *hexutil.Big `json:"lockStake"`
}

// ToJSON converts r into its wire form.
func (r ProofRequest) ToJSON() RequestJSON {
	return RequestJSON{
		ID: toHexBig(r.ID),
		Requirements: RequirementsJSON{
			ImageID: r.Requirements.ImageID,
			Callback: CallbackJSON{
				Address:  r.Requirements.Callback.Address,
				GasLimit: toHexBig(r.Requirements.Callback.GasLimit),
			},
			Predicate: PredicateJSON{
				Type: uint8(r.Requirements.Predicate.Type),
				Data: r.Requirements.Predicate.Data,
			},
			Selector: r.Requirements.Selector[:],
		},
		ImageURL: r.ImageURL,
		Input:    InputJSON{Type: uint8(r.Input.Type), Data: r.Input.Data},
		Offer: OfferJSON{
			MinPrice:     toHexBig(r.Offer.MinPrice),
			MaxPrice:     toHexBig(r.Offer.MaxPrice),
			BiddingStart: r.Offer.BiddingStart,
			RampUpPeriod: r.Offer.RampUpPeriod,
			LockTimeout:  r.Offer.LockTimeout,
			Timeout:      r.Offer.Timeout,
			LockStake:    toHexBig(r.Offer.LockStake),
		},
	}
}

// Request converts the wire form back into a ProofRequest.
func (j RequestJSON) Request() (ProofRequest, error) {
	if j.ID == nil {
		return ProofRequest{}, fmt.Errorf("request id missing")
	}
	var selector [4]byte
	switch len(j.Requirements.Selector) {
	case 0:
	case 4:
		copy(selector[:], j.Requirements.Selector)
	default:
		return ProofRequest{}, fmt.Errorf("selector must be 4 bytes, got %d", len(j.Requirements.Selector))
	}
	if j.Input.Type > uint8(InputURL) {
		return ProofRequest{}, fmt.Errorf("unknown input type %d", j.Input.Type)
	}
	return ProofRequest{
		ID: fromHexBig(j.ID),
		Requirements: Requirements{
			ImageID: j.Requirements.ImageID,
			Callback: Callback{
				Address:  j.Requirements.Callback.Address,
				GasLimit: fromHexBig(j.Requirements.Callback.GasLimit),
			},
			Predicate: Predicate{
				Type: PredicateType(j.Requirements.Predicate.Type),
				Data: j.Requirements.Predicate.Data,
			},
			Selector: selector,
		},
		ImageURL: j.ImageURL,
		Input:    Input{Type: InputType(j.Input.Type), Data: j.Input.Data},
		Offer: Offer{
			MinPrice:     fromHexBig(j.Offer.MinPrice),
			MaxPrice:     fromHexBig(j.Offer.MaxPrice),
			BiddingStart: j.Offer.BiddingStart,
			RampUpPeriod: j.Offer.RampUpPeriod,
			LockTimeout:  j.Offer.LockTimeout,
			Timeout:      j.Offer.Timeout,
			LockStake:    fromHexBig(j.Offer.LockStake),
		},
	}, nil
}

func toHexBig(v *big.Int) *hexutil.Big {
	if v == nil {
		return (*hexutil.Big)(new(big.Int))
	}
	return (*hexutil.Big)(new(big.Int).Set(v))
}

func fromHexBig(v *hexutil.Big) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return new(big.Int).Set(v.ToInt())
}
