package market

import (
	"bytes"
	"crypto/ecdsa"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"

	xerrors "ProofMarket/internal/errors"
)

// EIP-712 domain parameters used by the market contract.
const (
	DomainName    = "IBoundlessMarket"
	DomainVersion = "1"
)

var requestTypes = apitypes.Types{
	"EIP712Domain": {
		{Name: "name", Type: "string"},
		{Name: "version", Type: "string"},
		{Name: "chainId", Type: "uint256"},
		{Name: "verifyingContract", Type: "address"},
	},
	"ProofRequest": {
		{Name: "id", Type: "uint256"},
		{Name: "requirements", Type: "Requirements"},
		{Name: "imageUrl", Type: "string"},
		{Name: "input", Type: "Input"},
		{Name: "offer", Type: "Offer"},
	},
	"Requirements": {
		{Name: "imageId", Type: "bytes32"},
		{Name: "callback", Type: "Callback"},
		{Name: "predicate", Type: "Predicate"},
		{Name: "selector", Type: "bytes4"},
	},
	"Callback": {
		{Name: "addr", Type: "address"},
		{Name: "gasLimit", Type: "uint96"},
	},
	"Predicate": {
		{Name: "predicateType", Type: "uint8"},
		{Name: "data", Type: "bytes"},
	},
	"Input": {
		{Name: "inputType", Type: "uint8"},
		{Name: "data", Type: "bytes"},
	},
	"Offer": {
		{Name: "minPrice", Type: "uint256"},
		{Name: "maxPrice", Type: "uint256"},
		{Name: "biddingStart", Type: "uint64"},
		{Name: "rampUpPeriod", Type: "uint32"},
		{Name: "lockTimeout", Type: "uint32"},
		{Name: "timeout", Type: "uint32"},
		{Name: "lockStake", Type: "uint256"},
	},
}

// Domain identifies the market deployment a signature is bound to.
type Domain struct {
	Market  common.Address
	ChainID *big.Int
}

func (d Domain) typed() apitypes.TypedDataDomain {
	chainID := d.ChainID
	if chainID == nil {
		chainID = new(big.Int)
	}
	return apitypes.TypedDataDomain{
		Name:              DomainName,
		Version:           DomainVersion,
		ChainId:           (*math.HexOrDecimal256)(new(big.Int).Set(chainID)),
		VerifyingContract: d.Market.Hex(),
	}
}

// SigningHash returns the EIP-712 digest a client signs for r. The same value
// is the request digest used by the market and by order lookups.
func (r ProofRequest) SigningHash(domain Domain) (common.Hash, error) {
	typed := apitypes.TypedData{
		Types:       requestTypes,
		PrimaryType: "ProofRequest",
		Domain:      domain.typed(),
		Message:     r.typedMessage(),
	}
	hash, _, err := apitypes.TypedDataAndHash(typed)
	if err != nil {
		return common.Hash{}, xerrors.Wrap(xerrors.CodeMalformed, err, fmt.Sprintf("请求 %s 无法编码为 EIP-712 消息", IDHex(r.ID)))
	}
	return common.BytesToHash(hash), nil
}

func (r ProofRequest) typedMessage() apitypes.TypedDataMessage {
	return apitypes.TypedDataMessage{
		"id": bigString(r.ID),
		"requirements": map[string]interface{}{
			"imageId": r.Requirements.ImageID.Hex(),
			"callback": map[string]interface{}{
				"addr":     r.Requirements.Callback.Address.Hex(),
				"gasLimit": bigString(r.Requirements.Callback.GasLimit),
			},
			"predicate": map[string]interface{}{
				"predicateType": fmt.Sprintf("%d", r.Requirements.Predicate.Type),
				"data":          hexutil.Encode(r.Requirements.Predicate.Data),
			},
			"selector": hexutil.Encode(r.Requirements.Selector[:]),
		},
		"imageUrl": r.ImageURL,
		"input": map[string]interface{}{
			"inputType": fmt.Sprintf("%d", r.Input.Type),
			"data":      hexutil.Encode(r.Input.Data),
		},
		"offer": map[string]interface{}{
			"minPrice":     bigString(r.Offer.MinPrice),
			"maxPrice":     bigString(r.Offer.MaxPrice),
			"biddingStart": fmt.Sprintf("%d", r.Offer.BiddingStart),
			"rampUpPeriod": fmt.Sprintf("%d", r.Offer.RampUpPeriod),
			"lockTimeout":  fmt.Sprintf("%d", r.Offer.LockTimeout),
			"timeout":      fmt.Sprintf("%d", r.Offer.Timeout),
			"lockStake":    bigString(r.Offer.LockStake),
		},
	}
}

// Sign produces a 65-byte client signature over the request digest.
func (r ProofRequest) Sign(domain Domain, key *ecdsa.PrivateKey) ([]byte, error) {
	hash, err := r.SigningHash(domain)
	if err != nil {
		return nil, err
	}
	return crypto.Sign(hash.Bytes(), key)
}

// VerifySignature recomputes the signing payload of r under domain and checks
// that signature recovers to the requestor encoded in the request id.
func (r ProofRequest) VerifySignature(signature []byte, domain Domain) error {
	id := IDHex(r.ID)
	if IsSmartContractSigned(r.ID) {
		return xerrors.New(xerrors.CodeInvalidSignature,
			fmt.Sprintf("请求 %s 使用合约签名，无法在本地校验", id),
			xerrors.WithStage(xerrors.StageVerify))
	}
	if len(signature) != crypto.SignatureLength {
		return xerrors.New(xerrors.CodeInvalidSignature,
			fmt.Sprintf("请求 %s 的签名长度为 %d，应为 %d", id, len(signature), crypto.SignatureLength),
			xerrors.WithStage(xerrors.StageVerify))
	}
	hash, err := r.SigningHash(domain)
	if err != nil {
		return err
	}

	sig := bytes.Clone(signature)
	if sig[crypto.RecoveryIDOffset] >= 27 {
		sig[crypto.RecoveryIDOffset] -= 27
	}
	pub, err := crypto.SigToPub(hash.Bytes(), sig)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidSignature, err,
			fmt.Sprintf("请求 %s 的签名无法恢复公钥", id),
			xerrors.WithStage(xerrors.StageVerify))
	}
	recovered := crypto.PubkeyToAddress(*pub)
	if expected := ClientAddress(r.ID); recovered != expected {
		return xerrors.New(xerrors.CodeInvalidSignature,
			fmt.Sprintf("请求 %s 签名者 %s 与请求方 %s 不一致", id, recovered.Hex(), expected.Hex()),
			xerrors.WithStage(xerrors.StageVerify))
	}
	return nil
}

func bigString(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}
