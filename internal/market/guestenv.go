package market

import (
	"fmt"

	xerrors "ProofMarket/internal/errors"
)

// GuestEnvV1 is the only guest environment encoding currently produced by
// clients: a version byte followed by the raw stdin stream.
const GuestEnvV1 byte = 0x01

// GuestEnv is the decoded execution environment handed to a guest program.
type GuestEnv struct {
	Stdin []byte
}

// DecodeGuestEnv decodes a versioned guest environment.
func DecodeGuestEnv(data []byte) (GuestEnv, error) {
	if len(data) == 0 {
		return GuestEnv{}, xerrors.New(xerrors.CodeMalformed, "guest 环境为空")
	}
	switch data[0] {
	case GuestEnvV1:
		return GuestEnv{Stdin: append([]byte(nil), data[1:]...)}, nil
	default:
		return GuestEnv{}, xerrors.New(xerrors.CodeMalformed, fmt.Sprintf("不支持的 guest 环境版本 0x%02x", data[0]))
	}
}

// Encode produces the V1 encoding of env.
func (env GuestEnv) Encode() []byte {
	out := make([]byte, 0, len(env.Stdin)+1)
	out = append(out, GuestEnvV1)
	return append(out, env.Stdin...)
}
