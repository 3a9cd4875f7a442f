// Package token implements the V3 ecash token wire format: a "cashuA"
// prefix followed by base64url-encoded JSON. The codec is pure and performs
// no I/O; it is the interoperability boundary with customer wallets.
package token

import (
	"encoding/base64"
	"encoding/json"
	"strings"

	"github.com/nutpos/nutpos/types"
)

const prefix = "cashuA"

type v3Token struct {
	Token []v3Entry `json:"token"`
	Unit  string    `json:"unit,omitempty"`
	Memo  string    `json:"memo,omitempty"`
}

type v3Entry struct {
	Mint   string       `json:"mint"`
	Proofs types.Proofs `json:"proofs"`
}

// Decode parses a serialized token. All failures carry INVALID_FORMAT.
func Decode(raw string) (*types.Token, error) {
	raw = strings.TrimSpace(raw)
	if !strings.HasPrefix(raw, prefix) {
		return nil, types.NewError(types.ErrInvalidFormat, "missing cashuA prefix")
	}

	encoded := strings.TrimRight(strings.TrimPrefix(raw, prefix), "=")
	blob, err := base64.RawURLEncoding.DecodeString(encoded)
	if err != nil {
		return nil, types.Errorf(types.ErrInvalidFormat, "invalid base64: %v", err)
	}

	var wire v3Token
	if err := json.Unmarshal(blob, &wire); err != nil {
		return nil, types.Errorf(types.ErrInvalidFormat, "invalid token JSON: %v", err)
	}
	if len(wire.Token) == 0 {
		return nil, types.NewError(types.ErrInvalidFormat, "token has no entries")
	}

	mint := wire.Token[0].Mint
	var proofs types.Proofs
	for _, entry := range wire.Token {
		if entry.Mint == "" {
			return nil, types.NewError(types.ErrInvalidFormat, "entry missing mint URL")
		}
		if entry.Mint != mint {
			return nil, types.NewError(types.ErrInvalidFormat, "multi-mint tokens are not supported")
		}
		proofs = append(proofs, entry.Proofs...)
	}
	if len(proofs) == 0 {
		return nil, types.NewError(types.ErrInvalidFormat, "token has no proofs")
	}
	for _, p := range proofs {
		if p.Amount == 0 || p.Secret == "" || p.C == "" || p.ID == "" {
			return nil, types.NewError(types.ErrInvalidFormat, "proof missing amount, id, secret or signature")
		}
	}

	return &types.Token{
		Mint:   mint,
		Proofs: proofs,
		Unit:   wire.Unit,
		Memo:   wire.Memo,
	}, nil
}

// Encode serializes a proof set for the given mint. Output is deterministic
// for identical input ordering.
func Encode(mint string, proofs types.Proofs, unit, memo string) (string, error) {
	if mint == "" {
		return "", types.NewError(types.ErrInvalidFormat, "mint URL is required")
	}
	if len(proofs) == 0 {
		return "", types.NewError(types.ErrInvalidFormat, "cannot encode empty proof set")
	}

	wire := v3Token{
		Token: []v3Entry{{Mint: mint, Proofs: proofs}},
		Unit:  unit,
		Memo:  memo,
	}
	blob, err := json.Marshal(wire)
	if err != nil {
		return "", types.Errorf(types.ErrInvalidFormat, "encode token: %v", err)
	}
	return prefix + base64.RawURLEncoding.EncodeToString(blob), nil
}

// Amount returns a token's total proof value.
func Amount(t *types.Token) uint64 {
	if t == nil {
		return 0
	}
	return t.Amount()
}
