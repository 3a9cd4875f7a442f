package mint

import (
	"github.com/nutpos/nutpos/types"
)

// Wire messages for the mint's REST protocol.

// BlindedMessage is a blinded secret submitted for signing.
type BlindedMessage struct {
	Amount uint64 `json:"amount"`
	ID     string `json:"id"`
	B_     string `json:"B_"`
}

// BlindedSignature is the mint's signature over a blinded message.
type BlindedSignature struct {
	Amount uint64 `json:"amount"`
	ID     string `json:"id"`
	C_     string `json:"C_"`
}

// Keyset is one signing keyset as served by GET /v1/keys: amount (as a
// decimal string) to compressed public key hex.
type Keyset struct {
	ID   string            `json:"id"`
	Unit string            `json:"unit"`
	Keys map[string]string `json:"keys"`
}

// KeysResponse is the body of GET /v1/keys.
type KeysResponse struct {
	Keysets []Keyset `json:"keysets"`
}

// PostCheckStateRequest asks for the spend state of the given Y values.
type PostCheckStateRequest struct {
	Ys []string `json:"Ys"`
}

// ProofStateInfo is one entry of a checkstate response.
type ProofStateInfo struct {
	Y     string           `json:"Y"`
	State types.ProofState `json:"state"`
}

// PostCheckStateResponse mirrors the request order of Ys.
type PostCheckStateResponse struct {
	States []ProofStateInfo `json:"states"`
}

// PostSwapRequest redeems inputs for signatures over outputs. This call is
// the mint's single-spend enforcement point.
type PostSwapRequest struct {
	Inputs  types.Proofs     `json:"inputs"`
	Outputs []BlindedMessage `json:"outputs"`
}

// PostSwapResponse carries signatures in output order.
type PostSwapResponse struct {
	Signatures []BlindedSignature `json:"signatures"`
}

// Info is the subset of GET /v1/info the terminal cares about.
type Info struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// mintError is the JSON error body mints return on non-2xx responses.
type mintError struct {
	Detail string `json:"detail"`
	Code   int    `json:"code"`
}

// Known mint protocol error codes.
const (
	codeTokenSpent = 11001
)
