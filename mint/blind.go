package mint

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"strconv"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"

	"github.com/nutpos/nutpos/types"
)

// Blind-signature plumbing. The elliptic-curve primitives themselves are
// delegated to the secp256k1 library; this file only composes them into the
// blind/unblind exchange the mint protocol requires.

const hashToCurveDomainSeparator = "Secp256k1_HashToCurve_Cashu_"

// hashToCurve maps a message to a curve point by hashing with an
// incrementing counter until a valid x coordinate is found.
func hashToCurve(message []byte) (*secp256k1.PublicKey, error) {
	msgHash := sha256.Sum256(append([]byte(hashToCurveDomainSeparator), message...))
	counter := make([]byte, 4)
	for i := uint32(0); i < 1<<16; i++ {
		binary.LittleEndian.PutUint32(counter, i)
		candidate := sha256.Sum256(append(msgHash[:], counter...))
		pk, err := secp256k1.ParsePubKey(append([]byte{0x02}, candidate[:]...))
		if err == nil {
			return pk, nil
		}
	}
	return nil, types.NewError(types.ErrInvalidFormat, "no curve point for message")
}

// proofY computes the Y value the mint uses to track a proof's spend state.
func proofY(secret string) (string, error) {
	point, err := hashToCurve([]byte(secret))
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(point.SerializeCompressed()), nil
}

// blindedSecret pairs a fresh secret with the blinding factor used to
// construct its blinded message. Needed again at unblind time.
type blindedSecret struct {
	amount uint64
	secret string
	r      *secp256k1.PrivateKey
}

// newBlindedMessages generates fresh secrets and blinded messages for the
// given amounts under keysetID. B_ = hashToCurve(secret) + r*G.
func newBlindedMessages(amounts []uint64, keysetID string) ([]BlindedMessage, []blindedSecret, error) {
	messages := make([]BlindedMessage, len(amounts))
	secrets := make([]blindedSecret, len(amounts))

	for i, amount := range amounts {
		raw := make([]byte, 32)
		if _, err := rand.Read(raw); err != nil {
			return nil, nil, types.Errorf(types.ErrStorage, "generate secret: %v", err)
		}
		secret := hex.EncodeToString(raw)

		r, err := secp256k1.GeneratePrivateKey()
		if err != nil {
			return nil, nil, types.Errorf(types.ErrStorage, "generate blinding factor: %v", err)
		}

		y, err := hashToCurve([]byte(secret))
		if err != nil {
			return nil, nil, err
		}

		var yj, rg, bj secp256k1.JacobianPoint
		y.AsJacobian(&yj)
		secp256k1.ScalarBaseMultNonConst(&r.Key, &rg)
		secp256k1.AddNonConst(&yj, &rg, &bj)
		bj.ToAffine()
		blinded := secp256k1.NewPublicKey(&bj.X, &bj.Y)

		messages[i] = BlindedMessage{
			Amount: amount,
			ID:     keysetID,
			B_:     hex.EncodeToString(blinded.SerializeCompressed()),
		}
		secrets[i] = blindedSecret{amount: amount, secret: secret, r: r}
	}
	return messages, secrets, nil
}

// unblindSignatures converts the mint's blinded signatures into spendable
// proofs: C = C_ - r*K, with K the mint key for the amount.
func unblindSignatures(sigs []BlindedSignature, secrets []blindedSecret, keys map[uint64]*secp256k1.PublicKey) (types.Proofs, error) {
	if len(sigs) != len(secrets) {
		return nil, types.Errorf(types.ErrStatusUnknown,
			"mint returned %d signatures for %d outputs", len(sigs), len(secrets))
	}

	proofs := make(types.Proofs, len(sigs))
	for i, sig := range sigs {
		cBlinded, err := secp256k1.ParsePubKey(mustHex(sig.C_))
		if err != nil {
			return nil, types.Errorf(types.ErrStatusUnknown, "invalid blinded signature: %v", err)
		}
		key, ok := keys[sig.Amount]
		if !ok {
			return nil, types.Errorf(types.ErrStatusUnknown, "mint signed unknown amount %d", sig.Amount)
		}

		var kj, rk, cj, out secp256k1.JacobianPoint
		key.AsJacobian(&kj)
		secp256k1.ScalarMultNonConst(&secrets[i].r.Key, &kj, &rk)
		rk.ToAffine()
		rk.Y.Negate(1)
		rk.Y.Normalize()
		cBlinded.AsJacobian(&cj)
		secp256k1.AddNonConst(&cj, &rk, &out)
		out.ToAffine()
		c := secp256k1.NewPublicKey(&out.X, &out.Y)

		proofs[i] = types.Proof{
			Amount: sig.Amount,
			ID:     sig.ID,
			Secret: secrets[i].secret,
			C:      hex.EncodeToString(c.SerializeCompressed()),
		}
	}
	return proofs, nil
}

func mustHex(s string) []byte {
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil
	}
	return b
}

// splitAmount decomposes an amount into power-of-two parts, ascending.
func splitAmount(amount uint64) []uint64 {
	var parts []uint64
	for pos := uint(0); amount > 0; pos++ {
		if amount&1 == 1 {
			parts = append(parts, 1<<pos)
		}
		amount >>= 1
	}
	return parts
}

// parseKeys converts a keyset's amount-to-hex map into curve points.
func parseKeys(ks Keyset) (map[uint64]*secp256k1.PublicKey, error) {
	keys := make(map[uint64]*secp256k1.PublicKey, len(ks.Keys))
	for amountStr, pubHex := range ks.Keys {
		amount, err := strconv.ParseUint(amountStr, 10, 64)
		if err != nil {
			return nil, types.Errorf(types.ErrInvalidSignature, "keyset %s: bad amount %q", ks.ID, amountStr)
		}
		pk, err := secp256k1.ParsePubKey(mustHex(pubHex))
		if err != nil {
			return nil, types.Errorf(types.ErrInvalidSignature, "keyset %s: bad key for %d: %v", ks.ID, amount, err)
		}
		keys[amount] = pk
	}
	return keys, nil
}
