// crypto.go - Commitments, key derivation and amount sealing.
//
// PIN and amount commitments are MiMC digests over the BN254 scalar field so
// they can be recomputed inside the PIN circuit. Claim amounts are sealed to
// a recipient's BLS12-377 public key with an ephemeral Diffie-Hellman exchange
// and a BW6-761 MiMC mask chain.

package crypto

import (
	"crypto/subtle"
	"encoding/binary"
	"errors"
	"fmt"
	"math/big"

	bls12377 "github.com/consensys/gnark-crypto/ecc/bls12-377"
	bls12377_fr "github.com/consensys/gnark-crypto/ecc/bls12-377/fr"
	bn254_fr "github.com/consensys/gnark-crypto/ecc/bn254/fr"
	bn254_mimc "github.com/consensys/gnark-crypto/ecc/bn254/fr/mimc"
	bw6_mimc "github.com/consensys/gnark-crypto/ecc/bw6-761/fr/mimc"
	"lukechampine.com/blake3"

	"privbank/internal/keys"
)

// DigestSize is the width of a BN254 MiMC digest.
const DigestSize = bn254_fr.Bytes

var ErrSealedMismatch = errors.New("crypto: sealed amount does not match its commitment")

// UserScalar maps a normalized id onto the BN254 scalar field.
func UserScalar(user keys.ID) *big.Int {
	k := user.Key()
	var e bn254_fr.Element
	e.SetBytes(k[:])
	return e.BigInt(new(big.Int))
}

// PinScalar maps a PIN onto the BN254 scalar field.
func PinScalar(pin string) *big.Int {
	var e bn254_fr.Element
	e.SetBytes([]byte(pin))
	return e.BigInt(new(big.Int))
}

// mimcHash hashes field elements with BN254 MiMC.
func mimcHash(elems ...*bn254_fr.Element) []byte {
	h := bn254_mimc.NewMiMC()
	for _, e := range elems {
		b := e.Bytes()
		h.Write(b[:])
	}
	return h.Sum(nil)
}

func toElement(b []byte) *bn254_fr.Element {
	var e bn254_fr.Element
	e.SetBytes(b)
	return &e
}

func toElementBig(v *big.Int) *bn254_fr.Element {
	var e bn254_fr.Element
	e.SetBigInt(v)
	return &e
}

// PinCommitment returns MiMC(user, pin). The same digest is stored as the
// account owner on the ledger and as the PIN commitment in the private store.
func PinCommitment(user keys.ID, pin string) []byte {
	return mimcHash(toElementBig(UserScalar(user)), toElementBig(PinScalar(pin)))
}

// AmountCommitment binds a sealed amount to its authorization id.
func AmountCommitment(authID [32]byte, amount uint64, blinding []byte) []byte {
	var a bn254_fr.Element
	a.SetUint64(amount)
	return mimcHash(toElement(authID[:]), &a, toElement(blinding))
}

// KeyPair is a BLS12-377 keypair used to receive sealed claim amounts.
type KeyPair struct {
	Sk bls12377_fr.Element
	Pk bls12377.G1Affine
}

// DeriveKeyPair derives the claim keypair for a user from their PIN, so the
// recipient can reopen artifacts without storing a secret key.
func DeriveKeyPair(user keys.ID, pin string) *KeyPair {
	h := bw6_mimc.NewMiMC()
	k := user.Key()
	h.Write(k[:])
	h.Write(PinScalar(pin).Bytes())
	seed := h.Sum(nil)

	kp := &KeyPair{}
	kp.Sk.SetBytes(seed)
	_, _, g1, _ := bls12377.Generators()
	kp.Pk.ScalarMultiplication(&g1, kp.Sk.BigInt(new(big.Int)))
	return kp
}

// PublicBytes returns the compressed public key.
func (k *KeyPair) PublicBytes() []byte {
	b := k.Pk.Bytes()
	return b[:]
}

// ParsePublicKey decodes a compressed BLS12-377 G1 point.
func ParsePublicKey(b []byte) (*bls12377.G1Affine, error) {
	var p bls12377.G1Affine
	if _, err := p.SetBytes(b); err != nil {
		return nil, fmt.Errorf("crypto: parse public key: %w", err)
	}
	return &p, nil
}

// ComputeDHShared computes the shared point pk^sk.
func ComputeDHShared(sk *bls12377_fr.Element, pk *bls12377.G1Affine) *bls12377.G1Affine {
	var shared bls12377.G1Affine
	shared.ScalarMultiplication(pk, sk.BigInt(new(big.Int)))
	return &shared
}

// Sealed is an amount encrypted to a recipient.
type Sealed struct {
	Ephemeral  []byte
	Ciphertext []byte
	Commitment []byte
}

// masks derives the amount mask and commitment blinding from a shared point.
func masks(shared *bls12377.G1Affine) (mask, blinding []byte) {
	h := bw6_mimc.NewMiMC()
	x := shared.X.Bytes()
	y := shared.Y.Bytes()
	h.Write(x[:])
	h.Write(y[:])
	mask = h.Sum(nil)
	h.Write(mask)
	blinding = h.Sum(nil)
	return mask, blinding
}

func xorAmount(in, mask []byte) []byte {
	out := make([]byte, 8)
	tail := mask[len(mask)-8:]
	for i := range out {
		out[i] = in[i] ^ tail[i]
	}
	return out
}

// SealAmount encrypts amount to the recipient public key. The returned
// opening is the sender's proof that the commitment binds amount.
func SealAmount(recipientPk []byte, authID [32]byte, amount uint64) (*Sealed, *Opening, error) {
	pk, err := ParsePublicKey(recipientPk)
	if err != nil {
		return nil, nil, err
	}
	var r bls12377_fr.Element
	if _, err := r.SetRandom(); err != nil {
		return nil, nil, fmt.Errorf("crypto: ephemeral scalar: %w", err)
	}
	_, _, g1, _ := bls12377.Generators()
	var gr bls12377.G1Affine
	gr.ScalarMultiplication(&g1, r.BigInt(new(big.Int)))

	mask, blinding := masks(ComputeDHShared(&r, pk))
	var plain [8]byte
	binary.BigEndian.PutUint64(plain[:], amount)
	eph := gr.Bytes()
	sealed := &Sealed{
		Ephemeral:  eph[:],
		Ciphertext: xorAmount(plain[:], mask),
		Commitment: AmountCommitment(authID, amount, blinding),
	}
	return sealed, &Opening{Amount: amount, Blinding: blinding}, nil
}

// Opening is a decrypted amount together with its commitment blinding.
type Opening struct {
	Amount   uint64
	Blinding []byte
}

// OpenAmount decrypts a sealed amount and checks it against its commitment.
func OpenAmount(kp *KeyPair, authID [32]byte, s *Sealed) (*Opening, error) {
	if len(s.Ciphertext) != 8 {
		return nil, fmt.Errorf("crypto: ciphertext length %d", len(s.Ciphertext))
	}
	eph, err := ParsePublicKey(s.Ephemeral)
	if err != nil {
		return nil, err
	}
	mask, blinding := masks(ComputeDHShared(&kp.Sk, eph))
	o := &Opening{
		Amount:   binary.BigEndian.Uint64(xorAmount(s.Ciphertext, mask)),
		Blinding: blinding,
	}
	if !VerifyOpening(authID, s.Commitment, o) {
		return nil, ErrSealedMismatch
	}
	return o, nil
}

// VerifyOpening reports whether o opens commitment.
func VerifyOpening(authID [32]byte, commitment []byte, o *Opening) bool {
	return subtle.ConstantTimeCompare(AmountCommitment(authID, o.Amount, o.Blinding), commitment) == 1
}

// TxHash chains a transaction hash: blake3(prev || op || height).
func TxHash(prev []byte, op string, height uint64) [32]byte {
	buf := make([]byte, 0, len(prev)+len(op)+8)
	buf = append(buf, prev...)
	buf = append(buf, op...)
	buf = binary.BigEndian.AppendUint64(buf, height)
	return blake3.Sum256(buf)
}
