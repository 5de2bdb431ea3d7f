// prover.go - Groth16 setup, proving and verification for PinCircuit.

package circuit

import (
	"bytes"
	"errors"
	"fmt"
	"math/big"
	"os"
	"path/filepath"

	"github.com/consensys/gnark-crypto/ecc"
	"github.com/consensys/gnark/backend/groth16"
	"github.com/consensys/gnark/constraint"
	"github.com/consensys/gnark/frontend"
	"github.com/consensys/gnark/frontend/cs/r1cs"

	"privbank/internal/crypto"
	"privbank/internal/keys"
)

const (
	provingKeyFile   = "pin.pk"
	verifyingKeyFile = "pin.vk"
)

// ErrInvalidProof is returned when a PIN proof does not verify.
var ErrInvalidProof = errors.New("circuit: invalid pin proof")

// Prover holds the compiled PIN circuit and its Groth16 keys.
type Prover struct {
	ccs constraint.ConstraintSystem
	pk  groth16.ProvingKey
	vk  groth16.VerifyingKey
}

// Compile compiles PinCircuit over the BN254 scalar field.
func Compile() (constraint.ConstraintSystem, error) {
	var c PinCircuit
	ccs, err := frontend.Compile(ecc.BN254.ScalarField(), r1cs.NewBuilder, &c)
	if err != nil {
		return nil, fmt.Errorf("circuit compilation failed: %w", err)
	}
	return ccs, nil
}

// NewProver compiles the circuit and runs a fresh Groth16 setup.
func NewProver() (*Prover, error) {
	ccs, err := Compile()
	if err != nil {
		return nil, err
	}
	pk, vk, err := groth16.Setup(ccs)
	if err != nil {
		return nil, fmt.Errorf("groth16 setup failed: %w", err)
	}
	return &Prover{ccs: ccs, pk: pk, vk: vk}, nil
}

// Constraints is the number of constraints in the compiled circuit.
func (p *Prover) Constraints() int { return p.ccs.GetNbConstraints() }

// LoadOrSetup loads the keys stored in dir, or runs a setup and stores them
// there when either key is missing or unreadable.
func LoadOrSetup(dir string) (*Prover, error) {
	ccs, err := Compile()
	if err != nil {
		return nil, err
	}
	pkPath := filepath.Join(dir, provingKeyFile)
	vkPath := filepath.Join(dir, verifyingKeyFile)
	pk, pkErr := LoadProvingKey(pkPath)
	vk, vkErr := LoadVerifyingKey(vkPath)
	if pkErr == nil && vkErr == nil {
		return &Prover{ccs: ccs, pk: pk, vk: vk}, nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	pk, vk, err = groth16.Setup(ccs)
	if err != nil {
		return nil, fmt.Errorf("groth16 setup failed: %w", err)
	}
	if err := SaveProvingKey(pkPath, pk); err != nil {
		return nil, err
	}
	if err := SaveVerifyingKey(vkPath, vk); err != nil {
		return nil, err
	}
	return &Prover{ccs: ccs, pk: pk, vk: vk}, nil
}

// Assignment builds the full witness for user and pin.
func Assignment(user keys.ID, pin string) *PinCircuit {
	commitment := new(big.Int).SetBytes(crypto.PinCommitment(user, pin))
	return &PinCircuit{
		Commitment: commitment,
		UserKey:    crypto.UserScalar(user),
		Pin:        crypto.PinScalar(pin),
	}
}

// Prove proves knowledge of pin for user. The proof only verifies against
// crypto.PinCommitment(user, pin).
func (p *Prover) Prove(user keys.ID, pin string) ([]byte, error) {
	w, err := frontend.NewWitness(Assignment(user, pin), ecc.BN254.ScalarField())
	if err != nil {
		return nil, fmt.Errorf("witness creation failed: %w", err)
	}
	proof, err := groth16.Prove(p.ccs, p.pk, w)
	if err != nil {
		return nil, fmt.Errorf("proof generation failed: %w", err)
	}
	var buf bytes.Buffer
	if _, err := proof.WriteTo(&buf); err != nil {
		return nil, fmt.Errorf("proof marshaling failed: %w", err)
	}
	return buf.Bytes(), nil
}

// Verify checks a PIN proof for user against an owner commitment.
func (p *Prover) Verify(proofBytes []byte, user keys.ID, commitment []byte) error {
	public := &PinCircuit{
		Commitment: new(big.Int).SetBytes(commitment),
		UserKey:    crypto.UserScalar(user),
	}
	w, err := frontend.NewWitness(public, ecc.BN254.ScalarField(), frontend.PublicOnly())
	if err != nil {
		return fmt.Errorf("%w: public witness: %v", ErrInvalidProof, err)
	}
	proof := groth16.NewProof(ecc.BN254)
	if _, err := proof.ReadFrom(bytes.NewReader(proofBytes)); err != nil {
		return fmt.Errorf("%w: unmarshal: %v", ErrInvalidProof, err)
	}
	if err := groth16.Verify(proof, p.vk, w); err != nil {
		return ErrInvalidProof
	}
	return nil
}

// SaveProvingKey saves a Groth16 proving key to disk.
func SaveProvingKey(path string, pk groth16.ProvingKey) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = pk.WriteTo(f)
	return err
}

// SaveVerifyingKey saves a Groth16 verifying key to disk.
func SaveVerifyingKey(path string, vk groth16.VerifyingKey) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = vk.WriteTo(f)
	return err
}

func LoadProvingKey(path string) (groth16.ProvingKey, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	pk := groth16.NewProvingKey(ecc.BN254)
	_, err = pk.ReadFrom(f)
	return pk, err
}

func LoadVerifyingKey(path string) (groth16.VerifyingKey, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	vk := groth16.NewVerifyingKey(ecc.BN254)
	_, err = vk.ReadFrom(f)
	return vk, err
}
