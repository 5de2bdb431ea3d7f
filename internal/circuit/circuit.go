// circuit.go - PIN knowledge circuit.
//
// Every banking operation carries a Groth16 proof that the caller knows the
// PIN behind the owner commitment of their account, without revealing it.

package circuit

import (
	"github.com/consensys/gnark/frontend"
	"github.com/consensys/gnark/std/hash/mimc"
)

// PinCircuit proves MiMC(UserKey, Pin) == Commitment.
type PinCircuit struct {
	// Public inputs
	Commitment frontend.Variable `gnark:",public"`
	UserKey    frontend.Variable `gnark:",public"`

	// Private inputs
	Pin frontend.Variable
}

func (c *PinCircuit) Define(api frontend.API) error {
	h, err := mimc.NewMiMC(api)
	if err != nil {
		return err
	}
	h.Write(c.UserKey, c.Pin)
	api.AssertIsEqual(c.Commitment, h.Sum())
	return nil
}
