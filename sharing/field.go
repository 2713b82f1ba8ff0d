package sharing

import (
	"crypto/rand"
	"math/big"

	"github.com/ethereum/go-ethereum/crypto"
)

// order is the secp256k1 group order; all share arithmetic happens modulo it.
var order = new(big.Int).Set(crypto.S256().Params().N)

// Order returns a copy of the field modulus.
func Order() *big.Int {
	return new(big.Int).Set(order)
}

// InField reports whether 0 <= x < N.
func InField(x *big.Int) bool {
	return x != nil && x.Sign() >= 0 && x.Cmp(order) < 0
}

// ValidIndex reports whether x may be used as a share index. Zero is the
// secret's own evaluation point and is never issued.
func ValidIndex(x *big.Int) bool {
	return InField(x) && x.Sign() != 0
}

// RandomScalar draws a uniformly random nonzero field element.
func RandomScalar() (*big.Int, error) {
	for {
		k, err := rand.Int(rand.Reader, order)
		if err != nil {
			return nil, err
		}
		if k.Sign() != 0 {
			return k, nil
		}
	}
}

func addMod(a, b *big.Int) *big.Int {
	r := new(big.Int).Add(a, b)
	return r.Mod(r, order)
}

func subMod(a, b *big.Int) *big.Int {
	r := new(big.Int).Sub(a, b)
	return r.Mod(r, order)
}

func mulMod(a, b *big.Int) *big.Int {
	r := new(big.Int).Mul(a, b)
	return r.Mod(r, order)
}

// divMod returns a * b^-1 mod N. b must be nonzero mod N.
func divMod(a, b *big.Int) *big.Int {
	inv := new(big.Int).ModInverse(b, order)
	return mulMod(a, inv)
}

// AddMod returns (a + b) mod N.
func AddMod(a, b *big.Int) *big.Int { return addMod(a, b) }

// SubMod returns (a - b) mod N.
func SubMod(a, b *big.Int) *big.Int { return subMod(a, b) }

// Wipe overwrites the limbs backing x and resets it to zero.
func Wipe(x *big.Int) {
	if x == nil {
		return
	}
	words := x.Bits()
	for i := range words {
		words[i] = 0
	}
	x.SetInt64(0)
}
