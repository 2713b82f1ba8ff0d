package sharing

import (
	"crypto/ecdsa"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/crypto"

	"github.com/ruteri/threshold-key-manager/interfaces"
)

// Point is an affine secp256k1 point. The zero value is the point at infinity.
type Point struct {
	X, Y *big.Int
}

// IsInfinity reports whether p is the group identity.
func (p Point) IsInfinity() bool {
	return p.X == nil || p.Y == nil || (p.X.Sign() == 0 && p.Y.Sign() == 0)
}

// Equal compares two points.
func (p Point) Equal(other Point) bool {
	if p.IsInfinity() || other.IsInfinity() {
		return p.IsInfinity() && other.IsInfinity()
	}
	return p.X.Cmp(other.X) == 0 && p.Y.Cmp(other.Y) == 0
}

// Hex returns the compressed SEC1 encoding in hex.
func (p Point) Hex() (string, error) {
	if p.IsInfinity() {
		return "", errors.New("cannot encode point at infinity")
	}
	return hex.EncodeToString(crypto.CompressPubkey(p.PublicKey())), nil
}

// PublicKey views p as an ECDSA public key.
func (p Point) PublicKey() *ecdsa.PublicKey {
	return &ecdsa.PublicKey{Curve: crypto.S256(), X: p.X, Y: p.Y}
}

// ParsePoint decodes a compressed hex point.
func ParsePoint(s string) (Point, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return Point{}, fmt.Errorf("invalid point hex: %w", err)
	}
	pub, err := crypto.DecompressPubkey(b)
	if err != nil {
		return Point{}, fmt.Errorf("invalid point: %w", err)
	}
	return Point{X: pub.X, Y: pub.Y}, nil
}

// PointFromPublicKey converts an ECDSA public key into a Point.
func PointFromPublicKey(pub *ecdsa.PublicKey) Point {
	return Point{X: new(big.Int).Set(pub.X), Y: new(big.Int).Set(pub.Y)}
}

func basePoint(k *big.Int) Point {
	if k.Sign() == 0 {
		return Point{}
	}
	x, y := crypto.S256().ScalarBaseMult(k.FillBytes(make([]byte, 32)))
	return Point{X: x, Y: y}
}

// BasePoint returns k*G.
func BasePoint(k *big.Int) Point {
	return basePoint(new(big.Int).Mod(k, order))
}

func scalarMult(p Point, k *big.Int) Point {
	if p.IsInfinity() || k.Sign() == 0 {
		return Point{}
	}
	x, y := crypto.S256().ScalarMult(p.X, p.Y, k.FillBytes(make([]byte, 32)))
	return Point{X: x, Y: y}
}

func addPoints(a, b Point) Point {
	switch {
	case a.IsInfinity():
		return b
	case b.IsInfinity():
		return a
	}
	x, y := crypto.S256().Add(a.X, a.Y, b.X, b.Y)
	return Point{X: x, Y: y}
}

// Commitments are the public images a_j*G of a polynomial's coefficients.
// They let anyone check a share against the polynomial without learning it.
type Commitments []Point

// PublicKey is the commitment to the secret, i.e. secret*G.
func (c Commitments) PublicKey() Point {
	if len(c) == 0 {
		return Point{}
	}
	return c[0]
}

// Threshold is the number of shares the committed polynomial requires.
func (c Commitments) Threshold() int {
	return len(c)
}

// Expected returns f(index)*G computed from the commitments alone.
func (c Commitments) Expected(index *big.Int) Point {
	acc := Point{}
	power := big.NewInt(1)
	for _, cj := range c {
		acc = addPoints(acc, scalarMult(cj, power))
		power = mulMod(power, index)
	}
	return acc
}

// Verify checks that share lies on the committed polynomial.
func (c Commitments) Verify(share interfaces.Share) error {
	if len(c) == 0 {
		return fmt.Errorf("%w: no commitments", interfaces.ErrInvalidShare)
	}
	if !ValidIndex(share.Index) || !InField(share.Value) {
		return fmt.Errorf("%w: index or value out of range", interfaces.ErrInvalidShare)
	}
	if !basePoint(share.Value).Equal(c.Expected(share.Index)) {
		return fmt.Errorf("%w: index %s", interfaces.ErrInvalidShare, share.Key())
	}
	return nil
}

// Strings encodes the commitments for storage in a metadata record.
func (c Commitments) Strings() ([]string, error) {
	out := make([]string, len(c))
	for i, p := range c {
		s, err := p.Hex()
		if err != nil {
			return nil, fmt.Errorf("commitment %d: %w", i, err)
		}
		out[i] = s
	}
	return out, nil
}

// ParseCommitments decodes commitments stored in a metadata record.
func ParseCommitments(encoded []string) (Commitments, error) {
	out := make(Commitments, len(encoded))
	for i, s := range encoded {
		p, err := ParsePoint(s)
		if err != nil {
			return nil, fmt.Errorf("commitment %d: %w", i, err)
		}
		out[i] = p
	}
	return out, nil
}
