package oracle

import (
	"errors"
	"math/big"

	"github.com/ethereum/go-ethereum/crypto"

	"github.com/ruteri/threshold-key-manager/interfaces"
	"github.com/ruteri/threshold-key-manager/sharing"
)

// Dealer derives every identity's key polynomial from a network seed, so
// nodes sharing the seed agree on the polynomial without talking to each
// other. Each node only ever evaluates it at its own index.
type Dealer struct {
	seed      []byte
	threshold int
}

// NewDealer creates a dealer for a threshold-of-n network.
func NewDealer(seed []byte, threshold int) (*Dealer, error) {
	if len(seed) < 16 {
		return nil, errors.New("dealer seed must be at least 16 bytes")
	}
	if threshold < 1 {
		return nil, errors.New("dealer threshold must be at least 1")
	}
	return &Dealer{seed: append([]byte(nil), seed...), threshold: threshold}, nil
}

// Threshold returns the number of node shares needed to recover a key.
func (d *Dealer) Threshold() int {
	return d.threshold
}

// derive maps (label, j) onto a nonzero field element. Two hash outputs are
// concatenated so the reduction mod N is unbiased for practical purposes.
func (d *Dealer) derive(label string, j int) *big.Int {
	tag := []byte{byte(j >> 8), byte(j)}
	hi := crypto.Keccak256(d.seed, []byte(label), tag, []byte{0x00})
	lo := crypto.Keccak256(d.seed, []byte(label), tag, []byte{0x01})
	x := new(big.Int).SetBytes(append(hi, lo...))
	x.Mod(x, sharing.Order())
	if x.Sign() == 0 {
		x.SetInt64(1)
	}
	return x
}

func identityLabel(kind, verifier, verifierID string) string {
	return kind + "\x00" + verifier + "\x00" + verifierID
}

func (d *Dealer) polynomial(verifier, verifierID string) (*sharing.Polynomial, error) {
	label := identityLabel("key", verifier, verifierID)
	coefficients := make([]*big.Int, d.threshold)
	for j := range coefficients {
		coefficients[j] = d.derive(label, j)
	}
	return sharing.PolynomialFromCoefficients(coefficients)
}

// ShareAt returns the share of the identity's key at a node index.
func (d *Dealer) ShareAt(verifier, verifierID string, index int) (interfaces.Share, error) {
	poly, err := d.polynomial(verifier, verifierID)
	if err != nil {
		return interfaces.Share{}, err
	}
	defer poly.Wipe()
	shares := poly.Shares([]*big.Int{big.NewInt(int64(index))})
	return shares[0], nil
}

// Key returns the identity's oracle key before any nonce. Only tests and
// the public key endpoint need it; nodes never hand it out.
func (d *Dealer) Key(verifier, verifierID string) (*big.Int, error) {
	poly, err := d.polynomial(verifier, verifierID)
	if err != nil {
		return nil, err
	}
	defer poly.Wipe()
	return poly.Secret(), nil
}

// Nonce returns the v2 nonce of an identity.
func (d *Dealer) Nonce(verifier, verifierID string) *big.Int {
	return d.derive(identityLabel("nonce", verifier, verifierID), 0)
}
