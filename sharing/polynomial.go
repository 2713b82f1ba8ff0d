package sharing

import (
	"errors"
	"fmt"
	"math/big"
)

// Polynomial is a sharing polynomial over the scalar field. Coefficient 0 is
// the secret.
type Polynomial struct {
	coefficients []*big.Int
}

// NewRandomPolynomial builds a random polynomial of degree threshold-1 with
// f(0) = secret.
func NewRandomPolynomial(secret *big.Int, threshold int) (*Polynomial, error) {
	if threshold < 1 {
		return nil, fmt.Errorf("threshold must be at least 1, got %d", threshold)
	}
	if !InField(secret) {
		return nil, errors.New("secret is outside the scalar field")
	}

	coefficients := make([]*big.Int, threshold)
	coefficients[0] = new(big.Int).Set(secret)
	for i := 1; i < threshold; i++ {
		c, err := RandomScalar()
		if err != nil {
			return nil, fmt.Errorf("failed to draw coefficient: %w", err)
		}
		coefficients[i] = c
	}
	return &Polynomial{coefficients: coefficients}, nil
}

// PolynomialFromCoefficients builds a polynomial from explicit coefficients,
// lowest degree first. The coefficients are copied.
func PolynomialFromCoefficients(coefficients []*big.Int) (*Polynomial, error) {
	if len(coefficients) == 0 {
		return nil, errors.New("polynomial needs at least one coefficient")
	}
	out := make([]*big.Int, len(coefficients))
	for i, c := range coefficients {
		if !InField(c) {
			return nil, fmt.Errorf("coefficient %d is outside the scalar field", i)
		}
		out[i] = new(big.Int).Set(c)
	}
	return &Polynomial{coefficients: out}, nil
}

// Threshold is the number of points needed to recover the polynomial.
func (p *Polynomial) Threshold() int {
	return len(p.coefficients)
}

// Secret returns a copy of f(0).
func (p *Polynomial) Secret() *big.Int {
	return new(big.Int).Set(p.coefficients[0])
}

// Evaluate computes f(x) with Horner's rule.
func (p *Polynomial) Evaluate(x *big.Int) *big.Int {
	result := new(big.Int).Set(p.coefficients[len(p.coefficients)-1])
	for i := len(p.coefficients) - 2; i >= 0; i-- {
		result.Mul(result, x)
		result.Add(result, p.coefficients[i])
		result.Mod(result, order)
	}
	return result
}

// Commitments returns the Feldman commitments a_j*G of every coefficient.
func (p *Polynomial) Commitments() Commitments {
	out := make(Commitments, len(p.coefficients))
	for i, c := range p.coefficients {
		out[i] = basePoint(c)
	}
	return out
}

// Wipe zeroizes all coefficients. The polynomial must not be used afterwards.
func (p *Polynomial) Wipe() {
	for _, c := range p.coefficients {
		Wipe(c)
	}
	p.coefficients = nil
}
