package sharing

import (
	"errors"
	"fmt"
	"math/big"
	"sort"

	"github.com/ruteri/threshold-key-manager/interfaces"
)

// GenerateShares splits secret into totalShares shares at indices 1..totalShares,
// any threshold of which reconstruct it. The polynomial is returned so callers
// can publish its commitments; it should be wiped once no longer needed.
func GenerateShares(secret *big.Int, totalShares, threshold int) ([]interfaces.Share, *Polynomial, error) {
	indices := make([]*big.Int, totalShares)
	for i := range indices {
		indices[i] = big.NewInt(int64(i + 1))
	}
	return GenerateSharesAt(secret, indices, threshold)
}

// GenerateSharesAt splits secret and evaluates it at the given indices.
func GenerateSharesAt(secret *big.Int, indices []*big.Int, threshold int) ([]interfaces.Share, *Polynomial, error) {
	if threshold < 1 {
		return nil, nil, fmt.Errorf("threshold must be at least 1, got %d", threshold)
	}
	if len(indices) < threshold {
		return nil, nil, fmt.Errorf("threshold %d exceeds share count %d", threshold, len(indices))
	}

	seen := make(map[string]bool, len(indices))
	for _, idx := range indices {
		if !ValidIndex(idx) {
			return nil, nil, fmt.Errorf("invalid share index %v", idx)
		}
		if seen[IndexKey(idx)] {
			return nil, nil, fmt.Errorf("duplicate share index %v", idx)
		}
		seen[IndexKey(idx)] = true
	}

	poly, err := NewRandomPolynomial(secret, threshold)
	if err != nil {
		return nil, nil, err
	}
	return poly.Shares(indices), poly, nil
}

// Shares evaluates the polynomial at each index.
func (p *Polynomial) Shares(indices []*big.Int) []interfaces.Share {
	shares := make([]interfaces.Share, len(indices))
	for i, idx := range indices {
		shares[i] = interfaces.Share{Index: new(big.Int).Set(idx), Value: p.Evaluate(idx)}
	}
	return shares
}

// IndexKey mirrors interfaces.IndexKey for callers that only import sharing.
func IndexKey(x *big.Int) string {
	return interfaces.IndexKey(x)
}

// distinct drops exact duplicates and returns the valid shares ordered by
// index, so interpolation is deterministic. Malformed shares and every share
// of an index with conflicting values are left out; the first such problem
// is returned alongside the valid points.
func distinct(shares []interfaces.Share) ([]interfaces.Share, error) {
	var invalid error
	reject := func(err error) {
		if invalid == nil {
			invalid = err
		}
	}

	byIndex := make(map[string]interfaces.Share, len(shares))
	conflicted := make(map[string]bool)
	for _, s := range shares {
		if s.Index == nil || s.Value == nil {
			reject(fmt.Errorf("%w: incomplete share", interfaces.ErrInvalidShare))
			continue
		}
		if !ValidIndex(s.Index) || !InField(s.Value) {
			reject(fmt.Errorf("%w: index or value out of range", interfaces.ErrInvalidShare))
			continue
		}
		key := s.Key()
		if conflicted[key] {
			continue
		}
		if prev, ok := byIndex[key]; ok {
			if prev.Value.Cmp(s.Value) != 0 {
				reject(fmt.Errorf("%w: conflicting values for index %s", interfaces.ErrInvalidShare, key))
				conflicted[key] = true
				delete(byIndex, key)
			}
			continue
		}
		byIndex[key] = s
	}

	out := make([]interfaces.Share, 0, len(byIndex))
	for _, s := range byIndex {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Index.Cmp(out[j].Index) < 0 })
	return out, invalid
}

// usable checks that enough valid distinct shares are present before
// reporting invalid ones.
func usable(shares []interfaces.Share, threshold int) ([]interfaces.Share, error) {
	points, invalid := distinct(shares)
	if len(points) < threshold {
		return nil, fmt.Errorf("%w: have %d valid distinct, need %d", interfaces.ErrInsufficientShares, len(points), threshold)
	}
	if invalid != nil {
		return nil, invalid
	}
	return points, nil
}

// interpolate evaluates the unique polynomial through points at x.
func interpolate(points []interfaces.Share, x *big.Int) *big.Int {
	result := new(big.Int)
	for i, pi := range points {
		num := big.NewInt(1)
		den := big.NewInt(1)
		for j, pj := range points {
			if i == j {
				continue
			}
			num = mulMod(num, subMod(x, pj.Index))
			den = mulMod(den, subMod(pi.Index, pj.Index))
		}
		term := mulMod(pi.Value, divMod(num, den))
		result = addMod(result, term)
	}
	return result
}

// Reconstruct recovers the secret from at least threshold distinct shares by
// Lagrange interpolation at x = 0. Fewer distinct shares always fail.
func Reconstruct(shares []interfaces.Share, threshold int) (*big.Int, error) {
	if threshold < 1 {
		return nil, fmt.Errorf("threshold must be at least 1, got %d", threshold)
	}
	if len(shares) < threshold {
		return nil, fmt.Errorf("%w: have %d, need %d", interfaces.ErrInsufficientShares, len(shares), threshold)
	}
	points, err := usable(shares, threshold)
	if err != nil {
		return nil, err
	}
	return interpolate(points[:threshold], big.NewInt(0)), nil
}

// ReconstructVerified checks every share against the commitments before
// reconstructing, and the result against the committed public key.
func ReconstructVerified(shares []interfaces.Share, commitments Commitments) (*big.Int, error) {
	threshold := commitments.Threshold()
	if threshold == 0 {
		return nil, errors.New("no commitments to verify against")
	}
	points, err := usable(shares, threshold)
	if err != nil {
		return nil, err
	}
	for _, s := range points {
		if err := commitments.Verify(s); err != nil {
			return nil, err
		}
	}
	secret := interpolate(points[:threshold], big.NewInt(0))
	if !basePoint(secret).Equal(commitments.PublicKey()) {
		Wipe(secret)
		return nil, fmt.Errorf("%w: reconstructed secret does not match public key", interfaces.ErrInvalidShare)
	}
	return secret, nil
}
