package sharing

import (
	"fmt"
	"math/big"

	"github.com/ruteri/threshold-key-manager/interfaces"
)

// Session holds a reconstructed key in memory: the secret plus a threshold
// set of verified points that pin down the whole polynomial.
type Session struct {
	commitments Commitments
	points      []interfaces.Share
	secret      *big.Int
}

// NewSession reconstructs the secret from shares verified against commitments.
func NewSession(shares []interfaces.Share, commitments Commitments) (*Session, error) {
	secret, err := ReconstructVerified(shares, commitments)
	if err != nil {
		return nil, err
	}
	points, _ := distinct(shares)
	kept := make([]interfaces.Share, commitments.Threshold())
	for i := range kept {
		kept[i] = points[i].Clone()
	}
	return &Session{commitments: commitments, points: kept, secret: secret}, nil
}

// SessionFromPolynomial opens a session on a freshly generated polynomial.
func SessionFromPolynomial(p *Polynomial) *Session {
	indices := make([]*big.Int, p.Threshold())
	for i := range indices {
		indices[i] = big.NewInt(int64(i + 1))
	}
	return &Session{
		commitments: p.Commitments(),
		points:      p.Shares(indices),
		secret:      p.Secret(),
	}
}

// Secret returns a copy of the reconstructed secret.
func (s *Session) Secret() *big.Int {
	return new(big.Int).Set(s.secret)
}

// Commitments returns the commitments of the session's polynomial.
func (s *Session) Commitments() Commitments {
	return s.commitments
}

// Threshold returns the polynomial's threshold.
func (s *Session) Threshold() int {
	return s.commitments.Threshold()
}

// ShareAt evaluates the session polynomial at index.
func (s *Session) ShareAt(index *big.Int) (interfaces.Share, error) {
	if !ValidIndex(index) {
		return interfaces.Share{}, fmt.Errorf("invalid share index %v", index)
	}
	return interfaces.Share{Index: new(big.Int).Set(index), Value: interpolate(s.points, index)}, nil
}

// Wipe zeroizes the secret and the retained points.
func (s *Session) Wipe() {
	if s == nil {
		return
	}
	Wipe(s.secret)
	for _, p := range s.points {
		Wipe(p.Value)
	}
	s.secret = nil
	s.points = nil
}

// IssueAdditionalShare derives a new share at newIndex. A new point can only be
// derived from a reconstructed session, never from fewer than threshold shares.
func IssueAdditionalShare(session *Session, newIndex *big.Int) (interfaces.Share, error) {
	if session == nil || session.secret == nil {
		return interfaces.Share{}, interfaces.ErrNotReconstructed
	}
	return session.ShareAt(newIndex)
}

// Refresh draws a fresh polynomial for the same secret and evaluates it at
// indices. Shares of the old polynomial do not verify against the new
// commitments, so superseded shares stop combining.
func Refresh(session *Session, indices []*big.Int) (*Session, []interfaces.Share, error) {
	if session == nil || session.secret == nil {
		return nil, nil, interfaces.ErrNotReconstructed
	}
	shares, poly, err := GenerateSharesAt(session.secret, indices, session.Threshold())
	if err != nil {
		return nil, nil, err
	}
	defer poly.Wipe()
	return SessionFromPolynomial(poly), shares, nil
}
