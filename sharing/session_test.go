package sharing

import (
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ruteri/threshold-key-manager/interfaces"
)

func TestIssueAdditionalShare(t *testing.T) {
	secret, err := RandomScalar()
	require.NoError(t, err)
	shares, poly, err := GenerateShares(secret, 2, 2)
	require.NoError(t, err)

	_, err = IssueAdditionalShare(nil, big.NewInt(3))
	assert.ErrorIs(t, err, interfaces.ErrNotReconstructed, "A share cannot be issued without a session")

	session, err := NewSession(shares, poly.Commitments())
	require.NoError(t, err)

	extra, err := IssueAdditionalShare(session, big.NewInt(3))
	require.NoError(t, err)
	assert.NoError(t, poly.Commitments().Verify(extra), "Issued share should lie on the polynomial")

	got, err := Reconstruct([]interfaces.Share{shares[0], extra}, 2)
	require.NoError(t, err)
	assert.Equal(t, 0, secret.Cmp(got))

	_, err = IssueAdditionalShare(session, big.NewInt(0))
	assert.Error(t, err, "Index 0 must never be issued")
}

func TestRefresh_SupersedesOldShares(t *testing.T) {
	secret, err := RandomScalar()
	require.NoError(t, err)
	indices := []*big.Int{big.NewInt(1), big.NewInt(2), big.NewInt(3)}
	shares, poly, err := GenerateSharesAt(secret, indices, 2)
	require.NoError(t, err)

	session, err := NewSession(shares[:2], poly.Commitments())
	require.NoError(t, err)

	// Drop index 3 and reissue the rest.
	refreshed, fresh, err := Refresh(session, indices[:2])
	require.NoError(t, err)
	require.Len(t, fresh, 2)

	got, err := ReconstructVerified(fresh, refreshed.Commitments())
	require.NoError(t, err)
	assert.Equal(t, 0, secret.Cmp(got), "Refresh must preserve the secret")

	_, err = ReconstructVerified([]interfaces.Share{fresh[0], shares[2]}, refreshed.Commitments())
	assert.ErrorIs(t, err, interfaces.ErrInvalidShare, "Superseded share must not combine with the new generation")
}

func TestSession_Wipe(t *testing.T) {
	secret, err := RandomScalar()
	require.NoError(t, err)
	shares, poly, err := GenerateShares(secret, 2, 2)
	require.NoError(t, err)

	session, err := NewSession(shares, poly.Commitments())
	require.NoError(t, err)
	secretRef := session.secret
	session.Wipe()

	assert.Equal(t, 0, secretRef.Sign(), "Secret should be zeroized")
	assert.Nil(t, session.points)

	_, err = IssueAdditionalShare(session, big.NewInt(3))
	assert.ErrorIs(t, err, interfaces.ErrNotReconstructed, "A wiped session cannot issue shares")
}
