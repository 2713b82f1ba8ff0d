package oracle

import (
	"context"
	"io"
	"log/slog"
	"math/big"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ruteri/threshold-key-manager/api"
	"github.com/ruteri/threshold-key-manager/api/oraclehandler"
	"github.com/ruteri/threshold-key-manager/cryptoutils"
	"github.com/ruteri/threshold-key-manager/factors"
	"github.com/ruteri/threshold-key-manager/interfaces"
	"github.com/ruteri/threshold-key-manager/sharing"
)

const (
	testRPID      = "wallet.example"
	testJWTSecret = "google-test-secret"
	testIssuer    = "https://accounts.example"
)

var testVerifiers = []VerifierConfig{
	{Name: "google", Type: VerifierJWT, Secret: testJWTSecret, Issuer: testIssuer, UserType: interfaces.UserTypeV2},
	{Name: "legacy", Type: VerifierJWT, Secret: testJWTSecret, UserType: interfaces.UserTypeV1},
	{Name: "passkey", Type: VerifierPasskey, RPID: testRPID, UserType: interfaces.UserTypeV2},
}

type testNetwork struct {
	dealer  *Dealer
	nodes   []*Node
	servers []*httptest.Server
	details *interfaces.NodeDetails
	log     *slog.Logger
}

func newTestNetwork(t *testing.T, n, threshold int) *testNetwork {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	dealer, err := NewDealer([]byte("0123456789abcdef-network-seed"), threshold)
	require.NoError(t, err)

	tn := &testNetwork{
		dealer:  dealer,
		details: &interfaces.NodeDetails{Threshold: threshold},
		log:     logger,
	}
	for i := 1; i <= n; i++ {
		nodeKey, err := cryptoutils.GenerateKey()
		require.NoError(t, err)
		node, err := NewNode(NodeConfig{Index: i, Dealer: dealer, NodeKey: nodeKey, Verifiers: testVerifiers, Log: logger})
		require.NoError(t, err)

		mux := chi.NewRouter()
		oraclehandler.NewHandler(node, logger).RegisterRoutes(mux)
		server := httptest.NewServer(mux)
		t.Cleanup(server.Close)

		tn.nodes = append(tn.nodes, node)
		tn.servers = append(tn.servers, server)
		tn.details.Endpoints = append(tn.details.Endpoints, server.URL)
		tn.details.PublicKeys = append(tn.details.PublicKeys, cryptoutils.PublicKeyHex(node.NodePublicKey()))
	}
	return tn
}

func (tn *testNetwork) client(t *testing.T, dial func(string) NodeClient) *Client {
	c, err := NewClient(ClientConfig{
		Directory:      &StaticDirectory{Default: tn.details},
		Dial:           dial,
		RequestTimeout: 2 * time.Second,
		MaxRetries:     1,
		InitialBackoff: time.Millisecond,
		Log:            tn.log,
	})
	require.NoError(t, err)
	return c
}

func idToken(t *testing.T, secret, subject, issuer string, ttl time.Duration) string {
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   subject,
		Issuer:    issuer,
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(ttl)),
	}).SignedString([]byte(secret))
	require.NoError(t, err)
	return token
}

func TestDealer_SharesCombine(t *testing.T) {
	dealer, err := NewDealer([]byte("0123456789abcdef"), 2)
	require.NoError(t, err)

	key, err := dealer.Key("google", "alice")
	require.NoError(t, err)

	var shares []interfaces.Share
	for i := 1; i <= 3; i++ {
		s, err := dealer.ShareAt("google", "alice", i)
		require.NoError(t, err)
		shares = append(shares, s)
	}
	got, err := sharing.Reconstruct(shares[1:], 2)
	require.NoError(t, err)
	assert.Equal(t, 0, key.Cmp(got), "Any two node shares should recover the identity key")

	other, err := dealer.Key("google", "bob")
	require.NoError(t, err)
	assert.NotEqual(t, 0, key.Cmp(other), "Identities must not share keys")

	again, err := NewDealer([]byte("0123456789abcdef"), 2)
	require.NoError(t, err)
	s, err := again.ShareAt("google", "alice", 2)
	require.NoError(t, err)
	assert.True(t, s.Equal(shares[1]), "Dealers with the same seed must agree")

	_, err = NewDealer([]byte("short"), 2)
	assert.Error(t, err)
}

func TestRetrieveShares_IDToken(t *testing.T) {
	tn := newTestNetwork(t, 3, 2)
	client := tn.client(t, nil)
	ctx := context.Background()

	params := interfaces.VerifierParams{Verifier: "google", VerifierID: "alice@example.com"}
	result, err := client.RetrieveShares(ctx, params, interfaces.IdentityProof{
		IDToken: idToken(t, testJWTSecret, params.VerifierID, testIssuer, time.Hour),
	})
	require.NoError(t, err)

	key, err := tn.dealer.Key(params.Verifier, params.VerifierID)
	require.NoError(t, err)
	nonce := tn.dealer.Nonce(params.Verifier, params.VerifierID)
	assert.Equal(t, interfaces.UserTypeV2, result.UserType)
	assert.Equal(t, 0, nonce.Cmp(result.Nonce))
	assert.Equal(t, 0, sharing.AddMod(key, nonce).Cmp(result.Key), "v2 keys include the nonce")

	pub, err := client.GetPublicKey(ctx, params.Verifier, params.VerifierID)
	require.NoError(t, err)
	assert.True(t, sharing.BasePoint(result.Key).Equal(sharing.PointFromPublicKey(pub)))
}

func TestRetrieveShares_LegacyUser(t *testing.T) {
	tn := newTestNetwork(t, 3, 2)
	client := tn.client(t, nil)

	params := interfaces.VerifierParams{Verifier: "legacy", VerifierID: "carol"}
	result, err := client.RetrieveShares(context.Background(), params, interfaces.IdentityProof{
		IDToken: idToken(t, testJWTSecret, params.VerifierID, "", time.Hour),
	})
	require.NoError(t, err)

	key, err := tn.dealer.Key(params.Verifier, params.VerifierID)
	require.NoError(t, err)
	assert.Equal(t, interfaces.UserTypeV1, result.UserType)
	assert.Nil(t, result.Nonce)
	assert.Equal(t, 0, key.Cmp(result.Key), "v1 keys are used as is")
}

func TestRetrieveShares_RejectsBadTokens(t *testing.T) {
	tn := newTestNetwork(t, 3, 2)
	client := tn.client(t, nil)
	ctx := context.Background()
	params := interfaces.VerifierParams{Verifier: "google", VerifierID: "alice@example.com"}

	cases := map[string]string{
		"wrong secret":  idToken(t, "not-the-secret", params.VerifierID, testIssuer, time.Hour),
		"wrong subject": idToken(t, testJWTSecret, "mallory@example.com", testIssuer, time.Hour),
		"wrong issuer":  idToken(t, testJWTSecret, params.VerifierID, "https://evil.example", time.Hour),
		"expired":       idToken(t, testJWTSecret, params.VerifierID, testIssuer, -time.Minute),
	}
	for name, token := range cases {
		_, err := client.RetrieveShares(ctx, params, interfaces.IdentityProof{IDToken: token})
		assert.ErrorIs(t, err, interfaces.ErrAuthenticationFailed, name)
	}

	_, err := client.RetrieveShares(ctx, params, interfaces.IdentityProof{})
	assert.ErrorIs(t, err, interfaces.ErrAuthenticationFailed, "An empty proof must not reach the nodes")

	_, err = client.RetrieveShares(ctx, interfaces.VerifierParams{Verifier: "github", VerifierID: "x"},
		interfaces.IdentityProof{IDToken: idToken(t, testJWTSecret, "x", "", time.Hour)})
	assert.ErrorIs(t, err, interfaces.ErrConfiguration, "Unknown verifiers are a configuration problem")
}

func TestRetrieveShares_Quorum(t *testing.T) {
	tn := newTestNetwork(t, 3, 2)
	client := tn.client(t, nil)
	ctx := context.Background()
	params := interfaces.VerifierParams{Verifier: "google", VerifierID: "dave"}
	proof := interfaces.IdentityProof{IDToken: idToken(t, testJWTSecret, params.VerifierID, testIssuer, time.Hour)}

	tn.servers[0].Close()
	_, err := client.RetrieveShares(ctx, params, proof)
	require.NoError(t, err, "Two of three nodes are enough")

	tn.servers[1].Close()
	_, err = client.RetrieveShares(ctx, params, proof)
	assert.ErrorIs(t, err, interfaces.ErrQuorumNotReached)

	tn.servers[2].Close()
	_, err = client.RetrieveShares(ctx, params, proof)
	assert.ErrorIs(t, err, interfaces.ErrOracleUnreachable)
	assert.ErrorIs(t, err, interfaces.ErrNetwork)
}

func TestRetrieveShares_RejectsUnsignedNode(t *testing.T) {
	tn := newTestNetwork(t, 3, 2)
	impostor, err := cryptoutils.GenerateKey()
	require.NoError(t, err)
	tn.details.PublicKeys[0] = cryptoutils.PublicKeyHex(&impostor.PublicKey)
	client := tn.client(t, nil)
	ctx := context.Background()
	params := interfaces.VerifierParams{Verifier: "google", VerifierID: "erin"}
	proof := interfaces.IdentityProof{IDToken: idToken(t, testJWTSecret, params.VerifierID, testIssuer, time.Hour)}

	_, err = client.RetrieveShares(ctx, params, proof)
	require.NoError(t, err, "The two honest nodes still form a quorum")

	tn.servers[1].Close()
	_, err = client.RetrieveShares(ctx, params, proof)
	assert.ErrorIs(t, err, interfaces.ErrQuorumNotReached, "A response under the wrong node key must not count")
}

// flakyNode fails its first request with a network error.
type flakyNode struct {
	NodeClient
	calls atomic.Int32
}

func (f *flakyNode) RequestShare(ctx context.Context, req *api.ShareRequest) (*api.ShareResponse, error) {
	if f.calls.Add(1) == 1 {
		return nil, interfaces.ErrNetwork
	}
	return f.NodeClient.RequestShare(ctx, req)
}

func TestRetrieveShares_RetriesNetworkErrors(t *testing.T) {
	tn := newTestNetwork(t, 2, 2)
	var (
		mu    sync.Mutex
		flaky []*flakyNode
	)
	client := tn.client(t, func(endpoint string) NodeClient {
		f := &flakyNode{NodeClient: oraclehandler.NewClient(endpoint, time.Second)}
		mu.Lock()
		flaky = append(flaky, f)
		mu.Unlock()
		return f
	})
	params := interfaces.VerifierParams{Verifier: "google", VerifierID: "frank"}

	_, err := client.RetrieveShares(context.Background(), params, interfaces.IdentityProof{
		IDToken: idToken(t, testJWTSecret, params.VerifierID, testIssuer, time.Hour),
	})
	require.NoError(t, err, "A single transient failure per node should be retried")
	require.Len(t, flaky, 2)
	for _, f := range flaky {
		assert.Equal(t, int32(2), f.calls.Load())
	}
}

func TestRetrieveShares_Passkey(t *testing.T) {
	tn := newTestNetwork(t, 3, 2)
	client := tn.client(t, nil)
	ctx := context.Background()

	authn := factors.NewSoftwareAuthenticator(testRPID)
	cred, err := authn.Register(ctx, interfaces.RegistrationOptions{UserName: "alice", Challenge: []byte("registration")})
	require.NoError(t, err)
	challenge, err := cryptoutils.NewChallenge(time.Now())
	require.NoError(t, err)
	assertion, err := authn.Authenticate(ctx, interfaces.AssertionOptions{Challenge: challenge})
	require.NoError(t, err)

	params := interfaces.VerifierParams{Verifier: "passkey", VerifierID: factors.PasskeyVerifierID(cred.PublicKey)}
	proof := interfaces.IdentityProof{Passkey: &interfaces.PasskeyProof{Assertion: *assertion, CredentialPublicKey: cred.PublicKey}}

	result, err := client.RetrieveShares(ctx, params, proof)
	require.NoError(t, err)
	pub, err := client.GetPublicKey(ctx, params.Verifier, params.VerifierID)
	require.NoError(t, err)
	assert.True(t, sharing.BasePoint(result.Key).Equal(sharing.PointFromPublicKey(pub)))

	_, err = client.RetrieveShares(ctx, params, proof)
	assert.ErrorIs(t, err, interfaces.ErrAuthenticationFailed, "A used challenge must not unlock a second session")

	other, err := factors.NewSoftwareAuthenticator(testRPID).Register(ctx, interfaces.RegistrationOptions{UserName: "mallory"})
	require.NoError(t, err)
	challenge, err = cryptoutils.NewChallenge(time.Now())
	require.NoError(t, err)
	fresh, err := authn.Authenticate(ctx, interfaces.AssertionOptions{Challenge: challenge})
	require.NoError(t, err)
	_, err = client.RetrieveShares(ctx, params, interfaces.IdentityProof{Passkey: &interfaces.PasskeyProof{
		Assertion:           *fresh,
		CredentialPublicKey: other.PublicKey,
	}})
	assert.ErrorIs(t, err, interfaces.ErrAuthenticationFailed, "A credential key that does not hash to the verifier id must fail")
}

func TestReplayCache(t *testing.T) {
	c := newReplayCache()
	now := time.Now()
	expires := now.Add(time.Minute)

	assert.True(t, c.claim("challenge", "session-a", now, expires))
	assert.True(t, c.claim("challenge", "session-a", now, expires), "Retries from the same session are allowed")
	assert.False(t, c.claim("challenge", "session-b", now, expires))
	assert.True(t, c.claim("other", "session-b", now.Add(2*time.Minute), now.Add(3*time.Minute)))
	assert.Len(t, c.seen, 1, "Expired claims are dropped")
}

func TestNode_ChallengeFreshness(t *testing.T) {
	dealer, err := NewDealer([]byte("0123456789abcdef"), 2)
	require.NoError(t, err)
	key, err := cryptoutils.GenerateKey()
	require.NoError(t, err)
	node, err := NewNode(NodeConfig{Index: 1, Dealer: dealer, NodeKey: key, Verifiers: testVerifiers, ChallengeTTL: 5 * time.Minute})
	require.NoError(t, err)

	t0 := time.Unix(1700000000, 0)
	challenge, err := cryptoutils.NewChallenge(t0)
	require.NoError(t, err)

	require.NoError(t, node.claimChallenge(challenge, "session-a", t0))
	assert.ErrorIs(t, node.claimChallenge(challenge, "session-b", t0.Add(time.Minute)), interfaces.ErrAuthenticationFailed)

	// Claims made after the cache dropped the entry still fail.
	node.replay = newReplayCache()
	err = node.claimChallenge(challenge, "session-b", t0.Add(6*time.Minute))
	assert.ErrorIs(t, err, interfaces.ErrAuthenticationFailed, "A challenge older than the TTL can never be claimed")

	future, err := cryptoutils.NewChallenge(t0.Add(10 * time.Minute))
	require.NoError(t, err)
	assert.ErrorIs(t, node.claimChallenge(future, "session-a", t0), interfaces.ErrAuthenticationFailed)

	assert.ErrorIs(t, node.claimChallenge([]byte("login-challenge"), "session-a", t0), interfaces.ErrAuthenticationFailed)
}

func TestRetrieveShares_PasskeyExpiredChallenge(t *testing.T) {
	tn := newTestNetwork(t, 3, 2)
	client := tn.client(t, nil)
	ctx := context.Background()

	authn := factors.NewSoftwareAuthenticator(testRPID)
	cred, err := authn.Register(ctx, interfaces.RegistrationOptions{UserName: "alice"})
	require.NoError(t, err)
	challenge, err := cryptoutils.NewChallenge(time.Now().Add(-DefaultChallengeTTL - time.Minute))
	require.NoError(t, err)
	assertion, err := authn.Authenticate(ctx, interfaces.AssertionOptions{Challenge: challenge})
	require.NoError(t, err)

	params := interfaces.VerifierParams{Verifier: "passkey", VerifierID: factors.PasskeyVerifierID(cred.PublicKey)}
	_, err = client.RetrieveShares(ctx, params, interfaces.IdentityProof{
		Passkey: &interfaces.PasskeyProof{Assertion: *assertion, CredentialPublicKey: cred.PublicKey},
	})
	assert.ErrorIs(t, err, interfaces.ErrAuthenticationFailed)
}

func TestNewNode_RejectsBadConfig(t *testing.T) {
	dealer, err := NewDealer([]byte("0123456789abcdef"), 2)
	require.NoError(t, err)
	key, err := cryptoutils.GenerateKey()
	require.NoError(t, err)

	_, err = NewNode(NodeConfig{Index: 0, Dealer: dealer, NodeKey: key})
	assert.ErrorIs(t, err, interfaces.ErrConfiguration)

	_, err = NewNode(NodeConfig{Index: 1, Dealer: dealer, NodeKey: key, Verifiers: []VerifierConfig{{Name: "x", Type: VerifierJWT, UserType: interfaces.UserTypeV1}}})
	assert.ErrorIs(t, err, interfaces.ErrConfiguration, "A jwt verifier needs a secret")

	_, err = NewNode(NodeConfig{Index: 1, Dealer: dealer, NodeKey: key, Verifiers: []VerifierConfig{{Name: "x", Type: "saml", UserType: interfaces.UserTypeV1}}})
	assert.ErrorIs(t, err, interfaces.ErrConfiguration)
}

func TestCombinations(t *testing.T) {
	var got [][]int
	combinations(4, 2, func(set []int) bool {
		got = append(got, append([]int(nil), set...))
		return true
	})
	assert.Equal(t, [][]int{{0, 1}, {0, 2}, {0, 3}, {1, 2}, {1, 3}, {2, 3}}, got)

	calls := 0
	combinations(4, 2, func([]int) bool { calls++; return false })
	assert.Equal(t, 1, calls, "Returning false stops the enumeration")
}

func TestCombine_SkipsInconsistentShares(t *testing.T) {
	dealer, err := NewDealer([]byte("0123456789abcdef"), 2)
	require.NoError(t, err)
	key, err := dealer.Key("legacy", "gina")
	require.NoError(t, err)
	pub, err := sharing.BasePoint(key).Hex()
	require.NoError(t, err)

	var outcomes []nodeOutcome
	for i := 1; i <= 3; i++ {
		s, err := dealer.ShareAt("legacy", "gina", i)
		require.NoError(t, err)
		outcomes = append(outcomes, nodeOutcome{share: &nodeShare{
			share: s,
			resp:  &api.ShareResponse{PublicKey: pub, UserType: interfaces.UserTypeV1},
		}})
	}
	// A node that lies about its share value but claims the same key.
	outcomes[0].share.share.Value = sharing.AddMod(outcomes[0].share.share.Value, big.NewInt(1))

	result, err := combine(outcomes, 2)
	require.NoError(t, err)
	assert.Equal(t, 0, key.Cmp(result.Key), "The honest pair should be found")
}
