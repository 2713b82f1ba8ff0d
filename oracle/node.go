package oracle

import (
	"context"
	"crypto/ecdsa"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/ruteri/threshold-key-manager/api"
	"github.com/ruteri/threshold-key-manager/cryptoutils"
	"github.com/ruteri/threshold-key-manager/interfaces"
	"github.com/ruteri/threshold-key-manager/metrics"
	"github.com/ruteri/threshold-key-manager/sharing"
)

// DefaultChallengeTTL is how long after issue a passkey challenge is
// accepted.
const DefaultChallengeTTL = 5 * time.Minute

// MaxChallengeSkew bounds how far in the future a challenge may claim to
// have been issued.
const MaxChallengeSkew = time.Minute

// VerifierType selects how a verifier's identities prove themselves.
type VerifierType string

const (
	VerifierJWT     VerifierType = "jwt"
	VerifierPasskey VerifierType = "passkey"
)

// VerifierConfig describes one verifier a node serves.
type VerifierConfig struct {
	Name string       `yaml:"name"`
	Type VerifierType `yaml:"type"`

	// Secret is the HS256 key id tokens are signed with.
	Secret string `yaml:"secret,omitempty"`
	// Issuer, when set, must match the token's iss claim.
	Issuer string `yaml:"issuer,omitempty"`
	// RPID is the relying party id passkey assertions are scoped to.
	RPID string `yaml:"rpId,omitempty"`
	// Origins lists the accepted client data origins. Empty means
	// https://<rpId>.
	Origins []string `yaml:"origins,omitempty"`

	UserType interfaces.UserType `yaml:"userType"`
}

func (v VerifierConfig) validate() error {
	if v.Name == "" {
		return fmt.Errorf("%w: verifier without a name", interfaces.ErrConfiguration)
	}
	switch v.Type {
	case VerifierJWT:
		if v.Secret == "" {
			return fmt.Errorf("%w: verifier %s needs a secret", interfaces.ErrConfiguration, v.Name)
		}
	case VerifierPasskey:
		if v.RPID == "" {
			return fmt.Errorf("%w: verifier %s needs an rpId", interfaces.ErrConfiguration, v.Name)
		}
	default:
		return fmt.Errorf("%w: verifier %s has unknown type %q", interfaces.ErrConfiguration, v.Name, v.Type)
	}
	switch v.UserType {
	case interfaces.UserTypeV1, interfaces.UserTypeV2:
	default:
		return fmt.Errorf("%w: verifier %s has unknown user type %q", interfaces.ErrConfiguration, v.Name, v.UserType)
	}
	return nil
}

// NodeConfig configures a reference oracle node.
type NodeConfig struct {
	// Index is the node's share index, starting at 1.
	Index        int
	Dealer       *Dealer
	NodeKey      *ecdsa.PrivateKey
	Verifiers    []VerifierConfig
	ChallengeTTL time.Duration
	Log          *slog.Logger
}

// Node answers share requests for the identities of its verifiers.
type Node struct {
	index     int
	dealer    *Dealer
	key       *ecdsa.PrivateKey
	verifiers map[string]VerifierConfig
	replay    *replayCache
	ttl       time.Duration
	now       func() time.Time
	log       *slog.Logger
}

// NewNode validates cfg and creates a node.
func NewNode(cfg NodeConfig) (*Node, error) {
	if cfg.Index < 1 || cfg.Index > 0xffff {
		return nil, fmt.Errorf("%w: node index %d out of range", interfaces.ErrConfiguration, cfg.Index)
	}
	if cfg.Dealer == nil || cfg.NodeKey == nil {
		return nil, fmt.Errorf("%w: node needs a dealer and a node key", interfaces.ErrConfiguration)
	}
	verifiers := make(map[string]VerifierConfig, len(cfg.Verifiers))
	for _, v := range cfg.Verifiers {
		if err := v.validate(); err != nil {
			return nil, err
		}
		verifiers[v.Name] = v
	}
	ttl := cfg.ChallengeTTL
	if ttl <= 0 {
		ttl = DefaultChallengeTTL
	}
	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}
	return &Node{
		index:     cfg.Index,
		dealer:    cfg.Dealer,
		key:       cfg.NodeKey,
		verifiers: verifiers,
		replay:    newReplayCache(),
		ttl:       ttl,
		now:       time.Now,
		log:       log.With(slog.Int("node", cfg.Index)),
	}, nil
}

// Index returns the node's share index.
func (n *Node) Index() int {
	return n.index
}

// NodePublicKey is the key the node signs responses with.
func (n *Node) NodePublicKey() *ecdsa.PublicKey {
	return &n.key.PublicKey
}

func (n *Node) verifier(name string) (VerifierConfig, error) {
	v, ok := n.verifiers[name]
	if !ok {
		return VerifierConfig{}, fmt.Errorf("%w: unknown verifier %q", interfaces.ErrConfiguration, name)
	}
	return v, nil
}

// IssueShare verifies the request's identity proof and returns the node's
// share encrypted to the request's session key.
func (n *Node) IssueShare(ctx context.Context, req *api.ShareRequest) (resp *api.ShareResponse, err error) {
	defer func() {
		outcome := "ok"
		if err != nil {
			outcome = "rejected"
			if !errors.Is(err, interfaces.ErrAuthenticationFailed) {
				outcome = "error"
			}
		}
		metrics.OracleShareRequests.WithLabelValues(string(req.Type), outcome).Inc()
	}()

	v, err := n.verifier(req.Verifier)
	if err != nil {
		return nil, err
	}
	sessionKey, err := cryptoutils.ParsePublicKeyHex(req.SessionPublicKey)
	if err != nil {
		return nil, api.BadRequest(fmt.Errorf("invalid session public key: %w", err))
	}

	switch v.Type {
	case VerifierJWT:
		err = n.verifyIDToken(v, req)
	case VerifierPasskey:
		err = n.verifyPasskey(v, req)
	}
	if err != nil {
		return nil, err
	}

	share, err := n.dealer.ShareAt(v.Name, req.VerifierID, n.index)
	if err != nil {
		return nil, err
	}
	defer sharing.Wipe(share.Value)

	plain := []byte(interfaces.ScalarHex(share.Value))
	defer cryptoutils.WipeBytes(plain)
	ct, err := cryptoutils.EncryptForPublicKey(sessionKey, plain)
	if err != nil {
		return nil, api.BadRequest(err)
	}

	pub, nonce, err := n.publicKey(v, req.VerifierID)
	if err != nil {
		return nil, err
	}

	resp = &api.ShareResponse{
		Index:          interfaces.ScalarHex(share.Index),
		EncryptedShare: hex.EncodeToString(ct),
		PublicKey:      pub,
		UserType:       v.UserType,
	}
	if nonce != nil {
		resp.Nonce = interfaces.ScalarHex(nonce)
	}
	resp.Signature, err = cryptoutils.SignRecord(n.key, resp.SigningMessage(req.VerifierParams, req.SessionPublicKey))
	if err != nil {
		return nil, err
	}

	n.log.Debug("Issued share", slog.String("verifier", v.Name), slog.String("verifierId", req.VerifierID))
	return resp, nil
}

// PublicKey reports the key an identity resolves to, nonce included.
func (n *Node) PublicKey(ctx context.Context, verifier, verifierID string) (*api.PublicKeyResponse, error) {
	v, err := n.verifier(verifier)
	if err != nil {
		return nil, err
	}
	pub, nonce, err := n.publicKey(v, verifierID)
	if err != nil {
		return nil, err
	}
	resp := &api.PublicKeyResponse{PublicKey: pub, UserType: v.UserType}
	if nonce != nil {
		resp.Nonce = interfaces.ScalarHex(nonce)
	}
	return resp, nil
}

func (n *Node) publicKey(v VerifierConfig, verifierID string) (string, *big.Int, error) {
	key, err := n.dealer.Key(v.Name, verifierID)
	if err != nil {
		return "", nil, err
	}
	defer sharing.Wipe(key)

	var nonce *big.Int
	if v.UserType == interfaces.UserTypeV2 {
		nonce = n.dealer.Nonce(v.Name, verifierID)
		key = sharing.AddMod(key, nonce)
		defer sharing.Wipe(key)
	}
	pub, err := sharing.BasePoint(key).Hex()
	if err != nil {
		return "", nil, err
	}
	return pub, nonce, nil
}

func (n *Node) verifyIDToken(v VerifierConfig, req *api.ShareRequest) error {
	if req.Type != api.ProofIDToken || req.IDToken == "" {
		return fmt.Errorf("%w: verifier %s expects an id token", interfaces.ErrAuthenticationFailed, v.Name)
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithSubject(req.VerifierID),
	}
	if v.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.Issuer))
	}

	var claims jwt.RegisteredClaims
	_, err := jwt.ParseWithClaims(req.IDToken, &claims, func(*jwt.Token) (any, error) {
		return []byte(v.Secret), nil
	}, opts...)
	if err != nil {
		return fmt.Errorf("%w: %v", interfaces.ErrAuthenticationFailed, err)
	}
	return nil
}

func (n *Node) verifyPasskey(v VerifierConfig, req *api.ShareRequest) error {
	if req.Type != api.ProofPasskey || req.Passkey == nil {
		return fmt.Errorf("%w: verifier %s expects a passkey assertion", interfaces.ErrAuthenticationFailed, v.Name)
	}
	if cryptoutils.Keccak256Hex(req.Passkey.CredentialPublicKey) != req.VerifierID {
		return fmt.Errorf("%w: credential key does not belong to verifier id", interfaces.ErrAuthenticationFailed)
	}
	if err := cryptoutils.VerifyAssertion(req.Passkey.CredentialPublicKey, &req.Passkey.Assertion, v.RPID, v.Origins...); err != nil {
		return err
	}
	return n.claimChallenge(req.Passkey.Assertion.Challenge, req.SessionPublicKey, n.now())
}

// claimChallenge accepts a challenge issued within the TTL that no other
// session has claimed. A claim is kept until the challenge itself expires,
// so dropping it from the cache never makes the challenge usable again.
func (n *Node) claimChallenge(challenge []byte, session string, now time.Time) error {
	issued, err := cryptoutils.ChallengeIssuedAt(challenge)
	if err != nil {
		return fmt.Errorf("%w: %v", interfaces.ErrAuthenticationFailed, err)
	}
	if issued.After(now.Add(MaxChallengeSkew)) {
		return fmt.Errorf("%w: challenge issued in the future", interfaces.ErrAuthenticationFailed)
	}
	expires := issued.Add(n.ttl)
	if now.After(expires) {
		return fmt.Errorf("%w: challenge expired", interfaces.ErrAuthenticationFailed)
	}
	if !n.replay.claim(hex.EncodeToString(challenge), session, now, expires) {
		return fmt.Errorf("%w: assertion challenge was already used", interfaces.ErrAuthenticationFailed)
	}
	return nil
}

// replayCache remembers which session key claimed a passkey challenge.
// A retry from the same session is allowed; any other session is not.
type replayCache struct {
	mu   sync.Mutex
	seen map[string]replayEntry
}

type replayEntry struct {
	session string
	expires time.Time
}

func newReplayCache() *replayCache {
	return &replayCache{seen: make(map[string]replayEntry)}
}

func (c *replayCache) claim(challenge, session string, now, expires time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	for k, e := range c.seen {
		if now.After(e.expires) {
			delete(c.seen, k)
		}
	}
	if e, ok := c.seen[challenge]; ok {
		return e.session == session
	}
	c.seen[challenge] = replayEntry{session: session, expires: expires}
	return true
}
