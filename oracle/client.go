package oracle

import (
	"context"
	"crypto/ecdsa"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sort"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sync/errgroup"

	"github.com/ruteri/threshold-key-manager/api"
	"github.com/ruteri/threshold-key-manager/api/oraclehandler"
	"github.com/ruteri/threshold-key-manager/cryptoutils"
	"github.com/ruteri/threshold-key-manager/interfaces"
	"github.com/ruteri/threshold-key-manager/metrics"
	"github.com/ruteri/threshold-key-manager/sharing"
)

const (
	DefaultRequestTimeout = 10 * time.Second
	DefaultMaxRetries     = 2
	DefaultInitialBackoff = 200 * time.Millisecond
)

// NodeClient is one node as seen by the oracle client.
type NodeClient interface {
	RequestShare(ctx context.Context, req *api.ShareRequest) (*api.ShareResponse, error)
	GetPublicKey(ctx context.Context, verifier, verifierID string) (*api.PublicKeyResponse, error)
}

// ClientConfig configures the oracle client.
type ClientConfig struct {
	Directory interfaces.NodeDirectory

	// Dial returns a client for a node endpoint. Defaults to an HTTP client.
	Dial func(endpoint string) NodeClient

	RequestTimeout time.Duration
	MaxRetries     int
	InitialBackoff time.Duration
	Log            *slog.Logger
}

// Client retrieves identity keys from a threshold oracle network. It asks
// every node concurrently and combines the first consistent quorum.
type Client struct {
	directory      interfaces.NodeDirectory
	dial           func(endpoint string) NodeClient
	maxRetries     int
	initialBackoff time.Duration
	log            *slog.Logger
}

var _ interfaces.KeyOracle = (*Client)(nil)

// NewClient creates an oracle client.
func NewClient(cfg ClientConfig) (*Client, error) {
	if cfg.Directory == nil {
		return nil, fmt.Errorf("%w: oracle client needs a node directory", interfaces.ErrConfiguration)
	}
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = DefaultRequestTimeout
	}
	dial := cfg.Dial
	if dial == nil {
		dial = func(endpoint string) NodeClient {
			return oraclehandler.NewClient(endpoint, timeout)
		}
	}
	if cfg.MaxRetries < 0 {
		return nil, fmt.Errorf("%w: negative retry count", interfaces.ErrConfiguration)
	}
	initial := cfg.InitialBackoff
	if initial <= 0 {
		initial = DefaultInitialBackoff
	}
	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}
	return &Client{
		directory:      cfg.Directory,
		dial:           dial,
		maxRetries:     cfg.MaxRetries,
		initialBackoff: initial,
		log:            log,
	}, nil
}

// withRetry retries op on network errors only. Anything else is a final
// answer from the node.
func (c *Client) withRetry(ctx context.Context, endpoint string, op func() error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.initialBackoff
	b.MaxElapsedTime = 0

	attempt := func() error {
		start := time.Now()
		err := op()
		metrics.OracleRequestDuration.WithLabelValues(endpoint).Observe(time.Since(start).Seconds())
		if err != nil && (!errors.Is(err, interfaces.ErrNetwork) || ctx.Err() != nil) {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, wait time.Duration) {
		c.log.Debug("Retrying oracle node",
			slog.String("endpoint", endpoint),
			slog.Duration("wait", wait),
			"err", err)
	}
	return backoff.RetryNotify(attempt, backoff.WithContext(backoff.WithMaxRetries(b, uint64(c.maxRetries)), ctx), notify)
}

type nodeShare struct {
	share    interfaces.Share
	resp     *api.ShareResponse
	endpoint string
}

type nodeOutcome struct {
	share *nodeShare
	err   error
}

// RetrieveShares collects node shares for the identity and combines a
// consistent quorum. The returned key already includes the v2 nonce.
func (c *Client) RetrieveShares(ctx context.Context, params interfaces.VerifierParams, proof interfaces.IdentityProof) (*interfaces.KeyResult, error) {
	nd, err := c.directory.GetNodeDetails(ctx, params.Verifier, params.VerifierID)
	if err != nil {
		return nil, err
	}
	if err := ValidateNodeDetails(nd); err != nil {
		return nil, err
	}

	req := &api.ShareRequest{VerifierParams: params}
	switch {
	case proof.IDToken != "":
		req.Type, req.IDToken = api.ProofIDToken, proof.IDToken
	case proof.Passkey != nil:
		req.Type, req.Passkey = api.ProofPasskey, proof.Passkey
	default:
		return nil, fmt.Errorf("%w: identity proof is empty", interfaces.ErrAuthenticationFailed)
	}

	sessionKey, err := cryptoutils.GenerateKey()
	if err != nil {
		return nil, err
	}
	defer cryptoutils.WipePrivateKey(sessionKey)
	req.SessionPublicKey = cryptoutils.PublicKeyHex(&sessionKey.PublicKey)

	start := time.Now()
	outcomes := make([]nodeOutcome, len(nd.Endpoints))
	var g errgroup.Group
	for i, endpoint := range nd.Endpoints {
		g.Go(func() error {
			node := c.dial(endpoint)
			var resp *api.ShareResponse
			err := c.withRetry(ctx, endpoint, func() error {
				var err error
				resp, err = node.RequestShare(ctx, req)
				return err
			})
			if err != nil {
				outcomes[i].err = err
				return nil
			}
			share, err := openShare(resp, params, req.SessionPublicKey, nd.PublicKeys[i], sessionKey)
			if err != nil {
				outcomes[i].err = err
				return nil
			}
			outcomes[i].share = &nodeShare{share: share, resp: resp, endpoint: endpoint}
			return nil
		})
	}
	_ = g.Wait()
	if err := ctx.Err(); err != nil {
		wipeOutcomes(outcomes)
		return nil, err
	}

	result, err := combine(outcomes, nd.Threshold)
	wipeOutcomes(outcomes)
	if err != nil {
		c.log.Warn("Oracle share retrieval failed",
			slog.String("verifier", params.Verifier),
			slog.Int("nodes", len(nd.Endpoints)),
			slog.Duration("duration", time.Since(start)),
			"err", err)
		return nil, err
	}

	c.log.Debug("Retrieved oracle key",
		slog.String("verifier", params.Verifier),
		slog.String("userType", string(result.UserType)),
		slog.Duration("duration", time.Since(start)))
	return result, nil
}

// openShare checks the node's signature and decrypts its share.
func openShare(resp *api.ShareResponse, params interfaces.VerifierParams, sessionPub, nodeKey string, sessionKey *ecdsa.PrivateKey) (interfaces.Share, error) {
	signer, err := cryptoutils.RecoverSigner(resp.SigningMessage(params, sessionPub), resp.Signature)
	if err != nil {
		return interfaces.Share{}, fmt.Errorf("%w: node signature: %v", interfaces.ErrCorruptShare, err)
	}
	expected, err := cryptoutils.ParsePublicKeyHex(nodeKey)
	if err != nil {
		return interfaces.Share{}, fmt.Errorf("%w: node key: %v", interfaces.ErrConfiguration, err)
	}
	if !signer.Equal(expected) {
		return interfaces.Share{}, fmt.Errorf("%w: response not signed by the expected node", interfaces.ErrCorruptShare)
	}

	ct, err := hex.DecodeString(resp.EncryptedShare)
	if err != nil {
		return interfaces.Share{}, fmt.Errorf("%w: share ciphertext is not hex", interfaces.ErrCorruptShare)
	}
	plain, err := cryptoutils.DecryptWithPrivateKey(sessionKey, ct)
	if err != nil {
		return interfaces.Share{}, err
	}
	defer cryptoutils.WipeBytes(plain)

	value, err := interfaces.ParseScalar(string(plain))
	if err != nil {
		return interfaces.Share{}, fmt.Errorf("%w: share value: %v", interfaces.ErrCorruptShare, err)
	}
	index, err := interfaces.ParseScalar(resp.Index)
	if err != nil {
		return interfaces.Share{}, fmt.Errorf("%w: share index: %v", interfaces.ErrCorruptShare, err)
	}
	return interfaces.Share{Index: index, Value: value}, nil
}

func wipeOutcomes(outcomes []nodeOutcome) {
	for _, o := range outcomes {
		if o.share != nil {
			sharing.Wipe(o.share.share.Value)
		}
	}
}

type groupKey struct {
	publicKey string
	nonce     string
	userType  interfaces.UserType
}

// combine groups responses by the key they claim to belong to and tries
// threshold-sized subsets of each group until one reconstructs a key that
// matches the claimed public key.
func combine(outcomes []nodeOutcome, threshold int) (*interfaces.KeyResult, error) {
	groups := make(map[groupKey][]*nodeShare)
	for _, o := range outcomes {
		if o.share == nil {
			continue
		}
		k := groupKey{publicKey: o.share.resp.PublicKey, nonce: o.share.resp.Nonce, userType: o.share.resp.UserType}
		groups[k] = append(groups[k], o.share)
	}

	keys := make([]groupKey, 0, len(groups))
	for k := range groups {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return len(groups[keys[i]]) > len(groups[keys[j]]) })

	for _, k := range keys {
		members := groups[k]
		if len(members) < threshold {
			break
		}
		if result := combineGroup(k, members, threshold); result != nil {
			return result, nil
		}
	}
	return nil, quorumError(outcomes)
}

func combineGroup(k groupKey, members []*nodeShare, threshold int) *interfaces.KeyResult {
	claimed, err := sharing.ParsePoint(k.publicKey)
	if err != nil {
		return nil
	}
	var nonce *big.Int
	switch k.userType {
	case interfaces.UserTypeV1:
		if k.nonce != "" {
			return nil
		}
	case interfaces.UserTypeV2:
		if nonce, err = interfaces.ParseScalar(k.nonce); err != nil {
			return nil
		}
	default:
		return nil
	}

	var result *interfaces.KeyResult
	combinations(len(members), threshold, func(set []int) bool {
		shares := make([]interfaces.Share, len(set))
		for i, j := range set {
			shares[i] = members[j].share
		}
		key, err := sharing.Reconstruct(shares, threshold)
		if err != nil {
			return true
		}
		if nonce != nil {
			applied := sharing.AddMod(key, nonce)
			sharing.Wipe(key)
			key = applied
		}
		if !sharing.BasePoint(key).Equal(claimed) {
			sharing.Wipe(key)
			return true
		}
		result = &interfaces.KeyResult{Key: key, Nonce: nonce, UserType: k.userType, PublicKey: k.publicKey}
		return false
	})
	return result
}

// combinations calls fn for every k-subset of 0..n-1 until fn returns false.
func combinations(n, k int, fn func([]int) bool) {
	set := make([]int, k)
	var rec func(start, depth int) bool
	rec = func(start, depth int) bool {
		if depth == k {
			return fn(set)
		}
		for i := start; i <= n-(k-depth); i++ {
			set[depth] = i
			if !rec(i+1, depth+1) {
				return false
			}
		}
		return true
	}
	rec(0, 0)
}

func quorumError(outcomes []nodeOutcome) error {
	var (
		succeeded, network int
		authErr, configErr error
	)
	for _, o := range outcomes {
		switch {
		case o.err == nil:
			succeeded++
		case errors.Is(o.err, interfaces.ErrAuthenticationFailed):
			authErr = o.err
		case errors.Is(o.err, interfaces.ErrConfiguration):
			configErr = o.err
		case errors.Is(o.err, interfaces.ErrNetwork):
			network++
		}
	}
	switch {
	case succeeded == 0 && authErr != nil:
		return fmt.Errorf("oracle rejected identity proof: %w", authErr)
	case succeeded == 0 && configErr != nil:
		return fmt.Errorf("oracle nodes refused the request: %w", configErr)
	case network == len(outcomes):
		return interfaces.ErrOracleUnreachable
	default:
		return fmt.Errorf("%w: %d of %d nodes answered consistently", interfaces.ErrQuorumNotReached, succeeded, len(outcomes))
	}
}

// GetPublicKey asks every node for the identity's public key and returns
// the one a threshold of nodes agree on.
func (c *Client) GetPublicKey(ctx context.Context, verifier, verifierID string) (*ecdsa.PublicKey, error) {
	nd, err := c.directory.GetNodeDetails(ctx, verifier, verifierID)
	if err != nil {
		return nil, err
	}
	if err := ValidateNodeDetails(nd); err != nil {
		return nil, err
	}

	answers := make([]*api.PublicKeyResponse, len(nd.Endpoints))
	errs := make([]error, len(nd.Endpoints))
	var g errgroup.Group
	for i, endpoint := range nd.Endpoints {
		g.Go(func() error {
			node := c.dial(endpoint)
			errs[i] = c.withRetry(ctx, endpoint, func() error {
				var err error
				answers[i], err = node.GetPublicKey(ctx, verifier, verifierID)
				return err
			})
			return nil
		})
	}
	_ = g.Wait()
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	votes := make(map[string]int)
	outcomes := make([]nodeOutcome, len(nd.Endpoints))
	for i, a := range answers {
		outcomes[i].err = errs[i]
		if errs[i] == nil && a != nil {
			votes[a.PublicKey]++
		}
	}
	for pub, n := range votes {
		if n >= nd.Threshold {
			return cryptoutils.ParsePublicKeyHex(pub)
		}
	}
	return nil, quorumError(outcomes)
}
