package orchestrator

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"log/slog"
	"math/big"

	"github.com/google/uuid"

	"github.com/ruteri/threshold-key-manager/cryptoutils"
	"github.com/ruteri/threshold-key-manager/factors"
	"github.com/ruteri/threshold-key-manager/interfaces"
	"github.com/ruteri/threshold-key-manager/keymanager"
	"github.com/ruteri/threshold-key-manager/metadata"
	"github.com/ruteri/threshold-key-manager/sharing"
)

// Config wires an Orchestrator to its collaborators.
type Config struct {
	Oracle   interfaces.KeyOracle
	Metadata interfaces.MetadataTransport
	Sessions *SessionStore

	DeviceStorage interfaces.DeviceStorage
	// Fingerprint names this device in share descriptions.
	Fingerprint string

	// Authenticator enables the passkey factor when set.
	Authenticator   interfaces.Authenticator
	PasskeyVerifier string

	KDF cryptoutils.KDFParams

	// Providers receives the raw key once a session is reconstructed.
	// Without it the key stays inside the session.
	Providers interfaces.ProviderFactory
	Chain     interfaces.ChainConfig

	Log *slog.Logger
}

// Orchestrator drives login and recovery: identity proof, oracle quorum,
// key manager, extra factors, curve derivation and provider hand-off.
// Every error it returns is a *HostError.
type Orchestrator struct {
	cfg      Config
	sessions *SessionStore
	log      *slog.Logger
}

func New(cfg Config) (*Orchestrator, error) {
	if cfg.Oracle == nil || cfg.Metadata == nil || cfg.DeviceStorage == nil {
		return nil, translate(fmt.Errorf("%w: orchestrator needs an oracle, a metadata transport and device storage", interfaces.ErrConfiguration))
	}
	if cfg.Sessions == nil {
		cfg.Sessions = NewSessionStore()
	}
	if cfg.Fingerprint == "" {
		cfg.Fingerprint = factors.DefaultFingerprint()
	}
	if cfg.PasskeyVerifier == "" {
		cfg.PasskeyVerifier = factors.DefaultPasskeyVerifier
	}
	if cfg.KDF == (cryptoutils.KDFParams{}) {
		cfg.KDF = cryptoutils.DefaultKDFParams
	}
	if cfg.Chain.Namespace == "" {
		cfg.Chain.Namespace = interfaces.NamespaceEIP155
	}
	if cfg.Log == nil {
		cfg.Log = slog.Default()
	}
	return &Orchestrator{cfg: cfg, sessions: cfg.Sessions, log: cfg.Log}, nil
}

// Sessions returns the store the orchestrator keeps sessions in.
func (o *Orchestrator) Sessions() *SessionStore {
	return o.sessions
}

func (o *Orchestrator) passkeyModule(records factors.RecordReader) (*factors.PasskeyModule, error) {
	if o.cfg.Authenticator == nil {
		return nil, fmt.Errorf("%w: no passkey authenticator configured", interfaces.ErrConfiguration)
	}
	return factors.NewPasskeyModule(o.cfg.Authenticator, o.cfg.Oracle, records, o.cfg.PasskeyVerifier), nil
}

// newManager builds a key manager for the postbox key with a metadata
// client of its own.
func (o *Orchestrator) newManager(postbox *ecdsa.PrivateKey, sessionToken string) (*keymanager.KeyManager, error) {
	store := metadata.NewClient(o.cfg.Metadata, o.log)
	modules := []factors.Module{
		factors.NewDeviceModule(o.cfg.DeviceStorage, o.cfg.Fingerprint),
		factors.NewOracleShareModule(),
		factors.NewPasswordModule(o.cfg.KDF),
		factors.NewMnemonicModule(),
		factors.NewSocialModule(),
	}
	if o.cfg.Authenticator != nil {
		passkey, err := o.passkeyModule(store)
		if err != nil {
			return nil, err
		}
		modules = append(modules, passkey)
	}
	registry, err := factors.NewRegistry(modules...)
	if err != nil {
		return nil, err
	}
	return keymanager.New(keymanager.Config{
		PostboxKey:   postbox,
		SessionToken: sessionToken,
		Store:        store,
		Modules:      registry,
		Log:          o.log,
	})
}

// LoginRequest is an identity proof for one verifier identity.
type LoginRequest struct {
	Identity interfaces.VerifierParams
	Proof    interfaces.IdentityProof

	// NeverCreateNew fails with a key-not-found LoginFailed instead of
	// creating a key for an identity that has none.
	NeverCreateNew bool
}

// Login verifies the identity with the oracle network and opens a session
// on the identity's key.
//
// When more shares are needed the session is returned together with a
// RequiresAdditionalFactor error; feed factors with InputFactor. A newly
// created key is reconstructed but pending until CommitChanges.
func (o *Orchestrator) Login(ctx context.Context, req LoginRequest) (*Session, error) {
	result, err := o.cfg.Oracle.RetrieveShares(ctx, req.Identity, req.Proof)
	if err != nil {
		o.log.Warn("Oracle login failed", slog.String("verifier", req.Identity.Verifier), "err", err)
		return nil, translate(err)
	}
	defer sharing.Wipe(result.Key)

	postbox, err := cryptoutils.PrivateKeyFromScalar(result.Key)
	if err != nil {
		return nil, translate(fmt.Errorf("%w: oracle key: %v", interfaces.ErrCorruptShare, err))
	}

	km, err := o.newManager(postbox, uuid.NewString())
	if err != nil {
		cryptoutils.WipePrivateKey(postbox)
		return nil, translate(err)
	}
	if err := km.Initialize(ctx, req.NeverCreateNew); err != nil {
		km.Close()
		cryptoutils.WipePrivateKey(postbox)
		return nil, translate(err)
	}

	sess := newSession(req.Identity, postbox, km)
	o.sessions.put(sess)
	o.log.Info("Logged in",
		slog.String("session", sess.ID),
		slog.String("verifier", req.Identity.Verifier),
		slog.String("userType", string(result.UserType)),
		slog.String("state", km.State().String()))
	return o.open(ctx, sess)
}

// LoginWithPasskey restores a session from a passkey alone, on a device
// that holds no share of the key.
func (o *Orchestrator) LoginWithPasskey(ctx context.Context) (*Session, error) {
	passkey, err := o.passkeyModule(metadata.NewClient(o.cfg.Metadata, o.log))
	if err != nil {
		return nil, translate(err)
	}
	blob, err := passkey.Login(ctx)
	if err != nil {
		return nil, translate(err)
	}
	defer blob.Wipe()

	postbox, err := blob.Key()
	if err != nil {
		return nil, translate(err)
	}
	if cryptoutils.PublicIDFromKey(&postbox.PublicKey) != blob.PublicID {
		cryptoutils.WipePrivateKey(postbox)
		return nil, translate(fmt.Errorf("%w: session blob key does not match its record id", interfaces.ErrCorruptShare))
	}

	km, err := o.newManager(postbox, blob.SessionToken)
	if err != nil {
		cryptoutils.WipePrivateKey(postbox)
		return nil, translate(err)
	}
	if err := km.Initialize(ctx, true); err != nil {
		km.Close()
		cryptoutils.WipePrivateKey(postbox)
		return nil, translate(err)
	}
	if err := km.SupplyShare(ctx, blob.Share); err != nil {
		km.Close()
		cryptoutils.WipePrivateKey(postbox)
		return nil, translate(err)
	}

	sess := newSession(interfaces.VerifierParams{Verifier: o.cfg.PasskeyVerifier}, postbox, km)
	o.sessions.put(sess)
	o.log.Info("Logged in with passkey", slog.String("session", sess.ID), slog.String("state", km.State().String()))
	return o.open(ctx, sess)
}

// open settles a freshly logged in session. A session that can neither
// ask for more factors nor produce a provider is wiped.
func (o *Orchestrator) open(ctx context.Context, sess *Session) (*Session, error) {
	err := o.settle(ctx, sess)
	if err == nil || IsCode(err, RequiresAdditionalFactor) {
		return sess, err
	}
	o.sessions.remove(sess.ID)
	o.log.Warn("Login could not be completed", slog.String("session", sess.ID), "err", err)
	return nil, err
}

// settle hands the key to the provider factory once reconstructed, or
// reports which factors are still needed.
func (o *Orchestrator) settle(ctx context.Context, sess *Session) error {
	details, err := sess.manager.GetKeyDetails()
	if err != nil {
		return translate(err)
	}
	if details.RequiredShares > 0 {
		return requiresFactor(sess.ID, details)
	}
	if o.cfg.Providers == nil || sess.provider != nil {
		return nil
	}

	secret, err := sess.manager.Secret()
	if err != nil {
		return translate(err)
	}
	defer sharing.Wipe(secret)

	raw, err := DeriveKey(secret, o.cfg.Chain)
	if err != nil {
		return translate(err)
	}
	defer cryptoutils.WipeBytes(raw)

	handle, err := o.cfg.Providers.MaterializeProvider(ctx, raw, o.cfg.Chain)
	if err != nil {
		return translate(err)
	}
	sess.provider = handle
	o.log.Info("Provider materialized",
		slog.String("session", sess.ID),
		slog.String("namespace", o.cfg.Chain.Namespace),
		slog.String("address", handle.Address()))
	return nil
}

func (o *Orchestrator) session(id string) (*Session, error) {
	sess, err := o.sessions.Get(id)
	if err != nil {
		return nil, translate(err)
	}
	return sess, nil
}

// InputFactor recovers a share from user input. Once the key is
// reconstructed the provider is materialized.
func (o *Orchestrator) InputFactor(ctx context.Context, sessionID string, kind interfaces.FactorKind, payload factors.Payload) error {
	sess, err := o.session(sessionID)
	if err != nil {
		return err
	}
	if err := sess.manager.InputFactor(ctx, kind, payload); err != nil {
		return translate(err)
	}
	return o.settle(ctx, sess)
}

// AddFactor enrolls a new factor. The change is pending until CommitChanges.
func (o *Orchestrator) AddFactor(ctx context.Context, sessionID string, kind interfaces.FactorKind, payload factors.Payload) (*keymanager.Enrolled, error) {
	sess, err := o.session(sessionID)
	if err != nil {
		return nil, err
	}
	enrolled, err := sess.manager.AddFactor(ctx, kind, payload)
	return enrolled, translate(err)
}

// RegisterPasskey enrolls a passkey and commits it, so the passkey can be
// used from another device right away.
func (o *Orchestrator) RegisterPasskey(ctx context.Context, sessionID, userName string) (*keymanager.Enrolled, error) {
	sess, err := o.session(sessionID)
	if err != nil {
		return nil, err
	}
	enrolled, err := sess.manager.AddFactor(ctx, interfaces.FactorPasskey, factors.PasskeyPayload{UserName: userName})
	if err != nil {
		return nil, translate(err)
	}
	if err := sess.manager.CommitChanges(ctx); err != nil {
		return nil, translate(err)
	}
	return enrolled, nil
}

// DeleteFactor removes the share at index and supersedes the others.
func (o *Orchestrator) DeleteFactor(ctx context.Context, sessionID string, index *big.Int) error {
	sess, err := o.session(sessionID)
	if err != nil {
		return err
	}
	return translate(sess.manager.DeleteFactor(ctx, index))
}

// ExportFactor returns the offline form of a mnemonic or social share.
func (o *Orchestrator) ExportFactor(ctx context.Context, sessionID string, index *big.Int) ([]string, error) {
	sess, err := o.session(sessionID)
	if err != nil {
		return nil, err
	}
	out, err := sess.manager.ExportFactor(ctx, index)
	return out, translate(err)
}

func (o *Orchestrator) GetKeyDetails(sessionID string) (*interfaces.KeyDetails, error) {
	sess, err := o.session(sessionID)
	if err != nil {
		return nil, err
	}
	details, err := sess.manager.GetKeyDetails()
	return details, translate(err)
}

// CommitChanges flushes pending metadata changes in one write.
func (o *Orchestrator) CommitChanges(ctx context.Context, sessionID string) error {
	sess, err := o.session(sessionID)
	if err != nil {
		return err
	}
	return translate(sess.manager.CommitChanges(ctx))
}

// ResetAccount tombstones the key and closes the session. The next login
// for the identity creates a new key.
func (o *Orchestrator) ResetAccount(ctx context.Context, sessionID string) error {
	sess, err := o.session(sessionID)
	if err != nil {
		return err
	}
	if err := sess.manager.Reset(ctx); err != nil {
		return translate(err)
	}
	o.sessions.remove(sessionID)
	o.log.Info("Account reset", slog.String("session", sessionID))
	return nil
}

// Logout wipes the session's key. Pending changes are dropped.
func (o *Orchestrator) Logout(sessionID string) error {
	if !o.sessions.remove(sessionID) {
		return translate(fmt.Errorf("%w: no session %q", interfaces.ErrNotInitialized, sessionID))
	}
	o.log.Info("Logged out", slog.String("session", sessionID))
	return nil
}
