package keymanager

import (
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sort"
	"sync"

	"github.com/ruteri/threshold-key-manager/cryptoutils"
	"github.com/ruteri/threshold-key-manager/factors"
	"github.com/ruteri/threshold-key-manager/interfaces"
	"github.com/ruteri/threshold-key-manager/sharing"
)

// DefaultThreshold is the threshold of a newly created key: one device share
// plus one oracle share.
const DefaultThreshold = 2

// State is the lifecycle state of a KeyManager.
type State int

const (
	StateUninitialized State = iota
	StateWaitingForShares
	StateReconstructed
	StateDirty
)

func (s State) String() string {
	switch s {
	case StateWaitingForShares:
		return "waiting-for-shares"
	case StateReconstructed:
		return "reconstructed"
	case StateDirty:
		return "dirty"
	default:
		return "uninitialized"
	}
}

// MetadataStore is the part of the metadata client the key manager uses.
type MetadataStore interface {
	Get(ctx context.Context, id interfaces.PublicID) (*interfaces.Lookup, error)
	GetEnvelope(ctx context.Context, id interfaces.PublicID) (*interfaces.RecordEnvelope, error)
	Stage(key *ecdsa.PrivateKey, payload any) error
	StageRecord(id interfaces.PublicID, key *ecdsa.PrivateKey, payload any) error
	Flush(ctx context.Context) error
	Pending() int
	Dirty() bool
	RequireSynced(ctx context.Context) error
	Discard()
}

// Config wires a KeyManager to its collaborators.
type Config struct {
	PostboxKey   *ecdsa.PrivateKey
	SessionToken string
	Store        MetadataStore
	Modules      factors.Registry
	Log          *slog.Logger
}

// KeyManager orchestrates the shares of one logical key.
//
// The reconstructed secret lives only inside the sharing session held here;
// it is never staged, flushed or written to device storage.
type KeyManager struct {
	postbox      *ecdsa.PrivateKey
	sessionToken string
	store        MetadataStore
	modules      factors.Registry
	log          *slog.Logger

	mu          sync.Mutex
	id          interfaces.PublicID
	record      *interfaces.MetadataRecord
	commitments sharing.Commitments
	supplied    map[string]interfaces.Share
	session     *sharing.Session
	deviceSync  bool
	commits     []func(ctx context.Context) error
}

func New(cfg Config) (*KeyManager, error) {
	if cfg.PostboxKey == nil || cfg.Store == nil {
		return nil, fmt.Errorf("%w: key manager needs a postbox key and a metadata store", interfaces.ErrConfiguration)
	}
	if cfg.Log == nil {
		cfg.Log = slog.Default()
	}
	id := cryptoutils.PublicIDFromKey(&cfg.PostboxKey.PublicKey)
	return &KeyManager{
		postbox:      cfg.PostboxKey,
		sessionToken: cfg.SessionToken,
		store:        cfg.Store,
		modules:      cfg.Modules,
		log:          cfg.Log.With(slog.String("publicId", string(id))),
		id:           id,
		supplied:     make(map[string]interfaces.Share),
	}, nil
}

// PublicID is the metadata record id of the key.
func (k *KeyManager) PublicID() interfaces.PublicID {
	return k.id
}

// State reports where the key manager is in its lifecycle.
func (k *KeyManager) State() State {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.stateLocked()
}

func (k *KeyManager) stateLocked() State {
	switch {
	case k.record == nil:
		return StateUninitialized
	case k.session == nil:
		return StateWaitingForShares
	case k.store.Pending() > 0:
		return StateDirty
	default:
		return StateReconstructed
	}
}

// Initialize loads the key's record and reconstructs from whatever shares
// are available without user input. With no record (or a reset one) a new
// key is created unless neverCreateNew is set, in which case ErrKeyNotFound
// is returned.
func (k *KeyManager) Initialize(ctx context.Context, neverCreateNew bool) error {
	k.mu.Lock()
	defer k.mu.Unlock()

	lookup, err := k.store.Get(ctx, k.id)
	if err != nil {
		return fmt.Errorf("failed to read metadata: %w", err)
	}
	k.resetLocked()

	switch lookup.Status {
	case interfaces.RecordNotFound, interfaces.RecordTombstoned:
		if neverCreateNew {
			return fmt.Errorf("%w: no key for %s", interfaces.ErrKeyNotFound, k.id)
		}
		generation := uint64(1)
		if lookup.Status == interfaces.RecordTombstoned {
			generation = lookup.Record.Generation + 1
		}
		return k.createLocked(ctx, generation)
	}

	record := lookup.Record
	commitments, err := sharing.ParseCommitments(record.Commitments)
	if err != nil {
		return fmt.Errorf("%w: %v", interfaces.ErrCorruptShare, err)
	}
	if commitments.Threshold() != record.Threshold || record.Threshold < 1 {
		return fmt.Errorf("%w: record threshold %d does not match %d commitments",
			interfaces.ErrCorruptShare, record.Threshold, commitments.Threshold())
	}
	k.record = withMaps(record)
	k.commitments = commitments

	k.loadLocalLocked(ctx)
	if err := k.tryReconstructLocked(ctx); err != nil {
		return err
	}

	k.log.Info("Key manager initialized",
		slog.Uint64("generation", record.Generation),
		slog.Int("threshold", record.Threshold),
		slog.Int("supplied", len(k.supplied)),
		slog.String("state", k.stateLocked().String()))
	return nil
}

// createLocked draws a new secret with a device share at index 1 and an
// oracle share at index 2. The record is staged, not flushed.
func (k *KeyManager) createLocked(ctx context.Context, generation uint64) error {
	device, err := k.modules.Module(interfaces.FactorDevice)
	if err != nil {
		return err
	}
	oracle, err := k.modules.Module(interfaces.FactorOracle)
	if err != nil {
		return err
	}

	secret, err := sharing.RandomScalar()
	if err != nil {
		return err
	}
	defer sharing.Wipe(secret)

	indices := []*big.Int{big.NewInt(1), big.NewInt(2)}
	shares, poly, err := sharing.GenerateSharesAt(secret, indices, DefaultThreshold)
	if err != nil {
		return err
	}
	session := sharing.SessionFromPolynomial(poly)
	commitments := poly.Commitments()
	poly.Wipe()

	encoded, err := commitments.Strings()
	if err != nil {
		session.Wipe()
		return err
	}
	record := &interfaces.MetadataRecord{
		Generation:   generation,
		Threshold:    DefaultThreshold,
		NextIndex:    3,
		Commitments:  encoded,
		Descriptions: make(map[string]interfaces.ShareDescription),
		Material:     make(map[string]json.RawMessage),
	}

	env := k.envFor(generation, commitments)
	var pending []*factors.Enrollment
	for i, m := range []factors.Module{device, oracle} {
		var payload factors.Payload = factors.DevicePayload{}
		if m.Kind() == interfaces.FactorOracle {
			payload = factors.OraclePayload{}
		}
		enrollment, err := m.Produce(ctx, env, shares[i], payload)
		if err != nil {
			session.Wipe()
			return fmt.Errorf("failed to enroll %s share: %w", m.Kind(), err)
		}
		applyEnrollment(record, shares[i].Index, enrollment)
		pending = append(pending, enrollment)
	}

	if err := k.stageLocked(record, pending); err != nil {
		session.Wipe()
		return err
	}

	k.record = record
	k.commitments = commitments
	k.session = session
	k.deviceSync = true
	for _, s := range shares {
		k.supplied[s.Key()] = s
	}

	k.log.Info("Created new key",
		slog.Uint64("generation", generation),
		slog.String("publicKey", k.publicKeyLocked()))
	return nil
}

// loadLocalLocked supplies the shares reachable without user input: the
// device share and any oracle share. Failures only mean fewer shares.
func (k *KeyManager) loadLocalLocked(ctx context.Context) {
	env := k.envLocked()

	if device, err := k.modules.Module(interfaces.FactorDevice); err == nil {
		share, err := device.Recover(ctx, env, nil, interfaces.ShareDescription{}, nil, nil)
		switch {
		case err == nil:
			if err := k.supplyLocked(share); err != nil {
				k.log.Warn("Local device share rejected", "err", err)
			} else {
				k.deviceSync = true
			}
		case errors.Is(err, interfaces.ErrFactorNotFound):
			k.log.Debug("No local device share")
		default:
			k.log.Warn("Local device share unusable", "err", err)
		}
	}

	oracle, err := k.modules.Module(interfaces.FactorOracle)
	if err != nil {
		return
	}
	for _, key := range sortedIndices(k.record) {
		desc := k.record.Descriptions[key]
		if desc.Module != interfaces.FactorOracle {
			continue
		}
		index, _ := new(big.Int).SetString(key, 16)
		share, err := oracle.Recover(ctx, env, index, desc, k.record.Material[key], nil)
		if err != nil {
			k.log.Warn("Oracle share unusable", slog.String("index", key), "err", err)
			continue
		}
		if err := k.supplyLocked(share); err != nil {
			k.log.Warn("Oracle share rejected", slog.String("index", key), "err", err)
		}
	}
}

// GetKeyDetails reports the key's current reachability.
func (k *KeyManager) GetKeyDetails() (*interfaces.KeyDetails, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.record == nil {
		return nil, interfaces.ErrNotInitialized
	}

	details := &interfaces.KeyDetails{
		PublicKey:         k.publicKeyLocked(),
		Generation:        k.record.Generation,
		Threshold:         k.record.Threshold,
		TotalShares:       len(k.record.Descriptions),
		ShareDescriptions: make(map[string]interfaces.ShareDescription, len(k.record.Descriptions)),
	}
	if k.session == nil {
		details.RequiredShares = k.record.Threshold - len(k.supplied)
	}
	for key, desc := range k.record.Clone().Descriptions {
		details.ShareDescriptions[key] = desc
	}
	return details, nil
}

// SupplyShare adds a share obtained out of band and retries reconstruction.
// Supplying a share that is already held has no effect.
func (k *KeyManager) SupplyShare(ctx context.Context, share interfaces.Share) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.record == nil {
		return interfaces.ErrNotInitialized
	}
	if err := k.supplyLocked(share); err != nil {
		return err
	}
	return k.tryReconstructLocked(ctx)
}

func (k *KeyManager) supplyLocked(share interfaces.Share) error {
	if share.Index == nil || share.Value == nil {
		return fmt.Errorf("%w: incomplete share", interfaces.ErrInvalidShare)
	}
	if _, ok := k.record.Descriptions[share.Key()]; !ok {
		return fmt.Errorf("%w: index %s", interfaces.ErrShareNotFound, share.Key())
	}
	if held, ok := k.supplied[share.Key()]; ok {
		if held.Equal(share) {
			return nil
		}
		return fmt.Errorf("%w: conflicting value for index %s", interfaces.ErrInvalidShare, share.Key())
	}
	if err := k.commitments.Verify(share); err != nil {
		return err
	}
	k.supplied[share.Key()] = share.Clone()
	return nil
}

func (k *KeyManager) tryReconstructLocked(ctx context.Context) error {
	if k.session != nil || len(k.supplied) < k.record.Threshold {
		return nil
	}

	shares := make([]interfaces.Share, 0, len(k.supplied))
	for _, s := range k.supplied {
		shares = append(shares, s)
	}
	session, err := sharing.NewSession(shares, k.commitments)
	if err != nil {
		return fmt.Errorf("failed to reconstruct key: %w", err)
	}
	k.session = session
	k.log.Info("Key reconstructed", slog.Int("shares", len(shares)))

	k.resyncDeviceLocked(ctx)
	return nil
}

// resyncDeviceLocked rewrites this device's share when the record lists
// the device but the local copy was missing or stale.
func (k *KeyManager) resyncDeviceLocked(ctx context.Context) {
	if k.deviceSync {
		return
	}
	m, err := k.modules.Module(interfaces.FactorDevice)
	if err != nil {
		return
	}
	device, ok := m.(*factors.DeviceModule)
	if !ok {
		return
	}

	for _, key := range sortedIndices(k.record) {
		desc := k.record.Descriptions[key]
		if desc.Module != interfaces.FactorDevice || desc.Data[interfaces.DescriptionFingerprint] != device.Fingerprint() {
			continue
		}
		index, _ := new(big.Int).SetString(key, 16)
		share, err := k.session.ShareAt(index)
		if err != nil {
			return
		}
		enrollment, err := device.Reissue(ctx, k.envLocked(), share, share, desc, nil)
		if err != nil || enrollment.Commit == nil {
			return
		}
		if err := enrollment.Commit(ctx); err != nil {
			k.log.Warn("Failed to restore device share", "err", err)
			return
		}
		k.deviceSync = true
		k.supplied[key] = share

		if desc.Data[interfaces.DescriptionStale] != "" {
			next := withMaps(k.record.Clone())
			d := next.Descriptions[key]
			delete(d.Data, interfaces.DescriptionStale)
			next.Descriptions[key] = d
			if err := k.stageLocked(next, nil); err == nil {
				k.record = next
			}
		}
		k.log.Info("Restored device share", slog.String("index", key))
		return
	}
}

// CommitChanges flushes pending metadata writes and then runs the local
// side effects queued with them. Without pending writes it does nothing.
func (k *KeyManager) CommitChanges(ctx context.Context) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.record == nil {
		return interfaces.ErrNotInitialized
	}
	if err := k.store.Flush(ctx); err != nil {
		return err
	}

	var errs []error
	for _, commit := range k.commits {
		if err := commit(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	k.commits = nil
	if len(errs) > 0 {
		return fmt.Errorf("metadata committed but local updates failed: %w", errors.Join(errs...))
	}
	return nil
}

// Secret returns a copy of the reconstructed key. The caller must wipe it.
func (k *KeyManager) Secret() (*big.Int, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.session == nil {
		return nil, interfaces.ErrNotReconstructed
	}
	return k.session.Secret(), nil
}

// Close wipes the reconstructed key and every held share and drops
// uncommitted changes.
func (k *KeyManager) Close() {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.store.Discard()
	k.resetLocked()
}

func (k *KeyManager) resetLocked() {
	k.session.Wipe()
	k.session = nil
	for key, s := range k.supplied {
		sharing.Wipe(s.Value)
		delete(k.supplied, key)
	}
	k.record = nil
	k.commitments = nil
	k.deviceSync = false
	k.commits = nil
}

func (k *KeyManager) publicKeyLocked() string {
	if k.commitments == nil {
		return ""
	}
	s, err := k.commitments.PublicKey().Hex()
	if err != nil {
		return ""
	}
	return s
}

func (k *KeyManager) envLocked() *factors.Env {
	return k.envFor(k.record.Generation, k.commitments)
}

func (k *KeyManager) envFor(generation uint64, commitments sharing.Commitments) *factors.Env {
	return &factors.Env{
		PublicID:     k.id,
		Generation:   generation,
		Commitments:  commitments,
		PostboxKey:   k.postbox,
		SessionToken: k.sessionToken,
	}
}

// stageLocked stages record and the auxiliary records of enrollments, and
// queues their local commits for the next flush.
func (k *KeyManager) stageLocked(record *interfaces.MetadataRecord, enrollments []*factors.Enrollment) error {
	for _, e := range enrollments {
		for _, aux := range e.AuxRecords {
			if err := k.store.StageRecord(aux.ID, aux.Signer, aux.Payload); err != nil {
				return fmt.Errorf("failed to stage %s: %w", aux.ID, err)
			}
		}
	}
	if err := k.store.Stage(k.postbox, record); err != nil {
		return fmt.Errorf("failed to stage key record: %w", err)
	}
	for _, e := range enrollments {
		if e.Commit != nil {
			k.commits = append(k.commits, e.Commit)
		}
	}
	return nil
}

func applyEnrollment(record *interfaces.MetadataRecord, index *big.Int, e *factors.Enrollment) {
	key := interfaces.IndexKey(index)
	record.Descriptions[key] = e.Description
	if e.Material != nil {
		record.Material[key] = e.Material
	} else {
		delete(record.Material, key)
	}
}

func sortedIndices(record *interfaces.MetadataRecord) []string {
	keys := record.Indices()
	sort.Slice(keys, func(i, j int) bool {
		a, _ := new(big.Int).SetString(keys[i], 16)
		b, _ := new(big.Int).SetString(keys[j], 16)
		return a.Cmp(b) < 0
	})
	return keys
}

// withMaps makes sure the record's maps can be written to.
func withMaps(record *interfaces.MetadataRecord) *interfaces.MetadataRecord {
	if record.Descriptions == nil {
		record.Descriptions = make(map[string]interfaces.ShareDescription)
	}
	if record.Material == nil {
		record.Material = make(map[string]json.RawMessage)
	}
	return record
}
