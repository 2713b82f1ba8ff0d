package keymanager

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strconv"

	"github.com/ruteri/threshold-key-manager/factors"
	"github.com/ruteri/threshold-key-manager/interfaces"
	"github.com/ruteri/threshold-key-manager/sharing"
)

// Enrolled is the outcome of adding or changing a factor.
type Enrolled struct {
	Index *big.Int

	// Export is material the user must copy now, e.g. a mnemonic phrase.
	Export []string
}

func (k *KeyManager) requireSessionLocked() error {
	if k.record == nil {
		return interfaces.ErrNotInitialized
	}
	if k.session == nil {
		return interfaces.ErrNotReconstructed
	}
	return nil
}

// AddFactor issues a share at the next unused index and hands it to the
// module for kind. The change is staged until CommitChanges.
func (k *KeyManager) AddFactor(ctx context.Context, kind interfaces.FactorKind, payload factors.Payload) (*Enrolled, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if err := k.requireSessionLocked(); err != nil {
		return nil, err
	}
	m, err := k.modules.Module(kind)
	if err != nil {
		return nil, err
	}
	if device, ok := m.(*factors.DeviceModule); ok {
		for _, desc := range k.record.Descriptions {
			if desc.Module == interfaces.FactorDevice && desc.Data[interfaces.DescriptionFingerprint] == device.Fingerprint() {
				return nil, fmt.Errorf("%w: device %s is already enrolled", interfaces.ErrConfiguration, device.Fingerprint())
			}
		}
	}

	index := new(big.Int).SetUint64(k.record.NextIndex)
	share, err := sharing.IssueAdditionalShare(k.session, index)
	if err != nil {
		return nil, err
	}
	enrollment, err := m.Produce(ctx, k.envLocked(), share, payload)
	if err != nil {
		sharing.Wipe(share.Value)
		return nil, err
	}

	next := withMaps(k.record.Clone())
	next.NextIndex++
	applyEnrollment(next, index, enrollment)
	if err := k.stageLocked(next, []*factors.Enrollment{enrollment}); err != nil {
		return nil, err
	}
	k.record = next
	k.supplied[share.Key()] = share
	if kind == interfaces.FactorDevice {
		k.deviceSync = true
	}

	k.log.Info("Factor added", slog.String("kind", kind.String()), slog.String("index", share.Key()))
	return &Enrolled{Index: index, Export: enrollment.Export}, nil
}

// DeleteFactor removes the share at index and refreshes every remaining
// share onto a new polynomial of the next generation, so the removed share
// no longer combines with anything.
func (k *KeyManager) DeleteFactor(ctx context.Context, index *big.Int) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if err := k.requireSessionLocked(); err != nil {
		return err
	}
	if err := k.store.RequireSynced(ctx); err != nil {
		return err
	}

	removedKey := interfaces.IndexKey(index)
	removed, ok := k.record.Descriptions[removedKey]
	if !ok {
		return fmt.Errorf("%w: index %s", interfaces.ErrShareNotFound, removedKey)
	}
	if len(k.record.Descriptions)-1 < k.record.Threshold {
		return fmt.Errorf("%w: deleting index %s would leave fewer than %d shares",
			interfaces.ErrConfiguration, removedKey, k.record.Threshold)
	}

	var remaining []*big.Int
	for _, key := range sortedIndices(k.record) {
		if key == removedKey {
			continue
		}
		idx, _ := new(big.Int).SetString(key, 16)
		remaining = append(remaining, idx)
	}

	refreshed, fresh, err := sharing.Refresh(k.session, remaining)
	if err != nil {
		return err
	}
	encoded, err := refreshed.Commitments().Strings()
	if err != nil {
		refreshed.Wipe()
		return err
	}

	next := withMaps(k.record.Clone())
	next.Generation++
	next.Commitments = encoded
	delete(next.Descriptions, removedKey)
	delete(next.Material, removedKey)
	env := k.envFor(next.Generation, refreshed.Commitments())

	var enrollments []*factors.Enrollment
	for i, idx := range remaining {
		key := interfaces.IndexKey(idx)
		desc := next.Descriptions[key]
		m, err := k.modules.Module(desc.Module)
		if err != nil {
			// No module here to carry the share over; mark it for re-export.
			next.Descriptions[key] = markStale(desc)
			continue
		}
		old, err := k.session.ShareAt(idx)
		if err != nil {
			refreshed.Wipe()
			return err
		}
		enrollment, err := m.Reissue(ctx, env, old, fresh[i], desc, next.Material[key])
		sharing.Wipe(old.Value)
		if err != nil {
			refreshed.Wipe()
			return fmt.Errorf("failed to reissue %s share at %s: %w", desc.Module, key, err)
		}
		applyEnrollment(next, idx, enrollment)
		enrollments = append(enrollments, enrollment)
	}

	revocation, err := k.revokeLocked(ctx, env, removed, k.record.Material[removedKey])
	if err != nil {
		refreshed.Wipe()
		return err
	}
	enrollments = append(enrollments, revocation...)

	if err := k.stageLocked(next, enrollments); err != nil {
		refreshed.Wipe()
		return err
	}

	k.session.Wipe()
	k.session = refreshed
	k.commitments = refreshed.Commitments()
	k.record = next
	for key, s := range k.supplied {
		sharing.Wipe(s.Value)
		delete(k.supplied, key)
	}
	for _, s := range fresh {
		k.supplied[s.Key()] = s
	}

	k.log.Info("Factor deleted, shares refreshed",
		slog.String("index", removedKey),
		slog.String("kind", removed.Module.String()),
		slog.Uint64("generation", next.Generation))
	return nil
}

// revokeLocked collects the writes that disable a removed share's remote
// material and, for this device's own share, the local deletion.
func (k *KeyManager) revokeLocked(ctx context.Context, env *factors.Env, desc interfaces.ShareDescription, material []byte) ([]*factors.Enrollment, error) {
	m, err := k.modules.Module(desc.Module)
	if err != nil {
		return nil, nil
	}
	var out []*factors.Enrollment
	if r, ok := m.(factors.Revoker); ok {
		aux, err := r.Revoke(ctx, env, desc, material)
		if err != nil {
			return nil, fmt.Errorf("failed to revoke %s share: %w", desc.Module, err)
		}
		out = append(out, &factors.Enrollment{AuxRecords: aux})
	}
	if device, ok := m.(*factors.DeviceModule); ok && desc.Data[interfaces.DescriptionFingerprint] == device.Fingerprint() {
		out = append(out, &factors.Enrollment{Commit: func(ctx context.Context) error {
			return device.Forget(ctx, k.id)
		}})
		k.deviceSync = false
	}
	return out, nil
}

// ChangeFactor re-enrolls the share at index with a new payload, keeping
// the index. A password change is the usual case.
func (k *KeyManager) ChangeFactor(ctx context.Context, index *big.Int, payload factors.Payload) (*Enrolled, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if err := k.requireSessionLocked(); err != nil {
		return nil, err
	}
	if err := k.store.RequireSynced(ctx); err != nil {
		return nil, err
	}

	key := interfaces.IndexKey(index)
	desc, ok := k.record.Descriptions[key]
	if !ok {
		return nil, fmt.Errorf("%w: index %s", interfaces.ErrShareNotFound, key)
	}
	m, err := k.modules.Module(desc.Module)
	if err != nil {
		return nil, err
	}
	share, err := k.session.ShareAt(index)
	if err != nil {
		return nil, err
	}
	defer sharing.Wipe(share.Value)

	env := k.envLocked()
	enrollment, err := m.Produce(ctx, env, share, payload)
	if err != nil {
		return nil, err
	}
	revocation, err := k.revokeLocked(ctx, env, desc, k.record.Material[key])
	if err != nil {
		return nil, err
	}
	// The re-enrolled device writes its share after the revocation's forget.
	enrollments := append(revocation, enrollment)

	next := withMaps(k.record.Clone())
	applyEnrollment(next, index, enrollment)
	if err := k.stageLocked(next, enrollments); err != nil {
		return nil, err
	}
	k.record = next
	if desc.Module == interfaces.FactorDevice {
		k.deviceSync = true
	}

	k.log.Info("Factor changed", slog.String("kind", desc.Module.String()), slog.String("index", key))
	return &Enrolled{Index: new(big.Int).Set(index), Export: enrollment.Export}, nil
}

// ExportFactor renders an offline share again: the mnemonic phrase, or a
// fresh guardian split for a social share. It clears the stale mark left by
// a refresh.
func (k *KeyManager) ExportFactor(ctx context.Context, index *big.Int) ([]string, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if err := k.requireSessionLocked(); err != nil {
		return nil, err
	}

	key := interfaces.IndexKey(index)
	desc, ok := k.record.Descriptions[key]
	if !ok {
		return nil, fmt.Errorf("%w: index %s", interfaces.ErrShareNotFound, key)
	}

	var payload factors.Payload
	switch desc.Module {
	case interfaces.FactorMnemonic:
		payload = factors.MnemonicPayload{}
	case interfaces.FactorSocial:
		guardians, _ := strconv.Atoi(desc.Data["guardians"])
		threshold, _ := strconv.Atoi(desc.Data["threshold"])
		payload = factors.SocialPayload{Guardians: guardians, Threshold: threshold}
	default:
		return nil, fmt.Errorf("%w: %s shares cannot be exported", interfaces.ErrConfiguration, desc.Module)
	}

	m, err := k.modules.Module(desc.Module)
	if err != nil {
		return nil, err
	}
	share, err := k.session.ShareAt(index)
	if err != nil {
		return nil, err
	}
	defer sharing.Wipe(share.Value)

	enrollment, err := m.Produce(ctx, k.envLocked(), share, payload)
	if err != nil {
		return nil, err
	}

	if desc.Data[interfaces.DescriptionStale] != "" {
		next := withMaps(k.record.Clone())
		enrollment.Description.Date = desc.Date
		applyEnrollment(next, index, enrollment)
		if err := k.stageLocked(next, nil); err != nil {
			return nil, err
		}
		k.record = next
	}
	return enrollment.Export, nil
}

// InputFactor recovers a share from user input for a factor of kind and
// feeds it to reconstruction. Wrong input changes nothing.
func (k *KeyManager) InputFactor(ctx context.Context, kind interfaces.FactorKind, payload factors.Payload) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.record == nil {
		return interfaces.ErrNotInitialized
	}
	m, err := k.modules.Module(kind)
	if err != nil {
		return err
	}

	var candidates []string
	enrolled := false
	for _, key := range sortedIndices(k.record) {
		if k.record.Descriptions[key].Module != kind {
			continue
		}
		enrolled = true
		if _, held := k.supplied[key]; !held {
			candidates = append(candidates, key)
		}
	}
	if !enrolled {
		return fmt.Errorf("%w: no %s share is enrolled", interfaces.ErrFactorNotFound, kind)
	}
	if len(candidates) == 0 {
		return nil
	}

	env := k.envLocked()
	var lastErr error
	for _, key := range candidates {
		index, _ := new(big.Int).SetString(key, 16)
		share, err := m.Recover(ctx, env, index, k.record.Descriptions[key], k.record.Material[key], payload)
		if err != nil {
			if errors.Is(err, interfaces.ErrUserCancelled) {
				return err
			}
			lastErr = err
			continue
		}
		err = k.supplyLocked(share)
		sharing.Wipe(share.Value)
		if err != nil {
			lastErr = err
			continue
		}
		return k.tryReconstructLocked(ctx)
	}

	k.log.Debug("Factor input rejected", slog.String("kind", kind.String()), "err", lastErr)
	return lastErr
}

// Reset tombstones the key record and forgets the local device share. The
// next Initialize for the same identity creates a new key.
func (k *KeyManager) Reset(ctx context.Context) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.record == nil {
		return interfaces.ErrNotInitialized
	}

	tombstone := k.record.Tombstone()
	k.store.Discard()
	if err := k.store.Stage(k.postbox, tombstone); err != nil {
		return err
	}
	if err := k.store.Flush(ctx); err != nil {
		return fmt.Errorf("failed to write reset marker: %w", err)
	}

	if m, err := k.modules.Module(interfaces.FactorDevice); err == nil {
		if device, ok := m.(*factors.DeviceModule); ok {
			if err := device.Forget(ctx, k.id); err != nil {
				k.log.Warn("Failed to remove local device share", "err", err)
			}
		}
	}

	k.log.Info("Key reset", slog.Uint64("generation", tombstone.Generation))
	k.resetLocked()
	return nil
}

func markStale(desc interfaces.ShareDescription) interfaces.ShareDescription {
	data := make(map[string]string, len(desc.Data)+1)
	for key, v := range desc.Data {
		data[key] = v
	}
	data[interfaces.DescriptionStale] = "true"
	desc.Data = data
	return desc
}
