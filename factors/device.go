package factors

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"os"
	"runtime"

	"github.com/ruteri/threshold-key-manager/interfaces"
)

// DeviceModule keeps a share in local device storage. Recovery never
// touches the network, which is what makes silent re-login possible.
type DeviceModule struct {
	storage     interfaces.DeviceStorage
	fingerprint string
}

func NewDeviceModule(storage interfaces.DeviceStorage, fingerprint string) *DeviceModule {
	if fingerprint == "" {
		fingerprint = DefaultFingerprint()
	}
	return &DeviceModule{storage: storage, fingerprint: fingerprint}
}

// DefaultFingerprint identifies this machine for display purposes.
func DefaultFingerprint() string {
	host, err := os.Hostname()
	if err != nil {
		host = "unknown"
	}
	return fmt.Sprintf("%s/%s-%s", host, runtime.GOOS, runtime.GOARCH)
}

func (m *DeviceModule) Kind() interfaces.FactorKind { return interfaces.FactorDevice }

// Fingerprint is the tag this device writes into its descriptions.
func (m *DeviceModule) Fingerprint() string { return m.fingerprint }

func (m *DeviceModule) Produce(ctx context.Context, env *Env, share interfaces.Share, payload Payload) (*Enrollment, error) {
	if payload != nil {
		if err := checkPayload(interfaces.FactorDevice, payload); err != nil {
			return nil, err
		}
	}
	return m.enroll(env, share, map[string]string{interfaces.DescriptionFingerprint: m.fingerprint}), nil
}

func (m *DeviceModule) enroll(env *Env, share interfaces.Share, data map[string]string) *Enrollment {
	stored := &interfaces.DeviceShare{
		PublicID:    env.PublicID,
		Generation:  env.Generation,
		Share:       share.Clone(),
		Fingerprint: m.fingerprint,
	}
	return &Enrollment{
		Description: describe(interfaces.FactorDevice, data),
		Commit: func(ctx context.Context) error {
			return m.storage.Save(ctx, stored)
		},
	}
}

func (m *DeviceModule) Describe(desc interfaces.ShareDescription) string {
	return fmt.Sprintf("device %s", desc.Data[interfaces.DescriptionFingerprint])
}

// Recover loads the local share. Index is ignored: a device holds at most
// one share per key, and the caller checks which index it carries.
func (m *DeviceModule) Recover(ctx context.Context, env *Env, index *big.Int, desc interfaces.ShareDescription, material json.RawMessage, payload Payload) (interfaces.Share, error) {
	stored, err := m.storage.Load(ctx, env.PublicID)
	if err != nil {
		return interfaces.Share{}, err
	}
	if stored.Generation != env.Generation {
		return interfaces.Share{}, fmt.Errorf("%w: device holds generation %d, key is at %d",
			interfaces.ErrStaleGeneration, stored.Generation, env.Generation)
	}
	return stored.Share, nil
}

// Reissue overwrites the local share, but only if this device is the one
// holding the index. Shares of other devices go stale and are re-enrolled
// when those devices next log in.
func (m *DeviceModule) Reissue(ctx context.Context, env *Env, old, next interfaces.Share, desc interfaces.ShareDescription, material json.RawMessage) (*Enrollment, error) {
	if desc.Data[interfaces.DescriptionFingerprint] != m.fingerprint {
		return &Enrollment{Description: staleDescription(desc)}, nil
	}
	return m.enroll(env, next, desc.Data), nil
}

// Forget removes the local share, e.g. after an account reset.
func (m *DeviceModule) Forget(ctx context.Context, id interfaces.PublicID) error {
	return m.storage.Delete(ctx, id)
}
