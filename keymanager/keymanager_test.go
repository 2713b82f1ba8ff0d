package keymanager

import (
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"io"
	"log/slog"
	"math/big"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/ruteri/threshold-key-manager/cryptoutils"
	"github.com/ruteri/threshold-key-manager/factors"
	"github.com/ruteri/threshold-key-manager/interfaces"
	"github.com/ruteri/threshold-key-manager/metadata"
	"github.com/ruteri/threshold-key-manager/storage"
)

var fastKDF = cryptoutils.KDFParams{Time: 1, MemoryKiB: 8, Threads: 1}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// countingTransport counts metadata writes.
type countingTransport struct {
	inner interfaces.MetadataTransport

	mu      sync.Mutex
	batches int
}

func (t *countingTransport) Get(ctx context.Context, id interfaces.PublicID) (*interfaces.RecordEnvelope, error) {
	return t.inner.Get(ctx, id)
}

func (t *countingTransport) SetBatch(ctx context.Context, writes []interfaces.SetRequest) error {
	t.mu.Lock()
	t.batches++
	t.mu.Unlock()
	return t.inner.SetBatch(ctx, writes)
}

func (t *countingTransport) writes() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.batches
}

type world struct {
	transport *countingTransport
	postbox   *ecdsa.PrivateKey
}

func newWorld(t *testing.T) *world {
	t.Helper()
	postbox, err := cryptoutils.GenerateKey()
	require.NoError(t, err)
	service := metadata.NewService(storage.NewMemoryBackend("test", testLogger()), testLogger())
	return &world{transport: &countingTransport{inner: service}, postbox: postbox}
}

// device opens a key manager as seen from one device.
func (w *world) device(t *testing.T, store interfaces.DeviceStorage, fingerprint string, extra ...factors.Module) *KeyManager {
	t.Helper()
	modules := []factors.Module{
		factors.NewDeviceModule(store, fingerprint),
		factors.NewOracleShareModule(),
		factors.NewPasswordModule(fastKDF),
		factors.NewMnemonicModule(),
		factors.NewSocialModule(),
	}
	registry, err := factors.NewRegistry(append(modules, extra...)...)
	require.NoError(t, err)

	km, err := New(Config{
		PostboxKey: w.postbox,
		Store:      metadata.NewClient(w.transport, testLogger()),
		Modules:    registry,
		Log:        testLogger(),
	})
	require.NoError(t, err)
	return km
}

func details(t *testing.T, km *KeyManager) *interfaces.KeyDetails {
	t.Helper()
	d, err := km.GetKeyDetails()
	require.NoError(t, err)
	return d
}

func indexOf(t *testing.T, d *interfaces.KeyDetails, kind interfaces.FactorKind) *big.Int {
	t.Helper()
	for key, desc := range d.ShareDescriptions {
		if desc.Module == kind {
			idx, ok := new(big.Int).SetString(key, 16)
			require.True(t, ok)
			return idx
		}
	}
	t.Fatalf("no %s share enrolled", kind)
	return nil
}

// enrollTwoOfThree leaves a committed key held by device, password and
// mnemonic at threshold 2, and returns the mnemonic phrase.
func enrollTwoOfThree(t *testing.T, km *KeyManager) string {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, km.Initialize(ctx, false))

	_, err := km.AddFactor(ctx, interfaces.FactorPassword, factors.PasswordPayload{Answer: "hunter2"})
	require.NoError(t, err)
	require.NoError(t, km.DeleteFactor(ctx, indexOf(t, details(t, km), interfaces.FactorOracle)))

	enrolled, err := km.AddFactor(ctx, interfaces.FactorMnemonic, factors.MnemonicPayload{})
	require.NoError(t, err)
	require.Len(t, enrolled.Export, 1)
	require.NoError(t, km.CommitChanges(ctx))
	return enrolled.Export[0]
}

func TestInitialize_NewKey(t *testing.T) {
	ctx := context.Background()
	w := newWorld(t)
	km := w.device(t, factors.NewMemoryDeviceStorage(), "laptop")

	require.NoError(t, km.Initialize(ctx, false))

	d := details(t, km)
	assert.Equal(t, 0, d.RequiredShares, "A new key is reconstructed immediately")
	assert.Equal(t, 2, d.Threshold)
	assert.Equal(t, 2, d.TotalShares)
	assert.ElementsMatch(t, []interfaces.FactorKind{interfaces.FactorDevice, interfaces.FactorOracle}, d.AvailableKinds())
	assert.NotEmpty(t, d.PublicKey)
	assert.Equal(t, StateDirty, km.State())
	assert.Equal(t, 0, w.transport.writes(), "Creating a key does not flush on its own")

	require.NoError(t, km.CommitChanges(ctx))
	assert.Equal(t, 1, w.transport.writes(), "First commit performs one write")
	require.NoError(t, km.CommitChanges(ctx))
	assert.Equal(t, 1, w.transport.writes(), "Second commit without mutations performs none")
	assert.Equal(t, StateReconstructed, km.State())
}

func TestGetKeyDetails_BeforeInitialize(t *testing.T) {
	w := newWorld(t)
	km := w.device(t, factors.NewMemoryDeviceStorage(), "laptop")
	_, err := km.GetKeyDetails()
	assert.ErrorIs(t, err, interfaces.ErrNotInitialized)
}

func TestInitialize_NeverCreateNew(t *testing.T) {
	w := newWorld(t)
	km := w.device(t, factors.NewMemoryDeviceStorage(), "laptop")
	err := km.Initialize(context.Background(), true)
	assert.ErrorIs(t, err, interfaces.ErrKeyNotFound)
	assert.Equal(t, StateUninitialized, km.State())
	assert.Equal(t, 0, w.transport.writes())
}

func TestReturningDevice_ReconstructsSilently(t *testing.T) {
	ctx := context.Background()
	w := newWorld(t)
	store := factors.NewMemoryDeviceStorage()

	first := w.device(t, store, "laptop")
	require.NoError(t, first.Initialize(ctx, false))
	require.NoError(t, first.CommitChanges(ctx))
	secret, err := first.Secret()
	require.NoError(t, err)
	first.Close()

	again := w.device(t, store, "laptop")
	require.NoError(t, again.Initialize(ctx, true))
	assert.Equal(t, 0, details(t, again).RequiredShares, "Device and oracle shares reconstruct without input")
	got, err := again.Secret()
	require.NoError(t, err)
	assert.Equal(t, 0, secret.Cmp(got))
}

func TestScenario_PasswordCompletesReconstruction(t *testing.T) {
	ctx := context.Background()
	w := newWorld(t)
	store := factors.NewMemoryDeviceStorage()

	setup := w.device(t, store, "laptop")
	enrollTwoOfThree(t, setup)
	d := details(t, setup)
	assert.Equal(t, 3, d.TotalShares)
	assert.ElementsMatch(t, []interfaces.FactorKind{interfaces.FactorDevice, interfaces.FactorPassword, interfaces.FactorMnemonic}, d.AvailableKinds())
	secret, err := setup.Secret()
	require.NoError(t, err)
	setup.Close()

	km := w.device(t, store, "laptop")
	require.NoError(t, km.Initialize(ctx, true))
	assert.Equal(t, 1, details(t, km).RequiredShares, "Device share alone is one short")
	assert.Equal(t, StateWaitingForShares, km.State())
	_, err = km.Secret()
	assert.ErrorIs(t, err, interfaces.ErrNotReconstructed)

	require.NoError(t, km.InputFactor(ctx, interfaces.FactorPassword, factors.PasswordPayload{Answer: "hunter2"}))
	assert.Equal(t, 0, details(t, km).RequiredShares)
	got, err := km.Secret()
	require.NoError(t, err)
	assert.Equal(t, 0, secret.Cmp(got))
}

func TestScenario_WrongPasswordsStayLocal(t *testing.T) {
	ctx := context.Background()
	w := newWorld(t)
	store := factors.NewMemoryDeviceStorage()
	enrollTwoOfThree(t, w.device(t, store, "laptop"))

	km := w.device(t, store, "laptop")
	require.NoError(t, km.Initialize(ctx, true))
	writes := w.transport.writes()

	for i := 0; i < 5; i++ {
		err := km.InputFactor(ctx, interfaces.FactorPassword, factors.PasswordPayload{Answer: "hunter3"})
		assert.ErrorIs(t, err, interfaces.ErrDecryptionFailed, "Attempt %d should fail", i+1)
		assert.Equal(t, 1, details(t, km).RequiredShares, "A wrong password must not count as a share")
	}
	assert.Equal(t, writes, w.transport.writes(), "Wrong attempts never reach the metadata service")

	require.NoError(t, km.InputFactor(ctx, interfaces.FactorPassword, factors.PasswordPayload{Answer: "hunter2"}),
		"No lockout after failed attempts")
	assert.Equal(t, 0, details(t, km).RequiredShares)
}

func TestNewDevice_PasswordAndMnemonic(t *testing.T) {
	ctx := context.Background()
	w := newWorld(t)
	phrase := enrollTwoOfThree(t, w.device(t, factors.NewMemoryDeviceStorage(), "laptop"))

	km := w.device(t, factors.NewMemoryDeviceStorage(), "phone")
	require.NoError(t, km.Initialize(ctx, true))
	assert.Equal(t, 2, details(t, km).RequiredShares)

	require.NoError(t, km.InputFactor(ctx, interfaces.FactorMnemonic, factors.MnemonicPayload{Phrase: phrase}))
	require.NoError(t, km.InputFactor(ctx, interfaces.FactorMnemonic, factors.MnemonicPayload{Phrase: phrase}),
		"Supplying the same share twice is a no-op")
	assert.Equal(t, 1, details(t, km).RequiredShares)

	require.NoError(t, km.InputFactor(ctx, interfaces.FactorPassword, factors.PasswordPayload{Answer: "hunter2"}))
	assert.Equal(t, 0, details(t, km).RequiredShares)

	enrolled, err := km.AddFactor(ctx, interfaces.FactorDevice, factors.DevicePayload{})
	require.NoError(t, err)
	assert.Equal(t, int64(5), enrolled.Index.Int64(), "Indices are never reused")
	require.NoError(t, km.CommitChanges(ctx))
	assert.Equal(t, 4, details(t, km).TotalShares)
}

func TestDeviceShareIsRestored(t *testing.T) {
	ctx := context.Background()
	w := newWorld(t)
	store := factors.NewMemoryDeviceStorage()
	phrase := enrollTwoOfThree(t, w.device(t, store, "laptop"))
	id := cryptoutils.PublicIDFromKey(&w.postbox.PublicKey)
	require.NoError(t, store.Delete(ctx, id))

	km := w.device(t, store, "laptop")
	require.NoError(t, km.Initialize(ctx, true))
	assert.Equal(t, 2, details(t, km).RequiredShares)
	require.NoError(t, km.InputFactor(ctx, interfaces.FactorPassword, factors.PasswordPayload{Answer: "hunter2"}))
	require.NoError(t, km.InputFactor(ctx, interfaces.FactorMnemonic, factors.MnemonicPayload{Phrase: phrase}))
	assert.Equal(t, 0, details(t, km).RequiredShares)
	km.Close()

	_, err := store.Load(ctx, id)
	require.NoError(t, err, "The listed device gets its share back after reconstruction")

	again := w.device(t, store, "laptop")
	require.NoError(t, again.Initialize(ctx, true))
	assert.Equal(t, 1, details(t, again).RequiredShares, "The restored device share counts again")
}

func TestDeleteFactor_SupersedesShares(t *testing.T) {
	ctx := context.Background()
	w := newWorld(t)
	store := factors.NewMemoryDeviceStorage()
	km := w.device(t, store, "laptop")
	oldPhrase := enrollTwoOfThree(t, km)

	before := details(t, km)
	secret, err := km.Secret()
	require.NoError(t, err)

	_, err = km.AddFactor(ctx, interfaces.FactorPassword, factors.PasswordPayload{Question: "city?", Answer: "paris"})
	require.NoError(t, err)
	passwordIdx := indexOf(t, before, interfaces.FactorPassword)
	require.NoError(t, km.DeleteFactor(ctx, passwordIdx))
	require.NoError(t, km.CommitChanges(ctx))

	after := details(t, km)
	assert.Equal(t, before.Generation+1, after.Generation)
	assert.Equal(t, before.PublicKey, after.PublicKey, "Refresh preserves the secret")
	_, present := after.ShareDescriptions[interfaces.IndexKey(passwordIdx)]
	assert.False(t, present)
	got, err := km.Secret()
	require.NoError(t, err)
	assert.Equal(t, 0, secret.Cmp(got))

	mnemonicIdx := indexOf(t, after, interfaces.FactorMnemonic)
	assert.Equal(t, "true", after.ShareDescriptions[interfaces.IndexKey(mnemonicIdx)].Data[interfaces.DescriptionStale])
	oldShare, err := factors.DecodeMnemonic(oldPhrase)
	require.NoError(t, err)
	assert.ErrorIs(t, km.SupplyShare(ctx, oldShare), interfaces.ErrInvalidShare, "Superseded share must be rejected")

	export, err := km.ExportFactor(ctx, mnemonicIdx)
	require.NoError(t, err)
	require.Len(t, export, 1)
	assert.NotEqual(t, oldPhrase, export[0])
	require.NoError(t, km.CommitChanges(ctx))
	_, stale := details(t, km).ShareDescriptions[interfaces.IndexKey(mnemonicIdx)].Data[interfaces.DescriptionStale]
	assert.False(t, stale, "Export clears the stale mark")
	km.Close()

	// The refreshed device share, the kept password and the new phrase all work.
	next := w.device(t, store, "laptop")
	require.NoError(t, next.Initialize(ctx, true))
	assert.Equal(t, 1, details(t, next).RequiredShares)
	require.NoError(t, next.InputFactor(ctx, interfaces.FactorPassword, factors.PasswordPayload{Question: "city?", Answer: "paris"}))
	assert.Equal(t, 0, details(t, next).RequiredShares)

	fresh := w.device(t, factors.NewMemoryDeviceStorage(), "phone")
	require.NoError(t, fresh.Initialize(ctx, true))
	require.NoError(t, fresh.InputFactor(ctx, interfaces.FactorMnemonic, factors.MnemonicPayload{Phrase: export[0]}))
	assert.ErrorIs(t, fresh.InputFactor(ctx, interfaces.FactorPassword, factors.PasswordPayload{Answer: "hunter2"}),
		interfaces.ErrWrongPassword, "The deleted password no longer opens any share")
}

func TestDeleteFactor_KeepsThreshold(t *testing.T) {
	ctx := context.Background()
	w := newWorld(t)
	km := w.device(t, factors.NewMemoryDeviceStorage(), "laptop")
	require.NoError(t, km.Initialize(ctx, false))

	err := km.DeleteFactor(ctx, big.NewInt(2))
	assert.ErrorIs(t, err, interfaces.ErrConfiguration, "Cannot drop below the threshold")
	err = km.DeleteFactor(ctx, big.NewInt(9))
	assert.ErrorIs(t, err, interfaces.ErrShareNotFound)
}

func TestChangeFactor_Password(t *testing.T) {
	ctx := context.Background()
	w := newWorld(t)
	store := factors.NewMemoryDeviceStorage()
	km := w.device(t, store, "laptop")
	enrollTwoOfThree(t, km)

	idx := indexOf(t, details(t, km), interfaces.FactorPassword)
	changed, err := km.ChangeFactor(ctx, idx, factors.PasswordPayload{Answer: "correct horse"})
	require.NoError(t, err)
	assert.Equal(t, 0, idx.Cmp(changed.Index), "Change keeps the index")
	require.NoError(t, km.CommitChanges(ctx))
	km.Close()

	next := w.device(t, store, "laptop")
	require.NoError(t, next.Initialize(ctx, true))
	assert.ErrorIs(t, next.InputFactor(ctx, interfaces.FactorPassword, factors.PasswordPayload{Answer: "hunter2"}),
		interfaces.ErrWrongPassword)
	require.NoError(t, next.InputFactor(ctx, interfaces.FactorPassword, factors.PasswordPayload{Answer: "correct horse"}))
}

func TestSocialFactor(t *testing.T) {
	ctx := context.Background()
	w := newWorld(t)
	km := w.device(t, factors.NewMemoryDeviceStorage(), "laptop")
	require.NoError(t, km.Initialize(ctx, false))

	enrolled, err := km.AddFactor(ctx, interfaces.FactorSocial, factors.SocialPayload{Guardians: 3, Threshold: 2})
	require.NoError(t, err)
	require.Len(t, enrolled.Export, 3)
	_, err = km.AddFactor(ctx, interfaces.FactorPassword, factors.PasswordPayload{Answer: "pw"})
	require.NoError(t, err)
	require.NoError(t, km.CommitChanges(ctx))

	fresh := w.device(t, factors.NewMemoryDeviceStorage(), "phone")
	require.NoError(t, fresh.Initialize(ctx, true))
	assert.Equal(t, 1, details(t, fresh).RequiredShares, "The oracle share is still enrolled")
	require.NoError(t, fresh.InputFactor(ctx, interfaces.FactorSocial, factors.SocialPayload{Parts: enrolled.Export[1:]}))
	assert.Equal(t, 0, details(t, fresh).RequiredShares)
}

func TestReset_StartsNewKey(t *testing.T) {
	ctx := context.Background()
	w := newWorld(t)
	store := factors.NewMemoryDeviceStorage()
	km := w.device(t, store, "laptop")
	phrase := enrollTwoOfThree(t, km)
	old := details(t, km)
	oldShare, err := store.Load(ctx, km.PublicID())
	require.NoError(t, err)

	require.NoError(t, km.Reset(ctx))
	assert.Equal(t, StateUninitialized, km.State())
	_, err = store.Load(ctx, km.PublicID())
	assert.ErrorIs(t, err, interfaces.ErrFactorNotFound, "Reset forgets the device share")

	strict := w.device(t, store, "laptop")
	assert.ErrorIs(t, strict.Initialize(ctx, true), interfaces.ErrKeyNotFound, "A reset key reads as absent")

	next := w.device(t, store, "laptop")
	require.NoError(t, next.Initialize(ctx, false))
	require.NoError(t, next.CommitChanges(ctx))
	d := details(t, next)
	assert.Equal(t, 0, d.RequiredShares)
	assert.Equal(t, old.Generation+1, d.Generation, "Reset keeps the counter, the new key takes the next generation")
	assert.NotEqual(t, old.PublicKey, d.PublicKey, "A brand-new key is created")

	assert.ErrorIs(t, next.SupplyShare(ctx, oldShare.Share), interfaces.ErrInvalidShare)
	oldMnemonic, err := factors.DecodeMnemonic(phrase)
	require.NoError(t, err)
	assert.Error(t, next.SupplyShare(ctx, oldMnemonic), "No share from the old key is accepted")
}

// mockModule is a factor module whose ceremony is driven by the test.
type mockModule struct {
	mock.Mock
}

func (m *mockModule) Kind() interfaces.FactorKind { return interfaces.FactorPasskey }

func (m *mockModule) Produce(ctx context.Context, env *factors.Env, share interfaces.Share, payload factors.Payload) (*factors.Enrollment, error) {
	args := m.Called(ctx, env, share, payload)
	enrollment, _ := args.Get(0).(*factors.Enrollment)
	return enrollment, args.Error(1)
}

func (m *mockModule) Describe(desc interfaces.ShareDescription) string { return "mock" }

func (m *mockModule) Recover(ctx context.Context, env *factors.Env, index *big.Int, desc interfaces.ShareDescription, material json.RawMessage, payload factors.Payload) (interfaces.Share, error) {
	args := m.Called(ctx, env, index, desc, material, payload)
	share, _ := args.Get(0).(interfaces.Share)
	return share, args.Error(1)
}

func (m *mockModule) Reissue(ctx context.Context, env *factors.Env, old, next interfaces.Share, desc interfaces.ShareDescription, material json.RawMessage) (*factors.Enrollment, error) {
	args := m.Called(ctx, env, old, next, desc, material)
	enrollment, _ := args.Get(0).(*factors.Enrollment)
	return enrollment, args.Error(1)
}

func TestCancelledCeremonyChangesNothing(t *testing.T) {
	ctx := context.Background()
	w := newWorld(t)
	passkey := &mockModule{}
	passkey.On("Produce", mock.Anything, mock.Anything, mock.Anything, mock.Anything).
		Return(nil, interfaces.ErrUserCancelled).Once()

	km := w.device(t, factors.NewMemoryDeviceStorage(), "laptop", passkey)
	require.NoError(t, km.Initialize(ctx, false))
	require.NoError(t, km.CommitChanges(ctx))
	before := details(t, km)

	_, err := km.AddFactor(ctx, interfaces.FactorPasskey, factors.PasskeyPayload{})
	assert.ErrorIs(t, err, interfaces.ErrUserCancelled)
	assert.Equal(t, interfaces.KindUserCancelled, interfaces.KindOf(err))
	assert.Equal(t, before, details(t, km), "Cancellation must not mutate key state")
	assert.Equal(t, StateReconstructed, km.State(), "Nothing is pending after a cancelled ceremony")

	enrolled, err := km.AddFactor(ctx, interfaces.FactorPassword, factors.PasswordPayload{Answer: "pw"})
	require.NoError(t, err)
	assert.Equal(t, int64(3), enrolled.Index.Int64(), "The cancelled attempt did not consume an index")
	passkey.AssertExpectations(t)
}

func TestClose_WipesSecret(t *testing.T) {
	ctx := context.Background()
	w := newWorld(t)
	km := w.device(t, factors.NewMemoryDeviceStorage(), "laptop")
	require.NoError(t, km.Initialize(ctx, false))
	km.Close()

	_, err := km.Secret()
	assert.ErrorIs(t, err, interfaces.ErrNotReconstructed)
	_, err = km.AddFactor(ctx, interfaces.FactorPassword, factors.PasswordPayload{Answer: "pw"})
	assert.ErrorIs(t, err, interfaces.ErrNotInitialized)
}
