package metadata

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ruteri/threshold-key-manager/cryptoutils"
	"github.com/ruteri/threshold-key-manager/interfaces"
	"github.com/ruteri/threshold-key-manager/storage"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// countingTransport records SetBatch calls and can be told to fail them.
type countingTransport struct {
	inner interfaces.MetadataTransport

	mu      sync.Mutex
	batches int
	fail    error
}

func (t *countingTransport) Get(ctx context.Context, id interfaces.PublicID) (*interfaces.RecordEnvelope, error) {
	return t.inner.Get(ctx, id)
}

func (t *countingTransport) SetBatch(ctx context.Context, writes []interfaces.SetRequest) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.batches++
	if t.fail != nil {
		return t.fail
	}
	return t.inner.SetBatch(ctx, writes)
}

func newTestService() *Service {
	return NewService(storage.NewMemoryBackend("test", testLogger()), testLogger())
}

func record(generation uint64) *interfaces.MetadataRecord {
	return &interfaces.MetadataRecord{Generation: generation, Threshold: 2, NextIndex: 3}
}

func TestClient_ThreeWayGet(t *testing.T) {
	ctx := context.Background()
	key, err := cryptoutils.GenerateKey()
	require.NoError(t, err)
	id := cryptoutils.PublicIDFromKey(&key.PublicKey)
	client := NewClient(newTestService(), testLogger())

	lookup, err := client.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, interfaces.RecordNotFound, lookup.Status)

	require.NoError(t, client.Set(ctx, key, record(1)))
	lookup, err = client.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, interfaces.RecordFound, lookup.Status)
	assert.Equal(t, uint64(1), lookup.Version)
	assert.Equal(t, 2, lookup.Record.Threshold)

	require.NoError(t, client.Set(ctx, key, lookup.Record.Tombstone()))
	lookup, err = client.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, interfaces.RecordTombstoned, lookup.Status)
	assert.Equal(t, uint64(1), lookup.Record.Generation, "Tombstone keeps the generation counter")
	assert.Equal(t, uint64(2), lookup.Version)
}

func TestClient_FlushIsIdempotent(t *testing.T) {
	ctx := context.Background()
	key, err := cryptoutils.GenerateKey()
	require.NoError(t, err)
	transport := &countingTransport{inner: newTestService()}
	client := NewClient(transport, testLogger())

	require.NoError(t, client.Stage(key, record(1)))
	require.NoError(t, client.Stage(key, record(2)))
	assert.Equal(t, 1, client.Pending(), "Restaging a record replaces its payload")

	require.NoError(t, client.Flush(ctx))
	assert.Equal(t, 1, transport.batches, "First flush performs one write")

	require.NoError(t, client.Flush(ctx))
	assert.Equal(t, 1, transport.batches, "Second flush without mutations performs no write")

	lookup, err := client.Get(ctx, cryptoutils.PublicIDFromKey(&key.PublicKey))
	require.NoError(t, err)
	assert.Equal(t, uint64(2), lookup.Record.Generation)
}

func TestClient_FailedFlushMarksDirty(t *testing.T) {
	ctx := context.Background()
	key, err := cryptoutils.GenerateKey()
	require.NoError(t, err)
	transport := &countingTransport{inner: newTestService(), fail: interfaces.ErrBackendUnavailable}
	client := NewClient(transport, testLogger())

	require.NoError(t, client.Stage(key, record(1)))
	err = client.Flush(ctx)
	assert.ErrorIs(t, err, interfaces.ErrDirtyState)
	assert.ErrorIs(t, err, interfaces.ErrNetwork)
	assert.True(t, client.Dirty())
	assert.Equal(t, 1, client.Pending(), "Pending writes survive a failed flush")

	transport.fail = nil
	require.NoError(t, client.RequireSynced(ctx))
	assert.False(t, client.Dirty())
	assert.Equal(t, 0, client.Pending())
	assert.Equal(t, 2, transport.batches)
}

func TestClient_ConcurrentCommitConflicts(t *testing.T) {
	ctx := context.Background()
	key, err := cryptoutils.GenerateKey()
	require.NoError(t, err)
	id := cryptoutils.PublicIDFromKey(&key.PublicKey)
	service := newTestService()

	first := NewClient(service, testLogger())
	second := NewClient(service, testLogger())
	require.NoError(t, first.Set(ctx, key, record(1)))

	_, err = first.Get(ctx, id)
	require.NoError(t, err)
	_, err = second.Get(ctx, id)
	require.NoError(t, err)

	require.NoError(t, first.Stage(key, record(2)))
	require.NoError(t, second.Stage(key, record(2)))

	require.NoError(t, first.Flush(ctx))
	err = second.Flush(ctx)
	assert.ErrorIs(t, err, interfaces.ErrVersionConflict, "The second writer must not overwrite the first")
	assert.True(t, second.Dirty())
}

func TestService_RejectsForeignSigner(t *testing.T) {
	ctx := context.Background()
	owner, err := cryptoutils.GenerateKey()
	require.NoError(t, err)
	attacker, err := cryptoutils.GenerateKey()
	require.NoError(t, err)
	service := newTestService()

	req, err := signWrite(attacker, cryptoutils.PublicIDFromKey(&owner.PublicKey), 0, []byte(`{"generation":1}`))
	require.NoError(t, err)
	err = service.SetBatch(ctx, []interfaces.SetRequest{*req})
	assert.ErrorIs(t, err, interfaces.ErrUnauthorizedWrite)
	assert.ErrorIs(t, err, interfaces.ErrAuthenticationFailed)

	req, err = signWrite(owner, cryptoutils.PublicIDFromKey(&owner.PublicKey), 0, []byte(`{"generation":1}`))
	require.NoError(t, err)
	req.Payload = []byte(`{"generation":7}`)
	err = service.SetBatch(ctx, []interfaces.SetRequest{*req})
	assert.ErrorIs(t, err, interfaces.ErrUnauthorizedWrite, "A signature over a different payload must not authorize the write")
}

func TestService_NamespacedOwnership(t *testing.T) {
	ctx := context.Background()
	owner, err := cryptoutils.GenerateKey()
	require.NoError(t, err)
	other, err := cryptoutils.GenerateKey()
	require.NoError(t, err)
	service := newTestService()
	id := interfaces.PublicID(interfaces.PasskeyRecordPrefix + cryptoutils.Keccak256Hex([]byte("credential")))

	req, err := signWrite(owner, id, 0, []byte(`{"blob":"a"}`))
	require.NoError(t, err)
	require.NoError(t, service.SetBatch(ctx, []interfaces.SetRequest{*req}))

	req, err = signWrite(other, id, 1, []byte(`{"blob":"b"}`))
	require.NoError(t, err)
	assert.ErrorIs(t, service.SetBatch(ctx, []interfaces.SetRequest{*req}), interfaces.ErrUnauthorizedWrite)

	req, err = signWrite(owner, id, 1, []byte(`{"blob":"c"}`))
	require.NoError(t, err)
	require.NoError(t, service.SetBatch(ctx, []interfaces.SetRequest{*req}))

	env, err := service.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), env.Version)
	assert.JSONEq(t, `{"blob":"c"}`, string(env.Payload))
}

func TestService_BatchIsValidatedBeforeWriting(t *testing.T) {
	ctx := context.Background()
	key, err := cryptoutils.GenerateKey()
	require.NoError(t, err)
	service := newTestService()
	id := cryptoutils.PublicIDFromKey(&key.PublicKey)
	aux := interfaces.PublicID(interfaces.PasskeyRecordPrefix + cryptoutils.Keccak256Hex([]byte("cred")))

	good, err := signWrite(key, aux, 0, []byte(`{"blob":"x"}`))
	require.NoError(t, err)
	stale, err := signWrite(key, id, 5, []byte(`{"generation":1}`))
	require.NoError(t, err)

	err = service.SetBatch(ctx, []interfaces.SetRequest{*good, *stale})
	assert.ErrorIs(t, err, interfaces.ErrVersionConflict)

	_, err = service.Get(ctx, aux)
	assert.ErrorIs(t, err, interfaces.ErrRecordNotFound, "No record of a rejected batch may be stored")
}

func TestService_GenerationNeverDecreases(t *testing.T) {
	ctx := context.Background()
	key, err := cryptoutils.GenerateKey()
	require.NoError(t, err)
	client := NewClient(newTestService(), testLogger())

	require.NoError(t, client.Set(ctx, key, record(3)))
	err = client.Set(ctx, key, record(2))
	assert.ErrorIs(t, err, interfaces.ErrStaleGeneration)
}

func TestService_InvalidID(t *testing.T) {
	_, err := newTestService().Get(context.Background(), "not-a-key")
	assert.ErrorIs(t, err, interfaces.ErrInvalidRecordID)
	assert.False(t, errors.Is(err, interfaces.ErrRecordNotFound))
}

// flakyBackend fails the first store of one record id.
type flakyBackend struct {
	interfaces.RecordBackend

	mu     sync.Mutex
	failID interfaces.PublicID
	failed bool
}

func (b *flakyBackend) Store(ctx context.Context, id interfaces.PublicID, data []byte) error {
	b.mu.Lock()
	if id == b.failID && !b.failed {
		b.failed = true
		b.mu.Unlock()
		return interfaces.ErrBackendUnavailable
	}
	b.mu.Unlock()
	return b.RecordBackend.Store(ctx, id, data)
}

func TestClient_RetryAfterPartialBatch(t *testing.T) {
	ctx := context.Background()
	key, err := cryptoutils.GenerateKey()
	require.NoError(t, err)
	id := cryptoutils.PublicIDFromKey(&key.PublicKey)
	aux := interfaces.PublicID(interfaces.PasskeyRecordPrefix + cryptoutils.Keccak256Hex([]byte("cred")))

	backend := &flakyBackend{RecordBackend: storage.NewMemoryBackend("test", testLogger()), failID: aux}
	service := NewService(backend, testLogger())
	client := NewClient(service, testLogger())

	require.NoError(t, client.Stage(key, record(1)))
	require.NoError(t, client.StageRecord(aux, key, map[string]string{"blob": "x"}))

	err = client.Flush(ctx)
	require.ErrorIs(t, err, interfaces.ErrDirtyState)
	assert.True(t, client.Dirty())

	env, err := service.Get(ctx, id)
	require.NoError(t, err, "The key record was stored before the failure")
	assert.Equal(t, uint64(1), env.Version)

	require.NoError(t, client.RequireSynced(ctx), "Retrying a partially stored batch succeeds")
	assert.False(t, client.Dirty())
	assert.Equal(t, 0, client.Pending())

	env, err = service.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), env.Version, "The already stored record is not written twice")
	env, err = service.Get(ctx, aux)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), env.Version)
	assert.JSONEq(t, `{"blob":"x"}`, string(env.Payload))

	require.NoError(t, client.Stage(key, record(2)))
	require.NoError(t, client.Flush(ctx))
	env, err = service.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), env.Version)
}

func TestService_ReplayNeedsIdenticalPayload(t *testing.T) {
	ctx := context.Background()
	key, err := cryptoutils.GenerateKey()
	require.NoError(t, err)
	service := newTestService()
	id := cryptoutils.PublicIDFromKey(&key.PublicKey)

	first, err := signWrite(key, id, 0, []byte(`{"generation":1}`))
	require.NoError(t, err)
	require.NoError(t, service.SetBatch(ctx, []interfaces.SetRequest{*first}))
	require.NoError(t, service.SetBatch(ctx, []interfaces.SetRequest{*first}), "Resending a stored write is accepted")

	other, err := signWrite(key, id, 0, []byte(`{"generation":2}`))
	require.NoError(t, err)
	assert.ErrorIs(t, service.SetBatch(ctx, []interfaces.SetRequest{*other}), interfaces.ErrVersionConflict)

	env, err := service.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), env.Version)
	assert.JSONEq(t, `{"generation":1}`, string(env.Payload))
}
