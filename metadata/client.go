package metadata

import (
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"go.uber.org/atomic"

	"github.com/ruteri/threshold-key-manager/cryptoutils"
	"github.com/ruteri/threshold-key-manager/interfaces"
)

// Client reads metadata records and buffers local mutations until Flush.
//
// Staged writes are kept in a pending list in the order they were first
// staged; staging the same record again replaces its payload. Flush sends
// the whole list as one SetBatch call. A failed flush keeps the list and
// marks the client dirty until a later flush succeeds.
type Client struct {
	transport interfaces.MetadataTransport
	log       *slog.Logger

	mu       sync.Mutex
	pending  []*pendingWrite
	versions map[interfaces.PublicID]uint64
	dirty    atomic.Bool
}

type pendingWrite struct {
	id      interfaces.PublicID
	payload json.RawMessage
	signer  *ecdsa.PrivateKey
}

func NewClient(transport interfaces.MetadataTransport, log *slog.Logger) *Client {
	if log == nil {
		log = slog.Default()
	}
	return &Client{
		transport: transport,
		log:       log,
		versions:  make(map[interfaces.PublicID]uint64),
	}
}

// Get reads the key record filed under id and classifies it as found, not
// found or tombstoned.
func (c *Client) Get(ctx context.Context, id interfaces.PublicID) (*interfaces.Lookup, error) {
	env, err := c.GetEnvelope(ctx, id)
	if errors.Is(err, interfaces.ErrRecordNotFound) {
		return &interfaces.Lookup{Status: interfaces.RecordNotFound}, nil
	}
	if err != nil {
		return nil, err
	}

	var record interfaces.MetadataRecord
	if err := json.Unmarshal(env.Payload, &record); err != nil {
		return nil, fmt.Errorf("%w: metadata record for %s is malformed: %v", interfaces.ErrCorruptShare, id, err)
	}

	lookup := &interfaces.Lookup{Status: interfaces.RecordFound, Version: env.Version, Record: &record}
	if record.IsTombstone() {
		lookup.Status = interfaces.RecordTombstoned
	}
	return lookup, nil
}

// GetEnvelope reads any record, including namespaced auxiliary records, and
// remembers its version for the next write.
func (c *Client) GetEnvelope(ctx context.Context, id interfaces.PublicID) (*interfaces.RecordEnvelope, error) {
	env, err := c.transport.Get(ctx, id)
	if err != nil {
		if errors.Is(err, interfaces.ErrRecordNotFound) {
			c.rememberVersion(id, 0)
		}
		return nil, err
	}
	c.rememberVersion(id, env.Version)
	return env, nil
}

func (c *Client) rememberVersion(id interfaces.PublicID, version uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	// Staged writes were computed against the version already known.
	if c.hasPendingLocked(id) {
		return
	}
	c.versions[id] = version
}

// Set writes payload under the record id derived from key immediately,
// bypassing the pending list.
func (c *Client) Set(ctx context.Context, key *ecdsa.PrivateKey, payload any) error {
	id := cryptoutils.PublicIDFromKey(&key.PublicKey)
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to encode payload: %w", err)
	}

	c.mu.Lock()
	expected := c.versions[id]
	c.mu.Unlock()

	req, err := signWrite(key, id, expected, raw)
	if err != nil {
		return err
	}
	if err := c.transport.SetBatch(ctx, []interfaces.SetRequest{*req}); err != nil {
		return err
	}

	c.mu.Lock()
	c.versions[id] = expected + 1
	c.mu.Unlock()
	return nil
}

// Stage buffers a write of payload under the record id derived from key.
func (c *Client) Stage(key *ecdsa.PrivateKey, payload any) error {
	return c.StageRecord(cryptoutils.PublicIDFromKey(&key.PublicKey), key, payload)
}

// StageRecord buffers a write of payload under an explicit record id. The
// record must have been read with GetEnvelope first unless it is new.
func (c *Client) StageRecord(id interfaces.PublicID, key *ecdsa.PrivateKey, payload any) error {
	if err := id.Validate(); err != nil {
		return err
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to encode payload: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	for _, p := range c.pending {
		if p.id == id {
			p.payload = raw
			p.signer = key
			return nil
		}
	}
	c.pending = append(c.pending, &pendingWrite{id: id, payload: raw, signer: key})
	return nil
}

// Flush sends all pending writes as one batch. It is a no-op without
// pending writes.
func (c *Client) Flush(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.pending) == 0 {
		return nil
	}

	batch := make([]interfaces.SetRequest, 0, len(c.pending))
	for _, p := range c.pending {
		req, err := signWrite(p.signer, p.id, c.versions[p.id], p.payload)
		if err != nil {
			c.dirty.Store(true)
			return err
		}
		batch = append(batch, *req)
	}

	if err := c.transport.SetBatch(ctx, batch); err != nil {
		c.dirty.Store(true)
		c.log.Warn("Metadata flush failed, keeping pending writes",
			slog.Int("pending", len(c.pending)),
			"err", err)
		return fmt.Errorf("%w: %w", interfaces.ErrDirtyState, err)
	}

	for _, req := range batch {
		c.versions[req.ID] = req.ExpectedVersion + 1
	}
	c.pending = nil
	c.dirty.Store(false)
	c.log.Debug("Flushed metadata", slog.Int("records", len(batch)))
	return nil
}

// Dirty reports whether the last flush failed and writes are still pending.
func (c *Client) Dirty() bool {
	return c.dirty.Load()
}

// Pending returns the number of staged records.
func (c *Client) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// RequireSynced retries a failed flush. Operations that depend on the server
// holding the latest state call it before proceeding.
func (c *Client) RequireSynced(ctx context.Context) error {
	if !c.Dirty() {
		return nil
	}
	return c.Flush(ctx)
}

// Discard drops pending writes. Known versions stay valid since nothing
// was written.
func (c *Client) Discard() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pending = nil
	c.dirty.Store(false)
}

func (c *Client) hasPendingLocked(id interfaces.PublicID) bool {
	for _, p := range c.pending {
		if p.id == id {
			return true
		}
	}
	return false
}

func signWrite(key *ecdsa.PrivateKey, id interfaces.PublicID, expected uint64, payload json.RawMessage) (*interfaces.SetRequest, error) {
	req := &interfaces.SetRequest{
		ID:              id,
		ExpectedVersion: expected,
		Payload:         payload,
	}
	sig, err := cryptoutils.SignRecord(key, req.SigningMessage())
	if err != nil {
		return nil, err
	}
	req.Signature = sig
	return req, nil
}
