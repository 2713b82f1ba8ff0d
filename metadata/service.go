package metadata

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ruteri/threshold-key-manager/cryptoutils"
	"github.com/ruteri/threshold-key-manager/interfaces"
	"github.com/ruteri/threshold-key-manager/metrics"
)

// Service is the server side of the metadata store. It authenticates writes
// by proof of possession of the key a record is filed under and enforces
// record versions, so two clients committing against the same version cannot
// both win.
//
// Service implements interfaces.MetadataTransport and can be handed to a
// Client directly when both run in one process.
type Service struct {
	backend interfaces.RecordBackend
	cas     interfaces.CompareAndSwapBackend
	locks   *keyedMutex
	log     *slog.Logger
	now     func() time.Time
}

var _ interfaces.MetadataTransport = (*Service)(nil)

// MaxBatchSize bounds the number of records in one SetBatch call.
const MaxBatchSize = 16

func NewService(backend interfaces.RecordBackend, log *slog.Logger) *Service {
	if log == nil {
		log = slog.Default()
	}
	s := &Service{
		backend: backend,
		locks:   newKeyedMutex(),
		log:     log,
		now:     time.Now,
	}
	if cas, ok := backend.(interfaces.CompareAndSwapBackend); ok {
		s.cas = cas
	}
	return s
}

// Get returns the stored envelope for id, or ErrRecordNotFound.
func (s *Service) Get(ctx context.Context, id interfaces.PublicID) (*interfaces.RecordEnvelope, error) {
	if err := id.Validate(); err != nil {
		return nil, err
	}

	env, err := s.load(ctx, id)
	switch {
	case errors.Is(err, interfaces.ErrRecordNotFound):
		metrics.MetadataReads.WithLabelValues("not_found").Inc()
		return nil, err
	case err != nil:
		metrics.MetadataReads.WithLabelValues("error").Inc()
		s.log.Error("Failed to load record", slog.String("publicId", string(id)), "err", err)
		return nil, err
	}

	metrics.MetadataReads.WithLabelValues("found").Inc()
	return env, nil
}

// SetBatch applies every write or none of the ones that fail validation.
// All signatures, owners and versions are checked before the first record
// is stored.
func (s *Service) SetBatch(ctx context.Context, writes []interfaces.SetRequest) error {
	if len(writes) == 0 {
		return nil
	}
	if len(writes) > MaxBatchSize {
		return fmt.Errorf("batch of %d records exceeds limit of %d", len(writes), MaxBatchSize)
	}
	metrics.MetadataBatchSize.Observe(float64(len(writes)))

	ids := make([]interfaces.PublicID, 0, len(writes))
	signers := make([]string, len(writes))
	seen := make(map[interfaces.PublicID]bool, len(writes))
	for i := range writes {
		w := &writes[i]
		if err := w.ID.Validate(); err != nil {
			return err
		}
		if seen[w.ID] {
			return fmt.Errorf("%w: %s appears twice in one batch", interfaces.ErrInvalidRecordID, w.ID)
		}
		seen[w.ID] = true
		if !json.Valid(w.Payload) {
			return fmt.Errorf("%s: payload is not valid JSON", w.ID)
		}

		signer, err := cryptoutils.RecoverSigner(w.SigningMessage(), w.Signature)
		if err != nil {
			metrics.MetadataWrites.WithLabelValues("unauthorized").Inc()
			return err
		}
		signers[i] = cryptoutils.PublicKeyHex(signer)
		ids = append(ids, w.ID)
	}

	unlock := s.locks.Lock(ids)
	defer unlock()

	envelopes := make([]*interfaces.RecordEnvelope, len(writes))
	for i := range writes {
		env, err := s.authorize(ctx, &writes[i], signers[i])
		if errors.Is(err, errAlreadyApplied) {
			s.log.Debug("Skipping write applied by an earlier attempt",
				slog.String("publicId", string(writes[i].ID)),
				slog.Uint64("expectedVersion", writes[i].ExpectedVersion))
			continue
		}
		if err != nil {
			s.log.Warn("Rejected metadata write",
				slog.String("publicId", string(writes[i].ID)),
				slog.Uint64("expectedVersion", writes[i].ExpectedVersion),
				"err", err)
			return err
		}
		envelopes[i] = env
	}

	for i, env := range envelopes {
		if env == nil {
			continue
		}
		data, err := json.Marshal(env)
		if err != nil {
			return fmt.Errorf("failed to encode envelope: %w", err)
		}
		if s.cas != nil {
			err = s.cas.StoreIfVersion(ctx, env.ID, data, writes[i].ExpectedVersion, env.Version)
		} else {
			err = s.backend.Store(ctx, env.ID, data)
		}
		if err != nil {
			if errors.Is(err, interfaces.ErrVersionConflict) {
				metrics.MetadataWrites.WithLabelValues("conflict").Inc()
			} else {
				metrics.MetadataWrites.WithLabelValues("error").Inc()
			}
			s.log.Error("Failed to store record",
				slog.String("publicId", string(env.ID)),
				slog.Int("batchPosition", i),
				"err", err)
			return err
		}
		metrics.MetadataWrites.WithLabelValues("ok").Inc()
		s.log.Debug("Stored record",
			slog.String("publicId", string(env.ID)),
			slog.Uint64("version", env.Version))
	}
	return nil
}

// authorize checks one write against the currently stored record and
// returns the envelope to store.
func (s *Service) authorize(ctx context.Context, w *interfaces.SetRequest, signer string) (*interfaces.RecordEnvelope, error) {
	current, err := s.load(ctx, w.ID)
	if err != nil && !errors.Is(err, interfaces.ErrRecordNotFound) {
		return nil, err
	}

	var currentVersion uint64
	if current != nil {
		currentVersion = current.Version
	}
	if current != nil && sameWrite(current, w, signer) {
		return nil, errAlreadyApplied
	}
	if currentVersion != w.ExpectedVersion {
		metrics.MetadataWrites.WithLabelValues("conflict").Inc()
		return nil, fmt.Errorf("%w: %s is at version %d, write expected %d",
			interfaces.ErrVersionConflict, w.ID, currentVersion, w.ExpectedVersion)
	}

	owner := signer
	if w.ID.Namespaced() {
		if current != nil && current.Owner != signer {
			metrics.MetadataWrites.WithLabelValues("unauthorized").Inc()
			return nil, interfaces.ErrUnauthorizedWrite
		}
	} else {
		if !strings.EqualFold(string(w.ID), signer) {
			metrics.MetadataWrites.WithLabelValues("unauthorized").Inc()
			return nil, interfaces.ErrUnauthorizedWrite
		}
		if err := checkGeneration(current, w.Payload); err != nil {
			return nil, err
		}
	}

	return &interfaces.RecordEnvelope{
		ID:        w.ID,
		Version:   w.ExpectedVersion + 1,
		Owner:     owner,
		Payload:   w.Payload,
		UpdatedAt: s.now().UTC(),
	}, nil
}

// errAlreadyApplied marks a write whose result is already stored, left
// behind by a batch that failed after storing part of its records.
var errAlreadyApplied = errors.New("write already applied")

// sameWrite reports whether current is exactly what w produces.
func sameWrite(current *interfaces.RecordEnvelope, w *interfaces.SetRequest, signer string) bool {
	if current.Version != w.ExpectedVersion+1 || current.Owner != signer {
		return false
	}
	var stored, incoming bytes.Buffer
	if json.Compact(&stored, current.Payload) != nil || json.Compact(&incoming, w.Payload) != nil {
		return false
	}
	return bytes.Equal(stored.Bytes(), incoming.Bytes())
}

// checkGeneration rejects key records whose generation moves backwards.
func checkGeneration(current *interfaces.RecordEnvelope, payload json.RawMessage) error {
	var next interfaces.MetadataRecord
	if err := json.Unmarshal(payload, &next); err != nil {
		return fmt.Errorf("payload is not a metadata record: %w", err)
	}
	if current == nil {
		return nil
	}
	var prev interfaces.MetadataRecord
	if err := json.Unmarshal(current.Payload, &prev); err != nil {
		return nil
	}
	if next.Generation < prev.Generation {
		return fmt.Errorf("%w: generation %d is older than stored %d",
			interfaces.ErrStaleGeneration, next.Generation, prev.Generation)
	}
	return nil
}

func (s *Service) load(ctx context.Context, id interfaces.PublicID) (*interfaces.RecordEnvelope, error) {
	data, err := s.backend.Fetch(ctx, id)
	if err != nil {
		return nil, err
	}
	var env interfaces.RecordEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("stored envelope for %s is corrupt: %w", id, err)
	}
	return &env, nil
}

// keyedMutex serializes writers per record id.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[interfaces.PublicID]*refMutex
}

type refMutex struct {
	sync.Mutex
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[interfaces.PublicID]*refMutex)}
}

// Lock acquires the locks for all ids in sorted order and returns the
// function that releases them.
func (k *keyedMutex) Lock(ids []interfaces.PublicID) func() {
	sorted := append([]interfaces.PublicID(nil), ids...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	held := make([]*refMutex, 0, len(sorted))
	for _, id := range sorted {
		k.mu.Lock()
		m, ok := k.locks[id]
		if !ok {
			m = &refMutex{}
			k.locks[id] = m
		}
		m.refs++
		k.mu.Unlock()

		m.Lock()
		held = append(held, m)
	}

	return func() {
		for i := len(held) - 1; i >= 0; i-- {
			held[i].Unlock()
			k.mu.Lock()
			held[i].refs--
			if held[i].refs == 0 {
				delete(k.locks, sorted[i])
			}
			k.mu.Unlock()
		}
	}
}
