package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/nats-io/nats.go/jetstream"
)

// Bucket names for each record kind and index.
const (
	BucketPlans        = "PLANFLOW_PLANS"
	BucketTasks        = "PLANFLOW_TASKS"
	BucketGroups       = "PLANFLOW_GROUPS"
	BucketCorrelations = "PLANFLOW_CORRELATIONS"
	BucketSubtasks     = "PLANFLOW_SUBTASKS"
)

// NATSKV is a Store backed by NATS JetStream KV buckets. KV revisions are
// the record versions: Create covers expectedVersion 0 and Update carries
// the expected revision, so the bucket enforces compare-and-swap
// atomically on the server.
type NATSKV struct {
	plans    jetstream.KeyValue
	tasks    jetstream.KeyValue
	groups   jetstream.KeyValue
	corr     jetstream.KeyValue
	subtasks jetstream.KeyValue
}

// NewNATSKV creates a NATS KV store, creating the buckets if needed.
func NewNATSKV(ctx context.Context, js jetstream.JetStream) (*NATSKV, error) {
	s := &NATSKV{}
	buckets := []struct {
		name string
		dst  *jetstream.KeyValue
	}{
		{BucketPlans, &s.plans},
		{BucketTasks, &s.tasks},
		{BucketGroups, &s.groups},
		{BucketCorrelations, &s.corr},
		{BucketSubtasks, &s.subtasks},
	}
	for _, b := range buckets {
		kv, err := getOrCreateBucket(ctx, js, b.name)
		if err != nil {
			return nil, fmt.Errorf("create %s bucket: %w", strings.ToLower(b.name), err)
		}
		*b.dst = kv
	}
	return s, nil
}

func getOrCreateBucket(ctx context.Context, js jetstream.JetStream, name string) (jetstream.KeyValue, error) {
	kv, err := js.KeyValue(ctx, name)
	if err == nil {
		return kv, nil
	}
	return js.CreateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:      name,
		Description: fmt.Sprintf("Planflow %s storage", strings.ToLower(name)),
		History:     5, // Keep last 5 revisions
	})
}

func (s *NATSKV) bucket(kind Kind) (jetstream.KeyValue, error) {
	switch kind {
	case KindPlan:
		return s.plans, nil
	case KindTask:
		return s.tasks, nil
	case KindGroup:
		return s.groups, nil
	default:
		return nil, fmt.Errorf("unknown record kind: %s", kind)
	}
}

// Put implements Store.
func (s *NATSKV) Put(ctx context.Context, kind Kind, key string, value []byte, expectedVersion uint64) (uint64, error) {
	kv, err := s.bucket(kind)
	if err != nil {
		return 0, err
	}

	if expectedVersion == 0 {
		rev, err := kv.Create(ctx, key, value)
		if err != nil {
			if errors.Is(err, jetstream.ErrKeyExists) {
				return 0, ErrVersionConflict
			}
			return 0, fmt.Errorf("create %s %s: %w", kind, key, err)
		}
		return rev, nil
	}

	rev, err := kv.Update(ctx, key, value, expectedVersion)
	if err != nil {
		if isWrongRevision(err) {
			return 0, ErrVersionConflict
		}
		if isNotFound(err) {
			return 0, ErrNotFound
		}
		return 0, fmt.Errorf("update %s %s: %w", kind, key, err)
	}
	return rev, nil
}

// Get implements Store.
func (s *NATSKV) Get(ctx context.Context, kind Kind, key string) ([]byte, uint64, error) {
	kv, err := s.bucket(kind)
	if err != nil {
		return nil, 0, err
	}

	entry, err := kv.Get(ctx, key)
	if err != nil {
		if isNotFound(err) {
			return nil, 0, ErrNotFound
		}
		return nil, 0, fmt.Errorf("get %s %s: %w", kind, key, err)
	}
	return entry.Value(), entry.Revision(), nil
}

// Delete implements Store.
func (s *NATSKV) Delete(ctx context.Context, kind Kind, key string) error {
	kv, err := s.bucket(kind)
	if err != nil {
		return err
	}
	if err := kv.Delete(ctx, key); err != nil && !isNotFound(err) {
		return fmt.Errorf("delete %s %s: %w", kind, key, err)
	}
	return nil
}

// IndexCorrelation implements Store.
func (s *NATSKV) IndexCorrelation(ctx context.Context, correlationID string, ref Ref) error {
	return s.indexRef(ctx, s.corr, correlationID, ref)
}

// FindByCorrelation implements Store.
func (s *NATSKV) FindByCorrelation(ctx context.Context, correlationID string) (Ref, error) {
	return s.lookupRef(ctx, s.corr, correlationID)
}

// IndexSubtask implements Store.
func (s *NATSKV) IndexSubtask(ctx context.Context, subtaskCorrelationID string, parent Ref) error {
	return s.indexRef(ctx, s.subtasks, subtaskCorrelationID, parent)
}

// FindBySubtask implements Store.
func (s *NATSKV) FindBySubtask(ctx context.Context, subtaskCorrelationID string) (Ref, error) {
	return s.lookupRef(ctx, s.subtasks, subtaskCorrelationID)
}

// RemoveCorrelation implements Store.
func (s *NATSKV) RemoveCorrelation(ctx context.Context, correlationID string) error {
	if err := s.corr.Delete(ctx, correlationID); err != nil && !isNotFound(err) {
		return fmt.Errorf("remove correlation %s: %w", correlationID, err)
	}
	return nil
}

func (s *NATSKV) indexRef(ctx context.Context, kv jetstream.KeyValue, id string, ref Ref) error {
	data, err := json.Marshal(ref)
	if err != nil {
		return fmt.Errorf("marshal ref: %w", err)
	}
	// Create, never Put: correlation ids are issued once and never reused.
	if _, err := kv.Create(ctx, id, data); err != nil {
		if errors.Is(err, jetstream.ErrKeyExists) {
			return ErrVersionConflict
		}
		return fmt.Errorf("index %s: %w", id, err)
	}
	return nil
}

func (s *NATSKV) lookupRef(ctx context.Context, kv jetstream.KeyValue, id string) (Ref, error) {
	entry, err := kv.Get(ctx, id)
	if err != nil {
		if isNotFound(err) {
			return Ref{}, ErrNotFound
		}
		return Ref{}, fmt.Errorf("lookup %s: %w", id, err)
	}
	var ref Ref
	if err := json.Unmarshal(entry.Value(), &ref); err != nil {
		return Ref{}, fmt.Errorf("unmarshal ref %s: %w", id, err)
	}
	return ref, nil
}

// isNotFound checks if an error indicates a key was not found.
func isNotFound(err error) bool {
	if errors.Is(err, jetstream.ErrKeyNotFound) || errors.Is(err, jetstream.ErrKeyDeleted) {
		return true
	}
	return err != nil && strings.Contains(err.Error(), "key not found")
}

// isWrongRevision checks if an error indicates a CAS revision mismatch.
func isWrongRevision(err error) bool {
	return err != nil && strings.Contains(err.Error(), "wrong last sequence")
}
