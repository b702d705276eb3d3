package docstore

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/mendess/jobforge/pkg/storage"
)

// maxManifestRetries bounds the read-ETag-conditional-write loop every
// manifest mutation goes through. Each retry means another writer committed
// to the same manifest between our read and our write; five is generous for
// the contention a single state's manifest sees in practice.
const maxManifestRetries = 5

// scoreManifest is the document shape backing a state queue or the
// scheduled set: job id -> sort score (updatedAt or fire-at, in micros).
type scoreManifest map[string]int64

// sortedIDs returns manifest keys ordered by score, ascending or descending.
func (m scoreManifest) sortedIDs(desc bool) []string {
	ids := make([]string, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, k int) bool {
		if desc {
			return m[ids[i]] > m[ids[k]]
		}
		return m[ids[i]] < m[ids[k]]
	})
	return ids
}

// refManifest is the document shape backing signature-by-state and
// recurring-ref-by-state: key -> refcount, so several jobs sharing the same
// signature or recurring job id in the same state don't clobber one
// another's membership entry.
type refManifest map[string]int64

func (m refManifest) incr(key string, delta int64) {
	m[key] += delta
	if m[key] <= 0 {
		delete(m, key)
	}
}

// updateManifest reads key, decodes it into a fresh zero value of the type
// T points at (via into), lets mutate apply in-place changes, and writes
// the result back conditioned on the ETag it read. On a conflicting write
// from another caller it re-reads and retries, up to maxManifestRetries
// times.
func updateManifest[T any](ctx context.Context, s *Store, key string, into func() T, mutate func(T)) error {
	for attempt := 0; attempt < maxManifestRetries; attempt++ {
		data, etag, exists, err := s.getObject(ctx, key)
		if err != nil {
			return err
		}

		doc := into()
		if exists {
			if err := json.Unmarshal(data, &doc); err != nil {
				return fmt.Errorf("%w: unmarshal manifest %s: %v", storage.ErrStorageFatal, key, err)
			}
		}

		mutate(doc)

		payload, err := marshalJSON(doc)
		if err != nil {
			return err
		}

		err = s.putObjectConditional(ctx, key, payload, etag, !exists)
		if err == nil {
			return nil
		}
		if err != storage.ErrConcurrentJobModification {
			return err
		}
		// another writer committed between our read and our write; retry.
	}
	return fmt.Errorf("%w: manifest %s: exceeded %d retries", storage.ErrStorageTransient, key, maxManifestRetries)
}

func readScoreManifest(ctx context.Context, s *Store, key string) (scoreManifest, error) {
	data, _, exists, err := s.getObject(ctx, key)
	if err != nil {
		return nil, err
	}
	m := scoreManifest{}
	if !exists {
		return m, nil
	}
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("%w: unmarshal manifest %s: %v", storage.ErrStorageFatal, key, err)
	}
	return m, nil
}

func readRefManifest(ctx context.Context, s *Store, key string) (refManifest, error) {
	data, _, exists, err := s.getObject(ctx, key)
	if err != nil {
		return nil, err
	}
	m := refManifest{}
	if !exists {
		return m, nil
	}
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("%w: unmarshal manifest %s: %v", storage.ErrStorageFatal, key, err)
	}
	return m, nil
}

// idSetSlice returns the sorted keys of a refManifest used purely as a
// presence set (recurringjobs, servers, metadata compound keys): the
// refcount value is irrelevant there, only key presence is.
func idSetSlice(ctx context.Context, s *Store, key string) ([]string, error) {
	m, err := readRefManifest(ctx, s, key)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(m))
	for id := range m {
		out = append(out, id)
	}
	sort.Strings(out)
	return out, nil
}

func updateRefManifest(ctx context.Context, s *Store, key, field string, delta int64) error {
	return updateManifest(ctx, s, key, func() refManifest { return refManifest{} }, func(m refManifest) {
		m.incr(field, delta)
	})
}

func setScoreManifestEntry(ctx context.Context, s *Store, key, jobID string, score int64, present bool) error {
	return updateManifest(ctx, s, key, func() scoreManifest { return scoreManifest{} }, func(m scoreManifest) {
		if present {
			m[jobID] = score
		} else {
			delete(m, jobID)
		}
	})
}

func setRefManifestPresent(ctx context.Context, s *Store, key, field string, present bool) error {
	return updateManifest(ctx, s, key, func() refManifest { return refManifest{} }, func(m refManifest) {
		if present {
			m[field] = 1
		} else {
			delete(m, field)
		}
	})
}

// counterDoc is the JSON shape of the all-time-succeeded counter object.
type counterDoc struct {
	AllTimeSucceeded int64 `json:"allTimeSucceeded"`
}

// updateCounter adds delta to the counter object at key, creating it at zero
// first if absent, via the same bounded read-ETag-conditional-write retry
// loop as the index manifests.
func updateCounter(ctx context.Context, s *Store, key string, delta int64) error {
	for attempt := 0; attempt < maxManifestRetries; attempt++ {
		data, etag, exists, err := s.getObject(ctx, key)
		if err != nil {
			return err
		}
		var doc counterDoc
		if exists {
			if err := json.Unmarshal(data, &doc); err != nil {
				return fmt.Errorf("%w: unmarshal counter %s: %v", storage.ErrStorageFatal, key, err)
			}
		}
		doc.AllTimeSucceeded += delta

		payload, err := marshalJSON(doc)
		if err != nil {
			return err
		}
		err = s.putObjectConditional(ctx, key, payload, etag, !exists)
		if err == nil {
			return nil
		}
		if err != storage.ErrConcurrentJobModification {
			return err
		}
	}
	return fmt.Errorf("%w: counter %s: exceeded %d retries", storage.ErrStorageTransient, key, maxManifestRetries)
}

func readCounter(ctx context.Context, s *Store, key string) (int64, error) {
	data, _, exists, err := s.getObject(ctx, key)
	if err != nil {
		return 0, err
	}
	if !exists {
		return 0, nil
	}
	var doc counterDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		return 0, fmt.Errorf("%w: unmarshal counter %s: %v", storage.ErrStorageFatal, key, err)
	}
	return doc.AllTimeSucceeded, nil
}
