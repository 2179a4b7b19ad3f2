package storage

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/google/btree"
	"github.com/google/uuid"
	"go.etcd.io/bbolt"

	"github.com/yairfalse/anchor/pkg/fault"
	"github.com/yairfalse/anchor/pkg/resource"
)

// Bucket names in bbolt
var (
	bucketResources = []byte("resources")
	bucketRevisions = []byte("revisions")
	bucketMeta      = []byte("meta")
	bucketPending   = []byte("pending_deletes")

	keyCurrentRevision = []byte("current_revision")
)

// MVCCStore keeps the latest desired state per name plus every accepted
// revision. The store revision is global and doubles as each resource's
// resourceVersion, so versions only ever increase.
type MVCCStore struct {
	mu sync.RWMutex

	// In-memory index of live resources
	index *btree.BTreeG[*ResourceState]

	db *bbolt.DB

	currentRev int64

	dir string
}

// ResourceState tracks a live resource in the index.
type ResourceState struct {
	Name        resource.Name
	Kind        string
	UID         string
	CreatedRev  int64
	ModifiedRev int64
}

// storedRevision is the value stored in the revisions bucket.
type storedRevision struct {
	Resource  resource.Resource `json:"resource"`
	Deleted   bool              `json:"deleted,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
}

// Open opens or creates the store in dir.
func Open(dir string) (*MVCCStore, error) {
	dbPath := filepath.Join(dir, "anchor.db")

	db, err := bbolt.Open(dbPath, 0600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		for _, bucket := range [][]byte{bucketResources, bucketRevisions, bucketMeta, bucketPending} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	s := &MVCCStore{
		index: btree.NewG[*ResourceState](32, func(a, b *ResourceState) bool {
			return a.Name < b.Name
		}),
		db:  db,
		dir: dir,
	}

	if err := s.loadRevision(); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := s.rebuildIndex(); err != nil {
		_ = db.Close()
		return nil, err
	}

	return s, nil
}

// Close closes the store.
func (s *MVCCStore) Close() error {
	return s.db.Close()
}

// Get returns the current desired state of name.
func (s *MVCCStore) Get(name resource.Name) (resource.Resource, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var r resource.Resource
	err := s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketResources).Get([]byte(name))
		if data == nil {
			return notFound(name)
		}
		return json.Unmarshal(data, &r)
	})
	return r, err
}

// Create stores a new resource; it fails with a conflict if name exists.
func (s *MVCCStore) Create(r resource.Resource) (resource.Resource, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, found := s.index.Get(&ResourceState{Name: r.Metadata.Name}); found {
		return resource.Resource{}, fault.Conflict("resource already exists", nil).WithResource(r.Metadata.Name.String())
	}
	return s.write(r, nil)
}

// Put creates or updates a resource. A non-zero incoming resourceVersion
// must match the stored one, otherwise the write is stale.
func (s *MVCCStore) Put(r resource.Resource) (resource.Resource, error) {
	stored, _, err := s.Apply(r)
	return stored, err
}

// Apply is Put that also reports whether the write created the resource.
// The check and the write happen under one lock, so of two concurrent
// applies for a new name exactly one reports created.
func (s *MVCCStore) Apply(r resource.Resource) (resource.Resource, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, found := s.index.Get(&ResourceState{Name: r.Metadata.Name})
	if !found {
		stored, err := s.write(r, nil)
		return stored, err == nil, err
	}

	if r.Kind != existing.Kind {
		return resource.Resource{}, false, fault.Invalid(
			fmt.Sprintf("kind is immutable (stored %s, got %s)", existing.Kind, r.Kind), nil,
		).WithResource(r.Metadata.Name.String())
	}
	if v := r.Metadata.ResourceVersion; v != 0 && v != existing.ModifiedRev {
		return resource.Resource{}, false, fault.Conflict(
			fmt.Sprintf("stale resourceVersion %d, current is %d", v, existing.ModifiedRev), nil,
		).WithResource(r.Metadata.Name.String())
	}
	stored, err := s.write(r, existing)
	return stored, false, err
}

// Delete removes name and returns the last stored state. The removed state
// stays pending until ConfirmDelete or a new write of the same name.
func (s *MVCCStore) Delete(name resource.Name) (resource.Resource, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, found := s.index.Get(&ResourceState{Name: name}); !found {
		return resource.Resource{}, notFound(name)
	}

	var removed resource.Resource
	rev := s.currentRev + 1

	err := s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketResources)
		data := bucket.Get([]byte(name))
		if data == nil {
			return notFound(name)
		}
		if err := json.Unmarshal(data, &removed); err != nil {
			return err
		}
		if err := bucket.Delete([]byte(name)); err != nil {
			return err
		}

		tombstone, err := json.Marshal(storedRevision{Resource: removed, Deleted: true, Timestamp: time.Now()})
		if err != nil {
			return err
		}
		if err := tx.Bucket(bucketRevisions).Put(makeRevisionKey(rev, name), tombstone); err != nil {
			return err
		}
		pending, err := json.Marshal(removed)
		if err != nil {
			return err
		}
		if err := tx.Bucket(bucketPending).Put([]byte(name), pending); err != nil {
			return err
		}
		return tx.Bucket(bucketMeta).Put(keyCurrentRevision, int64ToBytes(rev))
	})
	if err != nil {
		return resource.Resource{}, err
	}

	s.currentRev = rev
	s.index.Delete(&ResourceState{Name: name})

	return removed, nil
}

// PendingDeletes returns the last stored state of every deleted resource
// whose deletion has not been confirmed, ordered by name.
func (s *MVCCStore) PendingDeletes() ([]resource.Resource, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []resource.Resource
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketPending).ForEach(func(_, v []byte) error {
			var r resource.Resource
			if err := json.Unmarshal(v, &r); err != nil {
				return err
			}
			out = append(out, r)
			return nil
		})
	})
	return out, err
}

// DeletePending reports whether the deletion of name at version is still
// unconfirmed.
func (s *MVCCStore) DeletePending(name resource.Name, version int64) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var pending bool
	_ = s.db.View(func(tx *bbolt.Tx) error {
		r, ok, err := pendingDelete(tx, name)
		pending = err == nil && ok && r.Metadata.ResourceVersion == version
		return nil
	})
	return pending
}

// ConfirmDelete settles the pending deletion of name at version. A pending
// deletion of another version is left alone.
func (s *MVCCStore) ConfirmDelete(name resource.Name, version int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.db.Update(func(tx *bbolt.Tx) error {
		r, ok, err := pendingDelete(tx, name)
		if err != nil || !ok || r.Metadata.ResourceVersion != version {
			return err
		}
		return tx.Bucket(bucketPending).Delete([]byte(name))
	})
}

func pendingDelete(tx *bbolt.Tx, name resource.Name) (resource.Resource, bool, error) {
	data := tx.Bucket(bucketPending).Get([]byte(name))
	if data == nil {
		return resource.Resource{}, false, nil
	}
	var r resource.Resource
	if err := json.Unmarshal(data, &r); err != nil {
		return resource.Resource{}, false, err
	}
	return r, true, nil
}

// List returns every live resource ordered by name.
func (s *MVCCStore) List() ([]resource.Resource, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []resource.Resource
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketResources).ForEach(func(_, v []byte) error {
			var r resource.Resource
			if err := json.Unmarshal(v, &r); err != nil {
				return err
			}
			out = append(out, r)
			return nil
		})
	})
	return out, err
}

// History returns the retained revisions of name, oldest first. Deleted
// revisions are included with Deleted set.
func (s *MVCCStore) History(name resource.Name) ([]Revision, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []Revision
	err := s.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(bucketRevisions).Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			rev, id, err := parseRevisionKey(k)
			if err != nil {
				return err
			}
			if id != name {
				continue
			}
			var stored storedRevision
			if err := json.Unmarshal(v, &stored); err != nil {
				return err
			}
			out = append(out, Revision{
				Revision:  rev,
				Resource:  stored.Resource,
				Deleted:   stored.Deleted,
				Timestamp: stored.Timestamp,
			})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, notFound(name)
	}
	return out, nil
}

// States returns the index entries of live resources ordered by name.
func (s *MVCCStore) States() []ResourceState {
	s.mu.RLock()
	defer s.mu.RUnlock()

	states := make([]ResourceState, 0, s.index.Len())
	s.index.Ascend(func(st *ResourceState) bool {
		states = append(states, *st)
		return true
	})
	return states
}

// CurrentRevision returns the current revision number
func (s *MVCCStore) CurrentRevision() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.currentRev
}

// Compact removes revision history older than the newest keepRevisions
// revisions. Live resources are unaffected.
func (s *MVCCStore) Compact(keepRevisions int64) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := s.currentRev - keepRevisions
	if cutoff <= 0 {
		return 0, nil
	}

	deleted := 0
	err := s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketRevisions)
		c := bucket.Cursor()

		var toDelete [][]byte
		for k, _ := c.First(); k != nil; k, _ = c.Next() {
			rev, _, err := parseRevisionKey(k)
			if err != nil {
				return err
			}
			if rev > cutoff {
				break
			}
			toDelete = append(toDelete, append([]byte(nil), k...))
		}

		for _, key := range toDelete {
			if err := bucket.Delete(key); err != nil {
				return err
			}
		}
		deleted = len(toDelete)
		return nil
	})
	return deleted, err
}

// Stats returns live resource count, current revision and db file size.
func (s *MVCCStore) Stats() (resourceCount int, currentRev int64, dbSizeBytes int64) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	_ = s.db.View(func(tx *bbolt.Tx) error {
		dbSizeBytes = tx.Size()
		return nil
	})
	return s.index.Len(), s.currentRev, dbSizeBytes
}

// write persists r at the next revision. Caller holds s.mu.
func (s *MVCCStore) write(r resource.Resource, existing *ResourceState) (resource.Resource, error) {
	rev := s.currentRev + 1

	r.Metadata.ResourceVersion = rev
	if existing != nil {
		r.Metadata.UID = existing.UID
	} else {
		r.Metadata.UID = uuid.NewString()
	}
	if r.APIVersion == "" {
		r.APIVersion = resource.APIVersion
	}

	err := s.db.Update(func(tx *bbolt.Tx) error {
		value, err := json.Marshal(r)
		if err != nil {
			return err
		}
		if err := tx.Bucket(bucketResources).Put([]byte(r.Metadata.Name), value); err != nil {
			return err
		}

		history, err := json.Marshal(storedRevision{Resource: r, Timestamp: time.Now()})
		if err != nil {
			return err
		}
		if err := tx.Bucket(bucketRevisions).Put(makeRevisionKey(rev, r.Metadata.Name), history); err != nil {
			return err
		}
		if err := tx.Bucket(bucketPending).Delete([]byte(r.Metadata.Name)); err != nil {
			return err
		}
		return tx.Bucket(bucketMeta).Put(keyCurrentRevision, int64ToBytes(rev))
	})
	if err != nil {
		return resource.Resource{}, err
	}

	s.currentRev = rev

	state := &ResourceState{
		Name:        r.Metadata.Name,
		Kind:        r.Kind,
		UID:         r.Metadata.UID,
		CreatedRev:  rev,
		ModifiedRev: rev,
	}
	if existing != nil {
		state.CreatedRev = existing.CreatedRev
	}
	s.index.ReplaceOrInsert(state)

	return r, nil
}

func (s *MVCCStore) loadRevision() error {
	return s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketMeta).Get(keyCurrentRevision)
		if data == nil {
			return nil
		}
		n, err := bytesToInt64(data)
		if err != nil {
			return fmt.Errorf("corrupt current revision: %w", err)
		}
		s.currentRev = n
		return nil
	})
}

// rebuildIndex loads live resources from disk into the btree. CreatedRev is
// not persisted separately, so after a restart it is the oldest retained
// revision of the name.
func (s *MVCCStore) rebuildIndex() error {
	return s.db.View(func(tx *bbolt.Tx) error {
		err := tx.Bucket(bucketResources).ForEach(func(_, v []byte) error {
			var r resource.Resource
			if err := json.Unmarshal(v, &r); err != nil {
				return err
			}
			s.index.ReplaceOrInsert(&ResourceState{
				Name:        r.Metadata.Name,
				Kind:        r.Kind,
				UID:         r.Metadata.UID,
				CreatedRev:  r.Metadata.ResourceVersion,
				ModifiedRev: r.Metadata.ResourceVersion,
			})
			return nil
		})
		if err != nil {
			return err
		}

		c := tx.Bucket(bucketRevisions).Cursor()
		for k, _ := c.First(); k != nil; k, _ = c.Next() {
			rev, name, err := parseRevisionKey(k)
			if err != nil {
				return err
			}
			if st, ok := s.index.Get(&ResourceState{Name: name}); ok && rev < st.CreatedRev {
				st.CreatedRev = rev
			}
		}
		return nil
	})
}

func notFound(name resource.Name) error {
	return fault.NotFound("no such resource").WithResource(name.String())
}

func makeRevisionKey(rev int64, name resource.Name) []byte {
	return []byte(fmt.Sprintf("%016d:%s", rev, name))
}

func parseRevisionKey(key []byte) (int64, resource.Name, error) {
	if len(key) < 18 || key[16] != ':' {
		return 0, "", fmt.Errorf("malformed revision key %q", key)
	}
	rev, err := strconv.ParseInt(string(key[:16]), 10, 64)
	if err != nil {
		return 0, "", fmt.Errorf("malformed revision key %q: %w", key, err)
	}
	return rev, resource.Name(key[17:]), nil
}

func int64ToBytes(n int64) []byte {
	return []byte(strconv.FormatInt(n, 10))
}

func bytesToInt64(b []byte) (int64, error) {
	return strconv.ParseInt(string(b), 10, 64)
}
