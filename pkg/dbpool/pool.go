// Package dbpool implements the Database Pool (§4.F): an opaque facade
// over one bbolt database per registered name, handing out scoped
// read-only or writable handles and tracking which keyspaces
// (dbName[.scope.collection]) are allowed to be borrowed.
//
// Grounded on pkg/storage/boltdb.go's bolt.Open + bucket pattern, adapted
// from a fixed container-orchestration schema to a dynamic per-name,
// per-keyspace one; and on original_source/REST/Listener.cc's
// registerDatabase/registerCollection/_allowedCollections registry shape.
package dbpool

import (
	"fmt"
	"path/filepath"
	"sync"

	bolt "go.etcd.io/bbolt"

	"github.com/corepeer/peersync/pkg/log"
)

// DefaultScope and DefaultCollection name the implicit scope/collection a
// bare "dbName" keyspace resolves to.
const (
	DefaultScope      = "_default"
	DefaultCollection = "_default"
)

// Keyspace identifies a named bucket of documents within a database:
// dbName, or dbName.scope.collection.
type Keyspace struct {
	DB         string
	Scope      string
	Collection string
}

// String renders the keyspace the way it's written on the wire:
// "db" when scope/collection are both default, else "db.scope.collection".
func (k Keyspace) String() string {
	if k.Scope == DefaultScope && k.Collection == DefaultCollection {
		return k.DB
	}
	return fmt.Sprintf("%s.%s.%s", k.DB, k.Scope, k.Collection)
}

func (k Keyspace) bucketName() []byte {
	return []byte(k.Scope + "\x00" + k.Collection)
}

// ParseKeyspace parses "db", "db.scope.collection" into a Keyspace, filling
// in DefaultScope/DefaultCollection when omitted.
func ParseKeyspace(s string) (Keyspace, error) {
	db, scope, coll := s, DefaultScope, DefaultCollection
	parts := splitDot(s)
	switch len(parts) {
	case 1:
		db = parts[0]
	case 3:
		db, scope, coll = parts[0], parts[1], parts[2]
	default:
		return Keyspace{}, fmt.Errorf("dbpool: invalid keyspace %q", s)
	}
	if db == "" {
		return Keyspace{}, fmt.Errorf("dbpool: invalid keyspace %q", s)
	}
	return Keyspace{DB: db, Scope: scope, Collection: coll}, nil
}

func splitDot(s string) []string {
	var out []string
	start := 0
	for i := 0; i < len(s); i++ {
		if s[i] == '.' {
			out = append(out, s[start:i])
			start = i + 1
		}
	}
	out = append(out, s[start:])
	return out
}

// entry is one registered database: its bolt handle plus the set of
// keyspaces that have been explicitly allowed.
type entry struct {
	mu        sync.RWMutex
	db        *bolt.DB
	keyspaces map[string]struct{} // Keyspace.String() -> present
}

// Registry owns the name -> entry mapping. Registering or unregistering a
// database or collection locks the registry exclusively; borrowing does
// not, past that entry's own handle.
type Registry struct {
	dataDir string

	mu      sync.RWMutex
	entries map[string]*entry
}

// NewRegistry creates a Registry that stores each registered database's
// bbolt file under dataDir.
func NewRegistry(dataDir string) *Registry {
	return &Registry{dataDir: dataDir, entries: make(map[string]*entry)}
}

// RegisterDatabase opens (creating if needed) the bbolt file for name and
// registers its default keyspace. Calling it again for an already-open
// name is a no-op.
func (r *Registry) RegisterDatabase(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.entries[name]; ok {
		return nil
	}

	path := filepath.Join(r.dataDir, name+".bolt")
	db, err := bolt.Open(path, 0600, nil)
	if err != nil {
		return fmt.Errorf("dbpool: open %s: %w", name, err)
	}

	e := &entry{db: db, keyspaces: make(map[string]struct{})}
	dfltKS := Keyspace{DB: name, Scope: DefaultScope, Collection: DefaultCollection}
	if err := createBucket(db, dfltKS); err != nil {
		db.Close()
		return err
	}
	e.keyspaces[dfltKS.String()] = struct{}{}

	r.entries[name] = e
	log.WithComponent("dbpool").Info().Str("db", name).Str("path", path).Msg("database registered")
	return nil
}

// RegisterCollection adds scope.collection as an allowed keyspace of an
// already-registered database, creating its bucket if needed.
func (r *Registry) RegisterCollection(dbName, scope, collection string) error {
	r.mu.Lock()
	e, ok := r.entries[dbName]
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("dbpool: database %q not registered", dbName)
	}

	ks := Keyspace{DB: dbName, Scope: scope, Collection: collection}
	if err := createBucket(e.db, ks); err != nil {
		return err
	}

	e.mu.Lock()
	e.keyspaces[ks.String()] = struct{}{}
	e.mu.Unlock()
	return nil
}

func createBucket(db *bolt.DB, ks Keyspace) error {
	return db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(ks.bucketName())
		return err
	})
}

// UnregisterDatabase closes the bbolt handle and drops name from the
// registry entirely.
func (r *Registry) UnregisterDatabase(name string) error {
	r.mu.Lock()
	e, ok := r.entries[name]
	if ok {
		delete(r.entries, name)
	}
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("dbpool: database %q not registered", name)
	}
	return e.db.Close()
}

// UnregisterCollection removes scope.collection from the allowed-keyspace
// set without deleting its data; a subsequent RegisterCollection re-allows
// borrowing it.
func (r *Registry) UnregisterCollection(dbName, scope, collection string) error {
	r.mu.Lock()
	e, ok := r.entries[dbName]
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("dbpool: database %q not registered", dbName)
	}
	ks := Keyspace{DB: dbName, Scope: scope, Collection: collection}
	e.mu.Lock()
	delete(e.keyspaces, ks.String())
	e.mu.Unlock()
	return nil
}

// IsRegistered reports whether name has been registered.
func (r *Registry) IsRegistered(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.entries[name]
	return ok
}

// Databases lists every registered database name.
func (r *Registry) Databases() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.entries))
	for name := range r.entries {
		out = append(out, name)
	}
	return out
}

// Keyspaces lists the keyspace strings allowed for a registered database.
func (r *Registry) Keyspaces(name string) ([]string, error) {
	r.mu.RLock()
	e, ok := r.entries[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("dbpool: database %q not registered", name)
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]string, 0, len(e.keyspaces))
	for ks := range e.keyspaces {
		out = append(out, ks)
	}
	return out, nil
}

// Handle is a scoped, single-owner borrow of a keyspace's bbolt
// transaction. Release must be called exactly once; after Release, using
// the Handle is invalid.
type Handle struct {
	tx        *bolt.Tx
	bucket    *bolt.Bucket
	writeable bool
	released  bool
	mu        sync.Mutex
}

// Writeable reports whether this Handle was opened for writing.
func (h *Handle) Writeable() bool { return h.writeable }

// Get reads a document by key. Returns nil if absent.
func (h *Handle) Get(key string) []byte {
	v := h.bucket.Get([]byte(key))
	if v == nil {
		return nil
	}
	out := make([]byte, len(v))
	copy(out, v)
	return out
}

// Put writes a document by key. Only valid on a writeable Handle.
func (h *Handle) Put(key string, value []byte) error {
	if !h.writeable {
		return fmt.Errorf("dbpool: handle is read-only")
	}
	return h.bucket.Put([]byte(key), value)
}

// Delete removes a document by key. Only valid on a writeable Handle.
func (h *Handle) Delete(key string) error {
	if !h.writeable {
		return fmt.Errorf("dbpool: handle is read-only")
	}
	return h.bucket.Delete([]byte(key))
}

// ForEach iterates every key/value pair in the keyspace in key order.
func (h *Handle) ForEach(fn func(key string, value []byte) error) error {
	c := h.bucket.Cursor()
	for k, v := c.First(); k != nil; k, v = c.Next() {
		if err := fn(string(k), v); err != nil {
			return err
		}
	}
	return nil
}

// Release ends the underlying transaction. Idempotent.
func (h *Handle) Release() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.released {
		return nil
	}
	h.released = true
	if h.writeable {
		return h.tx.Commit()
	}
	return h.tx.Rollback()
}

// Borrow returns a read-only Handle on the given keyspace, which must be
// registered. Matches the facade's borrow() contract.
func (r *Registry) Borrow(keyspace string) (*Handle, error) {
	return r.borrow(keyspace, false)
}

// BorrowWriteable returns a writable Handle on the given keyspace, which
// must be registered. Matches the facade's borrowWriteable() contract.
func (r *Registry) BorrowWriteable(keyspace string) (*Handle, error) {
	return r.borrow(keyspace, true)
}

func (r *Registry) borrow(keyspace string, writeable bool) (*Handle, error) {
	ks, err := ParseKeyspace(keyspace)
	if err != nil {
		return nil, err
	}

	r.mu.RLock()
	e, ok := r.entries[ks.DB]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("dbpool: database %q not registered", ks.DB)
	}

	e.mu.RLock()
	_, allowed := e.keyspaces[ks.String()]
	e.mu.RUnlock()
	if !allowed {
		return nil, fmt.Errorf("dbpool: keyspace %q not registered", ks.String())
	}

	tx, err := e.db.Begin(writeable)
	if err != nil {
		return nil, fmt.Errorf("dbpool: begin transaction: %w", err)
	}
	bucket := tx.Bucket(ks.bucketName())
	if bucket == nil {
		_ = tx.Rollback()
		return nil, fmt.Errorf("dbpool: keyspace %q bucket missing", ks.String())
	}
	return &Handle{tx: tx, bucket: bucket, writeable: writeable}, nil
}

// Close closes every registered database's bbolt handle.
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	var firstErr error
	for name, e := range r.entries {
		if err := e.db.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("dbpool: close %s: %w", name, err)
		}
	}
	r.entries = make(map[string]*entry)
	return firstErr
}
