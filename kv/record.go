// Package kv holds the data model shared by the local cache, the remote
// adaptor and the sync coordinator.
package kv

// Record is one version of a key as seen by the local cache.
type Record struct {
	Key   string
	Value []byte
	// LocalVersion is assigned by the cache and grows by one on every write.
	LocalVersion uint64
	// RemoteVersion is the remote version this record was last reconciled
	// with. Zero means the key was never synced.
	RemoteVersion uint64
	// Time is milliseconds since epoch.
	Time    int64
	Deleted bool
	// Dirty reports a version the remote has not acknowledged yet.
	Dirty bool
}

// RemoteRecord is the remote authority's view of a key.
type RemoteRecord struct {
	Key     string
	Version uint64
	Time    int64
	Deleted bool
	// Value is nil when only the version metadata was fetched.
	Value []byte
}

// Synced reports whether the remote already holds this local version.
func (r *Record) Synced() bool {
	return r.RemoteVersion != 0 && !r.Dirty
}
