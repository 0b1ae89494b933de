// Package remote is the HTTP adaptor to the store of record and the wire
// types it shares with the server.
package remote

import (
	"net/http"
	"strconv"

	"github.com/breez/kv-sync/kv"
	"github.com/breez/kv-sync/middleware"
)

const (
	RecordPathPrefix = "/kv/1/"
	KeysPath         = "/kv/keys"
	ChangesPath      = "/kv/changes"
	MetricsPath      = "/metrics"

	VersionHeader         = "X-Kv-Version"
	TimeHeader            = "X-Kv-Time"
	DeletedHeader         = "X-Kv-Deleted"
	ExpectedVersionHeader = middleware.ExpectedVersionHeader
	RequestIDHeader       = "X-Request-Id"

	ChangeEventName = "change"
)

// WireRecord is the JSON form of a remote record. Value is only sent on
// conflicts, where the caller needs the competing copy.
type WireRecord struct {
	Key     string `json:"key"`
	Version uint64 `json:"version"`
	Time    int64  `json:"time"`
	Deleted bool   `json:"deleted"`
	Value   []byte `json:"value,omitempty"`
}

func (w *WireRecord) Record() *kv.RemoteRecord {
	r := &kv.RemoteRecord{
		Key:     w.Key,
		Version: w.Version,
		Time:    w.Time,
		Deleted: w.Deleted,
		Value:   w.Value,
	}
	if !r.Deleted && r.Value == nil {
		r.Value = []byte{}
	}
	if r.Deleted {
		r.Value = nil
	}
	return r
}

func NewWireRecord(r *kv.RemoteRecord, withValue bool) WireRecord {
	w := WireRecord{
		Key:     r.Key,
		Version: r.Version,
		Time:    r.Time,
		Deleted: r.Deleted,
	}
	if withValue && !r.Deleted {
		w.Value = r.Value
	}
	return w
}

type KeysReply struct {
	Keys []WireRecord `json:"keys"`
}

type ErrorReply struct {
	Error   string      `json:"error"`
	Current *WireRecord `json:"current,omitempty"`
}

// WriteVersionHeaders describes r in response headers.
func WriteVersionHeaders(h http.Header, r *kv.RemoteRecord) {
	h.Set(VersionHeader, strconv.FormatUint(r.Version, 10))
	h.Set(TimeHeader, strconv.FormatInt(r.Time, 10))
	h.Set(DeletedHeader, strconv.FormatBool(r.Deleted))
}

// ReadVersionHeaders parses the headers written by WriteVersionHeaders.
func ReadVersionHeaders(key string, h http.Header) (*kv.RemoteRecord, error) {
	version, err := strconv.ParseUint(h.Get(VersionHeader), 10, 64)
	if err != nil {
		return nil, err
	}
	t, err := strconv.ParseInt(h.Get(TimeHeader), 10, 64)
	if err != nil {
		return nil, err
	}
	deleted, err := strconv.ParseBool(h.Get(DeletedHeader))
	if err != nil {
		return nil, err
	}
	return &kv.RemoteRecord{Key: key, Version: version, Time: t, Deleted: deleted}, nil
}
