package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/breez/kv-sync/config"
	"github.com/breez/kv-sync/kv"
	"github.com/breez/kv-sync/middleware"
	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	privateKey, err := btcec.NewPrivateKey()
	require.NoError(t, err, "failed to create private key")
	cfg := &config.Config{SignatureMaxAge: time.Minute}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, _, err := middleware.Authenticate(cfg, cloneRequest(r)); err != nil {
			http.Error(w, err.Error(), http.StatusUnauthorized)
			return
		}
		assert.NotEmpty(t, r.Header.Get(RequestIDHeader))
		handler(w, r)
	}))
	t.Cleanup(server.Close)
	return NewClient(server.URL, WithSigner(privateKey), WithTimeout(time.Second))
}

// cloneRequest lets the handler read the body again after authentication.
func cloneRequest(r *http.Request) *http.Request {
	body, _ := io.ReadAll(r.Body)
	r.Body = io.NopCloser(bytes.NewReader(body))
	clone := r.Clone(r.Context())
	clone.Body = io.NopCloser(bytes.NewReader(body))
	return clone
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func TestPut(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPut, r.Method)
		assert.Equal(t, "/kv/1/a/b", r.URL.Path)
		assert.Equal(t, "2", r.Header.Get(ExpectedVersionHeader))
		body, _ := io.ReadAll(r.Body)
		assert.Equal(t, "value", string(body))
		writeJSON(w, http.StatusOK, WireRecord{Key: "a/b", Version: 3, Time: 100})
	})

	rec, err := client.Put(context.Background(), "a/b", []byte("value"), 2)
	require.NoError(t, err)
	require.Equal(t, &kv.RemoteRecord{Key: "a/b", Version: 3, Time: 100, Value: []byte("value")}, rec)
}

func TestPutConflict(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusConflict, ErrorReply{
			Error:   "set conflict",
			Current: &WireRecord{Key: "k", Version: 4, Time: 200, Value: []byte("theirs")},
		})
	})

	_, err := client.Put(context.Background(), "k", []byte("mine"), 3)
	require.ErrorIs(t, err, kv.ErrVersionConflict)
	require.Equal(t, kv.KindVersionConflict, kv.KindOf(err))
	remote := kv.RemoteOf(err)
	require.NotNil(t, remote)
	require.Equal(t, uint64(4), remote.Version)
	require.Equal(t, []byte("theirs"), remote.Value)
}

func TestDelete(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodDelete, r.Method)
		assert.Equal(t, "1", r.Header.Get(ExpectedVersionHeader))
		writeJSON(w, http.StatusOK, WireRecord{Key: "k", Version: 2, Time: 100, Deleted: true})
	})

	rec, err := client.Delete(context.Background(), "k", 1)
	require.NoError(t, err)
	require.True(t, rec.Deleted)
	require.Nil(t, rec.Value)
}

func TestVersionAndGet(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/kv/1/missing":
			http.NotFound(w, r)
		case "/kv/1/gone":
			WriteVersionHeaders(w.Header(), &kv.RemoteRecord{Version: 5, Time: 10, Deleted: true})
			w.WriteHeader(http.StatusGone)
		default:
			WriteVersionHeaders(w.Header(), &kv.RemoteRecord{Version: 2, Time: 20})
			if r.Method == http.MethodGet {
				w.Write([]byte("value"))
			}
		}
	})
	ctx := context.Background()

	rec, err := client.Version(ctx, "k")
	require.NoError(t, err)
	require.Equal(t, &kv.RemoteRecord{Key: "k", Version: 2, Time: 20}, rec)

	rec, err = client.Get(ctx, "k", 2)
	require.NoError(t, err)
	require.Equal(t, []byte("value"), rec.Value)

	_, err = client.Version(ctx, "missing")
	require.ErrorIs(t, err, kv.ErrNotFound)

	_, err = client.Get(ctx, "gone", 0)
	require.ErrorIs(t, err, kv.ErrTombstoned)
	require.Equal(t, uint64(5), kv.RemoteOf(err).Version)
}

func TestListKeys(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, KeysPath, r.URL.Path)
		writeJSON(w, http.StatusOK, KeysReply{Keys: []WireRecord{
			{Key: "a", Version: 1, Time: 1},
			{Key: "b", Version: 2, Time: 2, Deleted: true},
		}})
	})

	keys, err := client.ListKeys(context.Background())
	require.NoError(t, err)
	require.Len(t, keys, 2)
	require.Equal(t, "a", keys[0].Key)
	require.True(t, keys[1].Deleted)
}

func TestTransportErrors(t *testing.T) {
	var calls atomic.Int32
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			http.Error(w, "boom", http.StatusInternalServerError)
			return
		}
		time.Sleep(200 * time.Millisecond)
	})
	client.timeout = 50 * time.Millisecond

	_, err := client.ListKeys(context.Background())
	require.ErrorIs(t, err, kv.ErrTransport)
	require.Contains(t, err.Error(), "boom")

	_, err = client.Version(context.Background(), "k")
	require.ErrorIs(t, err, kv.ErrTransport, "timeouts are transport failures")

	unsigned := NewClient(client.baseURL)
	_, err = unsigned.ListKeys(context.Background())
	require.Equal(t, kv.KindTransport, kv.KindOf(err))
}

func TestPutTooLarge(t *testing.T) {
	var calls atomic.Int32
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "request body too large", http.StatusRequestEntityTooLarge)
	})

	_, err := client.Put(context.Background(), "k", make([]byte, kv.MaxValueSize+1), 0)
	require.ErrorIs(t, err, kv.ErrTooLarge)
	require.Zero(t, calls.Load(), "oversized values are rejected before sending")

	_, err = client.Put(context.Background(), "k", []byte("v"), 0)
	require.ErrorIs(t, err, kv.ErrTooLarge)
	require.Equal(t, kv.KindTooLarge, kv.KindOf(err))
}

func TestWatch(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, ChangesPath, r.URL.Path)
		w.Header().Set("Content-Type", "text/event-stream")
		for i := 1; i <= 3; i++ {
			b, _ := json.Marshal(WireRecord{Key: fmt.Sprintf("k%v", i), Version: uint64(i)})
			fmt.Fprintf(w, "event: %v\ndata: %s\n\n", ChangeEventName, b)
		}
		fmt.Fprint(w, "event: ping\ndata: {}\n\n")
	})

	var changes []kv.RemoteRecord
	err := client.Watch(context.Background(), func(r kv.RemoteRecord) {
		changes = append(changes, r)
	})
	require.NoError(t, err)
	require.Len(t, changes, 3)
	require.Equal(t, "k3", changes[2].Key)
	require.Equal(t, uint64(3), changes[2].Version)
}
