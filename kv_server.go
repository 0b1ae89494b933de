package main

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/breez/kv-sync/config"
	"github.com/breez/kv-sync/kv"
	"github.com/breez/kv-sync/middleware"
	"github.com/breez/kv-sync/remote"
	"github.com/breez/kv-sync/store"
	"github.com/breez/kv-sync/store/postgres"
	"github.com/breez/kv-sync/store/sqlite"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
)

const pingInterval = 30 * time.Second

// NewStorage opens the store of record: PostgreSQL when a database url is
// configured, a SQLite file under the SQLite directory otherwise.
func NewStorage(config *config.Config) (store.SyncStorage, error) {
	if config.PgDatabaseUrl != "" {
		return postgres.NewPGSyncStorage(config.PgDatabaseUrl)
	}
	if err := os.MkdirAll(config.SQLiteDirPath, 0700); err != nil {
		return nil, fmt.Errorf("failed to create %v: %w", config.SQLiteDirPath, err)
	}
	return sqlite.NewSQLiteSyncStorage(filepath.Join(config.SQLiteDirPath, "kv.db"))
}

type KVServer struct {
	config        *config.Config
	storage       store.SyncStorage
	eventsManager *eventsManager
	logger        *slog.Logger
	registry      *prometheus.Registry
	metrics       *serverMetrics
}

func NewKVServer(config *config.Config, storage store.SyncStorage, logger *slog.Logger) *KVServer {
	registry := prometheus.NewRegistry()
	metrics := newServerMetrics(registry)
	return &KVServer{
		config:        config,
		storage:       storage,
		eventsManager: newEventsManager(logger, metrics),
		logger:        logger,
		registry:      registry,
		metrics:       metrics,
	}
}

func (s *KVServer) Start(quitChan chan struct{}) {
	s.eventsManager.start(quitChan)
}

// Handler routes the wire contract. Every kv route requires a signed
// request.
func (s *KVServer) Handler() http.Handler {
	mux := http.NewServeMux()
	route := func(pattern, name string, h http.HandlerFunc) {
		mux.Handle(pattern, s.metrics.instrument(name, middleware.Handler(s.config, h)))
	}
	// GET patterns also serve HEAD
	route("GET "+remote.RecordPathPrefix+"{key}", "record", s.getRecord)
	route("PUT "+remote.RecordPathPrefix+"{key}", "record", s.putRecord)
	route("DELETE "+remote.RecordPathPrefix+"{key}", "record", s.deleteRecord)
	route("GET "+remote.KeysPath, "keys", s.listKeys)
	route("GET "+remote.ChangesPath, "changes", s.trackChanges)
	mux.Handle("GET "+remote.MetricsPath, promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))

	return cors.New(cors.Options{
		AllowedOrigins: s.config.AllowedOrigins(),
		AllowedMethods: []string{http.MethodGet, http.MethodHead, http.MethodPut, http.MethodDelete},
		AllowedHeaders: []string{
			"Authorization",
			"Content-Type",
			remote.ExpectedVersionHeader,
			remote.RequestIDHeader,
			middleware.SignatureHeader,
			middleware.RequestTimeHeader,
		},
		ExposedHeaders: []string{remote.VersionHeader, remote.TimeHeader, remote.DeletedHeader},
	}).Handler(mux)
}

func (s *KVServer) records(r *http.Request) (*store.RecordStore, string, bool) {
	pubkey, ok := middleware.UserPubkey(r.Context())
	if !ok {
		return nil, "", false
	}
	return store.NewRecordStore(s.storage, pubkey), pubkey, true
}

func expectedVersion(r *http.Request) (uint64, error) {
	header := r.Header.Get(remote.ExpectedVersionHeader)
	if header == "" {
		return 0, nil
	}
	return strconv.ParseUint(header, 10, 64)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError maps err onto the wire contract status codes.
func (s *KVServer) writeError(w http.ResponseWriter, r *http.Request, err error) {
	remoteRecord := kv.RemoteOf(err)
	switch kv.KindOf(err) {
	case kv.KindNotFound:
		writeJSON(w, http.StatusNotFound, remote.ErrorReply{Error: err.Error()})
	case kv.KindVersionConflict:
		s.metrics.conflicts.Inc()
		current := remote.NewWireRecord(remoteRecord, true)
		writeJSON(w, http.StatusConflict, remote.ErrorReply{Error: err.Error(), Current: &current})
	case kv.KindTombstoned:
		remote.WriteVersionHeaders(w.Header(), remoteRecord)
		w.WriteHeader(http.StatusGone)
	default:
		s.logger.Error("request failed",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.String("request_id", r.Header.Get(remote.RequestIDHeader)),
			slog.Any("error", err))
		writeJSON(w, http.StatusInternalServerError, remote.ErrorReply{Error: "internal error"})
	}
}

func (s *KVServer) getRecord(w http.ResponseWriter, r *http.Request) {
	records, _, ok := s.records(r)
	if !ok {
		http.Error(w, "unauthenticated", http.StatusUnauthorized)
		return
	}
	key := r.PathValue("key")

	if r.Method == http.MethodHead {
		rec, err := records.Version(r.Context(), key)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		remote.WriteVersionHeaders(w.Header(), rec)
		w.WriteHeader(http.StatusOK)
		return
	}

	expected, err := expectedVersion(r)
	if err != nil {
		http.Error(w, "invalid expected version", http.StatusBadRequest)
		return
	}
	rec, err := records.Get(r.Context(), key, expected)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	remote.WriteVersionHeaders(w.Header(), rec)
	w.Header().Set("Content-Type", "application/octet-stream")
	w.WriteHeader(http.StatusOK)
	w.Write(rec.Value)
}

func (s *KVServer) putRecord(w http.ResponseWriter, r *http.Request) {
	s.writeRecord(w, r, false)
}

func (s *KVServer) deleteRecord(w http.ResponseWriter, r *http.Request) {
	s.writeRecord(w, r, true)
}

func (s *KVServer) writeRecord(w http.ResponseWriter, r *http.Request, deleted bool) {
	records, pubkey, ok := s.records(r)
	if !ok {
		http.Error(w, "unauthenticated", http.StatusUnauthorized)
		return
	}
	key := r.PathValue("key")
	expected, err := expectedVersion(r)
	if err != nil {
		http.Error(w, "invalid expected version", http.StatusBadRequest)
		return
	}

	var written *kv.RemoteRecord
	if deleted {
		written, err = records.Delete(r.Context(), key, expected)
	} else {
		var value []byte
		value, err = io.ReadAll(r.Body)
		if err != nil {
			http.Error(w, "failed to read body", http.StatusBadRequest)
			return
		}
		written, err = records.Put(r.Context(), key, value, expected)
	}
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	s.eventsManager.notifyChange(pubkey, *written)
	writeJSON(w, http.StatusOK, remote.NewWireRecord(written, false))
}

func (s *KVServer) listKeys(w http.ResponseWriter, r *http.Request) {
	records, _, ok := s.records(r)
	if !ok {
		http.Error(w, "unauthenticated", http.StatusUnauthorized)
		return
	}
	keys, err := records.ListKeys(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	reply := remote.KeysReply{Keys: make([]remote.WireRecord, len(keys))}
	for i := range keys {
		reply.Keys[i] = remote.NewWireRecord(&keys[i], false)
	}
	writeJSON(w, http.StatusOK, reply)
}

// trackChanges streams the user's record changes as server sent events.
func (s *KVServer) trackChanges(w http.ResponseWriter, r *http.Request) {
	pubkey, ok := middleware.UserPubkey(r.Context())
	if !ok {
		http.Error(w, "unauthenticated", http.StatusUnauthorized)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	subscription := s.eventsManager.subscribe(pubkey)
	defer s.eventsManager.unsubscribe(pubkey, subscription.id)
	ping := time.NewTicker(pingInterval)
	defer ping.Stop()
	for {
		select {
		case event, ok := <-subscription.eventsChan:
			if !ok {
				return
			}
			b, err := json.Marshal(remote.NewWireRecord(&event.record, false))
			if err != nil {
				s.logger.Error("failed to encode change", slog.Any("error", err))
				return
			}
			if _, err := fmt.Fprintf(w, "event: %v\ndata: %s\n\n", remote.ChangeEventName, b); err != nil {
				return
			}
			flusher.Flush()

		case <-ping.C:
			if _, err := fmt.Fprint(w, "event: ping\ndata: {}\n\n"); err != nil {
				return
			}
			flusher.Flush()

		case <-r.Context().Done():
			return
		}
	}
}
