package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/breez/kv-sync/kv"
	"github.com/breez/kv-sync/middleware"
	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/google/uuid"
)

// maxResponseSize fits a conflict reply carrying the largest value base64
// encoded in JSON.
const maxResponseSize = (kv.MaxValueSize+2)/3*4 + 1<<16

// Client talks to a kv server. Every call is bounded by the client timeout
// and returns *kv.Error values.
type Client struct {
	baseURL string
	http    *http.Client
	timeout time.Duration
	signer  *btcec.PrivateKey
	apiKey  string
	logger  *slog.Logger
	now     func() time.Time
}

type ClientOption func(*Client)

func WithHTTPClient(cl *http.Client) ClientOption {
	return func(c *Client) {
		c.http = cl
	}
}

// WithTimeout bounds every request, zero disables the bound.
func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) {
		c.timeout = timeout
	}
}

func WithSigner(key *btcec.PrivateKey) ClientOption {
	return func(c *Client) {
		c.signer = key
	}
}

func WithAPIKey(apiKey string) ClientOption {
	return func(c *Client) {
		c.apiKey = apiKey
	}
}

func WithLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) {
		c.logger = logger
	}
}

func NewClient(baseURL string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{},
		timeout: 10 * time.Second,
		logger:  slog.Default(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type request struct {
	method   string
	path     string
	key      string
	expected *uint64
	body     []byte
}

type response struct {
	status int
	header http.Header
	body   []byte
}

func recordPath(key string) string {
	return RecordPathPrefix + url.PathEscape(key)
}

func (c *Client) newRequest(ctx context.Context, r request) (*http.Request, error) {
	var body io.Reader
	if r.body != nil {
		body = bytes.NewReader(r.body)
	}
	req, err := http.NewRequestWithContext(ctx, r.method, c.baseURL+r.path, body)
	if err != nil {
		return nil, err
	}
	if r.body != nil {
		req.Header.Set("Content-Type", "application/octet-stream")
	}
	if r.expected != nil {
		req.Header.Set(ExpectedVersionHeader, strconv.FormatUint(*r.expected, 10))
	}
	req.Header.Set(RequestIDHeader, uuid.NewString())
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	if c.signer != nil {
		if err := middleware.SignRequest(c.signer, req, r.body, c.now()); err != nil {
			return nil, err
		}
	}
	return req, nil
}

func (c *Client) do(ctx context.Context, r request) (*response, error) {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}
	req, err := c.newRequest(ctx, r)
	if err != nil {
		return nil, kv.Transport(r.key, fmt.Errorf("failed to build request: %w", err))
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, kv.Transport(r.key, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize+1))
	if err != nil {
		return nil, kv.Transport(r.key, fmt.Errorf("failed to read response: %w", err))
	}
	if len(body) > maxResponseSize {
		return nil, kv.Transport(r.key, fmt.Errorf("response exceeds %v bytes", maxResponseSize))
	}
	c.logger.Debug("remote call",
		slog.String("method", r.method),
		slog.String("key", r.key),
		slog.Int("status", resp.StatusCode),
		slog.String("request_id", req.Header.Get(RequestIDHeader)))
	return &response{status: resp.StatusCode, header: resp.Header, body: body}, nil
}

// statusError maps a non success reply onto the error taxonomy.
func statusError(key string, resp *response) error {
	switch resp.status {
	case http.StatusNotFound:
		return kv.NotFound(key)
	case http.StatusConflict:
		var reply ErrorReply
		if err := json.Unmarshal(resp.body, &reply); err != nil || reply.Current == nil {
			return kv.Transport(key, fmt.Errorf("malformed conflict reply"))
		}
		return kv.Conflict(key, reply.Current.Record())
	case http.StatusRequestEntityTooLarge:
		return &kv.Error{Kind: kv.KindTooLarge, Key: key, Err: fmt.Errorf("rejected by the remote")}
	case http.StatusGone:
		remote, err := ReadVersionHeaders(key, resp.header)
		if err != nil {
			return kv.Transport(key, fmt.Errorf("malformed tombstone reply: %w", err))
		}
		return kv.Tombstoned(key, remote)
	}
	msg := strings.TrimSpace(string(resp.body))
	var reply ErrorReply
	if json.Unmarshal(resp.body, &reply) == nil && reply.Error != "" {
		msg = reply.Error
	}
	return kv.Transport(key, fmt.Errorf("unexpected status %v: %v", resp.status, msg))
}

// Version returns the metadata of the remote copy of key. Tombstones are
// reported as records with Deleted set.
func (c *Client) Version(ctx context.Context, key string) (*kv.RemoteRecord, error) {
	resp, err := c.do(ctx, request{method: http.MethodHead, path: recordPath(key), key: key})
	if err != nil {
		return nil, err
	}
	if resp.status != http.StatusOK {
		return nil, statusError(key, resp)
	}
	remote, err := ReadVersionHeaders(key, resp.header)
	if err != nil {
		return nil, kv.Transport(key, fmt.Errorf("malformed version reply: %w", err))
	}
	return remote, nil
}

// Get fetches the value of key. A non zero expectedVersion that is no longer
// current yields a version conflict carrying the newer copy.
func (c *Client) Get(ctx context.Context, key string, expectedVersion uint64) (*kv.RemoteRecord, error) {
	resp, err := c.do(ctx, request{method: http.MethodGet, path: recordPath(key), key: key, expected: &expectedVersion})
	if err != nil {
		return nil, err
	}
	if resp.status != http.StatusOK {
		return nil, statusError(key, resp)
	}
	remote, err := ReadVersionHeaders(key, resp.header)
	if err != nil {
		return nil, kv.Transport(key, fmt.Errorf("malformed value reply: %w", err))
	}
	remote.Value = resp.body
	if remote.Value == nil {
		remote.Value = []byte{}
	}
	return remote, nil
}

func (c *Client) write(ctx context.Context, method, key string, value []byte, expectedVersion uint64) (*kv.RemoteRecord, error) {
	resp, err := c.do(ctx, request{method: method, path: recordPath(key), key: key, expected: &expectedVersion, body: value})
	if err != nil {
		return nil, err
	}
	if resp.status != http.StatusOK {
		return nil, statusError(key, resp)
	}
	var reply WireRecord
	if err := json.Unmarshal(resp.body, &reply); err != nil {
		return nil, kv.Transport(key, fmt.Errorf("failed to decode reply: %w", err))
	}
	remote := reply.Record()
	if !remote.Deleted {
		remote.Value = value
	}
	return remote, nil
}

// Put stores value if the remote version of key equals expectedVersion.
func (c *Client) Put(ctx context.Context, key string, value []byte, expectedVersion uint64) (*kv.RemoteRecord, error) {
	if value == nil {
		value = []byte{}
	}
	if len(value) > kv.MaxValueSize {
		return nil, kv.TooLarge(key, len(value))
	}
	return c.write(ctx, http.MethodPut, key, value, expectedVersion)
}

// Delete tombstones key if its remote version equals expectedVersion.
func (c *Client) Delete(ctx context.Context, key string, expectedVersion uint64) (*kv.RemoteRecord, error) {
	return c.write(ctx, http.MethodDelete, key, nil, expectedVersion)
}

// ListKeys returns the metadata of every remote key, tombstones included.
func (c *Client) ListKeys(ctx context.Context) ([]kv.RemoteRecord, error) {
	resp, err := c.do(ctx, request{method: http.MethodGet, path: KeysPath})
	if err != nil {
		return nil, err
	}
	if resp.status != http.StatusOK {
		return nil, statusError("", resp)
	}
	var reply KeysReply
	if err := json.Unmarshal(resp.body, &reply); err != nil {
		return nil, kv.Transport("", fmt.Errorf("failed to decode keys: %w", err))
	}
	records := make([]kv.RemoteRecord, len(reply.Keys))
	for i, k := range reply.Keys {
		records[i] = *k.Record()
		records[i].Value = nil
	}
	return records, nil
}
