package middleware

import (
	"bytes"
	"context"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/breez/kv-sync/config"
	"github.com/breez/kv-sync/kv"
	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/tv42/zbase32"
)

const (
	SignatureHeader       = "X-Kv-Signature"
	RequestTimeHeader     = "X-Kv-Request-Time"
	ExpectedVersionHeader = "X-Kv-Expected-Version"

	MaxBodySize = kv.MaxValueSize
)

type contextKey string

const USER_PUBKEY_CONTEXT_KEY contextKey = "user_pubkey"

var ErrInvalidSignature = errors.New("invalid signature")
var ErrStaleRequest = errors.New("stale request")
var ErrBodyTooLarge = errors.New("request body too large")
var SignedMsgPrefix = []byte("kvsync:")

func checkApiKey(config *config.Config, r *http.Request) error {
	authHeader := r.Header.Get("Authorization")
	if len(authHeader) <= 7 || !strings.HasPrefix(authHeader, "Bearer ") {
		return fmt.Errorf("invalid auth header")
	}

	apiKey := authHeader[7:]
	block, err := base64.StdEncoding.DecodeString(apiKey)
	if err != nil {
		return fmt.Errorf("could not decode auth header: %v", err)
	}

	cert, err := x509.ParseCertificate(block)
	if err != nil {
		return fmt.Errorf("could not parse certificate: %v", err)
	}

	rootPool := x509.NewCertPool()
	rootPool.AddCert(config.CACert.Raw)

	chains, err := cert.Verify(x509.VerifyOptions{
		Roots: rootPool,
	})
	if err != nil {
		return fmt.Errorf("certificate verification error: %v", err)
	}
	if len(chains) != 1 || len(chains[0]) != 2 || !chains[0][0].Equal(cert) || !chains[0][1].Equal(config.CACert.Raw) {
		return fmt.Errorf("certificate verification error: invalid chain of trust")
	}

	return nil
}

// Authenticate verifies the request signature and returns the hex encoded
// public key of the signer together with the request body it covered.
func Authenticate(config *config.Config, r *http.Request) (string, []byte, error) {
	if config.CACert != nil {
		if err := checkApiKey(config, r); err != nil {
			return "", nil, err
		}
	}

	requestTime, err := strconv.ParseInt(r.Header.Get(RequestTimeHeader), 10, 64)
	if err != nil {
		return "", nil, fmt.Errorf("invalid request time: %w", err)
	}
	if config.SignatureMaxAge > 0 {
		age := time.Since(time.Unix(requestTime, 0))
		if age > config.SignatureMaxAge || age < -config.SignatureMaxAge {
			return "", nil, ErrStaleRequest
		}
	}

	var body []byte
	if r.Body != nil {
		body, err = io.ReadAll(io.LimitReader(r.Body, MaxBodySize+1))
		if err != nil {
			return "", nil, fmt.Errorf("failed to read body: %w", err)
		}
		if len(body) > MaxBodySize {
			return "", nil, fmt.Errorf("%w: more than %v bytes", ErrBodyTooLarge, MaxBodySize)
		}
	}

	toVerify := RequestMessage(r.Method, r.URL.Path, r.Header.Get(ExpectedVersionHeader), body, requestTime)
	pubkey, err := VerifyMessage([]byte(toVerify), r.Header.Get(SignatureHeader))
	if err != nil {
		return "", nil, err
	}
	return hex.EncodeToString(pubkey.SerializeCompressed()), body, nil
}

// Handler rejects unsigned requests and stores the signer in the request
// context.
func Handler(config *config.Config, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		pubkey, body, err := Authenticate(config, r)
		if errors.Is(err, ErrBodyTooLarge) {
			http.Error(w, err.Error(), http.StatusRequestEntityTooLarge)
			return
		}
		if err != nil {
			http.Error(w, err.Error(), http.StatusUnauthorized)
			return
		}
		r.Body = io.NopCloser(bytes.NewReader(body))
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), USER_PUBKEY_CONTEXT_KEY, pubkey)))
	})
}

func UserPubkey(ctx context.Context) (string, bool) {
	pubkey, ok := ctx.Value(USER_PUBKEY_CONTEXT_KEY).(string)
	return pubkey, ok
}

func RequestMessage(method, path, expectedVersion string, body []byte, requestTime int64) string {
	return fmt.Sprintf(
		"%v-%v-%v-%x-%v",
		method,
		path,
		expectedVersion,
		sha256.Sum256(body),
		requestTime,
	)
}

// SignRequest sets the request time and signature headers. The expected
// version header must already be set.
func SignRequest(key *btcec.PrivateKey, r *http.Request, body []byte, now time.Time) error {
	requestTime := now.Unix()
	msg := RequestMessage(r.Method, r.URL.Path, r.Header.Get(ExpectedVersionHeader), body, requestTime)
	signature, err := SignMessage(key, []byte(msg))
	if err != nil {
		return err
	}
	r.Header.Set(RequestTimeHeader, strconv.FormatInt(requestTime, 10))
	r.Header.Set(SignatureHeader, signature)
	return nil
}

func SignMessage(key *btcec.PrivateKey, msg []byte) (string, error) {
	message := append(SignedMsgPrefix, msg...)
	digest := chainhash.DoubleHashB(message)
	signture, err := ecdsa.SignCompact(key, digest, true)
	if err != nil {
		return "", fmt.Errorf("failed to sign message: %v", err)
	}
	sig := zbase32.EncodeToString(signture)
	return sig, nil
}

func VerifyMessage(message []byte, signature string) (*btcec.PublicKey, error) {
	// The signature should be zbase32 encoded
	sig, err := zbase32.DecodeString(signature)
	if err != nil {
		return nil, fmt.Errorf("failed to decode signature: %v", err)
	}

	msg := append(SignedMsgPrefix, message...)
	first := sha256.Sum256(msg)
	second := sha256.Sum256(first[:])
	pubkey, wasCompressed, err := ecdsa.RecoverCompact(
		sig,
		second[:],
	)
	if err != nil {
		return nil, ErrInvalidSignature
	}

	if !wasCompressed {
		return nil, ErrInvalidSignature
	}

	return pubkey, nil
}
