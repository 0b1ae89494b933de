package config

import (
	"crypto/x509"
	"encoding/base64"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/Netflix/go-env"
	"github.com/btcsuite/btcd/btcec/v2"
)

type Certificate struct {
	Raw *x509.Certificate
}

func (c *Certificate) UnmarshalEnvironmentValue(data string) error {
	decodedData, err := base64.StdEncoding.DecodeString(data)
	if err != nil {
		return fmt.Errorf("could not decode base64-encoded certificate: %w", err)
	}

	CACertBlock, _ := pem.Decode(decodedData)
	if CACertBlock == nil {
		return errors.New("CA certificate is invalid")
	}

	CACert, err := x509.ParseCertificate(CACertBlock.Bytes)
	if err != nil {
		return fmt.Errorf("could not parse CA cert: %w", err)
	}

	c.Raw = CACert

	return nil
}

// PrivateKey is a hex encoded secp256k1 key.
type PrivateKey struct {
	Key *btcec.PrivateKey
}

func (k *PrivateKey) UnmarshalEnvironmentValue(data string) error {
	raw, err := hex.DecodeString(strings.TrimSpace(data))
	if err != nil {
		return fmt.Errorf("could not decode hex-encoded private key: %w", err)
	}
	if len(raw) != btcec.PrivKeyBytesLen {
		return fmt.Errorf("invalid private key length %v", len(raw))
	}
	k.Key, _ = btcec.PrivKeyFromBytes(raw)
	return nil
}

type Logging struct {
	LogLevel  string `env:"LOG_LEVEL,default=info"`
	LogFormat string `env:"LOG_FORMAT,default=text"`
}

type Config struct {
	HTTPListenAddress  string        `env:"HTTP_LISTEN_ADDRESS,default=0.0.0.0:8080"`
	SQLiteDirPath      string        `env:"SQLITE_DIR_PATH,default=db"`
	PgDatabaseUrl      string        `env:"DATABASE_URL"`
	CACert             *Certificate  `env:"CA_CERT"`
	SignatureMaxAge    time.Duration `env:"SIGNATURE_MAX_AGE,default=5m"`
	CorsAllowedOrigins string        `env:"CORS_ALLOWED_ORIGINS,default=*"`
	Logging
}

// AllowedOrigins splits the comma separated origin list.
func (c *Config) AllowedOrigins() []string {
	var origins []string
	for _, origin := range strings.Split(c.CorsAllowedOrigins, ",") {
		if origin = strings.TrimSpace(origin); origin != "" {
			origins = append(origins, origin)
		}
	}
	return origins
}

func NewConfig() (*Config, error) {
	var config Config
	if _, err := env.UnmarshalFromEnviron(&config); err != nil {
		return nil, err
	}

	return &config, nil
}

type ClientConfig struct {
	RemoteURL       string        `env:"KV_REMOTE_URL,required=true"`
	CachePath       string        `env:"KV_CACHE_PATH,default=kv-cache.db"`
	PrivateKey      *PrivateKey   `env:"KV_PRIVATE_KEY,required=true"`
	APIKey          string        `env:"KV_API_KEY"`
	EncryptValues   bool          `env:"KV_ENCRYPT_VALUES,default=true"`
	RequestTimeout  time.Duration `env:"KV_REQUEST_TIMEOUT,default=10s"`
	MaxRetries      uint64        `env:"KV_MAX_RETRIES,default=3"`
	SyncWorkers     int           `env:"KV_SYNC_WORKERS,default=4"`
	SyncInterval    time.Duration `env:"KV_SYNC_INTERVAL,default=1m"`
	AllowCacheReset bool          `env:"KV_ALLOW_CACHE_RESET,default=false"`
	Logging
}

func NewClientConfig() (*ClientConfig, error) {
	es, err := env.EnvironToEnvSet(os.Environ())
	if err != nil {
		return nil, err
	}
	return ParseClientConfig(es)
}

func ParseClientConfig(es env.EnvSet) (*ClientConfig, error) {
	var config ClientConfig
	if err := env.Unmarshal(es, &config); err != nil {
		return nil, err
	}
	if config.SyncWorkers < 1 {
		return nil, fmt.Errorf("KV_SYNC_WORKERS must be positive, got %v", config.SyncWorkers)
	}
	return &config, nil
}
