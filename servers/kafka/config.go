package kafka

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/magiconair/properties"
	kafkago "github.com/segmentio/kafka-go"
	"github.com/segmentio/kafka-go/sasl"
	"github.com/segmentio/kafka-go/sasl/plain"
	"github.com/segmentio/kafka-go/sasl/scram"
)

// Config holds the connection parameters read from a Kafka client properties file.
type Config struct {
	BootstrapServers []string
	ClientID         string
	SecurityProtocol string

	SASLMechanism string
	SASLUsername  string
	SASLPassword  string

	CALocation               string
	CertificateLocation      string
	KeyLocation              string
	SkipHostnameVerification bool

	RequestTimeout time.Duration

	// Extra holds every key not listed above, verbatim.
	Extra map[string]string
}

const (
	keyBootstrapServers   = "bootstrap.servers"
	keyClientID           = "client.id"
	keySecurityProtocol   = "security.protocol"
	keySASLMechanism      = "sasl.mechanism"
	keySASLUsername       = "sasl.username"
	keySASLPassword       = "sasl.password"
	keyCALocation         = "ssl.ca.location"
	keyCertLocation       = "ssl.certificate.location"
	keyKeyLocation        = "ssl.key.location"
	keyEndpointAlgorithm  = "ssl.endpoint.identification.algorithm"
	keyRequestTimeoutMsec = "request.timeout.ms"

	defaultBootstrapServers = "localhost:9092"
	defaultClientID         = "kafka-mcp-server"
	defaultRequestTimeout   = 10 * time.Second

	protocolPlaintext     = "PLAINTEXT"
	protocolSSL           = "SSL"
	protocolSASLPlaintext = "SASL_PLAINTEXT"
	protocolSASLSSL       = "SASL_SSL"

	mechanismPlain    = "PLAIN"
	mechanismSHA256   = "SCRAM-SHA-256"
	mechanismSHA512   = "SCRAM-SHA-512"
	algorithmHostname = "https"
)

var knownKeys = map[string]bool{
	keyBootstrapServers:   true,
	keyClientID:           true,
	keySecurityProtocol:   true,
	keySASLMechanism:      true,
	keySASLUsername:       true,
	keySASLPassword:       true,
	keyCALocation:         true,
	keyCertLocation:       true,
	keyKeyLocation:        true,
	keyEndpointAlgorithm:  true,
	keyRequestTimeoutMsec: true,
}

// LoadConfig reads a Java-style properties file and returns the connection parameters
// it describes. Every problem found is reported, not only the first one.
func LoadConfig(path string) (Config, error) {
	loader := properties.Loader{Encoding: properties.UTF8, DisableExpansion: true}
	p, err := loader.LoadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("failed to load properties file: %w", err)
	}

	return parseConfig(p)
}

// ParseConfig parses properties-formatted text, as LoadConfig does for a file.
func ParseConfig(text string) (Config, error) {
	loader := properties.Loader{Encoding: properties.UTF8, DisableExpansion: true}
	p, err := loader.LoadBytes([]byte(text))
	if err != nil {
		return Config{}, fmt.Errorf("failed to parse properties: %w", err)
	}

	return parseConfig(p)
}

func parseConfig(p *properties.Properties) (Config, error) {
	get := func(key, def string) string {
		v, ok := p.Get(key)
		if !ok {
			return def
		}
		return strings.TrimSpace(v)
	}

	cfg := Config{
		ClientID:            get(keyClientID, defaultClientID),
		SecurityProtocol:    strings.ToUpper(get(keySecurityProtocol, protocolPlaintext)),
		SASLMechanism:       strings.ToUpper(get(keySASLMechanism, mechanismPlain)),
		SASLUsername:        get(keySASLUsername, ""),
		SASLPassword:        get(keySASLPassword, ""),
		CALocation:          get(keyCALocation, ""),
		CertificateLocation: get(keyCertLocation, ""),
		KeyLocation:         get(keyKeyLocation, ""),
		RequestTimeout:      defaultRequestTimeout,
		Extra:               make(map[string]string),
	}

	var errs *multierror.Error

	for _, server := range strings.Split(get(keyBootstrapServers, defaultBootstrapServers), ",") {
		if server = strings.TrimSpace(server); server != "" {
			cfg.BootstrapServers = append(cfg.BootstrapServers, server)
		}
	}
	if len(cfg.BootstrapServers) == 0 {
		errs = multierror.Append(errs, fmt.Errorf("%s is empty", keyBootstrapServers))
	}

	switch cfg.SecurityProtocol {
	case protocolPlaintext, protocolSSL:
	case protocolSASLPlaintext, protocolSASLSSL:
		switch cfg.SASLMechanism {
		case mechanismPlain, mechanismSHA256, mechanismSHA512:
		default:
			errs = multierror.Append(errs, fmt.Errorf("unsupported %s %q", keySASLMechanism, cfg.SASLMechanism))
		}
		if cfg.SASLUsername == "" {
			errs = multierror.Append(errs, fmt.Errorf("%s is required for %s", keySASLUsername, cfg.SecurityProtocol))
		}
	default:
		errs = multierror.Append(errs, fmt.Errorf("unsupported %s %q", keySecurityProtocol, cfg.SecurityProtocol))
	}

	if (cfg.CertificateLocation == "") != (cfg.KeyLocation == "") {
		errs = multierror.Append(errs, fmt.Errorf("%s and %s must be set together", keyCertLocation, keyKeyLocation))
	}

	cfg.SkipHostnameVerification = strings.ToLower(get(keyEndpointAlgorithm, algorithmHostname)) != algorithmHostname

	if v := get(keyRequestTimeoutMsec, ""); v != "" {
		ms, err := strconv.Atoi(v)
		switch {
		case err != nil:
			errs = multierror.Append(errs, fmt.Errorf("invalid %s %q: %w", keyRequestTimeoutMsec, v, err))
		case ms <= 0:
			errs = multierror.Append(errs, fmt.Errorf("%s must be positive, got %d", keyRequestTimeoutMsec, ms))
		default:
			cfg.RequestTimeout = time.Duration(ms) * time.Millisecond
		}
	}

	for _, key := range p.Keys() {
		if !knownKeys[key] {
			cfg.Extra[key] = get(key, "")
		}
	}

	if err := errs.ErrorOrNil(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) usesTLS() bool {
	return c.SecurityProtocol == protocolSSL || c.SecurityProtocol == protocolSASLSSL
}

func (c Config) usesSASL() bool {
	return c.SecurityProtocol == protocolSASLPlaintext || c.SecurityProtocol == protocolSASLSSL
}

func (c Config) transport() (*kafkago.Transport, error) {
	t := &kafkago.Transport{
		ClientID:    c.ClientID,
		DialTimeout: c.RequestTimeout,
	}

	if c.usesTLS() {
		tlsCfg, err := c.tlsConfig()
		if err != nil {
			return nil, err
		}
		t.TLS = tlsCfg
	}

	if c.usesSASL() {
		mechanism, err := c.saslMechanism()
		if err != nil {
			return nil, err
		}
		t.SASL = mechanism
	}

	return t, nil
}

func (c Config) tlsConfig() (*tls.Config, error) {
	// An empty ssl.endpoint.identification.algorithm disables server verification.
	tlsCfg := &tls.Config{
		MinVersion:         tls.VersionTLS12,
		InsecureSkipVerify: c.SkipHostnameVerification,
	}

	if c.CALocation != "" {
		pem, err := os.ReadFile(c.CALocation)
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", keyCALocation, err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, errors.New("no certificates found in " + keyCALocation)
		}
		tlsCfg.RootCAs = pool
	}

	if c.CertificateLocation != "" {
		cert, err := tls.LoadX509KeyPair(c.CertificateLocation, c.KeyLocation)
		if err != nil {
			return nil, fmt.Errorf("failed to load client certificate: %w", err)
		}
		tlsCfg.Certificates = []tls.Certificate{cert}
	}

	return tlsCfg, nil
}

func (c Config) saslMechanism() (sasl.Mechanism, error) {
	switch c.SASLMechanism {
	case mechanismSHA256:
		return scram.Mechanism(scram.SHA256, c.SASLUsername, c.SASLPassword)
	case mechanismSHA512:
		return scram.Mechanism(scram.SHA512, c.SASLUsername, c.SASLPassword)
	default:
		return plain.Mechanism{Username: c.SASLUsername, Password: c.SASLPassword}, nil
	}
}
