package config

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/fatih/structs"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

const CONFIG_FILE_NAME = ".ringfold"
const CONFIG_FILE_EXT = "yml"

// Config is the configuration surface of the handoff subsystem. Values are
// resolved through viper: flags take precedence over the config file, which
// takes precedence over these defaults.
type Config struct {
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
	ReceiveTimeout time.Duration `mapstructure:"receive_timeout"`
	AckInterval    int           `mapstructure:"ack_interval"`
	ReportInterval time.Duration `mapstructure:"report_interval"`

	TLSCertFile string `mapstructure:"tls_cert_file"`
	TLSKeyFile  string `mapstructure:"tls_key_file"`
	TLSCAFile   string `mapstructure:"tls_ca_file"`
}

func GetDefault() Config {
	return Config{
		ConnectTimeout: 15 * time.Second,
		ReceiveTimeout: 60 * time.Second,
		AckInterval:    1000,
		ReportInterval: 2 * time.Second,
	}
}

func ToMap(config Config) map[string]any {
	p := map[string]any{}
	for _, field := range structs.Fields(config) {
		key := field.Tag("mapstructure")
		value := field.Value()
		p[key] = value
	}
	return p
}

func ToYaml(config Config) []byte {
	var builder strings.Builder
	for k, v := range ToMap(config) {
		builder.WriteString(fmt.Sprintf("%s: %v", k, v))
		builder.WriteRune('\n')
	}
	return []byte(builder.String())
}

// TLSConfig builds a client TLS config from the configured material. Missing
// or unreadable material disables TLS for the transfer with a logged cause:
// a bad certificate path must never take the whole process down.
func (c Config) TLSConfig(logger *zap.Logger) *tls.Config {
	if c.TLSCertFile == "" && c.TLSKeyFile == "" && c.TLSCAFile == "" {
		return nil
	}
	tlsConfig, err := c.loadTLS()
	if err != nil {
		logger.Warn("disabling tls for handoff", zap.Error(err))
		return nil
	}
	return tlsConfig
}

func (c Config) loadTLS() (*tls.Config, error) {
	for _, path := range []string{c.TLSCertFile, c.TLSKeyFile, c.TLSCAFile} {
		if path == "" {
			continue
		}
		if _, err := os.Stat(path); err != nil {
			return nil, errors.Wrap(err, "validating tls material")
		}
	}
	cert, err := tls.LoadX509KeyPair(c.TLSCertFile, c.TLSKeyFile)
	if err != nil {
		return nil, errors.Wrap(err, "loading tls key pair")
	}
	tlsConfig := &tls.Config{Certificates: []tls.Certificate{cert}}
	if c.TLSCAFile != "" {
		ca, err := os.ReadFile(c.TLSCAFile)
		if err != nil {
			return nil, errors.Wrap(err, "reading tls ca file")
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(ca) {
			return nil, errors.New("no certificates parsed from tls ca file")
		}
		tlsConfig.RootCAs = pool
	}
	return tlsConfig, nil
}
