package chiaconfig

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// SSLPair is a certificate/key pair referenced from config.yaml.
type SSLPair struct {
	PrivateCrt string `yaml:"private_crt"`
	PrivateKey string `yaml:"private_key"`
}

// CA points at the installation's private certificate authority.
type CA struct {
	Crt string `yaml:"crt"`
	Key string `yaml:"key"`
}

// Service is the RPC section of one node service.
type Service struct {
	RPCPort int     `yaml:"rpc_port"`
	SSL     SSLPair `yaml:"ssl"`
}

// Config is the subset of the node's config/config.yaml used by the collectors.
type Config struct {
	RootPath     string  `yaml:"-"`
	SelfHostname string  `yaml:"self_hostname"`
	DaemonPort   int     `yaml:"daemon_port"`
	DaemonSSL    SSLPair `yaml:"daemon_ssl"`
	PrivateSSLCA CA      `yaml:"private_ssl_ca"`
	FullNode     Service `yaml:"full_node"`
	Wallet       Service `yaml:"wallet"`
	Farmer       Service `yaml:"farmer"`
	Harvester    Service `yaml:"harvester"`
}

// FileName is the config file location relative to the root path.
const FileName = "config/config.yaml"

// Load reads and validates <rootPath>/config/config.yaml.
func Load(rootPath string) (*Config, error) {
	if strings.TrimSpace(rootPath) == "" {
		return nil, errors.New("chiaconfig: root path is empty")
	}
	path := filepath.Join(rootPath, FileName)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("chiaconfig: read %s: %w", path, err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("chiaconfig: %s: %w", path, err)
	}
	cfg.RootPath = rootPath
	return cfg, nil
}

// Parse decodes config.yaml content and fills defaults.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse yaml: %w", err)
	}
	if cfg.SelfHostname == "" {
		cfg.SelfHostname = "localhost"
	}
	if cfg.DaemonPort == 0 {
		cfg.DaemonPort = 55400
	}
	return &cfg, nil
}

// Resolve turns a config-relative path into an absolute one.
func (c *Config) Resolve(p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(c.RootPath, p)
}

// Addr returns host:port for a service port on the configured hostname.
func (c *Config) Addr(port int) string {
	return net.JoinHostPort(c.SelfHostname, strconv.Itoa(port))
}

// DaemonURL returns the WebSocket URL of the node daemon.
func (c *Config) DaemonURL() string {
	return "wss://" + c.Addr(c.DaemonPort)
}

// TLSConfig builds a client TLS config presenting pair and trusting only the
// installation's private CA. Node certificates are issued for a fixed name,
// so the chain is verified against the CA without a hostname check.
func (c *Config) TLSConfig(pair SSLPair) (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(c.Resolve(pair.PrivateCrt), c.Resolve(pair.PrivateKey))
	if err != nil {
		return nil, fmt.Errorf("chiaconfig: load client certificate: %w", err)
	}
	caPEM, err := os.ReadFile(c.Resolve(c.PrivateSSLCA.Crt))
	if err != nil {
		return nil, fmt.Errorf("chiaconfig: read private CA: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(caPEM) {
		return nil, errors.New("chiaconfig: private CA contains no certificates")
	}

	return &tls.Config{
		Certificates:          []tls.Certificate{cert},
		MinVersion:            tls.VersionTLS12,
		InsecureSkipVerify:    true,
		VerifyPeerCertificate: verifyChain(pool),
	}, nil
}

func verifyChain(roots *x509.CertPool) func([][]byte, [][]*x509.Certificate) error {
	return func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
		if len(rawCerts) == 0 {
			return errors.New("chiaconfig: peer presented no certificate")
		}
		certs := make([]*x509.Certificate, 0, len(rawCerts))
		for _, raw := range rawCerts {
			cert, err := x509.ParseCertificate(raw)
			if err != nil {
				return fmt.Errorf("chiaconfig: parse peer certificate: %w", err)
			}
			certs = append(certs, cert)
		}
		intermediates := x509.NewCertPool()
		for _, cert := range certs[1:] {
			intermediates.AddCert(cert)
		}
		_, err := certs[0].Verify(x509.VerifyOptions{
			Roots:         roots,
			Intermediates: intermediates,
			KeyUsages:     []x509.ExtKeyUsage{x509.ExtKeyUsageAny},
		})
		return err
	}
}
