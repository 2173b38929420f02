package config

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"

	"github.com/dalbodeule/hop-dtls/internal/dtls"
	"github.com/dalbodeule/hop-dtls/internal/logging"
)

// StaticPSKKeys 는 psk_keys 의 hex 값을 디코딩합니다.
func (c *ServerConfig) StaticPSKKeys() (map[string][]byte, error) {
	out := make(map[string][]byte, len(c.PSKKeys))
	for id, hexKey := range c.PSKKeys {
		key, err := dtls.DecodePSK(hexKey)
		if err != nil {
			return nil, fmt.Errorf("psk_keys[%s]: %w", id, err)
		}
		out[id] = key
	}
	return out, nil
}

// BuildDTLS 는 서버 역할의 dtls.Config 를 만듭니다. PSK 모드에서는 store 로 키를 조회합니다.
func (c *ServerConfig) BuildDTLS(store dtls.PSKStore, logger logging.Logger) (*dtls.Config, error) {
	suites, err := dtls.ParseCipherSuites(c.CipherSuites)
	if err != nil {
		return nil, err
	}

	var cfg *dtls.Config
	switch c.Mode {
	case ModePSK:
		if store == nil {
			return nil, fmt.Errorf("%w: psk mode requires a psk store", ErrInvalid)
		}
		var hint []byte
		if c.PSKHint != "" {
			hint = []byte(c.PSKHint)
		}
		cfg = dtls.NewServerPSKConfig(store, hint, suites)
	case ModeCertificate:
		cert, err := c.loadCertificate()
		if err != nil {
			return nil, err
		}
		cfg = dtls.NewServerCertificateConfig([]tls.Certificate{cert}, suites)
	default:
		return nil, fmt.Errorf("%w: unknown mode %q", ErrInvalid, c.Mode)
	}

	cfg.HandshakeTimeout = c.HandshakeTimeout.Duration
	cfg.ConnectionIDSize = c.ConnectionIDSize
	cfg.DTLS.FlightInterval = c.FlightInterval.Duration
	cfg.Logger = logger
	return cfg, nil
}

func (c *ServerConfig) loadCertificate() (tls.Certificate, error) {
	if c.CertFile == "" {
		if !c.Debug {
			return tls.Certificate{}, fmt.Errorf("%w: cert_file is required", ErrInvalid)
		}
		return dtls.NewSelfSignedCertificate()
	}
	cert, err := tls.LoadX509KeyPair(c.CertFile, c.KeyFile)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("load certificate: %w", err)
	}
	return cert, nil
}

// BuildDTLS 는 클라이언트 역할의 dtls.Config 를 만듭니다.
func (c *ClientConfig) BuildDTLS(logger logging.Logger) (*dtls.Config, error) {
	suites, err := dtls.ParseCipherSuites(c.CipherSuites)
	if err != nil {
		return nil, err
	}

	var cfg *dtls.Config
	switch c.Mode {
	case ModePSK:
		key, err := dtls.DecodePSK(c.PSK)
		if err != nil {
			return nil, err
		}
		cfg = dtls.NewClientPSKConfig([]byte(c.Identity), key, suites)
	case ModeCertificate:
		var roots *x509.CertPool
		if c.CAFile != "" {
			pem, err := os.ReadFile(c.CAFile)
			if err != nil {
				return nil, fmt.Errorf("read ca_file: %w", err)
			}
			roots = x509.NewCertPool()
			if !roots.AppendCertsFromPEM(pem) {
				return nil, fmt.Errorf("%w: no certificates in %s", ErrInvalid, c.CAFile)
			}
		}
		cfg = dtls.NewClientCertificateConfig(roots, c.ServerName, c.Debug, suites)
	default:
		return nil, fmt.Errorf("%w: unknown mode %q", ErrInvalid, c.Mode)
	}

	cfg.HandshakeTimeout = c.HandshakeTimeout.Duration
	cfg.ConnectionIDSize = c.ConnectionIDSize
	cfg.SendConnectionID = c.SendConnectionID
	cfg.DTLS.FlightInterval = c.FlightInterval.Duration
	cfg.Logger = logger
	return cfg, nil
}
