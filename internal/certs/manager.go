// Package certs obtains and renews the proxy's TLS certificate over ACME.
package certs

import (
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/SteelMorgan/allegedly/internal/clock"
	"github.com/SteelMorgan/allegedly/internal/errmodel"
	"github.com/SteelMorgan/allegedly/internal/observability"
	"github.com/SteelMorgan/allegedly/internal/retry"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/crypto/acme/autocert"
)

// State is a position in the certificate lifecycle.
type State int

const (
	Uninitialized State = iota
	ObtainingChallenge
	AwaitingValidation
	CertificateIssued
	Renewing
	Failed
)

func (s State) String() string {
	switch s {
	case Uninitialized:
		return "uninitialized"
	case ObtainingChallenge:
		return "obtaining_challenge"
	case AwaitingValidation:
		return "awaiting_validation"
	case CertificateIssued:
		return "certificate_issued"
	case Renewing:
		return "renewing"
	case Failed:
		return "failed"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Config configures a Manager.
type Config struct {
	Domains    []string
	Cache      autocert.Cache
	Issuer     Issuer
	Challenges *ChallengeStore

	StepTimeout time.Duration // bound on each acquisition step attempt
	MaxAttempts int           // attempts per step before Failed
	RenewBefore time.Duration // renew this long ahead of expiry
	RetryDelay  time.Duration // first backoff between attempts

	Clock   clock.Clock
	Metrics *observability.Metrics
}

func (c *Config) setDefaults() {
	if c.StepTimeout <= 0 {
		c.StepTimeout = 2 * time.Minute
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 5
	}
	if c.RenewBefore <= 0 {
		c.RenewBefore = 30 * 24 * time.Hour
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = 2 * time.Second
	}
	if c.Challenges == nil {
		c.Challenges = NewChallengeStore()
	}
	c.Clock = clock.Or(c.Clock)
}

// Manager drives the certificate state machine. Run performs the work;
// GetCertificate serves whatever certificate is current.
type Manager struct {
	cfg Config

	mu    sync.RWMutex
	state State
	cert  *tls.Certificate

	ready     chan struct{}
	readyOnce sync.Once
}

// NewManager validates cfg and returns a manager in Uninitialized.
func NewManager(cfg Config) (*Manager, error) {
	if len(cfg.Domains) == 0 {
		return nil, errmodel.Configf("certificate manager needs at least one domain")
	}
	if cfg.Cache == nil || cfg.Issuer == nil {
		return nil, errmodel.Configf("certificate manager needs a cache and an issuer")
	}
	cfg.setDefaults()
	return &Manager{cfg: cfg, ready: make(chan struct{})}, nil
}

// Ready is closed once a certificate is installed.
func (m *Manager) Ready() <-chan struct{} { return m.ready }

func (m *Manager) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// Challenges returns the store the plain HTTP listener must serve.
func (m *Manager) Challenges() *ChallengeStore { return m.cfg.Challenges }

// GetCertificate is suitable for tls.Config.GetCertificate.
func (m *Manager) GetCertificate(*tls.ClientHelloInfo) (*tls.Certificate, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.cert == nil {
		return nil, errors.New("no certificate issued yet")
	}
	return m.cert, nil
}

func (m *Manager) setState(s State) {
	m.mu.Lock()
	prev := m.state
	m.state = s
	m.mu.Unlock()
	if prev == s {
		return
	}
	m.cfg.Metrics.CertificateState(s.String(), int(s))
	ev := log.Info()
	if s == Failed {
		ev = log.Error()
	}
	ev.Str("from", prev.String()).
		Str("to", s.String()).
		Strs("domains", m.cfg.Domains).
		Msg("Certificate state changed")
}

func (m *Manager) install(cert *tls.Certificate) {
	m.mu.Lock()
	m.cert = cert
	m.mu.Unlock()
	m.setState(CertificateIssued)
	m.readyOnce.Do(func() { close(m.ready) })
}

// Run installs a cached or freshly issued certificate and keeps it renewed
// until ctx is done. It returns a Certificate error when acquisition runs
// out of attempts or the current certificate expires without a successor.
func (m *Manager) Run(ctx context.Context) error {
	cert, err := m.loadCached(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("Ignoring unusable cached certificate")
	}
	if cert == nil {
		cert, err = m.obtain(ctx, false)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			m.setState(Failed)
			return err
		}
	} else {
		log.Info().Time("not_after", cert.Leaf.NotAfter).Msg("Using cached certificate")
	}
	m.install(cert)

	renewAt := cert.Leaf.NotAfter.Add(-m.cfg.RenewBefore)
	for {
		wait := renewAt.Sub(m.cfg.Clock.Now())
		if err := retry.Sleep(ctx, m.cfg.Clock, wait); err != nil {
			return nil
		}

		m.setState(Renewing)
		next, err := m.obtain(ctx, true)
		if err == nil {
			m.install(next)
			cert = next
			renewAt = cert.Leaf.NotAfter.Add(-m.cfg.RenewBefore)
			continue
		}
		if ctx.Err() != nil {
			return nil
		}
		now := m.cfg.Clock.Now()
		if !now.Before(cert.Leaf.NotAfter) {
			m.setState(Failed)
			return errmodel.Certificate("renew", fmt.Errorf("certificate expired at %s: %w", cert.Leaf.NotAfter, err))
		}
		log.Error().Err(err).Time("not_after", cert.Leaf.NotAfter).Msg("Certificate renewal failed, keeping current certificate")
		m.setState(CertificateIssued)
		renewAt = now.Add(time.Hour)
		if renewAt.After(cert.Leaf.NotAfter) {
			renewAt = cert.Leaf.NotAfter
		}
	}
}

func (m *Manager) cacheKey() string { return m.cfg.Domains[0] }

// loadCached returns the cached certificate when it covers every domain
// and has not expired.
func (m *Manager) loadCached(ctx context.Context) (*tls.Certificate, error) {
	data, err := m.cfg.Cache.Get(ctx, m.cacheKey())
	if errors.Is(err, autocert.ErrCacheMiss) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	cert, err := decodeCert(data)
	if err != nil {
		return nil, err
	}
	if !m.cfg.Clock.Now().Before(cert.Leaf.NotAfter) {
		return nil, fmt.Errorf("cached certificate expired at %s", cert.Leaf.NotAfter)
	}
	for _, d := range m.cfg.Domains {
		if err := cert.Leaf.VerifyHostname(d); err != nil {
			return nil, err
		}
	}
	return cert, nil
}

// obtain runs one full order. During renewal the state stays Renewing.
func (m *Manager) obtain(ctx context.Context, renewing bool) (cert *tls.Certificate, err error) {
	ctx, span := observability.StartSpan(ctx, "certs.obtain",
		attribute.String("certs.domains", strings.Join(m.cfg.Domains, ",")),
		attribute.Bool("certs.renewal", renewing),
	)
	defer func() { observability.EndSpan(span, err, "obtain certificate") }()

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, errmodel.Certificate("generate key", err)
	}

	if !renewing {
		m.setState(ObtainingChallenge)
	}
	order, err := step(ctx, m, "authorize", func(ctx context.Context) (*Order, error) {
		return m.cfg.Issuer.Authorize(ctx, m.cfg.Domains)
	})
	if err != nil {
		return nil, err
	}

	for _, c := range order.Challenges {
		m.cfg.Challenges.Put(c.Token, c.KeyAuth)
	}
	defer func() {
		for _, c := range order.Challenges {
			m.cfg.Challenges.Delete(c.Token)
		}
	}()

	if !renewing {
		m.setState(AwaitingValidation)
	}
	if _, err := step(ctx, m, "validate", func(ctx context.Context) (struct{}, error) {
		return struct{}{}, m.cfg.Issuer.Validate(ctx, order)
	}); err != nil {
		return nil, err
	}

	chain, err := step(ctx, m, "finalize", func(ctx context.Context) ([][]byte, error) {
		return m.cfg.Issuer.Finalize(ctx, order, key)
	})
	if err != nil {
		return nil, err
	}

	data, err := encodeCert(key, chain)
	if err != nil {
		return nil, errmodel.Certificate("encode certificate", err)
	}
	cert, err = decodeCert(data)
	if err != nil {
		return nil, errmodel.Certificate("parse issued certificate", err)
	}
	if err := m.cfg.Cache.Put(ctx, m.cacheKey(), data); err != nil {
		log.Warn().Err(err).Msg("Failed to cache certificate")
	}
	log.Info().Time("not_after", cert.Leaf.NotAfter).Strs("domains", m.cfg.Domains).Msg("Certificate issued")
	return cert, nil
}

// step runs fn with a per-attempt timeout, retrying with backoff until the
// attempt budget is spent.
func step[T any](ctx context.Context, m *Manager, name string, fn func(context.Context) (T, error)) (T, error) {
	cfg := retry.Config{
		Name:         "acme " + name,
		MaxAttempts:  m.cfg.MaxAttempts,
		InitialDelay: m.cfg.RetryDelay,
		MaxDelay:     time.Minute,
		Multiplier:   2,
		Clock:        m.cfg.Clock,
		Retryable: func(err error) bool {
			return ctx.Err() == nil
		},
	}
	v, err := retry.DoWithResult(ctx, cfg, func() (T, error) {
		attemptCtx, cancel := context.WithTimeout(ctx, m.cfg.StepTimeout)
		defer cancel()
		return fn(attemptCtx)
	})
	if err != nil {
		return v, errmodel.Certificate(name, err)
	}
	return v, nil
}

// encodeCert produces the autocert cache layout: key PEM, then the chain.
func encodeCert(key crypto.Signer, chain [][]byte) ([]byte, error) {
	ec, ok := key.(*ecdsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("unsupported key type %T", key)
	}
	der, err := x509.MarshalECPrivateKey(ec)
	if err != nil {
		return nil, err
	}
	out := pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: der})
	for _, c := range chain {
		out = append(out, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: c})...)
	}
	return out, nil
}

func decodeCert(data []byte) (*tls.Certificate, error) {
	cert := &tls.Certificate{}
	for {
		var block *pem.Block
		block, data = pem.Decode(data)
		if block == nil {
			break
		}
		switch block.Type {
		case "EC PRIVATE KEY":
			key, err := x509.ParseECPrivateKey(block.Bytes)
			if err != nil {
				return nil, err
			}
			cert.PrivateKey = key
		case "CERTIFICATE":
			cert.Certificate = append(cert.Certificate, block.Bytes)
		}
	}
	if cert.PrivateKey == nil || len(cert.Certificate) == 0 {
		return nil, errors.New("certificate data needs a key and at least one certificate")
	}
	leaf, err := x509.ParseCertificate(cert.Certificate[0])
	if err != nil {
		return nil, err
	}
	cert.Leaf = leaf
	return cert, nil
}
