package certs

import (
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/acme"
	"golang.org/x/crypto/acme/autocert"
)

// Issuer performs the acquisition steps against a certificate authority.
type Issuer interface {
	// Authorize opens an order for domains and returns the challenges that
	// must be served before validation.
	Authorize(ctx context.Context, domains []string) (*Order, error)
	// Validate asks the authority to check the published challenges and
	// waits until the order is ready.
	Validate(ctx context.Context, order *Order) error
	// Finalize submits a CSR signed by key and returns the DER chain, leaf first.
	Finalize(ctx context.Context, order *Order, key crypto.Signer) ([][]byte, error)
}

// Order is an in-flight certificate order.
type Order struct {
	Domains     []string
	URI         string
	FinalizeURL string
	AuthzURLs   []string
	Challenges  []Challenge
}

// Challenge is one http-01 token and the body to serve for it.
type Challenge struct {
	URI     string
	Token   string
	KeyAuth string
}

const accountKeyName = "acme_account+key"

// ACMEIssuer runs the RFC 8555 order flow with http-01 challenges.
type ACMEIssuer struct {
	client  *acme.Client
	contact []string

	mu         sync.Mutex
	registered bool
}

// NewACMEIssuer creates an issuer for the directory, signing requests with accountKey.
func NewACMEIssuer(directoryURL string, accountKey crypto.Signer, contact string) *ACMEIssuer {
	iss := &ACMEIssuer{
		client: &acme.Client{
			Key:          accountKey,
			DirectoryURL: directoryURL,
			UserAgent:    "allegedly",
		},
	}
	if contact != "" {
		iss.contact = []string{"mailto:" + contact}
	}
	return iss
}

func (i *ACMEIssuer) register(ctx context.Context) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.registered {
		return nil
	}
	_, err := i.client.Register(ctx, &acme.Account{Contact: i.contact}, acme.AcceptTOS)
	if err != nil && !errors.Is(err, acme.ErrAccountAlreadyExists) {
		return fmt.Errorf("register account: %w", err)
	}
	i.registered = true
	return nil
}

func (i *ACMEIssuer) Authorize(ctx context.Context, domains []string) (*Order, error) {
	if err := i.register(ctx); err != nil {
		return nil, err
	}
	o, err := i.client.AuthorizeOrder(ctx, acme.DomainIDs(domains...))
	if err != nil {
		return nil, fmt.Errorf("authorize order: %w", err)
	}
	order := &Order{
		Domains:     domains,
		URI:         o.URI,
		FinalizeURL: o.FinalizeURL,
		AuthzURLs:   o.AuthzURLs,
	}
	for _, u := range o.AuthzURLs {
		z, err := i.client.GetAuthorization(ctx, u)
		if err != nil {
			return nil, fmt.Errorf("get authorization: %w", err)
		}
		if z.Status == acme.StatusValid {
			continue
		}
		var chal *acme.Challenge
		for _, c := range z.Challenges {
			if c.Type == "http-01" {
				chal = c
				break
			}
		}
		if chal == nil {
			return nil, fmt.Errorf("no http-01 challenge offered for %s", z.Identifier.Value)
		}
		keyAuth, err := i.client.HTTP01ChallengeResponse(chal.Token)
		if err != nil {
			return nil, err
		}
		order.Challenges = append(order.Challenges, Challenge{URI: chal.URI, Token: chal.Token, KeyAuth: keyAuth})
	}
	return order, nil
}

func (i *ACMEIssuer) Validate(ctx context.Context, order *Order) error {
	for _, c := range order.Challenges {
		if _, err := i.client.Accept(ctx, &acme.Challenge{URI: c.URI}); err != nil {
			return fmt.Errorf("accept challenge: %w", err)
		}
	}
	for _, u := range order.AuthzURLs {
		if _, err := i.client.WaitAuthorization(ctx, u); err != nil {
			return fmt.Errorf("wait authorization: %w", err)
		}
	}
	if _, err := i.client.WaitOrder(ctx, order.URI); err != nil {
		return fmt.Errorf("wait order: %w", err)
	}
	return nil
}

func (i *ACMEIssuer) Finalize(ctx context.Context, order *Order, key crypto.Signer) ([][]byte, error) {
	csr, err := x509.CreateCertificateRequest(rand.Reader, &x509.CertificateRequest{DNSNames: order.Domains}, key)
	if err != nil {
		return nil, err
	}
	der, _, err := i.client.CreateOrderCert(ctx, order.FinalizeURL, csr, true)
	if err != nil {
		return nil, fmt.Errorf("finalize order: %w", err)
	}
	return der, nil
}

// LoadAccountKey reads the ACME account key from cache, generating and
// storing a new one on first use.
func LoadAccountKey(ctx context.Context, cache autocert.Cache) (crypto.Signer, error) {
	data, err := cache.Get(ctx, accountKeyName)
	if err == nil {
		block, _ := pem.Decode(data)
		if block == nil {
			return nil, fmt.Errorf("%s: no PEM block", accountKeyName)
		}
		return x509.ParseECPrivateKey(block.Bytes)
	}
	if !errors.Is(err, autocert.ErrCacheMiss) {
		return nil, err
	}

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, err
	}
	der, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		return nil, err
	}
	if err := cache.Put(ctx, accountKeyName, pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: der})); err != nil {
		return nil, err
	}
	log.Info().Msg("Generated ACME account key")
	return key, nil
}
