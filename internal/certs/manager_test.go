package certs

import (
	"context"
	"crypto"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"errors"
	"math/big"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/SteelMorgan/allegedly/internal/clock"
	"github.com/SteelMorgan/allegedly/internal/errmodel"
	"golang.org/x/crypto/acme/autocert"
)

var testStart = time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)

// stubIssuer self-signs certificates valid for lifetime.
type stubIssuer struct {
	clk        clock.Clock
	lifetime   time.Duration
	challenges *ChallengeStore

	mu            sync.Mutex
	authorizes    int
	validates     int
	finalizes     int
	validateErr   error
	hangValidate  bool
	sawChallenge  bool
	onFinalize    func(n int)
	statesAtStart []State
	manager       *Manager
}

func (s *stubIssuer) Authorize(ctx context.Context, domains []string) (*Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.authorizes++
	if s.manager != nil {
		s.statesAtStart = append(s.statesAtStart, s.manager.State())
	}
	return &Order{
		Domains:    domains,
		Challenges: []Challenge{{Token: "tok", KeyAuth: "tok.thumb"}},
	}, nil
}

func (s *stubIssuer) Validate(ctx context.Context, order *Order) error {
	s.mu.Lock()
	s.validates++
	if _, ok := s.challenges.get("tok"); ok {
		s.sawChallenge = true
	}
	hang, err := s.hangValidate, s.validateErr
	s.mu.Unlock()

	if hang {
		<-ctx.Done()
		return ctx.Err()
	}
	return err
}

func (s *stubIssuer) Finalize(ctx context.Context, order *Order, key crypto.Signer) ([][]byte, error) {
	s.mu.Lock()
	s.finalizes++
	n := s.finalizes
	s.mu.Unlock()

	der, err := selfSigned(key, order.Domains, s.clk.Now(), s.lifetime)
	if s.onFinalize != nil {
		s.onFinalize(n)
	}
	return [][]byte{der}, err
}

func selfSigned(key crypto.Signer, domains []string, now time.Time, lifetime time.Duration) ([]byte, error) {
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(now.UnixNano()),
		Subject:      pkix.Name{CommonName: domains[0]},
		DNSNames:     domains,
		NotBefore:    now.Add(-time.Hour),
		NotAfter:     now.Add(lifetime),
	}
	return x509.CreateCertificate(rand.Reader, tmpl, tmpl, key.Public(), key)
}

func newTestManager(t *testing.T, iss *stubIssuer, clk clock.Clock) (*Manager, autocert.Cache) {
	t.Helper()
	cache := autocert.DirCache(t.TempDir())
	challenges := NewChallengeStore()
	iss.challenges = challenges
	iss.clk = clk
	if iss.lifetime == 0 {
		iss.lifetime = 90 * 24 * time.Hour
	}
	m, err := NewManager(Config{
		Domains:     []string{"plc.example.com"},
		Cache:       cache,
		Issuer:      iss,
		Challenges:  challenges,
		StepTimeout: 50 * time.Millisecond,
		MaxAttempts: 3,
		RetryDelay:  time.Second,
		Clock:       clk,
	})
	if err != nil {
		t.Fatal(err)
	}
	iss.manager = m
	return m, cache
}

func runAsync(m *Manager, ctx context.Context) <-chan error {
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()
	return done
}

func TestManagerIssuesCertificate(t *testing.T) {
	iss := &stubIssuer{}
	m, cache := newTestManager(t, iss, clock.NewFake(testStart))
	if m.State() != Uninitialized {
		t.Fatalf("initial state = %s", m.State())
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := runAsync(m, ctx)

	select {
	case <-m.Ready():
	case err := <-done:
		t.Fatalf("Run() returned early: %v", err)
	case <-time.After(5 * time.Second):
		t.Fatal("certificate not issued")
	}

	if m.State() != CertificateIssued {
		t.Errorf("state = %s, want %s", m.State(), CertificateIssued)
	}
	cert, err := m.GetCertificate(nil)
	if err != nil || cert.Leaf == nil {
		t.Fatalf("GetCertificate() = %v, %v", cert, err)
	}
	if !iss.sawChallenge {
		t.Error("challenge was not published during validation")
	}
	if _, ok := m.Challenges().get("tok"); ok {
		t.Error("challenge still published after issuance")
	}
	if _, err := cache.Get(context.Background(), "plc.example.com"); err != nil {
		t.Errorf("certificate not cached: %v", err)
	}

	cancel()
	if err := <-done; err != nil {
		t.Errorf("Run() error = %v", err)
	}
}

func TestManagerUsesCachedCertificate(t *testing.T) {
	clk := clock.NewFake(testStart)
	first := &stubIssuer{}
	m1, cache := newTestManager(t, first, clk)
	ctx, cancel := context.WithCancel(context.Background())
	done := runAsync(m1, ctx)
	<-m1.Ready()
	cancel()
	<-done

	second := &stubIssuer{challenges: NewChallengeStore(), clk: clk}
	m2, err := NewManager(Config{
		Domains: []string{"plc.example.com"},
		Cache:   cache,
		Issuer:  second,
		Clock:   clk,
	})
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel = context.WithCancel(context.Background())
	defer cancel()
	runAsync(m2, ctx)
	select {
	case <-m2.Ready():
	case <-time.After(5 * time.Second):
		t.Fatal("cached certificate not installed")
	}
	if second.authorizes != 0 {
		t.Errorf("issuer called %d times, want 0", second.authorizes)
	}
}

func TestManagerFailsWhenValidationUnreachable(t *testing.T) {
	tests := []struct {
		name   string
		issuer *stubIssuer
	}{
		{"validation rejected", &stubIssuer{validateErr: errors.New("connection refused")}},
		{"validation hangs", &stubIssuer{hangValidate: true}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, _ := newTestManager(t, tt.issuer, clock.NewAutoFake(testStart))
			done := runAsync(m, context.Background())

			var err error
			select {
			case err = <-done:
			case <-time.After(5 * time.Second):
				t.Fatal("Run() did not give up")
			}
			if !errmodel.Is(err, errmodel.KindCertificate) {
				t.Errorf("Run() error = %v, want certificate error", err)
			}
			if m.State() != Failed {
				t.Errorf("state = %s, want %s", m.State(), Failed)
			}
			if tt.issuer.validates != 3 {
				t.Errorf("validate attempts = %d, want 3", tt.issuer.validates)
			}
			select {
			case <-m.Ready():
				t.Error("Ready closed without a certificate")
			default:
			}
		})
	}
}

func TestManagerRenewsAheadOfExpiry(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	iss := &stubIssuer{onFinalize: func(n int) {
		if n == 2 {
			cancel()
		}
	}}
	m, _ := newTestManager(t, iss, clock.NewAutoFake(testStart))

	done := runAsync(m, ctx)
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run() error = %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("renewal did not happen")
	}

	want := []State{ObtainingChallenge, Renewing}
	if len(iss.statesAtStart) != len(want) {
		t.Fatalf("states at authorize = %v, want %v", iss.statesAtStart, want)
	}
	for i := range want {
		if iss.statesAtStart[i] != want[i] {
			t.Errorf("authorize %d saw %s, want %s", i, iss.statesAtStart[i], want[i])
		}
	}
}

func TestChallengeHandler(t *testing.T) {
	s := NewChallengeStore()
	s.Put("abc", "abc.key")
	h := s.Handler(nil)

	tests := []struct {
		path string
		code int
		body string
	}{
		{"/.well-known/acme-challenge/abc", http.StatusOK, "abc.key"},
		{"/.well-known/acme-challenge/nope", http.StatusNotFound, ""},
		{"/did:plc:xyz", http.StatusBadRequest, "https required\n"},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, tt.path, nil))
			if rec.Code != tt.code {
				t.Errorf("status = %d, want %d", rec.Code, tt.code)
			}
			if tt.body != "" && rec.Body.String() != tt.body {
				t.Errorf("body = %q, want %q", rec.Body.String(), tt.body)
			}
		})
	}
}

func TestNewManagerValidates(t *testing.T) {
	if _, err := NewManager(Config{}); !errmodel.Is(err, errmodel.KindConfiguration) {
		t.Errorf("NewManager() error = %v", err)
	}
}
