package mirror

import (
	"context"
	"crypto/tls"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/SteelMorgan/allegedly/internal/config"
	"github.com/SteelMorgan/allegedly/internal/errmodel"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

// Serve listens until ctx is done. With a certificate manager the TLS
// listener only opens once a certificate is installed; if acquisition
// fails the failure policy decides between exiting and plain HTTP.
func (s *Server) Serve(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	if s.limiter != nil {
		g.Go(func() error {
			s.limiter.Run(ctx)
			return nil
		})
	}

	if s.cfg.Certs == nil {
		g.Go(func() error { return s.listen(ctx, s.newServer(s.cfg.Bind, s.handler), false) })
		return g.Wait()
	}

	m := s.cfg.Certs
	certErr := make(chan error, 1)

	g.Go(func() error {
		return s.listen(ctx, s.newServer(s.cfg.ChallengeBind, m.Challenges().Handler(nil)), false)
	})
	g.Go(func() error {
		err := m.Run(ctx)
		select {
		case <-m.Ready():
			// losing a certificate we were serving is always fatal
			return err
		default:
		}
		certErr <- err
		return nil
	})
	g.Go(func() error {
		select {
		case <-ctx.Done():
			return nil
		case <-m.Ready():
			srv := s.newServer(s.cfg.Bind, s.handler)
			srv.TLSConfig = &tls.Config{
				GetCertificate: m.GetCertificate,
				MinVersion:     tls.VersionTLS12,
			}
			return s.listen(ctx, srv, true)
		case err := <-certErr:
			if err == nil {
				return nil
			}
			if s.cfg.FailurePolicy != config.FailPlaintext {
				return err
			}
			log.Error().Err(err).
				Str("bind", s.cfg.Bind).
				Msg("CERTIFICATE ACQUISITION FAILED: serving PLAIN HTTP without TLS")
			return s.listen(ctx, s.newServer(s.cfg.Bind, s.handler), false)
		}
	})
	return g.Wait()
}

func (s *Server) newServer(addr string, h http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
	}
}

// listen serves srv until ctx is done, then drains in-flight requests for
// up to ShutdownGrace.
func (s *Server) listen(ctx context.Context, srv *http.Server, useTLS bool) error {
	ln, err := net.Listen("tcp", srv.Addr)
	if err != nil {
		return errmodel.Configuration("listen", err)
	}

	errCh := make(chan error, 1)
	go func() {
		if useTLS {
			errCh <- srv.ServeTLS(ln, "", "")
			return
		}
		errCh <- srv.Serve(ln)
	}()
	log.Info().Str("address", ln.Addr().String()).Bool("tls", useTLS).Msg("Mirror listening")

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownGrace)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("Graceful shutdown timed out, closing connections")
		srv.Close()
	}
	log.Info().Str("address", ln.Addr().String()).Msg("Mirror stopped")
	return nil
}
