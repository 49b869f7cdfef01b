package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/sofatutor/httpcache/internal/cache"
	"github.com/sofatutor/httpcache/internal/cachekey"
	"github.com/sofatutor/httpcache/internal/config"
	"github.com/sofatutor/httpcache/internal/encryption"
	"github.com/sofatutor/httpcache/internal/expiration"
	"github.com/sofatutor/httpcache/internal/server"
	"github.com/sofatutor/httpcache/internal/session"
)

func newGetCmd() *cobra.Command {
	var (
		method       string
		headers      []string
		expireAfter  string
		refresh      bool
		onlyIfCached bool
		include      bool
		output       string
	)

	cmd := &cobra.Command{
		Use:   "get URL",
		Short: "Fetch a URL through the cache",
		Long: `Fetch a URL through the cache and write the body to stdout. A fresh cached
response is served without contacting the origin; the X-From-Cache header
tells whether it was.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			var ropts []session.RequestOption
			if expireAfter != "" {
				e, err := expiration.Parse(expireAfter)
				if err != nil {
					return err
				}
				ropts = append(ropts, session.WithExpireAfter(e))
			}
			if refresh {
				ropts = append(ropts, session.WithRefresh())
			}
			if onlyIfCached {
				ropts = append(ropts, session.OnlyIfCached())
			}

			req, err := http.NewRequestWithContext(ctx, strings.ToUpper(method), args[0], nil)
			if err != nil {
				return err
			}
			for _, h := range headers {
				name, value, ok := strings.Cut(h, ":")
				if !ok {
					return fmt.Errorf("invalid header %q, expected \"Name: value\"", h)
				}
				req.Header.Add(strings.TrimSpace(name), strings.TrimSpace(value))
			}

			a, err := openApp(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			sess := session.New(a.ctrl,
				session.WithClient(&http.Client{Timeout: a.cfg.RequestTimeout}),
				session.WithLogger(a.logger))
			res, err := sess.Do(req, ropts...)
			if err != nil {
				return err
			}
			defer func() { _ = res.Body.Close() }()

			out := cmd.OutOrStdout()
			if include {
				fmt.Fprintf(out, "%s %s\n", res.Proto, res.Status)
				if err := res.Header.Write(out); err != nil {
					return err
				}
				fmt.Fprintln(out)
			}
			if output == "" {
				_, err = io.Copy(out, res.Body)
				return err
			}
			f, err := os.Create(output)
			if err != nil {
				return err
			}
			if _, err := io.Copy(f, res.Body); err != nil {
				_ = f.Close()
				return err
			}
			return f.Close()
		},
	}

	cmd.Flags().StringVarP(&method, "method", "X", http.MethodGet, "HTTP method")
	cmd.Flags().StringArrayVarP(&headers, "header", "H", nil, "Request header \"Name: value\" (repeatable)")
	cmd.Flags().StringVar(&expireAfter, "expire-after", "", "Expiration for this request (seconds, Go duration, never, RFC 3339)")
	cmd.Flags().BoolVar(&refresh, "refresh", false, "Revalidate the cached response with the origin")
	cmd.Flags().BoolVar(&onlyIfCached, "only-if-cached", false, "Never contact the origin; 504 on a miss")
	cmd.Flags().BoolVarP(&include, "include", "i", false, "Print the status line and headers")
	cmd.Flags().StringVarP(&output, "output", "o", "", "Write the body to a file")
	return cmd
}

func newDeleteCmd() *cobra.Command {
	var (
		urls   []string
		method string
	)

	cmd := &cobra.Command{
		Use:   "delete [KEY...]",
		Short: "Delete cached responses by key or URL",
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 && len(urls) == 0 {
				return errors.New("nothing to delete: pass keys or --url")
			}
			ctx := cmd.Context()
			a, err := openApp(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			if len(args) > 0 {
				if err := a.ctrl.Delete(ctx, args...); err != nil {
					return err
				}
			}
			if len(urls) > 0 {
				if err := a.ctrl.DeleteURLs(ctx, strings.ToUpper(method), urls...); err != nil {
					return err
				}
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Deleted %d key(s) and %d URL(s)\n", len(args), len(urls))
			for _, u := range urls {
				if normalized, err := cachekey.NormalizeURL(u); err == nil {
					fmt.Fprintf(out, "  %s %s\n", strings.ToUpper(method), normalized)
				}
			}
			return nil
		},
	}

	cmd.Flags().StringArrayVar(&urls, "url", nil, "Delete the response cached for this URL (repeatable)")
	cmd.Flags().StringVarP(&method, "method", "X", http.MethodGet, "HTTP method used with --url")
	return cmd
}

func newPurgeExpiredCmd() *cobra.Command {
	var vacuum bool

	cmd := &cobra.Command{
		Use:   "purge-expired",
		Short: "Delete expired and invalid responses",
		Long: `Delete responses that are expired, no longer match the cache settings or
cannot be decoded, together with redirect aliases pointing nowhere.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := openApp(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			n, err := a.ctrl.DeleteExpiredResponses(ctx)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Deleted %d expired response(s)\n", n)

			if !vacuum {
				return nil
			}
			ok, err := a.stores.Maintain(ctx)
			if err != nil {
				return fmt.Errorf("database maintenance failed: %w", err)
			}
			if ok {
				fmt.Fprintln(out, "Database maintenance completed")
			} else {
				fmt.Fprintf(out, "Backend %s has no maintenance step\n", a.cfg.Backend)
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&vacuum, "vacuum", false, "Reclaim database space afterwards (SQL backends)")
	return cmd
}

func newResetExpirationCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reset-expiration EXPIRE_AFTER",
		Short: "Give every cached response a new expiration",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := expiration.Parse(args[0])
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			a, err := openApp(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			if err := a.ctrl.ResetExpiration(ctx, e); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Expiration reset")
			return nil
		},
	}
}

func newClearCmd() *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "clear",
		Short: "Delete every cached response and redirect alias",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if !force {
				return errors.New("refusing to clear the cache without --force")
			}
			ctx := cmd.Context()
			a, err := openApp(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			if err := a.ctrl.Clear(ctx); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Cleared cache %q\n", a.cfg.CacheName)
			return nil
		},
	}

	cmd.Flags().BoolVarP(&force, "force", "f", false, "Confirm clearing the cache")
	return cmd
}

func newStatsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show the number of cached responses and redirects",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := openApp(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			responses, err := a.ctrl.ResponseCount(ctx)
			if err != nil {
				return err
			}
			redirects, err := a.ctrl.RedirectCount(ctx)
			if err != nil {
				return err
			}
			expired := 0
			now := a.ctrl.Now()
			for resp, err := range a.ctrl.Responses(ctx) {
				if err != nil {
					return err
				}
				if resp.IsExpired(now) {
					expired++
				}
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Cache:     %s\n", a.cfg.CacheName)
			fmt.Fprintf(out, "Backend:   %s\n", a.cfg.Backend)
			fmt.Fprintf(out, "Responses: %d\n", responses)
			fmt.Fprintf(out, "Expired:   %d\n", expired)
			fmt.Fprintf(out, "Redirects: %d\n", redirects)
			return nil
		},
	}
}

func newConfigCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration with secrets masked",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.New()
			if err != nil {
				return err
			}
			data, err := yaml.Marshal(cfg.Redacted())
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(data)
			return err
		},
	}
}

func newKeygenCmd() *cobra.Command {
	var hashToken string

	cmd := &cobra.Command{
		Use:   "keygen",
		Short: "Generate keys for signing and encrypting cached responses",
		Long: `Generate a random CACHE_SECRET_KEY and CACHE_ENCRYPTION_KEY in .env format.
With --hash-token, print the bcrypt hash of a management token instead, to be
used as MANAGEMENT_TOKEN on the server.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			if hashToken != "" {
				hashed, err := encryption.NewTokenHasher().HashToken(hashToken)
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "MANAGEMENT_TOKEN=%s\n", hashed)
				return nil
			}

			secret := make([]byte, 32)
			if _, err := rand.Read(secret); err != nil {
				return fmt.Errorf("failed to generate secret key: %w", err)
			}
			encKey, err := encryption.GenerateKeyBase64()
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "CACHE_SECRET_KEY=%s\n", hex.EncodeToString(secret))
			fmt.Fprintf(out, "CACHE_ENCRYPTION_KEY=%s\n", encKey)
			return nil
		},
	}

	cmd.Flags().StringVar(&hashToken, "hash-token", "", "Management token to hash")
	return cmd
}

func newServeCmd() *cobra.Command {
	var (
		listenAddr    string
		purgeInterval time.Duration
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the management API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if listenAddr != "" {
				if err := os.Setenv("LISTEN_ADDR", listenAddr); err != nil {
					return fmt.Errorf("failed to set LISTEN_ADDR environment variable: %w", err)
				}
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := openApp(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			srv, err := server.New(a.cfg, a.ctrl, a.registry, a.logger)
			if err != nil {
				return err
			}

			if purgeInterval > 0 {
				go purgeLoop(ctx, a.ctrl, purgeInterval, a.logger)
			}

			errCh := make(chan error, 1)
			go func() {
				if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					errCh <- err
				}
				close(errCh)
			}()

			select {
			case err := <-errCh:
				return err
			case <-ctx.Done():
			}

			a.logger.Info("Shutting down management API")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				return fmt.Errorf("server forced to shutdown: %w", err)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&listenAddr, "addr", "", "Address to listen on (overrides LISTEN_ADDR)")
	cmd.Flags().DurationVar(&purgeInterval, "purge-interval", 0, "Delete expired responses at this interval (0 disables)")
	return cmd
}

// purgeLoop deletes expired responses every interval until ctx is done.
func purgeLoop(ctx context.Context, ctrl *cache.Controller, interval time.Duration, logger *zap.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := ctrl.DeleteExpiredResponses(ctx)
			if err != nil {
				logger.Warn("Periodic purge failed", zap.Error(err))
				continue
			}
			logger.Debug("Periodic purge finished", zap.Int("deleted", n))
		}
	}
}
