package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"slugbin/cfg"
	"slugbin/pkg/secrets"
	"slugbin/svc/api"
	"slugbin/svc/cache"
	"slugbin/svc/db"
	"slugbin/svc/lim"
	"slugbin/svc/svc"
	"slugbin/svc/util"
	"slugbin/svc/verify"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 30 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API with the background cleaner (default)",
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	c, err := loadConfig()
	if err != nil {
		return err
	}
	defer c.Wipe()
	util.Info().Str("environment", c.Environment).Msg("starting slugbin")

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	adapter, err := secrets.NewAdapter(ctx)
	if err != nil {
		return errors.Wrap(err, "init secrets adapter")
	}
	var secretSrc secrets.Provider
	if adapter.HasPrimary() {
		sc := secrets.NewCache(adapter, c.SecretsCacheTTL)
		defer sc.Stop()
		secretSrc = sc
		util.Info().Dur("ttl", c.SecretsCacheTTL).Msg("remote secret store enabled")
	}
	resolveSecret(ctx, secretSrc, "ADDRESS_PEPPER", &c.AddressPepper)
	resolveSecret(ctx, secretSrc, "ADMIN_TOKEN", &c.AdminToken)

	var hasher *util.AddrHasher
	if !c.AddressPepper.Empty() {
		pepper := []byte(c.AddressPepper.Value())
		hasher, err = util.NewAddrHasher(pepper)
		util.Wipe(pepper)
		if err != nil {
			return errors.Wrap(err, "init address hasher")
		}
		defer hasher.Stop()
		util.Info().Msg("client addresses are pseudonymised")
	}

	opts, err := cfg.LoadOptions(c.OptionsFile)
	if err != nil {
		return err
	}

	store, err := openStore(c)
	if err != nil {
		return errors.Wrap(err, "init database")
	}
	defer store.Close()
	util.Info().Str("path", c.DatabasePath).Msg("database initialized")

	var rdb *db.Redis
	if c.RedisURL != "" {
		rdb, err = db.NewRedis(c.RedisURL, c)
		if err != nil {
			if c.Environment == "production" {
				return errors.Wrap(err, "redis configured but unreachable")
			}
			util.Warn().Err(err).Msg("redis unavailable, continuing without it")
			rdb = nil
		} else {
			defer rdb.Close()
			util.Info().Msg("redis connected")
		}
	}

	var svcOpts []svc.Option
	if c.ViewCacheSize > 0 {
		seen, err := cache.NewSeen(c.ViewCacheSize)
		if err != nil {
			return err
		}
		svcOpts = append(svcOpts, svc.WithSeenCache(seen))
	}

	verifier, siteKey := buildVerifier(c, secretSrc)
	paste := svc.NewPaste(store, opts, verifier, c.MaxPasteChars, svcOpts...)

	var (
		counter lim.Counter
		locker  svc.Locker
		redisUp api.Pinger
	)
	if rdb != nil {
		counter, locker, redisUp = rdb, rdb, rdb
	}
	limiter, err := lim.New(c.RateLimit.RPM, c.RateLimit.Burst, c.RateLimit.ConservativeLimit, counter, c.TrustedProxies)
	if err != nil {
		return err
	}
	defer limiter.Stop()

	server := api.NewServer(api.Deps{
		Cfg:     c,
		Paste:   paste,
		Limiter: limiter,
		Hasher:  hasher,
		DB:      store,
		Redis:   redisUp,
		SiteKey: siteKey,
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(server.Start)
	g.Go(func() error {
		<-gctx.Done()
		util.Info().Msg("shutting down gracefully")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		err := server.Shutdown(shutdownCtx)
		paste.Shutdown(shutdownCtx)
		return err
	})
	g.Go(func() error {
		store.RunWALMaintenance(gctx, 0)
		return nil
	})
	if c.PurgeInterval > 0 {
		g.Go(func() error {
			return paste.RunCleaner(gctx, c.PurgeInterval, locker)
		})
	} else {
		util.Info().Msg("background purge disabled")
	}
	if err := g.Wait(); err != nil {
		return err
	}
	util.Info().Msg("shutdown complete")
	return nil
}

// resolveSecret fills dst from the remote secret store when the environment
// did not provide a value.
func resolveSecret(ctx context.Context, src secrets.Provider, key string, dst *cfg.Secret) {
	if src == nil || !dst.Empty() {
		return
	}
	v, err := src.GetSecret(ctx, key)
	if err != nil {
		if !errors.Is(err, secrets.ErrNotFound) {
			util.Warn().Err(err).Str("key", key).Msg("secret lookup failed")
		}
		return
	}
	*dst = cfg.NewSecret(v)
}

// buildVerifier enables reCAPTCHA when a site key is configured and a secret
// can be found, either inline or in the remote store.
func buildVerifier(c *cfg.Cfg, src secrets.Provider) (verify.Verifier, string) {
	if c.Recaptcha.SiteKey == "" {
		return verify.Noop{}, ""
	}
	var secret verify.SecretSource
	switch {
	case !c.Recaptcha.SecretKey.Empty():
		secret = verify.StaticSecret(c.Recaptcha.SecretKey.Value())
	case src != nil:
		secret = src
	default:
		util.Warn().Msg("RECAPTCHA_SITE_KEY set without a secret, verification disabled")
		return verify.Noop{}, ""
	}
	rc := verify.NewRecaptcha(verify.RecaptchaConfig{
		SiteKey:  c.Recaptcha.SiteKey,
		MinScore: c.Recaptcha.MinScore,
		Action:   c.Recaptcha.Action,
		Timeout:  c.Recaptcha.Timeout,
	}, secret)
	util.Info().
		Float64("min_score", c.Recaptcha.MinScore).
		Str("action", c.Recaptcha.Action).
		Msg("reCAPTCHA verification enabled")
	return rc, rc.SiteKey()
}
