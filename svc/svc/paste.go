package svc

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"slugbin/metrics"
	"slugbin/pkg/domain"
	"slugbin/svc/cache"
	"slugbin/svc/util"
	"slugbin/svc/verify"

	"github.com/pkg/errors"
)

const maxSlugAttempts = 5

// Store is the durable state behind the lifecycle. *db.SQLite implements it.
type Store interface {
	Create(ctx context.Context, p *domain.Paste) (*domain.Paste, error)
	FindBySlug(ctx context.Context, slug string) (*domain.Paste, error)
	FindActiveBySlug(ctx context.Context, slug string) (*domain.Paste, error)
	RegisterUniqueView(ctx context.Context, slug, viewer string) (bool, error)
	SoftDelete(ctx context.Context, slug string) error
	PurgeExpired(ctx context.Context) (int, error)
}

type Paste struct {
	store    Store
	opts     *domain.Options
	verifier verify.Verifier
	seen     *cache.Seen
	maxChars int
	newSlug  func() (string, error)
	now      func() time.Time
	shutdown atomic.Bool
	opWg     sync.WaitGroup
}

type Option func(*Paste)

// WithSeenCache lets repeat views by the same viewer skip the view
// transaction.
func WithSeenCache(s *cache.Seen) Option {
	return func(p *Paste) { p.seen = s }
}

func WithSlugGenerator(gen func() (string, error)) Option {
	return func(p *Paste) { p.newSlug = gen }
}

func WithClock(now func() time.Time) Option {
	return func(p *Paste) { p.now = now }
}

func NewPaste(store Store, opts *domain.Options, v verify.Verifier, maxChars int, options ...Option) *Paste {
	if store == nil || opts == nil {
		panic("paste service: nil dependency (store or options)")
	}
	if v == nil {
		v = verify.Noop{}
	}
	if maxChars <= 0 {
		maxChars = 50000
	}
	p := &Paste{
		store:    store,
		opts:     opts,
		verifier: v,
		maxChars: maxChars,
		newSlug:  util.GenSlug,
		now:      time.Now,
	}
	for _, o := range options {
		o(p)
	}
	return p
}

func (p *Paste) Options() *domain.Options { return p.opts }
func (p *Paste) MaxChars() int            { return p.maxChars }

func (p *Paste) begin() error {
	if p.shutdown.Load() {
		return domain.ErrShuttingDown
	}
	p.opWg.Add(1)
	return nil
}

// Shutdown refuses new operations and waits for in-flight ones, up to ctx.
func (p *Paste) Shutdown(ctx context.Context) {
	p.shutdown.Store(true)
	done := make(chan struct{})
	go func() {
		p.opWg.Wait()
		close(done)
	}()
	select {
	case <-done:
		util.Debug().Msg("paste service shutdown complete")
	case <-ctx.Done():
		util.Warn().Msg("paste operations didn't finish before shutdown deadline")
	}
}

// Create consults the human verifier when it is enabled and then runs the
// shared creation path.
func (p *Paste) Create(ctx context.Context, params domain.CreateParams) (*domain.Paste, error) {
	if err := p.begin(); err != nil {
		return nil, err
	}
	defer p.opWg.Done()
	if p.verifier.Enabled() {
		ok, err := p.verifier.Verify(ctx, params.VerificationToken, params.RemoteIP)
		if err != nil {
			metrics.VerifierRejections.Inc()
			util.Warn().Err(err).
				Str("request_id", util.GetRequestID(ctx)).
				Str("ip", util.RedactIP(params.RemoteIP)).
				Msg("verifier unavailable, rejecting create")
			return nil, domain.ErrVerificationFailed.Wrap(err)
		}
		if !ok {
			metrics.VerifierRejections.Inc()
			util.Info().
				Str("request_id", util.GetRequestID(ctx)).
				Str("ip", util.RedactIP(params.RemoteIP)).
				Str("token", util.RedactToken(params.VerificationToken)).
				Msg("verifier rejected create")
			return nil, domain.ErrVerificationFailed
		}
	}
	paste, err := p.create(ctx, params.Content, params.Language, params.Expiration, params.CreatorAddr)
	if err != nil {
		return nil, err
	}
	metrics.PasteCreated.Inc()
	util.Info().
		Str("request_id", util.GetRequestID(ctx)).
		Str("slug", paste.Slug).
		Str("language", paste.Language).
		Time("expires_at", paste.ExpiresAt).
		Msg("paste created")
	return paste, nil
}

func (p *Paste) validate(content string) error {
	if strings.TrimSpace(content) == "" {
		return domain.ErrInvalidContent.WithMsg("Paste content is required.")
	}
	if utf8.RuneCountInString(content) > p.maxChars {
		return domain.ErrInvalidContent.WithMsg(fmt.Sprintf("Paste content exceeds %d characters.", p.maxChars))
	}
	return nil
}

func (p *Paste) create(ctx context.Context, content, language, expiration, creator string) (*domain.Paste, error) {
	if err := p.validate(content); err != nil {
		return nil, err
	}
	lang, coerced := p.opts.ResolveLanguage(language)
	if coerced {
		metrics.OptionCoerced.WithLabelValues("language").Inc()
	}
	_, ttl, coerced := p.opts.ResolveExpiration(expiration)
	if coerced {
		metrics.OptionCoerced.WithLabelValues("expiration").Inc()
	}
	for attempt := 0; attempt < maxSlugAttempts; attempt++ {
		slug, err := p.newSlug()
		if err != nil {
			return nil, errors.Wrap(err, "gen slug")
		}
		now := p.now()
		created, err := p.store.Create(ctx, &domain.Paste{
			Slug:        slug,
			Content:     content,
			Language:    lang,
			CreatedAt:   now,
			ExpiresAt:   now.Add(ttl),
			CreatorAddr: creator,
		})
		if errors.Is(err, domain.ErrDuplicateSlug) {
			metrics.SlugCollisions.Inc()
			util.Debug().Str("slug", slug).Int("attempt", attempt+1).Msg("slug collision")
			continue
		}
		if err != nil {
			return nil, err
		}
		return created, nil
	}
	util.Error().Int("attempts", maxSlugAttempts).Msg("slug allocation exhausted")
	return nil, domain.ErrSlugExhausted
}

// View returns the active paste and records viewer as a distinct visitor. A
// nil result means the paste is absent, deleted or expired; callers cannot
// tell which.
func (p *Paste) View(ctx context.Context, slug, viewer string) (*domain.ViewResult, error) {
	if err := p.begin(); err != nil {
		return nil, err
	}
	defer p.opWg.Done()
	paste, err := p.store.FindActiveBySlug(ctx, slug)
	if err != nil {
		return nil, err
	}
	if paste == nil {
		return nil, nil
	}
	if p.seen.Has(slug, viewer) {
		metrics.ViewCacheHits.Inc()
		metrics.PasteViewed.Inc()
		return domain.NewViewResult(paste, viewer), nil
	}
	if p.seen != nil {
		metrics.ViewCacheMisses.Inc()
	}
	if _, err := p.store.RegisterUniqueView(ctx, slug, viewer); err != nil {
		return nil, err
	}
	p.seen.Mark(slug, viewer, paste.ExpiresAt)
	updated, err := p.store.FindActiveBySlug(ctx, slug)
	if err != nil {
		return nil, err
	}
	if updated == nil {
		return nil, nil
	}
	metrics.PasteViewed.Inc()
	return domain.NewViewResult(updated, viewer), nil
}

// Fork copies an active paste's content and language into a new paste owned
// by creator. Nothing links the copy to its source.
func (p *Paste) Fork(ctx context.Context, slug, creator, expiration string) (*domain.Paste, error) {
	if err := p.begin(); err != nil {
		return nil, err
	}
	defer p.opWg.Done()
	source, err := p.store.FindActiveBySlug(ctx, slug)
	if err != nil {
		return nil, err
	}
	if source == nil {
		return nil, domain.ErrNotFound.WithMsg("Paste not found for fork.")
	}
	forked, err := p.create(ctx, source.Content, source.Language, expiration, creator)
	if err != nil {
		return nil, err
	}
	metrics.PasteForked.Inc()
	util.Info().
		Str("request_id", util.GetRequestID(ctx)).
		Str("slug", forked.Slug).
		Msg("paste forked")
	return forked, nil
}

// Delete soft-deletes slug when requester created it. Absent, already
// deleted and foreign pastes all yield false so callers cannot probe for
// existence.
func (p *Paste) Delete(ctx context.Context, slug, requester string) (bool, error) {
	if err := p.begin(); err != nil {
		return false, err
	}
	defer p.opWg.Done()
	paste, err := p.store.FindBySlug(ctx, slug)
	if err != nil {
		return false, err
	}
	if paste == nil || paste.Deleted || paste.CreatorAddr != requester {
		metrics.PasteDeleteDenied.Inc()
		return false, nil
	}
	if err := p.store.SoftDelete(ctx, slug); err != nil {
		return false, err
	}
	p.seen.Forget(slug)
	metrics.PasteDeleted.Inc()
	util.Info().
		Str("request_id", util.GetRequestID(ctx)).
		Str("slug", slug).
		Msg("paste deleted by creator")
	return true, nil
}

func (p *Paste) PurgeExpired(ctx context.Context) (int, error) {
	n, err := p.store.PurgeExpired(ctx)
	metrics.PurgeCycles.Inc()
	if n > 0 {
		metrics.PastesPurged.Add(float64(n))
	}
	return n, err
}
