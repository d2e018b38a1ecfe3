// Package headless contains browser sessions that execute JavaScript via Chrome.
package headless

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/fetch"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/JakeFAU/threadscan/internal/crawler"
)

// Config controls the behavior of the headless browser.
type Config struct {
	MaxParallel      int
	ExecPath         string
	UserAgent        string
	ProxyServer      string
	ProxyUsername    string
	ProxyPassword    string
	NoSandbox        bool
	IgnoreCertErrors bool
}

// Browser implements crawler.Browser using chromedp and headless Chrome.
// Every session is a separate tab of one shared Chrome process.
type Browser struct {
	cfg         Config
	logger      *zap.Logger
	limiter     chan struct{}
	allocator   context.Context
	allocCancel context.CancelFunc
}

// NewChromedp creates a headless browser backed by chromedp. Chrome itself is
// started lazily by the first session.
func NewChromedp(cfg Config, logger *zap.Logger) (*Browser, error) {
	if cfg.MaxParallel < 0 {
		return nil, fmt.Errorf("max parallel must be >= 0")
	}
	if cfg.ProxyUsername != "" && cfg.ProxyServer == "" {
		return nil, fmt.Errorf("proxy credentials require a proxy server")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	var limiter chan struct{}
	if cfg.MaxParallel > 0 {
		limiter = make(chan struct{}, cfg.MaxParallel)
	}

	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), allocatorOptions(cfg)...)

	return &Browser{
		cfg:         cfg,
		logger:      logger,
		limiter:     limiter,
		allocator:   allocCtx,
		allocCancel: allocCancel,
	}, nil
}

func allocatorOptions(cfg Config) []chromedp.ExecAllocatorOption {
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", "new"),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("hide-scrollbars", true),
		chromedp.Flag("enable-automation", false),
	)
	if cfg.ExecPath != "" {
		opts = append(opts, chromedp.ExecPath(cfg.ExecPath))
	}
	if cfg.NoSandbox {
		opts = append(opts, chromedp.NoSandbox)
	}
	if cfg.IgnoreCertErrors {
		opts = append(opts, chromedp.IgnoreCertErrors)
	}
	if cfg.ProxyServer != "" {
		opts = append(opts, chromedp.ProxyServer(cfg.ProxyServer))
	}
	if cfg.UserAgent != "" {
		opts = append(opts, chromedp.UserAgent(cfg.UserAgent))
	}
	return opts
}

// Close shuts down Chrome.
func (b *Browser) Close() {
	b.allocCancel()
}

// NewSession opens a new tab. The tab holds a parallelism slot until closed.
func (b *Browser) NewSession(ctx context.Context) (crawler.Session, error) {
	if err := b.acquire(ctx); err != nil {
		return nil, err
	}
	tabCtx, tabCancel := chromedp.NewContext(b.allocator)
	if b.proxyAuth() {
		chromedp.ListenTarget(tabCtx, b.answerAuth(tabCtx))
	}
	if err := chromedp.Run(tabCtx, b.setupAction()); err != nil {
		tabCancel()
		b.release()
		return nil, fmt.Errorf("open tab: %w", err)
	}
	return &session{
		tab:     tabCtx,
		cancel:  tabCancel,
		release: b.release,
	}, nil
}

func (b *Browser) proxyAuth() bool {
	return b.cfg.ProxyServer != "" && b.cfg.ProxyUsername != ""
}

func (b *Browser) setupAction() chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		if err := network.Enable().Do(ctx); err != nil {
			return fmt.Errorf("enable network domain: %w", err)
		}
		if b.cfg.UserAgent != "" {
			if err := emulation.SetUserAgentOverride(b.cfg.UserAgent).Do(ctx); err != nil {
				return fmt.Errorf("set user-agent: %w", err)
			}
		}
		if b.proxyAuth() {
			if err := fetch.Enable().WithHandleAuthRequests(true).Do(ctx); err != nil {
				return fmt.Errorf("enable fetch domain: %w", err)
			}
		}
		return nil
	})
}

// answerAuth supplies proxy credentials for auth challenges and resumes every
// request paused by the fetch domain.
func (b *Browser) answerAuth(tabCtx context.Context) func(ev any) {
	return func(ev any) {
		switch e := ev.(type) {
		case *fetch.EventAuthRequired:
			go b.runOnTab(tabCtx, fetch.ContinueWithAuth(e.RequestID, &fetch.AuthChallengeResponse{
				Response: fetch.AuthChallengeResponseResponseProvideCredentials,
				Username: b.cfg.ProxyUsername,
				Password: b.cfg.ProxyPassword,
			}))
		case *fetch.EventRequestPaused:
			go b.runOnTab(tabCtx, fetch.ContinueRequest(e.RequestID))
		}
	}
}

func (b *Browser) runOnTab(tabCtx context.Context, action chromedp.Action) {
	c := chromedp.FromContext(tabCtx)
	if c == nil || c.Target == nil {
		return
	}
	if err := action.Do(cdp.WithExecutor(tabCtx, c.Target)); err != nil && tabCtx.Err() == nil {
		b.logger.Debug("fetch domain reply failed", zap.Error(err))
	}
}

func (b *Browser) acquire(ctx context.Context) error {
	if b.limiter == nil {
		return nil
	}
	select {
	case b.limiter <- struct{}{}:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("headless slot wait canceled: %w", ctx.Err())
	}
}

func (b *Browser) release() {
	if b.limiter == nil {
		return
	}
	select {
	case <-b.limiter:
	default:
	}
}

type session struct {
	tab     context.Context
	cancel  context.CancelFunc
	release func()
	closed  bool
}

// op derives a per-call context from the tab that also ends when the
// caller's context does.
func (s *session) op(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	opCtx, cancel := context.WithTimeout(s.tab, timeout)
	stop := context.AfterFunc(ctx, cancel)
	return opCtx, func() {
		stop()
		cancel()
	}
}

func (s *session) Navigate(ctx context.Context, url string, timeout time.Duration) error {
	opCtx, cancel := s.op(ctx, timeout)
	defer cancel()
	if err := chromedp.Run(opCtx, chromedp.Navigate(url)); err != nil {
		return fmt.Errorf("navigate %s: %w", url, err)
	}
	return nil
}

func (s *session) WaitFor(ctx context.Context, selector string, timeout time.Duration) error {
	opCtx, cancel := s.op(ctx, timeout)
	defer cancel()
	err := chromedp.Run(opCtx, chromedp.WaitVisible(selector, chromedp.ByQuery))
	if err == nil {
		return nil
	}
	if ctx.Err() == nil && errors.Is(opCtx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w: %s after %s", crawler.ErrSelectorTimeout, selector, timeout)
	}
	return fmt.Errorf("wait for %s: %w", selector, err)
}

func (s *session) HTML(ctx context.Context) (string, error) {
	opCtx, cancel := s.op(ctx, 10*time.Second)
	defer cancel()
	var html string
	if err := chromedp.Run(opCtx, chromedp.OuterHTML("html", &html, chromedp.ByQuery)); err != nil {
		return "", fmt.Errorf("read html: %w", err)
	}
	return html, nil
}

func (s *session) Close() {
	if s.closed {
		return
	}
	s.closed = true
	s.cancel()
	s.release()
}
