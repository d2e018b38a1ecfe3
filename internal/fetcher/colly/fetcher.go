// Package collyfetcher implements a static crawler.Browser using gocolly.
// Pages are fetched without executing JavaScript, which is enough when the
// server-rendered JSON payloads are present in the initial document.
package collyfetcher

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/gocolly/colly/v2"

	"github.com/JakeFAU/threadscan/internal/crawler"
)

// Config controls collector behavior.
type Config struct {
	UserAgent   string
	ProxyServer string
	Headers     http.Header
}

// Browser implements crawler.Browser using the Colly collector.
type Browser struct {
	cfg           Config
	baseCollector *colly.Collector
}

type collectorHooks interface {
	OnRequest(colly.RequestCallback)
	OnResponse(colly.ResponseCallback)
	OnError(colly.ErrorCallback)
}

// New builds a Browser.
func New(cfg Config) (*Browser, error) {
	c := colly.NewCollector(colly.Async(false), colly.AllowURLRevisit())
	c.WithTransport(newHTTPTransport())
	if cfg.ProxyServer != "" {
		if err := c.SetProxy(cfg.ProxyServer); err != nil {
			return nil, fmt.Errorf("set proxy: %w", err)
		}
	}
	return &Browser{cfg: cfg, baseCollector: c}, nil
}

// NewSession returns a session holding the last fetched document.
func (b *Browser) NewSession(context.Context) (crawler.Session, error) {
	return &session{browser: b}, nil
}

type page struct {
	url  string
	body []byte
	doc  *goquery.Document
}

type session struct {
	browser *Browser
	current *page
}

func (s *session) Navigate(ctx context.Context, url string, timeout time.Duration) error {
	var (
		result   page
		fetchErr error
	)
	collector := s.browser.buildCollector(timeout, &result, &fetchErr)
	if err := runCollector(ctx, collector, url, &fetchErr); err != nil {
		return err
	}
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(result.body))
	if err != nil {
		return fmt.Errorf("parse document: %w", err)
	}
	result.doc = doc
	s.current = &result
	return nil
}

// WaitFor checks the selector once; a static document cannot change.
func (s *session) WaitFor(_ context.Context, selector string, _ time.Duration) error {
	if s.current == nil {
		return fmt.Errorf("wait for %s: no page loaded", selector)
	}
	if s.current.doc.Find(selector).Length() == 0 {
		return fmt.Errorf("%w: %s not in static document", crawler.ErrSelectorTimeout, selector)
	}
	return nil
}

func (s *session) HTML(context.Context) (string, error) {
	if s.current == nil {
		return "", fmt.Errorf("read html: no page loaded")
	}
	return string(s.current.body), nil
}

func (s *session) Close() {
	s.current = nil
}

func (b *Browser) buildCollector(timeout time.Duration, result *page, fetchErr *error) *colly.Collector {
	collector := b.baseCollector.Clone()
	if b.cfg.UserAgent != "" {
		collector.UserAgent = b.cfg.UserAgent
	}
	collector.IgnoreRobotsTxt = true
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	collector.SetRequestTimeout(timeout)
	b.configureCollectorHooks(collector, result, fetchErr)
	return collector
}

func (b *Browser) configureCollectorHooks(hooks collectorHooks, result *page, fetchErr *error) {
	hooks.OnRequest(func(r *colly.Request) {
		b.copyHeaders(r)
	})

	hooks.OnResponse(func(r *colly.Response) {
		*result = page{
			url:  r.Request.URL.String(),
			body: append([]byte(nil), r.Body...),
		}
	})

	hooks.OnError(func(_ *colly.Response, err error) {
		*fetchErr = err
	})
}

// runCollector returns only after Visit does, so the hooks never write to
// result or fetchErr once the caller reads them.
func runCollector(ctx context.Context, collector *colly.Collector, url string, fetchErr *error) error {
	collector.Context = ctx
	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(url)
	}()

	select {
	case <-ctx.Done():
		<-done
		return fmt.Errorf("colly fetch canceled: %w", ctx.Err())
	case err := <-done:
		if err != nil {
			return fmt.Errorf("colly visit failed: %w", err)
		}
		if *fetchErr != nil {
			return fmt.Errorf("colly response failed: %w", *fetchErr)
		}
		return nil
	}
}

func (b *Browser) copyHeaders(r *colly.Request) {
	for key, values := range b.cfg.Headers {
		for _, v := range values {
			r.Headers.Add(key, v)
		}
	}
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}
}
