package crawler

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/tidwall/gjson"
	"go.uber.org/zap"
)

const (
	candidateSelector = `script[type="application/json"][data-sjs]`
	serverJSSentinel  = "ScheduledServerJS"
	followerMarker    = "follower_count"
	threadItemsMarker = "thread_items"
	excerptBytes      = 1000
)

// EngineConfig controls page navigation for a crawl.
type EngineConfig struct {
	BaseURL          string
	ReadySelector    string
	NavTimeout       time.Duration
	SelectorTimeout  time.Duration
	SnapshotsEnabled bool
	SnapshotPrefix   string
}

func (c EngineConfig) withDefaults() EngineConfig {
	if c.BaseURL == "" {
		c.BaseURL = "https://www.threads.net"
	}
	c.BaseURL = strings.TrimRight(c.BaseURL, "/")
	if c.ReadySelector == "" {
		c.ReadySelector = "[data-pressable-container=true]"
	}
	if c.NavTimeout <= 0 {
		c.NavTimeout = 30 * time.Second
	}
	if c.SelectorTimeout <= 0 {
		c.SelectorTimeout = 8 * time.Second
	}
	if c.SnapshotPrefix == "" {
		c.SnapshotPrefix = "snapshots"
	}
	return c
}

// Engine crawls a profile page and its replies page.
type Engine struct {
	cfg     EngineConfig
	browser Browser
	blobs   BlobStore
	hasher  Hasher
	logger  *zap.Logger
}

// NewEngine wires an Engine. blobs and hasher are optional; snapshots are
// written only when both are set and snapshots are enabled.
func NewEngine(cfg EngineConfig, browser Browser, blobs BlobStore, hasher Hasher, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		cfg:     cfg.withDefaults(),
		browser: browser,
		blobs:   blobs,
		hasher:  hasher,
		logger:  logger,
	}
}

// ProfileURL returns the profile page address for username.
func (e *Engine) ProfileURL(username string) string {
	return fmt.Sprintf("%s/@%s", e.cfg.BaseURL, username)
}

// RepliesURL returns the replies page address for username.
func (e *Engine) RepliesURL(username string) string {
	return e.ProfileURL(username) + "/replies"
}

// Crawl fetches the profile page, and the replies page when the profile has posts.
func (e *Engine) Crawl(ctx context.Context, username string) Result {
	logger := e.logger.With(zap.String("username", username))
	if e.browser == nil {
		return Result{Status: CrawlBrowserFailed, Err: errors.New("no browser configured")}
	}
	session, err := e.browser.NewSession(ctx)
	if err != nil {
		logger.Error("browser session failed", zap.Error(err))
		return Result{Status: CrawlBrowserFailed, Err: fmt.Errorf("new session: %w", err)}
	}
	defer session.Close()

	profileURL := e.ProfileURL(username)
	if err := session.Navigate(ctx, profileURL, e.cfg.NavTimeout); err != nil {
		logger.Error("profile navigation failed", zap.String("url", profileURL), zap.Error(err))
		return Result{Status: CrawlBrowserFailed, Err: fmt.Errorf("navigate profile: %w", err)}
	}
	if err := session.WaitFor(ctx, e.cfg.ReadySelector, e.cfg.SelectorTimeout); err != nil {
		if errors.Is(err, ErrSelectorTimeout) {
			html, _ := session.HTML(ctx)
			logger.Warn("profile markup did not appear",
				zap.String("selector", e.cfg.ReadySelector),
				zap.String("html_excerpt", excerpt(html)),
			)
			e.snapshot(ctx, username, "timeout", html)
			return Result{Status: CrawlSelectorTimeout, Err: fmt.Errorf("wait profile: %w", err)}
		}
		logger.Error("profile wait failed", zap.Error(err))
		return Result{Status: CrawlBrowserFailed, Err: fmt.Errorf("wait profile: %w", err)}
	}
	html, err := session.HTML(ctx)
	if err != nil {
		logger.Error("profile html read failed", zap.Error(err))
		return Result{Status: CrawlBrowserFailed, Err: fmt.Errorf("read profile: %w", err)}
	}
	e.snapshot(ctx, username, "profile", html)

	result := Result{Status: CrawlOK}
	profile, threads := scanProfilePage(html)
	if profile != nil {
		p := profile.Profile()
		result.Profile = &p
	}
	for _, t := range threads {
		result.Posts = append(result.Posts, t.Post())
	}
	if len(result.Posts) == 0 {
		logger.Info("profile has no posts")
		return Result{Status: CrawlNoPosts, Profile: result.Profile}
	}

	replies, err := e.crawlReplies(ctx, session, username)
	if err != nil {
		logger.Warn("replies page failed; keeping posts", zap.Error(err))
	}
	result.Replies = replies
	logger.Info("crawl finished",
		zap.Int("posts", len(result.Posts)),
		zap.Int("replies", len(result.Replies)),
	)
	return result
}

func (e *Engine) crawlReplies(ctx context.Context, session Session, username string) ([]Reply, error) {
	repliesURL := e.RepliesURL(username)
	if err := session.Navigate(ctx, repliesURL, e.cfg.NavTimeout); err != nil {
		return nil, fmt.Errorf("navigate replies: %w", err)
	}
	if err := session.WaitFor(ctx, e.cfg.ReadySelector, e.cfg.SelectorTimeout); err != nil {
		return nil, fmt.Errorf("wait replies: %w", err)
	}
	html, err := session.HTML(ctx)
	if err != nil {
		return nil, fmt.Errorf("read replies: %w", err)
	}
	e.snapshot(ctx, username, "replies", html)

	var replies []Reply
	for _, t := range scanRepliesPage(html) {
		if !strings.EqualFold(t.Username, username) {
			continue
		}
		replies = append(replies, t.Reply())
	}
	return replies, nil
}

// scanProfilePage extracts the profile and thread items from every candidate block.
func scanProfilePage(html string) (*ProfileData, []ThreadData) {
	var (
		profile *ProfileData
		threads []ThreadData
	)
	for _, block := range candidateBlocks(html) {
		doc, ok := parseBlock(block)
		if !ok {
			continue
		}
		if profile == nil && strings.Contains(block, followerMarker) {
			if p, found := ExtractProfile(doc); found {
				profile = &p
			}
		}
		if strings.Contains(block, threadItemsMarker) {
			threads = append(threads, ExtractThreads(doc)...)
		}
	}
	return profile, threads
}

func scanRepliesPage(html string) []ThreadData {
	var threads []ThreadData
	for _, block := range candidateBlocks(html) {
		if !strings.Contains(block, threadItemsMarker) {
			continue
		}
		doc, ok := parseBlock(block)
		if !ok {
			continue
		}
		threads = append(threads, ExtractThreads(doc)...)
	}
	return threads
}

// candidateBlocks returns the text of embedded JSON scripts carrying the
// server-rendered payload sentinel.
func candidateBlocks(html string) []string {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil
	}
	var blocks []string
	doc.Find(candidateSelector).Each(func(_ int, s *goquery.Selection) {
		text := s.Text()
		if strings.Contains(text, serverJSSentinel) {
			blocks = append(blocks, text)
		}
	})
	return blocks
}

func parseBlock(block string) (gjson.Result, bool) {
	if !gjson.Valid(block) {
		return gjson.Result{}, false
	}
	return gjson.Parse(block), true
}

func (e *Engine) snapshot(ctx context.Context, username, kind, html string) {
	if !e.cfg.SnapshotsEnabled || e.blobs == nil || e.hasher == nil || html == "" {
		return
	}
	body := []byte(html)
	hash, err := e.hasher.Hash(body)
	if err != nil {
		e.logger.Warn("snapshot hash failed", zap.Error(err))
		return
	}
	path := fmt.Sprintf("%s/%s/%s/%s.html", strings.Trim(e.cfg.SnapshotPrefix, "/"), username, kind, hash)
	uri, err := e.blobs.PutObject(ctx, path, "text/html; charset=utf-8", bytes.NewReader(body))
	if err != nil {
		e.logger.Warn("snapshot write failed", zap.String("path", path), zap.Error(err))
		return
	}
	e.logger.Debug("snapshot stored", zap.String("uri", uri))
}

func excerpt(html string) string {
	if len(html) <= excerptBytes {
		return html
	}
	return html[:excerptBytes]
}
