package headless

import (
	"context"
	"errors"

	"github.com/JakeFAU/threadscan/internal/crawler"
)

// ErrDisabled is returned by Noop sessions.
var ErrDisabled = errors.New("browser not configured")

// Noop implements crawler.Browser but never opens a session, so every crawl
// ends as browser_failed. Used when no browser engine is configured.
type Noop struct{}

// NewNoop creates a new Noop browser.
func NewNoop() *Noop {
	return &Noop{}
}

// NewSession always fails.
func (Noop) NewSession(context.Context) (crawler.Session, error) {
	return nil, ErrDisabled
}
