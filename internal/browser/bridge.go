// Package browser drives a headless Chrome through chromedp.
package browser

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/chromedp/chromedp"
)

// ErrNoPage is returned by page operations before any URL has been opened.
var ErrNoPage = errors.New("no page open")

const defaultActionTimeout = 60 * time.Second

// Page is a text snapshot of the current tab.
type Page struct {
	URL   string `json:"url"`
	Title string `json:"title"`
	Text  string `json:"snapshot"`
}

// Bridge owns one lazily started Chrome and a single tab that persists
// between calls, so a page opened by one tool call can be clicked by the next.
type Bridge struct {
	profileDir string
	headless   bool
	execPath   string
	timeout    time.Duration
	maxChars   int
	logger     *slog.Logger

	mu       sync.Mutex
	tabCtx   context.Context
	cancel   context.CancelFunc
	pageOpen bool
}

type BridgeConfig struct {
	ProfileDir     string // Chrome user data directory; empty uses a throwaway profile
	Headless       bool
	ExecutablePath string
	ActionTimeout  time.Duration
	MaxChars       int
	Logger         *slog.Logger
}

func NewBridge(cfg BridgeConfig) *Bridge {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.ActionTimeout <= 0 {
		cfg.ActionTimeout = defaultActionTimeout
	}
	if cfg.MaxChars <= 0 {
		cfg.MaxChars = 50000
	}
	return &Bridge{
		profileDir: cfg.ProfileDir,
		headless:   cfg.Headless,
		execPath:   cfg.ExecutablePath,
		timeout:    cfg.ActionTimeout,
		maxChars:   cfg.MaxChars,
		logger:     cfg.Logger,
	}
}

// tab returns the shared tab context, launching Chrome on first use.
func (b *Bridge) tab() context.Context {
	if b.tabCtx != nil {
		return b.tabCtx
	}
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("disable-blink-features", "AutomationControlled"),
		chromedp.NoSandbox,
	)
	if b.profileDir != "" {
		if err := os.MkdirAll(b.profileDir, 0o755); err != nil {
			b.logger.Error("failed to create profile dir", "dir", b.profileDir, "err", err)
		}
		opts = append(opts, chromedp.UserDataDir(b.profileDir))
	}
	if b.execPath != "" {
		opts = append(opts, chromedp.ExecPath(b.execPath))
	}
	if !b.headless {
		opts = append(opts, chromedp.Flag("headless", false))
	}

	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), opts...)
	taskCtx, taskCancel := chromedp.NewContext(allocCtx)
	b.tabCtx = taskCtx
	b.cancel = func() {
		taskCancel()
		allocCancel()
	}
	b.logger.Info("browser started", "headless", b.headless)
	return b.tabCtx
}

func (b *Bridge) run(ctx context.Context, actions ...chromedp.Action) error {
	runCtx, cancel := context.WithTimeout(b.tab(), b.timeout)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()
	return chromedp.Run(runCtx, actions...)
}

// Open navigates the tab to url and returns its text snapshot.
func (b *Bridge) Open(ctx context.Context, url string) (Page, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.run(ctx, chromedp.Navigate(url), chromedp.WaitReady("body")); err != nil {
		return Page{}, fmt.Errorf("navigate to %s: %w", url, err)
	}
	b.pageOpen = true
	return b.snapshot(ctx)
}

// Snapshot re-reads the current page.
func (b *Bridge) Snapshot(ctx context.Context) (Page, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.pageOpen {
		return Page{}, ErrNoPage
	}
	return b.snapshot(ctx)
}

func (b *Bridge) snapshot(ctx context.Context) (Page, error) {
	var page Page
	err := b.run(ctx,
		chromedp.Location(&page.URL),
		chromedp.Title(&page.Title),
		chromedp.Evaluate(`document.body ? document.body.innerText : ''`, &page.Text),
	)
	if err != nil {
		return Page{}, fmt.Errorf("snapshot page: %w", err)
	}
	if r := []rune(page.Text); len(r) > b.maxChars {
		page.Text = string(r[:b.maxChars])
	}
	return page, nil
}

// Click clicks the first element matching the CSS selector.
func (b *Bridge) Click(ctx context.Context, selector string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.pageOpen {
		return ErrNoPage
	}
	if err := b.run(ctx, chromedp.Click(selector, chromedp.ByQuery)); err != nil {
		return fmt.Errorf("click %s: %w", selector, err)
	}
	return nil
}

// Type sends keystrokes to the element matching the CSS selector.
func (b *Bridge) Type(ctx context.Context, selector, text string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.pageOpen {
		return ErrNoPage
	}
	err := b.run(ctx,
		chromedp.WaitVisible(selector, chromedp.ByQuery),
		chromedp.SendKeys(selector, text, chromedp.ByQuery),
	)
	if err != nil {
		return fmt.Errorf("type into %s: %w", selector, err)
	}
	return nil
}

// Close shuts Chrome down. The bridge can be reused afterwards.
func (b *Bridge) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.cancel != nil {
		b.cancel()
		b.logger.Info("browser stopped")
	}
	b.tabCtx, b.cancel, b.pageOpen = nil, nil, false
}
