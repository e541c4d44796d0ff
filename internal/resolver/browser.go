package resolver

import (
	"context"
	"time"

	"github.com/chromedp/chromedp"
	"github.com/rotisserie/eris"
)

// BrowserOptions configures headless Chrome sessions.
type BrowserOptions struct {
	// ExecPath is the Chrome binary; empty lets chromedp search PATH.
	ExecPath     string
	UserAgent    string
	StartTimeout time.Duration
}

// BrowserSession drives one headless Chrome tab. Google News article links
// only redirect after their JavaScript runs, which needs a real browser.
type BrowserSession struct {
	tabCtx      context.Context
	cancelTab   context.CancelFunc
	cancelAlloc context.CancelFunc
}

// NewBrowserSessionFactory returns a factory launching one browser per
// session.
func NewBrowserSessionFactory(opts BrowserOptions) SessionFactory {
	return func(ctx context.Context) (Session, error) {
		return NewBrowserSession(ctx, opts)
	}
}

// NewBrowserSession launches Chrome with images, extensions and background
// networking disabled and opens a blank tab.
func NewBrowserSession(ctx context.Context, opts BrowserOptions) (*BrowserSession, error) {
	if opts.StartTimeout <= 0 {
		opts.StartTimeout = 30 * time.Second
	}

	allocOpts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.DisableGPU,
		chromedp.NoSandbox,
		chromedp.WindowSize(1920, 1080),
		chromedp.Flag("blink-settings", "imagesEnabled=false"),
		chromedp.Flag("disable-extensions", true),
		chromedp.Flag("disable-background-networking", true),
		chromedp.Flag("disable-notifications", true),
		chromedp.Flag("disable-features", "HeavyAdIntervention"),
		chromedp.Flag("disable-dev-shm-usage", true),
	)
	if opts.ExecPath != "" {
		allocOpts = append(allocOpts, chromedp.ExecPath(opts.ExecPath))
	}
	if opts.UserAgent != "" {
		allocOpts = append(allocOpts, chromedp.UserAgent(opts.UserAgent))
	}

	// The browser outlives the acquiring call, so it hangs off Background.
	allocCtx, cancelAlloc := chromedp.NewExecAllocator(context.Background(), allocOpts...)
	tabCtx, cancelTab := chromedp.NewContext(allocCtx)

	// The first Run starts the browser; it must see tabCtx itself or the
	// browser dies with the derived context.
	started := make(chan error, 1)
	go func() { started <- chromedp.Run(tabCtx) }()

	timer := time.NewTimer(opts.StartTimeout)
	defer timer.Stop()

	var err error
	select {
	case err = <-started:
	case <-timer.C:
		err = eris.Errorf("timed out after %s", opts.StartTimeout)
	case <-ctx.Done():
		err = ctx.Err()
	}
	if err != nil {
		cancelTab()
		cancelAlloc()
		return nil, eris.Wrap(err, "resolver: start browser")
	}
	return &BrowserSession{tabCtx: tabCtx, cancelTab: cancelTab, cancelAlloc: cancelAlloc}, nil
}

// Navigate loads url in the tab, waiting at most until ctx is done.
func (b *BrowserSession) Navigate(ctx context.Context, url string) error {
	runCtx, cancel := b.bind(ctx)
	defer cancel()
	if err := chromedp.Run(runCtx, chromedp.Navigate(url)); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return eris.Wrapf(err, "resolver: navigate %s", url)
	}
	return nil
}

// CurrentURL reads the tab's location.
func (b *BrowserSession) CurrentURL(ctx context.Context) (string, error) {
	runCtx, cancel := b.bind(ctx)
	defer cancel()
	var loc string
	if err := chromedp.Run(runCtx, chromedp.Location(&loc)); err != nil {
		return "", eris.Wrap(err, "resolver: read location")
	}
	return loc, nil
}

// Close shuts the tab and the browser process.
func (b *BrowserSession) Close() error {
	b.cancelTab()
	b.cancelAlloc()
	return nil
}

// bind derives a context from the tab that also ends with ctx. Cancelling
// it aborts the running action without closing the tab.
func (b *BrowserSession) bind(ctx context.Context) (context.Context, context.CancelFunc) {
	var (
		runCtx context.Context
		cancel context.CancelFunc
	)
	if deadline, ok := ctx.Deadline(); ok {
		runCtx, cancel = context.WithDeadline(b.tabCtx, deadline)
	} else {
		runCtx, cancel = context.WithCancel(b.tabCtx)
	}
	stop := context.AfterFunc(ctx, cancel)
	return runCtx, func() {
		stop()
		cancel()
	}
}
