package browser

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"fasto-agent/internal/events"
	"fasto-agent/internal/navigation"

	"github.com/go-rod/rod"
)

// pushJS gives the application's always-mounted fasto-navigate listener the
// first chance to route. A listener that handles it calls preventDefault;
// otherwise the history API is driven directly and popstate fired so the
// client router notices.
const pushJS = `(target, detail) => {
	const ev = new CustomEvent('fasto-navigate', { detail: detail, cancelable: true });
	if (!window.dispatchEvent(ev)) return 'bridge';
	const u = new URL(target, window.location.href);
	if (u.href === window.location.href) return 'unchanged';
	window.history.pushState({}, '', u.pathname + u.search + u.hash);
	window.dispatchEvent(new PopStateEvent('popstate', { state: {} }));
	return 'history';
}`

// PageSource yields the page to route. SessionManager.Primary satisfies it
// through PrimaryPage.
type PageSource func() (*rod.Page, error)

// PrimaryPage adapts m for NewRouter.
func PrimaryPage(m *SessionManager) PageSource {
	return func() (*rod.Page, error) {
		_, p, err := m.Primary()
		return p, err
	}
}

// Router implements navigation.Router over a go-rod page.
type Router struct {
	pages   PageSource
	base    string
	timeout time.Duration
}

// NewRouter creates a router. base resolves relative targets when the page
// has no usable location yet (about:blank).
func NewRouter(pages PageSource, base string, timeout time.Duration) *Router {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Router{pages: pages, base: base, timeout: timeout}
}

// Location returns the page's current URL.
func (r *Router) Location(ctx context.Context) (*url.URL, error) {
	page, err := r.pages()
	if err != nil {
		return nil, err
	}
	res, err := page.Context(ctx).Eval(`() => window.location.href`)
	if err != nil {
		return nil, fmt.Errorf("read location: %w", err)
	}
	return url.Parse(res.Value.Str())
}

// Push performs a client-side route change.
func (r *Router) Push(ctx context.Context, target string) error {
	page, err := r.pages()
	if err != nil {
		return err
	}
	if _, err := page.Context(ctx).Eval(pushJS, target, navigateDetail(target)); err != nil {
		return fmt.Errorf("push %s: %w", target, err)
	}
	return nil
}

// Hard loads target as a full page navigation and waits for the load event.
func (r *Router) Hard(ctx context.Context, target string) error {
	page, err := r.pages()
	if err != nil {
		return err
	}
	current := ""
	if loc, err := r.Location(ctx); err == nil {
		current = loc.String()
	}
	abs, err := resolveTarget(current, r.base, target)
	if err != nil {
		return err
	}

	p := page.Context(ctx).Timeout(r.timeout)
	if err := p.Navigate(abs); err != nil {
		return fmt.Errorf("navigate %s: %w", abs, err)
	}
	if err := p.WaitLoad(); err != nil {
		return fmt.Errorf("wait load %s: %w", abs, err)
	}
	return nil
}

// navigateDetail is the fasto-navigate event detail: the route plus the tab
// carried in its query.
func navigateDetail(target string) events.Navigate {
	d := events.Navigate{URL: target}
	if u, err := url.Parse(target); err == nil {
		d.Tab = u.Query().Get(navigation.TabParam)
	}
	return d
}

// resolveTarget makes target absolute against the current page URL, or base
// when the page is not on an http(s) origin.
func resolveTarget(current, base, target string) (string, error) {
	t, err := url.Parse(target)
	if err != nil {
		return "", fmt.Errorf("parse %q: %w", target, err)
	}
	if t.IsAbs() {
		return t.String(), nil
	}
	for _, candidate := range []string{current, base} {
		b, err := url.Parse(candidate)
		if err != nil || (b.Scheme != "http" && b.Scheme != "https") {
			continue
		}
		return b.ResolveReference(t).String(), nil
	}
	return "", fmt.Errorf("cannot resolve relative target %q without an application URL", target)
}
