package host

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/andybalholm/cascadia"
	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/launcher/flags"
	"github.com/go-rod/rod/lib/proto"
	"github.com/go-rod/stealth"
	"github.com/ysmood/gson"

	"github.com/use-agent/tabsleep/config"
	"github.com/use-agent/tabsleep/memory"
)

const blankURL = "about:blank"

const stateJS = `() => ({
	active: document.visibilityState === "visible",
	audible: Array.from(document.querySelectorAll("audio, video"))
		.some(m => !m.paused && !m.muted && m.volume > 0),
})`

var ogType = cascadia.MustCompile(`meta[property="og:type"]`)

// pageKind caches the og:type read for the URL a tab last showed.
type pageKind struct {
	URL  string
	Kind string
}

// discarded remembers what a suspended tab was showing before it was
// parked on about:blank.
type discarded struct {
	URL   string
	Title string
}

// RodHost manages the page targets of one Chrome instance over CDP.
// Suspending a tab parks it on about:blank and remembers its URL; waking it
// navigates back. It is safe for concurrent use.
type RodHost struct {
	browser  *rod.Browser
	launcher *launcher.Launcher
	cfg      config.BrowserConfig

	// procRoot is where process memory is read from; "" means /proc.
	procRoot string

	mu        sync.Mutex
	suspended map[string]discarded
	lastURL   map[string]string
	kinds     map[string]pageKind
	visible   map[string]struct{}
	listeners []Listener

	stopEvents func()
}

// NewRodHost connects to cfg.ControlURL, or launches a browser when it is
// empty, and starts watching target events.
func NewRodHost(cfg config.BrowserConfig) (*RodHost, error) {
	if cfg.InspectTimeout <= 0 {
		cfg.InspectTimeout = 2 * time.Second
	}

	h := &RodHost{
		cfg:       cfg,
		suspended: make(map[string]discarded),
		lastURL:   make(map[string]string),
		kinds:     make(map[string]pageKind),
		visible:   make(map[string]struct{}),
	}

	controlURL := cfg.ControlURL
	if controlURL == "" {
		l := launcher.New().
			Headless(cfg.Headless).
			NoSandbox(cfg.NoSandbox)
		if cfg.BrowserBin != "" {
			l = l.Bin(cfg.BrowserBin)
		}
		// Keep background timers live so tab activity stays observable.
		l.Set(flags.Flag("disable-blink-features"), "AutomationControlled")
		l.Delete(flags.Flag("enable-automation"))
		l.Set(flags.Flag("disable-renderer-backgrounding"))
		l.Set(flags.Flag("disable-background-timer-throttling"))
		l.Set(flags.Flag("disable-backgrounding-occluded-windows"))
		l.Set(flags.Flag("disable-dev-shm-usage"))
		l.Set(flags.Flag("no-first-run"))

		u, err := l.Launch()
		if err != nil {
			return nil, fmt.Errorf("host: launch browser: %w", err)
		}
		slog.Info("host: browser launched", "controlURL", u)
		controlURL = u
		h.launcher = l
	}

	h.browser = rod.New().ControlURL(controlURL)
	if err := h.browser.Connect(); err != nil {
		h.kill()
		return nil, fmt.Errorf("host: connect browser: %w", err)
	}

	if err := (proto.TargetSetDiscoverTargets{Discover: true}).Call(h.browser); err != nil {
		slog.Warn("host: target discovery unavailable, events disabled", "error", err)
		return h, nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	wait := h.browser.Context(ctx).EachEvent(
		func(e *proto.TargetTargetDestroyed) {
			h.targetDestroyed(string(e.TargetID))
		},
		func(e *proto.TargetTargetInfoChanged) {
			if e.TargetInfo == nil || e.TargetInfo.Type != proto.TargetTargetInfoTypePage {
				return
			}
			h.targetChanged(string(e.TargetInfo.TargetID), e.TargetInfo.URL)
		},
	)
	go wait()
	h.stopEvents = cancel

	return h, nil
}

// Subscribe registers l for tab events.
func (h *RodHost) Subscribe(l Listener) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.listeners = append(h.listeners, l)
}

// ListHandles enumerates the browser's page targets and inspects each one
// for visibility, audio and og:type. A tab whose inspection fails is reported with
// those fields unset.
func (h *RodHost) ListHandles(ctx context.Context) ([]Handle, error) {
	res, err := proto.TargetGetTargets{}.Call(h.browser.Context(ctx))
	if err != nil {
		return nil, fmt.Errorf("host: list targets: %w", err)
	}

	handles := make([]Handle, 0, len(res.TargetInfos))
	for _, info := range res.TargetInfos {
		if info.Type != proto.TargetTargetInfoTypePage {
			continue
		}
		handles = append(handles, h.inspect(ctx, info))
	}

	h.noteActive(handles)
	return handles, nil
}

// ActiveHandle returns the first visible tab, or nil when none is visible.
func (h *RodHost) ActiveHandle(ctx context.Context) (*Handle, error) {
	handles, err := h.ListHandles(ctx)
	if err != nil {
		return nil, err
	}
	for i := range handles {
		if handles[i].Active {
			return &handles[i], nil
		}
	}
	return nil, nil
}

// Discard parks the tab on about:blank, releasing its renderer memory.
// Discarding an already suspended tab is a no-op.
func (h *RodHost) Discard(ctx context.Context, id string) error {
	page, info, err := h.page(ctx, id)
	if err != nil {
		return err
	}

	h.mu.Lock()
	if _, ok := h.suspended[id]; ok {
		h.mu.Unlock()
		return nil
	}
	// Record before navigating so the about:blank info change is not
	// mistaken for a wake.
	h.suspended[id] = discarded{URL: info.URL, Title: info.Title}
	h.lastURL[id] = blankURL
	h.mu.Unlock()

	if err := page.Context(ctx).Navigate(blankURL); err != nil {
		h.mu.Lock()
		delete(h.suspended, id)
		h.lastURL[id] = info.URL
		h.mu.Unlock()
		return fmt.Errorf("host: discard %s: %w", id, err)
	}
	slog.Debug("host: tab discarded", "id", id, "url", info.URL)
	return nil
}

// Reload navigates a suspended tab back to the URL it showed before
// Discard. Reloading a tab that is not suspended reloads it in place.
func (h *RodHost) Reload(ctx context.Context, id string) error {
	page, _, err := h.page(ctx, id)
	if err != nil {
		return err
	}
	p := page.Context(ctx)

	h.mu.Lock()
	d, ok := h.suspended[id]
	delete(h.suspended, id)
	if ok {
		h.lastURL[id] = d.URL
	}
	h.mu.Unlock()

	if !ok {
		return p.Reload()
	}

	if h.cfg.StealthOnWake {
		if _, evalErr := p.EvalOnNewDocument(stealth.JS); evalErr != nil {
			slog.Warn("host: stealth injection failed, waking without it", "id", id, "error", evalErr)
		}
	}
	if err := p.Navigate(d.URL); err != nil {
		h.mu.Lock()
		h.suspended[id] = d
		h.lastURL[id] = blankURL
		h.mu.Unlock()
		return fmt.Errorf("host: reload %s: %w", id, err)
	}
	return nil
}

// Close stops event delivery. A browser this host launched is closed and
// killed; an attached browser keeps running.
func (h *RodHost) Close() {
	if h.stopEvents != nil {
		h.stopEvents()
	}
	if h.launcher != nil {
		if err := h.browser.Close(); err != nil {
			slog.Warn("host: close browser", "error", err)
		}
		h.kill()
	}
}

func (h *RodHost) kill() {
	if h.launcher != nil {
		h.launcher.Kill()
	}
}

func (h *RodHost) page(ctx context.Context, id string) (*rod.Page, *proto.TargetTargetInfo, error) {
	page, err := h.browser.Context(ctx).PageFromTarget(proto.TargetTargetID(id))
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	info, err := page.Info()
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return page, info, nil
}

func (h *RodHost) inspect(ctx context.Context, info *proto.TargetTargetInfo) Handle {
	id := string(info.TargetID)
	hd := h.describe(id, info.URL, info.Title)
	if hd.Suspended || IsSystemURL(hd.URL) {
		return hd
	}

	page, err := h.browser.PageFromTarget(info.TargetID)
	if err != nil {
		slog.Debug("host: attach failed", "id", id, "error", err)
		return hd
	}
	p := page.Context(ctx).Timeout(h.cfg.InspectTimeout)

	if res, err := p.Eval(stateJS); err == nil {
		hd.Active, hd.Audible = pageState(res.Value)
	} else {
		slog.Debug("host: state eval failed", "id", id, "error", err)
	}
	hd.Kind = h.kindOf(p, id, hd.URL)
	return hd
}

// describe builds the handle for a target, substituting the remembered URL
// and title of a suspended tab.
func (h *RodHost) describe(id, url, title string) Handle {
	h.mu.Lock()
	defer h.mu.Unlock()
	if d, ok := h.suspended[id]; ok {
		return Handle{ID: id, URL: d.URL, Title: d.Title, Suspended: true}
	}
	return Handle{ID: id, URL: url, Title: title}
}

// kindOf returns the og:type of tab id, re-reading the page only when its
// URL changed since the last read.
func (h *RodHost) kindOf(p *rod.Page, id, url string) string {
	h.mu.Lock()
	k, ok := h.kinds[id]
	h.mu.Unlock()
	if ok && k.URL == url {
		return k.Kind
	}

	html, err := p.HTML()
	if err != nil {
		return ""
	}
	kind := ParseKind(html)

	h.mu.Lock()
	h.kinds[id] = pageKind{URL: url, Kind: kind}
	h.mu.Unlock()
	return kind
}

// FootprintMB sums the resident memory of the browser's processes. It needs
// the browser to run on this machine.
func (h *RodHost) FootprintMB(ctx context.Context) (int64, error) {
	res, err := proto.SystemInfoGetProcessInfo{}.Call(h.browser.Context(ctx))
	if err != nil {
		return 0, fmt.Errorf("host: process info: %w", err)
	}
	pids := make([]int, 0, len(res.ProcessInfo)+1)
	for _, pi := range res.ProcessInfo {
		pids = append(pids, pi.ID)
	}
	if h.launcher != nil {
		pids = append(pids, h.launcher.PID())
	}
	return footprintMB(h.procRoot, pids)
}

func footprintMB(procRoot string, pids []int) (int64, error) {
	var total uint64
	read := 0
	seen := make(map[int]struct{}, len(pids))
	for _, pid := range pids {
		if _, dup := seen[pid]; dup || pid <= 0 {
			continue
		}
		seen[pid] = struct{}{}
		rss, err := memory.ProcessRSS(procRoot, pid)
		if err != nil {
			continue
		}
		total += rss
		read++
	}
	if read == 0 {
		return 0, errors.New("host: no browser process memory readable")
	}
	return int64(total / (1 << 20)), nil
}

// pageState reads the visibility and audio flags reported by stateJS.
func pageState(v gson.JSON) (active, audible bool) {
	return v.Get("active").Bool(), v.Get("audible").Bool()
}

// ParseKind returns the og:type declared in an HTML document, lowercased.
func ParseKind(html string) string {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return ""
	}
	content, _ := doc.FindMatcher(ogType).First().Attr("content")
	return strings.ToLower(strings.TrimSpace(content))
}

// noteActive raises OnActivated for tabs that became visible since the
// previous enumeration.
func (h *RodHost) noteActive(handles []Handle) {
	now := make(map[string]struct{})
	for _, hd := range handles {
		if hd.Active {
			now[hd.ID] = struct{}{}
		}
	}

	h.mu.Lock()
	var fresh []string
	for _, hd := range handles {
		if _, ok := now[hd.ID]; !ok {
			continue
		}
		if _, was := h.visible[hd.ID]; !was {
			fresh = append(fresh, hd.ID)
		}
	}
	h.visible = now
	listeners := h.listeners
	h.mu.Unlock()

	for _, id := range fresh {
		for _, l := range listeners {
			l.OnActivated(id)
		}
	}
}

func (h *RodHost) targetDestroyed(id string) {
	h.mu.Lock()
	delete(h.suspended, id)
	delete(h.lastURL, id)
	delete(h.kinds, id)
	delete(h.visible, id)
	listeners := h.listeners
	h.mu.Unlock()

	for _, l := range listeners {
		l.OnRemoved(id)
	}
}

// targetChanged turns a target info change into an OnUpdated event when the
// tab's URL moved. A suspended tab that navigates away from about:blank was
// woken by the user and is no longer tracked as suspended.
func (h *RodHost) targetChanged(id, url string) {
	h.mu.Lock()
	prev, seen := h.lastURL[id]
	if seen && prev == url {
		h.mu.Unlock()
		return
	}
	h.lastURL[id] = url
	if _, ok := h.suspended[id]; ok && url != blankURL {
		delete(h.suspended, id)
	}
	listeners := h.listeners
	h.mu.Unlock()

	if IsSystemURL(url) {
		return
	}
	for _, l := range listeners {
		l.OnUpdated(id, UpdateInfo{Completed: true})
	}
}
