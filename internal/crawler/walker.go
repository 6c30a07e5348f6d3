package crawler

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"path"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	"github.com/JakeFAU/facility-crawler/internal/extract"
	"github.com/JakeFAU/facility-crawler/internal/facility"
)

const defaultArchiveContentType = "text/html; charset=utf-8"

// WalkerConfig describes the shape of the source directory.
type WalkerConfig struct {
	BaseURL         string
	RegionPattern   string
	DistrictPattern string
	FacilityPattern string
	PageParam       string
	// MaxPages bounds listing pagination per district; 0 means unbounded.
	MaxPages     int
	PageDelayMin time.Duration
	PageDelayMax time.Duration
	// ForbiddenThreshold is the number of 403s after which a host is skipped.
	ForbiddenThreshold int
	ArchivePrefix      string
	ArchiveContentType string
}

// Walker discovers regions, districts and facility detail pages and parses
// the latter into raw records.
type Walker struct {
	cfg        WalkerConfig
	base       *url.URL
	regionRe   *regexp.Regexp
	districtRe *regexp.Regexp
	facilityRe *regexp.Regexp

	fetcher PageFetcher
	archive PageArchive
	hasher  Hasher
	blocker domainBlocker
	pauser  Pauser
}

// WalkerOption customizes a Walker.
type WalkerOption func(*Walker)

// WithArchive stores every fetched detail page under a digest of its URL.
func WithArchive(archive PageArchive, hasher Hasher) WalkerOption {
	return func(w *Walker) {
		w.archive = archive
		w.hasher = hasher
	}
}

// WithPauser replaces the delay between listing pages.
func WithPauser(p Pauser) WalkerOption {
	return func(w *Walker) {
		if p != nil {
			w.pauser = p
		}
	}
}

// NewWalker validates cfg and compiles its path patterns.
func NewWalker(cfg WalkerConfig, fetcher PageFetcher, opts ...WalkerOption) (*Walker, error) {
	if fetcher == nil {
		return nil, errors.New("walker requires a fetcher")
	}
	base, err := url.Parse(cfg.BaseURL)
	if err != nil || !base.IsAbs() {
		return nil, fmt.Errorf("invalid base url %q", cfg.BaseURL)
	}
	w := &Walker{
		cfg:     cfg,
		base:    base,
		fetcher: fetcher,
		blocker: newThresholdDomainBlocker(cfg.ForbiddenThreshold),
		pauser:  JitterPauser{},
	}
	for _, p := range []struct {
		name string
		expr string
		dst  **regexp.Regexp
	}{
		{"region", cfg.RegionPattern, &w.regionRe},
		{"district", cfg.DistrictPattern, &w.districtRe},
		{"facility", cfg.FacilityPattern, &w.facilityRe},
	} {
		re, err := regexp.Compile(p.expr)
		if err != nil {
			return nil, fmt.Errorf("compile %s pattern: %w", p.name, err)
		}
		*p.dst = re
	}
	if w.cfg.PageParam == "" {
		w.cfg.PageParam = "page"
	}
	if w.cfg.ArchiveContentType == "" {
		w.cfg.ArchiveContentType = defaultArchiveContentType
	}
	for _, opt := range opts {
		opt(w)
	}
	return w, nil
}

// Regions lists the top-level region links on the directory root.
func (w *Walker) Regions(ctx context.Context, log JobLogger) ([]Region, error) {
	links, err := w.discover(ctx, w.base.String(), "region", w.regionRe, log)
	if err != nil {
		return nil, err
	}
	regions := make([]Region, 0, len(links))
	for _, l := range links {
		regions = append(regions, Region(l))
	}
	return regions, nil
}

// Districts lists the district links on one region page.
func (w *Walker) Districts(ctx context.Context, regionURL string, log JobLogger) ([]District, error) {
	links, err := w.discover(ctx, regionURL, "district", w.districtRe, log)
	if err != nil {
		return nil, err
	}
	districts := make([]District, 0, len(links))
	for _, l := range links {
		districts = append(districts, District(l))
	}
	return districts, nil
}

type link struct {
	Name string
	URL  string
}

// discover fetches pageURL and returns the deduplicated anchors whose path
// matches re. An empty result is a warning, not an error.
func (w *Walker) discover(ctx context.Context, pageURL, level string, re *regexp.Regexp, log JobLogger) ([]link, error) {
	log = orNop(log)
	page, err := url.Parse(pageURL)
	if err != nil || !page.IsAbs() {
		return nil, fmt.Errorf("invalid %s listing url %q", level, pageURL)
	}
	doc, err := w.fetchDocument(ctx, pageURL, log)
	if err != nil {
		return nil, fmt.Errorf("%s listing %s: %w", level, pageURL, err)
	}

	seen := make(map[string]int)
	var links []link
	doc.Find("a[href]").Each(func(_ int, a *goquery.Selection) {
		abs, ok := resolveLink(page, a.AttrOr("href", ""))
		if !ok || !sameHost(abs, page) || !re.MatchString(abs.Path) {
			return
		}
		name := anchorName(a)
		key := abs.String()
		if idx, dup := seen[key]; dup {
			if links[idx].Name == "" {
				links[idx].Name = name
			}
			return
		}
		seen[key] = len(links)
		links = append(links, link{Name: name, URL: key})
	})
	for i := range links {
		if links[i].Name == "" {
			links[i].Name = slugLabel(links[i].URL)
		}
	}

	if len(links) == 0 {
		log.Log(LevelWarn, fmt.Sprintf("no %s links matched %s on %s", level, re.String(), pageURL))
	} else {
		log.Log(LevelInfo, fmt.Sprintf("found %d %s links on %s", len(links), level, pageURL))
	}
	return links, nil
}

// FacilityURLs pages through a district listing and collects up to limit
// distinct detail URLs in discovery order. limit <= 0 means no cap.
// An error is returned only when the first listing page cannot be fetched.
func (w *Walker) FacilityURLs(ctx context.Context, districtURL string, limit int, log JobLogger) ([]string, error) {
	log = orNop(log)
	listing, err := url.Parse(districtURL)
	if err != nil || !listing.IsAbs() {
		return nil, fmt.Errorf("invalid district url %q", districtURL)
	}

	seen := make(map[string]struct{})
	var urls []string
	for page := 1; ; page++ {
		if w.cfg.MaxPages > 0 && page > w.cfg.MaxPages {
			log.Log(LevelInfo, fmt.Sprintf("stopping %s at page limit %d", districtURL, w.cfg.MaxPages))
			break
		}
		if page > 1 {
			if err := w.pauser.Pause(ctx, w.cfg.PageDelayMin, w.cfg.PageDelayMax); err != nil {
				return urls, fmt.Errorf("pagination of %s: %w", districtURL, err)
			}
		}

		pageURL := withPage(listing, w.cfg.PageParam, page)
		doc, err := w.fetchDocument(ctx, pageURL.String(), log)
		if err != nil {
			switch {
			case ctx.Err() != nil:
				return urls, fmt.Errorf("pagination of %s: %w", districtURL, ctx.Err())
			case page == 1:
				return nil, fmt.Errorf("district listing %s: %w", districtURL, err)
			case IsNotFound(err):
				log.Log(LevelInfo, fmt.Sprintf("page %d of %s not found, end of listing", page, districtURL))
			default:
				log.Log(LevelWarn, fmt.Sprintf("page %d of %s failed, keeping %d urls: %v", page, districtURL, len(urls), err))
			}
			break
		}

		added := 0
		full := false
		doc.Find("a[href]").EachWithBreak(func(_ int, a *goquery.Selection) bool {
			abs, ok := resolveLink(pageURL, a.AttrOr("href", ""))
			if !ok || !sameHost(abs, listing) || !w.facilityRe.MatchString(abs.Path) {
				return true
			}
			key := abs.String()
			if _, dup := seen[key]; dup {
				return true
			}
			seen[key] = struct{}{}
			urls = append(urls, key)
			added++
			full = limit > 0 && len(urls) >= limit
			return !full
		})
		log.Log(LevelDebug, fmt.Sprintf("page %d of %s: %d new facility urls, %d total", page, districtURL, added, len(urls)))

		if full {
			log.Log(LevelInfo, fmt.Sprintf("reached cap of %d urls for %s", limit, districtURL))
			break
		}
		if added == 0 {
			if page == 1 {
				log.Log(LevelWarn, fmt.Sprintf("no facility links matched %s on %s", w.facilityRe.String(), districtURL))
			}
			break
		}
		if !w.hasNextPage(doc, pageURL, page) {
			break
		}
	}
	return urls, nil
}

// hasNextPage looks for a rel=next link, a pagination "next" control or any
// anchor that points at the following page number.
func (w *Walker) hasNextPage(doc *goquery.Document, pageURL *url.URL, page int) bool {
	if doc.Find(`a[rel~="next"], link[rel~="next"], .pagination .next, .pagination a.next, a.next`).Length() > 0 {
		return true
	}
	want := strconv.Itoa(page + 1)
	found := false
	doc.Find("a[href]").EachWithBreak(func(_ int, a *goquery.Selection) bool {
		abs, ok := resolveLink(pageURL, a.AttrOr("href", ""))
		if ok && abs.Query().Get(w.cfg.PageParam) == want {
			found = true
		}
		return !found
	})
	return found
}

// Facility fetches and parses one detail page. A page without a usable name
// yields (nil, nil); extractor outcomes are written to log.
func (w *Walker) Facility(ctx context.Context, detailURL string, log JobLogger) (*facility.RawRecord, error) {
	log = orNop(log)
	u, err := url.Parse(detailURL)
	if err != nil || !u.IsAbs() {
		return nil, fmt.Errorf("invalid facility url %q", detailURL)
	}
	host := strings.ToLower(u.Hostname())
	if w.blocker.IsBlocked(host) {
		return nil, &FetchError{URL: detailURL, StatusCode: http.StatusForbidden, Err: ErrBlocked}
	}

	resp, err := w.fetcher.Fetch(ctx, detailURL, log)
	if err != nil {
		var fe *FetchError
		if errors.As(err, &fe) && fe.StatusCode == http.StatusForbidden && w.blocker.MarkForbidden(host) {
			log.Log(LevelWarn, fmt.Sprintf("host %s keeps answering 403, skipping its remaining pages", host))
		}
		return nil, err
	}
	w.archivePage(ctx, detailURL, host, resp.Body, log)

	rec, err := extract.ParseHTML(resp.Body, detailURL, traceTo(log, detailURL))
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", detailURL, err)
	}
	return rec, nil
}

func (w *Walker) archivePage(ctx context.Context, detailURL, host string, body []byte, log JobLogger) {
	if w.archive == nil || w.hasher == nil {
		return
	}
	digest, err := w.hasher.Hash([]byte(detailURL))
	if err != nil {
		log.Log(LevelWarn, fmt.Sprintf("archive %s: hash: %v", detailURL, err))
		return
	}
	key := path.Join(w.cfg.ArchivePrefix, host, digest+".html")
	if _, err := w.archive.PutObject(ctx, key, w.cfg.ArchiveContentType, bytes.NewReader(body)); err != nil {
		log.Log(LevelWarn, fmt.Sprintf("archive %s: %v", detailURL, err))
	}
}

func (w *Walker) fetchDocument(ctx context.Context, rawURL string, log JobLogger) (*goquery.Document, error) {
	resp, err := w.fetcher.Fetch(ctx, rawURL, log)
	if err != nil {
		return nil, err
	}
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(resp.Body))
	if err != nil {
		return nil, fmt.Errorf("parse html %s: %w", rawURL, err)
	}
	return doc, nil
}

// traceTo turns extractor steps into job log entries.
func traceTo(log JobLogger, detailURL string) extract.Trace {
	return func(s extract.Step) {
		switch {
		case s.Strategy == "guard":
			log.Log(LevelError, fmt.Sprintf("%s: %s extractor failed: %s", detailURL, s.Extractor, s.Reason))
		case s.Extractor == "parser":
			log.Log(LevelWarn, fmt.Sprintf("%s: skipped, %s", detailURL, s.Reason))
		case s.Fired && s.Degraded:
			log.Log(LevelWarn, fmt.Sprintf("%s: %s fell back to %s", detailURL, s.Extractor, s.Strategy))
		case s.Fired:
			log.Log(LevelDebug, fmt.Sprintf("%s: %s via %s", detailURL, s.Extractor, s.Strategy))
		default:
			log.Log(LevelDebug, fmt.Sprintf("%s: %s %s skipped: %s", detailURL, s.Extractor, s.Strategy, s.Reason))
		}
	}
}

func anchorName(a *goquery.Selection) string {
	name := strings.Join(strings.Fields(a.Text()), " ")
	if name == "" {
		name = strings.TrimSpace(a.AttrOr("title", ""))
	}
	return name
}

// slugLabel derives a readable label from the last path segment.
func slugLabel(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return rawURL
	}
	seg := path.Base(strings.TrimSuffix(u.Path, "/"))
	if label, ok := RegionLabel(seg); ok {
		return label
	}
	words := strings.Split(seg, "-")
	for i, word := range words {
		if word != "" {
			words[i] = strings.ToUpper(word[:1]) + word[1:]
		}
	}
	return strings.Join(words, " ")
}

func orNop(log JobLogger) JobLogger {
	if log == nil {
		return NopLogger{}
	}
	return log
}
