// Package crawl fetches a page with Colly and reports the links it contains.
package crawl

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gocolly/colly/v2"
	"go.uber.org/zap"

	"github.com/Veterun/RENDLER/internal/rendler"
)

// Config controls collector behavior.
type Config struct {
	UserAgent     string
	Timeout       time.Duration
	RespectRobots bool
	// MaxLinks caps the links reported per page. Zero means unlimited.
	MaxLinks int
	// SameHostOnly drops links that leave the crawled page's host.
	SameHostOnly bool
}

// Waiter delays requests for politeness.
type Waiter interface {
	Wait(ctx context.Context, rawURL string) error
}

// Crawler implements executor.Runner for crawl tasks.
type Crawler struct {
	cfg    Config
	base   *colly.Collector
	wait   Waiter
	logger *zap.Logger
}

// New builds a Crawler. wait may be nil.
func New(cfg Config, wait Waiter, logger *zap.Logger) *Crawler {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	c := colly.NewCollector(colly.Async(false), colly.AllowURLRevisit())
	c.WithTransport(&robotsTransport{base: newHTTPTransport(), logger: logger})
	return &Crawler{cfg: cfg, base: c, wait: wait, logger: logger}
}

// Run fetches task.URL and returns its outbound links.
func (c *Crawler) Run(ctx context.Context, task rendler.Task) (rendler.Completion, error) {
	if c.wait != nil {
		if err := c.wait.Wait(ctx, task.URL); err != nil {
			return nil, err
		}
	}
	page, err := url.Parse(task.URL)
	if err != nil {
		return nil, fmt.Errorf("parse url %q: %w", task.URL, err)
	}

	links := newLinkSet(page, c.cfg.MaxLinks, c.cfg.SameHostOnly)
	var fetchErr error
	collector := c.buildCollector(links, &fetchErr)
	if err := runCollector(ctx, collector, task.URL, &fetchErr); err != nil {
		return nil, err
	}
	c.logger.Debug("page crawled", zap.String("url", task.URL), zap.Int("links", links.len()))
	return rendler.CrawlResult{TaskID: task.ID, URL: task.URL, Links: links.list()}, nil
}

func (c *Crawler) buildCollector(links *linkSet, fetchErr *error) *colly.Collector {
	collector := c.base.Clone()
	if c.cfg.UserAgent != "" {
		collector.UserAgent = c.cfg.UserAgent
	}
	collector.IgnoreRobotsTxt = !c.cfg.RespectRobots
	collector.SetRequestTimeout(c.cfg.Timeout)

	collector.OnHTML("a[href]", func(e *colly.HTMLElement) {
		links.add(e.Request.AbsoluteURL(e.Attr("href")))
	})
	collector.OnError(func(_ *colly.Response, err error) {
		*fetchErr = err
	})
	return collector
}

func runCollector(ctx context.Context, collector *colly.Collector, rawURL string, fetchErr *error) error {
	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(rawURL)
	}()

	select {
	case <-ctx.Done():
		return fmt.Errorf("crawl canceled: %w", ctx.Err())
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

// linkSet keeps discovered links unique and in document order.
type linkSet struct {
	page     *url.URL
	limit    int
	sameHost bool
	seen     map[string]struct{}
	order    []string
}

func newLinkSet(page *url.URL, limit int, sameHost bool) *linkSet {
	return &linkSet{page: page, limit: limit, sameHost: sameHost, seen: make(map[string]struct{})}
}

func (s *linkSet) add(raw string) {
	if s.limit > 0 && len(s.order) >= s.limit {
		return
	}
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || u.Host == "" {
		return
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return
	}
	if s.sameHost && !strings.EqualFold(u.Hostname(), s.page.Hostname()) {
		return
	}
	u.Fragment = ""
	u.RawFragment = ""
	link := u.String()
	if _, ok := s.seen[link]; ok {
		return
	}
	s.seen[link] = struct{}{}
	s.order = append(s.order, link)
}

func (s *linkSet) len() int { return len(s.order) }

func (s *linkSet) list() []string {
	return append([]string{}, s.order...)
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
