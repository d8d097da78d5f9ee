package backends

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/net/html"
	"golang.org/x/time/rate"

	"github.com/ai4all/worker/internal/domain/backend"
	"github.com/ai4all/worker/internal/domain/task"
	"github.com/ai4all/worker/internal/errs"
)

const (
	crawlerUserAgent   = "ai4all-worker/0.1"
	crawlerMaxBodySize = 2 << 20 // 2 MiB per page
)

// Embedder produces embeddings for crawled page text. Satisfied by any
// backend supporting the embeddings task.
type Embedder interface {
	Execute(ctx context.Context, in task.Input) (task.Output, error)
}

// Crawler fetches pages breadth first within the configured domain
// allowlist, rate limited per host.
type Crawler struct {
	client   *http.Client
	limiter  *rate.Limiter
	embedder Embedder
}

// NewCrawler creates a crawler. The embedder may be nil; crawl inputs
// requesting embeddings then produce pages without them.
func NewCrawler(embedder Embedder) *Crawler {
	return &Crawler{
		client:   &http.Client{Timeout: 20 * time.Second},
		limiter:  rate.NewLimiter(rate.Limit(2), 4),
		embedder: embedder,
	}
}

func (c *Crawler) Name() string       { return "crawler" }
func (c *Crawler) Kind() backend.Kind { return backend.KindCrawler }

func (c *Crawler) Capabilities() backend.Capabilities {
	return backend.Capabilities{
		Name:           "crawler",
		SupportedTasks: []task.Type{task.TypeWebCrawl},
		MaxBatchSize:   1,
	}
}

func (c *Crawler) Health(context.Context) backend.Health {
	return backend.Health{Operational: true}
}

func (c *Crawler) ResourceUsage(context.Context) backend.ResourceUsage {
	return backend.ResourceUsage{}
}

func (c *Crawler) LoadModel(context.Context, string) error {
	return errs.New(errs.CodeNotSupported, "crawler backend has no models")
}

func (c *Crawler) LoadModelFromPath(context.Context, string) error {
	return errs.New(errs.CodeNotSupported, "crawler backend has no models")
}

func (c *Crawler) UnloadModel(context.Context) error { return nil }
func (c *Crawler) LoadedModel() (string, bool)       { return "", false }

func (c *Crawler) Execute(ctx context.Context, in task.Input) (task.Output, error) {
	if in.WebCrawl == nil {
		return task.Output{}, errs.Newf(errs.CodeNotSupported,
			"crawler backend does not support task type %s", in.Kind())
	}
	return c.crawl(ctx, in.WebCrawl)
}

type crawlTarget struct {
	url   string
	depth uint32
}

func (c *Crawler) crawl(ctx context.Context, in *task.WebCrawlInput) (task.Output, error) {
	root, err := url.Parse(in.URL)
	if err != nil || root.Hostname() == "" {
		return task.Output{}, errs.Newf(errs.CodeExecutionFailed, "invalid crawl url %q", in.URL)
	}

	allowed := in.AllowedDomains
	if len(allowed) == 0 {
		allowed = []string{root.Hostname()}
	}

	out := task.WebCrawlOutput{Pages: []task.CrawledPage{}, Errors: []string{}}
	visited := map[string]bool{}
	queue := []crawlTarget{{url: root.String(), depth: 0}}

	for len(queue) > 0 && uint32(len(out.Pages)) < in.MaxPages {
		if err := ctx.Err(); err != nil {
			return task.Output{}, errs.Wrap(errs.CodeExecutionCancelled, "crawl aborted", err)
		}

		target := queue[0]
		queue = queue[1:]
		if visited[target.url] {
			continue
		}
		visited[target.url] = true

		if err := c.limiter.Wait(ctx); err != nil {
			return task.Output{}, errs.Wrap(errs.CodeExecutionCancelled, "crawl aborted", err)
		}

		page, err := c.fetch(ctx, target.url)
		out.TotalFetched++
		if err != nil {
			out.Errors = append(out.Errors, fmt.Sprintf("%s: %v", target.url, err))
			continue
		}

		if in.GenerateEmbeddings && c.embedder != nil && page.Text != "" {
			if embedding, err := c.embed(ctx, page.Text); err == nil {
				page.Embedding = embedding
			} else {
				out.Errors = append(out.Errors, fmt.Sprintf("embedding %s: %v", target.url, err))
			}
		}

		out.Pages = append(out.Pages, *page)
		out.TotalTextChars += uint64(len(page.Text))

		if target.depth >= in.MaxDepth {
			continue
		}
		for _, link := range page.Links {
			if !visited[link] && domainAllowed(link, allowed) {
				queue = append(queue, crawlTarget{url: link, depth: target.depth + 1})
			}
		}
	}

	return task.Output{WebCrawl: &out}, nil
}

func (c *Crawler) fetch(ctx context.Context, pageURL string) (*task.CrawledPage, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", crawlerUserAgent)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("status %s", resp.Status)
	}
	contentType := resp.Header.Get("Content-Type")
	if contentType != "" && !strings.Contains(contentType, "text/html") {
		return nil, fmt.Errorf("unsupported content type %q", contentType)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, crawlerMaxBodySize))
	if err != nil {
		return nil, err
	}

	title, text, links := parsePage(body, pageURL)
	digest := sha256.Sum256([]byte(text))

	page := task.CrawledPage{
		URL:         pageURL,
		Text:        text,
		Links:       links,
		FetchedAt:   time.Now().UTC().Format(time.RFC3339),
		ContentHash: hex.EncodeToString(digest[:]),
	}
	if title != "" {
		page.Title = &title
	}
	return &page, nil
}

func (c *Crawler) embed(ctx context.Context, text string) ([]float32, error) {
	out, err := c.embedder.Execute(ctx, task.Input{
		Embeddings: &task.EmbeddingsInput{Texts: []string{text}, Normalize: true},
	})
	if err != nil {
		return nil, err
	}
	if out.Embeddings == nil || len(out.Embeddings.Embeddings) == 0 {
		return nil, fmt.Errorf("embedder returned no vectors")
	}
	return out.Embeddings.Embeddings[0], nil
}

// parsePage extracts the title, visible text and absolute links from an
// HTML document. Script and style contents are dropped.
func parsePage(body []byte, base string) (title, text string, links []string) {
	doc, err := html.Parse(strings.NewReader(string(body)))
	if err != nil {
		return "", "", nil
	}
	baseURL, _ := url.Parse(base)

	var textParts []string
	seen := map[string]bool{}

	var walk func(*html.Node, bool)
	walk = func(n *html.Node, skip bool) {
		switch n.Type {
		case html.ElementNode:
			switch n.Data {
			case "script", "style", "noscript":
				skip = true
			case "title":
				if n.FirstChild != nil && title == "" {
					title = strings.TrimSpace(n.FirstChild.Data)
				}
			case "a":
				for _, attr := range n.Attr {
					if attr.Key != "href" {
						continue
					}
					if resolved := resolveLink(baseURL, attr.Val); resolved != "" && !seen[resolved] {
						seen[resolved] = true
						links = append(links, resolved)
					}
				}
			}
		case html.TextNode:
			if !skip {
				if trimmed := strings.TrimSpace(n.Data); trimmed != "" {
					textParts = append(textParts, trimmed)
				}
			}
		}
		for child := n.FirstChild; child != nil; child = child.NextSibling {
			walk(child, skip)
		}
	}
	walk(doc, false)

	return title, strings.Join(textParts, " "), links
}

func resolveLink(base *url.URL, href string) string {
	ref, err := url.Parse(strings.TrimSpace(href))
	if err != nil {
		return ""
	}
	if base != nil {
		ref = base.ResolveReference(ref)
	}
	if ref.Scheme != "http" && ref.Scheme != "https" {
		return ""
	}
	ref.Fragment = ""
	return ref.String()
}

func domainAllowed(link string, allowed []string) bool {
	u, err := url.Parse(link)
	if err != nil {
		return false
	}
	host := u.Hostname()
	for _, domain := range allowed {
		if host == domain || strings.HasSuffix(host, "."+domain) {
			return true
		}
	}
	return false
}
