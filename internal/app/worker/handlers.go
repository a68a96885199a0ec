package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"siteops/internal/common"
	"siteops/internal/common/security"
	"siteops/internal/domain/model"

	"github.com/PuerkitoBio/goquery"
)

// Handler executes one claimed job. A nil error completes the job.
type Handler func(ctx context.Context, job *model.QueueJob) error

// Fetcher is satisfied by *security.FetchGuard.
type Fetcher interface {
	SafeFetch(ctx context.Context, rawURL string, opts security.FetchOptions) (*http.Response, error)
}

// Researcher is satisfied by *service.ResearchCache.
type Researcher interface {
	Refresh(ctx context.Context, payload model.RefreshResearchCachePayload) error
}

const maxLinkCheckBody = 2 << 20

func decodePayload(job *model.QueueJob, dst any) error {
	if err := json.Unmarshal(job.Payload, dst); err != nil {
		return common.Errorf("invalid %s payload for job %s: %v: %w", job.JobType, job.ID, err, common.ErrValidation)
	}
	return nil
}

func RefreshResearchCacheHandler(cache Researcher) Handler {
	return func(ctx context.Context, job *model.QueueJob) error {
		var p model.RefreshResearchCachePayload
		if err := decodePayload(job, &p); err != nil {
			return err
		}
		return cache.Refresh(ctx, p)
	}
}

// LinkHealthCheckHandler fetches a page through the SSRF guard, checks the
// status and, for HTML, reports how many outbound links would be unsafe to
// follow.
func LinkHealthCheckHandler(fetcher Fetcher, logger *slog.Logger) Handler {
	return func(ctx context.Context, job *model.QueueJob) error {
		var p model.LinkHealthCheckPayload
		if err := decodePayload(job, &p); err != nil {
			return err
		}
		if p.URL == "" {
			return common.Errorf("link_health_check job %s has no url: %w", job.ID, common.ErrValidation)
		}

		resp, err := fetcher.SafeFetch(ctx, p.URL, security.FetchOptions{
			Headers: map[string]string{"User-Agent": "siteops-linkcheck/1.0"},
		})
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		if !statusMatches(resp.StatusCode, p.ExpectedStatus) {
			return fmt.Errorf("HTTP %d for %s", resp.StatusCode, p.URL)
		}

		if !strings.Contains(resp.Header.Get("Content-Type"), "text/html") {
			logger.Info("link health check passed", "job_id", job.ID, "url", p.URL, "status", resp.StatusCode)
			return nil
		}

		doc, err := goquery.NewDocumentFromReader(io.LimitReader(resp.Body, maxLinkCheckBody))
		if err != nil {
			return fmt.Errorf("parse %s: %w", p.URL, err)
		}
		base, _ := url.Parse(p.URL)
		if resp.Request != nil {
			base = resp.Request.URL
		}
		total, unsafe := inspectLinks(base, doc)
		logger.Info("link health check passed",
			"job_id", job.ID, "url", p.URL, "status", resp.StatusCode,
			"links", total, "unsafe_links", unsafe)
		return nil
	}
}

func statusMatches(got, expected int) bool {
	if expected > 0 {
		return got == expected
	}
	return got >= 200 && got < 300
}

// inspectLinks resolves every anchor against base and counts the ones the
// fetch guard would refuse.
func inspectLinks(base *url.URL, doc *goquery.Document) (total, unsafe int) {
	doc.Find("a[href]").Each(func(_ int, s *goquery.Selection) {
		href, _ := s.Attr("href")
		ref, err := url.Parse(strings.TrimSpace(href))
		if err != nil {
			total++
			unsafe++
			return
		}
		abs := base.ResolveReference(ref)
		if abs.Scheme == "mailto" || abs.Scheme == "tel" || abs.Scheme == "javascript" {
			return
		}
		total++
		if _, err := security.ValidateURL(abs.String()); err != nil {
			unsafe++
		}
	})
	return total, unsafe
}

func WebhookDeliveryHandler(fetcher Fetcher) Handler {
	return func(ctx context.Context, job *model.QueueJob) error {
		var p model.WebhookDeliveryPayload
		if err := decodePayload(job, &p); err != nil {
			return err
		}
		if p.URL == "" {
			return common.Errorf("webhook_delivery job %s has no url: %w", job.ID, common.ErrValidation)
		}

		body := []byte(p.Body)
		if len(body) == 0 {
			body = []byte(`{}`)
		}
		headers := map[string]string{
			"Content-Type":      "application/json",
			"X-Siteops-Event":   p.Event,
			"X-Siteops-Job-Id":  job.ID,
			"X-Siteops-Attempt": fmt.Sprint(job.Attempts),
		}
		for k, v := range p.Headers {
			headers[k] = v
		}

		resp, err := fetcher.SafeFetch(ctx, p.URL, security.FetchOptions{
			Method:  http.MethodPost,
			Headers: headers,
			Body:    body,
		})
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		// Drain so the connection can be reused; the status decides the outcome.
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return fmt.Errorf("webhook %s: HTTP %d", p.URL, resp.StatusCode)
		}
		return nil
	}
}
