// Package osv talks to the external vulnerability authority (OSV) and the
// package metadata authority (PyPI).
package osv

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/example/vulntrack/internal/apperr"
	"github.com/example/vulntrack/internal/manifest"
	"github.com/example/vulntrack/internal/metrics"
	"golang.org/x/time/rate"
)

const (
	DefaultOSVBaseURL  = "https://api.osv.dev/v1"
	DefaultPyPIBaseURL = "https://pypi.org/pypi"

	// MaxBatchSize is the largest querybatch OSV accepts.
	MaxBatchSize = 1000

	ecosystem = "PyPI"

	descriptionPlaceholder = "Description not available"
	summaryPlaceholder     = "Summary not available"
)

const (
	opBatchQuery    = "osv.querybatch"
	opVulnerability = "osv.vulns"
	opMetadata      = "pypi.metadata"
)

type Config struct {
	OSVBaseURL        string
	PyPIBaseURL       string
	Timeout           time.Duration
	RequestsPerSecond float64 // 0 disables pacing
	MaxBatchSize      int
}

// Vulnerability is the subset of an OSV record the tracker exposes.
type Vulnerability struct {
	ID      string `json:"id"`
	Summary string `json:"summary"`
	Details string `json:"details"`
}

type PackageMetadata struct {
	Description string `json:"description"`
	Summary     string `json:"summary"`
}

// Client is safe for concurrent use.
type Client struct {
	osvBase   string
	pypiBase  string
	batchSize int
	http      *http.Client
	limiter   *rate.Limiter
}

func NewClient(cfg Config) *Client {
	if cfg.OSVBaseURL == "" {
		cfg.OSVBaseURL = DefaultOSVBaseURL
	}
	if cfg.PyPIBaseURL == "" {
		cfg.PyPIBaseURL = DefaultPyPIBaseURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.MaxBatchSize <= 0 || cfg.MaxBatchSize > MaxBatchSize {
		cfg.MaxBatchSize = MaxBatchSize
	}
	c := &Client{
		osvBase:   strings.TrimRight(cfg.OSVBaseURL, "/"),
		pypiBase:  strings.TrimRight(cfg.PyPIBaseURL, "/"),
		batchSize: cfg.MaxBatchSize,
		http:      &http.Client{Timeout: cfg.Timeout},
	}
	if cfg.RequestsPerSecond > 0 {
		burst := int(cfg.RequestsPerSecond)
		if burst < 1 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), burst)
	}
	return c
}

type batchRequest struct {
	Queries []query `json:"queries"`
}

type query struct {
	Package queryPackage `json:"package"`
	Version string       `json:"version"`
}

type queryPackage struct {
	Name      string `json:"name"`
	Ecosystem string `json:"ecosystem"`
}

type batchResponse struct {
	Results []struct {
		Vulns []struct {
			ID string `json:"id"`
		} `json:"vulns"`
	} `json:"results"`
}

// BatchQuery returns, for each requirement, the ids of the vulnerabilities
// affecting it. The result is aligned with reqs. Any failed chunk fails the
// whole call.
func (c *Client) BatchQuery(ctx context.Context, reqs []manifest.Requirement) ([][]string, error) {
	out := make([][]string, 0, len(reqs))
	for start := 0; start < len(reqs); start += c.batchSize {
		end := min(start+c.batchSize, len(reqs))
		ids, err := c.queryChunk(ctx, reqs[start:end])
		if err != nil {
			return nil, err
		}
		out = append(out, ids...)
	}
	return out, nil
}

func (c *Client) queryChunk(ctx context.Context, reqs []manifest.Requirement) ([][]string, error) {
	body := batchRequest{Queries: make([]query, len(reqs))}
	for i, r := range reqs {
		body.Queries[i] = query{
			Package: queryPackage{Name: r.Package, Ecosystem: ecosystem},
			Version: r.Version,
		}
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal querybatch: %w", err)
	}

	var resp batchResponse
	status, err := c.do(ctx, opBatchQuery, http.MethodPost, c.osvBase+"/querybatch", payload, &resp)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, c.failure(opBatchQuery, status, nil)
	}
	if len(resp.Results) != len(reqs) {
		return nil, c.failure(opBatchQuery, status,
			fmt.Errorf("got %d results for %d queries", len(resp.Results), len(reqs)))
	}

	out := make([][]string, len(reqs))
	for i, r := range resp.Results {
		ids := make([]string, 0, len(r.Vulns))
		for _, v := range r.Vulns {
			ids = append(ids, v.ID)
		}
		out[i] = ids
	}
	metrics.EnrichmentRequests.WithLabelValues(opBatchQuery, "ok").Inc()
	return out, nil
}

// FetchVulnerability returns the OSV record for id.
func (c *Client) FetchVulnerability(ctx context.Context, id string) (Vulnerability, error) {
	var v Vulnerability
	status, err := c.do(ctx, opVulnerability, http.MethodGet, c.osvBase+"/vulns/"+url.PathEscape(id), nil, &v)
	if err != nil {
		return Vulnerability{}, err
	}
	switch status {
	case http.StatusOK:
		metrics.EnrichmentRequests.WithLabelValues(opVulnerability, "ok").Inc()
		if v.ID == "" {
			v.ID = id
		}
		return v, nil
	case http.StatusNotFound:
		metrics.EnrichmentRequests.WithLabelValues(opVulnerability, "not_found").Inc()
		return Vulnerability{}, fmt.Errorf("vulnerability %s: %w", id, apperr.ErrNotFound)
	default:
		return Vulnerability{}, c.failure(opVulnerability, status, nil)
	}
}

type pypiResponse struct {
	Info struct {
		Description string `json:"description"`
		Summary     string `json:"summary"`
	} `json:"info"`
}

// FetchPackageMetadata returns the description and summary PyPI publishes for
// (pkg, version). Packages PyPI does not know get placeholder text.
func (c *Client) FetchPackageMetadata(ctx context.Context, pkg, version string) (PackageMetadata, error) {
	endpoint := fmt.Sprintf("%s/%s/%s/json", c.pypiBase, url.PathEscape(pkg), url.PathEscape(version))
	var resp pypiResponse
	status, err := c.do(ctx, opMetadata, http.MethodGet, endpoint, nil, &resp)
	if err != nil {
		return PackageMetadata{}, err
	}
	switch status {
	case http.StatusOK:
		metrics.EnrichmentRequests.WithLabelValues(opMetadata, "ok").Inc()
	case http.StatusNotFound:
		metrics.EnrichmentRequests.WithLabelValues(opMetadata, "not_found").Inc()
	default:
		return PackageMetadata{}, c.failure(opMetadata, status, nil)
	}

	md := PackageMetadata{Description: resp.Info.Description, Summary: resp.Info.Summary}
	if md.Description == "" {
		md.Description = descriptionPlaceholder
	}
	if md.Summary == "" {
		md.Summary = summaryPlaceholder
	}
	return md, nil
}

// do sends one request and decodes a 200 body into out. Non-200 statuses are
// returned for the caller to interpret; transport errors become
// EnrichmentFailure.
func (c *Client) do(ctx context.Context, op, method, endpoint string, body []byte, out any) (int, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return 0, c.failure(op, 0, err)
		}
	}

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return 0, fmt.Errorf("build %s request: %w", op, err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, c.failure(op, 0, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, resp.Body)
		return resp.StatusCode, nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil && !errors.Is(err, io.EOF) {
		return resp.StatusCode, c.failure(op, resp.StatusCode, fmt.Errorf("decode response: %w", err))
	}
	return resp.StatusCode, nil
}

func (c *Client) failure(op string, status int, err error) error {
	metrics.EnrichmentRequests.WithLabelValues(op, "error").Inc()
	return &apperr.EnrichmentFailure{Status: status, Operation: op, Err: err}
}
