// Package dispatcher implements the Tool Dispatcher from spec.md §4.12:
// the single `fetch-url` tool's input validation, ambient request-context
// setup, task-mode branching, and the pipeline that chains the URL
// Normalizer, Raw-URL Transformer, Cache, HTTP Fetcher, and the external
// Markdown/noise-removal adapters.
package dispatcher

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/fetchmcp/fetchmcp/internal/adapters"
	"github.com/fetchmcp/fetchmcp/internal/cache"
	"github.com/fetchmcp/fetchmcp/internal/dnsresolve"
	"github.com/fetchmcp/fetchmcp/internal/errs"
	"github.com/fetchmcp/fetchmcp/internal/fetchclient"
	"github.com/fetchmcp/fetchmcp/internal/hostpolicy"
	"github.com/fetchmcp/fetchmcp/internal/logging"
	"github.com/fetchmcp/fetchmcp/internal/rawurl"
	"github.com/fetchmcp/fetchmcp/internal/reqctx"
	"github.com/fetchmcp/fetchmcp/internal/taskmgr"
	"github.com/fetchmcp/fetchmcp/internal/telemetry"
	"github.com/fetchmcp/fetchmcp/internal/urlnorm"
)

// Input is the `fetch-url` tool's input schema (spec.md §6.2).
type Input struct {
	URL              string
	ForceRefresh     bool
	SkipNoiseRemoval bool
}

// TaskOptions mirrors `params.task = { ttl }` (spec.md §6.2): 1000ms to
// 86_400_000ms (1s to 24h) on the wire, normalized by the Task Manager.
type TaskOptions struct {
	TTL time.Duration
}

// ProgressFunc reports pipeline stage progress; the dispatcher calls it at
// each stage whenever it is non-nil, without checking for a progress token.
type ProgressFunc func(stage string)

// Result is the `structuredContent` shape from spec.md §6.2.
type Result struct {
	Markdown         string
	Title            string
	Truncated        bool
	FinalURL         string
	CacheResourceURI string
	ResolvedURL      string
	StatusCode       int
	Details          *errs.Details
}

// TaskSummary is the `CreateTaskResult`-equivalent returned immediately
// when `params.task` is present.
type TaskSummary struct {
	TaskID       string
	Status       taskmgr.Status
	PollInterval time.Duration
	RelatedTask  string // mirrors `_meta["io.modelcontextprotocol/related-task"]`
}

// Request bundles one `fetch-url` invocation's parameters.
type Request struct {
	OwnerKey   string
	Input      Input
	Task       *TaskOptions
	OnProgress ProgressFunc
}

// cacheNamespace is the single namespace this dispatcher writes to; a
// richer deployment could vary this per content-type.
const cacheNamespace = "html"

// Dispatcher wires the pipeline's collaborators together.
type Dispatcher struct {
	Policy    *hostpolicy.Policy
	Resolver  *dnsresolve.Resolver
	Cache     *cache.Cache
	Tasks     *taskmgr.Manager
	Telemetry *telemetry.Telemetry
	Markdown  adapters.MarkdownConverter
	Noise     adapters.NoiseRemover
	Log       *logging.Logger

	UserAgent             string
	FetchTimeout          time.Duration
	MaxRedirects          int
	MaxURLLength          int
	MaxHTMLBytes          int64
	MaxInlineContentChars int
	CacheTTL              time.Duration
}

// Dispatch implements the Tool Dispatcher's per-call algorithm (spec.md
// §4.12): task-mode calls return a TaskSummary immediately and run the
// pipeline on a background goroutine bound to the task's abort controller;
// synchronous calls run the pipeline inline.
func (d *Dispatcher) Dispatch(ctx context.Context, req Request) (interface{}, error) {
	if req.Input.URL == "" {
		return nil, errs.New(errs.KindInvalidArg, "", "url is required")
	}

	if req.Task == nil {
		return d.runPipeline(ctx, req.Input, req.OnProgress)
	}

	task, err := d.Tasks.CreateTask(req.Task.TTL, "working", req.OwnerKey)
	if err != nil {
		return nil, err
	}

	taskCtx, cancel := context.WithCancel(context.Background())
	taskCtx = reqctx.WithCarrier(taskCtx, reqctx.FromContext(ctx))
	d.Tasks.BindAbortController(task.TaskID, cancel)

	go d.runTask(taskCtx, task.TaskID, req.OwnerKey, req.Input)

	return TaskSummary{
		TaskID:       task.TaskID,
		Status:       task.Status,
		PollInterval: task.PollInterval,
		RelatedTask:  task.TaskID,
	}, nil
}

func (d *Dispatcher) runTask(ctx context.Context, taskID, ownerKey string, input Input) {
	result, err := d.runPipeline(ctx, input, nil)
	if err != nil {
		fe, _ := errs.As(err)
		patch := taskmgr.UpdatePatch{Status: taskmgr.StatusFailed, Err: err}
		if fe != nil {
			patch.StatusMessage = fe.Message
		}
		d.Tasks.UpdateTask(taskID, patch)
		return
	}
	d.Tasks.UpdateTask(taskID, taskmgr.UpdatePatch{Status: taskmgr.StatusCompleted, Result: result})
	d.Tasks.ShrinkTTLAfterDelivery(taskID)
}

// runPipeline implements the synchronous fetch pipeline from spec.md
// §4.12: URL Normalizer → Raw-URL Transformer → Cache lookup (unless
// forceRefresh) → HTTP Fetcher → HTML→Markdown → Cache insert → result.
func (d *Dispatcher) runPipeline(ctx context.Context, input Input, progress ProgressFunc) (Result, error) {
	report(progress, "normalizing")

	norm, err := urlnorm.NormalizeWithLimit(d.Policy, input.URL, d.MaxURLLength)
	if err != nil {
		return Result{}, errs.Wrap(errs.KindValidation, input.URL, err)
	}

	rewrite := rawurl.Rewrite(norm.NormalizedURL)
	fetchURL := norm.NormalizedURL
	if rewrite.Transformed {
		reNorm, err := urlnorm.NormalizeWithLimit(d.Policy, rewrite.URL, d.MaxURLLength)
		if err != nil {
			return Result{}, errs.Wrap(errs.KindValidation, rewrite.URL, err)
		}
		fetchURL = reNorm.NormalizedURL
	}

	cacheKey := cache.Key(cacheNamespace, fetchURL, nil)
	cacheURI := fmt.Sprintf("internal://cache/%s/%s", cacheNamespace, cache.URLHash(fetchURL))

	if !input.ForceRefresh {
		if entry, ok := d.Cache.Get(cacheKey, cache.GetOptions{}); ok {
			return Result{
				Markdown:         string(entry.Content),
				Title:            entry.Title,
				FinalURL:         entry.URL,
				ResolvedURL:      entry.URL,
				CacheResourceURI: cacheURI,
			}, nil
		}
	}

	report(progress, "fetching")

	rec := d.telemetryStart(ctx, fetchURL)
	follower := fetchclient.NewFollower(d.Policy, d.Resolver, d.UserAgent, d.FetchTimeout, d.MaxRedirects)

	fetchCtx := ctx
	var cancel context.CancelFunc
	if d.FetchTimeout > 0 {
		fetchCtx, cancel = context.WithTimeout(ctx, d.FetchTimeout)
		defer cancel()
	}

	followResult, err := follower.FetchWithRedirects(fetchCtx, fetchURL)
	if err != nil {
		rec.Error(err)
		return Result{}, err
	}
	resp := followResult.Response
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		rec.End(resp.StatusCode)
		return d.httpErrorResult(resp, followResult.FinalURL)
	}

	if !fetchclient.IsTextLike(resp.Header.Get("Content-Type")) {
		err := errs.New(errs.KindUnsupportedEncoding, followResult.FinalURL, "unsupported content-type %q", resp.Header.Get("Content-Type"))
		rec.Error(err)
		return Result{}, err
	}

	report(progress, "reading")

	readResult, err := d.readBody(fetchCtx, resp, followResult.FinalURL)
	if err != nil {
		rec.Error(err)
		return Result{}, err
	}

	rec.End(resp.StatusCode)

	report(progress, "converting")

	markdown, title, err := d.toMarkdown(ctx, readResult.Text, input.SkipNoiseRemoval)
	if err != nil {
		return Result{}, errs.Wrap(errs.KindUnknown, followResult.FinalURL, err)
	}

	if d.MaxInlineContentChars > 0 && len(markdown) > d.MaxInlineContentChars {
		markdown = markdown[:d.MaxInlineContentChars]
		readResult.Truncated = true
	}

	ttl := d.CacheTTL
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	d.Cache.Set(cacheKey, []byte(markdown), cache.SetMeta{URL: followResult.FinalURL, Title: title}, ttl, cache.SetOptions{})

	report(progress, "done")

	return Result{
		Markdown:         markdown,
		Title:            title,
		Truncated:        readResult.Truncated,
		FinalURL:         followResult.FinalURL,
		ResolvedURL:      followResult.FinalURL,
		CacheResourceURI: cacheURI,
		StatusCode:       resp.StatusCode,
	}, nil
}

// readBody decodes Content-Encoding before handing the body to the
// Response Reader, since compressed bytes carry their own binary-signature
// magic numbers and must not be classified as such (spec.md §4.6).
func (d *Dispatcher) readBody(ctx context.Context, resp *http.Response, finalURL string) (fetchclient.ReadResult, error) {
	tokens, err := fetchclient.ParseContentEncoding(resp.Header.Get("Content-Encoding"))
	if err != nil {
		return fetchclient.ReadResult{}, err
	}
	if len(tokens) == 0 {
		return fetchclient.Read(ctx, resp, d.MaxHTMLBytes, "")
	}

	bufResult, err := fetchclient.ReadBuffer(ctx, &http.Response{
		Body:    resp.Body,
		Request: resp.Request,
	}, d.MaxHTMLBytes, "")
	if err != nil {
		return fetchclient.ReadResult{}, err
	}

	decoded, usedRaw, warning := fetchclient.DecodeContentEncoding(bufResult.Buffer, tokens)
	if usedRaw && d.Log != nil {
		d.Log.Warnf("fetch %s: %s", finalURL, warning)
	}

	if fetchclient.IsBinarySignature(decoded, fetchclient.ResolveEffectiveEncoding(decoded, "")) {
		return fetchclient.ReadResult{}, errs.New(errs.KindBinaryContent, finalURL, "binary content detected")
	}

	return fetchclient.ReadResult{
		Text:      decodedText(decoded),
		Size:      len(decoded),
		Truncated: bufResult.Truncated,
	}, nil
}

func decodedText(b []byte) string { return string(b) }

func (d *Dispatcher) httpErrorResult(resp *http.Response, finalURL string) (Result, error) {
	retryAfter := 0
	if resp.StatusCode == http.StatusTooManyRequests {
		retryAfter = errs.ParseRetryAfter(resp.Header.Get("Retry-After"), time.Now())
		return Result{}, &errs.FetchError{
			Kind: errs.KindRateLimited, Message: fmt.Sprintf("rate limited (status %d)", resp.StatusCode),
			URL: finalURL, StatusCode: resp.StatusCode, RetryAfter: retryAfter,
		}
	}
	return Result{}, &errs.FetchError{
		Kind: errs.KindHTTPError, Message: fmt.Sprintf("upstream returned status %d", resp.StatusCode),
		URL: finalURL, StatusCode: resp.StatusCode,
	}
}

func (d *Dispatcher) toMarkdown(ctx context.Context, html string, skipNoise bool) (markdown, title string, err error) {
	converter := d.Markdown
	if converter == nil {
		converter = adapters.PlainTextConverter{}
	}
	converted, err := converter.Convert(ctx, html)
	if err != nil {
		return "", "", err
	}

	if !skipNoise {
		remover := d.Noise
		if remover == nil {
			remover = adapters.PassthroughNoiseRemover{}
		}
		converted, err = remover.Remove(ctx, converted)
		if err != nil {
			return "", "", err
		}
	}

	return converted, extractTitle(html), nil
}

func (d *Dispatcher) telemetryStart(ctx context.Context, url string) *telemetry.Recorder {
	if d.Telemetry == nil {
		return nil
	}
	return d.Telemetry.Start(ctx, "GET", url)
}

func report(progress ProgressFunc, stage string) {
	if progress != nil {
		progress(stage)
	}
}

const titleOpen = "<title>"
const titleClose = "</title>"

// extractTitle pulls the first <title> element's text, case-insensitively,
// without a full HTML parse (the core intentionally stops at charset/binary
// detection, per spec.md §1's "no content parsing beyond" non-goal).
func extractTitle(html string) string {
	lower := strings.ToLower(html)
	start := strings.Index(lower, titleOpen)
	if start == -1 {
		return ""
	}
	start += len(titleOpen)
	end := strings.Index(lower[start:], titleClose)
	if end == -1 {
		return ""
	}
	return strings.TrimSpace(html[start : start+end])
}
