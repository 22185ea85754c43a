package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/tronexi/offline-hub/internal/cache"
	"github.com/tronexi/offline-hub/internal/logging"
)

// Handlers 是 worker 向宿主注册的事件入口：install 与 fetch。
type Handlers interface {
	Version() string
	Install(ctx context.Context) error
	Fetch(ctx context.Context, req *http.Request) (*Response, error)
}

// Response 是 fetch 事件的结果，Body 由调用方负责关闭。
type Response struct {
	Status    int
	Header    http.Header
	Body      io.ReadCloser
	FromCache bool
	// StoredAt 仅在命中缓存时有值。
	StoredAt time.Time
}

// Options 描述一个 worker 版本所需的全部依赖。
type Options struct {
	Scope        string
	Version      string
	CacheName    string
	Origin       *url.URL
	Assets       []string
	IgnoreSearch bool
	Storage      cache.Storage
	Network      cache.Fetcher
	Logger       *logrus.Logger
}

// Worker 是某个 scope 的一个版本，资产清单在版本生命周期内不可变。
type Worker struct {
	scope        string
	version      string
	cacheName    string
	origin       *url.URL
	assets       []string
	ignoreSearch bool
	storage      cache.Storage
	network      cache.Fetcher
	logger       *logrus.Logger
}

// New 校验依赖并构造 Worker。
func New(opts Options) (*Worker, error) {
	if opts.Storage == nil {
		return nil, errors.New("cache storage is required")
	}
	if opts.Network == nil {
		return nil, errors.New("network fetcher is required")
	}
	if opts.Logger == nil {
		return nil, errors.New("logger is required")
	}
	if opts.Origin == nil {
		return nil, errors.New("origin is required")
	}
	if opts.CacheName == "" {
		return nil, errors.New("cache name is required")
	}

	return &Worker{
		scope:        opts.Scope,
		version:      opts.Version,
		cacheName:    opts.CacheName,
		origin:       opts.Origin,
		assets:       append([]string(nil), opts.Assets...),
		ignoreSearch: opts.IgnoreSearch,
		storage:      opts.Storage,
		network:      opts.Network,
		logger:       opts.Logger,
	}, nil
}

func (w *Worker) Version() string {
	return w.version
}

// CacheName 返回该版本绑定的缓存名。
func (w *Worker) CacheName() string {
	return w.cacheName
}

// Install 打开具名缓存并整批写入资产清单，任一资产失败则整体失败。
func (w *Worker) Install(ctx context.Context) error {
	started := time.Now()
	fields := logging.WorkerFields(w.scope, w.version, w.cacheName)
	fields["action"] = "install"
	fields["assets"] = len(w.assets)

	c, err := w.storage.Open(ctx, w.cacheName)
	if err != nil {
		return fmt.Errorf("open cache %s: %w", w.cacheName, err)
	}

	reqs, err := w.assetRequests(ctx)
	if err != nil {
		return err
	}

	entries, err := c.AddAll(ctx, reqs)
	fields["elapsed_ms"] = time.Since(started).Milliseconds()
	if err != nil {
		fields["error"] = err.Error()
		w.logger.WithFields(fields).Warn("install_failed")
		return fmt.Errorf("precache %s: %w", w.cacheName, err)
	}
	fields["cached"] = len(entries)
	w.logger.WithFields(fields).Info("install_complete")
	return nil
}

func (w *Worker) assetRequests(ctx context.Context) ([]*http.Request, error) {
	reqs := make([]*http.Request, 0, len(w.assets))
	for _, asset := range w.assets {
		ref, err := url.Parse(asset)
		if err != nil {
			return nil, fmt.Errorf("parse asset %q: %w", asset, err)
		}
		target := w.origin.ResolveReference(ref)
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, target.String(), nil)
		if err != nil {
			return nil, err
		}
		reqs = append(reqs, req)
	}
	return reqs, nil
}

// Fetch 先查缓存：命中直接返回，不做新鲜度检查；未命中走网络且不回写缓存。
// 缓存查找出错按未命中处理，网络失败原样返回给调用方。
func (w *Worker) Fetch(ctx context.Context, req *http.Request) (*Response, error) {
	if req == nil {
		return nil, errors.New("request is required")
	}

	if hit := w.match(ctx, req); hit != nil {
		return hit, nil
	}

	resp, err := w.network.Do(req.WithContext(ctx))
	if err != nil {
		return nil, fmt.Errorf("network fetch %s: %w", req.URL, err)
	}
	return &Response{
		Status: resp.StatusCode,
		Header: resp.Header,
		Body:   resp.Body,
	}, nil
}

func (w *Worker) match(ctx context.Context, req *http.Request) *Response {
	c, err := w.storage.Open(ctx, w.cacheName)
	if err == nil {
		var result *cache.ReadResult
		result, err = c.Match(ctx, req, cache.MatchOptions{IgnoreSearch: w.ignoreSearch})
		if err == nil {
			return &Response{
				Status:    result.Entry.Status,
				Header:    result.Entry.Header.Clone(),
				Body:      result.Reader,
				FromCache: true,
				StoredAt:  result.Entry.StoredAt,
			}
		}
	}
	if !errors.Is(err, cache.ErrNotFound) {
		fields := logging.WorkerFields(w.scope, w.version, w.cacheName)
		fields["action"] = "fetch"
		fields["request"] = cache.KeyFor(req).String()
		w.logger.WithError(err).WithFields(fields).Warn("cache_match_failed")
	}
	return nil
}
