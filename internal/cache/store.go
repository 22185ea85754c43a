package cache

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/textproto"
	"path"
	"strings"
	"time"
)

// Storage 管理所有具名缓存，对应浏览器中的 CacheStorage。
type Storage interface {
	// Open 按名称打开缓存，不存在时惰性创建。
	Open(ctx context.Context, name string) (Cache, error)
	// Has 返回指定名称的缓存是否已经创建。
	Has(name string) (bool, error)
	// Names 返回磁盘上所有缓存名，按字典序排列。
	Names() ([]string, error)
}

// Cache 是单个具名缓存。写入只有 AddAll 一条路径，运行期的未命中不会回写。
type Cache interface {
	Name() string

	// Match 查找请求对应的缓存响应，不存在时返回 ErrNotFound。
	Match(ctx context.Context, req *http.Request, opts MatchOptions) (*ReadResult, error)

	// AddAll 抓取全部请求并一次性写入。任一请求失败（网络错误或非 2xx）时
	// 整批放弃，缓存内容保持调用前的状态。
	AddAll(ctx context.Context, reqs []*http.Request) ([]Entry, error)

	// Keys 列出当前缓存中的全部条目描述。
	Keys(ctx context.Context) ([]Entry, error)
}

// Fetcher 是缓存写入时使用的网络能力，*http.Client 即满足该接口。
type Fetcher interface {
	Do(req *http.Request) (*http.Response, error)
}

// MatchOptions 控制匹配规则，零值即默认匹配（方法 + 完整 URL）。
type MatchOptions struct {
	IgnoreSearch bool
}

// RequestKey 唯一标识一个缓存条目。URL 为绝对形式：scheme://host + 规范化路径 + 查询串，
// 不同 origin 即使共用同一个缓存名也互不覆盖。
type RequestKey struct {
	Method string `json:"method"`
	URL    string `json:"url"`
}

func (k RequestKey) String() string {
	return k.Method + " " + k.URL
}

// WithoutSearch 去掉查询串，用于 IgnoreSearch 匹配。scheme 与 host 保持不变。
func (k RequestKey) WithoutSearch() RequestKey {
	if idx := strings.IndexByte(k.URL, '?'); idx >= 0 {
		k.URL = k.URL[:idx]
	}
	return k
}

// KeyFor 根据请求计算缓存键，Method 缺省视为 GET。路径保留原始转义形式（如 %2F）。
func KeyFor(req *http.Request) RequestKey {
	method := strings.ToUpper(strings.TrimSpace(req.Method))
	if method == "" {
		method = http.MethodGet
	}
	if req.URL == nil {
		return RequestKey{Method: method, URL: "/"}
	}

	raw := req.URL.EscapedPath()
	clean := path.Clean("/" + raw)
	if strings.HasSuffix(raw, "/") && clean != "/" {
		clean += "/"
	}
	if req.URL.RawQuery != "" {
		clean += "?" + req.URL.RawQuery
	}

	host := req.URL.Host
	if host == "" {
		host = req.Host
	}
	if host == "" {
		return RequestKey{Method: method, URL: clean}
	}
	scheme := strings.ToLower(req.URL.Scheme)
	if scheme == "" {
		scheme = "http"
	}
	return RequestKey{Method: method, URL: scheme + "://" + strings.ToLower(host) + clean}
}

// hopByHopHeaders 定义 RFC 7230 中只对单跳连接有效的头部，既不存储也不转发。
var hopByHopHeaders = map[string]struct{}{
	"Connection":          {},
	"Keep-Alive":          {},
	"Proxy-Authenticate":  {},
	"Proxy-Authorization": {},
	"Te":                  {},
	"Trailer":             {},
	"Transfer-Encoding":   {},
	"Upgrade":             {},
	"Proxy-Connection":    {}, // 非标准字段，但部分代理仍使用
}

// IsHopByHopHeader reports whether the header only applies to a single connection.
func IsHopByHopHeader(key string) bool {
	_, ok := hopByHopHeaders[textproto.CanonicalMIMEHeaderKey(key)]
	return ok
}

// StorableHeader 返回去掉 hop-by-hop 字段后的响应头副本。
func StorableHeader(src http.Header) http.Header {
	dst := make(http.Header, len(src))
	for key, values := range src {
		if IsHopByHopHeader(key) {
			continue
		}
		dst[textproto.CanonicalMIMEHeaderKey(key)] = append([]string(nil), values...)
	}
	return dst
}

// Entry 描述一个已存储的响应。Header 保存上游返回的端到端头部，hop-by-hop 字段已剔除。
type Entry struct {
	Key       RequestKey  `json:"key"`
	SourceURL string      `json:"source_url"`
	Status    int         `json:"status"`
	Header    http.Header `json:"header"`
	SizeBytes int64       `json:"size_bytes"`
	StoredAt  time.Time   `json:"stored_at"`
	FilePath  string      `json:"-"`
}

// ReadResult 组合 Entry 与正文 Reader，便于代理层直接将 Body 流式返回。
type ReadResult struct {
	Entry  Entry
	Reader io.ReadSeekCloser
}

var (
	// ErrNotFound 表示缓存不存在。
	ErrNotFound = errors.New("cache entry not found")
	// ErrInvalidRequest 表示请求无法作为缓存键使用。
	ErrInvalidRequest = errors.New("invalid cache request")
	// ErrDuplicateRequest 表示同一批次中出现了重复的请求键。
	ErrDuplicateRequest = errors.New("duplicate request in batch")
)

// BadStatusError 表示批量写入时某个请求返回了非 2xx 状态码。
type BadStatusError struct {
	URL    string
	Status int
}

func (e *BadStatusError) Error() string {
	return fmt.Sprintf("fetch %s: unexpected status %d", e.URL, e.Status)
}
