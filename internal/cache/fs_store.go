package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"golang.org/x/sync/errgroup"
)

const (
	bodySuffix    = ".body"
	metaSuffix    = ".meta"
	stagingPrefix = ".staging-"
)

// StorageOptions 控制批量写入使用的网络能力与并发度。
type StorageOptions struct {
	Fetcher     Fetcher
	Concurrency int
}

// NewStorage 以 basePath 为根目录构建磁盘缓存存储，整站复用一份实例。
func NewStorage(basePath string, opts StorageOptions) (Storage, error) {
	if basePath == "" {
		return nil, errors.New("storage path required")
	}

	abs, err := filepath.Abs(basePath)
	if err != nil {
		return nil, fmt.Errorf("resolve storage path: %w", err)
	}

	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create storage path: %w", err)
	}

	fetcher := opts.Fetcher
	if fetcher == nil {
		fetcher = http.DefaultClient
	}
	concurrency := opts.Concurrency
	if concurrency <= 0 {
		concurrency = 1
	}

	return &fileStorage{
		basePath:    abs,
		fetcher:     fetcher,
		concurrency: concurrency,
		caches:      make(map[string]*fileCache),
	}, nil
}

// fileStorage 为每个缓存名复用同一个 fileCache，保证读写锁在进程内唯一。
type fileStorage struct {
	basePath    string
	fetcher     Fetcher
	concurrency int

	mu     sync.Mutex
	caches map[string]*fileCache
}

func (s *fileStorage) Open(ctx context.Context, name string) (Cache, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := validateCacheName(name); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if c, ok := s.caches[name]; ok {
		return c, nil
	}

	dir := filepath.Join(s.basePath, name)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create cache %s: %w", name, err)
	}

	c := &fileCache{
		name:        name,
		dir:         dir,
		fetcher:     s.fetcher,
		concurrency: s.concurrency,
		now:         time.Now,
		rename:      os.Rename,
	}
	s.caches[name] = c
	return c, nil
}

func (s *fileStorage) Has(name string) (bool, error) {
	if err := validateCacheName(name); err != nil {
		return false, err
	}
	info, err := os.Stat(filepath.Join(s.basePath, name))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	return info.IsDir(), nil
}

func (s *fileStorage) Names() ([]string, error) {
	items, err := os.ReadDir(s.basePath)
	if err != nil {
		return nil, err
	}
	var names []string
	for _, item := range items {
		if !item.IsDir() || strings.HasPrefix(item.Name(), ".") {
			continue
		}
		names = append(names, item.Name())
	}
	sort.Strings(names)
	return names, nil
}

func validateCacheName(name string) error {
	if strings.TrimSpace(name) == "" {
		return errors.New("cache name required")
	}
	if name == "." || name == ".." || strings.HasPrefix(name, ".") || strings.ContainsAny(name, `/\`) {
		return fmt.Errorf("invalid cache name: %q", name)
	}
	return nil
}

// fileCache 的读操作持读锁，批量提交持写锁，读者不会看到半批数据。
type fileCache struct {
	name        string
	dir         string
	fetcher     Fetcher
	concurrency int
	now         func() time.Time
	rename      func(oldPath, newPath string) error

	mu sync.RWMutex
}

func (c *fileCache) Name() string {
	return c.name
}

func (c *fileCache) Match(ctx context.Context, req *http.Request, opts MatchOptions) (*ReadResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if req == nil {
		return nil, ErrInvalidRequest
	}

	key := KeyFor(req)
	if key.Method != http.MethodGet {
		return nil, ErrNotFound
	}

	c.mu.RLock()
	defer c.mu.RUnlock()

	var (
		entry Entry
		err   error
	)
	if opts.IgnoreSearch {
		entry, err = c.findIgnoringSearch(key)
	} else {
		entry, err = c.readMeta(c.metaPath(key))
	}
	if err != nil {
		return nil, err
	}

	f, err := os.Open(entry.FilePath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, err
	}

	return &ReadResult{
		Entry:  entry,
		Reader: f,
	}, nil
}

// findIgnoringSearch 在去掉查询串后按写入时间返回最早的匹配条目。
func (c *fileCache) findIgnoringSearch(key RequestKey) (Entry, error) {
	entries, err := c.listLocked()
	if err != nil {
		return Entry{}, err
	}
	want := key.WithoutSearch()
	for _, entry := range entries {
		if entry.Key.WithoutSearch() == want {
			return entry, nil
		}
	}
	return Entry{}, ErrNotFound
}

func (c *fileCache) Keys(ctx context.Context) ([]Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.listLocked()
}

func (c *fileCache) listLocked() ([]Entry, error) {
	items, err := os.ReadDir(c.dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}

	var entries []Entry
	for _, item := range items {
		if item.IsDir() || !strings.HasSuffix(item.Name(), metaSuffix) {
			continue
		}
		entry, err := c.readMeta(filepath.Join(c.dir, item.Name()))
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				continue
			}
			return nil, err
		}
		entries = append(entries, entry)
	}
	sort.SliceStable(entries, func(i, j int) bool {
		if entries[i].StoredAt.Equal(entries[j].StoredAt) {
			return entries[i].Key.String() < entries[j].Key.String()
		}
		return entries[i].StoredAt.Before(entries[j].StoredAt)
	})
	return entries, nil
}

func (c *fileCache) readMeta(metaPath string) (Entry, error) {
	raw, err := os.ReadFile(metaPath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return Entry{}, ErrNotFound
		}
		return Entry{}, err
	}
	var entry Entry
	if err := json.Unmarshal(raw, &entry); err != nil {
		return Entry{}, fmt.Errorf("decode cache metadata %s: %w", filepath.Base(metaPath), err)
	}
	entry.FilePath = strings.TrimSuffix(metaPath, metaSuffix) + bodySuffix
	return entry, nil
}

func (c *fileCache) AddAll(ctx context.Context, reqs []*http.Request) ([]Entry, error) {
	keys, err := validateBatch(reqs)
	if err != nil {
		return nil, err
	}
	if len(reqs) == 0 {
		return nil, nil
	}

	staging, err := os.MkdirTemp(c.dir, stagingPrefix)
	if err != nil {
		return nil, fmt.Errorf("create staging dir: %w", err)
	}
	defer os.RemoveAll(staging)

	staged := make([]stagedEntry, len(reqs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.concurrency)
	for i, req := range reqs {
		g.Go(func() error {
			s, err := c.stage(gctx, staging, i, req, keys[i])
			if err != nil {
				return err
			}
			staged[i] = s
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	return c.commit(staging, staged)
}

// stagedEntry 记录一个已抓取、尚未提交的条目在暂存目录中的位置。
type stagedEntry struct {
	entry    Entry
	bodyPath string
	metaPath string
}

func validateBatch(reqs []*http.Request) ([]RequestKey, error) {
	keys := make([]RequestKey, len(reqs))
	seen := make(map[RequestKey]struct{}, len(reqs))
	for i, req := range reqs {
		if req == nil || req.URL == nil {
			return nil, fmt.Errorf("%w: request #%d is empty", ErrInvalidRequest, i)
		}
		if req.URL.Scheme != "http" && req.URL.Scheme != "https" {
			return nil, fmt.Errorf("%w: %s is not an http(s) URL", ErrInvalidRequest, req.URL)
		}
		key := KeyFor(req)
		if key.Method != http.MethodGet {
			return nil, fmt.Errorf("%w: %s %s is not a GET request", ErrInvalidRequest, key.Method, req.URL)
		}
		if _, exists := seen[key]; exists {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateRequest, key)
		}
		seen[key] = struct{}{}
		keys[i] = key
	}
	return keys, nil
}

func (c *fileCache) stage(ctx context.Context, staging string, idx int, req *http.Request, key RequestKey) (stagedEntry, error) {
	resp, err := c.fetcher.Do(req.Clone(ctx))
	if err != nil {
		return stagedEntry{}, fmt.Errorf("fetch %s: %w", req.URL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return stagedEntry{}, &BadStatusError{URL: req.URL.String(), Status: resp.StatusCode}
	}

	s := stagedEntry{
		bodyPath: filepath.Join(staging, fmt.Sprintf("%d%s", idx, bodySuffix)),
		metaPath: filepath.Join(staging, fmt.Sprintf("%d%s", idx, metaSuffix)),
	}

	f, err := os.Create(s.bodyPath)
	if err != nil {
		return stagedEntry{}, err
	}
	written, err := copyWithContext(ctx, f, resp.Body)
	closeErr := f.Close()
	if err == nil {
		err = closeErr
	}
	if err != nil {
		return stagedEntry{}, fmt.Errorf("read %s: %w", req.URL, err)
	}

	s.entry = Entry{
		Key:       key,
		SourceURL: req.URL.String(),
		Status:    resp.StatusCode,
		Header:    StorableHeader(resp.Header),
		SizeBytes: written,
		StoredAt:  c.now().UTC(),
	}
	raw, err := json.Marshal(s.entry)
	if err != nil {
		return stagedEntry{}, err
	}
	if err := os.WriteFile(s.metaPath, raw, 0o644); err != nil {
		return stagedEntry{}, err
	}
	return s, nil
}

// placement 记录提交过程中单个条目的文件移动情况，供失败时回滚。
type placement struct {
	bodyPath  string
	metaPath  string
	prevBody  string
	prevMeta  string
	wroteBody bool
	wroteMeta bool
}

func (c *fileCache) commit(staging string, staged []stagedEntry) ([]Entry, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	placed := make([]*placement, 0, len(staged))
	entries := make([]Entry, 0, len(staged))
	for i, s := range staged {
		p := &placement{
			bodyPath: c.bodyPath(s.entry.Key),
			metaPath: c.metaPath(s.entry.Key),
		}
		placed = append(placed, p)

		if err := c.place(staging, i, s, p); err != nil {
			var result *multierror.Error
			result = multierror.Append(result, fmt.Errorf("commit %s: %w", s.entry.Key, err))
			for j := len(placed) - 1; j >= 0; j-- {
				if rbErr := c.rollback(placed[j]); rbErr != nil {
					result = multierror.Append(result, rbErr)
				}
			}
			return nil, result.ErrorOrNil()
		}

		entry := s.entry
		entry.FilePath = p.bodyPath
		entries = append(entries, entry)
	}
	return entries, nil
}

// place 先把旧文件挪进暂存目录，再把新文件移入正式位置；元数据最后落地，
// 因此只有正文就位后条目才对 Match 可见。
func (c *fileCache) place(staging string, idx int, s stagedEntry, p *placement) error {
	prevBody := filepath.Join(staging, fmt.Sprintf("%d.prev%s", idx, bodySuffix))
	prevMeta := filepath.Join(staging, fmt.Sprintf("%d.prev%s", idx, metaSuffix))

	moved, err := c.moveAside(p.metaPath, prevMeta)
	if err != nil {
		return err
	}
	if moved {
		p.prevMeta = prevMeta
	}
	moved, err = c.moveAside(p.bodyPath, prevBody)
	if err != nil {
		return err
	}
	if moved {
		p.prevBody = prevBody
	}

	if err := c.rename(s.bodyPath, p.bodyPath); err != nil {
		return err
	}
	p.wroteBody = true
	if err := c.rename(s.metaPath, p.metaPath); err != nil {
		return err
	}
	p.wroteMeta = true
	return nil
}

func (c *fileCache) moveAside(src, dst string) (bool, error) {
	if _, err := os.Stat(src); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	if err := c.rename(src, dst); err != nil {
		return false, err
	}
	return true, nil
}

func (c *fileCache) rollback(p *placement) error {
	var result *multierror.Error
	if p.wroteMeta {
		if err := os.Remove(p.metaPath); err != nil && !errors.Is(err, fs.ErrNotExist) {
			result = multierror.Append(result, err)
		}
	}
	if p.wroteBody {
		if err := os.Remove(p.bodyPath); err != nil && !errors.Is(err, fs.ErrNotExist) {
			result = multierror.Append(result, err)
		}
	}
	if p.prevBody != "" {
		if err := os.Rename(p.prevBody, p.bodyPath); err != nil {
			result = multierror.Append(result, err)
		}
	}
	if p.prevMeta != "" {
		if err := os.Rename(p.prevMeta, p.metaPath); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}

func (c *fileCache) bodyPath(key RequestKey) string {
	return filepath.Join(c.dir, fileID(key)+bodySuffix)
}

func (c *fileCache) metaPath(key RequestKey) string {
	return filepath.Join(c.dir, fileID(key)+metaSuffix)
}

func fileID(key RequestKey) string {
	sum := sha256.Sum256([]byte(key.String()))
	return hex.EncodeToString(sum[:])
}

func copyWithContext(ctx context.Context, dst io.Writer, src io.Reader) (int64, error) {
	var copied int64
	buf := make([]byte, 32*1024)
	for {
		if err := ctx.Err(); err != nil {
			return copied, err
		}
		n, err := src.Read(buf)
		if n > 0 {
			w, wErr := dst.Write(buf[:n])
			copied += int64(w)
			if wErr != nil {
				return copied, wErr
			}
			if w < n {
				return copied, io.ErrShortWrite
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return copied, nil
			}
			return copied, err
		}
	}
}
