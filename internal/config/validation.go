package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// Validate 针对语义级别做进一步校验，防止非法配置启动服务。
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("配置为空")
	}

	g := c.Global
	if g.ListenPort <= 0 || g.ListenPort > 65535 {
		return newFieldError("Global.ListenPort", "必须在 1-65535")
	}
	if g.StoragePath == "" {
		return newFieldError("Global.StoragePath", "不能为空")
	}
	if g.UpstreamTimeout.DurationValue() <= 0 {
		return newFieldError("Global.UpstreamTimeout", "必须大于 0")
	}
	if g.InstallTimeout.DurationValue() <= 0 {
		return newFieldError("Global.InstallTimeout", "必须大于 0")
	}
	if g.InstallConcurrency <= 0 {
		return newFieldError("Global.InstallConcurrency", "必须大于 0")
	}

	if len(c.Workers) == 0 {
		return errors.New("至少需要配置一个 Worker")
	}

	seenNames := map[string]struct{}{}
	seenDomains := map[string]struct{}{}
	for i := range c.Workers {
		w := &c.Workers[i]
		if w.Name == "" {
			return newFieldError("Worker[].Name", "不能为空")
		}
		if _, exists := seenNames[w.Name]; exists {
			return newFieldError(workerField(w.Name, "Name"), "重复")
		}
		seenNames[w.Name] = struct{}{}

		if err := validateDomain(w.Domain); err != nil {
			return fmt.Errorf("%s: %w", workerField(w.Name, "Domain"), err)
		}
		domain := strings.ToLower(w.Domain)
		if _, exists := seenDomains[domain]; exists {
			return newFieldError(workerField(w.Name, "Domain"), "重复")
		}
		seenDomains[domain] = struct{}{}

		if err := validateUpstream(w.Origin); err != nil {
			return fmt.Errorf("%s: %w", workerField(w.Name, "Origin"), err)
		}
		if w.Proxy != "" {
			if err := validateUpstream(w.Proxy); err != nil {
				return fmt.Errorf("%s: %w", workerField(w.Name, "Proxy"), err)
			}
		}
		if strings.TrimSpace(w.CacheName) == "" {
			return newFieldError(workerField(w.Name, "CacheName"), "不能为空")
		}
		if strings.ContainsAny(w.CacheName, `/\`) || w.CacheName == "." || w.CacheName == ".." {
			return newFieldError(workerField(w.Name, "CacheName"), "不允许包含路径分隔符")
		}
		if err := validateAssets(w.Assets); err != nil {
			return fmt.Errorf("%s: %w", workerField(w.Name, "Assets"), err)
		}
	}

	return nil
}

func validateDomain(domain string) error {
	if domain == "" {
		return errors.New("Domain 不能为空")
	}
	if strings.Contains(domain, "/") {
		return errors.New("Domain 不允许包含路径")
	}
	if strings.Contains(domain, " ") {
		return errors.New("Domain 不允许包含空格")
	}
	if strings.HasPrefix(domain, "http") {
		return errors.New("Domain 不应包含协议头")
	}
	return nil
}

func validateUpstream(raw string) error {
	if raw == "" {
		return errors.New("缺少上游地址")
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("仅支持 http/https，上游: %s", raw)
	}
	if parsed.Host == "" {
		return fmt.Errorf("上游缺少 Host: %s", raw)
	}
	return nil
}

// validateAssets 要求清单项为站内绝对路径且互不重复，与批量写入的语义保持一致。
func validateAssets(assets []string) error {
	seen := make(map[string]struct{}, len(assets))
	for _, asset := range assets {
		if asset == "" {
			return errors.New("资源路径不能为空")
		}
		if !strings.HasPrefix(asset, "/") {
			return fmt.Errorf("资源路径必须以 / 开头: %s", asset)
		}
		if strings.HasPrefix(asset, "//") {
			return fmt.Errorf("资源路径不允许指向其他主机: %s", asset)
		}
		if _, exists := seen[asset]; exists {
			return fmt.Errorf("资源路径重复: %s", asset)
		}
		seen[asset] = struct{}{}
	}
	return nil
}
