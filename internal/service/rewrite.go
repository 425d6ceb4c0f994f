package service

import (
	"strings"

	"fms-proxy/internal/config"
	"fms-proxy/internal/model"
)

// PathValidator gates which Outlook paths may be forwarded. The check is a
// plain, case-sensitive substring test on the path as routed.
type PathValidator struct {
	mustContain string
}

// NewPathValidator creates a PathValidator for the given fragment.
func NewPathValidator(mustContain string) PathValidator {
	return PathValidator{mustContain: mustContain}
}

// Allowed reports whether path contains the configured fragment.
func (v PathValidator) Allowed(path string) bool {
	return strings.Contains(path, v.mustContain)
}

// HeaderRewriter replaces the values of selected request headers. The
// override table is fixed at construction and safe for concurrent use.
type HeaderRewriter struct {
	overrides map[string]string
}

// NewHeaderRewriter creates a HeaderRewriter. Keys are matched case-insensitively.
func NewHeaderRewriter(overrides map[string]string) HeaderRewriter {
	table := make(map[string]string, len(overrides))
	for name, value := range overrides {
		table[strings.ToLower(name)] = value
	}
	return HeaderRewriter{overrides: table}
}

// OutlookOverrides returns the override table for forwarding to Outlook:
// a browser user agent and the upstream host.
func OutlookOverrides(cfg *config.Config) map[string]string {
	return map[string]string{
		"user-agent": cfg.Outlook.UserAgent,
		"host":       cfg.Upstream.UpstreamHost(),
	}
}

// Rewrite returns a copy of headers with overridden values. The result has
// the same length and order as the input and names are left untouched.
func (r HeaderRewriter) Rewrite(headers model.HeaderList) model.HeaderList {
	out := make(model.HeaderList, len(headers))
	for i, f := range headers {
		if v, ok := r.overrides[strings.ToLower(f.Name)]; ok {
			f.Value = v
		}
		out[i] = f
	}
	return out
}
