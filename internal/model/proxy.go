// Package model defines shared types for the proxy.
package model

import (
	"io"
	"net/http"
	"sort"
)

// HeaderField is a single header entry. Name keeps the bytes it arrived with.
type HeaderField struct {
	Name  string
	Value string
}

// HeaderList is an ordered header sequence. Duplicate names are legal.
type HeaderList []HeaderField

// HeaderListFrom flattens h into a HeaderList. Names are visited in sorted
// order (the order net/http writes them on the wire) and each name's values
// keep their original order.
func HeaderListFrom(h http.Header) HeaderList {
	names := make([]string, 0, len(h))
	for name := range h {
		names = append(names, name)
	}
	sort.Strings(names)

	list := make(HeaderList, 0, len(h))
	for _, name := range names {
		for _, v := range h[name] {
			list = append(list, HeaderField{Name: name, Value: v})
		}
	}
	return list
}

// Header converts the list back into an http.Header. Entries are assigned
// directly to keep the name bytes as given.
func (l HeaderList) Header() http.Header {
	h := make(http.Header, len(l))
	for _, f := range l {
		h[f.Name] = append(h[f.Name], f.Value)
	}
	return h
}

// ProxyRequest represents a caller request to be forwarded upstream.
type ProxyRequest struct {
	Method   string
	Path     string
	RawPath  string // escaped form of Path, empty when identical
	RawQuery string
	Header   HeaderList
	Body     []byte
}

// ProxyResponse represents the upstream response to be streamed back.
// Body must be closed exactly once by the consumer; extra Close calls are no-ops.
type ProxyResponse struct {
	StatusCode int
	Header     http.Header
	Body       io.ReadCloser
}
