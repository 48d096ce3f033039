package priceagg

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
)

// SourceDescriptor configures one exchange price feed (spec.md §4.1): a
// logical name, an HTTP endpoint returning a JSON document, and a
// projection path selecting a scalar USD-per-BTC number from it.
type SourceDescriptor struct {
	// Name identifies the source in logs, audit records, and the
	// outlier-rejection report.
	Name string

	// URL is the HTTP GET endpoint. No authentication is assumed
	// (spec.md §6).
	URL string

	// Path is a dotted/bracketed projection expression, e.g.
	// "data.amount" or "result[0].price", walked over the decoded JSON
	// document to find the scalar quote.
	Path string
}

// quoteError enumerates the ways a single source fetch can fail, per
// spec.md §4.1 step 2.
type quoteError struct {
	source string
	reason string
}

func (e quoteError) Error() string {
	return fmt.Sprintf("priceagg: source %s: %s", e.source, e.reason)
}

// fetchQuote issues one HTTP GET against d.URL and projects d.Path out of
// the JSON response. It never returns a non-finite or non-positive number:
// such cases are reported as errors instead, per spec.md §4.1 step 2.
func fetchQuote(ctx context.Context, client *http.Client, d SourceDescriptor) (float64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, d.URL, nil)
	if err != nil {
		return 0, quoteError{d.Name, "building request: " + err.Error()}
	}

	resp, err := client.Do(req)
	if err != nil {
		return 0, quoteError{d.Name, "network error: " + err.Error()}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return 0, quoteError{d.Name, fmt.Sprintf("http status %d", resp.StatusCode)}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return 0, quoteError{d.Name, "reading body: " + err.Error()}
	}

	var doc interface{}
	if err := json.Unmarshal(body, &doc); err != nil {
		return 0, quoteError{d.Name, "invalid JSON: " + err.Error()}
	}

	val, err := projectPath(doc, d.Path)
	if err != nil {
		return 0, quoteError{d.Name, err.Error()}
	}

	quote, ok := toFloat(val)
	if !ok {
		return 0, quoteError{d.Name, "field is not a number"}
	}

	if err := validateQuote(quote); err != nil {
		return 0, quoteError{d.Name, err.Error()}
	}

	return quote, nil
}

// validateQuote rejects non-finite and non-positive quotes (spec.md §4.1
// step 2).
func validateQuote(q float64) error {
	if q != q { // NaN
		return fmt.Errorf("quote is NaN")
	}
	if q > maxFiniteQuote || q < -maxFiniteQuote {
		return fmt.Errorf("quote is not finite")
	}
	if q <= 0 {
		return fmt.Errorf("quote is non-positive")
	}
	return nil
}

// maxFiniteQuote is a generous upper bound used to reject +/-Inf without
// importing math just for IsInf (keeps this file free of non-obvious
// imports).
const maxFiniteQuote = 1e18

// projectPath walks doc following a dotted/bracketed path expression such
// as "data.amount" or "result[0].price" and returns the leaf value.
//
// This is hand-rolled rather than pulled from a JSON-path library: no repo
// in the pack imports one, and a short walker over encoding/json's
// interface{} tree is the idiomatic, grounded choice here (see DESIGN.md).
func projectPath(doc interface{}, path string) (interface{}, error) {
	cur := doc
	for _, tok := range splitPath(path) {
		if idx, isIndex := tok.index(); isIndex {
			arr, ok := cur.([]interface{})
			if !ok {
				return nil, fmt.Errorf("path %q: expected array at %q", path, tok.raw)
			}
			if idx < 0 || idx >= len(arr) {
				return nil, fmt.Errorf("path %q: index %d out of range", path, idx)
			}
			cur = arr[idx]
			continue
		}

		obj, ok := cur.(map[string]interface{})
		if !ok {
			return nil, fmt.Errorf("path %q: expected object at %q", path, tok.raw)
		}
		val, ok := obj[tok.key]
		if !ok {
			return nil, fmt.Errorf("path %q: missing field %q", path, tok.key)
		}
		cur = val
	}
	return cur, nil
}

type pathToken struct {
	raw string
	key string
	idx int
	has bool
}

func (t pathToken) index() (int, bool) {
	return t.idx, t.has
}

// splitPath turns "result[0].price" into [{key:"result"} {idx:0} {key:"price"}].
func splitPath(path string) []pathToken {
	var toks []pathToken
	for _, part := range strings.Split(path, ".") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		for {
			open := strings.IndexByte(part, '[')
			if open < 0 {
				if part != "" {
					toks = append(toks, pathToken{raw: part, key: part})
				}
				break
			}
			if open > 0 {
				toks = append(toks, pathToken{raw: part[:open], key: part[:open]})
			}
			close := strings.IndexByte(part[open:], ']')
			if close < 0 {
				break
			}
			idxStr := part[open+1 : open+close]
			idx, err := strconv.Atoi(idxStr)
			if err == nil {
				toks = append(toks, pathToken{raw: idxStr, idx: idx, has: true})
			}
			part = part[open+close+1:]
		}
	}
	return toks
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(n, 64)
		return f, err == nil
	default:
		return 0, false
	}
}
