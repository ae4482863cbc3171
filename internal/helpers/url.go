package helpers

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"net/url"
	"path"
	"sort"
	"strings"
)

// Query parameters that carry no identity: two links differing only in
// these point at the same article.
var trackingParams = map[string]struct{}{
	"utm_source":   {},
	"utm_medium":   {},
	"utm_campaign": {},
	"utm_term":     {},
	"utm_content":  {},
	"utm_id":       {},
	"utm_name":     {},
	"gclid":        {},
	"dclid":        {},
	"fbclid":       {},
	"msclkid":      {},
	"igshid":       {},
	"ref":          {},
}

// CanonicalURL normalises an article URL so that syntactic variants of the
// same link collapse to one string. Scheme and host are lowercased, a missing
// scheme defaults to https, default ports and fragments are dropped, the path
// is cleaned, tracking parameters are removed and the remaining query is
// re-encoded in sorted order.
func CanonicalURL(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", errors.New("empty url")
	}

	u, err := url.Parse(raw)
	if err != nil {
		return "", err
	}
	if u.Scheme == "" && u.Host == "" {
		// Schemeless forms like example.com/a or //example.com/a.
		if strings.HasPrefix(raw, "//") {
			u, err = url.Parse("https:" + raw)
		} else {
			u, err = url.Parse("https://" + raw)
		}
		if err != nil {
			return "", err
		}
	}

	if u.Scheme == "" {
		u.Scheme = "https"
	}
	u.Scheme = strings.ToLower(u.Scheme)

	host := strings.ToLower(u.Host)
	if host == "" {
		return "", errors.New("url missing host")
	}
	if h, p, ok := strings.Cut(host, ":"); ok {
		if (u.Scheme == "http" && p == "80") || (u.Scheme == "https" && p == "443") {
			host = h
		}
	}
	u.Host = host

	hadTrailingSlash := strings.HasSuffix(u.Path, "/") && u.Path != "/"
	cleaned := path.Clean(u.Path)
	if cleaned == "." || cleaned == "" {
		cleaned = "/"
	}
	if !strings.HasPrefix(cleaned, "/") {
		cleaned = "/" + cleaned
	}
	if hadTrailingSlash && cleaned != "/" {
		cleaned += "/"
	}
	u.Path = cleaned

	u.Fragment = ""
	u.RawQuery = canonicalQuery(u.Query())

	return u.String(), nil
}

// URLFingerprint derives the stable article identity: the SHA-256 hex digest
// of the canonical URL. The same link always maps to the same fingerprint
// regardless of tracking parameters, fragments or trivial formatting.
func URLFingerprint(raw string) (string, error) {
	canonical, err := CanonicalURL(raw)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256([]byte(canonical))
	return hex.EncodeToString(sum[:]), nil
}

func canonicalQuery(q url.Values) string {
	for key := range q {
		if _, drop := trackingParams[strings.ToLower(key)]; drop {
			q.Del(key)
		}
	}
	if len(q) == 0 {
		return ""
	}
	for _, values := range q {
		sort.Strings(values)
	}
	// url.Values.Encode sorts by key, giving a deterministic encoding.
	return q.Encode()
}
