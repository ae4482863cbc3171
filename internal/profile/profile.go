// Package profile supplies the business context block that grounds every
// scoring call. The context is produced by an external profiler process and
// read here from a cache file; its absence degrades scoring quality but is
// never fatal.
package profile

import (
	"fmt"
	"net/url"
	"os"
	"strings"
)

// Context describes the monitored company. All fields are optional; AsPrompt
// renders whatever is present.
type Context struct {
	CompanyName    string   `json:"company_name"`
	CompanyURL     string   `json:"company_url"`
	OfferSummary   string   `json:"offer_summary"`
	Goals          []string `json:"goals"`
	Products       []string `json:"products"`
	MarketPosition string   `json:"market_position"`
	FocusKeywords  []string `json:"focus_keywords"`
}

// AsPrompt renders the context as the free-text block fed to the scoring
// models. An empty context renders to an empty string.
func (c Context) AsPrompt() string {
	var b strings.Builder
	if c.CompanyName != "" {
		fmt.Fprintf(&b, "Company: %s\n", c.CompanyName)
	}
	if c.CompanyURL != "" {
		fmt.Fprintf(&b, "Website: %s\n", c.CompanyURL)
	}
	if c.OfferSummary != "" {
		fmt.Fprintf(&b, "What they offer: %s\n", c.OfferSummary)
	}
	if c.MarketPosition != "" {
		fmt.Fprintf(&b, "Market position: %s\n", c.MarketPosition)
	}
	if len(c.Products) > 0 {
		fmt.Fprintf(&b, "Products: %s\n", strings.Join(c.Products, ", "))
	}
	if len(c.Goals) > 0 {
		fmt.Fprintf(&b, "Goals: %s\n", strings.Join(c.Goals, "; "))
	}
	if len(c.FocusKeywords) > 0 {
		fmt.Fprintf(&b, "Focus keywords: %s\n", strings.Join(c.FocusKeywords, ", "))
	}
	return b.String()
}

// LoadCached reads the profiler's cached context text. A missing or empty
// file yields "" with no error so the pipeline can continue in degraded mode.
func LoadCached(path string) string {
	if path == "" {
		return ""
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}

// DeriveCompanyName guesses a display name from a company URL when the
// profiler has not supplied one: "https://www.acme-health.io" -> "Acme Health".
func DeriveCompanyName(rawURL string) string {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return ""
	}
	host := u.Host
	if host == "" {
		host = u.Path
	}
	host = strings.TrimPrefix(strings.ToLower(host), "www.")
	if i := strings.IndexByte(host, '/'); i >= 0 {
		host = host[:i]
	}
	if i := strings.IndexByte(host, '.'); i >= 0 {
		host = host[:i]
	}
	if host == "" {
		return ""
	}
	words := strings.FieldsFunc(host, func(r rune) bool { return r == '-' || r == '_' })
	for i, w := range words {
		if w == "" {
			continue
		}
		words[i] = strings.ToUpper(w[:1]) + w[1:]
	}
	return strings.Join(words, " ")
}
