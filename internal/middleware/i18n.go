package middleware

import (
	"context"
	"net"
	"net/http"
	"path"
	"strings"

	"golang.org/x/text/language"
)

type localeContextKey struct{}
type countryContextKey struct{}

var (
	LocaleKey  = localeContextKey{}
	CountryKey = countryContextKey{}
)

// CountryLookup resolves ISO country codes for an IP address.
type CountryLookup func(ip string) (string, error)

// countryLocales maps countries to the locale their visitors most likely read.
var countryLocales = map[string]string{
	"CN": "zh", "TW": "zh", "HK": "zh", "SG": "zh",
	"JP": "ja",
	"KR": "ko",
	"ES": "es", "MX": "es", "AR": "es", "CO": "es", "CL": "es",
	"FR": "fr", "BE": "fr",
	"DE": "de", "AT": "de", "CH": "de",
}

// Locales is the set of locales the site is published in.
type Locales struct {
	codes    []string
	index    map[string]struct{}
	matcher  language.Matcher
	fallback string
}

// NewLocales builds the locale set. fallback is added when missing.
func NewLocales(supported []string, fallback string) *Locales {
	fallback = strings.ToLower(strings.TrimSpace(fallback))
	if fallback == "" {
		fallback = "en"
	}
	l := &Locales{index: make(map[string]struct{}), fallback: fallback}
	add := func(code string) {
		code = strings.ToLower(strings.TrimSpace(code))
		if code == "" {
			return
		}
		if _, ok := l.index[code]; ok {
			return
		}
		l.index[code] = struct{}{}
		l.codes = append(l.codes, code)
	}
	add(fallback)
	for _, code := range supported {
		add(code)
	}
	tags := make([]language.Tag, 0, len(l.codes))
	for _, code := range l.codes {
		tags = append(tags, language.Make(code))
	}
	l.matcher = language.NewMatcher(tags)
	return l
}

// Supported reports whether code is a published locale.
func (l *Locales) Supported(code string) bool {
	_, ok := l.index[strings.ToLower(code)]
	return ok
}

func (l *Locales) Fallback() string { return l.fallback }

// Codes returns the published locales, fallback first.
func (l *Locales) Codes() []string {
	out := make([]string, len(l.codes))
	copy(out, l.codes)
	return out
}

// Match picks the best published locale for an Accept-Language style value.
func (l *Locales) Match(accept string) (string, bool) {
	accept = strings.TrimSpace(accept)
	if accept == "" {
		return "", false
	}
	desired, _, err := language.ParseAcceptLanguage(accept)
	if err != nil || len(desired) == 0 {
		return "", false
	}
	_, idx, conf := l.matcher.Match(desired...)
	if conf == language.No || idx < 0 || idx >= len(l.codes) {
		return "", false
	}
	return l.codes[idx], true
}

// Detect resolves the locale for r: X-Locale, then Accept-Language, then the
// visitor's country, then the fallback.
func (l *Locales) Detect(r *http.Request, country string) string {
	if loc, ok := l.Match(r.Header.Get("X-Locale")); ok {
		return loc
	}
	if loc, ok := l.Match(r.Header.Get("Accept-Language")); ok {
		return loc
	}
	if loc, ok := countryLocales[strings.ToUpper(country)]; ok && l.Supported(loc) {
		return loc
	}
	return l.fallback
}

// I18N stores the detected locale and country on the request context.
func I18N(locales *Locales, lookup CountryLookup) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			country := ResolveCountry(r, lookup)
			ctx := withLocale(r.Context(), locales.Detect(r, country), country)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// LocaleRouting enforces locale-prefixed page paths. A path that starts with
// a published locale has the prefix stripped and the locale stored on the
// context. API paths and static assets pass through. Anything else is
// redirected to the same path under the detected locale.
func LocaleRouting(locales *Locales, lookup CountryLookup, passthrough ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			p := r.URL.Path
			first, rest := splitFirstSegment(p)
			if locales.Supported(first) {
				country := ResolveCountry(r, lookup)
				r2 := r.Clone(withLocale(r.Context(), strings.ToLower(first), country))
				r2.URL.Path = rest
				r2.URL.RawPath = ""
				next.ServeHTTP(w, r2)
				return
			}

			country := ResolveCountry(r, lookup)
			detected := locales.Detect(r, country)
			if isPassthrough(p, passthrough) || isAsset(p) {
				next.ServeHTTP(w, r.WithContext(withLocale(r.Context(), detected, country)))
				return
			}

			target := "/" + detected
			if p != "/" {
				target += p
			}
			if r.URL.RawQuery != "" {
				target += "?" + r.URL.RawQuery
			}
			http.Redirect(w, r, target, http.StatusTemporaryRedirect)
		})
	}
}

func withLocale(ctx context.Context, locale, country string) context.Context {
	ctx = context.WithValue(ctx, LocaleKey, locale)
	if country != "" {
		ctx = context.WithValue(ctx, CountryKey, strings.ToUpper(country))
	}
	return ctx
}

func splitFirstSegment(p string) (string, string) {
	trimmed := strings.TrimPrefix(p, "/")
	first, rest, found := strings.Cut(trimmed, "/")
	if !found {
		return first, "/"
	}
	return first, "/" + rest
}

func isPassthrough(p string, prefixes []string) bool {
	for _, prefix := range prefixes {
		if p == prefix || strings.HasPrefix(p, prefix+"/") {
			return true
		}
	}
	return false
}

func isAsset(p string) bool {
	return path.Ext(path.Base(p)) != ""
}

// ClientIP returns the best-effort client IP address for the request.
func ClientIP(r *http.Request) string {
	if r == nil {
		return ""
	}
	if xf := r.Header.Get("X-Forwarded-For"); xf != "" {
		first, _, _ := strings.Cut(xf, ",")
		if ip := strings.TrimSpace(first); ip != "" {
			return ip
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// LocaleFromContext returns the request locale, "en" when unset.
func LocaleFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(LocaleKey).(string); ok && v != "" {
		return v
	}
	return "en"
}

// CountryFromContext returns the ISO country code stored in the request context.
func CountryFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(CountryKey).(string); ok {
		return v
	}
	return ""
}

// ResolveCountry resolves a best-effort ISO country code for the given request.
func ResolveCountry(r *http.Request, lookup CountryLookup) string {
	if r == nil {
		return ""
	}
	for _, key := range []string{"X-Country-Code", "X-IP-Country", "CF-IPCountry", "X-Appengine-Country"} {
		if val := strings.TrimSpace(r.Header.Get(key)); val != "" {
			return strings.ToUpper(val)
		}
	}
	if region := localeRegion(r.Header.Get("X-Locale")); region != "" {
		return region
	}
	if region := localeRegion(r.Header.Get("Accept-Language")); region != "" {
		return region
	}
	if lookup != nil {
		if ip := ClientIP(r); ip != "" {
			if country, err := lookup(ip); err == nil && country != "" {
				return strings.ToUpper(country)
			}
		}
	}
	return ""
}

func localeRegion(accept string) string {
	for _, part := range strings.Split(accept, ",") {
		token := strings.TrimSpace(strings.Split(part, ";")[0])
		if token == "" {
			continue
		}
		if idx := strings.IndexAny(token, "-_"); idx > 0 && idx < len(token)-1 {
			region := token[idx+1:]
			if len(region) == 2 {
				return strings.ToUpper(region)
			}
		}
	}
	return ""
}
