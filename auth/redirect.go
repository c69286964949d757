package auth

import (
	"net/http"
	"net/url"
	"regexp"
	"strings"
)

var (
	tagPattern   = regexp.MustCompile(`<[^>]*>`)
	quotePattern = regexp.MustCompile(`["']`)
)

// returnURL is the page the user goes back to once authenticated. For the
// login handler itself that is the referring page when it belongs to the
// site, otherwise the site URL; for any other path it is the current page.
func (a *Authenticator) returnURL(r *http.Request) string {
	if r.URL.Path != a.cfg.loginPath() {
		return CleanURL(a.cfg.SiteURL, r.URL)
	}
	ref, err := url.Parse(r.Referer())
	if err != nil || r.Referer() == "" || !sameSite(a.cfg.SiteURL, ref) || ref.Path == a.cfg.loginPath() {
		return a.cfg.SiteURL
	}
	return CleanURL(a.cfg.SiteURL, ref)
}

// CleanURL rebuilds u's path and query under siteURL. The action parameter
// is removed, the result is percent-decoded and quotes and markup are
// stripped, so the URL is safe to echo into a page.
func CleanURL(siteURL string, u *url.URL) string {
	request := strings.TrimLeft(u.Path, "/")
	q := u.Query()
	q.Del(ActionParam)
	if len(q) > 0 {
		request += "?" + q.Encode()
	}
	if decoded, err := url.PathUnescape(request); err == nil {
		request = decoded
	}
	clean := siteURL + request
	clean = tagPattern.ReplaceAllString(clean, "")
	return quotePattern.ReplaceAllString(clean, "")
}

// ActionURL returns siteURL with the action parameter set, for login and
// logout links.
func ActionURL(siteURL, action string) string {
	u, err := url.Parse(siteURL)
	if err != nil {
		return siteURL
	}
	q := u.Query()
	if action != "" {
		q.Set(ActionParam, action)
	}
	u.RawQuery = q.Encode()
	return quotePattern.ReplaceAllString(tagPattern.ReplaceAllString(u.String(), ""), "")
}

func sameSite(siteURL string, u *url.URL) bool {
	site, err := url.Parse(siteURL)
	if err != nil {
		return false
	}
	return strings.EqualFold(site.Scheme, u.Scheme) && strings.EqualFold(site.Host, u.Host)
}
