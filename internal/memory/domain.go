package memory

import (
	"net/url"
	"regexp"
	"strings"
)

// twoPartSuffixes are public suffixes where the registrable domain keeps
// three labels (e.g. example.com.cn).
var twoPartSuffixes = map[string]bool{
	"com.cn": true, "net.cn": true, "org.cn": true, "gov.cn": true, "edu.cn": true,
	"co.uk": true, "org.uk": true, "ac.uk": true, "gov.uk": true,
	"co.jp": true, "ne.jp": true, "or.jp": true,
	"com.au": true, "net.au": true, "org.au": true,
	"com.tw": true, "com.hk": true, "com.br": true, "com.sg": true,
	"co.kr": true, "co.in": true, "co.nz": true,
}

// NormalizeDomain reduces a hostname to its card key: lowercase, no port,
// no leading www., collapsed to the registrable domain.
func NormalizeDomain(host string) string {
	host = strings.ToLower(strings.TrimSpace(host))
	if host == "" {
		return ""
	}
	if i := strings.IndexByte(host, ':'); i >= 0 {
		host = host[:i]
	}
	host = strings.TrimPrefix(host, "www.")

	labels := strings.Split(host, ".")
	if len(labels) <= 2 {
		return host
	}
	suffix := strings.Join(labels[len(labels)-2:], ".")
	if twoPartSuffixes[suffix] {
		if len(labels) >= 3 {
			return strings.Join(labels[len(labels)-3:], ".")
		}
		return host
	}
	return suffix
}

// urlPattern matches an explicit URL in free text.
var urlPattern = regexp.MustCompile(`https?://[^\s"'<>）)】]+`)

// hostPattern matches a bare host.tld-looking token.
var hostPattern = regexp.MustCompile(`\b([a-z0-9][a-z0-9-]*\.)+[a-z]{2,}\b`)

// siteNameMap maps common Chinese site names to their domains. Fixed
// table; the capturer records resolved domains for everything else.
var siteNameMap = map[string]string{
	"百度":   "baidu.com",
	"淘宝":   "taobao.com",
	"天猫":   "tmall.com",
	"京东":   "jd.com",
	"微博":   "weibo.com",
	"知乎":   "zhihu.com",
	"哔哩哔哩": "bilibili.com",
	"B站":   "bilibili.com",
	"b站":   "bilibili.com",
	"必应":   "bing.com",
	"谷歌":   "google.com",
	"微信":   "weixin.qq.com",
	"小红书":  "xiaohongshu.com",
	"抖音":   "douyin.com",
}

// DomainFromTask extracts the target domain from a task description:
// explicit URL first, then a host-like token, then the Chinese site-name
// map. Returns "" when nothing matches.
func DomainFromTask(task string) string {
	if m := urlPattern.FindString(task); m != "" {
		if u, err := url.Parse(m); err == nil && u.Hostname() != "" {
			return NormalizeDomain(u.Hostname())
		}
	}
	if m := hostPattern.FindString(strings.ToLower(task)); m != "" {
		return NormalizeDomain(m)
	}
	for name, domain := range siteNameMap {
		if strings.Contains(task, name) {
			return domain
		}
	}
	return ""
}

// BestCardDomain picks the stored domain matching a target URL:
// normalized domain first, then the full hostname, then any stored
// subdomain of the normalized domain. Ties break toward the card with the
// most task_intent patterns, then the most patterns overall.
func BestCardDomain(store *Store, rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return ""
	}
	host := strings.ToLower(u.Hostname())
	normalized := NormalizeDomain(host)

	if card, _ := store.LoadCard(normalized); card != nil {
		return normalized
	}
	if host != normalized {
		if card, _ := store.LoadCard(host); card != nil {
			return host
		}
	}

	// Subdomain scan over the index.
	index, err := store.ListDomains()
	if err != nil {
		return ""
	}
	var best string
	var bestIntents, bestPatterns int
	for _, entry := range index {
		if !strings.HasSuffix(entry.Domain, "."+normalized) && entry.Domain != normalized {
			continue
		}
		card, _ := store.LoadCard(entry.Domain)
		if card == nil {
			continue
		}
		intents := 0
		for _, p := range card.Patterns {
			if p.Type == PatternTaskIntent {
				intents++
			}
		}
		if best == "" || intents > bestIntents ||
			(intents == bestIntents && len(card.Patterns) > bestPatterns) {
			best = entry.Domain
			bestIntents = intents
			bestPatterns = len(card.Patterns)
		}
	}
	return best
}
