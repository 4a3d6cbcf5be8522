package sterad

import (
	"regexp"
	"strings"
	"time"
)

var botSignatures = []string{
	// search engines
	"googlebot", "google-inspectiontool", "bingbot", "slurp", "duckduckbot",
	"baiduspider", "yandex", "sogou", "exabot", "seznambot", "applebot",
	"petalbot", "naver", "qwantify",
	// social previews
	"facebookexternalhit", "facebot", "twitterbot", "linkedinbot", "pinterest",
	"slackbot", "discordbot", "telegrambot", "whatsapp", "redditbot",
	"embedly", "quora link preview", "skypeuripreview", "vkshare", "tumblr",
	// seo tools and archivers
	"semrushbot", "ahrefsbot", "mj12bot", "dotbot", "rogerbot", "screaming frog",
	"ia_archiver", "archive.org_bot", "lighthouse", "chrome-lighthouse",
	"gptbot", "ccbot", "claudebot", "bytespider",
	// generic terms
	"bot", "crawler", "spider", "scraper", "crawling", "headlesschrome", "phantomjs",
	// http client libraries
	"curl", "wget", "python-requests", "python-urllib", "aiohttp", "httpx",
	"go-http-client", "java/", "okhttp", "apache-httpclient", "axios",
	"node-fetch", "undici", "libwww-perl", "ruby", "postman",
}

// BotClassifier recognizes crawlers by user agent. It only chooses which
// experience a client gets and is not an access control.
type BotClassifier struct {
	pattern *SafePattern
}

func NewBotClassifier(budget time.Duration) *BotClassifier {
	quoted := make([]string, len(botSignatures))
	for i, s := range botSignatures {
		quoted[i] = regexp.QuoteMeta(s)
	}
	return &BotClassifier{
		pattern: MustSafePattern(strings.Join(quoted, "|"), "i", budget),
	}
}

func (b *BotClassifier) withFailureHook(fn func(string, error)) {
	b.pattern = b.pattern.WithFailureHook(fn)
}

// IsBot reports whether userAgent carries a known crawler or tool signature.
// An empty user agent or a timed-out match counts as a browser.
func (b *BotClassifier) IsBot(userAgent string) bool {
	if strings.TrimSpace(userAgent) == "" {
		return false
	}
	return b.pattern.MatchString(userAgent, false)
}
