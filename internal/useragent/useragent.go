package useragent

import (
	"regexp"
	"strings"
)

// botPattern matches known automation tools and libraries. The realtime
// protocol and the API are meant for browser-class clients only.
var botPattern = regexp.MustCompile(`(?i)(?:curl|wget|python-requests|python-httpx|python-urllib|httpx|` +
	`Go-http-client|Java/|Apache-HttpClient|` +
	`PostmanRuntime|insomnia|HTTPie|` +
	`node-fetch|axios|undici|got/|superagent|` +
	`scrapy|mechanize|aiohttp|` +
	`bot|crawler|spider|headless)`)

// Validate reports whether ua looks like a real browser. On rejection the
// second return value carries the reason.
func Validate(ua string) (bool, string) {
	if strings.TrimSpace(ua) == "" {
		return false, "Missing User-Agent header"
	}
	if botPattern.MatchString(ua) {
		return false, "Automated client detected"
	}
	if !strings.HasPrefix(ua, "Mozilla/5.0") {
		return false, "Invalid User-Agent format"
	}
	return true, ""
}
