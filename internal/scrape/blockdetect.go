package scrape

import (
	"net/http"
	"strings"
)

// BlockType describes the kind of block detected.
type BlockType string

const (
	BlockNone       BlockType = ""
	BlockCloudflare BlockType = "cloudflare"
	BlockCaptcha    BlockType = "captcha"
	BlockJSShell    BlockType = "js_shell"
	BlockDenied     BlockType = "denied"
)

// interstitialMaxBytes bounds the pages scanned for body markers. Real
// articles routinely embed reCAPTCHA scripts for comment or newsletter
// forms; challenge pages are small.
const interstitialMaxBytes = 32 << 10

// DetectBlock checks an HTTP answer for signs of anti-bot protection.
func DetectBlock(statusCode int, header http.Header, body []byte) BlockType {
	if statusCode == http.StatusForbidden || statusCode == http.StatusServiceUnavailable {
		if header.Get("Cf-Ray") != "" || header.Get("Cf-Cache-Status") != "" ||
			strings.EqualFold(header.Get("Server"), "cloudflare") {
			return BlockCloudflare
		}
	}
	if header.Get("Cf-Mitigated") == "challenge" {
		return BlockCloudflare
	}

	if len(body) > interstitialMaxBytes {
		return BlockNone
	}
	lower := strings.ToLower(string(body))

	switch {
	case strings.Contains(lower, "checking your browser"),
		strings.Contains(lower, "cf-browser-verification"),
		strings.Contains(lower, "cloudflare") && strings.Contains(lower, "challenge"):
		return BlockCloudflare
	case strings.Contains(lower, "captcha"):
		return BlockCaptcha
	case strings.Contains(lower, "<noscript") && strings.Contains(lower, "javascript") && len(body) < 2000:
		return BlockJSShell
	case statusCode == http.StatusForbidden || statusCode == http.StatusUnauthorized:
		return BlockDenied
	}
	return BlockNone
}
