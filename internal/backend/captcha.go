package backend

import (
	"context"
	"fmt"
	"strings"
)

// CAPTCHASolver is the integration boundary to an external CAPTCHA-solving
// service. Per spec, CAPTCHA solving itself is out of scope for the core —
// this narrow interface is what a browser_driven backend calls when it
// detects a challenge; any concrete provider (2captcha, anti-captcha,
// capsolver) plugs in behind it.
type CAPTCHASolver interface {
	Solve(ctx context.Context, req CAPTCHARequest) (string, error)
}

// CAPTCHAType identifies the type of CAPTCHA detected on a page.
type CAPTCHAType string

const (
	CAPTCHAReCaptchaV2 CAPTCHAType = "recaptcha_v2"
	CAPTCHAReCaptchaV3 CAPTCHAType = "recaptcha_v3"
	CAPTCHAHCaptcha    CAPTCHAType = "hcaptcha"
	CAPTCHATurnstile   CAPTCHAType = "turnstile"
)

// CAPTCHARequest describes a challenge to be solved.
type CAPTCHARequest struct {
	Type    CAPTCHAType
	SiteKey string
	SiteURL string
}

// NoopCAPTCHASolver reports every challenge unsolvable. It is the default:
// scraping through a CAPTCHA wall is treated as a blocked failure (§7) and
// fed back to C1/C2 rather than defeated.
type NoopCAPTCHASolver struct{}

func (NoopCAPTCHASolver) Solve(ctx context.Context, req CAPTCHARequest) (string, error) {
	return "", fmt.Errorf("captcha solving not configured: %s challenge at %s", req.Type, req.SiteURL)
}

// DetectCAPTCHA checks a page for common CAPTCHA indicators, returning the
// detected type and site key if found.
func DetectCAPTCHA(html string) (CAPTCHAType, string) {
	htmlLower := strings.ToLower(html)

	if strings.Contains(htmlLower, "recaptcha") || strings.Contains(html, "g-recaptcha") {
		if siteKey := extractBetween(html, `data-sitekey="`, `"`); siteKey != "" {
			if strings.Contains(htmlLower, "recaptcha/api.js?render=") {
				return CAPTCHAReCaptchaV3, siteKey
			}
			return CAPTCHAReCaptchaV2, siteKey
		}
	}

	if strings.Contains(htmlLower, "hcaptcha") || strings.Contains(html, "h-captcha") {
		if siteKey := extractBetween(html, `data-sitekey="`, `"`); siteKey != "" {
			return CAPTCHAHCaptcha, siteKey
		}
	}

	if strings.Contains(htmlLower, "turnstile") || strings.Contains(html, "cf-turnstile") {
		if siteKey := extractBetween(html, `data-sitekey="`, `"`); siteKey != "" {
			return CAPTCHATurnstile, siteKey
		}
	}

	return "", ""
}

func extractBetween(s, start, end string) string {
	idx := strings.Index(s, start)
	if idx < 0 {
		return ""
	}
	s = s[idx+len(start):]
	idx = strings.Index(s, end)
	if idx < 0 {
		return ""
	}
	return s[:idx]
}
