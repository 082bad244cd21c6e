// Package links constructs the token-bearing URLs embedded in outbound
// emails and clone redirects. Construction is pure; the email-delivery
// collaborator consumes the results.
package links

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/url"
	"strings"

	"github.com/attacksim/engine/internal/funnel"
)

// Builder builds tracking URLs against a fixed set of base addresses.
type Builder struct {
	trackingBase   string // where the engine's /track endpoints live
	simulationBase string // where internal simulation pages are served
	signingKey     []byte
}

// NewBuilder creates a new URL builder. signingKey may be empty, in which
// case URLs carry no signature parameter.
func NewBuilder(trackingBase, simulationBase, signingKey string) *Builder {
	return &Builder{
		trackingBase:   strings.TrimRight(trackingBase, "/"),
		simulationBase: strings.TrimRight(simulationBase, "/"),
		signingKey:     []byte(signingKey),
	}
}

// PixelURL builds the open-tracking pixel URL for a recipient token.
func (b *Builder) PixelURL(token string) string {
	u := fmt.Sprintf("%s/track/open/%s", b.trackingBase, url.PathEscape(token))
	if sig := b.sign(token); sig != "" {
		u += "?sig=" + sig
	}
	return u
}

// ClickURL builds the click-through URL for a recipient token. Routing
// preference: the campaign's clone base address, then the internal
// simulation route for the campaign's scenario, then the bare tracking
// endpoint. Token and campaign id always ride as query parameters so any
// entry point can re-resolve context even when the referrer is stripped.
func (b *Builder) ClickURL(token string, campaign *funnel.Campaign, clone *funnel.Clone) string {
	params := url.Values{}
	params.Set("t", token)
	if campaign != nil {
		params.Set("campaign_id", campaign.ID.String())
	}
	if sig := b.sign(token); sig != "" {
		params.Set("sig", sig)
	}

	if clone != nil && clone.Status == funnel.CloneActive && clone.BaseURL != "" {
		if campaign != nil && campaign.ScenarioID != nil {
			params.Set("scenario_id", campaign.ScenarioID.String())
		}
		base := strings.TrimRight(clone.BaseURL, "/")
		path := clone.LandingPath
		if path == "" {
			path = "/"
		}
		if !strings.HasPrefix(path, "/") {
			path = "/" + path
		}
		return base + path + "?" + params.Encode()
	}

	if campaign != nil && campaign.ScenarioID != nil {
		return fmt.Sprintf("%s/sim/phishing/%s?%s",
			b.simulationBase, campaign.ScenarioID.String(), params.Encode())
	}

	return fmt.Sprintf("%s/track/click/%s?%s", b.trackingBase, url.PathEscape(token), params.Encode())
}

// RedirectURL is where the click endpoint sends the visitor after recording
// the click: the simulation entry point with the token carried forward, or
// the simulation root when no scenario is configured.
func (b *Builder) RedirectURL(token string, campaign *funnel.Campaign) string {
	if campaign != nil && campaign.ScenarioID != nil {
		params := url.Values{}
		params.Set("t", token)
		params.Set("campaign_id", campaign.ID.String())
		return fmt.Sprintf("%s/sim/phishing/%s?%s",
			b.simulationBase, campaign.ScenarioID.String(), params.Encode())
	}
	return b.simulationBase + "/"
}

// Verify checks a signature produced by sign. Verification failures degrade
// to anonymous handling downstream; they are never surfaced.
func (b *Builder) Verify(token, sig string) bool {
	if len(b.signingKey) == 0 {
		return true
	}
	return hmac.Equal([]byte(b.sign(token)), []byte(sig))
}

func (b *Builder) sign(data string) string {
	if len(b.signingKey) == 0 {
		return ""
	}
	h := hmac.New(sha256.New, b.signingKey)
	h.Write([]byte(data))
	return hex.EncodeToString(h.Sum(nil))[:16]
}
