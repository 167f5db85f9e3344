package kiro

import "net/http"

// HeaderContext carries exactly the fields header construction needs, by
// value, so the builder never has to reach back into a live manager.
type HeaderContext struct {
	Region      string
	ProfileARN  string
	Fingerprint string
	AccessToken string
}

// RefreshUserAgent is the User-Agent sent on refresh requests.
func (h HeaderContext) RefreshUserAgent() string {
	fp := h.Fingerprint
	if len(fp) > 16 {
		fp = fp[:16]
	}
	return "KiroGateway-" + fp
}

// APIHeaders builds the header set for CodeWhisperer / Q API calls.
func (h HeaderContext) APIHeaders() http.Header {
	fp := h.Fingerprint
	if len(fp) > 32 {
		fp = fp[:32]
	}
	hdr := http.Header{}
	hdr.Set("Authorization", "Bearer "+h.AccessToken)
	hdr.Set("Content-Type", "application/json")
	hdr.Set("User-Agent", "aws-sdk-js/1.0.27 ua/2.1 os/linux lang/go KiroGateway-"+fp)
	hdr.Set("x-amz-user-agent", "aws-sdk-js/1.0.27 KiroGateway-"+fp)
	hdr.Set("x-amzn-kiro-agent-mode", "vibe")
	return hdr
}
