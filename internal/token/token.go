// Package token implements the access-token wire format (spec.md §6):
// a base64-encoded JSON object carrying the camera/manager identity and the
// API/media endpoints, grounded on
// original_source/src/agent-proto/objects/config.h.
package token

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
)

// Token is the decoded access token.
type Token struct {
	Token     string `json:"token"`
	CamID     string `json:"camid"`
	CmngrID   string `json:"cmngrid"`
	API       string `json:"api"`
	APIPort   int    `json:"api_p"`
	APISSLPort int   `json:"api_sp"`
	Cam       string `json:"cam"`
	CamPort   int    `json:"cam_p"`
	CamSSLPort int   `json:"cam_sp"`
	Socks5    string `json:"socks5,omitempty"`
}

// Encode serializes t to the wire base64(JSON) form.
func Encode(t Token) (string, error) {
	data, err := json.Marshal(t)
	if err != nil {
		return "", fmt.Errorf("token: marshal: %w", err)
	}
	return base64.StdEncoding.EncodeToString(data), nil
}

// Decode parses the wire base64(JSON) form.
func Decode(s string) (Token, error) {
	data, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return Token{}, fmt.Errorf("token: base64 decode: %w", err)
	}
	var t Token
	if err := json.Unmarshal(data, &t); err != nil {
		return Token{}, fmt.Errorf("token: unmarshal: %w", err)
	}
	if t.Token == "" || t.API == "" {
		return Token{}, fmt.Errorf("token: missing required field")
	}
	return t, nil
}

// APIURI composes the base API URL. secure selects https+api_sp over
// http+api_p.
func (t Token) APIURI(secure bool) string {
	if secure {
		return fmt.Sprintf("https://%s:%d", t.API, t.APISSLPort)
	}
	return fmt.Sprintf("http://%s:%d", t.API, t.APIPort)
}

// CamURI composes the base camera-manager URL, mirroring APIURI.
func (t Token) CamURI(secure bool) string {
	if secure {
		return fmt.Sprintf("https://%s:%d", t.Cam, t.CamSSLPort)
	}
	return fmt.Sprintf("http://%s:%d", t.Cam, t.CamPort)
}
