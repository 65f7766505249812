package upstream

import (
	"encoding/base64"
	"fmt"
	"net/http"
)

// APIKeyAuth is OpenProject's basic auth with the literal user "apikey".
type APIKeyAuth struct {
	Key string
}

func (a *APIKeyAuth) Apply(req *http.Request) error {
	if a.Key == "" {
		return fmt.Errorf("no api key configured")
	}
	cred := base64.StdEncoding.EncodeToString([]byte("apikey:" + a.Key))
	req.Header.Set("Authorization", "Basic "+cred)
	return nil
}

// TokenAuth is Frappe's "token key:secret" scheme used by ERPNext.
type TokenAuth struct {
	Key    string
	Secret string
}

func (t *TokenAuth) Apply(req *http.Request) error {
	if t.Key == "" || t.Secret == "" {
		return fmt.Errorf("no api key/secret configured")
	}
	req.Header.Set("Authorization", "token "+t.Key+":"+t.Secret)
	return nil
}
