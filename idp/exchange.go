package idp

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/hashicorp/go-cleanhttp"
	"golang.org/x/oauth2"
)

// DefaultExchangeTimeout bounds the token endpoint call.
const DefaultExchangeTimeout = 10 * time.Second

// Tokens are the provider tokens kept in the session.
type Tokens struct {
	IDToken     string `json:"id_token"`
	AccessToken string `json:"access_token"`
}

// Exchanger redeems authorization codes at the provider's token endpoint.
// Calls are never retried.
type Exchanger struct {
	config *oauth2.Config
	client *http.Client
}

// NewExchanger returns an Exchanger using cfg, whose RedirectURL must be
// the exact redirect URI registered for the client.
func NewExchanger(cfg *oauth2.Config, timeout time.Duration) *Exchanger {
	if timeout <= 0 {
		timeout = DefaultExchangeTimeout
	}
	client := cleanhttp.DefaultPooledClient()
	client.Timeout = timeout
	return &Exchanger{config: cfg, client: client}
}

// WithHTTPClient replaces the client used for token requests.
func (e *Exchanger) WithHTTPClient(client *http.Client) *Exchanger {
	e.client = client
	return e
}

// Exchange trades code for an ID token and access token.
func (e *Exchanger) Exchange(ctx context.Context, code string) (Tokens, error) {
	if code == "" {
		return Tokens{}, &CodeExchangeError{Kind: ExchangeUnexpected, Err: errors.New("empty code")}
	}

	ctx = context.WithValue(ctx, oauth2.HTTPClient, e.client)
	tok, err := e.config.Exchange(ctx, code)
	if err != nil {
		return Tokens{}, classifyExchangeError(err)
	}

	idToken, _ := tok.Extra("id_token").(string)
	if idToken == "" {
		return Tokens{}, &CodeExchangeError{Kind: ExchangeUnexpected, Err: errors.New("id_token missing in response")}
	}
	if tok.AccessToken == "" {
		return Tokens{}, &CodeExchangeError{Kind: ExchangeUnexpected, Err: errors.New("access_token missing in response")}
	}
	return Tokens{IDToken: idToken, AccessToken: tok.AccessToken}, nil
}

func classifyExchangeError(err error) *CodeExchangeError {
	var re *oauth2.RetrieveError
	if errors.As(err, &re) {
		out := &CodeExchangeError{Kind: ExchangeHTTPStatus, ErrorCode: re.ErrorCode, Err: err}
		if re.Response != nil {
			out.StatusCode = re.Response.StatusCode
		}
		return out
	}
	var urlErr *url.Error
	var netErr net.Error
	if errors.As(err, &urlErr) || errors.As(err, &netErr) || errors.Is(err, context.DeadlineExceeded) {
		return &CodeExchangeError{Kind: ExchangeNetwork, Err: err}
	}
	return &CodeExchangeError{Kind: ExchangeUnexpected, Err: err}
}
