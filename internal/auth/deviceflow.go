// Package auth implements the OAuth 2.0 device-authorization grant with
// PKCE (S256) for providers that gate their API behind a login instead of a
// static key. Tokens land in the credential store.
package auth

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os/exec"
	"runtime"
	"time"

	"golang.org/x/oauth2"

	"github.com/gcsruntime/gcs/internal/creds"
	"github.com/gcsruntime/gcs/internal/fault"
)

// DeviceFlow drives the device-authorization grant against one provider.
type DeviceFlow struct {
	cfg         oauth2.Config
	store       *creds.Store
	out         io.Writer // verification URI + user code go here
	openBrowser bool
}

// New creates a DeviceFlow for the given client id and authorization server
// base URL. The store receives tokens on success.
func New(clientID, authServer string, store *creds.Store, out io.Writer, openBrowser bool) *DeviceFlow {
	return &DeviceFlow{
		cfg: oauth2.Config{
			ClientID: clientID,
			Endpoint: oauth2.Endpoint{
				DeviceAuthURL: authServer + "/oauth/device/code",
				TokenURL:      authServer + "/oauth/token",
			},
		},
		store:       store,
		out:         out,
		openBrowser: openBrowser,
	}
}

// Authenticate runs the full grant: PKCE verifier + S256 challenge, device
// code request, user prompt, token polling. Polling honours the
// server-recommended interval; authorization_pending retries and slow_down
// stretches the interval by 5 s (both inside x/oauth2). expired_token and
// access_denied are terminal.
func (f *DeviceFlow) Authenticate(ctx context.Context) (*creds.Credentials, error) {
	if f.cfg.ClientID == "" {
		return nil, fault.New(fault.AuthError, "no OAuth client id configured (QWEN_CLIENT_ID)")
	}

	verifier := oauth2.GenerateVerifier()
	da, err := f.cfg.DeviceAuth(ctx, oauth2.S256ChallengeOption(verifier))
	if err != nil {
		return nil, fault.Wrap(classifyOAuthErr(err), err, "device code request")
	}

	uri := da.VerificationURIComplete
	if uri == "" {
		uri = da.VerificationURI
	}
	fmt.Fprintf(f.out, "Visit %s and enter code: %s\n", uri, da.UserCode)
	if f.openBrowser {
		openInBrowser(uri)
	}

	tok, err := f.cfg.DeviceAccessToken(ctx, da, oauth2.VerifierOption(verifier))
	if err != nil {
		return nil, fault.Wrap(classifyOAuthErr(err), err, "device token poll")
	}

	c := credentialsFromToken(tok)
	if err := f.store.Save(ctx, c); err != nil {
		return nil, err
	}
	log.Printf("[Auth] Device flow complete, token expires %s", c.ExpiryDate.Format(time.RFC3339))
	return c, nil
}

// Refresh exchanges a refresh token for new credentials. A 400 from the
// token endpoint means the refresh token is dead: the error carries
// AUTH_ERROR so the store clears itself.
func (f *DeviceFlow) Refresh(ctx context.Context, refreshToken string) (*creds.Credentials, error) {
	ts := f.cfg.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken})
	tok, err := ts.Token()
	if err != nil {
		var re *oauth2.RetrieveError
		if errors.As(err, &re) && re.Response != nil && re.Response.StatusCode == http.StatusBadRequest {
			return nil, fault.Wrap(fault.AuthError, err, "refresh token rejected")
		}
		return nil, fault.Wrap(classifyOAuthErr(err), err, "refresh grant")
	}
	return credentialsFromToken(tok), nil
}

func credentialsFromToken(tok *oauth2.Token) *creds.Credentials {
	c := &creds.Credentials{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		TokenType:    tok.TokenType,
		ExpiryDate:   tok.Expiry,
	}
	if ru, ok := tok.Extra("resource_url").(string); ok {
		c.ResourceURL = ru
	}
	return c
}

func classifyOAuthErr(err error) fault.Kind {
	var re *oauth2.RetrieveError
	if errors.As(err, &re) {
		switch re.ErrorCode {
		case "expired_token", "access_denied":
			return fault.AuthError
		}
		if re.Response != nil && re.Response.StatusCode >= 500 {
			return fault.ServerError
		}
		return fault.AuthError
	}
	if errors.Is(err, context.Canceled) {
		return fault.Cancelled
	}
	return fault.NetworkError
}

// openInBrowser is best-effort; failures only log.
func openInBrowser(url string) {
	var cmd *exec.Cmd
	switch runtime.GOOS {
	case "darwin":
		cmd = exec.Command("open", url)
	case "windows":
		cmd = exec.Command("rundll32", "url.dll,FileProtocolHandler", url)
	default:
		cmd = exec.Command("xdg-open", url)
	}
	if err := cmd.Start(); err != nil {
		log.Printf("[Auth] Could not open browser: %v", err)
	}
}
