package creds

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/gcsruntime/gcs/internal/fault"
)

func freshCreds(exp time.Time) *Credentials {
	return &Credentials{
		AccessToken:  "at-1",
		RefreshToken: "rt-1",
		TokenType:    "Bearer",
		ExpiryDate:   exp,
	}
}

func TestLoad_MissingFileReturnsNil(t *testing.T) {
	s := NewStore(t.TempDir(), time.Second, nil)
	c, err := s.Load(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if c != nil {
		t.Errorf("expected nil credentials for missing file, got %+v", c)
	}
}

func TestSaveLoad_RoundTrip(t *testing.T) {
	s := NewStore(t.TempDir(), time.Second, nil)
	exp := time.Now().Add(time.Hour).Truncate(time.Millisecond)
	if err := s.Save(context.Background(), freshCreds(exp)); err != nil {
		t.Fatal(err)
	}

	s.FlushCache()
	c, err := s.Load(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if c == nil || c.AccessToken != "at-1" {
		t.Fatalf("unexpected credentials: %+v", c)
	}
	if !c.ExpiryDate.Equal(exp) {
		t.Errorf("expiry drifted: want %v, got %v", exp, c.ExpiryDate)
	}
}

func TestSave_FileModeAndNoTempLeftover(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("file modes are not meaningful on windows")
	}
	dir := t.TempDir()
	s := NewStore(dir, time.Second, nil)
	if err := s.Save(context.Background(), freshCreds(time.Now().Add(time.Hour))); err != nil {
		t.Fatal(err)
	}

	info, err := os.Stat(filepath.Join(dir, FileName))
	if err != nil {
		t.Fatal(err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Errorf("expected mode 0600, got %o", info.Mode().Perm())
	}
	if _, err := os.Stat(filepath.Join(dir, FileName+".tmp")); !os.IsNotExist(err) {
		t.Error("temp file must not survive a successful save")
	}
}

func TestHasValid_ExpiryBuffer(t *testing.T) {
	s := NewStore(t.TempDir(), time.Second, nil)
	ctx := context.Background()

	// Expires in 2 minutes: inside the 5-minute buffer, so not valid.
	if err := s.Save(ctx, freshCreds(time.Now().Add(2*time.Minute))); err != nil {
		t.Fatal(err)
	}
	if s.HasValid(ctx) {
		t.Error("token inside the expiry buffer must not count as valid")
	}

	if err := s.Save(ctx, freshCreds(time.Now().Add(time.Hour))); err != nil {
		t.Fatal(err)
	}
	if !s.HasValid(ctx) {
		t.Error("token with an hour left must be valid")
	}
}

func TestAccessToken_ValidToken(t *testing.T) {
	s := NewStore(t.TempDir(), time.Second, nil)
	ctx := context.Background()
	if err := s.Save(ctx, freshCreds(time.Now().Add(time.Hour))); err != nil {
		t.Fatal(err)
	}
	tok, err := s.AccessToken(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if tok != "at-1" {
		t.Errorf("expected at-1, got %q", tok)
	}
}

func TestAccessToken_RefreshesExpired(t *testing.T) {
	ctx := context.Background()
	refreshed := freshCreds(time.Now().Add(time.Hour))
	refreshed.AccessToken = "at-2"

	var gotRefreshToken string
	s := NewStore(t.TempDir(), time.Second, func(_ context.Context, rt string) (*Credentials, error) {
		gotRefreshToken = rt
		return refreshed, nil
	})
	if err := s.Save(ctx, freshCreds(time.Now().Add(-time.Minute))); err != nil {
		t.Fatal(err)
	}

	tok, err := s.AccessToken(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if tok != "at-2" {
		t.Errorf("expected refreshed token at-2, got %q", tok)
	}
	if gotRefreshToken != "rt-1" {
		t.Errorf("refresh called with wrong token %q", gotRefreshToken)
	}

	// The refreshed credentials must have been persisted.
	s.FlushCache()
	c, err := s.Load(ctx)
	if err != nil || c == nil || c.AccessToken != "at-2" {
		t.Errorf("refreshed credentials not persisted: %+v err=%v", c, err)
	}
}

func TestAccessToken_TerminalRejectionClears(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	s := NewStore(dir, time.Second, func(context.Context, string) (*Credentials, error) {
		return nil, fault.New(fault.AuthError, "refresh token rejected")
	})
	if err := s.Save(ctx, freshCreds(time.Now().Add(-time.Minute))); err != nil {
		t.Fatal(err)
	}

	_, err := s.AccessToken(ctx)
	if err == nil {
		t.Fatal("expected error after terminal refresh rejection")
	}
	if fault.KindOf(err) != fault.NoCredentials {
		t.Errorf("expected NO_VALID_CREDENTIALS, got %s", fault.KindOf(err))
	}
	if _, statErr := os.Stat(filepath.Join(dir, FileName)); !os.IsNotExist(statErr) {
		t.Error("credential file must be cleared after a terminal rejection")
	}
}

func TestAccessToken_NoRefreshConfigured(t *testing.T) {
	s := NewStore(t.TempDir(), time.Second, nil)
	ctx := context.Background()
	if err := s.Save(ctx, freshCreds(time.Now().Add(-time.Minute))); err != nil {
		t.Fatal(err)
	}
	_, err := s.AccessToken(ctx)
	if fault.KindOf(err) != fault.NoCredentials {
		t.Errorf("expected NO_VALID_CREDENTIALS, got %v", err)
	}
}

func TestLoad_CacheWindow(t *testing.T) {
	dir := t.TempDir()
	s := NewStore(dir, time.Second, nil)
	ctx := context.Background()
	if err := s.Save(ctx, freshCreds(time.Now().Add(time.Hour))); err != nil {
		t.Fatal(err)
	}

	// Delete the file behind the store's back; the cached copy still serves.
	if err := os.Remove(filepath.Join(dir, FileName)); err != nil {
		t.Fatal(err)
	}
	c, err := s.Load(ctx)
	if err != nil || c == nil {
		t.Fatalf("expected cached credentials, got %+v err=%v", c, err)
	}

	s.FlushCache()
	c, err = s.Load(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if c != nil {
		t.Error("after cache flush the deleted file must read as nil")
	}
}
