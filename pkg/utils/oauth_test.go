package utils

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/oauth2"

	"github.com/jakechorley/farm-visits/internal/config"
)

func tokenServer(t *testing.T, issued *int32) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(issued, 1)
		assert.NoError(t, r.ParseForm())
		assert.Equal(t, "client_credentials", r.Form.Get("grant_type"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"access_token":"tok-1","token_type":"bearer","expires_in":3600}`)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestNewTokenSource_FetchesAndPersists(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	var issued int32
	srv := tokenServer(t, &issued)
	cfg := &config.OAuthConfig{TokenURL: srv.URL, ClientID: "cli", ClientSecret: "secret"}

	ts := NewTokenSource(context.Background(), cfg, "test", zap.NewNop())
	tok, err := ts.Token()
	require.NoError(t, err)
	assert.Equal(t, "tok-1", tok.AccessToken)

	_, err = ts.Token()
	require.NoError(t, err)
	assert.Equal(t, int32(1), atomic.LoadInt32(&issued), "valid token reused in memory")

	saved, err := LoadTokenFromFile("test")
	require.NoError(t, err)
	require.NotNil(t, saved)
	assert.Equal(t, "tok-1", saved.AccessToken)

	// a new process picks the token up from disk
	again := NewTokenSource(context.Background(), cfg, "test", zap.NewNop())
	_, err = again.Token()
	require.NoError(t, err)
	assert.Equal(t, int32(1), atomic.LoadInt32(&issued))
}

func TestNewTokenSource_ExpiredFileTokenRefetched(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	require.NoError(t, SaveTokenToFile("test", &oauth2.Token{AccessToken: "old", Expiry: time.Now().Add(-time.Hour)}))

	var issued int32
	srv := tokenServer(t, &issued)
	ts := NewTokenSource(context.Background(), &config.OAuthConfig{TokenURL: srv.URL, ClientID: "cli", ClientSecret: "secret"}, "test", zap.NewNop())

	tok, err := ts.Token()
	require.NoError(t, err)
	assert.Equal(t, "tok-1", tok.AccessToken)
	assert.Equal(t, int32(1), atomic.LoadInt32(&issued))
}

func TestTokenFiles(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)

	tok, err := LoadTokenFromFile("missing")
	require.NoError(t, err)
	assert.Nil(t, tok)

	require.NoError(t, SaveTokenToFile("dev", &oauth2.Token{AccessToken: "abc"}))
	info, err := os.Stat(filepath.Join(home, tokenDirName, "token-dev.json"))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(tokenFilePerms), info.Mode().Perm())

	require.NoError(t, DeleteTokenFile("dev"))
	require.NoError(t, DeleteTokenFile("dev"))
	tok, err = LoadTokenFromFile("dev")
	require.NoError(t, err)
	assert.Nil(t, tok)
}
