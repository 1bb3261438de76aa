package auth

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/99designs/keyring"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/lestrrat-go/jwx/v2/jwt"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"
	"google.golang.org/api/drive/v3"
)

func TestKeyringStoreRoundTrip(t *testing.T) {
	store := NewKeyringStore(keyring.NewArrayKeyring(nil))

	_, err := store.Load("google")
	assert.ErrorIs(t, err, ErrNoToken)

	tok := &oauth2.Token{AccessToken: "at", RefreshToken: "rt", TokenType: "Bearer", Expiry: time.Unix(1700000000, 0).UTC()}
	require.NoError(t, store.Save("google", tok))
	got, err := store.Load("google")
	require.NoError(t, err)
	assert.Equal(t, "rt", got.RefreshToken)
	assert.True(t, tok.Expiry.Equal(got.Expiry))

	require.NoError(t, store.Delete("google"))
	require.NoError(t, store.Delete("google"))
	_, err = store.Load("google")
	assert.ErrorIs(t, err, ErrNoToken)
}

type sequenceSource struct{ toks []*oauth2.Token }

func (s *sequenceSource) Token() (*oauth2.Token, error) {
	tok := s.toks[0]
	if len(s.toks) > 1 {
		s.toks = s.toks[1:]
	}
	return tok, nil
}

func TestSavingSourcePersistsRefreshes(t *testing.T) {
	log, _ := test.NewNullLogger()
	var saved []string
	src := &savingSource{
		base: &sequenceSource{toks: []*oauth2.Token{{AccessToken: "a"}, {AccessToken: "a"}, {AccessToken: "b"}}},
		last: &oauth2.Token{AccessToken: "a"},
		save: func(t *oauth2.Token) error { saved = append(saved, t.AccessToken); return nil },
		log:  log,
	}
	for i := 0; i < 3; i++ {
		_, err := src.Token()
		require.NoError(t, err)
	}
	assert.Equal(t, []string{"b"}, saved)
}

func TestGoogleScopesCanFindSpreadsheetsByName(t *testing.T) {
	creds := `{"installed":{"client_id":"cid","client_secret":"secret",` +
		`"auth_uri":"https://accounts.google.com/o/oauth2/auth","token_uri":"https://oauth2.googleapis.com/token",` +
		`"redirect_uris":["http://localhost"]}}`
	path := filepath.Join(t.TempDir(), "credentials.json")
	require.NoError(t, os.WriteFile(path, []byte(creds), 0600))

	log, _ := test.NewNullLogger()
	g, err := NewGoogle(path, NewKeyringStore(keyring.NewArrayKeyring(nil)), "me@example.com", log)
	require.NoError(t, err)

	assert.Contains(t, g.Config.Scopes, drive.DriveScope)
	assert.NotContains(t, g.Config.Scopes, drive.DriveFileScope)
}

func TestGoogleLoginLoopback(t *testing.T) {
	tokenSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = r.ParseForm()
		if r.Form.Get("code") != "xyz" {
			http.Error(w, "bad code", http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"access_token":"at","refresh_token":"rt","token_type":"Bearer","expires_in":3600}`))
	}))
	defer tokenSrv.Close()

	log, _ := test.NewNullLogger()
	store := NewKeyringStore(keyring.NewArrayKeyring(nil))
	g := &Google{
		Config: &oauth2.Config{
			ClientID:     "id",
			ClientSecret: "secret",
			Endpoint:     oauth2.Endpoint{AuthURL: "https://accounts.example/auth", TokenURL: tokenSrv.URL},
			Scopes:       GoogleScopes,
		},
		Store:   store,
		Account: "me@example.com",
		Log:     log,
	}

	open := func(consent string) error {
		u, err := url.Parse(consent)
		if err != nil {
			return err
		}
		q := u.Query()
		go func() {
			resp, err := http.Get(q.Get("redirect_uri") + "?state=" + q.Get("state") + "&code=xyz")
			if err == nil {
				resp.Body.Close()
			}
		}()
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, g.Login(ctx, open))

	tok, err := store.Load("google:me@example.com")
	require.NoError(t, err)
	assert.Equal(t, "at", tok.AccessToken)

	client, err := g.Client(ctx)
	require.NoError(t, err)
	assert.NotNil(t, client)

	require.NoError(t, g.Logout())
	_, err = g.Client(ctx)
	assert.ErrorIs(t, err, ErrNoToken)
}

func TestGoogleLoginStateMismatch(t *testing.T) {
	log, _ := test.NewNullLogger()
	g := &Google{
		Config: &oauth2.Config{ClientID: "id", Endpoint: oauth2.Endpoint{AuthURL: "https://accounts.example/auth", TokenURL: "https://accounts.example/token"}},
		Store:  NewKeyringStore(keyring.NewArrayKeyring(nil)),
		Log:    log,
	}
	open := func(consent string) error {
		u, _ := url.Parse(consent)
		go func() {
			resp, err := http.Get(u.Query().Get("redirect_uri") + "?state=forged&code=xyz")
			if err == nil {
				resp.Body.Close()
			}
		}()
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	assert.ErrorContains(t, g.Login(ctx, open), "state mismatch")
}

func TestBrokerGetToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer user-jwt" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		switch r.URL.Path {
		case "/api/auth/accounts/microsoft/token":
			_, _ = w.Write([]byte(`{"access_token":"graph-at","refresh_token":"rt","expires_at":1900000000}`))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	b := NewBroker(srv.URL)
	tok, err := b.GetToken(context.Background(), "user-jwt", ProviderMicrosoft)
	require.NoError(t, err)
	assert.Equal(t, "graph-at", tok.AccessToken)
	assert.Equal(t, int64(1900000000), tok.Expiry.Unix())

	_, err = b.GetToken(context.Background(), "user-jwt", ProviderGoogle)
	assert.ErrorContains(t, err, "no google account connected")

	_, err = b.GetToken(context.Background(), "wrong", ProviderMicrosoft)
	assert.ErrorContains(t, err, "bad status 401")

	cred := b.Credential("user-jwt", ProviderMicrosoft)
	at, err := cred.GetToken(context.Background(), policy.TokenRequestOptions{})
	require.NoError(t, err)
	assert.Equal(t, "graph-at", at.Token)
}

func signingKey(t *testing.T) (jwk.Key, jwk.Set) {
	t.Helper()
	raw, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	key, err := jwk.FromRaw(raw)
	require.NoError(t, err)
	require.NoError(t, key.Set(jwk.KeyIDKey, "k1"))
	require.NoError(t, key.Set(jwk.AlgorithmKey, jwa.RS256))
	pub, err := key.PublicKey()
	require.NoError(t, err)
	set := jwk.NewSet()
	require.NoError(t, set.AddKey(pub))
	return key, set
}

func bearer(t *testing.T, key jwk.Key, sub, aud string, exp time.Time) *http.Request {
	t.Helper()
	tok, err := jwt.NewBuilder().Subject(sub).Audience([]string{aud}).Expiration(exp).Claim("email", "ops@example.com").Build()
	require.NoError(t, err)
	signed, err := jwt.Sign(tok, jwt.WithKey(jwa.RS256, key))
	require.NoError(t, err)
	r := httptest.NewRequest(http.MethodGet, "/runs", nil)
	r.Header.Set("Authorization", "Bearer "+string(signed))
	return r
}

func TestVerifierAcceptsValidToken(t *testing.T) {
	key, set := signingKey(t)
	log, _ := test.NewNullLogger()
	v := NewStaticVerifier(set, "inbox-ledger", log)

	c, err := v.CallerFromRequest(bearer(t, key, "user-1", "inbox-ledger", time.Now().Add(time.Hour)))
	require.NoError(t, err)
	assert.Equal(t, "user-1", c.ID)
	assert.Equal(t, "ops@example.com", c.Email)
	assert.Equal(t, 1, v.Stats()["keys_cached"])
}

func TestVerifierRejects(t *testing.T) {
	key, set := signingKey(t)
	other, _ := signingKey(t)
	log, _ := test.NewNullLogger()
	v := NewStaticVerifier(set, "inbox-ledger", log)

	cases := map[string]*http.Request{
		"expired":        bearer(t, key, "u", "inbox-ledger", time.Now().Add(-time.Hour)),
		"wrong audience": bearer(t, key, "u", "someone-else", time.Now().Add(time.Hour)),
		"unknown key":    bearer(t, other, "u", "inbox-ledger", time.Now().Add(time.Hour)),
		"missing header": httptest.NewRequest(http.MethodGet, "/runs", nil),
	}
	for name, r := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := v.CallerFromRequest(r)
			assert.Error(t, err)
		})
	}
}
