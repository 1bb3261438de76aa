package gsheets

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/drive/v3"
	"google.golang.org/api/option"
	"google.golang.org/api/sheets/v4"
)

type fakeGoogle struct {
	mu       sync.Mutex
	calls    []string
	bodies   map[string]string
	sheets   []string
	files    []string
	values   [][]string
	response map[string]any
}

func (f *fakeGoogle) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	call := r.Method + " " + r.URL.Path
	f.calls = append(f.calls, call)
	body, _ := io.ReadAll(r.Body)
	f.bodies[call] = string(body)

	w.Header().Set("Content-Type", "application/json")
	var out any = map[string]any{}
	switch {
	case r.Method == http.MethodGet && r.URL.Path == "/drive/v3/files":
		files := []map[string]string{}
		for _, id := range f.files {
			files = append(files, map[string]string{"id": id})
		}
		out = map[string]any{"files": files}
	case r.Method == http.MethodPost && r.URL.Path == "/v4/spreadsheets":
		out = map[string]any{"spreadsheetId": "new-id"}
	case r.Method == http.MethodGet && strings.Contains(r.URL.Path, "/values/"):
		out = map[string]any{"values": f.values}
	case r.Method == http.MethodGet && strings.HasPrefix(r.URL.Path, "/v4/spreadsheets/"):
		sh := []map[string]any{}
		for _, t := range f.sheets {
			sh = append(sh, map[string]any{"properties": map[string]any{"title": t}})
		}
		out = map[string]any{"sheets": sh}
	}
	_ = json.NewEncoder(w).Encode(out)
}

func newFake(t *testing.T, f *fakeGoogle) (*sheets.Service, *drive.Service) {
	t.Helper()
	f.bodies = map[string]string{}
	srv := httptest.NewServer(f)
	t.Cleanup(srv.Close)

	ctx := context.Background()
	svc, err := sheets.NewService(ctx, option.WithEndpoint(srv.URL+"/"), option.WithoutAuthentication(), option.WithHTTPClient(srv.Client()))
	require.NoError(t, err)
	files, err := drive.NewService(ctx, option.WithEndpoint(srv.URL+"/drive/v3/"), option.WithoutAuthentication(), option.WithHTTPClient(srv.Client()))
	require.NoError(t, err)
	return svc, files
}

func TestOpenByIDWithExistingWorksheet(t *testing.T) {
	f := &fakeGoogle{sheets: []string{"data"}, values: [][]string{{"a", "b"}, {"1", "2"}}}
	svc, files := newFake(t, f)
	log, _ := test.NewNullLogger()

	s, err := Open(context.Background(), svc, files, Options{SpreadsheetID: "sid"}, log)
	require.NoError(t, err)
	assert.Equal(t, "data", s.Name())
	assert.Equal(t, []string{"GET /v4/spreadsheets/sid"}, f.calls)

	rows, err := s.Values(context.Background())
	require.NoError(t, err)
	assert.Equal(t, [][]string{{"a", "b"}, {"1", "2"}}, rows)

	require.NoError(t, s.Update(context.Background(), "A3", [][]string{{"3", "4"}}))
	require.NoError(t, s.Clear(context.Background()))

	assert.Contains(t, f.calls, "PUT /v4/spreadsheets/sid/values/'data'!A3")
	assert.Contains(t, f.calls, "POST /v4/spreadsheets/sid/values/'data':clear")
	assert.Contains(t, f.bodies["PUT /v4/spreadsheets/sid/values/'data'!A3"], `[["3","4"]]`)
}

func TestOpenByNameCreatesAndShares(t *testing.T) {
	f := &fakeGoogle{}
	svc, files := newFake(t, f)
	log, hook := test.NewNullLogger()

	s, err := Open(context.Background(), svc, files, Options{
		SpreadsheetName: "climbing",
		Worksheet:       "bookings",
		ShareWith:       []string{"me@example.com", "you@example.com"},
	}, log)
	require.NoError(t, err)
	assert.Equal(t, "new-id", s.SpreadsheetID())

	assert.Equal(t, []string{
		"GET /drive/v3/files",
		"POST /v4/spreadsheets",
		"POST /drive/v3/files/new-id/permissions",
		"POST /drive/v3/files/new-id/permissions",
		"GET /v4/spreadsheets/new-id",
		"POST /v4/spreadsheets/new-id:batchUpdate",
	}, f.calls)
	assert.Contains(t, f.bodies["POST /v4/spreadsheets/new-id:batchUpdate"], `"title":"bookings"`)
	assert.NotEmpty(t, hook.AllEntries())
}

func TestOpenByNameFindsExisting(t *testing.T) {
	f := &fakeGoogle{files: []string{"found-id"}, sheets: []string{"data"}}
	svc, files := newFake(t, f)
	log, _ := test.NewNullLogger()

	s, err := Open(context.Background(), svc, files, Options{SpreadsheetName: "climbing"}, log)
	require.NoError(t, err)
	assert.Equal(t, "found-id", s.SpreadsheetID())
	assert.Equal(t, []string{"GET /drive/v3/files", "GET /v4/spreadsheets/found-id"}, f.calls)
}

func TestOpenNoCreateNeverWrites(t *testing.T) {
	log, _ := test.NewNullLogger()

	f := &fakeGoogle{}
	svc, files := newFake(t, f)
	_, err := Open(context.Background(), svc, files, Options{SpreadsheetName: "climbing", NoCreate: true, ShareWith: []string{"me@example.com"}}, log)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, []string{"GET /drive/v3/files"}, f.calls)

	f = &fakeGoogle{sheets: []string{"other"}}
	svc, files = newFake(t, f)
	_, err = Open(context.Background(), svc, files, Options{SpreadsheetID: "sid", NoCreate: true}, log)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, []string{"GET /v4/spreadsheets/sid"}, f.calls)

	f = &fakeGoogle{files: []string{"found-id"}, sheets: []string{"data"}}
	svc, files = newFake(t, f)
	s, err := Open(context.Background(), svc, files, Options{SpreadsheetName: "climbing", NoCreate: true}, log)
	require.NoError(t, err)
	assert.Equal(t, "found-id", s.SpreadsheetID())
}

func TestOpenRequiresTarget(t *testing.T) {
	log, _ := test.NewNullLogger()
	_, err := Open(context.Background(), nil, nil, Options{}, log)
	assert.Error(t, err)
}

func TestRefQuotesTitle(t *testing.T) {
	s := &Sheet{worksheet: "Bob's"}
	assert.Equal(t, "'Bob''s'!A2", s.ref("A2"))
	assert.Equal(t, "'Bob''s'", s.ref(""))
}
