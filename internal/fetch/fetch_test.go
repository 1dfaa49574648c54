package fetch

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	xerrors "ProofMarket/internal/errors"
)

func TestFetchHTTP(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/missing" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		_, _ = w.Write([]byte("guest-elf"))
	}))
	defer srv.Close()

	f := New(WithHTTPClient(srv.Client()))
	data, err := f.Fetch(context.Background(), srv.URL+"/guest")
	require.NoError(t, err)
	require.Equal(t, "guest-elf", string(data))

	_, err = f.Fetch(context.Background(), srv.URL+"/missing")
	require.Equal(t, xerrors.CodeNotFound, xerrors.CodeOf(err))
}

func TestFetchFileAndLimits(t *testing.T) {
	path := filepath.Join(t.TempDir(), "input.bin")
	require.NoError(t, os.WriteFile(path, []byte{1, 2, 3, 4}, 0o600))

	data, err := New().Fetch(context.Background(), "file://"+path)
	require.NoError(t, err)
	require.Equal(t, []byte{1, 2, 3, 4}, data)

	_, err = New(WithMaxBytes(2)).Fetch(context.Background(), "file://"+path)
	require.Equal(t, xerrors.CodeMalformed, xerrors.CodeOf(err))

	_, err = New().Fetch(context.Background(), "ftp://example.invalid/x")
	require.Equal(t, xerrors.CodeMalformed, xerrors.CodeOf(err))
}
