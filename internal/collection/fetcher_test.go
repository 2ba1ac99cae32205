package collection

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"context"
	"errors"
	"net/http"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/patternservice/patternd/internal/controller"
	"github.com/patternservice/patternd/internal/failure"
	testutil "github.com/patternservice/patternd/internal/testing"
)

type fetchCounter map[string]int

func (c fetchCounter) ObserveCollectionFetch(result string) { c[result]++ }

func newTestFetcher(t *testing.T, mock *testutil.MockController) (*Fetcher, string) {
	t.Helper()
	srv := mock.NewTestServer(t)
	client, err := controller.NewClient(controller.Options{BaseURL: srv.URL, HTTPClient: srv.Client()})
	require.NoError(t, err)
	scratch := t.TempDir()
	return &Fetcher{
		RegistryURL: srv.URL,
		ScratchDir:  scratch,
		NewSession:  func() Opener { return client.NewSession() },
	}, scratch
}

func requireEmptyDir(t *testing.T, dir string) {
	t.Helper()
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries, "scratch dir should be cleaned up")
}

func TestBuildURI(t *testing.T) {
	tests := []struct {
		base, name, version, want string
	}{
		{
			base: "http://hub.example.com", name: "my_namespace.my_collection", version: "1.0.0",
			want: "http://hub.example.com/api/galaxy/v3/plugin/ansible/content/published/collections/artifacts/my_namespace-my_collection-1.0.0.tar.gz",
		},
		{
			base: "https://hub.example.com/", name: "a.b", version: "2.1.0-beta",
			want: "https://hub.example.com/api/galaxy/v3/plugin/ansible/content/published/collections/artifacts/a-b-2.1.0-beta.tar.gz",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, BuildURI(tt.base, tt.name, tt.version))
		})
	}
}

func TestLoadDefinition(t *testing.T) {
	mock := testutil.NewMockController()
	mock.ServeCollection(testutil.TestCollectionName, testutil.TestCollectionVersion, testutil.BuildCollectionTarball(t, map[string]string{
		testutil.DefinitionPath(testutil.TestPatternName): testutil.TestDefinition,
		"README.md": "demo",
	}))
	fetcher, scratch := newTestFetcher(t, mock)
	counter := fetchCounter{}
	fetcher.Observer = counter

	got, err := fetcher.LoadDefinition(context.Background(), testutil.TestCollectionName, testutil.TestCollectionVersion, testutil.TestPatternName)
	require.NoError(t, err)
	assert.JSONEq(t, testutil.TestDefinition, string(got.Definition))
	assert.Equal(t, BuildURI(fetcher.RegistryURL, testutil.TestCollectionName, testutil.TestCollectionVersion), got.URI)
	assert.Equal(t, 1, counter["ok"])
	requireEmptyDir(t, scratch)
}

func TestLoadDefinitionMissingFile(t *testing.T) {
	mock := testutil.NewMockController()
	mock.ServeCollection(testutil.TestCollectionName, testutil.TestCollectionVersion, testutil.BuildCollectionTarball(t, map[string]string{
		testutil.DefinitionPath("other_pattern"): `{}`,
	}))
	fetcher, scratch := newTestFetcher(t, mock)
	counter := fetchCounter{}
	fetcher.Observer = counter

	_, err := fetcher.LoadDefinition(context.Background(), testutil.TestCollectionName, testutil.TestCollectionVersion, testutil.TestPatternName)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrDefinitionNotFound))
	assert.Equal(t, failure.KindNotFound, failure.KindOf(err))
	assert.Equal(t, 1, counter["not_found"])
	requireEmptyDir(t, scratch)
}

func TestLoadDefinitionDownloadFailure(t *testing.T) {
	mock := testutil.NewMockController()
	fetcher, scratch := newTestFetcher(t, mock)

	_, err := fetcher.LoadDefinition(context.Background(), testutil.TestCollectionName, testutil.TestCollectionVersion, testutil.TestPatternName)
	require.Error(t, err)
	assert.Equal(t, failure.KindTransport, failure.KindOf(err))
	assert.False(t, errors.Is(err, ErrDefinitionNotFound))
	var httpErr *controller.HTTPError
	require.True(t, errors.As(err, &httpErr))
	assert.Equal(t, http.StatusNotFound, httpErr.StatusCode)
	requireEmptyDir(t, scratch)
}

func TestLoadDefinitionInvalidJSON(t *testing.T) {
	for name, body := range map[string]string{"garbage": "{not json", "list": "[1]", "null": "null"} {
		t.Run(name, func(t *testing.T) {
			mock := testutil.NewMockController()
			mock.ServeCollection("ns.col", "1.0.0", testutil.BuildCollectionTarball(t, map[string]string{
				testutil.DefinitionPath("p"): body,
			}))
			fetcher, scratch := newTestFetcher(t, mock)

			_, err := fetcher.LoadDefinition(context.Background(), "ns.col", "1.0.0", "p")
			require.Error(t, err)
			assert.Equal(t, failure.KindValidation, failure.KindOf(err))
			requireEmptyDir(t, scratch)
		})
	}
}

func TestLoadDefinitionRejectsPatternNameTraversal(t *testing.T) {
	fetcher, _ := newTestFetcher(t, testutil.NewMockController())
	for _, name := range []string{"", "..", "../etc", "a/b"} {
		_, err := fetcher.LoadDefinition(context.Background(), "ns.col", "1.0.0", name)
		require.Error(t, err)
		assert.Equal(t, failure.KindValidation, failure.KindOf(err), name)
	}
}

func TestWithCollectionCleansUpAfterPanic(t *testing.T) {
	mock := testutil.NewMockController()
	mock.ServeCollection("ns.col", "1.0.0", testutil.BuildCollectionTarball(t, map[string]string{"a.txt": "a"}))
	fetcher, scratch := newTestFetcher(t, mock)

	var seen string
	func() {
		defer func() { _ = recover() }()
		_ = fetcher.WithCollection(context.Background(), "ns.col", "1.0.0", func(dir string) error {
			seen = dir
			panic("boom")
		})
	}()
	assert.Equal(t, "ns.col-1.0.0", filepath.Base(seen))
	assert.Contains(t, filepath.Base(filepath.Dir(seen)), "ns.col")
	requireEmptyDir(t, scratch)
}

func TestWithCollectionExposesExtractedTree(t *testing.T) {
	mock := testutil.NewMockController()
	mock.ServeCollection("ns.col", "1.0.0", testutil.BuildCollectionTarball(t, map[string]string{
		"extensions/patterns/p/playbooks/run.yml": "- hosts: all\n",
	}))
	fetcher, scratch := newTestFetcher(t, mock)

	err := fetcher.WithCollection(context.Background(), "ns.col", "1.0.0", func(dir string) error {
		data, err := os.ReadFile(filepath.Join(dir, "extensions/patterns/p/playbooks/run.yml"))
		require.NoError(t, err)
		assert.Equal(t, "- hosts: all\n", string(data))
		return nil
	})
	require.NoError(t, err)
	requireEmptyDir(t, scratch)
}

func tarballWith(t *testing.T, headers ...*tar.Header) []byte {
	t.Helper()
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)
	for _, hdr := range headers {
		require.NoError(t, tw.WriteHeader(hdr))
		if hdr.Typeflag == tar.TypeReg && hdr.Size > 0 {
			_, err := tw.Write(bytes.Repeat([]byte("x"), int(hdr.Size)))
			require.NoError(t, err)
		}
	}
	require.NoError(t, tw.Close())
	require.NoError(t, gz.Close())
	return buf.Bytes()
}

func TestExtractRejectsEscapingEntries(t *testing.T) {
	for _, name := range []string{"../evil.txt", "/etc/evil.txt", "a/../../evil.txt"} {
		t.Run(name, func(t *testing.T) {
			archive := tarballWith(t, &tar.Header{Name: name, Typeflag: tar.TypeReg, Mode: 0o644, Size: 1})
			dest := filepath.Join(t.TempDir(), "out")
			err := extractTarGz(bytes.NewReader(archive), dest, 0)
			require.Error(t, err)
			assert.Equal(t, failure.KindValidation, failure.KindOf(err))
		})
	}
}

func TestExtractSkipsLinks(t *testing.T) {
	archive := tarballWith(t,
		&tar.Header{Name: "link", Typeflag: tar.TypeSymlink, Linkname: "/etc/passwd"},
		&tar.Header{Name: "hard", Typeflag: tar.TypeLink, Linkname: "file.txt"},
		&tar.Header{Name: "file.txt", Typeflag: tar.TypeReg, Mode: 0o644, Size: 3},
	)
	dest := filepath.Join(t.TempDir(), "out")
	require.NoError(t, extractTarGz(bytes.NewReader(archive), dest, 0))

	_, err := os.Lstat(filepath.Join(dest, "link"))
	assert.True(t, os.IsNotExist(err))
	_, err = os.Lstat(filepath.Join(dest, "hard"))
	assert.True(t, os.IsNotExist(err))
	data, err := os.ReadFile(filepath.Join(dest, "file.txt"))
	require.NoError(t, err)
	assert.Equal(t, "xxx", string(data))
}

func TestExtractSizeLimit(t *testing.T) {
	archive := tarballWith(t,
		&tar.Header{Name: "a", Typeflag: tar.TypeReg, Mode: 0o644, Size: 6},
		&tar.Header{Name: "b", Typeflag: tar.TypeReg, Mode: 0o644, Size: 6},
	)
	err := extractTarGz(bytes.NewReader(archive), filepath.Join(t.TempDir(), "out"), 10)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrArchiveTooLarge))

	require.NoError(t, extractTarGz(bytes.NewReader(archive), filepath.Join(t.TempDir(), "out"), 12))
}

func TestExtractRejectsNonGzip(t *testing.T) {
	err := extractTarGz(bytes.NewReader([]byte("plain text")), filepath.Join(t.TempDir(), "out"), 0)
	require.Error(t, err)
	assert.Equal(t, failure.KindTransport, failure.KindOf(err))
}
