package hosted

import (
	"context"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type memStore struct {
	objects map[string]memObject // "bucket/key"
	gets    []string
}

type memObject struct {
	body        string
	contentType string
}

func (m *memStore) Get(_ context.Context, bucket, key string) (*Blob, error) {
	m.gets = append(m.gets, bucket+"/"+key)
	obj, ok := m.objects[bucket+"/"+key]
	if !ok {
		return nil, ErrNotFound
	}
	return &Blob{
		Body:        io.NopCloser(strings.NewReader(obj.body)),
		ContentType: obj.contentType,
	}, nil
}

type staticUsers string

func (u staticUsers) UserIDForCampaign(context.Context, string) (string, error) {
	return string(u), nil
}

func newTestServer(objects map[string]memObject) (*Server, *memStore) {
	store := &memStore{objects: objects}
	return &Server{
		Store:       store,
		Bucket:      "landers",
		DriveBucket: "drives",
		Users:       staticUsers("u1"),
		Logger:      zap.NewNop(),
	}, store
}

func body(t *testing.T, r *Result) string {
	t.Helper()
	b, err := io.ReadAll(r.Body)
	require.NoError(t, err)
	require.NoError(t, r.Body.Close())
	return string(b)
}

func TestServeIndexAppend(t *testing.T) {
	s, _ := newTestServer(map[string]memObject{
		"landers/spring/lander/index.html": {body: "<html>lp</html>", contentType: "text/html; charset=utf-8"},
	})

	for _, reqPath := range []string{"/", "", "/sub", "/sub/"} {
		res, err := s.Serve(context.Background(), "spring/lander/", reqPath, "c1")
		if reqPath == "/sub" || reqPath == "/sub/" {
			// index.html is only appended under the request subpath.
			assert.Equal(t, ErrNotFound, err, reqPath)
			continue
		}
		require.NoError(t, err, reqPath)
		assert.Equal(t, "spring/lander/index.html", res.Key)
		assert.Equal(t, "<html>lp</html>", body(t, res))
		assert.True(t, res.IsText())
	}
}

func TestServeFolderNamesFile(t *testing.T) {
	s, store := newTestServer(map[string]memObject{
		"landers/spring/offer.html": {body: "direct", contentType: "text/html"},
	})

	res, err := s.Serve(context.Background(), "spring/offer.html", "/anything", "c1")
	require.NoError(t, err)
	assert.Equal(t, "spring/offer.html", res.Key)
	// The file key is the only candidate probed in the lander bucket.
	assert.Equal(t, []string{"landers/spring/offer.html"}, store.gets)
}

func TestServeLiteralSubpath(t *testing.T) {
	s, _ := newTestServer(map[string]memObject{
		"landers/spring/lander/terms": {body: "terms", contentType: "text/plain"},
	})

	// Page-like subpath: index.html under it misses, literal key hits.
	res, err := s.Serve(context.Background(), "spring/lander", "/terms", "c1")
	require.NoError(t, err)
	assert.Equal(t, "spring/lander/terms", res.Key)
}

func TestServeAssetDirFallback(t *testing.T) {
	s, store := newTestServer(map[string]memObject{
		"landers/spring/lander/styles/main.css": {body: "body{}", contentType: ""},
	})

	res, err := s.Serve(context.Background(), "spring/lander", "/main.css", "c1")
	require.NoError(t, err)
	assert.Equal(t, "spring/lander/styles/main.css", res.Key)
	assert.Equal(t, "text/css; charset=utf-8", res.ContentType)
	assert.True(t, res.IsText())

	// Literal key is probed before the typed directory.
	assert.Equal(t, "landers/spring/lander/main.css", store.gets[0])
}

func TestServeFlatDirFallback(t *testing.T) {
	s, _ := newTestServer(map[string]memObject{
		"landers/spring/lander/assets/logo.png": {body: "png", contentType: "image/png"},
	})

	res, err := s.Serve(context.Background(), "spring/lander", "/deep/logo.png", "c1")
	require.NoError(t, err)
	assert.Equal(t, "spring/lander/assets/logo.png", res.Key)
	assert.False(t, res.IsText())
}

func TestServeDriveNamespace(t *testing.T) {
	s, _ := newTestServer(map[string]memObject{
		"drives/u1/DRIVE_spring/promo/index.html": {body: "drive", contentType: "text/html"},
	})

	res, err := s.Serve(context.Background(), "spring/lander", "/promo/index.html", "c1")
	require.NoError(t, err)
	assert.Equal(t, "u1/DRIVE_spring/promo/index.html", res.Key)
	assert.Equal(t, "drive", body(t, res))
}

func TestServeDriveSkippedWithoutCampaign(t *testing.T) {
	s, store := newTestServer(nil)

	_, err := s.Serve(context.Background(), "spring/lander", "/x.png", "")
	assert.Equal(t, ErrNotFound, err)
	for _, g := range store.gets {
		assert.False(t, strings.HasPrefix(g, "drives/"))
	}
}

func TestContentTypeDerivation(t *testing.T) {
	s, _ := newTestServer(map[string]memObject{
		"landers/a/f.js":  {body: "x", contentType: "application/octet-stream"},
		"landers/a/f.bin": {body: "x", contentType: ""},
	})

	res, err := s.get(context.Background(), "landers", "a/f.js")
	require.NoError(t, err)
	assert.Equal(t, "application/javascript", res.ContentType)

	res, err = s.get(context.Background(), "landers", "a/f.bin")
	require.NoError(t, err)
	assert.Equal(t, "application/octet-stream", res.ContentType)
}

func TestJoinKey(t *testing.T) {
	assert.Equal(t, "a/b/c", joinKey("/a/", "b", "/c"))
	assert.Equal(t, "a/c", joinKey("a", "", "c"))
}
