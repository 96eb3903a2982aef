package hosted

import (
	"context"
	"fmt"
	"io"
	"path"
	"strings"

	"go.uber.org/zap"

	"github.com/offerpath/dispatch/internal/rules"
)

// contentTypes maps file extensions onto the Content-Type served when the
// stored object carries none.
var contentTypes = map[string]string{
	".html":  "text/html; charset=utf-8",
	".htm":   "text/html; charset=utf-8",
	".css":   "text/css; charset=utf-8",
	".js":    "application/javascript",
	".mjs":   "application/javascript",
	".json":  "application/json",
	".xml":   "application/xml",
	".txt":   "text/plain; charset=utf-8",
	".svg":   "image/svg+xml",
	".png":   "image/png",
	".jpg":   "image/jpeg",
	".jpeg":  "image/jpeg",
	".gif":   "image/gif",
	".webp":  "image/webp",
	".avif":  "image/avif",
	".ico":   "image/x-icon",
	".woff":  "font/woff",
	".woff2": "font/woff2",
	".ttf":   "font/ttf",
	".otf":   "font/otf",
	".eot":   "application/vnd.ms-fontobject",
	".mp4":   "video/mp4",
	".webm":  "video/webm",
	".mp3":   "audio/mpeg",
	".pdf":   "application/pdf",
	".wasm":  "application/wasm",
	".map":   "application/json",
}

// assetDirFallbacks maps an asset extension onto the conventional directory
// landers keep those assets in, tried when the literal key misses.
var assetDirFallbacks = map[string][]string{
	".css":   {"styles", "css"},
	".js":    {"scripts", "js"},
	".mjs":   {"scripts", "js"},
	".png":   {"images", "img"},
	".jpg":   {"images", "img"},
	".jpeg":  {"images", "img"},
	".gif":   {"images", "img"},
	".webp":  {"images", "img"},
	".svg":   {"images", "img"},
	".ico":   {"images", "img"},
	".woff":  {"fonts"},
	".woff2": {"fonts"},
	".ttf":   {"fonts"},
	".otf":   {"fonts"},
}

// flatFallbackDirs are tried for any asset extension after the typed
// directories miss.
var flatFallbackDirs = []string{"assets", "static", "files", "_files"}

// UserLookup resolves the owning user of a campaign, for the drive
// namespace. Implemented by the control-plane reader.
type UserLookup interface {
	UserIDForCampaign(ctx context.Context, campaignID string) (string, error)
}

// Server resolves folder-relative paths against the lander bucket with the
// index and asset-directory fallback chain, then the per-user drive bucket.
type Server struct {
	Store       BlobStore
	Bucket      string
	DriveBucket string
	Users       UserLookup
	Logger      *zap.Logger
}

// Result is one served object plus the resolved content type.
type Result struct {
	Body        io.ReadCloser
	ContentType string
	Key         string
}

// IsText reports whether the body should pass through macro expansion.
func (r *Result) IsText() bool {
	return strings.HasPrefix(r.ContentType, "text/html") ||
		strings.HasPrefix(r.ContentType, "text/css")
}

// Serve resolves reqPath under folder and returns the first blob found
// along the fallback chain. campaignID scopes the drive-namespace lookup.
func (s *Server) Serve(ctx context.Context, folder, reqPath, campaignID string) (*Result, error) {
	for _, key := range s.candidates(folder, reqPath) {
		res, err := s.get(ctx, s.Bucket, key)
		if err == ErrNotFound {
			continue
		}
		return res, err
	}

	if res, err := s.serveDrive(ctx, folder, reqPath, campaignID); err != ErrNotFound {
		return res, err
	}
	return nil, ErrNotFound
}

// candidates builds the ordered key list for the lander bucket.
func (s *Server) candidates(folder, reqPath string) []string {
	base := strings.Trim(folder, "/")
	sub := strings.TrimPrefix(reqPath, "/")

	// A folder that names a file directly serves that file.
	if ext := strings.ToLower(path.Ext(base)); ext != "" && contentTypes[ext] != "" {
		return []string{base}
	}

	var keys []string
	if sub == "" || strings.HasSuffix(reqPath, "/") || rules.IsPageLike(reqPath) {
		keys = append(keys, joinKey(base, sub, "index.html"))
	}
	if sub != "" {
		keys = append(keys, joinKey(base, sub))
	}

	ext := strings.ToLower(path.Ext(sub))
	if ext != "" && !rules.IsPageLike(reqPath) {
		name := path.Base(sub)
		for _, dir := range assetDirFallbacks[ext] {
			keys = append(keys, joinKey(base, dir, name))
		}
		for _, dir := range flatFallbackDirs {
			keys = append(keys, joinKey(base, dir, name))
		}
	}
	return keys
}

// serveDrive retries the request path against the campaign owner's drive
// namespace: {userId}/DRIVE_{driveName}/{subpath}.
func (s *Server) serveDrive(ctx context.Context, folder, reqPath, campaignID string) (*Result, error) {
	if s.Users == nil || campaignID == "" {
		return nil, ErrNotFound
	}
	userID, err := s.Users.UserIDForCampaign(ctx, campaignID)
	if err != nil || userID == "" {
		if err != nil {
			s.Logger.Warn("drive user lookup failed",
				zap.String("campaign_id", campaignID), zap.Error(err))
		}
		return nil, ErrNotFound
	}

	driveName := strings.Trim(folder, "/")
	if i := strings.IndexByte(driveName, '/'); i > 0 {
		driveName = driveName[:i]
	}
	sub := strings.TrimPrefix(reqPath, "/")
	if sub == "" {
		sub = "index.html"
	}
	key := fmt.Sprintf("%s/DRIVE_%s/%s", userID, driveName, sub)
	return s.get(ctx, s.DriveBucket, key)
}

func (s *Server) get(ctx context.Context, bucket, key string) (*Result, error) {
	blob, err := s.Store.Get(ctx, bucket, key)
	if err != nil {
		return nil, err
	}
	ct := blob.ContentType
	if ct == "" || ct == "application/octet-stream" || ct == "binary/octet-stream" {
		if derived, ok := contentTypes[strings.ToLower(path.Ext(key))]; ok {
			ct = derived
		} else if ct == "" {
			ct = "application/octet-stream"
		}
	}
	return &Result{Body: blob.Body, ContentType: ct, Key: key}, nil
}

func joinKey(parts ...string) string {
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.Trim(p, "/")
		if p != "" {
			out = append(out, p)
		}
	}
	return strings.Join(out, "/")
}
