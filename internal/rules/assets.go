package rules

import (
	"path"
	"strings"
)

// assetExts is the known-asset extension set. Requests ending in one of
// these are asset requests; everything else is page-like and participates
// in params matching and impression emission.
var assetExts = map[string]bool{
	".css": true, ".js": true, ".mjs": true, ".map": true,
	".png": true, ".jpg": true, ".jpeg": true, ".gif": true, ".svg": true,
	".webp": true, ".avif": true, ".ico": true, ".bmp": true,
	".woff": true, ".woff2": true, ".ttf": true, ".otf": true, ".eot": true,
	".mp4": true, ".webm": true, ".ogg": true, ".mp3": true, ".wav": true,
	".json": true, ".xml": true, ".txt": true, ".webmanifest": true,
	".pdf": true, ".zip": true, ".wasm": true,
}

// IsPageLike reports whether a request path represents a page view: the
// root, a directory, an HTML document, or anything without a recognised
// asset extension.
func IsPageLike(p string) bool {
	return !IsAsset(p)
}

// IsAsset reports whether the path ends in a known asset extension.
func IsAsset(p string) bool {
	if p == "" || p == "/" || strings.HasSuffix(p, "/") {
		return false
	}
	ext := strings.ToLower(path.Ext(p))
	if ext == "" || ext == ".html" || ext == ".htm" {
		return false
	}
	return assetExts[ext]
}
