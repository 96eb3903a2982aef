package resolver

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/offerpath/dispatch/internal/kv"
	"github.com/offerpath/dispatch/internal/models"
	"github.com/offerpath/dispatch/internal/rules"
)

// ErrNoBundle is returned when no key along the prefix walk has a value.
// A KV miss is not a failure; the caller serves the 404 page.
var ErrNoBundle = errors.New("resolver: no bundle for host/path")

// Resolver looks up rule bundles by longest matching path prefix and
// collapses weighted default arrays into a single default.
type Resolver struct {
	KV     kv.Store
	Picker *rules.Picker
	Logger *zap.Logger
}

// New constructs a Resolver.
func New(store kv.Store, picker *rules.Picker, logger *zap.Logger) *Resolver {
	return &Resolver{KV: store, Picker: picker, Logger: logger}
}

// Keys returns the probe sequence for a request, most specific first. Each
// path level is tried in both slash forms; the bare host key is probed only
// for the root path.
func Keys(host, path string) []string {
	if path == "" || !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	var keys []string
	cur := path
	for {
		keys = append(keys, host+cur)
		if cur != "/" {
			if strings.HasSuffix(cur, "/") {
				keys = append(keys, host+strings.TrimSuffix(cur, "/"))
			} else {
				keys = append(keys, host+cur+"/")
			}
		}
		if cur == "/" {
			break
		}
		cur = parent(cur)
	}
	if path == "/" {
		keys = append(keys, host)
	}
	return keys
}

// parent strips the last path segment: /a/b/c -> /a/b, /a -> /.
func parent(p string) string {
	p = strings.TrimSuffix(p, "/")
	i := strings.LastIndex(p, "/")
	if i <= 0 {
		return "/"
	}
	return p[:i]
}

// Resolve walks the probe sequence and decodes the first bundle found. The
// matched key is returned alongside: redirect-mode dispatch needs to know
// whether the request path is exactly the rule's path.
func (r *Resolver) Resolve(ctx context.Context, host, path string) (*models.RuleBundle, string, error) {
	for _, key := range Keys(host, path) {
		data, err := r.KV.Get(ctx, key)
		if errors.Is(err, kv.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, "", fmt.Errorf("kv get %q: %w", key, err)
		}
		b, err := models.ParseBundle(data)
		if err != nil {
			// A malformed value is skipped, not fatal: a broken edit to one
			// key must not take down every deeper path.
			r.Logger.Error("malformed bundle", zap.String("key", key), zap.Error(err))
			continue
		}
		return b, key, nil
	}
	return nil, "", ErrNoBundle
}

// ExactPathMatch reports whether the request path equals the path portion of
// the matched key, treating the two slash forms as equal.
func ExactPathMatch(key, host, path string) bool {
	keyPath := strings.TrimPrefix(key, host)
	if keyPath == "" {
		keyPath = "/"
	}
	norm := func(p string) string {
		if p != "/" {
			p = strings.TrimSuffix(p, "/")
		}
		return p
	}
	return norm(keyPath) == norm(path)
}

// CollapseDefaults reduces defaultDestinations / defaultOffers arrays to a
// single defaultFolder+defaultFolderMode by weighted sampling. Offers win
// over destinations when both are present since they are the newer form.
func (r *Resolver) CollapseDefaults(b *models.RuleBundle) {
	if len(b.DefaultOffers) > 0 {
		offer := r.Picker.PickDefaultOffer(b.DefaultOffers)
		b.DefaultFolder = offer.URL
		b.DefaultFolderMode = models.ModeRedirect
		return
	}
	if len(b.DefaultDestinations) > 0 {
		lp := r.Picker.PickDefaultLP(b.DefaultDestinations)
		b.DefaultFolder = lp.Folder
		if lp.Mode != "" {
			b.DefaultFolderMode = lp.Mode
		}
	}
}
