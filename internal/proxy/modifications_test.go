package proxy

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/offerpath/dispatch/internal/models"
)

func mods(t *testing.T, raw string) []models.Modification {
	t.Helper()
	var out []models.Modification
	require.NoError(t, json.Unmarshal([]byte(raw), &out))
	return out
}

func TestApplyModifications(t *testing.T) {
	body := []byte(`<html><head></head><body>
		<h1>Old Title</h1>
		<p class="sub">keep</p>
		<img id="hero" src="a.png">
		<div class="ad">gone</div>
	</body></html>`)

	out, err := ApplyModifications(body, mods(t, `[
		{"selector": "h1", "action": "setText", "value": "New Title"},
		{"selector": "p.sub", "action": "setHtml", "value": "<b>bold</b>"},
		{"selector": "#hero", "action": "setAttribute", "value": {"name": "alt", "value": "hero"}},
		{"selector": ".ad", "action": "remove"}
	]`))
	require.NoError(t, err)

	s := string(out)
	assert.Contains(t, s, "<h1>New Title</h1>")
	assert.Contains(t, s, "<b>bold</b>")
	assert.Contains(t, s, `alt="hero"`)
	assert.NotContains(t, s, "gone")
}

func TestApplyModificationsSetCSSMerges(t *testing.T) {
	body := []byte(`<html><body><div id="x" style="color: red">t</div><div id="y">u</div></body></html>`)

	out, err := ApplyModifications(body, mods(t, `[
		{"selector": "#x", "action": "setCss", "value": "display: none"},
		{"selector": "#y", "action": "setCss", "value": "color: blue"}
	]`))
	require.NoError(t, err)

	s := string(out)
	assert.Contains(t, s, `style="color: red; display: none"`)
	assert.Contains(t, s, `style="color: blue"`)
}

func TestApplyModificationsUnknownActionAndSelector(t *testing.T) {
	body := []byte(`<html><body><p>stay</p></body></html>`)
	out, err := ApplyModifications(body, mods(t, `[
		{"selector": "p", "action": "explode", "value": "x"},
		{"selector": ".missing", "action": "setText", "value": "x"}
	]`))
	require.NoError(t, err)
	assert.Contains(t, string(out), "<p>stay</p>")
}
