package dispatch

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
)

// acceptCH is attached to every HTML response so subsequent requests carry
// high-entropy client hints.
const acceptCH = "sec-ch-ua, sec-ch-ua-mobile, sec-ch-ua-platform, " +
	"sec-ch-ua-platform-version, sec-ch-ua-full-version-list, " +
	"sec-ch-ua-model, sec-ch-ua-arch"

// noCache is set on every redirect so intermediaries never replay a stale
// destination.
const noCache = "no-cache, no-store, must-revalidate"

const notFoundPage = `<!doctype html>
<html lang="en">
<head><meta charset="utf-8"><title>Not Found</title></head>
<body><h1>404</h1><p>The page you are looking for could not be found.</p></body>
</html>
`

// detectScript is injected before </body> on HTML responses. It reports
// screen geometry, GPU and high-entropy UA data back to /t/enrich keyed by
// the impression ID, via sendBeacon so navigation is never delayed.
const detectScript = `<script>
(function(){
  try {
    var d = {
      impressionId: "%IMPRESSION_ID%",
      screen: screen.width + "x" + screen.height,
      dpr: String(window.devicePixelRatio || 1),
      tz: Intl.DateTimeFormat().resolvedOptions().timeZone || ""
    };
    try {
      var c = document.createElement("canvas");
      var gl = c.getContext("webgl") || c.getContext("experimental-webgl");
      if (gl) {
        var ext = gl.getExtension("WEBGL_debug_renderer_info");
        if (ext) d.gpu = gl.getParameter(ext.UNMASKED_RENDERER_WEBGL);
      }
    } catch (e) {}
    var send = function(){ navigator.sendBeacon("/t/enrich", JSON.stringify(d)); };
    if (navigator.userAgentData && navigator.userAgentData.getHighEntropyValues) {
      navigator.userAgentData.getHighEntropyValues(["model","platformVersion","architecture"])
        .then(function(h){
          d.model = h.model || "";
          d.osVersion = h.platformVersion || "";
          d.arch = h.architecture || "";
          send();
        }).catch(send);
    } else {
      send();
    }
  } catch (e) {}
})();
</script>`

// beaconRedirectPage is served instead of a plain 302 when the request's
// device signals are too thin to trust. It beacons the enrichment payload
// and then navigates.
const beaconRedirectPage = `<!doctype html>
<html lang="en">
<head><meta charset="utf-8"><title>Redirecting</title></head>
<body>
%DETECT_SCRIPT%
<script>location.href = %TARGET%;</script>
</body>
</html>
`

// injectBeforeBody splices snippet in front of the final </body> tag. Pages
// without one get the snippet appended.
func injectBeforeBody(html, snippet string) string {
	idx := strings.LastIndex(strings.ToLower(html), "</body>")
	if idx < 0 {
		return html + snippet
	}
	return html[:idx] + snippet + html[idx:]
}

func (s *Server) serveNotFound(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusNotFound)
	_, _ = w.Write([]byte(notFoundPage))
}

func detectScriptFor(impressionID string) string {
	return strings.ReplaceAll(detectScript, "%IMPRESSION_ID%", impressionID)
}

// writeEmbedDocument answers an embed request with a JavaScript carrier: a
// script include cannot execute an HTML body, so the rendered page is written
// into the including document instead.
func writeEmbedDocument(w http.ResponseWriter, status int, html string) {
	w.Header().Set("Content-Type", "application/javascript")
	w.WriteHeader(status)
	_, _ = fmt.Fprintf(w, "document.write(%s);\n", strconv.Quote(html))
}
