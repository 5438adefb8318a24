package connect

import "html/template"

type relayData struct {
	Origin string
}

// relayPage runs in the consent popup. The connect code arrives in the
// fragment (query as fallback) and is posted to the opener, which must be
// on Origin.
var relayPage = template.Must(template.New("relay").Parse(`<!doctype html>
<html>
<head><meta charset="utf-8"><title>Connecting…</title></head>
<body>
<p id="msg">Finishing up, this window will close.</p>
<script>
(function () {
  var origin = {{.Origin}};
  var raw = window.location.hash ? window.location.hash.substring(1) : window.location.search.substring(1);
  var p = new URLSearchParams(raw);
  var msg = {
    type: "connected-account",
    connect_code: p.get("connect_code"),
    state: p.get("state"),
    error: p.get("error")
  };
  history.replaceState(null, "", window.location.pathname);
  if (!window.opener || !origin) {
    document.getElementById("msg").textContent = "Return to the chat and try connecting again.";
    return;
  }
  window.opener.postMessage(msg, origin);
  window.close();
})();
</script>
</body>
</html>
`))
