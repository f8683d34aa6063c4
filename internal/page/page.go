package page

import (
	"html"
	"io"
)

// Write renders a standalone reader page around readerHTML. With live set, the page
// opens a websocket to /ws and refreshes the reader from /reader on every event.
func Write(w io.StringWriter, title, readerHTML string, live bool) {
	if title == "" {
		title = "Reader"
	}

	_, _ = w.WriteString(`<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="UTF-8">
<meta name="viewport" content="width=device-width, initial-scale=1.0">
<title>`)
	_, _ = w.WriteString(html.EscapeString(title))
	_, _ = w.WriteString(`</title>
<link rel="icon" href="data:,">
<style>
* { box-sizing: border-box; }
body {
  margin: 0;
  background: #eae8e2;
  color: #2c2c2c;
  font-family: "Iowan Old Style", "Palatino Linotype", Palatino, serif;
}
#rb-root {
  max-width: min(80vw, 760px);
  margin: 3rem auto;
  padding: 2.5rem 3rem;
  background: #f7f5f0;
  border-radius: 12px;
  box-shadow: 0 8px 32px rgba(0, 0, 0, 0.08);
  line-height: 1.75;
  font-size: 19px;
}
.reader-title { font-size: 2rem; line-height: 1.25; margin: 0 0 1.5rem; }
.rb-content img { max-width: 100%; height: auto; }
mark.ai-highlight {
  background: linear-gradient(180deg, transparent 55%, rgba(255, 214, 102, 0.65) 55%);
  color: inherit;
  padding: 0 1px;
  animation: rb-fade 0.6s ease-in;
}
mark.user-highlight {
  background: rgba(139, 195, 74, 0.35);
  color: inherit;
  border-radius: 2px;
}
.rb-bionic strong { font-weight: 600; color: inherit; background: none; }
mark.ai-highlight strong { background: none; color: inherit; }
.rb-rewrite-overlay {
  display: block;
  margin-top: 0.5rem;
  padding: 0.5rem 0.75rem;
  border-left: 3px solid #8b7355;
  background: rgba(139, 115, 85, 0.08);
  font-family: "Inter", "Segoe UI", sans-serif;
}
@keyframes rb-fade { from { background-color: rgba(255, 214, 102, 0); } }
@media (max-width: 767px) {
  #rb-root { max-width: 100%; margin: 0; border-radius: 0; padding: 1.5rem; }
}
</style>
</head>
<body>
<main id="rb-root">
`)
	_, _ = w.WriteString(readerHTML)
	_, _ = w.WriteString("\n</main>\n")

	if live {
		_, _ = w.WriteString(`<script>
(function () {
  const root = document.getElementById("rb-root");
  let pending = false;

  function refresh() {
    if (pending) {
      return;
    }
    pending = true;
    setTimeout(function () {
      fetch("/reader").then(function (resp) { return resp.text(); }).then(function (body) {
        root.innerHTML = body;
      }).finally(function () { pending = false; });
    }, 50);
  }

  const proto = location.protocol === "https:" ? "wss://" : "ws://";
  const ws = new WebSocket(proto + location.host + "/ws");
  ws.onmessage = function (msg) {
    try {
      const ev = JSON.parse(msg.data);
      if (ev.type) {
        refresh();
      }
    } catch (_) {}
  };
  window.readerbites = {
    send: function (action, fields) {
      ws.send(JSON.stringify(Object.assign({ action: action }, fields || {})));
    },
  };
  document.addEventListener("mouseup", function () {
    const text = String(window.getSelection() || "").trim();
    if (text.length >= 10) {
      window.readerbites.send("addManualHighlight", { text: text });
    }
  });
})();
</script>
`)
	}
	_, _ = w.WriteString("</body>\n</html>\n")
}
