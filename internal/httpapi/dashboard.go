package httpapi

import (
	"fmt"
	"net/http"
)

const dashboardHTML = `<!doctype html>
<html lang="en">
<head>
  <meta charset="utf-8" />
  <meta name="viewport" content="width=device-width, initial-scale=1" />
  <title>ordersync ledger</title>
  <style>
    :root {
      --ink: #102223;
      --paper: #f8f4ea;
      --card: #fffdf9;
      --line: #d7cbb3;
      --accent: #1f9d88;
      --danger: #c2483f;
      --muted: #6f7d7d;
    }
    * { box-sizing: border-box; }
    body {
      margin: 0;
      font-family: "Space Grotesk", "Avenir Next", "Segoe UI", sans-serif;
      color: var(--ink);
      background: var(--paper);
      padding: 20px;
    }
    header { display: flex; gap: 12px; align-items: center; margin-bottom: 16px; }
    input { flex: 1; padding: 8px; border: 1px solid var(--line); border-radius: 6px; }
    button { padding: 8px 14px; border: 0; border-radius: 6px; background: var(--accent); color: #fff; cursor: pointer; }
    #status { color: var(--muted); font-size: 0.9em; }
    table { width: 100%; border-collapse: collapse; background: var(--card); }
    th, td { text-align: left; padding: 8px; border-bottom: 1px solid var(--line); font-size: 0.9em; }
    tr.failed td { color: var(--danger); }
    tr.reported td:first-child { border-left: 3px solid var(--accent); }
  </style>
</head>
<body>
  <header>
    <strong>ordersync</strong>
    <input id="token" placeholder="admin token (ledger:read)" />
    <button id="connect">connect</button>
    <span id="status">disconnected</span>
  </header>
  <table>
    <thead>
      <tr><th>shipment</th><th>source order</th><th>tracking</th><th>carrier</th><th>method</th><th>state</th><th>error</th><th>updated</th></tr>
    </thead>
    <tbody id="rows"></tbody>
  </table>
  <script>
    (function () {
      const rows = new Map();
      const dom = {
        token: document.getElementById("token"),
        connect: document.getElementById("connect"),
        status: document.getElementById("status"),
        body: document.getElementById("rows"),
      };
      let socket = null;

      function cell(value) {
        const td = document.createElement("td");
        td.textContent = value || "";
        return td;
      }

      function render() {
        dom.body.replaceChildren();
        const sorted = Array.from(rows.values()).sort((a, b) => (b.updatedAt || "").localeCompare(a.updatedAt || ""));
        for (const s of sorted) {
          const tr = document.createElement("tr");
          tr.className = s.state;
          const status = s.reportStatus || {};
          [s.shipmentId, s.sourceOrderId, s.trackingNumber, s.carrier, s.correlationMethod, s.state, status.error, s.updatedAt]
            .forEach((v) => tr.appendChild(cell(v)));
          dom.body.appendChild(tr);
        }
      }

      function connect() {
        const token = dom.token.value.trim();
        if (!token) {
          dom.status.textContent = "enter token to start";
          return;
        }
        localStorage.setItem("ordersync.token", token);
        if (socket) socket.close();
        rows.clear();
        const scheme = location.protocol === "https:" ? "wss" : "ws";
        socket = new WebSocket(scheme + "://" + location.host + "/v1/ws/ledger?access_token=" + encodeURIComponent(token));
        socket.onopen = () => { dom.status.textContent = "live"; };
        socket.onclose = () => { dom.status.textContent = "disconnected"; };
        socket.onmessage = (event) => {
          const msg = JSON.parse(event.data);
          if (msg.shipment && msg.shipment.shipmentId) {
            rows.set(msg.shipment.shipmentId, msg.shipment);
            render();
          }
        };
      }

      dom.connect.addEventListener("click", connect);
      dom.token.value = localStorage.getItem("ordersync.token") || "";
      if (dom.token.value) connect();
    })();
  </script>
</body>
</html>`

func (s *Server) handleDashboard(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusNotFound, "not_found", "route not found", getCorrelationID(r))
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = fmt.Fprint(w, dashboardHTML)
}
