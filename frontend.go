package main

import (
	"html/template"
	"net/http"
	"time"
)

// Minimal embedded admin UI: pool table, monitor/fallback toggles, recent
// errors. Everything talks to the JSON API; mutating buttons prompt for the
// admin token once and keep it in sessionStorage.
var adminPageTemplate = template.Must(template.New("admin").Parse(`<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<title>pplx pool</title>
<style>
  body { font-family: ui-monospace, monospace; margin: 2rem; background: #101418; color: #d8dee9; }
  h1 { font-size: 1.2rem; }
  table { border-collapse: collapse; width: 100%; margin: 1rem 0; }
  th, td { text-align: left; padding: 0.4rem 0.8rem; border-bottom: 1px solid #2a313a; }
  .state-normal { color: #a3be8c; }
  .state-exhausted { color: #ebcb8b; }
  .state-offline { color: #bf616a; }
  .state-unknown { color: #81a1c1; }
  button { background: #2a313a; color: #d8dee9; border: 1px solid #3b4252; padding: 0.2rem 0.6rem; cursor: pointer; }
  #errors li { color: #bf616a; font-size: 0.85rem; }
  .meta { color: #4c566a; font-size: 0.8rem; }
</style>
</head>
<body>
<h1>pplx pool gateway</h1>
<p class="meta">uptime {{.Uptime}} &middot; {{.Total}} clients &middot; generated {{.GeneratedAt}}</p>
<table id="clients">
  <thead><tr><th>id</th><th>state</th><th>enabled</th><th>pro left</th><th>requests</th><th>fails</th><th>backoff</th><th></th></tr></thead>
  <tbody></tbody>
</table>
<p>
  <button onclick="testAll()">test all</button>
  <button onclick="refresh()">refresh</button>
</p>
<h1>recent errors</h1>
<ul id="errors"></ul>
<script>
function token() {
  let t = sessionStorage.getItem('admin_token');
  if (!t) { t = prompt('admin token'); sessionStorage.setItem('admin_token', t); }
  return t;
}
async function api(path, body) {
  const opts = body !== undefined
    ? {method: 'POST', headers: {'Authorization': 'Bearer ' + token()}, body: JSON.stringify(body)}
    : {};
  const resp = await fetch(path, opts);
  return resp.json();
}
async function refresh() {
  const st = await api('/pool/status');
  const tbody = document.querySelector('#clients tbody');
  tbody.innerHTML = '';
  for (const c of st.clients || []) {
    const pro = c.rate_limits && c.rate_limits.pro_remaining !== null && c.rate_limits.pro_remaining !== undefined
      ? c.rate_limits.pro_remaining : '?';
    const row = document.createElement('tr');
    row.innerHTML = '<td>' + c.id + '</td>'
      + '<td class="state-' + c.state + '">' + c.state + '</td>'
      + '<td>' + c.enabled + '</td>'
      + '<td>' + pro + '</td>'
      + '<td>' + c.request_count + '</td>'
      + '<td>' + c.fail_count + '</td>'
      + '<td>' + (c.next_available_at || '-') + '</td>'
      + '<td><button onclick="act(\'' + (c.enabled ? 'disable' : 'enable') + '\',\'' + c.id + '\')">'
      + (c.enabled ? 'disable' : 'enable') + '</button> '
      + '<button onclick="act(\'reset\',\'' + c.id + '\')">reset</button></td>';
    tbody.appendChild(row);
  }
  const errs = await api('/errors/recent');
  const ul = document.getElementById('errors');
  ul.innerHTML = '';
  for (const e of errs.failures || []) {
    const li = document.createElement('li');
    li.textContent = e.at + ' [' + e.client_id + '] ' + e.kind + ': ' + e.message;
    ul.appendChild(li);
  }
}
async function act(action, id) { await api('/pool/' + action, {id: id}); refresh(); }
async function testAll() { await api('/monitor/test', {}); refresh(); }
refresh();
setInterval(refresh, 15000);
</script>
</body>
</html>
`))

func (h *serverHandler) serveAdminPage(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	data := struct {
		Uptime      string
		Total       int
		GeneratedAt string
	}{
		Uptime:      time.Since(h.startTime).Round(time.Second).String(),
		Total:       h.pool.count(),
		GeneratedAt: time.Now().UTC().Format(time.RFC3339),
	}
	if err := adminPageTemplate.Execute(w, data); err != nil {
		http.Error(w, "template error", http.StatusInternalServerError)
	}
}
