package ui

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/go-chi/httplog"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"p2p-comments/internal/comment"
	"p2p-comments/internal/engine"
)

// Controller is what the web bridge drives. It stands in for the host shell
// that forwards the displayed URL into the engine.
type Controller interface {
	Snapshot() engine.Snapshot
	Open(ctx context.Context, url string)
	Comment(ctx context.Context, text string) string
	Sync(ctx context.Context)
	Diagnostics() Diagnostics
}

// WebBridgeOptions configures a WebBridge.
type WebBridgeOptions struct {
	Addr       string
	Controller Controller
	// Gatherer backs /metrics. Nil disables the route.
	Gatherer prometheus.Gatherer
	Log      *zap.SugaredLogger
}

// WebBridge exposes the engine over HTTP and pushes table changes over a
// websocket.
type WebBridge struct {
	addr     string
	host     string
	srv      *http.Server
	ctl      Controller
	log      *zap.SugaredLogger
	upgrader websocket.Upgrader
	handler  http.Handler

	ctx    context.Context
	cancel context.CancelFunc

	clientsMu sync.Mutex
	clients   map[*websocket.Conn]struct{}
}

type webEvent struct {
	Kind        string           `json:"kind"`
	Table       *engine.Snapshot `json:"table,omitempty"`
	Text        string           `json:"text,omitempty"`
	Diagnostics *Diagnostics     `json:"diagnostics,omitempty"`
}

// maxBodyBytes fits a JSON body carrying comment.MaxTextBytes of text even
// when every character is escaped.
const maxBodyBytes = 8 * comment.MaxTextBytes

func NewWebBridge(opts WebBridgeOptions) *WebBridge {
	log := opts.Log
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	ctx, cancel := context.WithCancel(context.Background())
	wb := &WebBridge{
		addr:    opts.Addr,
		ctl:     opts.Controller,
		log:     log,
		ctx:     ctx,
		cancel:  cancel,
		clients: make(map[*websocket.Conn]struct{}),
		upgrader: websocket.Upgrader{CheckOrigin: sameOrigin},
	}
	if host, _, err := net.SplitHostPort(opts.Addr); err == nil {
		wb.host = host
	}

	r := chi.NewRouter()
	r.Use(cors.Handler(cors.Options{
		AllowOriginFunc: func(r *http.Request, _ string) bool { return sameOrigin(r) },
		AllowedMethods:  []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:  []string{"Accept", "Content-Type"},
		MaxAge:          300,
	}))
	r.Use(wb.localOnly)
	r.Get("/", wb.handleIndex)
	r.Route("/api", func(r chi.Router) {
		r.Get("/table", wb.handleTable)
		r.Post("/url", wb.handleURL)
		r.Post("/comments", wb.handleComment)
		r.Post("/sync", wb.handleSync)
		r.Get("/diagnostics", wb.handleDiagnostics)
	})
	r.Get("/ws", wb.handleWS)
	if opts.Gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(opts.Gatherer, promhttp.HandlerOpts{}))
	}

	reqLog := httplog.NewLogger("p2p-comments-web", httplog.Options{JSON: true, Concise: true})
	wb.handler = httplog.RequestLogger(reqLog)(r)
	wb.srv = &http.Server{Addr: opts.Addr, Handler: wb.handler, ReadHeaderTimeout: 5 * time.Second}
	return wb
}

// localOnly refuses requests addressed to a host name other than localhost or
// the configured listen host, which is what a DNS-rebound page would send, and
// state-changing requests a browser made on behalf of another origin.
func (wb *WebBridge) localOnly(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !wb.trustedHost(r.Host) {
			http.Error(w, "host not allowed", http.StatusForbidden)
			return
		}
		if r.Method != http.MethodGet && r.Method != http.MethodHead && !sameOrigin(r) {
			http.Error(w, "cross-origin request refused", http.StatusForbidden)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (wb *WebBridge) trustedHost(hostport string) bool {
	host := hostport
	if h, _, err := net.SplitHostPort(hostport); err == nil {
		host = h
	}
	host = strings.Trim(host, "[]")
	switch {
	case host == "" || strings.EqualFold(host, "localhost"):
		return true
	case net.ParseIP(host) != nil:
		return true
	default:
		return wb.host != "" && strings.EqualFold(host, wb.host)
	}
}

// sameOrigin accepts requests without an Origin header (curl, scripts) and
// browser requests whose Origin names the host they were sent to.
func sameOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	return strings.EqualFold(u.Host, r.Host)
}

// Handler exposes the router, mainly for tests.
func (wb *WebBridge) Handler() http.Handler { return wb.handler }

// Run serves until ctx is done.
func (wb *WebBridge) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", wb.addr)
	if err != nil {
		return errors.Wrapf(err, "web listen %s", wb.addr)
	}
	wb.addr = ln.Addr().String()
	go func() {
		<-ctx.Done()
		wb.Close()
	}()
	wb.log.Infow("web ui listening", "url", "http://"+wb.addr)
	if err := wb.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return errors.Wrap(err, "web serve")
	}
	return nil
}

func (wb *WebBridge) Close() {
	wb.cancel()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_ = wb.srv.Shutdown(shutdownCtx)
	wb.clientsMu.Lock()
	for conn := range wb.clients {
		_ = conn.Close()
		delete(wb.clients, conn)
	}
	wb.clientsMu.Unlock()
}

// Addr exposes the bound address.
func (wb *WebBridge) Addr() string {
	return wb.addr
}

func (wb *WebBridge) handleIndex(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write([]byte(indexHTML))
}

func (wb *WebBridge) handleTable(w http.ResponseWriter, _ *http.Request) {
	wb.writeJSON(w, http.StatusOK, wb.ctl.Snapshot())
}

func (wb *WebBridge) handleDiagnostics(w http.ResponseWriter, _ *http.Request) {
	wb.writeJSON(w, http.StatusOK, wb.ctl.Diagnostics())
}

type urlRequest struct {
	URL string `json:"url"`
}

// handleURL switches the active discussion. The rebuild can wait on network
// fetches, so it runs in the background and the request returns 202.
func (wb *WebBridge) handleURL(w http.ResponseWriter, r *http.Request) {
	var req urlRequest
	if err := wb.decode(w, r, &req); err != nil {
		http.Error(w, "invalid body", http.StatusBadRequest)
		return
	}
	req.URL = strings.TrimSpace(req.URL)
	if req.URL == "" {
		http.Error(w, "url required", http.StatusBadRequest)
		return
	}
	go wb.ctl.Open(wb.ctx, req.URL)
	wb.writeJSON(w, http.StatusAccepted, req)
}

type commentRequest struct {
	Text string `json:"text"`
}

func (wb *WebBridge) handleComment(w http.ResponseWriter, r *http.Request) {
	var req commentRequest
	if err := wb.decode(w, r, &req); err != nil {
		http.Error(w, "invalid body", http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(req.Text) == "" {
		http.Error(w, "text required", http.StatusBadRequest)
		return
	}
	if err := comment.CheckText(req.Text); err != nil {
		http.Error(w, err.Error(), http.StatusRequestEntityTooLarge)
		return
	}
	cid := wb.ctl.Comment(r.Context(), req.Text)
	if cid == "" {
		http.Error(w, "no active discussion", http.StatusConflict)
		return
	}
	wb.writeJSON(w, http.StatusCreated, map[string]string{"cid": cid})
}

func (wb *WebBridge) handleSync(w http.ResponseWriter, _ *http.Request) {
	go wb.ctl.Sync(wb.ctx)
	w.WriteHeader(http.StatusAccepted)
}

func (wb *WebBridge) decode(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	return json.NewDecoder(r.Body).Decode(v)
}

func (wb *WebBridge) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		wb.log.Debugw("json write", "error", err)
	}
}

func (wb *WebBridge) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := wb.upgrader.Upgrade(w, r, nil)
	if err != nil {
		wb.log.Debugw("ws upgrade", "error", err)
		return
	}
	snap := wb.ctl.Snapshot()
	wb.clientsMu.Lock()
	wb.clients[conn] = struct{}{}
	wb.writeLocked(conn, webEvent{Kind: "table", Table: &snap})
	wb.clientsMu.Unlock()
	go wb.readLoop(conn)
}

// readLoop treats every text frame as a comment.
func (wb *WebBridge) readLoop(conn *websocket.Conn) {
	defer wb.unregister(conn)
	conn.SetReadLimit(maxBodyBytes)
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		text := strings.TrimSpace(string(data))
		if text == "" || comment.CheckText(text) != nil {
			continue
		}
		wb.ctl.Comment(wb.ctx, text)
	}
}

func (wb *WebBridge) unregister(conn *websocket.Conn) {
	wb.clientsMu.Lock()
	delete(wb.clients, conn)
	wb.clientsMu.Unlock()
	_ = conn.Close()
}

func (wb *WebBridge) sendEvent(evt webEvent) {
	wb.clientsMu.Lock()
	defer wb.clientsMu.Unlock()
	for conn := range wb.clients {
		wb.writeLocked(conn, evt)
	}
}

func (wb *WebBridge) writeLocked(conn *websocket.Conn, evt webEvent) {
	data, err := json.Marshal(evt)
	if err != nil {
		wb.log.Warnw("web event encode", "error", err)
		return
	}
	_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		wb.log.Debugw("web send", "error", err)
		delete(wb.clients, conn)
		_ = conn.Close()
	}
}

func (wb *WebBridge) ShowTable(snap engine.Snapshot) {
	wb.sendEvent(webEvent{Kind: "table", Table: &snap})
}

func (wb *WebBridge) ShowSystem(text string) {
	wb.sendEvent(webEvent{Kind: "system", Text: text})
}

func (wb *WebBridge) UpdateDiagnostics(d Diagnostics) {
	wb.sendEvent(webEvent{Kind: "diagnostics", Diagnostics: &d})
}

const indexHTML = `<!doctype html>
<html>
<head><meta charset="utf-8"><title>p2p comments</title>
<style>
body{font-family:sans-serif;max-width:48rem;margin:2rem auto}
li{margin:.3rem 0}.from{color:#a60}.sys{color:#080}
</style></head>
<body>
<form id="open"><input id="url" size="50" placeholder="discussion url"><button>open</button></form>
<h3 id="title">no discussion</h3>
<ul id="comments"></ul>
<form id="add"><input id="text" size="50" placeholder="comment"><button>post</button>
<button type="button" id="sync">sync</button></form>
<p id="diag"></p>
<script>
const post=(p,b)=>fetch(p,{method:"POST",headers:{"Content-Type":"application/json"},body:JSON.stringify(b||{})});
document.getElementById("open").onsubmit=e=>{e.preventDefault();post("/api/url",{url:document.getElementById("url").value})};
document.getElementById("add").onsubmit=e=>{e.preventDefault();const t=document.getElementById("text");post("/api/comments",{text:t.value});t.value=""};
document.getElementById("sync").onclick=()=>post("/api/sync");
const ws=new WebSocket((location.protocol==="https:"?"wss://":"ws://")+location.host+"/ws");
ws.onmessage=m=>{const e=JSON.parse(m.data);
 if(e.kind==="table"){document.getElementById("title").textContent=e.table.url||"no discussion";
  const ul=document.getElementById("comments");ul.innerHTML="";
  for(const c of e.table.comments||[]){const li=document.createElement("li");
   li.innerHTML='<span class="from"></span>: <span></span>';
   li.children[0].textContent=c.comment.from.slice(0,12);li.children[1].textContent=c.comment.text;ul.appendChild(li);}}
 if(e.kind==="diagnostics"){document.getElementById("diag").textContent=
  (e.diagnostics.peers||[]).length+" peers, "+(e.diagnostics.subscribers||[]).length+" subscribers"}};
</script>
</body>
</html>
`
