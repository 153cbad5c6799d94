package web

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/siftdns/siftdns/internal/dns"
	"github.com/siftdns/siftdns/pkg/utils"
)

// Api 管理接口，暴露运行状态和手动刷新入口
type Api struct {
	srv   *dns.Server
	cfg   *dns.Config
	token string
}

// BindRoutes 把管理接口挂到路由上。除健康检查和指标外的接口
// 都要求 Bearer 认证，token 为空时放开。
func BindRoutes(r *chi.Mux, srv *dns.Server, cfg *dns.Config) {
	api := &Api{srv: srv, cfg: cfg, token: cfg.Admin.Token}

	// 中间件
	r.Use(middleware.RequestID, middleware.RealIP, middleware.Recoverer, middleware.Timeout(10*time.Second))

	r.Get("/api/health", api.health)
	r.Handle("/metrics", promhttp.Handler())

	r.Group(func(pr chi.Router) {
		pr.Use(api.auth)
		pr.Get("/api/status", api.getStatus)
		pr.Get("/api/rules", api.getRules)
		pr.Get("/api/upstreams", api.getUpstreams)
		pr.Get("/api/zones", api.getZones)
		pr.Get("/api/querylog", api.getQueryLog)
		pr.Post("/api/refresh", api.refresh)
	})
}

func (a *Api) auth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// 如果token为空，跳过认证
		if a.token == "" {
			next.ServeHTTP(w, r)
			return
		}

		h := r.Header.Get("Authorization")
		if !strings.HasPrefix(h, "Bearer ") || strings.TrimPrefix(h, "Bearer ") != a.token {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (a *Api) health(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("content-type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"ok": true})
}

func (a *Api) getStatus(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("content-type", "application/json")

	data := map[string]any{
		"listen":    a.cfg.GetListen(),
		"protocols": a.cfg.GetProtocols(),
		"search":    a.cfg.GetSearch(),
		"uptime":    utils.FormatDuration(time.Since(a.srv.StartTime())),
		"rules":     len(a.srv.Groups()),
		"zones":     len(a.srv.Zones()),
		"upstreams": len(a.srv.Upstreams()),
		"cache":     a.srv.CacheLen(),
		"querylog":  a.srv.QueryLog().Size(),
	}
	_ = json.NewEncoder(w).Encode(data)
}

func (a *Api) getRules(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("content-type", "application/json")

	out := make([]map[string]any, 0, len(a.srv.Groups()))
	for _, g := range a.srv.Groups() {
		f := g.Filter()
		black, white := f.Counts()
		upstreams := make([]string, 0, len(g.Pool()))
		for _, u := range g.Pool() {
			upstreams = append(upstreams, u.Name())
		}
		out = append(out, map[string]any{
			"name":      g.Name(),
			"source":    f.Loader().Source(),
			"black":     black,
			"white":     white,
			"updating":  f.Updating(),
			"last_load": f.Loader().LastLoad(),
			"upstreams": upstreams,
		})
	}
	_ = json.NewEncoder(w).Encode(out)
}

func (a *Api) getUpstreams(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("content-type", "application/json")

	out := make([]map[string]any, 0, len(a.srv.Upstreams()))
	for _, u := range a.srv.Upstreams() {
		out = append(out, map[string]any{
			"name":      u.Name(),
			"addr":      u.Addr(),
			"transport": u.Transport(),
			"priority":  u.Priority(),
			"queue":     u.QueueLen(),
		})
	}
	_ = json.NewEncoder(w).Encode(out)
}

func (a *Api) getZones(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("content-type", "application/json")

	out := make([]map[string]any, 0, len(a.srv.Zones()))
	for _, z := range a.srv.Zones() {
		out = append(out, map[string]any{
			"name":      z.Name(),
			"kind":      z.Kind(),
			"apex":      z.Apex(),
			"records":   z.RecordCount(),
			"source":    z.Loader().Source(),
			"updating":  z.Updating(),
			"last_load": z.Loader().LastLoad(),
		})
	}
	_ = json.NewEncoder(w).Encode(out)
}

// getQueryLog 默认读内存环形缓冲，source=storage 时读持久化后端
func (a *Api) getQueryLog(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("content-type", "application/json")

	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}

	if r.URL.Query().Get("source") == "storage" && a.srv.Store() != nil {
		entries, err := a.srv.Store().LoadRecent(limit)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		_ = json.NewEncoder(w).Encode(entries)
		return
	}
	_ = json.NewEncoder(w).Encode(a.srv.QueryLog().Entries(limit))
}

// refresh 触发后台刷新，带 name 参数时只刷新指定的数据源
func (a *Api) refresh(w http.ResponseWriter, r *http.Request) {
	if name := r.URL.Query().Get("name"); name != "" {
		if !a.srv.ForceRefreshName(name) {
			http.Error(w, "unknown source", http.StatusNotFound)
			return
		}
		w.WriteHeader(http.StatusNoContent)
		return
	}
	a.srv.ForceRefresh()
	w.WriteHeader(http.StatusNoContent)
}
