package main

import (
	"flag"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/siftdns/siftdns/internal/dns"
	"github.com/siftdns/siftdns/internal/web"
	"github.com/siftdns/siftdns/pkg/logger"
)

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", "configs/config.yaml", "path to config file")
	flag.Parse()

	cfg, err := dns.LoadConfig(configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	if err := logger.Init(cfg.Log); err != nil {
		log.Fatalf("init logger: %v", err)
	}

	server, err := dns.NewServer(cfg)
	if err != nil {
		logger.Fatal("创建服务器失败: %v", err)
	}

	listen := cfg.GetListen()
	for _, proto := range cfg.GetProtocols() {
		switch proto {
		case "udp":
			conn, err := net.ListenPacket("udp", listen)
			if err != nil {
				logger.Fatal("监听 UDP %s 失败: %v", listen, err)
			}
			go server.ServeUDP(conn)
		case "tcp":
			ln, err := net.Listen("tcp", listen)
			if err != nil {
				logger.Fatal("监听 TCP %s 失败: %v", listen, err)
			}
			go server.ServeTCP(ln)
		}
	}
	logger.Info("DNS 服务监听 %s (%s)", listen, strings.Join(cfg.GetProtocols(), "/"))

	// Admin HTTP
	var httpSrv *http.Server
	if cfg.Admin.Listen != "" {
		r := chi.NewRouter()
		web.BindRoutes(r, server, cfg)

		httpSrv = &http.Server{
			Addr:              cfg.Admin.Listen,
			Handler:           r,
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			logger.Info("管理接口监听 %s", cfg.Admin.Listen)
			if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Fatal("管理接口启动失败: %v", err)
			}
		}()
	}

	// SIGHUP 触发全量刷新，SIGTERM/SIGINT 优雅退出
	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, syscall.SIGHUP, syscall.SIGTERM, syscall.SIGINT)
	for s := range sigc {
		switch s {
		case syscall.SIGHUP:
			logger.Info("收到 SIGHUP，刷新全部数据源")
			server.ForceRefresh()
		case syscall.SIGTERM, syscall.SIGINT:
			logger.Info("收到退出信号，正在关闭")
			if httpSrv != nil {
				_ = httpSrv.Close()
			}
			server.Shutdown()
			return
		}
	}
}
