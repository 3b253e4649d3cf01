package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/lfi-playground/lfi-demo/internal/api"
	"github.com/lfi-playground/lfi-demo/internal/app"
	"github.com/lfi-playground/lfi-demo/internal/config"
	"github.com/lfi-playground/lfi-demo/internal/dispatch"
	"github.com/lfi-playground/lfi-demo/internal/monitoring"
	"github.com/lfi-playground/lfi-demo/internal/telemetry"
	"github.com/lfi-playground/lfi-demo/internal/version"
)

var (
	configPath  = flag.String("config", "supervisor_config.toml", "Path to the supervisor TOML configuration")
	mode        = flag.String("mode", "server", "Run mode: server (HTTP control plane) or cli (print telemetry)")
	listen      = flag.String("listen", "", "Listen address, overrides server.host and server.port")
	showVersion = flag.Bool("version", false, "Print the version and exit")
)

const shutdownTimeout = 2 * time.Second

func main() {
	flag.Parse()

	if *showVersion {
		fmt.Println(version.Get())
		return
	}
	if *mode != "server" && *mode != "cli" {
		log.Fatalf("unknown mode %q, want server or cli", *mode)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	logFile := monitoring.SetupOutput(monitoring.FileOptions{
		Path:       cfg.Logging.File,
		MaxSizeMB:  cfg.Logging.MaxSizeMB,
		MaxBackups: cfg.Logging.MaxBackups,
		MaxAgeDays: cfg.Logging.MaxAgeDays,
	})
	defer logFile.Close()
	log.Printf("starting %s", version.Get())

	drv, err := app.SelectDrivers(cfg)
	if err != nil {
		log.Fatalf("failed to open drivers: %v", err)
	}
	rig, err := app.New(cfg, drv, app.Options{})
	if err != nil {
		log.Fatalf("failed to set up control plane: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Subscribe before Start so the startup log lines are printed.
	printSub := rig.Stream.Subscribe(ctx)

	if err := rig.Start(ctx); err != nil {
		log.Fatalf("failed to start supervisor: %v", err)
	}

	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		printTelemetry(ctx, printSub, *mode == "cli")
		log.Print("telemetry printer terminated")
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		reloadOnHangup(ctx, rig, *configPath)
	}()

	if *mode == "server" {
		wg.Add(1)
		go func() {
			defer wg.Done()
			serveHTTP(ctx, rig, listenAddr(cfg))
		}()
	}

	<-ctx.Done()
	log.Println("shutting down...")
	wg.Wait()
	if err := rig.Close(); err != nil {
		log.Printf("supervisor shutdown error: %v", err)
	}
	log.Printf("Graceful shutdown complete")
}

func listenAddr(cfg *config.Config) string {
	if *listen != "" {
		return *listen
	}
	return cfg.Server.ListenAddr()
}

// printTelemetry prints supervisor log messages, and in cli mode also the
// current readings and target output, until the subscription ends.
func printTelemetry(ctx context.Context, sub *dispatch.Subscription[telemetry.Item], verbose bool) {
	defer sub.Close()
	for {
		select {
		case it, ok := <-sub.C():
			if !ok {
				return
			}
			if line, show := formatItem(it, verbose); show {
				monitoring.Logf("%s", line)
			}
		case <-ctx.Done():
			return
		}
	}
}

func formatItem(it telemetry.Item, verbose bool) (string, bool) {
	switch v := it.(type) {
	case telemetry.LogMessage:
		return fmt.Sprintf("[Supervisor] %s: %s", v.Level, v.Message), true
	case telemetry.Reading:
		if !verbose {
			return "", false
		}
		if v.Current == nil {
			return fmt.Sprintf("[Current] overflow (bus %.3f V)", v.BusVoltage), true
		}
		return fmt.Sprintf("[Current] %.2f mA (bus %.3f V)", *v.Current*1e3, v.BusVoltage), true
	case telemetry.SerialData:
		if !verbose {
			return "", false
		}
		return fmt.Sprintf("[Target] %s: %s", v.Class, v.Text()), true
	case telemetry.EventRecord:
		if !verbose {
			return "", false
		}
		return fmt.Sprintf("[Event] %s", v.Event), true
	}
	return "", false
}

// reloadOnHangup re-reads the configuration file on SIGHUP.
func reloadOnHangup(ctx context.Context, rig *app.Context, path string) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)
	for {
		select {
		case <-hup:
			if err := rig.Reload(path); err != nil {
				log.Printf("config reload failed, keeping current config: %v", err)
				continue
			}
			log.Printf("reloaded config from %s", path)
		case <-ctx.Done():
			return
		}
	}
}

func serveHTTP(ctx context.Context, rig *app.Context, addr string) {
	srv := api.NewServer(api.Options{
		Controller: rig.Supervisor,
		Stream:     rig.Stream,
		Journal:    rig.Journal,
		Camera:     rig.Camera,
	})
	mux := srv.ServeMux()
	srv.AttachDebugRoutes(mux)

	server := &http.Server{
		Addr:    addr,
		Handler: api.LoggingMiddleware(mux),
		// Event streams end with the process context.
		BaseContext: func(net.Listener) context.Context { return ctx },
	}

	go func() {
		log.Printf("HTTP server listening on %s", addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("failed to start server: %v", err)
		}
	}()

	<-ctx.Done()
	log.Println("shutting down HTTP server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("HTTP server shutdown error: %v", err)
		if err := server.Close(); err != nil {
			log.Printf("HTTP server force close error: %v", err)
		}
	}
	log.Printf("HTTP server routine stopped")
}
