package api

import (
	"compress/gzip"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"path/filepath"

	"github.com/tailscale/tailsql/server/tailsql"
	"tailscale.com/tsweb"

	"github.com/lfi-playground/lfi-demo/internal/httputil"
	"github.com/lfi-playground/lfi-demo/internal/telemetry"
	"github.com/lfi-playground/lfi-demo/internal/version"
)

// AttachDebugRoutes mounts the loopback-only /debug/ pages: live SQL over the
// journal, a journal backup, dispatcher statistics and a tail of the
// target's serial output.
func (s *Server) AttachDebugRoutes(mux *http.ServeMux) {
	debug := tsweb.Debugger(mux)
	debug.KV("Version", version.Get().String())
	debug.KVFunc("Laser", func() any { return s.ctl.LaserHardwareType() })
	debug.KVFunc("Healthy", func() any { return s.ctl.Health().Healthy })

	tsql, err := tailsql.NewServer(tailsql.Options{
		RoutePrefix: "/debug/tailsql/",
	})
	if err != nil {
		log.Fatalf("failed to create tailsql server: %v", err)
	}
	tsql.SetDB("sqlite://journal", s.journal.DB(), &tailsql.DBOptions{
		Label: "Supervisor journal",
	})
	debug.Handle("tailsql/", "SQL live debugging", tsql.NewMux())

	debug.HandleFunc("stream-stats", "Event stream subscribers and drop counts", func(w http.ResponseWriter, r *http.Request) {
		httputil.WriteJSONOK(w, s.stream.Stats())
	})

	debug.Handle("backup", "Download a snapshot of the journal", http.HandlerFunc(s.backupJournal))

	debug.HandleSilentFunc("serial-tail", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		sub := s.stream.Subscribe(r.Context())
		defer sub.Close()

		es, err := httputil.NewEventStream(w)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		for {
			select {
			case it, ok := <-sub.C():
				if !ok {
					return
				}
				line, isSerial := it.(telemetry.SerialData)
				if !isSerial {
					continue
				}
				if err := es.Send([]byte(fmt.Sprintf("[%s] %s", line.Class, line.Text()))); err != nil {
					return
				}
			case <-r.Context().Done():
				return
			}
		}
	})
}

func (s *Server) backupJournal(w http.ResponseWriter, r *http.Request) {
	dir, err := os.MkdirTemp("", "lfi-journal-")
	if err != nil {
		http.Error(w, fmt.Sprintf("Failed to create backup dir: %v", err), http.StatusInternalServerError)
		return
	}
	defer func() {
		if err := os.RemoveAll(dir); err != nil {
			log.Printf("Failed to remove backup dir: %v", err)
		}
	}()

	backupPath := filepath.Join(dir, "journal.db")
	if _, err := s.journal.DB().ExecContext(r.Context(), "VACUUM INTO ?", backupPath); err != nil {
		http.Error(w, fmt.Sprintf("Failed to create backup: %v", err), http.StatusInternalServerError)
		return
	}
	backupFile, err := os.Open(backupPath)
	if err != nil {
		http.Error(w, fmt.Sprintf("Failed to open backup file: %v", err), http.StatusInternalServerError)
		return
	}
	defer backupFile.Close()

	w.Header().Set("Content-Disposition", "attachment; filename=journal.db.gz")
	w.Header().Set("Content-Type", "application/gzip")

	gzipWriter := gzip.NewWriter(w)
	defer gzipWriter.Close()
	if _, err := io.Copy(gzipWriter, backupFile); err != nil {
		log.Printf("[API] writing journal backup: %v", err)
	}
}
