package main

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/spf13/cobra"

	"github.com/vorteil/flogfs/pkg/flogfs"
)

var flagServeAddr string

// serveCmd mounts a volume and keeps it open, exposing its DeviceInfo
// and Metrics as JSON over HTTP for as long as the process runs — the
// shape a daemon that keeps a volume mounted wants for monitoring,
// rather than having to shell out to `info` on a timer.
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "mount a volume and serve its status/metrics over HTTP until interrupted",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()
		fs, closeDrv, err := openMounted(ctx)
		if err != nil {
			return err
		}
		defer closeDrv()

		http.HandleFunc("/status", statusHandler(fs))
		log.Infof("serving status/metrics on %s", flagServeAddr)
		return http.ListenAndServe(flagServeAddr, nil)
	},
}

func init() {
	serveCmd.Flags().StringVar(&flagServeAddr, "addr", ":7476", "address to serve the status/metrics endpoint on")
}

type statusResponse struct {
	Device  flogfs.DeviceInfo `json:"device"`
	Metrics flogfs.Metrics    `json:"metrics"`
}

func statusHandler(fs *flogfs.FS) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		dev, err := fs.DeviceInfo(r.Context())
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(statusResponse{Device: dev, Metrics: fs.Metrics.Snapshot()})
	}
}
