package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/dj-oyu/xr-streaming-server/internal/downmsg"
	"github.com/dj-oyu/xr-streaming-server/internal/logger"
	"github.com/dj-oyu/xr-streaming-server/internal/recorder"
	"github.com/dj-oyu/xr-streaming-server/internal/webrtc"
)

// maxOfferSize bounds POST /offer bodies.
const maxOfferSize = 1 << 20

// setupRoutes sets up HTTP routes
func (s *Server) setupRoutes(mux *http.ServeMux) {
	// CORS middleware
	corsMiddleware := func(next http.HandlerFunc) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusOK)
				return
			}

			next(w, r)
		}
	}

	// WebRTC signaling
	mux.HandleFunc("/offer", corsMiddleware(s.handleOffer))
	mux.HandleFunc("/ws", s.webrtc.ServeWS)

	// Recording control
	mux.HandleFunc("/record/start", corsMiddleware(s.handleStartRecording))
	mux.HandleFunc("/record/stop", corsMiddleware(s.handleStopRecording))

	// Loss accounting toggle
	mux.HandleFunc("/loss", corsMiddleware(s.handleLoss))

	mux.HandleFunc("/status", corsMiddleware(s.handleStatus))
	mux.Handle("/preview.jpg", s.preview)
	mux.HandleFunc("/preview.mjpg", s.preview.ServeMJPEG)

	// Operator event feed (SSE)
	mux.Handle("/events", s.events)

	// Health check
	mux.HandleFunc("/health", s.handleHealth)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debug("HTTP", "Response write failed: %v", err)
	}
}

// handleOffer handles WebRTC offer
func (s *Server) handleOffer(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	offerJSON, err := io.ReadAll(io.LimitReader(r.Body, maxOfferSize))
	if err != nil {
		http.Error(w, "Failed to read body", http.StatusBadRequest)
		return
	}

	answerJSON, err := s.webrtc.HandleOffer(offerJSON)
	if errors.Is(err, webrtc.ErrMaxClients) {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	if err != nil {
		logger.Warn("HTTP", "WebRTC offer error: %v", err)
		http.Error(w, fmt.Sprintf("Failed to handle offer: %v", err), http.StatusBadRequest)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(answerJSON)
}

// handleStartRecording handles start recording request
func (s *Server) handleStartRecording(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if err := s.recorder.Start(); err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, recorder.ErrAlreadyRecording) {
			status = http.StatusConflict
		}
		http.Error(w, fmt.Sprintf("Failed to start recording: %v", err), status)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"status":  s.recorder.GetStatus(),
	})
}

// handleStopRecording handles stop recording request
func (s *Server) handleStopRecording(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if err := s.recorder.Stop(); err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, recorder.ErrNotRecording) {
			status = http.StatusConflict
		}
		http.Error(w, fmt.Sprintf("Failed to stop recording: %v", err), status)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"status":  s.recorder.GetStatus(),
	})
}

// handleLoss reports or sets (POST ?enabled=bool) loss accounting.
func (s *Server) handleLoss(w http.ResponseWriter, r *http.Request) {
	loss := s.pipeline.Loss()
	switch r.Method {
	case http.MethodGet:
	case http.MethodPost:
		on, err := strconv.ParseBool(r.URL.Query().Get("enabled"))
		if err != nil {
			http.Error(w, "enabled must be a boolean", http.StatusBadRequest)
			return
		}
		loss.SetEnabled(on)
		logger.Info("HTTP", "Loss accounting enabled=%v", on)
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"enabled":                    loss.Enabled(),
		"downmsg_skipped_per_second": s.metrics.DownMsgSkipRate(),
	})
}

type poolStatus struct {
	Width    uint32 `json:"width"`
	Height   uint32 `json:"height"`
	Format   string `json:"format"`
	Capacity int    `json:"capacity"`
	InUse    int    `json:"in_use"`
}

type streamStatus struct {
	SSRC           uint32 `json:"ssrc"`
	PayloadType    uint8  `json:"payload_type"`
	ExtensionID    uint8  `json:"extension_id"`
	LossAccounting bool   `json:"loss_accounting"`
	HasHeaders     bool   `json:"has_headers"`
}

// handleStatus reports stream, pool, client and recording state.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	var pool *poolStatus
	if s.pool != nil {
		info := s.pool.Info()
		inUse := s.pool.InUse()
		s.metrics.PoolInUse.Store(uint64(inUse))
		pool = &poolStatus{
			Width:    info.Width,
			Height:   info.Height,
			Format:   info.Format.String(),
			Capacity: info.Capacity,
			InUse:    inUse,
		}
	}

	sps, pps := s.encoder.Headers()
	writeJSON(w, http.StatusOK, map[string]any{
		"stream": streamStatus{
			SSRC:           s.pipeline.SSRC(),
			PayloadType:    s.cfg.Stream.PayloadType,
			ExtensionID:    s.cfg.Stream.ExtensionID,
			LossAccounting: s.pipeline.Loss().Enabled(),
			HasHeaders:     len(sps) > 0 && len(pps) > 0,
		},
		"pool":                       pool,
		"clients":                    s.webrtc.GetClientStats(),
		"recording":                  s.recorder.GetStatus(),
		"counters":                   s.metrics.Snapshot(),
		"downmsg_skipped_per_second": s.metrics.DownMsgSkipRate(),
		"max_downmsg_size":           downmsg.MaxDownMessageSize,
	})
}

// handleHealth handles health check
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	health := map[string]any{
		"status":         "ok",
		"webrtc_clients": s.webrtc.GetClientCount(),
		"recording":      s.recorder.IsRecording(),
		"interop":        s.pool != nil,
		"event_clients":  s.events.Subscribers(),
	}
	if nat, ok := s.prober.Last(); ok {
		health["nat"] = nat
	}
	writeJSON(w, http.StatusOK, health)
}
