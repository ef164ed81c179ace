package macdengine

import (
	"encoding/json"
	"errors"
	"net/http"

	"macd-systemv1/internal/indicator"
	"macd-systemv1/internal/metrics"
)

// Handler returns the HTTP API:
//
//	POST /reset?symbol=   reset one symbol, or all when symbol is empty or "*"
//	GET  /latest?symbol=  last confirmed result
//	GET  /symbols         tracked symbols and their observation counts
//	GET  /ws              websocket result feed
//	GET  /missed          replay of recent results by sequence number
//	GET  /metrics, /healthz
func (svc *Service) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/reset", svc.handleReset)
	mux.HandleFunc("/latest", svc.handleLatest)
	mux.HandleFunc("/symbols", svc.handleSymbols)
	mux.HandleFunc("/ws", svc.hub.ServeWS)
	mux.HandleFunc("/missed", svc.hub.ServeMissed)
	metrics.Mount(mux, svc.reg, svc.health)
	return mux
}

func (svc *Service) handleReset(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "POST only", http.StatusMethodNotAllowed)
		return
	}
	symbol := r.URL.Query().Get("symbol")
	n, err := svc.proc.Reset(r.Context(), symbol)
	switch {
	case errors.Is(err, indicator.ErrUnknownSymbol):
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	case err != nil:
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}

	svc.prom.ResetsTotal.WithLabelValues("http").Inc()
	svc.log.Info("reset", "symbol", symbol, "composers", n, "source", "http")
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status": "ok",
		"symbol": symbol,
		"reset":  n,
	})
}

func (svc *Service) handleLatest(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "GET only", http.StatusMethodNotAllowed)
		return
	}
	symbol := r.URL.Query().Get("symbol")
	if symbol == "" {
		http.Error(w, "symbol is required", http.StatusBadRequest)
		return
	}

	if res, ok := svc.hub.Latest(symbol); ok {
		writeJSON(w, http.StatusOK, res)
		return
	}
	if svc.latest != nil {
		res, ok, err := svc.latest.ReadLatest(r.Context(), symbol)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadGateway)
			return
		}
		if ok {
			writeJSON(w, http.StatusOK, res)
			return
		}
	}
	http.Error(w, "no result for "+symbol, http.StatusNotFound)
}

func (svc *Service) handleSymbols(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "GET only", http.StatusMethodNotAllowed)
		return
	}
	symbols, err := svc.proc.Symbols(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	if symbols == nil {
		symbols = []SymbolState{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"name":    svc.proc.Name(),
		"symbols": symbols,
	})
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}
