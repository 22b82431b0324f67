package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/narayane88/whatsapp-management-system-sub002/internal/accounts"
)

// GET /health
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	counts := map[accounts.Status]int{}
	for _, acc := range s.manager.ListAccounts() {
		counts[acc.Status]++
	}
	body := map[string]interface{}{
		"healthy":     true,
		"version":     s.version,
		"uptime":      time.Since(s.started).Round(time.Second).String(),
		"accounts":    counts,
		"subscribers": s.bus.Subscribers(),
	}
	if s.webhooks != nil {
		delivered, failed, dropped := s.webhooks.Stats()
		body["webhooks"] = map[string]uint64{"delivered": delivered, "failed": failed, "dropped": dropped}
	}
	writeJSON(w, http.StatusOK, body)
}

// GET /accounts
func (s *Server) handleListAccounts(w http.ResponseWriter, r *http.Request) {
	list := s.manager.ListAccounts()
	connected := 0
	for _, acc := range list {
		if acc.Status == accounts.StatusConnected {
			connected++
		}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"accounts":  list,
		"total":     len(list),
		"connected": connected,
	})
}

// POST /accounts
func (s *Server) handleCreateAccount(w http.ResponseWriter, r *http.Request) {
	var body createAccountBody
	if err := bind(r, &body); err != nil {
		writeManagerError(w, err)
		return
	}

	acc, err := s.manager.CreateAccount(r.Context(), body.request())
	if err != nil {
		zap.L().Warn("api: create account failed", zap.String("account", body.ID), zap.Error(err))
		writeManagerError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, acc)
}

// GET /accounts/{id}
func (s *Server) handleGetAccount(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	acc, ok := s.manager.GetAccount(id)
	if !ok {
		writeError(w, http.StatusNotFound, "account not found: "+id)
		return
	}
	writeJSON(w, http.StatusOK, acc)
}

// DELETE /accounts/{id}?cleanup=false&force=true
// Credentials are removed unless cleanup=false, so the account is not restored on restart.
func (s *Server) handleDeleteAccount(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	cleanup, err := boolQuery(r, "cleanup", true)
	if err != nil {
		writeManagerError(w, err)
		return
	}
	force, err := boolQuery(r, "force", false)
	if err != nil {
		writeManagerError(w, err)
		return
	}

	if err := s.manager.DisconnectAccount(r.Context(), id, cleanup, force); err != nil {
		writeManagerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success":        true,
		"accountId":      id,
		"sessionRemoved": cleanup,
	})
}

// POST /accounts/{id}/qr/refresh
func (s *Server) handleRefreshQR(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := s.manager.RefreshQRTimeout(id); err != nil {
		writeManagerError(w, err)
		return
	}
	acc, _ := s.manager.GetAccount(id)
	writeJSON(w, http.StatusOK, acc)
}

// POST /accounts/{id}/send
func (s *Server) handleSend(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	var body sendBody
	if err := bind(r, &body); err != nil {
		writeManagerError(w, err)
		return
	}

	result, err := s.manager.SendMessage(r.Context(), id, accounts.SendRequest{To: body.To, Message: body.Message})
	if err != nil {
		writeManagerError(w, err)
		return
	}
	status := http.StatusOK
	if !result.Success {
		status = http.StatusBadGateway
	}
	writeJSON(w, status, result)
}

// GET /accounts/{id}/messages?limit=50
func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	limit, err := intQuery(r, "limit", 0)
	if err != nil {
		writeManagerError(w, err)
		return
	}
	msgs, err := s.manager.RecentMessages(id, limit)
	if err != nil {
		writeManagerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"accountId": id, "messages": msgs})
}

// GET /accounts/{id}/history
func (s *Server) handleAccountHistory(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"accountId": id,
		"history":   s.manager.GetAccountDeviceHistory(id),
	})
}

// GET /history
func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{"history": s.manager.GetDeviceHistory()})
}

// GET /sessions/stats
func (s *Server) handleSessionStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.manager.GetSessionStats(s.sessionMaxAge)
	if err != nil {
		writeManagerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// POST /sessions/cleanup?maxAge=12h
func (s *Server) handleSessionCleanup(w http.ResponseWriter, r *http.Request) {
	maxAge := s.sessionMaxAge
	if v := r.URL.Query().Get("maxAge"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			writeError(w, http.StatusBadRequest, "maxAge must be a positive duration")
			return
		}
		maxAge = d
	}
	deleted, err := s.manager.CleanupOldSessions(maxAge)
	if err != nil {
		writeManagerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"deleted": deleted, "maxAge": maxAge.String()})
}

func boolQuery(r *http.Request, key string, def bool) (bool, error) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, badQuery(key, v)
	}
	return b, nil
}

func intQuery(r *http.Request, key string, def int) (int, error) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, badQuery(key, v)
	}
	return n, nil
}
