package main

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/jessicajji/pieza/engine/search"
	"github.com/jessicajji/pieza/pkg/metrics"
)

// accountDeletionTopic is the marketplace notification topic that triggers
// vendor data deletion.
const accountDeletionTopic = "MARKETPLACE_ACCOUNT_DELETION"

// querier is the slice of the orchestrator the search handler uses.
type querier interface {
	Query(ctx context.Context, prompt string) (search.Response, error)
}

// vendorDeleter is the slice of the vector store the compliance handler uses.
type vendorDeleter interface {
	DeleteByVendor(ctx context.Context, vendor string) error
}

func handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

// SearchRequest is the JSON body for POST /api/search.
type SearchRequest struct {
	Prompt string `json:"prompt"`
}

func handleSearch(svc querier, reg *metrics.Registry, logger *slog.Logger) http.HandlerFunc {
	searches := reg.Counter("pieza_searches_total", "Search requests processed")
	failures := reg.Counter("pieza_search_failures_total", "Search requests that returned 5xx")
	inflight := reg.Gauge("pieza_searches_inflight", "Search requests currently executing")
	latency := reg.Histogram("pieza_search_duration_seconds", "End-to-end search pipeline latency",
		[]float64{0.5, 1, 2.5, 5, 10, 30})

	return func(w http.ResponseWriter, r *http.Request) {
		inflight.Inc()
		defer inflight.Dec()

		var req SearchRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, `{"error":"invalid request body"}`, http.StatusBadRequest)
			return
		}
		if req.Prompt == "" {
			http.Error(w, `{"error":"prompt is required"}`, http.StatusBadRequest)
			return
		}

		searches.Inc()
		start := time.Now()
		resp, err := svc.Query(r.Context(), req.Prompt)
		latency.Since(start)
		if err != nil {
			failures.Inc()
			logger.Error("search pipeline failed", "err", err)
			http.Error(w, `{"error":"internal server error"}`, http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(resp)
	}
}

// handleChallenge answers the marketplace's endpoint verification probe. The
// response is the hex SHA256 of challenge code, verification token, and the
// public endpoint URL, in that order.
func handleChallenge(cfg Config, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if cfg.VerificationToken == "" || cfg.ComplianceEndpointURL == "" {
			logger.Error("compliance endpoint not configured")
			http.Error(w, `{"error":"compliance not configured"}`, http.StatusInternalServerError)
			return
		}

		code := r.URL.Query().Get("challenge_code")
		h := sha256.New()
		h.Write([]byte(code))
		h.Write([]byte(cfg.VerificationToken))
		h.Write([]byte(cfg.ComplianceEndpointURL))

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{
			"challengeResponse": hex.EncodeToString(h.Sum(nil)),
		})
	}
}

// deletionNotice is the marketplace account-deletion notification body.
type deletionNotice struct {
	Metadata struct {
		Topic string `json:"topic"`
	} `json:"metadata"`
	Notification struct {
		Data struct {
			UserID   string `json:"userId"`
			Username string `json:"username"`
		} `json:"data"`
	} `json:"notification"`
}

// handleDeletionNotice processes account deletion notifications. The
// notification is always acknowledged with 204, even when deletion fails,
// so the marketplace does not resend it; failures are logged for manual
// intervention.
func handleDeletionNotice(store vendorDeleter, reg *metrics.Registry, logger *slog.Logger) http.HandlerFunc {
	deletions := reg.Counter(metrics.WithLabels("pieza_compliance_deletions_total", "topic", "account_deletion"),
		"Account deletion notifications processed")

	return func(w http.ResponseWriter, r *http.Request) {
		defer w.WriteHeader(http.StatusNoContent)

		var notice deletionNotice
		if err := json.NewDecoder(r.Body).Decode(&notice); err != nil {
			logger.Error("compliance: undecodable notification", "err", err)
			return
		}
		if notice.Metadata.Topic != accountDeletionTopic {
			return
		}

		username := notice.Notification.Data.Username
		if username == "" {
			logger.Warn("compliance: deletion notice without username",
				"user_id", notice.Notification.Data.UserID)
			return
		}

		deletions.Inc()
		if err := store.DeleteByVendor(r.Context(), username); err != nil {
			logger.Error("compliance: deletion failed",
				"username", username, "err", err)
			return
		}
		logger.Info("compliance: vendor data deleted", "username", username)
	}
}
