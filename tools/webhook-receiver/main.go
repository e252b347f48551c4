// Command webhook-receiver is a local sink for escalation webhooks. It checks
// the HMAC signature, keeps the most recent deliveries in memory and can be
// told to fail in order to exercise the notifier's circuit breaker.
package main

import (
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/djlord-it/easy-monitor/internal/notify"
)

type delivery struct {
	Timestamp string `json:"timestamp"`
	AttemptID string `json:"attempt_id"`
	AlertID   string `json:"alert_id"`
	Level     string `json:"level"`
	Verified  bool   `json:"verified"`
	Body      string `json:"body"`
}

type stats struct {
	Count      int64      `json:"count"`
	Rejected   int64      `json:"rejected"`
	Deliveries []delivery `json:"last_deliveries"`
	Since      string     `json:"since"`
}

type receiver struct {
	secret     string
	failStatus int // 0 = accept
	maxStored  int

	mu         sync.Mutex
	count      int64
	rejected   int64
	deliveries []delivery
	since      time.Time
}

func main() {
	addr := ":8080"
	if v := os.Getenv("ADDR"); v != "" {
		addr = v
	}

	rc := &receiver{
		secret:    os.Getenv("WEBHOOK_SECRET"),
		maxStored: 50,
		since:     time.Now().UTC(),
	}
	if v := os.Getenv("FAIL_STATUS"); v != "" {
		code, err := strconv.Atoi(v)
		if err != nil || code < 400 || code > 599 {
			log.Fatalf("FAIL_STATUS must be an HTTP error status, got %q", v)
		}
		rc.failStatus = code
	}

	log.Printf("webhook-receiver listening on %s (signature check: %t)", addr, rc.secret != "")
	log.Fatal(http.ListenAndServe(addr, rc.routes()))
}

func (rc *receiver) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/hook", rc.hook)
	mux.HandleFunc("/stats", rc.stats)
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "ok")
	})
	mux.HandleFunc("/reset", func(w http.ResponseWriter, _ *http.Request) {
		rc.mu.Lock()
		rc.count = 0
		rc.rejected = 0
		rc.deliveries = nil
		rc.since = time.Now().UTC()
		rc.mu.Unlock()
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "reset")
	})
	return mux
}

func (rc *receiver) hook(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	body, err := io.ReadAll(r.Body)
	defer r.Body.Close()
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	verified := rc.secret != "" && notify.VerifySignature(rc.secret, body, r.Header.Get(notify.HeaderSignature))
	if rc.secret != "" && !verified {
		rc.mu.Lock()
		rc.rejected++
		rc.mu.Unlock()
		log.Printf("rejected delivery for alert %s: bad signature", r.Header.Get(notify.HeaderAlertID))
		w.WriteHeader(http.StatusUnauthorized)
		return
	}

	if rc.failStatus != 0 {
		w.WriteHeader(rc.failStatus)
		return
	}

	d := delivery{
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		AttemptID: r.Header.Get(notify.HeaderAttemptID),
		AlertID:   r.Header.Get(notify.HeaderAlertID),
		Level:     r.Header.Get(notify.HeaderLevel),
		Verified:  verified,
		Body:      string(body),
	}

	rc.mu.Lock()
	rc.count++
	rc.deliveries = append(rc.deliveries, d)
	if len(rc.deliveries) > rc.maxStored {
		rc.deliveries = rc.deliveries[len(rc.deliveries)-rc.maxStored:]
	}
	current := rc.count
	rc.mu.Unlock()

	log.Printf("escalation #%d: alert=%s level=%s", current, d.AlertID, d.Level)
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, `{"received":%d}`, current)
}

func (rc *receiver) stats(w http.ResponseWriter, _ *http.Request) {
	rc.mu.Lock()
	s := stats{
		Count:      rc.count,
		Rejected:   rc.rejected,
		Deliveries: append([]delivery(nil), rc.deliveries...),
		Since:      rc.since.Format(time.RFC3339),
	}
	rc.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(s)
}
