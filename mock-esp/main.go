package main

import (
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
	"strings"
	"sync/atomic"
	"time"
)

var requestCount atomic.Int64

// Mock ESP server for local testing. It mimics the SendGrid and Mailgun
// send endpoints and picks its response from the recipient's local part:
//
//	ok@...      -> accepted
//	slow@...    -> accepted after a 3s delay (exercise send timeouts)
//	throttle@...-> 429 rate limited
//	bounce@...  -> 400 invalid recipient
//	fail@...    -> 500 transient error
func main() {
	port := "9090"
	if p := os.Getenv("PORT"); p != "" {
		port = p
	}

	// SendGrid-shaped endpoint
	http.HandleFunc("/v3/mail/send", func(w http.ResponseWriter, r *http.Request) {
		count := requestCount.Add(1)

		var payload struct {
			Personalizations []struct {
				To []struct {
					Email string `json:"email"`
				} `json:"to"`
			} `json:"personalizations"`
		}
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			logRequest(r, count, "", 400)
			w.WriteHeader(http.StatusBadRequest)
			return
		}

		to := ""
		if len(payload.Personalizations) > 0 && len(payload.Personalizations[0].To) > 0 {
			to = payload.Personalizations[0].To[0].Email
		}

		status := statusForRecipient(to)
		logRequest(r, count, to, status)

		if status == http.StatusAccepted {
			w.Header().Set("X-Message-Id", fmt.Sprintf("mock-sg-%d", count))
			w.WriteHeader(http.StatusAccepted)
			return
		}
		writeError(w, status)
	})

	// Mailgun-shaped endpoint (any sending domain)
	http.HandleFunc("/v3/", func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/messages") {
			http.NotFound(w, r)
			return
		}

		count := requestCount.Add(1)

		if err := r.ParseForm(); err != nil {
			logRequest(r, count, "", 400)
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		to := r.PostFormValue("to")

		status := statusForRecipient(to)
		if status == http.StatusAccepted {
			status = http.StatusOK
		}
		logRequest(r, count, to, status)

		if status == http.StatusOK {
			w.Header().Set("Content-Type", "application/json")
			json.NewEncoder(w).Encode(map[string]string{
				"id":      fmt.Sprintf("<mock-mg-%d@mock>", count),
				"message": "Queued. Thank you.",
			})
			return
		}
		writeError(w, status)
	})

	// Stats endpoint — shows request count
	http.HandleFunc("/stats", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]int64{"total_requests": requestCount.Load()})
	})

	log.Printf("Mock ESP server starting on :%s", port)
	log.Printf("  POST /v3/mail/send          -> SendGrid-shaped")
	log.Printf("  POST /v3/{domain}/messages  -> Mailgun-shaped")
	log.Printf("  GET  /stats                 -> request count")
	log.Printf("  recipients: ok@ slow@ throttle@ bounce@ fail@")

	if err := http.ListenAndServe(":"+port, nil); err != nil {
		log.Fatalf("server error: %v", err)
	}
}

func statusForRecipient(to string) int {
	local := to
	if i := strings.Index(to, "<"); i >= 0 {
		local = strings.Trim(to[i:], "<>")
	}
	if i := strings.Index(local, "@"); i >= 0 {
		local = local[:i]
	}

	switch strings.ToLower(local) {
	case "slow":
		time.Sleep(3 * time.Second)
		return http.StatusAccepted
	case "throttle":
		return http.StatusTooManyRequests
	case "bounce":
		return http.StatusBadRequest
	case "fail":
		return http.StatusInternalServerError
	default:
		return http.StatusAccepted
	}
}

func writeError(w http.ResponseWriter, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": http.StatusText(status)})
}

func logRequest(r *http.Request, count int64, to string, status int) {
	fmt.Printf("[#%d] %s %s -> %d | to=%s\n",
		count,
		r.Method,
		r.URL.Path,
		status,
		to,
	)
}
