// fake-shopify is a local stand-in for the Shopify Admin GraphQL API.
//
// It accepts themePublish mutations at the real endpoint path, records
// every call, and can inject userErrors or HTTP failures for testing the
// engine's retry behaviour:
//
//	ADDR       listen address (default ":9800")
//	FAIL_EVERY inject a 500 on every Nth request, 0 = never (default 0)
//
// Endpoints:
//
//	POST /admin/api/{version}/graphql.json   the mutation endpoint
//	GET  /stats                              recorded calls as JSON
//	POST /reset                              clear recorded calls
//	GET  /health                             liveness
package main

import (
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"
)

type publishCall struct {
	Timestamp   string `json:"timestamp"`
	APIVersion  string `json:"api_version"`
	AccessToken string `json:"access_token"`
	ThemeID     string `json:"theme_id"`
	Injected    bool   `json:"injected_failure"`
}

type stats struct {
	Count     int64         `json:"count"`
	LastCalls []publishCall `json:"last_calls"`
	Since     string        `json:"since"`
}

var (
	mu        sync.Mutex
	count     int64
	lastCalls []publishCall
	since     time.Time
	failEvery int
	maxStored = 50
)

func main() {
	since = time.Now().UTC()

	addr := ":9800"
	if v := os.Getenv("ADDR"); v != "" {
		addr = v
	}
	if v := os.Getenv("FAIL_EVERY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			failEvery = n
		}
	}

	http.HandleFunc("/admin/api/", graphqlHandler)
	http.HandleFunc("/stats", statsHandler)
	http.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "ok")
	})
	http.HandleFunc("/reset", func(w http.ResponseWriter, _ *http.Request) {
		mu.Lock()
		count = 0
		lastCalls = nil
		since = time.Now().UTC()
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "reset")
	})

	log.Printf("fake-shopify listening on %s (fail_every=%d)", addr, failEvery)
	log.Fatal(http.ListenAndServe(addr, nil))
}

func graphqlHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost || !strings.HasSuffix(r.URL.Path, "/graphql.json") {
		http.NotFound(w, r)
		return
	}

	body, _ := io.ReadAll(r.Body)
	defer r.Body.Close()

	var payload struct {
		Query     string `json:"query"`
		Variables struct {
			ID string `json:"id"`
		} `json:"variables"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}

	// /admin/api/<version>/graphql.json
	parts := strings.Split(r.URL.Path, "/")
	apiVersion := ""
	if len(parts) >= 4 {
		apiVersion = parts[3]
	}

	call := publishCall{
		Timestamp:   time.Now().UTC().Format(time.RFC3339Nano),
		APIVersion:  apiVersion,
		AccessToken: r.Header.Get("X-Shopify-Access-Token"),
		ThemeID:     payload.Variables.ID,
	}

	mu.Lock()
	count++
	inject := failEvery > 0 && count%int64(failEvery) == 0
	call.Injected = inject
	lastCalls = append(lastCalls, call)
	if len(lastCalls) > maxStored {
		lastCalls = lastCalls[len(lastCalls)-maxStored:]
	}
	n := count
	mu.Unlock()

	if inject {
		log.Printf("call #%d theme=%s -> injected 500", n, call.ThemeID)
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}

	if call.AccessToken == "" {
		log.Printf("call #%d theme=%s -> 401 (no access token)", n, call.ThemeID)
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	log.Printf("call #%d theme=%s version=%s -> published", n, call.ThemeID, apiVersion)

	w.Header().Set("Content-Type", "application/json")
	fmt.Fprintf(w, `{"data":{"themePublish":{"theme":{"id":%q,"role":"MAIN"},"userErrors":[]}}}`,
		payload.Variables.ID)
}

func statsHandler(w http.ResponseWriter, _ *http.Request) {
	mu.Lock()
	s := stats{
		Count:     count,
		LastCalls: append([]publishCall(nil), lastCalls...),
		Since:     since.Format(time.RFC3339),
	}
	mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(s); err != nil {
		log.Printf("encode stats: %v", err)
	}
}
