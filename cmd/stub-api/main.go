// Stub Klaviyo API for local development. Serves hardcoded JSON:API-shaped
// responses so the server can be exercised without an API key or network
// access. Point KLAVIYO_BASE_URL at this process.
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

// everyNth429 injects a 429 with Retry-After on every nth request when
// STUB_RATE_LIMIT_EVERY is set, to exercise the client's retry path.
var everyNth429 int64

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func maybeRateLimit(w http.ResponseWriter) bool {
	if everyNth429 <= 0 {
		return false
	}
	if requestCount.Add(1)%everyNth429 == 0 {
		w.Header().Set("Retry-After", "1")
		w.WriteHeader(http.StatusTooManyRequests)
		w.Write([]byte(`{"errors":[{"detail":"rate limited (stub)"}]}`))
		return true
	}
	return false
}

func main() {
	log.Println("WARNING: stub Klaviyo API, all responses are hardcoded")
	log.Println("Run the real server with KLAVIYO_BASE_URL=http://localhost:8090")

	if n := os.Getenv("STUB_RATE_LIMIT_EVERY"); n != "" {
		fmt.Sscanf(n, "%d", &everyNth429)
	}

	now := time.Now().UTC()
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]string{"status": "healthy", "service": "klaviyo-stub"})
	})

	mux.HandleFunc("GET /metrics/", func(w http.ResponseWriter, r *http.Request) {
		if maybeRateLimit(w) {
			return
		}
		filter := r.URL.Query().Get("filter")
		data := []map[string]interface{}{}
		if strings.Contains(filter, `"Placed Order"`) {
			data = append(data, map[string]interface{}{
				"type": "metric",
				"id":   "WJQs6L",
				"attributes": map[string]interface{}{
					"name":        "Placed Order",
					"integration": map[string]string{"name": "Shopify", "category": "eCommerce"},
				},
			})
		}
		writeJSON(w, map[string]interface{}{"data": data, "links": map[string]string{"next": ""}})
	})

	mux.HandleFunc("GET /campaigns/", func(w http.ResponseWriter, r *http.Request) {
		if maybeRateLimit(w) {
			return
		}
		writeJSON(w, map[string]interface{}{
			"data": []map[string]interface{}{
				{
					"type": "campaign", "id": "01J0CAMPAIGN001",
					"attributes": map[string]interface{}{
						"name": "Weekly Newsletter", "status": "Sent",
						"send_time": now.AddDate(0, 0, -5).Format(time.RFC3339),
					},
				},
				{
					"type": "campaign", "id": "01J0CAMPAIGN002",
					"attributes": map[string]interface{}{
						"name": "Flash Sale", "status": "Sent",
						"send_time": now.AddDate(0, 0, -12).Format(time.RFC3339),
					},
				},
			},
			"links": map[string]string{"next": ""},
		})
	})

	mux.HandleFunc("GET /flows/", func(w http.ResponseWriter, r *http.Request) {
		if maybeRateLimit(w) {
			return
		}
		writeJSON(w, map[string]interface{}{
			"data": []map[string]interface{}{
				{
					"type": "flow", "id": "01J0FLOW0000001",
					"attributes": map[string]interface{}{
						"name": "Welcome Series", "status": "live",
						"created": now.AddDate(-1, 0, 0).Format(time.RFC3339),
					},
				},
				{
					"type": "flow", "id": "01J0FLOW0000002",
					"attributes": map[string]interface{}{
						"name": "Abandoned Cart", "status": "live",
						"created": now.AddDate(0, -8, 0).Format(time.RFC3339),
					},
				},
			},
			"links": map[string]string{"next": ""},
		})
	})

	values := func(field string, perEntity float64) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			if maybeRateLimit(w) {
				return
			}
			var req struct {
				Data struct {
					Attributes struct {
						Filter string `json:"filter"`
					} `json:"attributes"`
				} `json:"data"`
			}
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				http.Error(w, `{"errors":[{"detail":"bad request"}]}`, http.StatusBadRequest)
				return
			}
			rows := []map[string]interface{}{}
			for _, id := range idsFromFilter(req.Data.Attributes.Filter) {
				rows = append(rows, map[string]interface{}{
					"groupings": map[string]string{field: id},
					"statistics": map[string]float64{
						"recipients":       5000,
						"opens":            2100,
						"clicks":           430,
						"conversions":      85,
						"conversion_value": perEntity,
					},
				})
			}
			writeJSON(w, map[string]interface{}{
				"data": map[string]interface{}{
					"type":       "values-report",
					"attributes": map[string]interface{}{"results": rows},
				},
			})
		}
	}
	mux.HandleFunc("POST /campaign-values-reports/", values("campaign_id", 4250))
	mux.HandleFunc("POST /flow-values-reports/", values("flow_id", 2875))

	mux.HandleFunc("POST /metric-aggregates/", func(w http.ResponseWriter, r *http.Request) {
		if maybeRateLimit(w) {
			return
		}
		writeJSON(w, map[string]interface{}{
			"data": map[string]interface{}{
				"type": "metric-aggregate",
				"attributes": map[string]interface{}{
					"dates": []string{now.AddDate(0, 0, -2).Format("2006-01-02")},
					"data": []map[string]interface{}{
						{"dimensions": []string{}, "measurements": map[string][]float64{
							"sum_value": {12000, 9500, 14200},
						}},
					},
				},
			},
		})
	})

	addr := os.Getenv("STUB_ADDR")
	if addr == "" {
		addr = "localhost:8090"
	}
	log.Printf("stub Klaviyo API listening on %s", addr)
	if err := http.ListenAndServe(addr, mux); err != nil {
		log.Fatalf("stub server failed: %v", err)
	}
}

// idsFromFilter extracts IDs from equals(f,"a") or contains-any(f,["a","b"]).
func idsFromFilter(filter string) []string {
	open := strings.Index(filter, "(")
	if open < 0 || !strings.HasSuffix(filter, ")") {
		return nil
	}
	inner := filter[open+1 : len(filter)-1]
	parts := strings.SplitN(inner, ",", 2)
	if len(parts) != 2 {
		return nil
	}
	raw := strings.Trim(parts[1], "[]")
	var ids []string
	for _, p := range strings.Split(raw, ",") {
		if id := strings.Trim(p, `"`); id != "" {
			ids = append(ids, id)
		}
	}
	return ids
}
