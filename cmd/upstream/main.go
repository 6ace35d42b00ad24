package main

import (
	"encoding/json"
	"flag"
	"math/rand"
	"net/http"
	"strconv"
	"time"
)

func main() {
	var addr string
	var name string
	var delayMS int
	flag.StringVar(&addr, "addr", ":9001", "listen address")
	flag.StringVar(&name, "name", "upstream", "service name")
	flag.IntVar(&delayMS, "delay-ms", 0, "artificial delay applied to every request")
	flag.Parse()

	echo := func(w http.ResponseWriter, r *http.Request) {
		if delayMS > 0 {
			time.Sleep(time.Duration(delayMS) * time.Millisecond)
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"service": name,
			"method":  r.Method,
			"path":    r.URL.Path,
			"query":   r.URL.RawQuery,
			"headers": r.Header,
		})
	}

	// /slow?ms=N sleeps N milliseconds before echoing, used to drive the
	// bulkhead/retry-timeout end-to-end scenarios.
	slow := func(w http.ResponseWriter, r *http.Request) {
		ms, _ := strconv.Atoi(r.URL.Query().Get("ms"))
		if ms > 0 {
			time.Sleep(time.Duration(ms) * time.Millisecond)
		}
		echo(w, r)
	}

	// /fail?rate=F returns a 500 with probability F in [0,1], else
	// echoes normally, used to drive the circuit-breaker scenarios.
	fail := func(w http.ResponseWriter, r *http.Request) {
		rate, _ := strconv.ParseFloat(r.URL.Query().Get("rate"), 64)
		if rate > 0 && rand.Float64() < rate {
			http.Error(w, `{"error":"upstream_failure"}`, http.StatusInternalServerError)
			return
		}
		echo(w, r)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/slow", slow)
	mux.HandleFunc("/fail", fail)
	mux.HandleFunc("/", echo)

	srv := &http.Server{Addr: addr, Handler: mux}
	_ = srv.ListenAndServe()
}
