// Command test-server is a local GeoIP lookup target for examples/geoip.yaml.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"hash/fnv"
	"math/rand"
	"net"
	"net/http"
	"runtime"
	"time"

	"github.com/sirupsen/logrus"
)

var countries = []struct {
	Code, Name, City string
	Lat, Lon         float64
}{
	{"NL", "Netherlands", "Amsterdam", 52.37, 4.89},
	{"US", "United States", "Ashburn", 39.04, -77.49},
	{"DE", "Germany", "Frankfurt", 50.11, 8.68},
	{"JP", "Japan", "Tokyo", 35.68, 139.69},
	{"BR", "Brazil", "São Paulo", -23.55, -46.63},
}

type location struct {
	Country   string  `json:"country"`
	Name      string  `json:"name"`
	City      string  `json:"city"`
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

type lookupResponse struct {
	IP       string   `json:"ip"`
	Location location `json:"location"`
}

func main() {
	addr := flag.String("addr", ":8080", "listen address")
	latency := flag.Duration("latency", 0, "base latency added to every lookup")
	jitter := flag.Duration("jitter", 0, "random latency added on top of -latency")
	failRate := flag.Float64("fail-rate", 0, "fraction of lookups answered with 500")
	flag.Parse()

	logger := logrus.New()
	logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	// Use all CPU cores
	runtime.GOMAXPROCS(runtime.NumCPU())

	mux := http.NewServeMux()
	mux.HandleFunc("GET /lookup/{ip}", func(w http.ResponseWriter, r *http.Request) {
		delay := *latency
		if *jitter > 0 {
			delay += time.Duration(rand.Int63n(int64(*jitter)))
		}
		if delay > 0 {
			time.Sleep(delay)
		}
		if *failRate > 0 && rand.Float64() < *failRate {
			http.Error(w, "lookup backend unavailable", http.StatusInternalServerError)
			return
		}

		ip := net.ParseIP(r.PathValue("ip"))
		if ip == nil {
			http.Error(w, fmt.Sprintf("invalid IP address %q", r.PathValue("ip")), http.StatusBadRequest)
			return
		}

		// the same address always resolves to the same country
		h := fnv.New32a()
		_, _ = h.Write(ip)
		c := countries[h.Sum32()%uint32(len(countries))]

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(lookupResponse{
			IP:       ip.String(),
			Location: location{Country: c.Code, Name: c.Name, City: c.City, Latitude: c.Lat, Longitude: c.Lon},
		})
	})

	// Health check
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprint(w, "healthy")
	})

	// Configure server for high throughput
	server := &http.Server{
		Addr:              *addr,
		Handler:           mux,
		ReadTimeout:       5 * time.Second,
		WriteTimeout:      5 * time.Second,
		IdleTimeout:       120 * time.Second,
		MaxHeaderBytes:    1 << 20,
		ReadHeaderTimeout: 2 * time.Second,
	}

	logger.WithFields(logrus.Fields{
		"addr":      *addr,
		"cpus":      runtime.NumCPU(),
		"latency":   *latency,
		"jitter":    *jitter,
		"fail_rate": *failRate,
	}).Info("Starting GeoIP test server")

	if err := server.ListenAndServe(); err != nil {
		logger.WithError(err).Fatal("Server stopped")
	}
}
