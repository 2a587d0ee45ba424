// Command healthcheck polls the bot's HTTP server for container health
// checks. It exits 0 when the endpoint answers 200.
//
//	healthcheck            # GET /healthz on HTTP_ADDR (default :8080)
//	healthcheck -ready     # GET /readyz, which also checks Postgres and Redis
package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"strings"
	"time"
)

func main() {
	ready := flag.Bool("ready", false, "check /readyz instead of /healthz")
	timeout := flag.Duration("timeout", 3*time.Second, "request timeout")
	flag.Parse()

	path := "/healthz"
	if *ready {
		path = "/readyz"
	}
	if err := checkHealth(healthURL(os.Getenv("HTTP_ADDR"), path), *timeout); err != nil {
		log.Printf("healthcheck failed: %v", err)
		os.Exit(1)
	}
}

// healthURL maps a listen address such as ":8080" or "0.0.0.0:9000" to a
// loopback URL.
func healthURL(addr, path string) string {
	if addr == "" {
		addr = ":8080"
	}
	host, port, ok := strings.Cut(addr, ":")
	if !ok {
		port = host
		host = ""
	}
	if host == "" || host == "0.0.0.0" {
		host = "localhost"
	}
	return "http://" + host + ":" + port + path
}

func checkHealth(url string, timeout time.Duration) error {
	client := &http.Client{Timeout: timeout}
	req, err := http.NewRequestWithContext(context.Background(), http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			log.Printf("failed to close response body: %v", err)
		}
	}()
	if resp.StatusCode != http.StatusOK {
		return &statusError{code: resp.StatusCode}
	}
	return nil
}

type statusError struct{ code int }

func (e *statusError) Error() string { return "unexpected status " + http.StatusText(e.code) }
