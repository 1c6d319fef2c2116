// Receiver is a local webhook endpoint for manual testing. It verifies the
// signature of every delivery and can simulate slow or failing endpoints.
package main

import (
	"flag"
	"fmt"
	"io"
	"log"
	"math/rand"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/felipemaragno/cmshooks/internal/domain"
	"github.com/felipemaragno/cmshooks/internal/signature"
)

var (
	requestCount uint64
	successCount uint64
	failureCount uint64
	invalidCount uint64
)

func main() {
	port := flag.Int("port", 9999, "port to listen on")
	secret := flag.String("secret", "", "webhook secret used to verify X-Webhook-Signature (empty skips verification)")
	failRate := flag.Float64("fail-rate", 0, "random failure rate (0.0-1.0)")
	latency := flag.Int("latency", 50, "average response latency in ms")
	jitter := flag.Int("jitter", 20, "latency jitter in ms (+/-)")
	quiet := flag.Bool("quiet", false, "suppress per-request logging")
	flag.Parse()

	go func() {
		ticker := time.NewTicker(5 * time.Second)
		for range ticker.C {
			total := atomic.SwapUint64(&requestCount, 0)
			if total == 0 {
				continue
			}
			fmt.Printf("[STATS] Total: %d | Success: %d | Failures: %d | Bad signature: %d | Rate: %.1f req/s\n",
				total,
				atomic.SwapUint64(&successCount, 0),
				atomic.SwapUint64(&failureCount, 0),
				atomic.SwapUint64(&invalidCount, 0),
				float64(total)/5.0)
		}
	}()

	http.HandleFunc("/webhook", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddUint64(&requestCount, 1)

		delay := time.Duration(*latency) * time.Millisecond
		if *jitter > 0 {
			delay += time.Duration(rand.Intn(*jitter*2)-*jitter) * time.Millisecond
		}
		time.Sleep(delay)

		body, err := io.ReadAll(r.Body)
		if err != nil {
			http.Error(w, "unreadable body", http.StatusBadRequest)
			return
		}

		sig := r.Header.Get(domain.HeaderSignature)
		if *secret != "" && !signature.Verify(body, sig, *secret) {
			atomic.AddUint64(&invalidCount, 1)
			fmt.Printf("[REJECT] Event: %s | invalid signature %q\n", r.Header.Get(domain.HeaderEvent), sig)
			http.Error(w, "invalid signature", http.StatusUnauthorized)
			return
		}

		shouldFail := *failRate > 0 && rand.Float64() < *failRate

		if !*quiet {
			fmt.Printf("[REQ] Event: %s | Timestamp: %s | Latency: %v | Fail: %v\n",
				r.Header.Get(domain.HeaderEvent),
				r.Header.Get(domain.HeaderTimestamp),
				delay,
				shouldFail)
			if len(body) < 500 {
				fmt.Printf("      Body: %s\n", body)
			}
		}

		if shouldFail {
			atomic.AddUint64(&failureCount, 1)
			w.WriteHeader(http.StatusInternalServerError)
			_, _ = w.Write([]byte("simulated failure"))
			return
		}
		atomic.AddUint64(&successCount, 1)
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"received":true}`))
	})

	http.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("OK"))
	})

	addr := fmt.Sprintf(":%d", *port)
	fmt.Printf("Webhook receiver listening on %s/webhook\n", addr)
	fmt.Printf("  Latency: %dms (+/- %dms) | Fail rate: %.1f%% | Verify: %v\n",
		*latency, *jitter, *failRate*100, *secret != "")
	log.Fatal(http.ListenAndServe(addr, nil))
}
