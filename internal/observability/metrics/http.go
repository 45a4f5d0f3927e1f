// Package metrics 以 Prometheus 文本格式暴露进程内指标。
// 编排请求会串联模型补全与链上交易，时延跨度大，直方图桶一直铺到两分钟。
package metrics

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

var latencyBuckets = []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120}

type sampleKey struct {
	handler string
	method  string
	code    string
}

type histogram struct {
	counts []uint64
	sum    float64
	count  uint64
}

func (h *histogram) observe(value float64) {
	h.count++
	h.sum += value
	for idx, bound := range latencyBuckets {
		if value <= bound {
			for i := idx; i < len(h.counts); i++ {
				h.counts[i]++
			}
			break
		}
	}
}

type httpState struct {
	mu       sync.Mutex
	requests map[sampleKey]uint64
	latency  map[sampleKey]*histogram
}

var httpCollector = &httpState{
	requests: make(map[sampleKey]uint64),
	latency:  make(map[sampleKey]*histogram),
}

// ObserveHTTPRequest 记录一次 HTTP 请求的状态码与耗时。
func ObserveHTTPRequest(handler, method string, status int, duration time.Duration) {
	key := sampleKey{handler: handler, method: method, code: strconv.Itoa(status)}
	latKey := sampleKey{handler: handler, method: method}

	httpCollector.mu.Lock()
	defer httpCollector.mu.Unlock()

	httpCollector.requests[key]++
	hist := httpCollector.latency[latKey]
	if hist == nil {
		hist = &histogram{counts: make([]uint64, len(latencyBuckets))}
		httpCollector.latency[latKey] = hist
	}
	hist.observe(duration.Seconds())
}

// Handler 以 Prometheus 文本格式输出全部指标。
func Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		_, _ = fmt.Fprint(w, httpCollector.render())
		_, _ = fmt.Fprint(w, escrowCollector.render())
	})
}

func (s *httpState) render() string {
	s.mu.Lock()
	defer s.mu.Unlock()

	var builder strings.Builder
	builder.Grow(1024)

	builder.WriteString("# HELP orca_http_requests_total Total number of HTTP requests processed.\n")
	builder.WriteString("# TYPE orca_http_requests_total counter\n")
	for _, key := range sortedKeys(s.requests) {
		builder.WriteString(fmt.Sprintf("orca_http_requests_total{handler=%q,method=%q,code=%q} %d\n",
			key.handler, key.method, key.code, s.requests[key]))
	}

	builder.WriteString("# HELP orca_http_request_duration_seconds HTTP request duration in seconds.\n")
	builder.WriteString("# TYPE orca_http_request_duration_seconds histogram\n")
	latKeys := make([]sampleKey, 0, len(s.latency))
	for key := range s.latency {
		latKeys = append(latKeys, key)
	}
	sort.Slice(latKeys, func(i, j int) bool {
		if latKeys[i].handler == latKeys[j].handler {
			return latKeys[i].method < latKeys[j].method
		}
		return latKeys[i].handler < latKeys[j].handler
	})
	for _, key := range latKeys {
		hist := s.latency[key]
		for idx, bound := range latencyBuckets {
			builder.WriteString(fmt.Sprintf("orca_http_request_duration_seconds_bucket{handler=%q,method=%q,le=%q} %d\n",
				key.handler, key.method, formatFloat(bound), hist.counts[idx]))
		}
		builder.WriteString(fmt.Sprintf("orca_http_request_duration_seconds_bucket{handler=%q,method=%q,le=\"+Inf\"} %d\n",
			key.handler, key.method, hist.count))
		builder.WriteString(fmt.Sprintf("orca_http_request_duration_seconds_sum{handler=%q,method=%q} %s\n",
			key.handler, key.method, formatFloat(hist.sum)))
		builder.WriteString(fmt.Sprintf("orca_http_request_duration_seconds_count{handler=%q,method=%q} %d\n",
			key.handler, key.method, hist.count))
	}

	return builder.String()
}

func sortedKeys(samples map[sampleKey]uint64) []sampleKey {
	keys := make([]sampleKey, 0, len(samples))
	for key := range samples {
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].handler != keys[j].handler {
			return keys[i].handler < keys[j].handler
		}
		if keys[i].method != keys[j].method {
			return keys[i].method < keys[j].method
		}
		return keys[i].code < keys[j].code
	})
	return keys
}

func formatFloat(value float64) string {
	return strconv.FormatFloat(value, 'f', -1, 64)
}

// StartServer 在独立端口暴露 /metrics，直到上下文取消。
func StartServer(ctx context.Context, addr string) error {
	if addr == "" {
		return errors.New("metrics 监听地址为空")
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())

	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	errCh := make(chan error, 1)
	go func() {
		defer close(errCh)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return ctx.Err()
	case err, ok := <-errCh:
		if !ok {
			return nil
		}
		return err
	}
}
