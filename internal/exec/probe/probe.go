// Package probe performs HTTP health checks against external endpoints.
package probe

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"taskmill/internal/domain"
	"taskmill/internal/worker"
)

type params struct {
	URL      string `json:"url"`
	Method   string `json:"method"`
	TimeoutS int    `json:"timeout_s"`
}

func Run(ctx context.Context, env *worker.Env) (json.RawMessage, error) {
	var p params
	if err := json.Unmarshal(env.Kwargs, &p); err != nil {
		return nil, domain.Execf("bad_params", "probe kwargs: %v", err)
	}
	if p.URL == "" {
		return nil, domain.Execf("bad_params", "url is required")
	}
	if p.Method == "" {
		p.Method = http.MethodGet
	}
	if p.TimeoutS <= 0 {
		p.TimeoutS = 30
	}

	client := &http.Client{Timeout: time.Duration(p.TimeoutS) * time.Second}
	req, err := http.NewRequestWithContext(ctx, p.Method, p.URL, nil)
	if err != nil {
		return nil, domain.Execf("bad_params", "build request: %v", err)
	}

	resp, err := client.Do(req)
	if err != nil {
		// Network and timeout failures are transient; let the shell retry.
		return nil, domain.Retryf("http", "probe %s: %v", p.URL, err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))

	if resp.StatusCode >= 500 {
		return nil, domain.Retryf("http", "probe %s: status %d", p.URL, resp.StatusCode)
	}
	if resp.StatusCode >= 400 {
		return nil, domain.Execf("http", "probe %s: status %d: %s", p.URL, resp.StatusCode, body)
	}

	return json.Marshal(map[string]any{"status_code": resp.StatusCode})
}
