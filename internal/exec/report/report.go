// Package report generates summary reports in chunks. It is the reference
// executable for the progress and checkpoint API: long work is split into
// chunks, each bounded by a cancellation checkpoint and a progress write.
package report

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"taskmill/internal/domain"
	"taskmill/internal/worker"
)

type params struct {
	Chunks  int `json:"chunks"`
	ChunkMS int `json:"chunk_ms"`
}

func Run(ctx context.Context, env *worker.Env) (json.RawMessage, error) {
	p := params{Chunks: 10, ChunkMS: 100}
	if len(env.Kwargs) > 0 {
		if err := json.Unmarshal(env.Kwargs, &p); err != nil {
			return nil, domain.Execf("bad_params", "report kwargs: %v", err)
		}
	}
	if p.Chunks <= 0 {
		return nil, domain.Execf("bad_params", "chunks must be positive, got %d", p.Chunks)
	}

	for i := 0; i < p.Chunks; i++ {
		if err := env.Checkpoint(ctx); err != nil {
			return nil, err
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(time.Duration(p.ChunkMS) * time.Millisecond):
		}
		pct := (i + 1) * 100 / p.Chunks
		if err := env.ReportProgress(ctx, pct, fmt.Sprintf("chunk %d/%d", i+1, p.Chunks)); err != nil {
			return nil, err
		}
	}

	return json.Marshal(map[string]any{"chunks": p.Chunks})
}
