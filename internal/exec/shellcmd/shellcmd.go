// Package shellcmd runs a shell command as a task.
package shellcmd

import (
	"context"
	"encoding/json"
	"os/exec"

	"taskmill/internal/domain"
	"taskmill/internal/worker"
)

type params struct {
	Command string   `json:"command"`
	Args    []string `json:"args"`
}

func Run(ctx context.Context, env *worker.Env) (json.RawMessage, error) {
	var p params
	if err := json.Unmarshal(env.Kwargs, &p); err != nil {
		return nil, domain.Execf("bad_params", "shell kwargs: %v", err)
	}
	if p.Command == "" {
		return nil, domain.Execf("bad_params", "command is required")
	}

	cmd := exec.CommandContext(ctx, p.Command, p.Args...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return nil, domain.Execf("shell", "%v; out=%s", err, out)
	}
	return json.Marshal(map[string]any{"output": string(out)})
}
