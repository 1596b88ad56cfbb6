package scheduler

import (
	"encoding/json"
	"fmt"

	"github.com/robfig/cron/v3"
	"github.com/spf13/viper"

	"taskmill/internal/domain"
)

// Definition is one recurring task supplied as static configuration.
type Definition struct {
	Name       string
	Type       string
	Executable string
	Args       json.RawMessage
	Kwargs     json.RawMessage
	Cadence    string
	Priority   domain.Priority
	OwnerID    string

	schedule cron.Schedule
}

type rawDefinition struct {
	Name       string         `mapstructure:"name"`
	Type       string         `mapstructure:"type"`
	Executable string         `mapstructure:"executable"`
	Args       []any          `mapstructure:"args"`
	Kwargs     map[string]any `mapstructure:"kwargs"`
	Cadence    string         `mapstructure:"cadence"`
	Priority   string         `mapstructure:"priority"`
	Owner      string         `mapstructure:"owner"`
}

// LoadDefinitions reads recurring task definitions from a YAML file:
//
//	schedules:
//	  - name: nightly-report
//	    executable: report.generate
//	    cadence: "0 3 * * *"
//	    priority: low
//	    kwargs: {chunks: 10}
func LoadDefinitions(path string) ([]*Definition, error) {
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read schedule config: %w", err)
	}
	var raw []rawDefinition
	if err := v.UnmarshalKey("schedules", &raw); err != nil {
		return nil, fmt.Errorf("parse schedule config: %w", err)
	}

	defs := make([]*Definition, 0, len(raw))
	for _, r := range raw {
		if r.Name == "" || r.Executable == "" || r.Cadence == "" {
			return nil, fmt.Errorf("schedule %q: name, executable and cadence are required", r.Name)
		}
		sched, err := cron.ParseStandard(r.Cadence)
		if err != nil {
			return nil, fmt.Errorf("schedule %q: invalid cadence %q: %w", r.Name, r.Cadence, err)
		}
		prio, err := parsePriority(r.Priority)
		if err != nil {
			return nil, fmt.Errorf("schedule %q: %w", r.Name, err)
		}
		def := &Definition{
			Name:       r.Name,
			Type:       r.Type,
			Executable: r.Executable,
			Cadence:    r.Cadence,
			Priority:   prio,
			OwnerID:    r.Owner,
			schedule:   sched,
		}
		if len(r.Args) > 0 {
			def.Args, err = json.Marshal(r.Args)
			if err != nil {
				return nil, fmt.Errorf("schedule %q: args: %w", r.Name, err)
			}
		}
		if len(r.Kwargs) > 0 {
			def.Kwargs, err = json.Marshal(r.Kwargs)
			if err != nil {
				return nil, fmt.Errorf("schedule %q: kwargs: %w", r.Name, err)
			}
		}
		defs = append(defs, def)
	}
	return defs, nil
}

func parsePriority(s string) (domain.Priority, error) {
	switch s {
	case "", "normal":
		return domain.PriorityNormal, nil
	case "low":
		return domain.PriorityLow, nil
	case "high":
		return domain.PriorityHigh, nil
	case "critical":
		return domain.PriorityCritical, nil
	}
	return 0, fmt.Errorf("unknown priority %q", s)
}
