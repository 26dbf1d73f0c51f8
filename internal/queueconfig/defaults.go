package queueconfig

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/suPer8Hu/coursegen/internal/queue"
)

// Defaults are the values a queue's row is created with on first read.
type Defaults map[queue.Name]Values

var builtinDefaults = Defaults{
	queue.CourseStructure: {Attempts: 3, BackoffDelayMs: 5000, RateLimitRetrySeconds: 60, MaxBackoffMinutes: 30},
	queue.Quiz:            {Attempts: 3, BackoffDelayMs: 2000, RateLimitRetrySeconds: 60, MaxBackoffMinutes: 10},
	queue.Email:           {Attempts: 5, BackoffDelayMs: 10000, RateLimitRetrySeconds: 30, MaxBackoffMinutes: 60},
	queue.Sitemap:         {Attempts: 2, BackoffDelayMs: 30000, RateLimitRetrySeconds: 60, MaxBackoffMinutes: 10},
}

// BuiltinDefaults returns a copy of the compiled-in defaults.
func BuiltinDefaults() Defaults {
	out := make(Defaults, len(builtinDefaults))
	for k, v := range builtinDefaults {
		out[k] = v
	}
	return out
}

type yamlQueueDefaults struct {
	Queues map[string]yamlValues `yaml:"queues"`
}

type yamlValues struct {
	Attempts              *int `yaml:"attempts"`
	BackoffDelayMs        *int `yaml:"backoff_delay_ms"`
	RateLimitRetrySeconds *int `yaml:"rate_limit_retry_seconds"`
	MaxBackoffMinutes     *int `yaml:"max_backoff_minutes"`
}

// LoadDefaults overlays the YAML file at path onto the builtin defaults.
// An empty path returns the builtins. Fields missing from the file keep
// their builtin value.
//
//	queues:
//	  quiz:
//	    attempts: 4
//	    backoff_delay_ms: 1500
func LoadDefaults(path string) (Defaults, error) {
	out := BuiltinDefaults()
	if path == "" {
		return out, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read queue defaults: %w", err)
	}
	return ParseDefaults(data)
}

func ParseDefaults(data []byte) (Defaults, error) {
	out := BuiltinDefaults()
	var doc yamlQueueDefaults
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse queue defaults: %w", err)
	}
	for raw, y := range doc.Queues {
		name, err := queue.ParseName(raw)
		if err != nil {
			return nil, err
		}
		v := out[name]
		if y.Attempts != nil {
			v.Attempts = *y.Attempts
		}
		if y.BackoffDelayMs != nil {
			v.BackoffDelayMs = *y.BackoffDelayMs
		}
		if y.RateLimitRetrySeconds != nil {
			v.RateLimitRetrySeconds = *y.RateLimitRetrySeconds
		}
		if y.MaxBackoffMinutes != nil {
			v.MaxBackoffMinutes = *y.MaxBackoffMinutes
		}
		if err := v.validate(); err != nil {
			return nil, fmt.Errorf("queue %s: %w", name, err)
		}
		out[name] = v
	}
	return out, nil
}
