package dispatcher

import (
	"testing"
	"time"
)

func TestConfigDefaults(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		in   Config
		want Config
	}{
		{
			name: "zero values",
			in:   Config{},
			want: Config{BufferSize: 1000, Workers: 4, HTTPTimeout: 10 * time.Second, MaxRetries: 3, BreakerThreshold: 5, BreakerCooldown: 30 * time.Second, MaxRequeues: 10},
		},
		{
			name: "negative retries disable retrying",
			in:   Config{MaxRetries: -1, Workers: -2},
			want: Config{BufferSize: 1000, Workers: 4, HTTPTimeout: 10 * time.Second, MaxRetries: 0, BreakerThreshold: 5, BreakerCooldown: 30 * time.Second, MaxRequeues: 10},
		},
		{
			name: "valid values kept",
			in:   Config{BufferSize: 5, Workers: 1, HTTPTimeout: time.Second, MaxRetries: 1, BreakerThreshold: 2, BreakerCooldown: time.Millisecond, MaxRequeues: 1},
			want: Config{BufferSize: 5, Workers: 1, HTTPTimeout: time.Second, MaxRetries: 1, BreakerThreshold: 2, BreakerCooldown: time.Millisecond, MaxRequeues: 1},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := tt.in.withDefaults(); got != tt.want {
				t.Errorf("withDefaults() = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestLoadConfigFromEnv(t *testing.T) {
	t.Setenv("NOTIFY_WORKERS", "2")
	t.Setenv("NOTIFY_BREAKER_COOLDOWN", "5s")
	cfg := LoadConfigFromEnv()
	if cfg.Workers != 2 || cfg.BreakerCooldown != 5*time.Second || cfg.BufferSize != 1000 {
		t.Errorf("cfg = %+v", cfg)
	}
}
