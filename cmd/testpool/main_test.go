package main

import (
	"testing"

	"github.com/deixis/testpool/internal/config"
	"github.com/deixis/testpool/internal/shard"
)

func TestShardFlags(t *testing.T) {
	tests := []struct {
		name    string
		flags   runFlags
		want    shard.Spec
		wantErr bool
	}{
		{"none", runFlags{}, shard.Spec{}, false},
		{"combined", runFlags{shard: "2/5"}, shard.Spec{ID: 2, Count: 5}, false},
		{"split", runFlags{shardID: 1, shardCount: 3}, shard.Spec{ID: 1, Count: 3}, false},
		{"both forms", runFlags{shard: "1/2", shardID: 1, shardCount: 2}, shard.Spec{}, true},
		{"id out of range", runFlags{shardID: 4, shardCount: 3}, shard.Spec{}, true},
		{"missing count", runFlags{shardID: 1}, shard.Spec{}, true},
		{"malformed", runFlags{shard: "2-5"}, shard.Spec{}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := shardFlags(tt.flags)
			if (err != nil) != tt.wantErr {
				t.Fatalf("shardFlags() error = %v, wantErr %v", err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("shardFlags() = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestStepsFlag(t *testing.T) {
	steps, err := stepsFlag("vet, test,cover")
	if err != nil {
		t.Fatal(err)
	}
	if len(steps) != 3 || steps[0] != "vet" || steps[1] != "test" || steps[2] != "cover" {
		t.Errorf("stepsFlag() = %v", steps)
	}

	if steps, err := stepsFlag(""); err != nil || steps != nil {
		t.Errorf("empty flag: got %v, %v", steps, err)
	}
	if _, err := stepsFlag("test,bench"); err == nil {
		t.Error("expected error for unknown step")
	}
}

func TestApplyRunFlags(t *testing.T) {
	cfg := &config.Config{}
	applyRunFlags(cfg, runFlags{pool: 3, noRecovery: true, recoveryHeap: 0})

	if got := cfg.PoolSize(); got != 3 {
		t.Errorf("PoolSize() = %d, want 3", got)
	}
	if cfg.CrashRecovery() {
		t.Error("CrashRecovery() = true, want false")
	}
	if got := cfg.CrashRecoveryMaxHeap(); got != 0 {
		t.Errorf("CrashRecoveryMaxHeap() = %d, want 0", got)
	}

	cfg = &config.Config{}
	applyRunFlags(cfg, runFlags{recoveryHeap: -1})
	if got := cfg.CrashRecoveryMaxHeap(); got != config.DefaultCrashRecoveryMaxHeap {
		t.Errorf("unset flag: CrashRecoveryMaxHeap() = %d, want default", got)
	}
	if !cfg.CrashRecovery() {
		t.Error("unset flag: CrashRecovery() = false, want true")
	}
}
