package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadConfigDefaults(t *testing.T) {
	t.Chdir(t.TempDir())
	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	p := cfg.Pipeline
	if p.MaxConcurrentDocuments != 5 || p.MaxWorkersPerDocument != 4 {
		t.Fatalf("concurrency defaults = %d/%d", p.MaxConcurrentDocuments, p.MaxWorkersPerDocument)
	}
	if p.MaxComponentTokens != 500 || p.ComponentMergeThreshold != 100 {
		t.Fatalf("chunk defaults = %d/%d", p.MaxComponentTokens, p.ComponentMergeThreshold)
	}
	if p.Guardrail.WindowSize != 200 || p.Guardrail.MaxLength != 50000 {
		t.Fatalf("guardrail defaults = %+v", p.Guardrail)
	}
	if cfg.RequireGemini() == nil {
		t.Fatal("RequireGemini should fail without a key")
	}
}

func TestLoadConfigEnvAndYAMLOverlay(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)
	path := filepath.Join(dir, "pipeline.yaml")
	yml := "max_workers_per_document: 8\nchunk_strategy: hybrid\nllm_timeout: 30s\nguardrail:\n  max_length: 1000\n"
	if err := os.WriteFile(path, []byte(yml), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("PIPELINE_CONFIG_FILE", path)
	t.Setenv("MAX_CONCURRENT_DOCUMENTS", "2")
	t.Setenv("INBOX_INTERVAL", "15")

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	p := cfg.Pipeline
	if p.MaxConcurrentDocuments != 2 {
		t.Fatalf("env value lost: %d", p.MaxConcurrentDocuments)
	}
	if p.MaxWorkersPerDocument != 8 || p.ChunkStrategy != "hybrid" || p.LLMTimeout != 30*time.Second {
		t.Fatalf("overlay not applied: %+v", p)
	}
	if p.Guardrail.MaxLength != 1000 || p.Guardrail.WindowSize != 200 {
		t.Fatalf("nested overlay = %+v", p.Guardrail)
	}
	if cfg.InboxInterval != 15*time.Second {
		t.Fatalf("InboxInterval = %s", cfg.InboxInterval)
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	t.Chdir(t.TempDir())
	cfg, err := LoadConfig()
	if err != nil {
		t.Fatal(err)
	}
	cfg.Pipeline.MaxWorkersPerDocument = 0
	cfg.Pipeline.ChunkStrategy = "semantic"
	cfg.SnapshotCompression = "zstd"

	err = cfg.Validate()
	if err == nil {
		t.Fatal("expected validation error")
	}
	for _, want := range []string{"max_workers_per_document", "chunk_strategy", "SNAPSHOT_COMPRESSION"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q does not mention %s", err, want)
		}
	}
}

func TestRedisOptions(t *testing.T) {
	opt, err := RedisOptions(&Config{RedisURL: "redis://:secret@cache:6380/2"})
	if err != nil {
		t.Fatal(err)
	}
	if opt.Addr != "cache:6380" || opt.DB != 2 || opt.Password != "secret" {
		t.Fatalf("parsed options = %+v", opt)
	}
	opt, err = RedisOptions(&Config{RedisURL: "localhost:6379", RedisDB: 3})
	if err != nil {
		t.Fatal(err)
	}
	if opt.Addr != "localhost:6379" || opt.DB != 3 {
		t.Fatalf("host:port options = %+v", opt)
	}
}
