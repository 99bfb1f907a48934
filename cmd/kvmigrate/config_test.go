package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestConfig_MergeOnlySetKeys(t *testing.T) {
	a := DefaultConfig()
	a.Source.Host = "a-host"
	a.set("source")
	a.set("source.host")

	b := DefaultConfig()
	// b never sets source.host; merging it into a must not clobber a's value.
	a.Merge(b)

	if a.Source.Host != "a-host" {
		t.Fatalf("expected source.host to remain %q, got %q", "a-host", a.Source.Host)
	}
}

func TestConfig_MergeOverridesSetKeys(t *testing.T) {
	a := DefaultConfig()
	a.Source.Host = "a-host"
	a.set("source")
	a.set("source.host")

	b := DefaultConfig()
	b.Source.Host = "b-host"
	b.set("source")
	b.set("source.host")

	a.Merge(b)

	if a.Source.Host != "b-host" {
		t.Fatalf("expected merge to override source.host with %q, got %q", "b-host", a.Source.Host)
	}
}

func TestConfig_CopyIsIndependent(t *testing.T) {
	a := DefaultConfig()
	a.Source.Host = "original"

	cp := a.Copy()
	cp.Source.Host = "copied"

	if a.Source.Host != "original" {
		t.Fatalf("expected copy mutation not to affect original, got %q", a.Source.Host)
	}
}

func TestConfig_FinalizeFillsDefaults(t *testing.T) {
	c := &Config{Source: &ConnectionConfig{}, Target: &ConnectionConfig{}}
	c.Finalize()

	if c.BatchSize != 5000 || c.ChunkSize != 1000 {
		t.Fatalf("expected default batch/chunk sizes, got %d/%d", c.BatchSize, c.ChunkSize)
	}
	if c.Source.Port != 6379 || c.Target.Port != 6379 {
		t.Fatalf("expected default redis ports, got source=%d target=%d", c.Source.Port, c.Target.Port)
	}
	if c.MigrationID == "" {
		t.Fatalf("expected a default migration ID")
	}
}

func TestParseConfig_HCL(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "kvmigrate.hcl")
	contents := `
migration_id = "nightly-sync"
batch_size   = 2500
chunk_size   = 500
log_level    = "DEBUG"

source {
  host = "src.internal"
  port = 6380
}

target {
  host = "dst.internal"
  port = 6381
  tls  = true
}
`
	if err := os.WriteFile(path, []byte(contents), 0644); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}

	c, err := ParseConfig(path)
	if err != nil {
		t.Fatalf("ParseConfig failed: %v", err)
	}

	if c.MigrationID != "nightly-sync" {
		t.Fatalf("expected migration_id nightly-sync, got %q", c.MigrationID)
	}
	if c.Source.Host != "src.internal" || c.Source.Port != 6380 {
		t.Fatalf("unexpected source: %+v", c.Source)
	}
	if c.Target.Host != "dst.internal" || c.Target.Port != 6381 || !c.Target.TLS {
		t.Fatalf("unexpected target: %+v", c.Target)
	}
	if !c.WasSet("batch_size") || c.BatchSize != 2500 {
		t.Fatalf("expected batch_size to be set to 2500, got %d (set=%v)", c.BatchSize, c.WasSet("batch_size"))
	}
}

func TestCLI_ParseFlags(t *testing.T) {
	cli := NewCLI(os.Stdout, os.Stderr)

	c, paths, isVersion, err := cli.ParseFlags([]string{
		"-source-addr", "src",
		"-source-port", "6400",
		"-target-addr", "dst",
		"-batch-size", "100",
		"-metric-interval", "2s",
	})
	if err != nil {
		t.Fatalf("ParseFlags failed: %v", err)
	}
	if isVersion {
		t.Fatalf("did not expect -version to be set")
	}
	if len(paths) != 0 {
		t.Fatalf("expected no config paths, got %v", paths)
	}
	if c.Source.Host != "src" || c.Source.Port != 6400 {
		t.Fatalf("unexpected source: %+v", c.Source)
	}
	if c.Target.Host != "dst" {
		t.Fatalf("unexpected target: %+v", c.Target)
	}
	if c.BatchSize != 100 {
		t.Fatalf("expected batch size 100, got %d", c.BatchSize)
	}
	if c.MetricInterval != 2*time.Second {
		t.Fatalf("expected metric interval 2s, got %v", c.MetricInterval)
	}
}

func TestCLI_ParseFlagsVersion(t *testing.T) {
	cli := NewCLI(os.Stdout, os.Stderr)
	_, _, isVersion, err := cli.ParseFlags([]string{"-version"})
	if err != nil {
		t.Fatalf("ParseFlags failed: %v", err)
	}
	if !isVersion {
		t.Fatalf("expected -version to be recognized")
	}
}
