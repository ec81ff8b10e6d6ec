package pystemon

import (
	"os"
	"path/filepath"
	"testing"
)

func writeConfigFile(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "pystemon.yaml")
	if err := os.WriteFile(path, []byte(body), 0644); err != nil {
		t.Fatalf("writing config file: %v", err)
	}
	return path
}

const minimalValidConfig = `
threads: 4
engine: re
storage:
  archive:
    save: true
    dir: /tmp/pystemon-archive
    dir-all: /tmp/pystemon-archive-all
site:
  demo:
    enable: true
    download-url: "https://paste.example/raw/{id}"
    archive-url: "https://paste.example/archive"
    archive-regex: "[a-z0-9]{8}"
    update-min: 10
    update-max: 20
`

func TestReadConfigFileValid(t *testing.T) {
	path := writeConfigFile(t, minimalValidConfig)
	if err := ReadConfigFile(path); err != nil {
		t.Fatalf("expected valid config to load, got: %v", err)
	}
	if Config.Threads != 4 {
		t.Fatalf("expected threads=4, got %d", Config.Threads)
	}
	if !Config.Site["demo"].Enable {
		t.Fatalf("expected site demo to be enabled")
	}
}

func TestReadConfigFileRejectsMissingArchiveStorage(t *testing.T) {
	path := writeConfigFile(t, `
threads: 1
engine: re
site: {}
`)
	if err := ReadConfigFile(path); err == nil {
		t.Fatalf("expected missing storage.archive to be rejected")
	}
}

func TestReadConfigFileRejectsBadEngine(t *testing.T) {
	path := writeConfigFile(t, `
threads: 1
engine: nope
storage:
  archive:
    dir: /tmp/x
`)
	if err := ReadConfigFile(path); err == nil {
		t.Fatalf("expected an invalid engine value to be rejected")
	}
}

func TestReadConfigFileRejectsSiteWithoutIDPlaceholder(t *testing.T) {
	path := writeConfigFile(t, `
threads: 1
engine: re
storage:
  archive:
    dir: /tmp/x
site:
  demo:
    enable: true
    download-url: "https://paste.example/raw/fixed"
    archive-url: "https://paste.example/archive"
    archive-regex: "[a-z]+"
    update-min: 1
    update-max: 2
`)
	if err := ReadConfigFile(path); err == nil {
		t.Fatalf("expected a download-url missing {id} to be rejected")
	}
}

func TestReadConfigFileMergesIncludes(t *testing.T) {
	dir := t.TempDir()
	includedPath := filepath.Join(dir, "extra.yaml")
	if err := os.WriteFile(includedPath, []byte("threads: 7\n"), 0644); err != nil {
		t.Fatalf("writing include file: %v", err)
	}
	mainPath := filepath.Join(dir, "pystemon.yaml")
	mainBody := `
threads: 1
engine: re
storage:
  archive:
    dir: /tmp/x
includes:
  - extra.yaml
`
	if err := os.WriteFile(mainPath, []byte(mainBody), 0644); err != nil {
		t.Fatalf("writing main config: %v", err)
	}

	if err := ReadConfigFile(mainPath); err != nil {
		t.Fatalf("ReadConfigFile: %v", err)
	}
	if Config.Threads != 7 {
		t.Fatalf("expected the included file to override threads to 7, got %d", Config.Threads)
	}
}

func TestSetDefaultConfigValues(t *testing.T) {
	SetDefaultConfig()
	if Config.Threads != 2 {
		t.Fatalf("expected default Threads=2, got %d", Config.Threads)
	}
	if Config.Engine != string(EngineRE2) {
		t.Fatalf("expected default engine %q, got %q", EngineRE2, Config.Engine)
	}
	if !Config.SaveThread {
		t.Fatalf("expected SaveThread to default true")
	}
}

func TestBuildPatternSetDefaultsCountToUnbounded(t *testing.T) {
	ps, err := BuildPatternSet([]PatternConfig{{Search: "AAA"}}, EngineRE2, false)
	if err != nil {
		t.Fatalf("BuildPatternSet: %v", err)
	}
	if len(ps.Patterns) != 1 {
		t.Fatalf("expected one compiled pattern")
	}
	if ps.Patterns[0].Count != -1 {
		t.Fatalf("expected an unset count to compile to -1 (unbounded), got %d", ps.Patterns[0].Count)
	}
}

func TestDefaultConfigPathPrefersMostSpecific(t *testing.T) {
	dir := t.TempDir()
	wd, err := os.Getwd()
	if err != nil {
		t.Fatalf("Getwd: %v", err)
	}
	defer os.Chdir(wd)
	if err := os.Chdir(dir); err != nil {
		t.Fatalf("Chdir: %v", err)
	}

	if err := os.WriteFile("pystemon.yaml", []byte(""), 0644); err != nil {
		t.Fatalf("writing pystemon.yaml: %v", err)
	}
	if err := os.WriteFile("myprogram.yaml", []byte(""), 0644); err != nil {
		t.Fatalf("writing myprogram.yaml: %v", err)
	}

	got := DefaultConfigPath("myprogram")
	if got != "myprogram.yaml" {
		t.Fatalf("expected the program-named config to win, got %q", got)
	}
}
