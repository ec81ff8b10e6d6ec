package pystemon

import (
	"fmt"
	"io/ioutil"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"gopkg.in/yaml.v2"

	"github.com/rs/zerolog/log"
)

// Config is the process-wide configuration instance the Supervisor and its
// components read. It is replaced wholesale on each successful reload; all
// readers should snapshot the pointer they need under a lock rather than
// reading the global repeatedly mid-operation.
//
// Grounded on walker's config.go package-level Config/SetDefaultConfig/
// ReadConfigFile/assertConfigInvariants pattern, generalized to pystemon's
// YAML surface and pystemon/config.py's PystemonConfig.
var Config RawConfig

// ConfigName is the path to the YAML config file that should be read.
var ConfigName = "pystemon.yaml"

// RawConfig mirrors the top-level YAML document structure.
type RawConfig struct {
	Threads      int    `yaml:"threads"`
	Engine       string `yaml:"engine"`
	StrictRegex  bool   `yaml:"strict_regex"`
	SaveThread   bool   `yaml:"save-thread"`
	LoggingLevel string `yaml:"logging-level"`

	Pid struct {
		Filename string `yaml:"filename"`
	} `yaml:"pid"`

	Network struct {
		IP string `yaml:"ip"`
	} `yaml:"network"`

	Proxy struct {
		Random bool   `yaml:"random"`
		File   string `yaml:"file"`
	} `yaml:"proxy"`

	UserAgentCfg struct {
		Random bool   `yaml:"random"`
		File   string `yaml:"file"`
	} `yaml:"user-agent"`

	Email EmailConfig `yaml:"email"`

	Storage map[string]StorageConfig `yaml:"storage"`

	Search []PatternConfig `yaml:"search"`

	Site map[string]SiteYAML `yaml:"site"`

	Console struct {
		Port int `yaml:"port"`
	} `yaml:"console"`

	Includes []string `yaml:"includes"`
}

// EmailConfig mirrors the email.* YAML keys.
type EmailConfig struct {
	Alert     bool   `yaml:"alert"`
	From      string `yaml:"from"`
	To        string `yaml:"to"`
	Subject   string `yaml:"subject"`
	Server    string `yaml:"server"`
	Port      int    `yaml:"port"`
	TLS       bool   `yaml:"tls"`
	Username  string `yaml:"username"`
	Password  string `yaml:"password"`
	SizeLimit int64  `yaml:"size-limit"`
}

// StorageConfig mirrors storage.<name>.* YAML keys. Backend-specific keys
// live in Extra.
type StorageConfig struct {
	Save             bool              `yaml:"save"`
	SaveAll          bool              `yaml:"save-all"`
	StorageClassname string            `yaml:"storage-classname"`
	Lookup           bool              `yaml:"lookup"`
	Extra            map[string]string `yaml:",inline"`
}

// PatternConfig mirrors one entry of the search list.
type PatternConfig struct {
	Search      string            `yaml:"search"`
	Exclude     string            `yaml:"exclude"`
	Description string            `yaml:"description"`
	Count       int               `yaml:"count"`
	RegexFlags  string            `yaml:"regex-flags"`
	To          string            `yaml:"to"`
	Extra       map[string]string `yaml:",inline"`
}

// SiteYAML mirrors site.<name>.* YAML keys.
type SiteYAML struct {
	Enable          bool   `yaml:"enable"`
	DownloadURL     string `yaml:"download-url"`
	ArchiveURL      string `yaml:"archive-url"`
	ArchiveRegex    string `yaml:"archive-regex"`
	PublicURL       string `yaml:"public-url"`
	MetadataURL     string `yaml:"metadata-url"`
	UpdateMin       int    `yaml:"update-min"`
	UpdateMax       int    `yaml:"update-max"`
	PastieClassname string `yaml:"pastie-classname"`
	Throttling      int    `yaml:"throttling"`
}

// SetDefaultConfig resets Config to default values.
func SetDefaultConfig() {
	Config = RawConfig{}
	Config.Threads = 2
	Config.Engine = string(EngineRE2)
	Config.StrictRegex = false
	Config.SaveThread = true
	Config.LoggingLevel = "info"
	Config.Email.SizeLimit = 1024 * 1024
	Config.Storage = map[string]StorageConfig{}
	Config.Site = map[string]SiteYAML{}
}

// ReadConfigFile points ConfigName at path and reloads.
func ReadConfigFile(path string) error {
	ConfigName = path
	return readConfig()
}

func readConfig() (err error) {
	prev := Config
	defer func() {
		if err != nil {
			Config = prev
		}
	}()
	SetDefaultConfig()

	data, err := ioutil.ReadFile(ConfigName)
	if err != nil {
		return fmt.Errorf("failed to read config file (%v): %w", ConfigName, err)
	}
	if err := yaml.Unmarshal(data, &Config); err != nil {
		return fmt.Errorf("failed to unmarshal yaml from config file (%v): %w", ConfigName, err)
	}

	for _, inc := range Config.Includes {
		incPath := inc
		if !filepath.IsAbs(incPath) {
			incPath = filepath.Join(filepath.Dir(ConfigName), incPath)
		}
		idata, err := ioutil.ReadFile(incPath)
		if err != nil {
			return fmt.Errorf("failed to read included config file (%v): %w", incPath, err)
		}
		if err := yaml.Unmarshal(idata, &Config); err != nil {
			return fmt.Errorf("failed to unmarshal included config file (%v): %w", incPath, err)
		}
	}

	if err := assertConfigInvariants(); err != nil {
		return err
	}
	log.Info().Str("file", ConfigName).Msg("loaded configuration")
	return nil
}

func assertConfigInvariants() error {
	var errs []string

	if Config.Threads < 1 {
		errs = append(errs, "threads must be >= 1")
	}
	if Config.Engine != string(EngineRE2) && Config.Engine != string(EngineRegexp2) {
		errs = append(errs, fmt.Sprintf("engine must be %q or %q", EngineRE2, EngineRegexp2))
	}

	archive, ok := Config.Storage["archive"]
	if !ok {
		errs = append(errs, "storage.archive (the FileStorage anchor) must be configured")
	} else if archive.Extra["dir"] == "" {
		errs = append(errs, "storage.archive.dir must be set")
	}

	for name, site := range Config.Site {
		if !site.Enable {
			continue
		}
		if site.UpdateMin > site.UpdateMax {
			errs = append(errs, fmt.Sprintf("site.%s: update-min must be <= update-max", name))
		}
		if !strings.Contains(site.DownloadURL, "{id}") {
			errs = append(errs, fmt.Sprintf("site.%s: download-url must contain {id}", name))
		}
		if _, err := regexp.Compile(site.ArchiveRegex); err != nil {
			errs = append(errs, fmt.Sprintf("site.%s: invalid archive-regex: %v", name, err))
		}
	}

	if len(errs) > 0 {
		for _, e := range errs {
			log.Error().Str("error", e).Msg("configuration error")
		}
		return fmt.Errorf("configuration error:\n\t%s", strings.Join(errs, "\n\t"))
	}
	return nil
}

// DefaultConfigPath applies the standard discovery order: /etc/pystemon.yaml,
// ./pystemon.yaml, ./<program>.yaml, in that priority (later entries win
// when present, matching the Python original's sequential overwrite of
// options.config).
func DefaultConfigPath(programName string) string {
	path := ""
	if _, err := os.Stat("/etc/pystemon.yaml"); err == nil {
		path = "/etc/pystemon.yaml"
	}
	if _, err := os.Stat("pystemon.yaml"); err == nil {
		path = "pystemon.yaml"
	}
	candidate := strings.TrimSuffix(programName, filepath.Ext(programName)) + ".yaml"
	if _, err := os.Stat(candidate); err == nil {
		path = candidate
	}
	return path
}

// BuildPatternSet compiles every configured search rule into a PatternSet.
func BuildPatternSet(patterns []PatternConfig, engine Engine, strictRegex bool) (*PatternSet, error) {
	ps := &PatternSet{}
	for _, pc := range patterns {
		var to []string
		if pc.To != "" {
			to = strings.Split(pc.To, ",")
		}
		count := pc.Count
		if count == 0 {
			count = -1
		}
		p, err := CompilePattern(pc.Search, pc.Exclude, pc.Description, count, to, pc.Extra, engine, !strictRegex)
		if err != nil {
			return nil, err
		}
		ps.Patterns = append(ps.Patterns, p)
	}
	return ps, nil
}
