// Package config loads the bridge configuration from a YAML file, with
// environment-variable overrides for credentials so they can be kept out of
// the file on containerized deployments.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Number of entries expected in the ordered command vocabulary and in the
// prefix list. The command interpreter addresses both by position.
const (
	NumCommands = 23
	NumPrefixes = 4
)

// Positions inside the prefix list.
const (
	PrefixAP      = 0 // Fediverse mention prefix, typically "@"
	PrefixXMPP    = 1 // XMPP address prefix, e.g. "xmpp:"
	PrefixCommand = 2 // command prefix, e.g. "!"
	PrefixLang    = 3 // language directive prefix, e.g. "lang="
)

// rawConfig mirrors the YAML document.
type rawConfig struct {
	APBridgeJID    string            `yaml:"ap_bridge_jid"`
	APBridgePass   string            `yaml:"ap_bridge_pass"`
	APInstance     string            `yaml:"ap_instance"`
	APAdmin        []string          `yaml:"ap_admin"`
	XMPPBridgeName string            `yaml:"xmpp_bridge_name"`
	XMPPToken      string            `yaml:"xmpp_bridge_token"`
	XMPPInstance   string            `yaml:"xmpp_instance"`
	XMPPAdmin      []string          `yaml:"xmpp_admin"`
	UserAgent      string            `yaml:"user-agent"`
	LogFile        string            `yaml:"bridge-log-file"`
	DatabaseURL    string            `yaml:"bridge-database-file"`
	FilesDir       string            `yaml:"bridge-files-dir"`
	DefaultLang    string            `yaml:"bridge-default-language"`
	UnknownLang    string            `yaml:"bridge-unknown-language"`
	CommandList    []string          `yaml:"bridge-command-list"`
	Prefixes       []string          `yaml:"bridge-prefixes"`
	CharLimit      int               `yaml:"max-char-per-post"`
	MinActive      int               `yaml:"min-ap-activity-posts"`
	GreenMode      bool              `yaml:"greenlist-mode"`
	MaxReg         int               `yaml:"max-ap-registrations"`
	MaxRegUsers    int               `yaml:"max-reg-users"`
	MaxDest        int               `yaml:"max-dest-to-send"`
	MaxReply       int               `yaml:"max-minutes-for-reply"`
	MaxRate        int               `yaml:"max-user-rate"`
	Retention      int               `yaml:"max-retention-days-revoked-user"`
	CommLimit      int               `yaml:"comm-max-limit-days"`
	SilentBlock    bool              `yaml:"silent-block"`
	SilentSend     bool              `yaml:"silent-send"`
	HelpURL        map[string]string `yaml:"help-url"`
	AdminHelpURL   map[string]string `yaml:"ahelp-url"`
	TranslationDir string            `yaml:"translation-dir"`
	StatusPort     string            `yaml:"status-port"`
}

// Config holds all runtime configuration for both listener processes.
type Config struct {
	// Bridge service accounts. BridgeJID is the XMPP identity of the bridge;
	// BridgeAcct is its Fediverse account name on APInstance.
	BridgeJID  string
	BridgePass string
	BridgeAcct string
	Token      string

	APInstance   string
	XMPPInstance string
	APAdmins     []string
	XMPPAdmins   []string

	UserAgent   string
	LogFile     string
	DatabaseURL string

	// Operational state files under the files dir.
	StartFile string
	OpenFile  string
	RedFile   string
	GreenFile string

	DefaultLang string
	UnknownLang string
	CommandList []string
	Prefixes    []string

	CharLimit   int
	MinActive   int
	GreenMode   bool
	MaxReg      int
	MaxRegUsers int
	MaxDest     int
	MaxReply    int
	MaxRate     int
	Retention   int
	CommLimit   int
	SilentBlock bool
	SilentSend  bool

	HelpURL      map[string]string
	AdminHelpURL map[string]string

	TranslationDir string
	StatusPort     string

	// Populated after the translation catalog is loaded.
	Languages []string

	// Fetched from the instance at startup; falls back to the configured
	// defaults when the instance cannot be reached.
	AccountLocked bool
}

// Load reads and validates the configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var raw rawConfig
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg := &Config{
		BridgeJID:      strings.ToLower(getEnv("AP_BRIDGE_JID", raw.APBridgeJID)),
		BridgePass:     getEnv("AP_BRIDGE_PASS", raw.APBridgePass),
		BridgeAcct:     strings.ToLower(getEnv("XMPP_BRIDGE_NAME", raw.XMPPBridgeName)),
		Token:          getEnv("XMPP_BRIDGE_TOKEN", raw.XMPPToken),
		APInstance:     raw.APInstance,
		XMPPInstance:   raw.XMPPInstance,
		APAdmins:       lowerAll(raw.APAdmin),
		XMPPAdmins:     lowerAll(raw.XMPPAdmin),
		UserAgent:      raw.UserAgent,
		LogFile:        raw.LogFile,
		DatabaseURL:    raw.DatabaseURL,
		StartFile:      filepath.Join(raw.FilesDir, "xmpp-bridge-start.txt"),
		OpenFile:       filepath.Join(raw.FilesDir, "xmpp-bridge-open.txt"),
		RedFile:        filepath.Join(raw.FilesDir, "xmpp-bridge-red.txt"),
		GreenFile:      filepath.Join(raw.FilesDir, "xmpp-bridge-green.txt"),
		DefaultLang:    raw.DefaultLang,
		UnknownLang:    raw.UnknownLang,
		CommandList:    raw.CommandList,
		Prefixes:       raw.Prefixes,
		CharLimit:      raw.CharLimit,
		MinActive:      min(raw.MinActive, 40), // Mastodon caps status pages at 40
		GreenMode:      raw.GreenMode,
		MaxReg:         raw.MaxReg,
		MaxRegUsers:    raw.MaxRegUsers,
		MaxDest:        max(raw.MaxDest, 1),
		MaxReply:       raw.MaxReply,
		MaxRate:        raw.MaxRate,
		Retention:      raw.Retention,
		CommLimit:      raw.CommLimit,
		SilentBlock:    raw.SilentBlock,
		SilentSend:     raw.SilentSend,
		HelpURL:        raw.HelpURL,
		AdminHelpURL:   raw.AdminHelpURL,
		TranslationDir: raw.TranslationDir,
		StatusPort:     raw.StatusPort,
	}

	// A user rate also caps the recipient count; a single send may never
	// exceed what the rate window allows.
	if cfg.MaxRate > 0 {
		cfg.MaxDest = min(cfg.MaxDest, cfg.MaxRate)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if len(c.CommandList) != NumCommands {
		return fmt.Errorf("config: bridge-command-list must have %d entries, got %d", NumCommands, len(c.CommandList))
	}
	if len(c.Prefixes) != NumPrefixes {
		return fmt.Errorf("config: bridge-prefixes must have %d entries, got %d", NumPrefixes, len(c.Prefixes))
	}
	if c.APInstance == "" || c.XMPPInstance == "" {
		return fmt.Errorf("config: ap_instance and xmpp_instance are required")
	}
	if c.BridgeJID == "" || c.BridgeAcct == "" {
		return fmt.Errorf("config: ap_bridge_jid and xmpp_bridge_name are required")
	}
	if c.DatabaseURL == "" {
		return fmt.Errorf("config: bridge-database-file is required")
	}
	if c.DefaultLang == "" || c.UnknownLang == "" {
		return fmt.Errorf("config: default and unknown languages are required")
	}
	return nil
}

// IsAdmin reports whether user is a bridge administrator on the given side
// (0 = Fediverse, 1 = XMPP).
func (c *Config) IsAdmin(side int, user string) bool {
	admins := c.APAdmins
	if side == 1 {
		admins = c.XMPPAdmins
	}
	for _, a := range admins {
		if a == user {
			return true
		}
	}
	return false
}

// LocalDomain reports whether the domain is one of the two instances the
// bridge itself lives on. Local users bypass red/green list checks.
func (c *Config) LocalDomain(domain string) bool {
	return domain == c.APInstance || domain == c.XMPPInstance
}

// SetLanguages records the loaded translation languages and fills in help URL
// defaults for languages that have no configured page.
func (c *Config) SetLanguages(langs []string) {
	c.Languages = langs
	fallback := "https://" + c.APInstance + "/@" + c.BridgeAcct
	if c.HelpURL == nil {
		c.HelpURL = make(map[string]string)
	}
	if c.AdminHelpURL == nil {
		c.AdminHelpURL = make(map[string]string)
	}
	for _, l := range langs {
		if _, ok := c.HelpURL[l]; !ok {
			c.HelpURL[l] = fallback
		}
		if _, ok := c.AdminHelpURL[l]; !ok {
			c.AdminHelpURL[l] = fallback
		}
	}
}

// Supported reports whether lang is one of the loaded translation languages.
func (c *Config) Supported(lang string) bool {
	for _, l := range c.Languages {
		if l == lang {
			return true
		}
	}
	return false
}

// ApplyInstanceSettings overrides defaults with values fetched from the
// Fediverse instance at startup. Zero values leave the defaults untouched.
func (c *Config) ApplyInstanceSettings(locked bool, charLimit int) {
	c.AccountLocked = locked
	if charLimit > 0 {
		c.CharLimit = charLimit
	}
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func lowerAll(in []string) []string {
	out := make([]string, len(in))
	for i, s := range in {
		out[i] = strings.ToLower(s)
	}
	return out
}
