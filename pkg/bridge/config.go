// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package bridge

import (
	_ "embed"
	"fmt"
	"os"
	"strings"
	"text/template"
	"time"

	"go.mau.fi/zeroconfig"
	"gopkg.in/yaml.v3"
)

//go:embed example-config.yaml
var ExampleConfig string

// Config is the full bridge configuration, loaded from YAML.
type Config struct {
	Homeserver HomeserverConfig  `yaml:"homeserver"`
	Appservice AppserviceConfig  `yaml:"appservice"`
	Bridge     BridgeConfig      `yaml:"bridge"`
	Database   DatabaseConfig    `yaml:"database"`
	Logging    zeroconfig.Config `yaml:"logging"`
}

// HomeserverConfig locates the hub-network homeserver.
type HomeserverConfig struct {
	Address string `yaml:"address"`
	Domain  string `yaml:"domain"`
}

// AppserviceConfig configures the appservice listener and registration.
type AppserviceConfig struct {
	Hostname     string `yaml:"hostname"`
	Port         uint16 `yaml:"port"`
	Registration string `yaml:"registration"`
}

// DatabaseConfig locates the entity store database.
type DatabaseConfig struct {
	URI string `yaml:"uri"`
}

// BridgeConfig holds the core routing and mapping knobs.
type BridgeConfig struct {
	// GhostPrefix is the localpart prefix of ghost users. It doubles as
	// the marker for IsRemoteProjectedIdentity.
	GhostPrefix string `yaml:"ghost_prefix"`
	// DisplaynameTemplate renders ghost display names from the remote
	// contact, e.g. "{{.Name}} (WeTalk)".
	DisplaynameTemplate string `yaml:"displayname_template"`
	// MaxEventAgeSeconds drops events older than this on both network
	// sides, measured against the event's own timestamp. The unit is
	// seconds everywhere; it is converted once to a time.Duration.
	// Zero disables the age filter.
	MaxEventAgeSeconds int `yaml:"max_event_age_seconds"`
	// GatewayURL is the default puppet gateway for sessions whose owner
	// record carries no per-user gateway options.
	GatewayURL string `yaml:"gateway_url"`

	displaynameTemplate *template.Template `yaml:"-"`
}

// DisplaynameParams are the fields available to the displayname template.
type DisplaynameParams struct {
	Name      string
	ContactID string
}

func (c *Config) UnmarshalYAML(node *yaml.Node) error {
	type rawConfig Config
	return node.Decode((*rawConfig)(c))
}

// PostProcess fills defaults and compiles the displayname template. It
// must run once after unmarshalling, before the config is used.
func (c *Config) PostProcess() error {
	if c.Bridge.GhostPrefix == "" {
		c.Bridge.GhostPrefix = "wetalk_"
	}
	if c.Bridge.DisplaynameTemplate == "" {
		c.Bridge.DisplaynameTemplate = "{{.Name}} (WeTalk)"
	}
	var err error
	c.Bridge.displaynameTemplate, err = template.New("displayname").Parse(c.Bridge.DisplaynameTemplate)
	if err != nil {
		return fmt.Errorf("failed to parse displayname template: %w", err)
	}
	return nil
}

// MaxEventAge returns the staleness threshold as a duration.
func (c *BridgeConfig) MaxEventAge() time.Duration {
	return time.Duration(c.MaxEventAgeSeconds) * time.Second
}

// FormatDisplayname renders a ghost display name. It falls back to the
// contact's name, then id, if the template is unusable.
func (c *BridgeConfig) FormatDisplayname(params DisplaynameParams) string {
	fallback := params.Name
	if fallback == "" {
		fallback = params.ContactID
	}
	if c.displaynameTemplate == nil {
		return fallback
	}
	var sb strings.Builder
	if err := c.displaynameTemplate.Execute(&sb, params); err != nil {
		return fallback
	}
	return sb.String()
}

// LoadConfig reads, parses and post-processes a config file.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	var cfg Config
	if err = yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err = cfg.PostProcess(); err != nil {
		return nil, err
	}
	return &cfg, nil
}
