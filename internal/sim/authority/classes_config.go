package authority

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"statecast.dev/internal/protocol"
)

// ClassesConfig is the yaml class registry loaded at boot. Classes can
// also be registered programmatically; the file exists so a server and
// its clients agree on schemas without a code change.
type ClassesConfig struct {
	Classes []ClassConfig `yaml:"classes"`
}

type ClassConfig struct {
	ID         uint32           `yaml:"id"`
	Name       string           `yaml:"name"`
	Properties []PropertyConfig `yaml:"properties"`

	Relevancy *RelevancyConfig `yaml:"relevancy,omitempty"`
}

type PropertyConfig struct {
	Name       string `yaml:"name"`
	Type       string `yaml:"type"`
	Replicated bool   `yaml:"replicated"`
	Condition  string `yaml:"condition,omitempty"`
	ReadOnly   bool   `yaml:"read_only,omitempty"`
}

// RelevancyConfig is the default policy applied to instances of the
// class at spawn time.
type RelevancyConfig struct {
	Level       string  `yaml:"level"`
	Frequency   string  `yaml:"frequency"`
	Priority    int32   `yaml:"priority,omitempty"`
	MaxDistance float64 `yaml:"max_distance,omitempty"`
}

func LoadClasses(path string) (ClassesConfig, error) {
	var cfg ClassesConfig
	b, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return cfg, fmt.Errorf("parse %s: %w", path, err)
	}
	return cfg, nil
}

// ApplyClasses registers every configured class and its properties,
// and remembers per-class spawn-time relevancy defaults.
func (a *Authority) ApplyClasses(cfg ClassesConfig) error {
	for _, c := range cfg.Classes {
		if err := a.RegisterClass(c.ID, c.Name); err != nil {
			return err
		}
		for _, p := range c.Properties {
			cond, err := ParseCondition(p.Condition)
			if err != nil {
				return fmt.Errorf("class %q property %q: %w", c.Name, p.Name, err)
			}
			def := PropertyDefinition{
				Name:       p.Name,
				Type:       protocol.PropertyType(p.Type),
				Replicated: p.Replicated,
				Condition:  cond,
				ReadOnly:   p.ReadOnly,
			}
			if err := a.RegisterProperty(c.ID, def); err != nil {
				return err
			}
		}
		if rs, ok, err := cfg.DefaultRelevancyFor(c.ID); err != nil {
			return fmt.Errorf("class %q relevancy: %w", c.Name, err)
		} else if ok {
			a.classDefaults[c.ID] = rs
		}
	}
	return nil
}

// DefaultRelevancyFor returns the configured spawn-time policy for a
// class, if any.
func (cfg ClassesConfig) DefaultRelevancyFor(classID uint32) (RelevancySettings, bool, error) {
	for _, c := range cfg.Classes {
		if c.ID != classID || c.Relevancy == nil {
			continue
		}
		level, err := ParseLevel(c.Relevancy.Level)
		if err != nil {
			return RelevancySettings{}, false, err
		}
		freq, err := ParseFrequency(c.Relevancy.Frequency)
		if err != nil {
			return RelevancySettings{}, false, err
		}
		return RelevancySettings{
			Level:       level,
			Frequency:   freq,
			Priority:    c.Relevancy.Priority,
			MaxDistance: c.Relevancy.MaxDistance,
		}, true, nil
	}
	return RelevancySettings{}, false, nil
}

func ParseCondition(s string) (ReplicationCondition, error) {
	switch s {
	case "", "on_change":
		return CondOnChange, nil
	case "always":
		return CondAlways, nil
	case "initial":
		return CondInitial, nil
	case "owner_only":
		return CondOwnerOnly, nil
	case "server_only":
		return CondServerOnly, nil
	case "custom":
		return CondCustom, nil
	}
	return CondOnChange, protocol.Errorf(protocol.ErrValidationFailed, "unknown replication condition %q", s)
}

func ParseLevel(s string) (RelevancyLevel, error) {
	switch s {
	case "", "always_relevant":
		return LevelAlwaysRelevant, nil
	case "owner_only":
		return LevelOwnerOnly, nil
	case "distance_based":
		return LevelDistanceBased, nil
	case "same_zone":
		return LevelSameZone, nil
	case "custom":
		return LevelCustom, nil
	case "never_relevant":
		return LevelNeverRelevant, nil
	}
	return LevelAlwaysRelevant, protocol.Errorf(protocol.ErrValidationFailed, "unknown relevancy level %q", s)
}

func ParseFrequency(s string) (UpdateFrequency, error) {
	switch s {
	case "", "high":
		return FreqHigh, nil
	case "medium":
		return FreqMedium, nil
	case "low":
		return FreqLow, nil
	case "on_demand":
		return FreqOnDemand, nil
	}
	return FreqHigh, protocol.Errorf(protocol.ErrValidationFailed, "unknown update frequency %q", s)
}
