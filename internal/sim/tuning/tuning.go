package tuning

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

type Tuning struct {
	ProtocolVersion string `yaml:"protocol_version"`

	TickRateHz         int `yaml:"tick_rate_hz"`
	SnapshotEveryTicks int `yaml:"snapshot_every_ticks"`
	TombstoneTicks     int `yaml:"tombstone_ticks"`

	Relevancy Relevancy `yaml:"relevancy"`
}

type Relevancy struct {
	// Frequency tier divisors: Medium/Low objects pass the tick gate
	// only when tick%N == 0. High is every tick, OnDemand never.
	MediumEveryTicks int `yaml:"medium_every_ticks"`
	LowEveryTicks    int `yaml:"low_every_ticks"`

	// Default distance ceiling for DistanceBased objects that set no
	// explicit max distance, in world units.
	DefaultMaxDistance float64 `yaml:"default_max_distance"`

	// Spatial index cell edge, in world units.
	SpatialCellSize float64 `yaml:"spatial_cell_size"`

	// Fail-open policy toggles. Both default to true: an object with no
	// settings row is AlwaysRelevant, a client missing from the cache
	// sees everything.
	MissingSettingsRelevant bool `yaml:"missing_settings_relevant"`
	MissingClientSeesAll    bool `yaml:"missing_client_sees_all"`
}

func Default() Tuning {
	return Tuning{
		ProtocolVersion:    "1.0",
		TickRateHz:         20,
		SnapshotEveryTicks: 1200,
		TombstoneTicks:     30,
		Relevancy: Relevancy{
			MediumEveryTicks:        2,
			LowEveryTicks:           4,
			DefaultMaxDistance:      15000,
			SpatialCellSize:         1000,
			MissingSettingsRelevant: true,
			MissingClientSeesAll:    true,
		},
	}
}

func Load(path string) (Tuning, error) {
	t := Default()
	raw, err := os.ReadFile(path)
	if err != nil {
		return t, err
	}
	if err := yaml.Unmarshal(raw, &t); err != nil {
		return t, fmt.Errorf("tuning.yaml: %w", err)
	}
	return t, nil
}
