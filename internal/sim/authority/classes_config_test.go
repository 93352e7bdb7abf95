package authority

import (
	"os"
	"path/filepath"
	"testing"

	"statecast.dev/internal/protocol"
	"statecast.dev/internal/sim/tuning"
)

const classesYAML = `
classes:
  - id: 1
    name: Pawn
    properties:
      - name: Location
        type: Vector
        replicated: true
      - name: DisplayName
        type: String
        replicated: true
        condition: initial
      - name: AIBudget
        type: Float
        replicated: true
        condition: server_only
        read_only: true
    relevancy:
      level: distance_based
      frequency: high
      priority: 10
      max_distance: 5000
  - id: 2
    name: Pickup
    properties:
      - name: Charges
        type: Int32
        replicated: true
`

func writeClasses(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "classes.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	return path
}

func TestLoadClasses_Apply(t *testing.T) {
	cfg, err := LoadClasses(writeClasses(t, classesYAML))
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	a := New(Config{ID: "test", Tuning: tuning.Default()})
	if err := a.ApplyClasses(cfg); err != nil {
		t.Fatalf("apply: %v", err)
	}

	c := a.props.Class(1)
	if c == nil || c.Name != "Pawn" {
		t.Fatalf("class 1 not registered")
	}
	def, ok := c.Property("AIBudget")
	if !ok || def.Condition != CondServerOnly || !def.ReadOnly {
		t.Fatalf("AIBudget definition wrong: %+v", def)
	}
	if def, _ := c.Property("DisplayName"); def.Condition != CondInitial {
		t.Fatalf("DisplayName condition wrong")
	}
	if a.props.Class(2) == nil {
		t.Fatalf("class 2 not registered")
	}

	rs, ok := a.classDefaults[1]
	if !ok {
		t.Fatalf("class 1 spawn defaults missing")
	}
	if rs.Level != LevelDistanceBased || rs.Frequency != FreqHigh || rs.Priority != 10 || rs.MaxDistance != 5000 {
		t.Fatalf("spawn defaults wrong: %+v", rs)
	}
	if _, ok := a.classDefaults[2]; ok {
		t.Fatalf("class without a relevancy block got defaults")
	}
}

func TestApplyClasses_SpawnInstallsDefaults(t *testing.T) {
	cfg, err := LoadClasses(writeClasses(t, classesYAML))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	a := New(Config{ID: "test", Tuning: tuning.Default()})
	if err := a.ApplyClasses(cfg); err != nil {
		t.Fatalf("apply: %v", err)
	}
	out := make(chan []byte, 16)
	a.ConnectClient("c1", "bot", out)

	a.applyCommand(CommandEnvelope{ClientID: "c1", Spawn: &protocol.SpawnMsg{
		Type:    protocol.TypeSpawn,
		TempID:  1 << 63,
		ClassID: 1,
	}})
	frames := drain(t, out)
	if len(frames[protocol.TypeSpawnResult]) != 1 {
		t.Fatalf("spawn result missing")
	}

	var installed bool
	a.relevancy.EachSetting(func(_ uint64, rs RelevancySettings) {
		installed = rs.Level == LevelDistanceBased && rs.MaxDistance == 5000
	})
	if !installed {
		t.Fatalf("spawn did not install the class relevancy defaults")
	}
}

func TestLoadClasses_BadEnums(t *testing.T) {
	cases := []string{
		`
classes:
  - id: 1
    name: A
    properties:
      - {name: P, type: Int32, replicated: true, condition: whenever}
`,
		`
classes:
  - id: 1
    name: A
    relevancy: {level: sometimes}
`,
		`
classes:
  - id: 1
    name: A
    relevancy: {level: same_zone, frequency: hourly}
`,
	}
	for i, body := range cases {
		cfg, err := LoadClasses(writeClasses(t, body))
		if err != nil {
			t.Fatalf("case %d load: %v", i, err)
		}
		a := New(Config{ID: "test", Tuning: tuning.Default()})
		err = a.ApplyClasses(cfg)
		if protocol.CodeOf(err) != protocol.ErrValidationFailed {
			t.Fatalf("case %d: expected validation failure, got %v", i, err)
		}
	}
}

func TestParseEnums_Defaults(t *testing.T) {
	if c, err := ParseCondition(""); err != nil || c != CondOnChange {
		t.Fatalf("empty condition: %v %v", c, err)
	}
	if l, err := ParseLevel(""); err != nil || l != LevelAlwaysRelevant {
		t.Fatalf("empty level: %v %v", l, err)
	}
	if f, err := ParseFrequency(""); err != nil || f != FreqHigh {
		t.Fatalf("empty frequency: %v %v", f, err)
	}
}
