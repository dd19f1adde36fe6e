package job

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/cjeanneret/SpinGo/internal/logic/spindle"
)

const sampleProgram = `
name: pocket
blocks:
  - spindle: {state: cw, rpm: 12000}
  - move: {x: 200, y: 0}
  - dwell: 0.5
  - spindle: {state: M4, rpm: 8000}
  - move: {x: 0, y: -150}
`

func TestParseProgram(t *testing.T) {
	p, err := ParseProgram([]byte(sampleProgram))
	if err != nil {
		t.Fatalf("ParseProgram: %v", err)
	}
	if p.Name != "pocket" || len(p.Blocks) != 5 {
		t.Fatalf("unexpected program %+v", p)
	}

	kinds := []string{KindSpindle, KindMove, KindDwell, KindSpindle, KindMove}
	for i, k := range kinds {
		if got := p.Blocks[i].Kind(); got != k {
			t.Errorf("block %d kind = %s, want %s", i, got, k)
		}
	}
	if s := p.Blocks[3].Spindle; s.State != spindle.StateCCW || s.RPM != 8000 {
		t.Errorf("block 4 = %+v, want ccw 8000", s)
	}
	if m := p.Blocks[4].Move; m.Y != -150 {
		t.Errorf("block 5 move = %+v", m)
	}
}

func TestParseProgram_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		wantErr string
	}{
		{"no blocks", "name: x\nblocks: []\n", "no blocks"},
		{"empty block", "blocks:\n  - {}\n", "empty block"},
		{"mixed", "blocks:\n  - {dwell: 1, move: {x: 1}}\n", "mixes"},
		{"negative dwell", "blocks:\n  - dwell: -1\n", "negative dwell"},
		{"negative rpm", "blocks:\n  - spindle: {state: cw, rpm: -5}\n", "negative spindle rpm"},
		{"bad state", "blocks:\n  - spindle: {state: sideways, rpm: 5}\n", "unknown spindle state"},
		{"bad yaml", "blocks: [", "parse program"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseProgram([]byte(tt.yaml))
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error %q should contain %q", err, tt.wantErr)
			}
		})
	}
}

func TestLoadProgram_DefaultName(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "facing.yaml")
	data := strings.Replace(sampleProgram, "name: pocket\n", "", 1)
	if err := os.WriteFile(path, []byte(data), 0644); err != nil {
		t.Fatal(err)
	}

	p, err := LoadProgram(path)
	if err != nil {
		t.Fatalf("LoadProgram: %v", err)
	}
	if p.Name != "facing.yaml" {
		t.Errorf("Name = %q, want facing.yaml", p.Name)
	}
}

func TestLoadProgram_Missing(t *testing.T) {
	if _, err := LoadProgram(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestLoadProgram_Shipped(t *testing.T) {
	for _, name := range []string{"face.yaml", "engrave.yaml"} {
		t.Run(name, func(t *testing.T) {
			p, err := LoadProgram(filepath.Join("..", "..", "..", "programs", name))
			if err != nil {
				t.Fatalf("LoadProgram: %v", err)
			}
			if p.Name != strings.TrimSuffix(name, ".yaml") {
				t.Errorf("name = %q", p.Name)
			}
		})
	}
}
