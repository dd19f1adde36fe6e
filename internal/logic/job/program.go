package job

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/cjeanneret/SpinGo/internal/logic/motion"
	"github.com/cjeanneret/SpinGo/internal/logic/spindle"
)

// Block kinds.
const (
	KindMove    = "move"
	KindSpindle = "spindle"
	KindDwell   = "dwell"
)

// Block is one program step. Exactly one of its fields is set.
type Block struct {
	Move    *motion.Segment  `yaml:"move,omitempty" json:"move,omitempty"`
	Spindle *spindle.Command `yaml:"spindle,omitempty" json:"spindle,omitempty"`
	Dwell   float64          `yaml:"dwell,omitempty" json:"dwell,omitempty"` // seconds
}

// Kind returns the block kind name.
func (b Block) Kind() string {
	switch {
	case b.Move != nil:
		return KindMove
	case b.Spindle != nil:
		return KindSpindle
	default:
		return KindDwell
	}
}

func (b Block) validate() error {
	set := 0
	if b.Move != nil {
		set++
	}
	if b.Spindle != nil {
		set++
	}
	if b.Dwell != 0 {
		set++
	}
	switch {
	case set == 0:
		return fmt.Errorf("empty block")
	case set > 1:
		return fmt.Errorf("block mixes move, spindle and dwell")
	case b.Dwell < 0:
		return fmt.Errorf("negative dwell %v", b.Dwell)
	case b.Spindle != nil && b.Spindle.RPM < 0:
		return fmt.Errorf("negative spindle rpm %v", b.Spindle.RPM)
	}
	return nil
}

// Program is an ordered list of blocks. The spindle is stopped when the
// program ends.
type Program struct {
	Name   string  `yaml:"name" json:"name"`
	Blocks []Block `yaml:"blocks" json:"blocks"`
}

// Validate checks every block.
func (p *Program) Validate() error {
	if len(p.Blocks) == 0 {
		return fmt.Errorf("program %q has no blocks", p.Name)
	}
	for i, b := range p.Blocks {
		if err := b.validate(); err != nil {
			return fmt.Errorf("block %d: %w", i+1, err)
		}
	}
	return nil
}

// ParseProgram decodes and validates a YAML program.
func ParseProgram(data []byte) (*Program, error) {
	var p Program
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("parse program: %w", err)
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &p, nil
}

// LoadProgram reads a YAML program file. The file name is used when the
// program has no name.
func LoadProgram(path string) (*Program, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read program: %w", err)
	}
	p, err := ParseProgram(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	if p.Name == "" {
		p.Name = filepath.Base(path)
	}
	return p, nil
}
