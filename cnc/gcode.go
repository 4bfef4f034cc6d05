package cnc

import "math"

// Instruction is a single parsed G-code line. The controller treats the
// text as opaque; the parser that produced it may bind a hook bundle to
// observe the instruction's lifecycle.
type Instruction struct {
	text  string
	hooks *Hooks
}

// Gcode tags a text line as a G-code instruction.
func Gcode(text string) *Instruction { return &Instruction{text: text} }

// WithHooks binds a lifecycle hook bundle to the instruction and returns it.
func (in *Instruction) WithHooks(h *Hooks) *Instruction {
	in.hooks = h
	return in
}

// String returns the instruction text without a trailing newline.
func (in *Instruction) String() string { return in.text }

// Hooks returns the bound hook bundle, or nil.
func (in *Instruction) Hooks() *Hooks { return in.hooks }

// Skip marks an axis as "hold this axis" in a target position vector
// passed to Move or Probe.
var Skip = math.NaN()

// IsSkip reports whether a target component means "hold this axis".
func IsSkip(v float64) bool { return math.IsNaN(v) }
