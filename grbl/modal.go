package grbl

import (
	"strconv"
	"strings"

	"github.com/crispy1989/tightcnc/cnc"
)

type word struct {
	letter byte
	value  float64
}

// parseWords splits a gcode line into letter/value words. Comments and
// whitespace are skipped; anything unparsable ends the scan.
func parseWords(line string) []word {
	var words []word
	i := 0
	for i < len(line) {
		ch := line[i]
		switch {
		case ch == ' ' || ch == '\t':
			i++
		case ch == '(':
			end := strings.IndexByte(line[i:], ')')
			if end < 0 {
				return words
			}
			i += end + 1
		case ch == ';':
			return words
		case ch >= 'a' && ch <= 'z', ch >= 'A' && ch <= 'Z':
			j := i + 1
			for j < len(line) && (line[j] == '-' || line[j] == '+' || line[j] == '.' ||
				(line[j] >= '0' && line[j] <= '9')) {
				j++
			}
			v, err := strconv.ParseFloat(line[i+1:j], 64)
			if err != nil {
				return words
			}
			letter := ch
			if letter >= 'a' && letter <= 'z' {
				letter -= 'a' - 'A'
			}
			words = append(words, word{letter: letter, value: v})
			i = j
		default:
			// system command or junk, nothing modal in it
			return words
		}
	}
	return words
}

// c.applyModal mirrors the modal effects of a line the device accepted.
func (c *Controller) applyModal(line string) {
	if strings.HasPrefix(line, "$") {
		return
	}
	words := parseWords(line)
	if len(words) == 0 {
		return
	}
	c.Mutate(func(s *cnc.MachineState) { applyWords(s, words) })
}

// applyModal folds the modal words of a gcode fragment into the state
// vector. Also used for the parser-state dump ($G), which reports in the
// same word format.
func applyModal(s *cnc.MachineState, line string) {
	applyWords(s, parseWords(line))
}

func applyWords(s *cnc.MachineState, words []word) {
	// Offset-management commands change coordinate data, not motion modals.
	for _, w := range words {
		if w.letter != 'G' {
			continue
		}
		switch w.value {
		case 10:
			applyG10(s, words)
			return
		case 28.1:
			s.StoredPositions[0] = append([]float64(nil), s.MPos...)
			return
		case 30.1:
			s.StoredPositions[1] = append([]float64(nil), s.MPos...)
			return
		case 92:
			applyG92(s, words)
			return
		case 92.1:
			s.Offset = make([]float64, s.NumAxes())
			s.OffsetEnabled = false
			return
		}
	}

	for _, w := range words {
		switch w.letter {
		case 'G':
			switch {
			case w.value == 20:
				s.Units = cnc.UnitsInch
			case w.value == 21:
				s.Units = cnc.UnitsMM
			case w.value == 90:
				s.Incremental = false
			case w.value == 91:
				s.Incremental = true
			case w.value == 93:
				s.InverseFeed = true
			case w.value == 94:
				s.InverseFeed = false
			case w.value >= 54 && w.value <= 59 && w.value == float64(int(w.value)):
				s.ActiveCoordSys = int(w.value) - 54
			}
		case 'M':
			switch w.value {
			case 3:
				s.Spindle = true
				s.SpindleDir = cnc.SpindleCW
			case 4:
				s.Spindle = true
				s.SpindleDir = cnc.SpindleCCW
			case 5:
				s.Spindle = false
			case 7:
				s.Coolant |= cnc.CoolantMist
			case 8:
				s.Coolant |= cnc.CoolantFlood
			case 9:
				s.Coolant = cnc.CoolantOff
			}
		case 'F':
			s.Feed = w.value
		case 'S':
			s.SpindleSpeed = w.value
		}
	}
}

// applyG10 handles work-offset writes: L2 sets an offset directly, L20
// sets it such that the current position reads as the given values.
func applyG10(s *cnc.MachineState, words []word) {
	l, p := -1, -1
	for _, w := range words {
		switch w.letter {
		case 'L':
			l = int(w.value)
		case 'P':
			p = int(w.value)
		}
	}
	if l != 2 && l != 20 {
		return
	}
	idx := p - 1
	if p == 0 {
		idx = s.ActiveCoordSys
	}
	if idx < 0 {
		return
	}

	offsets := make([]float64, s.NumAxes())
	if idx < len(s.CoordSysOffsets) {
		copy(offsets, s.CoordSysOffsets[idx])
	}
	for _, w := range words {
		axis := axisIndex(s, w.letter)
		if axis < 0 {
			continue
		}
		if l == 2 {
			offsets[axis] = w.value
		} else {
			offsets[axis] = s.MPos[axis] - w.value
		}
	}
	setCoordSysOffset(s, idx, offsets)
}

// applyG92 sets the transient offset so the current position reads as the
// given work values.
func applyG92(s *cnc.MachineState, words []word) {
	cs := make([]float64, s.NumAxes())
	if s.ActiveCoordSys >= 0 && s.ActiveCoordSys < len(s.CoordSysOffsets) {
		copy(cs, s.CoordSysOffsets[s.ActiveCoordSys])
	}
	offset := make([]float64, s.NumAxes())
	copy(offset, s.Offset)

	for _, w := range words {
		axis := axisIndex(s, w.letter)
		if axis < 0 {
			continue
		}
		offset[axis] = s.MPos[axis] - cs[axis] - w.value
	}
	s.Offset = offset
	s.OffsetEnabled = true
}

func axisIndex(s *cnc.MachineState, letter byte) int {
	for i, label := range s.AxisLabels {
		if len(label) == 1 && axisWord(label)[0] == letter {
			return i
		}
	}
	return -1
}

func setCoordSysOffset(s *cnc.MachineState, idx int, vec []float64) {
	for len(s.CoordSysOffsets) <= idx {
		s.CoordSysOffsets = append(s.CoordSysOffsets, make([]float64, s.NumAxes()))
	}
	s.CoordSysOffsets[idx] = vec
}
