package grbl

import (
	"context"
	"strconv"
	"strings"

	"github.com/crispy1989/tightcnc/cnc"
)

func axisWord(label string) string { return strings.ToUpper(label) }

func num(v float64) string { return strconv.FormatFloat(v, 'f', -1, 64) }

// targetWords formats the non-skipped components of pos as axis words.
func targetWords(labels []string, pos []float64) string {
	var b strings.Builder
	for i, v := range pos {
		if cnc.IsSkip(v) || i >= len(labels) {
			continue
		}
		if b.Len() > 0 {
			b.WriteByte(' ')
		}
		b.WriteString(axisWord(labels[i]))
		b.WriteString(num(v))
	}
	return b.String()
}

// Move performs a linear move to pos and returns once motion has completed
// and the machine is stopped. Skip components hold their axis. A feed of
// zero produces a rapid. The move is issued in absolute coordinates; if the
// machine was in incremental mode it stays absolute afterwards.
func (c *Controller) Move(ctx context.Context, pos []float64, feed float64) error {
	st := c.Status()
	if st.Error {
		return st.ErrorData
	}
	words := targetWords(st.AxisLabels, pos)
	if words == "" {
		return nil
	}

	var line string
	switch {
	case feed > 0:
		line = "G1 " + words + " F" + num(feed)
	default:
		line = "G0 " + words
	}
	if st.Incremental {
		line = "G90 " + line
	}

	epoch := c.epoch()
	lc, err := c.submit(line, cnc.SendOptions{})
	if err != nil {
		return err
	}
	select {
	case <-lc.Done():
		if err := lc.Err(); err != nil {
			return err
		}
	case <-ctx.Done():
		return ctx.Err()
	}
	if err := c.WaitSync(ctx); err != nil {
		return err
	}
	if c.epoch() != epoch {
		return cnc.Cancelled()
	}
	return nil
}

// Home homes the given axes and returns once homing completes. A nil mask
// homes every homable axis. grbl withholds the ok until the homing cycle
// finishes, so completion tracking rides on the ack.
func (c *Controller) Home(ctx context.Context, axes []bool) error {
	st := c.Status()
	if st.Error {
		return st.ErrorData
	}

	var homable []bool
	c.Read(func(s *cnc.MachineState) { homable = append([]bool(nil), s.HomableAxes...) })
	if axes == nil {
		axes = homable
	}

	all := true
	for i, h := range homable {
		want := i < len(axes) && axes[i]
		if want != h {
			all = false
		}
	}

	var lines []string
	if all {
		lines = []string{"$H"}
	} else {
		for i, want := range axes {
			if !want || i >= len(st.AxisLabels) {
				continue
			}
			lines = append(lines, "$H"+axisWord(st.AxisLabels[i]))
		}
	}
	if len(lines) == 0 {
		return nil
	}

	for _, line := range lines {
		lc, err := c.submit(line, cnc.SendOptions{})
		if err != nil {
			return err
		}
		select {
		case <-lc.Done():
			if err := lc.Err(); err != nil {
				return err
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	c.Mutate(func(s *cnc.MachineState) {
		for i := range s.Homed {
			if i < len(axes) && axes[i] {
				s.Homed[i] = true
			}
		}
	})
	return nil
}

// Probe moves toward pos until the probe trips, returning the tripped
// machine position and leaving the machine parked there. A probe that
// reaches pos without tripping fails with probe_end; a probe already
// tripped on entry fails with probe_initial_state.
func (c *Controller) Probe(ctx context.Context, pos []float64, feed float64) ([]float64, error) {
	st := c.Status()
	if st.Error {
		return nil, st.ErrorData
	}
	words := targetWords(st.AxisLabels, pos)
	if words == "" {
		return nil, cnc.NewError(cnc.KindMachineError, "probe needs a target")
	}
	if feed <= 0 {
		feed = c.cfg.ProbeFeed
	}

	line := "G38.2 " + words + " F" + num(feed)
	if st.Incremental {
		line = "G90 " + line
	}

	cmd := &command{text: line, lc: cnc.NewLifecycle(nil), probe: true}
	if err := c.enqueue(cmd, cnc.SendOptions{}); err != nil {
		return nil, err
	}
	select {
	case <-cmd.lc.Done():
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	if err := cmd.lc.Err(); err != nil {
		return nil, err
	}
	return cmd.probeRes, nil
}
