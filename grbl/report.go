package grbl

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/crispy1989/tightcnc/cnc"
)

// handleLine dispatches one line read from the device.
func (c *Controller) handleLine(line string) {
	switch {
	case line == "ok":
		c.finishHead(nil)
	case strings.HasPrefix(line, "error:"):
		c.finishHead(ackError(line))
	case strings.HasPrefix(line, "<"):
		rep, err := parseReport(line)
		if err != nil {
			c.log.Warnw("bad status report", "line", line, "error", err)
			c.Events().PublishError(cnc.WrapError(cnc.KindParseError, "status report", err))
			return
		}
		c.applyReport(rep)
	case strings.HasPrefix(line, "ALARM:"):
		c.handleAlarm(line)
	case strings.HasPrefix(line, "["):
		c.handleFeedback(line)
	case strings.HasPrefix(line, "Grbl"):
		c.handleBanner(line)
	case line == "$":
		// help prompt, ignore
	default:
		c.log.Debugw("unhandled line", "line", line)
	}
}

// handleBanner resets protocol bookkeeping after the device rebooted,
// whether we asked for it or not, and re-queries modal state and offsets.
func (c *Controller) handleBanner(line string) {
	c.log.Infow("device announced", "banner", line)

	c.mx.Lock()
	c.skipAcks = 0
	c.inFlight = 0
	c.prb = nil
	c.prbTripped = false
	c.wco = nil
	c.mx.Unlock()
	c.cancelling.Store(false)
	c.jogBusy.Store(false)

	// Only transmitted lines died with the device; anything still queued on
	// the host is fine to send once the handshake finishes.
	c.failPending(cnc.Cancelled())
	c.Mutate(func(s *cnc.MachineState) {
		s.Moving = false
		s.Held = false
	})

	select {
	case c.bannerCh <- struct{}{}:
	default:
	}

	c.submit("$#", cnc.SendOptions{})
	c.submit("$G", cnc.SendOptions{})
	c.writeRaw([]byte{charStatus})
}

type report struct {
	status  string
	mpos    []float64
	wpos    []float64
	wco     []float64
	feed    float64
	spindle float64
	hasFS   bool
	line    int
	hasLine bool
}

// parseReport parses a <...> status report. Fields are pipe-separated;
// positions carry one component per axis.
func parseReport(s string) (*report, error) {
	s = strings.TrimPrefix(s, "<")
	s = strings.TrimSuffix(s, ">")
	parts := strings.Split(s, "|")
	if parts[0] == "" {
		return nil, fmt.Errorf("empty status field")
	}
	rep := &report{status: parts[0]}

	for _, part := range parts[1:] {
		kv := strings.SplitN(part, ":", 2)
		if len(kv) != 2 {
			continue
		}
		var err error
		switch kv[0] {
		case "MPos":
			rep.mpos, err = parseVec(kv[1])
		case "WPos":
			rep.wpos, err = parseVec(kv[1])
		case "WCO":
			rep.wco, err = parseVec(kv[1])
		case "FS":
			var fs []float64
			if fs, err = parseVec(kv[1]); err == nil && len(fs) == 2 {
				rep.feed, rep.spindle = fs[0], fs[1]
				rep.hasFS = true
			}
		case "F":
			var f float64
			if f, err = strconv.ParseFloat(kv[1], 64); err == nil {
				rep.feed = f
				rep.hasFS = true
			}
		case "Ln":
			var n int
			if n, err = strconv.Atoi(kv[1]); err == nil {
				rep.line = n
				rep.hasLine = true
			}
		}
		if err != nil {
			return nil, fmt.Errorf("parse %s %q: %w", kv[0], kv[1], err)
		}
	}
	return rep, nil
}

func parseVec(s string) ([]float64, error) {
	parts := strings.Split(s, ",")
	vec := make([]float64, len(parts))
	for i, p := range parts {
		v, err := strconv.ParseFloat(p, 64)
		if err != nil {
			return nil, err
		}
		vec[i] = v
	}
	return vec, nil
}

// applyReport folds a status report into the state vector. grbl only
// includes WCO periodically, so the last seen value is cached to convert
// work-position-only reports back to machine coordinates.
func (c *Controller) applyReport(rep *report) {
	c.mx.Lock()
	if rep.wco != nil {
		c.wco = rep.wco
	}
	wco := c.wco
	c.mx.Unlock()

	mpos := rep.mpos
	if mpos == nil && rep.wpos != nil {
		mpos = make([]float64, len(rep.wpos))
		copy(mpos, rep.wpos)
		for i := range mpos {
			if i < len(wco) {
				mpos[i] += wco[i]
			}
		}
	}

	state, _, _ := strings.Cut(rep.status, ":")
	wasReady := false
	becameReady := false
	c.Mutate(func(s *cnc.MachineState) {
		wasReady = s.Ready
		if mpos != nil {
			for i := range s.MPos {
				if i < len(mpos) {
					s.MPos[i] = mpos[i]
				}
			}
		}
		if rep.hasFS {
			s.Feed = rep.feed
			s.SpindleSpeed = rep.spindle
		}
		if rep.hasLine {
			s.Line = rep.line
		}

		switch state {
		case "Idle", "Sleep", "Check":
			s.Moving = false
			s.Held = false
			if state == "Idle" && s.Err == nil {
				s.Ready = true
				becameReady = !wasReady
			}
		case "Run", "Jog", "Home":
			s.Moving = true
			s.Held = false
		case "Hold", "Door":
			s.Held = true
			s.Moving = strings.HasSuffix(rep.status, ":1")
		case "Alarm":
			s.Moving = false
			s.Ready = false
		}
	})
	if becameReady {
		c.log.Infow("device ready")
		c.Events().PublishReady()
	}

	if state == "Door" {
		c.safetyDoor()
	}
}

// safetyDoor latches a safety_interlock error once and cancels everything
// in flight.
func (c *Controller) safetyDoor() {
	already := false
	c.Read(func(s *cnc.MachineState) { already = s.Err != nil })
	if already {
		return
	}
	c.failAll(cnc.Cancelled())
	c.LatchError(cnc.NewError(cnc.KindSafetyInterlock, "safety door open"))
}

// handleFeedback processes [...] push messages: probe results, parser
// state, and the offset dump produced by $#.
func (c *Controller) handleFeedback(line string) {
	body := strings.TrimPrefix(line, "[")
	body = strings.TrimSuffix(body, "]")
	key, rest, ok := strings.Cut(body, ":")
	if !ok {
		return
	}

	switch key {
	case "PRB":
		// [PRB:x,y,z:1] — trailing flag is whether the probe tripped.
		vals, flag, _ := strings.Cut(rest, ":")
		vec, err := parseVec(vals)
		if err != nil {
			c.log.Warnw("bad probe report", "line", line, "error", err)
			return
		}
		c.mx.Lock()
		c.prb = vec
		c.prbTripped = flag == "1"
		c.mx.Unlock()
	case "GC":
		c.Mutate(func(s *cnc.MachineState) { applyModal(s, rest) })
	case "G54", "G55", "G56", "G57", "G58", "G59":
		idx := int(key[2]-'0') - 4
		vec, err := parseVec(rest)
		if err != nil {
			return
		}
		c.Mutate(func(s *cnc.MachineState) { setCoordSysOffset(s, idx, vec) })
	case "G28", "G30":
		idx := 0
		if key == "G30" {
			idx = 1
		}
		vec, err := parseVec(rest)
		if err != nil {
			return
		}
		c.Mutate(func(s *cnc.MachineState) { s.StoredPositions[idx] = vec })
	case "G92":
		vec, err := parseVec(rest)
		if err != nil {
			return
		}
		c.Mutate(func(s *cnc.MachineState) {
			s.Offset = vec
			s.OffsetEnabled = anyNonZero(vec)
		})
	case "MSG":
		c.log.Infow("device message", "msg", rest)
	case "TLO", "VER", "OPT", "HLP", "echo":
		// informational, nothing mirrored
	}
}

// handleAlarm maps grbl alarm codes into the error taxonomy. Probe alarms
// terminate only the probing instruction and the device is unlocked
// automatically; everything else is a controller-level latch.
func (c *Controller) handleAlarm(line string) {
	code, _ := strconv.Atoi(strings.TrimPrefix(line, "ALARM:"))

	switch code {
	case 4, 5:
		kind := cnc.KindProbeEnd
		msg := "probe reached target without tripping"
		if code == 4 {
			kind = cnc.KindProbeInitialState
			msg = "probe already tripped before the cycle"
		}
		c.failProbe(cnc.NewError(kind, msg))
		c.unlock()
	case 3:
		// Reset while in motion. Expected after our own cancel; anything
		// else means position is no longer trusted.
		if c.cancelling.CompareAndSwap(true, false) {
			c.unlock()
			return
		}
		c.failAll(cnc.Cancelled())
		c.LatchError(cnc.NewError(cnc.KindMachineError, "reset during motion, position lost"))
	case 1, 2:
		c.failAll(cnc.Cancelled())
		c.LatchError(cnc.NewError(cnc.KindLimitHit, "limit switch engaged"))
	default:
		c.failAll(cnc.Cancelled())
		c.LatchError(cnc.NewError(cnc.KindMachineError, fmt.Sprintf("device alarm %d", code)))
	}
}

// failProbe terminates the oldest in-flight probe instruction, if any.
func (c *Controller) failProbe(err *cnc.Error) {
	c.mx.Lock()
	var cmd *command
	for i, p := range c.pending {
		if p.probe {
			cmd = p
			c.pending = append(c.pending[:i], c.pending[i+1:]...)
			c.inFlight -= len(p.text) + 1
			break
		}
	}
	c.mx.Unlock()
	c.cond.Broadcast()
	if cmd != nil {
		cmd.lc.Fail(err)
	}
}

// unlock sends a kill-alarm-lock outside the queue and swallows its ack.
func (c *Controller) unlock() {
	c.mx.Lock()
	c.skipAcks++
	c.mx.Unlock()
	c.writeRaw([]byte("$X\n"))
}

// ackError maps an error:N response to the taxonomy. These are local to
// the instruction that provoked them.
func ackError(line string) *cnc.Error {
	code, _ := strconv.Atoi(strings.TrimPrefix(line, "error:"))
	msg, ok := errorMessages[code]
	if !ok {
		msg = fmt.Sprintf("device error %d", code)
	}
	kind := cnc.KindMachineError
	if parseErrorCodes[code] {
		kind = cnc.KindParseError
	}
	e := cnc.NewError(kind, msg)
	e.Data = map[string]any{"code": code}
	return e
}

var parseErrorCodes = map[int]bool{
	1: true, 2: true, 3: true, 4: true, 11: true, 20: true,
	23: true, 24: true, 25: true, 26: true, 27: true, 28: true,
	31: true, 32: true, 33: true, 34: true, 35: true, 36: true, 37: true,
}

var errorMessages = map[int]string{
	1:  "expected command letter",
	2:  "bad number format",
	3:  "invalid system command",
	4:  "negative value",
	5:  "homing not enabled",
	8:  "command only valid when idle",
	9:  "gcode locked out during alarm",
	11: "line overflow",
	15: "jog target exceeds machine travel",
	17: "laser mode requires PWM",
	20: "unsupported gcode command",
	22: "undefined feed rate",
	33: "invalid motion target",
}

func anyNonZero(vec []float64) bool {
	for _, v := range vec {
		if v != 0 {
			return true
		}
	}
	return false
}
