package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/crispy1989/tightcnc/cnc"
	"github.com/crispy1989/tightcnc/config"
	"github.com/crispy1989/tightcnc/grbl"
	"github.com/crispy1989/tightcnc/spjs"
)

var cfgPath string

func main() {
	root := &cobra.Command{
		Use:          "tightcnc",
		Short:        "Drive a CNC motion controller",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVarP(&cfgPath, "config", "c", "", "path to config file")

	root.AddCommand(
		statusCmd(),
		sendCmd(),
		runCmd(),
		homeCmd(),
		jogCmd(),
		probeCmd(),
		realtimeCmd("hold", "Pause motion with a feed hold", func(c cnc.Controller) error { return c.Hold() }),
		realtimeCmd("resume", "Release a feed hold", func(c cnc.Controller) error { return c.Resume() }),
		realtimeCmd("cancel", "Abort everything in flight and flush the queue", func(c cnc.Controller) error { return c.Cancel() }),
	)

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

// withController builds the configured backend, connects, runs fn, and
// tears the connection down again.
func withController(fn func(ctx context.Context, c cnc.Controller) error) error {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return err
	}
	logger, err := cfg.Logger()
	if err != nil {
		return err
	}
	defer logger.Sync()

	ctrl, cleanup, err := buildController(cfg, logger)
	if err != nil {
		return err
	}
	defer cleanup()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := ctrl.Connect(ctx, false); err != nil {
		return err
	}
	return fn(ctx, ctrl)
}

func buildController(cfg *config.Config, logger *zap.Logger) (cnc.Controller, func(), error) {
	switch cfg.Controller {
	case "grbl":
		c := grbl.New(cfg.Grbl.Backend(), logger)
		return c, func() { c.Close() }, nil
	case "spjs":
		cli := spjs.NewClient(cfg.SPJS.URL, logger)
		match := spjs.MatchName(cfg.SPJS.Device)
		if cfg.SPJS.VID != "" && cfg.SPJS.PID != "" {
			match = spjs.MatchVIDPID(cfg.SPJS.VID, cfg.SPJS.PID)
		}
		port := cli.NewPort(match, cfg.SPJS.Baud, "grbl")
		gcfg := cfg.Grbl.Backend()
		gcfg.Dial = func(grbl.Config) (io.ReadWriteCloser, error) {
			if err := port.WaitOpen(30 * time.Second); err != nil {
				return nil, err
			}
			return port, nil
		}
		c := grbl.New(gcfg, logger)
		return c, func() { c.Close(); cli.Close() }, nil
	}
	return nil, nil, fmt.Errorf("unknown controller type %q", cfg.Controller)
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Print a status snapshot",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withController(func(ctx context.Context, c cnc.Controller) error {
				data, err := json.MarshalIndent(c.Status(), "", "  ")
				if err != nil {
					return err
				}
				fmt.Println(string(data))
				return nil
			})
		},
	}
}

func sendCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "send <line> [line...]",
		Short: "Send gcode lines and wait for them to finish",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withController(func(ctx context.Context, c cnc.Controller) error {
				for _, line := range args {
					if err := c.SendLine(line, cnc.SendOptions{}); err != nil {
						return err
					}
				}
				return c.WaitSync(ctx)
			})
		},
	}
}

func runCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run <file>",
		Short: "Stream a gcode file to the machine",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withController(func(ctx context.Context, c cnc.Controller) error {
				if err := cnc.SendFile(ctx, c, args[0]); err != nil {
					return err
				}
				return c.WaitSync(ctx)
			})
		},
	}
}

func homeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "home",
		Short: "Home every homable axis",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withController(func(ctx context.Context, c cnc.Controller) error {
				return c.Home(ctx, nil)
			})
		},
	}
}

func jogCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "jog <axis> <distance>",
		Short: "Nudge one axis by a signed distance",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			dist, err := strconv.ParseFloat(args[1], 64)
			if err != nil {
				return fmt.Errorf("distance %q: %w", args[1], err)
			}
			return withController(func(ctx context.Context, c cnc.Controller) error {
				axis := axisByLabel(c, args[0])
				if axis < 0 {
					return fmt.Errorf("unknown axis %q", args[0])
				}
				if err := c.RealTimeMove(axis, dist); err != nil {
					return err
				}
				return c.WaitSync(ctx)
			})
		},
	}
}

func probeCmd() *cobra.Command {
	var feed float64
	cmd := &cobra.Command{
		Use:   "probe <z>",
		Short: "Probe down to the given Z and report the trip position",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			z, err := strconv.ParseFloat(args[0], 64)
			if err != nil {
				return fmt.Errorf("z %q: %w", args[0], err)
			}
			return withController(func(ctx context.Context, c cnc.Controller) error {
				pos, err := c.Probe(ctx, []float64{cnc.Skip, cnc.Skip, z}, feed)
				if err != nil {
					return err
				}
				fmt.Printf("tripped at %v\n", pos)
				return nil
			})
		},
	}
	cmd.Flags().Float64VarP(&feed, "feed", "f", 0, "probing feed rate")
	return cmd
}

func realtimeCmd(name, short string, fn func(cnc.Controller) error) *cobra.Command {
	return &cobra.Command{
		Use:   name,
		Short: short,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withController(func(ctx context.Context, c cnc.Controller) error {
				return fn(c)
			})
		},
	}
}

func axisByLabel(c cnc.Controller, label string) int {
	for i, l := range c.Status().AxisLabels {
		if strings.EqualFold(l, label) {
			return i
		}
	}
	return -1
}
