// Command keyflash flashes keyboards from a terminal.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"time"

	"github.com/carlmjohnson/versioninfo"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"KeyFlash/backup"
	"KeyFlash/device"
	"KeyFlash/events"
	"KeyFlash/logger"
	"KeyFlash/orchestrator"
	"KeyFlash/transport"
)

var (
	portFlag     string
	sidesFlag    string
	backupFlag   string
	forceFlag    bool
	captureFlag  bool
	mqttFlag     string
	logDirFlag   string
	logLevelFlag string
	debugFlag    bool
)

func main() {
	rootCmd := &cobra.Command{
		Use:           "keyflash",
		Short:         "Flash firmware to keyboards and keep their settings",
		Version:       versioninfo.Short(),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return setupLogging()
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			logger.Close()
		},
	}
	rootCmd.PersistentFlags().StringVarP(&portFlag, "port", "p", "", "Serial port of the keyboard (first keyboard found if not specified)")
	rootCmd.PersistentFlags().StringVar(&logDirFlag, "log-dir", "", "Also write logs to this directory")
	rootCmd.PersistentFlags().StringVar(&logLevelFlag, "log-level", "warn", "Minimum log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().BoolVar(&debugFlag, "debug", false, "Shorthand for --log-level debug")

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List connected keyboards",
		Args:  cobra.NoArgs,
		RunE:  runList,
	}

	flashCmd := &cobra.Command{
		Use:   "flash <firmware>",
		Short: "Flash firmware and restore the keyboard settings",
		Args:  cobra.ExactArgs(1),
		RunE:  runFlash,
	}
	flashCmd.Flags().StringVar(&sidesFlag, "sides", "", "Keyscanner firmware for both halves of a split keyboard")
	flashCmd.Flags().StringVar(&backupFlag, "backup", "", "Settings backup to restore after flashing")
	flashCmd.Flags().BoolVar(&captureFlag, "capture", true, "Read the settings from the keyboard before flashing when no --backup is given")
	flashCmd.Flags().BoolVar(&forceFlag, "force", false, "Flash halves that already run the same firmware")
	flashCmd.Flags().StringVar(&mqttFlag, "mqtt-url", "", "Also publish progress to this MQTT broker (tcp://host:1883)")

	backupCmd := &cobra.Command{
		Use:   "backup <file.json>",
		Short: "Save the keyboard settings to a file",
		Args:  cobra.ExactArgs(1),
		RunE:  runBackup,
	}

	restoreCmd := &cobra.Command{
		Use:   "restore <file.json>",
		Short: "Replay a settings backup on the keyboard",
		Args:  cobra.ExactArgs(1),
		RunE:  runRestore,
	}

	rootCmd.AddCommand(listCmd, flashCmd, backupCmd, restoreCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func setupLogging() error {
	level, err := logger.ParseLevel(logLevelFlag)
	if err != nil {
		return err
	}
	if debugFlag {
		level = logger.DEBUG
	}
	if logDirFlag != "" {
		if err := logger.Init(logDirFlag, level); err != nil {
			return fmt.Errorf("failed to initialize file logging: %w", err)
		}
	}
	logger.SetLevel(level)
	return nil
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt)
}

// selectDevice returns the keyboard on --port, or the first one found.
func selectDevice(ctx context.Context, reg *device.Registry) (*device.Device, error) {
	devices, err := reg.List(ctx)
	if err != nil {
		return nil, err
	}
	for _, d := range devices {
		if portFlag == "" || d.Path == portFlag {
			reg.SetCurrent(d)
			return d, nil
		}
	}
	if portFlag != "" {
		return nil, fmt.Errorf("%w on %s", device.ErrNotFound, portFlag)
	}
	return nil, device.ErrNotFound
}

func runList(cmd *cobra.Command, args []string) error {
	ctx, cancel := signalContext()
	defer cancel()

	reg := device.NewRegistry(transport.New())
	defer reg.Close()

	devices, err := reg.List(ctx)
	if err != nil {
		return err
	}
	if len(devices) == 0 {
		fmt.Println("No keyboards found")
		return nil
	}
	for _, d := range devices {
		mode := "normal"
		if d.Bootloader {
			mode = "bootloader"
		}
		fmt.Printf("%-16s %-8s %s:%s  %s  %s\n", d.Path, d.Product, d.VendorID, d.ProductID, d.Family, mode)
	}
	return nil
}

func runFlash(cmd *cobra.Command, args []string) error {
	ctx, cancel := signalContext()
	defer cancel()

	neuron, err := os.ReadFile(args[0])
	if err != nil {
		return fmt.Errorf("failed to read firmware file: %w", err)
	}
	fw := orchestrator.Firmware{Neuron: neuron}
	if sidesFlag != "" {
		if fw.Sides, err = os.ReadFile(sidesFlag); err != nil {
			return fmt.Errorf("failed to read side firmware file: %w", err)
		}
	}

	var b *backup.Backup
	if backupFlag != "" {
		if b, err = backup.Load(backupFlag); err != nil {
			return err
		}
	}

	reg := device.NewRegistry(transport.New())
	defer reg.Close()

	d, err := selectDevice(ctx, reg)
	if err != nil {
		return err
	}
	fmt.Printf("Keyboard: %s\n", d)
	fmt.Printf("Firmware: %s (%d bytes)\n", args[0], len(neuron))

	bus := events.NewBus(256)
	var sink *events.MQTTSink
	if mqttFlag != "" {
		client, err := events.DialMQTT(mqttFlag, "keyflash-"+versioninfo.Short(), 5*time.Second)
		if err != nil {
			return err
		}
		sink = events.NewMQTTSink(client, "keyflash")
		defer sink.Close()
	}

	bar := progressbar.NewOptions(100,
		progressbar.OptionSetWidth(40),
		progressbar.OptionSetDescription("Flashing"),
		progressbar.OptionSetWriter(os.Stderr),
		progressbar.OptionShowCount(),
		progressbar.OptionOnCompletion(func() { fmt.Fprintln(os.Stderr) }),
	)
	updates, unsubscribe := bus.Subscribe()
	done := make(chan struct{})
	go func() {
		defer close(done)
		for e := range updates {
			bar.Describe(string(e.Stage))
			_ = bar.Set(int(e.Data.GlobalProgress))
		}
	}()

	var publisher events.Publisher = bus
	if sink != nil {
		publisher = events.Multi(bus, sink)
	}
	orch := orchestrator.New(reg,
		orchestrator.WithEvents(publisher),
		orchestrator.WithStateHook(func(s *orchestrator.Session) {
			logger.Stage(s.State.String(), s.Device.String()).Debug("Session %s", s.ID)
		}),
	)

	s, err := orch.Flash(ctx, orchestrator.Request{
		Device:        d,
		Firmware:      fw,
		Backup:        b,
		CaptureBackup: b == nil && captureFlag,
		Force:         forceFlag,
	})
	unsubscribe()
	<-done
	_ = bar.Finish()

	if s != nil && d.Family == device.WirelessDualUnit && !s.Bootloader() {
		fmt.Printf("Left side: %s, right side: %s\n", sideResult(s.LeftResult), sideResult(s.RightResult))
	}
	if err != nil {
		return err
	}
	if s.RestoreErr != nil {
		fmt.Printf("Warning: settings not restored: %v\n", s.RestoreErr)
	}
	fmt.Printf("Done in %s\n", s.FinishedAt.Sub(s.StartedAt).Round(time.Second))
	return nil
}

func sideResult(ok bool) string {
	if ok {
		return "flashed"
	}
	return "not flashed"
}

func runBackup(cmd *cobra.Command, args []string) error {
	ctx, cancel := signalContext()
	defer cancel()

	reg := device.NewRegistry(transport.New())
	defer reg.Close()

	d, err := selectDevice(ctx, reg)
	if err != nil {
		return err
	}
	if _, err := reg.Connect(ctx, d); err != nil {
		return err
	}

	b, err := backup.Capture(ctx, querier{reg, d}, backup.DefaultCommands)
	if err != nil {
		return err
	}
	if b.Len() == 0 {
		return errors.New("the keyboard returned no settings")
	}
	b.Product = d.Product
	if err := b.Save(args[0]); err != nil {
		return err
	}
	fmt.Printf("Saved %d settings to %s\n", b.Len(), args[0])
	return nil
}

func runRestore(cmd *cobra.Command, args []string) error {
	ctx, cancel := signalContext()
	defer cancel()

	b, err := backup.Load(args[0])
	if err != nil {
		return err
	}

	reg := device.NewRegistry(transport.New())
	defer reg.Close()

	d, err := selectDevice(ctx, reg)
	if err != nil {
		return err
	}

	bar := progressbar.NewOptions(100,
		progressbar.OptionSetWidth(40),
		progressbar.OptionSetDescription("Restoring"),
		progressbar.OptionSetWriter(os.Stderr),
	)
	orch := orchestrator.New(reg)
	err = orch.Restore(ctx, d.Identity(), b, func(pct float64) {
		_ = bar.Set(int(pct))
	})
	_ = bar.Finish()
	if err != nil {
		return err
	}
	fmt.Printf("Restored %d settings\n", b.Len())
	return nil
}

type querier struct {
	reg *device.Registry
	d   *device.Device
}

func (q querier) Command(ctx context.Context, cmd string, args ...string) (string, error) {
	return q.reg.Command(ctx, q.d, cmd, args...)
}
