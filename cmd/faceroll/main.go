// Command faceroll enrolls students, trains the recognizer and records
// classroom attendance from a camera.
package main

import (
	"fmt"
	"os"

	"github.com/MrCodeEU/faceroll/pkg/config"
	"github.com/MrCodeEU/faceroll/pkg/events"
	"github.com/MrCodeEU/faceroll/pkg/logging"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

var (
	configFile string
	debug      bool

	cfg *config.Config
	bus *events.Bus
)

var rootCmd = &cobra.Command{
	Use:   "faceroll",
	Short: "Face recognition attendance for a classroom",
	Long: `faceroll captures face samples of enrolled students, trains a recognizer
over them and signs students in when the camera recognizes them.

Typical session:
  faceroll init
  faceroll enroll --stu-id 20231001 --name Li --class CS2023 \
    --email li2023@school.edu --phone 0086138000000 --address Dorm3
  faceroll train
  faceroll sign`,
	SilenceUsage:      true,
	SilenceErrors:     true,
	PersistentPreRunE: setup,
}

func main() {
	err := rootCmd.Execute()
	if bus != nil {
		bus.Close()
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initEnv)
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "Path to configuration file")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "Enable debug logging")
}

func initEnv() {
	// .env file is optional, don't fail if not found
	_ = godotenv.Load()
}

// setup loads the configuration, initializes logging and starts the event bus.
func setup(cmd *cobra.Command, args []string) error {
	var err error
	if configFile != "" {
		cfg, err = config.Load(configFile)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
	} else {
		cfg, err = config.LoadDefault()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Warning: Could not load config: %v\n", err)
			cfg = config.DefaultConfig()
		}
	}
	cfg.ExpandPaths()

	if debug {
		cfg.Logging.Level = "debug"
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if err := logging.Init(cfg.Logging.Level, cfg.Logging.File); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: Could not initialize file logging: %v\n", err)
	}

	bus = events.NewBus(cfg.Events.Buffer)
	bus.Subscribe(events.LogObserver())
	bus.Start()

	logging.Debugf("faceroll %s starting, data dir: %s", Version, cfg.Storage.DataDir)
	return nil
}
