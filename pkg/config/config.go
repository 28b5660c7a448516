// Package config provides configuration management for faceroll.
// It loads configuration from YAML files with sensible defaults.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// EnvConfigPath names the environment variable that points at a config file.
const EnvConfigPath = "FACEROLL_CONFIG"

// Config holds all faceroll configuration.
type Config struct {
	Camera      CameraConfig      `yaml:"camera"`
	Detection   DetectionConfig   `yaml:"detection"`
	Enrollment  EnrollmentConfig  `yaml:"enrollment"`
	Recognition RecognitionConfig `yaml:"recognition"`
	Storage     StorageConfig     `yaml:"storage"`
	Annotation  AnnotationConfig  `yaml:"annotation"`
	Events      EventsConfig      `yaml:"events"`
	Logging     LoggingConfig     `yaml:"logging"`
}

// CameraConfig holds camera settings.
type CameraConfig struct {
	DeviceID        int    `yaml:"device_id"`
	Width           int    `yaml:"width"`
	Height          int    `yaml:"height"`
	TickInterval    string `yaml:"tick_interval"`
	MaxReadFailures int    `yaml:"max_read_failures"`
	Preview         bool   `yaml:"preview"`
}

// Interval parses TickInterval. An empty value means the 5ms default.
func (c CameraConfig) Interval() (time.Duration, error) {
	if c.TickInterval == "" {
		return 5 * time.Millisecond, nil
	}
	d, err := time.ParseDuration(c.TickInterval)
	if err != nil {
		return 0, fmt.Errorf("invalid tick_interval %q: %w", c.TickInterval, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("tick_interval must be positive, got %s", d)
	}
	return d, nil
}

// DetectionConfig holds cascade classifier settings.
type DetectionConfig struct {
	CascadePath  string  `yaml:"cascade_path"`
	ScaleFactor  float64 `yaml:"scale_factor"`
	MinNeighbors int     `yaml:"min_neighbors"`
	MinSize      int     `yaml:"min_size"`
}

// EnrollmentConfig holds sample capture settings.
type EnrollmentConfig struct {
	Quota      int `yaml:"quota"`
	SampleSize int `yaml:"sample_size"`
}

// RecognitionConfig holds model settings.
type RecognitionConfig struct {
	Backend             string  `yaml:"backend"`
	ConfidenceThreshold float64 `yaml:"confidence_threshold"`
	ModelFile           string  `yaml:"model_file"`
	DlibModelDir        string  `yaml:"dlib_model_dir"`
}

// StorageConfig holds database and dataset locations.
type StorageConfig struct {
	DataDir           string `yaml:"data_dir"`
	ProfileDB         string `yaml:"profile_db"`
	SignDB            string `yaml:"sign_db"`
	DatasetDir        string `yaml:"dataset_dir"`
	SubjectPrefix     string `yaml:"subject_prefix"`
	EncryptionEnabled bool   `yaml:"encryption_enabled"`
}

// AnnotationConfig holds frame text rendering settings.
type AnnotationConfig struct {
	FontPath string  `yaml:"font_path"`
	FontSize float64 `yaml:"font_size"`
}

// EventsConfig holds event channel settings.
type EventsConfig struct {
	Buffer int `yaml:"buffer"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level string `yaml:"level"`
	File  string `yaml:"file"`
}

// Backends supported by the recognition layer.
const (
	BackendLBPH = "lbph"
	BackendDlib = "dlib"
)

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	homeDir, _ := os.UserHomeDir()
	dataDir := filepath.Join(homeDir, ".local/share/faceroll")
	return &Config{
		Camera: CameraConfig{
			DeviceID:        0,
			Width:           640,
			Height:          480,
			TickInterval:    "5ms",
			MaxReadFailures: 100,
			Preview:         false,
		},
		Detection: DetectionConfig{
			CascadePath:  "/usr/share/opencv4/haarcascades/haarcascade_frontalface_default.xml",
			ScaleFactor:  1.3,
			MinNeighbors: 5,
			MinSize:      90,
		},
		Enrollment: EnrollmentConfig{
			Quota:      200,
			SampleSize: 200,
		},
		Recognition: RecognitionConfig{
			Backend:             BackendLBPH,
			ConfidenceThreshold: 50,
			ModelFile:           filepath.Join(dataDir, "recognizer/trainingData.yml"),
			DlibModelDir:        filepath.Join(dataDir, "models"),
		},
		Storage: StorageConfig{
			DataDir:           dataDir,
			ProfileDB:         filepath.Join(dataDir, "FaceBase.db"),
			SignDB:            filepath.Join(dataDir, "SignBase.db"),
			DatasetDir:        filepath.Join(dataDir, "dataset"),
			SubjectPrefix:     "stu_",
			EncryptionEnabled: false,
		},
		Annotation: AnnotationConfig{
			FontPath: "",
			FontSize: 20,
		},
		Events: EventsConfig{
			Buffer: 64,
		},
		Logging: LoggingConfig{
			Level: "info",
			File:  filepath.Join(dataDir, "faceroll.log"),
		},
	}
}

// Load loads configuration from the specified file on top of the defaults.
func Load(path string) (*Config, error) {
	config := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return config, err
	}

	if err := yaml.Unmarshal(data, config); err != nil {
		return config, fmt.Errorf("failed to parse %s: %w", path, err)
	}

	return config, nil
}

// LoadDefault tries FACEROLL_CONFIG, then the system and user config locations.
func LoadDefault() (*Config, error) {
	if path := os.Getenv(EnvConfigPath); path != "" {
		return Load(path)
	}

	if _, err := os.Stat("/etc/faceroll/faceroll.yaml"); err == nil {
		return Load("/etc/faceroll/faceroll.yaml")
	}

	homeDir, err := os.UserHomeDir()
	if err != nil {
		return DefaultConfig(), nil
	}

	userConfig := filepath.Join(homeDir, ".config/faceroll/faceroll.yaml")
	if _, err := os.Stat(userConfig); err == nil {
		return Load(userConfig)
	}

	return DefaultConfig(), nil
}

// ExpandPath expands ~ and environment variables in a path.
func ExpandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		homeDir, err := os.UserHomeDir()
		if err == nil {
			path = filepath.Join(homeDir, path[2:])
		}
	}
	return os.ExpandEnv(path)
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if c.Camera.Width <= 0 || c.Camera.Height <= 0 {
		return fmt.Errorf("invalid camera resolution: %dx%d", c.Camera.Width, c.Camera.Height)
	}
	if _, err := c.Camera.Interval(); err != nil {
		return err
	}
	if c.Camera.MaxReadFailures < 0 {
		return fmt.Errorf("max_read_failures must not be negative, got %d", c.Camera.MaxReadFailures)
	}

	if c.Detection.ScaleFactor <= 1 {
		return fmt.Errorf("scale_factor must be greater than 1, got %f", c.Detection.ScaleFactor)
	}
	if c.Detection.MinNeighbors < 0 {
		return fmt.Errorf("min_neighbors must not be negative, got %d", c.Detection.MinNeighbors)
	}
	if c.Detection.MinSize <= 0 {
		return fmt.Errorf("min_size must be positive, got %d", c.Detection.MinSize)
	}

	if c.Enrollment.Quota <= 0 {
		return fmt.Errorf("quota must be positive, got %d", c.Enrollment.Quota)
	}
	if c.Enrollment.SampleSize <= 0 {
		return fmt.Errorf("sample_size must be positive, got %d", c.Enrollment.SampleSize)
	}

	switch c.Recognition.Backend {
	case BackendLBPH, BackendDlib:
	default:
		return fmt.Errorf("invalid recognition backend: %s (must be lbph or dlib)", c.Recognition.Backend)
	}
	if c.Recognition.ConfidenceThreshold < 0 {
		return fmt.Errorf("confidence_threshold must not be negative, got %f", c.Recognition.ConfidenceThreshold)
	}
	if c.Recognition.ModelFile == "" {
		return fmt.Errorf("model_file must be set")
	}

	if c.Storage.ProfileDB == "" || c.Storage.SignDB == "" {
		return fmt.Errorf("profile_db and sign_db must be set")
	}
	if c.Storage.ProfileDB == c.Storage.SignDB {
		return fmt.Errorf("profile_db and sign_db must be different files")
	}
	if c.Storage.DatasetDir == "" {
		return fmt.Errorf("dataset_dir must be set")
	}
	if c.Storage.SubjectPrefix == "" {
		return fmt.Errorf("subject_prefix must be set")
	}

	if c.Annotation.FontSize <= 0 {
		return fmt.Errorf("font_size must be positive, got %f", c.Annotation.FontSize)
	}
	if c.Events.Buffer < 0 {
		return fmt.Errorf("events buffer must not be negative, got %d", c.Events.Buffer)
	}

	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.Logging.Level] {
		return fmt.Errorf("invalid log level: %s (must be debug, info, warn, or error)", c.Logging.Level)
	}

	return nil
}

// ExpandPaths expands all paths in the configuration.
func (c *Config) ExpandPaths() {
	c.Detection.CascadePath = ExpandPath(c.Detection.CascadePath)
	c.Recognition.ModelFile = ExpandPath(c.Recognition.ModelFile)
	c.Recognition.DlibModelDir = ExpandPath(c.Recognition.DlibModelDir)
	c.Storage.DataDir = ExpandPath(c.Storage.DataDir)
	c.Storage.ProfileDB = ExpandPath(c.Storage.ProfileDB)
	c.Storage.SignDB = ExpandPath(c.Storage.SignDB)
	c.Storage.DatasetDir = ExpandPath(c.Storage.DatasetDir)
	c.Annotation.FontPath = ExpandPath(c.Annotation.FontPath)
	c.Logging.File = ExpandPath(c.Logging.File)
}

// EnsureDirectories creates the directories the databases, dataset, model and log live in.
func (c *Config) EnsureDirectories() error {
	dirs := []string{
		c.Storage.DataDir,
		c.Storage.DatasetDir,
		filepath.Dir(c.Storage.ProfileDB),
		filepath.Dir(c.Storage.SignDB),
		filepath.Dir(c.Recognition.ModelFile),
	}
	if c.Logging.File != "" {
		dirs = append(dirs, filepath.Dir(c.Logging.File))
	}

	for _, dir := range dirs {
		if dir == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}

	return nil
}

// SubjectDir returns the sample directory for a student.
func (c *Config) SubjectDir(stuID string) string {
	return filepath.Join(c.Storage.DatasetDir, c.Storage.SubjectPrefix+stuID)
}
