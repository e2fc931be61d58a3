package cfg

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"churnrisk/internal/common"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Settings struct {
	EngineURL       string
	EngineUser      string
	EnginePassword  string
	RESTTimeout     time.Duration
	JobPollInterval time.Duration
	JobTimeout      time.Duration
	TrainRatio      float64
	Seed            int64
	TargetColumn    string
	PositiveClass   string
	PDBins          int
	FrameCacheSize  int
	DataPath        string
	OutputDir       string
	APIPort         int
	LogLevel        string
	LogFile         string
}

type ConfigFile struct {
	Engine struct {
		URL             string `yaml:"url"`
		Username        string `yaml:"username"`
		Password        string `yaml:"password"`
		RESTTimeout     string `yaml:"restTimeout"`
		JobPollInterval string `yaml:"jobPollInterval"`
		JobTimeout      string `yaml:"jobTimeout"`
	} `yaml:"engine"`

	Model struct {
		TrainRatio     float64 `yaml:"trainRatio"`
		Seed           int64   `yaml:"seed"`
		TargetColumn   string  `yaml:"targetColumn"`
		PositiveClass  string  `yaml:"positiveClass"`
		PDBins         int     `yaml:"pdBins"`
		FrameCacheSize int     `yaml:"frameCacheSize"`
	} `yaml:"model"`

	System struct {
		DataPath  string `yaml:"dataPath"`
		OutputDir string `yaml:"outputDir"`
		APIPort   int    `yaml:"apiPort"`
		LogLevel  string `yaml:"logLevel"`
		LogFile   string `yaml:"logFile"`
	} `yaml:"system"`
}

// Load reads a .env file when present, then the YAML file named by CONFIG_FILE,
// falling back to plain environment variables.
func Load() (Settings, error) {
	// A missing .env is the normal case.
	_ = godotenv.Load()

	if configPath := os.Getenv(common.EnvConfigFile); configPath != "" {
		return loadFromYAML(configPath)
	}

	return loadFromEnv()
}

func loadFromYAML(path string) (Settings, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Settings{}, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	var config ConfigFile
	if err := yaml.Unmarshal(data, &config); err != nil {
		return Settings{}, fmt.Errorf("failed to parse config file: %w", err)
	}

	restTimeout, err := time.ParseDuration(config.Engine.RESTTimeout)
	if err != nil {
		restTimeout = 60 * time.Second
	}
	pollInterval, err := time.ParseDuration(config.Engine.JobPollInterval)
	if err != nil {
		pollInterval = 500 * time.Millisecond
	}
	jobTimeout, err := time.ParseDuration(config.Engine.JobTimeout)
	if err != nil {
		jobTimeout = 10 * time.Minute
	}

	settings := Settings{
		EngineURL:       getEnvOrDefault(common.EnvEngineURL, orString(config.Engine.URL, common.DefaultEngineURL)),
		EngineUser:      getEnvOrDefault(common.EnvEngineUser, config.Engine.Username),
		EnginePassword:  getEnvOrDefault(common.EnvEnginePassword, config.Engine.Password),
		RESTTimeout:     getDurationOrDefault(common.EnvRESTTimeout, restTimeout),
		JobPollInterval: getDurationOrDefault(common.EnvJobPollInterval, pollInterval),
		JobTimeout:      getDurationOrDefault(common.EnvJobTimeout, jobTimeout),
		TrainRatio:      getFloatFromEnvOrConfig(common.EnvTrainRatio, config.Model.TrainRatio, common.DefaultTrainRatio),
		Seed:            getInt64FromEnvOrConfig(common.EnvSeed, config.Model.Seed, common.DefaultSeed),
		TargetColumn:    getEnvOrDefault(common.EnvTargetColumn, orString(config.Model.TargetColumn, common.TargetColumn)),
		PositiveClass:   getEnvOrDefault(common.EnvPositiveClass, orString(config.Model.PositiveClass, common.PositiveClass)),
		PDBins:          getIntFromEnvOrConfig(common.EnvPDBins, config.Model.PDBins, common.DefaultPDBins),
		FrameCacheSize:  getIntFromEnvOrConfig(common.EnvFrameCacheSize, config.Model.FrameCacheSize, common.DefaultFrameCacheSize),
		DataPath:        getEnvOrDefault(common.EnvDataPath, config.System.DataPath),
		OutputDir:       getEnvOrDefault(common.EnvOutputDir, orString(config.System.OutputDir, common.DefaultOutputDir)),
		APIPort:         getIntFromEnvOrConfig(common.EnvAPIPort, config.System.APIPort, common.DefaultAPIPort),
		LogLevel:        getEnvOrDefault(common.EnvLogLevel, orString(config.System.LogLevel, common.DefaultLogLevel)),
		LogFile:         getEnvOrDefault(common.EnvLogFile, config.System.LogFile),
	}

	if err := validateSettings(&settings); err != nil {
		return Settings{}, fmt.Errorf("configuration validation failed: %w", err)
	}

	return settings, nil
}

func loadFromEnv() (Settings, error) {
	settings := Settings{
		EngineURL:       getEnvOrDefault(common.EnvEngineURL, common.DefaultEngineURL),
		EngineUser:      os.Getenv(common.EnvEngineUser),
		EnginePassword:  os.Getenv(common.EnvEnginePassword),
		RESTTimeout:     getDurationOrDefault(common.EnvRESTTimeout, 60*time.Second),
		JobPollInterval: getDurationOrDefault(common.EnvJobPollInterval, 500*time.Millisecond),
		JobTimeout:      getDurationOrDefault(common.EnvJobTimeout, 10*time.Minute),
		TrainRatio:      getFloatOrDefault(common.EnvTrainRatio, common.DefaultTrainRatio),
		Seed:            getInt64OrDefault(common.EnvSeed, common.DefaultSeed),
		TargetColumn:    getEnvOrDefault(common.EnvTargetColumn, common.TargetColumn),
		PositiveClass:   getEnvOrDefault(common.EnvPositiveClass, common.PositiveClass),
		PDBins:          getIntOrDefault(common.EnvPDBins, common.DefaultPDBins),
		FrameCacheSize:  getIntOrDefault(common.EnvFrameCacheSize, common.DefaultFrameCacheSize),
		DataPath:        os.Getenv(common.EnvDataPath), // optional
		OutputDir:       getEnvOrDefault(common.EnvOutputDir, common.DefaultOutputDir),
		APIPort:         getIntOrDefault(common.EnvAPIPort, common.DefaultAPIPort),
		LogLevel:        getEnvOrDefault(common.EnvLogLevel, common.DefaultLogLevel),
		LogFile:         os.Getenv(common.EnvLogFile),
	}

	if err := validateSettings(&settings); err != nil {
		return Settings{}, fmt.Errorf("configuration validation failed: %w", err)
	}

	return settings, nil
}

func orString(v, def string) string {
	if v != "" {
		return v
	}
	return def
}

func getEnvOrDefault(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}

func getDurationOrDefault(key string, defaultValue time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return defaultValue
}

func getIntOrDefault(key string, defaultValue int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return defaultValue
}

func getInt64OrDefault(key string, defaultValue int64) int64 {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.ParseInt(v, 10, 64); err == nil {
			return i
		}
	}
	return defaultValue
}

func getFloatOrDefault(key string, defaultValue float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getIntFromEnvOrConfig(key string, configValue, defaultValue int) int {
	if env := os.Getenv(key); env != "" {
		if val, err := strconv.Atoi(env); err == nil {
			return val
		}
	}
	if configValue != 0 {
		return configValue
	}
	return defaultValue
}

func getInt64FromEnvOrConfig(key string, configValue, defaultValue int64) int64 {
	if env := os.Getenv(key); env != "" {
		if val, err := strconv.ParseInt(env, 10, 64); err == nil {
			return val
		}
	}
	if configValue != 0 {
		return configValue
	}
	return defaultValue
}

func getFloatFromEnvOrConfig(key string, configValue, defaultValue float64) float64 {
	if env := os.Getenv(key); env != "" {
		if val, err := strconv.ParseFloat(env, 64); err == nil {
			return val
		}
	}
	if configValue != 0 {
		return configValue
	}
	return defaultValue
}

// validateSettings checks ranges of every configuration value
func validateSettings(settings *Settings) error {
	if settings.EngineURL == "" {
		return fmt.Errorf("engine URL cannot be empty")
	}
	if (settings.EngineUser == "") != (settings.EnginePassword == "") {
		return fmt.Errorf("engine username and password must be set together")
	}

	if settings.RESTTimeout < time.Second || settings.RESTTimeout > 10*time.Minute {
		return fmt.Errorf("REST timeout must be between 1s and 10m, got %v", settings.RESTTimeout)
	}
	if settings.JobPollInterval < 10*time.Millisecond || settings.JobPollInterval > 30*time.Second {
		return fmt.Errorf("job poll interval must be between 10ms and 30s, got %v", settings.JobPollInterval)
	}
	if settings.JobTimeout < settings.JobPollInterval || settings.JobTimeout > 24*time.Hour {
		return fmt.Errorf("job timeout must be between the poll interval and 24h, got %v", settings.JobTimeout)
	}

	if settings.TrainRatio <= 0 || settings.TrainRatio >= 1 {
		return fmt.Errorf("train ratio must be strictly between 0 and 1, got %f", settings.TrainRatio)
	}
	if settings.TargetColumn == "" {
		return fmt.Errorf("target column cannot be empty")
	}
	if settings.PositiveClass == "" {
		return fmt.Errorf("positive class cannot be empty")
	}
	if settings.PDBins <= 0 || settings.PDBins > common.MaxPDBins {
		return fmt.Errorf("partial dependence bins must be between 1 and %d, got %d", common.MaxPDBins, settings.PDBins)
	}
	if settings.FrameCacheSize <= 0 || settings.FrameCacheSize > common.MaxFrameCacheSize {
		return fmt.Errorf("frame cache size must be between 1 and %d, got %d", common.MaxFrameCacheSize, settings.FrameCacheSize)
	}

	if settings.OutputDir == "" {
		return fmt.Errorf("output directory cannot be empty")
	}
	if settings.APIPort < common.MinAPIPort || settings.APIPort > common.MaxAPIPort {
		return fmt.Errorf("API port must be between %d and %d, got %d", common.MinAPIPort, common.MaxAPIPort, settings.APIPort)
	}

	return nil
}
