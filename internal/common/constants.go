package common

// Frame column conventions of the churn dataset and the engine outputs
const (
	TargetColumn   = "Churn?"
	PositiveClass  = "TRUE"
	BiasTermColumn = "BiasTerm"
	PredictColumn  = "predict"
)

// Environment variable keys
const (
	EnvConfigFile      = "CONFIG_FILE"
	EnvEngineURL       = "H2O_URL"
	EnvEngineUser      = "H2O_USERNAME"
	EnvEnginePassword  = "H2O_PASSWORD"
	EnvRESTTimeout     = "REST_TIMEOUT"
	EnvJobPollInterval = "JOB_POLL_INTERVAL"
	EnvJobTimeout      = "JOB_TIMEOUT"
	EnvTrainRatio      = "TRAIN_RATIO"
	EnvSeed            = "MODEL_SEED"
	EnvTargetColumn    = "TARGET_COLUMN"
	EnvPositiveClass   = "POSITIVE_CLASS"
	EnvPDBins          = "PD_BINS"
	EnvFrameCacheSize  = "FRAME_CACHE_SIZE"
	EnvDataPath        = "DATA_PATH"
	EnvOutputDir       = "OUTPUT_DIR"
	EnvAPIPort         = "API_PORT"
	EnvLogLevel        = "LOG_LEVEL"
	EnvLogFile         = "LOG_FILE"
)

// Configuration defaults
const (
	DefaultEngineURL      = "http://localhost:54321"
	DefaultTrainRatio     = 0.8
	DefaultSeed           = 1234
	DefaultPDBins         = 20
	DefaultFrameCacheSize = 16
	DefaultOutputDir      = "explanations"
	DefaultAPIPort        = 8080
	DefaultLogLevel       = "info"
)

// Validation constants
const (
	MinAPIPort        = 1024
	MaxAPIPort        = 65535
	MaxPDBins         = 1000
	MaxFrameCacheSize = 1024
)
