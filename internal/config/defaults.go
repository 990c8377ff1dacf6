package config

const (
	defaultDataDir            = "~/.local/share/transcoder"
	defaultUploadDir          = "~/.local/share/transcoder/uploads"
	defaultOutputDir          = "~/.local/share/transcoder/outputs"
	defaultLogDir             = "~/.local/share/transcoder/logs"
	defaultAPIBind            = "127.0.0.1:7487"
	defaultConcurrency        = 2
	defaultPollIntervalMillis = 1000
	defaultErrorRetryInterval = 10
	defaultHeartbeatInterval  = 15
	defaultHeartbeatTimeout   = 120
	defaultQueueBackend       = QueueBackendSQLite
	defaultMaxAttempts        = 3
	defaultBackoffBaseMillis  = 2000
	defaultRetainCompleted    = 100
	defaultCleanGraceHours    = 24
	defaultRedisAddr          = "127.0.0.1:6379"
	defaultRedisPrefix        = "transcoder"
	defaultMaxUploadBytes     = 200 * 1024 * 1024
	defaultFFmpegBinary       = "ffmpeg"
	defaultFFprobeBinary      = "ffprobe"
	defaultLogFormat          = "console"
	defaultLogLevel           = "info"
	defaultLogRetentionDays   = 30
	defaultSentryEnvironment  = "production"
	environmentOutputDir      = "OUTPUT_DIR"
	environmentAPIToken       = "TRANSCODER_API_TOKEN"
	environmentRedisURL       = "REDIS_URL"
	environmentSentryDSN      = "SENTRY_DSN"
	environmentSentryEnv      = "SENTRY_ENVIRONMENT"
	environmentFFmpegBinary   = "FFMPEG_PATH"
	environmentFFprobeBinary  = "FFPROBE_PATH"
)

var defaultAllowedMIMETypes = []string{"video/mp4", "video/quicktime", "video/webm"}

// Default returns a Config populated with repository defaults.
func Default() Config {
	return Config{
		Paths: Paths{
			DataDir:   defaultDataDir,
			UploadDir: defaultUploadDir,
			OutputDir: defaultOutputDir,
			LogDir:    defaultLogDir,
			APIBind:   defaultAPIBind,
		},
		Workers: Workers{
			Concurrency:        defaultConcurrency,
			PollIntervalMillis: defaultPollIntervalMillis,
			ErrorRetryInterval: defaultErrorRetryInterval,
			HeartbeatInterval:  defaultHeartbeatInterval,
			HeartbeatTimeout:   defaultHeartbeatTimeout,
		},
		Queue: Queue{
			Backend:           defaultQueueBackend,
			MaxAttempts:       defaultMaxAttempts,
			BackoffBaseMillis: defaultBackoffBaseMillis,
			RetainCompleted:   defaultRetainCompleted,
			CleanGraceHours:   defaultCleanGraceHours,
			RedisAddr:         defaultRedisAddr,
			RedisPrefix:       defaultRedisPrefix,
		},
		Uploads: Uploads{
			MaxBytes:         defaultMaxUploadBytes,
			AllowedMIMETypes: append([]string(nil), defaultAllowedMIMETypes...),
		},
		Tools: Tools{
			FFmpegBinary:  defaultFFmpegBinary,
			FFprobeBinary: defaultFFprobeBinary,
		},
		Logging: Logging{
			Format:        defaultLogFormat,
			Level:         defaultLogLevel,
			RetentionDays: defaultLogRetentionDays,
		},
		Sentry: Sentry{
			Environment: defaultSentryEnvironment,
		},
	}
}
