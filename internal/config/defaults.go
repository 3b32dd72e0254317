package config

const (
	defaultWorkDir          = "~/.local/share/annihilator/work"
	defaultLogDir           = "~/.local/share/annihilator/logs"
	defaultStateDir         = "~/.local/share/annihilator/state"
	defaultAPIBind          = "127.0.0.1:8000"
	defaultSeparatorBinary  = "spleeter"
	defaultSeparatorModel   = "2stems"
	defaultSeparatorCodec   = "mp3"
	defaultSeparatorBitrate = "192k"
	defaultSeparatorTimeout = 3600
	defaultStorageRegion    = "us-east-1"
	defaultStorageBucket    = "annihilator"
	defaultStorageKeyPrefix = "processed"
	defaultMaxUploadMB      = 200
	defaultLogFormat        = "console"
	defaultLogLevel         = "info"
)

var supportedCodecs = map[string]struct{}{
	"wav":  {},
	"mp3":  {},
	"ogg":  {},
	"m4a":  {},
	"wma":  {},
	"flac": {},
}

// Default returns a Config populated with repository defaults.
func Default() Config {
	return Config{
		Paths: Paths{
			WorkDir:  defaultWorkDir,
			LogDir:   defaultLogDir,
			StateDir: defaultStateDir,
			APIBind:  defaultAPIBind,
		},
		Separator: Separator{
			Binary:         defaultSeparatorBinary,
			Model:          defaultSeparatorModel,
			Codec:          defaultSeparatorCodec,
			Bitrate:        defaultSeparatorBitrate,
			Verbose:        true,
			TimeoutSeconds: defaultSeparatorTimeout,
		},
		Storage: Storage{
			KeyPrefix: defaultStorageKeyPrefix,
		},
		Server: Server{
			AllowOrigins:     []string{"*"},
			AllowMethods:     []string{"*"},
			AllowHeaders:     []string{"*"},
			AllowCredentials: true,
			MaxUploadMB:      defaultMaxUploadMB,
		},
		History: History{
			Enabled: true,
		},
		Logging: Logging{
			Format: defaultLogFormat,
			Level:  defaultLogLevel,
		},
	}
}
