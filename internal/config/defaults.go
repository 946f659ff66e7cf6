package config

const (
	defaultExtension           = ".tif"
	defaultGPUID               = 0
	defaultDumpIntervalSeconds = 10
	defaultSettleSeconds       = 2
	defaultCSVName             = "process_table.csv"
	defaultStarName            = "micrographs_ctf.star"
	defaultCTFCutoff           = 0.75
	defaultVoltageKV           = 300.0
	defaultPixelSize           = 1.0
	defaultDosePerFrame        = 1.0
	defaultAmplitudeContrast   = 0.1
	defaultSphericalAberration = 2.7
	defaultMotionCorExecutable = "MotionCor2"
	defaultMotionCorTrials     = 3
	defaultMotionCorTimeout    = 600
	defaultGctfExecutable      = "Gctf"
	defaultGctfTrials          = 3
	defaultGctfTimeout         = 300
	defaultLogFormat           = "console"
	defaultLogLevel            = "info"
	defaultLogRetentionDays    = 30
	defaultConfigPath          = "~/.config/mpiapp/config.toml"
	projectConfigName          = "mpiapp.toml"
	motionCorDirName           = "motioncor"
	gctfDirName                = "gctf"
	archiveDirName             = "frames"
	logDirName                 = "logs"
	ledgerFileName             = "mpiapp.db"
	lockFileName               = ".mpiapp.lock"
)

var defaultCrashSignatures = []string{"Segmentation fault", "core dumped", "CUDA error"}

// Default returns a Config populated with repository defaults.
func Default() Config {
	return Config{
		Watch: Watch{
			Extension:     defaultExtension,
			SettleSeconds: defaultSettleSeconds,
		},
		Workers: Workers{
			GPUIDs: []int{defaultGPUID},
		},
		Table: Table{
			DumpIntervalSeconds: defaultDumpIntervalSeconds,
			CSVName:             defaultCSVName,
			StarName:            defaultStarName,
			CTFCutoff:           defaultCTFCutoff,
		},
		Microscope: Microscope{
			VoltageKV:           defaultVoltageKV,
			PixelSize:           defaultPixelSize,
			DosePerFrame:        defaultDosePerFrame,
			AmplitudeContrast:   defaultAmplitudeContrast,
			SphericalAberration: defaultSphericalAberration,
		},
		MotionCor: Tool{
			Executable:      defaultMotionCorExecutable,
			Trials:          defaultMotionCorTrials,
			TimeoutSeconds:  defaultMotionCorTimeout,
			CrashSignatures: append([]string(nil), defaultCrashSignatures...),
		},
		Gctf: Tool{
			Executable:      defaultGctfExecutable,
			Trials:          defaultGctfTrials,
			TimeoutSeconds:  defaultGctfTimeout,
			CrashSignatures: append([]string(nil), defaultCrashSignatures...),
		},
		Logging: Logging{
			Format:        defaultLogFormat,
			Level:         defaultLogLevel,
			RetentionDays: defaultLogRetentionDays,
		},
	}
}
