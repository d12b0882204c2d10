package internal

const (
	DotEnvPath        = "./.env"
	DefaultConfigPath = "config.json"
	MigrationsDir     = "migrations"
	DefaultStepsFile  = "steps/raspbian-vc4.yml"
	PrefixLayout      = "20060102-1504"
	SelfIssueName     = "vc4-buildbot"
	BuildCommand      = "build"
)

// staged artifact suffixes, appended to the run prefix
const (
	LogSuffix        = ".log"
	SuccessLogSuffix = "-success.log"
	FailureLogSuffix = "-failure.log"
	Bzip2Ext         = ".bz2"
	IssueSuffix      = "-issue.json"
	OverlaySuffix    = "-overlay.tar.bz2"
	ImageSuffix      = "-image.zip"
)

const DBTimestampLayout = "2006-01-02 15:04:05"
