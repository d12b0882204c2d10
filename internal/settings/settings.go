package settings

import (
	"bufio"
	"errors"
	"log"
	"net/url"
	"os"
	"regexp"
	"strings"

	"github.com/haatos/vc4-buildbot/internal"
)

func NewSettings() *AppSettings {
	settings := AppSettings{
		ConfigPath:     getEnvOrDefault("BUILDBOT_CONFIG", internal.DefaultConfigPath),
		SQLiteDatabase: getEnvOrDefault("BUILDBOT_DB_PATH", "file:.///buildbot.sqlite"),
		Port:           getEnvOrDefault("BUILDBOT_PORT", ""),
		S3AccessKey:    getEnvOrDefault("BUILDBOT_S3_ACCESS_KEY", ""),
		S3SecretKey:    getEnvOrDefault("BUILDBOT_S3_SECRET_KEY", ""),
	}
	if settings.Port != "" && !strings.HasPrefix(settings.Port, ":") {
		settings.Port = ":" + settings.Port
	}
	return &settings
}

func getEnvOrDefault(key, defaultValue string) string {
	value, ok := os.LookupEnv(key)
	if !ok {
		return defaultValue
	}
	return value
}

type AppSettings struct {
	ConfigPath     string
	SQLiteDatabase string
	Port           string
	S3AccessKey    string
	S3SecretKey    string
}

func (as *AppSettings) SQLiteDbString(readonly bool) string {
	params := make(url.Values)
	params.Add("_journal_mode", "WAL")
	params.Add("_busy_timeout", "5000")
	params.Add("_synchronous", "NORMAL")
	params.Add("_cache_size", "-20000")
	params.Add("_foreign_keys", "ON")
	if readonly {
		params.Add("mode", "ro")
	} else {
		params.Add("_txlock", "IMMEDIATE")
		params.Add("mode", "rwc")
	}

	return as.SQLiteDatabase + "?" + params.Encode()
}

// ReadDotenv exports KEY=value lines of the file at path. A missing file is
// not an error: the nightly host usually has no .env at all.
func ReadDotenv(path string) {
	re := regexp.MustCompile(`^[^0-9][A-Z0-9_]+=.+$`)
	f, err := os.Open(path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			log.Println("err opening dotenv:", err)
		}
		return
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) > 0 && line[0] != '#' && re.Match(line) {
			split := strings.SplitN(string(line), "=", 2)
			name := strings.TrimSpace(split[0])
			value := strings.TrimSpace(split[1])
			value = strings.Trim(value, `"`)
			os.Setenv(name, value)
		}
	}
}
