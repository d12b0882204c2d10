package settings

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSettings_ReadDotenv(t *testing.T) {
	t.Run("success - .env files is read into env variables", func(t *testing.T) {
		// arrange
		testDotEnvFile := filepath.Join(t.TempDir(), ".env.test")
		lines := []string{
			`#COMMENTED=asdf`,
			`BUILDBOT_TEST=1234`,
			``,
			`BUILDBOT_TEST2= 2345 `,
			`BUILDBOT_TEST3="a=b"`,
		}
		err := os.WriteFile(testDotEnvFile, []byte(strings.Join(lines, "\n")+"\n"), 0644)
		assert.NoError(t, err)
		t.Cleanup(func() {
			os.Unsetenv("BUILDBOT_TEST")
			os.Unsetenv("BUILDBOT_TEST2")
			os.Unsetenv("BUILDBOT_TEST3")
		})

		// act
		ReadDotenv(testDotEnvFile)

		// assert
		assert.Equal(t, "1234", os.Getenv("BUILDBOT_TEST"))
		assert.Equal(t, "2345", os.Getenv("BUILDBOT_TEST2"))
		assert.Equal(t, "a=b", os.Getenv("BUILDBOT_TEST3"))
		_, ok := os.LookupEnv("COMMENTED")
		assert.False(t, ok)
	})

	t.Run("success - missing file is ignored", func(t *testing.T) {
		// act
		ReadDotenv(filepath.Join(t.TempDir(), "missing.env"))
	})
}

func TestSettings_NewSettings(t *testing.T) {
	t.Run("success - port gets a colon prefix", func(t *testing.T) {
		// arrange
		t.Setenv("BUILDBOT_PORT", "9090")
		t.Setenv("BUILDBOT_CONFIG", "/etc/buildbot.json")

		// act
		s := NewSettings()

		// assert
		assert.Equal(t, ":9090", s.Port)
		assert.Equal(t, "/etc/buildbot.json", s.ConfigPath)
	})

	t.Run("success - empty port stays empty", func(t *testing.T) {
		// arrange
		t.Setenv("BUILDBOT_PORT", "")

		// act
		s := NewSettings()

		// assert
		assert.Equal(t, "", s.Port)
	})
}

func TestSettings_SQLiteDbString(t *testing.T) {
	s := &AppSettings{SQLiteDatabase: "file:test.sqlite"}

	t.Run("success - readonly", func(t *testing.T) {
		dsn := s.SQLiteDbString(true)
		assert.True(t, strings.HasPrefix(dsn, "file:test.sqlite?"))
		assert.Contains(t, dsn, "mode=ro")
		assert.NotContains(t, dsn, "_txlock")
	})

	t.Run("success - read write", func(t *testing.T) {
		dsn := s.SQLiteDbString(false)
		assert.Contains(t, dsn, "mode=rwc")
		assert.Contains(t, dsn, "_txlock=IMMEDIATE")
		assert.Contains(t, dsn, "_foreign_keys=ON")
	})
}
