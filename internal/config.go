package internal

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/haatos/vc4-buildbot/internal/util"
)

type SecondsDuration time.Duration

func NewSecondsDuration(seconds int64) SecondsDuration {
	return SecondsDuration(time.Duration(seconds) * time.Second)
}

func (sd SecondsDuration) MarshalJSON() ([]byte, error) {
	seconds := float64(time.Duration(sd)) / float64(time.Second)
	return json.Marshal(seconds)
}

func (sd *SecondsDuration) UnmarshalJSON(data []byte) error {
	var seconds float64
	if err := json.Unmarshal(data, &seconds); err != nil {
		return err
	}
	*sd = SecondsDuration(seconds * float64(time.Second))
	return nil
}

// BootConfig lists the boot partition files the pipeline overwrites and
// that must be put back after every run.
type BootConfig struct {
	Dir          string   `json:"dir"`
	Artifacts    []string `json:"artifacts"`
	BackupSuffix string   `json:"backup_suffix"`
}

type StagingConfig struct {
	Dir string `json:"dir"`
	Tag string `json:"tag"`
}

type OverlayConfig struct {
	Root    string   `json:"root"`
	Include []string `json:"include"`
	Exclude []string `json:"exclude"`
}

type ImageConfig struct {
	BaseURL         string `json:"base_url"`
	BaseFile        string `json:"base_file"`
	WorkDir         string `json:"work_dir"`
	BytesPerSector  int64  `json:"bytes_per_sector"`
	BootStartSector int64  `json:"boot_start_sector"`
	RootStartSector int64  `json:"root_start_sector"`
	BootFSType      string `json:"boot_fs_type"`
	RootFSType      string `json:"root_fs_type"`
	LoginService    string `json:"login_service"`
	Runlevels       []int  `json:"runlevels"`
}

type UploadConfig struct {
	Backend    string          `json:"backend"`
	Host       string          `json:"host"`
	Port       int             `json:"port"`
	User       string          `json:"user"`
	KeyFile    string          `json:"key_file"`
	KnownHosts string          `json:"known_hosts"`
	Path       string          `json:"path"`
	Timeout    SecondsDuration `json:"timeout_seconds"`
	Bucket     string          `json:"bucket"`
	Region     string          `json:"region"`
	Endpoint   string          `json:"endpoint"`
}

type Configuration struct {
	SourceRoot      string        `json:"source_root"`
	DataDir         string        `json:"data_dir"`
	MakeOpts        string        `json:"make_opts"`
	Cleanup         bool          `json:"cleanup"`
	StepsFile       string        `json:"steps_file"`
	IssuePath       string        `json:"issue_path"`
	SelfRepo        string        `json:"self_repo"`
	PackageInstall  string        `json:"package_install"`
	Schedule        string        `json:"schedule"`
	PipelineProcess string        `json:"pipeline_process"`
	RequireRoot     bool          `json:"require_root"`
	Boot            BootConfig    `json:"boot"`
	Staging         StagingConfig `json:"staging"`
	Overlay         OverlayConfig `json:"overlay"`
	Image           ImageConfig   `json:"image"`
	Upload          UploadConfig  `json:"upload"`
}

func DefaultConfiguration() *Configuration {
	return &Configuration{
		SourceRoot:      "/usr/local/src",
		DataDir:         "/usr/local/share/vc4-buildbot",
		MakeOpts:        "-j3 -l3",
		Cleanup:         true,
		IssuePath:       "/boot/issue-vc4.json",
		PackageInstall:  "apt-get -y install",
		Schedule:        "0 3 * * *",
		PipelineProcess: "buildbot " + BuildCommand,
		RequireRoot:     true,
		Boot: BootConfig{
			Dir: "/boot",
			Artifacts: []string{
				"kernel.img",
				"bcm2708-rpi-b.dtb",
				"bcm2708-rpi-b-plus.dtb",
				"kernel7.img",
				"bcm2709-rpi-2-b.dtb",
			},
			BackupSuffix: ".orig",
		},
		Staging: StagingConfig{
			Dir: "/tmp",
			Tag: "vc4",
		},
		Overlay: OverlayConfig{
			Root: "/",
			Include: []string{
				"/boot/bcm2708-rpi-b.dtb",
				"/boot/bcm2708-rpi-b-plus.dtb",
				"/boot/bcm2708-rpi-cm.dtb",
				"/boot/bcm2709-rpi-2-b.dtb",
				"/boot/bcm2710-rpi-3-b.dtb",
				"/boot/overlays",
				"/boot/config.txt",
				"/boot/issue-vc4.json",
				"/boot/kernel.img",
				"/boot/kernel.img-config",
				"/boot/kernel7.img",
				"/boot/kernel7.img-config",
				"/etc/ld.so.conf.d/01-libc.conf",
				"/lib/modules/*-2708*",
				"/lib/modules/*-2709*",
				"/usr/local",
			},
			Exclude: []string{
				"/usr/local/bin/indiecity",
				"/usr/local/games",
				"/usr/local/lib/python*",
				"/usr/local/lib/site_ruby",
				"/usr/local/src",
				"/usr/local/sbin",
				"/usr/local/share/applications",
				"/usr/local/share/ca-certificates",
				"/usr/local/share/fonts",
				"/usr/local/share/sgml",
				"/usr/local/share/xml",
			},
		},
		Image: ImageConfig{
			BaseURL:         "http://downloads.raspberrypi.org/raspbian_latest",
			BaseFile:        "raspbian_latest",
			WorkDir:         "buildbot-image",
			BytesPerSector:  512,
			BootStartSector: 8192,
			RootStartSector: 122880,
			BootFSType:      "vfat",
			RootFSType:      "ext4",
			LoginService:    "ssh",
			Runlevels:       []int{2, 3, 4, 5},
		},
		Upload: UploadConfig{
			Backend: "sftp",
			Host:    "sukzessiv.net",
			Port:    22,
			User:    "vc4-buildbot",
			KeyFile: "/usr/local/share/vc4-buildbot/sukzessiv-net.pem",
			Path:    "~/upload/",
			Timeout: NewSecondsDuration(30),
		},
	}
}

// LoadConfiguration reads the configuration at path over the defaults. When
// the file does not exist yet, the defaults are written to it.
func LoadConfiguration(path string) (*Configuration, error) {
	config := DefaultConfiguration()

	configFileExists, _ := util.PathExists(path)
	if !configFileExists {
		if err := SaveConfiguration(path, config); err != nil {
			return nil, err
		}
		return config, nil
	}

	configBytes, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("err reading configuration: %w", err)
	}
	if err := json.Unmarshal(configBytes, config); err != nil {
		return nil, fmt.Errorf("err parsing configuration %s: %w", path, err)
	}
	return config, nil
}

func SaveConfiguration(path string, config *Configuration) error {
	b, err := json.MarshalIndent(config, "", "    ")
	if err != nil {
		return err
	}

	configFile, err := os.Create(path)
	if err != nil {
		return err
	}
	defer configFile.Close()

	if _, err := configFile.Write(b); err != nil {
		return err
	}

	return nil
}
