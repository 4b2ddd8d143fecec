// Package config reads pipeline credentials from the environment and task
// template settings from an optional YAML file. A missing settings file
// yields the defaults; fields absent from the file keep their default value.
package config

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Default task template values
const (
	DefaultProvisioner       = "proj-fuzzing"
	DefaultSchedulerID       = "-"
	DefaultOwner             = "jkratzer@mozilla.com"
	DefaultSource            = "https://github.com/MozillaSecurity/bugmon"
	DefaultImage             = "mozillasecurity/bugmon:latest"
	DefaultPriority          = "high"
	DefaultRetries           = 5
	DefaultArtifactNamespace = "project/fuzzing/bugmon"
	DefaultArtifactPath      = "/bugmon-artifacts/"
	DefaultSecretPrefix      = "project/fuzzing"
	DefaultQuerySince        = "2020-08-19"
	DefaultToolchainNS       = "project.fuzzing.orion.fuzzing-msys2.latest"
	DefaultToolchainArtifact = "public/msys2.tar.bz2"
)

// Mount describes the prebuilt toolchain archive mounted into Windows tasks
type Mount struct {
	Namespace string `yaml:"namespace"`
	Artifact  string `yaml:"artifact"`
	Format    string `yaml:"format"`
	Directory string `yaml:"directory"`
}

// Settings holds the values stamped into every generated task
type Settings struct {
	Provisioner       string   `yaml:"provisioner"`
	SchedulerID       string   `yaml:"scheduler_id"`
	Owner             string   `yaml:"owner"`
	Source            string   `yaml:"source"`
	Image             string   `yaml:"image"`
	Priority          string   `yaml:"priority"`
	Retries           int      `yaml:"retries"`
	Routes            []string `yaml:"routes"`
	ArtifactNamespace string   `yaml:"artifact_namespace"`
	ArtifactPath      string   `yaml:"artifact_path"`
	SecretPrefix      string   `yaml:"secret_prefix"`
	QuerySince        string   `yaml:"query_since"`
	WindowsToolchain  Mount    `yaml:"windows_toolchain"`
}

// DefaultSettings returns the settings used when no file overrides them
func DefaultSettings() Settings {
	return Settings{
		Provisioner:       DefaultProvisioner,
		SchedulerID:       DefaultSchedulerID,
		Owner:             DefaultOwner,
		Source:            DefaultSource,
		Image:             DefaultImage,
		Priority:          DefaultPriority,
		Retries:           DefaultRetries,
		Routes:            []string{"notify.email." + DefaultOwner + ".on-failed"},
		ArtifactNamespace: DefaultArtifactNamespace,
		ArtifactPath:      DefaultArtifactPath,
		SecretPrefix:      DefaultSecretPrefix,
		QuerySince:        DefaultQuerySince,
		WindowsToolchain: Mount{
			Namespace: DefaultToolchainNS,
			Artifact:  DefaultToolchainArtifact,
			Format:    "tar.bz2",
			Directory: ".",
		},
	}
}

// partialSettings distinguishes absent fields (nil) from zero values
type partialSettings struct {
	Provisioner       *string       `yaml:"provisioner"`
	SchedulerID       *string       `yaml:"scheduler_id"`
	Owner             *string       `yaml:"owner"`
	Source            *string       `yaml:"source"`
	Image             *string       `yaml:"image"`
	Priority          *string       `yaml:"priority"`
	Retries           *int          `yaml:"retries"`
	Routes            *[]string     `yaml:"routes"`
	ArtifactNamespace *string       `yaml:"artifact_namespace"`
	ArtifactPath      *string       `yaml:"artifact_path"`
	SecretPrefix      *string       `yaml:"secret_prefix"`
	QuerySince        *string       `yaml:"query_since"`
	WindowsToolchain  *partialMount `yaml:"windows_toolchain"`
}

type partialMount struct {
	Namespace *string `yaml:"namespace"`
	Artifact  *string `yaml:"artifact"`
	Format    *string `yaml:"format"`
	Directory *string `yaml:"directory"`
}

// LoadSettings reads the settings file at path. An empty path or a missing
// file returns the defaults.
func LoadSettings(path string) (*Settings, error) {
	s := DefaultSettings()
	if path == "" {
		return &s, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return &s, nil
		}
		return nil, fmt.Errorf("failed to read settings: %w", err)
	}

	var p partialSettings
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("failed to parse settings: %w", err)
	}

	setString(&s.Provisioner, p.Provisioner)
	setString(&s.SchedulerID, p.SchedulerID)
	setString(&s.Owner, p.Owner)
	setString(&s.Source, p.Source)
	setString(&s.Image, p.Image)
	setString(&s.Priority, p.Priority)
	setString(&s.ArtifactNamespace, p.ArtifactNamespace)
	setString(&s.ArtifactPath, p.ArtifactPath)
	setString(&s.SecretPrefix, p.SecretPrefix)
	setString(&s.QuerySince, p.QuerySince)
	if p.Retries != nil {
		s.Retries = *p.Retries
	}
	if p.Routes != nil {
		s.Routes = *p.Routes
	}
	if m := p.WindowsToolchain; m != nil {
		setString(&s.WindowsToolchain.Namespace, m.Namespace)
		setString(&s.WindowsToolchain.Artifact, m.Artifact)
		setString(&s.WindowsToolchain.Format, m.Format)
		setString(&s.WindowsToolchain.Directory, m.Directory)
	}

	if s.Retries < 0 {
		return nil, fmt.Errorf("retries must not be negative, got %d", s.Retries)
	}
	return &s, nil
}

func setString(dst *string, src *string) {
	if src != nil {
		*dst = *src
	}
}
