package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/maauso/vidopt/internal/plan"
)

// Profile is an encoding profile read from YAML. Zero fields keep the
// built-in defaults.
//
//	container: mp4
//	video_codec: libx264
//	audio_codec: aac
//	preset: veryfast
//	audio_bitrate: 96000
//	extra_args: "-tune film"
//	ladder:
//	  - {width: 1280, height: 720}
//	  - {width: 640, height: 360}
type Profile struct {
	Container    string            `yaml:"container"`
	VideoCodec   string            `yaml:"video_codec"`
	AudioCodec   string            `yaml:"audio_codec"`
	Preset       string            `yaml:"preset"`
	AudioBitrate int64             `yaml:"audio_bitrate"`
	ExtraArgs    string            `yaml:"extra_args"`
	Ladder       []plan.Resolution `yaml:"ladder"`
}

// LoadProfile reads and parses the profile at path.
func LoadProfile(path string) (*Profile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read profile: %w", err)
	}

	var p Profile
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("failed to parse profile: %w", err)
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &p, nil
}

// Validate checks the profile values that can be checked without ffmpeg.
func (p *Profile) Validate() error {
	if p.Container != "" {
		if _, err := plan.ParseContainer(p.Container); err != nil {
			return fmt.Errorf("profile: %w", err)
		}
	}
	if p.AudioBitrate < 0 {
		return fmt.Errorf("profile: audio_bitrate must not be negative")
	}
	for i, r := range p.Ladder {
		if r.Width < 2 || r.Height < 2 {
			return fmt.Errorf("profile: ladder[%d] %s is too small", i, r)
		}
	}
	return nil
}

// LoadProfile reads the profile named by PROFILE_FILE. It returns nil when
// none is configured.
func (c *Config) LoadProfile() (*Profile, error) {
	if c.ProfileFile == "" {
		return nil, nil
	}
	return LoadProfile(c.ProfileFile)
}
