package config

import (
	"io"
	"os"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Load reads a YAML config file over Default. Unknown keys are an error, so typos don't silently
// fall back to defaults.
func Load(path string) (*Settings, error) {
	s := Default()
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open config file '%s'", path)
	}
	defer f.Close()
	if err := decodeInto(f, s); err != nil {
		return nil, errors.Wrapf(err, "failed to parse config file '%s'", path)
	}
	if err := s.Validate(); err != nil {
		return nil, errors.Wrapf(err, "invalid config file '%s'", path)
	}
	return s, nil
}

func decodeInto(r io.Reader, s *Settings) error {
	decoder := yaml.NewDecoder(r)
	decoder.KnownFields(true)
	err := decoder.Decode(s)
	if err == io.EOF {
		err = nil
	}
	return err
}

// LoadOrDefault is Load, except an empty path gives the defaults.
func LoadOrDefault(path string) (*Settings, error) {
	if path == "" {
		return Default(), nil
	}
	return Load(path)
}

// Save writes the settings as YAML, for seeding a config file from the defaults.
func Save(path string, s *Settings) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return errors.Wrapf(err, "failed to create config file '%s'", path)
	}
	defer func() { _ = f.Close() }()

	encoder := yaml.NewEncoder(f)
	encoder.SetIndent(2)
	err = encoder.Encode(s)
	return errors.Wrapf(err, "failed to write to config file '%s'", path)
}
