package cfg

import (
	"os"
	"time"

	"slugbin/pkg/domain"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// optionsFile is the on-disk shape of OPTIONS_FILE. Expirations are given in
// seconds keyed by code.
type optionsFile struct {
	DefaultLanguage   string            `yaml:"defaultLanguage"`
	DefaultExpiration string            `yaml:"defaultExpiration"`
	Languages         map[string]string `yaml:"languages"`
	Expirations       map[string]int64  `yaml:"expirations"`
}

// LoadOptions returns the built-in options when path is empty, otherwise the
// options described by the YAML file at path.
func LoadOptions(path string) (*domain.Options, error) {
	if path == "" {
		return domain.DefaultOptions(), nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "read options file")
	}
	return ParseOptions(raw)
}

func ParseOptions(raw []byte) (*domain.Options, error) {
	var f optionsFile
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, errors.Wrap(err, "parse options file")
	}
	if f.DefaultLanguage == "" {
		f.DefaultLanguage = domain.DefaultLanguage
	}
	if f.DefaultExpiration == "" {
		f.DefaultExpiration = domain.DefaultExpiration
	}
	exps := make(map[string]time.Duration, len(f.Expirations))
	for code, secs := range f.Expirations {
		exps[code] = time.Duration(secs) * time.Second
	}
	opts, err := domain.NewOptions(f.Languages, exps, f.DefaultLanguage, f.DefaultExpiration)
	if err != nil {
		return nil, errors.Wrap(err, "invalid options file")
	}
	return opts, nil
}
