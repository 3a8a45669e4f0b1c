package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"reflect"
	"regexp"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/pelletier/go-toml/v2"
	"go.yaml.in/yaml/v3"
	"golang.org/x/net/idna"
)

// Format is the encoding of a configuration file.
type Format int

const (
	FormatTOML Format = iota
	FormatYAML
)

// FormatFor picks the decoder from the file extension. Anything that is not
// .yaml or .yml is treated as TOML.
func FormatFor(path string) Format {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return FormatYAML
	default:
		return FormatTOML
	}
}

var (
	tokenPattern  = regexp.MustCompile(`^[A-Za-z0-9_\-]+$`)
	zoneIDPattern = regexp.MustCompile(`^[0-9a-f]{32}$`)

	validate = newValidator()
)

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("toml"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	must := func(err error) {
		if err != nil {
			panic(err)
		}
	}
	must(v.RegisterValidation("apitoken", func(fl validator.FieldLevel) bool {
		return tokenPattern.MatchString(fl.Field().String())
	}))
	must(v.RegisterValidation("zoneid", func(fl validator.FieldLevel) bool {
		return zoneIDPattern.MatchString(fl.Field().String())
	}))
	return v
}

// Load reads and validates the configuration file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	return Parse(data, FormatFor(path))
}

// Parse decodes data on top of Default, expands ${ENV} references in the
// credentials, normalizes the record name and validates the result.
func Parse(data []byte, format Format) (*Config, error) {
	cfg := Default()
	switch format {
	case FormatYAML:
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	default:
		dec := toml.NewDecoder(bytes.NewReader(data))
		dec.DisallowUnknownFields()
		if err := dec.Decode(cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	cfg.Account.Email = strings.TrimSpace(os.ExpandEnv(cfg.Account.Email))
	cfg.Account.APIToken = strings.TrimSpace(os.ExpandEnv(cfg.Account.APIToken))
	cfg.Account.AuthKey = strings.TrimSpace(os.ExpandEnv(cfg.Account.AuthKey))
	cfg.Zone.ID = strings.TrimSpace(cfg.Zone.ID)

	if cfg.Zone.Record != "" {
		record, err := NormalizeRecord(cfg.Zone.Record)
		if err != nil {
			return nil, fmt.Errorf("config: zone.record %q: %w", cfg.Zone.Record, err)
		}
		cfg.Zone.Record = record
	}

	if err := validate.Struct(cfg); err != nil {
		return nil, validationError(err)
	}
	return cfg, nil
}

// NormalizeRecord lowercases a record name, drops the trailing dot and
// converts internationalized labels to their ASCII form.
func NormalizeRecord(name string) (string, error) {
	name = strings.TrimSuffix(strings.TrimSpace(name), ".")
	return idna.Lookup.ToASCII(name)
}

func validationError(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("config: %w", err)
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		field := fe.Namespace()
		if _, rest, ok := strings.Cut(field, "."); ok {
			field = rest
		}
		switch fe.Tag() {
		case "required", "required_without":
			msgs = append(msgs, fmt.Sprintf("missing required field '%s'", field))
		case "excluded_with":
			msgs = append(msgs, "account: api-token and auth-key conflict")
		default:
			msgs = append(msgs, fmt.Sprintf("invalid value for '%s' (%s)", field, fe.Tag()))
		}
	}
	return fmt.Errorf("config: %s", strings.Join(msgs, "; "))
}
