package config

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/knadh/koanf/v2"
	log "github.com/sirupsen/logrus"
)

// setter applies one raw value to a Config field.
type setter func(v any) error

// fields enumerates every key Load understands. Keys not listed here are ignored.
func fields(c *Config) map[string]setter {
	return map[string]setter{
		"project_dir":          setString(&c.ProjectDir),
		"dataset_dir":          setString(&c.DatasetDir),
		"dataset_yaml":         setString(&c.DatasetYAML),
		"pretrained_model":     setString(&c.PretrainedModel),
		"output_model_name":    setString(&c.OutputModelName),
		"models_dir":           setString(&c.ModelsDir),
		"configs_dir":          setString(&c.ConfigsDir),
		"class_names":          setStrings(&c.ClassNames),
		"epochs":               setInt(&c.Epochs),
		"batch_size":           setInt(&c.BatchSize),
		"image_size":           setInt(&c.ImageSize),
		"conf_threshold":       setFloat(&c.ConfThreshold),
		"promote_weights":      setBool(&c.PromoteWeights),
		"engine.backend":       setString(&c.Engine.Backend),
		"engine.python":        setString(&c.Engine.Python),
		"engine.input_size":    setInt(&c.Engine.InputSize),
		"engine.iou_threshold": setFloat(&c.Engine.IoUThreshold),
		"store_path":           setString(&c.StorePath),
		"log_level":            setString(&c.LogLevel),
	}
}

// merge copies every known key present in k onto c, checking types as it goes.
func merge(k *koanf.Koanf, c *Config, source string) error {
	known := fields(c)
	for _, key := range k.Keys() {
		set, ok := known[key]
		if !ok {
			log.WithField("key", key).Debug("ignoring unknown config key")
			continue
		}
		if err := set(k.Get(key)); err != nil {
			return parseFailure(source, key, err)
		}
	}
	return nil
}

func setString(dst *string) setter {
	return func(v any) error {
		s, ok := v.(string)
		if !ok {
			return fmt.Errorf("expected a string, got %T", v)
		}
		*dst = s
		return nil
	}
}

func setInt(dst *int) setter {
	return func(v any) error {
		switch n := v.(type) {
		case int:
			*dst = n
		case int64:
			*dst = int(n)
		case uint64:
			*dst = int(n)
		case float64:
			if n != float64(int(n)) {
				return fmt.Errorf("expected an integer, got %v", n)
			}
			*dst = int(n)
		case string:
			i, err := strconv.Atoi(strings.TrimSpace(n))
			if err != nil {
				return fmt.Errorf("expected an integer, got %q", n)
			}
			*dst = i
		default:
			return fmt.Errorf("expected an integer, got %T", v)
		}
		return nil
	}
}

func setFloat(dst *float64) setter {
	return func(v any) error {
		switch n := v.(type) {
		case float64:
			*dst = n
		case int:
			*dst = float64(n)
		case int64:
			*dst = float64(n)
		case string:
			f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
			if err != nil {
				return fmt.Errorf("expected a number, got %q", n)
			}
			*dst = f
		default:
			return fmt.Errorf("expected a number, got %T", v)
		}
		return nil
	}
}

func setBool(dst *bool) setter {
	return func(v any) error {
		switch b := v.(type) {
		case bool:
			*dst = b
		case string:
			parsed, err := strconv.ParseBool(strings.TrimSpace(b))
			if err != nil {
				return fmt.Errorf("expected a boolean, got %q", b)
			}
			*dst = parsed
		default:
			return fmt.Errorf("expected a boolean, got %T", v)
		}
		return nil
	}
}

// setStrings accepts a YAML list of strings or a comma-separated string, the
// form environment variables arrive in.
func setStrings(dst *[]string) setter {
	return func(v any) error {
		var out []string
		switch list := v.(type) {
		case []string:
			out = append(out, list...)
		case []any:
			for i, item := range list {
				s, ok := item.(string)
				if !ok {
					return fmt.Errorf("item %d: expected a string, got %T", i, item)
				}
				out = append(out, s)
			}
		case string:
			for _, s := range strings.Split(list, ",") {
				if s = strings.TrimSpace(s); s != "" {
					out = append(out, s)
				}
			}
		default:
			return fmt.Errorf("expected a list of strings, got %T", v)
		}
		*dst = out
		return nil
	}
}
