package config

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"pricepush/pkg/logx"
)

// MinMonitorInterval is the smallest accepted alert check interval.
const MinMonitorInterval = 10 * time.Second

// ConfigurationError reports an invalid operational parameter.
// It is returned synchronously at the call site (config load, SetCheckInterval, ...).
type ConfigurationError struct {
	Field  string
	Value  any
	Reason string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("invalid configuration %s=%v: %s", e.Field, e.Value, e.Reason)
}

// IsConfigurationError reports whether err wraps a *ConfigurationError.
func IsConfigurationError(err error) bool {
	var ce *ConfigurationError
	return errors.As(err, &ce)
}

// v is the package-level validator. Custom tags are registered once at package load.
var v = newValidator()

func newValidator() *validator.Validate {
	vv := validator.New(validator.WithRequiredStructEnabled())
	// Report json names so messages match what operators write.
	vv.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" || name == "" {
			return f.Name
		}
		return name
	})
	_ = vv.RegisterValidation("duration", func(fl validator.FieldLevel) bool {
		s := strings.TrimSpace(fl.Field().String())
		if s == "" {
			return true
		}
		d, err := time.ParseDuration(s)
		return err == nil && d >= 0
	})
	_ = vv.RegisterValidation("loglevel", func(fl validator.FieldLevel) bool {
		return logx.ValidLevel(fl.Field().String())
	})
	return vv
}

// Validate checks struct tags first, then cross-field rules that tags cannot express.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	if err := v.Struct(cfg); err != nil {
		var ve validator.ValidationErrors
		if !errors.As(err, &ve) {
			return err
		}
		msgs := make([]string, 0, len(ve))
		for _, fe := range ve {
			msgs = append(msgs, fmt.Sprintf("field '%s' failed '%s'", trimRoot(fe.Namespace()), fe.Tag()))
		}
		return fmt.Errorf("invalid config: %s", strings.Join(msgs, "; "))
	}

	if iv, err := ParseDurationField("monitor.interval", cfg.Monitor.Interval); err != nil {
		return err
	} else if iv > 0 && iv < MinMonitorInterval {
		return &ConfigurationError{Field: "monitor.interval", Value: cfg.Monitor.Interval, Reason: "must be at least 10s"}
	}
	if tick, _ := ParseDurationField("dispatch.tick", cfg.Dispatch.Tick); tick > time.Minute {
		return &ConfigurationError{Field: "dispatch.tick", Value: cfg.Dispatch.Tick, Reason: "must be at most 1m"}
	}
	if cfg.Dispatch.MessagesPerMinute < cfg.Dispatch.MinBatchSize {
		return &ConfigurationError{Field: "dispatch.messages_per_minute", Value: cfg.Dispatch.MessagesPerMinute, Reason: "must be >= min_batch_size"}
	}
	if n := cfg.Gateway.MaxRecipients; n > 0 && cfg.Dispatch.MaxBatchSize > n {
		return &ConfigurationError{Field: "dispatch.max_batch_size", Value: cfg.Dispatch.MaxBatchSize, Reason: fmt.Sprintf("exceeds gateway.max_recipients (%d)", n)}
	}
	if tz := strings.TrimSpace(cfg.Digest.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			return fmt.Errorf("digest.timezone: invalid %q: %w", tz, err)
		}
	}
	return nil
}

func trimRoot(ns string) string {
	if i := strings.IndexByte(ns, '.'); i >= 0 {
		return ns[i+1:]
	}
	return ns
}
