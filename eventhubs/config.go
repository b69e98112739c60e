package eventhubs

import (
	"net/url"
	"os"
	"reflect"
	"strconv"
	"time"

	"github.com/joho/godotenv"

	"github.com/infigaming-com/go-eventhubs/checkpoint"
	"github.com/infigaming-com/go-eventhubs/errors"
	"github.com/infigaming-com/go-eventhubs/retry"
)

const envPrefix = "EVENTHUBS_"

type RetryConfig struct {
	MaxRetries   int           `mapstructure:"MAX_RETRIES"`
	BaseDelay    time.Duration `mapstructure:"BASE_DELAY"`
	MaxDelay     time.Duration `mapstructure:"MAX_DELAY"`
	JitterFactor float64       `mapstructure:"JITTER_FACTOR"`
}

// Options converts the config. Zero fields take the retry defaults.
func (c RetryConfig) Options() retry.Options {
	o := retry.DefaultOptions()
	if c.MaxRetries != 0 {
		o.MaxRetries = c.MaxRetries
	}
	if c.BaseDelay > 0 {
		o.BaseDelay = c.BaseDelay
	}
	if c.MaxDelay > 0 {
		o.MaxDelay = c.MaxDelay
	}
	if c.JitterFactor > 0 {
		o.JitterFactor = c.JitterFactor
	}
	return o
}

type Config struct {
	// Endpoint is the namespace URL, e.g. amqps://ns.servicebus.windows.net.
	Endpoint      string                 `mapstructure:"ENDPOINT"`
	EventHub      string                 `mapstructure:"EVENT_HUB"`
	ConsumerGroup string                 `mapstructure:"CONSUMER_GROUP"`
	ContainerID   string                 `mapstructure:"CONTAINER_ID"`
	IdleTimeout   time.Duration          `mapstructure:"IDLE_TIMEOUT"`
	Retry         RetryConfig            `mapstructure:"RETRY"`
	Redis         checkpoint.RedisConfig `mapstructure:"REDIS"`
}

func (c *Config) Validate() error {
	if c.Endpoint == "" {
		return errors.Validation("endpoint is required")
	}
	u, err := url.Parse(c.Endpoint)
	if err != nil || u.Host == "" {
		return errors.Validationf("endpoint %q is not a valid url", c.Endpoint)
	}
	if c.EventHub == "" {
		return errors.Validation("event hub is required")
	}
	return nil
}

// Namespace is the host part of the endpoint. Checkpoints are grouped by it.
func (c *Config) Namespace() string {
	u, err := url.Parse(c.Endpoint)
	if err != nil {
		return ""
	}
	return u.Hostname()
}

// LoadConfigFromEnv reads EVENTHUBS_* variables after loading the given env
// files, or .env when none are given. Variable names follow the mapstructure
// tags, e.g. EVENTHUBS_RETRY_MAX_DELAY or EVENTHUBS_REDIS_ADDR. Missing files are ignored; variables
// already set in the environment win over file values.
func LoadConfigFromEnv(envFiles ...string) (*Config, error) {
	if len(envFiles) == 0 {
		envFiles = []string{".env"}
	}
	for _, f := range envFiles {
		if _, err := os.Stat(f); err != nil {
			continue
		}
		if err := godotenv.Load(f); err != nil {
			return nil, errors.NewError(errors.KindValidation, "failed to load env file "+f, err)
		}
	}

	cfg := &Config{}
	if err := decodeEnv(envPrefix, reflect.ValueOf(cfg).Elem()); err != nil {
		return nil, err
	}
	if cfg.ConsumerGroup == "" {
		cfg.ConsumerGroup = "$Default"
	}
	return cfg, nil
}

var durationType = reflect.TypeOf(time.Duration(0))

// decodeEnv fills the fields of v from prefix+tag variables, where tag is the
// field's mapstructure tag. Nested structs extend the prefix with their own
// tag. Unset and empty variables leave the field untouched.
func decodeEnv(prefix string, v reflect.Value) error {
	t := v.Type()
	for i := 0; i < t.NumField(); i++ {
		tag := t.Field(i).Tag.Get("mapstructure")
		if tag == "" || tag == "-" {
			continue
		}
		field := v.Field(i)
		if field.Kind() == reflect.Struct {
			if err := decodeEnv(prefix+tag+"_", field); err != nil {
				return err
			}
			continue
		}
		name := prefix + tag
		raw, ok := os.LookupEnv(name)
		if !ok || raw == "" {
			continue
		}
		if err := setField(field, name, raw); err != nil {
			return err
		}
	}
	return nil
}

func setField(field reflect.Value, name, raw string) error {
	if field.Type() == durationType {
		d, err := time.ParseDuration(raw)
		if err != nil {
			return errors.Validationf("%s: %q is not a duration", name, raw)
		}
		field.SetInt(int64(d))
		return nil
	}
	switch field.Kind() {
	case reflect.String:
		field.SetString(raw)
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		n, err := strconv.ParseInt(raw, 10, field.Type().Bits())
		if err != nil {
			return errors.Validationf("%s: %q is not an integer", name, raw)
		}
		field.SetInt(n)
	case reflect.Float32, reflect.Float64:
		f, err := strconv.ParseFloat(raw, field.Type().Bits())
		if err != nil {
			return errors.Validationf("%s: %q is not a number", name, raw)
		}
		field.SetFloat(f)
	default:
		return errors.Validationf("%s: unsupported field type %s", name, field.Type())
	}
	return nil
}
