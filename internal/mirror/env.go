package mirror

import (
	"encoding"
	"os"
	"reflect"
	"strconv"
	"strings"

	"github.com/cockroachdb/errors"
)

// EnvPrefix is prepended to the upper-cased TOML key path of every
// configuration field, e.g. CRATEMIRROR_MAX_CONNS or CRATEMIRROR_LOG_LEVEL.
const EnvPrefix = "CRATEMIRROR_"

var textUnmarshalerType = reflect.TypeOf((*encoding.TextUnmarshaler)(nil)).Elem()

// ApplyEnvironmentVariables overrides configuration values with non-empty
// CRATEMIRROR_* environment variables.
func (c *Config) ApplyEnvironmentVariables() error {
	return applyEnv(reflect.ValueOf(c).Elem(), EnvPrefix)
}

func applyEnv(v reflect.Value, prefix string) error {
	t := v.Type()
	for i := 0; i < t.NumField(); i++ {
		sf := t.Field(i)
		if !sf.IsExported() {
			continue
		}
		tag := strings.Split(sf.Tag.Get("toml"), ",")[0]
		if tag == "" || tag == "-" {
			continue
		}
		name := prefix + strings.ToUpper(tag)
		field := v.Field(i)

		if field.Kind() == reflect.Struct && !reflect.PointerTo(field.Type()).Implements(textUnmarshalerType) {
			if err := applyEnv(field, name+"_"); err != nil {
				return err
			}
			continue
		}
		if err := setFieldFromEnv(field, name); err != nil {
			return err
		}
	}
	return nil
}

// setFieldFromEnv sets field from the environment variable envVar if it
// is set to a non-empty value.
func setFieldFromEnv(field reflect.Value, envVar string) error {
	value := os.Getenv(envVar)
	if value == "" {
		return nil
	}

	if field.CanAddr() && field.Addr().Type().Implements(textUnmarshalerType) {
		u := field.Addr().Interface().(encoding.TextUnmarshaler)
		return errors.Wrap(u.UnmarshalText([]byte(value)), envVar)
	}

	switch field.Kind() {
	case reflect.String:
		field.SetString(value)
	case reflect.Int:
		n, err := strconv.Atoi(value)
		if err != nil {
			return errors.Wrap(err, envVar)
		}
		field.SetInt(int64(n))
	case reflect.Bool:
		b, err := strconv.ParseBool(value)
		if err != nil {
			return errors.Wrap(err, envVar)
		}
		field.SetBool(b)
	case reflect.Slice:
		if field.Type().Elem().Kind() != reflect.String {
			return errors.Newf("%s: unsupported slice type %s", envVar, field.Type())
		}
		parts := strings.Split(value, ",")
		for i := range parts {
			parts[i] = strings.TrimSpace(parts[i])
		}
		field.Set(reflect.ValueOf(parts))
	default:
		return errors.Newf("%s: unsupported field type %s", envVar, field.Type())
	}
	return nil
}
