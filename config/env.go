package config

import (
	"encoding"
	"fmt"
	"reflect"
	"strconv"

	"github.com/spf13/pflag"

	"github.com/ardnew/usbcap/pkg"
)

// LookupFunc resolves an environment variable.
type LookupFunc func(key string) (string, bool)

// ApplyEnv overrides every field tagged env:"NAME" whose USBCAP_NAME
// variable is set.
func ApplyEnv(cfg *Config, lookup LookupFunc) error {
	return walk(reflect.ValueOf(cfg).Elem(), "env", func(tag string, field reflect.Value) error {
		value, ok := lookup(EnvPrefix + tag)
		if !ok || value == "" {
			return nil
		}
		if err := setFromString(field, value); err != nil {
			return fmt.Errorf("%w: %s%s=%q: %v", pkg.ErrInvalidParameter, EnvPrefix, tag, value, err)
		}
		return nil
	})
}

// ApplyFlags overrides every field tagged flag:"name" whose flag was set
// explicitly on the command line.
func ApplyFlags(cfg *Config, flags *pflag.FlagSet) error {
	return walk(reflect.ValueOf(cfg).Elem(), "flag", func(tag string, field reflect.Value) error {
		f := flags.Lookup(tag)
		if f == nil || !f.Changed {
			return nil
		}
		if err := setFromString(field, f.Value.String()); err != nil {
			return fmt.Errorf("%w: --%s=%q: %v", pkg.ErrInvalidParameter, tag, f.Value.String(), err)
		}
		return nil
	})
}

// walk visits every tagged leaf field of v, descending into nested
// structs that do not decode from text themselves.
func walk(v reflect.Value, key string, visit func(tag string, field reflect.Value) error) error {
	t := v.Type()
	for i := range v.NumField() {
		field, sf := v.Field(i), t.Field(i)
		if !sf.IsExported() {
			continue
		}
		if field.Kind() == reflect.Struct && !isTextUnmarshaler(field) {
			if err := walk(field, key, visit); err != nil {
				return err
			}
			continue
		}
		if tag := sf.Tag.Get(key); tag != "" {
			if err := visit(tag, field); err != nil {
				return err
			}
		}
	}
	return nil
}

func isTextUnmarshaler(field reflect.Value) bool {
	_, ok := field.Addr().Interface().(encoding.TextUnmarshaler)
	return ok
}

// setFromString assigns a string representation to a field.
func setFromString(field reflect.Value, value string) error {
	if !field.CanSet() {
		return fmt.Errorf("field cannot be set")
	}
	if u, ok := field.Addr().Interface().(encoding.TextUnmarshaler); ok {
		return u.UnmarshalText([]byte(value))
	}

	switch field.Kind() {
	case reflect.String:
		field.SetString(value)
	case reflect.Bool:
		b, err := strconv.ParseBool(value)
		if err != nil {
			return err
		}
		field.SetBool(b)
	case reflect.Int, reflect.Int64:
		i, err := strconv.ParseInt(value, 0, 64)
		if err != nil {
			return err
		}
		field.SetInt(i)
	default:
		return fmt.Errorf("unsupported kind %s", field.Kind())
	}
	return nil
}
