package config

import (
	"fmt"
	"reflect"
	"strconv"
	"strings"
)

// Paths are "section.key" using the json tag names, e.g. "server.port" or
// "generation.mode". Naming only the section returns the whole section.

// GetByPath returns the value at path.
func GetByPath(cfg *Config, path string) (any, error) {
	v, err := lookupField(cfg, path)
	if err != nil {
		return nil, err
	}
	return v.Interface(), nil
}

// SetByPath parses raw into the field's type and stores it. String slices
// take a comma-separated list. The result is not validated.
func SetByPath(cfg *Config, path, raw string) error {
	if strings.Count(path, ".") != 1 {
		return fmt.Errorf("config path must be section.key: %s", path)
	}
	field, err := lookupField(cfg, path)
	if err != nil {
		return err
	}

	switch field.Kind() {
	case reflect.String:
		field.SetString(raw)
	case reflect.Int:
		n, err := strconv.Atoi(raw)
		if err != nil {
			return fmt.Errorf("%s expects an integer: %w", path, err)
		}
		field.SetInt(int64(n))
	case reflect.Float64:
		f, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return fmt.Errorf("%s expects a number: %w", path, err)
		}
		field.SetFloat(f)
	case reflect.Bool:
		b, err := strconv.ParseBool(raw)
		if err != nil {
			return fmt.Errorf("%s expects true or false: %w", path, err)
		}
		field.SetBool(b)
	case reflect.Slice:
		var items []string
		for _, s := range strings.Split(raw, ",") {
			if s = strings.TrimSpace(s); s != "" {
				items = append(items, s)
			}
		}
		field.Set(reflect.ValueOf(items))
	default:
		return fmt.Errorf("%s has unsupported type %s", path, field.Type())
	}
	return nil
}

// ListPaths returns every settable path with its current value.
func ListPaths(cfg *Config) map[string]any {
	out := make(map[string]any)
	root := reflect.ValueOf(cfg).Elem()
	for i := 0; i < root.NumField(); i++ {
		section := root.Field(i)
		name := tagName(root.Type().Field(i))
		for j := 0; j < section.NumField(); j++ {
			out[name+"."+tagName(section.Type().Field(j))] = section.Field(j).Interface()
		}
	}
	return out
}

// Sanitize returns a copy of cfg with the signing secret masked.
func Sanitize(cfg *Config) *Config {
	c := *cfg
	c.Server.AllowedOrigins = append([]string(nil), cfg.Server.AllowedOrigins...)
	if c.Auth.JWTSecret != "" {
		c.Auth.JWTSecret = maskString(c.Auth.JWTSecret)
	}
	return &c
}

// maskString keeps the first and last 4 characters.
func maskString(s string) string {
	if len(s) <= 8 {
		return "***"
	}
	return s[:4] + "****" + s[len(s)-4:]
}

func lookupField(cfg *Config, path string) (reflect.Value, error) {
	parts := strings.Split(path, ".")
	if len(parts) > 2 || parts[0] == "" {
		return reflect.Value{}, fmt.Errorf("key not found: %s", path)
	}
	v := reflect.ValueOf(cfg).Elem()
	for _, key := range parts {
		next, ok := fieldByTag(v, key)
		if !ok {
			return reflect.Value{}, fmt.Errorf("key not found: %s", path)
		}
		v = next
	}
	return v, nil
}

func fieldByTag(v reflect.Value, key string) (reflect.Value, bool) {
	if v.Kind() != reflect.Struct {
		return reflect.Value{}, false
	}
	for i := 0; i < v.NumField(); i++ {
		if tagName(v.Type().Field(i)) == key {
			return v.Field(i), true
		}
	}
	return reflect.Value{}, false
}

func tagName(f reflect.StructField) string {
	name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
	if name == "" {
		return f.Name
	}
	return name
}
