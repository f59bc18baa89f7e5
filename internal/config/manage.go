package config

import (
	"fmt"
	"slices"
)

// KeyInfo is one row of `config show`.
type KeyInfo struct {
	Key    string
	EnvVar string
	Value  string
}

// ShowAll lists the effective value of every settable key in declaration
// order. Secrets are omitted.
func ShowAll(cfg Config) []KeyInfo {
	rows := make([]KeyInfo, 0, len(specs))
	for _, s := range specs {
		if !s.secret {
			rows = append(rows, KeyInfo{Key: s.key, EnvVar: s.env, Value: fmt.Sprint(s.extract(cfg))})
		}
	}
	return rows
}

// SetKey validates value against the key's type and persists it.
func SetKey(key, value string) error {
	return setKeyWith(newFileBackend(configFilePath()), key, value)
}

func setKeyWith(st Store, key, value string) error {
	s, err := lookupSpec(key)
	if err != nil {
		return err
	}
	if s.secret {
		return fmt.Errorf("%s is a secret; set it through %s instead", key, s.env)
	}
	v, err := parseValue(s.typ, value)
	if err != nil {
		return fmt.Errorf("invalid %s value for %s: %w", typeName(s.typ), key, err)
	}
	if i, ok := v.(int); ok {
		return st.SetInt(key, i)
	}
	return st.SetString(key, value)
}

// UnsetKey drops a persisted override so the default applies again.
func UnsetKey(key string) error {
	if _, err := lookupSpec(key); err != nil {
		return err
	}
	return newFileBackend(configFilePath()).Delete(key)
}

// ValidKeys returns the settable key names, sorted.
func ValidKeys() []string {
	var keys []string
	for _, s := range specs {
		if !s.secret {
			keys = append(keys, s.key)
		}
	}
	slices.Sort(keys)
	return keys
}

func lookupSpec(key string) (keySpec, error) {
	for _, s := range specs {
		if s.key == key {
			return s, nil
		}
	}
	return keySpec{}, fmt.Errorf("unknown config key: %q", key)
}
