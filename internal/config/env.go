package config

import (
	"reflect"
	"strconv"
	"strings"

	"github.com/cockroachdb/errors"
)

// EnvPrefix prefixes every override variable. The rest of the name is the
// upper-cased JSON path joined by underscores, e.g.
// JOBSCHED_SCHEDULER_TIMEZONE or JOBSCHED_LOCK_REDIS_URL. Slices (jobs)
// cannot be overridden.
const EnvPrefix = "JOBSCHED_"

// ApplyEnv overwrites scalar fields of cfg from lookup. It reports the
// variable names that were applied.
func ApplyEnv(cfg *Config, lookup func(string) (string, bool)) ([]string, error) {
	if cfg == nil || lookup == nil {
		return nil, nil
	}
	var applied []string
	err := applyEnv(reflect.ValueOf(cfg).Elem(), strings.TrimSuffix(EnvPrefix, "_"), lookup, &applied)
	return applied, err
}

func applyEnv(v reflect.Value, prefix string, lookup func(string) (string, bool), applied *[]string) error {
	t := v.Type()
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "" || name == "-" {
			continue
		}
		key := prefix + "_" + strings.ToUpper(name)
		fv := v.Field(i)

		if fv.Kind() == reflect.Struct {
			if err := applyEnv(fv, key, lookup, applied); err != nil {
				return err
			}
			continue
		}
		raw, ok := lookup(key)
		if !ok {
			continue
		}
		raw = strings.TrimSpace(raw)
		switch fv.Kind() {
		case reflect.String:
			fv.SetString(raw)
		case reflect.Bool:
			b, err := strconv.ParseBool(raw)
			if err != nil {
				return errors.Wrapf(err, "%s: invalid bool %q", key, raw)
			}
			fv.SetBool(b)
		case reflect.Int:
			n, err := strconv.Atoi(raw)
			if err != nil {
				return errors.Wrapf(err, "%s: invalid int %q", key, raw)
			}
			fv.SetInt(int64(n))
		default:
			continue
		}
		*applied = append(*applied, key)
	}
	return nil
}
