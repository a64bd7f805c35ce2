package transport

import (
	"fmt"
	"net/url"
	"reflect"
	"sort"
	"strings"

	"github.com/go-viper/mapstructure/v2"
)

// optionTag is the struct tag naming a connection option.
const optionTag = "option"

// OptionNames lists the option keys declared on the struct pointed to by cfg,
// in declaration order.
func OptionNames(cfg interface{}) []string {
	t := reflect.TypeOf(cfg)
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	var names []string
	for i := 0; i < t.NumField(); i++ {
		name, _, _ := strings.Cut(t.Field(i).Tag.Get(optionTag), ",")
		if name == "" || name == "-" {
			continue
		}
		names = append(names, name)
	}
	return names
}

// DecodeOptions overlays DSN query parameters and then explicit options onto
// cfg, which must be a pointer to a struct pre-filled with defaults. Values
// are coerced to the type of the target field (string "0"/"1"/"true" to bool,
// numeric strings to int, ...). Keys not declared on cfg in either source are
// a *ConfigError.
func DecodeOptions(cfg interface{}, query url.Values, options map[string]interface{}) error {
	allowed := OptionNames(cfg)
	known := make(map[string]struct{}, len(allowed))
	for _, k := range allowed {
		known[k] = struct{}{}
	}

	if extra := unknownKeys(known, mapKeys(options)); len(extra) > 0 {
		return ConfigErrorf("Unknown option found: [%s]. Allowed options are [%s].",
			strings.Join(extra, ", "), strings.Join(allowed, ", "))
	}
	queryKeys := make([]string, 0, len(query))
	for k := range query {
		queryKeys = append(queryKeys, k)
	}
	if extra := unknownKeys(known, queryKeys); len(extra) > 0 {
		return ConfigErrorf("Unknown option found in DSN: [%s]. Allowed options are [%s].",
			strings.Join(extra, ", "), strings.Join(allowed, ", "))
	}

	merged := make(map[string]interface{}, len(query)+len(options))
	for k, v := range query {
		if len(v) > 0 {
			merged[k] = v[len(v)-1]
		}
	}
	for k, v := range options {
		merged[k] = v
	}
	if len(merged) == 0 {
		return nil
	}

	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		TagName:          optionTag,
		WeaklyTypedInput: true,
		Result:           cfg,
	})
	if err != nil {
		return &ConfigError{Msg: err.Error(), Err: err}
	}
	if err := dec.Decode(merged); err != nil {
		return &ConfigError{Msg: fmt.Sprintf("invalid option value: %v", err), Err: err}
	}
	return nil
}

func mapKeys(m map[string]interface{}) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	return keys
}

func unknownKeys(known map[string]struct{}, keys []string) []string {
	var extra []string
	for _, k := range keys {
		if _, ok := known[k]; !ok {
			extra = append(extra, k)
		}
	}
	sort.Strings(extra)
	return extra
}

// Scheme returns the lower-cased scheme of dsn, or "" when it has none.
func Scheme(dsn string) string {
	scheme, _, ok := strings.Cut(dsn, "://")
	if !ok {
		return ""
	}
	return strings.ToLower(scheme)
}
