/*************************************************************************
 * Copyright 2024 Hookspike Authors. All rights reserved.
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package config

import (
	"errors"
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"

	"github.com/gravwell/gcfg"
)

// A config file for a patch host is tiny; anything bigger than this is
// not a config file.
const maxConfigSize int64 = 4 * mb

var (
	ErrConfigFileTooLarge = errors.New("config file is too large")
	ErrEmptySection       = errors.New("config section holds no values")
	ErrNotPointer         = errors.New("target is not a pointer")
	ErrNotStruct          = errors.New("target is not a pointer to struct")
)

// VariableConfig is one raw, untyped config section: the [Plugin
// "name"] blocks a host config may carry for code the core never sees.
// gcfg fills it during parse; MapTo hands the values to the plugin's
// own typed config struct. The field shape is what the gcfg fork
// expects for map-of-section targets.
type VariableConfig struct {
	gcfg.Idxer
	Vals map[gcfg.Idx]*[]string
}

// LoadConfigFile parses the config file at path into v, refusing
// anything over maxConfigSize before reading it.
func LoadConfigFile(v interface{}, path string) error {
	fi, err := os.Stat(path)
	if err != nil {
		return err
	}
	if fi.Size() > maxConfigSize {
		return ErrConfigFileTooLarge
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return LoadConfigBytes(v, b)
}

// LoadConfigBytes parses b into v.
func LoadConfigBytes(v interface{}, b []byte) error {
	if int64(len(b)) > maxConfigSize {
		return ErrConfigFileTooLarge
	}
	return gcfg.ReadStringInto(v, string(b))
}

// MapTo decodes this section into v, a pointer to the caller's typed
// config struct. Field names map to hyphenated keys the same way
// HostConfig's do (Target_Addr -> "target-addr"); fields with no
// matching key are left at their zero value.
func (vc VariableConfig) MapTo(v interface{}) error {
	if vc.Vals == nil {
		return ErrEmptySection
	}
	if v == nil || reflect.ValueOf(v).Kind() != reflect.Ptr {
		return ErrNotPointer
	}
	sv := reflect.ValueOf(v).Elem()
	if sv.Kind() != reflect.Struct {
		return ErrNotStruct
	}
	st := sv.Type()
	for i := 0; i < sv.NumField(); i++ {
		if err := vc.assign(st.Field(i).Name, sv.Field(i)); err != nil {
			return err
		}
	}
	return nil
}

func (vc VariableConfig) value(key string) (string, bool) {
	vs, ok := vc.values(key)
	if !ok || len(vs) == 0 {
		return ``, false
	}
	return vs[0], true
}

func (vc VariableConfig) values(key string) ([]string, bool) {
	p := vc.Vals[vc.Idx(key)]
	if p == nil {
		return nil, false
	}
	return *p, true
}

func (vc VariableConfig) assign(name string, fv reflect.Value) error {
	key := keyName(name)

	if fv.Kind() == reflect.Slice {
		vs, ok := vc.values(key)
		if !ok {
			return nil
		}
		fv.Set(reflect.AppendSlice(fv, reflect.ValueOf(vs)))
		return nil
	}

	s, ok := vc.value(key)
	if !ok {
		return nil
	}
	switch fv.Kind() {
	case reflect.String:
		fv.SetString(s)
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		i, err := ParseInt64(s)
		if err != nil {
			return err
		}
		if fv.OverflowInt(i) {
			return fmt.Errorf("%s: %d overflows %s", key, i, fv.Type())
		}
		fv.SetInt(i)
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		u, err := ParseUint64(s)
		if err != nil {
			return err
		}
		if fv.OverflowUint(u) {
			return fmt.Errorf("%s: %d overflows %s", key, u, fv.Type())
		}
		fv.SetUint(u)
	case reflect.Float32, reflect.Float64:
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return err
		}
		if fv.OverflowFloat(f) {
			return fmt.Errorf("%s: %f overflows %s", key, f, fv.Type())
		}
		fv.SetFloat(f)
	case reflect.Bool:
		b, err := ParseBool(s)
		if err != nil {
			return err
		}
		fv.SetBool(b)
	default:
		return fmt.Errorf("cannot decode %s into %s field %s", key, fv.Type(), name)
	}
	return nil
}

// keyName turns a struct field name into its config key: underscores
// become hyphens, matching gcfg's own section key handling.
func keyName(field string) string {
	return strings.ReplaceAll(field, "_", "-")
}
