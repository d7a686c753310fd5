// Package clix fills config structs from urfave/cli flags. A field is bound to
// the flag named in its `cli` tag, untagged struct fields are walked recursively.
package clix

import (
	"reflect"
	"time"

	"github.com/urfave/cli/v2"
)

var (
	timeType     = reflect.TypeOf(time.Time{})
	durationType = reflect.TypeOf(time.Duration(0))
)

func Parse[A any](c *cli.Context) A {
	var cfg A
	assign(c, reflect.ValueOf(&cfg).Elem())
	return cfg
}

func assign(c *cli.Context, val reflect.Value) {
	for i := 0; i < val.NumField(); i++ {
		field := val.Field(i)
		sf := val.Type().Field(i)
		if !sf.IsExported() {
			continue
		}

		tag := sf.Tag.Get("cli")
		if tag == "" {
			if field.Kind() == reflect.Struct && field.Type() != timeType {
				assign(c, field)
			}
			continue
		}
		set(c, field, tag)
	}
}

func set(c *cli.Context, field reflect.Value, tag string) {
	switch field.Type() {
	case timeType:
		if t := c.Timestamp(tag); t != nil {
			field.Set(reflect.ValueOf(*t))
		}
		return
	case reflect.PointerTo(timeType):
		if t := c.Timestamp(tag); t != nil {
			field.Set(reflect.ValueOf(t))
		}
		return
	case durationType:
		field.Set(reflect.ValueOf(c.Duration(tag)))
		return
	case reflect.TypeOf([]string{}):
		field.Set(reflect.ValueOf(c.StringSlice(tag)))
		return
	case reflect.TypeOf([]int{}):
		field.Set(reflect.ValueOf(c.IntSlice(tag)))
		return
	case reflect.TypeOf([]int64{}):
		field.Set(reflect.ValueOf(c.Int64Slice(tag)))
		return
	}

	switch field.Kind() {
	case reflect.String:
		field.SetString(c.String(tag))
	case reflect.Int:
		field.SetInt(int64(c.Int(tag)))
	case reflect.Int64:
		field.SetInt(c.Int64(tag))
	case reflect.Uint:
		field.SetUint(uint64(c.Uint(tag)))
	case reflect.Uint64:
		field.SetUint(c.Uint64(tag))
	case reflect.Bool:
		field.SetBool(c.Bool(tag))
	case reflect.Float64:
		field.SetFloat(c.Float64(tag))
	}
}
