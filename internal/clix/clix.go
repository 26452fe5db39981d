package clix

import (
	"reflect"
	"time"

	"github.com/urfave/cli/v2"
)

// Parse fills a new A from the command line. Fields are matched on their `cli` tag, untagged
// struct fields are walked into. Flags that were not set leave their flag default.
func Parse[A any](c *cli.Context) A {
	var cfg A
	assign(c, reflect.ValueOf(&cfg).Elem())
	return cfg
}

// Override copies the flags the user actually set onto cfg, leaving the other fields as they
// are, eg loaded from the environment.
func Override[A any](c *cli.Context, cfg *A) {
	parsed := Parse[A](c)
	override(c, reflect.ValueOf(cfg).Elem(), reflect.ValueOf(parsed))
}

var durationType = reflect.TypeOf(time.Duration(0))

func assign(c *cli.Context, val reflect.Value) {
	for i := 0; i < val.NumField(); i++ {
		field := val.Field(i)
		fieldType := val.Type().Field(i)
		if !fieldType.IsExported() {
			continue
		}

		tag := fieldType.Tag.Get("cli")
		if tag == "" {
			if field.Kind() == reflect.Struct {
				assign(c, field)
			}
			continue
		}

		if field.Type() == durationType {
			field.Set(reflect.ValueOf(c.Duration(tag)))
			continue
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
		case reflect.Bool:
			field.SetBool(c.Bool(tag))
		case reflect.Float64:
			field.SetFloat(c.Float64(tag))
		case reflect.Slice:
			switch field.Type() {
			case reflect.TypeOf([]string{}):
				field.Set(reflect.ValueOf(c.StringSlice(tag)))
			case reflect.TypeOf([]int{}):
				field.Set(reflect.ValueOf(c.IntSlice(tag)))
			}
		}
	}
}

func override(c *cli.Context, dst reflect.Value, src reflect.Value) {
	for i := 0; i < dst.NumField(); i++ {
		fieldType := dst.Type().Field(i)
		if !fieldType.IsExported() {
			continue
		}
		tag := fieldType.Tag.Get("cli")
		if tag == "" {
			if dst.Field(i).Kind() == reflect.Struct {
				override(c, dst.Field(i), src.Field(i))
			}
			continue
		}
		if c.IsSet(tag) {
			dst.Field(i).Set(src.Field(i))
		}
	}
}
