package clix

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/urfave/cli/v2"
)

type inner struct {
	Selector string `cli:"selector"`
}

type testConfig struct {
	Cert    string        `cli:"cert"`
	Binary  bool          `cli:"binary"`
	Retries int           `cli:"retries"`
	Wait    time.Duration `cli:"wait"`
	Headers []string      `cli:"header"`
	Inner   inner
	hidden  string `cli:"hidden"`
	Other   string
}

func run(t *testing.T, args []string, action func(c *cli.Context) error) {
	t.Helper()
	app := &cli.App{
		Name: "test",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "cert"},
			&cli.BoolFlag{Name: "binary"},
			&cli.IntFlag{Name: "retries", Value: 3},
			&cli.DurationFlag{Name: "wait"},
			&cli.StringSliceFlag{Name: "header"},
			&cli.StringFlag{Name: "selector", Value: "default"},
		},
		Action: action,
	}
	require.NoError(t, app.Run(append([]string{"test"}, args...)))
}

func TestParse(t *testing.T) {
	var got testConfig
	run(t, []string{"--cert", "/c.pem", "--binary", "--wait", "2s", "--header", "A: 1", "--header", "B: 2"}, func(c *cli.Context) error {
		got = Parse[testConfig](c)
		return nil
	})

	assert.Equal(t, "/c.pem", got.Cert)
	assert.True(t, got.Binary)
	assert.Equal(t, 3, got.Retries)
	assert.Equal(t, 2*time.Second, got.Wait)
	assert.Equal(t, []string{"A: 1", "B: 2"}, got.Headers)
	assert.Equal(t, "default", got.Inner.Selector)
	assert.Equal(t, "", got.hidden)
}

func TestOverride(t *testing.T) {
	cfg := testConfig{Cert: "/env.pem", Retries: 9, Other: "kept", Inner: inner{Selector: "env"}}
	run(t, []string{"--retries", "1"}, func(c *cli.Context) error {
		Override(c, &cfg)
		return nil
	})

	assert.Equal(t, "/env.pem", cfg.Cert)
	assert.Equal(t, 1, cfg.Retries)
	assert.Equal(t, "kept", cfg.Other)
	assert.Equal(t, "env", cfg.Inner.Selector)
}
