package clix

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/urfave/cli/v2"
)

type inner struct {
	Delay time.Duration `cli:"delay"`
}

type testConfig struct {
	Key    string   `cli:"key"`
	To     []string `cli:"to"`
	Count  int      `cli:"count"`
	Dry    bool     `cli:"dry-run"`
	Nested inner
	skip   string
}

func TestParse(t *testing.T) {
	var got testConfig
	app := &cli.App{
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "key"},
			&cli.StringSliceFlag{Name: "to"},
			&cli.IntFlag{Name: "count", Value: 7},
			&cli.BoolFlag{Name: "dry-run"},
			&cli.DurationFlag{Name: "delay"},
		},
		Action: func(c *cli.Context) error {
			got = Parse[testConfig](c)
			return nil
		},
	}

	err := app.Run([]string{"app", "--key", "k1", "--to", "a@example.com", "--to", "b@example.com", "--delay", "1500ms", "--dry-run"})
	require.NoError(t, err)

	assert.Equal(t, "k1", got.Key)
	assert.Equal(t, []string{"a@example.com", "b@example.com"}, got.To)
	assert.Equal(t, 7, got.Count, "defaults are used for flags not given")
	assert.True(t, got.Dry)
	assert.Equal(t, 1500*time.Millisecond, got.Nested.Delay)
	assert.Empty(t, got.skip)
}
