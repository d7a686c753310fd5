package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/modfin/brevq"
	"github.com/modfin/brevq/internal/clix"
	"github.com/modfin/henry/slicez"
	"github.com/urfave/cli/v2"
)

type clientConfig struct {
	Host string `cli:"host"`
	Key  string `cli:"key"`
}

type scheduleConfig struct {
	Client clientConfig

	From     string        `cli:"from"`
	Subject  string        `cli:"subject"`
	HTML     string        `cli:"html"`
	HTMLFile string        `cli:"html-file"`
	To       []string      `cli:"to"`
	Start    string        `cli:"start"`
	Delay    time.Duration `cli:"delay"`
}

func main() {
	app := &cli.App{
		Name:  "brevq",
		Usage: "a cli for scheduling bulk emails through a brevqd server",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "host",
				Value:   "http://localhost:8080",
				EnvVars: []string{"BREVQ_HOST"},
			},
			&cli.StringFlag{
				Name:    "key",
				Usage:   "api key",
				EnvVars: []string{"BREVQ_API_KEY"},
			},
		},
		Commands: []*cli.Command{
			{
				Name:  "schedule",
				Usage: "schedule the same email to many recipients, one every --delay",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "from", Usage: "sender email", Required: true},
					&cli.StringFlag{Name: "subject", Usage: "Set subject line"},
					&cli.StringFlag{Name: "html", Usage: "html content of the mail"},
					&cli.StringFlag{Name: "html-file", Usage: "read the html content from a file"},
					&cli.StringSliceFlag{Name: "to", Usage: "recipient email, repeat or comma separate for many"},
					&cli.StringFlag{Name: "start", Usage: "RFC 3339 time of the first send", Value: "now"},
					&cli.DurationFlag{Name: "delay", Usage: "time between two sends", Value: 2 * time.Second},
				},
				Action: schedule,
			},
			{
				Name:   "scheduled",
				Usage:  "list emails waiting to be sent",
				Action: list(func(c *brevq.Client, cc *cli.Context) ([]brevq.Message, error) { return c.Scheduled(cc.Context) }),
			},
			{
				Name:   "sent",
				Usage:  "list sent emails",
				Action: list(func(c *brevq.Client, cc *cli.Context) ([]brevq.Message, error) { return c.Sent(cc.Context) }),
			},
		},
	}

	err := app.Run(os.Args)
	if err != nil {
		_, _ = fmt.Fprintln(os.Stderr, "got err", err)
		os.Exit(1)
	}
}

func client(cfg clientConfig) (*brevq.Client, error) {
	if cfg.Key == "" {
		return nil, errors.New("an api key must be provided, --key or BREVQ_API_KEY")
	}
	return brevq.NewClient(cfg.Key, cfg.Host), nil
}

func parseStart(s string, now time.Time) (time.Time, error) {
	if s == "" || s == "now" {
		return now, nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("start %q is not an RFC 3339 time, %w", s, err)
	}
	return t, nil
}

func request(cfg scheduleConfig, now time.Time) (brevq.BulkRequest, error) {
	start, err := parseStart(cfg.Start, now)
	if err != nil {
		return brevq.BulkRequest{}, err
	}
	html := cfg.HTML
	if cfg.HTMLFile != "" {
		b, err := os.ReadFile(cfg.HTMLFile)
		if err != nil {
			return brevq.BulkRequest{}, fmt.Errorf("could not read html file, %w", err)
		}
		html = string(b)
	}

	var to []string
	for _, t := range cfg.To {
		to = append(to, strings.Split(t, ",")...)
	}
	to = slicez.Reject(slicez.Map(to, strings.TrimSpace), func(s string) bool { return s == "" })

	req := brevq.BulkRequest{
		SenderEmail:          cfg.From,
		Subject:              cfg.Subject,
		Body:                 html,
		Recipients:           slicez.Uniq(to),
		StartTime:            start,
		DelayBetweenEmailsMs: cfg.Delay.Milliseconds(),
	}
	return req, req.Validate()
}

func schedule(c *cli.Context) error {
	cfg := clix.Parse[scheduleConfig](c)
	req, err := request(cfg, time.Now())
	if err != nil {
		return err
	}
	cl, err := client(cfg.Client)
	if err != nil {
		return err
	}
	res, err := cl.Schedule(c.Context, req)
	if err != nil {
		return err
	}
	return printJSON(res)
}

func list(get func(c *brevq.Client, cc *cli.Context) ([]brevq.Message, error)) cli.ActionFunc {
	return func(c *cli.Context) error {
		cl, err := client(clix.Parse[clientConfig](c))
		if err != nil {
			return err
		}
		messages, err := get(cl, c)
		if err != nil {
			return err
		}
		return printJSON(messages)
	}
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
