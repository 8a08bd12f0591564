package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"slimweb"
	"slimweb/client"
	"slimweb/internal/config"
)

type fetchCmd struct {
	Config     string        `kong:"short='c',help='Path to TOML config file; [client], [limits] and [timeouts] apply.',env='CONFIG_PATH'"`
	Method     string        `kong:"short='X',default='GET',help='Request method.'"`
	Header     []string      `kong:"short='H',sep='none',help='Extra header as \"Name: value\"; repeatable.'"`
	Data       string        `kong:"short='d',help='Request body; @file reads it from a file, @- from stdin.'"`
	Expect     bool          `kong:"help='Send Expect: 100-continue before the body.'"`
	Compressed bool          `kong:"help='Ask for gzip and decode the response.'"`
	Timeout    time.Duration `kong:"short='t',default='30s',help='Deadline for the whole exchange.'"`
	Include    bool          `kong:"short='i',help='Print the status line and response headers.'"`
	Insecure   bool          `kong:"short='k',help='Skip TLS certificate verification.'"`
	LogLevel   string        `kong:"default='warn',help='Log level: debug|info|warn|error.'"`
	URL        string        `kong:"arg,help='Destination URL (http or https).'"`
}

func (f *fetchCmd) Run() error {
	cfg, err := config.LoadOrDefault(&config.CLI{Config: f.Config, LogLevel: f.LogLevel, LogFormat: "text"})
	if err != nil {
		return err
	}
	if f.Insecure {
		cfg.Client.InsecureSkipVerify = true
	}
	logger := buildLogger(cfg, os.Stderr)

	opts, err := cfg.Client(logger)
	if err != nil {
		return err
	}
	if f.Compressed {
		opts.Config.Compression = true
	}
	c := client.New(opts)
	defer c.Close()

	body, closeBody, err := f.body()
	if err != nil {
		return err
	}
	defer closeBody()

	req, err := client.NewRequest(slimweb.Method(f.Method), f.URL, body)
	if err != nil {
		return err
	}
	for _, h := range f.Header {
		name, value, ok := strings.Cut(h, ":")
		if !ok {
			return fmt.Errorf("header %q: want \"Name: value\"", h)
		}
		if err := req.Header.Add(strings.TrimSpace(name), strings.TrimSpace(value)); err != nil {
			return fmt.Errorf("header %q: %w", h, err)
		}
	}
	if f.Expect && req.Body != nil {
		_ = req.Header.Set("Expect", "100-continue")
	}

	ctx, cancel := context.WithTimeout(context.Background(), f.Timeout)
	defer cancel()

	resp, err := c.Send(ctx, req, cfg.Budget())
	if err != nil {
		return err
	}
	defer resp.Close()

	out := bufio.NewWriter(os.Stdout)
	defer out.Flush()
	if f.Include {
		fmt.Fprintf(out, "%s\r\n", resp.StatusLine())
		for _, fld := range resp.Header.Fields() {
			fmt.Fprintf(out, "%s: %s\r\n", fld.Name, fld.Value)
		}
		fmt.Fprint(out, "\r\n")
	}
	if _, err := io.Copy(out, resp.Body); err != nil {
		return fmt.Errorf("read response body: %w", err)
	}
	if f.Include && resp.Trailer.Len() > 0 {
		fmt.Fprint(out, "\r\n")
		for _, fld := range resp.Trailer.Fields() {
			fmt.Fprintf(out, "%s: %s\r\n", fld.Name, fld.Value)
		}
	}
	return nil
}

// body opens the request body named by --data.
func (f *fetchCmd) body() (io.Reader, func(), error) {
	nop := func() {}
	switch {
	case f.Data == "":
		return nil, nop, nil
	case f.Data == "@-":
		return os.Stdin, nop, nil
	case strings.HasPrefix(f.Data, "@"):
		file, err := os.Open(f.Data[1:])
		if err != nil {
			return nil, nop, fmt.Errorf("open body: %w", err)
		}
		return file, func() { file.Close() }, nil
	}
	return strings.NewReader(f.Data), nop, nil
}
