package main

import (
	"fmt"

	"github.com/alecthomas/kong"
)

// Set by goreleaser ldflags.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

type cli struct {
	Version kong.VersionFlag `kong:"help='Print version and exit.'"`

	Serve serveCmd `kong:"cmd,default='withargs',help='Run the engine server and the admin plane.'"`
	Fetch fetchCmd `kong:"cmd,help='Send one request and print the response.'"`
}

func main() {
	var c cli
	ctx := kong.Parse(&c,
		kong.Name("slimweb"),
		kong.Description("HTTP/1.1 engine server and client."),
		kong.UsageOnError(),
		kong.Vars{"version": fmt.Sprintf("%s (%s, %s)", version, commit, date)},
	)
	ctx.FatalIfErrorf(ctx.Run())
}
