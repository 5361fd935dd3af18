// Command httpserv serves /hello and echoes the request URI for every other
// path until interrupted.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/searchktools/reactor/app"
	"github.com/searchktools/reactor/config"
	"github.com/searchktools/reactor/core/http"
	"github.com/searchktools/reactor/core/middleware"
)

func main() {
	rootCmd := &cobra.Command{
		Use:           "httpserv",
		Short:         "Sample HTTP server on a single reactor loop",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.FromFlags(cmd.Flags(), config.EnvPrefix)
			if err != nil {
				return err
			}
			return serve(cfg)
		},
	}
	config.BindFlags(rootCmd.Flags())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
}

func serve(cfg *config.Config) error {
	a, err := app.New(cfg)
	if err != nil {
		return err
	}
	if err := routes(a); err != nil {
		a.Close()
		return err
	}
	return a.Run()
}

func routes(a *app.App) error {
	p := middleware.NewPipeline().Use(
		middleware.AccessLog(a.Logger()),
		middleware.RequestID(),
	)

	srv := a.Server()
	srv.SetDefaultRoute(p.Then(onDefault))
	return srv.AddRoute("/hello", p.Then(onHello))
}

func onHello(req *http.Request) {
	req.Output().AppendString("<html><body><center><h1>Hello World!</h1></center></body></html>")
	req.SendReply(200, "OK")
}

func onDefault(req *http.Request) {
	uri := req.URI()
	out := req.Output()

	out.AppendString("<html><body>")
	out.Printf("<center><h1>%s</h1></center>", http.HTMLEscape(req.URIString()))
	out.Printf("host=%s<br>", http.HTMLEscape(req.Host()))
	out.Printf("path=%s<br>", http.HTMLEscape(uri.Path()))
	out.Printf("query=%s<br>", http.HTMLEscape(uri.Query()))

	if q, err := http.ParseQuery(req.URIString()); err == nil && q.Len() > 0 {
		out.AppendString("<ul>")
		q.Range(func(k, v string) bool {
			out.Printf("<li>%s = %s</li>", http.HTMLEscape(k), http.HTMLEscape(v))
			return true
		})
		out.AppendString("</ul>")
	}
	out.AppendString("</body></html>")

	req.SendReply(200, "OK")
}
