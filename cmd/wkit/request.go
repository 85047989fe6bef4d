package main

import (
	"context"
	"fmt"
	"io"
	"math"
	"os/signal"
	"syscall"
	"time"

	"github.com/bytedance/sonic"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ahrdadan/wkit/internal/document"
	"github.com/ahrdadan/wkit/internal/engine"
	"github.com/ahrdadan/wkit/internal/engine/rodengine"
	"github.com/ahrdadan/wkit/internal/navigation"
	"github.com/ahrdadan/wkit/internal/queue"
	"github.com/ahrdadan/wkit/internal/session"
)

type requestFlags struct {
	method    string
	data      string
	headers   map[string]string
	cookies   map[string]string
	userAgent string
	proxy     string
	referer   string
	timeout   time.Duration
	selector  string
	xpath     string
	all       bool
	rendered  bool
	assertOK  bool
}

func newRequestCmd() *cobra.Command {
	return requestCmd(&requestFlags{})
}

func requestCmd(f *requestFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "request URL",
		Short: "Navigate to URL and print the correlated response",
		Example: `  wkit request https://example.com --selector "h1"
  wkit request https://example.com/login --method POST --data "user=a&pass=b"`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRequest(cmd.Context(), cmd.OutOrStdout(), args[0], f)
		},
	}

	fl := cmd.Flags()
	fl.StringVarP(&f.method, "method", "X", "GET", "HTTP method; non-GET bodies are sent form encoded")
	fl.StringVarP(&f.data, "data", "d", "", "Request body")
	fl.StringToStringVarP(&f.headers, "header", "H", nil, "Extra request header as name=value (repeatable)")
	fl.StringToStringVarP(&f.cookies, "cookie", "b", nil, "Request cookie as name=value (repeatable)")
	fl.StringVarP(&f.userAgent, "user-agent", "A", "", "User agent (default \""+session.DefaultUserAgent+"\")")
	fl.StringVar(&f.proxy, "proxy", "", "Proxy URL")
	fl.StringVarP(&f.referer, "referer", "e", "", "Referer")
	fl.DurationVarP(&f.timeout, "timeout", "t", navigation.DefaultTimeout, "Navigation timeout")
	fl.StringVar(&f.selector, "selector", "", "CSS selector to extract from the response")
	fl.StringVar(&f.xpath, "xpath", "", "XPath expression to extract from the response")
	fl.BoolVar(&f.all, "all", false, "Return every match instead of the first")
	fl.BoolVar(&f.rendered, "rendered", false, "Query the rendered page instead of the response body")
	fl.BoolVar(&f.assertOK, "assert-ok", false, "Fail unless the response status is exactly 200")
	cmd.MarkFlagsMutuallyExclusive("selector", "xpath")

	return cmd
}

// jobRequest maps the flags onto the request the queue worker runs.
func (f *requestFlags) jobRequest(url string) queue.JobRequest {
	req := queue.JobRequest{
		Type:      queue.JobTypeNavigate,
		URL:       url,
		Method:    f.method,
		Body:      f.data,
		Timeout:   int(math.Ceil(f.timeout.Seconds())),
		UserAgent: f.userAgent,
		Headers:   f.headers,
		Cookies:   f.cookies,
		Referer:   f.referer,
		Proxy:     f.proxy,
		AssertOK:  f.assertOK,
	}
	if f.selector != "" || f.xpath != "" {
		req.Extract = &queue.ExtractConfig{
			Query:    document.Query{Selector: f.selector, XPath: f.xpath, All: f.all},
			Rendered: f.rendered,
		}
	}
	return req
}

func runRequest(ctx context.Context, out io.Writer, url string, f *requestFlags) error {
	if ctx == nil {
		ctx = context.Background()
	}
	req := f.jobRequest(url)
	if err := req.Validate(); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	eng, err := rodengine.New(rodengine.Options{
		Bin:        chromeBin,
		ControlURL: control,
		Headless:   headless,
		NoSandbox:  noSandbox,
		Stealth:    stealthy,
		Logger:     logger.Named("engine"),
	})
	if err != nil {
		return err
	}

	rt := engine.NewRuntime(eng, engine.RuntimeOptions{Logger: logger.Named("runtime")})
	controller := navigation.NewController(rt, navigation.Config{
		Logger: logger.Named("navigation"),
	})
	defer func() {
		if err := controller.Close(); err != nil {
			logger.Warn("failed to close browser", zap.Error(err))
		}
	}()

	job := queue.NewJob(req)
	processor := queue.NewNavigateProcessor(controller, logger)
	result, err := processor.Process(ctx, job, func(pct int, msg string) {
		logger.Debug("progress", zap.Int("percent", pct), zap.String("message", msg))
	})
	if err != nil {
		return err
	}

	return writeJSON(out, result)
}

func writeJSON(w io.Writer, v interface{}) error {
	data, err := sonic.ConfigStd.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode result: %w", err)
	}
	data = append(data, '\n')
	_, err = w.Write(data)
	return err
}

func newDownloadChromeCmd() *cobra.Command {
	var (
		revision int
		deps     bool
	)
	cmd := &cobra.Command{
		Use:   "download-chrome",
		Short: "Download a Chromium build and print its path",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := rodengine.Download(cmd.Context(), rodengine.DownloadOptions{
				Revision:   revision,
				SystemDeps: deps,
				Logger:     logger,
			})
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), path)
			return err
		},
	}
	cmd.Flags().IntVar(&revision, "revision", 0, "Chromium revision (0 uses the default)")
	cmd.Flags().BoolVar(&deps, "deps", false, "Install the system packages Chromium needs (Linux)")
	return cmd
}
