package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"OpenAgent-Hub/pkg/logger"
)

// Version 在构建时通过 -ldflags "-X main.Version=..." 注入。
var Version = "dev"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// rootOptions 是所有子命令共享的全局参数。
type rootOptions struct {
	server   string
	logLevel string
	compact  bool
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:           "agenthubctl",
		Short:         "Agent Hub 命令行工具：意图分析、工作流提交与安全校验",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return logger.Init(logger.Config{
				Level:       opts.logLevel,
				Format:      "text",
				OutputPaths: []string{"stderr"},
			})
		},
	}
	root.SetVersionTemplate("{{printf \"%s\\n\" .Version}}")

	flags := root.PersistentFlags()
	flags.StringVar(&opts.server, "server", envOr("AGENTHUB_SERVER", "http://127.0.0.1:8080"), "Agent Hub API 地址")
	flags.StringVar(&opts.logLevel, "log-level", "warn", "日志级别")
	flags.BoolVar(&opts.compact, "compact", false, "输出单行 JSON")

	root.AddCommand(
		newAnalyzeCmd(opts),
		newPlanCmd(opts),
		newScanCmd(opts),
		newDeFiCmd(opts),
		newSubmitCmd(opts),
		newStatusCmd(opts),
		newWatchCmd(opts),
		newCancelCmd(opts),
	)
	return root
}

func (o *rootOptions) print(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	if !o.compact {
		enc.SetIndent("", "  ")
	}
	return enc.Encode(v)
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
