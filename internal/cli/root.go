package cli

import (
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"sudooom.collab/internal/config"
)

// options 所有子命令共享的参数
type options struct {
	configPath string
	gatewayURL string
	projectID  string
	transport  string
	token      string
	userID     string
	userName   string
	insecure   bool
	verbose    bool
}

// NewRootCommand 构建 collabctl 命令树
func NewRootCommand() *cobra.Command {
	opts := &options{}

	root := &cobra.Command{
		Use:   "collabctl",
		Short: "Command line client for the proposal collaboration gateway",
		Long: `collabctl mints access tokens and joins projects on a collaboration
gateway to watch presence, locks, typing and content events as they happen.`,
		SilenceUsage: true,
	}

	flags := root.PersistentFlags()
	flags.StringVarP(&opts.configPath, "config", "c", "", "config file (defaults and COLLAB_ env vars when empty)")
	flags.StringVar(&opts.gatewayURL, "gateway", "ws://localhost:8090/ws", "gateway URL (ws:// for WebSocket, https:// for WebTransport)")
	flags.StringVarP(&opts.projectID, "project", "p", "", "project id")
	flags.StringVar(&opts.transport, "transport", "ws", "transport: ws or wt")
	flags.StringVar(&opts.token, "token", "", "access token (minted from the configured secret when empty)")
	flags.StringVarP(&opts.userID, "user", "u", "", "user id")
	flags.StringVarP(&opts.userName, "name", "n", "", "display name")
	flags.BoolVar(&opts.insecure, "insecure", false, "skip TLS verification for WebTransport dev certificates")
	flags.BoolVarP(&opts.verbose, "verbose", "v", false, "debug logging")

	root.AddCommand(
		newTokenCommand(opts),
		newWatchCommand(opts),
		newLockCommand(opts),
	)
	return root
}

// Execute 运行命令
func Execute() error {
	return NewRootCommand().Execute()
}

func (o *options) loadConfig() (*config.Config, error) {
	return config.Load(o.configPath)
}

func (o *options) logger() *slog.Logger {
	level := slog.LevelWarn
	if o.verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}
