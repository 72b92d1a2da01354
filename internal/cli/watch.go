package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"slices"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"sudooom.collab/internal/collab"
	"sudooom.collab/internal/transport/ws"
	"sudooom.collab/internal/transport/wt"
	"sudooom.collab/pkg/proto"
)

func newWatchCommand(opts *options) *cobra.Command {
	var status string

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Join a project and print collaboration events",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			client, err := opts.connect(ctx)
			if err != nil {
				return err
			}
			defer client.Close()

			out := cmd.OutOrStdout()
			client.SubscribeAll(func(e collab.Event) {
				fmt.Fprintln(out, describe(e))
			})

			if status != "" {
				if err := client.SetStatus(proto.Status(status)); err != nil {
					return err
				}
			}

			fmt.Fprintf(cmd.ErrOrStderr(), "watching project %s as %s, Ctrl-C to exit\n", opts.projectID, opts.userID)
			<-ctx.Done()
			return nil
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "presence status to announce: online, away or busy")
	return cmd
}

// connect 建立客户端并加入项目
func (o *options) connect(ctx context.Context) (*collab.Client, error) {
	if o.projectID == "" {
		return nil, errors.New("--project is required")
	}
	token, err := o.resolveToken()
	if err != nil {
		return nil, err
	}

	cfg, err := o.loadConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	logger := o.logger()
	var dialer collab.Dialer
	switch strings.ToLower(o.transport) {
	case "ws", "websocket":
		dialer = ws.NewDialer(ws.Config{URL: o.gatewayURL, Token: token, MaxRetries: 5}, logger)
	case "wt", "webtransport":
		dialer = wt.NewDialer(wt.Config{URL: o.gatewayURL, Token: token, InsecureSkipVerify: o.insecure}, logger)
	default:
		return nil, fmt.Errorf("unknown transport %q", o.transport)
	}

	client := collab.New(collab.Config{
		ProjectID:      o.projectID,
		UserID:         o.userID,
		UserName:       o.userName,
		CursorInterval: cfg.Collab.CursorInterval,
		TypingTTL:      cfg.Collab.TypingTTL,
	}, dialer, logger)

	dialCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := client.Connect(dialCtx); err != nil {
		client.Close()
		return nil, err
	}
	return client, nil
}

// describe 单行描述一个事件
func describe(e collab.Event) string {
	switch ev := e.(type) {
	case collab.ConnectionChangedEvent:
		if ev.Err != nil {
			return fmt.Sprintf("connection  %s (%v)", ev.State, ev.Err)
		}
		return fmt.Sprintf("connection  %s", ev.State)
	case collab.PresenceChangedEvent:
		users := make([]string, 0, len(ev.Presence))
		for _, u := range ev.Presence {
			users = append(users, fmt.Sprintf("%s[%s]", u.Name, u.Status))
		}
		slices.Sort(users)
		return fmt.Sprintf("presence    %d online: %s", len(users), strings.Join(users, ", "))
	case collab.CursorMovedEvent:
		return fmt.Sprintf("cursor      %s -> %s/%s", ev.Position.Name, ev.Position.Cursor.SectionID, ev.Position.Cursor.Field)
	case collab.LockChangedEvent:
		if ev.Snapshot {
			return fmt.Sprintf("locks       snapshot, section %s", ev.SectionID)
		}
		if ev.Lock == nil {
			return fmt.Sprintf("lock        %s released", ev.SectionID)
		}
		return fmt.Sprintf("lock        %s held by %s", ev.SectionID, ev.Lock.UserName)
	case collab.TypingChangedEvent:
		switch {
		case ev.Typing:
			return fmt.Sprintf("typing      %s in %s", ev.Indicator.UserName, ev.Indicator.SectionID)
		case ev.Expired:
			return fmt.Sprintf("typing      %s in %s expired", ev.Indicator.UserName, ev.Indicator.SectionID)
		default:
			return fmt.Sprintf("typing      %s in %s stopped", ev.Indicator.UserName, ev.Indicator.SectionID)
		}
	case collab.ContentUpdatedEvent:
		return fmt.Sprintf("content     %s by %s (%d bytes)", ev.Change.SectionID, ev.Change.UserName, len(ev.Change.Content))
	case collab.ServerErrorEvent:
		return fmt.Sprintf("error       [%d] %s", ev.Code, ev.Message)
	default:
		return fmt.Sprintf("%-11s %+v", e.EventType(), e)
	}
}
