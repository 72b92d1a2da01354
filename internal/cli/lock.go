package cli

import (
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"sudooom.collab/internal/collab"
	"sudooom.collab/pkg/proto"
)

var errLockTimeout = errors.New("timed out waiting for lock result")

func newLockCommand(opts *options) *cobra.Command {
	var (
		hold    time.Duration
		timeout time.Duration
	)

	cmd := &cobra.Command{
		Use:   "lock <section-id>",
		Short: "Try to lock a section, hold it, then release it",
		Long: `Request the advisory lock on a section and report who holds it.
When the lock is granted it is kept for --hold (or until Ctrl-C) and then released.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sectionID := args[0]

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			client, err := opts.connect(ctx)
			if err != nil {
				return err
			}
			defer client.Close()

			result := make(chan *proto.SectionLock, 1)
			failed := make(chan collab.ServerErrorEvent, 1)
			client.Subscribe(collab.EventLockChanged, func(e collab.Event) {
				ev := e.(collab.LockChangedEvent)
				if ev.Snapshot || ev.SectionID != sectionID || ev.Lock == nil {
					return
				}
				select {
				case result <- ev.Lock:
				default:
				}
			})
			client.Subscribe(collab.EventServerError, func(e collab.Event) {
				select {
				case failed <- e.(collab.ServerErrorEvent):
				default:
				}
			})

			client.LockSection(sectionID)

			var lock *proto.SectionLock
			select {
			case lock = <-result:
			case <-time.After(timeout):
				return errLockTimeout
			case <-ctx.Done():
				return ctx.Err()
			}

			out := cmd.OutOrStdout()
			if lock.UserID != client.UserID() {
				// 冲突时服务端先发 error 再发持有者信息
				select {
				case ev := <-failed:
					fmt.Fprintf(cmd.ErrOrStderr(), "server: [%d] %s\n", ev.Code, ev.Message)
				default:
				}
				return fmt.Errorf("section %s is locked by %s", sectionID, lockHolder(lock))
			}

			fmt.Fprintf(out, "locked %s, holding for %s\n", sectionID, hold)
			select {
			case <-time.After(hold):
			case <-ctx.Done():
			}

			client.UnlockSection(sectionID)
			fmt.Fprintf(out, "released %s\n", sectionID)
			return nil
		},
	}
	cmd.Flags().DurationVar(&hold, "hold", 30*time.Second, "how long to keep the lock")
	cmd.Flags().DurationVar(&timeout, "timeout", 10*time.Second, "how long to wait for the lock result")
	return cmd
}

func lockHolder(lock *proto.SectionLock) string {
	if lock.UserName != "" {
		return lock.UserName
	}
	return lock.UserID
}
