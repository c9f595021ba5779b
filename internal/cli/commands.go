package cli

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/suPer8Hu/convsync/internal/ai"
	"github.com/suPer8Hu/convsync/internal/chat"
	"github.com/suPer8Hu/convsync/internal/session"
	"github.com/suPer8Hu/convsync/internal/store/redisstore"
)

// NewDraftCommand creates the draft command.
func NewDraftCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "draft <text>",
		Short: "Submit a turn; held locally until you sign in",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, opts, func(ctx context.Context, a *app) error {
				p, err := a.bridge.Submit(ctx, strings.Join(args, " "))
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				if p.Held {
					if opts.Format == "json" {
						return printJSON(out, p.Draft)
					}
					fmt.Fprintf(out, "held draft %s\n", p.Draft.ID)
					return nil
				}
				return a.printPromotion(cmd, *p)
			})
		},
	}
}

// NewAuthCommand creates the auth command.
func NewAuthCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "auth <user-id>",
		Short: "Sign in as a user and promote held drafts",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			uid, err := strconv.ParseUint(args[0], 10, 64)
			if err != nil || uid == 0 {
				return fmt.Errorf("invalid user id %q", args[0])
			}
			return withApp(cmd, opts, func(ctx context.Context, a *app) error {
				if err := a.state.SetUser(ctx, uid); err != nil {
					return err
				}
				a.userID = uid
				promos, err := a.bridge.OnAuthChange(ctx, &uid)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.ErrOrStderr(), "signed in as %d, promoted %d draft(s)\n", uid, len(promos))
				var errs []error
				for _, p := range promos {
					if err := a.printPromotion(cmd, p); err != nil {
						errs = append(errs, err)
					}
				}
				return errors.Join(errs...)
			})
		},
	}
}

// NewLogoutCommand creates the logout command.
func NewLogoutCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Forget the signed-in user",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, opts, func(ctx context.Context, a *app) error {
				if err := a.state.SetUser(ctx, 0); err != nil {
					return err
				}
				_, err := a.bridge.OnAuthChange(ctx, nil)
				return err
			})
		},
	}
}

// SendOptions holds flags for the send command.
type SendOptions struct {
	*RootOptions
	New            bool
	IdempotencyKey string
}

// NewSendCommand creates the send command.
func NewSendCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &SendOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "send <text>",
		Short: "Send a turn to the open conversation and print the reply",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, opts.RootOptions, func(ctx context.Context, a *app) error {
				if err := a.requireUser(); err != nil {
					return err
				}
				content := strings.Join(args, " ")
				client := chat.NewClient(a.svc, a.userID)

				var active *session.ActiveConversation
				if !opts.New {
					var err error
					if active, _, err = a.bridge.Resume(ctx); err != nil {
						return err
					}
				}

				var sendOpts []chat.AppendOption
				if opts.IdempotencyKey != "" {
					sendOpts = append(sendOpts, chat.WithIdempotencyKey(opts.IdempotencyKey))
				}

				var sendErr error
				if active == nil {
					// a keyed retry has to land in the conversation the first try made
					var topicKey *string
					if opts.IdempotencyKey != "" {
						p, err := a.svc.EnsurePrompt(ctx, a.userID, chat.KeyedTopicID(a.userID, opts.IdempotencyKey), content)
						if err != nil {
							return err
						}
						topicKey = &p.ID
					}
					conv, err := client.Start(ctx, topicKey, content, sendOpts...)
					if conv == nil {
						return err
					}
					sendErr = err
					if err := a.bridge.Remember(ctx, session.ActiveConversation{ConversationID: conv.ID, TopicText: content}); err != nil {
						return err
					}
				} else {
					if err := client.Open(ctx, active.ConversationID); err != nil {
						return err
					}
					sendErr = client.Send(ctx, content, sendOpts...)
				}

				if err := opts.printView(cmd.OutOrStdout(), client.View()); err != nil {
					return err
				}
				return sendErr
			})
		},
	}

	cmd.Flags().BoolVar(&opts.New, "new", false, "start a new conversation instead of the open one")
	cmd.Flags().StringVar(&opts.IdempotencyKey, "key", "", "idempotency key; retries with the same key store one turn")

	return cmd
}

// NewOpenCommand creates the open command.
func NewOpenCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "open [conversation-id]",
		Short: "Show a conversation; without an id, restore the last one",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, opts, func(ctx context.Context, a *app) error {
				if err := a.requireUser(); err != nil {
					return err
				}
				client := chat.NewClient(a.svc, a.userID)

				if len(args) == 1 {
					if err := client.Open(ctx, args[0]); err != nil {
						return err
					}
					if err := a.bridge.Remember(ctx, session.ActiveConversation{ConversationID: args[0]}); err != nil {
						return err
					}
					return opts.printView(cmd.OutOrStdout(), client.View())
				}

				active, _, err := a.bridge.Resume(ctx)
				if err != nil {
					return err
				}
				if active == nil {
					fmt.Fprintln(cmd.ErrOrStderr(), "no conversation to restore")
					return nil
				}
				if err := client.Open(ctx, active.ConversationID); err != nil {
					return err
				}
				return opts.printView(cmd.OutOrStdout(), client.View())
			})
		},
	}
}

// ListOptions holds flags for the list command.
type ListOptions struct {
	*RootOptions
	Limit int
}

// NewListCommand creates the list command.
func NewListCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ListOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List conversations, most recent first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, opts.RootOptions, func(ctx context.Context, a *app) error {
				if err := a.requireUser(); err != nil {
					return err
				}
				list, err := a.svc.ListConversations(ctx, a.userID, opts.Limit)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				if opts.Format == "json" {
					return printJSON(out, list)
				}
				for _, c := range list {
					fmt.Fprintf(out, "%s  %-40s  v%d  %s\n", c.ID, c.TopicText, c.Version, c.UpdatedAt.Format("2006-01-02 15:04"))
				}
				return nil
			})
		},
	}

	cmd.Flags().IntVar(&opts.Limit, "limit", 50, "maximum conversations to list")

	return cmd
}

// NewWatchCommand creates the watch command.
func NewWatchCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Follow the open conversation and reprint it when it changes",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, opts, func(ctx context.Context, a *app) error {
				if err := a.requireUser(); err != nil {
					return err
				}
				if a.redis == nil {
					return errors.New("watch needs redis: set REDIS_ADDR")
				}
				active, _, err := a.bridge.Resume(ctx)
				if err != nil {
					return err
				}
				if active == nil {
					return errors.New("no open conversation: run \"convctl open <id>\" first")
				}

				ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
				defer stop()

				client := chat.NewClient(a.svc, a.userID)
				if err := client.Open(ctx, active.ConversationID); err != nil {
					return err
				}
				if err := opts.printView(cmd.OutOrStdout(), client.View()); err != nil {
					return err
				}

				changed := make(chan int64, 16)
				err = a.redis.SubscribeTurns(ctx, func(m redisstore.TurnsChanged) {
					if m.ConversationID != active.ConversationID {
						return
					}
					select {
					case changed <- m.Version:
					default:
					}
				})
				if err != nil {
					return err
				}

				for {
					select {
					case <-ctx.Done():
						return nil
					case v := <-changed:
						if v <= client.View().Version() {
							continue
						}
						if err := client.Refresh(ctx); err != nil {
							a.log.Warn("refresh failed", "conversation_id", active.ConversationID, "error", err)
							continue
						}
						if err := opts.printView(cmd.OutOrStdout(), client.View()); err != nil {
							return err
						}
					}
				}
			})
		},
	}
}

func (a *app) printPromotion(cmd *cobra.Command, p session.Promotion) error {
	if p.Conversation == nil {
		fmt.Fprintf(cmd.ErrOrStderr(), "draft %s not promoted: %v\n", p.Draft.ID, p.Err)
		return p.Err
	}
	v := chat.NewView()
	v.Reset(p.Conversation.ID)
	v.Apply(p.Snapshot)
	var se *chat.StageError
	if errors.As(p.Err, &se) && se.Stage == chat.StageReply {
		v.ShowApology()
	}
	if err := a.opts.printView(cmd.OutOrStdout(), v); err != nil {
		return err
	}
	if p.Err != nil && !ai.IsTransient(p.Err) {
		return p.Err
	}
	return nil
}
