package cli

import (
	"context"
	"fmt"
	"slices"

	"github.com/spf13/cobra"
	"github.com/suPer8Hu/convsync/internal/ai"
	"github.com/suPer8Hu/convsync/internal/chat"
	"github.com/suPer8Hu/convsync/internal/config"
	"github.com/suPer8Hu/convsync/internal/db"
	"github.com/suPer8Hu/convsync/internal/logger"
	"github.com/suPer8Hu/convsync/internal/session"
	"github.com/suPer8Hu/convsync/internal/store/boltstore"
	"github.com/suPer8Hu/convsync/internal/store/redisstore"
	"gorm.io/gorm"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	StatePath string
	DSN       string
	Format    string // "json" | "text"
	Verbose   bool

	cfg config.Config
	// registry replaces the configured providers when set
	registry *ai.Registry
}

var ValidFormats = []string{"text", "json"}

// NewRootCommand creates the root command for convctl.
func NewRootCommand() *cobra.Command {
	return newRootCommand(&RootOptions{})
}

func newRootCommand(opts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "convctl",
		Short: "convctl - talk to convsync conversations from a terminal",
		Long: `convctl drives the conversation engine directly against the store.

Drafts typed before "convctl auth" are held in the local state file and
become conversations once a user signs in.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !slices.Contains(ValidFormats, opts.Format) {
				return fmt.Errorf("invalid format %q: must be one of %v", opts.Format, ValidFormats)
			}
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if opts.StatePath == "" {
				opts.StatePath = cfg.StatePath
			}
			if opts.DSN == "" {
				opts.DSN = cfg.DBDSN
			}
			opts.cfg = cfg
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&opts.StatePath, "state", "", "local state file (default $CONVSYNC_STATE_PATH)")
	cmd.PersistentFlags().StringVar(&opts.DSN, "dsn", "", "store DSN (default $DB_DSN)")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")
	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "verbose output")

	cmd.AddCommand(NewDraftCommand(opts))
	cmd.AddCommand(NewAuthCommand(opts))
	cmd.AddCommand(NewLogoutCommand(opts))
	cmd.AddCommand(NewSendCommand(opts))
	cmd.AddCommand(NewOpenCommand(opts))
	cmd.AddCommand(NewListCommand(opts))
	cmd.AddCommand(NewWatchCommand(opts))

	return cmd
}

// app is everything one command run needs.
type app struct {
	opts   *RootOptions
	log    *logger.Logger
	gdb    *gorm.DB
	state  *boltstore.Store
	svc    *chat.Service
	bridge *session.Bridge
	redis  *redisstore.Store
	userID uint64
}

func (o *RootOptions) open(ctx context.Context) (*app, error) {
	mode := "quiet"
	if o.Verbose {
		mode = "dev"
	}
	log, err := logger.New(mode)
	if err != nil {
		return nil, err
	}

	gdb, err := db.Connect(o.DSN)
	if err != nil {
		return nil, err
	}
	if err := chat.AutoMigrate(gdb); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}

	state := boltstore.New(o.StatePath)
	uid, err := state.User(ctx)
	if err != nil {
		return nil, fmt.Errorf("read state: %w", err)
	}

	reg := o.registry
	if reg == nil {
		reg = ai.NewDefaultRegistry(o.cfg)
	}
	a := &app{opts: o, log: log, gdb: gdb, state: state, userID: uid}

	svcOpts := []chat.Option{
		chat.WithLogger(log),
		chat.WithDefaultProvider(o.cfg.AIProvider, ai.DefaultModel(o.cfg, o.cfg.AIProvider)),
	}
	if o.registry == nil {
		// change notifications are best effort for a CLI
		if rds, err := redisstore.New(o.cfg.RedisAddr, o.cfg.RedisPassword, o.cfg.RedisDB, redisstore.WithLogger(log)); err == nil {
			a.redis = rds
			svcOpts = append(svcOpts, chat.WithNotifier(rds))
		} else {
			log.Debug("redis unavailable, change notifications off", "error", err)
		}
	}
	a.svc = chat.NewService(chat.NewRepo(gdb), reg, o.cfg.ChatContextWindowSize, svcOpts...)
	a.bridge = session.NewBridge(a.svc, state, session.WithLogger(log), session.WithUser(uid))
	return a, nil
}

func (a *app) Close() {
	if a.redis != nil {
		_ = a.redis.Close()
	}
	if sqlDB, err := a.gdb.DB(); err == nil {
		_ = sqlDB.Close()
	}
	a.log.Sync()
}

// withApp opens the app for one command run.
func withApp(cmd *cobra.Command, opts *RootOptions, fn func(ctx context.Context, a *app) error) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	a, err := opts.open(ctx)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

func (a *app) requireUser() error {
	if a.userID == 0 {
		return fmt.Errorf("not signed in: run \"convctl auth <user-id>\" first")
	}
	return nil
}
