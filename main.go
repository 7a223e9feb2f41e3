package main

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"text/tabwriter"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var version = "dev"

// newRootCommand builds the CLI. Running the root without a subcommand serves.
func newRootCommand() *cobra.Command {
	v := newViper()
	var cfgFile string

	root := &cobra.Command{
		Use:           "pico-announce",
		Short:         "BitTorrent announce tracker (HTTP + UDP)",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "path to config file")
	root.PersistentFlags().String("db", "", "path to the SQLite database [env PICO_ANNOUNCE_DATABASE__PATH]")
	_ = v.BindPFlag("database.path", root.PersistentFlags().Lookup("db"))

	serve := newServeCommand(v, &cfgFile)
	root.RunE = serve.RunE
	root.Flags().AddFlagSet(serve.Flags())

	root.AddCommand(
		serve,
		newTorrentCommand(v, &cfgFile),
		newRuleCommand(v, &cfgFile),
		&cobra.Command{
			Use:   "version",
			Short: "Print version",
			Run: func(cmd *cobra.Command, _ []string) {
				fmt.Fprintln(cmd.OutOrStdout(), version)
			},
		},
	)
	return root
}

func newServeCommand(v *viper.Viper, cfgFile *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP and UDP tracker",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := bindServeFlags(v, cmd.Flags()); err != nil {
				return err
			}
			cfg, err := loadConfig(v, *cfgFile)
			if err != nil {
				return err
			}
			closer, err := setupLogging(cfg.Log.Level, cfg.Log.Path, cfg.Log.MaxSize, cfg.Log.MaxBackups)
			if err != nil {
				return err
			}
			defer closer.Close()

			srv, err := NewServer(cfg)
			if err != nil {
				return err
			}

			ctx, stop := setupSignalHandling()
			defer stop()
			return srv.Run(ctx)
		},
	}

	fs := cmd.Flags()
	fs.String("http", "", "HTTP listen address [env PICO_ANNOUNCE_HTTP__ADDR]")
	fs.IntP("port", "p", 0, "UDP port, 0 disables UDP [env PICO_ANNOUNCE_UDP__PORT]")
	fs.StringP("secret", "s", "", "secret key for connection ID signing [env PICO_ANNOUNCE_UDP__SECRET]")
	fs.String("metrics", "", "metrics listen address, empty disables [env PICO_ANNOUNCE_METRICS__ADDR]")
	fs.String("registry", "", "peer registry backend: memory or sqlite")
	fs.String("stats", "", "stats backend: memory, redis or none")
	fs.String("redis", "", "redis address for the redis stats backend")
	fs.StringP("rules", "r", "", "YAML filter rules file, overrides rules in the database")
	fs.String("log-level", "", "log level (trace, debug, info, warn, error)")
	fs.String("log-path", "", "also write logs to this file, rotated")
	return cmd
}

// withStore loads config, opens the store and runs fn with it.
func withStore(cmd *cobra.Command, v *viper.Viper, cfgFile string, fn func(context.Context, *Store) error) error {
	cfg, err := loadConfig(v, cfgFile)
	if err != nil {
		return err
	}
	store, err := OpenStore(cfg.Database.Path)
	if err != nil {
		return err
	}
	defer store.Close()
	return fn(cmd.Context(), store)
}

func newTorrentCommand(v *viper.Viper, cfgFile *string) *cobra.Command {
	cmd := &cobra.Command{Use: "torrent", Short: "Manage tracked torrents"}

	var title string
	add := &cobra.Command{
		Use:   "add <info_hash>",
		Short: "Register a torrent as pending",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd, v, *cfgFile, func(ctx context.Context, s *Store) error {
				t, err := s.AddTorrent(ctx, args[0], title)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Torrent %s added (%s)\n", t.InfoHash, t.Status)
				return nil
			})
		},
	}
	add.Flags().StringVarP(&title, "title", "t", "", "torrent title")

	setStatus := func(use, short string, status TorrentStatus) *cobra.Command {
		return &cobra.Command{
			Use:   use + " <info_hash>",
			Short: short,
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return withStore(cmd, v, *cfgFile, func(ctx context.Context, s *Store) error {
					if err := s.SetTorrentStatus(ctx, args[0], status); err != nil {
						return err
					}
					fmt.Fprintf(cmd.OutOrStdout(), "Torrent %s %s\n", normalizeInfoHash(args[0]), status)
					return nil
				})
			},
		}
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List torrents",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withStore(cmd, v, *cfgFile, func(ctx context.Context, s *Store) error {
				torrents, err := s.ListTorrents(ctx)
				if err != nil {
					return err
				}
				tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "INFO_HASH\tSTATUS\tSEEDERS\tLEECHERS\tDOWNLOADS\tTITLE")
				for _, t := range torrents {
					fmt.Fprintf(tw, "%s\t%s\t%d\t%d\t%d\t%s\n", t.InfoHash, t.Status, t.Seeders, t.Leechers, t.Downloads, t.Title)
				}
				return tw.Flush()
			})
		},
	}

	cmd.AddCommand(add,
		setStatus("approve", "Approve a torrent for announces", TorrentApproved),
		setStatus("reject", "Reject a torrent", TorrentRejected),
		list)
	return cmd
}

func newRuleCommand(v *viper.Viper, cfgFile *string) *cobra.Command {
	cmd := &cobra.Command{Use: "rule", Short: "Manage client filter rules"}

	var r FilterRule
	var ruleType, action string
	add := &cobra.Command{
		Use:   "add <name> <pattern>",
		Short: "Add an active filter rule",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			r.Name, r.Pattern = args[0], args[1]
			r.Type, r.Action, r.IsActive = RuleType(ruleType), RuleAction(action), true
			return withStore(cmd, v, *cfgFile, func(ctx context.Context, s *Store) error {
				created, err := s.AddRule(ctx, r)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Rule %d added\n", created.ID)
				return nil
			})
		},
	}
	add.Flags().StringVar(&ruleType, "type", string(RuleClientRegex), "client_regex, ip_range or ip_blacklist")
	add.Flags().StringVar(&action, "action", string(ActionDeny), "allow or deny")

	list := &cobra.Command{
		Use:   "list",
		Short: "List filter rules in evaluation order",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withStore(cmd, v, *cfgFile, func(ctx context.Context, s *Store) error {
				rules, err := s.ListRules(ctx)
				if err != nil {
					return err
				}
				tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "ID\tNAME\tTYPE\tPATTERN\tACTION\tACTIVE")
				for _, r := range rules {
					fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\t%t\n", r.ID, r.Name, r.Type, r.Pattern, r.Action, r.IsActive)
				}
				return tw.Flush()
			})
		},
	}

	setActive := func(use string, active bool) *cobra.Command {
		return &cobra.Command{
			Use:   use + " <id>",
			Short: use + " a filter rule",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				id, err := strconv.ParseInt(args[0], 10, 64)
				if err != nil {
					return errors.Errorf("invalid rule id %q", args[0])
				}
				return withStore(cmd, v, *cfgFile, func(ctx context.Context, s *Store) error {
					if err := s.SetRuleActive(ctx, id, active); err != nil {
						return err
					}
					fmt.Fprintf(cmd.OutOrStdout(), "Rule %d %sd\n", id, use)
					return nil
				})
			},
		}
	}

	cmd.AddCommand(add, list, setActive("enable", true), setActive("disable", false))
	return cmd
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		log.Error().Err(err).Msg("pico-announce failed")
		os.Exit(1)
	}
}
