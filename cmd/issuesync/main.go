// Package main provides the CLI entrypoint for issuesync.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/JohanCodinha/issuesync/internal/config"
	"github.com/JohanCodinha/issuesync/internal/logger"
	"github.com/JohanCodinha/issuesync/internal/progress"
	"github.com/JohanCodinha/issuesync/internal/scrape"
	"github.com/JohanCodinha/issuesync/internal/store"
	syncengine "github.com/JohanCodinha/issuesync/internal/sync"
)

var (
	flagConfig   string
	flagLogLevel string
	flagPlatform string
	flagOwner    string
	flagRepo     string
	flagLimit    int
	flagForce    bool
	flagNumber   int64
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "issuesync",
	Short: "Mirror issue-tracker data into a local store",
	Long: `issuesync incrementally mirrors issues and comments from GitHub or
Jira into a local SQLite store, resuming from a persisted cursor so
repeated runs only fetch what changed.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		level, err := logger.ParseLevel(flagLogLevel)
		if err != nil {
			return err
		}
		logger.SetLevel(level)
		return nil
	},
}

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Sync issues and comments incrementally",
	RunE:  runSync,
}

var showCmd = &cobra.Command{
	Use:   "show",
	Short: "Show stored issues (all, or one issue's raw metadata)",
	RunE:  runShow,
}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show stored issue and comment counts",
	RunE:  runStats,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&flagConfig, "config", "", "path to YAML configuration file")
	rootCmd.PersistentFlags().StringVar(&flagLogLevel, "log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&flagPlatform, "platform", "github", "issue tracker platform (github, jira)")
	rootCmd.PersistentFlags().StringVar(&flagOwner, "owner", "", "repository owner or organization marker")
	rootCmd.PersistentFlags().StringVar(&flagRepo, "repo", "", "repository name or Jira project key")
	rootCmd.MarkPersistentFlagRequired("owner")
	rootCmd.MarkPersistentFlagRequired("repo")

	syncCmd.Flags().IntVar(&flagLimit, "limit", 0, "maximum issues to process this run (0 = no limit)")
	syncCmd.Flags().BoolVar(&flagForce, "force", false, "ignore the persisted cursor and walk the full history")

	showCmd.Flags().Int64Var(&flagNumber, "number", 0, "issue number; omit to list all")

	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(showCmd)
	rootCmd.AddCommand(statsCmd)
}

func openStore() (*store.DB, *config.Config, error) {
	cfg, err := config.Load(flagConfig)
	if err != nil {
		return nil, nil, err
	}
	db, err := store.Open(cfg, flagPlatform, flagOwner, flagRepo)
	if err != nil {
		return nil, nil, err
	}
	return db, cfg, nil
}

func newScraper(cfg *config.Config) (syncengine.Scraper, error) {
	switch flagPlatform {
	case "github":
		return scrape.NewGitHub(cfg, flagOwner, flagRepo)
	case "jira":
		return scrape.NewJira(cfg, flagOwner, flagRepo)
	default:
		return nil, fmt.Errorf("unknown platform %q: must be github or jira", flagPlatform)
	}
}

func runSync(cmd *cobra.Command, args []string) error {
	db, cfg, err := openStore()
	if err != nil {
		return err
	}
	defer db.Close()

	scraper, err := newScraper(cfg)
	if err != nil {
		return err
	}

	engine := syncengine.New(db, scraper, syncengine.Options{
		Limit:    flagLimit,
		Force:    flagForce,
		Progress: progress.NewLog(),
	})
	summary, err := engine.Run(context.Background())
	if err != nil {
		return err
	}

	out, err := json.Marshal(summary)
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}

func runShow(cmd *cobra.Command, args []string) error {
	db, _, err := openStore()
	if err != nil {
		return err
	}
	defer db.Close()

	if flagNumber == 0 {
		summaries, err := db.ListIssues()
		if err != nil {
			return err
		}
		out, err := json.MarshalIndent(summaries, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(out))
		return nil
	}

	raw, err := db.GetIssue(flagNumber)
	if err != nil {
		return err
	}
	if raw == nil {
		return fmt.Errorf("issue #%d not found", flagNumber)
	}
	var pretty map[string]interface{}
	if err := json.Unmarshal(raw, &pretty); err == nil {
		if out, err := json.MarshalIndent(pretty, "", "  "); err == nil {
			fmt.Println(string(out))
			return nil
		}
	}
	fmt.Println(string(raw))
	return nil
}

func runStats(cmd *cobra.Command, args []string) error {
	db, _, err := openStore()
	if err != nil {
		return err
	}
	defer db.Close()

	stats, err := db.Stats()
	if err != nil {
		return err
	}
	fmt.Printf("issues: %s\ncomments: %s\n",
		humanize.Comma(int64(stats.Issues)),
		humanize.Comma(int64(stats.Comments)))
	return nil
}
