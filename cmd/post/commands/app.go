// Package commands wires the CLI subcommands to the posting system.
package commands

import (
	"database/sql"

	"github.com/spf13/cobra"

	"github.com/mwmbl/post/activity"
	"github.com/mwmbl/post/collect"
	"github.com/mwmbl/post/config"
	"github.com/mwmbl/post/db"
	"github.com/mwmbl/post/dedup"
	"github.com/mwmbl/post/errors"
	"github.com/mwmbl/post/filter"
	"github.com/mwmbl/post/logger"
	"github.com/mwmbl/post/publish"
	"github.com/mwmbl/post/publish/blog"
	"github.com/mwmbl/post/publish/bluesky"
	"github.com/mwmbl/post/publish/mastodon"
	"github.com/mwmbl/post/render"
	"github.com/mwmbl/post/schedule"
	"github.com/mwmbl/post/summary"
)

// ErrPartialFailure marks a run where some sources or destinations failed
// while others succeeded. main maps it to exit code 2.
var ErrPartialFailure = errors.New("partial failure")

// app is the fully wired posting system behind every subcommand.
type app struct {
	cfg         *config.Config
	db          *sql.DB
	store       *activity.Store
	filter      *filter.Filter
	renderer    *render.Renderer
	summarizer  *summary.Service
	client      *summary.Client
	coordinator *publish.Coordinator
	scheduler   *schedule.Scheduler
	pipeline    *collect.Pipeline
	blogAdapter *blog.Adapter
}

func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	return config.Load(path)
}

// newApp loads configuration, opens the migrated database, and constructs
// the full component graph.
func newApp(cmd *cobra.Command) (*app, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}

	conn, err := db.OpenWithMigrations(cfg.Database.Path, logger.Logger)
	if err != nil {
		return nil, err
	}

	store := activity.NewStore(conn)

	contentFilter, err := filter.New(store, filter.Config{
		ChatMinLength:          cfg.Filter.ChatMinLength,
		NoisePatterns:          cfg.Filter.NoisePatterns,
		PRMinChange:            cfg.Filter.PRMinChange,
		CommitMinFiles:         cfg.Filter.CommitMinFiles,
		IncludePrereleases:     cfg.Filter.IncludePrereleases,
		StatsRelativeThreshold: cfg.Filter.StatsRelativeThreshold,
	}, logger.ComponentLogger("filter"))
	if err != nil {
		conn.Close()
		return nil, err
	}

	renderer := render.New(render.Config{
		BlogURL: cfg.Blog.BlogURL,
		Author:  cfg.Blog.AuthorName,
	})

	client := summary.NewClient(summary.ClientConfig{
		APIKey:      cfg.Summary.APIKey,
		Model:       cfg.Summary.Model,
		Temperature: cfg.Summary.Temperature,
		MaxTokens:   cfg.Summary.MaxTokens,
	})
	summarizer := summary.NewService(client, logger.ComponentLogger("summary"))

	blogAdapter := blog.New(blog.Config{
		RepoURL:     cfg.Blog.RepoURL,
		RepoPath:    cfg.Blog.RepoPath,
		Token:       cfg.Blog.Token,
		AuthorName:  cfg.Blog.AuthorName,
		AuthorEmail: cfg.Blog.AuthorEmail,
	}, logger.ComponentLogger("publish.blog"))

	adapters := map[activity.Destination]publish.Adapter{
		activity.DestMicroblogA: bluesky.New(bluesky.Config{
			PDSHost:     cfg.Bluesky.PDSHost,
			Identifier:  cfg.Bluesky.Identifier,
			AppPassword: cfg.Bluesky.AppPassword,
		}, logger.ComponentLogger("publish.bluesky")),
		activity.DestMicroblogB: mastodon.New(mastodon.Config{
			InstanceURL: cfg.Mastodon.InstanceURL,
			AccessToken: cfg.Mastodon.AccessToken,
		}, logger.ComponentLogger("publish.mastodon")),
		activity.DestBlog: blogAdapter,
	}

	coordinator := publish.NewCoordinator(store, renderer, adapters, logger.ComponentLogger("publish"))
	scheduler := schedule.New(store, coordinator, summarizer, schedule.Config{
		MaxDailyPosts:   cfg.Schedule.MaxDailyPosts,
		MinPostInterval: cfg.Schedule.MinPostInterval(),
	}, logger.ComponentLogger("schedule"))

	var sources []collect.Source
	if cfg.Matrix.RoomID != "" {
		sources = append(sources, collect.NewMatrix(collect.MatrixConfig{
			HomeserverURL: cfg.Matrix.HomeserverURL,
			UserID:        cfg.Matrix.UserID,
			Password:      cfg.Matrix.Password,
			RoomID:        cfg.Matrix.RoomID,
		}, logger.ComponentLogger("collect.matrix")))
	}
	if cfg.GitHub.Org != "" {
		sources = append(sources, collect.NewGitHub(collect.GitHubConfig{
			Org:               cfg.GitHub.Org,
			Token:             cfg.GitHub.Token,
			BaseURL:           cfg.GitHub.BaseURL,
			RequestsPerSecond: cfg.GitHub.RequestsPerSecond,
		}, logger.ComponentLogger("collect.github")))
	}
	if cfg.Stats.Endpoint != "" {
		sources = append(sources, collect.NewStats(collect.StatsConfig{
			Endpoint: cfg.Stats.Endpoint,
		}, logger.ComponentLogger("collect.stats")))
	}
	pipeline := collect.NewPipeline(sources,
		dedup.NewAdmitter(store, logger.ComponentLogger("dedup")),
		contentFilter, logger.ComponentLogger("collect"))

	return &app{
		cfg:         cfg,
		db:          conn,
		store:       store,
		filter:      contentFilter,
		renderer:    renderer,
		summarizer:  summarizer,
		client:      client,
		coordinator: coordinator,
		scheduler:   scheduler,
		pipeline:    pipeline,
		blogAdapter: blogAdapter,
	}, nil
}

func (a *app) Close() {
	if a.db != nil {
		a.db.Close()
	}
}
