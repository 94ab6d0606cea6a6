package cmd

import (
	"fmt"

	"newsdesk/internal/classify"
	"newsdesk/internal/cluster"
	"newsdesk/internal/config"
	"newsdesk/internal/entities"
	"newsdesk/internal/extract"
	"newsdesk/internal/fetcher"
	"newsdesk/internal/llm"
	"newsdesk/internal/scheduler"
	"newsdesk/internal/scoring"
	"newsdesk/internal/server"
	"newsdesk/internal/store"
	"newsdesk/internal/summarize"
	"newsdesk/internal/synth"
)

// app is the wired application graph shared by the CLI commands.
type app struct {
	cfg       *config.Config
	store     *store.Store
	llm       *llm.Client
	scheduler *scheduler.Scheduler
	server    *server.Server
}

func buildApp() (*app, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, err
	}

	st, err := store.NewStore(cfg.App.DataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}

	client := llm.NewClient(cfg.LLM)
	f := fetcher.NewFetcher(st, extract.NewExtractor(cfg.Fetch), cfg.Fetch)
	clusterer := cluster.NewClusterer(st,
		entities.NewExtractor(st, client),
		classify.NewClassifier(st, client),
		cfg.Similarity, cfg.Stories)
	summarizer := summarize.NewSummarizer(st, client, cfg.Summarize)
	pipeline := synth.NewPipeline(st, clusterer,
		synth.NewSynthesizer(st, client, cfg.Stories),
		summarizer, cfg.Stories.TimeWindowHours, cfg.LLM.Concurrency)
	sched := scheduler.NewScheduler(st, f, pipeline, scoring.NewScorer(st), cfg.Scheduler, cfg.Stories)

	return &app{
		cfg:       cfg,
		store:     st,
		llm:       client,
		scheduler: sched,
		server:    server.New(st, sched, client, cfg),
	}, nil
}

func (a *app) Close() {
	_ = a.store.Close()
}
