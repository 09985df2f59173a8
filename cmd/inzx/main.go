package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/NotMugil/inzx-core/internal/audio"
	"github.com/NotMugil/inzx-core/internal/cache"
	"github.com/NotMugil/inzx-core/internal/config"
	"github.com/NotMugil/inzx-core/internal/download"
	"github.com/NotMugil/inzx-core/internal/persist"
	"github.com/NotMugil/inzx-core/internal/player"
	"github.com/NotMugil/inzx-core/internal/precache"
	"github.com/NotMugil/inzx-core/internal/queue"
	"github.com/NotMugil/inzx-core/internal/radio"
	"github.com/NotMugil/inzx-core/internal/resolver"
	"github.com/NotMugil/inzx-core/internal/search"
	"github.com/NotMugil/inzx-core/internal/source"
	"github.com/NotMugil/inzx-core/internal/storage"
	"github.com/NotMugil/inzx-core/pkg/types"
)

var (
	configPath = flag.String("config", "", "Path to configuration file")
	debug      = flag.Bool("debug", false, "Enable debug mode - shows detailed logging for all components")
	playID      = flag.String("play", "", "Track id to start playing in radio mode")
	downloadID  = flag.String("download", "", "Track id to download into the offline library")
	searchQuery = flag.String("search", "", "Search the offline library and exit")
)

func main() {
	flag.Parse()

	if *debug {
		log.SetFlags(log.LstdFlags | log.Lshortfile)
		log.Println("[MAIN] Debug mode enabled - all components will log detailed information")
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("[MAIN] Failed to load config: %v", err)
	}
	if *debug {
		cfg.Debug = true
		log.Printf("[MAIN] Configuration loaded")
		log.Printf("[MAIN] - API Base URL: %s", cfg.API.BaseURL)
		log.Printf("[MAIN] - Database Path: %s", cfg.Storage.DatabasePath)
		log.Printf("[MAIN] - Cache Directory: %s", cfg.Storage.CacheDir)
		log.Printf("[MAIN] - Cache Limit: %d MiB", cfg.Streaming.CacheSizeLimitMB)
		log.Printf("[MAIN] - Crossfade: %d ms", cfg.Playback.CrossfadeDurationMs)
	}

	store, err := storage.NewStore(cfg.Storage.DatabasePath, cfg.Storage.EnableWAL, cfg.Debug)
	if err != nil {
		log.Fatalf("[MAIN] Failed to open store: %v", err)
	}
	defer store.Close()

	byteCache, err := cache.New(cfg.Storage.CacheDir, cfg.CacheSizeLimitBytes(), cfg.Debug)
	if err != nil {
		log.Fatalf("[MAIN] Failed to open byte cache: %v", err)
	}
	defer byteCache.Close()

	if *searchQuery != "" {
		results, err := search.NewEngine(store).Search(context.Background(), *searchQuery, 20)
		if err != nil {
			log.Fatalf("[MAIN] Search failed: %v", err)
		}
		for _, t := range results {
			log.Printf("[MAIN] %s - %s (%s)", t.Artist, t.Title, t.LocalPath)
		}
		return
	}

	res := resolver.New(cfg)
	recommender := resolver.NewRecommender(cfg)

	model := queue.NewModel()
	scheduler := precache.NewScheduler(cfg, res, byteCache, model)
	builder := source.NewBuilder(cfg, res, byteCache, scheduler)
	defer builder.Close()

	primary, err := audio.NewBeepHandle("primary", cfg.Playback.SampleRate, cfg.API.UserAgent, cfg.Debug)
	if err != nil {
		log.Fatalf("[MAIN] Failed to create primary player: %v", err)
	}
	secondary, err := audio.NewBeepHandle("secondary", cfg.Playback.SampleRate, cfg.API.UserAgent, cfg.Debug)
	if err != nil {
		log.Fatalf("[MAIN] Failed to create secondary player: %v", err)
	}
	engine := audio.NewEngine(primary, secondary, cfg.Debug)

	extender := radio.NewExtender(recommender, model, cfg.Debug)

	persistor := persist.NewPersistor(store, func() ([]types.Track, int, time.Duration) {
		snap := model.Snapshot()
		return snap.Queue, snap.CurrentIndex, engine.Active().Position()
	}, cfg.Debug)

	controller := player.NewController(player.Deps{
		Config:    cfg,
		Resolver:  res,
		ByteCache: byteCache,
		Scheduler: scheduler,
		Builder:   builder,
		Engine:    engine,
		Model:     model,
		Extender:  extender,
		Persistor: persistor,
	})
	controller.Start()

	downloads := download.NewManager(cfg, res, store)
	downloads.OnProgress(func(p *types.DownloadProgress) {
		if p.Status != types.DownloadStatusDownloading {
			log.Printf("[MAIN] Download %s: %s", p.TrackID, p.Status)
		}
	})

	if *playID != "" {
		controller.PlayTrack(types.Track{ID: *playID}, true)
	}
	if *downloadID != "" {
		if err := downloads.Enqueue(context.Background(), types.Track{ID: *downloadID, Title: *downloadID, Artist: "unknown"}); err != nil {
			log.Printf("[MAIN] Download enqueue failed: %v", err)
		}
	}

	waitForShutdown(controller)
}

func waitForShutdown(controller *player.Controller) {
	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)

	sig := <-c
	log.Printf("[MAIN] Received signal: %v", sig)
	log.Printf("[MAIN] Initiating graceful shutdown...")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	done := make(chan struct{})
	go func() {
		controller.Shutdown()
		close(done)
	}()

	select {
	case <-done:
		log.Printf("[MAIN] Graceful shutdown completed")
	case <-ctx.Done():
		log.Printf("[MAIN] Shutdown timed out")
	}
}
