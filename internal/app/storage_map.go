package app

import (
	"strings"

	"digestbot/internal/config"
	"digestbot/internal/storage"
)

func mapStorageConfig(cfg *config.Config, d config.Durations) storage.Config {
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	if driver == "pg" {
		driver = "postgres"
	}
	return storage.Config{
		Driver:      driver,
		Path:        strings.TrimSpace(sc.Path),
		DSN:         strings.TrimSpace(sc.DSN),
		BusyTimeout: d.BusyTimeout,
	}
}

func seedFeeds(cfg *config.Config) []storage.FeedSource {
	out := make([]storage.FeedSource, 0, len(cfg.Feeds.Sources))
	for _, s := range cfg.Feeds.Sources {
		out = append(out, storage.FeedSource{Name: s.Name, URL: s.URL, Active: true})
	}
	return out
}
