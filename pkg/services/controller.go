package services

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"path/filepath"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/kerbaras/avatars/pkg/auth"
	"github.com/kerbaras/avatars/pkg/cache"
	"github.com/kerbaras/avatars/pkg/config"
	"github.com/kerbaras/avatars/pkg/data"
	"github.com/kerbaras/avatars/pkg/errs"
	"github.com/kerbaras/avatars/pkg/integrations"
	"github.com/kerbaras/avatars/pkg/ratelimit"
	"github.com/kerbaras/avatars/pkg/sources"
	"github.com/kerbaras/avatars/pkg/utils"
)

// Controller wires the session, catalog and downloads to one VRChat
// account, one database and one cache directory.
type Controller struct {
	Settings  config.Settings
	Limiter   *ratelimit.Limiter
	Session   *auth.Manager
	Catalog   *Catalog
	Downloads *DownloadManager

	source *sources.VRChat
	repo   *data.Repository
	cache  *cache.Cache
	tokens *config.TokenFile
	logger *zap.Logger

	closeOnce sync.Once
	closeErr  error
}

func NewController(ctx context.Context, cfg config.Settings, logger *zap.Logger) (*Controller, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.ResponseHeaderTimeout = cfg.API.Timeout
	source := sources.NewVRChat(cfg.API.BaseURL,
		utils.WithHTTPClient(&http.Client{Transport: transport}),
		utils.WithUserAgent(cfg.API.UserAgent),
		utils.WithTimeout(cfg.API.Timeout),
	)

	repo, err := data.NewDuckDBRepository(cfg.DBPath())
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	tokens := config.NewTokenFile(cfg.TokenPath())
	saved, err := tokens.Load()
	if err != nil {
		logger.Warn("ignoring unreadable saved session", zap.Error(err))
	}

	limiter := ratelimit.New(cfg.RateLimit, logger.Named("ratelimit"))
	session, err := auth.NewManager(source, limiter, auth.Options{
		SavedToken:           saved,
		Sink:                 tokens,
		CodePatterns:         cfg.CodePatterns(),
		MaxTwoFactorAttempts: cfg.Auth.MaxAttempts,
		TwoFactorTTL:         cfg.Auth.ChallengeTTL,
		Logger:               logger.Named("auth"),
	})
	if err != nil {
		repo.Close()
		return nil, err
	}

	artifacts, err := cache.OpenDir(cfg.Cache.Dir, cache.Options{
		MaxBytes: cfg.Cache.MaxBytes,
		Store:    repo,
		Logger:   logger.Named("cache"),
	})
	if err != nil {
		repo.Close()
		return nil, err
	}
	if err := artifacts.Load(ctx); err != nil {
		logger.Warn("failed to restore cache index", zap.Error(err))
	}

	catalog := NewCatalog(source, session, limiter, repo, artifacts, integrations.NewThumbnailer(cfg.Thumbnails), CatalogOptions{
		PageSize: cfg.Catalog.PageSize,
		MaxScan:  cfg.Catalog.MaxScan,
		Retries:  cfg.Catalog.Retries,
		Retry:    cfg.RateLimit.Backoff,
		Logger:   logger.Named("catalog"),
	})

	downloads := NewDownloadManager(source, session, limiter, artifacts, repo, DownloadOptions{
		Workers:       cfg.Downloads.Workers,
		MaxRetries:    cfg.Downloads.MaxRetries,
		Retry:         cfg.Downloads.Retry,
		ChunkSize:     cfg.Downloads.ChunkSize,
		IdleTimeout:   cfg.Downloads.IdleTimeout,
		CacheAssets:   cfg.Cache.Assets,
		CacheMaxAsset: cfg.Cache.MaxAsset,
		Logger:        logger.Named("downloads"),
	})

	return &Controller{
		Settings:  cfg,
		Limiter:   limiter,
		Session:   session,
		Catalog:   catalog,
		Downloads: downloads,
		source:    source,
		repo:      repo,
		cache:     artifacts,
		tokens:    tokens,
		logger:    logger,
	}, nil
}

// Start launches the download workers.
func (c *Controller) Start(ctx context.Context) {
	c.Downloads.Start(ctx)
}

// Restore validates the session saved by a previous run.
func (c *Controller) Restore(ctx context.Context) (bool, error) {
	return c.Session.Refresh(ctx)
}

// DownloadItem resolves an item's asset and queues it into dir, or the
// configured download directory when dir is empty.
func (c *Controller) DownloadItem(ctx context.Context, id, dir string) (string, error) {
	item, err := c.Catalog.Item(ctx, id)
	if err != nil {
		return "", err
	}
	if item.AssetURL == "" {
		return "", errs.E("controller.DownloadItem", errs.NotFound, fmt.Errorf("item %s has no downloadable asset", id))
	}
	if dir == "" {
		dir = c.Settings.Downloads.Dir
	}

	return c.Downloads.Submit(DownloadRequest{
		ItemID:        item.ID,
		Source:        item.AssetURL,
		Destination:   filepath.Join(dir, sources.FileName(item.Name)),
		Authenticated: true,
	})
}

// Fetch queues a raw URL. Session cookies are only sent to the API host.
func (c *Controller) Fetch(rawURL, dest string) (string, error) {
	return c.Downloads.Submit(DownloadRequest{
		Source:        rawURL,
		Destination:   dest,
		Authenticated: strings.HasPrefix(rawURL, c.Settings.API.BaseURL),
	})
}

// History lists recorded downloads, newest first.
func (c *Controller) History(limit int) ([]data.DownloadJob, error) {
	return c.repo.ListDownloads(limit)
}

// Close stops the downloads, releases the cache and database and flushes
// the logger. Calls after the first return its result.
func (c *Controller) Close() error {
	c.closeOnce.Do(func() {
		c.closeErr = errors.Join(
			c.Downloads.Close(),
			c.cache.Close(),
			c.repo.Close(),
		)
		// syncing a terminal fails on some platforms
		_ = c.logger.Sync()
	})
	return c.closeErr
}
