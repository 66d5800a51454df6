package main

import (
	"context"

	"github.com/edaniels/golog"
	"github.com/pion/webrtc/v4"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/multierr"

	"go.ringline.dev/callkit/call"
	"go.ringline.dev/callkit/config"
	"go.ringline.dev/callkit/history"
	"go.ringline.dev/callkit/media"
	"go.ringline.dev/callkit/signaling"
	"go.ringline.dev/callkit/users"
)

// deps are the backends a client runs on, built from the configuration.
type deps struct {
	store    signaling.Store
	users    users.Directory
	presence *users.RedisPresence
	history  *history.Archive
	source   media.Source
	peers    media.PeerFactory

	closers []func() error
}

func (d *deps) archive() call.Archive {
	if d.history == nil {
		return nil
	}
	return d.history
}

// Close closes everything opened, in reverse order.
func (d *deps) Close() error {
	var err error
	for i := len(d.closers) - 1; i >= 0; i-- {
		err = multierr.Combine(err, d.closers[i]())
	}
	d.closers = nil
	return err
}

func openDeps(ctx context.Context, cfg *config.Config, logger golog.Logger) (_ *deps, err error) {
	d := &deps{}
	defer func() {
		if err != nil {
			err = multierr.Combine(err, d.Close())
		}
	}()

	profiles := make([]users.Profile, 0, len(cfg.Users.Profiles))
	for _, profile := range cfg.Users.Profiles {
		profiles = append(profiles, users.Profile{
			ID:          profile.ID,
			DisplayName: profile.DisplayName,
			PhotoURL:    profile.PhotoURL,
			Online:      profile.Online,
		})
	}

	switch cfg.Store.Driver {
	case config.StoreMongoDB:
		client, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.Store.URI))
		if err != nil {
			return nil, err
		}
		d.closers = append(d.closers, func() error {
			return client.Disconnect(context.Background())
		})
		store, err := signaling.NewMongoDBStore(ctx, client, cfg.Store.Retention, logger.Named("signaling"))
		if err != nil {
			return nil, err
		}
		d.closers = append(d.closers, store.Close)
		d.store = store

		directory := users.NewMongoDBDirectory(client)
		for _, profile := range profiles {
			if err := directory.PutUserProfile(ctx, profile); err != nil {
				return nil, err
			}
		}
		d.users = directory
	default:
		retention := cfg.Store.Retention
		if retention <= 0 {
			retention = signaling.DefaultRetention
		}
		store := signaling.NewMemoryStoreWithRetention(retention, logger.Named("signaling"))
		d.closers = append(d.closers, store.Close)
		d.store = store
		d.users = users.NewMemoryDirectory(profiles...)
	}

	if redisCfg := cfg.Users.Redis; redisCfg.Addr != "" {
		rdb, err := users.OpenRedis(ctx, users.RedisConfig{
			Addr:     redisCfg.Addr,
			Password: redisCfg.Password,
			DB:       redisCfg.DB,
		})
		if err != nil {
			return nil, err
		}
		d.closers = append(d.closers, rdb.Close)
		d.presence = users.NewRedisPresence(rdb, redisCfg.Prefix, redisCfg.PresenceTTL)
		d.users = users.WithPresence(d.users, d.presence)
	}

	if cfg.History.Driver != "" {
		archive, err := history.Open(cfg.History.Driver, cfg.History.DSN)
		if err != nil {
			return nil, err
		}
		d.closers = append(d.closers, archive.Close)
		d.history = archive
	}

	source, err := newSource(cfg.Media, logger)
	if err != nil {
		return nil, err
	}
	d.source = source
	d.peers = media.NewPionFactory(peerOptions(cfg.Media), logger.Named("media"))
	return d, nil
}

func peerOptions(cfg config.MediaConfig) media.PeerOptions {
	peerOptions := media.DefaultPeerOptions()
	peerOptions.ICEServers = nil
	for _, url := range cfg.ICEServers {
		peerOptions.ICEServers = append(peerOptions.ICEServers, webrtc.ICEServer{URLs: []string{url}})
	}
	peerOptions.Trickle = cfg.Trickle
	peerOptions.IncludeLoopback = cfg.IncludeLoopback
	return peerOptions
}
