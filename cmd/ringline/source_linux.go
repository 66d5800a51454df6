//go:build linux

package main

import (
	"github.com/edaniels/golog"

	"go.ringline.dev/callkit/config"
	"go.ringline.dev/callkit/media"
	"go.ringline.dev/callkit/media/device"
)

func newSource(cfg config.MediaConfig, logger golog.Logger) (media.Source, error) {
	if cfg.Source != config.SourceDevice {
		return media.SyntheticSource{}, nil
	}
	options := device.DefaultOptions()
	if cfg.VideoBitRate > 0 {
		options.VideoBitRate = cfg.VideoBitRate
	}
	source := device.NewSource(options, logger.Named("device"))
	for _, info := range source.Devices() {
		logger.Debugw("capture device", "label", info.Label, "kind", info.Kind)
	}
	return source, nil
}
