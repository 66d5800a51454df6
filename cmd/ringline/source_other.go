//go:build !linux

package main

import (
	"github.com/edaniels/golog"
	"github.com/pkg/errors"

	"go.ringline.dev/callkit/config"
	"go.ringline.dev/callkit/media"
)

func newSource(cfg config.MediaConfig, logger golog.Logger) (media.Source, error) {
	if cfg.Source == config.SourceDevice {
		return nil, errors.New("capture devices are only supported on linux")
	}
	return media.SyntheticSource{}, nil
}
