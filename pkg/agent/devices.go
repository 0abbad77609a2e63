package agent

import (
	"context"

	"github.com/examwatch/proctor/pkg/logger"
	"github.com/examwatch/proctor/pkg/media"
	"github.com/examwatch/proctor/pkg/recorder"
)

// recordingDevices records every opened source while the session sends it.
type recordingDevices struct {
	media.Devices
	ctx context.Context
	rec *recorder.Recorder
	log *logger.Logger
}

func newRecordingDevices(ctx context.Context, d media.Devices, rec *recorder.Recorder, log *logger.Logger) *recordingDevices {
	return &recordingDevices{Devices: d, ctx: ctx, rec: rec, log: log}
}

func (d *recordingDevices) OpenCamera(ctx context.Context) ([]media.Source, error) {
	sources, err := d.Devices.OpenCamera(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]media.Source, 0, len(sources))
	for _, src := range sources {
		out = append(out, d.split(src))
	}
	return out, nil
}

func (d *recordingDevices) OpenScreen(ctx context.Context) (media.Source, error) {
	src, err := d.Devices.OpenScreen(ctx)
	if err != nil {
		return nil, err
	}
	return d.split(src), nil
}

func (d *recordingDevices) split(src media.Source) media.Source {
	f := media.NewFanout(src)
	if d.rec != nil {
		// the recording outlives the session context
		if err := d.rec.Start(d.ctx, src.ID(), f.Branch()); err != nil {
			d.log.Warn().Err(err).Str("track", src.ID()).Msg("no recording")
		}
	}
	return &device{Source: f.Branch(), fanout: f}
}

// device is the session branch of a split source, closing it releases the device.
type device struct {
	media.Source
	fanout *media.Fanout
}

func (d *device) Close() error {
	_ = d.Source.Close()
	return d.fanout.Close()
}
