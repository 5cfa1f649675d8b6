package capture

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"
	"strings"
	"sync"

	"github.com/gen2brain/malgo"

	"github.com/dictalabs/dicta/internal/config"
)

// MalgoBackend opens capture devices through miniaudio. Acquisition walks
// the same ladder on every platform: allocate a context, pick a device,
// initialize it with a data callback, start it; a failure at any rung
// unwinds everything already initialized.
type MalgoBackend struct {
	deviceName    string
	frameDuration uint32
	log           *slog.Logger
}

func NewMalgoBackend(cfg config.CaptureConfig, log *slog.Logger) *MalgoBackend {
	return &MalgoBackend{
		deviceName:    cfg.Device,
		frameDuration: uint32(cfg.FrameDurationMS),
		log:           log.With(slog.String("component", "malgo")),
	}
}

func (b *MalgoBackend) Open(ctx context.Context, cons Constraints, format Format) (*InputStream, error) {
	malgoCtx, err := malgo.InitContext([]malgo.Backend{platformBackend()}, malgo.ContextConfig{}, nil)
	if err != nil {
		return nil, classify("init audio context", err)
	}

	info, err := b.findDevice(malgoCtx)
	if err != nil {
		_ = malgoCtx.Uninit()
		malgoCtx.Free()
		return nil, err
	}

	deviceConfig := malgo.DefaultDeviceConfig(malgo.Capture)
	deviceConfig.Capture.Format = malgo.FormatS16
	deviceConfig.Capture.Channels = uint32(format.Channels)
	deviceConfig.Capture.DeviceID = info.ID.Pointer()
	deviceConfig.SampleRate = uint32(format.SampleRate)
	deviceConfig.PeriodSizeInMilliseconds = b.frameDuration
	deviceConfig.Alsa.NoMMap = 1

	// miniaudio does no echo cancellation or gain processing itself; the
	// requested constraints ride on whatever the OS input path provides.
	b.log.Debug("opening capture device",
		slog.String("device", b.deviceName),
		slog.Bool("echo_cancellation", cons.EchoCancellation),
		slog.Bool("noise_suppression", cons.NoiseSuppression),
		slog.Bool("auto_gain_control", cons.AutoGainControl))

	frames := make(chan []byte, 64)
	callbacks := malgo.DeviceCallbacks{
		Data: func(_, input []byte, framecount uint32) {
			buf := make([]byte, len(input))
			copy(buf, input)
			select {
			case frames <- buf:
			default:
				// consumer behind, drop the frame
			}
		},
	}

	device, err := malgo.InitDevice(malgoCtx.Context, deviceConfig, callbacks)
	if err != nil {
		_ = malgoCtx.Uninit()
		malgoCtx.Free()
		return nil, classify("init capture device", err)
	}

	if err := device.Start(); err != nil {
		device.Uninit()
		_ = malgoCtx.Uninit()
		malgoCtx.Free()
		return nil, classify("start capture device", err)
	}

	var stopOnce sync.Once
	stop := func() {
		stopOnce.Do(func() {
			_ = device.Stop()
			// Uninit waits for in-flight callbacks, so closing the frame
			// channel afterwards cannot race the data callback.
			device.Uninit()
			close(frames)
			_ = malgoCtx.Uninit()
			malgoCtx.Free()
		})
	}

	return newInputStream(format, frames, stop), nil
}

func (b *MalgoBackend) findDevice(malgoCtx *malgo.AllocatedContext) (*malgo.DeviceInfo, error) {
	devices, err := malgoCtx.Devices(malgo.Capture)
	if err != nil {
		return nil, classify("enumerate capture devices", err)
	}
	if len(devices) == 0 {
		return nil, &Error{Code: CodeNoDevice, Op: "enumerate capture devices"}
	}

	if b.deviceName == "" || b.deviceName == "default" {
		for i := range devices {
			if devices[i].IsDefault == 1 {
				return &devices[i], nil
			}
		}
		return &devices[0], nil
	}

	for i := range devices {
		if strings.Contains(strings.ToLower(devices[i].Name()), strings.ToLower(b.deviceName)) {
			return &devices[i], nil
		}
	}
	return nil, &Error{
		Code: CodeNoDevice,
		Op:   "find capture device",
		Err:  fmt.Errorf("no capture device matching %q", b.deviceName),
	}
}

func platformBackend() malgo.Backend {
	switch runtime.GOOS {
	case "linux":
		return malgo.BackendAlsa
	case "windows":
		return malgo.BackendWasapi
	case "darwin":
		return malgo.BackendCoreaudio
	default:
		return malgo.BackendNull
	}
}
