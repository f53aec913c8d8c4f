package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	_ "net/http/pprof"
	"os"
	"os/signal"
	"time"

	"github.com/davecgh/go-spew/spew"
	"github.com/facebookincubator/go-belt/tool/logger/implementation/logrus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/pflag"
	codectypes "github.com/xaionaro-go/hwcodec/codec/types"
	"github.com/xaionaro-go/hwcodec/config"
	"github.com/xaionaro-go/hwcodec/device/libav"
	"github.com/xaionaro-go/hwcodec/indicator"
	"github.com/xaionaro-go/hwcodec/logger"
	"github.com/xaionaro-go/hwcodec/types"
	"github.com/xaionaro-go/observability"
)

const throughputWindow = 50

func main() {
	pflag.Usage = func() {
		fmt.Fprintf(os.Stderr, "syntax: %s [flags]\n", os.Args[0])
		pflag.PrintDefaults()
	}

	loggerLevel := logger.LevelWarning
	pflag.Var(&loggerLevel, "log-level", "Log level")
	configPath := pflag.String("config", "", "path to the YAML config; the defaults are used if not set")
	deviceKind := pflag.String("device", "", "device backend to use: simulated or libav")
	var hwDeviceType types.HardwareDeviceType
	pflag.Var(&hwDeviceType, "hw-device-type", "libav hardware device type (e.g. vaapi, cuda, qsv)")
	hwDeviceName := pflag.String("hw-device-name", "", "libav hardware device name (e.g. /dev/dri/renderD128)")
	codecName := pflag.String("codec", "", "codec: h264, hevc or mjpeg")
	frames := pflag.Uint("frames", 0, "amount of frames to encode")
	resolution := pflag.String("resolution", "", "input resolution, e.g. 1920x1080")
	var rateControlMode codectypes.RateControlMode
	pflag.Var(&rateControlMode, "rate-control", "rate control mode: cbr, vbr, cqp or avbr")
	bitrate := pflag.Uint64("bitrate", 0, "target bitrate in bits per second")
	asyncDepth := pflag.Uint("async-depth", 0, "async depth of both the encoder and the decoder")
	software := pflag.Bool("software", false, "use software sessions")
	dumpConfig := pflag.Bool("dump-config", false, "print the effective config and exit")
	statsInterval := pflag.Duration("stats-interval", time.Second, "how often to print the progress (0 disables it)")
	metricsAddr := pflag.String("metrics-listen-addr", "", "an address to serve the prometheus metrics at (/metrics)")
	netPprofAddr := pflag.String("net-pprof-listen-addr", "", "an address to listen for incoming net/pprof connections")
	pflag.Parse()
	if len(pflag.Args()) != 0 {
		pflag.Usage()
		os.Exit(1)
	}

	l := logrus.Default().WithLevel(loggerLevel)
	ctx := logger.CtxWithLogger(context.Background(), l)
	ctx, cancelFn := signal.NotifyContext(ctx, os.Interrupt)
	defer cancelFn()
	logger.SetDefault(func() logger.Logger {
		return l
	})
	defer logger.Flush(ctx)

	cfg := config.Default()
	if *configPath != "" {
		var err error
		cfg, err = config.ReadFile(*configPath)
		if err != nil {
			l.Fatal(err)
		}
	}
	if *deviceKind != "" {
		cfg.Device.Kind = config.DeviceKind(*deviceKind)
	}
	if pflag.CommandLine.Changed("hw-device-type") {
		cfg.Device.Libav.HardwareDeviceType = hwDeviceType
	}
	if *hwDeviceName != "" {
		cfg.Device.Libav.HardwareDeviceName = types.HardwareDeviceName(*hwDeviceName)
	}
	if *codecName != "" {
		cfg.Codec = *codecName
	}
	if *frames != 0 {
		cfg.Input.Frames = *frames
	}
	if *resolution != "" {
		if err := cfg.Input.Resolution.Parse(*resolution); err != nil {
			l.Fatal(err)
		}
	}
	if pflag.CommandLine.Changed("rate-control") {
		cfg.Encoder.RateControlMode = rateControlMode
	}
	if *bitrate != 0 {
		cfg.Encoder.TargetBitrate = *bitrate
	}
	if *asyncDepth != 0 {
		cfg.Encoder.AsyncDepth = *asyncDepth
		cfg.Decoder.AsyncDepth = *asyncDepth
	}
	if *software {
		cfg.Encoder.Hardware = false
		cfg.Decoder.Hardware = false
	}
	if err := cfg.Validate(); err != nil {
		l.Fatal(err)
	}
	logger.Tracef(ctx, "effective config: %s", spew.Sdump(cfg))

	if *dumpConfig {
		b, err := cfg.Bytes()
		if err != nil {
			l.Fatal(err)
		}
		os.Stdout.Write(b)
		return
	}

	if *netPprofAddr != "" {
		observability.Go(ctx, func(ctx context.Context) { l.Error(http.ListenAndServe(*netPprofAddr, nil)) })
	}
	if *metricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		observability.Go(ctx, func(ctx context.Context) { l.Error(http.ListenAndServe(*metricsAddr, mux)) })
	}

	dev, err := cfg.Device.New()
	if err != nil {
		l.Fatal(err)
	}
	if cfg.Device.Kind == config.DeviceKindLibav {
		libav.SetLogger(ctx, l.Level())
	}

	bench := NewBench(cfg, dev)
	if *statsInterval > 0 {
		observability.Go(ctx, func(ctx context.Context) {
			t := time.NewTicker(*statsInterval)
			defer t.Stop()
			fps := indicator.NewThroughput(indicator.NewMAMADefault[float64](throughputWindow))
			for {
				select {
				case <-ctx.Done():
					return
				case now := <-t.C:
					decoded := bench.Progress.DecodedFrames.Load()
					fmt.Printf("submitted:%d packets:%d decoded:%d (%.1f frames/s)\n",
						bench.Progress.SubmittedFrames.Load(),
						bench.Progress.Packets.Load(),
						decoded,
						fps.Update(decoded, now),
					)
				}
			}
		})
	}

	result, err := bench.Run(ctx)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			l.Warn("interrupted")
			return
		}
		l.Fatal(err)
	}
	fmt.Println(result)
	fmt.Printf("encoder: %s\n", result.Encoder)
	fmt.Printf("decoder: %s\n", result.Decoder)
	logger.Debugf(ctx, "result: %s", spew.Sdump(result))
}
