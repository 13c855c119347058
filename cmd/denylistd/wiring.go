package main

import (
	"context"
	"net"
	"net/http"
	"os"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/keithlinneman/linnemanlabs-denylist/internal/cfg"
	"github.com/keithlinneman/linnemanlabs-denylist/internal/cryptoutil"
	"github.com/keithlinneman/linnemanlabs-denylist/internal/denylist"
	"github.com/keithlinneman/linnemanlabs-denylist/internal/log"
	"github.com/keithlinneman/linnemanlabs-denylist/internal/metrics"
	"github.com/keithlinneman/linnemanlabs-denylist/internal/notify"
	"github.com/keithlinneman/linnemanlabs-denylist/internal/source"
	"github.com/keithlinneman/linnemanlabs-denylist/internal/store"
	"github.com/keithlinneman/linnemanlabs-denylist/internal/xerrors"
)

// openStore builds the configured backend wrapped with metrics and tracing.
// The returned close func is never nil.
func openStore(ctx context.Context, conf cfg.App, L log.Logger, m *metrics.ServerMetrics) (*store.Instrumented, func(), error) {
	var (
		inner store.Store
		closer = func() {}
	)

	switch conf.Store {
	case cfg.StoreMemory:
		L.Warn(ctx, "memory store selected, published versions do not survive restarts")
		inner = store.NewMemory(conf.MemoryMaxValue)

	case cfg.StoreRedis:
		r, err := store.NewRedisFromURL(ctx, conf.RedisURL)
		if err != nil {
			return nil, closer, err
		}
		inner = r
		closer = func() {
			if err := r.Close(); err != nil {
				L.Warn(context.Background(), "redis close", "error", err)
			}
		}

	case cfg.StoreS3:
		awsCfg, err := loadAWSConfig(ctx)
		if err != nil {
			return nil, closer, err
		}
		s, err := store.NewS3(store.S3Options{
			Client: s3.NewFromConfig(awsCfg),
			Bucket: conf.S3Bucket,
			Prefix: withSlash(conf.S3Prefix),
		})
		if err != nil {
			return nil, closer, err
		}
		inner = s

	case cfg.StoreBadger:
		b, err := store.OpenBadger(store.BadgerOptions{Dir: conf.BadgerDir, Logger: L})
		if err != nil {
			return nil, closer, err
		}
		inner = b
		closer = func() {
			if err := b.Close(); err != nil {
				L.Warn(context.Background(), "badger close", "error", err)
			}
		}

	default:
		return nil, closer, xerrors.Newf("unknown store backend %q", conf.Store)
	}

	L.Info(ctx, "segment store opened",
		"store", conf.Store,
		"max_value_size", store.MaxValueSize(inner),
	)
	return store.NewInstrumented(inner, conf.Store, m), closer, nil
}

// newFetcher returns the configured source and a label for the manifest.
func newFetcher(ctx context.Context, conf cfg.App, L log.Logger) (denylist.Fetcher, string, error) {
	format, err := source.ParseFormat(conf.SourceFormat)
	if err != nil {
		return nil, "", err
	}

	if conf.SourceFile != "" {
		f := &source.File{Path: conf.SourceFile, Format: format}
		return f, f.String(), nil
	}

	opts := source.HTTPOptions{
		URL:    conf.SourceURL,
		Format: format,
		Client: &http.Client{
			Transport: otelhttp.NewTransport(http.DefaultTransport),
			Timeout:   conf.SourceTimeout,
		},
		MaxBytes: conf.SourceMaxBytes,
		Logger:   L,
	}
	if conf.SigningKeyARN != "" {
		awsCfg, err := loadAWSConfig(ctx)
		if err != nil {
			return nil, "", err
		}
		opts.SignatureURL = conf.SignatureURL
		opts.Verifier = cryptoutil.NewKMSVerifier(kms.NewFromConfig(awsCfg), conf.SigningKeyARN)
		L.Info(ctx, "source signature verification enabled",
			"signature_url", conf.SignatureURL,
			"key_arn", conf.SigningKeyARN,
		)
	}

	h, err := source.NewHTTP(opts)
	if err != nil {
		return nil, "", err
	}
	return h, h.String(), nil
}

// newNotifyHook connects to NATS when configured. A connection failure at
// startup is logged and notifications are disabled; publishing does not
// depend on them.
func newNotifyHook(conf cfg.App, L log.Logger, m *metrics.ServerMetrics) ([]func(context.Context, *denylist.Result), func()) {
	if conf.NATSURL == "" {
		return nil, func() {}
	}
	ctx := context.Background()
	nc, err := notify.Connect(conf.NATSURL, L)
	if err != nil {
		L.Error(ctx, err, "nats connect failed, publish notifications disabled", "nats_url", conf.NATSURL)
		return nil, func() {}
	}
	n := notify.New(nc, conf.NATSSubject, L, m)

	closeFn := func() {
		if err := nc.Drain(); err != nil {
			L.Warn(context.Background(), "nats drain", "error", err)
		}
	}
	return []func(context.Context, *denylist.Result){n.OnPublish}, closeFn
}

func loadAWSConfig(ctx context.Context) (aws.Config, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx)
	if err != nil {
		return aws.Config{}, xerrors.Wrap(err, "load aws config")
	}
	return awsCfg, nil
}

func withSlash(prefix string) string {
	if prefix == "" || strings.HasSuffix(prefix, "/") {
		return prefix
	}
	return prefix + "/"
}

// notifySystemd sends READY=1 when started by systemd with Type=notify.
func notifySystemd() error {
	addr := os.Getenv("NOTIFY_SOCKET")
	if addr == "" {
		return xerrors.New("NOTIFY_SOCKET not set")
	}
	conn, err := net.Dial("unixgram", addr)
	if err != nil {
		return xerrors.Wrap(err, "systemd notify dial")
	}
	if _, err := conn.Write([]byte("READY=1")); err != nil {
		_ = conn.Close()
		return xerrors.Wrap(err, "systemd notify write")
	}
	return conn.Close()
}
