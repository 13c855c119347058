package source

import (
	"bytes"
	"context"
	"encoding/base64"
	"io"
	"net/http"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/keithlinneman/linnemanlabs-denylist/internal/log"
	"github.com/keithlinneman/linnemanlabs-denylist/internal/version"
	"github.com/keithlinneman/linnemanlabs-denylist/internal/xerrors"
)

const (
	DefaultMaxBytes = 512 << 20
	DefaultTimeout  = 5 * time.Minute

	maxSignatureBytes = 64 << 10
)

// SignatureVerifier checks a detached signature over a message.
// *cryptoutil.KMSVerifier implements it.
type SignatureVerifier interface {
	VerifySignature(ctx context.Context, message, signature []byte) error
}

type HTTPOptions struct {
	URL    string
	Format Format

	// Client defaults to an otelhttp-instrumented client with
	// DefaultTimeout.
	Client *http.Client

	// MaxBytes caps the body size. Zero means DefaultMaxBytes.
	MaxBytes int64

	// SignatureURL, when set, is fetched alongside URL and its contents
	// verified as a detached signature over the body with Verifier.
	SignatureURL string
	Verifier     SignatureVerifier

	Logger log.Logger
}

// HTTP fetches the denylist over HTTP(S).
type HTTP struct {
	url          string
	format       Format
	client       *http.Client
	maxBytes     int64
	signatureURL string
	verifier     SignatureVerifier
	userAgent    string
	logger       log.Logger
}

func NewHTTP(opts HTTPOptions) (*HTTP, error) {
	if opts.URL == "" {
		return nil, xerrors.New("source url is required")
	}
	if opts.SignatureURL != "" && opts.Verifier == nil {
		return nil, xerrors.New("a signature url requires a verifier")
	}
	if opts.Client == nil {
		opts.Client = &http.Client{
			Transport: otelhttp.NewTransport(http.DefaultTransport),
			Timeout:   DefaultTimeout,
		}
	}
	if opts.MaxBytes <= 0 {
		opts.MaxBytes = DefaultMaxBytes
	}
	if opts.Format == "" {
		opts.Format = FormatLines
	}
	if opts.Logger == nil {
		opts.Logger = log.Nop()
	}
	return &HTTP{
		url:          opts.URL,
		format:       opts.Format,
		client:       opts.Client,
		maxBytes:     opts.MaxBytes,
		signatureURL: opts.SignatureURL,
		verifier:     opts.Verifier,
		userAgent:    version.AppName + "/" + version.Get().Version,
		logger:       opts.Logger,
	}, nil
}

func (h *HTTP) String() string { return h.url }

func (h *HTTP) Fetch(ctx context.Context) ([]string, error) {
	begin := time.Now()
	body, err := h.get(ctx, h.url, h.maxBytes)
	if err != nil {
		return nil, err
	}

	if h.signatureURL != "" {
		sig, err := h.get(ctx, h.signatureURL, maxSignatureBytes)
		if err != nil {
			return nil, xerrors.Wrap(err, "fetch signature")
		}
		if err := h.verifier.VerifySignature(ctx, body, decodeSignature(sig)); err != nil {
			return nil, xerrors.Wrapf(err, "verify signature of %s", h.url)
		}
	}

	hashes, err := Decode(body, h.format)
	if err != nil {
		return nil, err
	}
	h.logger.Info(ctx, "fetched denylist",
		"url", h.url,
		"bytes", len(body),
		"hashes", len(hashes),
		"signed", h.signatureURL != "",
		"duration", time.Since(begin).String(),
	)
	return hashes, nil
}

func (h *HTTP) get(ctx context.Context, url string, limit int64) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, xerrors.Wrapf(err, "build request for %s", url)
	}
	req.Header.Set("User-Agent", h.userAgent)

	resp, err := h.client.Do(req)
	if err != nil {
		return nil, xerrors.Wrapf(err, "get %s", url)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4<<10))
		return nil, xerrors.Newf("get %s: unexpected status %s", url, resp.Status)
	}

	b, err := io.ReadAll(io.LimitReader(resp.Body, limit+1))
	if err != nil {
		return nil, xerrors.Wrapf(err, "read %s", url)
	}
	if int64(len(b)) > limit {
		return nil, xerrors.Newf("get %s: body exceeds %d bytes", url, limit)
	}
	return b, nil
}

// decodeSignature accepts raw signature bytes or their base64 encoding.
func decodeSignature(sig []byte) []byte {
	trimmed := bytes.TrimSpace(sig)
	if dec, err := base64.StdEncoding.DecodeString(string(trimmed)); err == nil && len(dec) > 0 {
		return dec
	}
	return sig
}
