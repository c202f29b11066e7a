// Package estimate fetches the slicer's per-filament gram estimate for a
// print job by downloading the job's G-code container from the printer and
// parsing its header.
//
// Results are cached per job key with a short TTL; failures are cached too
// so an unreachable printer is not hammered.
package estimate

import (
	"context"
	"crypto/tls"
	"io"
	"time"

	backoff "github.com/cenkalti/backoff/v4"
	"github.com/jlaffaye/ftp"
	gocache "github.com/patrickmn/go-cache"
	"golang.org/x/sync/singleflight"

	"go.filafarm.org/infra/filament/go/store"
	"go.filafarm.org/infra/go/metrics2"
	"go.filafarm.org/infra/go/skerr"
	"go.filafarm.org/infra/go/sklog"
)

const (
	// ftpsPort is the printer's implicit-TLS FTP port.
	ftpsPort = "990"

	// ftpUser is the fixed LAN account on the printer.
	ftpUser = "bblp"

	fetchTimeout = 2 * time.Minute
)

// FilamentEstimate is one per-filament total from the sliced file.
type FilamentEstimate struct {
	// TrayID is nil when the slicer did not bind the filament to a bay.
	TrayID   *int
	Type     string
	ColorHex string
	TotalG   float64
}

// Estimate is the parsed result for one job.
type Estimate struct {
	TotalG      float64
	PerFilament []FilamentEstimate
	Source      string
	Confidence  string
	// Error is set on cached failures; such estimates carry no weights.
	Error string
}

// Request identifies the job and the printer to fetch from.
type Request struct {
	JobKey        string
	PrinterIP     string
	AccessCode    string
	SubtaskName   string
	GcodeFileHint string
}

// FileStore is the slice of the printer's file share the estimator needs.
type FileStore interface {
	// List returns the names of the top-level entries.
	List(ctx context.Context) ([]string, error)

	// Fetch downloads one file.
	Fetch(ctx context.Context, name string) (io.ReadCloser, error)

	// Close tears the connection down.
	Close() error
}

// DialFunc opens a FileStore on the given printer.
type DialFunc func(ctx context.Context, printerIP, accessCode string) (FileStore, error)

// Client caches estimates per job key, with at most one fetch in flight per
// key.
type Client struct {
	dial  DialFunc
	cache *gocache.Cache
	group singleflight.Group

	fetchSuccess metrics2.Counter
	fetchFailure metrics2.Counter
}

// NewClient returns a Client that dials printers with the given DialFunc.
func NewClient(dial DialFunc, ttl time.Duration) *Client {
	return &Client{
		dial:         dial,
		cache:        gocache.New(ttl, 10*time.Minute),
		fetchSuccess: metrics2.GetCounter("filament_estimate_fetch", map[string]string{"result": "success"}),
		fetchFailure: metrics2.GetCounter("filament_estimate_fetch", map[string]string{"result": "failure"}),
	}
}

// GetCached returns the cached estimate for a job key, if any.
func (c *Client) GetCached(jobKey string) (Estimate, bool) {
	v, ok := c.cache.Get(jobKey)
	if !ok {
		return Estimate{}, false
	}
	return v.(Estimate), true
}

// MaybeSchedule starts a background fetch for the job unless a result is
// already cached or a fetch is already in flight. Best-effort; errors are
// cached and logged, never returned.
func (c *Client) MaybeSchedule(ctx context.Context, req Request) {
	if req.JobKey == "" {
		return
	}
	if _, ok := c.GetCached(req.JobKey); ok {
		return
	}
	go func() {
		_, _, _ = c.group.Do(req.JobKey, func() (interface{}, error) {
			if _, ok := c.GetCached(req.JobKey); ok {
				return nil, nil
			}
			est := c.fetch(ctx, req)
			c.cache.SetDefault(req.JobKey, est)
			return nil, nil
		})
	}()
}

// fetch downloads and parses the job's container, retrying transient
// failures with exponential backoff.
func (c *Client) fetch(ctx context.Context, req Request) Estimate {
	ctx, cancel := context.WithTimeout(ctx, fetchTimeout)
	defer cancel()

	var est Estimate
	boff := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 3), ctx)
	err := backoff.Retry(func() error {
		var err error
		est, err = c.fetchOnce(ctx, req)
		return err
	}, boff)
	if err != nil {
		sklog.Warningf("Estimate fetch for job %s failed: %s", req.JobKey, err)
		c.fetchFailure.Inc(1)
		return Estimate{
			Source:     store.SourceGcode3MF,
			Confidence: store.ConfidenceLow,
			Error:      err.Error(),
		}
	}
	c.fetchSuccess.Inc(1)
	return est
}

func (c *Client) fetchOnce(ctx context.Context, req Request) (Estimate, error) {
	var ret Estimate
	fs, err := c.dial(ctx, req.PrinterIP, req.AccessCode)
	if err != nil {
		return ret, skerr.Wrapf(err, "dialing printer %s", req.PrinterIP)
	}
	defer func() {
		if err := fs.Close(); err != nil {
			sklog.Debugf("Closing file store for %s: %s", req.PrinterIP, err)
		}
	}()

	names, err := fs.List(ctx)
	if err != nil {
		return ret, skerr.Wrapf(err, "listing files on %s", req.PrinterIP)
	}
	candidate, exact := BestCandidate(names, req.SubtaskName)
	if candidate == "" {
		return ret, skerr.Fmt("no *.gcode.3mf candidate for subtask %q on %s", req.SubtaskName, req.PrinterIP)
	}

	r, err := fs.Fetch(ctx, candidate)
	if err != nil {
		return ret, skerr.Wrapf(err, "downloading %s", candidate)
	}
	defer func() {
		_ = r.Close()
	}()
	data, err := io.ReadAll(r)
	if err != nil {
		return ret, skerr.Wrapf(err, "reading %s", candidate)
	}

	ret, err = Parse3MF(data, req.GcodeFileHint)
	if err != nil {
		return ret, skerr.Wrapf(err, "parsing %s", candidate)
	}
	ret.Source = store.SourceGcode3MF
	if exact {
		ret.Confidence = store.ConfidenceHigh
	} else {
		ret.Confidence = store.ConfidenceMedium
	}
	return ret, nil
}

// ftpsStore adapts a jlaffaye/ftp connection to FileStore.
type ftpsStore struct {
	conn *ftp.ServerConn
}

func (f *ftpsStore) List(ctx context.Context) ([]string, error) {
	entries, err := f.conn.List("/")
	if err != nil {
		return nil, skerr.Wrap(err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.Type == ftp.EntryTypeFile {
			names = append(names, e.Name)
		}
	}
	return names, nil
}

func (f *ftpsStore) Fetch(ctx context.Context, name string) (io.ReadCloser, error) {
	resp, err := f.conn.Retr(name)
	if err != nil {
		return nil, skerr.Wrap(err)
	}
	return resp, nil
}

func (f *ftpsStore) Close() error {
	return f.conn.Quit()
}

// DialFTPS returns the production DialFunc: implicit-TLS FTP on the
// printer's fixed port, authenticated with the LAN access code. Printers
// use self-signed certificates, hence the insecure option.
func DialFTPS(allowInsecureTLS bool) DialFunc {
	return func(ctx context.Context, printerIP, accessCode string) (FileStore, error) {
		conn, err := ftp.Dial(
			printerIP+":"+ftpsPort,
			ftp.DialWithContext(ctx),
			ftp.DialWithTLS(&tls.Config{
				InsecureSkipVerify: allowInsecureTLS,
			}),
			ftp.DialWithTimeout(30*time.Second),
		)
		if err != nil {
			return nil, skerr.Wrap(err)
		}
		if err := conn.Login(ftpUser, accessCode); err != nil {
			_ = conn.Quit()
			return nil, skerr.Wrapf(err, "logging in to %s", printerIP)
		}
		return &ftpsStore{conn: conn}, nil
	}
}
