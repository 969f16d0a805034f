// Package firmwarerepo is responsible for providing the firmware images the
// distribution point currently designates as latest: one image per device
// role, downloaded, decompressed if needed, digest-verified and cached on
// disk.
package firmwarerepo

import (
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"
)

const (
	// DefaultBaseURL is the production firmware distribution point.
	DefaultBaseURL = "https://firmware.biscuitshop.us/Biscuit_V1/Prod/"

	// DefaultUserAgent identifies this tool to the distribution point.
	DefaultUserAgent = "BiscuitFlashUtility/1.0"

	// DefaultRetries is how many times a transient manifest/download
	// failure is retried (with exponential backoff) before giving up.
	DefaultRetries = 3

	manifestFilename = "manifest.json"
)

type config struct {
	CacheDir   string
	UserAgent  string
	Retries    int
	Fresh      bool
	HTTPClient *http.Client
	Backoff    func(attempt int) time.Duration
}

// Option is an abstract option for the firmware repo.
type Option interface {
	apply(*config)
}

// OptionCacheDir is an Option which defines where downloaded firmware files
// are cached between runs.
type OptionCacheDir string

func (opt OptionCacheDir) apply(cfg *config) {
	cfg.CacheDir = string(opt)
}

// OptionUserAgent is an Option which defines the User-Agent header.
type OptionUserAgent string

func (opt OptionUserAgent) apply(cfg *config) {
	cfg.UserAgent = string(opt)
}

// OptionRetries is an Option which defines the retry count for transient
// network failures.
type OptionRetries int

func (opt OptionRetries) apply(cfg *config) {
	cfg.Retries = int(opt)
}

// OptionFresh is an Option which wipes the on-disk cache before fetching,
// forcing a re-download of everything.
type OptionFresh bool

func (opt OptionFresh) apply(cfg *config) {
	cfg.Fresh = bool(opt)
}

// OptionHTTPClient is an Option which overrides the HTTP client.
type OptionHTTPClient struct{ Client *http.Client }

func (opt OptionHTTPClient) apply(cfg *config) {
	cfg.HTTPClient = opt.Client
}

// OptionBackoffFunc is an Option which overrides the retry backoff schedule
// (used by tests to avoid sleeping).
type OptionBackoffFunc func(attempt int) time.Duration

func (opt OptionBackoffFunc) apply(cfg *config) {
	cfg.Backoff = opt
}

func getConfig(opts ...Option) config {
	cfg := config{
		CacheDir:   filepath.Join(os.TempDir(), "biscuit_firmware"),
		UserAgent:  DefaultUserAgent,
		Retries:    DefaultRetries,
		HTTPClient: http.DefaultClient,
		Backoff: func(attempt int) time.Duration {
			return time.Duration(1<<uint(attempt)) * time.Second
		},
	}
	for _, opt := range opts {
		opt.apply(&cfg)
	}
	return cfg
}

// Repo downloads firmware images from a distribution point.
type Repo struct {
	baseURL string
	Config  config

	fetchJobsMutex sync.Mutex
	fetchJobs      map[string]*fetchJob
}

// New returns an instance of Repo for the given base URL (the manifest and
// all image files are expected directly under it).
func New(baseURL string, opts ...Option) *Repo {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return &Repo{
		baseURL:   baseURL,
		Config:    getConfig(opts...),
		fetchJobs: map[string]*fetchJob{},
	}
}
