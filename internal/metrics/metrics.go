package metrics

import (
	"context"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// SessionProvider exposes live call sessions.
type SessionProvider interface {
	Len() int
	PlayingCount() int
}

// TimerProvider exposes the number of armed completion timers.
type TimerProvider interface {
	Live() int64
}

// FragmentCounter returns the number of fragment files on disk.
type FragmentCounter interface {
	Count() (int, error)
}

// CatalogCounter returns catalog sizes.
type CatalogCounter interface {
	CountStories(ctx context.Context) (int64, error)
	CountRequests(ctx context.Context) (int64, error)
}

// Collector is a prometheus.Collector that gathers storyline metrics at scrape time.
type Collector struct {
	sessions  SessionProvider
	timers    TimerProvider
	fragments FragmentCounter
	catalog   CatalogCounter
	startTime time.Time
	logger    *slog.Logger

	// Metric descriptors.
	sessionsDesc  *prometheus.Desc
	playingDesc   *prometheus.Desc
	timersDesc    *prometheus.Desc
	fragmentsDesc *prometheus.Desc
	storiesDesc   *prometheus.Desc
	requestsDesc  *prometheus.Desc
	uptimeDesc    *prometheus.Desc
}

// NewCollector creates a new metrics collector. Any provider may be nil if unavailable.
func NewCollector(
	sessions SessionProvider,
	timers TimerProvider,
	fragments FragmentCounter,
	catalog CatalogCounter,
	startTime time.Time,
	logger *slog.Logger,
) *Collector {
	return &Collector{
		sessions:  sessions,
		timers:    timers,
		fragments: fragments,
		catalog:   catalog,
		startTime: startTime,
		logger:    logger.With("subsystem", "metrics"),

		sessionsDesc: prometheus.NewDesc(
			"storyline_sessions_active",
			"Number of callers with a live session",
			nil, nil,
		),
		playingDesc: prometheus.NewDesc(
			"storyline_sessions_playing",
			"Number of sessions currently streaming a story",
			nil, nil,
		),
		timersDesc: prometheus.NewDesc(
			"storyline_completion_timers",
			"Number of armed story completion timers",
			nil, nil,
		),
		fragmentsDesc: prometheus.NewDesc(
			"storyline_fragments",
			"Number of playback fragment files on disk",
			nil, nil,
		),
		storiesDesc: prometheus.NewDesc(
			"storyline_catalog_stories",
			"Number of stories in the catalog",
			nil, nil,
		),
		requestsDesc: prometheus.NewDesc(
			"storyline_story_requests",
			"Number of saved caller story requests",
			nil, nil,
		),
		uptimeDesc: prometheus.NewDesc(
			"storyline_uptime_seconds",
			"Seconds since the storyline process started",
			nil, nil,
		),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.sessionsDesc
	ch <- c.playingDesc
	ch <- c.timersDesc
	ch <- c.fragmentsDesc
	ch <- c.storiesDesc
	ch <- c.requestsDesc
	ch <- c.uptimeDesc
}

// Collect implements prometheus.Collector. It queries all providers at scrape time.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if c.sessions != nil {
		ch <- prometheus.MustNewConstMetric(
			c.sessionsDesc, prometheus.GaugeValue,
			float64(c.sessions.Len()),
		)
		ch <- prometheus.MustNewConstMetric(
			c.playingDesc, prometheus.GaugeValue,
			float64(c.sessions.PlayingCount()),
		)
	}

	if c.timers != nil {
		ch <- prometheus.MustNewConstMetric(
			c.timersDesc, prometheus.GaugeValue,
			float64(c.timers.Live()),
		)
	}

	if c.fragments != nil {
		count, err := c.fragments.Count()
		if err != nil {
			c.logger.Error("failed to count fragments", "error", err)
		} else {
			ch <- prometheus.MustNewConstMetric(
				c.fragmentsDesc, prometheus.GaugeValue,
				float64(count),
			)
		}
	}

	if c.catalog != nil {
		stories, err := c.catalog.CountStories(ctx)
		if err != nil {
			c.logger.Error("failed to count stories", "error", err)
		} else {
			ch <- prometheus.MustNewConstMetric(
				c.storiesDesc, prometheus.GaugeValue,
				float64(stories),
			)
		}

		requests, err := c.catalog.CountRequests(ctx)
		if err != nil {
			c.logger.Error("failed to count story requests", "error", err)
		} else {
			ch <- prometheus.MustNewConstMetric(
				c.requestsDesc, prometheus.GaugeValue,
				float64(requests),
			)
		}
	}

	// Uptime.
	ch <- prometheus.MustNewConstMetric(
		c.uptimeDesc, prometheus.GaugeValue,
		time.Since(c.startTime).Seconds(),
	)
}
