package pystemon

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

// Pastie carries one paste's identity, URLs, content, matches and metadata,
// and orchestrates its own fetch -> hash -> match -> save -> alert pipeline.
//
// Grounded on pystemon/pastie.py's Pastie.
type Pastie struct {
	Site *Site

	ID          string
	URL         string
	PublicURL   string
	MetadataURL string
	Filename    string // base name, "/" replaced by "_"; storage/file.go appends ".gz" when its own Compress is set

	Content  []byte
	Metadata []byte
	MD5      string

	Matches []*Pattern
	Matched bool

	FetchStart time.Time
	FetchEnd   time.Time
}

// NewPastie builds a Pastie from a site and a newly discovered id,
// expanding the site's URL templates.
func NewPastie(site *Site, id string) *Pastie {
	p := &Pastie{
		Site:      site,
		ID:        id,
		URL:       expandTemplate(site.DownloadURLTemplate, id),
		PublicURL: expandTemplate(site.PublicURLTemplate, id),
		Filename:  strings.ReplaceAll(id, "/", "_"),
	}
	if site.MetadataURLTemplate != "" {
		p.MetadataURL = expandTemplate(site.MetadataURLTemplate, id)
	}
	return p
}

func expandTemplate(tmpl, id string) string {
	return strings.ReplaceAll(tmpl, "{id}", id)
}

// MatchesToText renders the matched pattern labels joined by ", ", for
// storage backends that persist a flat summary (e.g. SQLite's matches
// column).
func (p *Pastie) MatchesToText() string {
	labels := make([]string, 0, len(p.Matches))
	for _, m := range p.Matches {
		labels = append(labels, m.Label())
	}
	return strings.Join(labels, ", ")
}

// Process runs the full fetch/hash/match/save/alert pipeline for this
// pastie. Each stage is isolated: a save failure never prevents alerting, a
// match failure aborts the pastie entirely (there is nothing meaningful to
// save or alert on).
//
// Grounded on pystemon/pastie.py's fetch_and_process_pastie.
func (p *Pastie) Process(ctx context.Context, ua *UserAgent, dispatcher *StorageDispatcher, notifier Notifier, extractor Extractor) {
	logger := log.With().Str("site", p.Site.Name).Str("id", p.ID).Logger()

	p.FetchStart = time.Now()
	if err := p.fetch(ctx, ua, extractor); err != nil {
		logger.Error().Err(err).Msg("failed to fetch pastie")
		return
	}
	p.FetchEnd = time.Now()
	if GlobalMetrics != nil {
		GlobalMetrics.FetchDuration.WithLabelValues(p.Site.Name).Observe(p.FetchEnd.Sub(p.FetchStart).Seconds())
	}

	if len(p.Content) == 0 {
		logger.Debug().Msg("pastie missing or empty, skipping")
		return
	}

	sum := md5.Sum(p.Content)
	p.MD5 = hex.EncodeToString(sum[:])

	matched := p.Site.Patterns.Match(p.Content)
	p.Matches = matched
	p.Matched = len(matched) > 0
	if GlobalMetrics != nil {
		GlobalMetrics.PastiesTotal.WithLabelValues(p.Site.Name, strconv.FormatBool(p.Matched)).Inc()
	}

	if dispatcher != nil {
		if err := dispatcher.Save(ctx, p); err != nil {
			logger.Error().Err(err).Msg("failed to save pastie")
		}
	}

	if p.Matched {
		logger.Info().Int("matches", len(p.Matches)).Msg("pastie matched")
		if notifier != nil {
			if err := notifier.Send(ctx, p); err != nil {
				logger.Error().Err(err).Msg("failed to send notification")
			}
		}
	} else {
		logger.Debug().Msg("pastie did not match")
	}
}

func (p *Pastie) fetch(ctx context.Context, ua *UserAgent, extractor Extractor) error {
	if extractor != nil {
		return extractor.Fetch(ctx, p, ua)
	}

	if p.MetadataURL != "" {
		meta, err := ua.Get(ctx, p.MetadataURL)
		if err != nil {
			log.Warn().Err(err).Str("url", p.MetadataURL).Msg("failed to fetch pastie metadata")
		} else {
			p.Metadata = meta
		}
	}

	content, err := ua.Get(ctx, p.URL)
	if err != nil {
		return err
	}
	p.Content = content
	return nil
}
