package pystemon

import (
	"context"
	"math/rand"
	"regexp"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const seenRingSize = 1000

func defaultRegexpCompile(pattern string) (*regexp.Regexp, error) {
	return regexp.Compile(pattern)
}

// Site holds the static configuration and mutable poller state for one
// monitored paste site.
//
// Grounded on pystemon/pastiesite.py's PastieSite and pystemon/config.py's
// SiteConfig (for the fields that must survive config reload).
type Site struct {
	Name                string
	DownloadURLTemplate string
	ArchiveURL          string
	ArchiveRegex        *regexp.Regexp
	PublicURLTemplate   string
	MetadataURLTemplate string
	UpdateMin           int // seconds
	UpdateMax           int // seconds
	ThrottlingMillis    int
	ExtractorName       string

	Patterns *PatternSet
	Queue    chan *Pastie

	// SeenRing is a bounded insertion-order cache of the most recently
	// observed paste ids for this site, giving O(1) membership checks
	// without a per-site lock in the poller (only the poller touches it).
	SeenRing *lru.Cache

	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// NewSite constructs a Site with a fresh queue and seen-ring. queueSize
// bounds the per-site pending-pastie queue.
func NewSite(name string, queueSize int) (*Site, error) {
	ring, err := lru.New(seenRingSize)
	if err != nil {
		return nil, err
	}
	return &Site{
		Name:     name,
		Queue:    make(chan *Pastie, queueSize),
		SeenRing: ring,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}, nil
}

// IdentityKey returns the tuple the supervisor uses to decide whether a
// site's Queue/SeenRing should survive a config reload unchanged.
//
// Grounded on pystemon/config.py's SiteConfig.__eq__.
func (s *Site) IdentityKey() string {
	return s.Name + "|" + s.DownloadURLTemplate + "|" + s.ArchiveURL + "|" + s.ExtractorName
}

// Seen checks the in-memory ring first, then the storage dispatcher. A miss
// in both records the id in the ring -- recording happens only after the
// lookup confirms novelty, so a reload that preserves the ring cannot
// double-enqueue the same id.
//
// Grounded on pystemon/pastiesite.py's seen_pastie/seen_pastie_and_remember,
// resolving the ambiguity in favor of "record only after
// confirmed novel".
func (s *Site) Seen(ctx context.Context, id string, dispatcher *StorageDispatcher) bool {
	if s.SeenRing.Contains(id) {
		return true
	}
	if dispatcher != nil {
		if seen, err := dispatcher.Seen(ctx, s.Name, id); err != nil {
			log.Error().Err(err).Str("site", s.Name).Str("id", id).Msg("seen lookup failed, assuming unseen")
		} else if seen {
			s.SeenRing.Add(id, true)
			return true
		}
	}
	s.SeenRing.Add(id, false)
	return false
}

// Poll runs the archive-polling loop: download
// the archive page, extract candidate ids, enqueue unseen ones, then sleep
// a uniform random duration in [UpdateMin, UpdateMax] before repeating.
func (s *Site) Poll(ctx context.Context, ua *UserAgent, dispatcher *StorageDispatcher) {
	defer close(s.doneCh)
	logger := log.With().Str("site", s.Name).Logger()
	logger.Info().Msg("starting archive poller")

	for {
		select {
		case <-s.stopCh:
			logger.Info().Msg("archive poller stopped")
			return
		default:
		}

		s.pollOnce(ctx, ua, dispatcher, logger)

		sleepSecs := s.UpdateMin
		if s.UpdateMax > s.UpdateMin {
			sleepSecs += rand.Intn(s.UpdateMax - s.UpdateMin + 1)
		}

		select {
		case <-s.stopCh:
			logger.Info().Msg("archive poller stopped")
			return
		case <-time.After(time.Duration(sleepSecs) * time.Second):
		}
	}
}

func (s *Site) pollOnce(ctx context.Context, ua *UserAgent, dispatcher *StorageDispatcher, logger zerolog.Logger) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error().Interface("panic", r).Msg("archive poller crashed, resuming after sleep interval")
		}
	}()

	body, err := ua.Get(ctx, s.ArchiveURL)
	if err != nil {
		logger.Error().Err(err).Msg("failed to fetch archive page")
		return
	}

	ids := s.ArchiveRegex.FindAllString(string(body), -1)
	enqueued := 0
	for _, id := range ids {
		if s.Seen(ctx, id, dispatcher) {
			continue
		}
		p := NewPastie(s, id)
		select {
		case s.Queue <- p:
			enqueued++
		default:
			logger.Error().Str("id", id).Msg("site queue full, dropping discovered pastie")
		}
	}
	if enqueued > 0 {
		logger.Debug().Int("count", enqueued).Msg("enqueued new pasties")
	}
}

// Stop signals the poller to exit and waits for it to do so.
func (s *Site) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
	<-s.doneCh
}
