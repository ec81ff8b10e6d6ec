package storage

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/cvandeplas/pystemon"
)

// MongoProfile selects which fields are persisted for a pastie, mirroring
// the save-profile flags of pystemon/storage/mongostorage.py.
type MongoProfile struct {
	ContentOnMiss bool
	Timestamp     bool
	URL           bool
	Site          bool
	ID            bool
	Matched       bool
	Filename      bool
}

// MongoConfig configures MongoStorage.
type MongoConfig struct {
	Name       string
	URI        string
	Database   string
	Collection string
	Profile    MongoProfile
	Lookup     bool
}

// MongoStorage persists pasties as documents. Seen keys on (site,id) when
// both are retained by the profile. When only url is retained, lookup stays
// enabled but Seen always reports false; when neither is retained, the
// backend disables lookup.
//
// Grounded on pystemon/storage/mongostorage.py's MongoStorage.
type MongoStorage struct {
	name    string
	coll    *mongo.Collection
	profile MongoProfile
	lookup  bool
}

// NewMongoStorage dials uri and returns a ready MongoStorage.
func NewMongoStorage(ctx context.Context, cfg MongoConfig) (*MongoStorage, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.URI))
	if err != nil {
		return nil, fmt.Errorf("mongostorage: connect: %w", err)
	}

	lookup := cfg.Lookup
	canLookup := (cfg.Profile.Site && cfg.Profile.ID) || cfg.Profile.URL
	if lookup && !canLookup {
		lookup = false
	}

	return &MongoStorage{
		name:    cfg.Name,
		coll:    client.Database(cfg.Database).Collection(cfg.Collection),
		profile: cfg.Profile,
		lookup:  lookup,
	}, nil
}

func (m *MongoStorage) Name() string { return m.name }
func (m *MongoStorage) Lookup() bool { return m.lookup }

func (m *MongoStorage) Save(ctx context.Context, p *pystemon.Pastie) error {
	doc := bson.M{}
	if m.profile.Site {
		doc["site"] = p.Site.Name
	}
	if m.profile.ID {
		doc["id"] = p.ID
	}
	if m.profile.URL {
		doc["url"] = p.URL
	}
	if m.profile.Timestamp {
		doc["timestamp"] = time.Now()
	}
	if m.profile.Matched {
		doc["matched"] = p.Matched
	}
	if m.profile.Filename {
		doc["filename"] = p.Filename
	}
	if m.profile.ContentOnMiss && !p.Matched {
		doc["content"] = p.Content
	}
	doc["matches"] = p.MatchesToText()

	_, err := m.coll.InsertOne(ctx, doc)
	return err
}

func (m *MongoStorage) Seen(ctx context.Context, site, id string) (bool, error) {
	if !m.lookup {
		return false, nil
	}
	var filter bson.M
	if m.profile.Site && m.profile.ID {
		filter = bson.M{"site": site, "id": id}
	} else {
		// URL-keyed lookup requires the full url, which the caller does not
		// pass to Seen; no url-based lookup is made.
		return false, nil
	}
	count, err := m.coll.CountDocuments(ctx, filter)
	if err != nil {
		return false, err
	}
	return count > 0, nil
}
