package config

import (
	"cmp"
	"errors"
	"fmt"
	"io"

	"github.com/andrej220/fleetbridge/pkg/config/configstore"
	"github.com/andrej220/fleetbridge/pkg/config/filestore"
	"github.com/andrej220/fleetbridge/pkg/config/mongostore"
)

const (
	DefaultDatabase   = "fleetbridge"
	DefaultCollection = "config"
	DefaultDocumentID = "fleet"
)

var ErrNoSource = errors.New("no configuration source given")

// Source says where the fleet configuration lives. A MongoDB URI wins over
// a file path.
type Source struct {
	Path string `yaml:"path" json:"path"`

	MongoURI   string `yaml:"mongo_uri" json:"mongo_uri"`
	Database   string `yaml:"database" json:"database"`
	Collection string `yaml:"collection" json:"collection"`
	DocumentID string `yaml:"document_id" json:"document_id"`
}

// OpenStore returns the store for src. Unset MongoDB names fall back to the
// Default* constants.
func OpenStore(src Source) (configstore.ConfigStore, error) {
	switch {
	case src.MongoURI != "":
		store, err := mongostore.New(mongostore.Options{
			URI:        src.MongoURI,
			Database:   cmp.Or(src.Database, DefaultDatabase),
			Collection: cmp.Or(src.Collection, DefaultCollection),
			DocumentID: cmp.Or(src.DocumentID, DefaultDocumentID),
		})
		if err != nil {
			return nil, err
		}
		return store, nil
	case src.Path != "":
		return filestore.New(src.Path), nil
	default:
		return nil, ErrNoSource
	}
}

// Open is OpenStore followed by LoadFleet. The store is returned so callers
// can watch or close it.
func Open(src Source) (*FleetConfig, configstore.ConfigStore, error) {
	store, err := OpenStore(src)
	if err != nil {
		return nil, nil, err
	}
	cfg, err := LoadFleet(store)
	if err != nil {
		return nil, store, err
	}
	return cfg, store, nil
}

// SaveFleet validates cfg and writes it to the store for dst, replacing
// what is there.
func SaveFleet(cfg *FleetConfig, dst Source) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	store, err := OpenStore(dst)
	if err != nil {
		return err
	}
	if c, ok := store.(io.Closer); ok {
		defer c.Close()
	}
	return store.Save(cfg)
}
