// Package store persists the peer directory in SQLite.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/multiformats/go-multiaddr"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var ErrUnknownPeer = errors.New("unknown peer")

// Open opens (creating if needed) the database at path and migrates it.
// ":memory:" gives a private in-memory database.
func Open(path string) (*gorm.DB, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		PrepareStmt: true,
		Logger:      logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	// One connection keeps ":memory:" a single database and serialises writers.
	sqlDB.SetMaxOpenConns(1)

	if err := db.Exec("PRAGMA foreign_keys = ON").Error; err != nil {
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}
	if err := db.AutoMigrate(&Peer{}, &PeerAddress{}); err != nil {
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	return db, nil
}

func byID(db *gorm.DB) *gorm.DB {
	return db.Order("id")
}

type PeerStore struct {
	DB  *gorm.DB
	now func() time.Time
}

func NewPeerStore(db *gorm.DB) *PeerStore {
	return &PeerStore{DB: db, now: time.Now}
}

// Remember records peerID as seen now along with any new addresses. Addresses
// must parse as multiaddrs.
func (ps *PeerStore) Remember(ctx context.Context, peerID string, addrs []string) error {
	canonical := make([]string, 0, len(addrs))
	for _, a := range addrs {
		ma, err := multiaddr.NewMultiaddr(a)
		if err != nil {
			return fmt.Errorf("invalid address %q: %w", a, err)
		}
		canonical = append(canonical, ma.String())
	}

	return ps.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		peer := Peer{}
		err := tx.First(&peer, "peer_id = ?", peerID).Error
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			peer = Peer{PeerID: peerID, LastSeen: ps.now().Unix()}
			if err := tx.Create(&peer).Error; err != nil {
				return err
			}
		case err != nil:
			return err
		default:
			if err := tx.Model(&peer).Update("last_seen", ps.now().Unix()).Error; err != nil {
				return err
			}
		}

		for _, a := range canonical {
			row := PeerAddress{}
			if err := tx.Where(PeerAddress{PeerID: peer.ID, Multiaddr: a}).FirstOrCreate(&row).Error; err != nil {
				return err
			}
		}
		return nil
	})
}

func (ps *PeerStore) Addresses(ctx context.Context, peerID string) ([]string, error) {
	peer := Peer{}
	err := ps.DB.WithContext(ctx).Preload("Addresses", byID).First(&peer, "peer_id = ?", peerID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrUnknownPeer, peerID)
	}
	if err != nil {
		return nil, err
	}

	addrs := make([]string, 0, len(peer.Addresses))
	for _, a := range peer.Addresses {
		addrs = append(addrs, a.Multiaddr)
	}
	return addrs, nil
}

// List returns every known peer, most recently seen first.
func (ps *PeerStore) List(ctx context.Context) ([]Peer, error) {
	peers := []Peer{}
	err := ps.DB.WithContext(ctx).Preload("Addresses", byID).Order("last_seen DESC").Order("id").Find(&peers).Error
	return peers, err
}

func (ps *PeerStore) Forget(ctx context.Context, peerID string) error {
	return ps.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		peer := Peer{}
		if err := tx.First(&peer, "peer_id = ?", peerID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return fmt.Errorf("%w: %s", ErrUnknownPeer, peerID)
			}
			return err
		}
		if err := tx.Where("peer_id = ?", peer.ID).Delete(&PeerAddress{}).Error; err != nil {
			return err
		}
		return tx.Delete(&peer).Error
	})
}
