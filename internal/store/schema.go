package store

// Peer is a remote node seen at least once.
type Peer struct {
	ID        uint          `gorm:"primaryKey"`
	PeerID    string        `gorm:"uniqueIndex;not null"`
	LastSeen  int64         `gorm:"index"`
	Addresses []PeerAddress `gorm:"foreignKey:PeerID;constraint:OnDelete:CASCADE"`
}

type PeerAddress struct {
	ID        uint   `gorm:"primaryKey"`
	PeerID    uint   `gorm:"not null;uniqueIndex:idx_peer_addr"`
	Multiaddr string `gorm:"not null;uniqueIndex:idx_peer_addr"`
}
