// Package engine defines the transfer engine that moves content bytes between peers. The
// orchestrator drives sessions through this contract and only observes their lifecycle.
package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/anacrolix/torrent/metainfo"

	"github.com/anacrolix/swarmcache/descriptor"
)

type Engine interface {
	// CreateDescriptor builds a descriptor for the content at path. Identical content yields
	// identical descriptors.
	CreateDescriptor(path string) (*descriptor.Descriptor, error)
	// Register starts a session. The session is dropped when ctx is done, or when the returned
	// Handle is dropped.
	Register(ctx context.Context, opts RegisterOpts) (Handle, error)
	Close() error
}

type Mode int

const (
	Seed Mode = iota
	Leech
)

func (m Mode) String() string {
	switch m {
	case Seed:
		return "seed"
	case Leech:
		return "leech"
	default:
		return fmt.Sprintf("Mode(%d)", int(m))
	}
}

type RegisterOpts struct {
	Descriptor *descriptor.Descriptor
	// The content is at SaveDir/<descriptor name>.
	SaveDir string
	Mode    Mode
	// Opaque state from a previous Handle.ResumeData for the same content.
	Resume []byte
	// Receives the session's events in order. Must not block.
	Observer Observer
}

type Handle interface {
	InfoHash() metainfo.Hash
	State() State
	Stats() Stats
	// ResumeData captures piece verification state for a later RegisterOpts.Resume.
	ResumeData() ([]byte, error)
	// Drop stops the session. Safe to call more than once.
	Drop()
}

type Stats struct {
	BytesDownloadedData     int64
	BytesUploadedData       int64
	BytesDownloadedProtocol int64
	BytesUploadedProtocol   int64
	OpenConnections         int
	// Pieces verified by hashing, as opposed to trusted from resume data.
	PiecesHashed   int
	PiecesComplete int
	NumPieces      int
}

type State int

const (
	Stopped State = iota
	Hashing
	Downloading
	Seeding
)

func (s State) String() string {
	switch s {
	case Stopped:
		return "stopped"
	case Hashing:
		return "hashing"
	case Downloading:
		return "downloading"
	case Seeding:
		return "seeding"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

type EventKind int

const (
	StateChanged EventKind = iota
	PeerConnected
	PeerDisconnected
	PeersFound
	AnnounceComplete
	AnnounceStateChanged
)

func (k EventKind) String() string {
	switch k {
	case StateChanged:
		return "state changed"
	case PeerConnected:
		return "peer connected"
	case PeerDisconnected:
		return "peer disconnected"
	case PeersFound:
		return "peers found"
	case AnnounceComplete:
		return "announce complete"
	case AnnounceStateChanged:
		return "announce state changed"
	default:
		return fmt.Sprintf("EventKind(%d)", int(k))
	}
}

// Event is a session lifecycle notification. Fields beyond Kind, InfoHash and Time are set per
// Kind.
type Event struct {
	Kind     EventKind
	InfoHash metainfo.Hash
	Time     time.Time

	// StateChanged.
	Old, New State
	// PeerConnected and PeerDisconnected.
	OpenConnections int
	// PeersFound.
	NewPeers, ExistingPeers int
	// Announce events. Err is set for failed announces.
	URL string
	Err error
}

func (e Event) String() string {
	switch e.Kind {
	case StateChanged:
		return fmt.Sprintf("%v: %v -> %v", e.InfoHash, e.Old, e.New)
	case PeerConnected, PeerDisconnected:
		return fmt.Sprintf("%v: %v (%v open)", e.InfoHash, e.Kind, e.OpenConnections)
	case PeersFound:
		return fmt.Sprintf("%v: %v new peers, %v existing", e.InfoHash, e.NewPeers, e.ExistingPeers)
	case AnnounceComplete, AnnounceStateChanged:
		if e.Err != nil {
			return fmt.Sprintf("%v: %v %q: %v", e.InfoHash, e.Kind, e.URL, e.Err)
		}
		return fmt.Sprintf("%v: %v %q", e.InfoHash, e.Kind, e.URL)
	default:
		return fmt.Sprintf("%v: %v", e.InfoHash, e.Kind)
	}
}

type Observer interface {
	OnEvent(Event)
}

type ObserverFunc func(Event)

func (f ObserverFunc) OnEvent(e Event) { f(e) }

// Observers fans events out to each element in order.
type Observers []Observer

func (me Observers) OnEvent(e Event) {
	for _, o := range me {
		o.OnEvent(e)
	}
}
