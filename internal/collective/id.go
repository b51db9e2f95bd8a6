package collective

import (
	"fmt"
	"net"
	"sync"

	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"
)

// UniqueID names one communicator world. It is created once by rank 0 and
// must reach every other rank unchanged before they join.
type UniqueID struct {
	Session uuid.UUID `cbor:"session"`
	Root    string    `cbor:"root"`
}

// roots holds the bootstrap listeners opened by NewUniqueID until rank 0
// builds its communicator on them.
var roots sync.Map // uuid.UUID -> net.Listener

// NewUniqueID opens the bootstrap endpoint on host and returns an identifier
// that points at it. Only the process that created the identifier can act as
// rank 0 for it.
func NewUniqueID(host string) (UniqueID, error) {
	lis, err := net.Listen("tcp", net.JoinHostPort(host, "0"))
	if err != nil {
		return UniqueID{}, fmt.Errorf("collective: open bootstrap listener: %w", err)
	}
	port := lis.Addr().(*net.TCPAddr).Port
	id := UniqueID{
		Session: uuid.New(),
		Root:    net.JoinHostPort(host, fmt.Sprint(port)),
	}
	roots.Store(id.Session, lis)
	return id, nil
}

// Discard closes the bootstrap listener of an identifier that will never be
// used to build a communicator. It is a no-op on other ranks.
func (id UniqueID) Discard() {
	if lis, ok := roots.LoadAndDelete(id.Session); ok {
		_ = lis.(net.Listener).Close()
	}
}

func takeRoot(session uuid.UUID) (net.Listener, bool) {
	lis, ok := roots.LoadAndDelete(session)
	if !ok {
		return nil, false
	}
	return lis.(net.Listener), true
}

func (id UniqueID) Validate() error {
	if id.Session == uuid.Nil {
		return fmt.Errorf("%w: empty session", ErrInvalidID)
	}
	if _, _, err := net.SplitHostPort(id.Root); err != nil {
		return fmt.Errorf("%w: root address %q: %v", ErrInvalidID, id.Root, err)
	}
	return nil
}

func (id UniqueID) String() string {
	return id.Session.String() + "@" + id.Root
}

// Encode serializes the identifier for broadcast.
func (id UniqueID) Encode() ([]byte, error) {
	return cbor.Marshal(id)
}

func DecodeUniqueID(b []byte) (UniqueID, error) {
	var id UniqueID
	if err := cbor.Unmarshal(b, &id); err != nil {
		return UniqueID{}, fmt.Errorf("%w: %v", ErrInvalidID, err)
	}
	if err := id.Validate(); err != nil {
		return UniqueID{}, err
	}
	return id, nil
}
