package group

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"go.etcd.io/bbolt"
	"google.golang.org/protobuf/encoding/protowire"

	"repcore/internal/wire"
)

var (
	// Bucket names
	membersBucket = []byte("members")
	groupBucket   = []byte("group")

	// Group keys
	groupNameKey      = []byte("name")
	groupUUIDKey      = []byte("uuid")
	changeVersionKey  = []byte("changeVersion")
	nodeIDSequenceKey = []byte("nodeIdSequence")
)

// ErrInvalidEdit is returned (wrapped) when a membership edit violates the group metadata rules and was not
// forced.
var ErrInvalidEdit = errors.New("invalid group edit")

// ErrUnknownMember is returned when an edit names a member that is not recorded.
var ErrUnknownMember = errors.New("unknown group member")

// Store is the bbolt-backed group metadata store. It holds the member records, the group change version
// (bumped on every edit) and the node id sequence used to allocate ids for new members.
type Store struct {
	mu   sync.Mutex
	conn *bbolt.DB
}

// OpenStore opens (or creates) the group metadata database at path. A new database is initialised with the
// given group name and a fresh group UUID.
func OpenStore(path, groupName string) (*Store, error) {
	db, err := bbolt.Open(path, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open group db: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(membersBucket); err != nil {
			return fmt.Errorf("failed to create members bucket: %w", err)
		}
		gb, err := tx.CreateBucketIfNotExists(groupBucket)
		if err != nil {
			return fmt.Errorf("failed to create group bucket: %w", err)
		}
		if gb.Get(groupUUIDKey) == nil {
			if err := gb.Put(groupNameKey, []byte(groupName)); err != nil {
				return err
			}
			if err := gb.Put(groupUUIDKey, []byte(uuid.New().String())); err != nil {
				return err
			}
		} else if existing := string(gb.Get(groupNameKey)); groupName != "" && existing != groupName {
			return fmt.Errorf("group db belongs to group %q, not %q", existing, groupName)
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &Store{conn: db}, nil
}

// View returns an immutable snapshot of the current membership.
func (s *Store) View() (*View, error) {
	var view *View
	err := s.conn.View(func(tx *bbolt.Tx) error {
		gb := tx.Bucket(groupBucket)
		members, err := readMembers(tx)
		if err != nil {
			return err
		}
		view = NewView(string(gb.Get(groupNameKey)), string(gb.Get(groupUUIDKey)),
			int64(getUint64(gb, changeVersionKey)), members)
		return nil
	})
	return view, err
}

// NodeIDSequence returns the highest node id allocated so far.
func (s *Store) NodeIDSequence() (NodeID, error) {
	var seq NodeID
	err := s.conn.View(func(tx *bbolt.Tx) error {
		seq = NodeID(getUint64(tx.Bucket(groupBucket), nodeIDSequenceKey))
		return nil
	})
	return seq, err
}

// Register adds a new member. Members with a non-transient type get the next id from the node id sequence; the
// group change version is bumped. The stored member is returned.
func (s *Store) Register(m Member) (Member, error) {
	if m.Name == "" {
		return Member{}, fmt.Errorf("%w: member name is required", ErrInvalidEdit)
	}
	if m.Priority < 0 {
		return Member{}, fmt.Errorf("%w: priority must be >= 0, got %d", ErrInvalidEdit, m.Priority)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	err := s.conn.Update(func(tx *bbolt.Tx) error {
		mb := tx.Bucket(membersBucket)
		gb := tx.Bucket(groupBucket)

		if existing := mb.Get([]byte(m.Name)); existing != nil {
			prev, err := decodeMember(existing)
			if err != nil {
				return err
			}
			if !prev.Removed {
				return fmt.Errorf("%w: member %s already exists", ErrInvalidEdit, m.Name)
			}
		}

		m.Removed = false
		if m.Type.HasTransientID() {
			m.ID = NullNodeID
		} else {
			seq := getUint64(gb, nodeIDSequenceKey) + 1
			m.ID = NodeID(seq)
			if err := putUint64(gb, nodeIDSequenceKey, seq); err != nil {
				return err
			}
		}

		if err := putUint64(gb, changeVersionKey, getUint64(gb, changeVersionKey)+1); err != nil {
			return err
		}
		return mb.Put([]byte(m.Name), encodeMember(m))
	})
	if err != nil {
		return Member{}, err
	}
	return m, nil
}

// Edit describes a change to a single member record. Nil fields are left unchanged.
type Edit struct {
	ID      *NodeID
	Name    *string
	Type    *NodeType
	Host    *string
	Port    *int
	Removed *bool
	// ChangeVersion is the group change version to record. When nil the current version plus one is used.
	ChangeVersion *int64
}

// Apply edits the member named name. Without force the edit must respect the metadata rules:
//   - a new id must be greater than the current node id sequence
//   - an explicit change version must not be lower than the current group change version
//
// Changing the type to one with transient ids always forces the id to NullNodeID.
func (s *Store) Apply(name string, e Edit, force bool) (Member, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var updated Member
	err := s.conn.Update(func(tx *bbolt.Tx) error {
		mb := tx.Bucket(membersBucket)
		gb := tx.Bucket(groupBucket)

		data := mb.Get([]byte(name))
		if data == nil {
			return fmt.Errorf("%w: %s", ErrUnknownMember, name)
		}
		m, err := decodeMember(data)
		if err != nil {
			return err
		}

		seq := NodeID(getUint64(gb, nodeIDSequenceKey))
		currentVersion := int64(getUint64(gb, changeVersionKey))

		if e.ID != nil && *e.ID != m.ID {
			if *e.ID <= seq && !force {
				return fmt.Errorf("%w: new id %d must be greater than node id sequence %d", ErrInvalidEdit, *e.ID, seq)
			}
			m.ID = *e.ID
			if m.ID > seq {
				if err := putUint64(gb, nodeIDSequenceKey, uint64(m.ID)); err != nil {
					return err
				}
			}
		}
		if e.Type != nil {
			m.Type = *e.Type
		}
		if m.Type.HasTransientID() {
			m.ID = NullNodeID
		}
		if e.Host != nil {
			m.Host = *e.Host
		}
		if e.Port != nil {
			m.Port = *e.Port
		}
		if e.Removed != nil {
			m.Removed = *e.Removed
		}

		newVersion := currentVersion + 1
		if e.ChangeVersion != nil {
			if *e.ChangeVersion < currentVersion && !force {
				return fmt.Errorf("%w: change version %d is lower than group change version %d",
					ErrInvalidEdit, *e.ChangeVersion, currentVersion)
			}
			newVersion = *e.ChangeVersion
		}

		if e.Name != nil && *e.Name != m.Name {
			if *e.Name == "" {
				return fmt.Errorf("%w: member name is required", ErrInvalidEdit)
			}
			if mb.Get([]byte(*e.Name)) != nil {
				return fmt.Errorf("%w: member %s already exists", ErrInvalidEdit, *e.Name)
			}
			if err := mb.Delete([]byte(m.Name)); err != nil {
				return err
			}
			m.Name = *e.Name
		}

		if !m.Removed && m.ID != NullNodeID {
			if err := checkUniqueID(tx, m); err != nil {
				return err
			}
		}

		if err := putUint64(gb, changeVersionKey, uint64(newVersion)); err != nil {
			return err
		}
		updated = m
		return mb.Put([]byte(m.Name), encodeMember(m))
	})
	if err != nil {
		return Member{}, err
	}
	return updated, nil
}

// Remove marks the member as removed. Removed members keep their record so their id is never reallocated.
func (s *Store) Remove(name string) error {
	removed := true
	_, err := s.Apply(name, Edit{Removed: &removed}, false)
	return err
}

// Close closes the storage connection
func (s *Store) Close() error {
	return s.conn.Close()
}

func checkUniqueID(tx *bbolt.Tx, m Member) error {
	members, err := readMembers(tx)
	if err != nil {
		return err
	}
	for _, other := range members {
		if other.Name != m.Name && !other.Removed && other.ID == m.ID {
			return fmt.Errorf("%w: id %d already used by %s", ErrInvalidEdit, m.ID, other.Name)
		}
	}
	return nil
}

func readMembers(tx *bbolt.Tx) ([]Member, error) {
	var members []Member
	err := tx.Bucket(membersBucket).ForEach(func(_, v []byte) error {
		m, err := decodeMember(v)
		if err != nil {
			return err
		}
		members = append(members, m)
		return nil
	})
	return members, err
}

const (
	memberName     protowire.Number = 1
	memberID       protowire.Number = 2
	memberType     protowire.Number = 3
	memberHost     protowire.Number = 4
	memberPort     protowire.Number = 5
	memberPriority protowire.Number = 6
	memberRemoved  protowire.Number = 7
)

func encodeMember(m Member) []byte {
	var b []byte
	b = wire.AppendString(b, memberName, m.Name)
	b = wire.AppendInt(b, memberID, int64(m.ID))
	b = wire.AppendInt(b, memberType, int64(m.Type))
	b = wire.AppendString(b, memberHost, m.Host)
	b = wire.AppendInt(b, memberPort, int64(m.Port))
	b = wire.AppendInt(b, memberPriority, int64(m.Priority))
	b = wire.AppendBool(b, memberRemoved, m.Removed)
	return b
}

func decodeMember(b []byte) (Member, error) {
	var m Member
	err := wire.Range(b, func(num protowire.Number, f wire.Field) error {
		switch num {
		case memberName:
			m.Name = f.String()
		case memberID:
			m.ID = NodeID(f.Int64())
		case memberType:
			m.Type = NodeType(f.Int())
		case memberHost:
			m.Host = f.String()
		case memberPort:
			m.Port = f.Int()
		case memberPriority:
			m.Priority = f.Int()
		case memberRemoved:
			m.Removed = f.Bool()
		}
		return nil
	})
	if err != nil {
		return Member{}, fmt.Errorf("failed to decode member record: %w", err)
	}
	return m, nil
}

func getUint64(b *bbolt.Bucket, key []byte) uint64 {
	data := b.Get(key)
	if len(data) != 8 {
		return 0
	}
	return binary.BigEndian.Uint64(data)
}

func putUint64(b *bbolt.Bucket, key []byte, v uint64) error {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, v)
	return b.Put(key, buf)
}
