package dkg

import (
	"fmt"
	"path/filepath"

	"github.com/drand/kyber"
	"github.com/drand/kyber/share"
	bolt "go.etcd.io/bbolt"

	"github.com/sectionmesh/sectiond/common/bls"
	"github.com/sectionmesh/sectiond/common/section"
	"github.com/sectionmesh/sectiond/common/wire"
	"github.com/sectionmesh/sectiond/common/xor"
)

// BoltFileName is the database file a Store keeps alongside the rest of a
// node's persisted state.
const BoltFileName = "dkg.db"

var completedBucket = []byte("dkg_completed")

// Store persists every DKG round this node has ever completed, keyed by
// session id, so a restart doesn't lose a section key share (§4.5, §4.6).
type Store interface {
	Save(id SessionID, outcome *Outcome) error
	Load(id SessionID) (*Outcome, bool, error)
	Close() error
}

type boltStore struct {
	scheme *bls.Scheme
	db     *bolt.DB
}

// NewBoltStore opens (creating if needed) a bbolt-backed Store under folder.
func NewBoltStore(scheme *bls.Scheme, folder string) (Store, error) {
	db, err := bolt.Open(filepath.Join(folder, BoltFileName), 0o660, nil)
	if err != nil {
		return nil, fmt.Errorf("dkg: open store: %w", err)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(completedBucket)
		return err
	}); err != nil {
		return nil, fmt.Errorf("dkg: init store: %w", err)
	}
	return &boltStore{scheme: scheme, db: db}, nil
}

// outcomeDTO is Outcome flattened into msgpack-friendly fields: kyber
// points/scalars carry no msgpack tags of their own, so they cross the
// wire as their marshaled bytes, the same convention common/wire uses for
// every signed value.
type outcomeDTO struct {
	Elders     map[string]string `msgpack:"elders"` // xor.Name hex -> addr
	Commits    [][]byte          `msgpack:"commits"`
	ShareIndex int               `msgpack:"share_index"`
	ShareV     []byte            `msgpack:"share_v"`
}

func (s *boltStore) Save(id SessionID, outcome *Outcome) error {
	dto, err := toDTO(outcome)
	if err != nil {
		return err
	}
	buf, err := wire.EncodePayload(dto)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(completedBucket).Put([]byte(id.String()), buf)
	})
}

func (s *boltStore) Load(id SessionID) (*Outcome, bool, error) {
	var buf []byte
	if err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(completedBucket).Get([]byte(id.String()))
		if v != nil {
			buf = append([]byte(nil), v...)
		}
		return nil
	}); err != nil {
		return nil, false, err
	}
	if buf == nil {
		return nil, false, nil
	}
	var dto outcomeDTO
	if err := wire.DecodePayload(buf, &dto); err != nil {
		return nil, false, err
	}
	outcome, err := fromDTO(s.scheme, id, dto)
	if err != nil {
		return nil, false, err
	}
	return outcome, true, nil
}

func (s *boltStore) Close() error {
	return s.db.Close()
}

func toDTO(outcome *Outcome) (outcomeDTO, error) {
	dto := outcomeDTO{
		Elders:     make(map[string]string, len(outcome.Elders)),
		Commits:    make([][]byte, len(outcome.PublicKeySet.Commits)),
		ShareIndex: outcome.ShareIndex,
	}
	for name, addr := range outcome.Elders {
		dto.Elders[name.String()] = addr
	}
	for i, c := range outcome.PublicKeySet.Commits {
		b, err := c.MarshalBinary()
		if err != nil {
			return outcomeDTO{}, fmt.Errorf("dkg: marshal commit: %w", err)
		}
		dto.Commits[i] = b
	}
	v, err := outcome.PrivateShare.V.MarshalBinary()
	if err != nil {
		return outcomeDTO{}, fmt.Errorf("dkg: marshal share: %w", err)
	}
	dto.ShareV = v
	return dto, nil
}

func fromDTO(scheme *bls.Scheme, id SessionID, dto outcomeDTO) (*Outcome, error) {
	elders := make(map[xor.Name]string, len(dto.Elders))
	for nameStr, addr := range dto.Elders {
		name, err := xor.ParseName(nameStr)
		if err != nil {
			return nil, fmt.Errorf("dkg: parse elder name: %w", err)
		}
		elders[name] = addr
	}

	commits := make([]kyber.Point, len(dto.Commits))
	for i, b := range dto.Commits {
		p := scheme.KeyGroup.Point()
		if err := p.UnmarshalBinary(b); err != nil {
			return nil, fmt.Errorf("dkg: unmarshal commit: %w", err)
		}
		commits[i] = p
	}

	v := scheme.KeyGroup.Scalar()
	if err := v.UnmarshalBinary(dto.ShareV); err != nil {
		return nil, fmt.Errorf("dkg: unmarshal share: %w", err)
	}

	return &Outcome{
		Session:      id,
		Elders:       elders,
		PublicKeySet: section.NewPublicKeySet(scheme.KeyGroup, commits),
		ShareIndex:   dto.ShareIndex,
		PrivateShare: &share.PriShare{I: dto.ShareIndex, V: v},
	}, nil
}
