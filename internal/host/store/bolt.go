package store

import (
	"bytes"
	"context"
	"encoding/binary"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"
)

const connectTimeout = 5 * time.Second

var instanceKey = []byte("instance_uuid")

// BoltStore is a Store persisting everything in a single file boltdb
// database. Unlike a short-lived CLI store the host keeps the database open
// for the process lifetime.
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens or creates the database at dbpath.
// It errors if the database schema can not be created.
func NewBoltStore(dbpath string) (*BoltStore, error) {
	db, err := bolt.Open(dbpath, 0600, &bolt.Options{Timeout: connectTimeout})
	if nil != err {
		return nil, wrapError(err, "failed connecting to database")
	}

	err = db.Update(func(tx *bolt.Tx) error {
		var err error
		for _, bucketname := range []string{"txTbl", "heightIdx", "resultTbl", "metaTbl"} {
			_, err = tx.CreateBucketIfNotExists([]byte(bucketname))
			if nil != err {
				return wrapError(err, "failed %s bucket creation", bucketname)
			}
		}
		return nil
	})
	if nil != err {
		db.Close()
		return nil, wrapError(err, "failed db initialization")
	}

	return &BoltStore{db: db}, nil
}

// Close releases the database file.
func (self *BoltStore) Close() error {
	return self.db.Close()
}

// AppendTxs implements TxStore.
func (self *BoltStore) AppendTxs(ctx context.Context, txs []TxRecord) error {
	err := self.db.Update(func(tx *bolt.Tx) error {
		sch, err := loadSchema(tx)
		if nil != err {
			return err
		}

		for _, rec := range txs {
			srztx, err := cbor.Marshal(rec)
			if nil != err {
				return wrapError(err, "failed cbor.Marshal(tx %d)", rec.Index)
			}

			txKey := byteId(rec.Index)
			err = sch.txTbl.Put(txKey, srztx)
			if nil != err {
				return wrapError(err, "failed storing tx %d", rec.Index)
			}

			err = sch.heightIdx.Put(heightKey(rec.Height, rec.Index), txKey)
			if nil != err {
				return wrapError(err, "failed updating the heightIdx bucket")
			}
		}
		return nil
	})

	return wrapError(err, "failed db.Update") // nil if err is nil
}

// TxsAt implements TxStore.
func (self *BoltStore) TxsAt(ctx context.Context, height uint64) ([]TxRecord, error) {
	var txs []TxRecord

	err := self.db.View(func(tx *bolt.Tx) error {
		sch, err := loadSchema(tx)
		if nil != err {
			return err
		}

		prefix := byteId(height)
		c := sch.heightIdx.Cursor()
		for k, v := c.Seek(prefix); nil != k && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			srztx := sch.txTbl.Get(v)
			if nil == srztx {
				continue
			}
			var rec TxRecord
			err = cbor.Unmarshal(srztx, &rec)
			if nil != err {
				return wrapError(err, "failed unmarshaling tx")
			}
			txs = append(txs, rec)
		}
		return nil
	})

	return txs, err
}

// MaxHeight implements TxStore.
func (self *BoltStore) MaxHeight(ctx context.Context) (uint64, bool, error) {
	var maxh uint64
	var found bool

	err := self.db.View(func(tx *bolt.Tx) error {
		sch, err := loadSchema(tx)
		if nil != err {
			return err
		}

		k, _ := sch.heightIdx.Cursor().Last()
		if nil != k {
			maxh = binary.BigEndian.Uint64(k)
			found = true
		}
		return nil
	})

	return maxh, found, err
}

// AppendResults implements ResultStore. All rows land in one boltdb
// transaction.
func (self *BoltStore) AppendResults(ctx context.Context, rows []TaggedResult) error {
	err := self.db.Update(func(tx *bolt.Tx) error {
		sch, err := loadSchema(tx)
		if nil != err {
			return err
		}

		for _, row := range rows {
			err = sch.resultTbl.Put(resultKey(row), row.CT)
			if nil != err {
				return wrapError(err, "failed storing result for tag %x", row.Tag)
			}
		}
		return nil
	})

	return wrapError(err, "failed db.Update") // nil if err is nil
}

// ResultsByTag implements ResultStore.
func (self *BoltStore) ResultsByTag(ctx context.Context, tag []byte) ([]SealedRow, error) {
	var rows []SealedRow

	err := self.db.View(func(tx *bolt.Tx) error {
		sch, err := loadSchema(tx)
		if nil != err {
			return err
		}

		c := sch.resultTbl.Cursor()
		for k, v := c.Seek(tag); nil != k && bytes.HasPrefix(k, tag); k, v = c.Next() {
			row, err := readResultKey(tag, k)
			if nil != err {
				return err
			}
			row.CT = append([]byte(nil), v...)
			rows = append(rows, row)
		}
		return nil
	})

	return rows, err
}

// InstanceUUID implements Store.
func (self *BoltStore) InstanceUUID(ctx context.Context) (uuid.UUID, error) {
	var id uuid.UUID

	err := self.db.Update(func(tx *bolt.Tx) error {
		sch, err := loadSchema(tx)
		if nil != err {
			return err
		}

		stored := sch.metaTbl.Get(instanceKey)
		if nil != stored {
			return id.UnmarshalBinary(stored)
		}

		id = uuid.New()
		return sch.metaTbl.Put(instanceKey, id[:])
	})

	return id, wrapError(err, "failed loading instance uuid") // nil if err is nil
}

// schema holds BoltStore buckets reference
type schema struct {
	txTbl     *bolt.Bucket
	heightIdx *bolt.Bucket
	resultTbl *bolt.Bucket
	metaTbl   *bolt.Bucket
}

func loadSchema(tx *bolt.Tx) (schema, error) {
	rv := schema{
		txTbl:     tx.Bucket([]byte("txTbl")),
		heightIdx: tx.Bucket([]byte("heightIdx")),
		resultTbl: tx.Bucket([]byte("resultTbl")),
		metaTbl:   tx.Bucket([]byte("metaTbl")),
	}
	var err error
	if nil == rv.txTbl || nil == rv.heightIdx || nil == rv.resultTbl || nil == rv.metaTbl {
		err = newError("1 or more bucket is missing")
	}

	return rv, err
}

// byteId returns 8 bytes BigEndian encoding of v
func byteId(v uint64) []byte {
	rv := make([]byte, 8)
	binary.BigEndian.PutUint64(rv, v)

	return rv
}

// heightKey keys the heightIdx bucket so that a height prefix scan yields
// ascending global indices.
func heightKey(height, index uint64) []byte {
	rv := make([]byte, 16)
	binary.BigEndian.PutUint64(rv, height)
	binary.BigEndian.PutUint64(rv[8:], index)

	return rv
}

// resultKey keys the resultTbl bucket as tag || height || uuid so that a tag
// prefix scan yields ascending heights.
func resultKey(row TaggedResult) []byte {
	rv := make([]byte, 0, len(row.Tag)+8+16)
	rv = append(rv, row.Tag...)
	rv = append(rv, byteId(row.Height)...)
	rv = append(rv, row.UUID[:]...)

	return rv
}

func readResultKey(tag, key []byte) (SealedRow, error) {
	var row SealedRow

	if len(key) != len(tag)+8+16 {
		return row, newError("result key has size %d, %d expected", len(key), len(tag)+8+16)
	}
	row.Height = binary.BigEndian.Uint64(key[len(tag):])
	copy(row.UUID[:], key[len(tag)+8:])

	return row, nil
}

var _ Store = &BoltStore{}
