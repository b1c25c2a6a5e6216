package taskdb

import (
	"bytes"
	"encoding/json"

	"github.com/go-errors/errors"
	"go.etcd.io/bbolt"
)

func (db *DB) setJSON(bucket []byte, key []byte, v interface{}) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return err
	}

	return db.Update(func(tx *bbolt.Tx) error {
		bucket, err := tx.CreateBucketIfNotExists(bucket)
		if err != nil {
			return err
		}

		return bucket.Put(key, payload)
	})
}

func (db *DB) delete(bucket []byte, key []byte) error {
	return db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucket)
		if b == nil {
			return nil
		}

		return b.Delete(key)
	})
}

// forEachJSON decodes every value of bucket into the value returned by next,
// in key order. Null values are skipped.
func (db *DB) forEachJSON(bucket []byte, next func() interface{}) error {
	return db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucket)
		if b == nil {
			return nil
		}

		return b.ForEach(func(k, v []byte) error {
			if v == nil || bytes.Equal(v, []byte("null")) {
				return nil
			}

			err := json.Unmarshal(v, next())
			if err != nil {
				return errors.Errorf("could not unmarshal data: %v", err)
			}

			return nil
		})
	})
}
