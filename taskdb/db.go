// Package taskdb persists finished and running task snapshots in a bbolt
// database so task ids and outcomes survive a restart.
package taskdb

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"time"

	"github.com/go-errors/errors"
	"github.com/lijl44/stdOpneBMCWeb/task"
	"go.etcd.io/bbolt"
	"gopkg.in/tomb.v2"
)

const dbName = "tasks.db"

var (
	tasksBucket = []byte("tasks")
	metaBucket  = []byte("meta")

	versionKey = []byte("version")
)

const schemaVersion = 1

// check DB compliance to the task store interface during compile time
var _ task.Store = (*DB)(nil)

type op struct {
	id       uint64
	snapshot *task.Snapshot
}

// DB is the task database. Writes are queued and applied in order by a
// single writer, so callers on the event loop never wait for the disk.
type DB struct {
	*bbolt.DB
	log    Logger
	t      tomb.Tomb
	writes chan op
}

type Config struct {
	DataDir string
	Logger  Logger
}

func Open(config *Config) (*DB, error) {
	if err := os.MkdirAll(config.DataDir, 0700); err != nil {
		return nil, errors.Errorf("could not create data dir %v: %v", config.DataDir, err)
	}

	path := filepath.Join(config.DataDir, dbName)

	bdb, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, errors.Errorf("could not open %v: %v", path, err)
	}

	db := &DB{
		DB:     bdb,
		writes: make(chan op, 128),
	}

	if config.Logger != nil {
		db.log = config.Logger
	} else {
		db.log = noopLogger{}
	}

	if err := db.init(); err != nil {
		bdb.Close()
		return nil, err
	}

	db.t.Go(db.writer)

	return db, nil
}

func (db *DB) init() error {
	return db.Update(func(tx *bbolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(tasksBucket); err != nil {
			return errors.Errorf("could not create tasks bucket: %v", err)
		}

		meta, err := tx.CreateBucketIfNotExists(metaBucket)
		if err != nil {
			return errors.Errorf("could not create meta bucket: %v", err)
		}

		if meta.Get(versionKey) == nil {
			return meta.Put(versionKey, itob(schemaVersion))
		}

		return nil
	})
}

func itob(v uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, v)
	return b
}

// SaveTask queues the snapshot for writing.
func (db *DB) SaveTask(s *task.Snapshot) error {
	return db.enqueue(op{id: s.ID, snapshot: s})
}

// DeleteTask queues the removal of a task.
func (db *DB) DeleteTask(id uint64) error {
	return db.enqueue(op{id: id})
}

func (db *DB) enqueue(o op) error {
	select {
	case db.writes <- o:
		return nil
	case <-db.t.Dying():
		return errors.New("task database is closed")
	default:
		return errors.Errorf("task database write queue is full, dropping write of task %v", o.id)
	}
}

func (db *DB) writer() error {
	for {
		select {
		case o := <-db.writes:
			db.apply(o)
		case <-db.t.Dying():
			// flush what was queued before closing
			for {
				select {
				case o := <-db.writes:
					db.apply(o)
				default:
					return nil
				}
			}
		}
	}
}

func (db *DB) apply(o op) {
	var err error

	if o.snapshot != nil {
		err = db.setJSON(tasksBucket, itob(o.id), o.snapshot)
	} else {
		err = db.delete(tasksBucket, itob(o.id))
	}

	if err != nil {
		db.log.Errorf("Could not write task %v: %v", o.id, err)
	}
}

// Tasks returns all persisted snapshots ordered by id. It reads the
// database directly, queued writes may not be visible yet.
func (db *DB) Tasks() ([]*task.Snapshot, error) {
	var snapshots []*task.Snapshot

	err := db.forEachJSON(tasksBucket, func() interface{} {
		s := &task.Snapshot{}
		snapshots = append(snapshots, s)
		return s
	})
	if err != nil {
		return nil, errors.Errorf("could not read tasks: %v", err)
	}

	return snapshots, nil
}

// Close waits for queued writes and closes the database.
func (db *DB) Close() error {
	db.t.Kill(nil)
	if err := db.t.Wait(); err != nil {
		db.log.Errorf("Task writer failed: %v", err)
	}

	return db.DB.Close()
}
