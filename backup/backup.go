// Package backup produces a point-in-time, compacted copy of the Stable
// Agreement database, so an operator can keep a snapshot of persisted state
// for disaster recovery. The bbolt compaction mechanics
// below (walk/compact) are generic bucket-by-bucket bbolt-to-bbolt copying
// that does not care what domain data lives inside; this backs up the
// single agreements database wholesale, since none of its buckets are
// large enough to need selective filtering.
package backup

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	bolt "github.com/coreos/bbolt"
)

const (
	txMaxSize = 65536
)

// Backup opens the agreement database at srcPath read-only, compacts it
// into a fresh file under destDir, and returns the new file's path. The
// read-only open takes bbolt's shared file lock, so while another process
// (such as a running daemon) holds the database open for writing, Backup
// waits until that process closes it.
func Backup(srcPath, destDir string) (string, error) {
	if err := os.MkdirAll(destDir, 0700); err != nil {
		return "", fmt.Errorf("backup: creating %s: %w", destDir, err)
	}

	destPath := filepath.Join(destDir,
		fmt.Sprintf("agreements-%s.db", time.Now().UTC().Format("20060102-150405")))

	log.Infof("Backup: compacting %s into %s", srcPath, destPath)

	if err := boltCopy(srcPath, destPath, nil); err != nil {
		return "", fmt.Errorf("backup: compacting %s: %w", srcPath, err)
	}

	log.Infof("Backup: complete")

	return destPath, nil
}

// boltCopy compacts srcfile into a freshly created destfile, skipping any
// bucket/key pair skip reports true for.
func boltCopy(srcfile, destfile string, skip skipFunc) error {
	src, err := bolt.Open(srcfile, 0444, &bolt.Options{ReadOnly: true})
	if err != nil {
		return err
	}
	defer src.Close()

	dst, err := bolt.Open(destfile, 0600, nil)
	if err != nil {
		return err
	}
	defer dst.Close()

	return compact(dst, src, skip)
}

// compact walks every bucket and key/value pair in src and recreates them
// in dst, committing every txMaxSize bytes so a large database doesn't
// require holding the whole thing in one bolt transaction's memory.
func compact(dst, src *bolt.DB, skip skipFunc) error {
	var size int64
	tx, err := dst.Begin(true)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := walk(src, func(keys [][]byte, k, v []byte, seq uint64) error {
		sz := int64(len(k) + len(v))
		if size+sz > txMaxSize {
			if err := tx.Commit(); err != nil {
				return err
			}

			tx, err = dst.Begin(true)
			if err != nil {
				return err
			}
			size = 0
		}
		size += sz

		nk := len(keys)
		if nk == 0 {
			bkt, err := tx.CreateBucket(k)
			if err != nil {
				return err
			}
			return bkt.SetSequence(seq)
		}

		b := tx.Bucket(keys[0])
		if nk > 1 {
			for _, k := range keys[1:] {
				b = b.Bucket(k)
			}
		}

		// Fill the entire page for best compaction.
		b.FillPercent = 1.0

		if v == nil {
			bkt, err := b.CreateBucket(k)
			if err != nil {
				return err
			}
			return bkt.SetSequence(seq)
		}

		return b.Put(k, v)
	}, skip); err != nil {
		return err
	}

	return tx.Commit()
}

// walkFunc is called for every bucket and key/value pair walk discovers.
// keys is the path of bucket names leading to the bucket owning k/v.
type walkFunc func(keys [][]byte, k, v []byte, seq uint64) error

// skipFunc reports whether walk should skip a given bucket/key pair
// entirely, used to exclude disposable data from a compacted copy.
type skipFunc func(keys [][]byte, k, v []byte) bool

func walk(db *bolt.DB, walkFn walkFunc, skipFn skipFunc) error {
	return db.View(func(tx *bolt.Tx) error {
		return tx.ForEach(func(name []byte, b *bolt.Bucket) error {
			return walkBucket(b, nil, name, nil, b.Sequence(), walkFn, skipFn)
		})
	})
}

func walkBucket(b *bolt.Bucket, keypath [][]byte, k, v []byte, seq uint64,
	fn walkFunc, skip skipFunc) error {

	if skip != nil && skip(keypath, k, v) {
		return nil
	}

	if err := fn(keypath, k, v, seq); err != nil {
		return err
	}

	// A non-nil value means k is a plain key, not a nested bucket.
	if v != nil {
		return nil
	}

	keypath = append(keypath, k)
	return b.ForEach(func(k, v []byte) error {
		if v == nil {
			bkt := b.Bucket(k)
			return walkBucket(bkt, keypath, k, nil, bkt.Sequence(), fn, skip)
		}
		return walkBucket(b, keypath, k, v, b.Sequence(), fn, skip)
	})
}
