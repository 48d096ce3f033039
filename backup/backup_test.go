package backup

import (
	"path/filepath"
	"testing"

	bolt "github.com/coreos/bbolt"
)

func TestBackupCompactsAllBuckets(t *testing.T) {
	dir := t.TempDir()
	srcPath := filepath.Join(dir, "agreements.db")

	src, err := bolt.Open(srcPath, 0600, nil)
	if err != nil {
		t.Fatalf("bolt.Open: %v", err)
	}
	err = src.Update(func(tx *bolt.Tx) error {
		root, err := tx.CreateBucket([]byte("stable-agreement-bucket"))
		if err != nil {
			return err
		}
		sub, err := root.CreateBucket([]byte("channel-1"))
		if err != nil {
			return err
		}
		return sub.Put([]byte("agreement"), []byte(`{"Role":0}`))
	})
	if err != nil {
		t.Fatalf("seeding source db: %v", err)
	}
	src.Close()

	destDir := filepath.Join(dir, "backups")
	destPath, err := Backup(srcPath, destDir)
	if err != nil {
		t.Fatalf("Backup: %v", err)
	}

	dst, err := bolt.Open(destPath, 0400, nil)
	if err != nil {
		t.Fatalf("opening backup: %v", err)
	}
	defer dst.Close()

	err = dst.View(func(tx *bolt.Tx) error {
		root := tx.Bucket([]byte("stable-agreement-bucket"))
		if root == nil {
			t.Fatal("backup missing root bucket")
		}
		sub := root.Bucket([]byte("channel-1"))
		if sub == nil {
			t.Fatal("backup missing channel sub-bucket")
		}
		if got := sub.Get([]byte("agreement")); string(got) != `{"Role":0}` {
			t.Fatalf("unexpected agreement bytes: %s", got)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("verifying backup: %v", err)
	}
}
