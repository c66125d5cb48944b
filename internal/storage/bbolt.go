// Package storage persists launcher preferences in a bbolt database:
// per-tunnel auto-start flags and the process guard switch.
package storage

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"time"

	"go.etcd.io/bbolt"
	"go.etcd.io/bbolt/errors"
	"go.uber.org/zap"

	"github.com/chmlfrp/frplauncher/internal/tunnel"
)

// DBFileName is the database file inside the data directory.
const DBFileName = "frplauncher.db"

// BoltDB wraps bolt database operations
type BoltDB struct {
	db     *bbolt.DB
	logger *zap.SugaredLogger
}

// NewBoltDB creates a new BoltDB instance
func NewBoltDB(dataDir string, logger *zap.SugaredLogger) (*BoltDB, error) {
	dbPath := filepath.Join(dataDir, DBFileName)

	db, err := bbolt.Open(dbPath, 0644, &bbolt.Options{
		Timeout: 10 * time.Second,
	})
	if err != nil {
		logger.Warnf("Failed to open database on first attempt: %v", err)

		// Another launcher instance or a crashed one may still hold the lock.
		if err == errors.ErrTimeout {
			logger.Info("Database timeout detected, attempting recovery...")

			if _, statErr := os.Stat(dbPath); statErr == nil {
				backupPath := dbPath + ".backup." + time.Now().Format("20060102-150405")
				logger.Infof("Creating backup at %s", backupPath)

				if cpErr := copyFile(dbPath, backupPath); cpErr != nil {
					logger.Warnf("Failed to create backup: %v", cpErr)
				}
				if rmErr := os.Remove(dbPath); rmErr != nil {
					logger.Warnf("Failed to remove locked database file: %v", rmErr)
				}
			}

			db, err = bbolt.Open(dbPath, 0644, &bbolt.Options{
				Timeout: 5 * time.Second,
			})
		}

		if err != nil {
			return nil, fmt.Errorf("failed to open bolt database after recovery attempt: %w", err)
		}
	}

	boltDB := &BoltDB{
		db:     db,
		logger: logger,
	}

	if err := boltDB.initBuckets(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize buckets: %w", err)
	}

	return boltDB, nil
}

// DB returns the underlying bolt handle.
func (b *BoltDB) DB() *bbolt.DB {
	return b.db
}

// Close closes the database
func (b *BoltDB) Close() error {
	return b.db.Close()
}

func (b *BoltDB) initBuckets() error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		buckets := []string{
			AutoStartBucket,
			PreferencesBucket,
			MetaBucket,
		}

		for _, bucket := range buckets {
			if _, err := tx.CreateBucketIfNotExists([]byte(bucket)); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}

		metaBucket := tx.Bucket([]byte(MetaBucket))
		versionBytes := make([]byte, 8)
		binary.LittleEndian.PutUint64(versionBytes, CurrentSchemaVersion)
		return metaBucket.Put([]byte(SchemaVersionKey), versionBytes)
	})
}

// GetSchemaVersion returns the current schema version
func (b *BoltDB) GetSchemaVersion() (uint64, error) {
	var version uint64
	err := b.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(MetaBucket))
		if bucket == nil {
			return fmt.Errorf("meta bucket not found")
		}

		versionBytes := bucket.Get([]byte(SchemaVersionKey))
		if versionBytes == nil {
			version = 0
			return nil
		}

		version = binary.LittleEndian.Uint64(versionBytes)
		return nil
	})

	return version, err
}

// Auto-start operations

// SetAutoStart records whether key starts with the launcher. Disabled
// tunnels are removed rather than stored as false.
func (b *BoltDB) SetAutoStart(key tunnel.Key, enabled bool) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(AutoStartBucket))
		if !enabled {
			return bucket.Delete([]byte(key.String()))
		}
		record := &AutoStartRecord{Key: key.String(), Enabled: true, Updated: time.Now()}
		data, err := record.MarshalBinary()
		if err != nil {
			return err
		}
		return bucket.Put([]byte(key.String()), data)
	})
}

// AutoStart reports whether key is flagged for auto-start.
func (b *BoltDB) AutoStart(key tunnel.Key) (bool, error) {
	var enabled bool
	err := b.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket([]byte(AutoStartBucket)).Get([]byte(key.String()))
		if data == nil {
			return nil
		}
		var record AutoStartRecord
		if err := record.UnmarshalBinary(data); err != nil {
			return err
		}
		enabled = record.Enabled
		return nil
	})
	return enabled, err
}

// ListAutoStart returns every flagged tunnel in key order. Entries with an
// unparsable key are skipped.
func (b *BoltDB) ListAutoStart() ([]tunnel.Key, error) {
	var keys []tunnel.Key
	err := b.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(AutoStartBucket)).ForEach(func(k, v []byte) error {
			var record AutoStartRecord
			if err := record.UnmarshalBinary(v); err != nil {
				b.logger.Warnw("Skipping unreadable auto-start record", "key", string(k), "error", err)
				return nil
			}
			if !record.Enabled {
				return nil
			}
			key, err := tunnel.ParseKey(string(k))
			if err != nil {
				b.logger.Warnw("Skipping invalid auto-start key", "key", string(k), "error", err)
				return nil
			}
			keys = append(keys, key)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].Source != keys[j].Source {
			return keys[i].Source < keys[j].Source
		}
		return keys[i].ID < keys[j].ID
	})
	return keys, nil
}

// Preference operations

// SetGuardEnabled stores the process guard switch.
func (b *BoltDB) SetGuardEnabled(enabled bool) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(PreferencesBucket)).Put([]byte(GuardEnabledKey), []byte(strconv.FormatBool(enabled)))
	})
}

// GuardEnabled returns the stored process guard switch. found is false when
// the user never changed it.
func (b *BoltDB) GuardEnabled() (enabled, found bool, err error) {
	err = b.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket([]byte(PreferencesBucket)).Get([]byte(GuardEnabledKey))
		if data == nil {
			return nil
		}
		v, perr := strconv.ParseBool(string(data))
		if perr != nil {
			return fmt.Errorf("invalid %s value %q: %w", GuardEnabledKey, data, perr)
		}
		enabled, found = v, true
		return nil
	})
	return enabled, found, err
}

// Generic operations

// Backup creates a backup of the database
func (b *BoltDB) Backup(destPath string) error {
	return b.db.View(func(tx *bbolt.Tx) error {
		return tx.CopyFile(destPath, 0644)
	})
}

func copyFile(src, dst string) error {
	sourceFile, err := os.Open(src)
	if err != nil {
		return err
	}
	defer sourceFile.Close()

	destFile, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer destFile.Close()

	_, err = io.Copy(destFile, sourceFile)
	return err
}
