package swapdb

import (
	"errors"

	"go.etcd.io/bbolt"
)

var (
	// metaBucketKey stores all the meta information concerning the state
	// of the database.
	metaBucketKey = []byte("metadata")

	// dbVersionKey is the key used for storing/retrieving the current
	// database version.
	dbVersionKey = []byte("dbv")

	// ErrDBReversion is returned when detecting an attempt to revert to a
	// prior database version.
	ErrDBReversion = errors.New("cannot revert to prior db version")
)

// migration is a function which takes a prior outdated version of the
// database and mutates the key/bucket structure to arrive at a more
// up-to-date version.
type migration func(tx *bbolt.Tx) error

var (
	// migrations is the list of all db migrations, in order. The snapshot
	// layout changes so far are handled through the per-contract
	// SnapshotVersion, so no bucket-level migrations exist yet.
	migrations []migration

	latestDBVersion = uint32(len(migrations))
)

// getDBVersion retrieves the current db version.
func getDBVersion(db *bbolt.DB) (uint32, error) {
	var version uint32

	err := db.View(func(tx *bbolt.Tx) error {
		metaBucket := tx.Bucket(metaBucketKey)
		if metaBucket == nil {
			return errors.New("meta bucket does not exist")
		}

		// If no version key is found, assume version 0.
		if data := metaBucket.Get(dbVersionKey); data != nil {
			version = byteOrder.Uint32(data)
		}

		return nil
	})
	if err != nil {
		return 0, err
	}

	return version, nil
}

// setDBVersion updates the current db version.
func setDBVersion(tx *bbolt.Tx, version uint32) error {
	metaBucket, err := tx.CreateBucketIfNotExists(metaBucketKey)
	if err != nil {
		return err
	}

	scratch := make([]byte, 4)
	byteOrder.PutUint32(scratch, version)
	return metaBucket.Put(dbVersionKey, scratch)
}

// syncVersions applies any missing migrations to the database atomically, or
// fails if the database reports a version newer than this build knows about.
func syncVersions(db *bbolt.DB) error {
	currentVersion, err := getDBVersion(db)
	if err != nil {
		return err
	}

	log.Infof("Checking for schema update: latest_version=%v, "+
		"db_version=%v", latestDBVersion, currentVersion)

	switch {
	case currentVersion > latestDBVersion:
		log.Errorf("Refusing to revert from db_version=%d to lower "+
			"version=%d", currentVersion, latestDBVersion)

		return ErrDBReversion

	case currentVersion == latestDBVersion:
		return nil
	}

	log.Infof("Performing database schema migration")

	return db.Update(func(tx *bbolt.Tx) error {
		for v := currentVersion; v < latestDBVersion; v++ {
			log.Infof("Applying migration #%v", v+1)

			if err := migrations[v](tx); err != nil {
				return err
			}
		}

		return setDBVersion(tx, latestDBVersion)
	})
}
