// Package storage persists subject profiles and sign-in records.
// Profiles and sign records live in two separate SQLite files, each holding
// a table named users. Every operation opens its own handle and closes it
// before returning; there is no transaction spanning both files.
package storage

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/MrCodeEU/faceroll/pkg/events"
	"github.com/MrCodeEU/faceroll/pkg/logging"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// ErrStoreUnavailable is returned when a database file is missing or cannot be opened.
var ErrStoreUnavailable = errors.New("store unavailable")

// ErrRecordNotFound is returned when no row matches the lookup key.
var ErrRecordNotFound = errors.New("record not found")

// ErrSchema is returned when the tables cannot be created.
var ErrSchema = errors.New("schema error")

// ErrModelMissing is returned by CheckReady when no model has been trained.
var ErrModelMissing = errors.New("trained model not found")

// Store is the attendance store.
type Store struct {
	profilePath string
	signPath    string
	events      events.Publisher
	logger      gormlogger.Interface
	now         func() time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithEvents routes status messages to pub.
func WithEvents(pub events.Publisher) Option {
	return func(s *Store) { s.events = pub }
}

// New creates a Store over the profile and sign database files.
func New(profilePath, signPath string, opts ...Option) *Store {
	s := &Store{
		profilePath: profilePath,
		signPath:    signPath,
		events:      events.Discard,
		logger: gormlogger.New(logging.Component("storage"), gormlogger.Config{
			SlowThreshold:             time.Second,
			LogLevel:                  gormlogger.Warn,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		}),
		now: time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) pathOf(t Table) (string, error) {
	switch t {
	case ProfileTable:
		return s.profilePath, nil
	case SignTable:
		return s.signPath, nil
	default:
		return "", fmt.Errorf("unknown table %q", t)
	}
}

// open returns a handle on path. Unless create is set the file must already exist.
func (s *Store) open(path string, create bool) (*gorm.DB, func(), error) {
	if !create {
		if _, err := os.Stat(path); err != nil {
			return nil, nil, fmt.Errorf("%w: %s", ErrStoreUnavailable, path)
		}
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{Logger: s.logger})
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %s: %v", ErrStoreUnavailable, path, err)
	}

	closeFn := func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	}
	return db, closeFn, nil
}

// EnsureSchema creates both tables if they are absent and returns their row counts.
func (s *Store) EnsureSchema() (Counts, error) {
	var counts Counts

	targets := []struct {
		path  string
		model interface{}
		count *int64
	}{
		{s.profilePath, &Subject{}, &counts.Profiles},
		{s.signPath, &SignRecord{}, &counts.Signs},
	}

	for _, target := range targets {
		if err := os.MkdirAll(filepath.Dir(target.path), 0755); err != nil {
			s.events.Errorf("can not create database: %s.", target.path)
			return counts, fmt.Errorf("%w: %v", ErrSchema, err)
		}

		db, closeDB, err := s.open(target.path, true)
		if err != nil {
			s.events.Errorf("can not create database: %s.", target.path)
			return counts, fmt.Errorf("%w: %v", ErrSchema, err)
		}

		err = db.AutoMigrate(target.model)
		if err == nil {
			err = db.Model(target.model).Count(target.count).Error
		}
		closeDB()
		if err != nil {
			s.events.Errorf("can not create database: %s.", target.path)
			return counts, fmt.Errorf("%w: %s: %v", ErrSchema, target.path, err)
		}

		logging.Debugf("Schema ready in %s (%d rows)", target.path, *target.count)
	}

	return counts, nil
}

// CheckReady verifies that both databases and the trained model exist.
func (s *Store) CheckReady(modelPath string) error {
	var errs []error
	for _, path := range []string{s.profilePath, s.signPath} {
		if _, err := os.Stat(path); err != nil {
			s.events.Errorf("can not found database : %s.", path)
			errs = append(errs, fmt.Errorf("%w: %s", ErrStoreUnavailable, path))
		}
	}
	if _, err := os.Stat(modelPath); err != nil {
		s.events.Errorf("can not found training database : %s.", modelPath)
		errs = append(errs, fmt.Errorf("%w: %s", ErrModelMissing, modelPath))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	s.events.Successf("found all need database , system will be worked.")
	return nil
}

// UpsertSubject inserts a subject or overwrites its mutable fields, and mirrors
// name and class into the sign table. face_id and enrolled_at are only set on insert.
// A failure on one table does not undo the other; see UpsertResult.Partial.
func (s *Store) UpsertSubject(p Profile) (UpsertResult, error) {
	var result UpsertResult

	existed, profileErr := s.upsertProfile(p)
	if profileErr == nil {
		result.ProfileOK = true
		result.Existed = existed
	} else {
		s.events.Errorf("can not insert or update to database %s.", s.profilePath)
	}

	signExisted, signErr := s.upsertSign(p)
	if signErr == nil {
		result.SignOK = true
		if profileErr != nil {
			result.Existed = signExisted
		}
	} else {
		s.events.Errorf("can not insert or update to database %s.", s.signPath)
	}

	if result.Partial() {
		s.events.Errorf("partially saved %s: profile=%v sign=%v", p.StuID, result.ProfileOK, result.SignOK)
	}

	return result, errors.Join(profileErr, signErr)
}

func (s *Store) upsertProfile(p Profile) (bool, error) {
	db, closeDB, err := s.open(s.profilePath, false)
	if err != nil {
		return false, err
	}
	defer closeDB()

	existed := false
	err = db.Transaction(func(tx *gorm.DB) error {
		var count int64
		if err := tx.Model(&Subject{}).Where("stu_id = ?", p.StuID).Count(&count).Error; err != nil {
			return err
		}
		if count > 0 {
			existed = true
			return tx.Model(&Subject{}).Where("stu_id = ?", p.StuID).Updates(map[string]interface{}{
				"name":  p.Name,
				"class": p.Class,
				"email": p.Email,
				"phone": p.Phone,
				"addr":  p.Address,
			}).Error
		}

		now := s.now()
		return tx.Create(&Subject{
			StuID:      p.StuID,
			FaceID:     UnassignedFaceID,
			Name:       p.Name,
			EnrolledAt: time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC),
			Class:      p.Class,
			Email:      p.Email,
			Phone:      p.Phone,
			Address:    p.Address,
		}).Error
	})
	if err != nil {
		return existed, fmt.Errorf("failed to upsert profile %s: %w", p.StuID, err)
	}

	var total int64
	db.Model(&Subject{}).Count(&total)
	s.events.Successf("update or insert successfully, found %d users in %s", total, s.profilePath)
	return existed, nil
}

func (s *Store) upsertSign(p Profile) (bool, error) {
	db, closeDB, err := s.open(s.signPath, false)
	if err != nil {
		return false, err
	}
	defer closeDB()

	existed := false
	err = db.Transaction(func(tx *gorm.DB) error {
		var count int64
		if err := tx.Model(&SignRecord{}).Where("stu_id = ?", p.StuID).Count(&count).Error; err != nil {
			return err
		}
		if count > 0 {
			existed = true
			return tx.Model(&SignRecord{}).Where("stu_id = ?", p.StuID).Updates(map[string]interface{}{
				"name":  p.Name,
				"class": p.Class,
			}).Error
		}
		return tx.Create(&SignRecord{
			StuID:      p.StuID,
			Name:       p.Name,
			Class:      p.Class,
			Signed:     NotSigned,
			SignedTime: NoSignTime,
		}).Error
	})
	if err != nil {
		return existed, fmt.Errorf("failed to upsert sign record %s: %w", p.StuID, err)
	}

	var total int64
	db.Model(&SignRecord{}).Count(&total)
	s.events.Successf("update or insert successfully, found %d users in %s", total, s.signPath)
	return existed, nil
}

// FindSubject looks a subject up by student ID.
func (s *Store) FindSubject(stuID string) (*Subject, error) {
	db, closeDB, err := s.open(s.profilePath, false)
	if err != nil {
		return nil, err
	}
	defer closeDB()

	var sub Subject
	if err := db.Where("stu_id = ?", stuID).Take(&sub).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			logging.Debugf("Subject %s not found", stuID)
			s.events.Errorf("not found the user %s in database %s", stuID, s.profilePath)
			return nil, ErrRecordNotFound
		}
		return nil, fmt.Errorf("failed to query subject %s: %w", stuID, err)
	}
	return &sub, nil
}

// FindSignRecord looks a sign record up by student ID.
func (s *Store) FindSignRecord(stuID string) (*SignRecord, error) {
	db, closeDB, err := s.open(s.signPath, false)
	if err != nil {
		return nil, err
	}
	defer closeDB()

	var rec SignRecord
	if err := db.Where("stu_id = ?", stuID).Take(&rec).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrRecordNotFound
		}
		return nil, fmt.Errorf("failed to query sign record %s: %w", stuID, err)
	}
	return &rec, nil
}

// FindSubjectByFaceID looks a subject up by the label assigned at training time.
func (s *Store) FindSubjectByFaceID(faceID int) (*Subject, error) {
	if faceID < 1 {
		return nil, ErrRecordNotFound
	}

	db, closeDB, err := s.open(s.profilePath, false)
	if err != nil {
		return nil, err
	}
	defer closeDB()

	var sub Subject
	if err := db.Where("face_id = ?", faceID).Order("rowid").Take(&sub).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			logging.Debugf("No subject carries face_id %d", faceID)
			s.events.Errorf("can not found user by face_id %d", faceID)
			return nil, ErrRecordNotFound
		}
		return nil, fmt.Errorf("failed to query face_id %d: %w", faceID, err)
	}
	return &sub, nil
}

// AssignFaceID sets the face ID of a subject.
func (s *Store) AssignFaceID(stuID string, faceID int) error {
	db, closeDB, err := s.open(s.profilePath, false)
	if err != nil {
		return err
	}
	defer closeDB()

	res := db.Model(&Subject{}).Where("stu_id = ?", stuID).Update("face_id", faceID)
	if res.Error != nil {
		return fmt.Errorf("failed to assign face_id to %s: %w", stuID, res.Error)
	}
	if res.RowsAffected == 0 {
		s.events.Errorf("can not found the record of %s from %s.", stuID, s.profilePath)
		return ErrRecordNotFound
	}

	s.events.Successf("update the face_id of %s from %s.", stuID, s.profilePath)
	return nil
}

// ClearFaceIDs resets the face ID of every subject not listed in keep to
// UnassignedFaceID and returns the number of rows changed.
func (s *Store) ClearFaceIDs(keep []string) (int64, error) {
	db, closeDB, err := s.open(s.profilePath, false)
	if err != nil {
		return 0, err
	}
	defer closeDB()

	q := db.Model(&Subject{}).Where("face_id <> ?", UnassignedFaceID)
	if len(keep) > 0 {
		q = q.Where("stu_id NOT IN ?", keep)
	}
	res := q.Update("face_id", UnassignedFaceID)
	if res.Error != nil {
		return 0, fmt.Errorf("failed to clear stale face_ids: %w", res.Error)
	}
	if res.RowsAffected > 0 {
		logging.Debugf("Cleared %d stale face_ids in %s", res.RowsAffected, s.profilePath)
	}
	return res.RowsAffected, nil
}

// RecordSign marks a subject as signed in now. Repeated calls overwrite the time.
func (s *Store) RecordSign(stuID string) error {
	db, closeDB, err := s.open(s.signPath, false)
	if err != nil {
		return err
	}
	defer closeDB()

	res := db.Model(&SignRecord{}).Where("stu_id = ?", stuID).Updates(map[string]interface{}{
		"signed":      Signed,
		"signed_time": s.now().Format(SignTimeFormat),
	})
	if res.Error != nil {
		return fmt.Errorf("failed to record sign of %s: %w", stuID, res.Error)
	}
	if res.RowsAffected == 0 {
		s.events.Errorf("can not found the record of %s from %s.", stuID, s.signPath)
		return ErrRecordNotFound
	}

	s.events.Successf("update the signed_time %s from %s.", stuID, s.signPath)
	return nil
}

// ResetSigns clears every sign record so a new session can start.
func (s *Store) ResetSigns() (int64, error) {
	db, closeDB, err := s.open(s.signPath, false)
	if err != nil {
		return 0, err
	}
	defer closeDB()

	res := db.Session(&gorm.Session{AllowGlobalUpdate: true}).Model(&SignRecord{}).Updates(map[string]interface{}{
		"signed":      NotSigned,
		"signed_time": NoSignTime,
	})
	if res.Error != nil {
		return 0, fmt.Errorf("failed to reset sign records: %w", res.Error)
	}
	return res.RowsAffected, nil
}

// DeleteSubject removes a subject from both tables independently.
// The caller removes the sample directory.
func (s *Store) DeleteSubject(stuID string) (DeleteResult, error) {
	var result DeleteResult

	profileDeleted, profileErr := s.deleteFrom(s.profilePath, &Subject{}, stuID)
	result.ProfileDeleted = profileDeleted

	signDeleted, signErr := s.deleteFrom(s.signPath, &SignRecord{}, stuID)
	result.SignDeleted = signDeleted

	return result, errors.Join(profileErr, signErr)
}

func (s *Store) deleteFrom(path string, model interface{}, stuID string) (bool, error) {
	db, closeDB, err := s.open(path, false)
	if err != nil {
		return false, err
	}
	defer closeDB()

	res := db.Where("stu_id = ?", stuID).Delete(model)
	if res.Error != nil {
		return false, fmt.Errorf("failed to delete %s from %s: %w", stuID, path, res.Error)
	}
	if res.RowsAffected == 0 {
		s.events.Errorf("can not delete user %s from %s, because not found", stuID, path)
		return false, nil
	}

	s.events.Successf("delete user %s from %s.", stuID, path)
	return true, nil
}

// ListSubjects returns all profiles in insertion order.
func (s *Store) ListSubjects() ([]Subject, error) {
	db, closeDB, err := s.open(s.profilePath, false)
	if err != nil {
		return nil, err
	}
	defer closeDB()

	var subjects []Subject
	if err := db.Order("rowid").Find(&subjects).Error; err != nil {
		return nil, fmt.Errorf("failed to list subjects: %w", err)
	}
	return subjects, nil
}

// ListSignRecords returns all sign records in insertion order.
func (s *Store) ListSignRecords() ([]SignRecord, error) {
	db, closeDB, err := s.open(s.signPath, false)
	if err != nil {
		return nil, err
	}
	defer closeDB()

	var records []SignRecord
	if err := db.Order("rowid").Find(&records).Error; err != nil {
		return nil, fmt.Errorf("failed to list sign records: %w", err)
	}
	return records, nil
}

// ListAll returns every row of a table as text, in insertion order.
func (s *Store) ListAll(t Table) (Listing, error) {
	listing := Listing{Table: t}

	path, err := s.pathOf(t)
	if err != nil {
		return listing, err
	}

	db, closeDB, err := s.open(path, false)
	if err != nil {
		s.events.Errorf("can not found database : %s , nothing will be displayed.", path)
		return listing, err
	}
	defer closeDB()

	rows, err := db.Table("users").Order("rowid").Rows()
	if err != nil {
		s.events.Errorf("while query %s, an unexpected error occur.", path)
		return listing, fmt.Errorf("failed to query %s: %w", path, err)
	}
	defer func() { _ = rows.Close() }()

	listing.Columns, err = rows.Columns()
	if err != nil {
		return listing, fmt.Errorf("failed to read columns of %s: %w", path, err)
	}

	for rows.Next() {
		values := make([]interface{}, len(listing.Columns))
		ptrs := make([]interface{}, len(values))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return listing, fmt.Errorf("failed to scan %s: %w", path, err)
		}

		row := make([]string, len(values))
		for i, v := range values {
			row[i] = formatValue(v)
		}
		listing.Rows = append(listing.Rows, row)
	}
	if err := rows.Err(); err != nil {
		return listing, fmt.Errorf("failed to iterate %s: %w", path, err)
	}

	listing.Count = len(listing.Rows)
	s.events.Successf("found %d users in %s", listing.Count, path)
	return listing, nil
}

func formatValue(v interface{}) string {
	switch val := v.(type) {
	case nil:
		return ""
	case []byte:
		return string(val)
	case time.Time:
		return val.Format(DateFormat)
	default:
		return fmt.Sprint(val)
	}
}
