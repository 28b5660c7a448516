package storage

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/MrCodeEU/faceroll/pkg/events"
)

type eventLog struct {
	mu    sync.Mutex
	lines []string
}

func (l *eventLog) Publish(e events.Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.lines = append(l.lines, e.String())
}

func (l *eventLog) Successf(format string, args ...interface{}) {
	l.Publish(events.Event{Severity: events.Success, Message: fmt.Sprintf(format, args...)})
}

func (l *eventLog) Errorf(format string, args ...interface{}) {
	l.Publish(events.Event{Severity: events.Error, Message: fmt.Sprintf(format, args...)})
}

func (l *eventLog) Infof(format string, args ...interface{}) {
	l.Publish(events.Event{Severity: events.Info, Message: fmt.Sprintf(format, args...)})
}

func (l *eventLog) contains(substr string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, line := range l.lines {
		if strings.Contains(line, substr) {
			return true
		}
	}
	return false
}

func newTestStore(t *testing.T) (*Store, *eventLog) {
	t.Helper()
	dir := t.TempDir()
	log := &eventLog{}
	s := New(filepath.Join(dir, "FaceBase.db"), filepath.Join(dir, "SignBase.db"), WithEvents(log))
	s.now = func() time.Time { return time.Date(2023, 10, 1, 8, 30, 0, 0, time.UTC) }
	if _, err := s.EnsureSchema(); err != nil {
		t.Fatalf("EnsureSchema failed: %v", err)
	}
	return s, log
}

func liProfile() Profile {
	return Profile{
		StuID:   "20231001",
		Name:    "Li",
		Class:   "CS2023",
		Email:   "li@example.com",
		Phone:   "8613800000000",
		Address: "Dorm5",
	}
}

func TestEnsureSchema(t *testing.T) {
	s, _ := newTestStore(t)

	counts, err := s.EnsureSchema()
	if err != nil {
		t.Fatalf("second EnsureSchema failed: %v", err)
	}
	if counts.Profiles != 0 || counts.Signs != 0 {
		t.Errorf("expected empty tables, got %+v", counts)
	}

	if _, err := s.UpsertSubject(liProfile()); err != nil {
		t.Fatal(err)
	}
	counts, err = s.EnsureSchema()
	if err != nil {
		t.Fatal(err)
	}
	if counts.Profiles != 1 || counts.Signs != 1 {
		t.Errorf("expected one row in each table, got %+v", counts)
	}
}

func TestEnsureSchema_Unwritable(t *testing.T) {
	dir := t.TempDir()
	blocker := filepath.Join(dir, "blocker")
	if err := os.WriteFile(blocker, []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}

	s := New(filepath.Join(blocker, "FaceBase.db"), filepath.Join(dir, "SignBase.db"))
	if _, err := s.EnsureSchema(); !errors.Is(err, ErrSchema) {
		t.Errorf("expected ErrSchema, got %v", err)
	}
}

func TestUpsertFind_RoundTrip(t *testing.T) {
	profiles := []Profile{
		liProfile(),
		{StuID: "20231002", Name: "王小明", Class: "计算机1班", Email: "wang@school.edu", Phone: "0086138000000", Address: "北京"},
		{StuID: "00000001", Name: "A", Class: "1", Email: "a@b", Phone: "0000000000000", Address: "x"},
	}

	s, _ := newTestStore(t)
	for _, p := range profiles {
		t.Run(p.StuID, func(t *testing.T) {
			res, err := s.UpsertSubject(p)
			if err != nil {
				t.Fatalf("UpsertSubject failed: %v", err)
			}
			if !res.OK() || res.Existed {
				t.Errorf("unexpected result %+v", res)
			}

			sub, err := s.FindSubject(p.StuID)
			if err != nil {
				t.Fatalf("FindSubject failed: %v", err)
			}
			if sub.Profile() != p {
				t.Errorf("expected %+v, got %+v", p, sub.Profile())
			}
			if sub.FaceID != UnassignedFaceID {
				t.Errorf("expected unassigned face_id, got %d", sub.FaceID)
			}
			if sub.EnrolledAt.Format(DateFormat) != "2023-10-01" {
				t.Errorf("unexpected enrolled_at %v", sub.EnrolledAt)
			}
		})
	}
}

func TestUpsert_OverwritesMutableFieldsOnly(t *testing.T) {
	s, _ := newTestStore(t)
	p := liProfile()

	if _, err := s.UpsertSubject(p); err != nil {
		t.Fatal(err)
	}
	if err := s.AssignFaceID(p.StuID, 4); err != nil {
		t.Fatal(err)
	}
	if err := s.RecordSign(p.StuID); err != nil {
		t.Fatal(err)
	}

	s.now = func() time.Time { return time.Date(2024, 3, 2, 9, 0, 0, 0, time.UTC) }
	p.Name = "LiLei"
	p.Class = "CS2024"
	res, err := s.UpsertSubject(p)
	if err != nil {
		t.Fatal(err)
	}
	if !res.Existed || !res.OK() {
		t.Errorf("expected existing subject to be updated, got %+v", res)
	}

	sub, err := s.FindSubject(p.StuID)
	if err != nil {
		t.Fatal(err)
	}
	if sub.Name != "LiLei" || sub.Class != "CS2024" {
		t.Errorf("mutable fields not updated: %+v", sub)
	}
	if sub.FaceID != 4 {
		t.Errorf("face_id changed on update: %d", sub.FaceID)
	}
	if sub.EnrolledAt.Format(DateFormat) != "2023-10-01" {
		t.Errorf("enrolled_at changed on update: %v", sub.EnrolledAt)
	}

	rec, err := s.FindSignRecord(p.StuID)
	if err != nil {
		t.Fatal(err)
	}
	if rec.Name != "LiLei" || rec.Class != "CS2024" {
		t.Errorf("sign mirror not updated: %+v", rec)
	}
	if !rec.IsSigned() {
		t.Error("update should not clear the sign state")
	}
}

func TestUpsert_PartialFailure(t *testing.T) {
	dir := t.TempDir()
	log := &eventLog{}
	s := New(filepath.Join(dir, "FaceBase.db"), filepath.Join(dir, "SignBase.db"), WithEvents(log))
	if _, err := s.EnsureSchema(); err != nil {
		t.Fatal(err)
	}
	if err := os.Remove(filepath.Join(dir, "SignBase.db")); err != nil {
		t.Fatal(err)
	}

	res, err := s.UpsertSubject(liProfile())
	if err == nil {
		t.Fatal("expected an error when the sign store is missing")
	}
	if !errors.Is(err, ErrStoreUnavailable) {
		t.Errorf("expected ErrStoreUnavailable, got %v", err)
	}
	if !res.ProfileOK || res.SignOK || !res.Partial() {
		t.Errorf("expected a partial result, got %+v", res)
	}
	if !log.contains("Error: partially saved 20231001") {
		t.Errorf("expected a partial-save warning, got %v", log.lines)
	}

	// Profile side stays committed.
	if _, err := s.FindSubject("20231001"); err != nil {
		t.Errorf("profile should be committed, got %v", err)
	}
}

func TestUpsert_NewSignRowDefaults(t *testing.T) {
	s, _ := newTestStore(t)
	if _, err := s.UpsertSubject(liProfile()); err != nil {
		t.Fatal(err)
	}

	rec, err := s.FindSignRecord("20231001")
	if err != nil {
		t.Fatal(err)
	}
	if rec.Signed != NotSigned || rec.SignedTime != NoSignTime {
		t.Errorf("unexpected defaults %+v", rec)
	}
	if rec.Name != "Li" || rec.Class != "CS2023" {
		t.Errorf("name and class not mirrored: %+v", rec)
	}
}

func TestFindSubject_NotFound(t *testing.T) {
	s, log := newTestStore(t)

	if _, err := s.FindSubject("99999999"); !errors.Is(err, ErrRecordNotFound) {
		t.Errorf("expected ErrRecordNotFound, got %v", err)
	}
	if !log.contains("Error: not found the user 99999999") {
		t.Errorf("expected a not-found event, got %v", log.lines)
	}
}

func TestOperations_StoreUnavailable(t *testing.T) {
	dir := t.TempDir()
	s := New(filepath.Join(dir, "FaceBase.db"), filepath.Join(dir, "SignBase.db"))

	if _, err := s.FindSubject("20231001"); !errors.Is(err, ErrStoreUnavailable) {
		t.Errorf("FindSubject: expected ErrStoreUnavailable, got %v", err)
	}
	if err := s.RecordSign("20231001"); !errors.Is(err, ErrStoreUnavailable) {
		t.Errorf("RecordSign: expected ErrStoreUnavailable, got %v", err)
	}
	if _, err := s.ListAll(ProfileTable); !errors.Is(err, ErrStoreUnavailable) {
		t.Errorf("ListAll: expected ErrStoreUnavailable, got %v", err)
	}

	// Failed lookups must not create the database files.
	if _, err := os.Stat(filepath.Join(dir, "FaceBase.db")); !os.IsNotExist(err) {
		t.Error("database file was created by a read")
	}
}

func TestAssignFaceID(t *testing.T) {
	s, _ := newTestStore(t)
	if _, err := s.UpsertSubject(liProfile()); err != nil {
		t.Fatal(err)
	}

	if err := s.AssignFaceID("20231001", 1); err != nil {
		t.Fatalf("AssignFaceID failed: %v", err)
	}
	// Assigning the same value again is not an error.
	if err := s.AssignFaceID("20231001", 1); err != nil {
		t.Fatalf("repeated AssignFaceID failed: %v", err)
	}

	sub, err := s.FindSubjectByFaceID(1)
	if err != nil {
		t.Fatalf("FindSubjectByFaceID failed: %v", err)
	}
	if sub.StuID != "20231001" {
		t.Errorf("expected 20231001, got %s", sub.StuID)
	}

	if err := s.AssignFaceID("99999999", 2); !errors.Is(err, ErrRecordNotFound) {
		t.Errorf("expected ErrRecordNotFound for absent subject, got %v", err)
	}
}

func TestClearFaceIDs(t *testing.T) {
	s, _ := newTestStore(t)
	ids := []string{"20231001", "20231002", "20231003"}
	for i, id := range ids {
		p := liProfile()
		p.StuID = id
		if _, err := s.UpsertSubject(p); err != nil {
			t.Fatal(err)
		}
		if err := s.AssignFaceID(id, i+1); err != nil {
			t.Fatal(err)
		}
	}

	cleared, err := s.ClearFaceIDs([]string{"20231002"})
	if err != nil {
		t.Fatalf("ClearFaceIDs failed: %v", err)
	}
	if cleared != 2 {
		t.Errorf("expected 2 cleared rows, got %d", cleared)
	}

	want := map[string]int{"20231001": UnassignedFaceID, "20231002": 2, "20231003": UnassignedFaceID}
	for id, faceID := range want {
		sub, err := s.FindSubject(id)
		if err != nil {
			t.Fatal(err)
		}
		if sub.FaceID != faceID {
			t.Errorf("%s: expected face_id %d, got %d", id, faceID, sub.FaceID)
		}
	}

	cleared, err = s.ClearFaceIDs(nil)
	if err != nil {
		t.Fatalf("ClearFaceIDs(nil) failed: %v", err)
	}
	if cleared != 1 {
		t.Errorf("expected 1 cleared row, got %d", cleared)
	}
	if _, err := s.FindSubjectByFaceID(2); !errors.Is(err, ErrRecordNotFound) {
		t.Errorf("expected no subject for face_id 2, got %v", err)
	}
}

func TestFindSubjectByFaceID_Unassigned(t *testing.T) {
	s, _ := newTestStore(t)
	if _, err := s.UpsertSubject(liProfile()); err != nil {
		t.Fatal(err)
	}

	for _, id := range []int{UnassignedFaceID, 0, 7} {
		if _, err := s.FindSubjectByFaceID(id); !errors.Is(err, ErrRecordNotFound) {
			t.Errorf("face_id %d: expected ErrRecordNotFound, got %v", id, err)
		}
	}
}

func TestRecordSign(t *testing.T) {
	s, _ := newTestStore(t)
	if _, err := s.UpsertSubject(liProfile()); err != nil {
		t.Fatal(err)
	}

	if err := s.RecordSign("20231001"); err != nil {
		t.Fatalf("RecordSign failed: %v", err)
	}
	rec, err := s.FindSignRecord("20231001")
	if err != nil {
		t.Fatal(err)
	}
	if !rec.IsSigned() || rec.SignedTime != "2023-10-01 08:30:00" {
		t.Errorf("unexpected sign record %+v", rec)
	}

	// Storage-level idempotence: the second call only moves the timestamp.
	s.now = func() time.Time { return time.Date(2023, 10, 1, 9, 0, 0, 0, time.UTC) }
	if err := s.RecordSign("20231001"); err != nil {
		t.Fatal(err)
	}
	rec, _ = s.FindSignRecord("20231001")
	if rec.SignedTime != "2023-10-01 09:00:00" {
		t.Errorf("expected timestamp to be overwritten, got %s", rec.SignedTime)
	}

	if err := s.RecordSign("99999999"); !errors.Is(err, ErrRecordNotFound) {
		t.Errorf("expected ErrRecordNotFound, got %v", err)
	}
}

func TestResetSigns(t *testing.T) {
	s, _ := newTestStore(t)
	for _, id := range []string{"20231001", "20231002"} {
		p := liProfile()
		p.StuID = id
		if _, err := s.UpsertSubject(p); err != nil {
			t.Fatal(err)
		}
		if err := s.RecordSign(id); err != nil {
			t.Fatal(err)
		}
	}

	n, err := s.ResetSigns()
	if err != nil {
		t.Fatalf("ResetSigns failed: %v", err)
	}
	if n != 2 {
		t.Errorf("expected 2 rows reset, got %d", n)
	}

	records, err := s.ListSignRecords()
	if err != nil {
		t.Fatal(err)
	}
	for _, rec := range records {
		if rec.IsSigned() || rec.SignedTime != NoSignTime {
			t.Errorf("record not reset: %+v", rec)
		}
	}
}

func TestDeleteSubject_RemovesFromBothTables(t *testing.T) {
	s, _ := newTestStore(t)
	if _, err := s.UpsertSubject(liProfile()); err != nil {
		t.Fatal(err)
	}

	res, err := s.DeleteSubject("20231001")
	if err != nil {
		t.Fatalf("DeleteSubject failed: %v", err)
	}
	if !res.ProfileDeleted || !res.SignDeleted {
		t.Errorf("expected both rows deleted, got %+v", res)
	}

	if _, err := s.FindSubject("20231001"); !errors.Is(err, ErrRecordNotFound) {
		t.Errorf("profile still present: %v", err)
	}
	if _, err := s.FindSignRecord("20231001"); !errors.Is(err, ErrRecordNotFound) {
		t.Errorf("sign record still present: %v", err)
	}

	res, err = s.DeleteSubject("20231001")
	if err != nil {
		t.Fatalf("deleting an absent subject should not fail: %v", err)
	}
	if res.ProfileDeleted || res.SignDeleted {
		t.Errorf("nothing should be deleted the second time, got %+v", res)
	}
}

func TestListAll_InsertionOrder(t *testing.T) {
	s, _ := newTestStore(t)
	ids := []string{"20231003", "20231001", "20231002"}
	for _, id := range ids {
		p := liProfile()
		p.StuID = id
		if _, err := s.UpsertSubject(p); err != nil {
			t.Fatal(err)
		}
	}

	tests := []struct {
		table   Table
		columns []string
	}{
		{ProfileTable, []string{"stu_id", "face_id", "name", "created_time", "class", "email", "phone", "addr"}},
		{SignTable, []string{"stu_id", "name", "class", "signed", "signed_time"}},
	}

	for _, tt := range tests {
		t.Run(string(tt.table), func(t *testing.T) {
			listing, err := s.ListAll(tt.table)
			if err != nil {
				t.Fatalf("ListAll failed: %v", err)
			}
			if listing.Count != 3 || len(listing.Rows) != 3 {
				t.Fatalf("expected 3 rows, got %d", listing.Count)
			}
			if strings.Join(listing.Columns, ",") != strings.Join(tt.columns, ",") {
				t.Errorf("unexpected columns %v", listing.Columns)
			}
			for i, id := range ids {
				if listing.Rows[i][0] != id {
					t.Errorf("row %d: expected %s, got %s", i, id, listing.Rows[i][0])
				}
			}
		})
	}

	if _, err := s.ListAll(Table("bogus")); err == nil {
		t.Error("expected error for unknown table")
	}
}

func TestCheckReady(t *testing.T) {
	s, log := newTestStore(t)
	modelPath := filepath.Join(t.TempDir(), "trainingData.yml")

	if err := s.CheckReady(modelPath); !errors.Is(err, ErrModelMissing) {
		t.Errorf("expected ErrModelMissing, got %v", err)
	}

	if err := os.WriteFile(modelPath, []byte("model"), 0644); err != nil {
		t.Fatal(err)
	}
	if err := s.CheckReady(modelPath); err != nil {
		t.Errorf("expected ready, got %v", err)
	}
	if !log.contains("Success: found all need database") {
		t.Errorf("expected readiness event, got %v", log.lines)
	}

	if err := os.Remove(s.signPath); err != nil {
		t.Fatal(err)
	}
	if err := s.CheckReady(modelPath); !errors.Is(err, ErrStoreUnavailable) {
		t.Errorf("expected ErrStoreUnavailable, got %v", err)
	}
}
