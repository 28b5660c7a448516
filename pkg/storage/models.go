package storage

import (
	"time"
)

const (
	// Signed is the value of SignRecord.Signed once a subject has signed in.
	Signed = "yes"
	// NotSigned is the initial value of SignRecord.Signed.
	NotSigned = "no"
	// NoSignTime is the initial value of SignRecord.SignedTime.
	NoSignTime = "none"
	// UnassignedFaceID marks a subject that has not been trained yet.
	UnassignedFaceID = -1

	// SignTimeFormat is the layout of SignRecord.SignedTime.
	SignTimeFormat = "2006-01-02 15:04:05"
	// DateFormat is the layout used when printing Subject.EnrolledAt.
	DateFormat = "2006-01-02"
)

// Profile is the operator-supplied part of a subject.
type Profile struct {
	StuID   string `validate:"stuid"`
	Name    string `validate:"personname"`
	Class   string `validate:"cjkalnum"`
	Email   string `validate:"mailbox"`
	Phone   string `validate:"phone"`
	Address string `validate:"cjkalnum"`
}

// Subject is a row of the profile table.
type Subject struct {
	StuID      string    `gorm:"column:stu_id;type:text;primaryKey"`
	FaceID     int       `gorm:"column:face_id;type:integer;default:-1"`
	Name       string    `gorm:"column:name;type:text"`
	EnrolledAt time.Time `gorm:"column:created_time;type:date"`
	Class      string    `gorm:"column:class;type:text"`
	Email      string    `gorm:"column:email;type:text"`
	Phone      string    `gorm:"column:phone;type:text"`
	Address    string    `gorm:"column:addr;type:text"`
}

// TableName keeps the table name used by existing databases.
func (Subject) TableName() string { return "users" }

// Profile returns the mutable fields of the subject.
func (s Subject) Profile() Profile {
	return Profile{
		StuID:   s.StuID,
		Name:    s.Name,
		Class:   s.Class,
		Email:   s.Email,
		Phone:   s.Phone,
		Address: s.Address,
	}
}

// SignRecord is a row of the sign table.
type SignRecord struct {
	StuID      string `gorm:"column:stu_id;type:text;primaryKey"`
	Name       string `gorm:"column:name;type:text"`
	Class      string `gorm:"column:class;type:text"`
	Signed     string `gorm:"column:signed;type:text;default:no"`
	SignedTime string `gorm:"column:signed_time;type:text;default:none"`
}

// TableName keeps the table name used by existing databases.
func (SignRecord) TableName() string { return "users" }

// IsSigned reports whether the subject has signed in.
func (r SignRecord) IsSigned() bool {
	return r.Signed == Signed
}

// Counts holds the row count of each table.
type Counts struct {
	Profiles int64
	Signs    int64
}

// UpsertResult reports the outcome of UpsertSubject per table.
type UpsertResult struct {
	Existed   bool
	ProfileOK bool
	SignOK    bool
}

// OK reports whether both tables were written.
func (r UpsertResult) OK() bool {
	return r.ProfileOK && r.SignOK
}

// Partial reports whether exactly one table was written.
func (r UpsertResult) Partial() bool {
	return r.ProfileOK != r.SignOK
}

// DeleteResult reports which tables had a row removed.
type DeleteResult struct {
	ProfileDeleted bool
	SignDeleted    bool
}

// Table selects one of the two databases.
type Table string

const (
	// ProfileTable is the subject profile store.
	ProfileTable Table = "profile"
	// SignTable is the sign-in store.
	SignTable Table = "sign"
)

// Listing is the full content of one table.
type Listing struct {
	Table   Table
	Columns []string
	Rows    [][]string
	Count   int
}
