// Package directory resolves RFID cards against the HR system's employee
// table.
package directory

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Employee is the slice of the HR employees table a card lookup needs.
type Employee struct {
	EmployeeID        int64      `gorm:"column:employeeid;primaryKey"`
	Code              string     `gorm:"column:code"`
	IdentificationTag *string    `gorm:"column:identificationTag;index"`
	Status            string     `gorm:"column:status"`
	EndDate           *time.Time `gorm:"column:endDate"`
}

func (Employee) TableName() string { return "employees" }

// HRDirectory is a store.EmployeeDirectory over the HR MySQL schema. It is
// read-only.
type HRDirectory struct {
	db  *gorm.DB
	now func() time.Time
}

func NewHRDirectory(db *gorm.DB) *HRDirectory {
	return &HRDirectory{db: db, now: time.Now}
}

// OpenMySQL opens the HR database. Driver logging is routed to logger at
// warn level and above.
func OpenMySQL(dsn string, log *zap.Logger) (*gorm.DB, error) {
	if log == nil {
		log = zap.NewNop()
	}
	db, err := gorm.Open(mysql.Open(dsn), &gorm.Config{
		Logger: logger.New(zapWriter{log.Sugar()}, logger.Config{
			SlowThreshold:             time.Second,
			LogLevel:                  logger.Warn,
			IgnoreRecordNotFoundError: true,
		}),
	})
	if err != nil {
		return nil, fmt.Errorf("open hr database: %w", err)
	}
	return db, nil
}

// Resolve returns the employee the card is issued to. Employees whose end
// date has passed no longer resolve; when a tag was reissued the most recent
// employee wins.
func (d *HRDirectory) Resolve(ctx context.Context, rfid string) (int64, bool, error) {
	rfid = strings.TrimSpace(rfid)
	if rfid == "" {
		return 0, false, nil
	}

	var emp Employee
	err := d.lookup(d.db.WithContext(ctx), rfid).Take(&emp).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("resolve rfid: %w", err)
	}
	return emp.EmployeeID, true, nil
}

func (d *HRDirectory) lookup(tx *gorm.DB, rfid string) *gorm.DB {
	return tx.Model(&Employee{}).
		Select("employeeid").
		Where("identificationTag = ?", rfid).
		Where("(endDate IS NULL OR endDate >= ?)", d.now().UTC()).
		Order("employeeid DESC")
}

type zapWriter struct{ s *zap.SugaredLogger }

func (w zapWriter) Printf(format string, args ...any) { w.s.Warnf(format, args...) }
