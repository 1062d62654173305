package db

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/lib/pq"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/angelmondragon/communitypay-backend/pkg/logger"
)

type testModel struct {
	ID   int
	Name string
}

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	conn, err := gorm.Open(sqlite.Open(fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())), &gorm.Config{
		SkipDefaultTransaction: true,
	})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := conn.AutoMigrate(&testModel{}); err != nil {
		t.Fatalf("failed to migrate sqlite: %v", err)
	}
	return conn
}

func TestWithTx_CommitsAndRollbacks(t *testing.T) {
	db := newTestDB(t)
	client := FromConn(db)

	ctx := context.Background()
	if err := client.WithTx(ctx, func(tx *gorm.DB) error {
		return tx.Create(&testModel{Name: "committed"}).Error
	}); err != nil {
		t.Fatalf("WithTx commit failed: %v", err)
	}

	var count int64
	if err := db.Model(&testModel{}).Count(&count).Error; err != nil {
		t.Fatalf("count failed: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected 1 record, got %d", count)
	}

	err := client.WithTx(ctx, func(tx *gorm.DB) error {
		if err := tx.Create(&testModel{Name: "rolled"}).Error; err != nil {
			return err
		}
		return errors.New("boom")
	})
	if err == nil {
		t.Fatal("expected WithTx to return an error")
	}
	if err := db.Model(&testModel{}).Count(&count).Error; err != nil {
		t.Fatalf("count failed after rollback: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected rollback to leave 1 record, got %d", count)
	}
}

func TestPing(t *testing.T) {
	db := newTestDB(t)
	client := FromConn(db)
	if err := client.Ping(context.Background()); err != nil {
		t.Fatalf("unexpected ping error: %v", err)
	}
}

func TestIsUniqueViolation(t *testing.T) {
	db := newTestDB(t)
	if err := db.Exec(`CREATE UNIQUE INDEX IF NOT EXISTS idx_test_models_name ON test_models (name)`).Error; err != nil {
		t.Fatalf("create index: %v", err)
	}
	if err := db.Create(&testModel{Name: "dup"}).Error; err != nil {
		t.Fatalf("first insert: %v", err)
	}
	err := db.Create(&testModel{Name: "dup"}).Error
	if !IsUniqueViolation(err, "") {
		t.Fatalf("expected unique violation, got %v", err)
	}
	if IsUniqueViolation(errors.New("connection reset"), "") {
		t.Fatal("unrelated error should not be a unique violation")
	}
	if !IsUniqueViolation(errors.New(`duplicate key value violates unique constraint "uq_payment_reference"`), "uq_payment_reference") {
		t.Fatal("expected constraint match")
	}
}

func TestIsUniqueViolationUsesSQLState(t *testing.T) {
	err := fmt.Errorf("create split: %w", &pgconn.PgError{Code: "23505", ConstraintName: "ux_revenue_splits_active"})
	if !IsUniqueViolation(err, "") || !IsUniqueViolation(err, "ux_revenue_splits_active") {
		t.Fatal("expected pgx unique violation to match")
	}
	if IsUniqueViolation(err, "ux_member_subscriptions_open") {
		t.Fatal("different constraint should not match")
	}
	if IsUniqueViolation(&pq.Error{Code: "23503"}, "") {
		t.Fatal("foreign key violation is not a unique violation")
	}
}

func TestWithTxRetriesSerializationFailures(t *testing.T) {
	client := FromConn(newTestDB(t))
	attempts := 0
	err := client.WithTx(context.Background(), func(tx *gorm.DB) error {
		attempts++
		if attempts < 3 {
			return &pgconn.PgError{Code: "40001"}
		}
		return tx.Create(&testModel{Name: "third time"}).Error
	})
	if err != nil {
		t.Fatalf("expected success on third attempt: %v", err)
	}
	if attempts != 3 {
		t.Fatalf("expected 3 attempts, got %d", attempts)
	}

	attempts = 0
	err = client.WithTx(context.Background(), func(*gorm.DB) error {
		attempts++
		return &pgconn.PgError{Code: "40P01"}
	})
	if !IsRetryableTx(err) || attempts != maxTxAttempts {
		t.Fatalf("expected exhausted retries, attempts=%d err=%v", attempts, err)
	}
}

func TestQueryLoggerReportsSlowAndFailedQueries(t *testing.T) {
	buf := &bytes.Buffer{}
	logg := logger.New(logger.Options{ServiceName: "test", Output: buf, Format: logger.FormatJSON})
	ql := newQueryLogger(logg, 10*time.Millisecond)
	sql := func() (string, int64) { return "SELECT 1", 1 }

	ql.Trace(context.Background(), time.Now(), sql, nil)
	if buf.Len() != 0 {
		t.Fatalf("fast query should not be logged: %s", buf.String())
	}
	ql.Trace(context.Background(), time.Now(), sql, gorm.ErrRecordNotFound)
	if buf.Len() != 0 {
		t.Fatalf("record not found should not be logged: %s", buf.String())
	}
	ql.Trace(context.Background(), time.Now().Add(-time.Second), sql, nil)
	if !strings.Contains(buf.String(), "slow query") {
		t.Fatalf("expected slow query warning: %s", buf.String())
	}
	ql.LogMode(gormlogger.Silent).Trace(context.Background(), time.Now(), sql, errors.New("boom"))
	if strings.Contains(buf.String(), "query failed") {
		t.Fatalf("silent mode should suppress errors")
	}
}
