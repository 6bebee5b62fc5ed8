package postgres

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	resources "minifarm-monitor/internal/resources/domain"
)

func sampleDefinitions() []resources.Definition {
	return []resources.Definition{
		{DeviceID: "farm", Remote: "Temp", Canonical: "Temperature", Category: resources.CategorySensor, Interval: 30 * time.Second},
		{DeviceID: "farm", Remote: "Fan1", Canonical: "Fan", Category: resources.CategoryActuator},
	}
}

func TestDefinitionRepositoryReplaceCommits(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectExec("DELETE FROM resource_definitions").WithArgs("farm").WillReturnResult(sqlmock.NewResult(0, 3))
	mock.ExpectExec("INSERT INTO resource_definitions").
		WithArgs("farm", "sensor", "Temp", "Temperature", int64(30000), 0).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO resource_definitions").
		WithArgs("farm", "actuator", "Fan1", "Fan", nil, 1).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	if err := NewDefinitionRepository(db).Replace(context.Background(), "farm", sampleDefinitions()); err != nil {
		t.Fatalf("replace: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestDefinitionRepositoryReplaceRollsBack(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectExec("DELETE FROM resource_definitions").WillReturnResult(sqlmock.NewResult(0, 3))
	mock.ExpectExec("INSERT INTO resource_definitions").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO resource_definitions").WillReturnError(errors.New("constraint violation"))
	mock.ExpectRollback()

	if err := NewDefinitionRepository(db).Replace(context.Background(), "farm", sampleDefinitions()); err == nil {
		t.Fatalf("expected replace error")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestDefinitionRepositoryReplaceValidatesFirst(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	repo := NewDefinitionRepository(db)
	bad := []resources.Definition{{DeviceID: "farm", Remote: "Temp", Category: resources.CategorySensor}}
	if err := repo.Replace(context.Background(), "farm", bad); err == nil {
		t.Fatalf("expected validation error")
	}
	foreign := []resources.Definition{{DeviceID: "other", Remote: "Temp", Canonical: "Temperature", Category: resources.CategorySensor}}
	if err := repo.Replace(context.Background(), "farm", foreign); err == nil {
		t.Fatalf("expected device mismatch error")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unexpected statements: %v", err)
	}
}

func TestDefinitionRepositoryList(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	rows := sqlmock.NewRows([]string{"device_id", "category", "remote", "canonical", "interval_ms"}).
		AddRow("farm", "sensor", "Temp", "Temperature", int64(30000)).
		AddRow("farm", "inference", "Health", "Health", nil)
	mock.ExpectQuery("SELECT device_id, category, remote, canonical, interval_ms").
		WithArgs("farm", "").
		WillReturnRows(rows)

	defs, err := NewDefinitionRepository(db).List(context.Background(), "farm", "")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(defs) != 2 {
		t.Fatalf("defs = %+v", defs)
	}
	if defs[0].Interval != 30*time.Second || defs[0].Category != resources.CategorySensor {
		t.Fatalf("first = %+v", defs[0])
	}
	if defs[1].Category != resources.CategoryInference || defs[1].Interval != 0 {
		t.Fatalf("second = %+v", defs[1])
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestDefinitionRepositoryNilDB(t *testing.T) {
	repo := NewDefinitionRepository(nil)
	if err := repo.Replace(context.Background(), "farm", nil); err == nil {
		t.Fatalf("expected nil db error")
	}
	if _, err := repo.List(context.Background(), "farm", ""); err == nil {
		t.Fatalf("expected nil db error")
	}
}
