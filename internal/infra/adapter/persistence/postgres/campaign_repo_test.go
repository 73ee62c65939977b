package postgres_test

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/go-cmp/cmp"

	"delivery-core/internal/domain/entity"
	"delivery-core/internal/infra/adapter/persistence/postgres"
)

/* ──────────────────────────────── helpers ──────────────────────────────── */

var campaignCols = []string{
	"id", "name", "template", "pacing_ms", "status", "sent_count", "failed_count",
	"cancelled_count", "total_count", "created_at", "updated_at",
}

func campaignRow(c *entity.Campaign) *sqlmock.Rows {
	return sqlmock.NewRows(campaignCols).AddRow(
		c.ID, c.Name, c.Template, c.PacingDelay.Milliseconds(), string(c.Status),
		int64(c.SentCount), int64(c.FailedCount), int64(c.CancelledCount), int64(c.TotalCount),
		c.CreatedAt, c.UpdatedAt,
	)
}

/* ──────────────────────────────── 1. Create / Get ──────────────────────────────── */

func TestCampaignRepo_Create(t *testing.T) {
	db, mock, _ := sqlmock.New()
	defer func() { _ = db.Close() }()

	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO campaigns`)).
		WithArgs("c-1", "spring", "Hi {{name}}", int64(500), "running", 0, 0, 0, 100, t0, t0).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := postgres.NewCampaignRepo(db).Create(context.Background(), &entity.Campaign{
		ID: "c-1", Name: "spring", Template: "Hi {{name}}", PacingDelay: 500 * time.Millisecond,
		Status: entity.CampaignRunning, TotalCount: 100, CreatedAt: t0, UpdatedAt: t0,
	})
	if err != nil {
		t.Fatalf("Create err=%v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestCampaignRepo_Get(t *testing.T) {
	db, mock, _ := sqlmock.New()
	defer func() { _ = db.Close() }()

	want := &entity.Campaign{
		ID: "c-1", Name: "spring", Template: "Hi", PacingDelay: 2 * time.Second,
		Status: entity.CampaignPaused, SentCount: 3, TotalCount: 10, CreatedAt: t0, UpdatedAt: t0,
	}
	mock.ExpectQuery(regexp.QuoteMeta(`FROM campaigns WHERE id = $1`)).
		WithArgs("c-1").
		WillReturnRows(campaignRow(want))

	got, err := postgres.NewCampaignRepo(db).Get(context.Background(), "c-1")
	if err != nil {
		t.Fatalf("Get err=%v", err)
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("mismatch (-want +got):\n%s", diff)
	}
}

/* ──────────────────────────────── 2. UpdateStatus ──────────────────────────────── */

func TestCampaignRepo_UpdateStatus(t *testing.T) {
	db, mock, _ := sqlmock.New()
	defer func() { _ = db.Close() }()

	mock.ExpectExec(regexp.QuoteMeta(`status IN ($4, $5)`)).
		WithArgs("c-1", "cancelled", sqlmock.AnyArg(), "running", "paused").
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := postgres.NewCampaignRepo(db).UpdateStatus(context.Background(), "c-1",
		entity.CampaignCancelled, entity.CampaignRunning, entity.CampaignPaused)
	if err != nil {
		t.Fatalf("UpdateStatus err=%v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestCampaignRepo_UpdateStatus_Conflict(t *testing.T) {
	db, mock, _ := sqlmock.New()
	defer func() { _ = db.Close() }()

	mock.ExpectExec(regexp.QuoteMeta(`UPDATE campaigns`)).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(regexp.QuoteMeta(`FROM campaigns WHERE id = $1`)).
		WithArgs("c-1").
		WillReturnRows(campaignRow(&entity.Campaign{ID: "c-1", Status: entity.CampaignCompleted, CreatedAt: t0, UpdatedAt: t0}))

	err := postgres.NewCampaignRepo(db).UpdateStatus(context.Background(), "c-1",
		entity.CampaignPaused, entity.CampaignRunning)
	if !errors.Is(err, entity.ErrInvalidTransition) {
		t.Fatalf("want ErrInvalidTransition, got %v", err)
	}
}

/* ──────────────────────────────── 3. ApplyOutcome ──────────────────────────────── */

func TestCampaignRepo_ApplyOutcome(t *testing.T) {
	db, mock, _ := sqlmock.New()
	defer func() { _ = db.Close() }()

	after := &entity.Campaign{
		ID: "c-1", Status: entity.CampaignCompleted, SentCount: 80, FailedCount: 20,
		TotalCount: 100, CreatedAt: t0, UpdatedAt: t0,
	}
	mock.ExpectQuery(`(?s)UPDATE campaigns.*failed_count = failed_count \+ \$3.*RETURNING`).
		WithArgs("c-1", 0, 1, 0, sqlmock.AnyArg()).
		WillReturnRows(campaignRow(after))

	got, err := postgres.NewCampaignRepo(db).ApplyOutcome(context.Background(), "c-1", entity.StatusFailed)
	if err != nil {
		t.Fatalf("ApplyOutcome err=%v", err)
	}
	if diff := cmp.Diff(after, got); diff != "" {
		t.Fatalf("mismatch (-want +got):\n%s", diff)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestCampaignRepo_AddMembers(t *testing.T) {
	db, mock, _ := sqlmock.New()
	defer func() { _ = db.Close() }()

	mock.ExpectExec(`(?s)UPDATE campaigns.*total_count = total_count \+ \$2.*status NOT IN`).
		WithArgs("c-1", 3, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := postgres.NewCampaignRepo(db).AddMembers(context.Background(), "c-1", 3); err != nil {
		t.Fatalf("AddMembers err=%v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestCampaignRepo_AddMembers_Terminal(t *testing.T) {
	db, mock, _ := sqlmock.New()
	defer func() { _ = db.Close() }()

	mock.ExpectExec(regexp.QuoteMeta(`UPDATE campaigns`)).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(regexp.QuoteMeta(`FROM campaigns WHERE id = $1`)).
		WithArgs("c-1").
		WillReturnRows(campaignRow(&entity.Campaign{ID: "c-1", Status: entity.CampaignCancelled, CreatedAt: t0, UpdatedAt: t0}))

	err := postgres.NewCampaignRepo(db).AddMembers(context.Background(), "c-1", 1)
	if !errors.Is(err, entity.ErrInvalidTransition) {
		t.Fatalf("want ErrInvalidTransition, got %v", err)
	}
}

/* ──────────────────────────────── 4. Attempts ──────────────────────────────── */

func TestAttemptRepo_RecordAndList(t *testing.T) {
	db, mock, _ := sqlmock.New()
	defer func() { _ = db.Close() }()

	a := &entity.DeliveryAttempt{
		QueueItemID: "q-1", ProviderID: "web-a", AttemptNumber: 2, Outcome: entity.AttemptFailure,
		LatencyMS: 120, ErrorKind: entity.ErrorKindTransient, Error: "HTTP 503", Timestamp: t0,
	}
	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO delivery_attempts`)).
		WithArgs("q-1", "web-a", 2, "failure", int64(120), "transient", "HTTP 503", t0).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectQuery(regexp.QuoteMeta(`FROM delivery_attempts`)).
		WithArgs("q-1").
		WillReturnRows(sqlmock.NewRows([]string{
			"queue_item_id", "provider_id", "attempt_number", "outcome", "latency_ms", "error_kind", "error", "attempted_at",
		}).AddRow("q-1", "web-a", int64(2), "failure", int64(120), "transient", "HTTP 503", t0))

	repo := postgres.NewAttemptRepo(db)
	if err := repo.Record(context.Background(), a); err != nil {
		t.Fatalf("Record err=%v", err)
	}
	got, err := repo.ListByItem(context.Background(), "q-1")
	if err != nil {
		t.Fatalf("ListByItem err=%v", err)
	}
	if diff := cmp.Diff([]*entity.DeliveryAttempt{a}, got); diff != "" {
		t.Fatalf("mismatch (-want +got):\n%s", diff)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}
