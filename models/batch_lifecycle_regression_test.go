package models_test

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"regexp"
	"strings"
	"sync"
	"testing"
	"time"

	"bitbucket.org/hcsaude/assessments_backend/config"
	"bitbucket.org/hcsaude/assessments_backend/models"
	"bitbucket.org/hcsaude/assessments_backend/utils"
	"bitbucket.org/hcsaude/assessments_backend/workflow"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

const (
	testClinicId   = 1
	hrCpf          = "52998224725"
	emitterCpf     = "11144477735"
	subjectOneCpf  = "12345678901"
	subjectTwoCpf  = "98765432100"
	subjectOneName = "Subject One"
	subjectTwoName = "Subject Two"
)

func setupIntegrationEnv(t *testing.T) context.Context {
	t.Helper()
	if strings.TrimSpace(os.Getenv("INTEGRATION_TESTS")) == "" {
		t.Skip("set INTEGRATION_TESTS=1 to run integration tests (requires docker)")
	}

	redisName, redisPort := startRedisContainer(t)
	t.Cleanup(func() { _ = dockerRmForce(redisName) })

	mysqlName, mysqlPort := startMySQLContainer(t)
	t.Cleanup(func() { _ = dockerRmForce(mysqlName) })

	// Wire env for config.Connect* helpers.
	t.Setenv("REDIS_ADDRESS", fmt.Sprintf("127.0.0.1:%s", redisPort))
	t.Setenv("DB_USER", "root")
	t.Setenv("DB_PASSWORD", "testpw")
	t.Setenv("DB_HOST", "127.0.0.1")
	t.Setenv("DB_PORT", mysqlPort)
	t.Setenv("DB_NAME", "assessments_test")

	config.ConnectDatabaseWithRetry()
	config.ConnectRedisWithRetry()
	models.MigrateTable()

	// Audit hooks require an actor; setup writes run as system.
	ctx := context.Background()
	ctx = utils.SetActorIdInContext(ctx, "system")
	ctx = utils.SetActorNameInContext(ctx, "Test Setup")
	ctx = utils.SetIsSystemInContext(ctx, true)
	ctx = utils.SetSkipTenantScopeInContext(ctx, true)
	return ctx
}

func createTestStaff(t *testing.T, ctx context.Context, cpf, name string, role models.ActorRole) *models.Staff {
	t.Helper()
	clinicId := testClinicId
	staff, err := models.CreateStaff(ctx, &models.NewStaff{
		ClinicId: &clinicId,
		Cpf:      cpf,
		Name:     name,
		Role:     role,
		Password: "Test1234!",
		IsActive: utils.NewTrue(),
	})
	if err != nil {
		t.Fatalf("CreateStaff(%s): %v", role, err)
	}
	return staff
}

func hrActor() workflow.Actor {
	clinicId := testClinicId
	return workflow.Actor{Id: hrCpf, Name: "Test HR", Role: models.ActorRoleHR, ClinicId: &clinicId}
}

func hrContext(ctx context.Context) context.Context {
	hrCtx := utils.SetActorIdInContext(ctx, hrCpf)
	hrCtx = utils.SetActorNameInContext(hrCtx, "Test HR")
	hrCtx = utils.SetActorRoleInContext(hrCtx, string(models.ActorRoleHR))
	return utils.SetClinicIdInContext(hrCtx, testClinicId)
}

func createTestBatch(t *testing.T, subjects ...models.NewEvaluation) *models.Batch {
	t.Helper()
	batch, err := models.CreateBatch(hrContext(context.Background()), &models.NewBatch{
		Description: "quarterly assessment",
		Subjects:    subjects,
	})
	if err != nil {
		t.Fatalf("CreateBatch: %v", err)
	}
	return batch
}

func testAnswers(score int64) []models.NewEvaluationAnswer {
	return []models.NewEvaluationAnswer{
		{ItemGroup: "posture", ItemCode: "p1", Value: decimal.NewFromInt(score)},
		{ItemGroup: "hearing", ItemCode: "h1", Value: decimal.NewFromInt(score + 1)},
	}
}

func countReports(t *testing.T, ctx context.Context, batchId int) int64 {
	t.Helper()
	var count int64
	if err := config.GetDB().WithContext(ctx).Model(&models.Report{}).
		Where("batch_id = ?", batchId).Count(&count).Error; err != nil {
		t.Fatalf("count reports: %v", err)
	}
	return count
}

func TestBatchLifecycleIssuesOneImmutableReport(t *testing.T) {
	sysCtx := setupIntegrationEnv(t)
	t.Setenv("SKIP_IMMEDIATE_ISSUANCE", "")

	createTestStaff(t, sysCtx, hrCpf, "Test HR", models.ActorRoleHR)
	createTestStaff(t, sysCtx, emitterCpf, "Test Emitter", models.ActorRoleEmitter)

	batch := createTestBatch(t,
		models.NewEvaluation{SubjectId: subjectOneCpf, SubjectName: subjectOneName},
		models.NewEvaluation{SubjectId: subjectTwoCpf, SubjectName: subjectTwoName},
	)
	if batch.Status != models.BatchStatusDraft {
		t.Fatalf("new batch status: got %s, want draft", batch.Status)
	}
	if !strings.HasPrefix(batch.Code, "LT-") {
		t.Fatalf("unexpected batch code: %q", batch.Code)
	}
	if len(batch.Evaluations) != 2 {
		t.Fatalf("expected 2 evaluations, got %d", len(batch.Evaluations))
	}

	ctx := context.Background()
	actor := hrActor()

	// First completion opens the batch but does not close it.
	_, issuance, err := workflow.CompleteEvaluation(ctx, actor, batch.Evaluations[0].ID, testAnswers(3))
	if err != nil {
		t.Fatalf("CompleteEvaluation(first): %v", err)
	}
	if issuance != nil {
		t.Fatalf("no issuance expected with one evaluation pending, got %+v", issuance)
	}
	mid, err := models.GetBatch(hrContext(ctx), batch.ID)
	if err != nil {
		t.Fatalf("GetBatch after first completion: %v", err)
	}
	if mid.Status != models.BatchStatusActive {
		t.Fatalf("batch status after first completion: got %s, want active", mid.Status)
	}

	// Last completion closes the batch and issues the report synchronously.
	_, issuance, err = workflow.CompleteEvaluation(ctx, actor, batch.Evaluations[1].ID, testAnswers(4))
	if err != nil {
		t.Fatalf("CompleteEvaluation(last): %v", err)
	}
	if issuance == nil || issuance.Report == nil {
		t.Fatalf("expected immediate issuance on last completion, got %+v", issuance)
	}
	if issuance.AlreadyIssued {
		t.Fatal("first issuance reported as already issued")
	}
	report := issuance.Report
	if report.Status != models.ReportStatusIssued {
		t.Fatalf("report status: got %s, want issued", report.Status)
	}
	if len(report.ContentHash) != 64 {
		t.Fatalf("content hash must be 64 hex chars, got %q", report.ContentHash)
	}

	issued, err := models.GetBatch(hrContext(ctx), batch.ID)
	if err != nil {
		t.Fatalf("GetBatch after issuance: %v", err)
	}
	if issued.Status != models.BatchStatusIssued {
		t.Fatalf("batch status after issuance: got %s, want issued", issued.Status)
	}
	if issued.IssuedAt == nil {
		t.Fatal("issued_at not stamped")
	}

	// A second issuance attempt hands back the existing report, no error.
	err = workflow.WithActorTransaction(ctx, workflow.SystemActor(), func(ctx context.Context, tx *gorm.DB) error {
		locked, err := models.FetchBatchForUpdate(tx, batch.ID)
		if err != nil {
			return err
		}
		res, err := workflow.IssueReport(tx, locked, workflow.IssuanceOptions{})
		if err != nil {
			return err
		}
		if !res.AlreadyIssued {
			t.Fatal("repeat issuance must report already issued")
		}
		if res.Report == nil || res.Report.ID != report.ID {
			t.Fatalf("repeat issuance returned a different report: %+v", res.Report)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("repeat issuance: %v", err)
	}
	if n := countReports(t, sysCtx, batch.ID); n != 1 {
		t.Fatalf("expected exactly 1 report row, got %d", n)
	}

	// A duplicate report insert rolled back to a savepoint must not take the
	// rest of the transaction down with it.
	marker := models.Notification{
		Kind:      models.NotificationKindIssuanceFailed,
		Recipient: "operations",
		Title:     "savepoint marker",
	}
	err = workflow.WithActorTransaction(ctx, workflow.SystemActor(), func(ctx context.Context, tx *gorm.DB) error {
		if err := models.CreateNotification(tx, &marker); err != nil {
			return err
		}
		if err := tx.SavePoint("dup_report").Error; err != nil {
			return err
		}
		dup := models.Report{BatchId: batch.ID, Status: models.ReportStatusIssued, ContentHash: report.ContentHash, EmitterId: report.EmitterId}
		insertErr := tx.Create(&dup).Error
		if !utils.IsDuplicateKeyError(insertErr) {
			t.Fatalf("duplicate report insert: got %v, want mysql 1062", insertErr)
		}
		return tx.RollbackTo("dup_report").Error
	})
	if err != nil {
		t.Fatalf("savepoint containment transaction: %v", err)
	}
	var markerCount int64
	if err := config.GetDB().WithContext(sysCtx).Model(&models.Notification{}).
		Where("id = ?", marker.ID).Count(&markerCount).Error; err != nil || markerCount != 1 {
		t.Fatalf("marker row did not survive the contained duplicate insert: count=%d err=%v", markerCount, err)
	}
	if n := countReports(t, sysCtx, batch.ID); n != 1 {
		t.Fatalf("expected still exactly 1 report row, got %d", n)
	}

	// The issued batch's data is frozen at the statement layer.
	db := config.GetDB()
	err = db.WithContext(hrContext(ctx)).Model(&models.Evaluation{}).
		Where("id = ?", batch.Evaluations[0].ID).
		Updates(map[string]interface{}{"subject_name": "Tampered"}).Error
	if !errors.Is(err, utils.ErrorImmutableState) {
		t.Fatalf("evaluation update after issuance: got %v, want immutable-state rejection", err)
	}
	err = db.WithContext(hrContext(ctx)).Model(&models.Batch{}).
		Where("id = ?", batch.ID).
		Updates(map[string]interface{}{"description": "tampered"}).Error
	if !errors.Is(err, utils.ErrorImmutableState) {
		t.Fatalf("batch description update after issuance: got %v, want immutable-state rejection", err)
	}

	// Statements that target frozen rows without a primary key are caught too.
	err = db.WithContext(hrContext(ctx)).Model(&models.Evaluation{}).
		Where("batch_id = ?", batch.ID).
		Updates(map[string]interface{}{"subject_name": "Tampered"}).Error
	if !errors.Is(err, utils.ErrorImmutableState) {
		t.Fatalf("non-pk evaluation update after issuance: got %v, want immutable-state rejection", err)
	}
	err = db.WithContext(hrContext(ctx)).
		Where("evaluation_id = ?", batch.Evaluations[0].ID).
		Delete(&models.EvaluationAnswer{}).Error
	if !errors.Is(err, utils.ErrorImmutableState) {
		t.Fatalf("non-pk answer delete after issuance: got %v, want immutable-state rejection", err)
	}

	// Digest mismatch is rejected and leaves the report recoverable.
	_, err = workflow.ConfirmUpload(ctx, actor, report.ID, strings.Repeat("0", 64), "gs://bucket/bad")
	if !errors.Is(err, utils.ErrorIntegrityMismatch) {
		t.Fatalf("mismatched digest: got %v, want integrity mismatch", err)
	}
	afterMismatch, err := models.GetReport(hrContext(ctx), report.ID)
	if err != nil {
		t.Fatalf("GetReport after mismatch: %v", err)
	}
	if afterMismatch.Status != models.ReportStatusIssued {
		t.Fatalf("report status after mismatch: got %s, want issued", afterMismatch.Status)
	}

	// Matching digest moves report and batch to sent.
	remoteRef := fmt.Sprintf("gs://bucket/reports/batch_%d.html", batch.ID)
	sent, err := workflow.ConfirmUpload(ctx, actor, report.ID, report.ContentHash, remoteRef)
	if err != nil {
		t.Fatalf("ConfirmUpload: %v", err)
	}
	if sent.Status != models.ReportStatusSent || sent.RemoteRef != remoteRef {
		t.Fatalf("unexpected sent report: status=%s ref=%q", sent.Status, sent.RemoteRef)
	}
	final, err := models.GetBatch(hrContext(ctx), batch.ID)
	if err != nil {
		t.Fatalf("GetBatch after send: %v", err)
	}
	if final.Status != models.BatchStatusSent {
		t.Fatalf("batch status after send: got %s, want sent", final.Status)
	}

	// Repeating the confirmation with the same digest is a no-op.
	again, err := workflow.ConfirmUpload(ctx, actor, report.ID, report.ContentHash, remoteRef)
	if err != nil {
		t.Fatalf("repeat ConfirmUpload: %v", err)
	}
	if again.Status != models.ReportStatusSent {
		t.Fatalf("repeat confirmation changed status: %s", again.Status)
	}
	// A different digest after sent is a conflict.
	if _, err := workflow.ConfirmUpload(ctx, actor, report.ID, strings.Repeat("1", 64), remoteRef); !errors.Is(err, utils.ErrorStateConflict) {
		t.Fatalf("post-sent digest change: got %v, want state conflict", err)
	}

	// Lifecycle events were queued for the dispatcher inside the transactions.
	pending, err := models.PendingNotifications(sysCtx, 50)
	if err != nil {
		t.Fatalf("PendingNotifications: %v", err)
	}
	kinds := make(map[models.NotificationKind]bool)
	for _, n := range pending {
		kinds[n.Kind] = true
	}
	for _, want := range []models.NotificationKind{
		models.NotificationKindBatchCompleted,
		models.NotificationKindUploadDigestError,
		models.NotificationKindReportSent,
	} {
		if !kinds[want] {
			t.Fatalf("missing pending notification kind %s (got %v)", want, kinds)
		}
	}

	// Another tenant sees nothing of this batch.
	otherCtx := utils.SetActorIdInContext(context.Background(), "99999999999")
	otherCtx = utils.SetClinicIdInContext(otherCtx, testClinicId+1)
	others, err := models.GetBatches(otherCtx, nil)
	if err != nil {
		t.Fatalf("GetBatches(other tenant): %v", err)
	}
	if len(others) != 0 {
		t.Fatalf("tenant isolation broken: other clinic sees %d batches", len(others))
	}
	if _, err := models.GetBatch(otherCtx, batch.ID); !errors.Is(err, utils.ErrorRecordNotFound) {
		t.Fatalf("GetBatch(other tenant): got %v, want record not found", err)
	}
}

func TestIssuanceWithoutEmitterBlocksAndRecovers(t *testing.T) {
	sysCtx := setupIntegrationEnv(t)
	t.Setenv("SKIP_IMMEDIATE_ISSUANCE", "")

	createTestStaff(t, sysCtx, hrCpf, "Test HR", models.ActorRoleHR)

	batch := createTestBatch(t,
		models.NewEvaluation{SubjectId: subjectOneCpf, SubjectName: subjectOneName},
	)

	ctx := context.Background()
	actor := hrActor()

	// Closing the batch with no emitter in the directory blocks issuance
	// without failing the completing transaction.
	_, issuance, err := workflow.CompleteEvaluation(ctx, actor, batch.Evaluations[0].ID, testAnswers(2))
	if err != nil {
		t.Fatalf("CompleteEvaluation: %v", err)
	}
	if issuance == nil || !issuance.NoEmitter {
		t.Fatalf("expected no-emitter outcome, got %+v", issuance)
	}
	if n := countReports(t, sysCtx, batch.ID); n != 0 {
		t.Fatalf("expected no report rows, got %d", n)
	}
	blocked, err := models.GetBatch(hrContext(ctx), batch.ID)
	if err != nil {
		t.Fatalf("GetBatch: %v", err)
	}
	if blocked.Status != models.BatchStatusCompleted {
		t.Fatalf("blocked batch status: got %s, want completed", blocked.Status)
	}

	var alert models.Notification
	err = config.GetDB().WithContext(sysCtx).
		Where("kind = ? AND batch_id = ?", models.NotificationKindNoEligibleEmitter, batch.ID).
		First(&alert).Error
	if err != nil {
		t.Fatalf("expected no-eligible-emitter notification: %v", err)
	}
	if alert.Priority != models.NotificationPriorityHigh {
		t.Fatalf("emitter alert priority: got %s, want high", alert.Priority)
	}

	// Once an emitter exists, an explicit emission request goes through.
	createTestStaff(t, sysCtx, emitterCpf, "Test Emitter", models.ActorRoleEmitter)
	result, err := workflow.RequestEmission(ctx, actor, batch.ID, workflow.IssuanceOptions{})
	if err != nil {
		t.Fatalf("RequestEmission after adding emitter: %v", err)
	}
	if result == nil || result.Report == nil {
		t.Fatalf("expected issued report, got %+v", result)
	}
	recovered, err := models.GetBatch(hrContext(ctx), batch.ID)
	if err != nil {
		t.Fatalf("GetBatch after recovery: %v", err)
	}
	if recovered.Status != models.BatchStatusIssued {
		t.Fatalf("recovered batch status: got %s, want issued", recovered.Status)
	}

	// Emergency emission on a still-open batch: gated by the flag, requires a
	// reason, and marks the batch.
	open := createTestBatch(t,
		models.NewEvaluation{SubjectId: subjectTwoCpf, SubjectName: subjectTwoName},
	)

	t.Setenv("EMERGENCY_ISSUANCE_ENABLED", "")
	if _, err := workflow.RequestEmission(ctx, actor, open.ID, workflow.IssuanceOptions{Emergency: true, EmergencyReason: "court order"}); err == nil {
		t.Fatal("emergency emission must be rejected while the flag is off")
	}

	t.Setenv("EMERGENCY_ISSUANCE_ENABLED", "true")
	if _, err := workflow.RequestEmission(ctx, actor, open.ID, workflow.IssuanceOptions{Emergency: true}); err == nil {
		t.Fatal("emergency emission without a reason must be rejected")
	}

	result, err = workflow.RequestEmission(ctx, actor, open.ID, workflow.IssuanceOptions{Emergency: true, EmergencyReason: "court order"})
	if err != nil {
		t.Fatalf("emergency RequestEmission: %v", err)
	}
	if result == nil || result.Report == nil {
		t.Fatalf("expected emergency-issued report, got %+v", result)
	}
	emergency, err := models.GetBatch(hrContext(ctx), open.ID)
	if err != nil {
		t.Fatalf("GetBatch(emergency): %v", err)
	}
	if !emergency.EmergencyMode || emergency.EmergencyReason != "court order" {
		t.Fatalf("emergency markers not persisted: mode=%v reason=%q", emergency.EmergencyMode, emergency.EmergencyReason)
	}
}

func TestConcurrentEmissionRequestsProduceOneReport(t *testing.T) {
	sysCtx := setupIntegrationEnv(t)
	// Keep completion from issuing so the racing requests do.
	t.Setenv("SKIP_IMMEDIATE_ISSUANCE", "true")

	createTestStaff(t, sysCtx, hrCpf, "Test HR", models.ActorRoleHR)
	createTestStaff(t, sysCtx, emitterCpf, "Test Emitter", models.ActorRoleEmitter)

	batch := createTestBatch(t,
		models.NewEvaluation{SubjectId: subjectOneCpf, SubjectName: subjectOneName},
	)

	ctx := context.Background()
	actor := hrActor()

	_, issuance, err := workflow.CompleteEvaluation(ctx, actor, batch.Evaluations[0].ID, testAnswers(5))
	if err != nil {
		t.Fatalf("CompleteEvaluation: %v", err)
	}
	if issuance != nil {
		t.Fatalf("issuance gate ignored: %+v", issuance)
	}
	if n := countReports(t, sysCtx, batch.ID); n != 0 {
		t.Fatalf("report issued despite gate: %d rows", n)
	}

	// Race emission requests; the batch row lock serializes them, so exactly
	// one issues and the rest either get the existing report or a state
	// conflict.
	const attempts = 4
	var wg sync.WaitGroup
	results := make([]*workflow.IssuanceResult, attempts)
	errs := make([]error, attempts)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = workflow.RequestEmission(context.Background(), hrActor(), batch.ID, workflow.IssuanceOptions{})
		}(i)
	}
	wg.Wait()

	issuedCount := 0
	reportId := 0
	for i := 0; i < attempts; i++ {
		switch {
		case errs[i] == nil && results[i] != nil && results[i].Report != nil:
			if reportId == 0 {
				reportId = results[i].Report.ID
			} else if results[i].Report.ID != reportId {
				t.Fatalf("attempt %d returned a different report: %d vs %d", i, results[i].Report.ID, reportId)
			}
			if !results[i].AlreadyIssued {
				issuedCount++
			}
		case errors.Is(errs[i], utils.ErrorStateConflict):
			// Loser found the batch already issued; an emission request on an
			// issued batch is an illegal transition, not a retryable race.
		default:
			t.Fatalf("attempt %d: unexpected outcome result=%+v err=%v", i, results[i], errs[i])
		}
	}
	if issuedCount != 1 {
		t.Fatalf("expected exactly one fresh issuance, got %d", issuedCount)
	}
	if n := countReports(t, sysCtx, batch.ID); n != 1 {
		t.Fatalf("expected exactly 1 report row after race, got %d", n)
	}

	final, err := models.GetBatch(hrContext(ctx), batch.ID)
	if err != nil {
		t.Fatalf("GetBatch after race: %v", err)
	}
	if final.Status != models.BatchStatusIssued {
		t.Fatalf("batch status after race: got %s, want issued", final.Status)
	}
}

// Two transactions race through issuance itself, each with a snapshot
// established before either issues. The loser must come back with the
// winner's report, never an error, and the loser's other writes must commit.
func TestConcurrentIssuanceReturnsExistingReport(t *testing.T) {
	sysCtx := setupIntegrationEnv(t)
	t.Setenv("SKIP_IMMEDIATE_ISSUANCE", "true")

	createTestStaff(t, sysCtx, hrCpf, "Test HR", models.ActorRoleHR)
	createTestStaff(t, sysCtx, emitterCpf, "Test Emitter", models.ActorRoleEmitter)

	batch := createTestBatch(t,
		models.NewEvaluation{SubjectId: subjectOneCpf, SubjectName: subjectOneName},
	)

	ctx := context.Background()
	if _, _, err := workflow.CompleteEvaluation(ctx, hrActor(), batch.Evaluations[0].ID, testAnswers(4)); err != nil {
		t.Fatalf("CompleteEvaluation: %v", err)
	}

	start := make(chan struct{})
	var ready, wg sync.WaitGroup
	results := make([]*workflow.IssuanceResult, 2)
	markers := make([]models.Notification, 2)
	errs := make([]error, 2)
	ready.Add(2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = workflow.WithActorTransaction(context.Background(), workflow.SystemActor(), func(ctx context.Context, tx *gorm.DB) error {
				// Pin this transaction's read view before the other side
				// issues, then stage an unrelated write that must survive.
				var b models.Batch
				firstErr := tx.First(&b, batch.ID).Error
				var markerErr error
				if firstErr == nil {
					markers[i] = models.Notification{
						Kind:      models.NotificationKindIssuanceFailed,
						Recipient: "operations",
						Title:     fmt.Sprintf("issuance attempt %d", i),
					}
					markerErr = models.CreateNotification(tx, &markers[i])
				}
				ready.Done()
				<-start
				if firstErr != nil {
					return firstErr
				}
				if markerErr != nil {
					return markerErr
				}
				res, err := workflow.IssueReport(tx, &b, workflow.IssuanceOptions{})
				results[i] = res
				return err
			})
		}(i)
	}
	ready.Wait()
	close(start)
	wg.Wait()

	fresh := 0
	reportId := 0
	for i := 0; i < 2; i++ {
		if errs[i] != nil {
			t.Fatalf("attempt %d errored: %v", i, errs[i])
		}
		if results[i] == nil || results[i].Report == nil {
			t.Fatalf("attempt %d returned no report: %+v", i, results[i])
		}
		if reportId == 0 {
			reportId = results[i].Report.ID
		} else if results[i].Report.ID != reportId {
			t.Fatalf("attempts returned different reports: %d vs %d", results[i].Report.ID, reportId)
		}
		if !results[i].AlreadyIssued {
			fresh++
		}
	}
	if fresh != 1 {
		t.Fatalf("expected exactly one fresh issuance, got %d", fresh)
	}
	if n := countReports(t, sysCtx, batch.ID); n != 1 {
		t.Fatalf("expected exactly 1 report row, got %d", n)
	}

	// The loser's transaction committed: both staged writes are present.
	db := config.GetDB()
	for i := range markers {
		var count int64
		if err := db.WithContext(sysCtx).Model(&models.Notification{}).
			Where("id = ?", markers[i].ID).Count(&count).Error; err != nil || count != 1 {
			t.Fatalf("marker %d did not survive the race: count=%d err=%v", i, count, err)
		}
	}

	final, err := models.GetBatch(hrContext(ctx), batch.ID)
	if err != nil {
		t.Fatalf("GetBatch after race: %v", err)
	}
	if final.Status != models.BatchStatusIssued {
		t.Fatalf("batch status after race: got %s, want issued", final.Status)
	}
}

func startRedisContainer(t *testing.T) (containerName, hostPort string) {
	t.Helper()
	name := fmt.Sprintf("assessments-test-redis-%d", time.Now().UnixNano())
	out, err := dockerRun(
		"run", "-d", "--name", name,
		"-p", "127.0.0.1:0:6379",
		"redis:7-alpine",
	)
	if err != nil {
		t.Fatalf("start redis container: %v\n%s", err, out)
	}
	port, err := dockerHostPort(name, "6379/tcp")
	if err != nil {
		t.Fatalf("redis docker port: %v", err)
	}
	// wait until ready
	deadline := time.Now().Add(60 * time.Second)
	for time.Now().Before(deadline) {
		_, err := dockerRun("exec", name, "redis-cli", "ping")
		if err == nil {
			return name, port
		}
		time.Sleep(250 * time.Millisecond)
	}
	t.Fatalf("redis did not become ready")
	return "", ""
}

func startMySQLContainer(t *testing.T) (containerName, hostPort string) {
	t.Helper()
	name := fmt.Sprintf("assessments-test-mysql-%d", time.Now().UnixNano())
	out, err := dockerRun(
		"run", "-d", "--name", name,
		"-e", "MYSQL_ROOT_PASSWORD=testpw",
		"-e", "MYSQL_DATABASE=assessments_test",
		"-p", "127.0.0.1:0:3306",
		"mysql:8.0",
		"--default-authentication-plugin=mysql_native_password",
	)
	if err != nil {
		t.Fatalf("start mysql container: %v\n%s", err, out)
	}
	port, err := dockerHostPort(name, "3306/tcp")
	if err != nil {
		t.Fatalf("mysql docker port: %v", err)
	}
	// wait until ready
	deadline := time.Now().Add(120 * time.Second)
	for time.Now().Before(deadline) {
		_, err := dockerRun("exec", name, "mysqladmin", "ping", "-h", "127.0.0.1", "-ptestpw", "--silent")
		if err == nil {
			return name, port
		}
		time.Sleep(500 * time.Millisecond)
	}
	t.Fatalf("mysql did not become ready")
	return "", ""
}

func dockerHostPort(container, portProto string) (string, error) {
	out, err := dockerRun("port", container, portProto)
	if err != nil {
		return "", fmt.Errorf("docker port: %w: %s", err, out)
	}
	// Example: "127.0.0.1:49154\n"
	re := regexp.MustCompile(`:(\d+)`)
	m := re.FindStringSubmatch(out)
	if len(m) != 2 {
		return "", fmt.Errorf("unexpected docker port output: %q", out)
	}
	return m[1], nil
}

func dockerRmForce(container string) error {
	if strings.TrimSpace(container) == "" {
		return nil
	}
	_, err := dockerRun("rm", "-f", container)
	return err
}

func dockerRun(args ...string) (string, error) {
	cmd := exec.Command("docker", args...)
	b, err := cmd.CombinedOutput()
	return string(b), err
}
