package engine_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"sunmeter/internal/config"
	"sunmeter/internal/db"
	"sunmeter/internal/domain"
	"sunmeter/internal/engine"
	"sunmeter/internal/lock"
	"sunmeter/internal/migrate"
	"sunmeter/internal/repo"
	"sunmeter/internal/taskq"
)

type testEnv struct {
	Engine engine.Engine
	Redis  *miniredis.Miniredis
	Ctx    context.Context
	Cancel context.CancelFunc
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	pool := taskq.NewPool(taskq.RedisStore{Client: client}, 4, time.Hour, nil)
	pool.Run(ctx)
	guard := lock.Guard{Client: client, TTL: time.Hour}
	eng := engine.New(conn, config.Default(), pool, guard, nil)
	return testEnv{Engine: eng, Redis: mr, Ctx: ctx, Cancel: cancel}
}

func seedClient(t *testing.T, env testEnv, serials ...string) int64 {
	t.Helper()
	clientID, err := env.Engine.Repo.InsertClient(env.Ctx, domain.Client{FirstName: "Ada", LastName: "Obi", Country: "NG"})
	if err != nil {
		t.Fatalf("insert client: %v", err)
	}
	for _, serial := range serials {
		_, err := env.Engine.Repo.InsertDevice(env.Ctx, domain.Device{
			Serial: serial, Alias: "site-" + serial, LogStatus: "1", ClientID: clientID,
		})
		if err != nil {
			t.Fatalf("insert device %s: %v", serial, err)
		}
	}
	return clientID
}

func seedDaySamples(t *testing.T, env testEnv, serial string, day time.Time, voltage, current float64, count int) {
	t.Helper()
	device, err := env.Engine.Repo.GetDeviceBySerial(env.Ctx, serial)
	if err != nil {
		t.Fatalf("get device: %v", err)
	}
	for i := 0; i < count; i++ {
		ts := day.Add(time.Duration(i) * 15 * time.Minute).Format(time.RFC3339)
		v, c := voltage, current
		if err := env.Engine.Repo.InsertSample(env.Ctx, device.ID, ts, &v, &c, ""); err != nil {
			t.Fatalf("insert sample: %v", err)
		}
	}
}

func TestUnitOfWorkIdempotence(t *testing.T) {
	env := newTestEnv(t)
	clientID := seedClient(t, env, "SM-001")
	day := time.Date(2025, 6, 10, 8, 0, 0, 0, time.UTC)
	seedDaySamples(t, env, "SM-001", day, 12, 2, 4)

	task := domain.TaskDescriptor{
		ClientID: clientID, ClientName: "Ada Obi",
		DeviceSerial: "SM-001", DeviceAlias: "site-SM-001",
		Year: 2025, Month: 6, Day: 10,
	}
	outcome, err := env.Engine.RunUnitOfWork(env.Ctx, task)
	if err != nil {
		t.Fatalf("first run: %v", err)
	}
	if outcome != domain.OutcomeSuccess {
		t.Fatalf("first run outcome = %s, want success", outcome)
	}

	outcome, err = env.Engine.RunUnitOfWork(env.Ctx, task)
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	if outcome != domain.OutcomeSkipped {
		t.Fatalf("second run outcome = %s, want skipped", outcome)
	}

	results, err := env.Engine.MonthlyResults(env.Ctx, clientID, 2025, 6)
	if err != nil {
		t.Fatalf("find results: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("got %d results, want exactly 1", len(results))
	}
	// 12V * 2A * 0.25h * 3 intervals = 18 Wh = 0.018 kWh
	if got := results[0].EnergyKWh; got < 0.0179 || got > 0.0181 {
		t.Fatalf("energy = %v, want ~0.018", got)
	}
}

func TestUnitOfWorkNoDataIsNotMemoized(t *testing.T) {
	env := newTestEnv(t)
	clientID := seedClient(t, env, "SM-002")
	task := domain.TaskDescriptor{
		ClientID: clientID, ClientName: "Ada Obi",
		DeviceSerial: "SM-002", Year: 2025, Month: 6, Day: 1,
	}

	outcome, err := env.Engine.RunUnitOfWork(env.Ctx, task)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if outcome != domain.OutcomeNoData {
		t.Fatalf("outcome = %s, want no_data", outcome)
	}
	results, _ := env.Engine.MonthlyResults(env.Ctx, clientID, 2025, 6)
	if len(results) != 0 {
		t.Fatalf("no-data day wrote %d results", len(results))
	}

	// Once data arrives the same day is still computable.
	seedDaySamples(t, env, "SM-002", time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC), 10, 2, 3)
	outcome, err = env.Engine.RunUnitOfWork(env.Ctx, task)
	if err != nil {
		t.Fatalf("re-run: %v", err)
	}
	if outcome != domain.OutcomeSuccess {
		t.Fatalf("re-run outcome = %s, want success", outcome)
	}
}

func TestUnitOfWorkZeroEnergyDayIsMemoized(t *testing.T) {
	env := newTestEnv(t)
	clientID := seedClient(t, env, "SM-003")
	seedDaySamples(t, env, "SM-003", time.Date(2025, 6, 2, 9, 0, 0, 0, time.UTC), 0, 0, 3)

	task := domain.TaskDescriptor{
		ClientID: clientID, ClientName: "Ada Obi",
		DeviceSerial: "SM-003", Year: 2025, Month: 6, Day: 2,
	}
	outcome, err := env.Engine.RunUnitOfWork(env.Ctx, task)
	if err != nil || outcome != domain.OutcomeSuccess {
		t.Fatalf("outcome = %s err = %v, want success", outcome, err)
	}
	outcome, err = env.Engine.RunUnitOfWork(env.Ctx, task)
	if err != nil || outcome != domain.OutcomeSkipped {
		t.Fatalf("second outcome = %s err = %v, want skipped", outcome, err)
	}
}

func TestSampleTimestampsNormalizedToUTC(t *testing.T) {
	env := newTestEnv(t)
	seedClient(t, env, "SM-070")
	device, err := env.Engine.Repo.GetDeviceBySerial(env.Ctx, "SM-070")
	if err != nil {
		t.Fatalf("get device: %v", err)
	}
	// 01:00+03:00 on March 10 is 22:00 UTC on March 9.
	v, c := 12.0, 1.0
	if err := env.Engine.Repo.InsertSample(env.Ctx, device.ID, "2025-03-10T01:00:00+03:00", &v, &c, ""); err != nil {
		t.Fatalf("insert sample: %v", err)
	}
	samples, err := env.Engine.Repo.QueryDaySamples(env.Ctx, "SM-070", 2025, 3, 9)
	if err != nil {
		t.Fatalf("query day samples: %v", err)
	}
	if len(samples) != 1 {
		t.Fatalf("march 9 samples = %d, want 1", len(samples))
	}
	samples, err = env.Engine.Repo.QueryDaySamples(env.Ctx, "SM-070", 2025, 3, 10)
	if err != nil {
		t.Fatalf("query day samples: %v", err)
	}
	if len(samples) != 0 {
		t.Fatalf("march 10 samples = %d, want 0", len(samples))
	}
	if err := env.Engine.Repo.InsertSample(env.Ctx, device.ID, "not-a-timestamp", &v, &c, ""); err == nil {
		t.Fatal("malformed timestamp was accepted")
	}
}

func TestDecomposeMonth(t *testing.T) {
	env := newTestEnv(t)
	clientID := seedClient(t, env, "SM-A", "SM-B")

	tasks, err := env.Engine.DecomposeMonth(env.Ctx, clientID, 2025, 6)
	if err != nil {
		t.Fatalf("decompose: %v", err)
	}
	if len(tasks) != 60 {
		t.Fatalf("got %d tasks for 2 devices x 30 days, want 60", len(tasks))
	}
	seen := map[string]bool{}
	for _, task := range tasks {
		key := engine.UniqueKey(task.ClientID, task.DeviceSerial, task.Year, task.Month, task.Day)
		if seen[key] {
			t.Fatalf("duplicate descriptor %s", key)
		}
		seen[key] = true
	}

	// Leap year February.
	tasks, err = env.Engine.DecomposeMonth(env.Ctx, clientID, 2024, 2)
	if err != nil {
		t.Fatalf("decompose leap: %v", err)
	}
	if len(tasks) != 58 {
		t.Fatalf("got %d tasks for 2 devices x 29 days, want 58", len(tasks))
	}
}

func TestDecomposeMonthUnknownClient(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Engine.DecomposeMonth(env.Ctx, 999, 2025, 6)
	if err == nil {
		t.Fatal("expected error for client without devices")
	}
	if !isNotFound(err) {
		t.Fatalf("err = %v, want not found", err)
	}
}

func isNotFound(err error) bool {
	return errors.Is(err, repo.ErrNotFound)
}

func waitForComplete(t *testing.T, env testEnv, groupID string) domain.GroupProgress {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		progress, err := env.Engine.Progress(env.Ctx, groupID)
		if err != nil {
			t.Fatalf("progress: %v", err)
		}
		if progress.Status == domain.GroupComplete {
			return progress
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("group never completed")
	return domain.GroupProgress{}
}

func TestStartMonthlyCalculationEndToEnd(t *testing.T) {
	env := newTestEnv(t)
	clientID := seedClient(t, env, "SM-010", "SM-011")
	seedDaySamples(t, env, "SM-010", time.Date(2025, 6, 5, 10, 0, 0, 0, time.UTC), 12, 2, 4)
	seedDaySamples(t, env, "SM-011", time.Date(2025, 6, 6, 10, 0, 0, 0, time.UTC), 24, 1, 4)

	groupID, total, err := env.Engine.StartMonthlyCalculation(env.Ctx, clientID, 2025, 6, "tester")
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if total != 60 {
		t.Fatalf("total = %d, want 60", total)
	}

	progress := waitForComplete(t, env, groupID)
	if progress.Completed != 60 {
		t.Fatalf("completed = %d, want 60", progress.Completed)
	}

	// The release continuation has run: the period is free again.
	deadline := time.Now().Add(5 * time.Second)
	for {
		locked, err := env.Engine.Guard.IsLocked(env.Ctx, clientID, 2025, 6)
		if err != nil {
			t.Fatalf("is locked: %v", err)
		}
		if !locked {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("lock never released")
		}
		time.Sleep(10 * time.Millisecond)
	}

	results, err := env.Engine.MonthlyResults(env.Ctx, clientID, 2025, 6)
	if err != nil {
		t.Fatalf("results: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("got %d results, want 2 (only days with data)", len(results))
	}

	// Resubmission is safe: already-computed days are skipped.
	groupID2, _, err := env.Engine.StartMonthlyCalculation(env.Ctx, clientID, 2025, 6, "tester")
	if err != nil {
		t.Fatalf("resubmit: %v", err)
	}
	waitForComplete(t, env, groupID2)
	results, _ = env.Engine.MonthlyResults(env.Ctx, clientID, 2025, 6)
	if len(results) != 2 {
		t.Fatalf("resubmission duplicated results: got %d", len(results))
	}
}

func TestStartMonthlyCalculationConflict(t *testing.T) {
	env := newTestEnv(t)
	clientID := seedClient(t, env, "SM-020")

	if err := env.Engine.Guard.Acquire(env.Ctx, clientID, 2025, 6, "other-group"); err != nil {
		t.Fatalf("pre-acquire: %v", err)
	}
	_, _, err := env.Engine.StartMonthlyCalculation(env.Ctx, clientID, 2025, 6, "tester")
	if !errors.Is(err, lock.ErrHeld) {
		t.Fatalf("err = %v, want lock held", err)
	}
}

func TestStartMonthlyCalculationUnknownClientFreesLock(t *testing.T) {
	env := newTestEnv(t)
	_, _, err := env.Engine.StartMonthlyCalculation(env.Ctx, 404, 2025, 6, "tester")
	if !isNotFound(err) {
		t.Fatalf("err = %v, want not found", err)
	}
	locked, err := env.Engine.Guard.IsLocked(env.Ctx, 404, 2025, 6)
	if err != nil {
		t.Fatalf("is locked: %v", err)
	}
	if locked {
		t.Fatal("failed submission left the period locked")
	}
}

func TestStartMonthlyCalculationSubmitDeadline(t *testing.T) {
	env := newTestEnv(t)
	clientID := seedClient(t, env, "SM-060")

	eng := env.Engine
	cfg := *eng.Config
	cfg.Jobs.SubmitDeadline = config.Duration(time.Nanosecond)
	eng.Config = &cfg

	_, _, err := eng.StartMonthlyCalculation(env.Ctx, clientID, 2025, 6, "tester")
	if err == nil {
		t.Fatal("expired submit deadline did not fail the submission")
	}
	locked, err := eng.Guard.IsLocked(env.Ctx, clientID, 2025, 6)
	if err != nil {
		t.Fatalf("is locked: %v", err)
	}
	if locked {
		t.Fatal("failed submission left the period locked")
	}
}

func TestProgressExpiredGroup(t *testing.T) {
	env := newTestEnv(t)
	clientID := seedClient(t, env, "SM-030")
	groupID, _, err := env.Engine.StartMonthlyCalculation(env.Ctx, clientID, 2025, 6, "tester")
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	waitForComplete(t, env, groupID)

	env.Redis.FastForward(2 * time.Hour)
	_, err = env.Engine.Progress(env.Ctx, groupID)
	if !isNotFound(err) {
		t.Fatalf("err = %v, want not found after expiry", err)
	}
}

func TestAnnualCO2Aggregation(t *testing.T) {
	env := newTestEnv(t)
	clientID := seedClient(t, env, "SM-040")
	for day := 1; day <= 3; day++ {
		err := env.Engine.Repo.InsertDailyResult(env.Ctx, domain.DailyEnergyResult{
			UniqueKey:    engine.UniqueKey(clientID, "SM-040", 2025, 1, day),
			ClientID:     clientID,
			ClientName:   "Ada Obi",
			DeviceSerial: "SM-040",
			Year:         2025, Month: 1, Day: day,
			EnergyKWh: 20, CO2Kg: 0.1,
		})
		if err != nil {
			t.Fatalf("insert result: %v", err)
		}
	}
	rows, err := env.Engine.AnnualCO2(env.Ctx)
	if err != nil {
		t.Fatalf("annual: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("got %d rows, want 1", len(rows))
	}
	if rows[0].TotalEnergy != 60 {
		t.Fatalf("total energy = %v, want 60", rows[0].TotalEnergy)
	}
	// 60 kWh is in the middle annual band: (60-55)*0.0013 + 55*0.0068
	want := 0.3805
	if rows[0].TotalCO2 != want {
		t.Fatalf("total co2 = %v, want %v", rows[0].TotalCO2, want)
	}
}

func TestSegmentOpenings(t *testing.T) {
	openings := engine.SegmentOpenings([]float64{0, 0, 2, 3, 0, 1, 0, 0, 5})
	if len(openings) != 3 {
		t.Fatalf("got %d openings, want 3", len(openings))
	}
	if openings[0].DurationSeconds != 5 {
		t.Fatalf("first opening duration = %v, want 5", openings[0].DurationSeconds)
	}
	if openings[1].DurationSeconds != 1 || openings[2].DurationSeconds != 5 {
		t.Fatalf("openings = %+v", openings)
	}
	if engine.SegmentOpenings(nil) != nil {
		t.Fatal("nil input should yield no openings")
	}
	if got := engine.SegmentOpenings([]float64{0, 0, 0}); len(got) != 0 {
		t.Fatalf("all-closed input yielded %d openings", len(got))
	}
}

func TestDeviceStatusLookup(t *testing.T) {
	env := newTestEnv(t)
	seedClient(t, env, "SM-050", "SM-051")

	registered, test, err := env.Engine.DeviceStatusLookup(env.Ctx, []string{"SM-051", "GHOST-1", "SM-050", "SM-051"})
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if len(registered) != 2 {
		t.Fatalf("registered = %d, want 2", len(registered))
	}
	// Request order is preserved and duplicates collapse.
	if registered[0].Serial != "SM-051" || registered[1].Serial != "SM-050" {
		t.Fatalf("order = %s, %s", registered[0].Serial, registered[1].Serial)
	}
	if len(test) != 1 || test[0].Serial != "GHOST-1" {
		t.Fatalf("test = %+v", test)
	}
}
