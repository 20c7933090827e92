package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"sunmeter/internal/config"
	"sunmeter/internal/domain"
	"sunmeter/internal/energy"
	"sunmeter/internal/events"
	"sunmeter/internal/lock"
	"sunmeter/internal/repo"
	"sunmeter/internal/taskq"
)

// Engine wires the stores, the period guard and the task backend behind the
// CO2 reporting operations. Construct one at process start and pass it down;
// there is no implicit global state.
type Engine struct {
	DB     *sql.DB
	Repo   repo.Repo
	Events events.Writer
	Config *config.Config
	Pool   *taskq.Pool
	Guard  lock.Guard
	Logger *slog.Logger
	Now    func() time.Time
}

func New(db *sql.DB, cfg *config.Config, pool *taskq.Pool, guard lock.Guard, logger *slog.Logger) Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return Engine{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Events: events.Writer{DB: db},
		Config: cfg,
		Pool:   pool,
		Guard:  guard,
		Logger: logger,
		Now:    time.Now,
	}
}

// UniqueKey returns the deterministic idempotency key for one device-day
// calculation. The format is load-bearing: ledger entries from earlier runs
// are keyed this way and must keep matching.
func UniqueKey(clientID int64, serial string, year, month, day int) string {
	return fmt.Sprintf("CCO2A%dA%sA%dA%dA%d", clientID, serial, year, month, day)
}

// RunUnitOfWork executes the idempotent single-device single-day
// calculation. Already-logged keys are skipped without touching the results
// store. Days without samples write nothing at all, so a later run can still
// succeed once data arrives; only success is memoized in the ledger.
func (e Engine) RunUnitOfWork(ctx context.Context, t domain.TaskDescriptor) (domain.TaskOutcome, error) {
	key := UniqueKey(t.ClientID, t.DeviceSerial, t.Year, t.Month, t.Day)

	logged, err := e.Repo.LedgerExists(ctx, key)
	if err != nil {
		return domain.OutcomeFailed, fmt.Errorf("ledger check %s: %w", key, err)
	}
	if logged {
		return domain.OutcomeSkipped, nil
	}

	samples, err := e.Repo.QueryDaySamples(ctx, t.DeviceSerial, t.Year, t.Month, t.Day)
	if err != nil {
		return domain.OutcomeFailed, fmt.Errorf("query samples %s: %w", key, err)
	}
	if len(samples) == 0 {
		return domain.OutcomeNoData, nil
	}

	kwh := energy.DayEnergy(samples)
	result := domain.DailyEnergyResult{
		UniqueKey:    key,
		ClientID:     t.ClientID,
		ClientName:   t.ClientName,
		DeviceSerial: t.DeviceSerial,
		SiteName:     t.DeviceAlias,
		Year:         t.Year,
		Month:        t.Month,
		Day:          t.Day,
		EnergyKWh:    kwh,
		CO2Kg:        energy.DailyEmissions(kwh),
	}
	// No transaction spans the two writes: a crash between them leaves a
	// result row without a ledger entry, and a re-run recomputes the day.
	if err := e.Repo.InsertDailyResult(ctx, result); err != nil {
		return domain.OutcomeFailed, fmt.Errorf("insert result %s: %w", key, err)
	}
	if err := e.Repo.LedgerInsert(ctx, key); err != nil {
		return domain.OutcomeFailed, fmt.Errorf("insert ledger %s: %w", key, err)
	}
	return domain.OutcomeSuccess, nil
}

// daysIn returns the number of calendar days in the month, leap-aware.
func daysIn(year, month int) int {
	return time.Date(year, time.Month(month)+1, 0, 0, 0, 0, 0, time.UTC).Day()
}

// DecomposeMonth enumerates the full devices x days cross product for the
// client and period. Task ordering carries no meaning: units are independent
// and idempotent.
func (e Engine) DecomposeMonth(ctx context.Context, clientID int64, year, month int) ([]domain.TaskDescriptor, error) {
	if month < 1 || month > 12 {
		return nil, fmt.Errorf("month %d out of range", month)
	}
	devices, err := e.Repo.ListClientDevices(ctx, clientID)
	if err != nil {
		return nil, err
	}
	if len(devices) == 0 {
		return nil, fmt.Errorf("client %d has no devices: %w", clientID, repo.ErrNotFound)
	}
	clientName, err := e.Repo.GetClientName(ctx, clientID)
	if err != nil {
		return nil, err
	}
	days := daysIn(year, month)
	tasks := make([]domain.TaskDescriptor, 0, len(devices)*days)
	for _, d := range devices {
		for day := 1; day <= days; day++ {
			tasks = append(tasks, domain.TaskDescriptor{
				ClientID:     clientID,
				ClientName:   clientName,
				DeviceSerial: d.Serial,
				DeviceAlias:  d.Alias,
				Year:         year,
				Month:        month,
				Day:          day,
			})
		}
	}
	return tasks, nil
}

// StartMonthlyCalculation acquires the period lock, decomposes the month
// into unit-of-work tasks and submits them as one trackable group. The lock
// release is chained as the group's completion continuation. Returns the
// group id and member count without waiting for any task to run.
func (e Engine) StartMonthlyCalculation(ctx context.Context, clientID int64, year, month int, actorID string) (string, int, error) {
	groupID := uuid.NewString()

	if err := e.Guard.Acquire(ctx, clientID, year, month, groupID); err != nil {
		return "", 0, err
	}
	tasks, err := e.DecomposeMonth(ctx, clientID, year, month)
	if err != nil {
		// Free the period again: nothing was submitted.
		if relErr := e.Guard.Release(context.WithoutCancel(ctx), clientID, year, month); relErr != nil {
			e.Logger.Error("release period lock after failed decomposition", "error", relErr)
		}
		return "", 0, err
	}

	members := make([]taskq.Task, len(tasks))
	for i, t := range tasks {
		t := t
		members[i] = taskq.Task{
			ID: fmt.Sprintf("%s:%s", groupID, UniqueKey(t.ClientID, t.DeviceSerial, t.Year, t.Month, t.Day)),
			Run: func(runCtx context.Context) (taskq.State, error) {
				outcome, err := e.RunUnitOfWork(runCtx, t)
				return stateFor(outcome), err
			},
		}
	}
	continuation := func(doneCtx context.Context) {
		if err := e.Guard.Release(doneCtx, clientID, year, month); err != nil {
			e.Logger.Error("release period lock", "group_id", groupID, "error", err)
		}
		if err := e.Events.Append(doneCtx, "co2.batch.completed", "task_group", groupID, "worker", events.EventPayload{
			"client_id": clientID, "year": year, "month": month,
		}); err != nil {
			e.Logger.Error("append completion event", "group_id", groupID, "error", err)
		}
		e.Logger.Info("co2 batch completed", "group_id", groupID, "client_id", clientID, "year", year, "month", month)
	}
	submitCtx := ctx
	if e.Config != nil && e.Config.Jobs.SubmitDeadline.Std() > 0 {
		var cancel context.CancelFunc
		submitCtx, cancel = context.WithTimeout(ctx, e.Config.Jobs.SubmitDeadline.Std())
		defer cancel()
	}
	if err := e.Pool.SubmitGroup(submitCtx, groupID, members, continuation); err != nil {
		if relErr := e.Guard.Release(context.WithoutCancel(ctx), clientID, year, month); relErr != nil {
			e.Logger.Error("release period lock after failed submission", "error", relErr)
		}
		return "", 0, err
	}

	if err := e.Events.Append(ctx, "co2.batch.submitted", "task_group", groupID, actorID, events.EventPayload{
		"client_id": clientID, "year": year, "month": month, "total_tasks": len(tasks),
	}); err != nil {
		e.Logger.Error("append submission event", "group_id", groupID, "error", err)
	}
	e.Logger.Info("co2 batch submitted", "group_id", groupID, "client_id", clientID,
		"year", year, "month", month, "total_tasks", len(tasks))
	return groupID, len(tasks), nil
}

func stateFor(outcome domain.TaskOutcome) taskq.State {
	switch outcome {
	case domain.OutcomeSuccess:
		return taskq.StateSuccess
	case domain.OutcomeSkipped:
		return taskq.StateSkipped
	case domain.OutcomeNoData:
		return taskq.StateNoData
	default:
		return taskq.StateFailure
	}
}

// Progress reports the group's total and terminal member counts. Expired or
// unknown groups surface as not-found: result entries outlive submission
// only for the configured window.
func (e Engine) Progress(ctx context.Context, groupID string) (domain.GroupProgress, error) {
	total, completed, err := e.Pool.Progress(ctx, groupID)
	if errors.Is(err, taskq.ErrNotFound) {
		return domain.GroupProgress{}, fmt.Errorf("task group %s: %w", groupID, repo.ErrNotFound)
	}
	if err != nil {
		return domain.GroupProgress{}, err
	}
	status := domain.GroupInProgress
	if completed == total {
		status = domain.GroupComplete
	}
	return domain.GroupProgress{
		GroupID:   groupID,
		Total:     total,
		Completed: completed,
		Status:    status,
	}, nil
}

// MonthlyResults returns every computed daily result for the client period.
func (e Engine) MonthlyResults(ctx context.Context, clientID int64, year, month int) ([]domain.DailyEnergyResult, error) {
	return e.Repo.FindMonthlyResults(ctx, clientID, year, month)
}

// AnnualCO2 aggregates yearly energy per client and applies the annual
// tariff, rounding totals to four decimals for the report.
func (e Engine) AnnualCO2(ctx context.Context) ([]domain.AnnualCO2, error) {
	rows, err := e.Repo.AnnualEnergyTotals(ctx)
	if err != nil {
		return nil, err
	}
	for i := range rows {
		rows[i].TotalCO2 = energy.Round4(energy.AnnualEmissions(rows[i].TotalEnergy))
	}
	return rows, nil
}

// ClientStats builds the fleet-wide online/offline report, excluding the
// configured internal account ids.
func (e Engine) ClientStats(ctx context.Context) ([]domain.ClientDeviceStats, int, int, error) {
	var excluded []int64
	if e.Config != nil {
		excluded = e.Config.Stats.ExcludedClientIDs
	}
	stats, err := e.Repo.ClientStats(ctx, excluded)
	if err != nil {
		return nil, 0, 0, err
	}
	var online, offline int
	for _, s := range stats {
		online += s.Online
		offline += s.Offline
	}
	return stats, online, offline, nil
}

// DeviceStatusLookup resolves device status rows for the requested serials
// or SIM numbers, preserving request order. Devices with an empty alias and
// identifiers with no matching device are reported separately as test units.
func (e Engine) DeviceStatusLookup(ctx context.Context, identifiers []string) (registered, test []domain.DeviceStatus, err error) {
	// De-duplicate, keeping first occurrence.
	seen := map[string]bool{}
	var unique []string
	for _, id := range identifiers {
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		unique = append(unique, id)
	}
	devices, owners, err := e.Repo.DevicesByIdentifiers(ctx, unique)
	if err != nil {
		return nil, nil, err
	}
	matched := map[string]bool{}
	now := e.now()
	for i, d := range devices {
		matched[d.Serial] = true
		if d.SimNo != "" {
			matched[d.SimNo] = true
		}
		row := domain.DeviceStatus{
			Serial:    d.Serial,
			Alias:     d.Alias,
			SimNo:     d.SimNo,
			LogStatus: d.LogStatus,
			LastLog:   d.LastLog,
			FirstName: owners[i].FirstName,
			LastName:  owners[i].LastName,
		}
		if d.LastLog != nil {
			if ts, err := time.Parse(time.RFC3339, *d.LastLog); err == nil {
				days := int(now.Sub(ts).Hours() / 24)
				if days < 0 {
					days = -days
				}
				row.LogDuration = &days
			}
		}
		if d.Alias == "" {
			row.No = len(test) + 1
			test = append(test, row)
		} else {
			row.No = len(registered) + 1
			registered = append(registered, row)
		}
	}
	for _, id := range unique {
		if matched[id] {
			continue
		}
		test = append(test, domain.DeviceStatus{No: len(test) + 1, Serial: id})
	}
	return registered, test, nil
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}
