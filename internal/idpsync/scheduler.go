package idpsync

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/realmgate/realmgate/pkg/database"
	"github.com/realmgate/realmgate/pkg/logger"
)

const refreshInterval = 60 * time.Second

// Worker schedules per-realm syncs from the cron expressions stored in
// each realm's provider configuration, picking up changes as they happen.
type Worker struct {
	db      *database.PostgreSQL
	sync    *Service
	logger  *logger.Logger
	cron    *cron.Cron
	entries map[int]scheduledJob
}

type scheduledJob struct {
	entryID cron.EntryID
	spec    string
}

// NewWorker creates a sync scheduler
func NewWorker(db *database.PostgreSQL, syncService *Service, logger *logger.Logger) *Worker {
	return &Worker{
		db:      db,
		sync:    syncService,
		logger:  logger,
		cron:    cron.New(),
		entries: map[int]scheduledJob{},
	}
}

// Run starts the scheduler and keeps its job table in step with the
// database until the context is cancelled.
func (w *Worker) Run(ctx context.Context) {
	w.refreshJobs(ctx)
	w.cron.Start()
	defer w.cron.Stop()

	ticker := time.NewTicker(refreshInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.refreshJobs(ctx)
		}
	}
}

// refreshJobs reconciles scheduled jobs against the stored cron
// expressions: new schedules are added, changed ones replaced, removed
// ones dropped.
func (w *Worker) refreshJobs(ctx context.Context) {
	rows, err := w.db.Pool().Query(ctx, `
		SELECT r.id, r.name, kc.sync_cron
		FROM realm r
		JOIN realm_keycloak_config kc ON kc.realm_id = r.id
		WHERE kc.sync_cron IS NOT NULL AND trim(kc.sync_cron) != ''`)
	if err != nil {
		if w.logger != nil {
			w.logger.Errorf("Failed to load sync schedules: %v", err)
		}
		return
	}

	type schedule struct {
		realmID int
		name    string
		spec    string
	}
	var schedules []schedule
	for rows.Next() {
		var s schedule
		if err := rows.Scan(&s.realmID, &s.name, &s.spec); err != nil {
			rows.Close()
			if w.logger != nil {
				w.logger.Errorf("Failed to read sync schedule: %v", err)
			}
			return
		}
		schedules = append(schedules, s)
	}
	rows.Close()

	active := map[int]struct{}{}
	for _, s := range schedules {
		active[s.realmID] = struct{}{}

		if existing, ok := w.entries[s.realmID]; ok {
			if existing.spec == s.spec {
				continue
			}
			w.cron.Remove(existing.entryID)
			delete(w.entries, s.realmID)
		}

		realmID := s.realmID
		entryID, err := w.cron.AddFunc(s.spec, func() {
			w.runSync(realmID)
		})
		if err != nil {
			if w.logger != nil {
				w.logger.Errorf("Invalid cron %q for realm %s: %v", s.spec, s.name, err)
			}
			continue
		}
		w.entries[s.realmID] = scheduledJob{entryID: entryID, spec: s.spec}
		if w.logger != nil {
			w.logger.Infof("Scheduled sync for realm %s (%s)", s.name, s.spec)
		}
	}

	for realmID, job := range w.entries {
		if _, ok := active[realmID]; !ok {
			w.cron.Remove(job.entryID)
			delete(w.entries, realmID)
			if w.logger != nil {
				w.logger.Infof("Removed sync schedule for realm %d", realmID)
			}
		}
	}
}

func (w *Worker) runSync(realmID int) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()
	if w.logger != nil {
		w.logger.Infof("Executing scheduled sync for realm %d", realmID)
	}
	if err := w.sync.SyncRealm(ctx, realmID); err != nil && w.logger != nil {
		w.logger.Errorf("Scheduled sync for realm %d failed: %v", realmID, err)
	}
}
