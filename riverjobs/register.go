package riverjobs

import (
	"fmt"

	"github.com/riverqueue/river"
	"github.com/robfig/cron/v3"
)

// DefaultPurgeSchedule runs the transient purge every 15 minutes.
const DefaultPurgeSchedule = "*/15 * * * *"

// RegisterPurgeExpiredTransientsWorker registers the purge worker into a River workers registry.
func RegisterPurgeExpiredTransientsWorker(ws *river.Workers, store Purger) {
	river.AddWorker(ws, NewPurgeExpiredTransientsWorker(store))
}

// AddPurgeExpiredTransientsPeriodicJob enqueues the purge job on a cron schedule. An empty
// cronSpec means DefaultPurgeSchedule.
func AddPurgeExpiredTransientsPeriodicJob[T any](client *river.Client[T], cronSpec string, args PurgeExpiredTransientsArgs, runOnStart bool) error {
	schedule, err := parseSchedule(cronSpec)
	if err != nil {
		return err
	}
	opts := args.InsertOpts()
	client.PeriodicJobs().Add(
		river.NewPeriodicJob(
			schedule,
			func() (river.JobArgs, *river.InsertOpts) { return args, &opts },
			&river.PeriodicJobOpts{RunOnStart: runOnStart},
		),
	)
	return nil
}

func parseSchedule(spec string) (cron.Schedule, error) {
	if spec == "" {
		spec = DefaultPurgeSchedule
	}
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	schedule, err := parser.Parse(spec)
	if err != nil {
		return nil, fmt.Errorf("invalid cron schedule '%s': %w", spec, err)
	}
	return schedule, nil
}
