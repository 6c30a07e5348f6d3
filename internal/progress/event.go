package progress

import (
	"errors"
	"fmt"
	"time"
)

// Stage names the milestone an Event reports.
type Stage string

// Supported progress stages.
const (
	StageJobStart        Stage = "JOB_START"
	StageJobDone         Stage = "JOB_DONE"
	StageJobError        Stage = "JOB_ERROR"
	StageDistrictDone    Stage = "DISTRICT_DONE"
	StageFacilityParsed  Stage = "FACILITY_PARSED"
	StageFacilitySkipped Stage = "FACILITY_SKIPPED"
	StageFacilityFailed  Stage = "FACILITY_FAILED"
	StageBatchFlushed    Stage = "BATCH_FLUSHED"
)

// Event is one milestone of a running job.
type Event struct {
	JobID string
	TS    time.Time
	Stage Stage
	// District is the display name of the district being worked on, if any.
	District string
	// URL is the facility detail page for facility stages.
	URL string
	// Count is the number of facility URLs for DISTRICT_DONE and the number of
	// affected rows for BATCH_FLUSHED.
	Count int
	// Failed is the number of rejected rows for BATCH_FLUSHED.
	Failed int
	// Dur is the wall time of a finished job.
	Dur  time.Duration
	Note string
}

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	if e.JobID == "" {
		return errors.New("job id is required")
	}
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	switch e.Stage {
	case StageJobStart, StageJobDone, StageJobError:
	case StageDistrictDone:
		if e.District == "" {
			return errors.New("district done requires district")
		}
	case StageFacilityParsed, StageFacilitySkipped, StageFacilityFailed:
		if e.URL == "" {
			return fmt.Errorf("%s requires url", e.Stage)
		}
	case StageBatchFlushed:
		if e.Count < 0 || e.Failed < 0 {
			return errors.New("batch counts must be >= 0")
		}
	default:
		return fmt.Errorf("unknown stage %q", e.Stage)
	}
	if e.Dur < 0 {
		return errors.New("duration must be >= 0")
	}
	return nil
}
