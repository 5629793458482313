// Package memory is an in-process Store implementation used by tests and by
// single-node deployments that do not need cross-process durability. It
// honors the same conditional-insert and compare-and-set contracts as the
// Postgres implementation using a single mutex.
package memory

import (
	"sync"

	spinestorage "github.com/ryansmccoy/spine-core-sub006/internal/app/storage/spine"
)

// Store is an in-memory implementation of spinestorage.Store.
type Store struct {
	mu sync.Mutex

	executions  map[string]storedExecution
	idempotency map[string]string // (pipeline|key) -> execution id, non-terminal only
	events      map[string][]eventRow
	deadLetters map[string]deadLetterRow

	locks map[string]lockRow

	workItems   map[string]workItemRow            // by id
	workItemKey map[string]string                 // (domain|pipeline|partition) -> id

	schedules    map[string]scheduleRow
	scheduleRuns map[string][]scheduleRunRow
	schedLocks   map[string]schedLockRow

	manifests  map[string]manifestRow // (domain|partition|stage)
	rejects    map[string][]rejectRow // (domain|partition)
	quality    map[string][]qualityRow
	anomalies  map[string][]anomalyRow
	readiness  map[string]readinessRow
	deps       map[string][]string
	expected   map[string]expectedScheduleRow

	workflowRuns map[string]workflowRunRow
	steps        map[string]map[string]stepRow // runID -> (stepName|attempt) -> row
	wfEvents     map[string][]workflowEventRow
	wfEventKeys  map[string]bool

	channels  map[string]channelRow
	alerts    map[string]alertRow
	deliveries map[string][]deliveryRow
	throttles  map[string]throttleRow

	watermarks     map[string]watermarkRow
	backfillPlans  map[string]backfillPlanRow

	bitemporal map[string][]bitemporalRow

	sources map[string]sourceRow
	fetches map[string][]fetchRow
	cache   map[string]cacheRow

	seq int
}

// New returns an empty in-memory Store.
func New() *Store {
	return &Store{
		executions:   map[string]storedExecution{},
		idempotency:  map[string]string{},
		events:       map[string][]eventRow{},
		deadLetters:  map[string]deadLetterRow{},
		locks:        map[string]lockRow{},
		workItems:    map[string]workItemRow{},
		workItemKey:  map[string]string{},
		schedules:    map[string]scheduleRow{},
		scheduleRuns: map[string][]scheduleRunRow{},
		schedLocks:   map[string]schedLockRow{},
		manifests:    map[string]manifestRow{},
		rejects:      map[string][]rejectRow{},
		quality:      map[string][]qualityRow{},
		anomalies:    map[string][]anomalyRow{},
		readiness:    map[string]readinessRow{},
		deps:         map[string][]string{},
		expected:     map[string]expectedScheduleRow{},
		workflowRuns: map[string]workflowRunRow{},
		steps:        map[string]map[string]stepRow{},
		wfEvents:     map[string][]workflowEventRow{},
		wfEventKeys:  map[string]bool{},
		channels:     map[string]channelRow{},
		alerts:       map[string]alertRow{},
		deliveries:   map[string][]deliveryRow{},
		throttles:    map[string]throttleRow{},
		watermarks:   map[string]watermarkRow{},
		backfillPlans: map[string]backfillPlanRow{},
		bitemporal:   map[string][]bitemporalRow{},
		sources:      map[string]sourceRow{},
		fetches:      map[string][]fetchRow{},
		cache:        map[string]cacheRow{},
	}
}

func (s *Store) nextSeq() int {
	s.seq++
	return s.seq
}

var _ spinestorage.Store = (*Store)(nil)
