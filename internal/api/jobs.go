package api

import (
	"sync"
	"time"

	"github.com/google/uuid"

	media "github.com/i5heu/ouroboros-media"
	"github.com/i5heu/ouroboros-media/internal/progress"
	"github.com/i5heu/ouroboros-media/pkg/errs"
)

const (
	jobRunning   = "running"
	jobSucceeded = "succeeded"
	jobFailed    = "failed"
)

// uploadJob tracks one background upload.
type uploadJob struct {
	id       string
	started  time.Time
	finished time.Time
	state    string
	last     progress.Event
	result   *media.UploadResult
	err      error
}

// jobTable holds uploads and forgets finished ones after retention.
type jobTable struct {
	mu        sync.Mutex
	jobs      map[string]*uploadJob
	retention time.Duration
	now       func() time.Time
}

func newJobTable(retention time.Duration) *jobTable {
	return &jobTable{
		jobs:      make(map[string]*uploadJob),
		retention: retention,
		now:       time.Now,
	}
}

func (t *jobTable) add() *uploadJob {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.pruneLocked()
	j := &uploadJob{id: uuid.NewString(), started: t.now(), state: jobRunning}
	t.jobs[j.id] = j
	return j
}

func (t *jobTable) progress(id string, ev progress.Event) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if j, ok := t.jobs[id]; ok && j.state == jobRunning {
		j.last = ev
	}
}

func (t *jobTable) finish(id string, res *media.UploadResult, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	j, ok := t.jobs[id]
	if !ok {
		return
	}
	j.finished = t.now()
	if err != nil {
		j.state = jobFailed
		j.err = err
		return
	}
	j.state = jobSucceeded
	j.result = res
	j.last = progress.Event{Stage: errs.StageRegistering, Percent: 100, Message: "done"}
}

func (t *jobTable) status(id string) (uploadStatus, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	j, ok := t.jobs[id]
	if !ok {
		return uploadStatus{}, false
	}
	st := uploadStatus{
		JobID:   j.id,
		State:   j.state,
		Stage:   string(j.last.Stage),
		Percent: j.last.Percent,
		Message: j.last.Message,
		Started: j.started,
	}
	if !j.finished.IsZero() {
		f := j.finished
		st.Finished = &f
	}
	if j.err != nil {
		st.Error = j.err.Error()
		if stage, ok := errs.StageOf(j.err); ok {
			st.Stage = string(stage)
		}
	}
	if j.result != nil {
		st.Result = toUploadResult(j.result)
	}
	return st, true
}

func (t *jobTable) pruneLocked() {
	cutoff := t.now().Add(-t.retention)
	for id, j := range t.jobs {
		if j.state != jobRunning && j.finished.Before(cutoff) {
			delete(t.jobs, id)
		}
	}
}

func toUploadResult(res *media.UploadResult) *uploadResult {
	return &uploadResult{
		VideoID:           res.VideoID,
		ManifestAddress:   res.ManifestAddress,
		ManifestAddresses: schemeMap(res.ManifestAddresses),
		PosterAddress:     res.PosterAddress,
		Cost:              res.Cost,
		BackupKeys:        res.BackupKeys,
	}
}
