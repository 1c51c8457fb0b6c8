package engine

import (
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/franksops/gobucket/store"
)

// HistoryRecorder writes one journal record per file outcome. The journal
// is audit data only; jobs are never resumed from it.
type HistoryRecorder struct {
	store store.Store
	run   string
	log   logrus.FieldLogger

	mu sync.Mutex
	// sent counts the bytes moved for the in-flight file of each job.
	sent map[int]int64
}

// NewHistoryRecorder creates a HistoryRecorder tagging records with run.
func NewHistoryRecorder(s store.Store, run string, log logrus.FieldLogger) *HistoryRecorder {
	if log == nil {
		log = discardLogger()
	}
	return &HistoryRecorder{
		store: s,
		run:   run,
		log:   log,
		sent:  make(map[int]int64),
	}
}

// HandleEvent implements Subscriber.
func (h *HistoryRecorder) HandleEvent(ev Event) {
	switch ev.Kind {
	case FileStarted:
		h.mu.Lock()
		h.sent[ev.JobID] = 0
		h.mu.Unlock()
	case FileOffset:
		h.mu.Lock()
		h.sent[ev.JobID] = ev.Bytes
		h.mu.Unlock()
	case BytesTransferred:
		h.mu.Lock()
		h.sent[ev.JobID] += ev.Bytes
		h.mu.Unlock()
	case FileTransferred:
		h.save(&store.TransferRecord{
			JobID:     ev.JobID,
			Direction: ev.Direction.String(),
			Bucket:    ev.Bucket,
			Object:    ev.Name,
			LocalPath: ev.LocalPath,
			State:     store.StateCompleted,
			Bytes:     ev.Size.Bytes,
		})
	case Failed:
		rec := &store.TransferRecord{
			JobID:     ev.JobID,
			Direction: ev.Direction.String(),
			Bucket:    ev.Bucket,
			Object:    ev.Name,
			LocalPath: ev.LocalPath,
			State:     store.StateFailed,
			Bytes:     h.bytes(ev.JobID),
		}
		if ev.Err != nil {
			rec.Error = ev.Err.Error()
		}
		h.save(rec)
	case JobCompleted:
		h.forget(ev.JobID)
	}
}

// Cancelled records the file a job was moving when it was cancelled.
func (h *HistoryRecorder) Cancelled(job TransferJob, t fileTask) {
	h.save(&store.TransferRecord{
		JobID:     job.ID,
		Direction: job.Direction.String(),
		Bucket:    job.Bucket,
		Object:    t.Object,
		LocalPath: t.LocalPath,
		State:     store.StateCancelled,
		Bytes:     h.bytes(job.ID),
	})
	h.forget(job.ID)
}

func (h *HistoryRecorder) bytes(jobID int) int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.sent[jobID]
}

func (h *HistoryRecorder) forget(jobID int) {
	h.mu.Lock()
	delete(h.sent, jobID)
	h.mu.Unlock()
}

// save never fails the transfer; a journal error is only logged.
func (h *HistoryRecorder) save(rec *store.TransferRecord) {
	rec.Run = h.run
	if err := h.store.SaveRecord(rec); err != nil {
		h.log.WithError(err).WithField("job_id", rec.JobID).Warn("Failed to write history record")
	}
}
