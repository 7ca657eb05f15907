package webapp

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"toolmark-review/internal/domain/model"
	"toolmark-review/internal/platform/id"
	"toolmark-review/internal/services/caseimport"
)

const (
	finishedJobTTL  = time.Hour
	maxFinishedJobs = 100
)

// jobManager 只在内存中保留任务；已结束的任务超过 ttl 或超出 maxFinished 时被清理，运行中的任务不受影响。
type jobManager struct {
	mu          sync.Mutex
	jobs        map[string]*importJob
	ttl         time.Duration
	maxFinished int
	now         func() time.Time
}

func newJobManager() *jobManager {
	return &jobManager{
		jobs:        make(map[string]*importJob),
		ttl:         finishedJobTTL,
		maxFinished: maxFinishedJobs,
		now:         time.Now,
	}
}

type importJob struct {
	JobID         string `json:"job_id"`
	Kind          string `json:"kind"`
	OwnerUID      string `json:"owner_uid"`
	CorrelationID string `json:"correlation_id"`
	Status        string `json:"status"` // running|success|failed
	CreatedAt     int64  `json:"created_at"`
	FinishedAt    int64  `json:"finished_at,omitempty"`

	// Stage/Progress/Logs 供前端控制台轮询展示。
	Stage    string       `json:"stage,omitempty"`
	Progress int          `json:"progress"`
	Logs     []jobLogLine `json:"logs,omitempty"`

	Result *model.ImportResult `json:"result,omitempty"`
}

type jobLogLine struct {
	Time    int64  `json:"time"`
	Message string `json:"message"`
}

// stageProgress 是各导入步骤对应的大致进度。
var stageProgress = map[caseimport.Step]int{
	caseimport.StepStart:             1,
	caseimport.StepParsePackage:      5,
	caseimport.StepValidateIntegrity: 15,
	caseimport.StepResolveConflicts:  25,
	caseimport.StepUploadBlobs:       35,
	caseimport.StepWriteCaseRecord:   70,
	caseimport.StepImportAnnotations: 80,
	caseimport.StepRegisterForUser:   90,
	caseimport.StepRollback:          95,
	caseimport.StepDone:              100,
	caseimport.StepFailed:            100,
}

func (m *jobManager) put(job *importJob) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pruneLocked()
	m.jobs[job.JobID] = job
}

// pruneLocked 需在持锁时调用。先删过期任务，再按结束时间从旧到新删到上限以内。
func (m *jobManager) pruneLocked() {
	cutoff := m.now().Add(-m.ttl).Unix()
	var finished []*importJob
	for jobID, j := range m.jobs {
		if j == nil {
			delete(m.jobs, jobID)
			continue
		}
		if j.FinishedAt == 0 {
			continue
		}
		if j.FinishedAt < cutoff {
			delete(m.jobs, jobID)
			continue
		}
		finished = append(finished, j)
	}
	over := len(finished) - m.maxFinished
	if over <= 0 {
		return
	}
	sort.Slice(finished, func(i, k int) bool { return finished[i].FinishedAt < finished[k].FinishedAt })
	for _, j := range finished[:over] {
		delete(m.jobs, j.JobID)
	}
}

// update 在锁内修改 job，避免与轮询读取产生数据竞争。
func (m *jobManager) update(jobID string, fn func(j *importJob)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if j, ok := m.jobs[jobID]; ok {
		fn(j)
	}
}

func copyJob(j *importJob) importJob {
	cpy := *j
	if len(cpy.Logs) > 0 {
		tmp := make([]jobLogLine, len(cpy.Logs))
		copy(tmp, cpy.Logs)
		cpy.Logs = tmp
	}
	return cpy
}

func (m *jobManager) getCopy(jobID, ownerUID string) (importJob, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[jobID]
	if !ok || j == nil || j.OwnerUID != ownerUID {
		return importJob{}, false
	}
	return copyJob(j), true
}

func (m *jobManager) listCopies(ownerUID string) []importJob {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]importJob, 0, len(m.jobs))
	for _, j := range m.jobs {
		if j == nil || j.OwnerUID != ownerUID {
			continue
		}
		out = append(out, copyJob(j))
	}
	sort.Slice(out, func(i, k int) bool { return out[i].CreatedAt > out[k].CreatedAt })
	return out
}

// handleImportJob 接收案件包 ZIP（请求体），在后台执行导入并立即返回 job。
// ?overwrite=true 允许覆盖已有的只读复核案件。
func (s *Server) handleImportJob(w http.ResponseWriter, r *http.Request, user model.User) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	raw, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.maxUploadSize))
	if err != nil {
		writeError(w, http.StatusRequestEntityTooLarge, fmt.Errorf("read package: %w", err))
		return
	}
	if len(raw) == 0 {
		writeError(w, http.StatusBadRequest, fmt.Errorf("empty package body"))
		return
	}
	overwrite := parseBool(r.URL.Query().Get("overwrite"), false)

	now := time.Now().Unix()
	job := &importJob{
		JobID:         id.New("job"),
		Kind:          "case_import",
		OwnerUID:      user.UID,
		CorrelationID: id.New("wf"),
		Status:        "running",
		CreatedAt:     now,
		Stage:         string(caseimport.StepStart),
		Progress:      0,
		Logs:          []jobLogLine{{Time: now, Message: "job created"}},
	}
	s.jobs.put(job)
	resp := copyJob(job)

	go func() {
		// 导入不随请求取消；步骤内部的超时由存储层负责。
		ctx := context.WithoutCancel(r.Context())
		res := s.importer.Import(ctx, caseimport.Request{
			User:              user,
			Archive:           raw,
			OverwriteExisting: overwrite,
			CorrelationID:     job.CorrelationID,
			OnStep: func(step caseimport.Step) {
				s.jobs.update(job.JobID, func(j *importJob) {
					j.Stage = string(step)
					j.Progress = stageProgress[step]
					j.Logs = append(j.Logs, jobLogLine{Time: time.Now().Unix(), Message: "step " + string(step)})
				})
			},
		})

		s.jobs.update(job.JobID, func(j *importJob) {
			j.Result = &res
			j.FinishedAt = time.Now().Unix()
			j.Progress = 100
			if res.Success {
				j.Status = "success"
				j.Logs = append(j.Logs, jobLogLine{Time: j.FinishedAt, Message: "job success"})
				return
			}
			j.Status = "failed"
			msgs := make([]string, 0, len(res.Errors))
			for _, e := range res.Errors {
				msgs = append(msgs, e.Message)
			}
			j.Logs = append(j.Logs, jobLogLine{Time: j.FinishedAt, Message: "job failed: " + strings.Join(msgs, "; ")})
		})
	}()

	writeJSON(w, http.StatusAccepted, resp)
}

func (s *Server) handleJobRoutes(w http.ResponseWriter, r *http.Request, user model.User) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	rest := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/jobs/"), "/")
	if rest == "" {
		writeJSON(w, http.StatusOK, map[string]any{"jobs": s.jobs.listCopies(user.UID)})
		return
	}

	job, ok := s.jobs.getCopy(rest, user.UID)
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Errorf("job not found: %s", rest))
		return
	}
	writeJSON(w, http.StatusOK, job)
}
