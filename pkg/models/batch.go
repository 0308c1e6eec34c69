package models

import (
	"strconv"
	"time"
)

// Pool is a compute pool.
type Pool struct {
	ID                    string    `json:"id"`
	DisplayName           string    `json:"displayName,omitempty"`
	VMSize                string    `json:"vmSize,omitempty"`
	State                 string    `json:"state,omitempty"`
	AllocationState       string    `json:"allocationState,omitempty"`
	TargetDedicatedNodes  int       `json:"targetDedicatedNodes,omitempty"`
	CurrentDedicatedNodes int       `json:"currentDedicatedNodes,omitempty"`
	CreationTime          time.Time `json:"creationTime,omitempty"`
	ETag                  string    `json:"eTag,omitempty"`
}

// PoolSchema lists the attributes of Pool by wire name.
var PoolSchema = Schema[Pool]{
	"id":                    {Get: func(p Pool) string { return p.ID }, Copy: func(d *Pool, s Pool) { d.ID = s.ID }},
	"displayName":           {Get: func(p Pool) string { return p.DisplayName }, Copy: func(d *Pool, s Pool) { d.DisplayName = s.DisplayName }},
	"vmSize":                {Get: func(p Pool) string { return p.VMSize }, Copy: func(d *Pool, s Pool) { d.VMSize = s.VMSize }},
	"state":                 {Get: func(p Pool) string { return p.State }, Copy: func(d *Pool, s Pool) { d.State = s.State }},
	"allocationState":       {Get: func(p Pool) string { return p.AllocationState }, Copy: func(d *Pool, s Pool) { d.AllocationState = s.AllocationState }},
	"targetDedicatedNodes":  {Copy: func(d *Pool, s Pool) { d.TargetDedicatedNodes = s.TargetDedicatedNodes }},
	"currentDedicatedNodes": {Copy: func(d *Pool, s Pool) { d.CurrentDedicatedNodes = s.CurrentDedicatedNodes }},
	"creationTime":          {Copy: func(d *Pool, s Pool) { d.CreationTime = s.CreationTime }},
	"eTag":                  {Get: func(p Pool) string { return p.ETag }, Copy: func(d *Pool, s Pool) { d.ETag = s.ETag }},
}

func (p Pool) Field(name string) (string, bool)         { return PoolSchema.Field(p, name) }
func (p Pool) MergeFields(o Pool, fields []string) Pool { return PoolSchema.Merge(p, o, fields) }

// PoolInfo references the pool a job runs on.
type PoolInfo struct {
	PoolID string `json:"poolId,omitempty"`
}

// Job is a collection of tasks bound to a pool.
type Job struct {
	ID           string    `json:"id"`
	DisplayName  string    `json:"displayName,omitempty"`
	State        string    `json:"state,omitempty"`
	Priority     int       `json:"priority,omitempty"`
	PoolInfo     PoolInfo  `json:"poolInfo,omitempty"`
	CreationTime time.Time `json:"creationTime,omitempty"`
	ETag         string    `json:"eTag,omitempty"`
}

// JobSchema lists the attributes of Job by wire name.
var JobSchema = Schema[Job]{
	"id":           {Get: func(j Job) string { return j.ID }, Copy: func(d *Job, s Job) { d.ID = s.ID }},
	"displayName":  {Get: func(j Job) string { return j.DisplayName }, Copy: func(d *Job, s Job) { d.DisplayName = s.DisplayName }},
	"state":        {Get: func(j Job) string { return j.State }, Copy: func(d *Job, s Job) { d.State = s.State }},
	"priority":     {Get: func(j Job) string { return strconv.Itoa(j.Priority) }, Copy: func(d *Job, s Job) { d.Priority = s.Priority }},
	"poolInfo":     {Get: func(j Job) string { return j.PoolInfo.PoolID }, Copy: func(d *Job, s Job) { d.PoolInfo = s.PoolInfo }},
	"creationTime": {Copy: func(d *Job, s Job) { d.CreationTime = s.CreationTime }},
	"eTag":         {Get: func(j Job) string { return j.ETag }, Copy: func(d *Job, s Job) { d.ETag = s.ETag }},
}

func (j Job) Field(name string) (string, bool)       { return JobSchema.Field(j, name) }
func (j Job) MergeFields(o Job, fields []string) Job { return JobSchema.Merge(j, o, fields) }

// ExecutionInfo carries the run state of a task.
type ExecutionInfo struct {
	ExitCode   *int      `json:"exitCode,omitempty"`
	StartTime  time.Time `json:"startTime,omitempty"`
	EndTime    time.Time `json:"endTime,omitempty"`
	RetryCount int       `json:"retryCount,omitempty"`
}

// Task is a unit of work inside a job. Task ids are unique per job only,
// so tasks are cached per job.
type Task struct {
	ID            string        `json:"id"`
	DisplayName   string        `json:"displayName,omitempty"`
	State         string        `json:"state,omitempty"`
	CommandLine   string        `json:"commandLine,omitempty"`
	ExecutionInfo ExecutionInfo `json:"executionInfo,omitempty"`
	ETag          string        `json:"eTag,omitempty"`
}

// TaskSchema lists the attributes of Task by wire name.
var TaskSchema = Schema[Task]{
	"id":            {Get: func(t Task) string { return t.ID }, Copy: func(d *Task, s Task) { d.ID = s.ID }},
	"displayName":   {Get: func(t Task) string { return t.DisplayName }, Copy: func(d *Task, s Task) { d.DisplayName = s.DisplayName }},
	"state":         {Get: func(t Task) string { return t.State }, Copy: func(d *Task, s Task) { d.State = s.State }},
	"commandLine":   {Copy: func(d *Task, s Task) { d.CommandLine = s.CommandLine }},
	"executionInfo": {Copy: func(d *Task, s Task) { d.ExecutionInfo = s.ExecutionInfo }},
	"eTag":          {Get: func(t Task) string { return t.ETag }, Copy: func(d *Task, s Task) { d.ETag = s.ETag }},
}

func (t Task) Field(name string) (string, bool)         { return TaskSchema.Field(t, name) }
func (t Task) MergeFields(o Task, fields []string) Task { return TaskSchema.Merge(t, o, fields) }
