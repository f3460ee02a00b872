package orchestration

import (
	"github.com/praxisworks/praxis/core"
)

// ReadyGroup is one dispatch unit: either a singleton (step without a
// parallel_group) or every ready member of a named group. Members of a group
// are dispatched concurrently; groups are dispatched in document order of
// their first member.
type ReadyGroup struct {
	// Name is the parallel_group label, empty for singletons.
	Name string

	// Steps are the ready members in document order.
	Steps []*core.Step

	// Policy is the group's failure policy, taken from the first member
	// that declares one. Defaults to all_or_nothing.
	Policy core.FailurePolicy
}

// Singleton reports whether the group holds exactly one ungrouped step.
func (g *ReadyGroup) Singleton() bool {
	return g.Name == "" && len(g.Steps) == 1
}

// Scheduler computes which steps may start next from a task snapshot. It is
// stateless; the orchestrator owns the per-task dedupe of in-flight steps.
type Scheduler struct {
	logger core.Logger
}

// SchedulerOption configures a Scheduler.
type SchedulerOption func(*Scheduler)

// WithSchedulerLogger sets the logger used for ready-set debug output.
func WithSchedulerLogger(logger core.Logger) SchedulerOption {
	return func(s *Scheduler) {
		if cal, ok := logger.(core.ComponentAwareLogger); ok {
			s.logger = cal.WithComponent("praxis/orchestration")
			return
		}
		s.logger = logger
	}
}

// NewScheduler creates a scheduler.
func NewScheduler(opts ...SchedulerOption) *Scheduler {
	s := &Scheduler{}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ReadySteps computes the ready set from the snapshot and groups it for
// dispatch.
//
// A step is ready when its status is pending and every dependency is in a
// dependency-satisfying status (done, skipped or expanded). Ready steps
// sharing a parallel_group form one group; each ungrouped step forms a
// singleton. Group order follows document order of first members.
//
// Terminal and paused tasks produce no ready groups.
func (s *Scheduler) ReadySteps(task *core.Task) []ReadyGroup {
	if task == nil || task.IsTerminal() || task.Status == core.TaskStatusPaused {
		return nil
	}

	satisfied := make(map[string]bool, len(task.Steps))
	for _, step := range task.Steps {
		if step.Status.SatisfiesDependency() {
			satisfied[step.ID] = true
		}
	}

	var groups []ReadyGroup
	groupIndex := make(map[string]int)

	for _, step := range task.Steps {
		if step.Status != core.StepStatusPending {
			continue
		}

		ready := true
		for _, dep := range step.Dependencies {
			if !satisfied[dep] {
				ready = false
				break
			}
		}
		if !ready {
			continue
		}

		if step.ParallelGroup == "" {
			groups = append(groups, ReadyGroup{
				Steps:  []*core.Step{step},
				Policy: effectivePolicy(step.FailurePolicy),
			})
			continue
		}

		idx, seen := groupIndex[step.ParallelGroup]
		if !seen {
			groupIndex[step.ParallelGroup] = len(groups)
			groups = append(groups, ReadyGroup{
				Name:   step.ParallelGroup,
				Steps:  []*core.Step{step},
				Policy: groupPolicy(task, step.ParallelGroup),
			})
			continue
		}
		groups[idx].Steps = append(groups[idx].Steps, step)
	}

	if s.logger != nil && len(groups) > 0 {
		ready := make([]string, 0, len(groups))
		for _, g := range groups {
			for _, step := range g.Steps {
				ready = append(ready, step.ID)
			}
		}
		s.logger.Debug("Ready set computed", map[string]interface{}{
			"operation":   "scheduler_ready",
			"task_id":     task.ID,
			"ready_steps": ready,
			"group_count": len(groups),
		})
	}

	return groups
}

// Capacity returns how many new starts the snapshot permits: the task's
// concurrency cap minus steps already running, floored at zero.
func (s *Scheduler) Capacity(task *core.Task) int {
	free := task.ParallelCap() - task.RunningCount()
	if free < 0 {
		return 0
	}
	return free
}

// Blocked reports whether the task can make no further progress on its own:
// nothing ready, nothing running, nothing gated on a checkpoint, yet
// non-terminal steps remain. A blocked non-terminal task indicates
// dependencies stuck behind failed steps.
func (s *Scheduler) Blocked(task *core.Task) bool {
	if task.IsTerminal() {
		return false
	}
	if len(s.ReadySteps(task)) > 0 {
		return false
	}
	pendingLeft := false
	for _, step := range task.Steps {
		switch step.Status {
		case core.StepStatusRunning, core.StepStatusCheckpoint:
			return false
		case core.StepStatusPending:
			pendingLeft = true
		}
	}
	return pendingLeft
}

// AllSettled reports whether every step reached a terminal or expanded
// status, meaning the task itself can complete.
func AllSettled(task *core.Task) bool {
	for _, step := range task.Steps {
		if !step.Status.IsTerminal() && step.Status != core.StepStatusExpanded {
			return false
		}
	}
	return true
}

func effectivePolicy(p core.FailurePolicy) core.FailurePolicy {
	if p == "" {
		return core.FailurePolicyAllOrNothing
	}
	return p
}
