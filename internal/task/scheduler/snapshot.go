package scheduler

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	enabled := s.cfg.Enabled
	running := s.started && s.c != nil
	tz := s.loc.String()
	s.mu.Unlock()

	snap := Snapshot{
		Enabled:  enabled,
		Running:  running,
		Timezone: tz,
		Engine:   s.eng.Snapshot(),
		Bus:      s.bus.Stats(),
	}
	all := s.reg.List()
	snap.TotalJobs = len(all)
	snap.Jobs = make([]JobInfo, 0, len(all))
	for _, j := range all {
		if j.ParentCode == "" {
			snap.ActiveJobs++
			if j.Paused {
				snap.PausedJobs++
			}
			// parents already aggregate their sub-jobs
			snap.TotalRuns += j.RunCount
			snap.TotalSuccess += j.SuccessCount
			snap.TotalFailed += j.FailCount
		}
		next, prev := s.nextRun(j.Code)
		snap.Jobs = append(snap.Jobs, JobInfo{
			Code:       j.Code,
			Name:       j.Name,
			Trigger:    j.TriggerString(),
			ParentCode: j.ParentCode,
			Paused:     j.Paused,
			Next:       next,
			Prev:       prev,
			RunCount:   j.RunCount,
			LastStatus: j.LastStatus,
		})
	}
	return snap
}
