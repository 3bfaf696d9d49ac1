package controller

// Policy parameterizes how a single queue's sizing plan is computed from
// its metrics each tick (§4.5 "Policy (per queue)").
type Policy struct {
	MinWorkers       int
	MaxWorkers       int
	MinRuntime       float64
	ProvisionBias    float64
	RecoveryBias     float64
	WaitThreshold    float64
	BacklogSoftLimit int
	BacklogLow       int
	BacklogTarget    int
	MaintainBacklog  bool
	CatchupBatch     int
}

// normalize fills in safe defaults for zero-value fields so a caller only
// needs to set the policy dimensions that matter for their queue.
func (p Policy) normalize() Policy {
	if p.MinWorkers < 1 {
		p.MinWorkers = 1
	}
	if p.MaxWorkers < p.MinWorkers {
		p.MaxWorkers = p.MinWorkers
	}
	if p.MinRuntime <= 0 {
		p.MinRuntime = 0.05
	}
	if p.ProvisionBias < 1 {
		p.ProvisionBias = 1
	}
	if p.RecoveryBias < p.ProvisionBias {
		p.RecoveryBias = p.ProvisionBias
	}
	if p.CatchupBatch < 1 {
		p.CatchupBatch = 1
	}
	return p
}
