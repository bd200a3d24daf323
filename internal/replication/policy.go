package replication

// recoveryAction is the outcome of classifying a stream termination.
type recoveryAction int

const (
	// actionFail surfaces the error and stops the session.
	actionFail recoveryAction = iota
	// actionResume reconnects from the last observed position.
	actionResume
	// actionReset abandons the start position for a fresh "current tail"
	// position, accepting a potential gap in replayed history.
	actionReset
)

// restartPolicy is the decision table for benign-EOF recovery. Keeping it
// apart from transport code makes the retry/reset branching auditable on its
// own.
//
//	benign EOF, budget left            -> resume (consume one unit)
//	benign EOF, budget spent,
//	  position never advanced, reset on -> reset (once; budget goes negative)
//	anything else                       -> fail
type restartPolicy struct {
	remaining    int
	resetEnabled bool
}

// next classifies one termination. progressed reports whether the resume
// position differs from the session's original start position; blind reset is
// unjustified once any progress was made.
func (p *restartPolicy) next(benignEOF, progressed bool) recoveryAction {
	if !benignEOF {
		return actionFail
	}
	if p.remaining > 0 {
		p.remaining--
		return actionResume
	}
	if p.remaining == 0 && !progressed && p.resetEnabled {
		p.remaining--
		return actionReset
	}
	return actionFail
}
